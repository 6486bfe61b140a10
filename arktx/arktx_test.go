package arktx_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"testing"

	arklib "github.com/arkade-os/arkd/pkg/ark-lib"
	"github.com/arkade-os/arkd/pkg/ark-lib/script"
	"github.com/arkade-os/arkd/pkg/ark-lib/txutils"
	"github.com/arkade-os/go-ark-client/arktx"
	"github.com/arkade-os/go-ark-client/contract"
	"github.com/arkade-os/go-ark-client/types"
	singlekeywallet "github.com/arkade-os/go-ark-client/wallet/singlekey"
	inmemorystore "github.com/arkade-os/go-ark-client/wallet/singlekey/store/inmemory"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/stretchr/testify/require"
)

const dust = 330

var exitDelay = arklib.RelativeLocktime{Type: arklib.LocktimeTypeSecond, Value: 512 * 10}

func newSigner(t *testing.T, id string) (*singlekeywallet.Wallet, *btcec.PublicKey) {
	store, err := inmemorystore.NewWalletStore()
	require.NoError(t, err)
	w, err := singlekeywallet.NewWallet(id, store)
	require.NoError(t, err)
	_, err = w.Create(context.Background(), "password", "")
	require.NoError(t, err)
	pubkey, err := w.GetPubKey(context.Background())
	require.NoError(t, err)
	return w, pubkey
}

func checkpointTapscript(t *testing.T, server *btcec.PublicKey) []byte {
	closure := &script.CSVMultisigClosure{
		MultisigClosure: script.MultisigClosure{PubKeys: []*btcec.PublicKey{server}},
		Locktime:        arklib.RelativeLocktime{Type: arklib.LocktimeTypeBlock, Value: 10},
	}
	buf, err := closure.Script()
	require.NoError(t, err)
	return buf
}

func randomTxid(t *testing.T) string {
	var buf [32]byte
	_, err := rand.Read(buf[:])
	require.NoError(t, err)
	return chainhash.Hash(buf).String()
}

func newCoin(t *testing.T, c contract.Contract, amount uint64) types.Coin {
	pkScript, err := contract.Script(c)
	require.NoError(t, err)
	coin, err := contract.DefaultCoin(c, types.Vtxo{
		Outpoint: types.Outpoint{Txid: randomTxid(t), VOut: 0},
		Script:   pkScript,
		Amount:   amount,
	})
	require.NoError(t, err)
	return coin
}

func vtxoOutput(t *testing.T, amount uint64) types.Output {
	prvkey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	pkScript, err := script.P2TRScript(prvkey.PubKey())
	require.NoError(t, err)
	return types.Output{Type: types.OutputVtxo, Amount: amount, Script: pkScript}
}

func hasAnchor(ptx *psbt.Packet) bool {
	for _, out := range ptx.UnsignedTx.TxOut {
		if bytes.Equal(out.PkScript, txutils.ANCHOR_PKSCRIPT) {
			return true
		}
	}
	return false
}

type fakeTransport struct {
	server    *singlekeywallet.Wallet
	submitted int
	finalized [][]string
}

func (f *fakeTransport) SubmitTx(
	ctx context.Context, signedArkTx string, checkpointTxs []string,
) (string, string, []string, error) {
	f.submitted++

	arkPtx, err := psbt.NewFromRawBytes(strings.NewReader(signedArkTx), true)
	if err != nil {
		return "", "", nil, err
	}
	if err := f.server.SignTransaction(ctx, arkPtx); err != nil {
		return "", "", nil, err
	}
	finalArkTx, err := arkPtx.B64Encode()
	if err != nil {
		return "", "", nil, err
	}

	signedCheckpoints := make([]string, 0, len(checkpointTxs))
	for _, cp := range checkpointTxs {
		ptx, err := psbt.NewFromRawBytes(strings.NewReader(cp), true)
		if err != nil {
			return "", "", nil, err
		}
		if len(ptx.Inputs[0].TaprootScriptSpendSig) > 0 {
			return "", "", nil, fmt.Errorf("checkpoint submitted already signed")
		}
		if err := f.server.SignTransaction(ctx, ptx); err != nil {
			return "", "", nil, err
		}
		signed, err := ptx.B64Encode()
		if err != nil {
			return "", "", nil, err
		}
		signedCheckpoints = append(signedCheckpoints, signed)
	}

	return arkPtx.UnsignedTx.TxID(), finalArkTx, signedCheckpoints, nil
}

func (f *fakeTransport) FinalizeTx(_ context.Context, _ string, checkpoints []string) error {
	f.finalized = append(f.finalized, checkpoints)
	return nil
}

func TestBuildOffchainTx(t *testing.T) {
	_, serverKey := newSigner(t, "server")
	_, userKey := newSigner(t, "user")

	payment, err := contract.NewPayment(serverKey, userKey, exitDelay)
	require.NoError(t, err)

	t.Run("single input", func(t *testing.T) {
		coin := newCoin(t, payment, 50_000)
		tx, err := arktx.BuildOffchainTx(
			[]types.Coin{coin}, []types.Output{vtxoOutput(t, 50_000)},
			checkpointTapscript(t, serverKey), dust,
		)
		require.NoError(t, err)
		require.Len(t, tx.Checkpoints, 1)
		require.Len(t, tx.Coins, 1)
		require.True(t, hasAnchor(tx.ArkTx))
		require.True(t, hasAnchor(tx.Checkpoints[0]))
		require.Equal(t, int32(3), tx.Checkpoints[0].UnsignedTx.Version)

		cp := tx.Checkpoints[0]
		require.Equal(t, coin.Outpoint.Txid, cp.UnsignedTx.TxIn[0].PreviousOutPoint.Hash.String())
		require.Equal(t, int64(50_000), cp.UnsignedTx.TxOut[0].Value)

		// the ark tx input is signed against the checkpoint output
		arkIn := tx.ArkTx.UnsignedTx.TxIn[0]
		require.Equal(t, cp.UnsignedTx.TxHash(), arkIn.PreviousOutPoint.Hash)
		prevout := cp.UnsignedTx.TxOut[arkIn.PreviousOutPoint.Index]
		require.Equal(t, prevout.Value, tx.ArkTx.Inputs[0].WitnessUtxo.Value)
		require.Equal(t, prevout.PkScript, tx.ArkTx.Inputs[0].WitnessUtxo.PkScript)
	})

	t.Run("inputs follow ark tx order", func(t *testing.T) {
		coins := []types.Coin{
			newCoin(t, payment, 10_000),
			newCoin(t, payment, 20_000),
			newCoin(t, payment, 30_000),
		}
		tx, err := arktx.BuildOffchainTx(
			coins, []types.Output{vtxoOutput(t, 60_000)},
			checkpointTapscript(t, serverKey), dust,
		)
		require.NoError(t, err)
		require.Len(t, tx.Checkpoints, 3)

		for i, in := range tx.ArkTx.UnsignedTx.TxIn {
			cp := tx.Checkpoints[i]
			require.Equal(t, cp.UnsignedTx.TxHash(), in.PreviousOutPoint.Hash)
			require.Equal(
				t, tx.Coins[i].Outpoint.Txid,
				cp.UnsignedTx.TxIn[0].PreviousOutPoint.Hash.String(),
			)
		}
	})

	t.Run("sub-dust output", func(t *testing.T) {
		coin := newCoin(t, payment, 50_000)
		subDust := vtxoOutput(t, 100)
		tx, err := arktx.BuildOffchainTx(
			[]types.Coin{coin},
			[]types.Output{vtxoOutput(t, 49_900), subDust},
			checkpointTapscript(t, serverKey), dust,
		)
		require.NoError(t, err)

		out := tx.ArkTx.UnsignedTx.TxOut[1]
		require.Equal(t, int64(100), out.Value)
		require.Equal(t, byte(txscript.OP_RETURN), out.PkScript[0])
		require.True(t, bytes.Contains(out.PkScript, subDust.Script[2:]))
	})

	t.Run("too many sub-dust outputs", func(t *testing.T) {
		coin := newCoin(t, payment, 50_000)
		_, err := arktx.BuildOffchainTx(
			[]types.Coin{coin},
			[]types.Output{vtxoOutput(t, 49_800), vtxoOutput(t, 100), vtxoOutput(t, 100)},
			checkpointTapscript(t, serverKey), dust,
		)
		require.ErrorIs(t, err, arktx.ErrTooManySubDust)
	})

	t.Run("onchain output", func(t *testing.T) {
		coin := newCoin(t, payment, 50_000)
		output := vtxoOutput(t, 50_000)
		output.Type = types.OutputOnchain
		_, err := arktx.BuildOffchainTx(
			[]types.Coin{coin}, []types.Output{output},
			checkpointTapscript(t, serverKey), dust,
		)
		require.ErrorIs(t, err, arktx.ErrOnchainOutput)
	})

	t.Run("missing inputs", func(t *testing.T) {
		_, err := arktx.BuildOffchainTx(
			nil, []types.Output{vtxoOutput(t, 50_000)},
			checkpointTapscript(t, serverKey), dust,
		)
		require.ErrorIs(t, err, arktx.ErrMissingInputs)
	})

	t.Run("condition witness", func(t *testing.T) {
		var preimage lntypes.Preimage
		_, err := rand.Read(preimage[:])
		require.NoError(t, err)

		hashLocked, err := contract.NewHashLockedPayment(
			serverKey, userKey, exitDelay, preimage, contract.HashLockSha256,
		)
		require.NoError(t, err)

		coin := newCoin(t, hashLocked, 50_000)
		tx, err := arktx.BuildOffchainTx(
			[]types.Coin{coin}, []types.Output{vtxoOutput(t, 50_000)},
			checkpointTapscript(t, serverKey), dust,
		)
		require.NoError(t, err)

		fields, err := txutils.GetArkPsbtFields(tx.ArkTx, 0, txutils.ConditionWitnessField)
		require.NoError(t, err)
		require.Len(t, fields, 1)
		require.Equal(t, preimage[:], fields[0][0])
	})
}

func TestSubmit(t *testing.T) {
	ctx := context.Background()
	server, serverKey := newSigner(t, "server")
	user, userKey := newSigner(t, "user")

	payment, err := contract.NewPayment(serverKey, userKey, exitDelay)
	require.NoError(t, err)

	newTx := func(t *testing.T) *arktx.OffchainTx {
		tx, err := arktx.BuildOffchainTx(
			[]types.Coin{newCoin(t, payment, 50_000)},
			[]types.Output{vtxoOutput(t, 50_000)},
			checkpointTapscript(t, serverKey), dust,
		)
		require.NoError(t, err)
		return tx
	}

	t.Run("valid", func(t *testing.T) {
		tx := newTx(t)
		transport := &fakeTransport{server: server}

		arkTxid, err := tx.Submit(ctx, transport, user, serverKey)
		require.NoError(t, err)
		require.Equal(t, tx.ArkTx.UnsignedTx.TxID(), arkTxid)
		require.Equal(t, 1, transport.submitted)
		require.Len(t, transport.finalized, 1)
		require.Len(t, transport.finalized[0], 1)

		finalCheckpoint, err := psbt.NewFromRawBytes(
			strings.NewReader(transport.finalized[0][0]), true,
		)
		require.NoError(t, err)
		require.Len(t, finalCheckpoint.Inputs[0].TaprootScriptSpendSig, 2)

		for _, key := range []*btcec.PublicKey{serverKey, userKey} {
			err := arktx.VerifySignedCheckpoints(
				tx.Checkpoints, []*psbt.Packet{finalCheckpoint}, key,
			)
			require.NoError(t, err)
		}
	})

	t.Run("invalid server signature", func(t *testing.T) {
		tx := newTx(t)
		otherServer, _ := newSigner(t, "other")
		transport := &fakeTransport{server: otherServer}

		_, err := tx.Submit(ctx, transport, user, serverKey)
		require.Error(t, err)
		require.Equal(t, 1, transport.submitted)
		require.Empty(t, transport.finalized)
	})
}

func TestBuildForfeitTx(t *testing.T) {
	_, serverKey := newSigner(t, "server")
	user, userKey := newSigner(t, "user")

	payment, err := contract.NewPayment(serverKey, userKey, exitDelay)
	require.NoError(t, err)

	forfeitScript, err := script.P2TRScript(serverKey)
	require.NoError(t, err)

	t.Run("without connector", func(t *testing.T) {
		coin := newCoin(t, payment, 10_000)
		ptx, err := arktx.BuildForfeitTx(coin, forfeitScript, dust, nil)
		require.NoError(t, err)

		require.Len(t, ptx.UnsignedTx.TxIn, 1)
		require.Equal(t, txscript.SigHashAnyOneCanPay|txscript.SigHashAll, ptx.Inputs[0].SighashType)
		require.Equal(t, int64(10_000+dust), ptx.UnsignedTx.TxOut[0].Value)
		require.Equal(t, forfeitScript, ptx.UnsignedTx.TxOut[0].PkScript)
		require.True(t, hasAnchor(ptx))

		err = user.SignTransaction(context.Background(), ptx)
		require.NoError(t, err)
		require.Len(t, ptx.Inputs[0].TaprootScriptSpendSig, 1)
		require.Equal(
			t, txscript.SigHashAnyOneCanPay|txscript.SigHashAll,
			ptx.Inputs[0].TaprootScriptSpendSig[0].SigHash,
		)
	})

	t.Run("with connector", func(t *testing.T) {
		coin := newCoin(t, payment, 10_000)
		connectorHash, err := chainhash.NewHashFromStr(randomTxid(t))
		require.NoError(t, err)
		connectorScript, err := hex.DecodeString(coin.Script)
		require.NoError(t, err)

		ptx, err := arktx.BuildForfeitTx(coin, forfeitScript, dust, &arktx.Connector{
			Outpoint: &wire.OutPoint{Hash: *connectorHash, Index: 0},
			TxOut:    &wire.TxOut{Value: dust, PkScript: connectorScript},
		})
		require.NoError(t, err)

		require.Len(t, ptx.UnsignedTx.TxIn, 2)
		require.Equal(t, txscript.SigHashType(0), ptx.Inputs[0].SighashType)
		require.Equal(t, int64(10_000+dust), ptx.UnsignedTx.TxOut[0].Value)
		require.True(t, hasAnchor(ptx))
	})
}
