package arktx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	arklib "github.com/arkade-os/arkd/pkg/ark-lib"
	"github.com/arkade-os/arkd/pkg/ark-lib/offchain"
	"github.com/arkade-os/arkd/pkg/ark-lib/script"
	"github.com/arkade-os/arkd/pkg/ark-lib/txutils"
	"github.com/arkade-os/go-ark-client/types"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/ccoveille/go-safecast"
	log "github.com/sirupsen/logrus"
)

var (
	ErrTooManySubDust = errors.New("offchain tx can't have more than one sub-dust output")
	ErrOnchainOutput  = errors.New("offchain tx can't have onchain outputs")
	ErrMissingInputs  = errors.New("missing inputs")
)

type Signer interface {
	SignTransaction(ctx context.Context, ptx *psbt.Packet) error
}

// Transport is the subset of the coordinator API used to submit offchain txs.
type Transport interface {
	SubmitTx(
		ctx context.Context, signedArkTx string, checkpointTxs []string,
	) (arkTxid, finalArkTx string, signedCheckpointTxs []string, err error)
	FinalizeTx(ctx context.Context, arkTxid string, finalCheckpointTxs []string) error
}

// OffchainTx is an Ark tx with its checkpoints. Coins and Checkpoints are
// ordered like the inputs of ArkTx.
type OffchainTx struct {
	ArkTx       *psbt.Packet
	Checkpoints []*psbt.Packet
	Coins       []types.Coin
}

// BuildOffchainTx creates one checkpoint tx per coin and the Ark tx spending
// all checkpoint outputs to the given outputs.
func BuildOffchainTx(
	coins []types.Coin, outputs []types.Output, checkpointTapscript []byte, dust uint64,
) (*OffchainTx, error) {
	if len(coins) <= 0 {
		return nil, ErrMissingInputs
	}
	if len(checkpointTapscript) <= 0 {
		return nil, fmt.Errorf("missing checkpoint tapscript")
	}

	ins := make([]offchain.VtxoInput, 0, len(coins))
	coinsByOutpoint := make(map[wire.OutPoint]types.Coin)
	for _, coin := range coins {
		if coin.Leaf == nil {
			return nil, fmt.Errorf("missing spending leaf for coin %s", coin.Outpoint)
		}
		if len(coin.Tapscripts) <= 0 {
			return nil, fmt.Errorf("missing tapscripts for coin %s", coin.Outpoint)
		}
		outpoint, err := coin.Outpoint.ToWire()
		if err != nil {
			return nil, err
		}
		if _, ok := coinsByOutpoint[*outpoint]; ok {
			return nil, fmt.Errorf("duplicated input %s", coin.Outpoint)
		}
		amount, err := safecast.ToInt64(coin.Amount)
		if err != nil {
			return nil, err
		}

		coinsByOutpoint[*outpoint] = coin
		ins = append(ins, offchain.VtxoInput{
			Outpoint:           outpoint,
			Tapscript:          coin.Leaf,
			Amount:             amount,
			RevealedTapscripts: coin.Tapscripts,
		})
	}

	outs, err := prepareOutputs(outputs, dust)
	if err != nil {
		return nil, err
	}

	arkPtx, checkpointPtxs, err := offchain.BuildTxs(ins, outs, checkpointTapscript)
	if err != nil {
		return nil, err
	}

	tx := &OffchainTx{ArkTx: arkPtx}
	if err := tx.sortCheckpoints(checkpointPtxs, coinsByOutpoint); err != nil {
		return nil, err
	}
	if err := tx.applyTimelocks(); err != nil {
		return nil, err
	}
	if err := tx.setConditionWitnesses(); err != nil {
		return nil, err
	}
	return tx, nil
}

// Sign adds the signer's signatures to every Ark tx input.
func (t *OffchainTx) Sign(ctx context.Context, signer Signer) error {
	return signer.SignTransaction(ctx, t.ArkTx)
}

// Submit signs the Ark tx, submits it along with its checkpoints, and once
// the server co-signed them signs the checkpoints and finalizes the tx.
// If serverPubKey is not nil the server signatures are verified before
// signing the checkpoints.
func (t *OffchainTx) Submit(
	ctx context.Context, transport Transport, signer Signer, serverPubKey *btcec.PublicKey,
) (string, error) {
	if err := t.Sign(ctx, signer); err != nil {
		return "", fmt.Errorf("failed to sign ark tx: %w", err)
	}

	arkTx, err := t.ArkTx.B64Encode()
	if err != nil {
		return "", err
	}
	checkpoints, err := encodePsbts(t.Checkpoints)
	if err != nil {
		return "", err
	}

	arkTxid, finalArkTx, signedCheckpointTxs, err := transport.SubmitTx(
		ctx, arkTx, checkpoints,
	)
	if err != nil {
		return "", err
	}

	signedCheckpoints, err := decodePsbts(signedCheckpointTxs)
	if err != nil {
		return "", fmt.Errorf("invalid signed checkpoint: %s", err)
	}

	if serverPubKey != nil {
		if err := verifySignedArk(t.ArkTx, finalArkTx, serverPubKey); err != nil {
			return "", err
		}
		if err := VerifySignedCheckpoints(
			t.Checkpoints, signedCheckpoints, serverPubKey,
		); err != nil {
			return "", err
		}
	}

	indexedCheckpoints := make(map[string]*psbt.Packet)
	for _, cp := range t.Checkpoints {
		indexedCheckpoints[cp.UnsignedTx.TxID()] = cp
	}

	finalCheckpoints := make([]*psbt.Packet, 0, len(signedCheckpoints))
	for _, signed := range signedCheckpoints {
		txid := signed.UnsignedTx.TxID()
		local, ok := indexedCheckpoints[txid]
		if !ok {
			return "", fmt.Errorf("unknown checkpoint %s", txid)
		}
		if err := mergeCheckpoint(signed, local); err != nil {
			return "", err
		}
		if coin, ok := t.checkpointCoin(txid); ok && len(coin.ConditionWitness) > 0 {
			if err := txutils.SetArkPsbtField(
				signed, 0, txutils.ConditionWitnessField, coin.ConditionWitness,
			); err != nil {
				return "", err
			}
		}
		if err := signer.SignTransaction(ctx, signed); err != nil {
			return "", fmt.Errorf("failed to sign checkpoint %s: %w", txid, err)
		}
		finalCheckpoints = append(finalCheckpoints, signed)
	}

	encodedCheckpoints, err := encodePsbts(finalCheckpoints)
	if err != nil {
		return "", err
	}
	if err := transport.FinalizeTx(ctx, arkTxid, encodedCheckpoints); err != nil {
		return "", err
	}

	log.Debugf("finalized ark tx %s with %d checkpoints", arkTxid, len(finalCheckpoints))
	return arkTxid, nil
}

func (t *OffchainTx) checkpointCoin(txid string) (types.Coin, bool) {
	for i, cp := range t.Checkpoints {
		if cp.UnsignedTx.TxID() == txid {
			return t.Coins[i], true
		}
	}
	return types.Coin{}, false
}

// sortCheckpoints puts checkpoints and coins in the order of the Ark tx
// inputs spending them.
func (t *OffchainTx) sortCheckpoints(
	checkpoints []*psbt.Packet, coinsByOutpoint map[wire.OutPoint]types.Coin,
) error {
	if len(checkpoints) != len(t.ArkTx.UnsignedTx.TxIn) {
		return fmt.Errorf(
			"checkpoint count mismatch: expected %d, got %d",
			len(t.ArkTx.UnsignedTx.TxIn), len(checkpoints),
		)
	}

	indexed := make(map[string]*psbt.Packet)
	for _, cp := range checkpoints {
		indexed[cp.UnsignedTx.TxHash().String()] = cp
	}

	t.Checkpoints = make([]*psbt.Packet, 0, len(checkpoints))
	t.Coins = make([]types.Coin, 0, len(checkpoints))
	for i, in := range t.ArkTx.UnsignedTx.TxIn {
		cp, ok := indexed[in.PreviousOutPoint.Hash.String()]
		if !ok {
			return fmt.Errorf("checkpoint spent by ark tx input %d not found", i)
		}
		coin, ok := coinsByOutpoint[cp.UnsignedTx.TxIn[0].PreviousOutPoint]
		if !ok {
			return fmt.Errorf("coin spent by checkpoint %s not found", cp.UnsignedTx.TxID())
		}
		t.Checkpoints = append(t.Checkpoints, cp)
		t.Coins = append(t.Coins, coin)
	}
	return nil
}

// applyTimelocks sets the sequence and locktime required by the spending
// leaf of every coin, both on the checkpoint and on the Ark tx input
// spending it.
func (t *OffchainTx) applyTimelocks() error {
	arkTx := t.ArkTx.UnsignedTx
	for i, coin := range t.Coins {
		if coin.Sequence == nil && coin.Locktime == nil {
			continue
		}

		sequence, locktime, err := timelocks(coin)
		if err != nil {
			return err
		}

		cp := t.Checkpoints[i].UnsignedTx
		cp.TxIn[0].Sequence = sequence
		if locktime > cp.LockTime {
			cp.LockTime = locktime
		}

		arkTx.TxIn[i].PreviousOutPoint.Hash = cp.TxHash()
		arkTx.TxIn[i].Sequence = sequence
		if locktime > arkTx.LockTime {
			arkTx.LockTime = locktime
		}
	}
	return nil
}

// setConditionWitnesses adds the extra witness elements required by the
// coin leaves to the Ark tx inputs.
func (t *OffchainTx) setConditionWitnesses() error {
	for i, coin := range t.Coins {
		if len(coin.ConditionWitness) <= 0 {
			continue
		}
		if err := txutils.SetArkPsbtField(
			t.ArkTx, i, txutils.ConditionWitnessField, coin.ConditionWitness,
		); err != nil {
			return err
		}
	}
	return nil
}

func timelocks(coin types.Coin) (uint32, uint32, error) {
	sequence := wire.MaxTxInSequenceNum
	if coin.Sequence != nil {
		seq, err := arklib.BIP68Sequence(*coin.Sequence)
		if err != nil {
			return 0, 0, err
		}
		sequence = seq
	}

	locktime := uint32(0)
	if coin.Locktime != nil {
		locktime = uint32(*coin.Locktime)
		// locktime is not enforced with a final sequence
		if sequence == wire.MaxTxInSequenceNum {
			sequence = wire.MaxTxInSequenceNum - 1
		}
	}
	return sequence, locktime, nil
}

// prepareOutputs converts the requested outputs to tx outputs. A vtxo
// output below dust is locked by an OP_RETURN script carrying its taproot
// key, and at most one such data output is allowed.
func prepareOutputs(outputs []types.Output, dust uint64) ([]*wire.TxOut, error) {
	if len(outputs) <= 0 {
		return nil, fmt.Errorf("missing outputs")
	}

	outs := make([]*wire.TxOut, 0, len(outputs))
	dataOutputs := 0
	for i, output := range outputs {
		if output.Type == types.OutputOnchain {
			return nil, fmt.Errorf("output %d: %w", i, ErrOnchainOutput)
		}

		txOut, err := output.TxOut()
		if err != nil {
			return nil, err
		}

		switch {
		case txscript.GetScriptClass(txOut.PkScript) == txscript.NullDataTy:
			dataOutputs++
		case output.Amount < dust:
			if !txscript.IsPayToTaproot(txOut.PkScript) {
				return nil, fmt.Errorf("sub-dust output %d is not taproot", i)
			}
			tapKey, err := schnorr.ParsePubKey(txOut.PkScript[2:])
			if err != nil {
				return nil, err
			}
			pkScript, err := script.SubDustScript(tapKey)
			if err != nil {
				return nil, err
			}
			txOut.PkScript = pkScript
			dataOutputs++
		}

		if dataOutputs > 1 {
			return nil, ErrTooManySubDust
		}
		outs = append(outs, txOut)
	}
	return outs, nil
}

// mergeCheckpoint adds to the server co-signed checkpoint whatever the local
// copy carries and the other one lacks, without replacing any signature.
func mergeCheckpoint(signed, local *psbt.Packet) error {
	if len(signed.Inputs) != len(local.Inputs) {
		return fmt.Errorf("checkpoint %s input count mismatch", local.UnsignedTx.TxID())
	}

	for i, in := range local.Inputs {
		for _, sig := range in.TaprootScriptSpendSig {
			if hasSig(signed.Inputs[i].TaprootScriptSpendSig, sig) {
				continue
			}
			signed.Inputs[i].TaprootScriptSpendSig = append(
				signed.Inputs[i].TaprootScriptSpendSig, sig,
			)
		}
		if len(signed.Inputs[i].TaprootLeafScript) <= 0 {
			signed.Inputs[i].TaprootLeafScript = in.TaprootLeafScript
		}
		if signed.Inputs[i].WitnessUtxo == nil {
			signed.Inputs[i].WitnessUtxo = in.WitnessUtxo
		}
	}
	return nil
}

func hasSig(sigs []*psbt.TaprootScriptSpendSig, sig *psbt.TaprootScriptSpendSig) bool {
	for _, s := range sigs {
		if bytes.Equal(s.XOnlyPubKey, sig.XOnlyPubKey) &&
			bytes.Equal(s.LeafHash, sig.LeafHash) {
			return true
		}
	}
	return false
}

func encodePsbts(ptxs []*psbt.Packet) ([]string, error) {
	txs := make([]string, 0, len(ptxs))
	for _, ptx := range ptxs {
		tx, err := ptx.B64Encode()
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

func decodePsbts(txs []string) ([]*psbt.Packet, error) {
	ptxs := make([]*psbt.Packet, 0, len(txs))
	for _, tx := range txs {
		ptx, err := psbt.NewFromRawBytes(strings.NewReader(tx), true)
		if err != nil {
			return nil, err
		}
		ptxs = append(ptxs, ptx)
	}
	return ptxs, nil
}
