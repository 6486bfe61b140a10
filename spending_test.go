package arkclient

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/arkade-os/go-ark-client/contract"
	"github.com/arkade-os/go-ark-client/internal/utils"
	"github.com/arkade-os/go-ark-client/types"
	"github.com/arkade-os/go-ark-client/wallet"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/require"
)

func newTestSpendingService(env *testEnv, strategies ...LeafStrategy) *SpendingService {
	return NewSpendingService(
		env.cfg, env.store, env.transport, env.wallets, utils.NewKeyedMutex(), strategies...,
	)
}

func (f *fakeTransport) lastArkTx(t *testing.T) *psbt.Packet {
	t.Helper()

	f.lock.Lock()
	defer f.lock.Unlock()
	require.NotEmpty(t, f.arkTxs)
	return f.arkTxs[len(f.arkTxs)-1]
}

func TestSpend(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		env := newTestEnv(t)
		vtxo := env.addVtxo(t, 10_000, time.Now().Add(24*time.Hour))
		spending := newTestSpendingService(env)

		output := randomOutput(t, 4_000)
		txid, err := spending.Spend(context.Background(), env.wallet.Id(), []types.Output{output})
		require.NoError(t, err)
		require.NotEmpty(t, txid)
		require.Equal(t, []string{"SubmitTx", "FinalizeTx"}, env.transport.getCalls())

		arkTx := env.transport.lastArkTx(t)
		require.Equal(t, txid, arkTx.UnsignedTx.TxID())
		// outputs, change and anchor
		require.Len(t, arkTx.UnsignedTx.TxOut, 3)
		require.Equal(t, int64(4_000), arkTx.UnsignedTx.TxOut[0].Value)
		require.Equal(t, int64(6_000), arkTx.UnsignedTx.TxOut[1].Value)

		changeScript, err := contract.PkScript(env.payment)
		require.NoError(t, err)
		require.Equal(t, changeScript, arkTx.UnsignedTx.TxOut[1].PkScript)

		spent, err := env.store.VtxoStore().GetVtxos(
			context.Background(), []types.Outpoint{vtxo.Outpoint},
		)
		require.NoError(t, err)
		require.Len(t, spent, 1)
		require.True(t, spent[0].Spent)
		require.Equal(t, txid, spent[0].SpentBy)
		require.Equal(t, txid, spent[0].ArkTxid)

		// Spent coins can't fund another tx.
		_, err = spending.Spend(context.Background(), env.wallet.Id(), []types.Output{output})
		require.ErrorIs(t, err, ErrNotEnoughFunds)
	})

	t.Run("sub dust change", func(t *testing.T) {
		env := newTestEnv(t)
		env.addVtxo(t, 10_000, time.Now().Add(24*time.Hour))
		spending := newTestSpendingService(env)

		_, err := spending.Spend(
			context.Background(), env.wallet.Id(), []types.Output{randomOutput(t, 9_800)},
		)
		require.NoError(t, err)

		arkTx := env.transport.lastArkTx(t)
		require.Len(t, arkTx.UnsignedTx.TxOut, 3)
		change := arkTx.UnsignedTx.TxOut[0]
		require.Equal(t, int64(200), change.Value)
		require.Equal(t, txscript.NullDataTy, txscript.GetScriptClass(change.PkScript))
		require.Equal(t, int64(9_800), arkTx.UnsignedTx.TxOut[1].Value)
	})

	t.Run("sub dust change with sub dust output", func(t *testing.T) {
		env := newTestEnv(t)
		vtxo := env.addVtxo(t, 1_000, time.Now().Add(24*time.Hour))
		spending := newTestSpendingService(env)

		_, err := spending.Spend(
			context.Background(), env.wallet.Id(),
			[]types.Output{randomOutput(t, 600), randomOutput(t, 200)},
		)
		require.ErrorIs(t, err, ErrSubDustChange)
		require.Zero(t, countCalls(env.transport.getCalls(), "SubmitTx"))

		vtxos, err := env.store.VtxoStore().GetVtxos(
			context.Background(), []types.Outpoint{vtxo.Outpoint},
		)
		require.NoError(t, err)
		require.Len(t, vtxos, 1)
		require.False(t, vtxos[0].Spent)
	})

	t.Run("sub dust change funded by another coin", func(t *testing.T) {
		env := newTestEnv(t)
		env.addVtxo(t, 1_000, time.Now().Add(time.Hour))
		env.addVtxo(t, 5_000, time.Now().Add(24*time.Hour))
		spending := newTestSpendingService(env)

		_, err := spending.Spend(
			context.Background(), env.wallet.Id(),
			[]types.Output{randomOutput(t, 600), randomOutput(t, 200)},
		)
		require.NoError(t, err)

		arkTx := env.transport.lastArkTx(t)
		require.Len(t, arkTx.UnsignedTx.TxIn, 2)
		// outputs, change and anchor
		require.Len(t, arkTx.UnsignedTx.TxOut, 4)
		require.Equal(t, int64(600), arkTx.UnsignedTx.TxOut[0].Value)
		require.Equal(t, int64(200), arkTx.UnsignedTx.TxOut[1].Value)
		require.Equal(t, int64(5_200), arkTx.UnsignedTx.TxOut[2].Value)
	})

	t.Run("explicit inputs", func(t *testing.T) {
		env := newTestEnv(t)
		first := env.addVtxo(t, 5_000, time.Now().Add(time.Hour))
		second := env.addVtxo(t, 5_000, time.Now().Add(48*time.Hour))
		spending := newTestSpendingService(env)

		_, err := spending.Spend(
			context.Background(), env.wallet.Id(),
			[]types.Output{randomOutput(t, 1_000)}, second.Outpoint,
		)
		require.NoError(t, err)

		arkTx := env.transport.lastArkTx(t)
		require.Len(t, arkTx.UnsignedTx.TxIn, 1)

		vtxos, err := env.store.VtxoStore().GetVtxos(
			context.Background(), []types.Outpoint{first.Outpoint, second.Outpoint},
		)
		require.NoError(t, err)
		for _, vtxo := range vtxos {
			require.Equal(t, vtxo.Outpoint == second.Outpoint, vtxo.Spent)
		}

		// Already spent.
		_, err = spending.Spend(
			context.Background(), env.wallet.Id(),
			[]types.Output{randomOutput(t, 1_000)}, second.Outpoint,
		)
		require.ErrorContains(t, err, "spent")

		// Unknown.
		_, err = spending.Spend(
			context.Background(), env.wallet.Id(),
			[]types.Output{randomOutput(t, 1_000)}, types.Outpoint{Txid: randomTxid(t)},
		)
		require.Error(t, err)

		// Not enough.
		_, err = spending.Spend(
			context.Background(), env.wallet.Id(),
			[]types.Output{randomOutput(t, 6_000)}, first.Outpoint,
		)
		require.ErrorIs(t, err, ErrNotEnoughFunds)
	})

	t.Run("committed to intent", func(t *testing.T) {
		env := newTestEnv(t)
		intent := env.addIntent(t)
		spending := newTestSpendingService(env)

		_, err := spending.Spend(
			context.Background(), env.wallet.Id(),
			[]types.Output{randomOutput(t, 1_000)}, intent.Inputs...,
		)
		require.ErrorContains(t, err, "pending intent")

		_, err = spending.Spend(
			context.Background(), env.wallet.Id(), []types.Output{randomOutput(t, 1_000)},
		)
		require.ErrorIs(t, err, ErrNotEnoughFunds)
		require.Empty(t, env.transport.getCalls())
	})

	t.Run("no strategy applies", func(t *testing.T) {
		env := newTestEnv(t)
		vtxo := env.addVtxo(t, 10_000, time.Now().Add(24*time.Hour))

		errFirst := errors.New("first failed")
		errSecond := errors.New("second failed")
		spending := newTestSpendingService(env,
			LeafStrategy{
				Name: "first",
				Bind: func(context.Context, wallet.Wallet, contract.Contract, types.Vtxo) (types.Coin, error) {
					return types.Coin{}, errFirst
				},
			},
			LeafStrategy{
				Name: "second",
				Bind: func(context.Context, wallet.Wallet, contract.Contract, types.Vtxo) (types.Coin, error) {
					return types.Coin{}, errSecond
				},
			},
		)

		_, err := spending.Spend(
			context.Background(), env.wallet.Id(), []types.Output{randomOutput(t, 1_000)},
		)
		var spendErr *SpendError
		require.ErrorAs(t, err, &spendErr)
		require.Len(t, spendErr.Attempts, 2)
		require.Equal(t, "first", spendErr.Attempts[0].Strategy)
		require.Equal(t, "second", spendErr.Attempts[1].Strategy)
		for _, attempt := range spendErr.Attempts {
			require.Equal(t, vtxo.Outpoint, attempt.Outpoint)
		}
		require.ErrorIs(t, err, errFirst)
		require.ErrorIs(t, err, errSecond)
		require.Empty(t, env.transport.getCalls())
	})

	t.Run("fallback strategy", func(t *testing.T) {
		env := newTestEnv(t)
		env.addVtxo(t, 10_000, time.Now().Add(24*time.Hour))

		strategies := append([]LeafStrategy{{
			Name: "unavailable",
			Bind: func(context.Context, wallet.Wallet, contract.Contract, types.Vtxo) (types.Coin, error) {
				return types.Coin{}, fmt.Errorf("unavailable")
			},
		}}, DefaultLeafStrategies()...)
		spending := newTestSpendingService(env, strategies...)

		txid, err := spending.Spend(
			context.Background(), env.wallet.Id(), []types.Output{randomOutput(t, 1_000)},
		)
		require.NoError(t, err)
		require.NotEmpty(t, txid)
	})

	t.Run("invalid", func(t *testing.T) {
		env := newTestEnv(t)
		spending := newTestSpendingService(env)

		_, err := spending.Spend(context.Background(), env.wallet.Id(), nil)
		require.Error(t, err)

		_, err = spending.Spend(
			context.Background(), env.wallet.Id(), []types.Output{randomOutput(t, 0)},
		)
		require.Error(t, err)

		_, err = spending.Spend(
			context.Background(), "unknown", []types.Output{randomOutput(t, 1_000)},
		)
		require.ErrorIs(t, err, wallet.ErrWalletNotFound)
	})
}

func TestBindSignerKeyLeaf(t *testing.T) {
	env := newTestEnv(t)
	vtxo := env.addVtxo(t, 10_000, time.Now().Add(24*time.Hour))

	coin, err := bindSignerKeyLeaf(context.Background(), env.wallet, env.payment, vtxo)
	require.NoError(t, err)
	require.NotNil(t, coin.Leaf)

	collaborative, err := contract.DefaultCoin(env.payment, vtxo)
	require.NoError(t, err)
	require.Equal(t, collaborative.Leaf.RevealedScript, coin.Leaf.RevealedScript)

	// A wallet whose key is not in the contract can't bind any leaf.
	other := newTestWallet(t, "other")
	_, err = bindSignerKeyLeaf(context.Background(), other, env.payment, vtxo)
	require.Error(t, err)
}
