package arkclient

import (
	"context"
	"crypto/rand"
	"fmt"
	"testing"
	"time"

	arklib "github.com/arkade-os/arkd/pkg/ark-lib"
	"github.com/arkade-os/go-ark-client/client"
	"github.com/arkade-os/go-ark-client/contract"
	"github.com/arkade-os/go-ark-client/types"
	"github.com/arkade-os/go-ark-client/wallet"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/stretchr/testify/require"
)

// addVHTLC stores a vhtlc received by the user wallet, with its preimage
// known, and a vtxo locked by it.
func (e *testEnv) addVHTLC(t *testing.T, amount uint64) (*contract.VHTLC, types.Vtxo) {
	t.Helper()

	var preimage lntypes.Preimage
	_, err := rand.Read(preimage[:])
	require.NoError(t, err)
	sender, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	receiver, err := e.wallet.GetPubKey(context.Background())
	require.NoError(t, err)

	htlc, err := contract.NewVHTLC(contract.VHTLC{
		Sender:                               sender.PubKey(),
		Receiver:                             receiver,
		ServerKey:                            e.cfg.SignerPubKey,
		PreimageHash:                         btcutil.Hash160(preimage[:]),
		RefundLocktime:                       arklib.AbsoluteLocktime(time.Now().Add(24 * time.Hour).Unix()),
		UnilateralClaimDelay:                 testExitDelay,
		UnilateralRefundDelay:                testExitDelay,
		UnilateralRefundWithoutReceiverDelay: testExitDelay,
		Preimage:                             &preimage,
	})
	require.NoError(t, err)

	entity, err := contract.Entity(htlc, e.wallet.Id(), true)
	require.NoError(t, err)
	_, err = e.store.ContractStore().UpsertContracts(
		context.Background(), []types.ContractEntity{entity},
	)
	require.NoError(t, err)

	vtxo := types.Vtxo{
		Outpoint:  types.Outpoint{Txid: randomTxid(t), VOut: 0},
		Script:    entity.Script,
		Amount:    amount,
		CreatedAt: time.Now().Add(-time.Hour).Truncate(time.Second),
		ExpiresAt: time.Now().Add(24 * time.Hour).Truncate(time.Second),
	}
	_, err = e.store.VtxoStore().UpsertVtxos(context.Background(), []types.Vtxo{vtxo})
	require.NoError(t, err)
	return htlc, vtxo
}

func newTestSweeper(env *testEnv, policies ...SweepPolicy) *Sweeper {
	return NewSweeper(
		env.store, env.wallets, newTestSpendingService(env), nil, time.Hour, policies...,
	)
}

type countingSweeper struct {
	inner CoinSweeper
	calls int
}

func (c *countingSweeper) SweepCoin(
	ctx context.Context, walletId string, coin types.Coin,
) (string, error) {
	c.calls++
	return c.inner.SweepCoin(ctx, walletId, coin)
}

func nextSweepEvent(t *testing.T, events <-chan SweepEvent) SweepEvent {
	t.Helper()

	select {
	case event := <-events:
		return event
	case <-time.After(5 * time.Second):
		t.Fatal("missing sweep event")
	}
	return SweepEvent{}
}

func TestSweeper(t *testing.T) {
	t.Run("claim vhtlc", func(t *testing.T) {
		env := newTestEnv(t)
		_, vtxo := env.addVHTLC(t, 5_000)
		// Payment vtxos are left alone.
		env.addVtxo(t, 10_000, time.Now().Add(24*time.Hour))

		sweeper := newTestSweeper(env)
		events := sweeper.SubscribeEvents()
		defer sweeper.UnsubscribeEvents(events)

		sweeper.SweepAll(context.Background())

		event := nextSweepEvent(t, events)
		require.NoError(t, event.Err)
		require.Equal(t, vtxo.Outpoint, event.Outpoint)
		require.Equal(t, env.wallet.Id(), event.WalletId)
		require.NotEmpty(t, event.Txid)
		require.Equal(t, 1, countCalls(env.transport.getCalls(), "SubmitTx"))

		arkTx := env.transport.lastArkTx(t)
		require.Len(t, arkTx.UnsignedTx.TxIn, 1)
		require.Equal(t, int64(5_000), arkTx.UnsignedTx.TxOut[0].Value)

		vtxos, err := env.store.VtxoStore().GetVtxos(
			context.Background(), []types.Outpoint{vtxo.Outpoint},
		)
		require.NoError(t, err)
		require.True(t, vtxos[0].Spent)
		require.Equal(t, event.Txid, vtxos[0].SpentBy)

		// Already swept.
		sweeper.SweepAll(context.Background())
		require.Equal(t, 1, countCalls(env.transport.getCalls(), "SubmitTx"))
	})

	t.Run("next path", func(t *testing.T) {
		env := newTestEnv(t)
		_, vtxo := env.addVHTLC(t, 5_000)

		failing := SweepPolicyFunc(func(
			ctx context.Context, w wallet.Wallet, candidate SweepCandidate, now types.ChainTime,
		) ([]types.Coin, error) {
			coins, err := sweepVHTLC(ctx, w, candidate, now)
			if err != nil || len(coins) <= 0 {
				return coins, err
			}
			broken := coins[0]
			broken.Outpoint = types.Outpoint{Txid: randomTxid(t)}
			return append([]types.Coin{broken}, coins...), nil
		})
		sweeper := newTestSweeper(env, failing)
		events := sweeper.SubscribeEvents()
		defer sweeper.UnsubscribeEvents(events)

		sweeper.SweepAll(context.Background())

		event := nextSweepEvent(t, events)
		require.NoError(t, event.Err)
		require.Equal(t, vtxo.Outpoint, event.Outpoint)
		require.NotEmpty(t, event.Txid)
	})

	t.Run("every path fails", func(t *testing.T) {
		env := newTestEnv(t)
		env.addVHTLC(t, 5_000)
		env.transport.submitErr = fmt.Errorf("server down")

		sweeper := newTestSweeper(env)
		events := sweeper.SubscribeEvents()
		defer sweeper.UnsubscribeEvents(events)

		sweeper.SweepAll(context.Background())

		event := nextSweepEvent(t, events)
		require.ErrorContains(t, event.Err, "server down")
		require.Empty(t, event.Txid)
	})

	t.Run("locked vtxo", func(t *testing.T) {
		env := newTestEnv(t)
		_, vtxo := env.addVHTLC(t, 5_000)
		require.NoError(t, env.store.IntentStore().AddIntent(context.Background(), types.Intent{
			Id:         "pending",
			WalletId:   env.wallet.Id(),
			State:      types.IntentWaitingForBatch,
			ValidUntil: time.Now().Add(time.Hour),
			Inputs:     []types.Outpoint{vtxo.Outpoint},
		}))

		twice := SweepPolicyFunc(func(
			ctx context.Context, w wallet.Wallet, candidate SweepCandidate, now types.ChainTime,
		) ([]types.Coin, error) {
			coins, err := sweepVHTLC(ctx, w, candidate, now)
			return append(coins, coins...), err
		})
		spender := &countingSweeper{inner: newTestSpendingService(env)}
		sweeper := NewSweeper(env.store, env.wallets, spender, nil, time.Hour, twice)
		events := sweeper.SubscribeEvents()
		defer sweeper.UnsubscribeEvents(events)

		sweeper.SweepAll(context.Background())

		event := nextSweepEvent(t, events)
		require.ErrorIs(t, event.Err, client.ErrAlreadyLocked)
		// The other paths are not tried.
		require.Equal(t, 1, spender.calls)
		require.Zero(t, countCalls(env.transport.getCalls(), "SubmitTx"))
	})

	t.Run("refund needs expired locktime", func(t *testing.T) {
		htlc := &contract.VHTLC{RefundLocktime: arklib.AbsoluteLocktime(time.Now().Unix())}
		require.True(t, refundable(htlc, types.ChainTime{Timestamp: time.Now().Add(time.Minute)}))
		require.False(t, refundable(htlc, types.ChainTime{Timestamp: time.Now().Add(-time.Hour)}))

		htlc.RefundLocktime = 850_000
		require.False(t, refundable(htlc, types.ChainTime{Timestamp: time.Now()}))
		require.True(t, refundable(htlc, types.ChainTime{Height: 850_000}))
		require.False(t, refundable(htlc, types.ChainTime{Height: 849_999}))
	})
}

func TestSweeperRun(t *testing.T) {
	env := newTestEnv(t)
	sweeper := newTestSweeper(env)
	events := sweeper.SubscribeEvents()
	defer sweeper.UnsubscribeEvents(events)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sweeper.Run(ctx) }()

	// A new vhtlc vtxo is swept as soon as it's stored.
	_, vtxo := env.addVHTLC(t, 5_000)

	event := nextSweepEvent(t, events)
	require.NoError(t, event.Err)
	require.Equal(t, vtxo.Outpoint, event.Outpoint)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}
