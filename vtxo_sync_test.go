package arkclient

import (
	"context"
	"testing"
	"time"

	"github.com/arkade-os/go-ark-client/client"
	"github.com/arkade-os/go-ark-client/contract"
	"github.com/arkade-os/go-ark-client/types"
	"github.com/stretchr/testify/require"
)

func (f *fakeTransport) setVtxos(script string, vtxos ...types.Vtxo) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.vtxos[script] = vtxos
}

func (f *fakeTransport) notify(t *testing.T, scripts ...string) {
	t.Helper()

	var ch chan client.ScriptsNotification
	require.Eventually(t, func() bool {
		f.lock.Lock()
		defer f.lock.Unlock()
		ch = f.vtxoStreamCh
		return ch != nil
	}, 5*time.Second, 10*time.Millisecond)

	select {
	case ch <- client.ScriptsNotification{Scripts: scripts}:
	case <-time.After(5 * time.Second):
		t.Fatal("vtxo stream not consumed")
	}
}

func TestVtxoSynchronizer(t *testing.T) {
	env := newTestEnv(t)
	pkScript, err := contract.Script(env.payment)
	require.NoError(t, err)

	sync := NewVtxoSynchronizer(env.transport, env.store, time.Second)
	require.Error(t, sync.UpdateScriptsView(context.Background()))

	vtxo := types.Vtxo{
		Outpoint:  types.Outpoint{Txid: randomTxid(t), VOut: 1},
		Script:    pkScript,
		Amount:    21_000,
		CreatedAt: time.Now().Truncate(time.Second),
		ExpiresAt: time.Now().Add(24 * time.Hour).Truncate(time.Second),
	}
	env.transport.setVtxos(pkScript, vtxo)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sync.Run(ctx) }()

	// The initial view is polled as a whole.
	require.Eventually(t, func() bool {
		vtxos, err := env.store.VtxoStore().GetVtxos(
			context.Background(), []types.Outpoint{vtxo.Outpoint},
		)
		return err == nil && len(vtxos) == 1
	}, 5*time.Second, 10*time.Millisecond)

	// Notified scripts are polled again.
	vtxo.Spent = true
	vtxo.SpentBy = randomTxid(t)
	env.transport.setVtxos(pkScript, vtxo)
	env.transport.notify(t, pkScript)

	require.Eventually(t, func() bool {
		vtxos, err := env.store.VtxoStore().GetVtxos(
			context.Background(), []types.Outpoint{vtxo.Outpoint},
		)
		return err == nil && len(vtxos) == 1 && vtxos[0].Spent
	}, 5*time.Second, 10*time.Millisecond)

	// Every new contract changes the scripts view and replaces the stream.
	for i := 0; i < 10; i++ {
		w := newTestWallet(t, "other")
		c, err := w.NewPaymentContract(context.Background(), env.cfg)
		require.NoError(t, err)
		entity, err := contract.Entity(c, w.Id(), true)
		require.NoError(t, err)
		_, err = env.store.ContractStore().UpsertContracts(
			context.Background(), []types.ContractEntity{entity},
		)
		require.NoError(t, err)
		require.NoError(t, sync.UpdateScriptsView(context.Background()))
	}

	env.transport.lock.Lock()
	maxStreams := env.transport.maxVtxoStreams
	env.transport.lock.Unlock()
	require.Equal(t, 1, maxStreams)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("vtxo synchronizer did not stop")
	}

	env.transport.lock.Lock()
	openStreams := env.transport.vtxoStreams
	env.transport.lock.Unlock()
	require.Zero(t, openStreams)
}

func TestVtxoSynchronizerEmptyView(t *testing.T) {
	env := newTestEnv(t)

	sync := NewVtxoSynchronizer(env.transport, env.store, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sync.Run(ctx) }()

	openStreams := func() int {
		env.transport.lock.Lock()
		defer env.transport.lock.Unlock()
		return env.transport.vtxoStreams
	}
	require.Eventually(t, func() bool {
		return openStreams() == 1
	}, 5*time.Second, 10*time.Millisecond)

	// Deactivating the only contract leaves nothing to follow.
	entity, err := contract.Entity(env.payment, env.wallet.Id(), false)
	require.NoError(t, err)
	_, err = env.store.ContractStore().UpsertContracts(
		context.Background(), []types.ContractEntity{entity},
	)
	require.NoError(t, err)
	require.NoError(t, sync.UpdateScriptsView(context.Background()))
	require.Zero(t, openStreams())

	// Reactivating it opens a new stream.
	entity.Active = true
	_, err = env.store.ContractStore().UpsertContracts(
		context.Background(), []types.ContractEntity{entity},
	)
	require.NoError(t, err)
	require.NoError(t, sync.UpdateScriptsView(context.Background()))
	require.Equal(t, 1, openStreams())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("vtxo synchronizer did not stop")
	}
}
