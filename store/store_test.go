package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/arkade-os/go-ark-client/store"
	"github.com/arkade-os/go-ark-client/types"
	"github.com/stretchr/testify/require"
)

func newStores(t *testing.T) map[string]types.Store {
	stores := make(map[string]types.Store)
	for _, storeType := range []string{types.InMemoryStore, types.KVStore, types.SQLStore} {
		svc, err := store.NewStore(store.Config{
			StoreType: storeType,
			BaseDir:   t.TempDir(),
		})
		require.NoError(t, err)
		require.NotNil(t, svc)
		t.Cleanup(svc.Close)
		stores[storeType] = svc
	}
	return stores
}

func TestNewStoreInvalid(t *testing.T) {
	_, err := store.NewStore(store.Config{StoreType: "foo"})
	require.Error(t, err)

	_, err = store.NewStore(store.Config{StoreType: types.SQLStore})
	require.Error(t, err)
}

func TestVtxoStore(t *testing.T) {
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	vtxos := []types.Vtxo{
		{
			Outpoint:        types.Outpoint{Txid: "0000000000000000000000000000000000000000000000000000000000000001", VOut: 0},
			Script:          "5120aa",
			Amount:          1000,
			CommitmentTxids: []string{"ff"},
			CreatedAt:       now,
			ExpiresAt:       now.Add(time.Hour),
		},
		{
			Outpoint:        types.Outpoint{Txid: "0000000000000000000000000000000000000000000000000000000000000002", VOut: 1},
			Script:          "5120bb",
			Amount:          2000,
			CreatedAt:       now,
			ExpiresAtHeight: 800_000,
		},
	}

	for name, svc := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			vtxoStore := svc.VtxoStore()
			events := vtxoStore.SubscribeEvents()
			defer vtxoStore.UnsubscribeEvents(events)

			count, err := vtxoStore.UpsertVtxos(ctx, vtxos)
			require.NoError(t, err)
			require.Equal(t, 2, count)

			event := <-events
			require.Equal(t, types.VtxosAdded, event.Type)
			require.Len(t, event.Vtxos, 2)

			// unchanged snapshots are a no-op
			count, err = vtxoStore.UpsertVtxos(ctx, vtxos)
			require.NoError(t, err)
			require.Zero(t, count)

			got, err := vtxoStore.GetVtxos(ctx, []types.Outpoint{vtxos[0].Outpoint})
			require.NoError(t, err)
			require.Len(t, got, 1)
			require.Equal(t, vtxos[0].Amount, got[0].Amount)
			require.Equal(t, vtxos[0].CommitmentTxids, got[0].CommitmentTxids)
			require.Equal(t, vtxos[0].ExpiresAt.Unix(), got[0].ExpiresAt.Unix())

			got, err = vtxoStore.GetVtxosByScripts(ctx, []string{"5120bb"})
			require.NoError(t, err)
			require.Len(t, got, 1)
			require.Equal(t, uint32(800_000), got[0].ExpiresAtHeight)
			require.True(t, got[0].ExpiresAt.IsZero())

			spent := vtxos[0]
			spent.SpentBy = "ab"
			spent.ArkTxid = "cd"
			count, err = vtxoStore.UpsertVtxos(ctx, []types.Vtxo{spent})
			require.NoError(t, err)
			require.Equal(t, 1, count)

			event = <-events
			require.Equal(t, types.VtxosSpent, event.Type)

			spendable, spentVtxos, err := vtxoStore.GetAllVtxos(ctx)
			require.NoError(t, err)
			require.Len(t, spendable, 1)
			require.Len(t, spentVtxos, 1)
			require.Equal(t, vtxos[1].Outpoint, spendable[0].Outpoint)

			swept := vtxos[1]
			swept.Swept = true
			_, err = vtxoStore.UpsertVtxos(ctx, []types.Vtxo{swept})
			require.NoError(t, err)

			event = <-events
			require.Equal(t, types.VtxosUpdated, event.Type)

			spendable, err = vtxoStore.GetSpendableVtxos(ctx)
			require.NoError(t, err)
			require.Len(t, spendable, 1)
			require.True(t, spendable[0].IsRecoverable())

			err = vtxoStore.Clean(ctx)
			require.NoError(t, err)
			spendable, spentVtxos, err = vtxoStore.GetAllVtxos(ctx)
			require.NoError(t, err)
			require.Empty(t, spendable)
			require.Empty(t, spentVtxos)
		})
	}
}

func TestContractStore(t *testing.T) {
	ctx := context.Background()

	contracts := []types.ContractEntity{
		{Script: "5120aa", Type: "Payment", Contract: "arkcontract=Payment&a=1", WalletId: "alice", Active: true},
		{Script: "5120bb", Type: "Payment", Contract: "arkcontract=Payment&a=2", WalletId: "alice", Active: false},
		{Script: "5120cc", Type: "Payment", Contract: "arkcontract=Payment&a=3", WalletId: "bob", Active: true},
	}

	for name, svc := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			contractStore := svc.ContractStore()
			events := contractStore.SubscribeEvents()
			defer contractStore.UnsubscribeEvents(events)

			count, err := contractStore.UpsertContracts(ctx, contracts)
			require.NoError(t, err)
			require.Equal(t, 3, count)

			event := <-events
			require.Equal(t, types.ContractsAdded, event.Type)

			count, err = contractStore.UpsertContracts(ctx, contracts)
			require.NoError(t, err)
			require.Zero(t, count)

			active, err := contractStore.GetActiveContracts(ctx)
			require.NoError(t, err)
			require.Len(t, active, 2)

			aliceContracts, err := contractStore.GetContractsByWallet(ctx, "alice", false)
			require.NoError(t, err)
			require.Len(t, aliceContracts, 2)

			aliceContracts, err = contractStore.GetContractsByWallet(ctx, "alice", true)
			require.NoError(t, err)
			require.Len(t, aliceContracts, 1)
			require.Equal(t, "5120aa", aliceContracts[0].Script)

			count, err = contractStore.SetContractsActive(ctx, []string{"5120bb", "5120ff"}, true)
			require.NoError(t, err)
			require.Equal(t, 1, count)

			event = <-events
			require.Equal(t, types.ContractsUpdated, event.Type)
			require.True(t, event.Contracts[0].Active)

			got, err := contractStore.GetContracts(ctx, []string{"5120bb", "5120ff"})
			require.NoError(t, err)
			require.Len(t, got, 1)
			require.True(t, got[0].Active)
			require.False(t, got[0].CreatedAt.IsZero())
		})
	}
}

func TestIntentStore(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	input := types.Outpoint{Txid: "aa", VOut: 0}
	pending := types.Intent{
		Id:         "intent-1",
		WalletId:   "alice",
		State:      types.IntentWaitingToSubmit,
		ValidFrom:  now.Add(-time.Minute),
		ValidUntil: now.Add(time.Hour),
		Inputs:     []types.Outpoint{input, {Txid: "bb", VOut: 1}},
	}
	future := types.Intent{
		Id:         "intent-2",
		WalletId:   "alice",
		State:      types.IntentWaitingToSubmit,
		ValidFrom:  now.Add(time.Hour),
		ValidUntil: now.Add(2 * time.Hour),
		Inputs:     []types.Outpoint{{Txid: "cc", VOut: 0}},
	}

	for name, svc := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			intentStore := svc.IntentStore()
			events := intentStore.SubscribeEvents()
			defer intentStore.UnsubscribeEvents(events)

			err := intentStore.AddIntent(ctx, pending)
			require.NoError(t, err)
			err = intentStore.AddIntent(ctx, future)
			require.NoError(t, err)
			err = intentStore.AddIntent(ctx, pending)
			require.Error(t, err)

			event := <-events
			require.Equal(t, types.IntentsAdded, event.Type)
			<-events

			got, err := intentStore.GetIntent(ctx, pending.Id)
			require.NoError(t, err)
			require.Equal(t, pending.Inputs, got.Inputs)
			require.Equal(t, types.IntentWaitingToSubmit, got.State)

			_, err = intentStore.GetIntent(ctx, "missing")
			require.ErrorIs(t, err, types.ErrIntentNotFound)

			unsubmitted, err := intentStore.GetUnsubmittedIntents(ctx, now)
			require.NoError(t, err)
			require.Len(t, unsubmitted, 1)
			require.Equal(t, pending.Id, unsubmitted[0].Id)

			byInputs, err := intentStore.GetIntentsByInputs(ctx, "alice", []types.Outpoint{input})
			require.NoError(t, err)
			require.Len(t, byInputs, 1)

			byInputs, err = intentStore.GetIntentsByInputs(ctx, "bob", []types.Outpoint{input})
			require.NoError(t, err)
			require.Empty(t, byInputs)

			got.IntentId = "server-id"
			got.State = types.IntentWaitingForBatch
			err = intentStore.UpdateIntent(ctx, *got)
			require.NoError(t, err)

			event = <-events
			require.Equal(t, types.IntentsUpdated, event.Type)

			byIntentId, err := intentStore.GetIntentByIntentId(ctx, "server-id")
			require.NoError(t, err)
			require.Equal(t, pending.Id, byIntentId.Id)

			active, err := intentStore.GetActiveIntents(ctx)
			require.NoError(t, err)
			require.Len(t, active, 1)

			err = intentStore.UpdateIntent(ctx, types.Intent{Id: "missing"})
			require.ErrorIs(t, err, types.ErrIntentNotFound)

			all, err := intentStore.GetIntentsByWallet(ctx, "alice")
			require.NoError(t, err)
			require.Len(t, all, 2)

			err = intentStore.Clean(ctx)
			require.NoError(t, err)
			all, err = intentStore.GetIntentsByWallet(ctx, "alice")
			require.NoError(t, err)
			require.Empty(t, all)
		})
	}
}
