package arkclient

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/arkade-os/go-ark-client/client"
	"github.com/arkade-os/go-ark-client/internal/utils"
	"github.com/arkade-os/go-ark-client/types"
	"github.com/stretchr/testify/require"
)

const testBatchExpiry = 512 * 100

// registerIntent stores a new intent and registers it with the given id.
func (e *testEnv) registerIntent(t *testing.T, intentId string) types.Intent {
	t.Helper()

	intent := e.addIntent(t)
	e.transport.registerFn = func(string, string) (string, error) {
		return intentId, nil
	}
	sync := newTestIntentSynchronizer(e)
	require.NoError(t, sync.SubmitIntent(context.Background(), intent.Id))
	e.transport.registerFn = nil

	got, err := e.store.IntentStore().GetIntent(context.Background(), intent.Id)
	require.NoError(t, err)
	require.Equal(t, types.IntentWaitingForBatch, got.State)
	return *got
}

func (e *testEnv) requireIntentState(t *testing.T, id string, state types.IntentState) types.Intent {
	t.Helper()

	var intent *types.Intent
	require.Eventually(t, func() bool {
		got, err := e.store.IntentStore().GetIntent(context.Background(), id)
		if err != nil {
			return false
		}
		intent = got
		return got.State == state
	}, 5*time.Second, 10*time.Millisecond)
	return *intent
}

// streamFor returns the most recent event stream opened for the given
// topics.
func (f *fakeTransport) streamFor(t *testing.T, topics []string) chan client.BatchEventChannel {
	t.Helper()

	var ch chan client.BatchEventChannel
	require.Eventually(t, func() bool {
		f.lock.Lock()
		defer f.lock.Unlock()
		for i := len(f.eventTopics) - 1; i >= 0; i-- {
			if slices.Equal(f.eventTopics[i], topics) {
				ch = f.eventStreams[i]
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
	return ch
}

func sendEvent(t *testing.T, ch chan client.BatchEventChannel, event any) {
	t.Helper()

	select {
	case ch <- client.BatchEventChannel{Event: event}:
	case <-time.After(5 * time.Second):
		t.Fatalf("event %T not consumed", event)
	}
}

func countCalls(calls []string, name string) int {
	count := 0
	for _, call := range calls {
		if call == name {
			count++
		}
	}
	return count
}

func TestBatchCoordinator(t *testing.T) {
	env := newTestEnv(t)
	intentA := env.registerIntent(t, "intent-a")
	intentB := env.registerIntent(t, "intent-b")

	coordinator := NewBatchCoordinator(
		env.cfg, env.store, env.transport, env.wallets, utils.NewKeyedMutex(),
		10*time.Millisecond, time.Second,
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- coordinator.Run(ctx) }()

	stream := env.transport.streamFor(t, intentTopics([]types.Intent{intentA, intentB}))

	// Batches not selecting any of our intents are ignored.
	sendEvent(t, stream, client.BatchStartedEvent{
		Id:              "batch-0",
		HashedIntentIds: []string{hashIntentId("someone-else")},
		BatchExpiry:     testBatchExpiry,
	})
	sendEvent(t, stream, client.BatchFailedEvent{Id: "batch-0", Reason: "not enough intents"})

	require.Zero(t, countCalls(env.transport.getCalls(), "ConfirmRegistration"))
	env.requireIntentState(t, intentA.Id, types.IntentWaitingForBatch)
	env.requireIntentState(t, intentB.Id, types.IntentWaitingForBatch)

	// A failed batch only affects the intent that joined it.
	sendEvent(t, stream, client.BatchStartedEvent{
		Id:              "batch-1",
		HashedIntentIds: []string{hashIntentId("someone-else"), hashIntentId(intentA.IntentId)},
		BatchExpiry:     testBatchExpiry,
	})
	got := env.requireIntentState(t, intentA.Id, types.IntentBatchInProgress)
	require.Equal(t, "batch-1", got.BatchId)
	require.Equal(t, 1, countCalls(env.transport.getCalls(), "ConfirmRegistration"))

	sendEvent(t, stream, client.BatchFailedEvent{Id: "batch-1", Reason: "missing signatures"})
	got = env.requireIntentState(t, intentA.Id, types.IntentBatchFailed)
	require.Contains(t, got.CancellationReason, "missing signatures")
	env.requireIntentState(t, intentB.Id, types.IntentWaitingForBatch)

	// The stream follows the remaining active intents.
	stream = env.transport.streamFor(t, intentTopics([]types.Intent{intentB}))

	sendEvent(t, stream, client.BatchStartedEvent{
		Id:              "batch-2",
		HashedIntentIds: []string{hashIntentId(intentB.IntentId)},
		BatchExpiry:     testBatchExpiry,
	})
	env.requireIntentState(t, intentB.Id, types.IntentBatchInProgress)

	// Events of other batches don't interfere.
	sendEvent(t, stream, client.BatchFailedEvent{Id: "batch-3", Reason: "other batch"})
	sendEvent(t, stream, client.TreeSigningStartedEvent{Id: "batch-2"})
	sendEvent(t, stream, client.BatchFinalizationEvent{Id: "batch-2"})
	sendEvent(t, stream, client.BatchFinalizedEvent{Id: "batch-2", Txid: "commitment-txid"})

	got = env.requireIntentState(t, intentB.Id, types.IntentBatchSucceeded)
	require.Equal(t, "commitment-txid", got.CommitmentTxid)

	env.transport.lock.Lock()
	forfeits := env.transport.forfeits
	env.transport.lock.Unlock()
	require.Len(t, forfeits, 1)
	require.Len(t, forfeits[0], len(intentB.Inputs))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("batch coordinator did not stop")
	}
}

func TestBatchCoordinatorShutdown(t *testing.T) {
	env := newTestEnv(t)
	intent := env.registerIntent(t, "intent-a")

	coordinator := NewBatchCoordinator(
		env.cfg, env.store, env.transport, env.wallets, utils.NewKeyedMutex(),
		10*time.Millisecond, time.Second,
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- coordinator.Run(ctx) }()

	stream := env.transport.streamFor(t, intentTopics([]types.Intent{intent}))
	sendEvent(t, stream, client.BatchStartedEvent{
		Id:              "batch-1",
		HashedIntentIds: []string{hashIntentId(intent.IntentId)},
		BatchExpiry:     testBatchExpiry,
	})
	env.requireIntentState(t, intent.Id, types.IntentBatchInProgress)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("batch coordinator did not stop")
	}

	// A session interrupted by the shutdown can't complete anymore.
	got := env.requireIntentState(t, intent.Id, types.IntentBatchFailed)
	require.Contains(t, got.CancellationReason, "event stream closed")
}

func (c *BatchCoordinator) listenedTopics() []string {
	c.lock.Lock()
	defer c.lock.Unlock()
	newest, _ := c.freeConns()
	if newest == nil {
		return nil
	}
	return slices.Clone(newest.topics)
}

func TestBatchCoordinatorUpdatesStreamTopics(t *testing.T) {
	env := newTestEnv(t)
	intentA := env.registerIntent(t, "intent-a")

	coordinator := NewBatchCoordinator(
		env.cfg, env.store, env.transport, env.wallets, utils.NewKeyedMutex(),
		10*time.Millisecond, time.Second,
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- coordinator.Run(ctx) }()

	topicsA := intentTopics([]types.Intent{intentA})
	stream := env.transport.streamFor(t, topicsA)
	sendEvent(t, stream, client.StreamStartedEvent{Id: "stream-1"})
	// Once consumed, the stream id is known.
	sendEvent(t, stream, client.BatchFailedEvent{Id: "batch-0", Reason: "other batch"})

	intentB := env.registerIntent(t, "intent-b")
	topicsAB := intentTopics([]types.Intent{intentA, intentB})

	require.Eventually(t, func() bool {
		return slices.Equal(topicsAB, coordinator.listenedTopics())
	}, 5*time.Second, 10*time.Millisecond)

	updates := env.transport.getTopicUpdates()
	require.NotEmpty(t, updates)
	added := make([]string, 0)
	for _, update := range updates {
		require.Equal(t, "stream-1", update.streamId)
		require.Empty(t, update.remove)
		added = append(added, update.add...)
	}
	slices.Sort(added)
	expected := make([]string, 0)
	for _, topic := range topicsAB {
		if !slices.Contains(topicsA, topic) {
			expected = append(expected, topic)
		}
	}
	require.Equal(t, expected, slices.Compact(added))
	require.Equal(t, 1, env.transport.eventStreamsCount())

	// The events of the new intent are delivered on the same stream.
	sendEvent(t, stream, client.BatchStartedEvent{
		Id:              "batch-1",
		HashedIntentIds: []string{hashIntentId(intentB.IntentId)},
		BatchExpiry:     testBatchExpiry,
	})
	env.requireIntentState(t, intentB.Id, types.IntentBatchInProgress)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("batch coordinator did not stop")
	}
}

func TestBatchCoordinatorFallsBackToNewStream(t *testing.T) {
	env := newTestEnv(t)
	intentA := env.registerIntent(t, "intent-a")
	env.transport.updateTopicsFn = func(string) error {
		return fmt.Errorf("stream not found")
	}

	coordinator := NewBatchCoordinator(
		env.cfg, env.store, env.transport, env.wallets, utils.NewKeyedMutex(),
		10*time.Millisecond, time.Second,
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- coordinator.Run(ctx) }()

	stream := env.transport.streamFor(t, intentTopics([]types.Intent{intentA}))
	sendEvent(t, stream, client.StreamStartedEvent{Id: "stream-1"})
	sendEvent(t, stream, client.BatchFailedEvent{Id: "batch-0", Reason: "other batch"})

	intentB := env.registerIntent(t, "intent-b")
	env.transport.streamFor(t, intentTopics([]types.Intent{intentA, intentB}))
	require.Empty(t, env.transport.getTopicUpdates())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("batch coordinator did not stop")
	}
}

func TestBatchCoordinatorIgnoresUncoveredIntents(t *testing.T) {
	env := newTestEnv(t)
	intentA := env.registerIntent(t, "intent-a")

	coordinator := NewBatchCoordinator(
		env.cfg, env.store, env.transport, env.wallets, utils.NewKeyedMutex(),
		10*time.Millisecond, time.Second,
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- coordinator.Run(ctx) }()

	// The first stream is reserved by the session of intent A and keeps
	// listening to its topics only.
	streamA := env.transport.streamFor(t, intentTopics([]types.Intent{intentA}))
	sendEvent(t, streamA, client.BatchStartedEvent{
		Id:              "batch-1",
		HashedIntentIds: []string{hashIntentId(intentA.IntentId)},
		BatchExpiry:     testBatchExpiry,
	})
	env.requireIntentState(t, intentA.Id, types.IntentBatchInProgress)

	intentB := env.registerIntent(t, "intent-b")
	streamAB := env.transport.streamFor(t, intentTopics([]types.Intent{intentA, intentB}))

	// Intent B is selected on a stream not covering its inputs.
	sendEvent(t, streamA, client.BatchStartedEvent{
		Id:              "batch-2",
		HashedIntentIds: []string{hashIntentId(intentB.IntentId)},
		BatchExpiry:     testBatchExpiry,
	})
	sendEvent(t, streamA, client.BatchFailedEvent{Id: "batch-0", Reason: "other batch"})
	env.requireIntentState(t, intentB.Id, types.IntentWaitingForBatch)
	require.Equal(t, 1, countCalls(env.transport.getCalls(), "ConfirmRegistration"))

	sendEvent(t, streamAB, client.BatchStartedEvent{
		Id:              "batch-2",
		HashedIntentIds: []string{hashIntentId(intentB.IntentId)},
		BatchExpiry:     testBatchExpiry,
	})
	got := env.requireIntentState(t, intentB.Id, types.IntentBatchInProgress)
	require.Equal(t, "batch-2", got.BatchId)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("batch coordinator did not stop")
	}
}

func TestHashIntentId(t *testing.T) {
	h := sha256.Sum256([]byte("intent-id"))
	require.Equal(t, hex.EncodeToString(h[:]), hashIntentId("intent-id"))
	require.NotEqual(t, hashIntentId("intent-id"), hashIntentId("other-intent-id"))
}

func TestIntentTopics(t *testing.T) {
	env := newTestEnv(t)
	intentA := env.addIntent(t)
	intentB := env.addIntent(t)

	topics := intentTopics([]types.Intent{intentA, intentB, intentA})
	require.True(t, slices.IsSorted(topics))
	require.Equal(t, topics, slices.Compact(slices.Clone(topics)))

	for _, intent := range []types.Intent{intentA, intentB} {
		for _, input := range intent.Inputs {
			require.Contains(t, topics, input.String())
		}
		cosigners, err := intent.CosignerPublicKeys()
		require.NoError(t, err)
		require.NotEmpty(t, cosigners)
		for _, cosigner := range cosigners {
			require.Contains(t, topics, cosigner)
		}
	}
	// Both intents share the wallet cosigner key.
	require.Len(t, topics, 3)

	require.Empty(t, intentTopics(nil))
}
