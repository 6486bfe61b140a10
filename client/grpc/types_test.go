package grpcclient

import (
	"strings"
	"testing"
	"time"

	arkv1 "github.com/arkade-os/arkd/api-spec/protobuf/gen/ark/v1"
	"github.com/arkade-os/arkd/pkg/ark-lib/tree"
	"github.com/arkade-os/go-ark-client/client"
	"github.com/stretchr/testify/require"
)

// fakeEvent carries at most one of the stream events.
type fakeEvent struct {
	streamStarted        *arkv1.StreamStartedEvent
	batchFailed          *arkv1.BatchFailedEvent
	batchStarted         *arkv1.BatchStartedEvent
	batchFinalization    *arkv1.BatchFinalizationEvent
	batchFinalized       *arkv1.BatchFinalizedEvent
	treeSigningStarted   *arkv1.TreeSigningStartedEvent
	treeNonces           *arkv1.TreeNoncesEvent
	treeNoncesAggregated *arkv1.TreeNoncesAggregatedEvent
	treeTx               *arkv1.TreeTxEvent
	treeSignature        *arkv1.TreeSignatureEvent
}

func (e fakeEvent) GetStreamStarted() *arkv1.StreamStartedEvent { return e.streamStarted }
func (e fakeEvent) GetBatchFailed() *arkv1.BatchFailedEvent     { return e.batchFailed }
func (e fakeEvent) GetBatchStarted() *arkv1.BatchStartedEvent   { return e.batchStarted }
func (e fakeEvent) GetTreeNonces() *arkv1.TreeNoncesEvent       { return e.treeNonces }
func (e fakeEvent) GetTreeTx() *arkv1.TreeTxEvent               { return e.treeTx }
func (e fakeEvent) GetBatchFinalized() *arkv1.BatchFinalizedEvent {
	return e.batchFinalized
}
func (e fakeEvent) GetTreeSignature() *arkv1.TreeSignatureEvent {
	return e.treeSignature
}
func (e fakeEvent) GetBatchFinalization() *arkv1.BatchFinalizationEvent {
	return e.batchFinalization
}
func (e fakeEvent) GetTreeSigningStarted() *arkv1.TreeSigningStartedEvent {
	return e.treeSigningStarted
}
func (e fakeEvent) GetTreeNoncesAggregated() *arkv1.TreeNoncesAggregatedEvent {
	return e.treeNoncesAggregated
}

func TestToBatchEvent(t *testing.T) {
	testCases := []struct {
		name     string
		event    fakeEvent
		expected any
	}{
		{
			name: "batch started",
			event: fakeEvent{batchStarted: &arkv1.BatchStartedEvent{
				Id:             "batch",
				IntentIdHashes: []string{"hash"},
				BatchExpiry:    512,
			}},
			expected: client.BatchStartedEvent{
				Id:              "batch",
				HashedIntentIds: []string{"hash"},
				BatchExpiry:     512,
			},
		},
		{
			name:     "stream started",
			event:    fakeEvent{streamStarted: &arkv1.StreamStartedEvent{Id: "stream"}},
			expected: client.StreamStartedEvent{Id: "stream"},
		},
		{
			name:     "batch failed",
			event:    fakeEvent{batchFailed: &arkv1.BatchFailedEvent{Id: "batch", Reason: "reason"}},
			expected: client.BatchFailedEvent{Id: "batch", Reason: "reason"},
		},
		{
			name: "batch finalized",
			event: fakeEvent{batchFinalized: &arkv1.BatchFinalizedEvent{
				Id: "batch", CommitmentTxid: "txid",
			}},
			expected: client.BatchFinalizedEvent{Id: "batch", Txid: "txid"},
		},
		{
			name: "tree signature",
			event: fakeEvent{treeSignature: &arkv1.TreeSignatureEvent{
				Id: "batch", Topic: []string{"topic"}, Txid: "txid", Signature: "sig",
			}},
			expected: client.TreeSignatureEvent{
				Id: "batch", Topic: []string{"topic"}, Txid: "txid", Signature: "sig",
			},
		},
		{
			name: "tree tx",
			event: fakeEvent{treeTx: &arkv1.TreeTxEvent{
				Id: "batch", Topic: []string{"topic"}, BatchIndex: 1, Txid: "txid", Tx: "tx",
				Children: map[uint32]string{0: "child"},
			}},
			expected: client.TreeTxEvent{
				Id: "batch", Topic: []string{"topic"}, BatchIndex: 1,
				Node: tree.TxTreeNode{
					Txid: "txid", Tx: "tx", Children: map[uint32]string{0: "child"},
				},
			},
		},
		{
			name:     "ignored",
			event:    fakeEvent{},
			expected: nil,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := event{tc.event}.toBatchEvent()
			require.NoError(t, err)
			require.Equal(t, tc.expected, got)
		})
	}

	t.Run("nonces", func(t *testing.T) {
		nonce := strings.Repeat("02", 66)

		got, err := event{fakeEvent{
			treeNoncesAggregated: &arkv1.TreeNoncesAggregatedEvent{
				Id: "batch", TreeNonces: map[string]string{"txid": nonce},
			},
		}}.toBatchEvent()
		require.NoError(t, err)
		aggregated, ok := got.(client.TreeNoncesAggregatedEvent)
		require.True(t, ok)
		require.Equal(t, map[string]string{"txid": nonce}, aggregated.Nonces.ToMap())

		got, err = event{fakeEvent{
			treeNonces: &arkv1.TreeNoncesEvent{
				Id: "batch", Txid: "txid", Topic: []string{"pubkey"},
				Nonces: map[string]string{"pubkey": nonce},
			},
		}}.toBatchEvent()
		require.NoError(t, err)
		cosignerNonces, ok := got.(client.TreeNoncesEvent)
		require.True(t, ok)
		require.Equal(t, "txid", cosignerNonces.Txid)
		require.Contains(t, cosignerNonces.Nonces, "pubkey")

		_, err = event{fakeEvent{
			treeNoncesAggregated: &arkv1.TreeNoncesAggregatedEvent{
				Id: "batch", TreeNonces: map[string]string{"txid": "not hex"},
			},
		}}.toBatchEvent()
		require.Error(t, err)

		_, err = event{fakeEvent{
			treeNonces: &arkv1.TreeNoncesEvent{
				Id: "batch", Txid: "txid", Nonces: map[string]string{"pubkey": "02"},
			},
		}}.toBatchEvent()
		require.Error(t, err)
	})
}

func TestParseExpiry(t *testing.T) {
	now := time.Now().Unix()

	expiresAt, height := parseExpiry(now)
	require.Equal(t, now, expiresAt.Unix())
	require.Zero(t, height)

	expiresAt, height = parseExpiry(850_000)
	require.True(t, expiresAt.IsZero())
	require.Equal(t, uint32(850_000), height)

	expiresAt, height = parseExpiry(0)
	require.True(t, expiresAt.IsZero())
	require.Zero(t, height)
}

func TestToVtxo(t *testing.T) {
	now := time.Now().Unix()
	got := vtxo{&arkv1.IndexerVtxo{
		Script:    "5120aa",
		Amount:    1_000,
		CreatedAt: now,
		ExpiresAt: now + 3600,
		IsSwept:   true,
		SpentBy:   "spender",
	}}.toVtxo()

	require.Equal(t, "5120aa", got.Script)
	require.Equal(t, uint64(1_000), got.Amount)
	require.Equal(t, now+3600, got.ExpiresAt.Unix())
	require.True(t, got.Swept)
	require.True(t, got.IsSpent())
	require.False(t, got.IsRecoverable())

	require.Empty(t, vtxos(nil).toVtxos())
}
