package arkclient

import (
	"context"
	"testing"
	"time"

	"github.com/arkade-os/arkd/pkg/ark-lib/tree"
	"github.com/arkade-os/go-ark-client/client"
	"github.com/stretchr/testify/require"
)

// fakeSigner needs the nonces of txCount txs before signing.
type fakeSigner struct {
	pubkey     string
	txCount    int
	aggregated map[string]struct{}
	signed     int
}

func (s *fakeSigner) Init([]byte, int64, *tree.TxTree) error { return nil }
func (s *fakeSigner) GetPublicKey() string                   { return s.pubkey }
func (s *fakeSigner) GetNonces() (tree.TreeNonces, error)    { return tree.TreeNonces{}, nil }
func (s *fakeSigner) SetAggregatedNonces(tree.TreeNonces)    { s.aggregated = nil }

func (s *fakeSigner) AggregateNonces(txid string, _ map[string]*tree.Musig2Nonce) (bool, error) {
	if s.aggregated == nil {
		s.aggregated = make(map[string]struct{})
	}
	s.aggregated[txid] = struct{}{}
	return len(s.aggregated) == s.txCount, nil
}

func (s *fakeSigner) Sign() (tree.TreePartialSigs, error) {
	s.signed++
	return tree.TreePartialSigs{}, nil
}

func TestBatchSessionTreeNonces(t *testing.T) {
	env := newTestEnv(t)
	signer := &fakeSigner{pubkey: "02aa", txCount: 2}
	session := &batchSession{
		batchId:    "batch-1",
		cfg:        env.cfg,
		transport:  env.transport,
		signer:     signer,
		rpcTimeout: time.Second,
		step:       treeSigningStarted,
	}

	handle := func(event any) {
		t.Helper()
		_, done, err := session.handle(context.Background(), event)
		require.NoError(t, err)
		require.False(t, done)
	}

	// Nonces of txs we don't cosign are ignored.
	handle(client.TreeNoncesEvent{Id: "batch-1", Txid: "tx-0", Topic: []string{"03bb"}})
	require.Empty(t, signer.aggregated)

	// Other batches are ignored.
	handle(client.TreeNoncesEvent{Id: "batch-2", Txid: "tx-1", Topic: []string{"02AA"}})
	require.Empty(t, signer.aggregated)

	handle(client.TreeNoncesEvent{Id: "batch-1", Txid: "tx-1", Topic: []string{"02AA"}})
	require.Zero(t, signer.signed)
	require.Equal(t, treeSigningStarted, session.step)

	handle(client.TreeNoncesEvent{Id: "batch-1", Txid: "tx-2", Topic: []string{"02aa"}})
	require.Equal(t, 1, signer.signed)
	require.Equal(t, treeNoncesAggregated, session.step)
	require.Equal(t, 1, countCalls(env.transport.getCalls(), "SubmitTreeSignatures"))

	// The tree is signed once.
	handle(client.TreeNoncesAggregatedEvent{Id: "batch-1"})
	handle(client.TreeNoncesEvent{Id: "batch-1", Txid: "tx-2", Topic: []string{"02aa"}})
	require.Equal(t, 1, signer.signed)
}

func TestBatchSessionAggregatedNonces(t *testing.T) {
	env := newTestEnv(t)
	signer := &fakeSigner{pubkey: "02aa", txCount: 2}
	session := &batchSession{
		batchId:    "batch-1",
		cfg:        env.cfg,
		transport:  env.transport,
		signer:     signer,
		rpcTimeout: time.Second,
		step:       treeSigningStarted,
	}

	_, done, err := session.handle(
		context.Background(), client.TreeNoncesAggregatedEvent{Id: "batch-1"},
	)
	require.NoError(t, err)
	require.False(t, done)
	require.Equal(t, 1, signer.signed)
	require.Equal(t, treeNoncesAggregated, session.step)
	require.Equal(t, 1, countCalls(env.transport.getCalls(), "SubmitTreeSignatures"))
}
