package client

import (
	"context"
	"errors"

	"github.com/arkade-os/arkd/pkg/ark-lib/tree"
	"github.com/arkade-os/go-ark-client/types"
)

const (
	GrpcClient = "grpc"

	// MaxScriptsPerRequest bounds the number of scripts sent in a single
	// vtxo snapshot request.
	MaxScriptsPerRequest = 1000
)

// ErrAlreadyLocked is returned when registering an intent whose inputs are
// already committed to another intent on the server.
var ErrAlreadyLocked = errors.New("inputs already locked by another intent")

type TransportClient interface {
	GetInfo(ctx context.Context) (*Info, error)
	// GetVtxosByScripts returns a snapshot of the vtxos locked by the given
	// scripts, spent ones included.
	GetVtxosByScripts(ctx context.Context, scripts []string) ([]types.Vtxo, error)
	// GetVtxoToPollAsStream notifies the set of scripts whose vtxos changed.
	// The stream is closed when ctx is done.
	GetVtxoToPollAsStream(
		ctx context.Context, scripts []string,
	) (<-chan ScriptsNotification, func(), error)
	RegisterIntent(ctx context.Context, proof, message string) (string, error)
	DeleteIntent(ctx context.Context, proof, message string) error
	ConfirmRegistration(ctx context.Context, intentId string) error
	SubmitTreeNonces(
		ctx context.Context, batchId, cosignerPubkey string, nonces tree.TreeNonces,
	) error
	SubmitTreeSignatures(
		ctx context.Context, batchId, cosignerPubkey string, signatures tree.TreePartialSigs,
	) error
	SubmitSignedForfeitTxs(
		ctx context.Context, signedForfeitTxs []string, signedCommitmentTx string,
	) error
	// GetEventStream opens the batch event stream. The first event is a
	// StreamStartedEvent carrying the id needed to update the stream topics.
	GetEventStream(
		ctx context.Context, topics []string,
	) (<-chan BatchEventChannel, func(), error)
	UpdateStreamTopics(
		ctx context.Context, streamId string, addTopics, removeTopics []string,
	) error
	SubmitTx(
		ctx context.Context, signedArkTx string, checkpointTxs []string,
	) (arkTxid, finalArkTx string, signedCheckpointTxs []string, err error)
	FinalizeTx(ctx context.Context, arkTxid string, finalCheckpointTxs []string) error
	Close()
}

type Info struct {
	Version             string
	SignerPubKey        string
	ForfeitPubKey       string
	ForfeitAddress      string
	CheckpointTapscript string
	Network             string
	SessionDuration     int64
	UnilateralExitDelay int64
	BoardingExitDelay   int64
	Dust                uint64
	UtxoMinAmount       int64
	UtxoMaxAmount       int64
	VtxoMinAmount       int64
	VtxoMaxAmount       int64
	Fees                types.FeeInfo
}

type ScriptsNotification struct {
	Scripts []string
	Err     error
}

type BatchEventChannel struct {
	Event any
	Err   error
}

type StreamStartedEvent struct {
	Id string
}

type BatchStartedEvent struct {
	Id              string
	HashedIntentIds []string
	BatchExpiry     int64
}

type BatchFinalizationEvent struct {
	Id string
	Tx string
}

type BatchFinalizedEvent struct {
	Id   string
	Txid string
}

type BatchFailedEvent struct {
	Id     string
	Reason string
}

type TreeSigningStartedEvent struct {
	Id                   string
	UnsignedCommitmentTx string
	CosignersPubkeys     []string
}

// TreeNoncesEvent carries the nonces of every cosigner for one tx of the
// vtxo tree.
type TreeNoncesEvent struct {
	Id     string
	Topic  []string
	Txid   string
	Nonces map[string]*tree.Musig2Nonce
}

type TreeNoncesAggregatedEvent struct {
	Id     string
	Nonces tree.TreeNonces
}

type TreeTxEvent struct {
	Id         string
	Topic      []string
	BatchIndex int32
	Node       tree.TxTreeNode
}

type TreeSignatureEvent struct {
	Id         string
	Topic      []string
	BatchIndex int32
	Txid       string
	Signature  string
}
