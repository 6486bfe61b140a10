package types

import (
	"encoding/json"
	"time"

	arklib "github.com/arkade-os/arkd/pkg/ark-lib"
	"github.com/arkade-os/arkd/pkg/ark-lib/intent"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/waddrmgr"
)

type IntentState int

const (
	IntentWaitingToSubmit IntentState = iota
	IntentWaitingForBatch
	IntentBatchInProgress
	IntentBatchSucceeded
	IntentBatchFailed
	IntentCancelled
)

func (s IntentState) String() string {
	switch s {
	case IntentWaitingToSubmit:
		return "WaitingToSubmit"
	case IntentWaitingForBatch:
		return "WaitingForBatch"
	case IntentBatchInProgress:
		return "BatchInProgress"
	case IntentBatchSucceeded:
		return "BatchSucceeded"
	case IntentBatchFailed:
		return "BatchFailed"
	case IntentCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

func (s IntentState) IsFinal() bool {
	return s == IntentBatchSucceeded || s == IntentBatchFailed || s == IntentCancelled
}

// Intent is the unit of settlement participation. Id is client local and
// stable across retries, IntentId is assigned by the server on every
// (re-)registration.
type Intent struct {
	Id                 string
	IntentId           string
	WalletId           string
	State              IntentState
	ValidFrom          time.Time
	ValidUntil         time.Time
	RegisterProof      string
	RegisterMessage    string
	DeleteProof        string
	DeleteMessage      string
	Inputs             []Outpoint
	BatchId            string
	CommitmentTxid     string
	CancellationReason string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (i Intent) IsPending() bool {
	return i.State == IntentWaitingToSubmit ||
		i.State == IntentWaitingForBatch ||
		i.State == IntentBatchInProgress
}

func (i Intent) IsExpired(now time.Time) bool {
	return !i.ValidUntil.IsZero() && !now.Before(i.ValidUntil)
}

func (i Intent) IsSubmittable(now time.Time) bool {
	if i.State != IntentWaitingToSubmit {
		return false
	}
	if !i.ValidFrom.IsZero() && now.Before(i.ValidFrom) {
		return false
	}
	return !i.IsExpired(now)
}

// CosignerPublicKeys returns the tree cosigner keys embedded in the
// register message.
func (i Intent) CosignerPublicKeys() ([]string, error) {
	var msg intent.RegisterMessage
	if err := json.Unmarshal([]byte(i.RegisterMessage), &msg); err != nil {
		return nil, err
	}
	return msg.CosignersPublicKeys, nil
}

func (i Intent) HasInput(outpoint Outpoint) bool {
	for _, in := range i.Inputs {
		if in == outpoint {
			return true
		}
	}
	return false
}

type IntentEventType int

const (
	IntentsAdded IntentEventType = iota
	IntentsUpdated
)

func (e IntentEventType) String() string {
	return map[IntentEventType]string{
		IntentsAdded:   "INTENTS_ADDED",
		IntentsUpdated: "INTENTS_UPDATED",
	}[e]
}

type IntentEvent struct {
	Type    IntentEventType
	Intents []Intent
}

// Coin is a vtxo ready to be spent through one specific leaf of its
// contract.
type Coin struct {
	Vtxo
	ContractType string
	Tapscripts   []string
	Leaf         *waddrmgr.Tapscript
	// Non signature witness elements (ie. preimage) required by the leaf.
	ConditionWitness wire.TxWitness
	Locktime         *arklib.AbsoluteLocktime
	Sequence         *arklib.RelativeLocktime
}

func (c Coin) LeafHash() [32]byte {
	return txscript.NewBaseTapLeaf(c.Leaf.RevealedScript).TapHash()
}

// CoinLite is the projection of a spendable coin handed to schedulers.
type CoinLite struct {
	Outpoint
	WalletId        string
	Script          string
	Amount          uint64
	ExpiresAt       time.Time
	ExpiresAtHeight uint32
	Recoverable     bool
	CreatedAt       time.Time
	ContractType    string
}

func (c Coin) Lite(walletId string) CoinLite {
	return CoinLite{
		Outpoint:        c.Outpoint,
		WalletId:        walletId,
		Script:          c.Script,
		Amount:          c.Amount,
		ExpiresAt:       c.ExpiresAt,
		ExpiresAtHeight: c.ExpiresAtHeight,
		Recoverable:     c.IsRecoverable(),
		CreatedAt:       c.CreatedAt,
		ContractType:    c.ContractType,
	}
}
