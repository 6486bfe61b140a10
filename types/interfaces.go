package types

import (
	"context"
	"errors"
	"time"
)

var (
	ErrIntentNotFound   = errors.New("intent not found")
	ErrContractNotFound = errors.New("contract not found")
)

type Store interface {
	VtxoStore() VtxoStore
	ContractStore() ContractStore
	IntentStore() IntentStore
	Clean(ctx context.Context)
	Close()
}

type VtxoStore interface {
	// UpsertVtxos stores the given snapshots keyed by outpoint, replacing any
	// older snapshot of the same vtxo.
	UpsertVtxos(ctx context.Context, vtxos []Vtxo) (int, error)
	GetVtxos(ctx context.Context, keys []Outpoint) ([]Vtxo, error)
	GetVtxosByScripts(ctx context.Context, scripts []string) ([]Vtxo, error)
	GetSpendableVtxos(ctx context.Context) ([]Vtxo, error)
	GetAllVtxos(ctx context.Context) (spendable, spent []Vtxo, err error)
	Clean(ctx context.Context) error
	SubscribeEvents() <-chan VtxoEvent
	UnsubscribeEvents(ch <-chan VtxoEvent)
	Close()
}

type ContractStore interface {
	UpsertContracts(ctx context.Context, contracts []ContractEntity) (int, error)
	SetContractsActive(ctx context.Context, scripts []string, active bool) (int, error)
	GetContracts(ctx context.Context, scripts []string) ([]ContractEntity, error)
	GetContractsByWallet(
		ctx context.Context, walletId string, activeOnly bool,
	) ([]ContractEntity, error)
	GetActiveContracts(ctx context.Context) ([]ContractEntity, error)
	Clean(ctx context.Context) error
	SubscribeEvents() <-chan ContractEvent
	UnsubscribeEvents(ch <-chan ContractEvent)
	Close()
}

type IntentStore interface {
	AddIntent(ctx context.Context, intent Intent) error
	UpdateIntent(ctx context.Context, intent Intent) error
	GetIntent(ctx context.Context, id string) (*Intent, error)
	GetIntentByIntentId(ctx context.Context, intentId string) (*Intent, error)
	GetIntentsByWallet(ctx context.Context, walletId string) ([]Intent, error)
	// GetIntentsByInputs returns the intents of the wallet committing at least
	// one of the given outpoints.
	GetIntentsByInputs(
		ctx context.Context, walletId string, inputs []Outpoint,
	) ([]Intent, error)
	GetUnsubmittedIntents(ctx context.Context, now time.Time) ([]Intent, error)
	// GetActiveIntents returns the intents registered with the server that
	// did not reach a final state yet.
	GetActiveIntents(ctx context.Context) ([]Intent, error)
	Clean(ctx context.Context) error
	SubscribeEvents() <-chan IntentEvent
	UnsubscribeEvents(ch <-chan IntentEvent)
	Close()
}
