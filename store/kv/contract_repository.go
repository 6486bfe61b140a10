package kvstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/arkade-os/go-ark-client/internal/utils"
	"github.com/arkade-os/go-ark-client/types"
	"github.com/dgraph-io/badger/v4"
	"github.com/timshannon/badgerhold/v4"
)

const (
	contractStoreDir = "contracts"
)

type contractStore struct {
	db          *badgerhold.Store
	broadcaster *utils.Broadcaster[types.ContractEvent]
}

func NewContractStore(dir string, logger badger.Logger) (types.ContractStore, error) {
	if dir != "" {
		dir = filepath.Join(dir, contractStoreDir)
	}
	badgerDb, err := createDB(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open contract store: %s", err)
	}
	return &contractStore{
		db:          badgerDb,
		broadcaster: utils.NewBroadcaster[types.ContractEvent](),
	}, nil
}

func (s *contractStore) UpsertContracts(
	_ context.Context, contracts []types.ContractEntity,
) (int, error) {
	added := make([]types.ContractEntity, 0, len(contracts))
	updated := make([]types.ContractEntity, 0, len(contracts))

	for _, contract := range contracts {
		var existing types.ContractEntity
		err := s.db.Get(contract.Script, &existing)
		if err != nil && !errors.Is(err, badgerhold.ErrNotFound) {
			return -1, err
		}
		found := err == nil
		if found {
			if existing.Contract == contract.Contract &&
				existing.WalletId == contract.WalletId &&
				existing.Active == contract.Active {
				continue
			}
			contract.CreatedAt = existing.CreatedAt
		}

		if err := s.db.Upsert(contract.Script, &contract); err != nil {
			return -1, err
		}
		if found {
			updated = append(updated, contract)
		} else {
			added = append(added, contract)
		}
	}

	s.publish(types.ContractsAdded, added)
	s.publish(types.ContractsUpdated, updated)
	return len(added) + len(updated), nil
}

func (s *contractStore) SetContractsActive(
	_ context.Context, scripts []string, active bool,
) (int, error) {
	updated := make([]types.ContractEntity, 0, len(scripts))
	for _, script := range scripts {
		var contract types.ContractEntity
		if err := s.db.Get(script, &contract); err != nil {
			if errors.Is(err, badgerhold.ErrNotFound) {
				continue
			}
			return -1, err
		}
		if contract.Active == active {
			continue
		}
		contract.Active = active
		if err := s.db.Update(script, &contract); err != nil {
			return -1, err
		}
		updated = append(updated, contract)
	}

	s.publish(types.ContractsUpdated, updated)
	return len(updated), nil
}

func (s *contractStore) GetContracts(
	_ context.Context, scripts []string,
) ([]types.ContractEntity, error) {
	contracts := make([]types.ContractEntity, 0, len(scripts))
	for _, script := range scripts {
		var contract types.ContractEntity
		if err := s.db.Get(script, &contract); err != nil {
			if errors.Is(err, badgerhold.ErrNotFound) {
				continue
			}
			return nil, err
		}
		contracts = append(contracts, contract)
	}
	return contracts, nil
}

func (s *contractStore) GetContractsByWallet(
	_ context.Context, walletId string, activeOnly bool,
) ([]types.ContractEntity, error) {
	query := badgerhold.Where("WalletId").Eq(walletId)
	if activeOnly {
		query = query.And("Active").Eq(true)
	}

	var contracts []types.ContractEntity
	if err := s.db.Find(&contracts, query); err != nil {
		return nil, err
	}
	return contracts, nil
}

func (s *contractStore) GetActiveContracts(
	_ context.Context,
) ([]types.ContractEntity, error) {
	var contracts []types.ContractEntity
	if err := s.db.Find(&contracts, badgerhold.Where("Active").Eq(true)); err != nil {
		return nil, err
	}
	return contracts, nil
}

func (s *contractStore) SubscribeEvents() <-chan types.ContractEvent {
	return s.broadcaster.Subscribe(eventBufferSize)
}

func (s *contractStore) UnsubscribeEvents(ch <-chan types.ContractEvent) {
	s.broadcaster.Unsubscribe(ch)
}

func (s *contractStore) Clean(_ context.Context) error {
	if err := s.db.Badger().DropAll(); err != nil {
		return fmt.Errorf("failed to clean the contract db: %s", err)
	}
	return nil
}

func (s *contractStore) Close() {
	s.broadcaster.Close()
	closeDB(s.db)
}

func (s *contractStore) publish(
	eventType types.ContractEventType, contracts []types.ContractEntity,
) {
	if len(contracts) <= 0 {
		return
	}
	s.broadcaster.Publish(types.ContractEvent{Type: eventType, Contracts: contracts})
}
