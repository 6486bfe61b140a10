package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"

	kvstore "github.com/arkade-os/go-ark-client/store/kv"
	sqlstore "github.com/arkade-os/go-ark-client/store/sql"
	"github.com/arkade-os/go-ark-client/types"
	"github.com/dgraph-io/badger/v4"
	log "github.com/sirupsen/logrus"
)

type Config struct {
	// One of types.InMemoryStore, types.KVStore or types.SQLStore.
	StoreType string
	// Ignored by the in-memory store.
	BaseDir      string
	BadgerLogger badger.Logger
}

type service struct {
	vtxoStore     types.VtxoStore
	contractStore types.ContractStore
	intentStore   types.IntentStore
	db            *sql.DB
}

func NewStore(config Config) (types.Store, error) {
	switch config.StoreType {
	case types.InMemoryStore:
		return newKVStore("", config.BadgerLogger)
	case types.KVStore:
		if config.BaseDir == "" {
			return nil, fmt.Errorf("missing base dir for %s store", config.StoreType)
		}
		return newKVStore(config.BaseDir, config.BadgerLogger)
	case types.SQLStore:
		if config.BaseDir == "" {
			return nil, fmt.Errorf("missing base dir for %s store", config.StoreType)
		}
		return newSQLStore(config.BaseDir)
	default:
		return nil, fmt.Errorf("unknown store type %s", config.StoreType)
	}
}

func newKVStore(dir string, logger badger.Logger) (types.Store, error) {
	vtxoStore, err := kvstore.NewVtxoStore(dir, logger)
	if err != nil {
		return nil, err
	}
	contractStore, err := kvstore.NewContractStore(dir, logger)
	if err != nil {
		vtxoStore.Close()
		return nil, err
	}
	intentStore, err := kvstore.NewIntentStore(dir, logger)
	if err != nil {
		vtxoStore.Close()
		contractStore.Close()
		return nil, err
	}
	return &service{
		vtxoStore:     vtxoStore,
		contractStore: contractStore,
		intentStore:   intentStore,
	}, nil
}

func newSQLStore(dir string) (types.Store, error) {
	db, err := sqlstore.OpenDb(filepath.Join(dir, sqlstore.SqliteDbFile))
	if err != nil {
		return nil, err
	}
	if err := sqlstore.MigrateDb(db); err != nil {
		// nolint
		db.Close()
		return nil, err
	}
	return &service{
		vtxoStore:     sqlstore.NewVtxoStore(db),
		contractStore: sqlstore.NewContractStore(db),
		intentStore:   sqlstore.NewIntentStore(db),
		db:            db,
	}, nil
}

func (s *service) VtxoStore() types.VtxoStore {
	return s.vtxoStore
}

func (s *service) ContractStore() types.ContractStore {
	return s.contractStore
}

func (s *service) IntentStore() types.IntentStore {
	return s.intentStore
}

func (s *service) Clean(ctx context.Context) {
	if err := s.vtxoStore.Clean(ctx); err != nil {
		log.WithError(err).Warn("failed to clean vtxo store")
	}
	if err := s.contractStore.Clean(ctx); err != nil {
		log.WithError(err).Warn("failed to clean contract store")
	}
	if err := s.intentStore.Clean(ctx); err != nil {
		log.WithError(err).Warn("failed to clean intent store")
	}
}

func (s *service) Close() {
	s.vtxoStore.Close()
	s.contractStore.Close()
	s.intentStore.Close()
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			log.WithError(err).Warn("failed to close db")
		}
	}
}
