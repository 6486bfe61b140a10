package kvstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/arkade-os/go-ark-client/internal/utils"
	"github.com/arkade-os/go-ark-client/types"
	"github.com/dgraph-io/badger/v4"
	"github.com/timshannon/badgerhold/v4"
)

const (
	intentStoreDir = "intents"
)

type intentStore struct {
	db          *badgerhold.Store
	broadcaster *utils.Broadcaster[types.IntentEvent]
}

func NewIntentStore(dir string, logger badger.Logger) (types.IntentStore, error) {
	if dir != "" {
		dir = filepath.Join(dir, intentStoreDir)
	}
	badgerDb, err := createDB(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open intent store: %s", err)
	}
	return &intentStore{
		db:          badgerDb,
		broadcaster: utils.NewBroadcaster[types.IntentEvent](),
	}, nil
}

func (s *intentStore) AddIntent(_ context.Context, intent types.Intent) error {
	if intent.Id == "" {
		return fmt.Errorf("missing intent id")
	}
	now := time.Now()
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = now
	}
	intent.UpdatedAt = now

	if err := s.db.Insert(intent.Id, &intent); err != nil {
		if errors.Is(err, badgerhold.ErrKeyExists) {
			return fmt.Errorf("intent %s already exists", intent.Id)
		}
		return err
	}

	s.broadcaster.Publish(types.IntentEvent{
		Type: types.IntentsAdded, Intents: []types.Intent{intent},
	})
	return nil
}

func (s *intentStore) UpdateIntent(_ context.Context, intent types.Intent) error {
	intent.UpdatedAt = time.Now()
	if err := s.db.Update(intent.Id, &intent); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return types.ErrIntentNotFound
		}
		return err
	}

	s.broadcaster.Publish(types.IntentEvent{
		Type: types.IntentsUpdated, Intents: []types.Intent{intent},
	})
	return nil
}

func (s *intentStore) GetIntent(_ context.Context, id string) (*types.Intent, error) {
	var intent types.Intent
	if err := s.db.Get(id, &intent); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, types.ErrIntentNotFound
		}
		return nil, err
	}
	return &intent, nil
}

func (s *intentStore) GetIntentByIntentId(
	_ context.Context, intentId string,
) (*types.Intent, error) {
	if intentId == "" {
		return nil, types.ErrIntentNotFound
	}

	var intents []types.Intent
	if err := s.db.Find(
		&intents, badgerhold.Where("IntentId").Eq(intentId).Limit(1),
	); err != nil {
		return nil, err
	}
	if len(intents) <= 0 {
		return nil, types.ErrIntentNotFound
	}
	return &intents[0], nil
}

func (s *intentStore) GetIntentsByWallet(
	_ context.Context, walletId string,
) ([]types.Intent, error) {
	var intents []types.Intent
	if err := s.db.Find(&intents, badgerhold.Where("WalletId").Eq(walletId)); err != nil {
		return nil, err
	}
	return sortIntents(intents), nil
}

func (s *intentStore) GetIntentsByInputs(
	ctx context.Context, walletId string, inputs []types.Outpoint,
) ([]types.Intent, error) {
	intents, err := s.GetIntentsByWallet(ctx, walletId)
	if err != nil {
		return nil, err
	}

	matching := make([]types.Intent, 0)
	for _, intent := range intents {
		for _, input := range inputs {
			if intent.HasInput(input) {
				matching = append(matching, intent)
				break
			}
		}
	}
	return matching, nil
}

func (s *intentStore) GetUnsubmittedIntents(
	_ context.Context, now time.Time,
) ([]types.Intent, error) {
	return s.filter(func(intent types.Intent) bool {
		return intent.IsSubmittable(now)
	})
}

func (s *intentStore) GetActiveIntents(_ context.Context) ([]types.Intent, error) {
	return s.filter(func(intent types.Intent) bool {
		return intent.State == types.IntentWaitingForBatch ||
			intent.State == types.IntentBatchInProgress
	})
}

func (s *intentStore) SubscribeEvents() <-chan types.IntentEvent {
	return s.broadcaster.Subscribe(eventBufferSize)
}

func (s *intentStore) UnsubscribeEvents(ch <-chan types.IntentEvent) {
	s.broadcaster.Unsubscribe(ch)
}

func (s *intentStore) Clean(_ context.Context) error {
	if err := s.db.Badger().DropAll(); err != nil {
		return fmt.Errorf("failed to clean the intent db: %s", err)
	}
	return nil
}

func (s *intentStore) Close() {
	s.broadcaster.Close()
	closeDB(s.db)
}

func (s *intentStore) filter(fn func(types.Intent) bool) ([]types.Intent, error) {
	var intents []types.Intent
	if err := s.db.Find(&intents, nil); err != nil {
		return nil, err
	}

	filtered := make([]types.Intent, 0, len(intents))
	for _, intent := range intents {
		if fn(intent) {
			filtered = append(filtered, intent)
		}
	}
	return sortIntents(filtered), nil
}

func sortIntents(intents []types.Intent) []types.Intent {
	sort.SliceStable(intents, func(i, j int) bool {
		return intents[i].CreatedAt.Before(intents[j].CreatedAt)
	})
	return intents
}
