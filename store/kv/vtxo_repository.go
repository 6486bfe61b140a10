package kvstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"time"

	"github.com/arkade-os/go-ark-client/internal/utils"
	"github.com/arkade-os/go-ark-client/types"
	"github.com/dgraph-io/badger/v4"
	"github.com/timshannon/badgerhold/v4"
)

const (
	vtxoStoreDir = "vtxos"
)

type vtxoStore struct {
	db          *badgerhold.Store
	broadcaster *utils.Broadcaster[types.VtxoEvent]
}

type vtxoRecord struct {
	Outpoint        types.Outpoint
	Script          string
	Amount          uint64
	CommitmentTxids []string
	ExpiresAt       time.Time
	ExpiresAtHeight uint32
	CreatedAt       time.Time
	Preconfirmed    bool
	Swept           bool
	Unrolled        bool
	Spent           bool
	SpentBy         string
	SettledBy       string
	ArkTxid         string
}

func NewVtxoStore(dir string, logger badger.Logger) (types.VtxoStore, error) {
	if dir != "" {
		dir = filepath.Join(dir, vtxoStoreDir)
	}
	badgerDb, err := createDB(dir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open vtxo store: %s", err)
	}
	return &vtxoStore{
		db:          badgerDb,
		broadcaster: utils.NewBroadcaster[types.VtxoEvent](),
	}, nil
}

func (s *vtxoStore) UpsertVtxos(_ context.Context, vtxos []types.Vtxo) (int, error) {
	added := make([]types.Vtxo, 0, len(vtxos))
	updated := make([]types.Vtxo, 0, len(vtxos))
	spent := make([]types.Vtxo, 0, len(vtxos))

	for _, vtxo := range vtxos {
		key := vtxo.Outpoint.String()
		record := toVtxoRecord(vtxo)

		var existing vtxoRecord
		err := s.db.Get(key, &existing)
		if err != nil && !errors.Is(err, badgerhold.ErrNotFound) {
			return -1, err
		}
		found := err == nil
		if found && reflect.DeepEqual(normalizeVtxoRecord(existing), normalizeVtxoRecord(record)) {
			continue
		}

		if err := s.db.Upsert(key, &record); err != nil {
			return -1, err
		}

		switch {
		case !found:
			added = append(added, vtxo)
		case !existing.toVtxo().IsSpent() && vtxo.IsSpent():
			spent = append(spent, vtxo)
		default:
			updated = append(updated, vtxo)
		}
	}

	if len(added) > 0 {
		s.broadcaster.Publish(types.VtxoEvent{Type: types.VtxosAdded, Vtxos: added})
	}
	if len(spent) > 0 {
		s.broadcaster.Publish(types.VtxoEvent{Type: types.VtxosSpent, Vtxos: spent})
	}
	if len(updated) > 0 {
		s.broadcaster.Publish(types.VtxoEvent{Type: types.VtxosUpdated, Vtxos: updated})
	}

	return len(added) + len(spent) + len(updated), nil
}

func (s *vtxoStore) GetAllVtxos(
	_ context.Context,
) (spendable, spent []types.Vtxo, err error) {
	var allVtxoRecords []vtxoRecord
	err = s.db.Find(&allVtxoRecords, nil)
	if err != nil {
		return nil, nil, err
	}

	for _, record := range allVtxoRecords {
		vtxo := record.toVtxo()
		if vtxo.IsSpent() {
			spent = append(spent, vtxo)
		} else {
			spendable = append(spendable, vtxo)
		}
	}
	return
}

func (s *vtxoStore) GetSpendableVtxos(ctx context.Context) ([]types.Vtxo, error) {
	spendable, _, err := s.GetAllVtxos(ctx)
	return spendable, err
}

func (s *vtxoStore) GetVtxos(
	_ context.Context, keys []types.Outpoint,
) ([]types.Vtxo, error) {
	var vtxos []types.Vtxo
	for _, key := range keys {
		var record vtxoRecord
		err := s.db.Get(key.String(), &record)
		if err != nil {
			if errors.Is(err, badgerhold.ErrNotFound) {
				continue
			}

			return nil, err
		}
		vtxos = append(vtxos, record.toVtxo())
	}

	return vtxos, nil
}

func (s *vtxoStore) GetVtxosByScripts(
	_ context.Context, scripts []string,
) ([]types.Vtxo, error) {
	if len(scripts) <= 0 {
		return nil, nil
	}

	values := make([]interface{}, 0, len(scripts))
	for _, script := range scripts {
		values = append(values, script)
	}

	var records []vtxoRecord
	if err := s.db.Find(&records, badgerhold.Where("Script").In(values...)); err != nil {
		return nil, err
	}

	vtxos := make([]types.Vtxo, 0, len(records))
	for _, record := range records {
		vtxos = append(vtxos, record.toVtxo())
	}
	return vtxos, nil
}

func (s *vtxoStore) SubscribeEvents() <-chan types.VtxoEvent {
	return s.broadcaster.Subscribe(eventBufferSize)
}

func (s *vtxoStore) UnsubscribeEvents(ch <-chan types.VtxoEvent) {
	s.broadcaster.Unsubscribe(ch)
}

func (s *vtxoStore) Clean(_ context.Context) error {
	if err := s.db.Badger().DropAll(); err != nil {
		return fmt.Errorf("failed to clean the vtxo db: %s", err)
	}
	return nil
}

func (s *vtxoStore) Close() {
	s.broadcaster.Close()
	closeDB(s.db)
}

func toVtxoRecord(vtxo types.Vtxo) vtxoRecord {
	return vtxoRecord{
		Outpoint:        vtxo.Outpoint,
		Script:          vtxo.Script,
		Amount:          vtxo.Amount,
		CommitmentTxids: vtxo.CommitmentTxids,
		ExpiresAt:       vtxo.ExpiresAt,
		ExpiresAtHeight: vtxo.ExpiresAtHeight,
		CreatedAt:       vtxo.CreatedAt,
		Preconfirmed:    vtxo.Preconfirmed,
		Swept:           vtxo.Swept,
		Unrolled:        vtxo.Unrolled,
		Spent:           vtxo.Spent,
		SpentBy:         vtxo.SpentBy,
		SettledBy:       vtxo.SettledBy,
		ArkTxid:         vtxo.ArkTxid,
	}
}

// normalizeVtxoRecord drops the differences that don't survive encoding.
func normalizeVtxoRecord(r vtxoRecord) vtxoRecord {
	if len(r.CommitmentTxids) == 0 {
		r.CommitmentTxids = nil
	}
	r.ExpiresAt = time.Unix(r.ExpiresAt.Unix(), 0).UTC()
	r.CreatedAt = time.Unix(r.CreatedAt.Unix(), 0).UTC()
	return r
}

func (r vtxoRecord) toVtxo() types.Vtxo {
	return types.Vtxo{
		Outpoint:        r.Outpoint,
		Script:          r.Script,
		Amount:          r.Amount,
		CommitmentTxids: r.CommitmentTxids,
		ExpiresAt:       r.ExpiresAt,
		ExpiresAtHeight: r.ExpiresAtHeight,
		CreatedAt:       r.CreatedAt,
		Preconfirmed:    r.Preconfirmed,
		Swept:           r.Swept,
		Unrolled:        r.Unrolled,
		Spent:           r.Spent,
		SpentBy:         r.SpentBy,
		SettledBy:       r.SettledBy,
		ArkTxid:         r.ArkTxid,
	}
}
