package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/arkade-os/go-ark-client/internal/utils"
	"github.com/arkade-os/go-ark-client/types"
	"github.com/ccoveille/go-safecast"
)

const (
	vtxoColumns = `txid, vout, script, amount, commitment_txids, expires_at,
	expires_at_height, created_at, preconfirmed, swept, unrolled, spent, spent_by,
	settled_by, ark_txid`

	upsertVtxo = `
INSERT INTO vtxo (` + vtxoColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (txid, vout) DO UPDATE SET
	script = excluded.script,
	amount = excluded.amount,
	commitment_txids = excluded.commitment_txids,
	expires_at = excluded.expires_at,
	expires_at_height = excluded.expires_at_height,
	created_at = excluded.created_at,
	preconfirmed = excluded.preconfirmed,
	swept = excluded.swept,
	unrolled = excluded.unrolled,
	spent = excluded.spent,
	spent_by = excluded.spent_by,
	settled_by = excluded.settled_by,
	ark_txid = excluded.ark_txid`

	selectVtxo     = `SELECT ` + vtxoColumns + ` FROM vtxo WHERE txid = ? AND vout = ?`
	selectAllVtxos = `SELECT ` + vtxoColumns + ` FROM vtxo`
)

type vtxoRepository struct {
	db          *sql.DB
	broadcaster *utils.Broadcaster[types.VtxoEvent]
}

func NewVtxoStore(db *sql.DB) types.VtxoStore {
	return &vtxoRepository{
		db:          db,
		broadcaster: utils.NewBroadcaster[types.VtxoEvent](),
	}
}

func (r *vtxoRepository) UpsertVtxos(ctx context.Context, vtxos []types.Vtxo) (int, error) {
	added := make([]types.Vtxo, 0, len(vtxos))
	updated := make([]types.Vtxo, 0, len(vtxos))
	spent := make([]types.Vtxo, 0, len(vtxos))

	txBody := func(tx *sql.Tx) error {
		for _, vtxo := range vtxos {
			existing, err := scanVtxo(tx.QueryRowContext(
				ctx, selectVtxo, vtxo.Txid, int64(vtxo.VOut),
			))
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return err
			}
			found := err == nil
			if found && sameVtxo(*existing, vtxo) {
				continue
			}

			amount, err := safecast.ToInt64(vtxo.Amount)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(
				ctx, upsertVtxo,
				vtxo.Txid,
				int64(vtxo.VOut),
				vtxo.Script,
				amount,
				toNullString(strings.Join(vtxo.CommitmentTxids, ",")),
				toUnix(vtxo.ExpiresAt),
				sql.NullInt64{Int64: int64(vtxo.ExpiresAtHeight), Valid: vtxo.ExpiresAtHeight > 0},
				toUnix(vtxo.CreatedAt),
				vtxo.Preconfirmed,
				vtxo.Swept,
				vtxo.Unrolled,
				vtxo.Spent,
				toNullString(vtxo.SpentBy),
				toNullString(vtxo.SettledBy),
				toNullString(vtxo.ArkTxid),
			); err != nil {
				return err
			}

			switch {
			case !found:
				added = append(added, vtxo)
			case !existing.IsSpent() && vtxo.IsSpent():
				spent = append(spent, vtxo)
			default:
				updated = append(updated, vtxo)
			}
		}
		return nil
	}
	if err := execTx(ctx, r.db, txBody); err != nil {
		return -1, err
	}

	if len(added) > 0 {
		r.broadcaster.Publish(types.VtxoEvent{Type: types.VtxosAdded, Vtxos: added})
	}
	if len(spent) > 0 {
		r.broadcaster.Publish(types.VtxoEvent{Type: types.VtxosSpent, Vtxos: spent})
	}
	if len(updated) > 0 {
		r.broadcaster.Publish(types.VtxoEvent{Type: types.VtxosUpdated, Vtxos: updated})
	}
	return len(added) + len(spent) + len(updated), nil
}

func (r *vtxoRepository) GetVtxos(
	ctx context.Context, keys []types.Outpoint,
) ([]types.Vtxo, error) {
	vtxos := make([]types.Vtxo, 0, len(keys))
	for _, key := range keys {
		vtxo, err := scanVtxo(r.db.QueryRowContext(ctx, selectVtxo, key.Txid, int64(key.VOut)))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			return nil, err
		}
		vtxos = append(vtxos, *vtxo)
	}
	return vtxos, nil
}

func (r *vtxoRepository) GetVtxosByScripts(
	ctx context.Context, scripts []string,
) ([]types.Vtxo, error) {
	if len(scripts) <= 0 {
		return nil, nil
	}

	args := make([]any, 0, len(scripts))
	for _, script := range scripts {
		args = append(args, script)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(scripts)), ",")
	query := fmt.Sprintf("%s WHERE script IN (%s)", selectAllVtxos, placeholders)

	return r.queryVtxos(ctx, query, args...)
}

func (r *vtxoRepository) GetSpendableVtxos(ctx context.Context) ([]types.Vtxo, error) {
	spendable, _, err := r.GetAllVtxos(ctx)
	return spendable, err
}

func (r *vtxoRepository) GetAllVtxos(
	ctx context.Context,
) (spendable, spent []types.Vtxo, err error) {
	vtxos, err := r.queryVtxos(ctx, selectAllVtxos)
	if err != nil {
		return nil, nil, err
	}
	for _, vtxo := range vtxos {
		if vtxo.IsSpent() {
			spent = append(spent, vtxo)
		} else {
			spendable = append(spendable, vtxo)
		}
	}
	return
}

func (r *vtxoRepository) SubscribeEvents() <-chan types.VtxoEvent {
	return r.broadcaster.Subscribe(eventBufferSize)
}

func (r *vtxoRepository) UnsubscribeEvents(ch <-chan types.VtxoEvent) {
	r.broadcaster.Unsubscribe(ch)
}

func (r *vtxoRepository) Clean(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM vtxo"); err != nil {
		return fmt.Errorf("failed to clean the vtxo table: %s", err)
	}
	return nil
}

func (r *vtxoRepository) Close() {
	r.broadcaster.Close()
}

func (r *vtxoRepository) queryVtxos(
	ctx context.Context, query string, args ...any,
) ([]types.Vtxo, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	// nolint
	defer rows.Close()

	vtxos := make([]types.Vtxo, 0)
	for rows.Next() {
		vtxo, err := scanVtxo(rows)
		if err != nil {
			return nil, err
		}
		vtxos = append(vtxos, *vtxo)
	}
	return vtxos, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanVtxo(row scanner) (*types.Vtxo, error) {
	var (
		vout, amount                          int64
		commitmentTxids                       sql.NullString
		expiresAt, expiresAtHeight, createdAt sql.NullInt64
		spentBy, settledBy, arkTxid           sql.NullString
		vtxo                                  types.Vtxo
	)
	if err := row.Scan(
		&vtxo.Txid, &vout, &vtxo.Script, &amount, &commitmentTxids, &expiresAt,
		&expiresAtHeight, &createdAt, &vtxo.Preconfirmed, &vtxo.Swept, &vtxo.Unrolled,
		&vtxo.Spent, &spentBy, &settledBy, &arkTxid,
	); err != nil {
		return nil, err
	}

	vtxo.VOut = uint32(vout)
	vtxo.Amount = uint64(amount)
	if commitmentTxids.Valid && commitmentTxids.String != "" {
		vtxo.CommitmentTxids = strings.Split(commitmentTxids.String, ",")
	}
	vtxo.ExpiresAt = fromUnix(expiresAt)
	if expiresAtHeight.Valid {
		vtxo.ExpiresAtHeight = uint32(expiresAtHeight.Int64)
	}
	vtxo.CreatedAt = fromUnix(createdAt)
	vtxo.SpentBy = spentBy.String
	vtxo.SettledBy = settledBy.String
	vtxo.ArkTxid = arkTxid.String
	return &vtxo, nil
}

// sameVtxo compares two snapshots at the precision they are stored with.
func sameVtxo(a, b types.Vtxo) bool {
	sameTime := func(x, y time.Time) bool {
		return x.IsZero() == y.IsZero() && x.Unix() == y.Unix()
	}
	return a.Outpoint == b.Outpoint &&
		a.Script == b.Script &&
		a.Amount == b.Amount &&
		strings.Join(a.CommitmentTxids, ",") == strings.Join(b.CommitmentTxids, ",") &&
		sameTime(a.ExpiresAt, b.ExpiresAt) &&
		a.ExpiresAtHeight == b.ExpiresAtHeight &&
		sameTime(a.CreatedAt, b.CreatedAt) &&
		a.Preconfirmed == b.Preconfirmed &&
		a.Swept == b.Swept &&
		a.Unrolled == b.Unrolled &&
		a.Spent == b.Spent &&
		a.SpentBy == b.SpentBy &&
		a.SettledBy == b.SettledBy &&
		a.ArkTxid == b.ArkTxid
}
