package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/arkade-os/go-ark-client/internal/utils"
	"github.com/arkade-os/go-ark-client/types"
)

const (
	intentColumns = `id, intent_id, wallet_id, state, valid_from, valid_until,
	register_proof, register_message, delete_proof, delete_message, batch_id,
	commitment_txid, cancellation_reason, created_at, updated_at`

	insertIntent = `
INSERT INTO intent (` + intentColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	updateIntent = `
UPDATE intent SET
	intent_id = ?,
	wallet_id = ?,
	state = ?,
	valid_from = ?,
	valid_until = ?,
	register_proof = ?,
	register_message = ?,
	delete_proof = ?,
	delete_message = ?,
	batch_id = ?,
	commitment_txid = ?,
	cancellation_reason = ?,
	updated_at = ?
WHERE id = ?`

	selectIntents         = `SELECT ` + intentColumns + ` FROM intent`
	selectIntentInputs    = `SELECT txid, vout FROM intent_input WHERE intent_id = ? ORDER BY rowid`
	insertIntentInput     = `INSERT INTO intent_input (intent_id, txid, vout) VALUES (?, ?, ?)`
	deleteIntentInputs    = `DELETE FROM intent_input WHERE intent_id = ?`
	selectIntentsByWallet = selectIntents + ` WHERE wallet_id = ? ORDER BY created_at, rowid`
)

type intentRepository struct {
	db          *sql.DB
	broadcaster *utils.Broadcaster[types.IntentEvent]
}

func NewIntentStore(db *sql.DB) types.IntentStore {
	return &intentRepository{
		db:          db,
		broadcaster: utils.NewBroadcaster[types.IntentEvent](),
	}
}

func (r *intentRepository) AddIntent(ctx context.Context, intent types.Intent) error {
	if intent.Id == "" {
		return fmt.Errorf("missing intent id")
	}
	now := time.Now()
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = now
	}
	intent.UpdatedAt = now

	txBody := func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(
			ctx, insertIntent,
			intent.Id,
			toNullString(intent.IntentId),
			intent.WalletId,
			int64(intent.State),
			toUnix(intent.ValidFrom),
			toUnix(intent.ValidUntil),
			toNullString(intent.RegisterProof),
			toNullString(intent.RegisterMessage),
			toNullString(intent.DeleteProof),
			toNullString(intent.DeleteMessage),
			toNullString(intent.BatchId),
			toNullString(intent.CommitmentTxid),
			toNullString(intent.CancellationReason),
			intent.CreatedAt.Unix(),
			intent.UpdatedAt.Unix(),
		); err != nil {
			return err
		}
		return insertInputs(ctx, tx, intent)
	}
	if err := execTx(ctx, r.db, txBody); err != nil {
		return err
	}

	r.broadcaster.Publish(types.IntentEvent{
		Type: types.IntentsAdded, Intents: []types.Intent{intent},
	})
	return nil
}

func (r *intentRepository) UpdateIntent(ctx context.Context, intent types.Intent) error {
	intent.UpdatedAt = time.Now()

	txBody := func(tx *sql.Tx) error {
		res, err := tx.ExecContext(
			ctx, updateIntent,
			toNullString(intent.IntentId),
			intent.WalletId,
			int64(intent.State),
			toUnix(intent.ValidFrom),
			toUnix(intent.ValidUntil),
			toNullString(intent.RegisterProof),
			toNullString(intent.RegisterMessage),
			toNullString(intent.DeleteProof),
			toNullString(intent.DeleteMessage),
			toNullString(intent.BatchId),
			toNullString(intent.CommitmentTxid),
			toNullString(intent.CancellationReason),
			intent.UpdatedAt.Unix(),
			intent.Id,
		)
		if err != nil {
			return err
		}
		count, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if count <= 0 {
			return types.ErrIntentNotFound
		}

		if _, err := tx.ExecContext(ctx, deleteIntentInputs, intent.Id); err != nil {
			return err
		}
		return insertInputs(ctx, tx, intent)
	}
	if err := execTx(ctx, r.db, txBody); err != nil {
		return err
	}

	r.broadcaster.Publish(types.IntentEvent{
		Type: types.IntentsUpdated, Intents: []types.Intent{intent},
	})
	return nil
}

func (r *intentRepository) GetIntent(ctx context.Context, id string) (*types.Intent, error) {
	intents, err := r.queryIntents(ctx, selectIntents+" WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(intents) <= 0 {
		return nil, types.ErrIntentNotFound
	}
	return &intents[0], nil
}

func (r *intentRepository) GetIntentByIntentId(
	ctx context.Context, intentId string,
) (*types.Intent, error) {
	if intentId == "" {
		return nil, types.ErrIntentNotFound
	}
	intents, err := r.queryIntents(
		ctx, selectIntents+" WHERE intent_id = ? LIMIT 1", intentId,
	)
	if err != nil {
		return nil, err
	}
	if len(intents) <= 0 {
		return nil, types.ErrIntentNotFound
	}
	return &intents[0], nil
}

func (r *intentRepository) GetIntentsByWallet(
	ctx context.Context, walletId string,
) ([]types.Intent, error) {
	return r.queryIntents(ctx, selectIntentsByWallet, walletId)
}

func (r *intentRepository) GetIntentsByInputs(
	ctx context.Context, walletId string, inputs []types.Outpoint,
) ([]types.Intent, error) {
	intents, err := r.GetIntentsByWallet(ctx, walletId)
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

func (r *intentRepository) GetUnsubmittedIntents(
	ctx context.Context, now time.Time,
) ([]types.Intent, error) {
	intents, err := r.queryIntents(
		ctx, selectIntents+" WHERE state = ? ORDER BY created_at, rowid",
		int64(types.IntentWaitingToSubmit),
	)
	if err != nil {
		return nil, err
	}

	submittable := make([]types.Intent, 0, len(intents))
	for _, intent := range intents {
		if intent.IsSubmittable(now) {
			submittable = append(submittable, intent)
		}
	}
	return submittable, nil
}

func (r *intentRepository) GetActiveIntents(ctx context.Context) ([]types.Intent, error) {
	return r.queryIntents(
		ctx, selectIntents+" WHERE state IN (?, ?) ORDER BY created_at, rowid",
		int64(types.IntentWaitingForBatch), int64(types.IntentBatchInProgress),
	)
}

func (r *intentRepository) SubscribeEvents() <-chan types.IntentEvent {
	return r.broadcaster.Subscribe(eventBufferSize)
}

func (r *intentRepository) UnsubscribeEvents(ch <-chan types.IntentEvent) {
	r.broadcaster.Unsubscribe(ch)
}

func (r *intentRepository) Clean(ctx context.Context) error {
	txBody := func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM intent_input"); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM intent")
		return err
	}
	if err := execTx(ctx, r.db, txBody); err != nil {
		return fmt.Errorf("failed to clean the intent tables: %s", err)
	}
	return nil
}

func (r *intentRepository) Close() {
	r.broadcaster.Close()
}

func (r *intentRepository) queryIntents(
	ctx context.Context, query string, args ...any,
) ([]types.Intent, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	intents := make([]types.Intent, 0)
	for rows.Next() {
		intent, err := scanIntent(rows)
		if err != nil {
			// nolint
			rows.Close()
			return nil, err
		}
		intents = append(intents, *intent)
	}
	if err := rows.Err(); err != nil {
		// nolint
		rows.Close()
		return nil, err
	}
	// The db allows a single connection, rows must be released before
	// loading the inputs.
	// nolint
	rows.Close()

	for i := range intents {
		inputs, err := r.getInputs(ctx, intents[i].Id)
		if err != nil {
			return nil, err
		}
		intents[i].Inputs = inputs
	}
	return intents, nil
}

func (r *intentRepository) getInputs(ctx context.Context, id string) ([]types.Outpoint, error) {
	rows, err := r.db.QueryContext(ctx, selectIntentInputs, id)
	if err != nil {
		return nil, err
	}
	// nolint
	defer rows.Close()

	inputs := make([]types.Outpoint, 0)
	for rows.Next() {
		var (
			txid string
			vout int64
		)
		if err := rows.Scan(&txid, &vout); err != nil {
			return nil, err
		}
		inputs = append(inputs, types.Outpoint{Txid: txid, VOut: uint32(vout)})
	}
	return inputs, rows.Err()
}

func insertInputs(ctx context.Context, tx *sql.Tx, intent types.Intent) error {
	for _, input := range intent.Inputs {
		if _, err := tx.ExecContext(
			ctx, insertIntentInput, intent.Id, input.Txid, int64(input.VOut),
		); err != nil {
			return err
		}
	}
	return nil
}

func scanIntent(row scanner) (*types.Intent, error) {
	var (
		intent                                   types.Intent
		state, createdAt, updatedAt              int64
		validFrom, validUntil                    sql.NullInt64
		intentId, registerProof, registerMessage sql.NullString
		deleteProof, deleteMessage, batchId      sql.NullString
		commitmentTxid, cancellationReason       sql.NullString
	)
	if err := row.Scan(
		&intent.Id, &intentId, &intent.WalletId, &state, &validFrom, &validUntil,
		&registerProof, &registerMessage, &deleteProof, &deleteMessage, &batchId,
		&commitmentTxid, &cancellationReason, &createdAt, &updatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.ErrIntentNotFound
		}
		return nil, err
	}

	intent.IntentId = intentId.String
	intent.State = types.IntentState(state)
	intent.ValidFrom = fromUnix(validFrom)
	intent.ValidUntil = fromUnix(validUntil)
	intent.RegisterProof = registerProof.String
	intent.RegisterMessage = registerMessage.String
	intent.DeleteProof = deleteProof.String
	intent.DeleteMessage = deleteMessage.String
	intent.BatchId = batchId.String
	intent.CommitmentTxid = commitmentTxid.String
	intent.CancellationReason = cancellationReason.String
	intent.CreatedAt = time.Unix(createdAt, 0)
	intent.UpdatedAt = time.Unix(updatedAt, 0)
	return &intent, nil
}
