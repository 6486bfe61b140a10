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
)

const (
	contractColumns = `script, type, contract, wallet_id, active, created_at`

	upsertContract = `
INSERT INTO contract (` + contractColumns + `) VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (script) DO UPDATE SET
	type = excluded.type,
	contract = excluded.contract,
	wallet_id = excluded.wallet_id,
	active = excluded.active`

	selectContract     = `SELECT ` + contractColumns + ` FROM contract WHERE script = ?`
	selectAllContracts = `SELECT ` + contractColumns + ` FROM contract`
	updateActive       = `UPDATE contract SET active = ? WHERE script = ?`
)

type contractRepository struct {
	db          *sql.DB
	broadcaster *utils.Broadcaster[types.ContractEvent]
}

func NewContractStore(db *sql.DB) types.ContractStore {
	return &contractRepository{
		db:          db,
		broadcaster: utils.NewBroadcaster[types.ContractEvent](),
	}
}

func (r *contractRepository) UpsertContracts(
	ctx context.Context, contracts []types.ContractEntity,
) (int, error) {
	added := make([]types.ContractEntity, 0, len(contracts))
	updated := make([]types.ContractEntity, 0, len(contracts))

	txBody := func(tx *sql.Tx) error {
		for _, contract := range contracts {
			existing, err := scanContract(tx.QueryRowContext(ctx, selectContract, contract.Script))
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return err
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
			if contract.CreatedAt.IsZero() {
				contract.CreatedAt = time.Now()
			}

			if _, err := tx.ExecContext(
				ctx, upsertContract,
				contract.Script, contract.Type, contract.Contract, contract.WalletId,
				contract.Active, contract.CreatedAt.Unix(),
			); err != nil {
				return err
			}
			if found {
				updated = append(updated, contract)
			} else {
				added = append(added, contract)
			}
		}
		return nil
	}
	if err := execTx(ctx, r.db, txBody); err != nil {
		return -1, err
	}

	r.publish(types.ContractsAdded, added)
	r.publish(types.ContractsUpdated, updated)
	return len(added) + len(updated), nil
}

func (r *contractRepository) SetContractsActive(
	ctx context.Context, scripts []string, active bool,
) (int, error) {
	updated := make([]types.ContractEntity, 0, len(scripts))

	txBody := func(tx *sql.Tx) error {
		for _, script := range scripts {
			contract, err := scanContract(tx.QueryRowContext(ctx, selectContract, script))
			if err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					continue
				}
				return err
			}
			if contract.Active == active {
				continue
			}
			if _, err := tx.ExecContext(ctx, updateActive, active, script); err != nil {
				return err
			}
			contract.Active = active
			updated = append(updated, *contract)
		}
		return nil
	}
	if err := execTx(ctx, r.db, txBody); err != nil {
		return -1, err
	}

	r.publish(types.ContractsUpdated, updated)
	return len(updated), nil
}

func (r *contractRepository) GetContracts(
	ctx context.Context, scripts []string,
) ([]types.ContractEntity, error) {
	if len(scripts) <= 0 {
		return nil, nil
	}

	args := make([]any, 0, len(scripts))
	for _, script := range scripts {
		args = append(args, script)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(scripts)), ",")
	query := fmt.Sprintf("%s WHERE script IN (%s)", selectAllContracts, placeholders)

	return r.queryContracts(ctx, query, args...)
}

func (r *contractRepository) GetContractsByWallet(
	ctx context.Context, walletId string, activeOnly bool,
) ([]types.ContractEntity, error) {
	query := selectAllContracts + " WHERE wallet_id = ?"
	if activeOnly {
		query += " AND active = TRUE"
	}
	return r.queryContracts(ctx, query+" ORDER BY created_at", walletId)
}

func (r *contractRepository) GetActiveContracts(
	ctx context.Context,
) ([]types.ContractEntity, error) {
	return r.queryContracts(ctx, selectAllContracts+" WHERE active = TRUE ORDER BY created_at")
}

func (r *contractRepository) SubscribeEvents() <-chan types.ContractEvent {
	return r.broadcaster.Subscribe(eventBufferSize)
}

func (r *contractRepository) UnsubscribeEvents(ch <-chan types.ContractEvent) {
	r.broadcaster.Unsubscribe(ch)
}

func (r *contractRepository) Clean(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM contract"); err != nil {
		return fmt.Errorf("failed to clean the contract table: %s", err)
	}
	return nil
}

func (r *contractRepository) Close() {
	r.broadcaster.Close()
}

func (r *contractRepository) publish(
	eventType types.ContractEventType, contracts []types.ContractEntity,
) {
	if len(contracts) <= 0 {
		return
	}
	r.broadcaster.Publish(types.ContractEvent{Type: eventType, Contracts: contracts})
}

func (r *contractRepository) queryContracts(
	ctx context.Context, query string, args ...any,
) ([]types.ContractEntity, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	// nolint
	defer rows.Close()

	contracts := make([]types.ContractEntity, 0)
	for rows.Next() {
		contract, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		contracts = append(contracts, *contract)
	}
	return contracts, rows.Err()
}

func scanContract(row scanner) (*types.ContractEntity, error) {
	var (
		contract  types.ContractEntity
		createdAt int64
	)
	if err := row.Scan(
		&contract.Script, &contract.Type, &contract.Contract, &contract.WalletId,
		&contract.Active, &createdAt,
	); err != nil {
		return nil, err
	}
	contract.CreatedAt = time.Unix(createdAt, 0)
	return &contract, nil
}
