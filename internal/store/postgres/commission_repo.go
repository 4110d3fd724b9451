package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/hellmoyy/futurepilot-ledger/internal/domain/model"
)

type CommissionRepo struct {
	db *DB
}

func NewCommissionRepo(db *DB) *CommissionRepo {
	return &CommissionRepo{db: db}
}

// InsertTx inserts one fan-out entry. The (source_transaction_id, level)
// constraint makes replays a no-op rather than a double payment.
func (r *CommissionRepo) InsertTx(ctx context.Context, tx *sql.Tx, e *model.CommissionEntry) (bool, error) {
	var id uuid.UUID
	err := tx.QueryRowContext(ctx, `
		INSERT INTO commission_entries (beneficiary_user_id, source_user_id, level, amount, rate_bps, source_transaction_id, status)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7)
		ON CONFLICT (source_transaction_id, level) DO NOTHING
		RETURNING id
	`, e.BeneficiaryUserID, e.SourceUserID, e.Level, e.Amount, e.RateBps,
		e.SourceTransactionID, model.CommissionStatusPending,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert commission entry: %w", err)
	}
	e.ID = id
	return true, nil
}

func (r *CommissionRepo) ListBySource(ctx context.Context, sourceTransactionID uuid.UUID) ([]model.CommissionEntry, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, beneficiary_user_id, source_user_id, level, amount::text,
		       rate_bps, source_transaction_id, status, created_at
		FROM commission_entries
		WHERE source_transaction_id = $1
		ORDER BY level
	`, sourceTransactionID)
	if err != nil {
		return nil, fmt.Errorf("list commission entries: %w", err)
	}
	defer rows.Close()

	var entries []model.CommissionEntry
	for rows.Next() {
		var e model.CommissionEntry
		if err := rows.Scan(
			&e.ID, &e.BeneficiaryUserID, &e.SourceUserID, &e.Level, &e.Amount,
			&e.RateBps, &e.SourceTransactionID, &e.Status, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan commission entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
