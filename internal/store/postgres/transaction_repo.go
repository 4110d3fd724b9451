package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/hellmoyy/futurepilot-ledger/internal/domain/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

type TransactionRepo struct {
	db *DB
}

func NewTransactionRepo(db *DB) *TransactionRepo {
	return &TransactionRepo{db: db}
}

// InsertPending is the idempotency gate. The insert races against concurrent
// deliveries of the same transfer; the partial unique index on chain_tx_id
// decides the winner, not an application-level existence check.
func (r *TransactionRepo) InsertPending(ctx context.Context, t *model.LedgerTransaction) (bool, uuid.UUID, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var id uuid.UUID
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO ledger_transactions (user_id, chain_tx_id, type, amount, status, wallet_address, block_number, network_id)
		VALUES (NULLIF($1, '00000000-0000-0000-0000-000000000000'::uuid), $2, $3, $4::numeric, $5, $6, $7, $8)
		ON CONFLICT (chain_tx_id) WHERE type = 'deposit' DO NOTHING
		RETURNING id
	`, t.UserID, t.ChainTxID, t.Type, t.Amount, model.TxStatusPending,
		t.WalletAddress, t.BlockNumber, t.NetworkID,
	).Scan(&id)
	if err == sql.ErrNoRows {
		// Conflict: a row for this chain transaction already exists.
		return false, uuid.Nil, nil
	}
	if err != nil {
		return false, uuid.Nil, fmt.Errorf("insert pending deposit: %w", err)
	}
	return true, id, nil
}

func (r *TransactionRepo) GetByChainTxID(ctx context.Context, chainTxID string) (*model.LedgerTransaction, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	return r.scanOne(r.db.QueryRowContext(ctx, `
		SELECT id, COALESCE(user_id, '00000000-0000-0000-0000-000000000000'::uuid),
		       COALESCE(chain_tx_id, ''), type, amount::text, status,
		       COALESCE(wallet_address, ''), COALESCE(block_number, 0),
		       COALESCE(network_id, ''), fail_reason, created_at, updated_at
		FROM ledger_transactions
		WHERE chain_tx_id = $1 AND type = 'deposit'
	`, chainTxID))
}

func (r *TransactionRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.LedgerTransaction, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	return r.scanOne(r.db.QueryRowContext(ctx, `
		SELECT id, COALESCE(user_id, '00000000-0000-0000-0000-000000000000'::uuid),
		       COALESCE(chain_tx_id, ''), type, amount::text, status,
		       COALESCE(wallet_address, ''), COALESCE(block_number, 0),
		       COALESCE(network_id, ''), fail_reason, created_at, updated_at
		FROM ledger_transactions
		WHERE id = $1
	`, id))
}

func (r *TransactionRepo) scanOne(row *sql.Row) (*model.LedgerTransaction, error) {
	var t model.LedgerTransaction
	err := row.Scan(
		&t.ID, &t.UserID, &t.ChainTxID, &t.Type, &t.Amount, &t.Status,
		&t.WalletAddress, &t.BlockNumber, &t.NetworkID, &t.FailReason,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan ledger transaction: %w", err)
	}
	return &t, nil
}

// ConfirmTx transitions pending -> confirmed and attaches the resolved user.
// The status predicate makes it safe under concurrent re-processing: exactly
// one attempt observes confirmed=true.
func (r *TransactionRepo) ConfirmTx(ctx context.Context, tx *sql.Tx, id uuid.UUID, userID uuid.UUID) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE ledger_transactions
		SET status = $3, user_id = $2, updated_at = now()
		WHERE id = $1 AND status = $4
	`, id, userID, model.TxStatusConfirmed, model.TxStatusPending)
	if err != nil {
		return false, fmt.Errorf("confirm transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("confirm transaction rows: %w", err)
	}
	return n == 1, nil
}

// MarkFailed transitions pending -> failed. Confirmed rows are never reversed.
func (r *TransactionRepo) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		UPDATE ledger_transactions
		SET status = $2, fail_reason = $3, updated_at = now()
		WHERE id = $1 AND status = $4
	`, id, model.TxStatusFailed, reason, model.TxStatusPending)
	if err != nil {
		return fmt.Errorf("mark transaction failed: %w", err)
	}
	return nil
}

// InsertTx inserts a non-deposit ledger row (withdrawal, adjustment) inside tx.
func (r *TransactionRepo) InsertTx(ctx context.Context, tx *sql.Tx, t *model.LedgerTransaction) (uuid.UUID, error) {
	var id uuid.UUID
	err := tx.QueryRowContext(ctx, `
		INSERT INTO ledger_transactions (user_id, chain_tx_id, type, amount, status, wallet_address, block_number, network_id)
		VALUES ($1, NULLIF($2, ''), $3, $4::numeric, $5, $6, $7, NULLIF($8, ''))
		RETURNING id
	`, t.UserID, t.ChainTxID, t.Type, t.Amount, t.Status,
		t.WalletAddress, t.BlockNumber, t.NetworkID,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert ledger transaction: %w", err)
	}
	return id, nil
}
