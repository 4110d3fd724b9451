package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/hellmoyy/futurepilot-ledger/internal/domain/model"
)

type BalanceRepo struct {
	db *DB
}

func NewBalanceRepo(db *DB) *BalanceRepo {
	return &BalanceRepo{db: db}
}

func (r *BalanceRepo) Get(ctx context.Context, userID uuid.UUID) (*model.UserBalance, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var b model.UserBalance
	err := r.db.QueryRowContext(ctx, `
		SELECT user_id, available_balance::text, cumulative_deposit::text,
		       membership_tier, tier_pinned, updated_at
		FROM user_balances
		WHERE user_id = $1
	`, userID).Scan(
		&b.UserID, &b.AvailableBalance, &b.CumulativeDeposit,
		&b.MembershipTier, &b.TierPinned, &b.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user balance: %w", err)
	}
	return &b, nil
}

// CreditDepositTx adds amount to available_balance and cumulative_deposit in
// one statement and returns the new cumulative total for tier derivation.
// The row must exist; a vanished user surfaces as ErrNotFound so the caller
// can mark the transaction failed instead of leaving it pending.
func (r *BalanceRepo) CreditDepositTx(ctx context.Context, tx *sql.Tx, userID uuid.UUID, amount string) (string, error) {
	var cumulative string
	err := tx.QueryRowContext(ctx, `
		UPDATE user_balances
		SET available_balance = available_balance + $2::numeric,
		    cumulative_deposit = cumulative_deposit + $2::numeric,
		    updated_at = now()
		WHERE user_id = $1
		RETURNING cumulative_deposit::text
	`, userID, amount).Scan(&cumulative)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("credit deposit: %w", err)
	}
	return cumulative, nil
}

// DebitTx is the atomic conditional decrement. The balance predicate is
// evaluated by the storage layer in the same statement as the mutation, so
// two concurrent withdrawals can never both pass a stale read.
func (r *BalanceRepo) DebitTx(ctx context.Context, tx *sql.Tx, userID uuid.UUID, amount string) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE user_balances
		SET available_balance = available_balance - $2::numeric,
		    updated_at = now()
		WHERE user_id = $1 AND available_balance >= $2::numeric
	`, userID, amount)
	if err != nil {
		return false, fmt.Errorf("debit balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("debit balance rows: %w", err)
	}
	return n == 1, nil
}

// SetTierTx applies a recomputed tier unless an operator pinned the current one.
func (r *BalanceRepo) SetTierTx(ctx context.Context, tx *sql.Tx, userID uuid.UUID, tier model.Tier) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE user_balances
		SET membership_tier = $2, updated_at = now()
		WHERE user_id = $1 AND membership_tier <> $2 AND NOT tier_pinned
	`, userID, tier)
	if err != nil {
		return false, fmt.Errorf("set membership tier: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set membership tier rows: %w", err)
	}
	return n == 1, nil
}
