package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/hellmoyy/futurepilot-ledger/internal/domain/model"
)

type UserRepo struct {
	db *DB
}

func NewUserRepo(db *DB) *UserRepo {
	return &UserRepo{db: db}
}

func (r *UserRepo) FindByDepositAddress(ctx context.Context, address, networkID string) (*model.User, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var u model.User
	err := r.db.QueryRowContext(ctx, `
		SELECT id, email, deposit_address, network_id, referred_by, created_at
		FROM users
		WHERE deposit_address = $1 AND network_id = $2
	`, address, networkID).Scan(
		&u.ID, &u.Email, &u.DepositAddress, &u.NetworkID, &u.ReferredBy, &u.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find user by deposit address: %w", err)
	}
	return &u, nil
}

// ReferrerChainTx walks referred_by hop by hop inside tx, joining each hop's
// persisted tier. A visited set cuts referral cycles (corrupt data) short
// instead of looping.
func (r *UserRepo) ReferrerChainTx(ctx context.Context, tx *sql.Tx, userID uuid.UUID, maxLevels int) ([]model.Referrer, error) {
	chain := make([]model.Referrer, 0, maxLevels)
	visited := map[uuid.UUID]bool{userID: true}

	current := userID
	for level := 1; level <= maxLevels; level++ {
		var (
			referrerID uuid.UUID
			tier       model.Tier
		)
		err := tx.QueryRowContext(ctx, `
			SELECT u.referred_by, COALESCE(b.membership_tier, 'bronze')
			FROM users u
			LEFT JOIN user_balances b ON b.user_id = u.referred_by
			WHERE u.id = $1 AND u.referred_by IS NOT NULL
		`, current).Scan(&referrerID, &tier)
		if err == sql.ErrNoRows {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("referrer chain level %d: %w", level, err)
		}

		if visited[referrerID] {
			break
		}
		visited[referrerID] = true

		chain = append(chain, model.Referrer{
			UserID: referrerID,
			Level:  level,
			Tier:   tier,
		})
		current = referrerID
	}

	return chain, nil
}
