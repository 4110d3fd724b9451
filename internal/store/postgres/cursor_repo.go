package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

type CursorRepo struct {
	db *DB
}

func NewCursorRepo(db *DB) *CursorRepo {
	return &CursorRepo{db: db}
}

func (r *CursorRepo) Get(ctx context.Context, networkID string) (int64, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var block int64
	err := r.db.QueryRowContext(ctx, `
		SELECT block_number FROM scan_cursors WHERE network_id = $1
	`, networkID).Scan(&block)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get scan cursor: %w", err)
	}
	return block, nil
}

// Set advances the cursor. GREATEST keeps it monotonic even if a slow scan
// pass commits after a newer one.
func (r *CursorRepo) Set(ctx context.Context, networkID string, blockNumber int64) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO scan_cursors (network_id, block_number)
		VALUES ($1, $2)
		ON CONFLICT (network_id) DO UPDATE SET
			block_number = GREATEST(scan_cursors.block_number, $2),
			updated_at = now()
	`, networkID, blockNumber)
	if err != nil {
		return fmt.Errorf("set scan cursor: %w", err)
	}
	return nil
}
