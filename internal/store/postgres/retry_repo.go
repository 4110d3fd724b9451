package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hellmoyy/futurepilot-ledger/internal/domain/model"
	"github.com/hellmoyy/futurepilot-ledger/internal/store"
)

type RetryRepo struct {
	db *DB
}

func NewRetryRepo(db *DB) *RetryRepo {
	return &RetryRepo{db: db}
}

const retryColumns = `
	id, source_type, chain_tx_id, payload, attempt_count, max_attempts,
	next_retry_at, status, error_history, dead_letter_reason, dead_lettered_at,
	notified_operator, claimed_at, created_at, updated_at`

// Enqueue creates the record for a failed attempt. The uniqueness constraint
// on (source_type, chain_tx_id) keeps the queue free of duplicate entries for
// the same transfer regardless of how many triggers fail concurrently.
func (r *RetryRepo) Enqueue(ctx context.Context, rec *model.RetryRecord) (bool, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	history, err := json.Marshal(rec.ErrorHistory)
	if err != nil {
		return false, fmt.Errorf("marshal error history: %w", err)
	}

	var id uuid.UUID
	err = r.db.QueryRowContext(ctx, `
		INSERT INTO retry_records (source_type, chain_tx_id, payload, attempt_count, max_attempts, next_retry_at, status, error_history)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (source_type, chain_tx_id) DO NOTHING
		RETURNING id
	`, rec.SourceType, rec.ChainTxID, rec.Payload, rec.AttemptCount,
		rec.MaxAttempts, rec.NextRetryAt, model.RetryStatusPending, history,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("enqueue retry record: %w", err)
	}
	rec.ID = id
	return true, nil
}

func (r *RetryRepo) Get(ctx context.Context, id uuid.UUID) (*model.RetryRecord, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `SELECT`+retryColumns+` FROM retry_records WHERE id = $1`, id)
	rec, err := scanRetryRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get retry record: %w", err)
	}
	return rec, nil
}

// ClaimDue atomically transitions due pending records to retrying and returns
// them. SKIP LOCKED lets overlapping sweeps (or replicas) partition the due
// set instead of blocking or double-claiming.
func (r *RetryRepo) ClaimDue(ctx context.Context, now time.Time, limit int) ([]model.RetryRecord, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		UPDATE retry_records
		SET status = $3, claimed_at = now(), updated_at = now()
		WHERE id IN (
			SELECT id FROM retry_records
			WHERE status = $4 AND next_retry_at <= $1
			ORDER BY next_retry_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING`+retryColumns,
		now, limit, model.RetryStatusRetrying, model.RetryStatusPending)
	if err != nil {
		return nil, fmt.Errorf("claim due retry records: %w", err)
	}
	defer rows.Close()

	var recs []model.RetryRecord
	for rows.Next() {
		rec, err := scanRetryRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed retry record: %w", err)
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

func (r *RetryRepo) ClaimByID(ctx context.Context, id uuid.UUID) (bool, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE retry_records
		SET status = $2, claimed_at = now(), updated_at = now()
		WHERE id = $1 AND status = $3
	`, id, model.RetryStatusRetrying, model.RetryStatusPending)
	if err != nil {
		return false, fmt.Errorf("claim retry record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim retry record rows: %w", err)
	}
	return n == 1, nil
}

func (r *RetryRepo) MarkSuccess(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		UPDATE retry_records
		SET status = $2, updated_at = now()
		WHERE id = $1
	`, id, model.RetryStatusSuccess)
	if err != nil {
		return fmt.Errorf("mark retry success: %w", err)
	}
	return nil
}

func (r *RetryRepo) Reschedule(ctx context.Context, id uuid.UUID, attemptCount int, errMsg string, nextRetryAt time.Time) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		UPDATE retry_records
		SET status = $4, attempt_count = $2, next_retry_at = $3,
		    error_history = error_history || to_jsonb($5::text),
		    updated_at = now()
		WHERE id = $1
	`, id, attemptCount, nextRetryAt, model.RetryStatusPending, errMsg)
	if err != nil {
		return fmt.Errorf("reschedule retry record: %w", err)
	}
	return nil
}

// DeadLetter moves a record to its terminal failure state. The notified flag
// flips in the same statement, so even if several sweeps race here the alert
// fires for exactly one caller.
func (r *RetryRepo) DeadLetter(ctx context.Context, id uuid.UUID, attemptCount int, errMsg, reason string) (bool, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE retry_records
		SET status = $4, attempt_count = $2, dead_letter_reason = $3,
		    dead_lettered_at = now(), notified_operator = true,
		    error_history = error_history || to_jsonb($5::text),
		    updated_at = now()
		WHERE id = $1 AND NOT notified_operator
	`, id, attemptCount, reason, model.RetryStatusDeadLetter, errMsg)
	if err != nil {
		return false, fmt.Errorf("dead-letter retry record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dead-letter retry record rows: %w", err)
	}
	return n == 1, nil
}

// Replay resets a dead-lettered record so the sweep picks it up again.
func (r *RetryRepo) Replay(ctx context.Context, id uuid.UUID) (*model.RetryRecord, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `
		UPDATE retry_records
		SET status = $2, attempt_count = 0, next_retry_at = now(),
		    dead_letter_reason = NULL, dead_lettered_at = NULL,
		    notified_operator = false, claimed_at = NULL, updated_at = now()
		WHERE id = $1 AND status = $3
		RETURNING`+retryColumns,
		id, model.RetryStatusPending, model.RetryStatusDeadLetter)
	rec, err := scanRetryRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("replay retry record: %w", err)
	}
	return rec, nil
}

// RequeueStale returns records stuck in retrying (a worker died mid-attempt)
// to pending so the next sweep claims them again.
func (r *RetryRepo) RequeueStale(ctx context.Context, olderThan time.Time) (int64, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE retry_records
		SET status = $2, claimed_at = NULL, updated_at = now()
		WHERE status = $3 AND claimed_at < $1
	`, olderThan, model.RetryStatusPending, model.RetryStatusRetrying)
	if err != nil {
		return 0, fmt.Errorf("requeue stale retry records: %w", err)
	}
	return res.RowsAffected()
}

func (r *RetryRepo) PurgeSucceeded(ctx context.Context, before time.Time) (int64, error) {
	ctx, cancel := withTimeout(ctx, LongQueryTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		DELETE FROM retry_records
		WHERE status = $2 AND updated_at < $1
	`, before, model.RetryStatusSuccess)
	if err != nil {
		return 0, fmt.Errorf("purge succeeded retry records: %w", err)
	}
	return res.RowsAffected()
}

func (r *RetryRepo) Stats(ctx context.Context) (store.RetryStats, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	stats := store.RetryStats{CountsByStatus: make(map[model.RetryStatus]int)}

	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM retry_records GROUP BY status
	`)
	if err != nil {
		return stats, fmt.Errorf("retry stats counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status model.RetryStatus
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return stats, fmt.Errorf("scan retry stats: %w", err)
		}
		stats.CountsByStatus[status] = count
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}
	stats.DeadLetterCount = stats.CountsByStatus[model.RetryStatusDeadLetter]

	// Age is measured from when the record entered the queue; next_retry_at
	// moves forward with backoff and would understate it.
	var oldest sql.NullTime
	if err := r.db.QueryRowContext(ctx, `
		SELECT MIN(created_at) FROM retry_records WHERE status = $1
	`, model.RetryStatusPending).Scan(&oldest); err != nil {
		return stats, fmt.Errorf("retry stats oldest pending: %w", err)
	}
	if oldest.Valid {
		age := time.Since(oldest.Time)
		if age > 0 {
			stats.OldestPendingAge = age
		}
	}
	return stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRetryRecord(row rowScanner) (*model.RetryRecord, error) {
	var (
		rec     model.RetryRecord
		history []byte
	)
	err := row.Scan(
		&rec.ID, &rec.SourceType, &rec.ChainTxID, &rec.Payload,
		&rec.AttemptCount, &rec.MaxAttempts, &rec.NextRetryAt, &rec.Status,
		&history, &rec.DeadLetterReason, &rec.DeadLetteredAt,
		&rec.NotifiedOperator, &rec.ClaimedAt, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &rec.ErrorHistory); err != nil {
			return nil, fmt.Errorf("unmarshal error history: %w", err)
		}
	}
	return &rec, nil
}
