package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type RetryStatus string

const (
	RetryStatusPending    RetryStatus = "pending"
	RetryStatusRetrying   RetryStatus = "retrying"
	RetryStatusSuccess    RetryStatus = "success"
	RetryStatusDeadLetter RetryStatus = "dead_letter"
)

func (s RetryStatus) String() string {
	return string(s)
}

// RetrySourceType identifies which processing routine a record replays.
type RetrySourceType string

const (
	RetrySourceDeposit RetrySourceType = "deposit"
)

// RetryRecord is a persisted processing attempt that failed after the
// idempotency gate admitted it. The sweep claims records by an atomic
// pending -> retrying transition, so overlapping sweeps never double-process.
type RetryRecord struct {
	ID               uuid.UUID       `db:"id"`
	SourceType       RetrySourceType `db:"source_type"`
	ChainTxID        string          `db:"chain_tx_id"`
	Payload          json.RawMessage `db:"payload"`
	AttemptCount     int             `db:"attempt_count"`
	MaxAttempts      int             `db:"max_attempts"`
	NextRetryAt      time.Time       `db:"next_retry_at"`
	Status           RetryStatus     `db:"status"`
	ErrorHistory     []string        `db:"error_history"`
	DeadLetterReason *string         `db:"dead_letter_reason"`
	DeadLetteredAt   *time.Time      `db:"dead_lettered_at"`
	NotifiedOperator bool            `db:"notified_operator"`
	ClaimedAt        *time.Time      `db:"claimed_at"`
	CreatedAt        time.Time       `db:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at"`
}
