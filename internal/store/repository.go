package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/hellmoyy/futurepilot-ledger/internal/domain/model"
)

// TxBeginner abstracts the ability to begin a database transaction.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// TransactionRepository provides access to ledger transaction data.
type TransactionRepository interface {
	// InsertPending attempts to insert a pending deposit row under the
	// chain-tx-id uniqueness constraint. admitted=false means a row for this
	// chain transaction already exists (duplicate delivery).
	InsertPending(ctx context.Context, t *model.LedgerTransaction) (admitted bool, id uuid.UUID, err error)
	GetByChainTxID(ctx context.Context, chainTxID string) (*model.LedgerTransaction, error)
	GetByID(ctx context.Context, id uuid.UUID) (*model.LedgerTransaction, error)
	// ConfirmTx transitions a row pending -> confirmed inside tx. confirmed=false
	// means the row was no longer pending (a concurrent attempt won).
	ConfirmTx(ctx context.Context, tx *sql.Tx, id uuid.UUID, userID uuid.UUID) (confirmed bool, err error)
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
	InsertTx(ctx context.Context, tx *sql.Tx, t *model.LedgerTransaction) (uuid.UUID, error)
}

// BalanceRepository provides access to user balance data. Every mutation is a
// single conditional SQL statement; read-modify-write across two calls is not
// part of this interface on purpose.
type BalanceRepository interface {
	Get(ctx context.Context, userID uuid.UUID) (*model.UserBalance, error)
	// CreditDepositTx atomically adds amount to both available_balance and
	// cumulative_deposit, returning the new cumulative total.
	CreditDepositTx(ctx context.Context, tx *sql.Tx, userID uuid.UUID, amount string) (cumulative string, err error)
	// DebitTx decrements available_balance by amount only if the current
	// balance covers it. ok=false means insufficient balance.
	DebitTx(ctx context.Context, tx *sql.Tx, userID uuid.UUID, amount string) (ok bool, err error)
	// SetTierTx updates the membership tier unless the operator pinned it.
	// changed=false when the tier already matched, was pinned, or no row exists.
	SetTierTx(ctx context.Context, tx *sql.Tx, userID uuid.UUID, tier model.Tier) (changed bool, err error)
}

// UserRepository provides access to the user directory.
type UserRepository interface {
	FindByDepositAddress(ctx context.Context, address, networkID string) (*model.User, error)
	// ReferrerChainTx walks referred_by up to maxLevels hops inside tx,
	// returning each referrer with its currently persisted tier. Cycles in the
	// referral graph terminate the walk.
	ReferrerChainTx(ctx context.Context, tx *sql.Tx, userID uuid.UUID, maxLevels int) ([]model.Referrer, error)
}

// RetryStats summarizes the retry queue for operators.
type RetryStats struct {
	CountsByStatus   map[model.RetryStatus]int `json:"counts_by_status"`
	OldestPendingAge time.Duration             `json:"oldest_pending_age"`
	DeadLetterCount  int                       `json:"dead_letter_count"`
}

// RetryRepository owns retry records. Claim-type methods perform atomic
// status transitions so the sweep is safe to run concurrently with itself.
type RetryRepository interface {
	// Enqueue creates a record for the failed attempt, or leaves the existing
	// record for the same (sourceType, chainTxID) untouched. created=false on
	// the duplicate path.
	Enqueue(ctx context.Context, rec *model.RetryRecord) (created bool, err error)
	Get(ctx context.Context, id uuid.UUID) (*model.RetryRecord, error)
	// ClaimDue atomically moves up to limit due pending records to retrying
	// and returns them. Two concurrent sweeps never receive the same record.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]model.RetryRecord, error)
	// ClaimByID claims one specific pending record (manual replay path).
	ClaimByID(ctx context.Context, id uuid.UUID) (claimed bool, err error)
	MarkSuccess(ctx context.Context, id uuid.UUID) error
	// Reschedule returns a retrying record to pending with the next attempt
	// bookkeeping applied.
	Reschedule(ctx context.Context, id uuid.UUID, attemptCount int, errMsg string, nextRetryAt time.Time) error
	// DeadLetter moves a record to dead_letter. notify=true exactly once per
	// record, flipped in the same statement as the transition.
	DeadLetter(ctx context.Context, id uuid.UUID, attemptCount int, errMsg, reason string) (notify bool, err error)
	// Replay resets a dead-lettered record for another round of attempts.
	Replay(ctx context.Context, id uuid.UUID) (*model.RetryRecord, error)
	// RequeueStale returns records stuck in retrying (crashed worker) to
	// pending.
	RequeueStale(ctx context.Context, olderThan time.Time) (int64, error)
	// PurgeSucceeded removes archived success records older than the cutoff.
	PurgeSucceeded(ctx context.Context, before time.Time) (int64, error)
	Stats(ctx context.Context) (RetryStats, error)
}

// CommissionRepository provides access to commission entries.
type CommissionRepository interface {
	// InsertTx inserts an entry under the (source_transaction_id, level)
	// uniqueness constraint. inserted=false means fan-out already ran for
	// this pair.
	InsertTx(ctx context.Context, tx *sql.Tx, e *model.CommissionEntry) (inserted bool, err error)
	ListBySource(ctx context.Context, sourceTransactionID uuid.UUID) ([]model.CommissionEntry, error)
}

// CursorRepository persists the log scanner's per-network block cursor.
type CursorRepository interface {
	Get(ctx context.Context, networkID string) (int64, error)
	Set(ctx context.Context, networkID string, blockNumber int64) error
}
