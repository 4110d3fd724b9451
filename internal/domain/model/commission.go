package model

import (
	"time"

	"github.com/google/uuid"
)

type CommissionStatus string

const (
	CommissionStatusPending  CommissionStatus = "pending"
	CommissionStatusPaid     CommissionStatus = "paid"
	CommissionStatusRejected CommissionStatus = "rejected"
)

// CommissionEntry is one referrer's cut of a confirmed deposit. At most one
// entry exists per (source transaction, level); re-running fan-out is a no-op.
type CommissionEntry struct {
	ID                  uuid.UUID        `db:"id"`
	BeneficiaryUserID   uuid.UUID        `db:"beneficiary_user_id"`
	SourceUserID        uuid.UUID        `db:"source_user_id"`
	Level               int              `db:"level"`
	Amount              string           `db:"amount"` // NUMERIC(38,0) as string
	RateBps             int64            `db:"rate_bps"`
	SourceTransactionID uuid.UUID        `db:"source_transaction_id"`
	Status              CommissionStatus `db:"status"`
	CreatedAt           time.Time        `db:"created_at"`
}
