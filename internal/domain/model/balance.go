package model

import (
	"time"

	"github.com/google/uuid"
)

// UserBalance is the authoritative per-user balance. All mutation paths go
// through single-statement conditional updates in the store; the struct is a
// read model, never a unit of mutation.
type UserBalance struct {
	UserID            uuid.UUID `db:"user_id"`
	AvailableBalance  string    `db:"available_balance"`  // NUMERIC(38,0) as string
	CumulativeDeposit string    `db:"cumulative_deposit"` // monotonically non-decreasing
	MembershipTier    Tier      `db:"membership_tier"`
	TierPinned        bool      `db:"tier_pinned"`
	UpdatedAt         time.Time `db:"updated_at"`
}
