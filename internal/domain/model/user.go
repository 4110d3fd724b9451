package model

import (
	"time"

	"github.com/google/uuid"
)

type User struct {
	ID             uuid.UUID  `db:"id"`
	Email          string     `db:"email"`
	DepositAddress string     `db:"deposit_address"`
	NetworkID      string     `db:"network_id"`
	ReferredBy     *uuid.UUID `db:"referred_by"`
	CreatedAt      time.Time  `db:"created_at"`
}

// Referrer is one hop of the referral chain, carrying the tier persisted at
// lookup time. Commission rates are read from this tier.
type Referrer struct {
	UserID uuid.UUID
	Level  int // 1-based distance from the depositing user
	Tier   Tier
}
