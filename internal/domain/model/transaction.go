package model

import (
	"time"

	"github.com/google/uuid"
)

type TxType string

const (
	TxTypeDeposit    TxType = "deposit"
	TxTypeWithdrawal TxType = "withdrawal"
	TxTypeCommission TxType = "commission"
	TxTypeAdjustment TxType = "adjustment"
)

func (t TxType) String() string {
	return string(t)
}

type TxStatus string

const (
	TxStatusPending   TxStatus = "pending"
	TxStatusConfirmed TxStatus = "confirmed"
	TxStatusFailed    TxStatus = "failed"
)

func (s TxStatus) String() string {
	return string(s)
}

// LedgerTransaction is the append-only record of a balance-affecting event.
// Deposit rows carry the chain transaction id; a partial unique index on it
// is the idempotency boundary for the whole pipeline.
type LedgerTransaction struct {
	ID            uuid.UUID `db:"id"`
	UserID        uuid.UUID `db:"user_id"`
	ChainTxID     string    `db:"chain_tx_id"`
	Type          TxType    `db:"type"`
	Amount        string    `db:"amount"` // NUMERIC(38,0) as string, base units
	Status        TxStatus  `db:"status"`
	WalletAddress string    `db:"wallet_address"`
	BlockNumber   int64     `db:"block_number"`
	NetworkID     string    `db:"network_id"`
	FailReason    *string   `db:"fail_reason"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}
