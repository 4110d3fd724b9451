package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/hellmoyy/futurepilot-ledger/internal/domain/model"
	"github.com/hellmoyy/futurepilot-ledger/internal/metrics"
	"github.com/hellmoyy/futurepilot-ledger/internal/notify"
	"github.com/hellmoyy/futurepilot-ledger/internal/store"
	"github.com/hellmoyy/futurepilot-ledger/internal/store/redisguard"
)

var (
	// ErrInsufficientBalance means the conditional debit found less than the
	// requested amount. The balance is never driven negative.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrDuplicateRequest means an identical withdrawal (same user, amount,
	// destination) is already in flight inside the dedup window.
	ErrDuplicateRequest = errors.New("duplicate withdrawal request")

	// ErrInvalidAmount covers non-integer, zero, and negative amounts.
	ErrInvalidAmount = errors.New("invalid withdrawal amount")
)

// WithdrawalService debits user balances. The debit itself is one
// conditional UPDATE, so concurrent withdrawals against the same balance
// serialize in storage and overdrafts are impossible regardless of how many
// service replicas run.
type WithdrawalService struct {
	db           store.TxBeginner
	transactions store.TransactionRepository
	balances     store.BalanceRepository
	guard        redisguard.Guard
	notifier     notify.Notifier
	logger       *slog.Logger
}

func NewWithdrawalService(
	db store.TxBeginner,
	transactions store.TransactionRepository,
	balances store.BalanceRepository,
	guard redisguard.Guard,
	notifier notify.Notifier,
	logger *slog.Logger,
) *WithdrawalService {
	return &WithdrawalService{
		db:           db,
		transactions: transactions,
		balances:     balances,
		guard:        guard,
		notifier:     notifier,
		logger:       logger.With("component", "withdrawals"),
	}
}

// Request debits amount from the user's available balance and records the
// withdrawal. Returns the ledger transaction id on success.
func (s *WithdrawalService) Request(ctx context.Context, userID uuid.UUID, amount, destination string) (uuid.UUID, error) {
	if _, err := parseAmount(amount); err != nil {
		metrics.Withdrawals.WithLabelValues("invalid_amount").Inc()
		return uuid.Nil, err
	}

	ok, err := s.guard.Acquire(ctx, userID, amount, destination)
	if err != nil {
		metrics.Withdrawals.WithLabelValues("error").Inc()
		return uuid.Nil, fmt.Errorf("acquire withdrawal guard: %w", err)
	}
	if !ok {
		metrics.Withdrawals.WithLabelValues("duplicate_request").Inc()
		s.logger.Warn("duplicate withdrawal request rejected",
			"user_id", userID,
			"amount", amount,
		)
		return uuid.Nil, ErrDuplicateRequest
	}

	id, err := s.debit(ctx, userID, amount, destination, model.TxTypeWithdrawal)
	if err != nil {
		// Free the key so the user can retry once the cause is fixed;
		// a release failure only means they wait out the window.
		if relErr := s.guard.Release(ctx, userID, amount, destination); relErr != nil {
			s.logger.Warn("withdrawal guard release failed", "user_id", userID, "error", relErr)
		}
		if errors.Is(err, ErrInsufficientBalance) {
			metrics.Withdrawals.WithLabelValues("insufficient_balance").Inc()
		} else {
			metrics.Withdrawals.WithLabelValues("error").Inc()
		}
		return uuid.Nil, err
	}

	metrics.Withdrawals.WithLabelValues("accepted").Inc()
	s.logger.Info("withdrawal accepted",
		"user_id", userID,
		"transaction_id", id,
		"amount", amount,
		"destination", destination,
	)
	s.notifier.WithdrawalRequested(context.WithoutCancel(ctx), userID, amount, destination)
	return id, nil
}

// AdminSweep moves amount out of a user's balance without the dedup guard,
// for operator-initiated consolidation. It shares the conditional-debit
// primitive with Request, so it cannot overdraw either.
func (s *WithdrawalService) AdminSweep(ctx context.Context, userID uuid.UUID, amount, destination string) (uuid.UUID, error) {
	if _, err := parseAmount(amount); err != nil {
		return uuid.Nil, err
	}
	id, err := s.debit(ctx, userID, amount, destination, model.TxTypeAdjustment)
	if err != nil {
		return uuid.Nil, err
	}
	s.logger.Info("admin sweep recorded",
		"user_id", userID,
		"transaction_id", id,
		"amount", amount,
		"destination", destination,
	)
	return id, nil
}

// debit runs the conditional balance decrement and the ledger write in one
// transaction.
func (s *WithdrawalService) debit(ctx context.Context, userID uuid.UUID, amount, destination string, txType model.TxType) (uuid.UUID, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return uuid.Nil, fmt.Errorf("begin withdrawal tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ok, err := s.balances.DebitTx(ctx, tx, userID, amount)
	if err != nil {
		return uuid.Nil, fmt.Errorf("debit balance: %w", err)
	}
	if !ok {
		return uuid.Nil, ErrInsufficientBalance
	}

	id, err := s.transactions.InsertTx(ctx, tx, &model.LedgerTransaction{
		UserID:        userID,
		Type:          txType,
		Amount:        amount,
		Status:        model.TxStatusConfirmed,
		WalletAddress: destination,
		CreatedAt:     time.Now(),
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("record withdrawal: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return uuid.Nil, fmt.Errorf("commit withdrawal: %w", err)
	}
	return id, nil
}

func parseAmount(amount string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(amount, 10)
	if !ok || v.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	return v, nil
}
