// Package ledger owns the balance-affecting write paths: deposit
// confirmation and withdrawal requests. Every mutation runs inside a single
// database transaction, and every cross-process race is resolved by a
// conditional statement in storage rather than by locks in Go.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hellmoyy/futurepilot-ledger/internal/domain/model"
	"github.com/hellmoyy/futurepilot-ledger/internal/metrics"
	"github.com/hellmoyy/futurepilot-ledger/internal/notify"
	"github.com/hellmoyy/futurepilot-ledger/internal/store"
	"github.com/hellmoyy/futurepilot-ledger/internal/store/postgres"
	"github.com/hellmoyy/futurepilot-ledger/internal/tracing"
)

// CommissionDistributor fans a confirmed deposit out to the depositor's
// referral chain inside the deposit's transaction.
type CommissionDistributor interface {
	DistributeTx(ctx context.Context, tx *sql.Tx, depositorID uuid.UUID, sourceTransactionID uuid.UUID, amount string) (int, error)
}

// WriterConfig configures the deposit writer.
type WriterConfig struct {
	// MinDepositAmount in base units; confirmed deposits below it are
	// credited but flagged for review. Empty disables the check.
	MinDepositAmount string

	// ProcessTimeout bounds one processing attempt.
	ProcessTimeout time.Duration
}

// Writer confirms observed transfer events into the ledger. Process is
// idempotent per chain transaction id and safe to call concurrently from the
// webhook handler, the log scanner, and the retry sweep at once.
type Writer struct {
	db           store.TxBeginner
	transactions store.TransactionRepository
	balances     store.BalanceRepository
	users        store.UserRepository
	distributor  CommissionDistributor
	notifier     notify.Notifier
	cfg          WriterConfig
	minDeposit   *big.Int
	logger       *slog.Logger
	tracer       trace.Tracer
}

func NewWriter(
	db store.TxBeginner,
	transactions store.TransactionRepository,
	balances store.BalanceRepository,
	users store.UserRepository,
	distributor CommissionDistributor,
	notifier notify.Notifier,
	cfg WriterConfig,
	logger *slog.Logger,
) *Writer {
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = 30 * time.Second
	}
	var minDeposit *big.Int
	if cfg.MinDepositAmount != "" {
		minDeposit, _ = new(big.Int).SetString(cfg.MinDepositAmount, 10)
	}
	return &Writer{
		db:           db,
		transactions: transactions,
		balances:     balances,
		users:        users,
		distributor:  distributor,
		notifier:     notifier,
		cfg:          cfg,
		minDeposit:   minDeposit,
		logger:       logger.With("component", "ledger_writer"),
		tracer:       tracing.Tracer("ledger"),
	}
}

// Process runs one deposit through admission, confirmation, balance credit,
// tier recompute, and commission fan-out. A non-nil error means the attempt
// failed for a reason worth retrying; conclusively bad events (unknown
// address, malformed amount) are marked failed in the ledger and return nil.
func (w *Writer) Process(ctx context.Context, ev model.TransferEvent) error {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.ProcessTimeout)
	defer cancel()

	ctx, span := w.tracer.Start(ctx, "deposit.process", trace.WithAttributes(
		attribute.String("chain_tx_id", ev.ChainTxID),
		attribute.String("network_id", ev.NetworkID),
	))
	defer span.End()

	start := time.Now()
	outcome, err := w.process(ctx, ev)
	metrics.DepositProcessingLatency.WithLabelValues(ev.NetworkID).Observe(time.Since(start).Seconds())
	metrics.DepositsProcessed.WithLabelValues(ev.NetworkID, outcome).Inc()
	span.SetAttributes(attribute.String("outcome", outcome))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (w *Writer) process(ctx context.Context, ev model.TransferEvent) (string, error) {
	// Admission: a partial unique index on chain_tx_id makes this the single
	// point where duplicate deliveries are cut off.
	admitted, id, err := w.transactions.InsertPending(ctx, &model.LedgerTransaction{
		ChainTxID:     ev.ChainTxID,
		Type:          model.TxTypeDeposit,
		Amount:        ev.Amount,
		Status:        model.TxStatusPending,
		WalletAddress: ev.ToAddress,
		BlockNumber:   ev.BlockNumber,
		NetworkID:     ev.NetworkID,
	})
	if err != nil {
		return "error", fmt.Errorf("admit deposit %s: %w", ev.ChainTxID, err)
	}
	if !admitted {
		existing, err := w.transactions.GetByChainTxID(ctx, ev.ChainTxID)
		if err != nil {
			return "error", fmt.Errorf("load existing deposit %s: %w", ev.ChainTxID, err)
		}
		if existing.Status != model.TxStatusPending {
			// Already settled by an earlier attempt. Duplicate delivery, no-op.
			w.logger.Debug("duplicate deposit delivery ignored",
				"chain_tx_id", ev.ChainTxID,
				"status", existing.Status,
			)
			return "duplicate", nil
		}
		// A prior attempt admitted the row but died before settling it.
		// Resume against the existing id; if a concurrent attempt is racing
		// us, the conditional confirm below decides the winner.
		id = existing.ID
	}

	user, err := w.users.FindByDepositAddress(ctx, ev.ToAddress, ev.NetworkID)
	if errors.Is(err, postgres.ErrNotFound) {
		return w.reject(ctx, id, ev, "unknown deposit address")
	}
	if err != nil {
		return "error", fmt.Errorf("resolve deposit address: %w", err)
	}

	amount, ok := new(big.Int).SetString(ev.Amount, 10)
	if !ok || amount.Sign() <= 0 {
		return w.reject(ctx, id, ev, "invalid amount")
	}

	// Prior tier is only needed so the upgrade notification can say what
	// changed; the authoritative transition happens in SetTierTx.
	priorTier := model.TierBronze
	if bal, err := w.balances.Get(ctx, user.ID); err == nil {
		priorTier = bal.MembershipTier
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return "error", fmt.Errorf("begin deposit tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	confirmed, err := w.transactions.ConfirmTx(ctx, tx, id, user.ID)
	if err != nil {
		return "error", fmt.Errorf("confirm deposit %s: %w", ev.ChainTxID, err)
	}
	if !confirmed {
		// A concurrent attempt settled this row between our admission check
		// and here. Their transaction carries the credit; ours is a no-op.
		return "duplicate", nil
	}

	cumulative, err := w.balances.CreditDepositTx(ctx, tx, user.ID, ev.Amount)
	if errors.Is(err, postgres.ErrNotFound) {
		// MarkFailed runs on the pool connection and would block on the row
		// lock ConfirmTx took above, so release the transaction first.
		if err := tx.Rollback(); err != nil {
			return "error", fmt.Errorf("roll back deposit %s: %w", ev.ChainTxID, err)
		}
		return w.reject(ctx, id, ev, "no balance account")
	}
	if err != nil {
		return "error", fmt.Errorf("credit deposit %s: %w", ev.ChainTxID, err)
	}

	newTier := model.TierBronze
	if total, ok := new(big.Int).SetString(cumulative, 10); ok {
		newTier = model.TierForCumulativeDeposit(total)
	}
	tierChanged, err := w.balances.SetTierTx(ctx, tx, user.ID, newTier)
	if err != nil {
		return "error", fmt.Errorf("update tier: %w", err)
	}

	if _, err := w.distributor.DistributeTx(ctx, tx, user.ID, id, ev.Amount); err != nil {
		return "error", fmt.Errorf("commission fan-out for %s: %w", ev.ChainTxID, err)
	}

	if err := tx.Commit(); err != nil {
		return "error", fmt.Errorf("commit deposit %s: %w", ev.ChainTxID, err)
	}

	w.logger.Info("deposit confirmed",
		"chain_tx_id", ev.ChainTxID,
		"user_id", user.ID,
		"amount", ev.Amount,
		"network_id", ev.NetworkID,
		"cumulative_deposit", cumulative,
		"tier", newTier,
	)

	if w.minDeposit != nil && amount.Cmp(w.minDeposit) < 0 {
		metrics.BelowMinimumDeposits.WithLabelValues(ev.NetworkID).Inc()
		w.logger.Warn("deposit below configured minimum",
			"chain_tx_id", ev.ChainTxID,
			"amount", ev.Amount,
			"minimum", w.cfg.MinDepositAmount,
		)
	}

	if tierChanged {
		metrics.TierUpgrades.WithLabelValues(newTier.String()).Inc()
	}

	// Notifications must not outlive-cancel or fail the already-committed
	// deposit.
	nctx := context.WithoutCancel(ctx)
	w.notifier.DepositConfirmed(nctx, user.ID, ev.Amount, ev.ChainTxID)
	if tierChanged {
		w.notifier.TierUpgraded(nctx, user.ID, priorTier, newTier)
	}

	return "confirmed", nil
}

// reject marks an admitted deposit as conclusively failed. The ledger keeps
// the row for audit; there is nothing to retry.
func (w *Writer) reject(ctx context.Context, id uuid.UUID, ev model.TransferEvent, reason string) (string, error) {
	if err := w.transactions.MarkFailed(ctx, id, reason); err != nil {
		return "error", fmt.Errorf("mark deposit %s failed: %w", ev.ChainTxID, err)
	}
	w.logger.Warn("deposit rejected",
		"chain_tx_id", ev.ChainTxID,
		"reason", reason,
		"to_address", ev.ToAddress,
		"network_id", ev.NetworkID,
	)
	return "failed", nil
}
