// Package scanner polls a chain data source for transfer events and feeds
// them into deposit processing. The scanner is the recovery path for deposits
// the webhook boundary missed: it walks blocks behind a confirmation margin
// and re-observes every transfer, relying on the admission gate to drop the
// ones already settled.
package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hellmoyy/futurepilot-ledger/internal/alert"
	"github.com/hellmoyy/futurepilot-ledger/internal/circuitbreaker"
	"github.com/hellmoyy/futurepilot-ledger/internal/domain/model"
	"github.com/hellmoyy/futurepilot-ledger/internal/metrics"
	"github.com/hellmoyy/futurepilot-ledger/internal/retryqueue"
	"github.com/hellmoyy/futurepilot-ledger/internal/store"
)

// ChainSource reads transfer events from a block range. Implementations wrap
// an RPC node or an indexing provider.
type ChainSource interface {
	LatestBlock(ctx context.Context, networkID string) (int64, error)
	FetchTransfers(ctx context.Context, networkID string, fromBlock, toBlock int64) ([]model.TransferEvent, error)
}

// DepositProcessor runs one observed transfer through the deposit pipeline.
type DepositProcessor interface {
	Process(ctx context.Context, ev model.TransferEvent) error
}

// FailureQueue persists a failed event for the retry sweep.
type FailureQueue interface {
	Enqueue(ctx context.Context, sourceType model.RetrySourceType, chainTxID string, payload any, cause error) error
}

// Config configures one network's scanner.
type Config struct {
	NetworkID     string
	Interval      time.Duration
	Confirmations int64 // blocks behind head considered settled
	BatchBlocks   int64 // max blocks per pass
	StartBlock    int64 // first block when no cursor exists yet
}

// Scanner walks a single network's block range on an interval.
type Scanner struct {
	source    ChainSource
	processor DepositProcessor
	queue     FailureQueue
	cursors   store.CursorRepository
	breaker   *circuitbreaker.Breaker
	alerter   alert.Alerter
	cfg       Config
	logger    *slog.Logger
}

func New(
	source ChainSource,
	processor DepositProcessor,
	queue FailureQueue,
	cursors store.CursorRepository,
	alerter alert.Alerter,
	cfg Config,
	logger *slog.Logger,
) *Scanner {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.Confirmations < 0 {
		cfg.Confirmations = 0
	}
	if cfg.BatchBlocks <= 0 {
		cfg.BatchBlocks = 1000
	}

	s := &Scanner{
		source:    source,
		processor: processor,
		queue:     queue,
		cursors:   cursors,
		alerter:   alerter,
		cfg:       cfg,
		logger:    logger.With("component", "scanner", "network_id", cfg.NetworkID),
	}
	s.breaker = circuitbreaker.New(circuitbreaker.Config{
		OnStateChange: s.onBreakerStateChange,
	})
	return s
}

// Run scans on an interval until ctx is done.
func (s *Scanner) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("scanner started",
		"interval", s.cfg.Interval.String(),
		"confirmations", s.cfg.Confirmations,
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scanner stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := s.ScanOnce(ctx); err != nil {
				metrics.ScannerErrors.WithLabelValues(s.cfg.NetworkID).Inc()
				s.logger.Error("scan pass failed", "error", err)
			}
		}
	}
}

// ScanOnce processes one batch of blocks past the cursor. The cursor only
// advances after every event in the batch is either settled or parked in the
// retry queue, so a crash mid-batch re-scans the same range and the admission
// gate absorbs the repeats.
func (s *Scanner) ScanOnce(ctx context.Context) error {
	var latest int64
	err := s.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		latest, err = s.source.LatestBlock(ctx, s.cfg.NetworkID)
		return err
	})
	if err == circuitbreaker.ErrCircuitOpen {
		s.logger.Debug("scan skipped, source circuit open")
		return nil
	}
	if err != nil {
		return fmt.Errorf("latest block: %w", err)
	}

	cursor, err := s.cursors.Get(ctx, s.cfg.NetworkID)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}
	if cursor == 0 && s.cfg.StartBlock > 0 {
		cursor = s.cfg.StartBlock - 1
	}

	safeHead := latest - s.cfg.Confirmations
	if safeHead <= cursor {
		return nil
	}

	from := cursor + 1
	to := safeHead
	if to-from+1 > s.cfg.BatchBlocks {
		to = from + s.cfg.BatchBlocks - 1
	}

	var events []model.TransferEvent
	err = s.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		events, err = s.source.FetchTransfers(ctx, s.cfg.NetworkID, from, to)
		return err
	})
	if err == circuitbreaker.ErrCircuitOpen {
		s.logger.Debug("scan skipped, source circuit open")
		return nil
	}
	if err != nil {
		return fmt.Errorf("fetch transfers %d-%d: %w", from, to, err)
	}

	for _, ev := range events {
		metrics.ScannerEvents.WithLabelValues(s.cfg.NetworkID).Inc()
		if err := s.handleEvent(ctx, ev); err != nil {
			return err
		}
	}

	if err := s.cursors.Set(ctx, s.cfg.NetworkID, to); err != nil {
		return fmt.Errorf("advance cursor to %d: %w", to, err)
	}
	if len(events) > 0 {
		s.logger.Info("scan pass complete",
			"from_block", from,
			"to_block", to,
			"events", len(events),
		)
	}
	return nil
}

// handleEvent settles one transfer or parks it in the retry queue. Only a
// failure to park stops the batch: that is the one case where advancing the
// cursor would lose the event.
func (s *Scanner) handleEvent(ctx context.Context, ev model.TransferEvent) error {
	err := s.processor.Process(ctx, ev)
	if err == nil {
		return nil
	}

	decision := retryqueue.Classify(err)
	if !decision.IsTransient() {
		s.logger.Error("transfer dropped on terminal failure",
			"chain_tx_id", ev.ChainTxID,
			"reason", decision.Reason,
			"error", err,
		)
		return nil
	}

	if qErr := s.queue.Enqueue(ctx, model.RetrySourceDeposit, ev.ChainTxID, ev, err); qErr != nil {
		return fmt.Errorf("park transfer %s: %w", ev.ChainTxID, qErr)
	}
	return nil
}

func (s *Scanner) onBreakerStateChange(from, to circuitbreaker.State) {
	s.logger.Warn("source circuit state changed",
		"from", from.String(),
		"to", to.String(),
	)

	ctx := context.Background()
	switch {
	case to == circuitbreaker.StateOpen:
		_ = s.alerter.Send(ctx, alert.Alert{
			Type:    alert.AlertTypeSourceDown,
			Source:  "scanner",
			Title:   "Chain data source unavailable",
			Message: fmt.Sprintf("circuit opened for network %s, scanning paused", s.cfg.NetworkID),
			Fields:  map[string]string{"network_id": s.cfg.NetworkID},
		})
	case from != circuitbreaker.StateClosed && to == circuitbreaker.StateClosed:
		_ = s.alerter.Send(ctx, alert.Alert{
			Type:    alert.AlertTypeRecovery,
			Source:  "scanner",
			Title:   "Chain data source recovered",
			Message: fmt.Sprintf("circuit closed for network %s, scanning resumed", s.cfg.NetworkID),
			Fields:  map[string]string{"network_id": s.cfg.NetworkID},
		})
	}
}
