// Package retryqueue persists failed processing attempts and re-drives them
// with exponential backoff until they succeed or exhaust their budget and
// land in the dead-letter store. Records are claimed through atomic status
// transitions in storage, so any number of sweepers (goroutines or replicas)
// can run concurrently without double-processing.
package retryqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/hellmoyy/futurepilot-ledger/internal/alert"
	"github.com/hellmoyy/futurepilot-ledger/internal/domain/model"
	"github.com/hellmoyy/futurepilot-ledger/internal/metrics"
	"github.com/hellmoyy/futurepilot-ledger/internal/store"
)

const (
	// DefaultMaxAttempts is the attempt budget before dead-lettering.
	DefaultMaxAttempts = 5

	// backoffCap bounds the exponential schedule.
	backoffCap = 5 * time.Minute

	// staleClaimAge is how long a record may sit in retrying before it is
	// assumed orphaned by a dead worker and returned to pending.
	staleClaimAge = 10 * time.Minute
)

// Backoff returns the delay before the given attempt is retried
// (attempt 1 -> 2s, 2 -> 4s, 3 -> 8s, ... capped).
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	if attempt > 30 {
		return backoffCap
	}
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > backoffCap {
		return backoffCap
	}
	return d
}

// ProcessFunc re-runs the processing routine for a claimed record.
type ProcessFunc func(ctx context.Context, rec model.RetryRecord) error

// Config configures the queue.
type Config struct {
	SweepInterval    time.Duration
	BatchSize        int
	MaxAttempts      int
	SuccessRetention time.Duration // how long archived success records are kept
}

// Queue drives retry records through their lifecycle.
type Queue struct {
	repo    store.RetryRepository
	alerter alert.Alerter
	process ProcessFunc
	cfg     Config
	logger  *slog.Logger
	nowFunc func() time.Time
}

func New(repo store.RetryRepository, alerter alert.Alerter, process ProcessFunc, cfg Config, logger *slog.Logger) *Queue {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.SuccessRetention <= 0 {
		cfg.SuccessRetention = 24 * time.Hour
	}
	return &Queue{
		repo:    repo,
		alerter: alerter,
		process: process,
		cfg:     cfg,
		logger:  logger.With("component", "retry_queue"),
		nowFunc: time.Now,
	}
}

// Enqueue records a failed attempt for later retry. Payload is the normalized
// transfer event so a sweep can replay processing without the original
// trigger. An existing record for the same transfer is reused, not duplicated.
func (q *Queue) Enqueue(ctx context.Context, sourceType model.RetrySourceType, chainTxID string, payload any, cause error) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal retry payload: %w", err)
	}

	rec := &model.RetryRecord{
		SourceType:   sourceType,
		ChainTxID:    chainTxID,
		Payload:      raw,
		AttemptCount: 0,
		MaxAttempts:  q.cfg.MaxAttempts,
		NextRetryAt:  q.nowFunc(),
		ErrorHistory: []string{cause.Error()},
	}

	created, err := q.repo.Enqueue(ctx, rec)
	if err != nil {
		return fmt.Errorf("enqueue retry record: %w", err)
	}
	if created {
		metrics.RetryEnqueued.Inc()
		q.logger.Warn("processing failed, queued for retry",
			"source_type", sourceType,
			"chain_tx_id", chainTxID,
			"error", cause,
		)
	} else {
		q.logger.Debug("retry record already queued", "chain_tx_id", chainTxID)
	}
	return nil
}

// Run sweeps on an interval until ctx is done.
func (q *Queue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.cfg.SweepInterval)
	defer ticker.Stop()

	q.logger.Info("retry sweeper started", "interval", q.cfg.SweepInterval.String())

	for {
		select {
		case <-ctx.Done():
			q.logger.Info("retry sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := q.Sweep(ctx); err != nil {
				q.logger.Error("retry sweep failed", "error", err)
			}
		}
	}
}

// SweepResult summarizes one sweep pass.
type SweepResult struct {
	Claimed     int
	Succeeded   int
	Rescheduled int
	DeadLetters int
}

// Sweep claims all due records and processes each once. Safe to invoke
// concurrently: claiming is an atomic pending -> retrying transition.
func (q *Queue) Sweep(ctx context.Context) (SweepResult, error) {
	start := q.nowFunc()
	defer func() {
		metrics.SweepLatency.Observe(time.Since(start).Seconds())
	}()

	var res SweepResult

	// Recover records orphaned by a worker that died mid-attempt.
	if requeued, err := q.repo.RequeueStale(ctx, start.Add(-staleClaimAge)); err != nil {
		q.logger.Warn("requeue stale retry records failed", "error", err)
	} else if requeued > 0 {
		q.logger.Info("requeued stale retry records", "count", requeued)
	}

	recs, err := q.repo.ClaimDue(ctx, start, q.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("claim due retry records: %w", err)
	}
	res.Claimed = len(recs)

	for _, rec := range recs {
		switch q.handleClaimed(ctx, rec) {
		case model.RetryStatusSuccess:
			res.Succeeded++
		case model.RetryStatusPending:
			res.Rescheduled++
		case model.RetryStatusDeadLetter:
			res.DeadLetters++
		}
	}

	if _, err := q.repo.PurgeSucceeded(ctx, start.Add(-q.cfg.SuccessRetention)); err != nil {
		q.logger.Warn("purge succeeded retry records failed", "error", err)
	}

	return res, nil
}

// handleClaimed processes one claimed record and applies the resulting state
// transition. Returns the status the record ended in.
func (q *Queue) handleClaimed(ctx context.Context, rec model.RetryRecord) model.RetryStatus {
	err := q.process(ctx, rec)
	if err == nil {
		if markErr := q.repo.MarkSuccess(ctx, rec.ID); markErr != nil {
			q.logger.Error("mark retry success failed", "id", rec.ID, "error", markErr)
		}
		metrics.RetryAttempts.WithLabelValues("success").Inc()
		q.logger.Info("retry succeeded",
			"id", rec.ID,
			"chain_tx_id", rec.ChainTxID,
			"attempt", rec.AttemptCount+1,
		)
		return model.RetryStatusSuccess
	}

	attempt := rec.AttemptCount + 1

	if attempt >= rec.MaxAttempts {
		reason := fmt.Sprintf("exhausted %d attempts: %s", attempt, err.Error())
		notify, dlErr := q.repo.DeadLetter(ctx, rec.ID, attempt, err.Error(), reason)
		if dlErr != nil {
			q.logger.Error("dead-letter transition failed", "id", rec.ID, "error", dlErr)
			return model.RetryStatusRetrying
		}
		metrics.RetryAttempts.WithLabelValues("dead_letter").Inc()
		metrics.DeadLetters.Inc()
		q.logger.Error("retry record dead-lettered",
			"id", rec.ID,
			"chain_tx_id", rec.ChainTxID,
			"attempts", attempt,
			"error", err,
		)
		if notify {
			q.notifyOperator(ctx, rec, reason)
		}
		return model.RetryStatusDeadLetter
	}

	next := q.nowFunc().Add(Backoff(attempt))
	if rsErr := q.repo.Reschedule(ctx, rec.ID, attempt, err.Error(), next); rsErr != nil {
		q.logger.Error("reschedule failed", "id", rec.ID, "error", rsErr)
		return model.RetryStatusRetrying
	}
	metrics.RetryAttempts.WithLabelValues("rescheduled").Inc()
	q.logger.Warn("retry attempt failed, rescheduled",
		"id", rec.ID,
		"chain_tx_id", rec.ChainTxID,
		"attempt", attempt,
		"next_retry_at", next,
		"error", err,
	)
	return model.RetryStatusPending
}

func (q *Queue) notifyOperator(ctx context.Context, rec model.RetryRecord, reason string) {
	alertErr := q.alerter.Send(ctx, alert.Alert{
		Type:    alert.AlertTypeDeadLetter,
		Source:  "retry_queue",
		Title:   "Deposit processing exhausted retries",
		Message: reason,
		Fields: map[string]string{
			"retry_record_id": rec.ID.String(),
			"source_type":     string(rec.SourceType),
			"chain_tx_id":     rec.ChainTxID,
			"attempts":        strconv.Itoa(rec.AttemptCount + 1),
		},
	})
	if alertErr != nil {
		// The notified flag is already set; operators still have the
		// dead-letter row and logs.
		q.logger.Error("operator alert failed", "id", rec.ID, "error", alertErr)
	}
}

// Replay resets a dead-lettered record and immediately attempts one
// synchronous processing pass. If that pass fails, the record re-enters the
// normal backoff schedule.
func (q *Queue) Replay(ctx context.Context, id uuid.UUID) (*model.RetryRecord, error) {
	if _, err := q.repo.Replay(ctx, id); err != nil {
		return nil, err
	}

	claimed, err := q.repo.ClaimByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("claim replayed record: %w", err)
	}
	if claimed {
		rec, err := q.repo.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		q.handleClaimed(ctx, *rec)
	}

	return q.repo.Get(ctx, id)
}

// Stats reports queue counts for the admin API.
func (q *Queue) Stats(ctx context.Context) (store.RetryStats, error) {
	return q.repo.Stats(ctx)
}
