// Package notify delivers user-facing events (toast, email) to the platform
// notification service. Delivery is strictly fire-and-forget: a failure here
// is logged and counted, never propagated back into the ledger.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/hellmoyy/futurepilot-ledger/internal/domain/model"
	"github.com/hellmoyy/futurepilot-ledger/internal/metrics"
)

// Notifier is the outbound event surface of the pipeline.
type Notifier interface {
	DepositConfirmed(ctx context.Context, userID uuid.UUID, amount, chainTxID string)
	TierUpgraded(ctx context.Context, userID uuid.UUID, from, to model.Tier)
	WithdrawalRequested(ctx context.Context, userID uuid.UUID, amount, destination string)
}

// HTTPNotifier posts events to the notification service.
type HTTPNotifier struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

func NewHTTPNotifier(url string, logger *slog.Logger) *HTTPNotifier {
	return &HTTPNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger.With("component", "notifier"),
	}
}

func (n *HTTPNotifier) DepositConfirmed(ctx context.Context, userID uuid.UUID, amount, chainTxID string) {
	n.post(ctx, "deposit_confirmed", map[string]any{
		"user_id":     userID,
		"amount":      amount,
		"chain_tx_id": chainTxID,
	})
}

func (n *HTTPNotifier) TierUpgraded(ctx context.Context, userID uuid.UUID, from, to model.Tier) {
	n.post(ctx, "tier_upgraded", map[string]any{
		"user_id": userID,
		"from":    string(from),
		"to":      string(to),
	})
}

func (n *HTTPNotifier) WithdrawalRequested(ctx context.Context, userID uuid.UUID, amount, destination string) {
	n.post(ctx, "withdrawal_requested", map[string]any{
		"user_id":     userID,
		"amount":      amount,
		"destination": destination,
	})
}

// post swallows every error by design: the notification service is a
// downstream collaborator whose failures must never reach the ledger.
func (n *HTTPNotifier) post(ctx context.Context, event string, data map[string]any) {
	payload := map[string]any{
		"event": event,
		"data":  data,
		"time":  time.Now().UTC().Format(time.RFC3339),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		n.fail(event, err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		n.fail(event, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.fail(event, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		n.fail(event, fmt.Errorf("notification service returned status %d", resp.StatusCode))
	}
}

func (n *HTTPNotifier) fail(event string, err error) {
	metrics.NotificationsFailed.WithLabelValues(event).Inc()
	n.logger.Warn("notification delivery failed", "event", event, "error", err)
}

// NoopNotifier discards all events. Used when no notification service is
// configured, and in tests.
type NoopNotifier struct{}

func (NoopNotifier) DepositConfirmed(context.Context, uuid.UUID, string, string)      {}
func (NoopNotifier) TierUpgraded(context.Context, uuid.UUID, model.Tier, model.Tier)  {}
func (NoopNotifier) WithdrawalRequested(context.Context, uuid.UUID, string, string)   {}
