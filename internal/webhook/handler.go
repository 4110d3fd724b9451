// Package webhook is the push boundary of the deposit pipeline: providers
// POST transfer events here, and the handler normalizes, authenticates, and
// hands them to deposit processing. A delivery is acknowledged with 202 as
// soon as the event is either settled or parked in the retry queue; the
// provider's redelivery behavior is irrelevant because admission is
// idempotent.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"

	"github.com/hellmoyy/futurepilot-ledger/internal/domain/model"
	"github.com/hellmoyy/futurepilot-ledger/internal/metrics"
	"github.com/hellmoyy/futurepilot-ledger/internal/retryqueue"
)

const maxBodyBytes = 1 << 20

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Webhook-Signature"

// DepositProcessor runs one transfer through the deposit pipeline.
type DepositProcessor interface {
	Process(ctx context.Context, ev model.TransferEvent) error
}

// FailureQueue persists a failed event for the retry sweep.
type FailureQueue interface {
	Enqueue(ctx context.Context, sourceType model.RetrySourceType, chainTxID string, payload any, cause error) error
}

// Handler serves POST /webhook/v1/events.
type Handler struct {
	processor        DepositProcessor
	queue            FailureQueue
	secret           []byte
	defaultNetworkID string
	logger           *slog.Logger
}

// NewHandler creates the webhook handler. An empty secret disables signature
// verification (local development only).
func NewHandler(processor DepositProcessor, queue FailureQueue, secret, defaultNetworkID string, logger *slog.Logger) *Handler {
	return &Handler{
		processor:        processor,
		queue:            queue,
		secret:           []byte(secret),
		defaultNetworkID: defaultNetworkID,
		logger:           logger.With("component", "webhook"),
	}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhook/v1/events", h.handleEvent)
}

func (h *Handler) handleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		metrics.WebhookEvents.WithLabelValues("rejected").Inc()
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	if len(h.secret) > 0 && !h.verifySignature(body, r.Header.Get(SignatureHeader)) {
		metrics.WebhookEvents.WithLabelValues("rejected").Inc()
		h.logger.Warn("webhook signature mismatch", "remote_addr", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	ev, err := Normalize(body, h.defaultNetworkID)
	if err != nil {
		metrics.WebhookEvents.WithLabelValues("rejected").Inc()
		h.logger.Warn("webhook payload rejected", "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.processor.Process(r.Context(), ev); err != nil {
		if retryqueue.Classify(err).IsTransient() {
			if qErr := h.queue.Enqueue(r.Context(), model.RetrySourceDeposit, ev.ChainTxID, ev, err); qErr != nil {
				// Could neither settle nor park; make the provider redeliver.
				metrics.WebhookEvents.WithLabelValues("rejected").Inc()
				h.logger.Error("webhook event lost both paths",
					"chain_tx_id", ev.ChainTxID,
					"process_error", err,
					"queue_error", qErr,
				)
				http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
				return
			}
			metrics.WebhookEvents.WithLabelValues("queued").Inc()
			w.WriteHeader(http.StatusAccepted)
			return
		}
		metrics.WebhookEvents.WithLabelValues("rejected").Inc()
		h.logger.Error("webhook event failed terminally",
			"chain_tx_id", ev.ChainTxID,
			"error", err,
		)
		http.Error(w, "event rejected", http.StatusUnprocessableEntity)
		return
	}

	metrics.WebhookEvents.WithLabelValues("accepted").Inc()
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) verifySignature(body []byte, got string) bool {
	gotBytes, err := hex.DecodeString(got)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	return hmac.Equal(gotBytes, mac.Sum(nil))
}
