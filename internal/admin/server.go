// Package admin exposes the operator HTTP API: deposit status checks, a
// synchronous scan trigger, retry-queue inspection and replay, and balance
// sweeps. Every mutating route sits behind rate-limit and audit middleware.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/hellmoyy/futurepilot-ledger/internal/domain/model"
	"github.com/hellmoyy/futurepilot-ledger/internal/ledger"
	"github.com/hellmoyy/futurepilot-ledger/internal/store"
	"github.com/hellmoyy/futurepilot-ledger/internal/store/postgres"
)

const maxRequestBodyBytes = 1 << 20 // 1 MB

// ScanTrigger runs one synchronous scan pass against the chain source.
type ScanTrigger interface {
	ScanOnce(ctx context.Context) error
}

// RetryAdmin is the slice of the retry queue the admin API needs.
type RetryAdmin interface {
	Replay(ctx context.Context, id uuid.UUID) (*model.RetryRecord, error)
	Stats(ctx context.Context) (store.RetryStats, error)
}

// Sweeper debits a user balance to a platform address.
type Sweeper interface {
	AdminSweep(ctx context.Context, userID uuid.UUID, amount, destination string) (uuid.UUID, error)
}

// Server provides an HTTP-based admin API for operational management.
type Server struct {
	transactions store.TransactionRepository
	commissions  store.CommissionRepository
	retry        RetryAdmin
	scanner      ScanTrigger
	sweeper      Sweeper
	logger       *slog.Logger
}

// NewServer creates a new admin API server. scanner and sweeper may be nil
// when those subsystems are not wired (single-purpose deployments).
func NewServer(
	transactions store.TransactionRepository,
	commissions store.CommissionRepository,
	retry RetryAdmin,
	logger *slog.Logger,
	opts ...ServerOption,
) *Server {
	s := &Server{
		transactions: transactions,
		commissions:  commissions,
		retry:        retry,
		logger:       logger.With("component", "admin"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServerOption configures optional dependencies for the admin server.
type ServerOption func(*Server)

// WithScanTrigger sets the scan trigger on the admin server.
func WithScanTrigger(st ScanTrigger) ServerOption {
	return func(s *Server) { s.scanner = st }
}

// WithSweeper sets the balance sweeper on the admin server.
func WithSweeper(sw Sweeper) ServerOption {
	return func(s *Server) { s.sweeper = sw }
}

// Handler returns the HTTP handler for the admin API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /admin/v1/deposits/check", s.handleDepositsCheck)
	mux.HandleFunc("GET /admin/v1/deposits/{chainTxID}", s.handleGetDeposit)
	mux.HandleFunc("POST /admin/v1/retry-queue/{id}/replay", s.handleRetryReplay)
	mux.HandleFunc("GET /admin/v1/retry-queue/stats", s.handleRetryStats)
	mux.HandleFunc("POST /admin/v1/sweeps", s.handleSweep)
	return mux
}

// writeJSON writes v as JSON with the given HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decodeJSONBody reads and decodes a JSON request body into v.
// Returns false (and writes an error response) if decoding fails.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
		return false
	}
	return true
}

// handleDepositsCheck triggers one synchronous scan pass so an operator can
// pull in deposits the webhook missed without waiting for the ticker.
func (s *Server) handleDepositsCheck(w http.ResponseWriter, r *http.Request) {
	if s.scanner == nil {
		http.Error(w, `{"error":"scanner not available"}`, http.StatusServiceUnavailable)
		return
	}

	if err := s.scanner.ScanOnce(r.Context()); err != nil {
		s.logger.Error("manual scan pass failed", "error", err)
		http.Error(w, `{"error":"scan pass failed"}`, http.StatusBadGateway)
		return
	}

	s.logger.Info("manual scan pass completed via admin API", "remote_addr", r.RemoteAddr)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type depositResponse struct {
	ID          uuid.UUID               `json:"id"`
	ChainTxID   string                  `json:"chain_tx_id"`
	UserID      uuid.UUID               `json:"user_id"`
	Amount      string                  `json:"amount"`
	Status      string                  `json:"status"`
	NetworkID   string                  `json:"network_id"`
	BlockNumber int64                   `json:"block_number"`
	FailReason  *string                 `json:"fail_reason,omitempty"`
	Commissions []model.CommissionEntry `json:"commissions,omitempty"`
}

func (s *Server) handleGetDeposit(w http.ResponseWriter, r *http.Request) {
	chainTxID := r.PathValue("chainTxID")
	if chainTxID == "" {
		http.Error(w, `{"error":"chain tx id required"}`, http.StatusBadRequest)
		return
	}

	tx, err := s.transactions.GetByChainTxID(r.Context(), chainTxID)
	if errors.Is(err, postgres.ErrNotFound) {
		http.Error(w, `{"error":"deposit not found"}`, http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("get deposit failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	resp := depositResponse{
		ID:          tx.ID,
		ChainTxID:   tx.ChainTxID,
		UserID:      tx.UserID,
		Amount:      tx.Amount,
		Status:      tx.Status.String(),
		NetworkID:   tx.NetworkID,
		BlockNumber: tx.BlockNumber,
		FailReason:  tx.FailReason,
	}
	if tx.Status == model.TxStatusConfirmed {
		entries, err := s.commissions.ListBySource(r.Context(), tx.ID)
		if err != nil {
			s.logger.Error("list commissions failed", "error", err, "transaction_id", tx.ID)
		} else {
			resp.Commissions = entries
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

type retryReplayResponse struct {
	ID           uuid.UUID `json:"id"`
	Status       string    `json:"status"`
	AttemptCount int       `json:"attempt_count"`
	ChainTxID    string    `json:"chain_tx_id"`
}

func (s *Server) handleRetryReplay(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid retry record id"}`, http.StatusBadRequest)
		return
	}

	rec, err := s.retry.Replay(r.Context(), id)
	if err != nil {
		s.logger.Warn("retry replay rejected", "id", id, "error", err)
		http.Error(w, `{"error":"replay failed: record missing or not dead-lettered"}`, http.StatusConflict)
		return
	}

	s.logger.Info("retry record replayed via admin API",
		"id", id,
		"chain_tx_id", rec.ChainTxID,
		"status", rec.Status,
	)
	writeJSON(w, http.StatusOK, retryReplayResponse{
		ID:           rec.ID,
		Status:       rec.Status.String(),
		AttemptCount: rec.AttemptCount,
		ChainTxID:    rec.ChainTxID,
	})
}

func (s *Server) handleRetryStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.retry.Stats(r.Context())
	if err != nil {
		s.logger.Error("retry stats failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type sweepRequest struct {
	UserID      string `json:"user_id"`
	Amount      string `json:"amount"`
	Destination string `json:"destination"`
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if s.sweeper == nil {
		http.Error(w, `{"error":"sweeps not available"}`, http.StatusServiceUnavailable)
		return
	}

	var req sweepRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.UserID == "" || req.Amount == "" || req.Destination == "" {
		http.Error(w, `{"error":"user_id, amount, and destination are required"}`, http.StatusBadRequest)
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		http.Error(w, `{"error":"invalid user_id"}`, http.StatusBadRequest)
		return
	}

	txID, err := s.sweeper.AdminSweep(r.Context(), userID, req.Amount, req.Destination)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrInsufficientBalance):
			http.Error(w, `{"error":"insufficient balance"}`, http.StatusConflict)
		case errors.Is(err, ledger.ErrInvalidAmount):
			http.Error(w, `{"error":"invalid amount"}`, http.StatusBadRequest)
		default:
			s.logger.Error("admin sweep failed", "error", err, "user_id", req.UserID)
			http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		}
		return
	}

	s.logger.Info("balance swept via admin API",
		"user_id", req.UserID,
		"amount", req.Amount,
		"destination", req.Destination,
		"transaction_id", txID,
	)
	writeJSON(w, http.StatusCreated, map[string]string{"transaction_id": txID.String()})
}
