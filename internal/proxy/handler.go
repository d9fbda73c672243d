// Package proxy is the gateway's HTTP surface.
package proxy

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/vnmchuo/metered-gateway/internal/auth"
	"github.com/vnmchuo/metered-gateway/internal/breaker"
	"github.com/vnmchuo/metered-gateway/internal/budget"
	"github.com/vnmchuo/metered-gateway/internal/ledger"
	"github.com/vnmchuo/metered-gateway/internal/metering"
	"github.com/vnmchuo/metered-gateway/internal/provider"
	"github.com/vnmchuo/metered-gateway/internal/routing"
	"github.com/vnmchuo/metered-gateway/pkg/ratelimit"
)

const (
	IdempotencyKeyHeader = "Idempotency-Key"
	WebhookSecretHeader  = "X-Webhook-Secret"
)

type Spender interface {
	Spend(ctx context.Context, sr metering.SpendRequest) (*metering.Result, error)
}

// Accounts is the read and top-up side of the ledger.
type Accounts interface {
	Currency() string
	BalanceOf(ctx context.Context, owner string) (int64, error)
	Transactions(ctx context.Context, owner string, from, to time.Time) ([]*ledger.Transaction, error)
	CreditPurchase(ctx context.Context, key, owner string, amount int64, meta map[string]string) (ledger.TransactionRef, error)
}

type Budgets interface {
	Counters(ctx context.Context, userID string) ([]budget.Counter, error)
}

type Breakers interface {
	Snapshot() []breaker.Snapshot
}

type Deps struct {
	Spender  Spender
	Accounts Accounts
	Budgets  Budgets
	Breakers Breakers
	Limiter  *ratelimit.Limiter
	// WebhookSecret authenticates payment confirmations. Empty disables the
	// webhook.
	WebhookSecret string
	Tracer        trace.Tracer
	Logger        *zap.Logger
}

type Handler struct {
	spender       Spender
	accounts      Accounts
	budgets       Budgets
	breakers      Breakers
	limiter       *ratelimit.Limiter
	webhookSecret string
	tracer        trace.Tracer
	logger        *zap.Logger
}

func NewHandler(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer := d.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("proxy")
	}
	return &Handler{
		spender:       d.Spender,
		accounts:      d.Accounts,
		budgets:       d.Budgets,
		breakers:      d.Breakers,
		limiter:       d.Limiter,
		webhookSecret: d.WebhookSecret,
		tracer:        tracer,
		logger:        logger.Named("proxy"),
	}
}

// Mount registers the API routes on r. Payment webhooks authenticate with
// the shared secret; everything else goes through authMiddleware.
func (h *Handler) Mount(r chi.Router, authMiddleware auth.Middleware) {
	r.Post("/v1/webhooks/payments", h.HandlePaymentWebhook)

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/v1/chat/completions", h.HandleComplete)
		r.Get("/v1/balance", h.HandleBalance)
		r.Get("/v1/usage", h.HandleUsage)
		r.Get("/v1/budget", h.HandleBudget)
		r.Get("/v1/breakers", h.HandleBreakers)
	})
}

func (h *Handler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := auth.GetUserID(ctx)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	requestID := auth.GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	var req provider.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.RequestID = requestID

	key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
	if key == "" {
		key = uuid.NewString()
	}
	w.Header().Set(IdempotencyKeyHeader, key)

	ctx, span := h.tracer.Start(ctx, "proxy.complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("user_id", userID),
		attribute.String("request_id", requestID),
		attribute.String("model", req.Model),
	)

	tokens := metering.PromptTokens(&req) + metering.OutputTokens(&req)
	allowed, err := h.limiter.Allow(ctx, userID, tokens)
	if err != nil || !allowed {
		if err != nil {
			h.logger.Warn("rate limiter unavailable, rejecting", zap.String("user_id", userID), zap.Error(err))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error":       "rate limit exceeded",
			"retry_after": 60,
		})
		return
	}

	res, err := h.spender.Spend(ctx, metering.SpendRequest{
		UserID:         userID,
		IdempotencyKey: key,
		Request:        &req,
	})
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("spend failed", zap.String("request_id", requestID), zap.Error(err))
			writeError(w, status, "internal error")
			return
		}
		writeError(w, status, err.Error())
		return
	}

	billing := map[string]interface{}{
		"transaction_id":  res.TransactionID,
		"idempotency_key": res.IdempotencyKey,
		"status":          res.Status,
		"backend":         res.Backend,
		"estimate":        res.Estimate,
		"cost":            res.Cost,
		"currency":        h.accounts.Currency(),
		"duplicate":       res.Duplicate,
	}

	if res.Duplicate {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"id":        res.TransactionID,
			"object":    "chat.completion",
			"duplicate": true,
			"billing":   billing,
		})
		return
	}

	response := res.Response
	respID := response.ID
	if respID == "" {
		respID = uuid.NewString()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":       respID,
		"object":   "chat.completion",
		"model":    response.Model,
		"provider": response.Provider,
		"choices": []interface{}{
			map[string]interface{}{
				"index": 0,
				"message": map[string]string{
					"role":    "assistant",
					"content": response.Content,
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]int{
			"prompt_tokens":     response.InputTokens,
			"completion_tokens": response.OutputTokens,
			"total_tokens":      response.InputTokens + response.OutputTokens,
		},
		"billing": billing,
	})
}

type paymentEvent struct {
	EventID  string `json:"event_id"`
	UserID   string `json:"user_id"`
	Amount   int64  `json:"amount"`
	Provider string `json:"provider"`
}

// HandlePaymentWebhook credits a confirmed top-up. Redelivered events are
// acknowledged without crediting again.
func (h *Handler) HandlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	if h.webhookSecret == "" {
		writeError(w, http.StatusServiceUnavailable, "payment webhook not configured")
		return
	}
	got := r.Header.Get(WebhookSecretHeader)
	if subtle.ConstantTimeCompare([]byte(got), []byte(h.webhookSecret)) != 1 {
		writeError(w, http.StatusUnauthorized, "invalid webhook secret")
		return
	}

	var ev paymentEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if ev.EventID == "" || ev.UserID == "" {
		writeError(w, http.StatusBadRequest, "event_id and user_id are required")
		return
	}

	meta := map[string]string{"event_id": ev.EventID}
	if ev.Provider != "" {
		meta["payment_provider"] = ev.Provider
	}
	ref, err := h.accounts.CreditPurchase(r.Context(), "payment:"+ev.EventID, ev.UserID, ev.Amount, meta)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("payment credit failed", zap.String("event_id", ev.EventID), zap.Error(err))
			writeError(w, status, "internal error")
			return
		}
		writeError(w, status, err.Error())
		return
	}

	if ref.Existing {
		h.logger.Info("duplicate payment event ignored", zap.String("event_id", ev.EventID))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transaction_id": ref.ID,
		"status":         ref.Status,
		"duplicate":      ref.Existing,
	})
}

func (h *Handler) HandleBalance(w http.ResponseWriter, r *http.Request) {
	userID := auth.GetUserID(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	balance, err := h.accounts.BalanceOf(r.Context(), userID)
	if err != nil {
		h.logger.Error("balance lookup failed", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":  userID,
		"currency": h.accounts.Currency(),
		"balance":  balance,
	})
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := auth.GetUserID(ctx)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	// Parse query parameters
	now := time.Now().UTC()
	fromStr := r.URL.Query().Get("from")
	toStr := r.URL.Query().Get("to")

	from := now.AddDate(0, 0, -30) // Default: last 30 days
	to := now

	if fromStr != "" {
		var err error
		from, err = time.Parse(time.RFC3339, fromStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'from' date format (use RFC3339)")
			return
		}
	}

	if toStr != "" {
		var err error
		to, err = time.Parse(time.RFC3339, toStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'to' date format (use RFC3339)")
			return
		}
	}

	txs, err := h.accounts.Transactions(ctx, userID, from, to)
	if err != nil {
		h.logger.Error("usage lookup failed", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	var totalCost int64
	requests := 0
	byStatus := map[ledger.Status]int{}
	for _, tx := range txs {
		if tx.Kind != ledger.TxSpend {
			continue
		}
		requests++
		byStatus[tx.Status]++
		if tx.Status == ledger.StatusCompleted {
			totalCost += tx.Amount
		}
	}
	if txs == nil {
		txs = []*ledger.Transaction{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":        userID,
		"currency":       h.accounts.Currency(),
		"total_requests": requests,
		"total_cost":     totalCost,
		"by_status":      byStatus,
		"transactions":   txs,
		"from":           from,
		"to":             to,
	})
}

func (h *Handler) HandleBudget(w http.ResponseWriter, r *http.Request) {
	userID := auth.GetUserID(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	counters, err := h.budgets.Counters(r.Context(), userID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":  userID,
		"counters": counters,
	})
}

func (h *Handler) HandleBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"breakers": h.breakers.Snapshot(),
	})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, metering.ErrInvalidRequest),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, budget.ErrBudgetExceeded),
		errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, ledger.ErrAccountInactive):
		return http.StatusForbidden
	case errors.Is(err, routing.ErrNoBackendForTask):
		return http.StatusUnprocessableEntity
	case errors.Is(err, routing.ErrAllBackendsUnavailable),
		errors.Is(err, budget.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, metering.ErrRequestInFlight),
		errors.Is(err, metering.ErrRequestFailed),
		errors.Is(err, ledger.ErrKeyConflict):
		return http.StatusConflict
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
