package escrowapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/juno-intents/depositholder/internal/escrow"
	"github.com/juno-intents/depositholder/internal/identity"
	"github.com/juno-intents/depositholder/internal/secrets"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var ErrInvalidConfig = errors.New("escrowapi: invalid config")

const maxBodyBytes = 1 << 20

// Ledger is the subset of *escrow.Service the handler serves.
type Ledger interface {
	Owner() common.Address
	LockDuration() uint64

	Deposit(ctx context.Context, caller common.Address, keys []identity.Key, amountPerKey, value *uint256.Int) (uint64, error)
	Disburse(ctx context.Context, caller common.Address, recipient common.Address, amount *uint256.Int) error
	Withdraw(ctx context.Context, caller common.Address, limit int) (escrow.Withdrawal, error)

	Check(key identity.Key) (uint64, uint256.Int, error)
	NextWithdrawal(key identity.Key) (escrow.Batch, error)
	Stats() escrow.Stats
}

type Config struct {
	// OwnerToken authenticates mutating calls as the ledger owner.
	OwnerToken secrets.Token

	// IsLeader gates mutations. Nil means this process is always the writer.
	IsLeader func() bool

	// MaxWithdrawLimit caps the batches one withdraw call may drain.
	MaxWithdrawLimit int

	RateLimitPerIPPerSecond float64
	RateLimitBurst          int
	RateLimitMaxTrackedIPs  int

	// Metrics, when set, receives request and ledger metrics and is served
	// at GET /metrics.
	Metrics *prometheus.Registry

	Now func() time.Time
	Log *slog.Logger
}

func NewHandler(cfg Config, ledger Ledger) (http.Handler, error) {
	if ledger == nil {
		return nil, fmt.Errorf("%w: nil ledger", ErrInvalidConfig)
	}
	if cfg.OwnerToken.IsZero() {
		return nil, fmt.Errorf("%w: missing owner token", ErrInvalidConfig)
	}
	if cfg.IsLeader == nil {
		cfg.IsLeader = func() bool { return true }
	}
	if cfg.MaxWithdrawLimit <= 0 {
		cfg.MaxWithdrawLimit = 256
	}
	if cfg.RateLimitPerIPPerSecond <= 0 {
		cfg.RateLimitPerIPPerSecond = 20
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 40
	}
	if cfg.RateLimitMaxTrackedIPs <= 0 {
		cfg.RateLimitMaxTrackedIPs = 10_000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	h := &handler{
		cfg:    cfg,
		ledger: ledger,
		limiter: newIPRateLimiter(
			cfg.RateLimitPerIPPerSecond,
			cfg.RateLimitBurst,
			cfg.RateLimitMaxTrackedIPs,
		),
	}
	if cfg.Metrics != nil {
		m, err := newMetrics(cfg.Metrics, ledger)
		if err != nil {
			return nil, fmt.Errorf("%w: register metrics: %v", ErrInvalidConfig, err)
		}
		h.metrics = m
	}

	mux := http.NewServeMux()
	handle := func(pattern string, fn http.HandlerFunc) {
		mux.HandleFunc(pattern, h.metrics.instrument(pattern, fn))
	}
	handle("GET /healthz", h.handleHealthz)
	handle("GET /v1/config", h.handleConfig)
	handle("GET /v1/check/{key}", h.handleCheck)
	handle("GET /v1/batches/{key}", h.handleBatch)
	handle("GET /v1/stats", h.handleStats)
	handle("POST /v1/deposit", h.owner(h.handleDeposit))
	handle("POST /v1/disburse", h.owner(h.handleDisburse))
	handle("POST /v1/withdraw", h.owner(h.handleWithdraw))
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Metrics, promhttp.HandlerOpts{}))
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r = withRequestID(w, r)

		// Health checks and scrapes must never be throttled.
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			mux.ServeHTTP(w, r)
			return
		}

		allowed := h.limiter.Allow(clientIP(r), h.cfg.Now().UTC())
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.cfg.RateLimitBurst))
		if !allowed {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited")
			return
		}

		mux.ServeHTTP(w, r)
	}), nil
}

type requestIDKey struct{}

// withRequestID keeps a caller supplied UUID X-Request-Id or assigns a new
// one, and echoes it on the response.
func withRequestID(w http.ResponseWriter, r *http.Request) *http.Request {
	id := strings.TrimSpace(r.Header.Get("X-Request-Id"))
	if _, err := uuid.Parse(id); err != nil {
		id = uuid.NewString()
	}
	w.Header().Set("X-Request-Id", id)
	return r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id))
}

func requestID(r *http.Request) string {
	id, _ := r.Context().Value(requestIDKey{}).(string)
	return id
}

type handler struct {
	cfg     Config
	ledger  Ledger
	limiter *ipRateLimiter
	metrics *metrics
}

// owner authenticates the bearer token and checks writer leadership before
// running next with the owner as caller.
func (h *handler) owner(next func(http.ResponseWriter, *http.Request, common.Address)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.cfg.OwnerToken.Equal(bearerToken(r)) {
			writeError(w, http.StatusForbidden, "unauthorized")
			return
		}
		if !h.cfg.IsLeader() {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusServiceUnavailable, "not_leader")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		next(w, r, h.ledger.Owner())
	}
}

func bearerToken(r *http.Request) string {
	v := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "bearer "
	if len(v) <= len(prefix) || !strings.EqualFold(v[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(v[len(prefix):])
}

func (h *handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (h *handler) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":             "v1",
		"owner":               h.ledger.Owner().Hex(),
		"lockDurationSeconds": h.ledger.LockDuration(),
		"maxWithdrawLimit":    h.cfg.MaxWithdrawLimit,
	})
}

func (h *handler) handleCheck(w http.ResponseWriter, r *http.Request) {
	key, err := identity.Parse(r.PathValue("key"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_key")
		return
	}
	maturesAt, amount, err := h.ledger.Check(key)
	if errors.Is(err, escrow.ErrNotFound) {
		writeJSON(w, http.StatusOK, map[string]any{"version": "v1", "key": key, "found": false})
		return
	}
	if err != nil {
		h.writeLedgerError(w, r, "check", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":   "v1",
		"key":       key,
		"found":     true,
		"maturesAt": maturesAt,
		"amount":    amount.Dec(),
	})
}

func (h *handler) handleBatch(w http.ResponseWriter, r *http.Request) {
	key, err := identity.Parse(r.PathValue("key"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_key")
		return
	}
	b, err := h.ledger.NextWithdrawal(key)
	if errors.Is(err, escrow.ErrNotFound) {
		writeJSON(w, http.StatusOK, map[string]any{"version": "v1", "key": key, "found": false})
		return
	}
	if err != nil {
		h.writeLedgerError(w, r, "next withdrawal", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":   "v1",
		"key":       b.Key,
		"found":     true,
		"maturesAt": b.MaturesAt,
		"count":     b.Count,
		"amount":    b.Amount.Dec(),
		"next":      b.Next,
	})
}

func (h *handler) handleStats(w http.ResponseWriter, _ *http.Request) {
	s := h.ledger.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"version":      "v1",
		"depositCount": s.DepositCount,
		"pooled":       s.Pooled.Dec(),
		"paidOut":      s.PaidOut.Dec(),
		"deposited":    s.Deposited.Dec(),
		"refunded":     s.Refunded.Dec(),
	})
}

type depositRequestBody struct {
	// Keys and Addresses may be mixed; addresses are hashed into keys.
	Keys         []string `json:"keys"`
	Addresses    []string `json:"addresses"`
	AmountPerKey string   `json:"amountPerKey"`
	Value        string   `json:"value"`
}

func (h *handler) handleDeposit(w http.ResponseWriter, r *http.Request, caller common.Address) {
	body, ok := decodeJSONBody[depositRequestBody](w, r)
	if !ok {
		return
	}
	keys := make([]identity.Key, 0, len(body.Keys)+len(body.Addresses))
	for _, raw := range body.Keys {
		k, err := identity.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_key")
			return
		}
		keys = append(keys, k)
	}
	for _, raw := range body.Addresses {
		raw = strings.TrimSpace(raw)
		if !common.IsHexAddress(raw) {
			writeError(w, http.StatusBadRequest, "invalid_address")
			return
		}
		keys = append(keys, identity.FromAddress(common.HexToAddress(raw)))
	}
	perKey, err := parseAmount(body.AmountPerKey)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_amount_per_key")
		return
	}
	value, err := parseAmount(body.Value)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_value")
		return
	}

	maturesAt, err := h.ledger.Deposit(r.Context(), caller, keys, perKey, value)
	if err != nil {
		h.writeLedgerError(w, r, "deposit", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":   "v1",
		"deposited": len(keys),
		"maturesAt": maturesAt,
		"value":     value.Dec(),
	})
}

type disburseRequestBody struct {
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
}

func (h *handler) handleDisburse(w http.ResponseWriter, r *http.Request, caller common.Address) {
	body, ok := decodeJSONBody[disburseRequestBody](w, r)
	if !ok {
		return
	}
	recipient := strings.TrimSpace(body.Recipient)
	if !common.IsHexAddress(recipient) {
		writeError(w, http.StatusBadRequest, "invalid_recipient")
		return
	}
	amount, err := parseAmount(body.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_amount")
		return
	}

	to := common.HexToAddress(recipient)
	if err := h.ledger.Disburse(r.Context(), caller, to, amount); err != nil {
		h.writeLedgerError(w, r, "disburse", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":   "v1",
		"recipient": to.Hex(),
		"amount":    amount.Dec(),
	})
}

type withdrawRequestBody struct {
	Limit *int `json:"limit"`
}

func (h *handler) handleWithdraw(w http.ResponseWriter, r *http.Request, caller common.Address) {
	body, ok := decodeJSONBody[withdrawRequestBody](w, r)
	if !ok {
		return
	}
	limit := h.cfg.MaxWithdrawLimit
	if body.Limit != nil {
		limit = *body.Limit
	}
	if limit < 0 {
		writeError(w, http.StatusBadRequest, "invalid_limit")
		return
	}
	if limit > h.cfg.MaxWithdrawLimit {
		limit = h.cfg.MaxWithdrawLimit
	}

	out, err := h.ledger.Withdraw(r.Context(), caller, limit)
	if err != nil {
		h.writeLedgerError(w, r, "withdraw", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":         "v1",
		"limit":           limit,
		"drained":         out.Drained,
		"drainedDeposits": out.DrainedDeposits,
		"nominal":         out.Nominal.Dec(),
		"payout":          out.Payout.Dec(),
		"more":            out.Drained == limit && limit > 0,
	})
}

func (h *handler) writeLedgerError(w http.ResponseWriter, r *http.Request, op string, err error) {
	code, reason := statusFor(err)
	if code == http.StatusInternalServerError {
		h.cfg.Log.Error("ledger call failed", "op", op, "request_id", requestID(r), "err", err)
	}
	writeError(w, code, reason)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, escrow.ErrUnauthorized):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, escrow.ErrAmountMismatch):
		return http.StatusBadRequest, "amount_mismatch"
	case errors.Is(err, escrow.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, escrow.ErrKeyInUse):
		return http.StatusBadRequest, "key_in_use"
	case errors.Is(err, escrow.ErrOverflow):
		return http.StatusBadRequest, "overflow"
	case errors.Is(err, escrow.ErrInsufficientFunds):
		return http.StatusConflict, "insufficient_funds"
	case errors.Is(err, escrow.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, escrow.ErrClockRegression):
		return http.StatusConflict, "clock_regression"
	case errors.Is(err, escrow.ErrFenced):
		return http.StatusServiceUnavailable, "not_leader"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func parseAmount(raw string) (*uint256.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("missing value")
	}
	return uint256.FromDecimal(raw)
}
