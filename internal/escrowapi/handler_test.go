package escrowapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/juno-intents/depositholder/internal/escrow"
	"github.com/juno-intents/depositholder/internal/identity"
	"github.com/juno-intents/depositholder/internal/secrets"
	"github.com/prometheus/client_golang/prometheus"
)

const testToken = "owner-token-0123456789"

var (
	testOwner     = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	testRecipient = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

type nopTransferer struct{}

func (nopTransferer) Transfer(context.Context, common.Address, *uint256.Int) error { return nil }

type fixture struct {
	h      http.Handler
	svc    *escrow.Service
	now    *atomic.Uint64
	leader *atomic.Bool
}

func newFixture(t *testing.T, mutate func(*Config)) fixture {
	t.Helper()

	now := new(atomic.Uint64)
	now.Store(1_000)
	svc, err := escrow.Open(context.Background(), escrow.Config{
		Owner:        testOwner,
		LockDuration: 100,
		Store:        escrow.NewMemoryStore(),
		Transferer:   nopTransferer{},
		Clock:        escrow.ClockFunc(now.Load),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	tok, err := secrets.NewToken(testToken)
	if err != nil {
		t.Fatalf("NewToken: %v", err)
	}
	leader := new(atomic.Bool)
	leader.Store(true)
	cfg := Config{
		OwnerToken:       tok,
		IsLeader:         leader.Load,
		MaxWithdrawLimit: 2,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h, err := NewHandler(cfg, svc)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	return fixture{h: h, svc: svc, now: now, leader: leader}
}

func (f fixture) do(t *testing.T, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)

	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode %s %s: %v body=%s", method, path, err, rec.Body.String())
		}
	}
	return rec, out
}

func keyHex(tag byte) string {
	return identity.FromAddress(common.BytesToAddress([]byte{tag})).Hex()
}

func TestNewHandler_Validation(t *testing.T) {
	t.Parallel()

	tok, _ := secrets.NewToken(testToken)
	if _, err := NewHandler(Config{OwnerToken: tok}, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("nil ledger: got %v", err)
	}
	f := newFixture(t, nil)
	if _, err := NewHandler(Config{}, f.svc); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("missing token: got %v", err)
	}
}

func TestHandler_HealthzAndConfig(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	rec, _ := f.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "ok\n" {
		t.Fatalf("healthz: %d %q", rec.Code, rec.Body.String())
	}

	rec, out := f.do(t, http.MethodGet, "/v1/config", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("config status: got %d", rec.Code)
	}
	if out["owner"] != testOwner.Hex() || out["lockDurationSeconds"] != float64(100) {
		t.Fatalf("config: %+v", out)
	}
}

func TestHandler_DepositCheckWithdrawFlow(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)

	rec, out := f.do(t, http.MethodPost, "/v1/deposit", testToken, map[string]any{
		"keys":         []string{keyHex(1)},
		"addresses":    []string{common.BytesToAddress([]byte{2}).Hex()},
		"amountPerKey": "100000000000000000",
		"value":        "200000000000000000",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("deposit: %d %+v", rec.Code, out)
	}
	if out["deposited"] != float64(2) || out["maturesAt"] != float64(1_100) {
		t.Fatalf("deposit response: %+v", out)
	}

	rec, out = f.do(t, http.MethodGet, "/v1/check/"+keyHex(1), "", nil)
	if rec.Code != http.StatusOK || out["found"] != true || out["amount"] != "200000000000000000" {
		t.Fatalf("check: %d %+v", rec.Code, out)
	}
	rec, out = f.do(t, http.MethodGet, "/v1/check/"+keyHex(9), "", nil)
	if rec.Code != http.StatusOK || out["found"] != false {
		t.Fatalf("check unknown: %d %+v", rec.Code, out)
	}

	rec, out = f.do(t, http.MethodGet, "/v1/batches/0x0", "", nil)
	if rec.Code != http.StatusOK || out["count"] != float64(2) || out["key"] != keyHex(2) {
		t.Fatalf("head batch: %d %+v", rec.Code, out)
	}
	if out["next"] != identity.Zero.Hex() {
		t.Fatalf("head next: %+v", out["next"])
	}

	rec, out = f.do(t, http.MethodPost, "/v1/disburse", testToken, map[string]any{
		"recipient": testRecipient.Hex(),
		"amount":    "50000000000000000",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("disburse: %d %+v", rec.Code, out)
	}

	f.now.Store(1_100)
	rec, out = f.do(t, http.MethodPost, "/v1/withdraw", testToken, map[string]any{"limit": 10})
	if rec.Code != http.StatusOK {
		t.Fatalf("withdraw: %d %+v", rec.Code, out)
	}
	if out["limit"] != float64(2) || out["drained"] != float64(1) || out["payout"] != "150000000000000000" || out["more"] != false {
		t.Fatalf("withdraw response: %+v", out)
	}

	rec, out = f.do(t, http.MethodGet, "/v1/stats", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats: %d", rec.Code)
	}
	if out["depositCount"] != float64(0) || out["pooled"] != "0" || out["paidOut"] != "50000000000000000" || out["refunded"] != "150000000000000000" {
		t.Fatalf("stats: %+v", out)
	}
}

func TestHandler_WithdrawEmptyBodyUsesMaxLimit(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	for i := byte(1); i <= 3; i++ {
		if _, err := f.svc.Deposit(context.Background(), testOwner, []identity.Key{identity.FromAddress(common.BytesToAddress([]byte{i}))}, uint256.NewInt(1), uint256.NewInt(1)); err != nil {
			t.Fatalf("Deposit: %v", err)
		}
		f.now.Add(1)
	}
	f.now.Store(10_000)

	rec, out := f.do(t, http.MethodPost, "/v1/withdraw", testToken, nil)
	if rec.Code != http.StatusOK || out["drained"] != float64(2) || out["more"] != true {
		t.Fatalf("withdraw: %d %+v", rec.Code, out)
	}
	rec, out = f.do(t, http.MethodPost, "/v1/withdraw", testToken, map[string]any{"limit": 0})
	if rec.Code != http.StatusOK || out["drained"] != float64(0) {
		t.Fatalf("withdraw limit 0: %d %+v", rec.Code, out)
	}
	rec, out = f.do(t, http.MethodPost, "/v1/withdraw", testToken, map[string]any{"limit": -1})
	if rec.Code != http.StatusBadRequest || out["error"] != "invalid_limit" {
		t.Fatalf("withdraw limit -1: %d %+v", rec.Code, out)
	}
}

func TestHandler_ErrorMapping(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	cases := []struct {
		name   string
		path   string
		token  string
		body   any
		code   int
		reason string
	}{
		{name: "no token", path: "/v1/withdraw", body: map[string]any{}, code: http.StatusForbidden, reason: "unauthorized"},
		{name: "wrong token", path: "/v1/withdraw", token: "owner-token-wrong-000", body: map[string]any{}, code: http.StatusForbidden, reason: "unauthorized"},
		{name: "amount mismatch", path: "/v1/deposit", token: testToken, body: map[string]any{"keys": []string{keyHex(1)}, "amountPerKey": "2", "value": "3"}, code: http.StatusBadRequest, reason: "amount_mismatch"},
		{name: "empty keys", path: "/v1/deposit", token: testToken, body: map[string]any{"amountPerKey": "2", "value": "0"}, code: http.StatusBadRequest, reason: "invalid_input"},
		{name: "bad key", path: "/v1/deposit", token: testToken, body: map[string]any{"keys": []string{"0x12"}, "amountPerKey": "1", "value": "1"}, code: http.StatusBadRequest, reason: "invalid_key"},
		{name: "bad amount", path: "/v1/deposit", token: testToken, body: map[string]any{"keys": []string{keyHex(1)}, "amountPerKey": "abc", "value": "1"}, code: http.StatusBadRequest, reason: "invalid_amount_per_key"},
		{name: "unknown field", path: "/v1/disburse", token: testToken, body: map[string]any{"to": "x"}, code: http.StatusBadRequest, reason: "invalid_json"},
		{name: "bad recipient", path: "/v1/disburse", token: testToken, body: map[string]any{"recipient": "nope", "amount": "1"}, code: http.StatusBadRequest, reason: "invalid_recipient"},
		{name: "insufficient funds", path: "/v1/disburse", token: testToken, body: map[string]any{"recipient": testRecipient.Hex(), "amount": "1"}, code: http.StatusConflict, reason: "insufficient_funds"},
	}
	for _, tc := range cases {
		rec, out := f.do(t, http.MethodPost, tc.path, tc.token, tc.body)
		if rec.Code != tc.code || out["error"] != tc.reason {
			t.Fatalf("%s: got %d %+v want %d %s", tc.name, rec.Code, out, tc.code, tc.reason)
		}
	}

	rec, out := f.do(t, http.MethodGet, "/v1/check/zz", "", nil)
	if rec.Code != http.StatusBadRequest || out["error"] != "invalid_key" {
		t.Fatalf("bad path key: %d %+v", rec.Code, out)
	}
}

func TestHandler_RejectsMutationsWhenNotLeader(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.leader.Store(false)

	rec, out := f.do(t, http.MethodPost, "/v1/withdraw", testToken, map[string]any{})
	if rec.Code != http.StatusServiceUnavailable || out["error"] != "not_leader" {
		t.Fatalf("withdraw: %d %+v", rec.Code, out)
	}
	rec, _ = f.do(t, http.MethodGet, "/v1/stats", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reads must be served by followers: %d", rec.Code)
	}
}

func TestHandler_MapsClockRegression(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	rec, out := f.do(t, http.MethodPost, "/v1/deposit", testToken, map[string]any{"keys": []string{keyHex(1)}, "amountPerKey": "1", "value": "1"})
	if rec.Code != http.StatusOK || out["maturesAt"] != float64(1100) {
		t.Fatalf("deposit: %d %+v", rec.Code, out)
	}

	// A writer whose clock trails the queue tail.
	f.now.Store(900)
	rec, out = f.do(t, http.MethodPost, "/v1/deposit", testToken, map[string]any{"keys": []string{keyHex(2)}, "amountPerKey": "1", "value": "1"})
	if rec.Code != http.StatusConflict || out["error"] != "clock_regression" {
		t.Fatalf("regressed deposit: %d %+v", rec.Code, out)
	}
}

type fencedLedger struct {
	*escrow.Service
}

func (fencedLedger) Deposit(context.Context, common.Address, []identity.Key, *uint256.Int, *uint256.Int) (uint64, error) {
	return 0, escrow.ErrFenced
}

func TestHandler_FencedWriterReportsNotLeader(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	tok, _ := secrets.NewToken(testToken)
	h, err := NewHandler(Config{OwnerToken: tok}, fencedLedger{f.svc})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/deposit", strings.NewReader(`{"keys":["`+keyHex(1)+`"],"amountPerKey":"1","value":"1"}`))
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "not_leader") {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
}

type failingLedger struct {
	*escrow.Service
}

func (failingLedger) Withdraw(context.Context, common.Address, int) (escrow.Withdrawal, error) {
	return escrow.Withdrawal{}, errors.New("store unavailable")
}

func TestHandler_InternalErrors(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	tok, _ := secrets.NewToken(testToken)
	h, err := NewHandler(Config{OwnerToken: tok}, failingLedger{f.svc})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/withdraw", strings.NewReader(`{"limit":1}`))
	req.Header.Set("Authorization", "bearer "+testToken)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestHandler_RateLimitSkipsHealthz(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	f := newFixture(t, func(c *Config) {
		c.RateLimitPerIPPerSecond = 1
		c.RateLimitBurst = 2
		c.Now = func() time.Time { return now }
	})

	for i := 0; i < 2; i++ {
		if rec, _ := f.do(t, http.MethodGet, "/v1/stats", "", nil); rec.Code != http.StatusOK {
			t.Fatalf("request %d: got %d", i, rec.Code)
		}
	}
	rec, out := f.do(t, http.MethodGet, "/v1/stats", "", nil)
	if rec.Code != http.StatusTooManyRequests || out["error"] != "rate_limited" {
		t.Fatalf("throttled: %d %+v", rec.Code, out)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Fatalf("Retry-After: %q", rec.Header().Get("Retry-After"))
	}
	if rec, _ := f.do(t, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz throttled: %d", rec.Code)
	}

	now = now.Add(time.Second)
	if rec, _ := f.do(t, http.MethodGet, "/v1/stats", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("after refill: got %d", rec.Code)
	}
}

func TestIPRateLimiter_EvictsOldest(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	l := newIPRateLimiter(0.01, 1, 2)
	if !l.Allow("a", now) || !l.Allow("b", now.Add(time.Second)) {
		t.Fatalf("first requests must pass")
	}
	if l.Allow("a", now.Add(2*time.Second)) {
		t.Fatalf("a has no tokens left")
	}
	// c evicts b, the least recently seen.
	if !l.Allow("c", now.Add(3*time.Second)) {
		t.Fatalf("c must pass")
	}
	if _, ok := l.entries["b"]; ok {
		t.Fatalf("expected b to be evicted")
	}
	if len(l.entries) != 2 {
		t.Fatalf("tracked: got %d want 2", len(l.entries))
	}
	// An evicted IP starts over with a full bucket.
	if !l.Allow("b", now.Add(4*time.Second)) {
		t.Fatalf("b must pass after eviction")
	}
	if l.Allow("b", now.Add(4*time.Second)) {
		t.Fatalf("b has no tokens left")
	}
}

func TestClientIP(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		header map[string]string
		remote string
		want   string
	}{
		{name: "xff", header: map[string]string{"X-Forwarded-For": "10.0.0.1, 10.0.0.2"}, remote: "1.2.3.4:5", want: "10.0.0.1"},
		{name: "x-real-ip", header: map[string]string{"X-Real-IP": "10.0.0.3"}, remote: "1.2.3.4:5", want: "10.0.0.3"},
		{name: "remote addr port", remote: "1.2.3.4:5", want: "1.2.3.4"},
		{name: "ipv6", remote: "[::1]:80", want: "::1"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tc.remote
		for k, v := range tc.header {
			req.Header.Set(k, v)
		}
		if got := clientIP(req); got != tc.want {
			t.Fatalf("%s: got %q want %q", tc.name, got, tc.want)
		}
	}
}

func TestHandler_ExportsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	f := newFixture(t, func(c *Config) { c.Metrics = reg })

	if rec, _ := f.do(t, http.MethodPost, "/v1/deposit", testToken, map[string]any{
		"keys":         []string{keyHex(1)},
		"amountPerKey": "7",
		"value":        "7",
	}); rec.Code != http.StatusOK {
		t.Fatalf("deposit: got %d body=%s", rec.Code, rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`depositholder_api_requests_total{code="200",route="POST /v1/deposit"} 1`,
		"depositholder_ledger_deposit_count 1",
		"depositholder_ledger_pooled 7",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}

	// A second handler on the same registry collides.
	tok, _ := secrets.NewToken(testToken)
	if _, err := NewHandler(Config{OwnerToken: tok, Metrics: reg}, f.svc); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("duplicate registration: got %v", err)
	}
}

func TestHandler_RequestID(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)

	const supplied = "3f2a6c1e-8d4b-4c7a-9e2f-1b5d6a7c8e9f"
	req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	req.Header.Set("X-Request-Id", supplied)
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-Id"); got != supplied {
		t.Fatalf("request id: got %q want %q", got, supplied)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	req.Header.Set("X-Request-Id", "not a uuid")
	rec = httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	got := rec.Header().Get("X-Request-Id")
	if got == "" || got == "not a uuid" {
		t.Fatalf("request id: got %q", got)
	}
}
