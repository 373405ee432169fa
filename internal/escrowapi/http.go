package escrowapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, reason string) {
	writeJSON(w, code, map[string]any{
		"version": "v1",
		"error":   reason,
	})
}

func decodeJSONBody[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var out T
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	// An empty body decodes as the zero request.
	if err := dec.Decode(&out); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return out, false
	}
	return out, true
}

func clientIP(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
			return ip
		}
	}
	if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
		return xrip
	}
	remote := strings.TrimSpace(r.RemoteAddr)
	if remote == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(remote); err == nil {
		return addr.Addr().String()
	}
	if addr, err := netip.ParseAddr(remote); err == nil {
		return addr.String()
	}
	return remote
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipRateLimiter keeps one token bucket per client IP. The least recently seen
// IP is evicted once maxTrackedIPs are tracked.
type ipRateLimiter struct {
	mu sync.Mutex

	limit         rate.Limit
	burst         int
	maxTrackedIPs int
	entries       map[string]*limiterEntry
}

func newIPRateLimiter(perSecond float64, burst int, maxTrackedIPs int) *ipRateLimiter {
	return &ipRateLimiter{
		limit:         rate.Limit(perSecond),
		burst:         burst,
		maxTrackedIPs: maxTrackedIPs,
		entries:       make(map[string]*limiterEntry),
	}
}

func (l *ipRateLimiter) Allow(ip string, now time.Time) bool {
	if ip == "" {
		ip = "unknown"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[ip]
	if !ok {
		if len(l.entries) >= l.maxTrackedIPs {
			l.evictOldest()
		}
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[ip] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

func (l *ipRateLimiter) evictOldest() {
	var (
		oldestIP string
		oldestAt time.Time
	)
	for ip, e := range l.entries {
		if oldestIP == "" || e.lastSeen.Before(oldestAt) {
			oldestIP = ip
			oldestAt = e.lastSeen
		}
	}
	delete(l.entries, oldestIP)
}
