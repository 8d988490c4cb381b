package daemon

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultRateLimitTTL = 10 * time.Minute
)

// IPRateLimiter keeps one token bucket per remote IP. It is safe for
// concurrent use by multiple goroutines.
type IPRateLimiter struct {
	mu          sync.Mutex
	limit       rate.Limit
	burst       int
	ttl         time.Duration
	now         func() time.Time
	lastCleanup time.Time
	entries     map[string]*ipRateEntry
}

type ipRateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter creates a per-IP limiter. If qps or burst are non-positive,
// it returns nil to indicate rate limiting is disabled.
func NewIPRateLimiter(qps float64, burst int) *IPRateLimiter {
	if qps <= 0 || burst <= 0 {
		return nil
	}
	return &IPRateLimiter{
		limit:   rate.Limit(qps),
		burst:   burst,
		ttl:     defaultRateLimitTTL,
		now:     time.Now,
		entries: make(map[string]*ipRateEntry),
	}
}

// Allow consumes a token for remoteAddr.
func (l *IPRateLimiter) Allow(remoteAddr string) bool {
	if l == nil {
		return true
	}
	ip := parseRemoteIP(remoteAddr)
	if ip == nil || ip.IsUnspecified() {
		return false
	}
	key := ip.String()
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.cleanupLocked(now)

	entry := l.entries[key]
	if entry == nil {
		entry = &ipRateEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// Wrap rejects requests above the limit with 429.
func (l *IPRateLimiter) Wrap(next http.Handler) http.Handler {
	if l == nil || next == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(r.RemoteAddr) {
			writeRateLimitExceeded(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *IPRateLimiter) cleanupLocked(now time.Time) {
	if l.ttl <= 0 {
		return
	}
	if !l.lastCleanup.IsZero() && now.Sub(l.lastCleanup) < l.ttl {
		return
	}
	for ip, entry := range l.entries {
		if entry == nil || now.Sub(entry.lastSeen) > l.ttl {
			delete(l.entries, ip)
		}
	}
	l.lastCleanup = now
}

func writeRateLimitExceeded(w http.ResponseWriter) {
	w.Header().Set("Retry-After", "1")
	writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
}
