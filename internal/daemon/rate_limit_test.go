package daemon

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	testutil "github.com/testbed/testbed/internal/testing"
)

func TestIPRateLimiterDisabled(t *testing.T) {
	assert.Nil(t, NewIPRateLimiter(0, 5))
	assert.Nil(t, NewIPRateLimiter(1, 0))
	var limiter *IPRateLimiter
	assert.True(t, limiter.Allow("10.0.0.1:1"))
}

func TestIPRateLimiterPerIP(t *testing.T) {
	now := testutil.FixedTime
	limiter := NewIPRateLimiter(1, 2)
	limiter.now = func() time.Time { return now }

	assert.True(t, limiter.Allow("10.0.0.1:1000"))
	assert.True(t, limiter.Allow("10.0.0.1:1001"))
	assert.False(t, limiter.Allow("10.0.0.1:1002"), "burst exhausted")
	assert.True(t, limiter.Allow("10.0.0.2:1000"), "other addresses have their own bucket")

	now = now.Add(time.Second)
	assert.True(t, limiter.Allow("10.0.0.1:1003"), "one token refilled")
	assert.False(t, limiter.Allow("0.0.0.0:1"))
}

func TestIPRateLimiterWrap(t *testing.T) {
	limiter := NewIPRateLimiter(1, 1)
	limiter.now = func() time.Time { return testutil.FixedTime }
	handler := limiter.Wrap(okHandler())

	assert.Equal(t, http.StatusOK, serveFrom(t, handler, "/v1/info", "10.0.0.1:1"))
	assert.Equal(t, http.StatusTooManyRequests, serveFrom(t, handler, "/v1/info", "10.0.0.1:2"))
}

func TestIPRateLimiterCleanup(t *testing.T) {
	now := testutil.FixedTime
	limiter := NewIPRateLimiter(1, 1)
	limiter.now = func() time.Time { return now }

	limiter.Allow("10.0.0.1:1")
	now = now.Add(defaultRateLimitTTL + time.Second)
	limiter.Allow("10.0.0.2:1")
	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	assert.Len(t, limiter.entries, 1)
}
