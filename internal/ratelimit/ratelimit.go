package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/diagnosis/counsel-portal/pkg/logger"
	"github.com/diagnosis/counsel-portal/pkg/metrics"
)

// Policy is a fixed-window limit: at most MaxRequests per Window.
type Policy struct {
	MaxRequests int
	Window      time.Duration
}

// Result describes the outcome of a single check.
type Result struct {
	Allowed   bool
	Remaining int
	ResetIn   time.Duration
}

// Store increments the counter for key inside the current window and
// returns the new count and the time left in the window.
type Store interface {
	Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}

// Limiter checks keys against a policy. Store failures fail open.
type Limiter struct {
	store   Store
	metrics *metrics.Metrics
}

func NewLimiter(store Store, m *metrics.Metrics) *Limiter {
	return &Limiter{store: store, metrics: m}
}

// Check counts one request for key. The Nth request in a window is allowed,
// the N+1th is not.
func (l *Limiter) Check(ctx context.Context, key string, p Policy) Result {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	count, resetIn, err := l.store.Increment(ctx, hashKey(key), p.Window)
	if err != nil {
		logger.WarnContext(ctx, "rate limit store unavailable, allowing request", "error", err)
		if l.metrics != nil {
			l.metrics.RateLimitFailOpen.Inc()
		}
		return Result{Allowed: true, Remaining: p.MaxRequests, ResetIn: p.Window}
	}

	if resetIn <= 0 || resetIn > p.Window {
		resetIn = p.Window
	}

	remaining := p.MaxRequests - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   count <= int64(p.MaxRequests),
		Remaining: remaining,
		ResetIn:   resetIn,
	}
}

// hashKey keeps raw IPs and user ids out of the store.
func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return "rl:" + hex.EncodeToString(sum[:])
}
