package hub

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// RateLimiter paces requests to the Everywhere Hub API with a local token
// bucket and backs off when the API answers with Retry-After or reports an
// exhausted rate-limit window. It is safe for concurrent use.
type RateLimiter struct {
	mu sync.Mutex

	local *rate.Limiter

	// backoffUntil is set from response headers; Wait refuses to proceed
	// before it.
	backoffUntil time.Time

	now    func() time.Time
	logger *logrus.Entry
}

// NewRateLimiter creates a RateLimiter with the given requests-per-second and burst.
// A zero or negative rps disables local rate limiting.
func NewRateLimiter(rps, burst int, logger *logrus.Entry) *RateLimiter {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if rps > 0 {
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return &RateLimiter{
		local:  limiter,
		now:    time.Now,
		logger: logger,
	}
}

// Wait blocks until one more request may be sent. It honours header-derived
// backoff before the token bucket and returns ctx.Err() if ctx ends first.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if delay := rl.BackoffRemaining(); delay > 0 {
		rl.logger.WithField("delay", delay.Round(time.Millisecond)).
			Debug("rate limiter: waiting for upstream backoff")
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return rl.local.Wait(ctx)
}

// BackoffRemaining returns how long Wait would currently hold a request for
// header-derived backoff alone.
func (rl *RateLimiter) BackoffRemaining() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.backoffUntil.IsZero() {
		return 0
	}
	d := rl.backoffUntil.Sub(rl.now())
	if d < 0 {
		return 0
	}
	return d
}

// UpdateFromHeaders extends the backoff from a response's headers.
//
// Recognised headers:
//
//	Retry-After                                – delay in seconds or an HTTP date.
//	RateLimit-Remaining / X-RateLimit-Remaining – requests left in the window.
//	RateLimit-Reset / X-RateLimit-Reset         – Unix epoch seconds of the window reset.
func (rl *RateLimiter) UpdateFromHeaders(headers http.Header) {
	now := rl.now()

	if until, ok := retryAfter(headers.Get("Retry-After"), now); ok {
		rl.extend(until, "retry-after")
		return
	}

	remaining, ok := headerInt(headers, "RateLimit-Remaining", "X-RateLimit-Remaining")
	if !ok || remaining > 0 {
		return
	}
	reset, ok := headerInt(headers, "RateLimit-Reset", "X-RateLimit-Reset")
	if !ok {
		return
	}
	rl.extend(time.Unix(reset, 0), "window exhausted")
}

func (rl *RateLimiter) extend(until time.Time, reason string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if !until.After(rl.backoffUntil) {
		return
	}
	rl.backoffUntil = until
	rl.logger.WithFields(logrus.Fields{
		"reason": reason,
		"until":  until.UTC().Format(time.RFC3339),
	}).Warn("rate limiter: backing off")
}

func retryAfter(v string, now time.Time) (time.Time, bool) {
	if v == "" {
		return time.Time{}, false
	}
	if sec, err := strconv.Atoi(v); err == nil {
		if sec <= 0 {
			return time.Time{}, false
		}
		return now.Add(time.Duration(sec) * time.Second), true
	}
	if t, err := http.ParseTime(v); err == nil {
		return t, true
	}
	return time.Time{}, false
}

func headerInt(h http.Header, names ...string) (int64, bool) {
	for _, name := range names {
		if v := h.Get(name); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return 0, false
			}
			return n, true
		}
	}
	return 0, false
}
