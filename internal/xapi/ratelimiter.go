package xapi

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/postwatch/postwatch/internal/domain"
)

// Header names sent by the X API on every v2 response.
const (
	headerRemaining  = "X-Rate-Limit-Remaining"
	headerReset      = "X-Rate-Limit-Reset"
	headerRetryAfter = "Retry-After"
)

// RateLimiter combines a local token bucket with header-aware backoff
// derived from the x-rate-limit-remaining and x-rate-limit-reset response
// headers. It is safe for concurrent use.
type RateLimiter struct {
	mu sync.Mutex

	// local paces outbound requests.
	local *rate.Limiter

	// headerReset is when the remote window resets.
	headerReset time.Time

	// headerRemaining is the last observed x-rate-limit-remaining value.
	headerRemaining int

	// backoffUntil is the time until which no request should be sent.
	backoffUntil time.Time

	// maxWait is the longest Wait will block on a header backoff before
	// giving up with a RateLimitedError.
	maxWait time.Duration

	now    func() time.Time
	logger *logrus.Entry
}

// NewRateLimiter creates a RateLimiter with the given requests-per-second and burst.
// A zero or negative rps disables local rate limiting (unlimited). maxWait
// bounds how long Wait blocks on a remote backoff.
func NewRateLimiter(rps float64, burst int, maxWait time.Duration, logger *logrus.Entry) *RateLimiter {
	var limiter *rate.Limiter
	if rps <= 0 {
		limiter = rate.NewLimiter(rate.Inf, 0)
	} else {
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return &RateLimiter{
		local:           limiter,
		headerRemaining: -1, // unknown
		maxWait:         maxWait,
		now:             time.Now,
		logger:          logger,
	}
}

// Wait blocks until one more request may be sent. A remote backoff longer
// than maxWait is not waited out; the caller gets a RateLimitedError with the
// remaining delay instead so the account can be parked.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	rl.mu.Lock()
	backoff := rl.backoffUntil
	now := rl.now()
	rl.mu.Unlock()

	if !backoff.IsZero() && now.Before(backoff) {
		delay := backoff.Sub(now)
		if delay > rl.maxWait {
			return &domain.RateLimitedError{RetryAfter: delay}
		}
		rl.logger.WithField("delay", delay.Round(time.Millisecond)).
			Debug("rate limiter: waiting for header-based backoff")
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

// UpdateFromHeaders inspects the response headers and adjusts the backoff
// when the remote limit is close to exhaustion.
func (rl *RateLimiter) UpdateFromHeaders(headers http.Header) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	if ra := headers.Get(headerRetryAfter); ra != "" {
		if sec, err := strconv.Atoi(ra); err == nil && sec > 0 {
			rl.extendLocked(now.Add(time.Duration(sec)*time.Second), logrus.Fields{"retry_after_sec": sec},
				"rate limiter: retry-after received, backing off")
			return
		}
	}

	remaining, err := strconv.Atoi(headers.Get(headerRemaining))
	if err != nil {
		return
	}
	rl.headerRemaining = remaining

	resetEpoch, err := strconv.ParseInt(headers.Get(headerReset), 10, 64)
	if err != nil {
		return
	}
	rl.headerReset = time.Unix(resetEpoch, 0)

	switch {
	case remaining <= 0:
		rl.extendLocked(rl.headerReset, logrus.Fields{"reset": rl.headerReset.UTC()},
			"rate limiter: remote limit exhausted, backing off until reset")
	case remaining < 3:
		// Spread the last few requests over what is left of the window.
		untilReset := rl.headerReset.Sub(now)
		if untilReset > 0 {
			perRequest := time.Duration(math.Ceil(float64(untilReset) / float64(remaining+1)))
			if until := now.Add(perRequest); until.After(rl.backoffUntil) {
				rl.backoffUntil = until
				rl.logger.WithFields(logrus.Fields{
					"remaining": remaining,
					"delay":     perRequest.Round(time.Millisecond),
				}).Debug("rate limiter: throttling near exhaustion")
			}
		}
	}
}

func (rl *RateLimiter) extendLocked(until time.Time, fields logrus.Fields, msg string) {
	if until.After(rl.backoffUntil) {
		rl.backoffUntil = until
		rl.logger.WithFields(fields).Warn(msg)
	}
}

// RetryAfter returns how long the caller should wait given the headers of a
// 429 response. It prefers Retry-After, then x-rate-limit-reset, and falls
// back to fallback when neither is usable.
func (rl *RateLimiter) RetryAfter(headers http.Header, fallback time.Duration) time.Duration {
	now := rl.now()
	if sec, err := strconv.Atoi(headers.Get(headerRetryAfter)); err == nil && sec > 0 {
		return time.Duration(sec) * time.Second
	}
	if epoch, err := strconv.ParseInt(headers.Get(headerReset), 10, 64); err == nil {
		if d := time.Unix(epoch, 0).Sub(now); d > 0 {
			return d
		}
	}
	return fallback
}

// Remaining returns the last observed x-rate-limit-remaining value, or -1 if
// no header has been seen yet.
func (rl *RateLimiter) Remaining() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.headerRemaining
}

// ResetAt returns the time at which the remote rate limit window resets.
func (rl *RateLimiter) ResetAt() time.Time {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.headerReset
}
