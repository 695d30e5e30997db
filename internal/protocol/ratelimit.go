package protocol

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is a token bucket admitting outbound messages.
type RateLimiter struct {
	lim  *rate.Limiter
	rate float64
	now  func() time.Time
}

// NewRateLimiter creates a bucket refilling rate tokens per second, holding
// at most burst tokens. The bucket starts full.
func NewRateLimiter(perSecond float64, burst int) (*RateLimiter, error) {
	if perSecond <= 0 {
		return nil, fmt.Errorf("rate limiter: rate must be > 0, got %v", perSecond)
	}
	if burst < 1 {
		return nil, fmt.Errorf("rate limiter: burst must be >= 1, got %d", burst)
	}
	return &RateLimiter{
		lim:  rate.NewLimiter(rate.Limit(perSecond), burst),
		rate: perSecond,
		now:  time.Now,
	}, nil
}

// Allow consumes a token if one is available.
func (r *RateLimiter) Allow() bool {
	return r.lim.AllowN(r.now(), 1)
}

// WaitTime returns how long until the next token is available.
func (r *RateLimiter) WaitTime() time.Duration {
	tokens := r.lim.TokensAt(r.now())
	if tokens >= 1 {
		return 0
	}
	return time.Duration((1 - tokens) / r.rate * float64(time.Second))
}

// Wait blocks until a token is granted or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	for {
		if r.Allow() {
			return nil
		}
		timer := time.NewTimer(r.WaitTime())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
