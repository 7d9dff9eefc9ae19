// Package retry runs adapter calls with bounded attempts, exponential backoff and
// an optional rate limit. Only UpstreamRetryable failures are retried.
package retry

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"media-publish-pipeline/logx"
	"media-publish-pipeline/pipeerr"
)

// Policy configures one adapter's retry behaviour
type Policy struct {
	// MaxAttempts counts the first try (default 3).
	MaxAttempts int

	// BaseDelay is the wait before the second attempt; it doubles each time (default 500ms).
	BaseDelay time.Duration

	// MaxDelay caps the backoff (default 30s).
	MaxDelay time.Duration

	// Limiter, when set, is waited on before every attempt.
	Limiter *rate.Limiter
}

// NewLimiter builds a limiter for perSecond requests; zero or negative disables limiting.
func NewLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	return p
}

// Backoff returns the wait after the given failed attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.withDefaults()
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return d
}

// Do calls fn until it succeeds, fails with anything other than UpstreamRetryable,
// or runs out of attempts. Exhaustion is reported as UpstreamFatal.
func Do[T any](ctx context.Context, p Policy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	p = p.withDefaults()
	l := logx.FromCtx(ctx)

	var zero T
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if p.Limiter != nil {
			if err := p.Limiter.Wait(ctx); err != nil {
				return zero, pipeerr.Wrap(pipeerr.UpstreamFatal, op, err, "rate limiter")
			}
		}

		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		lastErr = err

		switch pipeerr.KindOf(err) {
		case pipeerr.UpstreamRetryable:
		case pipeerr.Unknown:
			return zero, pipeerr.Wrap(pipeerr.UpstreamFatal, op, err, "")
		default:
			return zero, err
		}

		if attempt == p.MaxAttempts {
			break
		}
		wait := p.Backoff(attempt)
		l.Warn().Err(err).Str("op", op).Int("attempt", attempt).Dur("backoff", wait).Msg("retrying")

		select {
		case <-ctx.Done():
			return zero, pipeerr.Wrap(pipeerr.UpstreamFatal, op, ctx.Err(), "cancelled while retrying")
		case <-time.After(wait):
		}
	}

	return zero, pipeerr.Wrap(pipeerr.UpstreamFatal, op, lastErr, fmt.Sprintf("gave up after %d attempts", p.MaxAttempts))
}
