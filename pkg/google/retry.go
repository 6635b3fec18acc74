package google

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Retry policy for single calls (listing pages, the batch POST).
const (
	defaultMaxAttempts = 4
	defaultRetryBase   = 1 * time.Second
	defaultRetryMax    = 30 * time.Second
	jitterFraction     = 0.25
)

// RetryPolicy configures per-call retries.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.Base <= 0 {
		p.Base = defaultRetryBase
	}
	if p.Max <= 0 {
		p.Max = defaultRetryMax
	}
	return p
}

// NewBackOff returns an exponential schedule with ±25% jitter.
func NewBackOff(base, maxInterval time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = maxInterval
	b.Multiplier = 2
	b.RandomizationFactor = jitterFraction
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// hintedBackOff prefers a server-supplied Retry-After over the schedule.
type hintedBackOff struct {
	next backoff.BackOff
	hint time.Duration
}

func (h *hintedBackOff) NextBackOff() time.Duration {
	d := h.next.NextBackOff()
	if h.hint > 0 && d != backoff.Stop {
		d, h.hint = h.hint, 0
	}
	return d
}

func (h *hintedBackOff) Reset() {
	h.hint = 0
	h.next.Reset()
}

// retry runs op until it succeeds, fails with a non-transient error or the
// attempt budget is spent. Errors are classified once here.
func (c *CalendarClient) retry(ctx context.Context, what string, op func() error) error {
	policy := c.retryPolicy.withDefaults()
	hinted := &hintedBackOff{next: NewBackOff(policy.Base, policy.Max)}
	b := backoff.WithContext(backoff.WithMaxRetries(hinted, uint64(policy.MaxAttempts-1)), ctx)

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		tagged := Classify(err)
		if tagged.Kind != KindTransient {
			return backoff.Permanent(tagged)
		}
		hinted.hint = tagged.RetryAfter
		return tagged
	}, b, func(err error, wait time.Duration) {
		c.logger.Warn("retrying after transient error",
			slog.String("call", what),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", wait),
			slog.String("error", err.Error()),
		)
	})
	if err != nil {
		if ctx.Err() != nil {
			return Classify(ctx.Err())
		}
		return Classify(err)
	}
	return nil
}
