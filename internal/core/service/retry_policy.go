package service

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/rl1809/order-fulfillment/internal/core/domain"
)

// maxBackoff bounds an uncapped policy so the shift cannot overflow.
const maxBackoff = time.Duration(math.MaxInt64)

// RetryPolicy bounds CreateOrder attempts on transient lock conflicts.
type RetryPolicy struct {
	// MaxRetries is the number of extra attempts after the first one.
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:  3,
		BaseBackoff: 20 * time.Millisecond,
		MaxBackoff:  500 * time.Millisecond,
	}
}

func (p RetryPolicy) Attempts() int {
	if p.MaxRetries < 0 {
		return 1
	}
	return p.MaxRetries + 1
}

// Backoff returns the wait before retry number `retry` (1-based):
// exponential in retry with up to 50% jitter, capped at MaxBackoff.
func (p RetryPolicy) Backoff(retry int) time.Duration {
	if p.BaseBackoff <= 0 || retry <= 0 {
		return 0
	}
	d := maxBackoff
	if shift := retry - 1; shift < 63 && p.BaseBackoff <= maxBackoff>>shift {
		d = p.BaseBackoff << shift
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	jitter := time.Duration(rand.Int64N(int64(d)/2 + 1))
	return d/2 + jitter
}

func (p RetryPolicy) wait(ctx context.Context, retry int) error {
	d := p.Backoff(retry)
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type attemptOutcome int

const (
	outcomeSuccess attemptOutcome = iota
	outcomeRetryable
	outcomeFatal
)

func (o attemptOutcome) String() string {
	switch o {
	case outcomeSuccess:
		return "success"
	case outcomeRetryable:
		return "retryable"
	}
	return "fatal"
}

// attemptResult is what one CreateOrder transaction resolved to.
type attemptResult struct {
	outcome attemptOutcome
	err     error
}

// IsTransient reports whether err belongs to the retryable conflict class.
func IsTransient(err error) bool {
	return classify(err).outcome == outcomeRetryable
}

// classify splits attempt errors into the transient class, which is retried,
// and everything else. Classified business failures are never retried, even
// when they wrap a conflict.
func classify(err error) attemptResult {
	if err == nil {
		return attemptResult{outcome: outcomeSuccess}
	}
	var fe *domain.FulfillmentError
	if errors.As(err, &fe) {
		return attemptResult{outcome: outcomeFatal, err: err}
	}
	if errors.Is(err, domain.ErrConflict) {
		return attemptResult{outcome: outcomeRetryable, err: err}
	}
	return attemptResult{outcome: outcomeFatal, err: err}
}
