package dispatcher

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Backoff computes the delay before retry attempt n (1-indexed).
type Backoff interface {
	Delay(attempt int) time.Duration
}

// ConstantBackoff always waits the same interval.
type ConstantBackoff time.Duration

func (c ConstantBackoff) Delay(int) time.Duration { return time.Duration(c) }

// ExponentialBackoff waits Initial * 2^(attempt-1), capped at Max. With
// Jitter the delay is drawn uniformly from [0, that bound].
type ExponentialBackoff struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  bool
}

func (e ExponentialBackoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && d > float64(e.Max) {
		d = float64(e.Max)
	}
	if e.Jitter {
		d *= rand.Float64()
	}
	return time.Duration(d)
}

// DefaultBackoff is exponential with full jitter from 1s up to 1m.
func DefaultBackoff() Backoff {
	return ExponentialBackoff{Initial: time.Second, Max: time.Minute, Jitter: true}
}

// RateLimitedError reports an upstream 429 and how long to stay away.
type RateLimitedError struct {
	IntentID   string
	RetryAfter time.Duration
	Global     bool
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("intent %s rate limited for %s", e.IntentID, e.RetryAfter)
}

// retryDelay is how long a failed intent waits before it may be dequeued
// again: the backoff for its attempt, stretched to any upstream Retry-After.
func retryDelay(b Backoff, attempt int, err error) time.Duration {
	d := b.Delay(attempt)
	var rl *RateLimitedError
	if errors.As(err, &rl) && rl.RetryAfter > d {
		d = rl.RetryAfter
	}
	return d
}
