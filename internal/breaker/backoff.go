package breaker

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/paneflow/paneflow/internal/constants"
)

// Backoff computes the per-item retry delay: Base * 2^(attempt-1), capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff uses the retry delays from the constants package.
func DefaultBackoff() Backoff {
	return Backoff{Base: constants.RetryBaseDelay, Max: constants.RetryMaxDelay}
}

func (b Backoff) exponential() *backoff.ExponentialBackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.Base
	eb.MaxInterval = b.Max
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	eb.Reset()
	return eb
}

// Delay returns the wait before retry number attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 || b.Base <= 0 {
		return 0
	}
	eb := b.exponential()
	d := eb.NextBackOff()
	for i := 1; i < attempt && d < b.Max; i++ {
		d = eb.NextBackOff()
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// Wait sleeps for Delay(attempt) or until ctx is done.
func (b Backoff) Wait(ctx context.Context, attempt int) error {
	d := b.Delay(attempt)
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
