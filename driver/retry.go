package driver

import (
	"context"
	"errors"
	"fmt"
	log "github.com/sirupsen/logrus"
	"loopharness/backend"
	"math/rand"
	"time"
)

type (
	evaluateBackoff func(bc *BackoffConfig, attempt int) time.Duration
	sleeper         interface {
		sleep(ctx context.Context, d time.Duration) error
	}
	defaultSleeper struct{}
)

const (
	maxBackoffDoublings = 6
)

var (
	backoffFunc evaluateBackoff = func(bc *BackoffConfig, attempt int) time.Duration {
		if attempt > maxBackoffDoublings {
			attempt = maxBackoffDoublings
		}
		durationMs := bc.DurationMs << attempt
		if bc.EnableRandomness {
			durationMs = rand.Intn(durationMs + 1)
		}
		return time.Duration(durationMs) * time.Millisecond
	}
)

func (s *defaultSleeper) sleep(ctx context.Context, d time.Duration) error {

	if d <= 0 {
		return ctx.Err()
	}

	lp.LogDriverEvent(fmt.Sprintf("sleeping for %d milliseconds", d.Milliseconds()), log.TraceLevel)

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}

}

// withRetry invokes op until it succeeds, fails with an error other than
// ErrBackendUnavailable, or the retry budget is spent. Nothing is retried when
// retryable is false. The number of invocations is returned alongside the last error.
func (d *Driver) withRetry(ctx context.Context, description string, retryable bool, op func() error) (int, error) {

	attempts := 0
	for {
		attempts++
		err := op()
		if err == nil {
			return attempts, nil
		}

		if !retryable || !errors.Is(err, backend.ErrBackendUnavailable) {
			return attempts, err
		}

		retry := attempts - 1
		if retry >= d.cfg.MaxRetries {
			lp.LogDriverEvent(fmt.Sprintf("giving up on %s after %d attempt/-s: %v", description, attempts, err), log.WarnLevel)
			return attempts, err
		}
		if ctx.Err() != nil {
			return attempts, err
		}

		wait := backoffFunc(&d.cfg.Backoff, retry)
		lp.LogDriverEvent(fmt.Sprintf("%s failed transiently on attempt %d, retrying in %d ms: %v", description, attempts, wait.Milliseconds(), err), log.DebugLevel)
		if sleepErr := d.s.sleep(ctx, wait); sleepErr != nil {
			return attempts, err
		}
	}

}
