package driver

import (
	"context"
	"errors"
	"loopharness/backend"
	"testing"
	"time"
)

func TestBackoffFunc(t *testing.T) {

	t.Log("given a backoff config")
	{
		t.Log("\twhen randomness is disabled")
		{
			bc := &BackoffConfig{DurationMs: 10}

			msg := "\t\tbackoff must double with each retry and stop growing after cap"
			expected := []time.Duration{10, 20, 40, 80, 160, 320, 640, 640}
			for retry, e := range expected {
				if actual := backoffFunc(bc, retry); actual != e*time.Millisecond {
					t.Fatal(msg, ballotX, retry, actual)
				}
			}
			t.Log(msg, checkMark)
		}

		t.Log("\twhen randomness is enabled")
		{
			bc := &BackoffConfig{DurationMs: 10, EnableRandomness: true}

			msg := "\t\tbackoff must never exceed deterministic value"
			for i := 0; i < 200; i++ {
				if actual := backoffFunc(bc, 2); actual < 0 || actual > 40*time.Millisecond {
					t.Fatal(msg, ballotX, actual)
				}
			}
			t.Log(msg, checkMark)
		}
	}

}

func TestWithRetry(t *testing.T) {

	t.Log("given an operation failing transiently")
	{
		t.Log("\twhen context is cancelled while backing off")
		{
			cfg := testConfig(1, Sequential())
			cfg.MaxRetries = 5
			d := &Driver{cfg: cfg, s: &defaultSleeper{}}

			ctx, cancel := context.WithCancel(context.Background())
			invocations := 0
			attempts, err := d.withRetry(ctx, "test operation", true, func() error {
				invocations++
				cancel()
				return backend.ErrBackendUnavailable
			})

			msg := "\t\tretrying must stop after first attempt and last error must be returned"
			if attempts == 1 && invocations == 1 && errors.Is(err, backend.ErrBackendUnavailable) {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, attempts, invocations, err)
			}
		}

		t.Log("\twhen operation is declared not retryable")
		{
			cfg := testConfig(1, Sequential())
			s := &testSleeper{}
			d := &Driver{cfg: cfg, s: s}

			attempts, err := d.withRetry(context.Background(), "test operation", false, func() error {
				return backend.ErrBackendUnavailable
			})

			msg := "\t\toperation must be invoked exactly once"
			if attempts == 1 && errors.Is(err, backend.ErrBackendUnavailable) && len(s.durations) == 0 {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, attempts, err)
			}
		}
	}

}
