package driver

import (
	"errors"
	"fmt"
	"loopharness/backend"
	"loopharness/client"
	"loopharness/verifier"
	"time"
)

type (
	ModeKind string
	// ConcurrencyMode is either Sequential() or Bounded(k).
	ConcurrencyMode struct {
		Kind ModeKind
		K    int
	}
	EmptyBatchBehavior string
	BackoffConfig      struct {
		DurationMs       int
		EnableRandomness bool
	}
	Config struct {
		ActorCount         int
		EmptyBatchBehavior EmptyBatchBehavior
		PreRunReset        bool
		Operation          string
		Mode               ConcurrencyMode
		// RateLimitPerSecond caps phase-one submissions, zero disables the limit.
		RateLimitPerSecond int
		MaxRetries         int
		Backoff            BackoffConfig
		// Deadline bounds phase one only, zero means no deadline.
		Deadline    time.Duration
		FlagKey     string
		Expectation verifier.Expectation
	}
	configBuilder struct {
		assigner client.ConfigPropertyAssigner
		keyPath  string
	}
)

const (
	sequential ModeKind = "sequential"
	bounded    ModeKind = "bounded"
)

const (
	EmptyBatchFail EmptyBatchBehavior = "fail"
	EmptyBatchNoop EmptyBatchBehavior = "noop"
)

const (
	baseKeyPath = "batch"
)

var (
	ErrInvalidConfig = errors.New("invalid driver configuration")
)

func Sequential() ConcurrencyMode {
	return ConcurrencyMode{Kind: sequential, K: 1}
}

func Bounded(k int) ConcurrencyMode {
	return ConcurrencyMode{Kind: bounded, K: k}
}

func (m ConcurrencyMode) String() string {
	if m.Kind == bounded {
		return fmt.Sprintf("%s(%d)", m.Kind, m.K)
	}
	return string(m.Kind)
}

// DefaultConfig mirrors the embedded default config file.
func DefaultConfig() *Config {

	return &Config{
		ActorCount:         5000,
		EmptyBatchBehavior: EmptyBatchFail,
		PreRunReset:        true,
		Operation:          backend.OperationStore,
		Mode:               Sequential(),
		RateLimitPerSecond: 0,
		MaxRetries:         3,
		Backoff: BackoffConfig{
			DurationMs:       50,
			EnableRandomness: true,
		},
		Deadline:    0,
		FlagKey:     backend.KeyFlag,
		Expectation: verifier.IsTrue,
	}

}

func (c *Config) validate() error {

	if c.Mode.Kind != sequential && c.Mode.Kind != bounded {
		return fmt.Errorf("%w: unknown concurrency mode '%s'", ErrInvalidConfig, c.Mode.Kind)
	}
	if c.Mode.Kind == bounded && c.Mode.K < 1 {
		return fmt.Errorf("%w: bounded mode requires at least one in-flight submission, got %d", ErrInvalidConfig, c.Mode.K)
	}
	if c.EmptyBatchBehavior != EmptyBatchFail && c.EmptyBatchBehavior != EmptyBatchNoop {
		return fmt.Errorf("%w: unknown empty batch behavior '%s'", ErrInvalidConfig, c.EmptyBatchBehavior)
	}
	if c.MaxRetries < 0 || c.RateLimitPerSecond < 0 || c.Deadline < 0 || c.Backoff.DurationMs < 0 {
		return fmt.Errorf("%w: retries, rate limit, deadline and backoff must not be negative", ErrInvalidConfig)
	}
	if c.Operation == "" || c.FlagKey == "" {
		return fmt.Errorf("%w: operation and flag key must be non-empty", ErrInvalidConfig)
	}
	if err := verifier.ValidateExpectation("expectation", string(c.Expectation)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	return nil

}

// PopulateConfig assembles the driver config from the harness' configuration sources.
func PopulateConfig() (*Config, error) {

	return configBuilder{assigner: client.DefaultConfigPropertyAssigner{}, keyPath: baseKeyPath}.populateConfig()

}

func (b configBuilder) populateConfig() (*Config, error) {

	var assignmentOps []func() error

	var actorCount int
	assignmentOps = append(assignmentOps, func() error {
		return b.assigner.Assign(b.keyPath+".actorCount", client.ValidateIntAtLeast(0), func(a any) {
			actorCount = a.(int)
		})
	})

	var emptyBatchBehavior EmptyBatchBehavior
	assignmentOps = append(assignmentOps, func() error {
		return b.assigner.Assign(b.keyPath+".emptyBatchBehavior", client.ValidateOneOf(string(EmptyBatchFail), string(EmptyBatchNoop)), func(a any) {
			emptyBatchBehavior = EmptyBatchBehavior(a.(string))
		})
	})

	var preRunReset bool
	assignmentOps = append(assignmentOps, func() error {
		return b.assigner.Assign(b.keyPath+".preRunReset.enabled", client.ValidateBool, func(a any) {
			preRunReset = a.(bool)
		})
	})

	var operation string
	assignmentOps = append(assignmentOps, func() error {
		return b.assigner.Assign(b.keyPath+".submission.operation", client.ValidateString, func(a any) {
			operation = a.(string)
		})
	})

	var modeKind ModeKind
	assignmentOps = append(assignmentOps, func() error {
		return b.assigner.Assign(b.keyPath+".submission.mode", client.ValidateOneOf(string(sequential), string(bounded)), func(a any) {
			modeKind = ModeKind(a.(string))
		})
	})

	var maxInFlight int
	assignmentOps = append(assignmentOps, func() error {
		return b.assigner.Assign(b.keyPath+".submission.maxInFlight", client.ValidateIntAtLeast(1), func(a any) {
			maxInFlight = a.(int)
		})
	})

	var rateLimitEnabled bool
	assignmentOps = append(assignmentOps, func() error {
		return b.assigner.Assign(b.keyPath+".submission.rateLimit.enabled", client.ValidateBool, func(a any) {
			rateLimitEnabled = a.(bool)
		})
	})

	var rateLimitPerSecond int
	assignmentOps = append(assignmentOps, func() error {
		return b.assigner.Assign(b.keyPath+".submission.rateLimit.perSecond", client.ValidateIntAtLeast(1), func(a any) {
			rateLimitPerSecond = a.(int)
		})
	})

	var maxRetries int
	assignmentOps = append(assignmentOps, func() error {
		return b.assigner.Assign(b.keyPath+".submission.retry.maxRetries", client.ValidateIntAtLeast(0), func(a any) {
			maxRetries = a.(int)
		})
	})

	var backoffDurationMs int
	assignmentOps = append(assignmentOps, func() error {
		return b.assigner.Assign(b.keyPath+".submission.retry.backoff.durationMs", client.ValidateIntAtLeast(0), func(a any) {
			backoffDurationMs = a.(int)
		})
	})

	var backoffEnableRandomness bool
	assignmentOps = append(assignmentOps, func() error {
		return b.assigner.Assign(b.keyPath+".submission.retry.backoff.enableRandomness", client.ValidateBool, func(a any) {
			backoffEnableRandomness = a.(bool)
		})
	})

	var deadlineEnabled bool
	assignmentOps = append(assignmentOps, func() error {
		return b.assigner.Assign(b.keyPath+".deadline.enabled", client.ValidateBool, func(a any) {
			deadlineEnabled = a.(bool)
		})
	})

	var deadlineDurationMs int
	assignmentOps = append(assignmentOps, func() error {
		return b.assigner.Assign(b.keyPath+".deadline.durationMs", client.ValidateIntAtLeast(1), func(a any) {
			deadlineDurationMs = a.(int)
		})
	})

	var flagKey string
	assignmentOps = append(assignmentOps, func() error {
		return b.assigner.Assign(b.keyPath+".verification.key", client.ValidateString, func(a any) {
			flagKey = a.(string)
		})
	})

	var expectation verifier.Expectation
	assignmentOps = append(assignmentOps, func() error {
		return b.assigner.Assign(b.keyPath+".verification.expectation", verifier.ValidateExpectation, func(a any) {
			expectation = verifier.Expectation(a.(string))
		})
	})

	for _, f := range assignmentOps {
		if err := f(); err != nil {
			return nil, err
		}
	}

	mode := Sequential()
	if modeKind == bounded {
		mode = Bounded(maxInFlight)
	}

	if !rateLimitEnabled {
		rateLimitPerSecond = 0
	}

	var deadline time.Duration
	if deadlineEnabled {
		deadline = time.Duration(deadlineDurationMs) * time.Millisecond
	}

	return &Config{
		ActorCount:         actorCount,
		EmptyBatchBehavior: emptyBatchBehavior,
		PreRunReset:        preRunReset,
		Operation:          operation,
		Mode:               mode,
		RateLimitPerSecond: rateLimitPerSecond,
		MaxRetries:         maxRetries,
		Backoff: BackoffConfig{
			DurationMs:       backoffDurationMs,
			EnableRandomness: backoffEnableRandomness,
		},
		Deadline:    deadline,
		FlagKey:     flagKey,
		Expectation: expectation,
	}, nil

}
