package backend

import (
	"context"
	"errors"
	"fmt"
	"loopharness/actors"
	"loopharness/client"
	"loopharness/logging"
	"time"
)

type (
	OperationRequest struct {
		Actor     actors.Actor
		Operation string
		Args      []any
	}
	OperationResult struct {
		Success bool
		Value   any
		Latency time.Duration
	}
	// RangeSpec addresses the half-open interval [Start, End) of confirmed per-actor writes,
	// in the order the backend confirmed them.
	RangeSpec struct {
		Start, End int
	}
)

type (
	Submitter interface {
		Submit(ctx context.Context, req OperationRequest) (OperationResult, error)
	}
	Querier interface {
		Query(ctx context.Context, key string) (any, error)
	}
	BulkOperator interface {
		BulkOperation(ctx context.Context, r RangeSpec) (OperationResult, error)
	}
	Adapter interface {
		Submitter
		Querier
		BulkOperator
	}
	// IdempotentBulk is implemented by adapters whose bulk operation may safely be repeated.
	IdempotentBulk interface {
		BulkIdempotent() bool
	}
	Resetter interface {
		Reset(ctx context.Context) error
	}
)

const (
	OperationStore = "store"
	KeyFlag        = "flag"
	KeyCount       = "count"
)

var (
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrOperationRejected  = errors.New("operation rejected")
	ErrNotFound           = errors.New("key not found")
)

var (
	lp = logging.GetLogProviderInstance(client.ID())
)

func (r RangeSpec) Validate() error {

	if r.Start < 0 || r.End < r.Start {
		return fmt.Errorf("%w: invalid range [%d, %d)", ErrOperationRejected, r.Start, r.End)
	}

	return nil

}

func (r RangeSpec) Len() int {

	return r.End - r.Start

}

func (r RangeSpec) String() string {

	return fmt.Sprintf("[%d, %d)", r.Start, r.End)

}

func unavailable(format string, a ...any) error {

	return fmt.Errorf("%w: %s", ErrBackendUnavailable, fmt.Sprintf(format, a...))

}

func rejected(format string, a ...any) error {

	return fmt.Errorf("%w: %s", ErrOperationRejected, fmt.Sprintf(format, a...))

}
