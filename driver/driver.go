package driver

import (
	"context"
	"errors"
	"fmt"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"loopharness/actors"
	"loopharness/backend"
	"loopharness/client"
	"loopharness/logging"
	"loopharness/status"
	"loopharness/verifier"
	"sync/atomic"
	"time"
)

type (
	state string
	// Driver runs one batch: it provisions the actors, submits one operation per actor,
	// aggregates over the confirmed range and verifies the resulting flag.
	Driver struct {
		cfg     *Config
		b       backend.Adapter
		s       sleeper
		g       *status.Gatherer
		limiter *rate.Limiter
		// Counters for progress reporting only, the report is folded from per-actor slots.
		numProcessed atomic.Int64
		numSucceeded atomic.Int64
		numFailed    atomic.Int64
	}
	Option func(d *Driver)
)

const (
	provisioning state = "provisioning"
	submitting   state = "submitting"
	aggregating  state = "aggregating"
	verifying    state = "verifying"
	done         state = "done"
)

const (
	updateStep             int64 = 500
	statusKeyCurrentState        = "currentState"
	statusKeyNumActors           = "numActors"
	statusKeyNumSucceeded        = "numSucceeded"
	statusKeyNumFailed           = "numFailed"
	statusKeyNumSkipped          = "numSkipped"
	statusKeyVerdict             = "verdict"
)

var (
	ErrEmptyBatch  = errors.New("batch contains no actors")
	ErrPreRunReset = errors.New("unable to reset backend state before run")
	// ErrStaleBackendState means the backend holds writers from an earlier run, so the
	// bulk range could not be derived from this run's success count.
	ErrStaleBackendState = errors.New("backend holds state from an earlier run")
)

var (
	lp = logging.GetLogProviderInstance(client.ID())
)

// WithGatherer makes the driver publish its progress to the given gatherer instead of a private one.
func WithGatherer(g *status.Gatherer) Option {

	return func(d *Driver) {
		d.g = g
	}

}

func New(cfg *Config, b backend.Adapter, opts ...Option) (*Driver, error) {

	if cfg == nil || b == nil {
		return nil, fmt.Errorf("%w: config and backend adapter must be provided", ErrInvalidConfig)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	d := &Driver{
		cfg: cfg,
		b:   b,
		s:   &defaultSleeper{},
		g:   status.NewGatherer(),
	}

	if cfg.RateLimitPerSecond > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitPerSecond), 1)
	}

	for _, opt := range opts {
		opt(d)
	}

	return d, nil

}

// RunBatch runs a batch of actorCount actors with the default configuration otherwise.
// A zero deadline means phase one is not bounded in time.
func RunBatch(ctx context.Context, b backend.Adapter, actorCount int, mode ConcurrencyMode, deadline time.Duration) (*Report, error) {

	cfg := DefaultConfig()
	cfg.ActorCount = actorCount
	cfg.Mode = mode
	cfg.Deadline = deadline

	d, err := New(cfg, b)
	if err != nil {
		return nil, err
	}

	return d.Run(ctx)

}

func (d *Driver) Status() map[string]any {

	return d.g.AssembleStatusCopy()

}

// Run always returns a report. The error is non-nil only for conditions that make the
// whole batch meaningless: invalid pool size, an empty batch configured to fail, a failed
// pre-run reset, leftover backend state, or an observed value the verifier cannot interpret.
func (d *Driver) Run(ctx context.Context) (*Report, error) {

	start := time.Now()
	report := &Report{ActorCount: d.cfg.ActorCount}

	d.numProcessed.Store(0)
	d.numSucceeded.Store(0)
	d.numFailed.Store(0)

	go d.g.Listen()
	defer d.g.StopListen()

	d.g.Updates <- status.Update{Key: statusKeyNumActors, Value: d.cfg.ActorCount}

	d.transition(provisioning)
	pool, err := d.provision(ctx)
	if err != nil {
		lp.LogDriverEvent(fmt.Sprintf("batch aborted during provisioning: %v", err), log.ErrorLevel)
		report.Verification = verifier.Outcome{Verdict: verifier.Indeterminate, Detail: err.Error()}
		return d.finish(report, start), err
	}

	d.transition(submitting)
	outcomes := make([]actorOutcome, len(pool))
	report.TimedOut = d.submitAll(ctx, pool, outcomes)
	fold(report, pool, outcomes)
	report.Range = backend.RangeSpec{Start: 0, End: report.SuccessCount}
	d.publishCounts(report.SkippedCount)

	d.transition(aggregating)
	report.AggregationErr = d.aggregate(ctx, report.Range)

	d.transition(verifying)
	report.Verification, err = d.verify(ctx, report.AggregationErr)

	return d.finish(report, start), err

}

func (d *Driver) finish(report *Report, start time.Time) *Report {

	report.Took = time.Since(start)
	d.g.Updates <- status.Update{Key: statusKeyVerdict, Value: string(report.Verification.Verdict)}
	d.transition(done)

	lp.LogTimingEvent("batch run", fmt.Sprintf("%d actors", d.cfg.ActorCount), int(report.Took.Milliseconds()), log.InfoLevel)
	lp.LogDriverEvent(fmt.Sprintf("batch finished: %s", report), log.InfoLevel)

	return report

}

func (d *Driver) transition(s state) {

	lp.LogDriverEvent(fmt.Sprintf("entering state '%s'", s), log.DebugLevel)
	d.g.Updates <- status.Update{Key: statusKeyCurrentState, Value: string(s)}

}

func (d *Driver) provision(ctx context.Context) ([]actors.Actor, error) {

	var pool []actors.Actor

	switch n := d.cfg.ActorCount; {
	case n == 0 && d.cfg.EmptyBatchBehavior == EmptyBatchFail:
		return nil, ErrEmptyBatch
	case n == 0:
		lp.LogDriverEvent("batch contains no actors, continuing with empty range as configured", log.WarnLevel)
	default:
		var err error
		if pool, err = actors.Initialize(n); err != nil {
			return nil, err
		}
	}

	if d.cfg.PreRunReset {
		if r, ok := d.b.(backend.Resetter); ok {
			if _, err := d.withRetry(ctx, "pre-run reset", true, func() error { return r.Reset(ctx) }); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrPreRunReset, err)
			}
			lp.LogDriverEvent("backend state reset before run", log.InfoLevel)
			return pool, nil
		}
		lp.LogDriverEvent("pre-run reset enabled, but backend does not support resets -- checking for leftover state instead", log.InfoLevel)
	}

	if err := d.ensureNoLeftoverWriters(ctx); err != nil {
		return nil, err
	}

	return pool, nil

}

// ensureNoLeftoverWriters guards the range invariant: positions in the writer list only map
// onto this run's confirmed actors if the list starts out empty.
func (d *Driver) ensureNoLeftoverWriters(ctx context.Context) error {

	var count any
	_, err := d.withRetry(ctx, "query of writer count", true, func() error {
		var err error
		count, err = d.b.Query(ctx, backend.KeyCount)
		return err
	})

	if errors.Is(err, backend.ErrNotFound) {
		lp.LogDriverEvent("backend does not report its writer count -- unable to rule out leftover state", log.WarnLevel)
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: unable to query writer count: %w", ErrStaleBackendState, err)
	}

	n, ok := count.(int)
	if !ok {
		return fmt.Errorf("%w: writer count '%v' of type %T cannot be interpreted", ErrStaleBackendState, count, count)
	}
	if n > 0 {
		return fmt.Errorf("%w: backend already holds %d writer/-s", ErrStaleBackendState, n)
	}

	return nil

}

// submitAll runs phase one and reports whether it was cut short. Every slot in outcomes
// is written by exactly one goroutine.
func (d *Driver) submitAll(ctx context.Context, pool []actors.Actor, outcomes []actorOutcome) bool {

	submitCtx, cancel := ctx, context.CancelFunc(func() {})
	if d.cfg.Deadline > 0 {
		submitCtx, cancel = context.WithTimeout(ctx, d.cfg.Deadline)
	}
	defer cancel()

	lp.LogDriverEvent(fmt.Sprintf("submitting '%s' for %d actors in mode '%s'", d.cfg.Operation, len(pool), d.cfg.Mode), log.InfoLevel)

	if d.cfg.Mode.Kind == bounded {
		var eg errgroup.Group
		eg.SetLimit(d.cfg.Mode.K)
		for _, a := range pool {
			if submitCtx.Err() != nil {
				break
			}
			a := a
			eg.Go(func() error {
				d.submitOne(submitCtx, a, &outcomes[a.Index])
				return nil
			})
		}
		_ = eg.Wait()
	} else {
		for _, a := range pool {
			if submitCtx.Err() != nil {
				break
			}
			d.submitOne(submitCtx, a, &outcomes[a.Index])
		}
	}

	if err := submitCtx.Err(); err != nil {
		lp.LogDriverEvent(fmt.Sprintf("submission phase cut short: %v", err), log.WarnLevel)
		return true
	}

	return false

}

func (d *Driver) submitOne(ctx context.Context, a actors.Actor, slot *actorOutcome) {

	if err := d.admit(ctx); err != nil {
		lp.LogDriverEvent(fmt.Sprintf("%s not admitted for submission: %v", a, err), log.TraceLevel)
		return
	}

	req := backend.OperationRequest{Actor: a, Operation: d.cfg.Operation}
	attempts, err := d.withRetry(ctx, fmt.Sprintf("submission of '%s' for %s", req.Operation, a), true, func() error {
		result, err := d.b.Submit(ctx, req)
		if err == nil && !result.Success {
			return fmt.Errorf("%w: backend reported no success for %s", backend.ErrOperationRejected, a)
		}
		return err
	})

	slot.attempts = attempts
	if err != nil {
		slot.kind = failed
		slot.err = err
		d.numFailed.Add(1)
		lp.LogDriverEvent(fmt.Sprintf("%s failed after %d attempt/-s: %v", a, attempts, err), log.WarnLevel)
	} else {
		slot.kind = succeeded
		d.numSucceeded.Add(1)
		lp.LogDriverEvent(fmt.Sprintf("%s confirmed after %d attempt/-s", a, attempts), log.TraceLevel)
	}

	if processed := d.numProcessed.Add(1); processed%updateStep == 0 {
		lp.LogDriverEvent(fmt.Sprintf("processed %d of %d actors", processed, d.cfg.ActorCount), log.InfoLevel)
		d.publishCounts(-1)
	}

}

func (d *Driver) admit(ctx context.Context) error {

	if err := ctx.Err(); err != nil {
		return err
	}

	if d.limiter != nil {
		return d.limiter.Wait(ctx)
	}

	return nil

}

// publishCounts sends the progress counters, numSkipped only when it is known.
func (d *Driver) publishCounts(numSkipped int) {

	d.g.Updates <- status.Update{Key: statusKeyNumSucceeded, Value: int(d.numSucceeded.Load())}
	d.g.Updates <- status.Update{Key: statusKeyNumFailed, Value: int(d.numFailed.Load())}
	if numSkipped >= 0 {
		d.g.Updates <- status.Update{Key: statusKeyNumSkipped, Value: numSkipped}
	}

}

func (d *Driver) aggregate(ctx context.Context, r backend.RangeSpec) error {

	idempotent := false
	if ib, ok := d.b.(backend.IdempotentBulk); ok {
		idempotent = ib.BulkIdempotent()
	}

	start := time.Now()
	var result backend.OperationResult
	attempts, err := d.withRetry(ctx, fmt.Sprintf("bulk operation over %s", r), idempotent, func() error {
		var err error
		result, err = d.b.BulkOperation(ctx, r)
		return err
	})
	lp.LogTimingEvent("bulk operation", r.String(), int(time.Since(start).Milliseconds()), log.InfoLevel)

	if err == nil && !result.Success {
		err = fmt.Errorf("%w: bulk operation over %s reported no success", backend.ErrOperationRejected, r)
	}

	if err != nil {
		lp.LogDriverEvent(fmt.Sprintf("bulk operation over %s failed after %d attempt/-s: %v", r, attempts, err), log.ErrorLevel)
		return err
	}

	lp.LogDriverEvent(fmt.Sprintf("bulk operation over %s completed", r), log.InfoLevel)
	return nil

}

func (d *Driver) verify(ctx context.Context, aggregationErr error) (verifier.Outcome, error) {

	if aggregationErr != nil {
		return verifier.Undecided(fmt.Sprintf("aggregation failed: %v", aggregationErr)), nil
	}

	var observed any
	_, err := d.withRetry(ctx, fmt.Sprintf("query of key '%s'", d.cfg.FlagKey), true, func() error {
		var err error
		observed, err = d.b.Query(ctx, d.cfg.FlagKey)
		return err
	})

	if errors.Is(err, backend.ErrNotFound) {
		return verifier.Undecided(fmt.Sprintf("key '%s' not present in backend state", d.cfg.FlagKey)), nil
	}
	if err != nil {
		return verifier.Undecided(fmt.Sprintf("unable to query key '%s': %v", d.cfg.FlagKey, err)), nil
	}

	return verifier.Check(observed, d.cfg.Expectation)

}
