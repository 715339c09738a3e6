package driver

import (
	"fmt"
	"loopharness/actors"
	"loopharness/backend"
	"loopharness/verifier"
	"time"
)

type (
	ActorFailure struct {
		Actor    actors.Actor
		Attempts int
		Err      error
	}
	// Report is the sole result record of a run. Only the driver writes it.
	Report struct {
		ActorCount     int
		SuccessCount   int
		FailureCount   int
		SkippedCount   int
		Range          backend.RangeSpec
		AggregationErr error
		Verification   verifier.Outcome
		Failures       []ActorFailure
		TimedOut       bool
		Took           time.Duration
	}
)

type (
	outcomeKind   uint8
	actorOutcome struct {
		kind     outcomeKind
		attempts int
		err      error
	}
)

const (
	// skipped is the zero value so actors never reached by the submission loop need no bookkeeping.
	skipped outcomeKind = iota
	succeeded
	failed
)

// Flag reports whether the verification passed, mirroring the boolean the batch is judged on.
func (r *Report) Flag() bool {

	return r.Verification.Passed()

}

func (r *Report) String() string {

	return fmt.Sprintf("actors: %d, succeeded: %d, failed: %d, skipped: %d, range: %s, timed out: %t, verdict: %s, took: %dms",
		r.ActorCount, r.SuccessCount, r.FailureCount, r.SkippedCount, r.Range, r.TimedOut, r.Verification.Verdict, r.Took.Milliseconds())

}

func fold(r *Report, pool []actors.Actor, outcomes []actorOutcome) {

	for i, o := range outcomes {
		switch o.kind {
		case succeeded:
			r.SuccessCount++
		case failed:
			r.FailureCount++
			r.Failures = append(r.Failures, ActorFailure{Actor: pool[i], Attempts: o.attempts, Err: o.err})
		default:
			r.SkippedCount++
		}
	}

}
