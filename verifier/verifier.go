package verifier

import (
	"errors"
	"fmt"
	log "github.com/sirupsen/logrus"
	"loopharness/client"
	"loopharness/logging"
)

type (
	Verdict     string
	Expectation string
	Outcome     struct {
		Verdict  Verdict
		Observed any
		Detail   string
	}
	// TypeError signals that the observed value cannot be judged against the expectation
	// at all, which points to a broken contract between harness and backend.
	TypeError struct {
		Expectation Expectation
		Observed    any
	}
)

const (
	Pass          Verdict = "pass"
	Fail          Verdict = "fail"
	Indeterminate Verdict = "indeterminate"
)

const (
	// IsTrue requires the observed value to be the boolean true.
	IsTrue Expectation = "isTrue"
	// IsDefined only requires an observed value to be present, whatever it is.
	IsDefined Expectation = "isDefined"
)

var (
	ErrVerificationTypeError = errors.New("observed value cannot be coerced into expected type")
	ErrUnknownExpectation    = errors.New("unknown expectation")
)

var (
	lp = logging.GetLogProviderInstance(client.ID())
)

func (e *TypeError) Error() string {
	return fmt.Sprintf("%v: expectation '%s' cannot be applied to value '%v' of type %T", ErrVerificationTypeError, e.Expectation, e.Observed, e.Observed)
}

func (e *TypeError) Unwrap() error {
	return ErrVerificationTypeError
}

func ValidateExpectation(keyPath string, a any) error {
	return client.ValidateOneOf(string(IsTrue), string(IsDefined))(keyPath, a)
}

// Check judges the observed value. A mismatch is a Fail outcome, not an error; only values
// that cannot be judged yield an error. Check has no side effects beyond logging.
func Check(observed any, expectation Expectation) (Outcome, error) {

	switch expectation {
	case IsTrue:
		b, ok := observed.(bool)
		if !ok {
			err := &TypeError{Expectation: expectation, Observed: observed}
			lp.LogVerifierEvent(err.Error(), log.ErrorLevel)
			return Outcome{Verdict: Indeterminate, Observed: observed, Detail: err.Error()}, err
		}
		if b {
			return report(Outcome{Verdict: Pass, Observed: observed, Detail: "observed value is true"}), nil
		}
		return report(Outcome{Verdict: Fail, Observed: observed, Detail: "expected true, observed false"}), nil
	case IsDefined:
		if observed == nil {
			return report(Outcome{Verdict: Fail, Observed: observed, Detail: "expected a value, observed none"}), nil
		}
		return report(Outcome{Verdict: Pass, Observed: observed, Detail: fmt.Sprintf("observed value '%v' is defined", observed)}), nil
	default:
		return Outcome{Verdict: Indeterminate, Observed: observed}, fmt.Errorf("%w: '%s'", ErrUnknownExpectation, expectation)
	}

}

// Undecided reports an outcome for the case where no value could be observed.
func Undecided(reason string) Outcome {

	return report(Outcome{Verdict: Indeterminate, Detail: reason})

}

func (o Outcome) Passed() bool {

	return o.Verdict == Pass

}

func report(o Outcome) Outcome {

	level := log.InfoLevel
	if o.Verdict != Pass {
		level = log.WarnLevel
	}
	lp.LogVerifierEvent(fmt.Sprintf("verification outcome '%s' for observed value '%v': %s", o.Verdict, o.Observed, o.Detail), level)

	return o

}
