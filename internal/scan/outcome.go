package scan

import (
	"context"
	"errors"

	"github.com/banshee-data/emittance.scan/internal/madx"
)

// Outcome classifies how one scan point ended.
type Outcome int

const (
	// Converged points carry finite emittances.
	Converged Outcome = iota
	// NonConvergent points failed the optics solve.
	NonConvergent
	// Unclosed points failed the survey closure check.
	Unclosed
	// Fault covers every other failure (parse errors, engine crashes).
	Fault
)

var outcomeNames = [...]string{"converged", "non_convergent", "unclosed", "fault"}

func (o Outcome) String() string {
	if o < 0 || int(o) >= len(outcomeNames) {
		return "unknown"
	}
	return outcomeNames[o]
}

// ParseOutcome is the inverse of Outcome.String.
func ParseOutcome(s string) (Outcome, bool) {
	for i, n := range outcomeNames {
		if n == s {
			return Outcome(i), true
		}
	}
	return Fault, false
}

// Classify maps a point error to its outcome. nil is Converged.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return Converged
	case errors.Is(err, madx.ErrTwissFailed):
		return NonConvergent
	case errors.Is(err, madx.ErrMachineNotClosed):
		return Unclosed
	default:
		return Fault
	}
}

// interrupted reports whether err comes from cancellation, which always
// aborts a sweep.
func interrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
