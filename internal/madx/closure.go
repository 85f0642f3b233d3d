package madx

import (
	"context"
	"fmt"
	"math"

	"github.com/banshee-data/emittance.scan/internal/monitoring"
	"github.com/banshee-data/emittance.scan/internal/tfs"
)

// DefaultClosureTolerance is the closure tolerance in meters (1 mm).
const DefaultClosureTolerance = 1e-3

// Survey table markers for the start and end of the sequence.
const (
	StartMarker = "#s"
	EndMarker   = "#e"
)

// ClosureResult carries the start/end offsets found by the survey.
type ClosureResult struct {
	XDiff float64
	ZDiff float64
}

// CheckClosedMachine runs a survey and checks that the ring closes on itself:
// |x(#s) - x(#e)| and |z(#s) - z(#e)| must both be below tol. A violation
// returns an error matching ErrMachineNotClosed.
func CheckClosedMachine(ctx context.Context, s Session, tol float64) (ClosureResult, error) {
	monitoring.Debugf("Running survey on the machine")
	survey, err := s.Survey(ctx)
	if err != nil {
		return ClosureResult{}, fmt.Errorf("survey: %w", err)
	}
	return checkClosure(survey, tol)
}

func checkClosure(survey *tfs.Table, tol float64) (ClosureResult, error) {
	xDiff, err := markerDiff(survey, "x")
	if err != nil {
		return ClosureResult{}, err
	}
	zDiff, err := markerDiff(survey, "z")
	if err != nil {
		return ClosureResult{}, err
	}

	res := ClosureResult{XDiff: xDiff, ZDiff: zDiff}
	if !(xDiff < tol) {
		return res, fmt.Errorf("%w: tolerance in x not met (%.3g m >= %.3g m)", ErrMachineNotClosed, xDiff, tol)
	}
	if !(zDiff < tol) {
		return res, fmt.Errorf("%w: tolerance in z not met (%.3g m >= %.3g m)", ErrMachineNotClosed, zDiff, tol)
	}
	monitoring.Debugf("Machine seems closed with respect to the provided tolerance (%g [mm])", tol*1e3)
	return res, nil
}

func markerDiff(survey *tfs.Table, column string) (float64, error) {
	start, err := survey.At(column, StartMarker)
	if err != nil {
		return 0, fmt.Errorf("survey %s at %s: %w", column, StartMarker, err)
	}
	end, err := survey.At(column, EndMarker)
	if err != nil {
		return 0, fmt.Errorf("survey %s at %s: %w", column, EndMarker, err)
	}
	return math.Abs(start - end), nil
}
