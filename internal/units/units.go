// Package units provides shared constants and conversion for emittance units
package units

// Unit constants
const (
	M  = "m"
	UM = "um"
	NM = "nm"
	PM = "pm"
)

// ValidUnits contains all valid unit values
var ValidUnits = []string{M, UM, NM, PM}

// IsValid checks if the given unit is in the list of valid units
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// GetValidUnitsString returns a comma-separated string of valid units for error messages
func GetValidUnitsString() string {
	return "m, um, nm, pm"
}

// ConvertEmittance converts an emittance from meters (pi·m·rad) to the
// target units. The run catalogue stores meters.
func ConvertEmittance(meters float64, targetUnits string) float64 {
	switch targetUnits {
	case UM:
		return meters * 1e6
	case NM:
		return meters * 1e9
	case PM:
		return meters * 1e12
	default:
		return meters
	}
}
