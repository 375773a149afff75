package shield

import "math"

const (
	// ReferenceWeight is W*, the mass above which the penalty grows
	// exponentially.
	ReferenceWeight = 1915820.0
	// HeavyWeight is the mass cap above which leakage is not simulated.
	HeavyWeight = 3e6
	// HeavyPenalty is the flat loss assigned to heavy shields.
	HeavyPenalty = 1e8
)

// IsHeavy reports whether a shield of the given mass exceeds the cap.
func IsHeavy(weight float64) bool {
	return weight > HeavyWeight
}

// FCN combines shield mass and weighted muon leakage into the scalar loss.
// length is part of the signature for callers that supply it but does not
// enter the formula.
func FCN(weight, leakage, length float64) float64 {
	if IsHeavy(weight) {
		return HeavyPenalty
	}
	return (1 + math.Exp(10*(weight-ReferenceWeight)/ReferenceWeight)) * (1 + leakage)
}
