// Package acquisition scores candidate points from a surrogate's predictive
// mean and standard deviation. Lower losses are better everywhere; higher
// acquisition values are more attractive.
package acquisition

import (
	"fmt"

	"gonum.org/v1/gonum/stat/distuv"
)

// Function is an acquisition function for minimisation
type Function interface {
	// Compute returns the acquisition value for a predicted mean and standard deviation
	Compute(mu, sigma float64) float64

	// UpdateBest records the best observed loss
	UpdateBest(best float64)
}

// Acquisition names accepted by New.
const (
	EI  = "ei"
	LCB = "lcb"
)

// New returns the named acquisition function with its default parameters
func New(name string, bestObserved float64) (Function, error) {
	switch name {
	case EI, "":
		return NewExpectedImprovement(bestObserved, 0.01), nil
	case LCB:
		return NewLowerConfidenceBound(1.96), nil
	default:
		return nil, fmt.Errorf("unknown acquisition function %q", name)
	}
}

// ExpectedImprovement implements the Expected Improvement acquisition function
type ExpectedImprovement struct {
	// Best observed value so far
	bestObserved float64
	// Exploration-exploitation trade-off parameter (xi)
	xi float64
}

// NewExpectedImprovement creates a new ExpectedImprovement acquisition function
func NewExpectedImprovement(bestObserved, xi float64) *ExpectedImprovement {
	return &ExpectedImprovement{
		bestObserved: bestObserved,
		xi:           xi,
	}
}

// Compute computes the Expected Improvement for a prediction N(mu, sigma²).
// The result is never negative.
func (ei *ExpectedImprovement) Compute(mu, sigma float64) float64 {
	improvement := ei.bestObserved - mu - ei.xi

	// Certain prediction: EI is the plain improvement
	if sigma <= 1e-10 {
		if improvement <= 0 {
			return 0.0
		}
		return improvement
	}

	// EI = improvement * Φ(z) + sigma * φ(z)
	z := improvement / sigma
	ev := improvement*distuv.UnitNormal.CDF(z) + sigma*distuv.UnitNormal.Prob(z)
	if ev < 0 {
		return 0.0
	}
	return ev
}

// Gradient computes the directional derivative of EI given the derivatives
// of mu and sigma along the same direction
func (ei *ExpectedImprovement) Gradient(mu, dmu float64, sigma, dsigma float64) float64 {
	improvement := ei.bestObserved - mu - ei.xi
	if sigma <= 1e-10 {
		if improvement <= 0 {
			return 0.0
		}
		return -dmu
	}

	z := improvement / sigma
	pdf := distuv.UnitNormal.Prob(z)
	cdf := distuv.UnitNormal.CDF(z)

	// dEI/dmu = -Φ(z), dEI/dsigma = φ(z)
	return -cdf*dmu + pdf*dsigma
}

// UpdateBest updates the best observed value
func (ei *ExpectedImprovement) UpdateBest(best float64) {
	ei.bestObserved = best
}

// SetXi sets the exploration-exploitation trade-off parameter
func (ei *ExpectedImprovement) SetXi(xi float64) {
	ei.xi = xi
}

// BestObserved returns the best observed value
func (ei *ExpectedImprovement) BestObserved() float64 {
	return ei.bestObserved
}
