package acquisition

// LowerConfidenceBound scores a point by the negated lower bound mu - kappa*sigma,
// so the most optimistic prediction wins.
type LowerConfidenceBound struct {
	kappa float64
}

// NewLowerConfidenceBound creates an LCB function with exploration weight kappa
func NewLowerConfidenceBound(kappa float64) *LowerConfidenceBound {
	return &LowerConfidenceBound{kappa: kappa}
}

// Compute returns -(mu - kappa*sigma)
func (l *LowerConfidenceBound) Compute(mu, sigma float64) float64 {
	return -(mu - l.kappa*sigma)
}

// UpdateBest is a no-op; LCB does not depend on the incumbent
func (l *LowerConfidenceBound) UpdateBest(float64) {}
