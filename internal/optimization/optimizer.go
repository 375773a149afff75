package optimization

import (
	"context"
	"encoding/json"
)

// Optimizer defines the ask/tell contract of a sequential model-based optimizer.
// Points are free vectors in the optimizer's search space.
type Optimizer interface {
	// Ask proposes n new points to evaluate
	Ask(ctx context.Context, n int) ([][]float64, error)

	// Tell absorbs observed (point, loss) pairs and refits the surrogate
	Tell(points [][]float64, losses []float64) (*OptimizationResult, error)

	// GetBestSolution returns the best solution found so far
	GetBestSolution() *Solution

	// GetHistory returns the history of evaluations
	GetHistory() []Evaluation

	// State returns a serialisable snapshot of the optimizer
	State() (*State, error)
}

// OptimizerConfig contains configuration for the optimizer
type OptimizerConfig struct {
	// Backend selects the surrogate regressor (rf, gbrt, gp, dummy)
	Backend string

	// Number of observations below which Ask samples uniformly
	NInitialPoints int

	// Number of random candidates scored by the acquisition function
	NCandidates int

	// Acquisition function name (ei, lcb)
	Acquisition string

	// Liar strategy used when asking for more than one point
	Liar string

	// Random seed for reproducibility
	RandomSeed int64
}

// Solution represents a solution in the optimization space
type Solution struct {
	Parameters []float64 `json:"parameters"`
	Value      float64   `json:"value"`
}

// Evaluation represents a single evaluation of the objective function
type Evaluation struct {
	Iteration int       `json:"iteration"`
	Solution  *Solution `json:"solution"`
}

// OptimizationResult is what Tell returns: the best point so far plus
// the full history of observations.
type OptimizationResult struct {
	BestSolution *Solution   `json:"best_solution"`
	History      []Evaluation `json:"history"`
	Iterations   int          `json:"iterations"`
}

// State is the portable checkpoint of an optimizer. The observation
// history and the fitted model are kept apart so either can be replayed
// by another implementation.
type State struct {
	Config    OptimizerConfig `json:"config"`
	X         [][]float64     `json:"x"`
	Y         []float64       `json:"y"`
	AskCount  int64           `json:"ask_count"`
	TellCount int64           `json:"tell_count"`
	Model     json.RawMessage `json:"model,omitempty"`
}
