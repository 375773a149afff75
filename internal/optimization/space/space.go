// Package space declares bounded search spaces made of integer and real
// dimensions.
package space

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/copyleftdev/shieldopt/internal/optimization"
)

// Dimension is a closed interval [Low, High]. Integer dimensions only
// admit whole numbers.
type Dimension struct {
	Low     float64 `json:"low" yaml:"low"`
	High    float64 `json:"high" yaml:"high"`
	Integer bool    `json:"integer" yaml:"integer"`
}

// Integer returns an integer dimension over [low, high].
func Integer(low, high int) Dimension {
	return Dimension{Low: float64(low), High: float64(high), Integer: true}
}

// Real returns a continuous dimension over [low, high].
func Real(low, high float64) Dimension {
	return Dimension{Low: low, High: high}
}

// Contains reports whether v lies inside the dimension.
func (d Dimension) Contains(v float64) bool {
	if math.IsNaN(v) || v < d.Low || v > d.High {
		return false
	}
	if d.Integer && v != math.Trunc(v) {
		return false
	}
	return true
}

// sample draws one value uniformly from the dimension.
func (d Dimension) sample(rng *rand.Rand) float64 {
	if d.Integer {
		lo, hi := int64(d.Low), int64(d.High)
		return float64(lo + rng.Int63n(hi-lo+1))
	}
	return d.Low + rng.Float64()*(d.High-d.Low)
}

// Space is an ordered list of dimensions.
type Space struct {
	dims []Dimension
}

// New creates a space, rejecting empty or inverted dimensions.
func New(dims ...Dimension) (*Space, error) {
	for i, d := range dims {
		if d.High < d.Low {
			return nil, optimization.NewErrorf("dimension %d: high %v below low %v", i, d.High, d.Low).
				WithComponent("space").WithOperation("New")
		}
		if d.Integer && (d.Low != math.Trunc(d.Low) || d.High != math.Trunc(d.High)) {
			return nil, optimization.NewErrorf("dimension %d: integer bounds must be whole numbers", i).
				WithComponent("space").WithOperation("New")
		}
	}
	return &Space{dims: append([]Dimension(nil), dims...)}, nil
}

// MustNew is like New but panics on invalid dimensions.
func MustNew(dims ...Dimension) *Space {
	s, err := New(dims...)
	if err != nil {
		panic(err)
	}
	return s
}

// Dims returns the number of dimensions.
func (s *Space) Dims() int { return len(s.dims) }

// Dimensions returns a copy of the dimension list.
func (s *Space) Dimensions() []Dimension {
	return append([]Dimension(nil), s.dims...)
}

// Bounds returns the [low, high] pair of every dimension.
func (s *Space) Bounds() [][2]float64 {
	bounds := make([][2]float64, len(s.dims))
	for i, d := range s.dims {
		bounds[i] = [2]float64{d.Low, d.High}
	}
	return bounds
}

// Sample draws n points uniformly from the space. n <= 0 yields no points.
func (s *Space) Sample(rng *rand.Rand, n int) [][]float64 {
	if n <= 0 {
		return nil
	}
	points := make([][]float64, n)
	for i := range points {
		p := make([]float64, len(s.dims))
		for j, d := range s.dims {
			p[j] = d.sample(rng)
		}
		points[i] = p
	}
	return points
}

// Contains reports whether every coordinate of point lies inside its bound.
func (s *Space) Contains(point []float64) bool {
	if len(point) != len(s.dims) {
		return false
	}
	for i, v := range point {
		if !s.dims[i].Contains(v) {
			return false
		}
	}
	return true
}

// Check is Contains returning a descriptive ErrSpaceViolation.
func (s *Space) Check(point []float64) error {
	if len(point) != len(s.dims) {
		return optimization.WrapErrorf(optimization.ErrSpaceViolation,
			"expected %d dimensions, got %d", len(s.dims), len(point)).WithComponent("space")
	}
	for i, v := range point {
		if !s.dims[i].Contains(v) {
			d := s.dims[i]
			return optimization.WrapErrorf(optimization.ErrSpaceViolation,
				"dimension %d: %v not in [%v, %v]", i, v, d.Low, d.High).WithComponent("space")
		}
	}
	return nil
}

// Normalize maps a point into the unit cube. Degenerate dimensions map to 0.
func (s *Space) Normalize(point []float64) []float64 {
	out := make([]float64, len(point))
	for i, v := range point {
		d := s.dims[i]
		if d.High == d.Low {
			continue
		}
		out[i] = (v - d.Low) / (d.High - d.Low)
	}
	return out
}

// Denormalize maps a unit-cube point back into the space, clipping to the
// bounds and rounding integer dimensions.
func (s *Space) Denormalize(unit []float64) []float64 {
	out := make([]float64, len(unit))
	for i, u := range unit {
		d := s.dims[i]
		v := d.Low + math.Max(0, math.Min(1, u))*(d.High-d.Low)
		if d.Integer {
			v = math.Round(v)
		}
		out[i] = math.Max(d.Low, math.Min(d.High, v))
	}
	return out
}

// String renders the space for logs.
func (s *Space) String() string {
	ints := 0
	for _, d := range s.dims {
		if d.Integer {
			ints++
		}
	}
	return fmt.Sprintf("Space(%d dims, %d integer)", len(s.dims), ints)
}
