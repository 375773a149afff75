// Package shield holds the muon shield geometry conventions shared with the
// simulator: the design vector layout, fixed parameter ranges, search bounds
// and the penalty function.
package shield

import (
	"sort"

	"github.com/copyleftdev/shieldopt/internal/optimization"
)

// FullDim is the length of a simulator design vector.
const FullDim = 56

// Range is a half-open index range [Low, High) of the design vector.
type Range struct {
	Low  int `json:"low" yaml:"low"`
	High int `json:"high" yaml:"high"`
}

// Codec converts between full design vectors and free vectors by removing
// and re-inserting fixed index ranges.
type Codec struct {
	ranges []Range
	fixed  []float64
	full   int
	free   int
}

// NewCodec builds a codec for vectors of length full whose ranges hold the
// canonical values taken from canonical (a full design vector).
func NewCodec(full int, ranges []Range, canonical []float64) (*Codec, error) {
	if len(canonical) != full {
		return nil, optimization.WrapErrorf(optimization.ErrShapeMismatch,
			"canonical vector has %d values, want %d", len(canonical), full).
			WithComponent("codec").WithOperation("NewCodec")
	}
	sorted := append([]Range(nil), ranges...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Low < sorted[j].Low })

	var fixed []float64
	prev := 0
	for _, r := range sorted {
		if r.Low < prev || r.High <= r.Low || r.High > full {
			return nil, optimization.NewErrorf("invalid fixed range [%d, %d)", r.Low, r.High).
				WithComponent("codec").WithOperation("NewCodec")
		}
		fixed = append(fixed, canonical[r.Low:r.High]...)
		prev = r.High
	}

	return &Codec{
		ranges: sorted,
		fixed:  fixed,
		full:   full,
		free:   full - len(fixed),
	}, nil
}

// FullDim returns the design vector length.
func (c *Codec) FullDim() int { return c.full }

// FreeDim returns the free vector length.
func (c *Codec) FreeDim() int { return c.free }

// Ranges returns the fixed ranges in ascending order.
func (c *Codec) Ranges() []Range { return append([]Range(nil), c.ranges...) }

// Strip removes the fixed ranges from a full design vector.
func (c *Codec) Strip(full []float64) ([]float64, error) {
	if len(full) != c.full {
		return nil, optimization.WrapErrorf(optimization.ErrShapeMismatch,
			"design vector has %d values, want %d", len(full), c.full).
			WithComponent("codec").WithOperation("Strip")
	}
	free := make([]float64, 0, c.free)
	pos := 0
	for _, r := range c.ranges {
		free = append(free, full[pos:r.Low]...)
		pos = r.High
	}
	return append(free, full[pos:]...), nil
}

// Restore re-inserts the canonical fixed values into a free vector.
func (c *Codec) Restore(free []float64) ([]float64, error) {
	if len(free) != c.free {
		return nil, optimization.WrapErrorf(optimization.ErrShapeMismatch,
			"free vector has %d values, want %d", len(free), c.free).
			WithComponent("codec").WithOperation("Restore")
	}
	full := make([]float64, 0, c.full)
	pos, consumed, fixedPos := 0, 0, 0
	for _, r := range c.ranges {
		gap := r.Low - pos
		full = append(full, free[consumed:consumed+gap]...)
		consumed += gap
		width := r.High - r.Low
		full = append(full, c.fixed[fixedPos:fixedPos+width]...)
		fixedPos += width
		pos = r.High
	}
	return append(full, free[consumed:]...), nil
}

// StripDimensions applies the same removal to per-index metadata such as
// search bounds.
func StripDimensions[T any](c *Codec, full []T) ([]T, error) {
	if len(full) != c.full {
		return nil, optimization.WrapErrorf(optimization.ErrShapeMismatch,
			"dimension list has %d entries, want %d", len(full), c.full).
			WithComponent("codec").WithOperation("StripDimensions")
	}
	out := make([]T, 0, c.free)
	pos := 0
	for _, r := range c.ranges {
		out = append(out, full[pos:r.Low]...)
		pos = r.High
	}
	return append(out, full[pos:]...), nil
}
