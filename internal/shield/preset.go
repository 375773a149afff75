package shield

import (
	"github.com/copyleftdev/shieldopt/internal/optimization/space"
)

// DefaultPoint is the canonical design: two absorber lengths, six magnet
// lengths, then (dXIn, dXOut, dYIn, dYOut, gapIn, gapOut) for each of the
// eight modules.
var DefaultPoint = []float64{
	70, 170, 255, 255, 255, 255, 255, 255,
	40, 40, 150, 150, 2, 2,
	80, 80, 150, 150, 2, 2,
	40, 40, 150, 150, 2, 2,
	40, 40, 150, 150, 2, 2,
	40, 40, 150, 150, 2, 2,
	40, 40, 150, 150, 2, 2,
	40, 40, 150, 150, 2, 2,
	40, 40, 150, 150, 2, 2,
}

var (
	// FullRanges only pins the two absorber lengths.
	FullRanges = []Range{{Low: 0, High: 2}}
	// ReducedRanges leaves the first module's dXIn as the single free value.
	ReducedRanges = []Range{{Low: 0, High: 8}, {Low: 9, High: FullDim}}
)

// gap is the half length of the gap between magnets.
const gap = 5

// Dimensions returns the bound of every design vector index.
func Dimensions() []space.Dimension {
	dims := make([]space.Dimension, 0, FullDim)
	for i := 0; i < 8; i++ {
		dims = append(dims, space.Integer(170+gap, 300+gap))
	}
	for i := 0; i < 8; i++ {
		dims = append(dims,
			space.Integer(10, 100), space.Integer(10, 100), // dXIn, dXOut
			space.Integer(20, 200), space.Integer(20, 200), // dYIn, dYOut
			space.Integer(2, 70), space.Integer(2, 70), // gapIn, gapOut
		)
	}
	return dims
}

// Preset bundles a codec with the matching free search space.
type Preset struct {
	Codec *Codec
	Space *space.Space
}

// NewPreset returns the full or the reduced search preset.
func NewPreset(reduced bool) (*Preset, error) {
	ranges := FullRanges
	if reduced {
		ranges = ReducedRanges
	}
	codec, err := NewCodec(FullDim, ranges, DefaultPoint)
	if err != nil {
		return nil, err
	}
	dims, err := StripDimensions(codec, Dimensions())
	if err != nil {
		return nil, err
	}
	sp, err := space.New(dims...)
	if err != nil {
		return nil, err
	}
	return &Preset{Codec: codec, Space: sp}, nil
}
