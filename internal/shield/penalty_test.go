package shield

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFCN(t *testing.T) {
	t.Run("reference scenario", func(t *testing.T) {
		want := (1 + math.Exp(10*(2e6-1915820)/1915820)) * 5.0
		assert.InDelta(t, want, FCN(2e6, 4.0, 0), 1e-9)
	})

	t.Run("heavy shield is flat", func(t *testing.T) {
		for _, s := range []float64{0, 4, 1e6} {
			for _, l := range []float64{0, 3000} {
				assert.Equal(t, 1e8, FCN(5e6, s, l))
				assert.Equal(t, 1e8, FCN(3e6+1, s, l))
			}
		}
	})

	t.Run("cap itself uses the smooth term", func(t *testing.T) {
		assert.NotEqual(t, HeavyPenalty, FCN(HeavyWeight, 0, 0))
	})

	t.Run("length is ignored", func(t *testing.T) {
		assert.Equal(t, FCN(1.5e6, 2, 0), FCN(1.5e6, 2, 3500))
	})
}

func TestFCNMonotoneInLeakage(t *testing.T) {
	for _, w := range []float64{0, 1e6, 1.9e6, ReferenceWeight} {
		prev := math.Inf(-1)
		for s := 0.0; s < 50; s += 0.5 {
			v := FCN(w, s, 0)
			assert.GreaterOrEqual(t, v, prev, "w=%v s=%v", w, s)
			prev = v
		}
	}
}
