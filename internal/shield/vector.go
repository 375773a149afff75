package shield

import (
	"encoding/base64"
	"math"
	"strconv"
	"strings"

	"github.com/copyleftdev/shieldopt/internal/optimization"
)

// FormatVector renders a vector as "[70.0, 170.0, ...]", the form stored in
// job metadata and passed to the simulator.
func FormatVector(v []float64) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			b.WriteString(", ")
		}
		if x == math.Trunc(x) && math.Abs(x) < 1e15 {
			b.WriteString(strconv.FormatFloat(x, 'f', 1, 64))
		} else {
			b.WriteString(strconv.FormatFloat(x, 'g', -1, 64))
		}
	}
	b.WriteByte(']')
	return b.String()
}

// ParseVector parses the output of FormatVector. Brackets are optional.
func ParseVector(s string) ([]float64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	if strings.TrimSpace(s) == "" {
		return []float64{}, nil
	}
	parts := strings.Split(s, ",")
	v := make([]float64, len(parts))
	for i, p := range parts {
		x, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, optimization.WrapErrorf(err, "element %d", i).
				WithComponent("shield").WithOperation("ParseVector")
		}
		v[i] = x
	}
	return v, nil
}

// EncodeVector is the base64 of FormatVector, safe to embed in a shell
// command line.
func EncodeVector(v []float64) string {
	return base64.StdEncoding.EncodeToString([]byte(FormatVector(v)))
}

// DecodeVector reverses EncodeVector.
func DecodeVector(s string) ([]float64, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, optimization.WrapError(err, "invalid base64").
			WithComponent("shield").WithOperation("DecodeVector")
	}
	return ParseVector(string(raw))
}
