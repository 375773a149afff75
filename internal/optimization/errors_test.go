package optimization

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "message only",
			err:  &Error{Message: "boom"},
			want: "boom",
		},
		{
			name: "component and op",
			err:  WrapError(ErrShapeMismatch, "got 40 values").WithComponent("codec").WithOperation("Strip"),
			want: "codec: Strip: got 40 values: shape mismatch",
		},
		{
			name: "component only",
			err:  NewErrorf("bad %d", 3).WithComponent("space"),
			want: "space: bad 3",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestErrorMatching(t *testing.T) {
	err := fmt.Errorf("batch 3: %w", WrapErrorf(ErrReplicaFailed, "job %s", "abc").WithComponent("reducer"))

	assert.True(t, errors.Is(err, ErrReplicaFailed))
	assert.False(t, errors.Is(err, ErrIncompleteJob))

	oe, ok := IsOptimizationError(err)
	assert.True(t, ok)
	assert.Equal(t, "reducer", oe.Component)

	assert.Nil(t, WrapError(nil, "ignored"))
	_, ok = IsOptimizationError(errors.New("plain"))
	assert.False(t, ok)
}
