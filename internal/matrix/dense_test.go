package matrix

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMulReference(t *testing.T) {
	a, _ := New(2, 2, []float32{1, 2, 3, 4})
	b, _ := New(2, 2, []float32{4, 3, 2, 1})
	want, _ := New(2, 2, []float32{8, 5, 20, 13})

	got, err := MulReference(a, b)
	require.NoError(t, err)
	assert.True(t, got.Equal(want), "got %v", got)
}

func TestMulReference_Mismatch(t *testing.T) {
	_, err := MulReference(Zeros(2, 3), Zeros(2, 3))
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestMulReference_Degenerate(t *testing.T) {
	got, err := MulReference(Zeros(3, 0), Zeros(0, 2))
	require.NoError(t, err)
	assert.Equal(t, 3, got.Rows())
	assert.Equal(t, 2, got.Cols())
}

func TestDenseRoundTrip(t *testing.T) {
	m, _ := New(2, 3, []float32{1, 2, 3, 4, 5, 6})
	d := ToDense(m)
	r, c := d.Dims()
	assert.Equal(t, 2, r)
	assert.Equal(t, 3, c)
	assert.True(t, FromDense(d).Equal(m))
}
