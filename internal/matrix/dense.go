package matrix

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ToDense converts m into a gonum float64 matrix.
func ToDense(m *Matrix) *mat.Dense {
	if m.rows == 0 || m.cols == 0 {
		// gonum refuses zero-sized matrices.
		return nil
	}
	data := make([]float64, len(m.data))
	for i, v := range m.data {
		data[i] = float64(v)
	}
	return mat.NewDense(m.rows, m.cols, data)
}

// FromDense converts a gonum matrix into a Matrix, narrowing to float32.
func FromDense(d mat.Matrix) *Matrix {
	r, c := d.Dims()
	res := Zeros(r, c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			res.Set(i, j, float32(d.At(i, j)))
		}
	}
	return res
}

// MulReference multiplies a and b with gonum in float64 precision. It is independent of
// every strategy in this module and serves as an oracle for verification.
func MulReference(a, b *Matrix) (*Matrix, error) {
	if a.cols != b.rows {
		return nil, fmt.Errorf("%w: %dx%d * %dx%d", ErrDimensionMismatch, a.rows, a.cols, b.rows, b.cols)
	}
	if a.rows == 0 || a.cols == 0 || b.cols == 0 {
		return Zeros(a.rows, b.cols), nil
	}

	var res mat.Dense
	res.Mul(ToDense(a), ToDense(b))
	return FromDense(&res), nil
}
