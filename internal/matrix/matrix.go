// Package matrix provides the dense float32 matrix shared by every multiplication strategy,
// together with the readers and writers for the on-disk formats.
package matrix

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Tolerance is the absolute per-element difference under which two matrices compare equal.
const Tolerance = 0.01

// Matrix is a dense row-major matrix of float32 values.
type Matrix struct {
	rows, cols int
	data       []float32 // len(data) == rows*cols
}

// New creates a rows×cols matrix holding a copy of data.
func New(rows, cols int, data []float32) (*Matrix, error) {
	if rows < 0 || cols < 0 {
		return nil, fmt.Errorf("%w: negative dimensions %dx%d", ErrInvalidData, rows, cols)
	}
	if cols != 0 && rows > math.MaxInt/cols {
		return nil, fmt.Errorf("%w: %d * %d overflows", ErrInvalidData, rows, cols)
	}
	if rows*cols != len(data) {
		return nil, fmt.Errorf("%w: %d * %d != %d (data size)", ErrInvalidData, rows, cols, len(data))
	}

	buf := make([]float32, len(data))
	copy(buf, data)
	return &Matrix{rows: rows, cols: cols, data: buf}, nil
}

// Zeros creates a zeroed rows×cols matrix.
func Zeros(rows, cols int) *Matrix {
	return &Matrix{rows: rows, cols: cols, data: make([]float32, rows*cols)}
}

// Rows returns the number of rows.
func (m *Matrix) Rows() int { return m.rows }

// Cols returns the number of columns.
func (m *Matrix) Cols() int { return m.cols }

// Dims returns rows and columns.
func (m *Matrix) Dims() (int, int) { return m.rows, m.cols }

// Data returns the backing slice in row-major order. Callers must not modify it
// unless they own the matrix.
func (m *Matrix) Data() []float32 { return m.data }

// At returns the element at (row, col). Indices are not validated.
func (m *Matrix) At(row, col int) float32 {
	return m.data[row*m.cols+col]
}

// Set stores v at (row, col). Indices are not validated.
func (m *Matrix) Set(row, col int, v float32) {
	m.data[row*m.cols+col] = v
}

// ZeroPadded returns a copy whose dimensions are rounded up to the next multiple of tile,
// with the original content in the top-left corner and zeroes elsewhere.
func (m *Matrix) ZeroPadded(tile int) *Matrix {
	rows, cols := m.Dims()
	if tile <= 1 || (rows%tile == 0 && cols%tile == 0) {
		return m.Clone()
	}

	res := Zeros(RoundUp(rows, tile), RoundUp(cols, tile))
	for i := 0; i < rows; i++ {
		copy(res.data[i*res.cols:i*res.cols+cols], m.data[i*cols:(i+1)*cols])
	}
	return res
}

// Trimmed returns a copy of the top-left rows×cols block.
func (m *Matrix) Trimmed(rows, cols int) *Matrix {
	res := Zeros(rows, cols)
	for i := 0; i < rows; i++ {
		copy(res.data[i*cols:(i+1)*cols], m.data[i*m.cols:i*m.cols+cols])
	}
	return res
}

// Clone returns an independent copy of m.
func (m *Matrix) Clone() *Matrix {
	buf := make([]float32, len(m.data))
	copy(buf, m.data)
	return &Matrix{rows: m.rows, cols: m.cols, data: buf}
}

// Equal reports whether both matrices have the same shape and every pair of elements
// differs by less than Tolerance.
func (m *Matrix) Equal(other *Matrix) bool {
	if m == nil || other == nil {
		return m == other
	}
	if m.rows != other.rows || m.cols != other.cols {
		return false
	}
	for i, v := range m.data {
		// NaN never compares below the tolerance.
		if !(math.Abs(float64(v-other.data[i])) < Tolerance) {
			return false
		}
	}
	return true
}

// String renders the matrix one row per line, values separated by a single space.
func (m *Matrix) String() string {
	var sb strings.Builder
	sb.Grow(len(m.data) * 8)
	for i := 0; i < m.rows; i++ {
		for j := 0; j < m.cols; j++ {
			if j > 0 {
				sb.WriteByte(' ')
			}
			sb.WriteString(strconv.FormatFloat(float64(m.At(i, j)), 'g', -1, 32))
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

// RoundUp returns the smallest multiple of tile that is >= n.
func RoundUp(n, tile int) int {
	if tile <= 1 {
		return n
	}
	if rem := n % tile; rem != 0 {
		return n - rem + tile
	}
	return n
}
