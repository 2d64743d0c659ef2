package matrix

import "errors"

var (
	// ErrInvalidData is returned when the data length does not match rows*cols.
	ErrInvalidData = errors.New("matrix: invalid data")

	// ErrDimensionMismatch is returned when the shared dimension of two operands disagrees.
	ErrDimensionMismatch = errors.New("matrix: dimension mismatch")

	// ErrFormat is returned by the readers for malformed input.
	ErrFormat = errors.New("matrix: malformed input")
)
