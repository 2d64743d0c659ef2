package matrix

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// ReadPair parses two matrices from r.
//
// The first line holds "<rows> <cols> <shared>": the first matrix is rows×cols and the
// second is cols×shared. Each following line is one matrix row. Nothing may follow the
// last row of the second matrix.
func ReadPair(r io.Reader) (*Matrix, *Matrix, error) {
	br := bufio.NewReader(r)

	header, err := readLine(br)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: header: %v", ErrFormat, err)
	}
	fields := strings.Fields(header)
	if len(fields) != 3 {
		return nil, nil, fmt.Errorf("%w: header must hold 3 dimensions, got %d", ErrFormat, len(fields))
	}
	var dims [3]int
	for i, f := range fields {
		v, err := strconv.ParseUint(f, 10, 31)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: dimension %q: %v", ErrFormat, f, err)
		}
		dims[i] = int(v)
	}
	n, m, k := dims[0], dims[1], dims[2]
	if overflows(n, m) || overflows(m, k) {
		return nil, nil, fmt.Errorf("%w: dimensions %d %d %d are too large", ErrFormat, n, m, k)
	}

	a, err := readRows(br, n, m)
	if err != nil {
		return nil, nil, fmt.Errorf("first matrix: %w", err)
	}
	b, err := readRows(br, m, k)
	if err != nil {
		return nil, nil, fmt.Errorf("second matrix: %w", err)
	}

	if _, err := br.ReadByte(); !errors.Is(err, io.EOF) {
		return nil, nil, fmt.Errorf("%w: trailing content after %d rows", ErrFormat, n+m)
	}

	return a, b, nil
}

// WriteText writes m in the result format: one row per line.
func WriteText(w io.Writer, m *Matrix) error {
	_, err := io.WriteString(w, m.String())
	return err
}

func readRows(br *bufio.Reader, rows, cols int) (*Matrix, error) {
	// The header is untrusted, so the buffer grows with the rows actually read.
	data := make([]float32, 0, min(rows*cols, maxPrealloc))
	for i := 0; i < rows; i++ {
		line, err := readLine(br)
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		fields := strings.Fields(line)
		if len(fields) != cols {
			return nil, fmt.Errorf("%w: row %d holds %d values, want %d", ErrFormat, i, len(fields), cols)
		}
		for _, f := range fields {
			v, err := strconv.ParseFloat(f, 32)
			if err != nil {
				return nil, fmt.Errorf("%w: row %d: %v", ErrFormat, i, err)
			}
			data = append(data, float32(v))
		}
	}
	return New(rows, cols, data)
}

// maxPrealloc bounds the capacity reserved from the header dimensions.
const maxPrealloc = 1 << 20

func overflows(a, b int) bool {
	return b != 0 && a > math.MaxInt/b
}

// readLine returns the next line without its terminator. io.EOF is returned only
// when nothing at all could be read.
func readLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			err = nil
		} else {
			return "", err
		}
	}
	return strings.TrimRight(line, "\r\n"), nil
}
