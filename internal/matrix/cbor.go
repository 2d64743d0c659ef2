package matrix

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// wireMatrix is the CBOR representation of a Matrix.
type wireMatrix struct {
	Rows int       `cbor:"1,keyasint"`
	Cols int       `cbor:"2,keyasint"`
	Data []float32 `cbor:"3,keyasint"`
}

// wirePair is the CBOR document holding both operands.
type wirePair struct {
	A wireMatrix `cbor:"a"`
	B wireMatrix `cbor:"b"`
}

// MarshalCBOR implements cbor.Marshaler.
func (m *Matrix) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(wireMatrix{Rows: m.rows, Cols: m.cols, Data: m.data})
}

// UnmarshalCBOR implements cbor.Unmarshaler. The decoded shape is validated like New.
func (m *Matrix) UnmarshalCBOR(b []byte) error {
	var w wireMatrix
	if err := cbor.Unmarshal(b, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrFormat, err)
	}
	res, err := New(w.Rows, w.Cols, w.Data)
	if err != nil {
		return err
	}
	*m = *res
	return nil
}

// ReadPairCBOR decodes a {"a": ..., "b": ...} document.
func ReadPairCBOR(r io.Reader) (*Matrix, *Matrix, error) {
	var p wirePair
	if err := cbor.NewDecoder(r).Decode(&p); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	a, err := New(p.A.Rows, p.A.Cols, p.A.Data)
	if err != nil {
		return nil, nil, fmt.Errorf("first matrix: %w", err)
	}
	b, err := New(p.B.Rows, p.B.Cols, p.B.Data)
	if err != nil {
		return nil, nil, fmt.Errorf("second matrix: %w", err)
	}
	return a, b, nil
}

// WritePairCBOR encodes both operands as a single document.
func WritePairCBOR(w io.Writer, a, b *Matrix) error {
	p := wirePair{
		A: wireMatrix{Rows: a.rows, Cols: a.cols, Data: a.data},
		B: wireMatrix{Rows: b.rows, Cols: b.cols, Data: b.data},
	}
	return cbor.NewEncoder(w).Encode(p)
}

// WriteCBOR encodes a single matrix.
func WriteCBOR(w io.Writer, m *Matrix) error {
	return cbor.NewEncoder(w).Encode(m)
}
