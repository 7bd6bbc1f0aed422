package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
)

// Matrices travel as two byte strings:
//
//  1. shape: ASCII comma-separated dimension sizes, e.g. "2,3"
//  2. data:  row-major elements, each a 4-byte big-endian signed integer (">i4")
//
// Width and byte order are a cross-language contract. A peer using anything else
// decodes wrong values without any error, so they are fixed here.
const elementSize = 4

var ErrMatrixShape = errors.New("codec: invalid matrix shape")

// Matrix is an n-dimensional int32 array stored flat in row-major order.
type Matrix struct {
	Shape []int
	Data  []int32
}

// NewMatrix builds a 2-D matrix from rows. Ragged rows are padded with zeros up to
// the longest row.
func NewMatrix(rows [][]int32) *Matrix {
	cols := 0
	for _, row := range rows {
		cols = max(cols, len(row))
	}
	m := &Matrix{Shape: []int{len(rows), cols}, Data: make([]int32, len(rows)*cols)}
	for i, row := range rows {
		copy(m.Data[i*cols:], row)
	}
	return m
}

// Rows returns a 2-D matrix as a slice of rows.
func (m *Matrix) Rows() [][]int32 {
	if len(m.Shape) != 2 {
		return nil
	}
	rows, cols := m.Shape[0], m.Shape[1]
	out := make([][]int32, rows)
	for i := range out {
		out[i] = append([]int32(nil), m.Data[i*cols:(i+1)*cols]...)
	}
	return out
}

// Size returns the number of elements implied by the shape.
func (m *Matrix) Size() int {
	return shapeSize(m.Shape)
}

// ShapeString renders the shape in wire form.
func (m *Matrix) ShapeString() string {
	parts := make([]string, len(m.Shape))
	for i, d := range m.Shape {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}

// EncodeMatrix returns the (shape, data) pair for m.
func EncodeMatrix(m *Matrix) ([]byte, []byte, error) {
	if m.Size() != len(m.Data) {
		return nil, nil, fmt.Errorf("%w: shape %v holds %d elements, have %d", ErrMatrixShape, m.Shape, m.Size(), len(m.Data))
	}
	buf := make([]byte, 0, len(m.Data)*elementSize)
	for _, v := range m.Data {
		buf = binary.BigEndian.AppendUint32(buf, uint32(v))
	}
	return []byte(m.ShapeString()), buf, nil
}

// DecodeMatrix parses a (shape, data) pair. The data length must match the shape exactly.
func DecodeMatrix(shape, data []byte) (*Matrix, error) {
	dims, err := parseShape(string(shape))
	if err != nil {
		return nil, err
	}
	n := shapeSize(dims)
	if len(data) != n*elementSize {
		return nil, fmt.Errorf("%w: shape %v needs %d bytes, got %d", ErrMatrixShape, dims, n*elementSize, len(data))
	}
	m := &Matrix{Shape: dims, Data: make([]int32, n)}
	for i := range m.Data {
		m.Data[i] = int32(binary.BigEndian.Uint32(data[i*elementSize:]))
	}
	return m, nil
}

// MatMul multiplies two 2-D matrices.
func MatMul(a, b *Matrix) (*Matrix, error) {
	if len(a.Shape) != 2 || len(b.Shape) != 2 {
		return nil, fmt.Errorf("%w: matmul needs 2-D operands, got %v and %v", ErrMatrixShape, a.Shape, b.Shape)
	}
	n, k, m := a.Shape[0], a.Shape[1], b.Shape[1]
	if b.Shape[0] != k {
		return nil, fmt.Errorf("%w: matmul mismatch in core dimension, (%d,%d) x (%d,%d)", ErrMatrixShape, n, k, b.Shape[0], m)
	}
	out := &Matrix{Shape: []int{n, m}, Data: make([]int32, n*m)}
	for i := 0; i < n; i++ {
		for j := 0; j < m; j++ {
			var sum int32
			for x := 0; x < k; x++ {
				sum += a.Data[i*k+x] * b.Data[x*m+j]
			}
			out.Data[i*m+j] = sum
		}
	}
	return out, nil
}

func parseShape(s string) ([]int, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: empty shape", ErrMatrixShape)
	}
	parts := strings.Split(s, ",")
	dims := make([]int, len(parts))
	n := 1
	for i, p := range parts {
		d, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrMatrixShape, s, err)
		}
		if d < 0 {
			return nil, fmt.Errorf("%w: negative dimension in %q", ErrMatrixShape, s)
		}
		// The byte length of the data must stay representable as an int.
		if d != 0 && n > math.MaxInt/elementSize/d {
			return nil, fmt.Errorf("%w: %q is too large", ErrMatrixShape, s)
		}
		n *= d
		dims[i] = d
	}
	return dims, nil
}

func shapeSize(dims []int) int {
	if len(dims) == 0 {
		return 0
	}
	n := 1
	for _, d := range dims {
		n *= d
	}
	return n
}

// RandomMatrix returns a rows x cols matrix with elements in [0, 1000).
func RandomMatrix(rows, cols int) *Matrix {
	m := &Matrix{Shape: []int{rows, cols}, Data: make([]int32, rows*cols)}
	for i := range m.Data {
		m.Data[i] = rand.Int32N(1000)
	}
	return m
}
