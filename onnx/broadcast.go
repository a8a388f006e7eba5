// broadcast.go - Numpy-Broadcasting und strided Iteration fuer den Interpreter
package onnx

import (
	"fmt"
	"slices"

	"github.com/ollama/asrexport/ml"
)

func stridesOf(shape []int) []int {
	s := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= shape[i]
	}
	return s
}

func broadcastShape(shapes ...[]int) ([]int, error) {
	rank := 0
	for _, s := range shapes {
		rank = max(rank, len(s))
	}

	out := make([]int, rank)
	for i := range out {
		out[i] = 1
	}
	for _, s := range shapes {
		off := rank - len(s)
		for i, d := range s {
			switch {
			case d == out[off+i] || d == 1:
			case out[off+i] == 1:
				out[off+i] = d
			default:
				return nil, fmt.Errorf("%w: cannot broadcast %v", ml.ErrShapeMismatch, shapes)
			}
		}
	}
	return out, nil
}

// broadcastStrides gibt die Schrittweiten von shape bezogen auf out zurueck,
// gebroadcastete Achsen erhalten Schrittweite 0.
func broadcastStrides(shape, out []int) []int {
	src := stridesOf(shape)
	s := make([]int, len(out))
	off := len(out) - len(shape)
	for i, d := range shape {
		if d != 1 {
			s[off+i] = src[i]
		}
	}
	return s
}

// cursor laeuft row-major ueber shape und fuehrt fuer jede Schrittweiten-Menge
// einen Offset mit.
type cursor struct {
	shape   []int
	idx     []int
	strides [][]int
	offs    []int
}

func newCursor(shape []int, strides ...[]int) *cursor {
	return &cursor{
		shape:   shape,
		idx:     make([]int, len(shape)),
		strides: strides,
		offs:    make([]int, len(strides)),
	}
}

func (c *cursor) next() {
	for d := len(c.shape) - 1; d >= 0; d-- {
		c.idx[d]++
		for k, s := range c.strides {
			c.offs[k] += s[d]
		}
		if c.idx[d] < c.shape[d] {
			return
		}
		for k, s := range c.strides {
			c.offs[k] -= s[d] * c.shape[d]
		}
		c.idx[d] = 0
	}
}

func pick[T any](data []T, src []int) []T {
	out := make([]T, len(src))
	for i, s := range src {
		out[i] = data[s]
	}
	return out
}

// take baut einen Wert mit shape aus den Elementen src von v.
func take(v *Value, shape []int, src []int) *Value {
	out := &Value{DataType: v.DataType, Shape: shape}
	if v.DataType == DataTypeFloat {
		out.Float = pick(v.Float, src)
	} else {
		out.Int64 = pick(v.Int64, src)
	}
	return out
}

// reshaped teilt die Daten von v unter neuem Shape.
func reshaped(v *Value, shape []int) (*Value, error) {
	if ml.Elements(shape...) != v.Elements() {
		return nil, fmt.Errorf("%w: cannot reshape %v to %v", ml.ErrShapeMismatch, v.Shape, shape)
	}
	return &Value{DataType: v.DataType, Shape: slices.Clone(shape), Float: v.Float, Int64: v.Int64}, nil
}

func normAxis(axis int64, rank int) (int, error) {
	if axis < 0 {
		axis += int64(rank)
	}
	if axis < 0 || axis >= int64(rank) {
		return 0, fmt.Errorf("%w: axis %d out of range for rank %d", ml.ErrShapeMismatch, axis, rank)
	}
	return int(axis), nil
}

func scalarInt(v *Value) (int64, error) {
	if v.Elements() != 1 {
		return 0, fmt.Errorf("%w: expected scalar, got %v", ml.ErrShapeMismatch, v.Shape)
	}
	if v.DataType == DataTypeFloat {
		return int64(v.Float[0]), nil
	}
	return v.Int64[0], nil
}

func intsOf(v *Value) ([]int64, error) {
	if v.DataType != DataTypeInt64 {
		return nil, fmt.Errorf("%w: expected int64 tensor, got %s", ErrInvalidInput, v.DataType)
	}
	return v.Int64, nil
}
