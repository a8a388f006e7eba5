// tensor.go - Dichter float32 Tensor fuer die Referenz-Ausfuehrung
//
// Dieses Modul enthaelt:
// - Tensor: Row-major float32 Daten plus Shape
// - NewTensor/Zeros: Konstruktoren mit Shape-Pruefung
// - MaxAbsDiff: Maximale absolute Abweichung zweier Tensoren
// - Permute/Transpose2D: Achsen-Permutation ueber pdevine/tensor
package ml

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/pdevine/tensor"
	"github.com/pdevine/tensor/native"
)

// ErrShapeMismatch signalisiert eine strukturelle Abweichung zwischen erwarteter
// und tatsaechlicher Tensor-Form.
var ErrShapeMismatch = errors.New("shape mismatch")

// Tensor ist ein dichter row-major float32 Tensor.
type Tensor struct {
	Shape []int
	Data  []float32
}

// NewTensor erstellt einen Tensor ueber data. len(data) muss zum Shape passen.
func NewTensor(data []float32, shape ...int) (*Tensor, error) {
	if n := Elements(shape...); n != len(data) {
		return nil, fmt.Errorf("%w: %d elements for shape %v", ErrShapeMismatch, len(data), shape)
	}
	return &Tensor{Shape: slices.Clone(shape), Data: data}, nil
}

// Zeros erstellt einen mit Nullen gefuellten Tensor.
func Zeros(shape ...int) *Tensor {
	return &Tensor{Shape: slices.Clone(shape), Data: make([]float32, Elements(shape...))}
}

// Elements gibt die Anzahl Elemente eines Shapes zurueck.
func Elements(shape ...int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Dim gibt die Groesse der Achse i zurueck, negative Indizes zaehlen von hinten.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.Shape)
	}
	return t.Shape[i]
}

// Reshape aendert die Form ohne Daten zu kopieren.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	if Elements(shape...) != len(t.Data) {
		return nil, fmt.Errorf("%w: cannot reshape %v to %v", ErrShapeMismatch, t.Shape, shape)
	}
	return &Tensor{Shape: slices.Clone(shape), Data: t.Data}, nil
}

// CheckShape prueft, dass t exakt den erwarteten Shape hat.
func (t *Tensor) CheckShape(name string, want ...int) error {
	if !slices.Equal(t.Shape, want) {
		return fmt.Errorf("%w: %s has shape %v, want %v", ErrShapeMismatch, name, t.Shape, want)
	}
	return nil
}

// MaxAbsDiff gibt die groesste absolute Elementabweichung zurueck.
// NaN auf einer Seite ergibt +Inf.
func MaxAbsDiff(a, b *Tensor) (float64, error) {
	if !slices.Equal(a.Shape, b.Shape) {
		return 0, fmt.Errorf("%w: %v vs %v", ErrShapeMismatch, a.Shape, b.Shape)
	}

	var m float64
	for i := range a.Data {
		d := math.Abs(float64(a.Data[i]) - float64(b.Data[i]))
		if math.IsNaN(d) {
			return math.Inf(1), nil
		}
		m = max(m, d)
	}
	return m, nil
}

// Permute ordnet die Achsen von data (Shape dims) gemaess axes um und
// gibt die materialisierten Daten zurueck.
func Permute(data []float32, dims []int, axes ...int) ([]float32, error) {
	var tt tensor.Tensor = tensor.New(tensor.WithShape(slices.Clone(dims)...), tensor.WithBacking(slices.Clone(data)))

	tt, err := tensor.Transpose(tt, axes...)
	if err != nil {
		return nil, err
	}
	tt = tensor.Materialize(tt)

	if err := tt.Reshape(tt.Shape().TotalSize()); err != nil {
		return nil, err
	}

	return native.VectorF32(tt.(*tensor.Dense))
}

// Transpose2D transponiert eine [rows, cols] Matrix zu [cols, rows].
func Transpose2D(t *Tensor) (*Tensor, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("%w: transpose of rank %d tensor", ErrShapeMismatch, len(t.Shape))
	}

	data, err := Permute(t.Data, t.Shape, 1, 0)
	if err != nil {
		return nil, err
	}
	return &Tensor{Shape: []int{t.Shape[1], t.Shape[0]}, Data: data}, nil
}
