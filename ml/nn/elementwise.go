// elementwise.go - Elementweise Verknuepfungen fuer Residuals und Gating
package nn

import (
	"fmt"

	"github.com/ollama/asrexport/ml"
)

// Add addiert b auf a. b hat entweder den Shape von a oder wird ueber die
// fuehrenden Achsen von a wiederholt (z.B. [seq, dim] auf [1, seq, dim]).
func Add(a, b *ml.Tensor) (*ml.Tensor, error) {
	n := len(b.Data)
	if n == 0 || len(a.Data)%n != 0 {
		return nil, fmt.Errorf("%w: cannot add %v to %v", ml.ErrShapeMismatch, b.Shape, a.Shape)
	}

	y := ml.Zeros(a.Shape...)
	for i, v := range a.Data {
		y.Data[i] = v + b.Data[i%n]
	}
	return y, nil
}

// Mul multipliziert a und b elementweise, beide mit identischem Shape.
func Mul(a, b *ml.Tensor) (*ml.Tensor, error) {
	if err := b.CheckShape("mul operand", a.Shape...); err != nil {
		return nil, err
	}

	y := ml.Zeros(a.Shape...)
	for i, v := range a.Data {
		y.Data[i] = v * b.Data[i]
	}
	return y, nil
}
