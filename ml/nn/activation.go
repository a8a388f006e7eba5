// activation.go - Aktivierungsfunktionen und Softmax
package nn

import (
	"math"

	"github.com/ollama/asrexport/ml"
)

// GELU ist die exakte (erf-basierte) Gaussian Error Linear Unit.
func GELU(x *ml.Tensor) *ml.Tensor {
	y := ml.Zeros(x.Shape...)
	for i, v := range x.Data {
		y.Data[i] = 0.5 * v * (1 + float32(math.Erf(float64(v)/math.Sqrt2)))
	}
	return y
}

// SiLU berechnet x * sigmoid(x).
func SiLU(x *ml.Tensor) *ml.Tensor {
	y := ml.Zeros(x.Shape...)
	for i, v := range x.Data {
		y.Data[i] = v * Sigmoid(v)
	}
	return y
}

// Sigmoid berechnet 1 / (1 + exp(-v)).
func Sigmoid(v float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(v))))
}

// SoftmaxRows wendet Softmax auf jede Zeile der Breite width an.
// Eintraege mit -Inf erhalten exakt Gewicht 0.
func SoftmaxRows(dst, src []float32, width int) {
	for off := 0; off < len(src); off += width {
		row := src[off : off+width]
		out := dst[off : off+width]

		m := float32(math.Inf(-1))
		for _, v := range row {
			m = max(m, v)
		}

		var sum float64
		for i, v := range row {
			e := math.Exp(float64(v - m))
			out[i] = float32(e)
			sum += e
		}
		for i := range out {
			out[i] = float32(float64(out[i]) / sum)
		}
	}
}

// Softmax normalisiert ueber die letzte Achse.
func Softmax(x *ml.Tensor) *ml.Tensor {
	y := ml.Zeros(x.Shape...)
	SoftmaxRows(y.Data, x.Data, x.Dim(-1))
	return y
}
