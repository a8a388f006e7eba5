// norm.go - Normalisierungs-Layer
//
// Enthaelt:
// - LayerNorm: Mittelwert-zentrierte Normalisierung mit Gewicht und Bias
// - RMSNorm: Normalisierung ueber den quadratischen Mittelwert, ohne Zentrierung
//
// Beide normalisieren ueber die letzte Achse. Akkumulation erfolgt in float64.
package nn

import (
	"fmt"
	"math"

	"github.com/ollama/asrexport/ml"
)

// LayerNormRows normalisiert jede Zeile der Breite width von src nach dst.
func LayerNormRows(dst, src, weight, bias []float32, width int, eps float32) {
	for off := 0; off < len(src); off += width {
		row := src[off : off+width]

		var mean float64
		for _, v := range row {
			mean += float64(v)
		}
		mean /= float64(width)

		var variance float64
		for _, v := range row {
			d := float64(v) - mean
			variance += d * d
		}
		variance /= float64(width)

		inv := 1 / math.Sqrt(variance+float64(eps))
		out := dst[off : off+width]
		for i, v := range row {
			y := float32((float64(v) - mean) * inv)
			if weight != nil {
				y *= weight[i]
			}
			if bias != nil {
				y += bias[i]
			}
			out[i] = y
		}
	}
}

// LayerNorm normalisiert x ueber die letzte Achse.
func LayerNorm(x, weight, bias *ml.Tensor, eps float32) (*ml.Tensor, error) {
	width := x.Dim(-1)
	if len(weight.Data) != width || (bias != nil && len(bias.Data) != width) {
		return nil, fmt.Errorf("%w: layer norm width %d, weight %d", ml.ErrShapeMismatch, width, len(weight.Data))
	}

	var b []float32
	if bias != nil {
		b = bias.Data
	}

	y := ml.Zeros(x.Shape...)
	LayerNormRows(y.Data, x.Data, weight.Data, b, width, eps)
	return y, nil
}

// RMSNormRows berechnet weight * x / sqrt(mean(x^2) + eps) fuer jede Zeile.
func RMSNormRows(dst, src, weight []float32, width int, eps float32) {
	for off := 0; off < len(src); off += width {
		row := src[off : off+width]

		var sum float64
		for _, v := range row {
			sum += float64(v) * float64(v)
		}

		inv := 1 / math.Sqrt(sum/float64(width)+float64(eps))
		out := dst[off : off+width]
		for i, v := range row {
			out[i] = weight[i] * float32(float64(v)*inv)
		}
	}
}

// RMSNorm normalisiert x ueber die letzte Achse. Die Achse kann die
// Hidden-Breite (Layer-Norm) oder head_dim (Q/K-Norm je Kopf) sein.
func RMSNorm(x, weight *ml.Tensor, eps float32) (*ml.Tensor, error) {
	width := x.Dim(-1)
	if len(weight.Data) != width {
		return nil, fmt.Errorf("%w: rms norm width %d, weight %d", ml.ErrShapeMismatch, width, len(weight.Data))
	}

	y := ml.Zeros(x.Shape...)
	RMSNormRows(y.Data, x.Data, weight.Data, width, eps)
	return y, nil
}
