// rope.go - Positionskodierungen
//
// Enthaelt:
// - RopeInvFreq/RopeTable: Rotary Position Embedding Tabellen (cos/sin je Position)
// - ApplyRope: Half-Split Rotation von Query/Key Koepfen
// - SinusoidInvTimescales/SinusoidTable: analytische Positions-Embeddings des Audio-Encoders
package nn

import (
	"fmt"
	"math"

	"github.com/ollama/asrexport/ml"
)

// RopeInvFreq gibt theta^(-2i/headDim) fuer i in [0, headDim/2) zurueck.
func RopeInvFreq(headDim int, theta float64) []float32 {
	inv := make([]float32, headDim/2)
	for i := range inv {
		exponent := float32(2*i) / float32(headDim)
		inv[i] = float32(1 / math.Pow(theta, float64(exponent)))
	}
	return inv
}

// RopeTable baut cos/sin Tabellen [len(positions), headDim]. Die Winkel
// position * invFreq werden ueber beide Haelften von headDim dupliziert.
func RopeTable(positions []int64, invFreq []float32) (cos, sin *ml.Tensor) {
	half := len(invFreq)
	dim := 2 * half
	cos = ml.Zeros(len(positions), dim)
	sin = ml.Zeros(len(positions), dim)
	for p, pos := range positions {
		for i, f := range invFreq {
			angle := float32(pos) * f
			c := float32(math.Cos(float64(angle)))
			s := float32(math.Sin(float64(angle)))
			cos.Data[p*dim+i], cos.Data[p*dim+half+i] = c, c
			sin.Data[p*dim+i], sin.Data[p*dim+half+i] = s, s
		}
	}
	return cos, sin
}

// ApplyRope rotiert x [heads, seq, headDim] mit cos/sin [seq, headDim]:
// out = x*cos + concat(-x2, x1)*sin.
func ApplyRope(x, cos, sin *ml.Tensor) (*ml.Tensor, error) {
	if len(x.Shape) != 3 {
		return nil, fmt.Errorf("%w: rope input %v, want [heads, seq, dim]", ml.ErrShapeMismatch, x.Shape)
	}

	heads, seq, dim := x.Shape[0], x.Shape[1], x.Shape[2]
	if err := cos.CheckShape("rope cos", seq, dim); err != nil {
		return nil, err
	}

	half := dim / 2
	y := ml.Zeros(x.Shape...)
	for h := range heads {
		for s := range seq {
			row := x.Data[(h*seq+s)*dim : (h*seq+s+1)*dim]
			out := y.Data[(h*seq+s)*dim : (h*seq+s+1)*dim]
			c := cos.Data[s*dim : (s+1)*dim]
			sn := sin.Data[s*dim : (s+1)*dim]
			for i := range dim {
				var rotated float32
				if i < half {
					rotated = -row[i+half]
				} else {
					rotated = row[i-half]
				}
				out[i] = row[i]*c[i] + rotated*sn[i]
			}
		}
	}
	return y, nil
}

// SinusoidInvTimescales gibt exp(-k*ln(maxTimescale)/(channels/2-1)) fuer k in [0, channels/2) zurueck.
func SinusoidInvTimescales(channels int, maxTimescale float64) []float32 {
	half := channels / 2
	logTimescale := float32(math.Log(maxTimescale) / float64(half-1))
	inv := make([]float32, half)
	for k := range inv {
		inv[k] = float32(math.Exp(float64(-logTimescale * float32(k))))
	}
	return inv
}

// SinusoidTable baut [length, channels] = concat(sin(pos*inv), cos(pos*inv)).
func SinusoidTable(length int, invTimescales []float32) *ml.Tensor {
	half := len(invTimescales)
	channels := 2 * half
	t := ml.Zeros(length, channels)
	for pos := range length {
		for k, f := range invTimescales {
			scaled := float32(pos) * f
			t.Data[pos*channels+k] = float32(math.Sin(float64(scaled)))
			t.Data[pos*channels+half+k] = float32(math.Cos(float64(scaled)))
		}
	}
	return t
}
