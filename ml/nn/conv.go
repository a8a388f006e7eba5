// conv.go - 2D-Faltung ueber im2col + GEMM
package nn

import (
	"fmt"

	"github.com/ollama/asrexport/ml"
)

// ConvOutSize gibt die Ausgabelaenge einer Achse fuer Kernel k, Stride s und Padding p zurueck.
func ConvOutSize(in, k, s, p int) int {
	return (in+2*p-k)/s + 1
}

// Conv2DRaw faltet x [cin, h, w] mit weight [cout, cin, kh, kw] und gibt
// [cout, oh, ow] zurueck. bias darf nil sein.
func Conv2DRaw(x []float32, cin, h, w int, weight []float32, cout, kh, kw int, bias []float32, stride, pad int) ([]float32, int, int) {
	oh := ConvOutSize(h, kh, stride, pad)
	ow := ConvOutSize(w, kw, stride, pad)

	k := cin * kh * kw
	n := oh * ow
	cols := make([]float32, k*n)
	for c := range cin {
		for i := range kh {
			for j := range kw {
				row := (c*kh+i)*kw + j
				dst := cols[row*n : (row+1)*n]
				for y := range oh {
					iy := y*stride - pad + i
					if iy < 0 || iy >= h {
						continue
					}
					src := x[(c*h+iy)*w : (c*h+iy+1)*w]
					for xx := range ow {
						ix := xx*stride - pad + j
						if ix < 0 || ix >= w {
							continue
						}
						dst[y*ow+xx] = src[ix]
					}
				}
			}
		}
	}

	out := MatMul(weight, cols, cout, k, n)
	if bias != nil {
		for c := range cout {
			row := out[c*n : (c+1)*n]
			for i := range row {
				row[i] += bias[c]
			}
		}
	}
	return out, oh, ow
}

// Conv2D faltet x [1, cin, h, w] und gibt [1, cout, oh, ow] zurueck.
func Conv2D(x, weight, bias *ml.Tensor, stride, pad int) (*ml.Tensor, error) {
	if len(x.Shape) != 4 || x.Shape[0] != 1 {
		return nil, fmt.Errorf("%w: conv input %v, want [1, c, h, w]", ml.ErrShapeMismatch, x.Shape)
	}
	if len(weight.Shape) != 4 || weight.Shape[1] != x.Shape[1] {
		return nil, fmt.Errorf("%w: conv weight %v for input channels %d", ml.ErrShapeMismatch, weight.Shape, x.Shape[1])
	}

	cout, kh, kw := weight.Shape[0], weight.Shape[2], weight.Shape[3]
	var b []float32
	if bias != nil {
		if len(bias.Data) != cout {
			return nil, fmt.Errorf("%w: conv bias %d, want %d", ml.ErrShapeMismatch, len(bias.Data), cout)
		}
		b = bias.Data
	}

	out, oh, ow := Conv2DRaw(x.Data, x.Shape[1], x.Shape[2], x.Shape[3], weight.Data, cout, kh, kw, b, stride, pad)
	return &ml.Tensor{Shape: []int{1, cout, oh, ow}, Data: out}, nil
}
