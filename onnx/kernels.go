// kernels.go - Rechen-Kernel des Interpreters
//
// Enthaelt:
// - matMulKernel: a[m,k] * b[k,n]
// - convKernel: direkte 2D-Faltung (NCHW, quadratischer Stride/Padding)
// - layerNormKernel/softmaxKernel: zeilenweise ueber die letzte Achse
//
// Die Kernel teilen keinen Code mit ml/nn: direkte Schleifen mit float64 Akkumulation.
package onnx

import "math"

func matMulKernel(dst, a, b []float32, m, k, n int) {
	row := make([]float64, n)
	for i := range m {
		clear(row)
		for p := range k {
			av := float64(a[i*k+p])
			if av == 0 {
				continue
			}
			bp := b[p*n : (p+1)*n]
			for j, bv := range bp {
				row[j] += av * float64(bv)
			}
		}
		for j, v := range row {
			dst[i*n+j] = float32(v)
		}
	}
}

func convOutSize(in, kernel, stride, pad int) int {
	return (in+2*pad-kernel)/stride + 1
}

// convKernel faltet x [cin, h, w] mit weight [cout, cin, kh, kw] und gibt [cout, oh, ow] zurueck.
func convKernel(x []float32, cin, h, w int, weight []float32, cout, kh, kw int, bias []float32, stride, pad int) ([]float32, int, int) {
	oh, ow := convOutSize(h, kh, stride, pad), convOutSize(w, kw, stride, pad)
	out := make([]float32, cout*oh*ow)

	for o := range cout {
		for y := range oh {
			for xx := range ow {
				var sum float64
				if bias != nil {
					sum = float64(bias[o])
				}
				for c := range cin {
					for i := range kh {
						iy := y*stride - pad + i
						if iy < 0 || iy >= h {
							continue
						}
						for j := range kw {
							ix := xx*stride - pad + j
							if ix < 0 || ix >= w {
								continue
							}
							sum += float64(x[(c*h+iy)*w+ix]) * float64(weight[((o*cin+c)*kh+i)*kw+j])
						}
					}
				}
				out[(o*oh+y)*ow+xx] = float32(sum)
			}
		}
	}
	return out, oh, ow
}

func layerNormKernel(dst, src, scale, bias []float32, width int, eps float64) {
	for off := 0; off < len(src); off += width {
		row := src[off : off+width]

		var sum, sumSq float64
		for _, v := range row {
			sum += float64(v)
		}
		mean := sum / float64(width)
		for _, v := range row {
			d := float64(v) - mean
			sumSq += d * d
		}
		std := math.Sqrt(sumSq/float64(width) + eps)

		for i, v := range row {
			y := (float64(v) - mean) / std * float64(scale[i])
			if bias != nil {
				y += float64(bias[i])
			}
			dst[off+i] = float32(y)
		}
	}
}

func softmaxKernel(dst, src []float32, width int) {
	exps := make([]float64, width)
	for off := 0; off < len(src); off += width {
		row := src[off : off+width]

		// voll maskierte Zeilen ergeben 0
		m := math.Inf(-1)
		for _, v := range row {
			m = math.Max(m, float64(v))
		}
		if math.IsInf(m, -1) {
			clear(dst[off : off+width])
			continue
		}

		var sum float64
		for i, v := range row {
			exps[i] = math.Exp(float64(v) - m)
			sum += exps[i]
		}
		for i, e := range exps {
			dst[off+i] = float32(e / sum)
		}
	}
}

func sigmoid(v float64) float64 {
	return 1 / (1 + math.Exp(-v))
}
