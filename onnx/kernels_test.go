package onnx

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/ollama/asrexport/ml/nn"
)

func randomSlice(r *rand.Rand, n int) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = float32(r.NormFloat64())
	}
	return s
}

// Die Interpreter-Kernel muessen mit den Referenz-Kernel uebereinstimmen, ohne sie aufzurufen.
func TestKernelsAgreeWithReference(t *testing.T) {
	r := rand.New(rand.NewPCG(3, 4))
	approx := cmpopts.EquateApprox(0, 1e-5)

	t.Run("matmul", func(t *testing.T) {
		m, k, n := 5, 7, 3
		a, b := randomSlice(r, m*k), randomSlice(r, k*n)
		got := make([]float32, m*n)
		matMulKernel(got, a, b, m, k, n)
		if diff := cmp.Diff(nn.MatMul(a, b, m, k, n), got, approx); diff != "" {
			t.Errorf("MatMul mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("conv", func(t *testing.T) {
		cin, h, w, cout := 2, 9, 7, 3
		x, weight, bias := randomSlice(r, cin*h*w), randomSlice(r, cout*cin*9), randomSlice(r, cout)
		got, oh, ow := convKernel(x, cin, h, w, weight, cout, 3, 3, bias, 2, 1)
		want, wh, ww := nn.Conv2DRaw(x, cin, h, w, weight, cout, 3, 3, bias, 2, 1)
		if oh != wh || ow != ww {
			t.Fatalf("Ausgabe [%d, %d], erwartet [%d, %d]", oh, ow, wh, ww)
		}
		if diff := cmp.Diff(want, got, approx); diff != "" {
			t.Errorf("Conv mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("layer norm", func(t *testing.T) {
		x, scale, bias := randomSlice(r, 24), randomSlice(r, 8), randomSlice(r, 8)
		want, got := make([]float32, 24), make([]float32, 24)
		nn.LayerNormRows(want, x, scale, bias, 8, 1e-5)
		layerNormKernel(got, x, scale, bias, 8, 1e-5)
		if diff := cmp.Diff(want, got, approx); diff != "" {
			t.Errorf("LayerNorm mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("softmax", func(t *testing.T) {
		x := randomSlice(r, 12)
		x[2] = float32(math.Inf(-1))
		want, got := make([]float32, 12), make([]float32, 12)
		nn.SoftmaxRows(want, x, 4)
		softmaxKernel(got, x, 4)
		if diff := cmp.Diff(want, got, approx); diff != "" {
			t.Errorf("Softmax mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestSoftmaxKernelMaskedRow(t *testing.T) {
	inf := float32(math.Inf(-1))
	got := make([]float32, 2)
	softmaxKernel(got, []float32{inf, inf}, 2)
	if got[0] != 0 || got[1] != 0 {
		t.Errorf("Got %v, want [0 0]", got)
	}
}
