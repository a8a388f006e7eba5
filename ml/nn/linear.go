// Package nn - Lineare Operationen (GEMM-basiert)
//
// Dieses Modul enthaelt:
// - MatMul/MatMulTransB: Matrixprodukte ueber gonum blas32
// - Linear: x * W^T + b mit Gewichten im PyTorch-Layout [out, in]
package nn

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/ollama/asrexport/ml"
)

// MatMul berechnet a[m,k] * b[k,n] und gibt ein [m,n] Ergebnis zurueck.
func MatMul(a, b []float32, m, k, n int) []float32 {
	c := make([]float32, m*n)
	if m == 0 || n == 0 || k == 0 {
		return c
	}

	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
		blas32.General{Rows: m, Cols: k, Stride: k, Data: a},
		blas32.General{Rows: k, Cols: n, Stride: n, Data: b},
		0,
		blas32.General{Rows: m, Cols: n, Stride: n, Data: c},
	)
	return c
}

// MatMulTransB berechnet a[m,k] * b[n,k]^T und gibt ein [m,n] Ergebnis zurueck.
func MatMulTransB(a, b []float32, m, k, n int) []float32 {
	c := make([]float32, m*n)
	if m == 0 || n == 0 || k == 0 {
		return c
	}

	blas32.Gemm(blas.NoTrans, blas.Trans, 1,
		blas32.General{Rows: m, Cols: k, Stride: k, Data: a},
		blas32.General{Rows: n, Cols: k, Stride: k, Data: b},
		0,
		blas32.General{Rows: m, Cols: n, Stride: n, Data: c},
	)
	return c
}

// Linear wendet eine affine Projektion auf die letzte Achse von x an.
// weight hat das Layout [out, in], bias ist optional.
func Linear(x, weight, bias *ml.Tensor) (*ml.Tensor, error) {
	if len(weight.Shape) != 2 {
		return nil, fmt.Errorf("%w: linear weight rank %d", ml.ErrShapeMismatch, len(weight.Shape))
	}

	out, in := weight.Shape[0], weight.Shape[1]
	if x.Dim(-1) != in {
		return nil, fmt.Errorf("%w: linear input width %d, weight expects %d", ml.ErrShapeMismatch, x.Dim(-1), in)
	}
	if bias != nil && len(bias.Data) != out {
		return nil, fmt.Errorf("%w: linear bias length %d, want %d", ml.ErrShapeMismatch, len(bias.Data), out)
	}

	rows := len(x.Data) / in
	shape := append(append([]int{}, x.Shape[:len(x.Shape)-1]...), out)
	y := ml.Zeros(shape...)

	if rows > 0 {
		blas32.Gemm(blas.NoTrans, blas.Trans, 1,
			blas32.General{Rows: rows, Cols: in, Stride: in, Data: x.Data},
			blas32.General{Rows: out, Cols: in, Stride: in, Data: weight.Data},
			0,
			blas32.General{Rows: rows, Cols: out, Stride: out, Data: y.Data},
		)
	}

	if bias != nil {
		for r := range rows {
			row := y.Data[r*out : (r+1)*out]
			for i := range row {
				row[i] += bias.Data[i]
			}
		}
	}

	return y, nil
}
