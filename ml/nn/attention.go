// attention.go - Scaled Dot-Product Attention
//
// Enthaelt:
// - CausalMask: [seq, total] Maske mit -Inf fuer strikt zukuenftige Positionen
// - RepeatKV: Grouped-Query Expansion der Key/Value Koepfe
// - Attention: softmax(q k^T * scale + mask) v je Kopf
package nn

import (
	"fmt"
	"math"

	"github.com/ollama/asrexport/ml"
)

// CausalMask baut eine [seq, total] Maske. Query-Position q (0-basiert im
// neuen Schritt) sieht alle Cache-Positionen und neue Positionen bis zur
// eigenen absoluten Position total-seq+q.
func CausalMask(seq, total int) (*ml.Tensor, error) {
	if seq < 0 || total < seq {
		return nil, fmt.Errorf("%w: causal mask for %d new positions over %d total", ml.ErrShapeMismatch, seq, total)
	}

	past := total - seq
	m := ml.Zeros(seq, total)
	inf := float32(math.Inf(-1))
	for q := range seq {
		for k := past + q + 1; k < total; k++ {
			m.Data[q*total+k] = inf
		}
	}
	return m, nil
}

// RepeatKV wiederholt jeden Kopf von x [kvHeads, seq, dim] n-mal direkt
// hintereinander und gibt [kvHeads*n, seq, dim] zurueck.
func RepeatKV(x *ml.Tensor, n int) *ml.Tensor {
	if n == 1 {
		return x
	}

	heads, seq, dim := x.Shape[0], x.Shape[1], x.Shape[2]
	block := seq * dim
	y := ml.Zeros(heads*n, seq, dim)
	for h := range heads {
		src := x.Data[h*block : (h+1)*block]
		for r := range n {
			copy(y.Data[(h*n+r)*block:], src)
		}
	}
	return y
}

// Attention berechnet die Aufmerksamkeit fuer q [heads, seq, dim] ueber
// k, v [kvHeads, total, dim]. mask ([seq, total]) darf nil sein.
func Attention(q, k, v, mask *ml.Tensor, scale float32) (*ml.Tensor, error) {
	heads, seq, dim := q.Shape[0], q.Shape[1], q.Shape[2]
	kvHeads, total := k.Shape[0], k.Shape[1]
	if kvHeads == 0 || heads%kvHeads != 0 {
		return nil, fmt.Errorf("%w: %d query heads over %d kv heads", ml.ErrShapeMismatch, heads, kvHeads)
	}
	if k.Dim(-1) != dim || v.Shape[1] != total {
		return nil, fmt.Errorf("%w: key %v / value %v for query %v", ml.ErrShapeMismatch, k.Shape, v.Shape, q.Shape)
	}
	if mask != nil {
		if err := mask.CheckShape("attention mask", seq, total); err != nil {
			return nil, err
		}
	}

	k = RepeatKV(k, heads/kvHeads)
	v = RepeatKV(v, heads/kvHeads)

	out := ml.Zeros(heads, seq, dim)
	for h := range heads {
		qh := q.Data[h*seq*dim : (h+1)*seq*dim]
		kh := k.Data[h*total*dim : (h+1)*total*dim]
		vh := v.Data[h*total*dim : (h+1)*total*dim]

		raw := MatMulTransB(qh, kh, seq, dim, total)
		for i := range raw {
			raw[i] *= scale
			if mask != nil {
				raw[i] += mask.Data[i]
			}
		}
		scores := Softmax(&ml.Tensor{Shape: []int{seq, total}, Data: raw})

		copy(out.Data[h*seq*dim:], MatMul(scores.Data, vh, seq, total, dim))
	}
	return out, nil
}
