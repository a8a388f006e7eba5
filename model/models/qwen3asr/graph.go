// graph.go - Gemeinsame ONNX-Bausteine fuer Encoder- und Decoder-Graph
//
// Enthaelt:
// - graph: Builder-Wrapper mit Operator-Helfern (linear, layerNorm, rmsNorm, gelu, silu)
// - Gewichte von Linear/Projection werden als [in, out] Initializer abgelegt (MatMul-Layout)
package qwen3asr

import (
	"math"

	"github.com/ollama/asrexport/ml"
	"github.com/ollama/asrexport/onnx"
)

type graph struct {
	*onnx.Builder
}

func newGraph(name string) *graph {
	return &graph{Builder: onnx.NewBuilder(name)}
}

func (g *graph) op(op string, out string, inputs []string, attrs ...*onnx.Attribute) string {
	if out != "" {
		return g.OpTo(out, op, inputs, attrs...)
	}
	return g.Op(op, inputs, attrs...)
}

func (g *graph) matmul(x, name string, weight *ml.Tensor, out string) (string, error) {
	wt, err := ml.Transpose2D(weight)
	if err != nil {
		return "", err
	}
	return g.op("MatMul", out, []string{x, g.Initializer(name+".weight", wt)}), nil
}

func (g *graph) linear(x, name string, l *Linear, out string) (string, error) {
	h, err := g.matmul(x, name, l.Weight, "")
	if err != nil {
		return "", err
	}
	return g.op("Add", out, []string{h, g.Initializer(name+".bias", l.Bias)}), nil
}

func (g *graph) projection(x, name string, p *Projection, out string) (string, error) {
	return g.matmul(x, name, p.Weight, out)
}

func (g *graph) layerNorm(x, name string, n *LayerNorm, eps float32) string {
	return g.Op("LayerNormalization",
		[]string{x, g.Initializer(name+".weight", n.Weight), g.Initializer(name+".bias", n.Bias)},
		onnx.AttrInt("axis", -1), onnx.AttrFloat("epsilon", eps))
}

// rmsNorm berechnet x / sqrt(mean(x^2) + eps) * w ueber die letzte Achse.
func (g *graph) rmsNorm(x, name string, n *RMSNorm, eps float32) string {
	sq := g.Op("Mul", []string{x, x})
	mean := g.Op("ReduceMean", []string{sq}, onnx.AttrInts("axes", -1), onnx.AttrInt("keepdims", 1))
	rms := g.Op("Sqrt", []string{g.Op("Add", []string{mean, g.Scalar(eps)})})
	return g.Op("Mul", []string{g.Op("Div", []string{x, rms}), g.Initializer(name+".weight", n.Weight)})
}

// gelu ist die exakte Form 0.5 * x * (1 + erf(x / sqrt(2))).
func (g *graph) gelu(x string) string {
	erf := g.Op("Erf", []string{g.Op("Div", []string{x, g.Scalar(math.Sqrt2)})})
	h := g.Op("Mul", []string{x, g.Op("Add", []string{erf, g.Scalar(1)})})
	return g.Op("Mul", []string{h, g.Scalar(0.5)})
}

func (g *graph) silu(x string) string {
	return g.Op("Mul", []string{x, g.Op("Sigmoid", []string{x})})
}

// dim gibt die Achse axis von x als int64 Skalar zurueck.
func (g *graph) dim(x string, axis int64) string {
	return g.Op("Gather", []string{g.Op("Shape", []string{x}), g.Int(axis)}, onnx.AttrInt("axis", 0))
}

// arange gibt [0, 1, ..., n-1] als int64 zurueck, n ist ein int64 Skalar.
func (g *graph) arange(n string) string {
	return g.Op("Range", []string{g.Int(0), n, g.Int(1)})
}

// splitHeads formt [1, S, heads*d] zu [1, heads, S, d] um.
func (g *graph) splitHeads(x string, heads, dim int) string {
	r := g.Op("Reshape", []string{x, g.Ints(0, 0, int64(heads), int64(dim))})
	return g.Op("Transpose", []string{r}, onnx.AttrInts("perm", 0, 2, 1, 3))
}

// mergeHeads formt [1, heads, S, d] zu [1, S, heads*d] um.
func (g *graph) mergeHeads(x string, width int) string {
	t := g.Op("Transpose", []string{x}, onnx.AttrInts("perm", 0, 2, 1, 3))
	return g.Op("Reshape", []string{t, g.Ints(0, 0, int64(width))})
}

// attention berechnet softmax(q k^T * scale + mask) v fuer [1, heads, S, d].
// mask darf leer sein.
func (g *graph) attention(q, k, v, mask string, headDim int) string {
	kt := g.Op("Transpose", []string{k}, onnx.AttrInts("perm", 0, 1, 3, 2))
	scores := g.Op("MatMul", []string{q, kt})
	scores = g.Op("Mul", []string{scores, g.Scalar(float32(1 / math.Sqrt(float64(headDim))))})
	if mask != "" {
		scores = g.Op("Add", []string{scores, mask})
	}
	probs := g.Op("Softmax", []string{scores}, onnx.AttrInt("axis", -1))
	return g.Op("MatMul", []string{probs, v})
}
