package qwen3asr

import (
	"fmt"

	"github.com/ollama/asrexport/ml"
	"github.com/ollama/asrexport/ml/nn"
)

// ============================================================================
// Parameter-Bausteine
// ============================================================================
//
// Dieses Modul enthaelt:
// - Linear: Affine Projektion mit Bias
// - Projection: Projektion ohne Bias
// - LayerNorm / RMSNorm: Normalisierungsgewichte
// - Conv2D: 3x3 Faltung des Encoder-Stems
//
// Alle Gewichte liegen im PyTorch-Layout, Linear/Projection also [out, in].

type Linear struct {
	Weight *ml.Tensor `weight:"weight"`
	Bias   *ml.Tensor `weight:"bias"`
}

func (l *Linear) Forward(x *ml.Tensor) (*ml.Tensor, error) {
	return nn.Linear(x, l.Weight, l.Bias)
}

func (l *Linear) check(name string, out, in int) error {
	if err := l.Weight.CheckShape(name+".weight", out, in); err != nil {
		return err
	}
	return l.Bias.CheckShape(name+".bias", out)
}

type Projection struct {
	Weight *ml.Tensor `weight:"weight"`
}

func (p *Projection) Forward(x *ml.Tensor) (*ml.Tensor, error) {
	return nn.Linear(x, p.Weight, nil)
}

func (p *Projection) check(name string, out, in int) error {
	return p.Weight.CheckShape(name+".weight", out, in)
}

type LayerNorm struct {
	Weight *ml.Tensor `weight:"weight"`
	Bias   *ml.Tensor `weight:"bias"`
}

func (n *LayerNorm) Forward(x *ml.Tensor, eps float32) (*ml.Tensor, error) {
	return nn.LayerNorm(x, n.Weight, n.Bias, eps)
}

func (n *LayerNorm) check(name string, dim int) error {
	if err := n.Weight.CheckShape(name+".weight", dim); err != nil {
		return err
	}
	return n.Bias.CheckShape(name+".bias", dim)
}

type RMSNorm struct {
	Weight *ml.Tensor `weight:"weight"`
}

func (n *RMSNorm) Forward(x *ml.Tensor, eps float32) (*ml.Tensor, error) {
	return nn.RMSNorm(x, n.Weight, eps)
}

func (n *RMSNorm) check(name string, dim int) error {
	return n.Weight.CheckShape(name+".weight", dim)
}

type Conv2D struct {
	Weight *ml.Tensor `weight:"weight"`
	Bias   *ml.Tensor `weight:"bias"`
}

// Forward faltet mit Stride 2 und Padding 1.
func (c *Conv2D) Forward(x *ml.Tensor) (*ml.Tensor, error) {
	return nn.Conv2D(x, c.Weight, c.Bias, 2, 1)
}

func (c *Conv2D) check(name string, out, in int) error {
	if err := c.Weight.CheckShape(name+".weight", out, in, 3, 3); err != nil {
		return err
	}
	return c.Bias.CheckShape(name+".bias", out)
}

// ============================================================================
// Kopf-Layout
// ============================================================================

// splitHeads formt [1, seq, heads*dim] zu [heads, seq, dim] um.
func splitHeads(x *ml.Tensor, heads, dim int) (*ml.Tensor, error) {
	seq := x.Dim(1)
	if x.Dim(-1) != heads*dim {
		return nil, fmt.Errorf("%w: %v cannot be split into %d heads of %d", ml.ErrShapeMismatch, x.Shape, heads, dim)
	}

	data, err := ml.Permute(x.Data, []int{seq, heads, dim}, 1, 0, 2)
	if err != nil {
		return nil, err
	}
	return ml.NewTensor(data, heads, seq, dim)
}

// mergeHeads formt [heads, seq, dim] zu [1, seq, heads*dim] um.
func mergeHeads(x *ml.Tensor) (*ml.Tensor, error) {
	heads, seq, dim := x.Shape[0], x.Shape[1], x.Shape[2]
	data, err := ml.Permute(x.Data, x.Shape, 1, 0, 2)
	if err != nil {
		return nil, err
	}
	return ml.NewTensor(data, 1, seq, heads*dim)
}
