package qwen3asr

import (
	"fmt"
	"math"

	"github.com/ollama/asrexport/ml"
	"github.com/ollama/asrexport/ml/nn"
)

// ============================================================================
// Audio-Encoder - Referenz-Forward in float32
// ============================================================================
//
// Dieses Modul enthaelt:
// - Encoder: Conv-Stem, Sinusoid-Positionen, Transformer-Layers, Projector
// - EncoderLayer: Pre-Norm Self-Attention + Feed-Forward
// - EncoderAttention: Volle (nicht kausale, nicht gefensterte) Multi-Head Attention
//
// Eingabe mel [1, M, T], Ausgabe [1, N, hidden] mit N = T nach drei Stride-2 Stufen.

type EncoderAttention struct {
	Query  *Linear `weight:"q_proj"`
	Key    *Linear `weight:"k_proj"`
	Value  *Linear `weight:"v_proj"`
	Output *Linear `weight:"out_proj"`
}

func (sa *EncoderAttention) Forward(x *ml.Tensor, opts *EncoderOptions) (*ml.Tensor, error) {
	var heads [3]*ml.Tensor
	for i, proj := range []*Linear{sa.Query, sa.Key, sa.Value} {
		y, err := proj.Forward(x)
		if err != nil {
			return nil, err
		}
		if heads[i], err = splitHeads(y, opts.numHeads, opts.headDim); err != nil {
			return nil, err
		}
	}

	scale := float32(1 / math.Sqrt(float64(opts.headDim)))
	attn, err := nn.Attention(heads[0], heads[1], heads[2], nil, scale)
	if err != nil {
		return nil, err
	}

	merged, err := mergeHeads(attn)
	if err != nil {
		return nil, err
	}
	return sa.Output.Forward(merged)
}

type EncoderLayer struct {
	AttentionNorm *LayerNorm        `weight:"self_attn_layer_norm"`
	SelfAttention *EncoderAttention `weight:"self_attn"`
	FFNNorm       *LayerNorm        `weight:"final_layer_norm"`
	FC1           *Linear           `weight:"fc1"`
	FC2           *Linear           `weight:"fc2"`
}

// Validate prueft die Gewichte eines Layers untereinander (Bind ruft es auf).
func (l *EncoderLayer) Validate() error {
	if len(l.AttentionNorm.Weight.Shape) != 1 || len(l.FC1.Weight.Shape) != 2 {
		return fmt.Errorf("%w: self_attn_layer_norm %v, fc1 %v", ml.ErrShapeMismatch, l.AttentionNorm.Weight.Shape, l.FC1.Weight.Shape)
	}

	d := l.AttentionNorm.Weight.Dim(0)
	ffn := l.FC1.Weight.Dim(0)

	checks := []error{
		l.AttentionNorm.check("self_attn_layer_norm", d),
		l.SelfAttention.Query.check("self_attn.q_proj", d, d),
		l.SelfAttention.Key.check("self_attn.k_proj", d, d),
		l.SelfAttention.Value.check("self_attn.v_proj", d, d),
		l.SelfAttention.Output.check("self_attn.out_proj", d, d),
		l.FFNNorm.check("final_layer_norm", d),
		l.FC1.check("fc1", ffn, d),
		l.FC2.check("fc2", d, ffn),
	}
	for _, err := range checks {
		if err != nil {
			return err
		}
	}
	return nil
}

func (l *EncoderLayer) Forward(x *ml.Tensor, opts *EncoderOptions) (*ml.Tensor, error) {
	h, err := l.AttentionNorm.Forward(x, opts.eps)
	if err != nil {
		return nil, err
	}
	if h, err = l.SelfAttention.Forward(h, opts); err != nil {
		return nil, err
	}
	if x, err = nn.Add(x, h); err != nil {
		return nil, err
	}

	if h, err = l.FFNNorm.Forward(x, opts.eps); err != nil {
		return nil, err
	}
	if h, err = l.FC1.Forward(h); err != nil {
		return nil, err
	}
	if h, err = l.FC2.Forward(nn.GELU(h)); err != nil {
		return nil, err
	}
	return nn.Add(x, h)
}

type Encoder struct {
	Conv1   *Conv2D        `weight:"conv2d1"`
	Conv2   *Conv2D        `weight:"conv2d2"`
	Conv3   *Conv2D        `weight:"conv2d3"`
	ConvOut *Projection    `weight:"conv_out"`
	Layers  []EncoderLayer `weight:"-"`
	LnPost  *LayerNorm     `weight:"ln_post"`
	Proj1   *Linear        `weight:"proj1"`
	Proj2   *Linear        `weight:"proj2"`

	*EncoderOptions
}

// NewEncoder erstellt einen ungebundenen Encoder fuer c.
func NewEncoder(c *Config) *Encoder {
	return &Encoder{
		Layers:         make([]EncoderLayer, c.Audio().EncoderLayers),
		EncoderOptions: c.EncoderOptions(),
	}
}

// Validate prueft Stem, Layer-Breiten und Projector gegen die Konfiguration.
func (e *Encoder) Validate() error {
	o := e.EncoderOptions
	checks := []error{
		e.Conv1.check("conv2d1", o.channels, 1),
		e.Conv2.check("conv2d2", o.channels, o.channels),
		e.Conv3.check("conv2d3", o.channels, o.channels),
		e.ConvOut.check("conv_out", o.hiddenSize, o.channels*o.freqBins),
		e.LnPost.check("ln_post", o.hiddenSize),
		e.Proj1.check("proj1", o.hiddenSize, o.hiddenSize),
		e.Proj2.check("proj2", o.outputSize, o.hiddenSize),
	}
	for _, err := range checks {
		if err != nil {
			return err
		}
	}

	for i := range e.Layers {
		l := &e.Layers[i]
		if l.FC1 == nil {
			return fmt.Errorf("encoder layer %d is not bound", i)
		}
		if err := l.AttentionNorm.check(fmt.Sprintf("layers.%d.self_attn_layer_norm", i), o.hiddenSize); err != nil {
			return err
		}
		if err := l.FC1.check(fmt.Sprintf("layers.%d.fc1", i), o.ffnDim, o.hiddenSize); err != nil {
			return err
		}
	}
	return nil
}

// stem wendet die drei Faltungen an und gibt [1, T', C*F] nach conv_out zurueck.
func (e *Encoder) stem(mel *ml.Tensor) (*ml.Tensor, error) {
	if len(mel.Shape) != 3 || mel.Shape[0] != 1 || mel.Shape[1] != e.melBins {
		return nil, fmt.Errorf("%w: mel %v, want [1, %d, T]", ml.ErrShapeMismatch, mel.Shape, e.melBins)
	}

	x, err := mel.Reshape(1, 1, mel.Shape[1], mel.Shape[2])
	if err != nil {
		return nil, err
	}
	for _, conv := range []*Conv2D{e.Conv1, e.Conv2, e.Conv3} {
		if x, err = conv.Forward(x); err != nil {
			return nil, err
		}
		x = nn.GELU(x)
	}

	// [1, C, F, T'] -> [1, T', C*F]
	c, f, t := x.Shape[1], x.Shape[2], x.Shape[3]
	data, err := ml.Permute(x.Data, []int{c, f, t}, 2, 0, 1)
	if err != nil {
		return nil, err
	}
	if x, err = ml.NewTensor(data, 1, t, c*f); err != nil {
		return nil, err
	}
	return e.ConvOut.Forward(x)
}

// Forward berechnet audio_features fuer mel [1, M, T].
func (e *Encoder) Forward(mel *ml.Tensor) (*ml.Tensor, error) {
	x, err := e.stem(mel)
	if err != nil {
		return nil, err
	}

	pos := nn.SinusoidTable(x.Dim(1), nn.SinusoidInvTimescales(e.hiddenSize, e.maxTimescale))
	if x, err = nn.Add(x, pos); err != nil {
		return nil, err
	}

	for i := range e.Layers {
		if x, err = e.Layers[i].Forward(x, e.EncoderOptions); err != nil {
			return nil, fmt.Errorf("encoder layer %d: %w", i, err)
		}
	}

	if x, err = e.LnPost.Forward(x, e.eps); err != nil {
		return nil, err
	}
	if x, err = e.Proj1.Forward(x); err != nil {
		return nil, err
	}
	return e.Proj2.Forward(nn.GELU(x))
}

// Release gibt alle Gewichte frei.
func (e *Encoder) Release() {
	opts := e.EncoderOptions
	*e = Encoder{EncoderOptions: opts}
}
