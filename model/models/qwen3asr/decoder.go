package qwen3asr

import (
	"fmt"
	"math"

	"github.com/ollama/asrexport/kvcache"
	"github.com/ollama/asrexport/ml"
	"github.com/ollama/asrexport/ml/nn"
)

// ============================================================================
// Text-Decoder - Referenz-Forward mit externem KV-Cache
// ============================================================================
//
// Dieses Modul enthaelt:
// - Decoder: Layers, finale RMSNorm, Vokabular-Projektion
// - DecoderLayer: RMSNorm -> GQA Attention (Q/K-Norm je Kopf, RoPE) -> RMSNorm -> SwiGLU
// - DecoderAttention: Projektionen und Cache-Verkettung
//
// Eingaben inputs_embeds [1, S, H], position_ids [S], past je Layer
// [1, kv, P, d]. present hat immer die Laenge P + S.

type DecoderAttention struct {
	Query     *Projection `weight:"q_proj"`
	Key       *Projection `weight:"k_proj"`
	Value     *Projection `weight:"v_proj"`
	Output    *Projection `weight:"o_proj"`
	QueryNorm *RMSNorm    `weight:"q_norm"`
	KeyNorm   *RMSNorm    `weight:"k_norm"`
}

// project berechnet die Koepfe [heads, S, d] einer Projektion, optional mit Kopf-Norm.
func project(x *ml.Tensor, p *Projection, norm *RMSNorm, heads int, opts *DecoderOptions) (*ml.Tensor, error) {
	y, err := p.Forward(x)
	if err != nil {
		return nil, err
	}
	if norm != nil {
		// RMSNorm ueber head_dim: [1, S, heads*d] als [S*heads, d] betrachten
		if y, err = y.Reshape(y.Dim(1)*heads, opts.headDim); err != nil {
			return nil, err
		}
		if y, err = norm.Forward(y, opts.eps); err != nil {
			return nil, err
		}
		if y, err = y.Reshape(1, y.Dim(0)/heads, heads*opts.headDim); err != nil {
			return nil, err
		}
	}
	return splitHeads(y, heads, opts.headDim)
}

func (sa *DecoderAttention) Forward(x, cos, sin, mask *ml.Tensor, past kvcache.Entry, opts *DecoderOptions) (*ml.Tensor, kvcache.Entry, error) {
	q, err := project(x, sa.Query, sa.QueryNorm, opts.numHeads, opts)
	if err != nil {
		return nil, kvcache.Entry{}, err
	}
	k, err := project(x, sa.Key, sa.KeyNorm, opts.numKVHeads, opts)
	if err != nil {
		return nil, kvcache.Entry{}, err
	}
	v, err := project(x, sa.Value, nil, opts.numKVHeads, opts)
	if err != nil {
		return nil, kvcache.Entry{}, err
	}

	if q, err = nn.ApplyRope(q, cos, sin); err != nil {
		return nil, kvcache.Entry{}, err
	}
	if k, err = nn.ApplyRope(k, cos, sin); err != nil {
		return nil, kvcache.Entry{}, err
	}

	var present kvcache.Entry
	seq := x.Dim(1)
	for _, pair := range []struct {
		past, cur *ml.Tensor
		dst       **ml.Tensor
	}{
		{past.Key, k, &present.Key},
		{past.Value, v, &present.Value},
	} {
		cur, err := pair.cur.Reshape(1, opts.numKVHeads, seq, opts.headDim)
		if err != nil {
			return nil, kvcache.Entry{}, err
		}
		if *pair.dst, err = kvcache.Concat(pair.past, cur); err != nil {
			return nil, kvcache.Entry{}, err
		}
	}

	total := present.Len()
	keys, err := present.Key.Reshape(opts.numKVHeads, total, opts.headDim)
	if err != nil {
		return nil, kvcache.Entry{}, err
	}
	values, err := present.Value.Reshape(opts.numKVHeads, total, opts.headDim)
	if err != nil {
		return nil, kvcache.Entry{}, err
	}

	scale := float32(1 / math.Sqrt(float64(opts.headDim)))
	attn, err := nn.Attention(q, keys, values, mask, scale)
	if err != nil {
		return nil, kvcache.Entry{}, err
	}

	merged, err := mergeHeads(attn)
	if err != nil {
		return nil, kvcache.Entry{}, err
	}
	out, err := sa.Output.Forward(merged)
	return out, present, err
}

type MLP struct {
	Gate *Projection `weight:"gate_proj"`
	Up   *Projection `weight:"up_proj"`
	Down *Projection `weight:"down_proj"`
}

// Forward berechnet down(silu(gate(x)) * up(x)).
func (mlp *MLP) Forward(x *ml.Tensor) (*ml.Tensor, error) {
	gate, err := mlp.Gate.Forward(x)
	if err != nil {
		return nil, err
	}
	up, err := mlp.Up.Forward(x)
	if err != nil {
		return nil, err
	}
	h, err := nn.Mul(nn.SiLU(gate), up)
	if err != nil {
		return nil, err
	}
	return mlp.Down.Forward(h)
}

type DecoderLayer struct {
	AttentionNorm *RMSNorm          `weight:"input_layernorm"`
	SelfAttention *DecoderAttention `weight:"self_attn"`
	MLPNorm       *RMSNorm          `weight:"post_attention_layernorm"`
	MLP           *MLP              `weight:"mlp"`
}

// Validate prueft die Gewichte eines Layers untereinander (Bind ruft es auf).
func (l *DecoderLayer) Validate() error {
	sa := l.SelfAttention
	if len(l.AttentionNorm.Weight.Shape) != 1 || len(sa.QueryNorm.Weight.Shape) != 1 || len(l.MLP.Gate.Weight.Shape) != 2 {
		return fmt.Errorf("%w: input_layernorm %v, q_norm %v, gate_proj %v", ml.ErrShapeMismatch,
			l.AttentionNorm.Weight.Shape, sa.QueryNorm.Weight.Shape, l.MLP.Gate.Weight.Shape)
	}

	h := l.AttentionNorm.Weight.Dim(0)
	d := sa.QueryNorm.Weight.Dim(0)
	ffn := l.MLP.Gate.Weight.Dim(0)
	q, kv := sa.Query.Weight.Dim(0), sa.Key.Weight.Dim(0)
	if d == 0 || q%d != 0 || kv%d != 0 {
		return fmt.Errorf("%w: q_proj %d / k_proj %d rows for head_dim %d", ml.ErrShapeMismatch, q, kv, d)
	}

	checks := []error{
		sa.Query.check("self_attn.q_proj", q, h),
		sa.Key.check("self_attn.k_proj", kv, h),
		sa.Value.check("self_attn.v_proj", kv, h),
		sa.Output.check("self_attn.o_proj", h, q),
		sa.KeyNorm.check("self_attn.k_norm", d),
		l.MLPNorm.check("post_attention_layernorm", h),
		l.MLP.Gate.check("mlp.gate_proj", ffn, h),
		l.MLP.Up.check("mlp.up_proj", ffn, h),
		l.MLP.Down.check("mlp.down_proj", h, ffn),
	}
	for _, err := range checks {
		if err != nil {
			return err
		}
	}
	return nil
}

func (l *DecoderLayer) Forward(x, cos, sin, mask *ml.Tensor, past kvcache.Entry, opts *DecoderOptions) (*ml.Tensor, kvcache.Entry, error) {
	h, err := l.AttentionNorm.Forward(x, opts.eps)
	if err != nil {
		return nil, kvcache.Entry{}, err
	}
	h, present, err := l.SelfAttention.Forward(h, cos, sin, mask, past, opts)
	if err != nil {
		return nil, kvcache.Entry{}, err
	}
	if x, err = nn.Add(x, h); err != nil {
		return nil, kvcache.Entry{}, err
	}

	if h, err = l.MLPNorm.Forward(x, opts.eps); err != nil {
		return nil, kvcache.Entry{}, err
	}
	if h, err = l.MLP.Forward(h); err != nil {
		return nil, kvcache.Entry{}, err
	}
	x, err = nn.Add(x, h)
	return x, present, err
}

type Decoder struct {
	Layers []DecoderLayer `weight:"-"`
	Norm   *RMSNorm       `weight:"model.norm"`
	LMHead *Projection    `weight:"lm_head"`

	*DecoderOptions
}

// NewDecoder erstellt einen ungebundenen Decoder fuer c.
func NewDecoder(c *Config) *Decoder {
	return &Decoder{
		Layers:         make([]DecoderLayer, c.Text().NumHiddenLayers),
		DecoderOptions: c.DecoderOptions(),
	}
}

// NewCache erstellt einen leeren Cache passend zu den Decoder-Dimensionen.
func (d *Decoder) NewCache() *kvcache.Cache {
	return kvcache.NewCache(len(d.Layers), d.numKVHeads, d.headDim)
}

// Validate prueft die Layer-Breiten gegen die Konfiguration.
func (d *Decoder) Validate() error {
	o := d.DecoderOptions
	if err := d.Norm.check("model.norm", o.hiddenSize); err != nil {
		return err
	}
	if err := d.LMHead.check("lm_head", o.vocabSize, o.hiddenSize); err != nil {
		return err
	}

	for i := range d.Layers {
		l := &d.Layers[i]
		if l.SelfAttention == nil {
			return fmt.Errorf("decoder layer %d is not bound", i)
		}
		checks := []error{
			l.AttentionNorm.check(fmt.Sprintf("layers.%d.input_layernorm", i), o.hiddenSize),
			l.SelfAttention.Query.check(fmt.Sprintf("layers.%d.self_attn.q_proj", i), o.numHeads*o.headDim, o.hiddenSize),
			l.SelfAttention.Key.check(fmt.Sprintf("layers.%d.self_attn.k_proj", i), o.numKVHeads*o.headDim, o.hiddenSize),
			l.SelfAttention.QueryNorm.check(fmt.Sprintf("layers.%d.self_attn.q_norm", i), o.headDim),
			l.MLP.Gate.check(fmt.Sprintf("layers.%d.mlp.gate_proj", i), o.ffnDim, o.hiddenSize),
		}
		for _, err := range checks {
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// Forward berechnet logits [1, S, V] fuer embeds [1, S, H] an den Positionen
// positions und schreibt den present-Cache jedes Layers nach cache.
func (d *Decoder) Forward(embeds *ml.Tensor, positions []int64, cache *kvcache.Cache) (*ml.Tensor, error) {
	if len(embeds.Shape) != 3 || embeds.Shape[0] != 1 || embeds.Shape[2] != d.hiddenSize {
		return nil, fmt.Errorf("%w: inputs_embeds %v, want [1, S, %d]", ml.ErrShapeMismatch, embeds.Shape, d.hiddenSize)
	}
	seq := embeds.Dim(1)
	if len(positions) != seq {
		return nil, fmt.Errorf("%w: %d position ids for %d tokens", ml.ErrShapeMismatch, len(positions), seq)
	}
	if cache.Layers() != len(d.Layers) {
		return nil, fmt.Errorf("%w: cache has %d layers, decoder %d", ml.ErrShapeMismatch, cache.Layers(), len(d.Layers))
	}

	mask, err := nn.CausalMask(seq, cache.Len()+seq)
	if err != nil {
		return nil, err
	}
	cos, sin := nn.RopeTable(positions, nn.RopeInvFreq(d.headDim, d.ropeTheta))

	x := embeds
	for i := range d.Layers {
		var present kvcache.Entry
		x, present, err = d.Layers[i].Forward(x, cos, sin, mask, cache.Past(i), d.DecoderOptions)
		if err != nil {
			return nil, fmt.Errorf("decoder layer %d: %w", i, err)
		}
		if err := cache.Update(i, present); err != nil {
			return nil, err
		}
	}

	if x, err = d.Norm.Forward(x, d.eps); err != nil {
		return nil, err
	}
	return d.LMHead.Forward(x)
}

// Release gibt alle Gewichte frei.
func (d *Decoder) Release() {
	opts := d.DecoderOptions
	*d = Decoder{DecoderOptions: opts}
}
