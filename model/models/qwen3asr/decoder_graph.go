package qwen3asr

import (
	"fmt"
	"math"

	"github.com/ollama/asrexport/ml"
	"github.com/ollama/asrexport/ml/nn"
	"github.com/ollama/asrexport/onnx"
)

// Ein- und Ausgangsnamen des Decoder-Graphen
const (
	DecoderEmbeds    = "inputs_embeds"
	DecoderPositions = "position_ids"
	DecoderLogits    = "logits"
)

// PastKey und PastValue benennen die Cache-Eingaenge von layer.
func PastKey(layer int) string   { return fmt.Sprintf("past_key_values_%d_key", layer) }
func PastValue(layer int) string { return fmt.Sprintf("past_key_values_%d_value", layer) }

// PresentKey und PresentValue benennen die Cache-Ausgaenge von layer.
func PresentKey(layer int) string   { return fmt.Sprintf("present_key_values_%d_key", layer) }
func PresentValue(layer int) string { return fmt.Sprintf("present_key_values_%d_value", layer) }

// decoderInputs haelt die graphweit geteilten Werte eines Schritts.
type decoderInputs struct {
	cos, sin string
	mask     string
}

// BuildGraph emittiert den Decoder als ONNX Graph "decoder" mit den
// dynamischen Achsen seq_len, past_len und total_len.
func (d *Decoder) BuildGraph() (*onnx.Builder, error) {
	if len(d.Layers) == 0 {
		return nil, fmt.Errorf("%w: decoder without layers", ml.ErrShapeMismatch)
	}

	g := newGraph("decoder")
	embeds := g.Input(DecoderEmbeds, onnx.DataTypeFloat, onnx.Dim{Value: 1}, onnx.Dim{Param: "seq_len"}, onnx.Dim{Value: int64(d.hiddenSize)})
	positions := g.Input(DecoderPositions, onnx.DataTypeInt64, onnx.Dim{Value: 1}, onnx.Dim{Param: "seq_len"})

	cacheDims := func(length string) []onnx.Dim {
		return []onnx.Dim{{Value: 1}, {Value: int64(d.numKVHeads)}, {Param: length}, {Value: int64(d.headDim)}}
	}
	for i := range d.Layers {
		g.Input(PastKey(i), onnx.DataTypeFloat, cacheDims("past_len")...)
		g.Input(PastValue(i), onnx.DataTypeFloat, cacheDims("past_len")...)
	}

	in := decoderInputs{mask: d.causalMask(g, embeds)}
	in.cos, in.sin = d.rope(g, positions)

	x := embeds
	var err error
	for i := range d.Layers {
		if x, err = d.Layers[i].graph(g, x, i, in, d.DecoderOptions); err != nil {
			return nil, fmt.Errorf("decoder layer %d: %w", i, err)
		}
	}

	x = g.rmsNorm(x, "model.norm", d.Norm, d.eps)
	if _, err := g.projection(x, "lm_head", d.LMHead, DecoderLogits); err != nil {
		return nil, err
	}
	g.Output(DecoderLogits, onnx.DataTypeFloat, onnx.Dim{Value: 1}, onnx.Dim{Param: "seq_len"}, onnx.Dim{Value: int64(d.vocabSize)})
	for i := range d.Layers {
		g.Output(PresentKey(i), onnx.DataTypeFloat, cacheDims("total_len")...)
		g.Output(PresentValue(i), onnx.DataTypeFloat, cacheDims("total_len")...)
	}
	return g.Builder, nil
}

// causalMask baut [S, P+S] mit -Inf fuer Spalten > P+Zeile, P aus past_key_values_0_key.
func (d *Decoder) causalMask(g *graph, embeds string) string {
	seq := g.dim(embeds, 1)
	past := g.dim(PastKey(0), 2)
	total := g.Op("Add", []string{seq, past})

	rows := g.Op("Unsqueeze", []string{g.Op("Add", []string{g.arange(seq), past}), g.Ints(1)})
	cols := g.Op("Unsqueeze", []string{g.arange(total), g.Ints(0)})
	future := g.Op("Greater", []string{cols, rows})
	return g.Op("Where", []string{future, g.Scalar(float32(math.Inf(-1))), g.Scalar(0)})
}

// rope baut cos/sin [1, 1, S, d] aus position_ids [1, S].
func (d *Decoder) rope(g *graph, positions string) (cos, sin string) {
	inv := nn.RopeInvFreq(d.headDim, d.ropeTheta)
	invName := g.Initializer("rotary_emb.inv_freq", &ml.Tensor{Shape: []int{len(inv)}, Data: inv})

	pos := g.Op("Cast", []string{positions}, onnx.AttrInt("to", int64(onnx.DataTypeFloat)))
	freqs := g.Op("Mul", []string{g.Op("Unsqueeze", []string{pos, g.Ints(-1)}), invName})
	angles := g.Op("Concat", []string{freqs, freqs}, onnx.AttrInt("axis", -1))
	cos = g.Op("Unsqueeze", []string{g.Op("Cos", []string{angles}), g.Ints(1)})
	sin = g.Op("Unsqueeze", []string{g.Op("Sin", []string{angles}), g.Ints(1)})
	return cos, sin
}

// applyRope rotiert x [1, heads, S, d]: x*cos + concat(-x2, x1)*sin.
func applyRope(g *graph, x string, in decoderInputs, headDim int) string {
	half := int64(headDim / 2)
	axis := g.Ints(3)
	x1 := g.Op("Slice", []string{x, g.Ints(0), g.Ints(half), axis})
	x2 := g.Op("Slice", []string{x, g.Ints(half), g.Ints(math.MaxInt64), axis})
	rotated := g.Op("Concat", []string{g.Op("Neg", []string{x2}), x1}, onnx.AttrInt("axis", -1))
	return g.Op("Add", []string{
		g.Op("Mul", []string{x, in.cos}),
		g.Op("Mul", []string{rotated, in.sin}),
	})
}

// repeatKV wiederholt jeden der kv Koepfe von x [1, kv, T, d] groups-mal direkt hintereinander.
func repeatKV(g *graph, x string, opts *DecoderOptions) string {
	groups := opts.numHeads / opts.numKVHeads
	if groups == 1 {
		return x
	}

	u := g.Op("Unsqueeze", []string{x, g.Ints(2)})
	t := g.Op("Tile", []string{u, g.Ints(1, 1, int64(groups), 1, 1)})
	return g.Op("Reshape", []string{t, g.Ints(1, int64(opts.numHeads), -1, int64(opts.headDim))})
}

func (l *DecoderLayer) graph(g *graph, x string, i int, in decoderInputs, opts *DecoderOptions) (string, error) {
	name := fmt.Sprintf("model.layers.%d", i)
	sa := l.SelfAttention
	h := g.rmsNorm(x, name+".input_layernorm", l.AttentionNorm, opts.eps)

	heads := func(proj *Projection, norm *RMSNorm, suffix string, n int) (string, error) {
		y, err := g.projection(h, name+".self_attn."+suffix, proj, "")
		if err != nil {
			return "", err
		}
		y = g.Op("Reshape", []string{y, g.Ints(0, 0, int64(n), int64(opts.headDim))})
		if norm != nil {
			normName := name + ".self_attn.q_norm"
			if suffix == "k_proj" {
				normName = name + ".self_attn.k_norm"
			}
			y = g.rmsNorm(y, normName, norm, opts.eps)
		}
		return g.Op("Transpose", []string{y}, onnx.AttrInts("perm", 0, 2, 1, 3)), nil
	}

	q, err := heads(sa.Query, sa.QueryNorm, "q_proj", opts.numHeads)
	if err != nil {
		return "", err
	}
	k, err := heads(sa.Key, sa.KeyNorm, "k_proj", opts.numKVHeads)
	if err != nil {
		return "", err
	}
	v, err := heads(sa.Value, nil, "v_proj", opts.numKVHeads)
	if err != nil {
		return "", err
	}

	q = applyRope(g, q, in, opts.headDim)
	k = applyRope(g, k, in, opts.headDim)

	keys := g.OpTo(PresentKey(i), "Concat", []string{PastKey(i), k}, onnx.AttrInt("axis", 2))
	values := g.OpTo(PresentValue(i), "Concat", []string{PastValue(i), v}, onnx.AttrInt("axis", 2))

	attn := g.attention(q, repeatKV(g, keys, opts), repeatKV(g, values, opts), in.mask, opts.headDim)
	attn, err = g.projection(g.mergeHeads(attn, opts.numHeads*opts.headDim), name+".self_attn.o_proj", sa.Output, "")
	if err != nil {
		return "", err
	}
	x = g.Op("Add", []string{x, attn})

	h = g.rmsNorm(x, name+".post_attention_layernorm", l.MLPNorm, opts.eps)
	gate, err := g.projection(h, name+".mlp.gate_proj", l.MLP.Gate, "")
	if err != nil {
		return "", err
	}
	up, err := g.projection(h, name+".mlp.up_proj", l.MLP.Up, "")
	if err != nil {
		return "", err
	}
	down, err := g.projection(g.Op("Mul", []string{g.silu(gate), up}), name+".mlp.down_proj", l.MLP.Down, "")
	if err != nil {
		return "", err
	}
	return g.Op("Add", []string{x, down}), nil
}
