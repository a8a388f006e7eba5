package qwen3asr

import (
	"fmt"

	"github.com/ollama/asrexport/ml"
	"github.com/ollama/asrexport/ml/nn"
	"github.com/ollama/asrexport/onnx"
)

// Ein- und Ausgangsnamen des Encoder-Graphen
const (
	EncoderInput  = "mel"
	EncoderOutput = "audio_features"
)

// BuildGraph emittiert den Encoder als ONNX Graph "encoder". Die Zeitachse
// von mel (num_frames) und audio_features (num_tokens) ist dynamisch.
func (e *Encoder) BuildGraph() (*onnx.Builder, error) {
	g := newGraph("encoder")
	mel := g.Input(EncoderInput, onnx.DataTypeFloat, onnx.Dim{Value: 1}, onnx.Dim{Value: int64(e.melBins)}, onnx.Dim{Param: "num_frames"})

	x := g.Op("Unsqueeze", []string{mel, g.Ints(1)})
	for i, conv := range []*Conv2D{e.Conv1, e.Conv2, e.Conv3} {
		name := fmt.Sprintf("conv2d%d", i+1)
		x = g.Op("Conv", []string{x, g.Initializer(name+".weight", conv.Weight), g.Initializer(name+".bias", conv.Bias)},
			onnx.AttrInts("kernel_shape", 3, 3), onnx.AttrInts("strides", 2, 2), onnx.AttrInts("pads", 1, 1, 1, 1))
		x = g.gelu(x)
	}

	// [1, C, F, T'] -> [1, T', C*F]
	x = g.Op("Transpose", []string{x}, onnx.AttrInts("perm", 0, 3, 1, 2))
	x = g.Op("Reshape", []string{x, g.Ints(0, 0, -1)})
	x, err := g.projection(x, "conv_out", e.ConvOut, "")
	if err != nil {
		return nil, err
	}

	// Sinusoid-Tabelle [T', d] zur Laufzeit aus der Sequenzlaenge
	inv := nn.SinusoidInvTimescales(e.hiddenSize, e.maxTimescale)
	invName := g.Initializer("positional_embedding.inv_timescales", &ml.Tensor{Shape: []int{len(inv)}, Data: inv})
	pos := g.Op("Cast", []string{g.arange(g.dim(x, 1))}, onnx.AttrInt("to", int64(onnx.DataTypeFloat)))
	scaled := g.Op("Mul", []string{g.Op("Unsqueeze", []string{pos, g.Ints(1)}), invName})
	table := g.Op("Concat", []string{g.Op("Sin", []string{scaled}), g.Op("Cos", []string{scaled})}, onnx.AttrInt("axis", -1))
	x = g.Op("Add", []string{x, table})

	for i := range e.Layers {
		if x, err = e.Layers[i].graph(g, x, fmt.Sprintf("layers.%d", i), e.EncoderOptions); err != nil {
			return nil, fmt.Errorf("encoder layer %d: %w", i, err)
		}
	}

	x = g.layerNorm(x, "ln_post", e.LnPost, e.eps)
	if x, err = g.linear(x, "proj1", e.Proj1, ""); err != nil {
		return nil, err
	}
	if x, err = g.linear(g.gelu(x), "proj2", e.Proj2, EncoderOutput); err != nil {
		return nil, err
	}

	g.Output(x, onnx.DataTypeFloat, onnx.Dim{Value: 1}, onnx.Dim{Param: "num_tokens"}, onnx.Dim{Value: int64(e.outputSize)})
	return g.Builder, nil
}

func (l *EncoderLayer) graph(g *graph, x, name string, opts *EncoderOptions) (string, error) {
	h := g.layerNorm(x, name+".self_attn_layer_norm", l.AttentionNorm, opts.eps)

	var heads [3]string
	for i, p := range []struct {
		suffix string
		proj   *Linear
	}{
		{"q_proj", l.SelfAttention.Query},
		{"k_proj", l.SelfAttention.Key},
		{"v_proj", l.SelfAttention.Value},
	} {
		y, err := g.linear(h, name+".self_attn."+p.suffix, p.proj, "")
		if err != nil {
			return "", err
		}
		heads[i] = g.splitHeads(y, opts.numHeads, opts.headDim)
	}

	attn := g.mergeHeads(g.attention(heads[0], heads[1], heads[2], "", opts.headDim), opts.hiddenSize)
	attn, err := g.linear(attn, name+".self_attn.out_proj", l.SelfAttention.Output, "")
	if err != nil {
		return "", err
	}
	x = g.Op("Add", []string{x, attn})

	h = g.layerNorm(x, name+".final_layer_norm", l.FFNNorm, opts.eps)
	if h, err = g.linear(h, name+".fc1", l.FC1, ""); err != nil {
		return "", err
	}
	if h, err = g.linear(g.gelu(h), name+".fc2", l.FC2, ""); err != nil {
		return "", err
	}
	return g.Op("Add", []string{x, h}), nil
}
