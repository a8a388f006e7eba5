package convert

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/require"

	"github.com/ollama/asrexport/fs/safetensors"
	"github.com/ollama/asrexport/logutil"
	"github.com/ollama/asrexport/ml"
	"github.com/ollama/asrexport/model/models/qwen3asr"
)

const testConfig = `{
  "architectures": ["Qwen3ASRForConditionalGeneration"],
  "thinker_config": {
    "audio_config": {
      "d_model": 8, "encoder_layers": 1, "encoder_attention_heads": 2, "encoder_ffn_dim": 16,
      "output_dim": 16, "downsample_hidden_size": 2, "num_mel_bins": 128
    },
    "text_config": {
      "hidden_size": 16, "num_hidden_layers": 2, "num_attention_heads": 4, "num_key_value_heads": 2,
      "head_dim": 4, "intermediate_size": 24, "vocab_size": 40
    }
  }
}`

// testModel schreibt config.json, model.safetensors und optional die Tokenizer-Dateien nach dir.
func testModel(t *testing.T, dir string, skip ...string) *qwen3asr.Config {
	t.Helper()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(testConfig), 0o644))
	c, err := qwen3asr.ParseConfig([]byte(testConfig))
	require.NoError(t, err)

	r := rand.New(rand.NewPCG(1, 2))
	tensors := map[string]*ml.Tensor{}
	add := func(center float32, name string, shape ...int) {
		x := ml.Zeros(shape...)
		for i := range x.Data {
			x.Data[i] = center + 0.3*(2*r.Float32()-1)
		}
		tensors[name] = x
	}
	w := func(name string, shape ...int) { add(0, name, shape...) }
	norm := func(name string, dim int) { add(1, name, dim) }

	a, tc := c.Audio(), c.Text()
	d, ch, h := a.DModel, a.DownsampleHiddenSize, tc.HiddenSize
	enc := qwen3asr.EncoderPrefix

	for i, in := range []int{1, ch, ch} {
		w(fmt.Sprintf("%s.conv2d%d.weight", enc, i+1), ch, in, 3, 3)
		w(fmt.Sprintf("%s.conv2d%d.bias", enc, i+1), ch)
	}
	w(enc+".conv_out.weight", d, ch*c.ConvFreqBins())
	for i := range a.EncoderLayers {
		p := fmt.Sprintf("%s.layers.%d", enc, i)
		for _, ln := range []string{"self_attn_layer_norm", "final_layer_norm"} {
			norm(p+"."+ln+".weight", d)
			w(p+"."+ln+".bias", d)
		}
		for _, proj := range []string{"q_proj", "k_proj", "v_proj", "out_proj"} {
			w(p+".self_attn."+proj+".weight", d, d)
			w(p+".self_attn."+proj+".bias", d)
		}
		w(p+".fc1.weight", a.EncoderFFNDim, d)
		w(p+".fc1.bias", a.EncoderFFNDim)
		w(p+".fc2.weight", d, a.EncoderFFNDim)
		w(p+".fc2.bias", d)
	}
	norm(enc+".ln_post.weight", d)
	w(enc+".ln_post.bias", d)
	w(enc+".proj1.weight", d, d)
	w(enc+".proj1.bias", d)
	w(enc+".proj2.weight", h, d)
	w(enc+".proj2.bias", h)

	q, kv := tc.NumAttentionHeads*tc.HeadDim, tc.NumKeyValueHeads*tc.HeadDim
	for i := range tc.NumHiddenLayers {
		p := fmt.Sprintf("thinker.model.layers.%d", i)
		norm(p+".input_layernorm.weight", h)
		norm(p+".post_attention_layernorm.weight", h)
		w(p+".self_attn.q_proj.weight", q, h)
		w(p+".self_attn.k_proj.weight", kv, h)
		w(p+".self_attn.v_proj.weight", kv, h)
		w(p+".self_attn.o_proj.weight", h, q)
		norm(p+".self_attn.q_norm.weight", tc.HeadDim)
		norm(p+".self_attn.k_norm.weight", tc.HeadDim)
		w(p+".mlp.gate_proj.weight", tc.IntermediateSize, h)
		w(p+".mlp.up_proj.weight", tc.IntermediateSize, h)
		w(p+".mlp.down_proj.weight", h, tc.IntermediateSize)
	}
	norm("thinker.model.norm.weight", h)
	w("thinker.lm_head.weight", tc.VocabSize, h)
	w(qwen3asr.EmbedTokensName, tc.VocabSize, h)

	for _, name := range skip {
		delete(tensors, name)
	}

	f, err := os.Create(filepath.Join(dir, safetensors.SingleFile))
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, safetensors.WriteFileAs(f, "BF16", tensors))

	require.NoError(t, os.WriteFile(filepath.Join(dir, VocabFile), []byte(`{"a": 0, "b": 1, "ab": 2}`), 0o644))
	return c
}

func TestLoadConfig(t *testing.T) {
	noArch := strings.Replace(testConfig, `"architectures": ["Qwen3ASRForConditionalGeneration"],`, "", 1)
	empty := `{"thinker_config": {"audio_config": {}, "text_config": {}}}`

	cases := []struct {
		name  string
		files fstest.MapFS
		want  error
	}{
		{"valid", fstest.MapFS{"config.json": {Data: []byte(testConfig)}}, nil},
		{"missing", fstest.MapFS{}, ErrConfig},
		{"broken", fstest.MapFS{"config.json": {Data: []byte("{")}}, ErrConfig},
		{"unsupported", fstest.MapFS{"config.json": {Data: []byte(`{"architectures": ["LlamaForCausalLM"]}`)}}, ErrConfig},
		{"byte order mark", fstest.MapFS{"config.json": {Data: []byte("\xef\xbb\xbf" + testConfig)}}, nil},
		{"thinker without architectures", fstest.MapFS{"config.json": {Data: []byte(noArch)}}, nil},
		{"empty thinker", fstest.MapFS{"config.json": {Data: []byte(empty)}}, ErrConfig},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			c, err := LoadConfig(tt.files)
			if tt.want == nil {
				require.NoError(t, err)
				require.Equal(t, 2, c.Text().NumHiddenLayers)
				return
			}
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCompareTolerance(t *testing.T) {
	a, _ := ml.NewTensor([]float32{1, 2, 3}, 3)
	b, _ := ml.NewTensor([]float32{1, 2, 3.5}, 3)

	diffs := Diffs{}
	require.NoError(t, compare(diffs, "g", "same", a, a, 1e-4))
	err := compare(diffs, "g", "off", a, b, 1e-4)
	require.ErrorIs(t, err, ErrValidationTolerance)
	require.Contains(t, err.Error(), "off")
	require.InDelta(t, 0.5, diffs.Max(), 1e-9)
	require.Zero(t, diffs["g/same"])

	c, _ := ml.NewTensor([]float32{1, 2}, 2)
	require.ErrorIs(t, compare(diffs, "g", "shape", a, c, 1e-4), ErrShapeMismatch)
}

func TestCompareTracesTensors(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(logutil.NewLogger(&buf, logutil.LevelTrace))
	t.Cleanup(func() { slog.SetDefault(prev) })

	a, _ := ml.NewTensor([]float32{1, 2, 3}, 3)
	b, _ := ml.NewTensor([]float32{1, 2, 3.5}, 3)
	require.ErrorIs(t, compare(Diffs{}, "encoder", "audio_features", a, b, 1e-4), ErrValidationTolerance)

	out := buf.String()
	require.Contains(t, out, "validation mismatch")
	require.Contains(t, out, "3.5000")

	buf.Reset()
	require.NoError(t, compare(Diffs{}, "encoder", "audio_features", a, a, 1e-4))
	require.Empty(t, buf.String())
}

func TestErrorsAreDistinct(t *testing.T) {
	require.False(t, errors.Is(ErrValidationTolerance, ErrMissingAuxiliaryFile))
	require.ErrorIs(t, fmt.Errorf("x: %w", ErrWeightNotFound), safetensors.ErrWeightNotFound)
}
