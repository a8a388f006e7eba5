package qwen3asr

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/ollama/asrexport/fs/safetensors"
	"github.com/ollama/asrexport/ml"
)

const tinyConfig = `{
  "architectures": ["Qwen3ASRForConditionalGeneration"],
  "model_type": "qwen3_asr",
  "thinker_config": {
    "audio_config": {
      "d_model": 8,
      "encoder_layers": 2,
      "encoder_attention_heads": 2,
      "encoder_ffn_dim": 16,
      "output_dim": 16,
      "downsample_hidden_size": 4,
      "num_mel_bins": 128,
      "max_source_positions": 1500,
      "n_window": 50,
      "n_window_infer": 800
    },
    "text_config": {
      "hidden_size": 16,
      "num_hidden_layers": 2,
      "num_attention_heads": 4,
      "num_key_value_heads": 2,
      "head_dim": 8,
      "intermediate_size": 24,
      "rms_norm_eps": 1e-6,
      "rope_theta": 1000000,
      "vocab_size": 32
    }
  }
}`

type mapStore map[string]*ml.Tensor

func (s mapStore) Tensor(name string) (*ml.Tensor, error) {
	if t, ok := s[name]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("%w: %s", safetensors.ErrWeightNotFound, name)
}

func testConfig(t *testing.T) *Config {
	t.Helper()
	c, err := ParseConfig([]byte(tinyConfig))
	if err != nil {
		t.Fatal(err)
	}
	return c
}

// randomTensor fuellt shape mit Werten aus [-scale, scale) um center.
func randomTensor(r *rand.Rand, center, scale float32, shape ...int) *ml.Tensor {
	x := ml.Zeros(shape...)
	for i := range x.Data {
		x.Data[i] = center + scale*(2*r.Float32()-1)
	}
	return x
}

// testWeights erzeugt einen vollstaendigen Checkpoint fuer c.
func testWeights(c *Config, seed uint64) mapStore {
	r := rand.New(rand.NewPCG(seed, 0))
	s := mapStore{}
	weight := func(name string, shape ...int) { s[name] = randomTensor(r, 0, 0.3, shape...) }
	norm := func(name string, dim int) { s[name] = randomTensor(r, 1, 0.1, dim) }

	a, tc := c.Audio(), c.Text()
	d, ch, h := a.DModel, a.DownsampleHiddenSize, tc.HiddenSize

	enc := EncoderPrefix
	weight(enc+".conv2d1.weight", ch, 1, 3, 3)
	weight(enc+".conv2d1.bias", ch)
	for _, name := range []string{"conv2d2", "conv2d3"} {
		weight(enc+"."+name+".weight", ch, ch, 3, 3)
		weight(enc+"."+name+".bias", ch)
	}
	weight(enc+".conv_out.weight", d, ch*c.ConvFreqBins())
	for i := range a.EncoderLayers {
		p := fmt.Sprintf("%s.layers.%d", enc, i)
		for _, ln := range []string{"self_attn_layer_norm", "final_layer_norm"} {
			norm(p+"."+ln+".weight", d)
			weight(p+"."+ln+".bias", d)
		}
		for _, proj := range []string{"q_proj", "k_proj", "v_proj", "out_proj"} {
			weight(p+".self_attn."+proj+".weight", d, d)
			weight(p+".self_attn."+proj+".bias", d)
		}
		weight(p+".fc1.weight", a.EncoderFFNDim, d)
		weight(p+".fc1.bias", a.EncoderFFNDim)
		weight(p+".fc2.weight", d, a.EncoderFFNDim)
		weight(p+".fc2.bias", d)
	}
	norm(enc+".ln_post.weight", d)
	weight(enc+".ln_post.bias", d)
	weight(enc+".proj1.weight", d, d)
	weight(enc+".proj1.bias", d)
	weight(enc+".proj2.weight", h, d)
	weight(enc+".proj2.bias", h)

	q, kv := tc.NumAttentionHeads*tc.HeadDim, tc.NumKeyValueHeads*tc.HeadDim
	for i := range tc.NumHiddenLayers {
		p := fmt.Sprintf("%s.model.layers.%d", DecoderPrefix, i)
		norm(p+".input_layernorm.weight", h)
		norm(p+".post_attention_layernorm.weight", h)
		weight(p+".self_attn.q_proj.weight", q, h)
		weight(p+".self_attn.k_proj.weight", kv, h)
		weight(p+".self_attn.v_proj.weight", kv, h)
		weight(p+".self_attn.o_proj.weight", h, q)
		norm(p+".self_attn.q_norm.weight", tc.HeadDim)
		norm(p+".self_attn.k_norm.weight", tc.HeadDim)
		weight(p+".mlp.gate_proj.weight", tc.IntermediateSize, h)
		weight(p+".mlp.up_proj.weight", tc.IntermediateSize, h)
		weight(p+".mlp.down_proj.weight", h, tc.IntermediateSize)
	}
	norm(DecoderPrefix+".model.norm.weight", h)
	weight(DecoderPrefix+".lm_head.weight", tc.VocabSize, h)
	weight(EmbedTokensName, tc.VocabSize, h)
	return s
}

func maxDiff(t *testing.T, want, got *ml.Tensor) float64 {
	t.Helper()
	d, err := ml.MaxAbsDiff(want, got)
	if err != nil {
		t.Fatal(err)
	}
	return d
}
