package qwen3asr

import (
	"errors"
	"strings"
	"testing"

	"github.com/ollama/asrexport/model"
)

func TestParseConfigDefaults(t *testing.T) {
	bts := strings.Replace(tinyConfig, `"num_key_value_heads": 2,`, "", 1)
	bts = strings.Replace(bts, `"head_dim": 8,`, "", 1)
	bts = strings.Replace(bts, `"rope_theta": 1000000,`, "", 1)

	c, err := ParseConfig([]byte(bts))
	if err != nil {
		t.Fatal(err)
	}

	text := c.Text()
	if text.NumKeyValueHeads != 4 {
		t.Errorf("num_key_value_heads = %d, erwartet 4", text.NumKeyValueHeads)
	}
	if text.HeadDim != 4 {
		t.Errorf("head_dim = %d, erwartet hidden/heads = 4", text.HeadDim)
	}
	if text.RopeTheta != 1e6 {
		t.Errorf("rope_theta = %v, erwartet 1e6", text.RopeTheta)
	}
	if c.Audio().ConvChunksize != 500 {
		t.Errorf("conv_chunksize = %d, erwartet 500", c.Audio().ConvChunksize)
	}
	if c.ConvFreqBins() != 16 {
		t.Errorf("ConvFreqBins = %d, erwartet 16", c.ConvFreqBins())
	}
}

func TestParseConfigErrors(t *testing.T) {
	cases := []struct {
		name    string
		old     string
		new     string
		wantMsg string
	}{
		{"missing layers", `"num_hidden_layers": 2`, `"num_hidden_layers": 0`, "num_hidden_layers"},
		{"kv heads", `"num_key_value_heads": 2`, `"num_key_value_heads": 3`, "kv heads"},
		{"odd head dim", `"head_dim": 8`, `"head_dim": 7`, "head_dim"},
		{"encoder heads", `"encoder_attention_heads": 2`, `"encoder_attention_heads": 3`, "d_model"},
		{"no thinker", `"thinker_config"`, `"other_config"`, "thinker_config"},
		{"broken json", `{`, `[`, "invalid model config"},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(strings.Replace(tinyConfig, tt.old, tt.new, 1)))
			if !errors.Is(err, ErrConfig) {
				t.Fatalf("Got %v, want ErrConfig", err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("Fehlermeldung %q enthaelt nicht %q", err, tt.wantMsg)
			}
		})
	}
}

func TestRegistered(t *testing.T) {
	c, err := model.New([]string{"Other", Architecture}, []byte(tinyConfig))
	if err != nil {
		t.Fatal(err)
	}
	if c.Architecture() != Architecture {
		t.Errorf("Architecture = %q", c.Architecture())
	}

	if _, err := model.New([]string{"LlamaForCausalLM"}, []byte(tinyConfig)); !errors.Is(err, model.ErrUnsupportedModel) {
		t.Errorf("Got %v, want ErrUnsupportedModel", err)
	}
}
