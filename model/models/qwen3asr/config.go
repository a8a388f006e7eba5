// config.go - Konfiguration von Qwen3-ASR (thinker_config aus config.json)
// Hauptfunktionen: ParseConfig, Config.Validate, EncoderOptions, DecoderOptions
package qwen3asr

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ollama/asrexport/ml/nn"
	"github.com/ollama/asrexport/model"
)

// Architecture ist der Eintrag in config.json architectures.
const Architecture = "Qwen3ASRForConditionalGeneration"

// ErrConfig meldet eine unvollstaendige oder widerspruechliche config.json.
var ErrConfig = errors.New("invalid model config")

func init() {
	model.Register(Architecture, func(bts []byte) (model.Config, error) {
		return ParseConfig(bts)
	})
}

// AudioConfig - thinker_config.audio_config
type AudioConfig struct {
	DModel                int `json:"d_model"`
	EncoderLayers         int `json:"encoder_layers"`
	EncoderAttentionHeads int `json:"encoder_attention_heads"`
	EncoderFFNDim         int `json:"encoder_ffn_dim"`
	OutputDim             int `json:"output_dim"`
	DownsampleHiddenSize  int `json:"downsample_hidden_size"`
	NumMelBins            int `json:"num_mel_bins"`

	// Nur fuer das Manifest, der exportierte Encoder arbeitet ohne Fenster
	MaxSourcePositions int `json:"max_source_positions"`
	NWindow            int `json:"n_window"`
	NWindowInfer       int `json:"n_window_infer"`
	ConvChunksize      int `json:"conv_chunksize"`
}

// TextConfig - thinker_config.text_config
type TextConfig struct {
	HiddenSize        int     `json:"hidden_size"`
	NumHiddenLayers   int     `json:"num_hidden_layers"`
	NumAttentionHeads int     `json:"num_attention_heads"`
	NumKeyValueHeads  int     `json:"num_key_value_heads"`
	HeadDim           int     `json:"head_dim"`
	IntermediateSize  int     `json:"intermediate_size"`
	RMSNormEps        float32 `json:"rms_norm_eps"`
	RopeTheta         float64 `json:"rope_theta"`
	VocabSize         int     `json:"vocab_size"`
}

// Config ist die aufgeloeste Modellbeschreibung. Nach ParseConfig unveraenderlich.
type Config struct {
	Architectures []string `json:"architectures"`
	ModelType     string   `json:"model_type"`

	Thinker *struct {
		Audio *AudioConfig `json:"audio_config"`
		Text  *TextConfig  `json:"text_config"`
	} `json:"thinker_config"`
}

// ParseConfig parst config.json, setzt Defaults und validiert.
func ParseConfig(bts []byte) (*Config, error) {
	var c Config
	if err := json.Unmarshal(bts, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	if c.Thinker == nil || c.Thinker.Audio == nil || c.Thinker.Text == nil {
		return nil, fmt.Errorf("%w: thinker_config with audio_config and text_config is required", ErrConfig)
	}

	a, t := c.Thinker.Audio, c.Thinker.Text
	a.ConvChunksize = cmp.Or(a.ConvChunksize, 500)
	t.NumKeyValueHeads = cmp.Or(t.NumKeyValueHeads, t.NumAttentionHeads)
	if t.HeadDim == 0 && t.NumAttentionHeads > 0 {
		t.HeadDim = t.HiddenSize / t.NumAttentionHeads
	}
	t.RMSNormEps = cmp.Or(t.RMSNormEps, 1e-6)
	t.RopeTheta = cmp.Or(t.RopeTheta, 1e6)

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Architecture() string {
	return Architecture
}

func (c *Config) Audio() *AudioConfig { return c.Thinker.Audio }
func (c *Config) Text() *TextConfig   { return c.Thinker.Text }

// Validate prueft Pflichtfelder und die Teilbarkeit der Kopf-Dimensionen.
func (c *Config) Validate() error {
	a, t := c.Audio(), c.Text()

	for _, f := range []struct {
		name  string
		value int
	}{
		{"audio_config.d_model", a.DModel},
		{"audio_config.encoder_layers", a.EncoderLayers},
		{"audio_config.encoder_attention_heads", a.EncoderAttentionHeads},
		{"audio_config.encoder_ffn_dim", a.EncoderFFNDim},
		{"audio_config.downsample_hidden_size", a.DownsampleHiddenSize},
		{"audio_config.num_mel_bins", a.NumMelBins},
		{"text_config.hidden_size", t.HiddenSize},
		{"text_config.num_hidden_layers", t.NumHiddenLayers},
		{"text_config.num_attention_heads", t.NumAttentionHeads},
		{"text_config.num_key_value_heads", t.NumKeyValueHeads},
		{"text_config.head_dim", t.HeadDim},
		{"text_config.intermediate_size", t.IntermediateSize},
		{"text_config.vocab_size", t.VocabSize},
	} {
		if f.value <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrConfig, f.name, f.value)
		}
	}

	switch {
	case a.DModel%a.EncoderAttentionHeads != 0:
		return fmt.Errorf("%w: d_model %d not divisible by %d heads", ErrConfig, a.DModel, a.EncoderAttentionHeads)
	case t.NumAttentionHeads%t.NumKeyValueHeads != 0:
		return fmt.Errorf("%w: %d attention heads not divisible by %d kv heads", ErrConfig, t.NumAttentionHeads, t.NumKeyValueHeads)
	case t.HeadDim%2 != 0:
		return fmt.Errorf("%w: head_dim %d must be even for rotary embeddings", ErrConfig, t.HeadDim)
	case a.DModel%2 != 0:
		return fmt.Errorf("%w: d_model %d must be even for sinusoid embeddings", ErrConfig, a.DModel)
	case t.RMSNormEps < 0 || t.RopeTheta <= 0:
		return fmt.Errorf("%w: rms_norm_eps %v / rope_theta %v", ErrConfig, t.RMSNormEps, t.RopeTheta)
	}
	return nil
}

// ConvFreqBins gibt die Mel-Achse nach den drei Stride-2 Stufen zurueck.
func (c *Config) ConvFreqBins() int {
	n := c.Audio().NumMelBins
	for range 3 {
		n = nn.ConvOutSize(n, 3, 2, 1)
	}
	return n
}

// EncoderOptions sind die Dimensionen des Audio-Encoders.
type EncoderOptions struct {
	hiddenSize   int
	numHeads     int
	headDim      int
	ffnDim       int
	channels     int
	melBins      int
	freqBins     int
	outputSize   int
	eps          float32
	maxTimescale float64
}

func (c *Config) EncoderOptions() *EncoderOptions {
	a := c.Audio()
	return &EncoderOptions{
		hiddenSize:   a.DModel,
		numHeads:     a.EncoderAttentionHeads,
		headDim:      a.DModel / a.EncoderAttentionHeads,
		ffnDim:       a.EncoderFFNDim,
		channels:     a.DownsampleHiddenSize,
		melBins:      a.NumMelBins,
		freqBins:     c.ConvFreqBins(),
		outputSize:   c.Text().HiddenSize,
		eps:          1e-5,
		maxTimescale: 10000,
	}
}

// DecoderOptions sind die Dimensionen des Text-Decoders.
type DecoderOptions struct {
	hiddenSize int
	numLayers  int
	numHeads   int
	numKVHeads int
	headDim    int
	ffnDim     int
	vocabSize  int
	eps        float32
	ropeTheta  float64
}

func (c *Config) DecoderOptions() *DecoderOptions {
	t := c.Text()
	return &DecoderOptions{
		hiddenSize: t.HiddenSize,
		numLayers:  t.NumHiddenLayers,
		numHeads:   t.NumAttentionHeads,
		numKVHeads: t.NumKeyValueHeads,
		headDim:    t.HeadDim,
		ffnDim:     t.IntermediateSize,
		vocabSize:  t.VocabSize,
		eps:        t.RMSNormEps,
		ropeTheta:  t.RopeTheta,
	}
}
