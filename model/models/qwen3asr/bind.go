package qwen3asr

import (
	"fmt"
	"log/slog"

	"github.com/ollama/asrexport/model"
)

// Gewichts-Praefixe im Checkpoint
const (
	EncoderPrefix   = "thinker.audio_tower"
	DecoderPrefix   = "thinker"
	EmbedTokensName = "thinker.model.embed_tokens.weight"
)

// logEvery steuert die Fortschrittsmeldungen beim Binden des Decoders.
const logEvery = 8

// BindEncoder erstellt den Encoder fuer c und bindet alle Gewichte aus store.
// Jeder Layer wird fuer sich vollstaendig oder gar nicht gebunden.
func BindEncoder(store model.Store, c *Config) (*Encoder, error) {
	enc := NewEncoder(c)
	for i := range enc.Layers {
		if err := model.Bind(store, fmt.Sprintf("%s.layers.%d", EncoderPrefix, i), &enc.Layers[i]); err != nil {
			return nil, fmt.Errorf("encoder layer %d: %w", i, err)
		}
	}
	if err := model.Bind(store, EncoderPrefix, enc); err != nil {
		return nil, fmt.Errorf("encoder: %w", err)
	}

	slog.Info("encoder weights bound", "layers", len(enc.Layers), "hidden", enc.hiddenSize)
	return enc, nil
}

// BindDecoder erstellt den Decoder fuer c und bindet alle Gewichte aus store.
func BindDecoder(store model.Store, c *Config) (*Decoder, error) {
	dec := NewDecoder(c)
	for i := range dec.Layers {
		if err := model.Bind(store, fmt.Sprintf("%s.model.layers.%d", DecoderPrefix, i), &dec.Layers[i]); err != nil {
			return nil, fmt.Errorf("decoder layer %d: %w", i, err)
		}
		if (i+1)%logEvery == 0 {
			slog.Info("binding decoder", "layers", i+1, "total", len(dec.Layers))
		}
	}
	if err := model.Bind(store, DecoderPrefix, dec); err != nil {
		return nil, fmt.Errorf("decoder: %w", err)
	}

	slog.Info("decoder weights bound", "layers", len(dec.Layers), "hidden", dec.hiddenSize, "vocab", dec.vocabSize)
	return dec, nil
}

// Dimensionen fuer Exporter und Validator
func (e *Encoder) MelBins() int    { return e.melBins }
func (e *Encoder) OutputSize() int { return e.outputSize }

func (d *Decoder) HiddenSize() int { return d.hiddenSize }
func (d *Decoder) VocabSize() int  { return d.vocabSize }
func (d *Decoder) KVHeads() int    { return d.numKVHeads }
func (d *Decoder) HeadDim() int    { return d.headDim }
