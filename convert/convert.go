// convert.go - Export-Pipeline: Konfiguration, Optionen, Fehler
// Hauptfunktionen: LoadConfig, Options
package convert

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"

	"github.com/ollama/asrexport/fs/safetensors"
	"github.com/ollama/asrexport/ml"
	"github.com/ollama/asrexport/model"
	"github.com/ollama/asrexport/model/models/qwen3asr"
	"github.com/ollama/asrexport/onnx"
)

// Fehler-Definitionen
var (
	ErrValidationTolerance  = errors.New("validation tolerance exceeded")
	ErrMissingAuxiliaryFile = errors.New("auxiliary file missing or unreadable")

	ErrConfig         = qwen3asr.ErrConfig
	ErrWeightNotFound = safetensors.ErrWeightNotFound
	ErrShapeMismatch  = ml.ErrShapeMismatch
)

// Dateinamen der Export-Artefakte
const (
	EncoderFile    = "encoder.onnx"
	DecoderFile    = "decoder.onnx"
	EmbeddingsFile = "embed_tokens.bin"
	ManifestFile   = "manifest.json"
)

// DefaultTolerance ist die maximale absolute Abweichung bei der Validierung.
const DefaultTolerance = 1e-4

// Options steuert einen Export-Lauf.
type Options struct {
	ModelDir  string
	OutputDir string

	SkipValidation bool
	Runtime        string
	Tolerance      float64

	// MetricsFile erhaelt die Kennzahlen im Prometheus-Textformat, leer = keine Datei.
	MetricsFile string
}

func (o Options) tolerance() float64 {
	if o.Tolerance > 0 {
		return o.Tolerance
	}
	return DefaultTolerance
}

func (o Options) runtime() string {
	if o.Runtime == "" {
		return onnx.DefaultRuntime
	}
	return o.Runtime
}

// LoadConfig liest config.json aus fsys und loest die Architektur auf.
// Eine config.json ohne architectures, aber mit thinker_config gilt als Qwen3-ASR.
func LoadConfig(fsys fs.FS) (*qwen3asr.Config, error) {
	bts, err := readFile(fsys, "config.json")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	var p struct {
		Architectures []string        `json:"architectures"`
		Thinker       json.RawMessage `json:"thinker_config"`
	}
	if err := json.Unmarshal(bts, &p); err != nil {
		return nil, fmt.Errorf("%w: config.json: %v", ErrConfig, err)
	}

	architectures := p.Architectures
	if len(architectures) == 0 && len(p.Thinker) > 0 {
		architectures = []string{qwen3asr.Architecture}
	}

	c, err := model.New(architectures, bts)
	if errors.Is(err, model.ErrUnsupportedModel) {
		return nil, fmt.Errorf("%w: %w (supported: %v)", ErrConfig, err, model.Architectures())
	} else if err != nil {
		return nil, err
	}

	cfg, ok := c.(*qwen3asr.Config)
	if !ok {
		return nil, fmt.Errorf("%w: architecture %s cannot be exported", ErrConfig, c.Architecture())
	}
	return cfg, nil
}
