// manifest.go - Manifest der Export-Artefakte (manifest.json + Tabelle)
// Hauptfunktionen: WriteManifest, PrintManifest
package convert

import (
	"cmp"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/ollama/asrexport/format"
	"github.com/ollama/asrexport/model/models/qwen3asr"
)

// Manifest beschreibt einen abgeschlossenen Export-Lauf.
type Manifest struct {
	RunID        string        `json:"run_id"`
	Architecture string        `json:"architecture"`
	CreatedAt    time.Time     `json:"created_at"`
	Config       ConfigSummary `json:"config"`
	Files        []FileEntry   `json:"files"`
	Tokenizer    *Tokenizer    `json:"tokenizer,omitempty"`

	ValidationSkipped bool    `json:"validation_skipped"`
	Runtime           string  `json:"runtime,omitempty"`
	Tolerance         float64 `json:"tolerance,omitempty"`
	Validation        Diffs   `json:"validation,omitempty"`

	Warnings []string `json:"warnings,omitempty"`
}

// FileEntry ist ein geschriebenes Artefakt.
type FileEntry struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// ConfigSummary enthaelt die fuer Laufzeit-Integrationen relevanten Dimensionen.
type ConfigSummary struct {
	NumMelBins         int     `json:"num_mel_bins"`
	EncoderLayers      int     `json:"encoder_layers"`
	EncoderHidden      int     `json:"encoder_hidden_size"`
	MaxSourcePositions int     `json:"max_source_positions,omitempty"`
	NWindow            int     `json:"n_window,omitempty"`
	NWindowInfer       int     `json:"n_window_infer,omitempty"`
	ConvChunksize      int     `json:"conv_chunksize"`
	DecoderLayers      int     `json:"decoder_layers"`
	HiddenSize         int     `json:"hidden_size"`
	NumAttentionHeads  int     `json:"num_attention_heads"`
	NumKeyValueHeads   int     `json:"num_key_value_heads"`
	HeadDim            int     `json:"head_dim"`
	VocabSize          int     `json:"vocab_size"`
	RMSNormEps         float32 `json:"rms_norm_eps"`
	RopeTheta          float64 `json:"rope_theta"`
}

func summarize(c *qwen3asr.Config) ConfigSummary {
	a, t := c.Audio(), c.Text()
	return ConfigSummary{
		NumMelBins:         a.NumMelBins,
		EncoderLayers:      a.EncoderLayers,
		EncoderHidden:      a.DModel,
		MaxSourcePositions: a.MaxSourcePositions,
		NWindow:            a.NWindow,
		NWindowInfer:       a.NWindowInfer,
		ConvChunksize:      a.ConvChunksize,
		DecoderLayers:      t.NumHiddenLayers,
		HiddenSize:         t.HiddenSize,
		NumAttentionHeads:  t.NumAttentionHeads,
		NumKeyValueHeads:   t.NumKeyValueHeads,
		HeadDim:            t.HeadDim,
		VocabSize:          t.VocabSize,
		RMSNormEps:         t.RMSNormEps,
		RopeTheta:          t.RopeTheta,
	}
}

// collectFiles traegt name und, falls vorhanden, name.data in m ein.
func (m *Manifest) collectFiles(dir string, names ...string) error {
	for _, name := range names {
		for _, candidate := range []string{name, name + ".data"} {
			fi, err := os.Stat(filepath.Join(dir, candidate))
			if os.IsNotExist(err) && candidate != name {
				continue
			} else if err != nil {
				return err
			}
			m.Files = append(m.Files, FileEntry{Name: candidate, Size: fi.Size()})
		}
	}
	slices.SortFunc(m.Files, func(a, b FileEntry) int { return cmp.Compare(a.Name, b.Name) })
	return nil
}

// WriteManifest schreibt m als manifest.json nach dir.
func WriteManifest(dir string, m *Manifest) error {
	bts, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, ManifestFile), append(bts, '\n'), 0o644)
}

// PrintManifest gibt die Artefakte als Tabelle nach w aus.
func PrintManifest(w io.Writer, m *Manifest) {
	var total int64
	var data [][]string
	for _, f := range m.Files {
		data = append(data, []string{f.Name, format.HumanBytes(f.Size)})
		total += f.Size
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"FILE", "SIZE"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()

	fmt.Fprintf(w, "\n%d files, %s total, run %s\n", len(m.Files), format.HumanBytes(total), m.RunID)
	switch {
	case m.ValidationSkipped:
		fmt.Fprintln(w, "validation skipped")
	case len(m.Validation) > 0:
		fmt.Fprintf(w, "validation passed (%s), max abs diff %.3g <= %g\n", m.Runtime, m.Validation.Max(), m.Tolerance)
	}
}
