// export.go - Orchestrierung eines Export-Laufs
// Reihenfolge: Konfiguration -> Encoder -> Decoder -> Embeddings -> Tokenizer -> Manifest.
// Jeder Graph wird gebunden, geschrieben, validiert und freigegeben, bevor der naechste entsteht.
package convert

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/ollama/asrexport/fs/safetensors"
	"github.com/ollama/asrexport/metrics"
	"github.com/ollama/asrexport/model/models/qwen3asr"
	"github.com/ollama/asrexport/onnx"
)

// graphExport ist ein gebundener Graph mit Referenz-Forward.
type graphExport interface {
	BuildGraph() (*onnx.Builder, error)
	Release()
}

// Export fuehrt einen vollstaendigen Lauf fuer opts aus und gibt das Manifest zurueck.
func Export(ctx context.Context, opts Options) (*Manifest, error) {
	start := time.Now()
	if !opts.SkipValidation {
		if err := onnx.CheckRuntime(opts.runtime()); err != nil {
			return nil, err
		}
	}

	c, err := LoadConfig(os.DirFS(opts.ModelDir))
	if err != nil {
		return nil, err
	}

	store, err := safetensors.OpenStore(opts.ModelDir)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	// Die Embedding-Matrix wird zuletzt geschrieben, fehlt sie, bricht der Lauf vor den Graphen ab.
	if !store.Has(qwen3asr.EmbedTokensName) {
		return nil, fmt.Errorf("%w: %s", ErrWeightNotFound, qwen3asr.EmbedTokensName)
	}

	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return nil, err
	}

	m := &Manifest{
		RunID:             uuid.NewString(),
		Architecture:      c.Architecture(),
		CreatedAt:         time.Now().UTC(),
		Config:            summarize(c),
		ValidationSkipped: opts.SkipValidation,
		Validation:        Diffs{},
	}
	if !opts.SkipValidation {
		m.Runtime, m.Tolerance = opts.runtime(), opts.tolerance()
	}
	slog.Info("export started", "run_id", m.RunID, "model", opts.ModelDir, "shards", len(store.Shards()), "output", opts.OutputDir,
		"encoder_layers", m.Config.EncoderLayers, "decoder_layers", m.Config.DecoderLayers)

	if err := exportEncoder(ctx, store, c, opts, m); err != nil {
		return nil, err
	}
	if err := exportDecoder(ctx, store, c, opts, m); err != nil {
		return nil, err
	}

	done := metrics.Stage("embeddings")
	if _, err := ExportEmbeddings(store, c, filepath.Join(opts.OutputDir, EmbeddingsFile)); err != nil {
		return nil, fmt.Errorf("embeddings: %w", err)
	}
	done()

	tok, warnings, err := CopyTokenizerFiles(os.DirFS(opts.ModelDir), opts.OutputDir, c.Text().VocabSize)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: %w", err)
	}
	m.Tokenizer = tok
	for _, w := range warnings {
		m.Warnings = append(m.Warnings, w.Error())
	}

	files := append([]string{EncoderFile, DecoderFile, EmbeddingsFile}, tok.Files...)
	if err := m.collectFiles(opts.OutputDir, files...); err != nil {
		return nil, err
	}
	if err := WriteManifest(opts.OutputDir, m); err != nil {
		return nil, err
	}

	if opts.MetricsFile != "" {
		if err := metrics.WriteFile(opts.MetricsFile); err != nil {
			slog.Warn("writing metrics failed", "path", opts.MetricsFile, "error", err)
		}
	}

	slog.Info("export finished", "run_id", m.RunID, "files", len(m.Files), "elapsed", time.Since(start).Round(time.Millisecond))
	return m, nil
}

func exportEncoder(ctx context.Context, store *safetensors.Store, c *qwen3asr.Config, opts Options, m *Manifest) error {
	defer metrics.Stage("encoder")()

	enc, err := qwen3asr.BindEncoder(store, c)
	if err != nil {
		return err
	}
	defer release(enc)

	path := filepath.Join(opts.OutputDir, EncoderFile)
	if err := writeGraph(enc, path, m); err != nil {
		return err
	}
	if opts.SkipValidation {
		return nil
	}

	diffs, err := ValidateEncoder(ctx, enc, path, opts.runtime(), opts.tolerance())
	m.addDiffs(diffs)
	return err
}

func exportDecoder(ctx context.Context, store *safetensors.Store, c *qwen3asr.Config, opts Options, m *Manifest) error {
	defer metrics.Stage("decoder")()

	dec, err := qwen3asr.BindDecoder(store, c)
	if err != nil {
		return err
	}
	defer release(dec)

	path := filepath.Join(opts.OutputDir, DecoderFile)
	if err := writeGraph(dec, path, m); err != nil {
		return err
	}
	if opts.SkipValidation {
		return nil
	}

	diffs, err := ValidateDecoder(ctx, dec, path, opts.runtime(), opts.tolerance())
	m.addDiffs(diffs)
	return err
}

// writeGraph emittiert den Graphen von g und schreibt ihn nach path.
// Der Builder haelt transponierte Gewichtskopien und wird danach verworfen.
func writeGraph(g graphExport, path string, m *Manifest) error {
	b, err := g.BuildGraph()
	if err != nil {
		return err
	}
	b.Metadata("run_id", m.RunID)
	b.Metadata("architecture", m.Architecture)

	if err := b.Write(path); err != nil {
		return err
	}
	slog.Info("graph written", "graph", b.Name(), "path", path, "nodes", b.Nodes())
	return nil
}

func release(g graphExport) {
	g.Release()
	debug.FreeOSMemory()
}

func (m *Manifest) addDiffs(diffs Diffs) {
	for k, v := range diffs {
		m.Validation[k] = v
	}
}
