// cmd_export.go - Export Command
// Hauptfunktionen: newExportCmd, ExportHandler, resolveModelDir
package cmd

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/ollama/asrexport/convert"
	"github.com/ollama/asrexport/envconfig"
	"github.com/ollama/asrexport/huggingface"
	"github.com/ollama/asrexport/onnx"
)

// DefaultModelID wird geladen, wenn weder --model-dir noch --model-id gesetzt ist
const DefaultModelID = "Qwen/Qwen3-ASR-0.6B"

var errOutputDir = errors.New("--output-dir is required")

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export encoder, decoder and embeddings of a Qwen3-ASR model",
		Example: `  asrexport export --model-dir ./Qwen3-ASR-0.6B --output-dir ./onnx
  asrexport export --model-id Qwen/Qwen3-ASR-1.7B --output-dir ./onnx --runtime ort`,
		Args: cobra.NoArgs,
		RunE: ExportHandler,
	}

	cmd.Flags().String("model-dir", "", "Local model directory (takes precedence over --model-id)")
	cmd.Flags().String("model-id", DefaultModelID, "Hugging Face model identifier")
	cmd.Flags().String("revision", "main", "Revision of --model-id")
	cmd.Flags().StringP("output-dir", "o", "", "Directory for the exported artifacts")
	cmd.Flags().Bool("skip-validation", false, "Do not compare the graphs against the reference forward")
	cmd.Flags().String("runtime", onnx.DefaultRuntime, "Validation runtime (go, ort)")
	cmd.Flags().Float64("tolerance", envconfig.Tolerance(), "Maximum absolute difference accepted by validation")
	cmd.Flags().String("metrics-file", "", "Write export metrics in Prometheus text format to this file")

	return cmd
}

// ExportHandler - Fuehrt einen Export-Lauf aus und gibt das Manifest auf stderr aus
func ExportHandler(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()

	outputDir, _ := flags.GetString("output-dir")
	if outputDir == "" {
		return errOutputDir
	}

	modelDir, err := resolveModelDir(cmd)
	if err != nil {
		return err
	}

	opts := convert.Options{ModelDir: modelDir, OutputDir: outputDir}
	opts.SkipValidation, _ = flags.GetBool("skip-validation")
	opts.Runtime, _ = flags.GetString("runtime")
	opts.Tolerance, _ = flags.GetFloat64("tolerance")
	opts.MetricsFile, _ = flags.GetString("metrics-file")

	m, err := convert.Export(contextOf(cmd), opts)
	if err != nil {
		return err
	}

	convert.PrintManifest(cmd.ErrOrStderr(), m)
	return nil
}

// resolveModelDir gibt --model-dir zurueck oder laedt --model-id in den Hub-Cache
func resolveModelDir(cmd *cobra.Command) (string, error) {
	if dir, _ := cmd.Flags().GetString("model-dir"); dir != "" {
		return dir, nil
	}

	modelID, _ := cmd.Flags().GetString("model-id")
	revision, _ := cmd.Flags().GetString("revision")
	slog.Info("resolving model", "model_id", modelID, "revision", revision)

	return huggingface.NewClient().Snapshot(contextOf(cmd), modelID, revision)
}

func contextOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
