// cmd.go - Haupt-CLI Setup und Root Command
// Hauptfunktionen: NewCLI, appendEnvDocs
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ollama/asrexport/envconfig"
	"github.com/ollama/asrexport/logutil"
)

// appendEnvDocs - Fuegt Umgebungsvariablen-Dokumentation zum Command hinzu
func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-28s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

// NewCLI - Erstellt das Haupt-CLI mit allen Commands
func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "asrexport",
		Short:         "Export Qwen3-ASR checkpoints to ONNX",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Print(cmd.UsageString())
		},
	}

	exportCmd := newExportCmd()

	// Environment-Dokumentation hinzufuegen
	envVars := envconfig.AsMap()
	appendEnvDocs(exportCmd, []envconfig.EnvVar{
		envVars["ASREXPORT_DEBUG"],
		envVars["ASREXPORT_TOLERANCE"],
		envVars["ASREXPORT_ORT_LIBRARY"],
		envVars["ASREXPORT_DOWNLOAD_PARALLEL"],
		envVars["HF_ENDPOINT"],
		envVars["HF_HOME"],
		envVars["HF_TOKEN"],
		envVars["HF_HUB_OFFLINE"],
	})

	rootCmd.AddCommand(exportCmd)

	return rootCmd
}
