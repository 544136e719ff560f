// Command autosnippet is the project-local knowledge engine CLI.
//
// Exit codes: 0 success, 1 runtime failure, 2 usage error.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"autosnippet/internal/logging"
	"autosnippet/internal/types"
)

var (
	// Global flags
	verbose    bool
	projectDir string

	// Logger for CLI-facing output; category file logs are separate.
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "autosnippet",
	Short: "AutoSnippet - project-local knowledge engine",
	Long: `AutoSnippet keeps a project's coding knowledge (recipes, candidates,
snippets) in markdown under AutoSnippet/ and mirrors it into a local SQLite
cache with hybrid keyword+semantic search, a knowledge graph, and a
constitution-governed action gateway.

Run 'autosnippet serve' for the dashboard API or 'autosnippet mcp' to speak
the stdio tool protocol to an editor agent.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		config.Encoding = "console"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&projectDir, "project", "p", "", "Project root (default: walk up from cwd)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(statsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if isUsageError(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// isUsageError separates caller mistakes (exit 2) from runtime failures
// (exit 1). Cobra reports flag and argument errors as plain strings.
func isUsageError(err error) bool {
	if types.IsCode(err, types.CodeValidation) {
		return true
	}
	msg := err.Error()
	return strings.HasPrefix(msg, "unknown flag") ||
		strings.HasPrefix(msg, "unknown command") ||
		strings.Contains(msg, "arg(s)")
}
