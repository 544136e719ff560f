package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"autosnippet/internal/mcptool"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Speak the stdio tool protocol",
	Long: `Reads newline-delimited JSON tool requests on stdin and answers on
stdout. Editor agents use this to search recipes, submit candidates, and
record usage; every write goes through the constitution-governed gateway.`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	logger.Info("tool protocol ready", zap.String("root", e.root))
	srv := mcptool.New(e.store, e.searcher, e.gateway, e.graph, e.stats)
	return srv.Run(ctx, os.Stdin, os.Stdout)
}
