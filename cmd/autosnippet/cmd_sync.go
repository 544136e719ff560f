package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"autosnippet/internal/index"
	syncpkg "autosnippet/internal/sync"
)

var (
	syncSkipViolations bool
	indexClear         bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile AutoSnippet/ markdown with the SQLite cache",
	Long: `Parses every recipe and candidate markdown file, upserts changed
entries, and deprecates recipes whose source file is gone. Strict by
default: validation violations fail the run after the full scan.`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Rebuild the keyword and semantic indexes",
	Long: `Brings both indexes up to date. Unchanged entities are skipped;
embedding failures are recorded and retried next run, never fatal.`,
	Args: cobra.NoArgs,
	RunE: runIndex,
}

func init() {
	syncCmd.Flags().BoolVar(&syncSkipViolations, "skip-violations", false,
		"Record invalid recipes in the report instead of failing")
	indexCmd.Flags().BoolVar(&indexClear, "clear", false,
		"Drop both indexes and rebuild from scratch")
}

func runSync(cmd *cobra.Command, args []string) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	ctx := cmd.Context()
	report, err := e.syncer.Sync(ctx, syncpkg.Options{SkipViolations: syncSkipViolations})
	if report != nil {
		fmt.Printf("synced %d recipes: %d created, %d updated, %d orphaned\n",
			report.Synced, report.Created, report.Updated, len(report.Orphaned))
		for _, v := range report.Violations {
			fmt.Printf("  violation: %s\n", v)
		}
	}
	return err
}

func runIndex(cmd *cobra.Command, args []string) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	report, err := e.indexer.Run(cmd.Context(), index.Options{Clear: indexClear})
	if err != nil {
		return err
	}
	fmt.Printf("indexed %d, skipped %d, removed %d", report.Indexed, report.Skipped, report.Removed)
	if report.EmbedFailed > 0 {
		fmt.Printf(", %d embedding failures (will retry)", report.EmbedFailed)
	}
	fmt.Println()
	return nil
}
