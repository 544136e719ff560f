package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var statsJSON bool

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show usage and authority statistics",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

func init() {
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "Emit machine-readable JSON")
}

func runStats(cmd *cobra.Command, args []string) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	usage, err := e.stats.Snapshot()
	if err != nil {
		return err
	}
	counts, err := e.store.Recipes().CountByStatus(cmd.Context())
	if err != nil {
		return err
	}

	if statsJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]interface{}{
			"usage":   usage,
			"scores":  usage.Scores(),
			"recipes": counts,
		})
	}

	fmt.Println("recipes:")
	for status, n := range counts {
		fmt.Printf("  %-12s %d\n", status, n)
	}
	fmt.Println("triggers:")
	scores := usage.Scores()
	for trigger, entry := range usage.ByTrigger {
		fmt.Printf("  %-24s heat=%.1f authority=%.1f score=%.3f\n",
			trigger, entry.UsageHeat(), entry.Authority, scores[trigger])
	}
	return nil
}
