package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"autosnippet/internal/search"
	"autosnippet/internal/store"
)

var (
	searchLimit    int
	searchMode     string
	searchLanguage string
	searchCategory string
	searchAIAssist bool
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search recipes and snippets",
	Long: `Runs the hybrid retrieval pipeline: BM25 keyword recall plus
semantic similarity, blended with authority. When the embedding backend is
unreachable the search degrades to keyword-only and still answers.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 10, "Maximum results")
	searchCmd.Flags().StringVar(&searchMode, "mode", "", "hybrid (default), keyword, or semantic")
	searchCmd.Flags().StringVar(&searchLanguage, "language", "", "Filter by language")
	searchCmd.Flags().StringVar(&searchCategory, "category", "", "Filter by category")
	searchCmd.Flags().BoolVar(&searchAIAssist, "ai-assist", false, "Rerank results with the assist provider")
}

func runSearch(cmd *cobra.Command, args []string) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	query := strings.Join(args, " ")
	resp, err := e.searcher.Search(cmd.Context(), query, search.Options{
		Limit:  searchLimit,
		Mode:   searchMode,
		Rerank: searchAIAssist,
		Filter: store.RecipeFilter{Language: searchLanguage, Category: searchCategory},
	})
	if err != nil {
		return err
	}

	for _, w := range resp.Warnings {
		fmt.Printf("warning: %s\n", w)
	}
	if len(resp.Results) == 0 {
		fmt.Println("no results")
		return nil
	}
	for i, r := range resp.Results {
		fmt.Printf("%2d. [%.3f] %s (%s %s)\n", i+1, r.Score, r.Title, r.Type, r.ID)
		if r.Snippet != "" {
			fmt.Printf("      %s\n", r.Snippet)
		}
	}
	return nil
}
