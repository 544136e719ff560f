package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"autosnippet/internal/server"
	"autosnippet/internal/types"
)

var checkLanguage string

var checkCmd = &cobra.Command{
	Use:   "check [file]",
	Short: "Run recipe guard patterns against a file",
	Long: `Matches the guard patterns of active rule recipes against the file,
line by line. The check is recorded: a violation row is stored and each
matching recipe is counted as guard usage. Exits 1 when violations are
found.`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&checkLanguage, "language", "", "Only apply guards for this language")
}

func runCheck(cmd *cobra.Command, args []string) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	path := args[0]
	content, err := os.ReadFile(path)
	if err != nil {
		return types.Wrap(types.CodeNotFound, err, "read %s", path)
	}

	result, err := server.RunGuardAudit(cmd.Context(), e.store, e.stats, server.AuditRequest{
		FilePath:    path,
		FileContent: string(content),
		Language:    checkLanguage,
	})
	if err != nil {
		return err
	}

	if len(result.Violations) == 0 {
		fmt.Printf("%s: clean (score %d)\n", path, result.Score)
		return nil
	}
	for _, v := range result.Violations {
		fmt.Printf("%s:%d: [%s] %s (recipe %s)\n", path, v.Line, v.Severity, v.Message, v.RecipeID)
	}
	for _, s := range result.Suggestions {
		fmt.Printf("  see: %s\n", s)
	}
	return fmt.Errorf("%d guard violations in %s (score %d)", len(result.Violations), path, result.Score)
}
