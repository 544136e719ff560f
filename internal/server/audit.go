package server

import (
	"context"
	"regexp"
	"strings"
	"time"

	"autosnippet/internal/logging"
	"autosnippet/internal/stats"
	"autosnippet/internal/store"
	"autosnippet/internal/types"
)

// AuditRequest is one guard check over a file's content.
type AuditRequest struct {
	FilePath    string
	FileContent string
	Language    string
}

// AuditResult carries the violations found plus a 0-100 score.
type AuditResult struct {
	Violations  []types.ViolationDetail `json:"violations"`
	Suggestions []string                `json:"suggestions"`
	Score       int                     `json:"score"`
}

// RunGuardAudit matches every active guard pattern against the file line by
// line, records the check as a GuardViolation row, and counts each matching
// recipe as guard usage. The CLI check command and the dashboard audit
// endpoint share this path.
func RunGuardAudit(ctx context.Context, st *store.Store, usage *stats.Service, req AuditRequest) (*AuditResult, error) {
	if req.FilePath == "" {
		return nil, types.E(types.CodeValidation, "filePath is required")
	}

	guards, err := st.Recipes().FindWithGuards(ctx)
	if err != nil {
		return nil, err
	}

	lines := strings.Split(req.FileContent, "\n")
	var details []types.ViolationDetail
	var suggestions []string
	for _, rec := range guards {
		if req.Language != "" && rec.Language != strings.ToLower(req.Language) {
			continue
		}
		hit := false
		for _, guard := range rec.Constraints.Guards {
			re, err := regexp.Compile(guard.Pattern)
			if err != nil {
				logging.Get(logging.CategoryServer).Warn("recipe %s has invalid guard pattern %q", rec.ID, guard.Pattern)
				continue
			}
			for i, line := range lines {
				if re.MatchString(line) {
					details = append(details, types.ViolationDetail{
						RecipeID: rec.ID,
						Pattern:  guard.Pattern,
						Severity: guard.Severity,
						Message:  guard.Message,
						Line:     i + 1,
					})
					hit = true
				}
			}
		}
		if hit {
			suggestions = append(suggestions, rec.Title)
			if rec.Trigger != "" {
				// Guard matches count as usage of the enforcing recipe.
				if err := usage.RecordUsage(stats.Usage{
					Trigger:        rec.Trigger,
					RecipeFilePath: rec.SourceFile,
					Source:         stats.SourceGuard,
				}); err != nil {
					logging.Get(logging.CategoryServer).Warn("guard usage not recorded: %v", err)
				}
			}
		}
	}

	violation := &types.GuardViolation{
		FilePath:       req.FilePath,
		TriggeredAt:    time.Now().UTC(),
		ViolationCount: len(details),
		Violations:     details,
	}
	if len(details) > 0 {
		violation.Summary = details[0].Message
	}
	if err := st.Violations().Record(ctx, violation); err != nil {
		return nil, err
	}

	score := 100 - 20*len(details)
	if score < 0 {
		score = 0
	}
	return &AuditResult{Violations: details, Suggestions: suggestions, Score: score}, nil
}
