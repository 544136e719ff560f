package sync

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"autosnippet/internal/logging"
	"autosnippet/internal/pathguard"
	"autosnippet/internal/store"
	"autosnippet/internal/types"
)

// Directory names under the knowledge dir.
const (
	RecipesDirName    = "recipes"
	CandidatesDirName = "candidates"
)

// Syncer reconciles markdown files with the store.
type Syncer struct {
	store *store.Store
	root  string // project root
}

// New builds a syncer for a project root.
func New(s *store.Store, root string) *Syncer {
	return &Syncer{store: s, root: root}
}

// Options controls one sync run.
type Options struct {
	// SkipViolations records invalid recipes in the report and moves on
	// instead of failing the run. Used for first-time imports.
	SkipViolations bool
}

// Report summarizes one sync run.
type Report struct {
	Synced     int         `json:"synced"`
	Created    int         `json:"created"`
	Updated    int         `json:"updated"`
	Orphaned   []string    `json:"orphaned,omitempty"`
	Violations []Violation `json:"violations,omitempty"`
}

// RecipesDir returns the recipe source directory for the syncer's root.
func (sy *Syncer) RecipesDir() string {
	return filepath.Join(pathguard.KnowledgeDir(sy.root), RecipesDirName)
}

// CandidatesDir returns the candidate source directory.
func (sy *Syncer) CandidatesDir() string {
	return filepath.Join(pathguard.KnowledgeDir(sy.root), CandidatesDirName)
}

// Sync runs a full reconciliation: parse every markdown file, upsert valid
// recipes and candidates, then deprecate recipes whose source file is gone.
// In strict mode (the default) any violation fails the run after the scan.
func (sy *Syncer) Sync(ctx context.Context, opts Options) (*Report, error) {
	timer := logging.StartTimer(logging.CategorySync, "Sync")
	defer timer.Stop()

	report := &Report{}
	seenFiles := make(map[string]bool)

	if err := sy.syncRecipes(ctx, opts, report, seenFiles); err != nil {
		return nil, err
	}
	if err := sy.syncCandidates(ctx, report); err != nil {
		return nil, err
	}
	if err := sy.deprecateOrphans(ctx, report, seenFiles); err != nil {
		return nil, err
	}

	if len(report.Violations) > 0 && !opts.SkipViolations {
		return report, types.E(types.CodeValidation, "sync found %d violations, first: %s",
			len(report.Violations), report.Violations[0])
	}
	logging.Sync("synced %d recipes (%d created, %d updated, %d orphaned, %d violations)",
		report.Synced, report.Created, report.Updated, len(report.Orphaned), len(report.Violations))
	return report, nil
}

func (sy *Syncer) syncRecipes(ctx context.Context, opts Options, report *Report, seenFiles map[string]bool) error {
	files, err := listMarkdown(sy.RecipesDir())
	if err != nil {
		return err
	}
	for _, file := range files {
		rel := sy.relSource(file)
		seenFiles[rel] = true

		docs, err := sy.parse(file)
		if err != nil {
			report.Violations = append(report.Violations, Violation{
				File: rel, Field: "format", Message: err.Error(),
			})
			continue
		}
		for _, doc := range docs {
			if issues := validateDocument(rel, doc); len(issues) > 0 {
				report.Violations = append(report.Violations, issues...)
				continue
			}
			if err := sy.upsertRecipe(ctx, doc.Recipe(rel), report); err != nil {
				return err
			}
		}
	}
	return nil
}

// upsertRecipe writes one recipe, counting created vs updated. A recipe whose
// canonical form is unchanged keeps its updated_at so the indexer can skip it.
func (sy *Syncer) upsertRecipe(ctx context.Context, rec *types.Recipe, report *Report) error {
	existing, err := sy.store.Recipes().Get(ctx, rec.ID)
	switch {
	case types.IsCode(err, types.CodeNotFound):
		if err := sy.store.Recipes().Create(ctx, rec); err != nil {
			return err
		}
		report.Synced++
		report.Created++
		return nil
	case err != nil:
		return err
	}

	// Runtime state lives in the DB, not the markdown; carry it over.
	rec.CreatedAt = existing.CreatedAt
	rec.Statistics = existing.Statistics
	rec.Quality = existing.Quality
	rec.SourceCandidateID = existing.SourceCandidateID
	rec.PublishedBy = existing.PublishedBy
	rec.PublishedAt = existing.PublishedAt

	oldForm, err1 := Serialize(existing)
	newForm, err2 := Serialize(rec)
	if err1 == nil && err2 == nil && oldForm == newForm {
		report.Synced++
		return nil
	}

	if err := sy.store.Recipes().Update(ctx, rec); err != nil {
		return err
	}
	report.Synced++
	report.Updated++
	return nil
}

func (sy *Syncer) syncCandidates(ctx context.Context, report *Report) error {
	files, err := listMarkdown(sy.CandidatesDir())
	if err != nil {
		return err
	}
	for _, file := range files {
		rel := sy.relSource(file)
		docs, err := sy.parse(file)
		if err != nil {
			report.Violations = append(report.Violations, Violation{
				File: rel, Field: "format", Message: err.Error(),
			})
			continue
		}
		for _, doc := range docs {
			cand := doc.Candidate(rel)
			if strings.TrimSpace(cand.Code) == "" {
				report.Violations = append(report.Violations, Violation{
					File: rel, Recipe: doc.Front.Title, Field: "code",
					Message: "candidate has no code block",
				})
				continue
			}
			existing, err := sy.store.Candidates().Get(ctx, cand.ID)
			switch {
			case types.IsCode(err, types.CodeNotFound):
				if err := sy.store.Candidates().Create(ctx, cand); err != nil {
					return err
				}
			case err != nil:
				return err
			default:
				// Only refresh source material; review state stays.
				if existing.Code != cand.Code || existing.Category != cand.Category || existing.Language != cand.Language {
					existing.Code = cand.Code
					existing.Category = cand.Category
					existing.Language = cand.Language
					if err := sy.store.Candidates().Update(ctx, existing); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

// deprecateOrphans marks recipes whose source file has disappeared. Rows are
// never hard-deleted.
func (sy *Syncer) deprecateOrphans(ctx context.Context, report *Report, seenFiles map[string]bool) error {
	for page := 1; ; page++ {
		p, err := sy.store.Recipes().List(ctx, store.RecipeFilter{}, page, 100)
		if err != nil {
			return err
		}
		for _, rec := range p.Data {
			if rec.SourceFile == "" || seenFiles[rec.SourceFile] || rec.Status == types.RecipeDeprecated {
				continue
			}
			if err := rec.Transition(types.RecipeDeprecated, "orphaned"); err != nil {
				return err
			}
			if err := sy.store.Recipes().Update(ctx, rec); err != nil {
				return err
			}
			report.Orphaned = append(report.Orphaned, rec.ID)
			logging.Sync("orphaned recipe %s (%s)", rec.ID, rec.SourceFile)
		}
		if len(p.Data) < 100 {
			return nil
		}
	}
}

func (sy *Syncer) parse(file string) ([]*Document, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, types.Wrap(types.CodeStorage, err, "read %s", file)
	}
	return ParseFile(string(data))
}

// relSource normalizes a file path to its project-relative, slash-separated
// form so source_file values are portable.
func (sy *Syncer) relSource(file string) string {
	rel, err := filepath.Rel(sy.root, file)
	if err != nil {
		return file
	}
	return filepath.ToSlash(rel)
}

// listMarkdown returns all .md files under dir, sorted by the walk order.
// A missing directory is an empty result, not an error.
func listMarkdown(dir string) ([]string, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, nil
	}
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, ".md") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, types.Wrap(types.CodeStorage, err, "walk %s", dir)
	}
	return files, nil
}
