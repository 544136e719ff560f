package stats

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"autosnippet/internal/types"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	root := t.TempDir()
	t.Setenv("ASD_CACHE_PATH", "") // use the default runtime dir
	return New(root)
}

func TestRecordUsageBothDimensions(t *testing.T) {
	s := newTestService(t)
	u := Usage{Trigger: "@fetchjson", RecipeFilePath: "AutoSnippet/recipes/fetch.md", Source: SourceHuman}
	for i := 0; i < 3; i++ {
		if err := s.RecordUsage(u); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if err := s.RecordUsage(Usage{Trigger: "@fetchjson", Source: SourceGuard}); err != nil {
		t.Fatal(err)
	}

	f, err := s.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	trig := f.ByTrigger["@fetchjson"]
	if trig == nil || trig.HumanUsageCount != 3 || trig.GuardUsageCount != 1 {
		t.Errorf("trigger entry = %+v", trig)
	}
	if trig.LastUsedAt == nil {
		t.Error("lastUsedAt not set")
	}
	file := f.ByFile["fetch.md"]
	if file == nil || file.HumanUsageCount != 3 {
		t.Errorf("file entry keyed by basename = %+v", file)
	}
	if file.GuardUsageCount != 0 {
		t.Errorf("guard usage without file path leaked into byFile: %+v", file)
	}
}

func TestRecordUsageValidation(t *testing.T) {
	s := newTestService(t)
	if err := s.RecordUsage(Usage{Trigger: "@x", Source: "robot"}); !types.IsCode(err, types.CodeValidation) {
		t.Errorf("bad source should fail validation, got %v", err)
	}
	if err := s.RecordUsage(Usage{Source: SourceHuman}); !types.IsCode(err, types.CodeValidation) {
		t.Errorf("missing keys should fail validation, got %v", err)
	}
}

func TestSetAuthorityClamps(t *testing.T) {
	s := newTestService(t)
	if err := s.SetAuthority("@x", "x.md", 9); err != nil {
		t.Fatal(err)
	}
	f, err := s.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if f.ByTrigger["@x"].Authority != MaxAuthority {
		t.Errorf("authority not clamped high: %f", f.ByTrigger["@x"].Authority)
	}
	if err := s.SetAuthority("@x", "", -2); err != nil {
		t.Fatal(err)
	}
	f, _ = s.Snapshot()
	if f.ByTrigger["@x"].Authority != 0 {
		t.Errorf("authority not clamped low: %f", f.ByTrigger["@x"].Authority)
	}
}

func TestUsageHeatWeights(t *testing.T) {
	e := &Entry{GuardUsageCount: 2, HumanUsageCount: 3, AIUsageCount: 4}
	if got := e.UsageHeat(); got != 2+6+4 {
		t.Errorf("heat = %f, want 12", got)
	}
}

func TestAuthorityScore(t *testing.T) {
	hot := &Entry{HumanUsageCount: 5, Authority: 5} // heat 10
	cold := &Entry{GuardUsageCount: 2, Authority: 0} // heat 2

	if got := AuthorityScore(hot, 10); math.Abs(got-1.0) > 1e-9 {
		t.Errorf("hot score = %f, want 1.0", got)
	}
	if got := AuthorityScore(cold, 10); math.Abs(got-0.1) > 1e-9 {
		t.Errorf("cold score = %f, want 0.1", got)
	}
	// Zero max heat: only curated authority counts.
	if got := AuthorityScore(hot, 0); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("score with zero max heat = %f, want 0.5", got)
	}
}

func TestScoresNormalizePerDimension(t *testing.T) {
	s := newTestService(t)
	for i := 0; i < 10; i++ {
		if err := s.RecordUsage(Usage{Trigger: "@hot", Source: SourceHuman}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.RecordUsage(Usage{Trigger: "@cold", Source: SourceGuard}); err != nil {
		t.Fatal(err)
	}

	f, err := s.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	scores := f.Scores()
	if scores["@hot"] <= scores["@cold"] {
		t.Errorf("hot (%f) should outscore cold (%f)", scores["@hot"], scores["@cold"])
	}
}

func TestLockContention(t *testing.T) {
	s := newTestService(t)
	// Seed the directory, then hold the lock externally.
	if err := s.RecordUsage(Usage{Trigger: "@x", Source: SourceHuman}); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(s.lock(), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	defer os.Remove(s.lock())

	err := s.RecordUsage(Usage{Trigger: "@x", Source: SourceHuman})
	if !types.IsCode(err, types.CodeLockContention) {
		t.Errorf("expected lock contention, got %v", err)
	}
}

func TestCorruptFileResets(t *testing.T) {
	s := newTestService(t)
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, FileName), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordUsage(Usage{Trigger: "@x", Source: SourceAI}); err != nil {
		t.Fatalf("record over corrupt file: %v", err)
	}
	f, err := s.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if f.ByTrigger["@x"].AIUsageCount != 1 {
		t.Errorf("entry = %+v", f.ByTrigger["@x"])
	}
}
