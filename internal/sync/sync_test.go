package sync

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"autosnippet/internal/store"
	"autosnippet/internal/types"
)

const sampleRecipe = `---
title: Fetch JSON with URLSession
trigger: "@fetchjson"
category: Network
language: swift
summary_cn: 使用 URLSession 获取 JSON
summary_en: Fetch JSON using URLSession
headers: ["import Foundation"]
---

## Snippet / Code Reference

` + "```swift" + `
let task = URLSession.shared.dataTask(with: url) { data, _, _ in }
task.resume()
` + "```" + `

## AI Context / Usage Guide

Use for simple GET requests. Prefer async/await on new code.
`

func newTestSyncer(t *testing.T) (*Syncer, *store.Store, string) {
	t.Helper()
	s, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "AutoSnippet", RecipesDirName), 0o755); err != nil {
		t.Fatal(err)
	}
	return New(s, root), s, root
}

func writeRecipe(t *testing.T, root, name, content string) string {
	t.Helper()
	path := filepath.Join(root, "AutoSnippet", RecipesDirName, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseFileSingleRecipe(t *testing.T) {
	docs, err := ParseFile(sampleRecipe)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("expected 1 document, got %d", len(docs))
	}
	d := docs[0]
	if d.Front.Title != "Fetch JSON with URLSession" {
		t.Errorf("title = %q", d.Front.Title)
	}
	if d.Front.Trigger != "@fetchjson" {
		t.Errorf("trigger = %q", d.Front.Trigger)
	}
	if len(d.Front.Headers) != 1 || d.Front.Headers[0] != "import Foundation" {
		t.Errorf("headers = %v", d.Front.Headers)
	}
	if d.CodeLang != "swift" {
		t.Errorf("code lang = %q", d.CodeLang)
	}
	if d.Code == "" || d.IntroOnly {
		t.Errorf("code block not extracted: code=%q introOnly=%v", d.Code, d.IntroOnly)
	}
	if d.Usage == "" {
		t.Error("usage section not extracted")
	}
}

func TestParseFileMultiRecipe(t *testing.T) {
	second := `---
title: Decode JSON
trigger: "@decodejson"
category: Model
language: swift
summary_cn: 解码
summary_en: Decode
---

## Snippet / Code Reference

` + "```swift" + `
let value = try JSONDecoder().decode(T.self, from: data)
` + "```" + `
`
	docs, err := ParseFile(sampleRecipe + "\n" + second)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 documents, got %d", len(docs))
	}
	if docs[1].Front.Title != "Decode JSON" {
		t.Errorf("second title = %q", docs[1].Front.Title)
	}
}

func TestParseHeadersBothShapes(t *testing.T) {
	block := `---
title: Headers test
trigger: "@h"
category: Tool
language: objectivec
summary_cn: x
summary_en: x
headers:
  - "#import <UIKit/UIKit.h>"
  - "#import <Foundation/Foundation.h>"
---
`
	docs, err := ParseFile(block)
	if err != nil {
		t.Fatalf("yaml block headers: %v", err)
	}
	if len(docs[0].Front.Headers) != 2 {
		t.Errorf("yaml block headers = %v", docs[0].Front.Headers)
	}

	jsonString := `---
title: Headers test
trigger: "@h"
category: Tool
language: objectivec
summary_cn: x
summary_en: x
headers: '["#import <UIKit/UIKit.h>"]'
---
`
	docs, err = ParseFile(jsonString)
	if err != nil {
		t.Fatalf("json string headers: %v", err)
	}
	if len(docs[0].Front.Headers) != 1 || docs[0].Front.Headers[0] != "#import <UIKit/UIKit.h>" {
		t.Errorf("json string headers = %v", docs[0].Front.Headers)
	}
}

func TestSerializeParseRoundTrip(t *testing.T) {
	r := types.NewRecipe("rid-1", "Fetch: the JSON", "swift", "Network", types.KTCodePattern)
	r.Trigger = "@fetchjson"
	r.Summary = types.LocalizedText{CN: "获取 JSON", EN: "Fetch JSON"}
	r.UsageGuide = types.LocalizedText{EN: "Prefer async/await."}
	r.Content.Pattern = "let x = 1"
	r.Content.Markdown = "Some usage notes."
	r.Content.Headers = []string{"import Foundation"}
	r.Tags = []string{"network", "json"}
	r.Status = types.RecipeActive

	out, err := Serialize(r)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	docs, err := ParseFile(out)
	if err != nil {
		t.Fatalf("parse serialized form: %v\n%s", err, out)
	}
	got := docs[0].Recipe("AutoSnippet/recipes/a.md")
	if got.ID != r.ID {
		t.Errorf("id = %q, want %q (front-matter id must win)", got.ID, r.ID)
	}
	if got.Title != r.Title || got.Trigger != r.Trigger || got.Category != r.Category {
		t.Errorf("scalars drifted: %+v", got)
	}
	if got.Summary != r.Summary || got.UsageGuide != r.UsageGuide {
		t.Errorf("localized text drifted: %+v vs %+v", got.Summary, r.Summary)
	}
	if got.Content.Pattern != r.Content.Pattern {
		t.Errorf("pattern drifted: %q", got.Content.Pattern)
	}
	if len(got.Content.Headers) != 1 || got.Content.Headers[0] != "import Foundation" {
		t.Errorf("headers drifted: %v", got.Content.Headers)
	}
	if got.Status != types.RecipeActive {
		t.Errorf("status = %q", got.Status)
	}

	// Canonical form is a fixed point.
	again, err := Serialize(got)
	if err != nil {
		t.Fatalf("re-serialize: %v", err)
	}
	// Tags order and content must survive; compare whole forms after
	// aligning source-only fields.
	if again != out {
		t.Errorf("canonical form is not a fixed point:\n--- first\n%s\n--- second\n%s", out, again)
	}
}

func TestValidateDocumentRules(t *testing.T) {
	cases := []struct {
		name  string
		mut   func(*Document)
		field string
	}{
		{"missing trigger", func(d *Document) { d.Front.Trigger = "" }, "trigger"},
		{"trigger without at", func(d *Document) { d.Front.Trigger = "fetch" }, "trigger"},
		{"bad language", func(d *Document) { d.Front.Language = "kotlin" }, "language"},
		{"bad category", func(d *Document) { d.Front.Category = "Misc" }, "category"},
		{"bad header", func(d *Document) { d.Front.Headers = []string{"include <stdio.h>"} }, "headers"},
		{"missing headers for code language", func(d *Document) { d.Front.Headers = nil }, "headers"},
		{"missing summary_cn", func(d *Document) { d.Front.SummaryCN = "" }, "summary_cn"},
		{"missing summary_en", func(d *Document) { d.Front.SummaryEN = "  " }, "summary_en"},
		{"empty code with snippet section", func(d *Document) { d.Code = "  " }, "code"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			docs, err := ParseFile(sampleRecipe)
			if err != nil {
				t.Fatal(err)
			}
			d := docs[0]
			tc.mut(d)
			issues := validateDocument("a.md", d)
			found := false
			for _, v := range issues {
				if v.Field == tc.field {
					found = true
				}
			}
			if !found {
				t.Errorf("expected a %s violation, got %v", tc.field, issues)
			}
		})
	}

	// Intro-only recipes need no code block.
	docs, err := ParseFile(sampleRecipe)
	if err != nil {
		t.Fatal(err)
	}
	d := docs[0]
	d.IntroOnly = true
	d.Code = ""
	if issues := validateDocument("a.md", d); len(issues) != 0 {
		t.Errorf("intro-only recipe should pass, got %v", issues)
	}

	// Markdown recipes carry no import headers.
	d.Front.Language = "markdown"
	d.Front.Headers = nil
	if issues := validateDocument("a.md", d); len(issues) != 0 {
		t.Errorf("markdown recipe without headers should pass, got %v", issues)
	}
}

func TestSyncCreateUpdateOrphan(t *testing.T) {
	sy, s, root := newTestSyncer(t)
	ctx := context.Background()
	path := writeRecipe(t, root, "fetch.md", sampleRecipe)

	report, err := sy.Sync(ctx, Options{})
	if err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if report.Created != 1 || report.Synced != 1 {
		t.Errorf("first sync report = %+v", report)
	}

	// Unchanged re-run touches nothing, so the indexer can skip everything.
	report, err = sy.Sync(ctx, Options{})
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if report.Created != 0 || report.Updated != 0 || report.Synced != 1 {
		t.Errorf("idempotent sync report = %+v", report)
	}

	// Edit the summary and re-sync.
	edited := sampleRecipe
	edited = edited[:len(edited)-1] + "\nEdited guidance.\n"
	if err := os.WriteFile(path, []byte(edited), 0o644); err != nil {
		t.Fatal(err)
	}
	report, err = sy.Sync(ctx, Options{})
	if err != nil {
		t.Fatalf("third sync: %v", err)
	}
	if report.Updated != 1 {
		t.Errorf("edit should count as update, report = %+v", report)
	}

	// Removing the file orphans the row; it is never deleted.
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	report, err = sy.Sync(ctx, Options{})
	if err != nil {
		t.Fatalf("fourth sync: %v", err)
	}
	if len(report.Orphaned) != 1 {
		t.Fatalf("expected 1 orphan, report = %+v", report)
	}
	rec, err := s.Recipes().Get(ctx, report.Orphaned[0])
	if err != nil {
		t.Fatalf("orphaned row must survive: %v", err)
	}
	if rec.Status != types.RecipeDeprecated || rec.Deprecation == nil || rec.Deprecation.Reason != "orphaned" {
		t.Errorf("orphan state = %q %+v", rec.Status, rec.Deprecation)
	}
}

func TestSyncStrictModeFailsOnViolations(t *testing.T) {
	sy, _, root := newTestSyncer(t)
	bad := `---
title: Broken
trigger: nope
category: Network
language: swift
summary_cn: x
summary_en: x
---

## Snippet / Code Reference

` + "```swift\nlet x = 1\n```" + `
`
	writeRecipe(t, root, "bad.md", bad)

	if _, err := sy.Sync(context.Background(), Options{}); !types.IsCode(err, types.CodeValidation) {
		t.Errorf("strict mode should fail on violations, got %v", err)
	}

	report, err := sy.Sync(context.Background(), Options{SkipViolations: true})
	if err != nil {
		t.Fatalf("skipViolations run: %v", err)
	}
	if len(report.Violations) == 0 {
		t.Error("violations should still be reported")
	}
	if report.Synced != 0 {
		t.Errorf("invalid recipe must not be upserted, report = %+v", report)
	}
}

func TestSyncCandidatesDir(t *testing.T) {
	sy, s, root := newTestSyncer(t)
	ctx := context.Background()
	dir := filepath.Join(root, "AutoSnippet", CandidatesDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	cand := `---
title: Retry helper
trigger: "@retry"
category: Utility
language: swift
summary_cn: x
summary_en: x
headers: ["import Foundation"]
---

## Snippet / Code Reference

` + "```swift\nfunc retry() {}\n```" + `
`
	if err := os.WriteFile(filepath.Join(dir, "retry.md"), []byte(cand), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := sy.Sync(ctx, Options{}); err != nil {
		t.Fatalf("sync: %v", err)
	}
	page, err := s.Candidates().List(ctx, store.CandidateFilter{}, 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Data) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(page.Data))
	}
	c := page.Data[0]
	if c.Status != types.CandidatePending || c.Source != types.SourceManual {
		t.Errorf("candidate state = %s/%s", c.Status, c.Source)
	}

	// Re-sync leaves review state alone.
	if err := c.Transition(types.CandidateApproved, "reviewer", ""); err != nil {
		t.Fatal(err)
	}
	if err := s.Candidates().Update(ctx, c); err != nil {
		t.Fatal(err)
	}
	if _, err := sy.Sync(ctx, Options{}); err != nil {
		t.Fatal(err)
	}
	again, err := s.Candidates().Get(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if again.Status != types.CandidateApproved {
		t.Errorf("re-sync reset review state to %s", again.Status)
	}
}

func TestWriteRecipeFile(t *testing.T) {
	root := t.TempDir()
	r := types.NewRecipe("rid-w", "Write test", "swift", "Tool", types.KTCodePattern)
	r.Trigger = "@w"
	r.Content.Pattern = "let x = 1"
	r.Status = types.RecipeActive

	path := filepath.Join(root, "AutoSnippet", "recipes", "write.md")
	if err := WriteRecipeFile(root, path, []*types.Recipe{r}); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	docs, err := ParseFile(string(data))
	if err != nil {
		t.Fatalf("written file must parse: %v", err)
	}
	if docs[0].Front.Title != "Write test" {
		t.Errorf("title = %q", docs[0].Front.Title)
	}

	// Writes outside the root are refused.
	outside := filepath.Join(t.TempDir(), "escape.md")
	err = WriteRecipeFile(root, outside, []*types.Recipe{r})
	if !types.IsCode(err, types.CodePathEscape) {
		t.Errorf("expected path escape error, got %v", err)
	}
}

func TestWatcherTriggersSync(t *testing.T) {
	if testing.Short() {
		t.Skip("watcher test sleeps through the debounce window")
	}
	sy, s, root := newTestSyncer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewWatcher(sy)
	done := make(chan error, 1)
	go func() { done <- w.Watch(ctx) }()

	// Give the watcher a moment to register, then drop a recipe in.
	time.Sleep(200 * time.Millisecond)
	writeRecipe(t, root, "fetch.md", sampleRecipe)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		page, err := s.Recipes().List(ctx, store.RecipeFilter{}, 1, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(page.Data) == 1 {
			cancel()
			<-done
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatal("watcher never synced the new recipe")
}
