// Package sync keeps the markdown knowledge directory and the SQLite cache
// in agreement. Markdown is the source of truth; the database is rebuildable.
package sync

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"autosnippet/internal/pathguard"
	"autosnippet/internal/types"
)

// Section headings recognized in a recipe body.
const (
	headingSnippet = "## Snippet / Code Reference"
	headingUsage   = "## AI Context / Usage Guide"
)

// frontMatter is the YAML block at the head of each recipe document.
// Headers may arrive as a YAML sequence or as a string holding a JSON array;
// both normalize to a slice.
type frontMatter struct {
	ID            string   `yaml:"id,omitempty"`
	Title         string   `yaml:"title"`
	Trigger       string   `yaml:"trigger"`
	Category      string   `yaml:"category"`
	Language      string   `yaml:"language"`
	SummaryCN     string   `yaml:"summary_cn"`
	SummaryEN     string   `yaml:"summary_en"`
	UsageGuideCN  string   `yaml:"usageGuide_cn,omitempty"`
	UsageGuideEN  string   `yaml:"usageGuide_en,omitempty"`
	KnowledgeType string   `yaml:"knowledgeType,omitempty"`
	Kind          string   `yaml:"kind,omitempty"`
	Complexity    string   `yaml:"complexity,omitempty"`
	Scope         string   `yaml:"scope,omitempty"`
	Status        string   `yaml:"status,omitempty"`
	Tags          []string `yaml:"tags,omitempty"`

	Headers []string `yaml:"-"`
}

// Document is one parsed recipe plus its raw body sections.
type Document struct {
	Front     frontMatter
	Code      string // contents of the fenced block under the snippet heading
	CodeLang  string // info string of the fence
	Usage     string // free markdown under the usage heading
	IntroOnly bool   // no snippet heading present
}

// ParseFile splits a markdown file into recipe documents. Multiple recipes
// are separated by a blank line followed by a new front-matter block.
func ParseFile(content string) ([]*Document, error) {
	lines := strings.Split(content, "\n")
	var docs []*Document

	i := 0
	for i < len(lines) {
		// Skip leading blanks between documents.
		for i < len(lines) && strings.TrimSpace(lines[i]) == "" {
			i++
		}
		if i >= len(lines) {
			break
		}
		if strings.TrimSpace(lines[i]) != "---" {
			return nil, types.E(types.CodeValidation, "line %d: expected front matter delimiter, got %q", i+1, lines[i])
		}
		i++
		start := i
		for i < len(lines) && strings.TrimSpace(lines[i]) != "---" {
			i++
		}
		if i >= len(lines) {
			return nil, types.E(types.CodeValidation, "unterminated front matter starting at line %d", start)
		}
		fmBlock := strings.Join(lines[start:i], "\n")
		i++ // closing delimiter

		// Body runs until the next front-matter opener: a "---" line whose
		// previous line is blank.
		bodyStart := i
		for i < len(lines) {
			if strings.TrimSpace(lines[i]) == "---" &&
				i > bodyStart && strings.TrimSpace(lines[i-1]) == "" {
				break
			}
			i++
		}
		body := strings.Join(lines[bodyStart:i], "\n")

		doc, err := parseDocument(fmBlock, body)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if len(docs) == 0 {
		return nil, types.E(types.CodeValidation, "no front matter found")
	}
	return docs, nil
}

func parseDocument(fmBlock, body string) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal([]byte(fmBlock), &doc.Front); err != nil {
		return nil, types.Wrap(types.CodeValidation, err, "malformed front matter")
	}

	// Second pass for headers, which have two accepted shapes.
	var raw struct {
		Headers yaml.Node `yaml:"headers"`
	}
	if err := yaml.Unmarshal([]byte(fmBlock), &raw); err == nil {
		headers, err := decodeHeaders(&raw.Headers)
		if err != nil {
			return nil, err
		}
		doc.Front.Headers = headers
	}

	parseBody(&doc, body)
	return &doc, nil
}

// decodeHeaders accepts a YAML sequence or a scalar holding a JSON array.
func decodeHeaders(node *yaml.Node) ([]string, error) {
	switch node.Kind {
	case 0: // absent
		return nil, nil
	case yaml.SequenceNode:
		var out []string
		if err := node.Decode(&out); err != nil {
			return nil, types.Wrap(types.CodeValidation, err, "malformed headers list")
		}
		return out, nil
	case yaml.ScalarNode:
		s := strings.TrimSpace(node.Value)
		if s == "" {
			return nil, nil
		}
		var out []string
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return nil, types.E(types.CodeValidation, "headers must be a list or a JSON array, got %q", s)
		}
		return out, nil
	default:
		return nil, types.E(types.CodeValidation, "headers must be a list or a JSON array")
	}
}

// parseBody extracts the snippet code block and the usage section.
func parseBody(doc *Document, body string) {
	doc.IntroOnly = true
	lines := strings.Split(body, "\n")

	section := ""
	var usage []string
	inFence := false
	var code []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "## "):
			if strings.Contains(trimmed, "Snippet") {
				section = "snippet"
				doc.IntroOnly = false
			} else if strings.Contains(trimmed, "Usage") || strings.Contains(trimmed, "AI Context") {
				section = "usage"
			} else {
				section = ""
			}
			continue
		case strings.HasPrefix(trimmed, "```"):
			if section == "snippet" && doc.Code == "" {
				if inFence {
					doc.Code = strings.Join(code, "\n")
					inFence = false
				} else {
					doc.CodeLang = strings.TrimPrefix(trimmed, "```")
					inFence = true
					code = code[:0]
				}
				continue
			}
		}
		if inFence {
			code = append(code, line)
			continue
		}
		if section == "usage" {
			usage = append(usage, line)
		}
	}
	doc.Usage = strings.TrimSpace(strings.Join(usage, "\n"))
}

// Recipe converts a parsed document into a domain recipe. The id is taken
// from the front matter when present, else derived from source file + title.
func (d *Document) Recipe(sourceFile string) *types.Recipe {
	fm := d.Front
	id := fm.ID
	if id == "" {
		id = pathguard.StableRecipeID(sourceFile, fm.Title)
	}
	kt := types.KnowledgeType(fm.KnowledgeType)
	if kt == "" {
		kt = types.KTCodePattern
	}
	r := types.NewRecipe(id, fm.Title, fm.Language, fm.Category, kt)
	r.Trigger = fm.Trigger
	r.Summary = types.LocalizedText{CN: fm.SummaryCN, EN: fm.SummaryEN}
	r.UsageGuide = types.LocalizedText{CN: fm.UsageGuideCN, EN: fm.UsageGuideEN}
	r.Complexity = fm.Complexity
	r.Scope = fm.Scope
	r.Tags = fm.Tags
	r.SourceFile = sourceFile
	r.Content.Pattern = d.Code
	r.Content.Markdown = d.Usage
	r.Content.Headers = fm.Headers
	if fm.Status != "" {
		r.Status = types.RecipeStatus(fm.Status)
	} else {
		r.Status = types.RecipeActive
	}
	return r
}

// Candidate converts a parsed document into a pending candidate.
func (d *Document) Candidate(sourceFile string) *types.Candidate {
	fm := d.Front
	id := fm.ID
	if id == "" {
		id = pathguard.StableRecipeID(sourceFile, fm.Title)
	}
	c := types.NewCandidate(id, d.Code, fm.Language, types.SourceManual, "sync")
	c.Category = fm.Category
	c.Metadata = map[string]interface{}{
		"title":      fm.Title,
		"sourceFile": sourceFile,
	}
	return c
}

// =============================================================================
// SERIALIZER - canonical markdown form
// =============================================================================

// Serialize renders one recipe in canonical form: ordered front-matter keys,
// headers as a one-line JSON array, snippet section, then usage section.
// ParseFile of the output yields an equivalent document.
func Serialize(r *types.Recipe) (string, error) {
	var sb strings.Builder
	sb.WriteString("---\n")

	writeScalar := func(key, val string) error {
		if val == "" {
			return nil
		}
		enc, err := yamlScalar(val)
		if err != nil {
			return err
		}
		fmt.Fprintf(&sb, "%s: %s\n", key, enc)
		return nil
	}

	fields := []struct{ key, val string }{
		{"id", r.ID},
		{"title", r.Title},
		{"trigger", r.Trigger},
		{"category", r.Category},
		{"language", r.Language},
		{"summary_cn", r.Summary.CN},
		{"summary_en", r.Summary.EN},
		{"usageGuide_cn", r.UsageGuide.CN},
		{"usageGuide_en", r.UsageGuide.EN},
		{"knowledgeType", string(r.KnowledgeType)},
		{"complexity", r.Complexity},
		{"scope", r.Scope},
		{"status", string(r.Status)},
	}
	for _, f := range fields {
		if err := writeScalar(f.key, f.val); err != nil {
			return "", err
		}
	}
	if len(r.Content.Headers) > 0 {
		arr, err := json.Marshal(r.Content.Headers)
		if err != nil {
			return "", types.Wrap(types.CodeValidation, err, "encode headers")
		}
		fmt.Fprintf(&sb, "headers: %s\n", arr)
	}
	if len(r.Tags) > 0 {
		arr, err := json.Marshal(r.Tags)
		if err != nil {
			return "", types.Wrap(types.CodeValidation, err, "encode tags")
		}
		fmt.Fprintf(&sb, "tags: %s\n", arr)
	}
	sb.WriteString("---\n")

	if r.Content.Pattern != "" {
		sb.WriteString("\n" + headingSnippet + "\n\n")
		fmt.Fprintf(&sb, "```%s\n%s\n```\n", r.Language, r.Content.Pattern)
	}
	if r.Content.Markdown != "" {
		sb.WriteString("\n" + headingUsage + "\n\n")
		sb.WriteString(r.Content.Markdown + "\n")
	}
	return sb.String(), nil
}

// yamlScalar encodes a string as a single-line YAML scalar.
func yamlScalar(s string) (string, error) {
	out, err := yaml.Marshal(s)
	if err != nil {
		return "", types.Wrap(types.CodeValidation, err, "encode front matter value")
	}
	enc := strings.TrimRight(string(out), "\n")
	if strings.Contains(enc, "\n") {
		// Multi-line values fall back to a JSON string, which YAML accepts.
		j, err := json.Marshal(s)
		if err != nil {
			return "", types.Wrap(types.CodeValidation, err, "encode front matter value")
		}
		return string(j), nil
	}
	return enc, nil
}
