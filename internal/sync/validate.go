package sync

import (
	"fmt"
	"regexp"
	"strings"
)

// Closed vocabularies for recipe front matter.
var (
	validLanguages = map[string]bool{
		"swift":      true,
		"objectivec": true,
		"markdown":   true,
	}
	validCategories = map[string]bool{
		"View":    true,
		"Service": true,
		"Tool":    true,
		"Model":   true,
		"Network": true,
		"Storage": true,
		"UI":      true,
		"Utility": true,
	}

	headerObjCRe  = regexp.MustCompile(`^#import\s+<.+>$`)
	headerSwiftRe = regexp.MustCompile(`^import\s+\w+`)
)

// Violation is one structured validation issue found during sync.
type Violation struct {
	File    string `json:"file"`
	Recipe  string `json:"recipe,omitempty"` // title, may be empty
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s [%s] %s: %s", v.File, v.Recipe, v.Field, v.Message)
}

// validateDocument checks one parsed recipe document against the format
// rules. It returns every issue, not just the first.
func validateDocument(file string, d *Document) []Violation {
	fm := d.Front
	issue := func(field, format string, args ...interface{}) Violation {
		return Violation{File: file, Recipe: fm.Title, Field: field, Message: fmt.Sprintf(format, args...)}
	}

	var out []Violation
	if strings.TrimSpace(fm.Title) == "" {
		out = append(out, issue("title", "title is required"))
	}
	if fm.Trigger == "" {
		out = append(out, issue("trigger", "trigger is required"))
	} else if !strings.HasPrefix(fm.Trigger, "@") {
		out = append(out, issue("trigger", "trigger %q must start with @", fm.Trigger))
	}
	if !validLanguages[strings.ToLower(fm.Language)] {
		out = append(out, issue("language", "language %q is not one of swift|objectivec|markdown", fm.Language))
	}
	if !validCategories[fm.Category] {
		out = append(out, issue("category", "category %q is not in the allowed set", fm.Category))
	}
	if strings.TrimSpace(fm.SummaryCN) == "" {
		out = append(out, issue("summary_cn", "summary_cn is required"))
	}
	if strings.TrimSpace(fm.SummaryEN) == "" {
		out = append(out, issue("summary_en", "summary_en is required"))
	}
	// Code recipes must declare their imports; markdown recipes have none.
	lang := strings.ToLower(fm.Language)
	if len(fm.Headers) == 0 && (lang == "swift" || lang == "objectivec") {
		out = append(out, issue("headers", "headers are required for %s recipes", lang))
	}
	for _, h := range fm.Headers {
		if !headerObjCRe.MatchString(h) && !headerSwiftRe.MatchString(h) {
			out = append(out, issue("headers", "header %q is not a valid import statement", h))
		}
	}
	if !d.IntroOnly && strings.TrimSpace(d.Code) == "" {
		out = append(out, issue("code", "snippet section present but contains no fenced code block"))
	}
	return out
}
