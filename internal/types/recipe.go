// Package types provides the shared domain model for the AutoSnippet knowledge
// engine: recipes, candidates, snippets, graph edges, audit rows, and sessions.
// Types here are plain records with factory functions and narrow
// invariant-preserving methods; they carry no storage or transport concerns.
package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// RECIPE - The curated unit of knowledge
// =============================================================================

// RecipeKind is the coarse classification of a recipe.
type RecipeKind string

const (
	KindRule    RecipeKind = "rule"
	KindPattern RecipeKind = "pattern"
	KindFact    RecipeKind = "fact"
)

// KnowledgeType is the fine classification; it determines the kind.
type KnowledgeType string

const (
	KTCodeStandard       KnowledgeType = "code-standard"
	KTCodeStyle          KnowledgeType = "code-style"
	KTBestPractice       KnowledgeType = "best-practice"
	KTBoundaryConstraint KnowledgeType = "boundary-constraint"
	KTCodePattern        KnowledgeType = "code-pattern"
	KTArchitecture       KnowledgeType = "architecture"
	KTSolution           KnowledgeType = "solution"
	KTCodeRelation       KnowledgeType = "code-relation"
	KTInheritance        KnowledgeType = "inheritance"
	KTCallChain          KnowledgeType = "call-chain"
	KTDataFlow           KnowledgeType = "data-flow"
	KTModuleDependency   KnowledgeType = "module-dependency"
)

// kindByKnowledgeType is the fixed knowledge_type -> kind mapping.
var kindByKnowledgeType = map[KnowledgeType]RecipeKind{
	KTCodeStandard:       KindRule,
	KTCodeStyle:          KindRule,
	KTBestPractice:       KindRule,
	KTBoundaryConstraint: KindRule,
	KTCodePattern:        KindPattern,
	KTArchitecture:       KindPattern,
	KTSolution:           KindPattern,
	KTCodeRelation:       KindFact,
	KTInheritance:        KindFact,
	KTCallChain:          KindFact,
	KTDataFlow:           KindFact,
	KTModuleDependency:   KindFact,
}

// KindForKnowledgeType returns the kind derived from a knowledge type.
// Unknown knowledge types default to pattern.
func KindForKnowledgeType(kt KnowledgeType) RecipeKind {
	if k, ok := kindByKnowledgeType[kt]; ok {
		return k
	}
	return KindPattern
}

// RecipeStatus is the lifecycle state of a recipe.
type RecipeStatus string

const (
	RecipeDraft      RecipeStatus = "draft"
	RecipeActive     RecipeStatus = "active"
	RecipeDeprecated RecipeStatus = "deprecated"
)

// Complexity levels.
const (
	ComplexityBeginner     = "beginner"
	ComplexityIntermediate = "intermediate"
	ComplexityAdvanced     = "advanced"
)

// Scope tags.
const (
	ScopeUniversal      = "universal"
	ScopeProject        = "project"
	ScopeTargetSpecific = "target-specific"
)

// LocalizedText holds a field in both supported locales.
type LocalizedText struct {
	CN string `json:"cn,omitempty"`
	EN string `json:"en,omitempty"`
}

// CodeChange records one before/after edit inside a recipe.
type CodeChange struct {
	File        string `json:"file"`
	Before      string `json:"before,omitempty"`
	After       string `json:"after"`
	Explanation string `json:"explanation,omitempty"`
}

// Verification describes how to confirm a recipe was applied correctly.
type Verification struct {
	Method   string `json:"method,omitempty"`
	Expected string `json:"expected,omitempty"`
	TestCode string `json:"testCode,omitempty"`
}

// RecipeContent is the structured body of a recipe.
// Unknown keys survive a parse/serialize round trip via Extra.
type RecipeContent struct {
	Pattern      string                     `json:"-"`
	Rationale    string                     `json:"-"`
	Steps        []string                   `json:"-"`
	CodeChanges  []CodeChange               `json:"-"`
	Verification *Verification              `json:"-"`
	Markdown     string                     `json:"-"`
	Headers      []string                   `json:"-"`
	Extra        map[string]json.RawMessage `json:"-"`
}

// contentJSON is the wire shape for RecipeContent's known keys.
type contentJSON struct {
	Pattern      string        `json:"pattern,omitempty"`
	Rationale    string        `json:"rationale,omitempty"`
	Steps        []string      `json:"steps,omitempty"`
	CodeChanges  []CodeChange  `json:"codeChanges,omitempty"`
	Verification *Verification `json:"verification,omitempty"`
	Markdown     string        `json:"markdown,omitempty"`
	Headers      []string      `json:"headers,omitempty"`
}

var contentKnownKeys = []string{"pattern", "rationale", "steps", "codeChanges", "verification", "markdown", "headers"}

// MarshalJSON emits known keys plus any preserved extras.
func (c RecipeContent) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(contentJSON{
		Pattern:      c.Pattern,
		Rationale:    c.Rationale,
		Steps:        c.Steps,
		CodeChanges:  c.CodeChanges,
		Verification: c.Verification,
		Markdown:     c.Markdown,
		Headers:      c.Headers,
	})
	if err != nil {
		return nil, err
	}
	return mergeExtra(known, c.Extra)
}

// UnmarshalJSON pulls known keys and preserves the rest in Extra.
func (c *RecipeContent) UnmarshalJSON(data []byte) error {
	var wire contentJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	c.Pattern = wire.Pattern
	c.Rationale = wire.Rationale
	c.Steps = wire.Steps
	c.CodeChanges = wire.CodeChanges
	c.Verification = wire.Verification
	c.Markdown = wire.Markdown
	c.Headers = wire.Headers
	extra, err := splitExtra(data, contentKnownKeys)
	if err != nil {
		return err
	}
	c.Extra = extra
	return nil
}

// IsEmpty reports whether the content carries no usable knowledge.
func (c RecipeContent) IsEmpty() bool {
	return c.Pattern == "" && c.Rationale == "" && len(c.Steps) == 0 && c.Markdown == ""
}

// RelationRef is one typed reference to another recipe (or external concept).
type RelationRef struct {
	Target      string `json:"target"`
	Description string `json:"description,omitempty"`
}

// Relations maps a relation group name (inherits, implements, calls,
// dependsOn, dataFlow, conflicts, extends, related, ...) to its references.
// Using a map keeps unknown groups intact across round trips.
type Relations map[string][]RelationRef

// Targets returns all referenced ids/names across every group, deduped.
func (r Relations) Targets() []string {
	seen := make(map[string]bool)
	var out []string
	for _, refs := range r {
		for _, ref := range refs {
			if ref.Target == "" || seen[ref.Target] {
				continue
			}
			seen[ref.Target] = true
			out = append(out, ref.Target)
		}
	}
	return out
}

// GuardRule is an inline enforcement pattern attached to a rule recipe.
type GuardRule struct {
	Pattern  string `json:"pattern"`
	Severity string `json:"severity,omitempty"` // error | warning | info
	Message  string `json:"message,omitempty"`
}

// RecipeConstraints holds boundaries, preconditions, side effects, and guards.
type RecipeConstraints struct {
	Boundaries    []string                   `json:"-"`
	Preconditions []string                   `json:"-"`
	SideEffects   []string                   `json:"-"`
	Guards        []GuardRule                `json:"-"`
	Extra         map[string]json.RawMessage `json:"-"`
}

type constraintsJSON struct {
	Boundaries    []string    `json:"boundaries,omitempty"`
	Preconditions []string    `json:"preconditions,omitempty"`
	SideEffects   []string    `json:"sideEffects,omitempty"`
	Guards        []GuardRule `json:"guards,omitempty"`
}

var constraintsKnownKeys = []string{"boundaries", "preconditions", "sideEffects", "guards"}

func (c RecipeConstraints) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(constraintsJSON{
		Boundaries:    c.Boundaries,
		Preconditions: c.Preconditions,
		SideEffects:   c.SideEffects,
		Guards:        c.Guards,
	})
	if err != nil {
		return nil, err
	}
	return mergeExtra(known, c.Extra)
}

func (c *RecipeConstraints) UnmarshalJSON(data []byte) error {
	var wire constraintsJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	c.Boundaries = wire.Boundaries
	c.Preconditions = wire.Preconditions
	c.SideEffects = wire.SideEffects
	c.Guards = wire.Guards
	extra, err := splitExtra(data, constraintsKnownKeys)
	if err != nil {
		return err
	}
	c.Extra = extra
	return nil
}

// QualityMetrics are four floats in [0,1].
type QualityMetrics struct {
	Completeness float64 `json:"completeness"`
	Adaptation   float64 `json:"adaptation"`
	Clarity      float64 `json:"clarity"`
	Overall      float64 `json:"overall"`
}

// RecipeStatistics tracks adoption and feedback counters.
type RecipeStatistics struct {
	AdoptionCount    int64   `json:"adoptionCount"`
	ApplicationCount int64   `json:"applicationCount"`
	GuardHitCount    int64   `json:"guardHitCount"`
	ViewCount        int64   `json:"viewCount"`
	SuccessCount     int64   `json:"successCount"`
	FeedbackScore    float64 `json:"feedbackScore"`
}

// Deprecation records why and when a recipe was retired.
type Deprecation struct {
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Recipe is the curated unit of knowledge.
type Recipe struct {
	ID            string        `json:"id"`
	Title         string        `json:"title"`
	Description   string        `json:"description,omitempty"`
	Language      string        `json:"language"`
	Category      string        `json:"category"`
	Kind          RecipeKind    `json:"kind"`
	KnowledgeType KnowledgeType `json:"knowledgeType,omitempty"`
	Complexity    string        `json:"complexity,omitempty"`
	Scope         string        `json:"scope,omitempty"`

	Summary    LocalizedText `json:"summary"`
	UsageGuide LocalizedText `json:"usageGuide,omitempty"`

	Content     RecipeContent     `json:"content"`
	Relations   Relations         `json:"relations,omitempty"`
	Constraints RecipeConstraints `json:"constraints"`

	Trigger    string                 `json:"trigger,omitempty"`
	Dimensions map[string]interface{} `json:"dimensions,omitempty"`
	Tags       []string               `json:"tags,omitempty"`

	Status      RecipeStatus     `json:"status"`
	Quality     QualityMetrics   `json:"quality"`
	Statistics  RecipeStatistics `json:"statistics"`
	PublishedBy string           `json:"publishedBy,omitempty"`
	PublishedAt *time.Time       `json:"publishedAt,omitempty"`
	Deprecation *Deprecation     `json:"deprecation,omitempty"`

	SourceCandidateID string `json:"sourceCandidateId,omitempty"`
	SourceFile        string `json:"sourceFile,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewRecipe constructs a draft recipe with a derived kind.
func NewRecipe(id, title, language, category string, kt KnowledgeType) *Recipe {
	now := time.Now().UTC()
	return &Recipe{
		ID:            id,
		Title:         title,
		Language:      strings.ToLower(language),
		Category:      category,
		KnowledgeType: kt,
		Kind:          KindForKnowledgeType(kt),
		Status:        RecipeDraft,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Validate enforces the recipe invariants for its current status.
func (r *Recipe) Validate() error {
	if r.ID == "" {
		return E(CodeValidation, "recipe id is empty")
	}
	if r.KnowledgeType != "" && r.Kind != "" {
		if derived := KindForKnowledgeType(r.KnowledgeType); derived != r.Kind {
			return E(CodeValidation, "kind %q disagrees with knowledge type %q (expected %q)", r.Kind, r.KnowledgeType, derived)
		}
	}
	switch r.Status {
	case RecipeActive:
		if strings.TrimSpace(r.Title) == "" {
			return E(CodeValidation, "active recipe %s has empty title", r.ID)
		}
		if r.Content.IsEmpty() {
			return E(CodeValidation, "active recipe %s has no pattern, rationale, steps, or markdown", r.ID)
		}
	case RecipeDeprecated:
		if r.Deprecation == nil {
			return E(CodeValidation, "deprecated recipe %s has no deprecation record", r.ID)
		}
	case RecipeDraft:
	default:
		return E(CodeValidation, "recipe %s has unknown status %q", r.ID, r.Status)
	}
	return nil
}

// Transition moves the recipe to a new status, enforcing the state machine:
// draft -> active -> deprecated, plus draft -> deprecated (abandon).
// Re-activation from deprecated is disallowed.
func (r *Recipe) Transition(to RecipeStatus, reason string) error {
	allowed := map[RecipeStatus][]RecipeStatus{
		RecipeDraft:  {RecipeActive, RecipeDeprecated},
		RecipeActive: {RecipeDeprecated},
	}
	ok := false
	for _, next := range allowed[r.Status] {
		if next == to {
			ok = true
			break
		}
	}
	if !ok {
		return E(CodeInvalidTransition, "recipe %s: illegal transition %s -> %s", r.ID, r.Status, to)
	}
	now := time.Now().UTC()
	r.Status = to
	r.UpdatedAt = now
	if to == RecipeDeprecated {
		r.Deprecation = &Deprecation{Reason: reason, At: now}
	}
	return r.Validate()
}

// RecommendationScore is the ordering key for getRecommendations.
func (r *Recipe) RecommendationScore() float64 {
	adoption := float64(r.Statistics.AdoptionCount) / 100
	if adoption > 1 {
		adoption = 1
	}
	application := float64(r.Statistics.ApplicationCount) / 100
	if application > 1 {
		application = 1
	}
	return 0.5*r.Quality.Overall + 0.3*adoption + 0.2*application
}

// =============================================================================
// JSON EXTRA-KEY HELPERS
// =============================================================================

// splitExtra returns the keys of data not in known, preserving raw values.
func splitExtra(data []byte, known []string) (map[string]json.RawMessage, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	for _, k := range known {
		delete(all, k)
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all, nil
}

// mergeExtra folds preserved raw keys back into a marshalled object.
func mergeExtra(known []byte, extra map[string]json.RawMessage) ([]byte, error) {
	if len(extra) == 0 {
		return known, nil
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(known, &all); err != nil {
		return nil, err
	}
	for k, v := range extra {
		if _, exists := all[k]; exists {
			return nil, fmt.Errorf("extra key %q collides with a known field", k)
		}
		all[k] = v
	}
	return json.Marshal(all)
}
