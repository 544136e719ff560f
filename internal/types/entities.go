package types

import (
	"time"
)

// =============================================================================
// SNIPPET - A concrete installable code fragment
// =============================================================================

// InstallState tracks whether a snippet is installed in the IDE.
type InstallState struct {
	Installed     bool   `json:"installed"`
	InstalledPath string `json:"installedPath,omitempty"`
}

// Snippet is an installable code fragment, typically derived from a recipe.
type Snippet struct {
	ID         string `json:"id"`
	ExternalID string `json:"externalId,omitempty"` // IDE code-snippet identifier
	Title      string `json:"title"`
	Language   string `json:"language"`
	Category   string `json:"category,omitempty"`
	Trigger    string `json:"trigger,omitempty"` // completion trigger string
	Summary    string `json:"summary,omitempty"`
	Body       string `json:"body"` // lines joined by newlines

	Install InstallState `json:"install"`

	SourceRecipeID    string `json:"sourceRecipeId,omitempty"`
	SourceCandidateID string `json:"sourceCandidateId,omitempty"`

	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
	UpdatedAt time.Time              `json:"updatedAt"`
}

// =============================================================================
// KNOWLEDGE EDGE - Typed graph edge between entities
// =============================================================================

// Entity types for graph endpoints.
const (
	EntityRecipe    = "recipe"
	EntityCandidate = "candidate"
	EntitySnippet   = "snippet"
)

// Structural relations.
const (
	RelInherits   = "inherits"
	RelImplements = "implements"
	RelCalls      = "calls"
	RelDependsOn  = "depends_on"
	RelDataFlowTo = "data_flow_to"
	RelReferences = "references"
)

// Semantic relations.
const (
	RelExtends      = "extends"
	RelConflicts    = "conflicts"
	RelRelated      = "related"
	RelAlternative  = "alternative"
	RelPrerequisite = "prerequisite"
	RelRequires     = "requires"
	RelDeprecatedBy = "deprecated_by"
	RelSolves       = "solves"
	RelEnforces     = "enforces"
)

// DependencyRelations are the relation types that participate in
// dependency queries and cycle detection.
var DependencyRelations = []string{RelDependsOn, RelRequires, RelPrerequisite}

// KnowledgeEdge is one typed edge. Uniqueness key:
// (FromID, FromType, ToID, ToType, Relation).
type KnowledgeEdge struct {
	FromID    string                 `json:"fromId"`
	FromType  string                 `json:"fromType"`
	ToID      string                 `json:"toId"`
	ToType    string                 `json:"toType"`
	Relation  string                 `json:"relation"`
	Weight    float64                `json:"weight"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
}

// =============================================================================
// GUARD VIOLATION - One record per check invocation
// =============================================================================

// ViolationDetail is a single matched guard pattern.
type ViolationDetail struct {
	RecipeID string `json:"recipeId,omitempty"`
	Pattern  string `json:"pattern"`
	Severity string `json:"severity,omitempty"`
	Message  string `json:"message,omitempty"`
	Line     int    `json:"line,omitempty"`
}

// GuardViolation records the outcome of a guard check over one file.
type GuardViolation struct {
	ID             string            `json:"id"`
	FilePath       string            `json:"filePath"`
	TriggeredAt    time.Time         `json:"triggeredAt"`
	ViolationCount int               `json:"violationCount"`
	Summary        string            `json:"summary,omitempty"`
	Violations     []ViolationDetail `json:"violations,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
}

// =============================================================================
// AUDIT LOG - Append-only gateway trail
// =============================================================================

// Audit results.
const (
	AuditAllow = "allow"
	AuditDeny  = "deny"
	AuditError = "error"
)

// AuditLog is one append-only record of a gateway dispatch. Never updated.
type AuditLog struct {
	ID            string                 `json:"id"`
	Timestamp     time.Time              `json:"timestamp"`
	Actor         string                 `json:"actor"`
	ActorContext  string                 `json:"actorContext,omitempty"`
	Action        string                 `json:"action"`
	Resource      string                 `json:"resource,omitempty"`
	OperationData map[string]interface{} `json:"operationData,omitempty"`
	Result        string                 `json:"result"` // allow | deny | error
	ErrorMessage  string                 `json:"errorMessage,omitempty"`
	Duration      time.Duration          `json:"duration"`
}

// =============================================================================
// SESSION - Multi-call interaction correlation
// =============================================================================

// Session correlates a sequence of tool or HTTP calls.
type Session struct {
	ID           string                 `json:"id"`
	Scope        string                 `json:"scope,omitempty"`
	ScopeID      string                 `json:"scopeId,omitempty"`
	Context      string                 `json:"context,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	Actor        string                 `json:"actor,omitempty"`
	CreatedAt    time.Time              `json:"createdAt"`
	LastActiveAt time.Time              `json:"lastActiveAt"`
	ExpiredAt    *time.Time             `json:"expiredAt,omitempty"`
}

// Expired reports whether the session has passed its TTL relative to now.
func (s *Session) Expired(ttl time.Duration, now time.Time) bool {
	if s.ExpiredAt != nil {
		return true
	}
	return now.Sub(s.LastActiveAt) > ttl
}

// =============================================================================
// PAGINATION
// =============================================================================

// Page is the standard paginated result envelope.
type Page[T any] struct {
	Data     []T   `json:"data"`
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
	Total    int64 `json:"total"`
	Pages    int   `json:"pages"`
}

// NewPage computes the page count from total and size.
func NewPage[T any](data []T, page, pageSize int, total int64) Page[T] {
	if pageSize <= 0 {
		pageSize = 20
	}
	pages := int((total + int64(pageSize) - 1) / int64(pageSize))
	return Page[T]{Data: data, Page: page, PageSize: pageSize, Total: total, Pages: pages}
}
