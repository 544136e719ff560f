package types

import (
	"time"
)

// =============================================================================
// CANDIDATE - A proposed knowledge unit awaiting human review
// =============================================================================

// CandidateStatus is the review state of a candidate.
type CandidateStatus string

const (
	CandidatePending  CandidateStatus = "pending"
	CandidateApproved CandidateStatus = "approved"
	CandidateRejected CandidateStatus = "rejected"
	CandidateApplied  CandidateStatus = "applied"
)

// Candidate sources.
const (
	SourceBootstrapScan = "bootstrap-scan"
	SourceMCP           = "mcp"
	SourceManual        = "manual"
	SourceCursorScan    = "cursor-scan"
)

// AISources lists ingestion sources that require human approval before a
// candidate may be promoted to a recipe.
var AISources = map[string]bool{
	SourceBootstrapScan: true,
	SourceMCP:           true,
	SourceCursorScan:    true,
}

// StatusChange is one append-only entry in a candidate's status history.
type StatusChange struct {
	From      CandidateStatus `json:"from"`
	To        CandidateStatus `json:"to"`
	Actor     string          `json:"actor"`
	Timestamp time.Time       `json:"timestamp"`
	Reason    string          `json:"reason,omitempty"`
}

// Reasoning is the structured AI/heuristic explanation attached at ingestion.
type Reasoning struct {
	Summary    string   `json:"summary,omitempty"`
	Signals    []string `json:"signals,omitempty"`
	Confidence float64  `json:"confidence,omitempty"`
}

// Candidate is a proposed knowledge unit awaiting review.
type Candidate struct {
	ID       string `json:"id"`
	Code     string `json:"code"`
	Language string `json:"language"`
	Category string `json:"category,omitempty"`
	Source   string `json:"source"`

	Reasoning     *Reasoning      `json:"reasoning,omitempty"`
	Status        CandidateStatus `json:"status"`
	StatusHistory []StatusChange  `json:"statusHistory,omitempty"`

	CreatedBy string     `json:"createdBy,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`

	ApprovedBy string     `json:"approvedBy,omitempty"`
	ApprovedAt *time.Time `json:"approvedAt,omitempty"`

	RejectionReason string `json:"rejectionReason,omitempty"`
	RejectedBy      string `json:"rejectedBy,omitempty"`

	AppliedRecipeID string `json:"appliedRecipeId,omitempty"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// candidateTransitions is the declared state-machine graph.
// pending -> approved -> applied; pending -> rejected; approved -> rejected (reopen for cause).
// rejected and applied are terminal.
var candidateTransitions = map[CandidateStatus][]CandidateStatus{
	CandidatePending:  {CandidateApproved, CandidateRejected},
	CandidateApproved: {CandidateApplied, CandidateRejected},
}

// CandidateTransitionAllowed reports whether from -> to is a declared edge.
func CandidateTransitionAllowed(from, to CandidateStatus) bool {
	for _, next := range candidateTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// NewCandidate constructs a pending candidate.
func NewCandidate(id, code, language, source, createdBy string) *Candidate {
	now := time.Now().UTC()
	return &Candidate{
		ID:        id,
		Code:      code,
		Language:  language,
		Source:    source,
		Status:    CandidatePending,
		CreatedBy: createdBy,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Transition moves the candidate along a declared edge, appending history.
// Any attempt to skip states fails with InvalidStateTransition.
func (c *Candidate) Transition(to CandidateStatus, actor, reason string) error {
	if !CandidateTransitionAllowed(c.Status, to) {
		return E(CodeInvalidTransition, "candidate %s: illegal transition %s -> %s", c.ID, c.Status, to)
	}
	now := time.Now().UTC()
	c.StatusHistory = append(c.StatusHistory, StatusChange{
		From:      c.Status,
		To:        to,
		Actor:     actor,
		Timestamp: now,
		Reason:    reason,
	})
	c.Status = to
	c.UpdatedAt = now
	switch to {
	case CandidateApproved:
		c.ApprovedBy = actor
		c.ApprovedAt = &now
	case CandidateRejected:
		c.RejectedBy = actor
		c.RejectionReason = reason
	}
	return nil
}

// RequiresHumanReview reports whether the candidate came from an AI source
// and must therefore be approved before promotion.
func (c *Candidate) RequiresHumanReview() bool {
	return AISources[c.Source]
}
