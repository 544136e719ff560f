package constitution

import (
	"context"
	"fmt"

	"autosnippet/internal/logging"
)

// Decision is the outcome of one policy check.
type Decision struct {
	Allow         bool   `json:"allow"`
	RequireReview bool   `json:"requireReview,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Priority      int    `json:"priority,omitempty"` // the rule that decided, if any
}

// Service evaluates checks against one loaded document.
type Service struct {
	doc   *Document
	root  string
	cache *capabilityCache
}

// NewService wraps a document for a project root.
func NewService(doc *Document, root string) *Service {
	if doc == nil {
		doc = DefaultDocument()
	}
	return &Service{doc: doc, root: root, cache: newCapabilityCache()}
}

// Document exposes the loaded policy for introspection.
func (s *Service) Document() *Document { return s.doc }

// InvalidateCapability drops a cached probe result.
func (s *Service) InvalidateCapability(id string) { s.cache.invalidate(id) }

// Check decides whether actor may perform verb on resource. The order is
// fixed: role resolution, permission match, capability probes, priority
// rules.
func (s *Service) Check(ctx context.Context, actor, verb, resource string) Decision {
	role, roleName, ok := s.doc.roleFor(actor)
	if !ok {
		return Decision{Reason: fmt.Sprintf("unknown actor %q and no default role", actor)}
	}

	permitted := false
	for _, perm := range role.Permissions {
		if permissionMatches(perm, verb, resource) {
			permitted = true
			break
		}
	}
	if !permitted {
		logging.Constitution("deny %s: role %s lacks %s:%s", actor, roleName, verb, resource)
		return Decision{Reason: fmt.Sprintf("role %s lacks permission %s:%s", roleName, verb, resource)}
	}

	for _, capID := range role.Capabilities {
		spec := s.doc.Capabilities[capID]
		if ok, reason := s.cache.check(ctx, s.root, capID, spec); !ok {
			return Decision{Reason: fmt.Sprintf("capability %s unavailable: %s", capID, reason)}
		}
	}

	// Priorities are pre-sorted descending; the first matching rule decides.
	action := verb + ":" + resource
	for _, rule := range s.doc.Priorities {
		if !matcherHits(rule.Actions, action) || !matcherHits(rule.Resources, resource) {
			continue
		}
		switch rule.Outcome {
		case OutcomeDeny:
			reason := rule.Reason
			if reason == "" {
				reason = fmt.Sprintf("denied by priority %d", rule.Priority)
			}
			return Decision{Reason: reason, Priority: rule.Priority}
		case OutcomeRequireReview:
			return Decision{Allow: true, RequireReview: true, Reason: rule.Reason, Priority: rule.Priority}
		case OutcomeAllow:
			return Decision{Allow: true, Reason: rule.Reason, Priority: rule.Priority}
		}
	}

	return Decision{Allow: true}
}
