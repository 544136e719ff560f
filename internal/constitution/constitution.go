// Package constitution evaluates the project policy document: role
// permissions, priority rules, and probed runtime capabilities.
package constitution

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"autosnippet/internal/pathguard"
	"autosnippet/internal/types"
)

// FileName is the policy document inside the knowledge directory.
const FileName = "constitution.yaml"

// Outcomes for priority rules and capability behaviors.
const (
	OutcomeAllow         = "allow"
	OutcomeDeny          = "deny"
	OutcomeRequireReview = "require_review"
	BehaviorReview       = "review"
)

// Capability declares a probed runtime precondition.
type Capability struct {
	Probe           string `yaml:"probe"`
	OnMissingRepo   string `yaml:"on_missing_repo,omitempty"`   // allow | deny | review
	OnMissingRemote string `yaml:"on_missing_remote,omitempty"` // allow | deny | review
	CacheTTL        int    `yaml:"cache_ttl,omitempty"`         // seconds; 0 means probe every time
}

// Role lists what an actor may do and which capabilities it needs.
type Role struct {
	Permissions  []string `yaml:"permissions"`  // verb:resource, * wildcard
	Capabilities []string `yaml:"capabilities,omitempty"`
}

// PriorityRule is one numbered business rule; higher priority wins.
type PriorityRule struct {
	Priority  int      `yaml:"priority"`
	Actions   []string `yaml:"actions"`
	Resources []string `yaml:"resources,omitempty"`
	Outcome   string   `yaml:"outcome"` // allow | deny | require_review
	Reason    string   `yaml:"reason,omitempty"`
}

// Document is the parsed constitution.
type Document struct {
	Capabilities map[string]Capability `yaml:"capabilities,omitempty"`
	Roles        map[string]Role       `yaml:"roles"`
	Priorities   []PriorityRule        `yaml:"priorities,omitempty"`
	DefaultRole  string                `yaml:"default_role,omitempty"`
}

// Path returns the constitution location for a project root.
func Path(root string) string {
	return filepath.Join(pathguard.KnowledgeDir(root), FileName)
}

// Load reads and parses the constitution. A missing file yields the default
// document rather than an error: a project without a constitution gets the
// conservative built-in policy.
func Load(root string) (*Document, error) {
	data, err := os.ReadFile(Path(root))
	if os.IsNotExist(err) {
		return DefaultDocument(), nil
	}
	if err != nil {
		return nil, types.Wrap(types.CodeStorage, err, "read constitution")
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, types.Wrap(types.CodeValidation, err, "malformed constitution")
	}
	if err := doc.validate(); err != nil {
		return nil, err
	}
	doc.sortPriorities()
	return &doc, nil
}

// DefaultDocument is the built-in policy: humans curate, agents submit,
// visitors read.
func DefaultDocument() *Document {
	doc := &Document{
		Roles: map[string]Role{
			"developer_admin": {
				Permissions: []string{"*:*"},
			},
			"developer_contributor": {
				Permissions: []string{
					"create:recipe", "update:recipe", "deprecate:recipe",
					"submit:candidate", "approve:candidate", "reject:candidate", "promote:candidate",
					"install:snippet", "record:usage",
				},
			},
			"cursor_agent": {
				Permissions: []string{"submit:candidate", "record:usage"},
			},
			"visitor": {
				Permissions: []string{},
			},
		},
		DefaultRole: "visitor",
	}
	doc.sortPriorities()
	return doc
}

func (d *Document) validate() error {
	if len(d.Roles) == 0 {
		return types.E(types.CodeValidation, "constitution declares no roles")
	}
	for name, role := range d.Roles {
		for _, cap := range role.Capabilities {
			if _, ok := d.Capabilities[cap]; !ok {
				return types.E(types.CodeValidation, "role %q requires undeclared capability %q", name, cap)
			}
		}
		for _, perm := range role.Permissions {
			if !strings.Contains(perm, ":") && perm != "*" {
				return types.E(types.CodeValidation, "role %q has malformed permission %q", name, perm)
			}
		}
	}
	for _, rule := range d.Priorities {
		switch rule.Outcome {
		case OutcomeAllow, OutcomeDeny, OutcomeRequireReview:
		default:
			return types.E(types.CodeValidation, "priority %d has unknown outcome %q", rule.Priority, rule.Outcome)
		}
	}
	return nil
}

func (d *Document) sortPriorities() {
	sort.SliceStable(d.Priorities, func(i, j int) bool {
		return d.Priorities[i].Priority > d.Priorities[j].Priority
	})
}

// roleFor resolves an actor to its role. Actors are named after roles; an
// unknown actor falls back to the default role.
func (d *Document) roleFor(actor string) (Role, string, bool) {
	if role, ok := d.Roles[actor]; ok {
		return role, actor, true
	}
	if d.DefaultRole != "" {
		if role, ok := d.Roles[d.DefaultRole]; ok {
			return role, d.DefaultRole, true
		}
	}
	return Role{}, "", false
}

// permissionMatches reports whether one verb:resource permission string
// covers the requested action. A bare * means *:*.
func permissionMatches(perm, verb, resource string) bool {
	if perm == "*" {
		return true
	}
	pv, pr, ok := strings.Cut(perm, ":")
	if !ok {
		return false
	}
	return (pv == "*" || pv == verb) && (pr == "*" || pr == resource)
}

// matcherHits reports whether a rule matcher list covers the value. An empty
// list matches everything.
func matcherHits(matchers []string, value string) bool {
	if len(matchers) == 0 {
		return true
	}
	for _, m := range matchers {
		if m == "*" || m == value {
			return true
		}
	}
	return false
}
