// Package gateway is the single authorized entrypoint for mutating actions.
// Every write runs the same pipeline: validate, capabilities, permission,
// priorities, hooks, handler, audit.
package gateway

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"autosnippet/internal/constitution"
	"autosnippet/internal/logging"
	"autosnippet/internal/stats"
	"autosnippet/internal/store"
	"autosnippet/internal/types"
)

// Request is one mutating action.
type Request struct {
	Actor    string                 `json:"actor"`
	Action   string                 `json:"action"`             // verb:resource
	Resource string                 `json:"resource,omitempty"` // target id, if any
	Params   map[string]interface{} `json:"params,omitempty"`
	ReqID    string                 `json:"reqId,omitempty"`
}

// ErrorInfo is the serializable error shape of a failed dispatch.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Response is the dispatch outcome.
type Response struct {
	OK    bool        `json:"ok"`
	Data  interface{} `json:"data,omitempty"`
	Error *ErrorInfo  `json:"error,omitempty"`
}

// Hook runs before the handler; returning an error vetoes the dispatch.
type Hook func(ctx context.Context, req *Request) error

// handler executes one action after the pipeline admits it.
type handler func(ctx context.Context, req *Request) (interface{}, error)

// Gateway wires the pipeline over the store and policy services.
type Gateway struct {
	store    *store.Store
	policy   *constitution.Service
	stats    *stats.Service
	root     string
	hooks    []Hook
	handlers map[string]handler
}

// New builds a gateway. policy and usage may not be nil.
func New(s *store.Store, policy *constitution.Service, usage *stats.Service, root string) *Gateway {
	g := &Gateway{
		store:  s,
		policy: policy,
		stats:  usage,
		root:   root,
	}
	g.handlers = map[string]handler{
		ActionCreateRecipe:     g.createRecipe,
		ActionUpdateRecipe:     g.updateRecipe,
		ActionDeleteRecipe:     g.deleteRecipe,
		ActionDeprecateRecipe:  g.deprecateRecipe,
		ActionSubmitCandidate:  g.submitCandidate,
		ActionApproveCandidate: g.approveCandidate,
		ActionRejectCandidate:  g.rejectCandidate,
		ActionPromoteCandidate: g.promoteCandidate,
		ActionInstallSnippet:   g.installSnippet,
		ActionRecordUsage:      g.recordUsage,
	}
	return g
}

// AddHook appends a before-hook; hooks run in registration order.
func (g *Gateway) AddHook(h Hook) {
	g.hooks = append(g.hooks, h)
}

// Dispatch runs the full pipeline and always returns a response; pipeline
// failures are carried in Response.Error, not as a Go error.
func (g *Gateway) Dispatch(ctx context.Context, req *Request) *Response {
	start := time.Now()

	verb, resourceType, ok := strings.Cut(req.Action, ":")
	if !ok || verb == "" || resourceType == "" {
		return g.finish(ctx, req, start, nil,
			types.E(types.CodeValidation, "action %q is not verb:resource", req.Action))
	}
	h, ok := g.handlers[req.Action]
	if !ok {
		return g.finish(ctx, req, start, nil,
			types.E(types.CodeValidation, "unknown action %q", req.Action))
	}
	if err := validateRequired(req); err != nil {
		logging.Gateway("reject %s %s: %v", req.Actor, req.Action, err)
		return &Response{Error: &ErrorInfo{Code: string(types.CodeValidation), Message: err.Error()}}
	}

	decision := g.policy.Check(ctx, req.Actor, verb, resourceType)
	if !decision.Allow {
		logging.Gateway("deny %s %s: %s", req.Actor, req.Action, decision.Reason)
		g.audit(ctx, req, types.AuditDeny, decision.Reason, time.Since(start))
		return &Response{Error: &ErrorInfo{Code: string(types.CodePermissionDenied), Message: decision.Reason}}
	}
	if decision.RequireReview {
		ctx = withReviewRequired(ctx)
	}

	for _, hook := range g.hooks {
		if err := hook(ctx, req); err != nil {
			return g.finish(ctx, req, start, nil,
				types.Wrap(types.CodePermissionDenied, err, "vetoed by hook"))
		}
	}

	data, err := h(ctx, req)
	return g.finish(ctx, req, start, data, err)
}

// finish writes the audit row and shapes the response.
func (g *Gateway) finish(ctx context.Context, req *Request, start time.Time, data interface{}, err error) *Response {
	duration := time.Since(start)
	if err != nil {
		result := types.AuditError
		if types.IsCode(err, types.CodePermissionDenied) {
			result = types.AuditDeny
		}
		g.audit(ctx, req, result, err.Error(), duration)
		return &Response{Error: &ErrorInfo{Code: string(types.CodeOf(err)), Message: err.Error()}}
	}
	g.audit(ctx, req, types.AuditAllow, "", duration)
	logging.Gateway("%s %s by %s ok (%s)", req.Action, req.Resource, req.Actor, duration)
	return &Response{OK: true, Data: data}
}

// audit appends one row. Audit failures never fail the operation.
func (g *Gateway) audit(ctx context.Context, req *Request, result, errMsg string, duration time.Duration) {
	row := &types.AuditLog{
		Actor:         req.Actor,
		ActorContext:  req.ReqID,
		Action:        req.Action,
		Resource:      req.Resource,
		OperationData: req.Params,
		Result:        result,
		ErrorMessage:  errMsg,
		Duration:      duration,
	}
	if err := g.store.Audit().Append(ctx, row); err != nil {
		logging.Get(logging.CategoryGateway).Error("audit write failed: %v", err)
	}
}

// reviewRequiredKey marks dispatches whose priority rule demanded review.
type reviewRequiredKey struct{}

func withReviewRequired(ctx context.Context) context.Context {
	return context.WithValue(ctx, reviewRequiredKey{}, true)
}

func reviewRequired(ctx context.Context) bool {
	v, _ := ctx.Value(reviewRequiredKey{}).(bool)
	return v
}

// decodeParams maps the loose params object onto a typed struct.
func decodeParams(req *Request, into interface{}) error {
	raw, err := json.Marshal(req.Params)
	if err != nil {
		return types.Wrap(types.CodeValidation, err, "encode params")
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		return types.Wrap(types.CodeValidation, err, "malformed params for %s", req.Action)
	}
	return nil
}
