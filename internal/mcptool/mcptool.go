// Package mcptool speaks the line-delimited JSON tool protocol on stdio.
// Read tools hit the repositories directly; every write goes through the
// gateway.
package mcptool

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"

	"autosnippet/internal/gateway"
	"autosnippet/internal/graph"
	"autosnippet/internal/logging"
	"autosnippet/internal/search"
	"autosnippet/internal/stats"
	"autosnippet/internal/store"
	"autosnippet/internal/types"
)

// defaultActor is assumed when a request names no actor. Tool callers are
// agents unless they say otherwise.
const defaultActor = "cursor_agent"

// maxLine bounds one request line.
const maxLine = 4 << 20

// Request is one tool invocation.
type Request struct {
	ID      interface{}            `json:"id"`
	Tool    string                 `json:"tool"`
	Actor   string                 `json:"actor,omitempty"`
	Session string                 `json:"session,omitempty"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Response answers one request. Exactly one of Result and Error is set.
type Response struct {
	ID     interface{}        `json:"id"`
	Result interface{}        `json:"result,omitempty"`
	Error  *gateway.ErrorInfo `json:"error,omitempty"`
}

// Server dispatches tool requests.
type Server struct {
	store    *store.Store
	searcher *search.Searcher
	gateway  *gateway.Gateway
	graph    *graph.Service
	stats    *stats.Service

	mu  sync.Mutex // serializes writes to out
	out io.Writer
}

// New builds a tool server.
func New(s *store.Store, searcher *search.Searcher, gw *gateway.Gateway, g *graph.Service, usage *stats.Service) *Server {
	return &Server{store: s, searcher: searcher, gateway: gw, graph: g, stats: usage}
}

// Run reads newline-delimited requests from in until EOF or cancellation.
// Each request is answered on its own line; malformed lines get an error
// response with a null id.
func (s *Server) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	s.out = out
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.write(&Response{Error: &gateway.ErrorInfo{
				Code:    string(types.CodeValidation),
				Message: "malformed request: " + err.Error(),
			}})
			continue
		}
		s.write(s.handle(ctx, &req))
	}
	if err := scanner.Err(); err != nil {
		return types.Wrap(types.CodeStorage, err, "read tool stream")
	}
	return nil
}

func (s *Server) write(resp *Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.Marshal(resp)
	if err != nil {
		logging.Get(logging.CategoryMCP).Error("encode response: %v", err)
		return
	}
	s.out.Write(append(data, '\n'))
}

// handle routes one request. Every path returns a response carrying the
// request id.
func (s *Server) handle(ctx context.Context, req *Request) *Response {
	logging.MCPDebug("tool %s (id=%v)", req.Tool, req.ID)
	s.touchSession(ctx, req)

	var result interface{}
	var err error
	switch req.Tool {
	case "recipes.search":
		result, err = s.recipesSearch(ctx, req)
	case "recipes.get":
		result, err = s.recipesGet(ctx, req)
	case "candidates.list":
		result, err = s.candidatesList(ctx, req)
	case "graph.neighbors":
		result, err = s.graphNeighbors(ctx, req)
	case "graph.related":
		result, err = s.graphRelated(ctx, req)

	case "recipes.create":
		return s.viaGateway(ctx, req, gateway.ActionCreateRecipe)
	case "recipes.update":
		return s.viaGateway(ctx, req, gateway.ActionUpdateRecipe)
	case "recipes.deprecate":
		return s.viaGateway(ctx, req, gateway.ActionDeprecateRecipe)
	case "candidates.submit":
		return s.viaGateway(ctx, req, gateway.ActionSubmitCandidate)
	case "candidates.approve":
		return s.viaGateway(ctx, req, gateway.ActionApproveCandidate)
	case "candidates.reject":
		return s.viaGateway(ctx, req, gateway.ActionRejectCandidate)
	case "candidates.promote":
		return s.viaGateway(ctx, req, gateway.ActionPromoteCandidate)
	case "stats.record-usage":
		return s.viaGateway(ctx, req, gateway.ActionRecordUsage)

	default:
		err = types.E(types.CodeValidation, "unknown tool %q", req.Tool)
	}

	if err != nil {
		return &Response{ID: req.ID, Error: &gateway.ErrorInfo{
			Code:    string(types.CodeOf(err)),
			Message: err.Error(),
		}}
	}
	return &Response{ID: req.ID, Result: result}
}

// viaGateway forwards a write tool through the dispatch pipeline.
func (s *Server) viaGateway(ctx context.Context, req *Request, action string) *Response {
	actor := req.Actor
	if actor == "" {
		actor = defaultActor
	}
	resp := s.gateway.Dispatch(ctx, &gateway.Request{
		Actor:  actor,
		Action: action,
		Params: req.Params,
		ReqID:  stringParam(req.Params, "reqId"),
	})
	if !resp.OK {
		return &Response{ID: req.ID, Error: resp.Error}
	}
	return &Response{ID: req.ID, Result: resp.Data}
}

// touchSession keeps the session row warm; missing sessions are created.
func (s *Server) touchSession(ctx context.Context, req *Request) {
	if req.Session == "" {
		return
	}
	err := s.store.Sessions().Touch(ctx, req.Session)
	if types.IsCode(err, types.CodeNotFound) {
		actor := req.Actor
		if actor == "" {
			actor = defaultActor
		}
		err = s.store.Sessions().Create(ctx, &types.Session{
			ID:    req.Session,
			Scope: "mcp",
			Actor: actor,
		})
	}
	if err != nil {
		logging.Get(logging.CategoryMCP).Warn("session %s not touched: %v", req.Session, err)
	}
}

// =============================================================================
// READ TOOLS
// =============================================================================

func (s *Server) recipesSearch(ctx context.Context, req *Request) (interface{}, error) {
	query := stringParam(req.Params, "query")
	opts := search.Options{
		Limit: intParam(req.Params, "limit"),
		Mode:  stringParam(req.Params, "mode"),
		Filter: store.RecipeFilter{
			Language: stringParam(req.Params, "language"),
			Category: stringParam(req.Params, "category"),
			Scope:    stringParam(req.Params, "scope"),
		},
		Rerank: boolParam(req.Params, "enableAiAssist"),
	}
	resp, err := s.searcher.Search(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"items":    resp.Results,
		"total":    len(resp.Results),
		"mode":     resp.Mode,
		"warnings": resp.Warnings,
	}, nil
}

func (s *Server) recipesGet(ctx context.Context, req *Request) (interface{}, error) {
	id := stringParam(req.Params, "id")
	if id == "" {
		return nil, types.E(types.CodeValidation, "recipes.get needs an id")
	}
	return s.store.Recipes().Get(ctx, id)
}

func (s *Server) candidatesList(ctx context.Context, req *Request) (interface{}, error) {
	f := store.CandidateFilter{
		Status:   types.CandidateStatus(stringParam(req.Params, "status")),
		Language: stringParam(req.Params, "language"),
		Source:   stringParam(req.Params, "source"),
	}
	page := intParam(req.Params, "page")
	size := intParam(req.Params, "pageSize")
	return s.store.Candidates().List(ctx, f, page, size)
}

func (s *Server) graphNeighbors(ctx context.Context, req *Request) (interface{}, error) {
	id := stringParam(req.Params, "id")
	if id == "" {
		return nil, types.E(types.CodeValidation, "graph.neighbors needs an id")
	}
	opts := graph.NeighborOptions{Direction: stringParam(req.Params, "direction")}
	if rel := stringParam(req.Params, "relation"); rel != "" {
		opts.Relations = []string{rel}
	}
	edges, err := s.graph.Neighbors(ctx, id, opts)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"id": id, "edges": edges}, nil
}

func (s *Server) graphRelated(ctx context.Context, req *Request) (interface{}, error) {
	id := stringParam(req.Params, "id")
	if id == "" {
		return nil, types.E(types.CodeValidation, "graph.related needs an id")
	}
	ids, err := s.graph.Related(ctx, id, intParam(req.Params, "maxResults"))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"id": id, "related": ids}, nil
}

// =============================================================================
// PARAM HELPERS
// =============================================================================

func stringParam(params map[string]interface{}, key string) string {
	v, _ := params[key].(string)
	return v
}

func intParam(params map[string]interface{}, key string) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func boolParam(params map[string]interface{}, key string) bool {
	v, _ := params[key].(bool)
	return v
}
