package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"autosnippet/internal/gateway"
	"autosnippet/internal/index"
	"autosnippet/internal/search"
	"autosnippet/internal/store"
	"autosnippet/internal/types"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service":     "autosnippet",
		"projectRoot": s.opts.Root,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	})
}

// =============================================================================
// RECIPES
// =============================================================================

func (s *Server) handleListRecipes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := intParam(q.Get("limit"), 20)
	if limit <= 0 {
		limit = 20
	}
	offset := intParam(q.Get("offset"), 0)
	filter := store.RecipeFilter{Scope: q.Get("scope"), Language: q.Get("language")}

	if query := strings.TrimSpace(q.Get("q")); query != "" {
		resp, err := s.opts.Searcher.Search(r.Context(), query, search.Options{
			Limit:  limit + offset,
			Mode:   q.Get("mode"),
			Filter: filter,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		results := resp.Results
		if offset < len(results) {
			results = results[offset:]
		} else {
			results = nil
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"results":  results,
			"total":    len(resp.Results),
			"mode":     resp.Mode,
			"warnings": resp.Warnings,
		})
		return
	}

	if q.Get("sort") == "recommended" {
		recs, err := s.opts.Store.Recipes().Recommendations(r.Context(), limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"results": recs, "total": len(recs)})
		return
	}

	page := offset/limit + 1
	p, err := s.opts.Store.Recipes().List(r.Context(), filter, page, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": p.Data, "total": p.Total})
}

func (s *Server) handleGetRecipe(w http.ResponseWriter, r *http.Request) {
	rec, err := s.opts.Store.Recipes().Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// =============================================================================
// CANDIDATES
// =============================================================================

func (s *Server) handleSubmitCandidate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Code        string `json:"code"`
		FilePath    string `json:"filePath,omitempty"`
		Language    string `json:"language"`
		Description string `json:"description,omitempty"`
		Source      string `json:"source,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, types.Wrap(types.CodeValidation, err, "malformed body"))
		return
	}
	params := map[string]interface{}{
		"code":     body.Code,
		"language": body.Language,
		"source":   body.Source,
	}
	if body.FilePath != "" || body.Description != "" {
		params["metadata"] = map[string]interface{}{
			"filePath":    body.FilePath,
			"description": body.Description,
		}
	}
	resp := s.opts.Gateway.Dispatch(r.Context(), &gateway.Request{
		Actor:  actorFrom(r),
		Action: gateway.ActionSubmitCandidate,
		Params: params,
	})
	if !resp.OK {
		writeError(w, types.E(types.Code(resp.Error.Code), "%s", resp.Error.Message))
		return
	}
	data := resp.Data.(map[string]interface{})
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":      data["id"],
		"status":  data["status"],
		"message": "candidate submitted",
	})
}

// =============================================================================
// GUARD AUDIT
// =============================================================================

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		FileContent string `json:"fileContent"`
		FilePath    string `json:"filePath"`
		Keyword     string `json:"keyword,omitempty"`
		Scope       string `json:"scope,omitempty"`
		Language    string `json:"language,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, types.Wrap(types.CodeValidation, err, "malformed body"))
		return
	}
	result, err := RunGuardAudit(r.Context(), s.opts.Store, s.opts.Stats, AuditRequest{
		FilePath:    body.FilePath,
		FileContent: body.FileContent,
		Language:    body.Language,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// =============================================================================
// COMMANDS + GRAPH + STATS
// =============================================================================

func (s *Server) handleEmbed(w http.ResponseWriter, r *http.Request) {
	report, err := s.opts.Indexer.Run(r.Context(), index.Options{})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"indexed": report.Indexed,
		"skipped": report.Skipped,
		"removed": report.Removed,
	})
}

func (s *Server) handleRelated(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ids, err := s.opts.Graph.Related(r.Context(), id, intParam(r.URL.Query().Get("limit"), 0))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "related": ids})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	f, err := s.opts.Stats.Snapshot()
	if err != nil {
		writeError(w, err)
		return
	}
	counts, err := s.opts.Store.Recipes().CountByStatus(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"usage":   f,
		"scores":  f.Scores(),
		"recipes": counts,
	})
}

func intParam(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}
