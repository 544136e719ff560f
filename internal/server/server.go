// Package server exposes the local HTTP dashboard API. All JSON, all local:
// the listener binds loopback and trusts the browser on the same machine.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"autosnippet/internal/gateway"
	"autosnippet/internal/graph"
	"autosnippet/internal/index"
	"autosnippet/internal/logging"
	"autosnippet/internal/search"
	"autosnippet/internal/stats"
	"autosnippet/internal/store"
	"autosnippet/internal/types"
)

// actorHeader names the request header carrying the acting role.
const actorHeader = "X-Actor"

// defaultActor is assumed for dashboard requests without a role header.
const defaultActor = "developer_contributor"

// Options wires the server's collaborators.
type Options struct {
	Store    *store.Store
	Searcher *search.Searcher
	Gateway  *gateway.Gateway
	Graph    *graph.Service
	Indexer  *index.Indexer
	Stats    *stats.Service
	Root     string
	Logger   *zap.Logger
}

// Server is the HTTP dashboard.
type Server struct {
	opts   Options
	log    *zap.Logger
	router chi.Router
}

// New builds the router. A nil Logger disables request logging.
func New(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{opts: opts, log: log}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", actorHeader},
	}))
	r.Use(s.requestLog)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/recipes", s.handleListRecipes)
	r.Get("/api/recipes/{id}", s.handleGetRecipe)
	r.Post("/api/candidates", s.handleSubmitCandidate)
	r.Post("/api/audit", s.handleAudit)
	r.Post("/api/commands/embed", s.handleEmbed)
	r.Get("/api/graph/{id}/related", s.handleRelated)
	r.Get("/api/stats", s.handleStats)

	s.router = r
	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves until ctx is cancelled, then drains for up to 5s.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logging.Server("dashboard listening on %s", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// requestLog is a zap-backed access log middleware.
func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.log.Info("http",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// =============================================================================
// RESPONSE ENVELOPES
// =============================================================================

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	OK    bool      `json:"ok"`
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps taxonomy codes onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	code := types.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case types.CodeValidation, types.CodeInvalidIdentifier, types.CodeInvalidTransition:
		status = http.StatusBadRequest
	case types.CodeNotFound:
		status = http.StatusNotFound
	case types.CodePermissionDenied, types.CodePathEscape:
		status = http.StatusForbidden
	case types.CodeConflict, types.CodeLockContention:
		status = http.StatusConflict
	case types.CodeProviderUnavailable:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, errorEnvelope{Error: errorBody{Code: string(code), Message: err.Error()}})
}

func actorFrom(r *http.Request) string {
	if a := r.Header.Get(actorHeader); a != "" {
		return a
	}
	return defaultActor
}
