package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/JakeFAU/kibble-harvester/internal/config"
	"github.com/JakeFAU/kibble-harvester/internal/crawler"
	"github.com/JakeFAU/kibble-harvester/internal/dedup"
	"github.com/JakeFAU/kibble-harvester/internal/metrics"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxDuplicateBatch bounds POST /v1/duplicates payloads.
const maxDuplicateBatch = 500

// Runner executes harvests and serializes state mutations against them.
type Runner interface {
	TryRun(ctx context.Context, budget time.Duration, maxProducts int) (crawler.RunSummary, bool)
	TryExclusive(fn func()) bool
}

// StateManager reads and rewinds the crawl cursor.
type StateManager interface {
	Load(ctx context.Context) (crawler.CrawlState, error)
	Reset(ctx context.Context) (crawler.CrawlState, error)
}

// DuplicateFinder answers advisory dedup questions.
type DuplicateFinder interface {
	FindSimilarProducts(ctx context.Context, name, brand string) ([]dedup.SimilarProduct, error)
	BatchCheckDuplicates(ctx context.Context, externalIDs []string) (map[string]bool, error)
}

// ReadinessCheck reports whether downstream dependencies are reachable.
type ReadinessCheck func(ctx context.Context) error

// Options carries run defaults and auth settings.
type Options struct {
	Budget      time.Duration
	MaxProducts int
	Auth        config.AuthConfig
	// RequestTimeout bounds every route except POST /v1/runs.
	RequestTimeout time.Duration
	Ready          ReadinessCheck
}

// Server wires HTTP handlers to the orchestrator and stores.
type Server struct {
	router chi.Router
	runner Runner
	states StateManager
	dups   DuplicateFinder
	opts   Options
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(runner Runner, states StateManager, dups DuplicateFinder, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		runner: runner,
		states: states,
		dups:   dups,
		opts:   opts,
		logger: logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if opts.Auth.Enabled {
			r.Use(apiKeyMiddleware(opts.Auth.APIKey))
		}
		// Runs are bounded by their own time budget.
		r.Post("/runs", s.startRun)
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(opts.RequestTimeout))
			r.Get("/state", s.getState)
			r.Post("/state/reset", s.resetState)
			r.Get("/similar", s.findSimilar)
			r.Post("/duplicates", s.checkDuplicates)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ready != nil {
		if err := s.opts.Ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// maxBudgetSeconds bounds budget_seconds on POST /v1/runs.
const maxBudgetSeconds = 24 * 60 * 60

type runRequest struct {
	BudgetSeconds *int `json:"budget_seconds"`
	MaxProducts   *int `json:"max_products"`
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	budget := s.opts.Budget
	if req.BudgetSeconds != nil {
		if *req.BudgetSeconds < 0 || *req.BudgetSeconds > maxBudgetSeconds {
			writeError(w, http.StatusBadRequest, "budget_seconds must be within 0..86400")
			return
		}
		budget = time.Duration(*req.BudgetSeconds) * time.Second
	}
	maxProducts := s.opts.MaxProducts
	if req.MaxProducts != nil {
		if *req.MaxProducts <= 0 {
			writeError(w, http.StatusBadRequest, "max_products must be > 0")
			return
		}
		maxProducts = *req.MaxProducts
	}

	summary, ok := s.runner.TryRun(r.Context(), budget, maxProducts)
	if !ok {
		writeError(w, http.StatusConflict, "a run is already in progress")
		return
	}
	status := http.StatusOK
	if !summary.Success {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, summary)
}

func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	st, err := s.states.Load(r.Context())
	if err != nil {
		s.logger.Error("load crawl state failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load crawl state")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) resetState(w http.ResponseWriter, r *http.Request) {
	var (
		st  crawler.CrawlState
		err error
	)
	ran := s.runner.TryExclusive(func() {
		st, err = s.states.Reset(r.Context())
	})
	if !ran {
		writeError(w, http.StatusConflict, "a run is in progress")
		return
	}
	if err != nil {
		s.logger.Error("reset crawl state failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to reset crawl state")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) findSimilar(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	brand := strings.TrimSpace(r.URL.Query().Get("brand"))
	if name == "" || brand == "" {
		writeError(w, http.StatusBadRequest, "name and brand are required")
		return
	}
	matches, err := s.dups.FindSimilarProducts(r.Context(), name, brand)
	if err != nil {
		s.logger.Error("similarity lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "similarity lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": matches})
}

type duplicatesRequest struct {
	ExternalIDs []string `json:"external_ids"`
}

func (s *Server) checkDuplicates(w http.ResponseWriter, r *http.Request) {
	var req duplicatesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.ExternalIDs) == 0 {
		writeError(w, http.StatusBadRequest, "external_ids required")
		return
	}
	if len(req.ExternalIDs) > maxDuplicateBatch {
		writeError(w, http.StatusBadRequest, "too many external_ids")
		return
	}
	found, err := s.dups.BatchCheckDuplicates(r.Context(), req.ExternalIDs)
	if err != nil {
		s.logger.Error("duplicate lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "duplicate lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"duplicates": found})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
