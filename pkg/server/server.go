// Package server exposes the engine over HTTP: retrieval, answer
// composition with SSE streaming, corpus configuration, and the
// operational surface (health, readiness, metrics, feedback, secrets
// check). Optional bearer auth guards /api/* while health, readiness,
// and metrics stay open.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tribridrag/tribrid/pkg/answer"
	"github.com/tribridrag/tribrid/pkg/auth"
	"github.com/tribridrag/tribrid/pkg/config"
	"github.com/tribridrag/tribrid/pkg/logger"
	"github.com/tribridrag/tribrid/pkg/observability"
	"github.com/tribridrag/tribrid/pkg/search"
	"github.com/tribridrag/tribrid/pkg/storage/postgres"
)

// SearchEngine runs one retrieval request. *search.Engine satisfies it.
type SearchEngine interface {
	Search(ctx context.Context, req *search.Request) (*search.Result, error)
}

// AnswerComposer serves the generation surface. *answer.Composer
// satisfies it.
type AnswerComposer interface {
	Answer(ctx context.Context, req *answer.Request) (*answer.Response, error)
	Chat(ctx context.Context, req *answer.ChatRequest) (*answer.Response, error)
	Stream(ctx context.Context, req *answer.Request) (<-chan answer.Event, error)
	ChatStream(ctx context.Context, req *answer.ChatRequest) (<-chan answer.Event, error)
}

// MetaStore is the slice of the relational store the handlers consume.
// *postgres.Store satisfies it.
type MetaStore interface {
	Ping(ctx context.Context) error
	CorpusExists(ctx context.Context, corpusID string) (bool, error)
	ListCorpora(ctx context.Context) ([]postgres.Corpus, error)
	InsertFeedback(ctx context.Context, fb postgres.Feedback) error
	CountChunks(ctx context.Context) (int64, error)
}

// GraphProbe is the slice of the graph store readiness and the stats
// refresher need. *graphdb.Store satisfies it.
type GraphProbe interface {
	Ping(ctx context.Context) error
	Counts(ctx context.Context) (entities, relationships int64, err error)
	HasCorpus(ctx context.Context, corpusID string) (bool, error)
}

// Dependencies collects what the server serves. Engine, Composer,
// Resolver, and Store are required; Graph, Metrics, and Validator may
// be nil.
type Dependencies struct {
	Config    *config.Config
	Engine    SearchEngine
	Composer  AnswerComposer
	Resolver  *search.Resolver
	Store     MetaStore
	Graph     GraphProbe
	Metrics   observability.Metrics
	Validator *auth.Validator
}

// Server is the HTTP edge. One instance serves all corpora.
type Server struct {
	cfg       *config.Config
	engine    SearchEngine
	composer  AnswerComposer
	resolver  *search.Resolver
	store     MetaStore
	graph     GraphProbe
	metrics   observability.Metrics
	validator *auth.Validator
	logger    *slog.Logger

	httpServer *http.Server
	startedAt  time.Time
}

func New(deps Dependencies) *Server {
	m := deps.Metrics
	if m == nil {
		m = observability.NoopMetrics{}
	}
	return &Server{
		cfg:       deps.Config,
		engine:    deps.Engine,
		composer:  deps.Composer,
		resolver:  deps.Resolver,
		store:     deps.Store,
		graph:     deps.Graph,
		metrics:   m,
		validator: deps.Validator,
		logger:    logger.GetLogger().With("component", "server"),
		startedAt: time.Now(),
	}
}

// Handler returns the configured router. Tests serve it with httptest.
func (s *Server) Handler() http.Handler {
	return s.routes()
}

// Start runs the listener until it fails or Stop is called. The stats
// refresher runs alongside it and stops with ctx.
func (s *Server) Start(ctx context.Context) error {
	s.startedAt = time.Now()
	s.httpServer = &http.Server{
		Addr:    s.cfg.Server.Address(),
		Handler: s.routes(),
	}

	if s.cfg.Observability.StatsInterval > 0 {
		go s.refreshStats(ctx)
	}

	s.logger.Info("HTTP server starting",
		"address", s.cfg.Server.Address(),
		"auth", s.validator != nil)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server failed: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("Shutting down HTTP server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	// Order: logging -> tracing -> cors -> auth
	r.Use(s.requestLogger)
	r.Use(traceMiddleware)
	if s.cfg.Server.CORSEnabled == nil || *s.cfg.Server.CORSEnabled {
		r.Use(corsMiddleware)
	}

	// Operational endpoints stay outside the auth group.
	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)
	r.Get("/metrics", s.metrics.Handler().ServeHTTP)

	r.Group(func(r chi.Router) {
		if s.validator != nil {
			r.Use(s.validator.Middleware)
		}

		r.Post("/api/search", s.handleSearch)
		r.Post("/api/answer", s.handleAnswer)
		r.Post("/api/answer/stream", s.handleAnswerStream)
		r.Post("/api/chat", s.handleChat)
		r.Post("/api/chat/stream", s.handleChatStream)

		r.Get("/api/config", s.handleGetConfig)
		r.Put("/api/config", s.handlePutConfig)
		r.Patch("/api/config", s.handlePatchConfig)
		r.Post("/api/config/reset", s.handleResetConfig)

		r.Get("/api/corpora", s.handleListCorpora)
		r.Post("/api/feedback", s.handleFeedback)
		r.Post("/api/index/runs", s.handleIndexRun)
		r.Get("/api/secrets/check", s.handleSecretsCheck)
	})

	return r
}

// refreshStats polls the store totals into the gauges until ctx ends.
func (s *Server) refreshStats(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Observability.StatsInterval)
	defer ticker.Stop()

	s.refreshCorpusTotals(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refreshCorpusTotals(ctx)
		}
	}
}

// refreshCorpusTotals reads both stores and updates the indexed-content
// gauges. A failed read leaves the gauges at their previous values.
func (s *Server) refreshCorpusTotals(ctx context.Context) {
	chunks, err := s.store.CountChunks(ctx)
	if err != nil {
		s.logger.Warn("Stats refresh failed", "store", "postgres", "error", err)
		return
	}
	var entities, relationships int64
	if s.graph != nil {
		if entities, relationships, err = s.graph.Counts(ctx); err != nil {
			s.logger.Warn("Stats refresh failed", "store", "neo4j", "error", err)
			return
		}
	}
	s.metrics.SetCorpusTotals(ctx, chunks, entities, relationships)
}
