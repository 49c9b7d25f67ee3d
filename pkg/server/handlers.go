package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	tribrid "github.com/tribridrag/tribrid"
	"github.com/tribridrag/tribrid/pkg/answer"
	"github.com/tribridrag/tribrid/pkg/config"
	"github.com/tribridrag/tribrid/pkg/search"
	"github.com/tribridrag/tribrid/pkg/storage/postgres"
)

// TestHeader suppresses best-effort writes (feedback) when set to "1",
// so integration tests never dirty the store.
const TestHeader = "X-Tribrid-Test"

// searchPayload is the /api/search body. corpus_id is accepted as a
// single-corpus alias for corpus_ids.
type searchPayload struct {
	search.Request
	CorpusID string `json:"corpus_id,omitempty"`
}

func (p *searchPayload) normalize() {
	if p.CorpusID != "" && len(p.CorpusIDs) == 0 {
		p.CorpusIDs = []string{p.CorpusID}
	}
}

type answerPayload struct {
	answer.Request
	CorpusID string `json:"corpus_id,omitempty"`
}

func (p *answerPayload) normalize() {
	if p.CorpusID != "" && len(p.CorpusIDs) == 0 {
		p.CorpusIDs = []string{p.CorpusID}
	}
}

type chatPayload struct {
	answer.ChatRequest
	CorpusID string `json:"corpus_id,omitempty"`
}

func (p *chatPayload) normalize() {
	if p.CorpusID != "" && len(p.CorpusIDs) == 0 {
		p.CorpusIDs = []string{p.CorpusID}
	}
}

type searchResponse struct {
	CorpusID  string              `json:"corpus_id"`
	Matches   []search.ChunkMatch `json:"matches"`
	Debug     search.FusionDebug  `json:"debug"`
	LatencyMs int64               `json:"latency_ms"`
}

type configResponse struct {
	CorpusID  string           `json:"corpus_id"`
	Settings  *config.Settings `json:"settings"`
	LatencyMs int64            `json:"latency_ms"`
}

type corporaResponse struct {
	Corpora   []postgres.Corpus `json:"corpora"`
	LatencyMs int64             `json:"latency_ms"`
}

// recordedResponse acknowledges the write-style endpoints.
type recordedResponse struct {
	CorpusID  string `json:"corpus_id,omitempty"`
	Recorded  bool   `json:"recorded"`
	LatencyMs int64  `json:"latency_ms"`
}

type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

type readyResponse struct {
	Ready  bool              `json:"ready"`
	Checks map[string]string `json:"checks"`
}

type secretsResponse struct {
	Secrets   map[string]bool `json:"secrets"`
	LatencyMs int64           `json:"latency_ms"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var payload searchPayload
	if err := decodeJSON(r, &payload); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, "invalid_json", err.Error())
		return
	}
	payload.normalize()

	result, err := s.engine.Search(r.Context(), &payload.Request)
	if err != nil {
		s.requestError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, searchResponse{
		CorpusID:  firstCorpus(payload.CorpusIDs),
		Matches:   result.Matches,
		Debug:     result.Debug,
		LatencyMs: time.Since(start).Milliseconds(),
	})
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	var payload answerPayload
	if err := decodeJSON(r, &payload); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, "invalid_json", err.Error())
		return
	}
	payload.normalize()

	res, err := s.composer.Answer(r.Context(), &payload.Request)
	if err != nil {
		s.requestError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAnswerStream(w http.ResponseWriter, r *http.Request) {
	var payload answerPayload
	if err := decodeJSON(r, &payload); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, "invalid_json", err.Error())
		return
	}
	payload.normalize()

	events, err := s.composer.Stream(r.Context(), &payload.Request)
	if err != nil {
		s.requestError(w, err)
		return
	}
	s.serveSSE(w, events)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var payload chatPayload
	if err := decodeJSON(r, &payload); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, "invalid_json", err.Error())
		return
	}
	payload.normalize()

	res, err := s.composer.Chat(r.Context(), &payload.ChatRequest)
	if err != nil {
		s.requestError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var payload chatPayload
	if err := decodeJSON(r, &payload); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, "invalid_json", err.Error())
		return
	}
	payload.normalize()

	events, err := s.composer.ChatStream(r.Context(), &payload.ChatRequest)
	if err != nil {
		s.requestError(w, err)
		return
	}
	s.serveSSE(w, events)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		Version:       tribrid.Version,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	})
}

// handleReady probes both stores. With ?corpus_id= it also requires the
// corpus to exist in Postgres; missing graph data for the corpus is
// reported but does not gate, since the graph leg may be disabled.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checks := map[string]string{}
	ready := true

	if err := s.store.Ping(ctx); err != nil {
		checks["postgres"] = err.Error()
		ready = false
	} else {
		checks["postgres"] = "ok"
	}

	switch {
	case s.graph == nil:
		checks["neo4j"] = "not configured"
	default:
		if err := s.graph.Ping(ctx); err != nil {
			checks["neo4j"] = err.Error()
			ready = false
		} else {
			checks["neo4j"] = "ok"
		}
	}

	if corpusID := r.URL.Query().Get("corpus_id"); corpusID != "" {
		exists, err := s.store.CorpusExists(ctx, corpusID)
		switch {
		case err != nil:
			checks["corpus"] = err.Error()
			ready = false
		case !exists:
			checks["corpus"] = "not found"
			ready = false
		default:
			checks["corpus"] = "ok"
		}

		if s.graph != nil && checks["neo4j"] == "ok" {
			if has, err := s.graph.HasCorpus(ctx, corpusID); err != nil {
				checks["graph_corpus"] = err.Error()
			} else if has {
				checks["graph_corpus"] = "ok"
			} else {
				checks["graph_corpus"] = "no graph data"
			}
		}
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, readyResponse{Ready: ready, Checks: checks})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	corpusID, ok := s.corpusParam(w, r)
	if !ok {
		return
	}

	settings, err := s.resolver.Resolve(r.Context(), corpusID)
	if err != nil {
		s.configError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, configResponse{
		CorpusID:  corpusID,
		Settings:  settings,
		LatencyMs: time.Since(start).Milliseconds(),
	})
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	corpusID, ok := s.corpusParam(w, r)
	if !ok {
		return
	}

	var doc map[string]any
	if err := decodeJSON(r, &doc); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, "invalid_json", err.Error())
		return
	}

	settings, err := s.resolver.PutOverride(r.Context(), corpusID, doc)
	if err != nil {
		s.configError(w, err)
		return
	}
	s.logger.Info("Corpus config replaced", "corpus_id", corpusID)
	writeJSON(w, http.StatusOK, configResponse{
		CorpusID:  corpusID,
		Settings:  settings,
		LatencyMs: time.Since(start).Milliseconds(),
	})
}

func (s *Server) handlePatchConfig(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	corpusID, ok := s.corpusParam(w, r)
	if !ok {
		return
	}

	var patch map[string]any
	if err := decodeJSON(r, &patch); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, "invalid_json", err.Error())
		return
	}

	settings, err := s.resolver.PatchOverride(r.Context(), corpusID, patch)
	if err != nil {
		s.configError(w, err)
		return
	}
	s.logger.Info("Corpus config patched", "corpus_id", corpusID)
	writeJSON(w, http.StatusOK, configResponse{
		CorpusID:  corpusID,
		Settings:  settings,
		LatencyMs: time.Since(start).Milliseconds(),
	})
}

func (s *Server) handleResetConfig(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	corpusID, ok := s.corpusParam(w, r)
	if !ok {
		return
	}

	if err := s.resolver.ResetOverride(r.Context(), corpusID); err != nil {
		s.configError(w, err)
		return
	}
	s.logger.Info("Corpus config reset", "corpus_id", corpusID)

	settings, err := s.resolver.Resolve(r.Context(), corpusID)
	if err != nil {
		settings = s.resolver.Defaults()
	}
	writeJSON(w, http.StatusOK, configResponse{
		CorpusID:  corpusID,
		Settings:  settings,
		LatencyMs: time.Since(start).Milliseconds(),
	})
}

func (s *Server) handleListCorpora(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	corpora, err := s.store.ListCorpora(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if corpora == nil {
		corpora = []postgres.Corpus{}
	}
	writeJSON(w, http.StatusOK, corporaResponse{
		Corpora:   corpora,
		LatencyMs: time.Since(start).Milliseconds(),
	})
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var fb postgres.Feedback
	if err := decodeJSON(r, &fb); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, "invalid_json", err.Error())
		return
	}
	if strings.TrimSpace(fb.CorpusID) == "" || strings.TrimSpace(fb.Query) == "" {
		s.writeError(w, http.StatusUnprocessableEntity, "validation_failed",
			"corpus_id and query are required")
		return
	}

	if r.Header.Get(TestHeader) == "1" {
		writeJSON(w, http.StatusOK, recordedResponse{
			CorpusID:  fb.CorpusID,
			Recorded:  false,
			LatencyMs: time.Since(start).Milliseconds(),
		})
		return
	}

	if err := s.store.InsertFeedback(r.Context(), fb); err != nil {
		s.writeError(w, http.StatusInternalServerError, "write_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, recordedResponse{
		CorpusID:  fb.CorpusID,
		Recorded:  true,
		LatencyMs: time.Since(start).Milliseconds(),
	})
}

// indexRunReport is what the external indexer posts after a run. The
// counts are informational; the gauges refresh from the stores.
type indexRunReport struct {
	CorpusID      string `json:"corpus_id"`
	Chunks        int64  `json:"chunks"`
	Entities      int64  `json:"entities"`
	Relationships int64  `json:"relationships"`
}

func (s *Server) handleIndexRun(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var report indexRunReport
	if err := decodeJSON(r, &report); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, "invalid_json", err.Error())
		return
	}
	if strings.TrimSpace(report.CorpusID) == "" {
		s.writeError(w, http.StatusUnprocessableEntity, "validation_failed",
			"corpus_id is required")
		return
	}

	s.metrics.RecordIndexRun(r.Context())
	s.refreshCorpusTotals(r.Context())
	s.logger.Info("Index run recorded",
		"corpus_id", report.CorpusID,
		"chunks", report.Chunks,
		"entities", report.Entities,
		"relationships", report.Relationships)

	writeJSON(w, http.StatusOK, recordedResponse{
		CorpusID:  report.CorpusID,
		Recorded:  true,
		LatencyMs: time.Since(start).Milliseconds(),
	})
}

// handleSecretsCheck reports which provider keys are present in the
// environment. Booleans only; the values never leave the process.
func (s *Server) handleSecretsCheck(w http.ResponseWriter, _ *http.Request) {
	start := time.Now()

	secrets := map[string]bool{}
	for _, name := range s.secretEnvNames() {
		secrets[name] = os.Getenv(name) != ""
	}
	writeJSON(w, http.StatusOK, secretsResponse{
		Secrets:   secrets,
		LatencyMs: time.Since(start).Milliseconds(),
	})
}

// secretEnvNames is the fixed provider key set plus any env names the
// configuration points at.
func (s *Server) secretEnvNames() []string {
	names := []string{"OPENAI_API_KEY", "OPENROUTER_API_KEY", "COHERE_API_KEY"}
	seen := map[string]bool{}
	for _, n := range names {
		seen[n] = true
	}
	add := func(n string) {
		if n != "" && !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
	}
	add(s.cfg.Embedding.APIKeyEnv)
	if s.cfg.Providers.OpenAI != nil {
		add(s.cfg.Providers.OpenAI.APIKeyEnv)
	}
	if s.cfg.Providers.OpenRouter != nil {
		add(s.cfg.Providers.OpenRouter.APIKeyEnv)
	}
	return names
}

func (s *Server) corpusParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	corpusID := r.URL.Query().Get("corpus_id")
	if corpusID == "" {
		s.writeError(w, http.StatusUnprocessableEntity, "validation_failed",
			"corpus_id query parameter is required")
		return "", false
	}
	return corpusID, true
}

// requestError maps core errors onto the edge statuses: unknown corpus
// to 404, everything else the engine or composer surfaces to 422. Leg,
// reranker, and provider failures never reach here; they degrade into
// the debug block.
func (s *Server) requestError(w http.ResponseWriter, err error) {
	if errors.Is(err, postgres.ErrCorpusNotFound) {
		s.writeError(w, http.StatusNotFound, "corpus_not_found", err.Error())
		return
	}
	s.writeError(w, http.StatusUnprocessableEntity, "validation_failed", err.Error())
}

// configError maps config endpoint errors: unknown corpus 404, document
// validation 422, store failure 500.
func (s *Server) configError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, postgres.ErrCorpusNotFound):
		s.writeError(w, http.StatusNotFound, "corpus_not_found", err.Error())
	case errors.Is(err, search.ErrInvalidSettings):
		s.writeError(w, http.StatusUnprocessableEntity, "validation_failed", err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, "store_error", err.Error())
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func decodeJSON(r *http.Request, dst any) error {
	defer func() { _ = r.Body.Close() }()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func firstCorpus(ids []string) string {
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}
