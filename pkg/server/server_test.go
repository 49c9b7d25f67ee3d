package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tribridrag/tribrid/pkg/answer"
	"github.com/tribridrag/tribrid/pkg/auth"
	"github.com/tribridrag/tribrid/pkg/config"
	"github.com/tribridrag/tribrid/pkg/observability"
	"github.com/tribridrag/tribrid/pkg/search"
	"github.com/tribridrag/tribrid/pkg/storage/postgres"
)

type fakeEngine struct {
	result  *search.Result
	err     error
	lastReq *search.Request
}

func (f *fakeEngine) Search(_ context.Context, req *search.Request) (*search.Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeComposer struct {
	response   *answer.Response
	events     []answer.Event
	err        error
	lastAnswer *answer.Request
	lastChat   *answer.ChatRequest
}

func (f *fakeComposer) Answer(_ context.Context, req *answer.Request) (*answer.Response, error) {
	if err := req.Request.Validate(); err != nil {
		return nil, err
	}
	f.lastAnswer = req
	if f.err != nil {
		return nil, f.err
	}
	return f.response, nil
}

func (f *fakeComposer) Chat(_ context.Context, req *answer.ChatRequest) (*answer.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	f.lastChat = req
	if f.err != nil {
		return nil, f.err
	}
	return f.response, nil
}

func (f *fakeComposer) Stream(_ context.Context, req *answer.Request) (<-chan answer.Event, error) {
	if err := req.Request.Validate(); err != nil {
		return nil, err
	}
	f.lastAnswer = req
	if f.err != nil {
		return nil, f.err
	}
	return f.eventChannel(), nil
}

func (f *fakeComposer) ChatStream(_ context.Context, req *answer.ChatRequest) (<-chan answer.Event, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	f.lastChat = req
	if f.err != nil {
		return nil, f.err
	}
	return f.eventChannel(), nil
}

func (f *fakeComposer) eventChannel() <-chan answer.Event {
	ch := make(chan answer.Event, len(f.events))
	for _, ev := range f.events {
		ch <- ev
	}
	close(ch)
	return ch
}

type fakeMetaStore struct {
	pingErr     error
	corpora     []postgres.Corpus
	listErr     error
	exists      map[string]bool
	existsErr   error
	feedback    []postgres.Feedback
	feedbackErr error
	chunkCount  int64
	countErr    error
}

func (f *fakeMetaStore) Ping(context.Context) error { return f.pingErr }

func (f *fakeMetaStore) CorpusExists(_ context.Context, corpusID string) (bool, error) {
	return f.exists[corpusID], f.existsErr
}

func (f *fakeMetaStore) ListCorpora(context.Context) ([]postgres.Corpus, error) {
	return f.corpora, f.listErr
}

func (f *fakeMetaStore) InsertFeedback(_ context.Context, fb postgres.Feedback) error {
	if f.feedbackErr != nil {
		return f.feedbackErr
	}
	f.feedback = append(f.feedback, fb)
	return nil
}

func (f *fakeMetaStore) CountChunks(context.Context) (int64, error) {
	return f.chunkCount, f.countErr
}

type fakeGraph struct {
	pingErr       error
	entities      int64
	relationships int64
	countsErr     error
	corpora       map[string]bool
}

func (f *fakeGraph) Ping(context.Context) error { return f.pingErr }

func (f *fakeGraph) Counts(context.Context) (int64, int64, error) {
	return f.entities, f.relationships, f.countsErr
}

func (f *fakeGraph) HasCorpus(_ context.Context, corpusID string) (bool, error) {
	return f.corpora[corpusID], nil
}

// fakeConfigStore keeps overrides in memory. A key with a nil value is a
// corpus without an override; a missing key is an unknown corpus.
type fakeConfigStore struct {
	known map[string][]byte
}

func (f *fakeConfigStore) GetCorpusConfig(_ context.Context, corpusID string) ([]byte, error) {
	doc, ok := f.known[corpusID]
	if !ok {
		return nil, postgres.ErrCorpusNotFound
	}
	return doc, nil
}

func (f *fakeConfigStore) MutateCorpusConfig(_ context.Context, corpusID string, mutate func([]byte) ([]byte, error)) error {
	current, ok := f.known[corpusID]
	if !ok {
		return postgres.ErrCorpusNotFound
	}
	next, err := mutate(current)
	if err != nil {
		return err
	}
	f.known[corpusID] = next
	return nil
}

func (f *fakeConfigStore) ResetCorpusConfig(_ context.Context, corpusID string) error {
	if _, ok := f.known[corpusID]; !ok {
		return postgres.ErrCorpusNotFound
	}
	f.known[corpusID] = nil
	return nil
}

type spyMetrics struct {
	observability.NoopMetrics
	indexRuns     int
	chunks        int64
	entities      int64
	relationships int64
}

func (m *spyMetrics) RecordIndexRun(context.Context) { m.indexRuns++ }

func (m *spyMetrics) SetCorpusTotals(_ context.Context, chunks, entities, relationships int64) {
	m.chunks, m.entities, m.relationships = chunks, entities, relationships
}

type fixture struct {
	cfg      *config.Config
	server   *Server
	engine   *fakeEngine
	composer *fakeComposer
	store    *fakeMetaStore
	graph    *fakeGraph
	configs  *fakeConfigStore
	metrics  *spyMetrics
	ts       *httptest.Server
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.SetDefaults()
	cfg.Defaults.Normalize()
	return cfg
}

func testMatches() []search.ChunkMatch {
	return []search.ChunkMatch{
		{
			CorpusID: "docs", ChunkID: "c1",
			FilePath: "pkg/auth/jwt.go", StartLine: 10, EndLine: 42,
			Score: 0.81, Source: search.SourceFused,
			Content: "func ValidateToken(ctx context.Context, raw string) error {",
		},
		{
			CorpusID: "docs", ChunkID: "c2",
			FilePath: "pkg/auth/middleware.go", StartLine: 5, EndLine: 30,
			Score: 0.64, Source: search.SourceFused,
		},
	}
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, nil)
}

func newFixtureWith(t *testing.T, validator *auth.Validator) *fixture {
	t.Helper()

	cfg := testConfig()
	f := &fixture{
		cfg: cfg,
		engine: &fakeEngine{result: &search.Result{
			Matches: testMatches(),
			Debug:   search.FusionDebug{FusionMethod: search.FusionRRF, FinalK: 10},
		}},
		composer: &fakeComposer{},
		store: &fakeMetaStore{
			exists: map[string]bool{"docs": true},
			corpora: []postgres.Corpus{
				{CorpusID: "docs", RootPath: "/srv/docs", ChunkCount: 42},
			},
			chunkCount: 42,
		},
		graph: &fakeGraph{
			entities:      7,
			relationships: 9,
			corpora:       map[string]bool{"docs": true},
		},
		configs: &fakeConfigStore{known: map[string][]byte{"docs": nil}},
		metrics: &spyMetrics{},
	}

	f.server = New(Dependencies{
		Config:    cfg,
		Engine:    f.engine,
		Composer:  f.composer,
		Resolver:  search.NewResolver(f.configs, &cfg.Defaults),
		Store:     f.store,
		Graph:     f.graph,
		Metrics:   f.metrics,
		Validator: validator,
	})
	f.ts = httptest.NewServer(f.server.Handler())
	t.Cleanup(f.ts.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any, headers map[string]string) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	res, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Body.Close() })
	return res
}

func (f *fixture) doRaw(t *testing.T, method, path, body string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(method, f.ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	res, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Body.Close() })
	return res
}

func readBody(t *testing.T, res *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	return out
}

func readRaw(t *testing.T, res *http.Response) string {
	t.Helper()
	raw, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return string(raw)
}

func errorCode(t *testing.T, body map[string]any) string {
	t.Helper()
	errObj, ok := body["error"].(map[string]any)
	require.True(t, ok, "body carries no error object: %v", body)
	code, _ := errObj["code"].(string)
	return code
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)

	res := f.do(t, http.MethodGet, "/api/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)

	body := readBody(t, res)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, body["version"])
	assert.GreaterOrEqual(t, body["uptime_seconds"].(float64), float64(0))
}

func TestReadyEndpoint(t *testing.T) {
	tests := []struct {
		name        string
		setup       func(f *fixture)
		path        string
		wantStatus  int
		wantReady   bool
		wantCheck   string
		wantMessage string
	}{
		{
			name:       "all stores up",
			setup:      func(*fixture) {},
			path:       "/api/ready",
			wantStatus: http.StatusOK,
			wantReady:  true,
			wantCheck:  "postgres", wantMessage: "ok",
		},
		{
			name:       "postgres down",
			setup:      func(f *fixture) { f.store.pingErr = errors.New("connection refused") },
			path:       "/api/ready",
			wantStatus: http.StatusServiceUnavailable,
			wantReady:  false,
			wantCheck:  "postgres", wantMessage: "connection refused",
		},
		{
			name:       "neo4j down",
			setup:      func(f *fixture) { f.graph.pingErr = errors.New("bolt handshake failed") },
			path:       "/api/ready",
			wantStatus: http.StatusServiceUnavailable,
			wantReady:  false,
			wantCheck:  "neo4j", wantMessage: "bolt handshake failed",
		},
		{
			name:       "known corpus",
			setup:      func(*fixture) {},
			path:       "/api/ready?corpus_id=docs",
			wantStatus: http.StatusOK,
			wantReady:  true,
			wantCheck:  "corpus", wantMessage: "ok",
		},
		{
			name:       "unknown corpus",
			setup:      func(*fixture) {},
			path:       "/api/ready?corpus_id=ghost",
			wantStatus: http.StatusServiceUnavailable,
			wantReady:  false,
			wantCheck:  "corpus", wantMessage: "not found",
		},
		{
			name:       "corpus without graph data stays ready",
			setup:      func(f *fixture) { f.graph.corpora = map[string]bool{} },
			path:       "/api/ready?corpus_id=docs",
			wantStatus: http.StatusOK,
			wantReady:  true,
			wantCheck:  "graph_corpus", wantMessage: "no graph data",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			tc.setup(f)

			res := f.do(t, http.MethodGet, tc.path, nil, nil)
			require.Equal(t, tc.wantStatus, res.StatusCode)

			body := readBody(t, res)
			assert.Equal(t, tc.wantReady, body["ready"])
			checks := body["checks"].(map[string]any)
			assert.Equal(t, tc.wantMessage, checks[tc.wantCheck])
		})
	}
}

func TestAuthGuardsAPIRoutes(t *testing.T) {
	secret := "server-test-secret-0123456789abcdef"
	validator, err := auth.NewValidator(context.Background(), config.AuthConfig{
		Enabled: true,
		Secret:  secret,
	})
	require.NoError(t, err)
	f := newFixtureWith(t, validator)

	tok, err := jwt.NewBuilder().
		Subject("tester").
		IssuedAt(time.Now()).
		Expiration(time.Now().Add(time.Hour)).
		Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, []byte(secret)))
	require.NoError(t, err)

	// Operational endpoints stay open.
	res := f.do(t, http.MethodGet, "/api/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res = f.do(t, http.MethodPost, "/api/search",
		map[string]any{"query": "auth", "corpus_id": "docs"}, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res = f.do(t, http.MethodPost, "/api/search",
		map[string]any{"query": "auth", "corpus_id": "docs"},
		map[string]string{"Authorization": "Bearer " + string(signed)})
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)

	res := f.do(t, http.MethodOptions, "/api/search", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "*", res.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, res.Header.Get("Access-Control-Allow-Methods"), "PATCH")
}

func TestRefreshCorpusTotals(t *testing.T) {
	f := newFixture(t)

	f.server.refreshCorpusTotals(context.Background())
	assert.Equal(t, int64(42), f.metrics.chunks)
	assert.Equal(t, int64(7), f.metrics.entities)
	assert.Equal(t, int64(9), f.metrics.relationships)
}

func TestRefreshCorpusTotalsKeepsGaugesOnGraphError(t *testing.T) {
	f := newFixture(t)
	f.graph.countsErr = errors.New("neo4j down")

	f.server.refreshCorpusTotals(context.Background())
	assert.Zero(t, f.metrics.chunks)
	assert.Zero(t, f.metrics.entities)
}
