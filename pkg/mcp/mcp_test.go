package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tribridrag/tribrid/pkg/answer"
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
	response *answer.Response
	err      error
	lastReq  *answer.Request
}

func (f *fakeComposer) Answer(_ context.Context, req *answer.Request) (*answer.Response, error) {
	if err := req.Request.Validate(); err != nil {
		return nil, err
	}
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.response, nil
}

type fakeStore struct {
	corpora []postgres.Corpus
	err     error
}

func (f *fakeStore) ListCorpora(context.Context) ([]postgres.Corpus, error) {
	return f.corpora, f.err
}

type fixture struct {
	engine   *fakeEngine
	composer *fakeComposer
	store    *fakeStore
	server   *Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		engine: &fakeEngine{result: &search.Result{
			Matches: []search.ChunkMatch{
				{
					CorpusID: "docs", ChunkID: "c1",
					FilePath: "pkg/auth/jwt.go", StartLine: 10, EndLine: 42,
					Score: 0.81, Source: search.SourceFused,
				},
			},
			Debug: search.FusionDebug{FusionMethod: search.FusionRRF, FinalK: 10},
		}},
		composer: &fakeComposer{response: &answer.Response{
			RunID:    "run-1",
			CorpusID: "docs",
			Answer:   "Token validation lives in pkg/auth/jwt.go.",
			Model:    "gpt-4o-mini",
		}},
		store: &fakeStore{corpora: []postgres.Corpus{
			{CorpusID: "docs", RootPath: "/srv/docs", ChunkCount: 42},
		}},
	}
	f.server = New(Dependencies{Engine: f.engine, Composer: f.composer, Store: f.store})
	return f
}

func callTool(t *testing.T, handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]any) *mcp.CallToolResult {
	t.Helper()

	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	res, err := handler(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "content is not text: %T", res.Content[0])
	return tc.Text
}

func TestSearchTool(t *testing.T) {
	f := newFixture(t)

	res := callTool(t, f.server.handleSearch, map[string]any{
		"query":     "where is token validation",
		"corpus_id": "docs",
		"top_k":     float64(5),
	})
	require.False(t, res.IsError)

	text := resultText(t, res)
	assert.Contains(t, text, "pkg/auth/jwt.go")
	assert.Contains(t, text, `"corpus_id": "docs"`)

	require.NotNil(t, f.engine.lastReq)
	assert.Equal(t, []string{"docs"}, f.engine.lastReq.CorpusIDs)
	assert.Equal(t, 5, f.engine.lastReq.TopK)
	// No mode given: the corpus configuration decides the legs.
	assert.Nil(t, f.engine.lastReq.IncludeVector)
	assert.Nil(t, f.engine.lastReq.IncludeSparse)
	assert.Nil(t, f.engine.lastReq.IncludeGraph)
}

func TestSearchToolModes(t *testing.T) {
	tests := []struct {
		mode   string
		vector bool
		sparse bool
		graph  bool
	}{
		{ModeDenseOnly, true, false, false},
		{ModeSparseOnly, false, true, false},
		{ModeGraphOnly, false, false, true},
	}

	for _, tc := range tests {
		t.Run(tc.mode, func(t *testing.T) {
			f := newFixture(t)

			res := callTool(t, f.server.handleSearch, map[string]any{
				"query":     "auth flow",
				"corpus_id": "docs",
				"mode":      tc.mode,
			})
			require.False(t, res.IsError)

			req := f.engine.lastReq
			require.NotNil(t, req)
			require.NotNil(t, req.IncludeVector)
			require.NotNil(t, req.IncludeSparse)
			require.NotNil(t, req.IncludeGraph)
			assert.Equal(t, tc.vector, *req.IncludeVector)
			assert.Equal(t, tc.sparse, *req.IncludeSparse)
			assert.Equal(t, tc.graph, *req.IncludeGraph)
		})
	}

	t.Run("unknown mode", func(t *testing.T) {
		f := newFixture(t)

		res := callTool(t, f.server.handleSearch, map[string]any{
			"query":     "auth flow",
			"corpus_id": "docs",
			"mode":      "hybrid",
		})
		require.True(t, res.IsError)
		assert.Contains(t, resultText(t, res), "unknown mode")
	})
}

func TestSearchToolMissingArguments(t *testing.T) {
	f := newFixture(t)

	res := callTool(t, f.server.handleSearch, map[string]any{"corpus_id": "docs"})
	require.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "query parameter is required")

	res = callTool(t, f.server.handleSearch, map[string]any{"query": "auth flow"})
	require.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "corpus_id parameter is required")
}

func TestSearchToolEngineFailure(t *testing.T) {
	f := newFixture(t)
	f.engine.err = errors.New("postgres pool exhausted")

	res := callTool(t, f.server.handleSearch, map[string]any{
		"query":     "auth flow",
		"corpus_id": "docs",
	})
	require.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "search failed")
}

func TestAnswerTool(t *testing.T) {
	f := newFixture(t)

	res := callTool(t, f.server.handleAnswer, map[string]any{
		"query":          "where is token validation",
		"corpus_id":      "docs",
		"mode":           ModeDenseOnly,
		"model_override": "openai/gpt-4o-mini",
	})
	require.False(t, res.IsError)

	var reply answer.Response
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &reply))
	assert.Equal(t, "run-1", reply.RunID)
	assert.Equal(t, "Token validation lives in pkg/auth/jwt.go.", reply.Answer)

	require.NotNil(t, f.composer.lastReq)
	assert.Equal(t, "openai/gpt-4o-mini", f.composer.lastReq.ModelOverride)
	require.NotNil(t, f.composer.lastReq.IncludeVector)
	assert.True(t, *f.composer.lastReq.IncludeVector)
}

func TestListCorporaTool(t *testing.T) {
	f := newFixture(t)

	res := callTool(t, f.server.handleListCorpora, nil)
	require.False(t, res.IsError)
	text := resultText(t, res)
	assert.Contains(t, text, `"corpus_id": "docs"`)
	assert.Contains(t, text, `"chunk_count": 42`)

	f.store.err = errors.New("connection reset")
	res = callTool(t, f.server.handleListCorpora, nil)
	require.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "failed to list corpora")
}
