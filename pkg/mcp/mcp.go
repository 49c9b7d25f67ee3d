// Package mcp exposes the engine as Model Context Protocol tools over
// stdio, so editor assistants can search and ask a corpus without going
// through the HTTP edge. Tool results are JSON text; failures come back
// as tool errors, never as protocol errors.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	tribrid "github.com/tribridrag/tribrid"
	"github.com/tribridrag/tribrid/pkg/answer"
	"github.com/tribridrag/tribrid/pkg/logger"
	"github.com/tribridrag/tribrid/pkg/search"
	"github.com/tribridrag/tribrid/pkg/storage/postgres"
)

// Retrieval modes accepted by the search and answer tools.
const (
	ModeTriBrid    = "tribrid"
	ModeDenseOnly  = "dense_only"
	ModeSparseOnly = "sparse_only"
	ModeGraphOnly  = "graph_only"
)

// SearchEngine runs one retrieval. *search.Engine satisfies it.
type SearchEngine interface {
	Search(ctx context.Context, req *search.Request) (*search.Result, error)
}

// AnswerComposer composes one answer. *answer.Composer satisfies it.
type AnswerComposer interface {
	Answer(ctx context.Context, req *answer.Request) (*answer.Response, error)
}

// CorpusLister is the slice of the relational store the list_corpora
// tool needs. *postgres.Store satisfies it.
type CorpusLister interface {
	ListCorpora(ctx context.Context) ([]postgres.Corpus, error)
}

// Dependencies wires the tool handlers.
type Dependencies struct {
	Engine   SearchEngine
	Composer AnswerComposer
	Store    CorpusLister
}

// Server hosts the tribrid MCP tool set.
type Server struct {
	engine   SearchEngine
	composer AnswerComposer
	store    CorpusLister
	logger   *slog.Logger
	mcp      *server.MCPServer
}

// New builds the MCP server and registers the search, answer, and
// list_corpora tools.
func New(deps Dependencies) *Server {
	s := &Server{
		engine:   deps.Engine,
		composer: deps.Composer,
		store:    deps.Store,
		logger:   logger.GetLogger().With("component", "mcp"),
	}

	srv := server.NewMCPServer(
		"tribrid",
		tribrid.Version,
		server.WithToolCapabilities(false),
	)
	s.registerTools(srv)
	s.mcp = srv
	return s
}

// ServeStdio serves the protocol over stdin/stdout until the client
// hangs up.
func (s *Server) ServeStdio() error {
	s.logger.Info("MCP server listening on stdio")
	return server.ServeStdio(s.mcp)
}

func (s *Server) registerTools(srv *server.MCPServer) {
	searchTool := mcp.NewTool("search",
		mcp.WithDescription(`Search an indexed corpus with tri-source retrieval: dense vectors, BM25 full-text, and knowledge-graph traversal, fused into one ranked list.

Returns chunks with file paths, line ranges, scores, and a debug block describing what each retrieval leg did.`),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("The search query text"),
		),
		mcp.WithString("corpus_id",
			mcp.Required(),
			mcp.Description("Corpus to search"),
		),
		mcp.WithString("mode",
			mcp.Description("Retrieval mode: tribrid (default), dense_only, sparse_only, or graph_only"),
		),
		mcp.WithNumber("top_k",
			mcp.Description("Number of results to return, 1-100 (defaults to the corpus configuration)"),
		),
	)
	srv.AddTool(searchTool, s.handleSearch)

	answerTool := mcp.NewTool("answer",
		mcp.WithDescription(`Retrieve from an indexed corpus and compose a grounded answer with inline source citations.

The retrieved sources are always returned, even when no LLM provider is configured; in that case the answer is an extractive summary and model is "retrieval-only".`),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("The question to answer"),
		),
		mcp.WithString("corpus_id",
			mcp.Required(),
			mcp.Description("Corpus to answer from"),
		),
		mcp.WithString("mode",
			mcp.Description("Retrieval mode: tribrid (default), dense_only, sparse_only, or graph_only"),
		),
		mcp.WithNumber("top_k",
			mcp.Description("Number of source chunks to retrieve, 1-100"),
		),
		mcp.WithString("model_override",
			mcp.Description("Generation model as provider/model, for example openai/gpt-4o-mini"),
		),
	)
	srv.AddTool(answerTool, s.handleAnswer)

	corporaTool := mcp.NewTool("list_corpora",
		mcp.WithDescription("List the indexed corpora with their root paths and chunk counts."),
	)
	srv.AddTool(corporaTool, s.handleListCorpora)
}

func (s *Server) handleSearch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := request.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError("query parameter is required"), nil
	}
	corpusID, err := request.RequireString("corpus_id")
	if err != nil {
		return mcp.NewToolResultError("corpus_id parameter is required"), nil
	}

	req := &search.Request{
		Query:     query,
		CorpusIDs: []string{corpusID},
		TopK:      int(request.GetFloat("top_k", 0)),
	}
	if err := applyMode(req, request.GetString("mode", "")); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result, err := s.engine.Search(ctx, req)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("search failed: %v", err)), nil
	}

	return toolJSON(map[string]any{
		"corpus_id": corpusID,
		"matches":   result.Matches,
		"debug":     result.Debug,
	})
}

func (s *Server) handleAnswer(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := request.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError("query parameter is required"), nil
	}
	corpusID, err := request.RequireString("corpus_id")
	if err != nil {
		return mcp.NewToolResultError("corpus_id parameter is required"), nil
	}

	req := &answer.Request{
		Request: search.Request{
			Query:     query,
			CorpusIDs: []string{corpusID},
			TopK:      int(request.GetFloat("top_k", 0)),
		},
		ModelOverride: request.GetString("model_override", ""),
	}
	if err := applyMode(&req.Request, request.GetString("mode", "")); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	res, err := s.composer.Answer(ctx, req)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("answer failed: %v", err)), nil
	}
	return toolJSON(res)
}

func (s *Server) handleListCorpora(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	corpora, err := s.store.ListCorpora(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list corpora: %v", err)), nil
	}
	if corpora == nil {
		corpora = []postgres.Corpus{}
	}
	return toolJSON(map[string]any{"corpora": corpora})
}

// applyMode maps a mode name onto the leg include flags. tribrid, or an
// absent mode, leaves the corpus configuration in charge.
func applyMode(req *search.Request, mode string) error {
	switch mode {
	case "", ModeTriBrid:
		return nil
	case ModeDenseOnly:
		setLegs(req, true, false, false)
	case ModeSparseOnly:
		setLegs(req, false, true, false)
	case ModeGraphOnly:
		setLegs(req, false, false, true)
	default:
		return fmt.Errorf("unknown mode %q: use tribrid, dense_only, sparse_only, or graph_only", mode)
	}
	return nil
}

func setLegs(req *search.Request, vector, sparse, graph bool) {
	req.IncludeVector = &vector
	req.IncludeSparse = &sparse
	req.IncludeGraph = &graph
}

func toolJSON(payload any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
