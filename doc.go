// Package tribrid provides a tri-source retrieval engine for code and
// document corpora.
//
// TriBrid fuses three retrieval legs over the same corpus: dense vector
// similarity (pgvector), sparse full-text ranking (Postgres FTS with
// relaxed-OR and file-path fallbacks), and entity graph traversal
// (Neo4j). Fused matches feed an optional reranker and a generation
// layer that composes grounded answers with citations.
//
// # Quick Start
//
// Install the CLI:
//
//	go install github.com/tribridrag/tribrid/cmd/tribrid@latest
//
// Create a configuration:
//
//	server:
//	  host: "127.0.0.1"
//	  port: 7333
//	postgres:
//	  dsn: "postgres://tribrid@localhost:5432/tribrid"
//	neo4j:
//	  uri: "bolt://localhost:7687"
//
// Start the server:
//
//	tribrid serve --config tribrid.yaml
//
// # Using as Go Library
//
// Import specific packages:
//
//	import (
//	    "github.com/tribridrag/tribrid/pkg/search"
//	    "github.com/tribridrag/tribrid/pkg/answer"
//	    "github.com/tribridrag/tribrid/pkg/config"
//	)
//
// # Key Features
//
//   - Tri-source fusion: vector, sparse, and graph legs fused with RRF
//   - Recall gate: per-message retrieval intensity for chat workloads
//   - Always-answer: retrieval-only fallback when no LLM is reachable
//   - Streaming: SSE token deltas with a terminal done event
//   - MCP: stdio server exposing search and answer as tools
//
// # Architecture
//
// A request flows through the engine as:
//
//	Client -> HTTP/MCP -> Engine -> [vector | sparse | graph] -> Fusion -> Rerank -> LLM
//
// Leg failures degrade the result set instead of failing the request; the
// debug block on every response reports which legs ran and why.
package tribrid
