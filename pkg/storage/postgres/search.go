package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/pgvector/pgvector-go"
)

// Chunk is a retrieval row. Score semantics depend on the query that
// produced it: cosine similarity for ANN, ts_rank_cd for FTS recall,
// constant 1.0 for file-path hits.
type Chunk struct {
	CorpusID   string         `json:"corpus_id"`
	ChunkID    string         `json:"chunk_id"`
	Content    string         `json:"content,omitempty"`
	FilePath   string         `json:"file_path"`
	StartLine  int            `json:"start_line"`
	EndLine    int            `json:"end_line"`
	Language   string         `json:"language,omitempty"`
	TokenCount int            `json:"token_count,omitempty"`
	Summary    string         `json:"summary,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Score      float64        `json:"score"`
}

const chunkColumns = `chunk_id, file_path, start_line, end_line, language, token_count, summary`

func scanChunk(row interface{ Scan(...any) error }, corpusID string, c *Chunk) error {
	c.CorpusID = corpusID
	return row.Scan(&c.ChunkID, &c.FilePath, &c.StartLine, &c.EndLine,
		&c.Language, &c.TokenCount, &c.Summary, &c.Score)
}

// VectorSearch runs cosine ANN over the corpus and returns up to limit
// chunks with similarity >= threshold, best first. Distance ordering is
// monotone in similarity, so the threshold cut happens client-side
// without losing qualifying rows.
func (s *Store) VectorSearch(ctx context.Context, corpusID string, embedding []float32, limit int, threshold float64) ([]Chunk, error) {
	query := fmt.Sprintf(`
		SELECT %s, 1 - (embedding <=> $2) AS score
		FROM chunks
		WHERE corpus_id = $1 AND embedding IS NOT NULL
		ORDER BY embedding <=> $2
		LIMIT $3`, chunkColumns)

	rows, err := s.pool.Query(ctx, query, corpusID, pgvector.NewVector(embedding), limit)
	if err != nil {
		return nil, fmt.Errorf("vector query: %w", err)
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		var c Chunk
		if err := scanChunk(rows, corpusID, &c); err != nil {
			return nil, fmt.Errorf("scan vector row: %w", err)
		}
		if c.Score < threshold {
			break
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// FTSPlain matches the query as a phrase-ish tsquery via
// plainto_tsquery. Content is selected because the sparse leg rescores
// candidates in-process.
func (s *Store) FTSPlain(ctx context.Context, corpusID, query string, limit int) ([]Chunk, error) {
	sql := fmt.Sprintf(`
		SELECT %s, content, ts_rank_cd(tsv, plainto_tsquery('english', $2)) AS rank
		FROM chunks
		WHERE corpus_id = $1 AND tsv @@ plainto_tsquery('english', $2)
		ORDER BY rank DESC, chunk_id
		LIMIT $3`, chunkColumns)
	return s.queryFTS(ctx, sql, corpusID, query, limit)
}

// FTSRelaxedOR matches any token via to_tsquery with | between tokens.
// Tokens are sanitized to bare lexemes first; returns nil without
// querying when nothing survives sanitization.
func (s *Store) FTSRelaxedOR(ctx context.Context, corpusID string, tokens []string, limit int) ([]Chunk, error) {
	tsquery := BuildRelaxedTSQuery(tokens)
	if tsquery == "" {
		return nil, nil
	}
	sql := fmt.Sprintf(`
		SELECT %s, content, ts_rank_cd(tsv, to_tsquery('english', $2)) AS rank
		FROM chunks
		WHERE corpus_id = $1 AND tsv @@ to_tsquery('english', $2)
		ORDER BY rank DESC, chunk_id
		LIMIT $3`, chunkColumns)
	return s.queryFTS(ctx, sql, corpusID, tsquery, limit)
}

func (s *Store) queryFTS(ctx context.Context, sql, corpusID, query string, limit int) ([]Chunk, error) {
	rows, err := s.pool.Query(ctx, sql, corpusID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("fts query: %w", err)
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		var c Chunk
		c.CorpusID = corpusID
		err := rows.Scan(&c.ChunkID, &c.FilePath, &c.StartLine, &c.EndLine,
			&c.Language, &c.TokenCount, &c.Summary, &c.Content, &c.Score)
		if err != nil {
			return nil, fmt.Errorf("scan fts row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SearchByFilePath is the last sparse fallback: substring match on
// file_path. Shorter paths sort first so the tightest filename match
// leads; score is constant and ranking carries the signal.
func (s *Store) SearchByFilePath(ctx context.Context, corpusID, pattern string, limit int) ([]Chunk, error) {
	sql := fmt.Sprintf(`
		SELECT %s, content, 1.0::float8 AS score
		FROM chunks
		WHERE corpus_id = $1 AND file_path ILIKE $2
		ORDER BY length(file_path), file_path, chunk_id
		LIMIT $3`, chunkColumns)
	return s.queryFTS(ctx, sql, corpusID, pattern, limit)
}

// GetChunks hydrates content and metadata for a set of chunk ids.
// maxChars > 0 truncates content server-side. Missing ids are simply
// absent from the result map.
func (s *Store) GetChunks(ctx context.Context, corpusID string, chunkIDs []string, maxChars int) (map[string]Chunk, error) {
	if len(chunkIDs) == 0 {
		return map[string]Chunk{}, nil
	}
	sql := fmt.Sprintf(`
		SELECT %s,
			CASE WHEN $3 > 0 THEN LEFT(content, $3) ELSE content END,
			metadata
		FROM chunks
		WHERE corpus_id = $1 AND chunk_id = ANY($2)`, chunkColumns)

	rows, err := s.pool.Query(ctx, sql, corpusID, chunkIDs, maxChars)
	if err != nil {
		return nil, fmt.Errorf("hydrate query: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Chunk, len(chunkIDs))
	for rows.Next() {
		var c Chunk
		var metadata []byte
		c.CorpusID = corpusID
		err := rows.Scan(&c.ChunkID, &c.FilePath, &c.StartLine, &c.EndLine,
			&c.Language, &c.TokenCount, &c.Summary, &c.Content, &metadata)
		if err != nil {
			return nil, fmt.Errorf("scan hydrate row: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &c.Metadata); err != nil {
				slog.Warn("failed to parse chunk metadata", "chunk_id", c.ChunkID, "error", err)
			}
		}
		out[c.ChunkID] = c
	}
	return out, rows.Err()
}

// ChunksBySpan finds chunks overlapping a file line range. The graph
// leg uses it when an entity has no IN_CHUNK edge. endLine <= 0 matches
// the whole file.
func (s *Store) ChunksBySpan(ctx context.Context, corpusID, filePath string, startLine, endLine int) ([]Chunk, error) {
	sql := fmt.Sprintf(`
		SELECT %s, 1.0::float8 AS score
		FROM chunks
		WHERE corpus_id = $1 AND file_path = $2
			AND ($4 <= 0 OR (start_line <= $4 AND end_line >= $3))
		ORDER BY start_line, chunk_id`, chunkColumns)

	rows, err := s.pool.Query(ctx, sql, corpusID, filePath, startLine, endLine)
	if err != nil {
		return nil, fmt.Errorf("span query: %w", err)
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		var c Chunk
		if err := scanChunk(rows, corpusID, &c); err != nil {
			return nil, fmt.Errorf("scan span row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

var tsLexeme = regexp.MustCompile(`[^a-zA-Z0-9_]+`)

// BuildRelaxedTSQuery joins sanitized tokens with | for to_tsquery.
// Tokens that sanitize to nothing are dropped; duplicates collapse.
func BuildRelaxedTSQuery(tokens []string) string {
	seen := make(map[string]bool, len(tokens))
	var parts []string
	for _, tok := range tokens {
		clean := tsLexeme.ReplaceAllString(tok, "")
		if clean == "" || seen[clean] {
			continue
		}
		seen[clean] = true
		parts = append(parts, clean)
	}
	return strings.Join(parts, " | ")
}

// FilePathPattern builds the ILIKE pattern for the file-path fallback:
// tokens in order with wildcards between, so "login controller" matches
// src/auth/login_controller.py.
func FilePathPattern(tokens []string) string {
	var parts []string
	for _, tok := range tokens {
		clean := tsLexeme.ReplaceAllString(tok, "")
		if clean != "" {
			parts = append(parts, clean)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return "%" + strings.Join(parts, "%") + "%"
}
