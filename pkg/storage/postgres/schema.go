package postgres

import (
	"context"
	"fmt"
)

// schemaStatements is applied in order by EnsureSchema. The embedding
// dimension is fixed at schema time from config; changing it requires a
// reindex.
func schemaStatements(dimension int) []string {
	return []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS corpora (
			corpus_id  TEXT PRIMARY KEY,
			root_path  TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS chunks (
			corpus_id   TEXT NOT NULL REFERENCES corpora(corpus_id) ON DELETE CASCADE,
			chunk_id    TEXT NOT NULL,
			content     TEXT NOT NULL,
			file_path   TEXT NOT NULL DEFAULT '',
			start_line  INT NOT NULL DEFAULT 0,
			end_line    INT NOT NULL DEFAULT 0,
			language    TEXT NOT NULL DEFAULT '',
			token_count INT NOT NULL DEFAULT 0,
			summary     TEXT NOT NULL DEFAULT '',
			metadata    JSONB NOT NULL DEFAULT '{}',
			embedding   vector(%d),
			tsv         tsvector GENERATED ALWAYS AS (to_tsvector('english', content)) STORED,
			PRIMARY KEY (corpus_id, chunk_id)
		)`, dimension),
		`CREATE INDEX IF NOT EXISTS chunks_embedding_hnsw
			ON chunks USING hnsw (embedding vector_cosine_ops)`,
		`CREATE INDEX IF NOT EXISTS chunks_tsv_gin
			ON chunks USING gin (tsv)`,
		`CREATE INDEX IF NOT EXISTS chunks_file_path
			ON chunks (corpus_id, file_path)`,
		`CREATE TABLE IF NOT EXISTS corpus_configs (
			corpus_id  TEXT PRIMARY KEY REFERENCES corpora(corpus_id) ON DELETE CASCADE,
			config     JSONB NOT NULL DEFAULT '{}',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS feedback (
			id         BIGSERIAL PRIMARY KEY,
			corpus_id  TEXT NOT NULL,
			query      TEXT NOT NULL,
			chunk_id   TEXT NOT NULL DEFAULT '',
			helpful    BOOLEAN NOT NULL,
			note       TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}
}

// EnsureSchema creates the tables and indexes the core reads. The
// indexer owns writes to corpora and chunks; the core still creates the
// schema so a fresh database serves empty results instead of errors.
func (s *Store) EnsureSchema(ctx context.Context, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("invalid embedding dimension %d", dimension)
	}
	for _, stmt := range schemaStatements(dimension) {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
