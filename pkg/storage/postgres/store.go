package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tribridrag/tribrid/pkg/config"
)

// ErrCorpusNotFound reports a read against a corpus id with no row in
// corpora. The resolver maps it to HTTP 404 and never creates corpora.
var ErrCorpusNotFound = errors.New("corpus not found")

// Store wraps the shared pool with the query surface the core needs.
type Store struct {
	pool *pgxpool.Pool
}

// Open returns a Store backed by the shared pool for cfg.DSN.
func Open(ctx context.Context, cfg config.PostgresConfig) (*Store, error) {
	pool, err := acquirePool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// NewStore wraps an existing pool. Tests use this with a mock pool DSN.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Corpus is a row from corpora joined with its chunk count.
type Corpus struct {
	CorpusID   string    `json:"corpus_id"`
	RootPath   string    `json:"root_path,omitempty"`
	ChunkCount int64     `json:"chunk_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// CorpusExists reports whether a corpus row exists.
func (s *Store) CorpusExists(ctx context.Context, corpusID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM corpora WHERE corpus_id = $1)`,
		corpusID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("corpus lookup: %w", err)
	}
	return exists, nil
}

// ListCorpora returns all corpora with chunk counts, ordered by id.
func (s *Store) ListCorpora(ctx context.Context) ([]Corpus, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.corpus_id, c.root_path, c.created_at, COUNT(ch.chunk_id)
		FROM corpora c
		LEFT JOIN chunks ch ON ch.corpus_id = c.corpus_id
		GROUP BY c.corpus_id, c.root_path, c.created_at
		ORDER BY c.corpus_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list corpora: %w", err)
	}
	defer rows.Close()

	var out []Corpus
	for rows.Next() {
		var c Corpus
		if err := rows.Scan(&c.CorpusID, &c.RootPath, &c.CreatedAt, &c.ChunkCount); err != nil {
			return nil, fmt.Errorf("scan corpus row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetCorpusConfig returns the persisted per-corpus config document, or
// (nil, nil) when the corpus exists but carries no override.
// ErrCorpusNotFound when the corpus itself is missing.
func (s *Store) GetCorpusConfig(ctx context.Context, corpusID string) ([]byte, error) {
	exists, err := s.CorpusExists(ctx, corpusID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrCorpusNotFound
	}

	var raw []byte
	err = s.pool.QueryRow(ctx,
		`SELECT config FROM corpus_configs WHERE corpus_id = $1`,
		corpusID,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read corpus config: %w", err)
	}
	return raw, nil
}

// MutateCorpusConfig applies mutate to the current config document
// inside a transaction with the row locked, so concurrent PATCHes
// serialize instead of clobbering each other. mutate receives nil when
// no override exists yet and returns the full document to persist.
func (s *Store) MutateCorpusConfig(ctx context.Context, corpusID string, mutate func(current []byte) ([]byte, error)) error {
	exists, err := s.CorpusExists(ctx, corpusID)
	if err != nil {
		return err
	}
	if !exists {
		return ErrCorpusNotFound
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin config mutation: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current []byte
	err = tx.QueryRow(ctx,
		`SELECT config FROM corpus_configs WHERE corpus_id = $1 FOR UPDATE`,
		corpusID,
	).Scan(&current)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("lock corpus config: %w", err)
	}

	next, err := mutate(current)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO corpus_configs (corpus_id, config, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (corpus_id)
		DO UPDATE SET config = EXCLUDED.config, updated_at = NOW()`,
		corpusID, next,
	)
	if err != nil {
		return fmt.Errorf("write corpus config: %w", err)
	}
	return tx.Commit(ctx)
}

// ResetCorpusConfig drops the per-corpus override so reads fall back to
// global defaults.
func (s *Store) ResetCorpusConfig(ctx context.Context, corpusID string) error {
	exists, err := s.CorpusExists(ctx, corpusID)
	if err != nil {
		return err
	}
	if !exists {
		return ErrCorpusNotFound
	}
	_, err = s.pool.Exec(ctx,
		`DELETE FROM corpus_configs WHERE corpus_id = $1`, corpusID)
	if err != nil {
		return fmt.Errorf("reset corpus config: %w", err)
	}
	return nil
}

// Feedback is one relevance judgment from a user.
type Feedback struct {
	CorpusID string `json:"corpus_id"`
	Query    string `json:"query"`
	ChunkID  string `json:"chunk_id,omitempty"`
	Helpful  bool   `json:"helpful"`
	Note     string `json:"note,omitempty"`
}

// InsertFeedback appends one feedback row.
func (s *Store) InsertFeedback(ctx context.Context, fb Feedback) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO feedback (corpus_id, query, chunk_id, helpful, note)
		VALUES ($1, $2, $3, $4, $5)`,
		fb.CorpusID, fb.Query, fb.ChunkID, fb.Helpful, fb.Note,
	)
	if err != nil {
		return fmt.Errorf("insert feedback: %w", err)
	}
	return nil
}

// CountChunks returns the total chunk count across all corpora, for the
// indexed-content gauge.
func (s *Store) CountChunks(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return n, nil
}
