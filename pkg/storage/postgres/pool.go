// Package postgres is the relational and vector store. It owns the
// chunks table (dense embeddings plus a generated tsvector column),
// per-corpus config documents, and the feedback log.
package postgres

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tribridrag/tribrid/pkg/config"
)

var (
	poolsMu sync.Mutex
	pools   = make(map[string]*pgxpool.Pool)
)

// acquirePool returns the shared pool for a DSN, creating it on first
// use. Every Store for the same DSN shares one pool.
func acquirePool(ctx context.Context, cfg config.PostgresConfig) (*pgxpool.Pool, error) {
	poolsMu.Lock()
	defer poolsMu.Unlock()

	if pool, ok := pools[cfg.DSN]; ok {
		return pool, nil
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolConfig.ConnConfig.ConnectTimeout = cfg.ConnectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	pools[cfg.DSN] = pool
	return pool, nil
}

// ClosePools closes every shared pool. Called on shutdown.
func ClosePools() {
	poolsMu.Lock()
	defer poolsMu.Unlock()
	for dsn, pool := range pools {
		pool.Close()
		delete(pools, dsn)
	}
}
