// Package postgres provides a Postgres-backed document store for products.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-sync/internal/catalog"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "products"

// Config controls the Postgres connection pool used for product rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// DocumentStore upserts products into Postgres keyed by link.
type DocumentStore struct {
	pool   execCloser
	table  string
	logger *zap.Logger
}

// New creates a Postgres-backed DocumentStore using the provided config.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*DocumentStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("documents.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return newStore(pool, table, logger), nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool execCloser, table string, logger *zap.Logger) (*DocumentStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return newStore(pool, name, logger), nil
}

func newStore(pool execCloser, table string, logger *zap.Logger) *DocumentStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DocumentStore{pool: pool, table: table, logger: logger}
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *DocumentStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the products table when it does not exist.
func (s *DocumentStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	identity   TEXT NOT NULL,
	link       TEXT PRIMARY KEY,
	title      TEXT NOT NULL DEFAULT '',
	price      TEXT NOT NULL DEFAULT '',
	image      TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

// Upsert inserts the product or replaces the descriptive fields of the row
// with the same link. The stored identity is never overwritten.
func (s *DocumentStore) Upsert(ctx context.Context, product catalog.Product) error {
	if product.Link == "" {
		return fmt.Errorf("product link is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (identity, link, title, price, image, updated_at)
VALUES ($1,$2,$3,$4,$5,now())
ON CONFLICT (link) DO UPDATE SET
	title = EXCLUDED.title,
	price = EXCLUDED.price,
	image = EXCLUDED.image,
	updated_at = now()`, s.table)

	if _, err := s.pool.Exec(ctx, query,
		product.Identity,
		product.Link,
		product.Title,
		product.Price,
		product.Image,
	); err != nil {
		return fmt.Errorf("upsert product %s: %w", product.Link, err)
	}
	return nil
}

// UpsertMany upserts every product independently. Individual failures are
// logged and returned; they never stop the rest of the batch. The error
// return is reserved for context cancellation.
func (s *DocumentStore) UpsertMany(ctx context.Context, products []catalog.Product) ([]catalog.UpsertFailure, error) {
	var failures []catalog.UpsertFailure
	for _, p := range products {
		if err := ctx.Err(); err != nil {
			return failures, fmt.Errorf("upsert batch canceled: %w", err)
		}
		if err := s.Upsert(ctx, p); err != nil {
			s.logger.Warn("document upsert failed", zap.String("link", p.Link), zap.Error(err))
			failures = append(failures, catalog.UpsertFailure{Link: p.Link, Err: err})
		}
	}
	return failures, nil
}
