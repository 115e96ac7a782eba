// Package sqlite provides a single-file SQLite document store for products,
// intended for local runs where no Postgres or MongoDB instance is available.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/catalog-sync/internal/catalog"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=10000",
	"PRAGMA synchronous=NORMAL",
}

// DocumentStore upserts products into a SQLite table keyed by link.
type DocumentStore struct {
	db     *sql.DB
	table  string
	logger *zap.Logger
}

// Open opens (creating if needed) the database at path, applies pragmas and
// ensures the products table exists.
func Open(ctx context.Context, path, table string, logger *zap.Logger) (*DocumentStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if table == "" {
		table = "products"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single writer connection avoids SQLITE_BUSY between pooled conns.
	db.SetMaxOpenConns(1)
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &DocumentStore{db: db, table: table, logger: logger}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *DocumentStore) ensureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	identity   TEXT NOT NULL,
	link       TEXT PRIMARY KEY,
	title      TEXT NOT NULL DEFAULT '',
	price      TEXT NOT NULL DEFAULT '',
	image      TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL DEFAULT (strftime('%%Y-%%m-%%dT%%H:%%M:%%fZ','now'))
)`, s.table)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

// Close closes the database handle.
func (s *DocumentStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Upsert inserts the product or replaces title, price and image of the row
// sharing its link. Identity is only written on insert.
func (s *DocumentStore) Upsert(ctx context.Context, product catalog.Product) error {
	if product.Link == "" {
		return fmt.Errorf("product link is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (identity, link, title, price, image)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (link) DO UPDATE SET
	title = excluded.title,
	price = excluded.price,
	image = excluded.image,
	updated_at = strftime('%%Y-%%m-%%dT%%H:%%M:%%fZ','now')`, s.table)
	if _, err := s.db.ExecContext(ctx, query,
		product.Identity, product.Link, product.Title, product.Price, product.Image,
	); err != nil {
		return fmt.Errorf("upsert product %s: %w", product.Link, err)
	}
	return nil
}

// UpsertMany upserts each product on its own; failures are collected rather
// than aborting the batch.
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

// Get returns the stored product for link, or catalog.ErrNotFound.
func (s *DocumentStore) Get(ctx context.Context, link string) (catalog.Product, error) {
	query := fmt.Sprintf(`SELECT identity, link, title, price, image FROM %s WHERE link = ?`, s.table)
	var p catalog.Product
	err := s.db.QueryRowContext(ctx, query, link).Scan(&p.Identity, &p.Link, &p.Title, &p.Price, &p.Image)
	if err == sql.ErrNoRows {
		return catalog.Product{}, fmt.Errorf("product %s: %w", link, catalog.ErrNotFound)
	}
	if err != nil {
		return catalog.Product{}, fmt.Errorf("select product %s: %w", link, err)
	}
	return p, nil
}

// Count returns the number of stored rows.
func (s *DocumentStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count products: %w", err)
	}
	return n, nil
}
