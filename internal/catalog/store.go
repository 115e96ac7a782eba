package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// DefaultSnapshotPath is the object name of the snapshot inside the blob store.
const DefaultSnapshotPath = "products.json"

const snapshotContentType = "application/json"

// Store holds the authoritative snapshot of accepted products. It performs no
// locking; all writes come from the single-writer sync pipeline.
type Store struct {
	blobs  BlobStore
	path   string
	logger *zap.Logger
}

// NewStore creates a Store persisting the snapshot at path inside blobs.
func NewStore(blobs BlobStore, path string, logger *zap.Logger) *Store {
	if path == "" {
		path = DefaultSnapshotPath
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{blobs: blobs, path: path, logger: logger}
}

// Path returns the snapshot object name.
func (s *Store) Path() string {
	return s.path
}

// Load returns the current snapshot. A missing, unreadable or corrupt snapshot
// yields an empty slice; the failure is logged, never returned.
func (s *Store) Load(ctx context.Context) []Product {
	data, err := s.blobs.GetObject(ctx, s.path)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Warn("snapshot unreadable; starting from empty catalog",
				zap.String("path", s.path), zap.Error(err))
		}
		return []Product{}
	}
	products, err := DecodeProducts(data)
	if err != nil {
		s.logger.Warn("snapshot corrupt; starting from empty catalog",
			zap.String("path", s.path), zap.Error(err))
		return []Product{}
	}
	return products
}

// LoadForMerge returns the snapshot the next merge builds on. A missing
// snapshot is an empty catalog and a corrupt one is logged and replaced, like
// Load. Any other read error is returned so the caller does not rewrite the
// snapshot from a catalog it could not see.
func (s *Store) LoadForMerge(ctx context.Context) ([]Product, error) {
	data, err := s.blobs.GetObject(ctx, s.path)
	if errors.Is(err, ErrNotFound) {
		return []Product{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", s.path, err)
	}
	products, err := DecodeProducts(data)
	if err != nil {
		s.logger.Warn("snapshot corrupt; starting from empty catalog",
			zap.String("path", s.path), zap.Error(err))
		return []Product{}, nil
	}
	return products, nil
}

// Save rewrites the whole snapshot.
func (s *Store) Save(ctx context.Context, products []Product) error {
	if products == nil {
		products = []Product{}
	}
	data, err := json.MarshalIndent(products, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if _, err := s.blobs.PutObject(ctx, s.path, snapshotContentType, data); err != nil {
		return fmt.Errorf("write snapshot %s: %w", s.path, err)
	}
	return nil
}

// DecodeProducts parses a JSON array of products. An empty payload is an
// empty catalog.
func DecodeProducts(data []byte) ([]Product, error) {
	if len(data) == 0 {
		return []Product{}, nil
	}
	var products []Product
	if err := json.Unmarshal(data, &products); err != nil {
		return nil, fmt.Errorf("decode products: %w", err)
	}
	if products == nil {
		products = []Product{}
	}
	return products, nil
}

// LinksOf returns the set of links present in products.
func LinksOf(products []Product) map[string]struct{} {
	links := make(map[string]struct{}, len(products))
	for _, p := range products {
		links[p.Link] = struct{}{}
	}
	return links
}
