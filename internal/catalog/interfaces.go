package catalog

import (
	"context"
	"time"
)

// Renderer fetches a catalog page and extracts its product fragments.
type Renderer interface {
	Render(ctx context.Context, url string) (RenderedPage, error)
}

// DocumentStore mirrors accepted products keyed by link.
type DocumentStore interface {
	UpsertMany(ctx context.Context, products []Product) ([]UpsertFailure, error)
}

// Cache stores serialized payloads with a time-to-live.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// BlobStore reads and writes whole objects such as the catalog snapshot.
type BlobStore interface {
	GetObject(ctx context.Context, path string) ([]byte, error)
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes cycle notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// IDGenerator produces product identities and cycle IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
