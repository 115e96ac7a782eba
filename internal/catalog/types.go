package catalog

import (
	"errors"
	"time"
)

// Sentinel errors shared by store and cache implementations.
var (
	// ErrNotFound reports a missing blob or record.
	ErrNotFound = errors.New("not found")
	// ErrCacheMiss reports an absent or expired cache key.
	ErrCacheMiss = errors.New("cache miss")
)

// Cache keys shared by the sync pipeline and the query service.
const (
	// CacheKeyAll holds the JSON array of the full snapshot.
	CacheKeyAll = "products:all"
	// CacheKeyQueryPrefix prefixes shaped search results.
	CacheKeyQueryPrefix = "products:query:"
)

// Product is one accepted catalog entry. Link is the business key; Identity is
// assigned once when the record is first accepted and never changes.
type Product struct {
	Identity string `json:"identity"`
	Title    string `json:"title,omitempty"`
	Price    string `json:"price,omitempty"`
	Image    string `json:"image,omitempty"`
	Link     string `json:"link"`
}

// RenderedPage is what a Renderer extracts from one catalog page.
type RenderedPage struct {
	URL             string
	Products        []Product
	PaginationLinks []string
}

// UpsertFailure records a single document that could not be written.
type UpsertFailure struct {
	Link string
	Err  error
}

// CycleReport summarizes one sync cycle.
type CycleReport struct {
	CycleID        string    `json:"cycle_id"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
	PagesTotal     int       `json:"pages_total"`
	PagesFailed    int       `json:"pages_failed"`
	Candidates     int       `json:"candidates"`
	NewRecords     int       `json:"new_records"`
	TotalRecords   int       `json:"total_records"`
	UpsertFailures int       `json:"upsert_failures"`
	CacheRefreshed bool      `json:"cache_refreshed"`
}
