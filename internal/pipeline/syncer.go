// Package pipeline merges crawl results into the snapshot and propagates
// them to the document store, the cache and the notification topic.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-sync/internal/catalog"
	"github.com/JakeFAU/catalog-sync/internal/crawler"
	"github.com/JakeFAU/catalog-sync/internal/metrics"
	"github.com/JakeFAU/catalog-sync/internal/telemetry"
)

var (
	// ErrCycleInFlight is returned when a cycle is requested while another runs.
	ErrCycleInFlight = errors.New("sync cycle already in progress")
	// ErrSnapshotWrite wraps a failed snapshot rewrite. Nothing downstream of
	// the snapshot is touched when it is returned.
	ErrSnapshotWrite = errors.New("snapshot write failed")
	// ErrSnapshotRead wraps a snapshot read failure other than a missing
	// snapshot. The cycle stops before crawling.
	ErrSnapshotRead = errors.New("snapshot read failed")
)

// Crawler produces the products not already present in known.
type Crawler interface {
	Crawl(ctx context.Context, known map[string]struct{}) (crawler.Result, error)
}

// Config tunes the propagation steps.
type Config struct {
	// CacheTTL is the expiry of the full-catalog cache entry.
	CacheTTL time.Duration
	// FullUpsert upserts the whole merged snapshot each cycle instead of
	// only new and previously failed records.
	FullUpsert bool
	// Topic receives the cycle report. Empty disables publishing.
	Topic string
}

// Deps are the collaborators of a Syncer. Documents, Cache and Publisher
// may be nil to disable the corresponding step.
type Deps struct {
	Store     *catalog.Store
	Crawler   Crawler
	Documents catalog.DocumentStore
	Cache     catalog.Cache
	Publisher catalog.Publisher
	IDs       catalog.IDGenerator
	Clock     catalog.Clock
	Logger    *zap.Logger
}

// Syncer runs sync cycles, at most one at a time.
type Syncer struct {
	cfg  Config
	deps Deps

	// running is held for the whole duration of a cycle.
	running sync.Mutex
	// repairs are records whose last upsert failed, keyed by link. Only
	// touched while running is held.
	repairs map[string]catalog.Product

	closeCtx   context.Context
	closeFn    context.CancelFunc
	background sync.WaitGroup
}

// New validates deps and returns a Syncer.
func New(cfg Config, deps Deps) (*Syncer, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("catalog store is required")
	}
	if deps.Crawler == nil {
		return nil, fmt.Errorf("crawler is required")
	}
	if deps.IDs == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	if deps.Clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	closeCtx, closeFn := context.WithCancel(context.Background())
	return &Syncer{
		cfg:      cfg,
		deps:     deps,
		repairs:  make(map[string]catalog.Product),
		closeCtx: closeCtx,
		closeFn:  closeFn,
	}, nil
}

// RunCycle performs one full cycle. It returns ErrCycleInFlight without
// doing anything if another cycle is running.
func (s *Syncer) RunCycle(ctx context.Context) (catalog.CycleReport, error) {
	if !s.running.TryLock() {
		metrics.ObserveCycle(metrics.CycleSkipped, 0)
		return catalog.CycleReport{}, ErrCycleInFlight
	}
	defer s.running.Unlock()
	return s.runLocked(ctx)
}

// Trigger starts a cycle in the background and reports whether it started.
// The cycle is canceled by ctx or by Close.
func (s *Syncer) Trigger(ctx context.Context) bool {
	if !s.running.TryLock() {
		metrics.ObserveCycle(metrics.CycleSkipped, 0)
		return false
	}
	runCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.closeCtx, cancel)
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		defer s.running.Unlock()
		defer stop()
		defer cancel()
		if _, err := s.runLocked(runCtx); err != nil {
			s.deps.Logger.Error("triggered sync cycle failed", zap.Error(err))
		}
	}()
	return true
}

// Close cancels background cycles started by Trigger and waits for them.
func (s *Syncer) Close() {
	s.closeFn()
	s.background.Wait()
}

// PendingRepairs reports how many records await a document store retry.
func (s *Syncer) PendingRepairs() int {
	s.running.Lock()
	defer s.running.Unlock()
	return len(s.repairs)
}

func (s *Syncer) runLocked(ctx context.Context) (report catalog.CycleReport, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "catalog.sync_cycle")
	defer func() {
		span.SetAttributes(
			attribute.String("cycle_id", report.CycleID),
			attribute.Int("new_records", report.NewRecords),
			attribute.Int("total_records", report.TotalRecords),
			attribute.Int("pages_failed", report.PagesFailed),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "sync cycle failed")
		}
		span.End()
	}()

	logger := s.deps.Logger
	start := s.deps.Clock.Now()
	cycleID, err := s.deps.IDs.NewID()
	if err != nil {
		metrics.ObserveCycle(metrics.CycleFailed, 0)
		return catalog.CycleReport{}, fmt.Errorf("generate cycle id: %w", err)
	}
	logger = logger.With(zap.String("cycle_id", cycleID))
	report = catalog.CycleReport{CycleID: cycleID, StartedAt: start}

	old, err := s.deps.Store.LoadForMerge(ctx)
	if err != nil {
		s.fail(start)
		logger.Error("snapshot unreadable; skipping cycle", zap.Error(err))
		return report, fmt.Errorf("%w: %w", ErrSnapshotRead, err)
	}
	res, err := s.deps.Crawler.Crawl(ctx, catalog.LinksOf(old))
	if err != nil {
		s.fail(start)
		return report, fmt.Errorf("crawl: %w", err)
	}
	report.PagesTotal = res.PagesTotal
	report.PagesFailed = res.PagesFailed
	report.Candidates = res.Candidates
	report.NewRecords = len(res.Records)

	merged := make([]catalog.Product, 0, len(old)+len(res.Records))
	merged = append(merged, old...)
	merged = append(merged, res.Records...)
	report.TotalRecords = len(merged)

	if err := s.deps.Store.Save(ctx, merged); err != nil {
		s.fail(start)
		logger.Error("snapshot write failed; skipping document store and cache", zap.Error(err))
		return report, fmt.Errorf("%w: %w", ErrSnapshotWrite, err)
	}
	metrics.ObserveMerge(len(res.Records), len(merged))

	report.UpsertFailures = s.upsertDocuments(ctx, logger, res.Records, merged)
	report.CacheRefreshed = s.refreshCache(ctx, logger, merged)

	report.FinishedAt = s.deps.Clock.Now()
	s.publish(ctx, logger, report)

	metrics.ObserveCycle(metrics.CycleSucceeded, report.FinishedAt.Sub(start))
	logger.Info("sync cycle complete",
		zap.Int("pages_total", report.PagesTotal),
		zap.Int("pages_failed", report.PagesFailed),
		zap.Int("candidates", report.Candidates),
		zap.Int("new_records", report.NewRecords),
		zap.Int("total_records", report.TotalRecords),
		zap.Int("upsert_failures", report.UpsertFailures),
		zap.Bool("cache_refreshed", report.CacheRefreshed),
		zap.Duration("duration", report.FinishedAt.Sub(start)),
	)
	return report, nil
}

func (s *Syncer) fail(start time.Time) {
	metrics.ObserveCycle(metrics.CycleFailed, s.deps.Clock.Now().Sub(start))
}

// upsertDocuments writes new records plus pending repairs (or the whole
// snapshot when FullUpsert is set) and rebuilds the repair set from the
// failures. It returns the number of failed records.
func (s *Syncer) upsertDocuments(ctx context.Context, logger *zap.Logger, fresh, merged []catalog.Product) int {
	if s.deps.Documents == nil {
		return 0
	}
	batch := s.upsertBatch(fresh, merged)
	if len(batch) == 0 {
		return 0
	}

	failures, err := s.deps.Documents.UpsertMany(ctx, batch)
	byLink := make(map[string]catalog.Product, len(batch))
	for _, p := range batch {
		byLink[p.Link] = p
	}
	s.repairs = make(map[string]catalog.Product)
	if err != nil {
		// Outcome of the batch is unknown; retry all of it next cycle.
		logger.Warn("document store batch aborted", zap.Int("records", len(batch)), zap.Error(err))
		for link, p := range byLink {
			s.repairs[link] = p
		}
		metrics.ObserveUpsertFailures(len(batch))
		return len(batch)
	}
	for _, f := range failures {
		if p, ok := byLink[f.Link]; ok {
			s.repairs[f.Link] = p
		}
	}
	if len(failures) > 0 {
		logger.Warn("document upserts failed; queued for retry",
			zap.Int("failed", len(failures)), zap.Int("pending_repairs", len(s.repairs)))
	}
	metrics.ObserveUpsertFailures(len(failures))
	return len(failures)
}

func (s *Syncer) upsertBatch(fresh, merged []catalog.Product) []catalog.Product {
	if s.cfg.FullUpsert {
		return merged
	}
	batch := make([]catalog.Product, 0, len(fresh)+len(s.repairs))
	batch = append(batch, fresh...)
	inBatch := catalog.LinksOf(fresh)
	for _, p := range merged {
		if _, pending := s.repairs[p.Link]; !pending {
			continue
		}
		if _, dup := inBatch[p.Link]; dup {
			continue
		}
		batch = append(batch, p)
	}
	return batch
}

func (s *Syncer) refreshCache(ctx context.Context, logger *zap.Logger, merged []catalog.Product) bool {
	if s.deps.Cache == nil {
		return false
	}
	data, err := json.Marshal(merged)
	if err != nil {
		logger.Warn("encode catalog for cache failed", zap.Error(err))
		metrics.ObserveCacheFailure()
		return false
	}
	if err := s.deps.Cache.Set(ctx, catalog.CacheKeyAll, data, s.cfg.CacheTTL); err != nil {
		logger.Warn("cache refresh failed; readers fall back to the snapshot", zap.Error(err))
		metrics.ObserveCacheFailure()
		return false
	}
	return true
}

func (s *Syncer) publish(ctx context.Context, logger *zap.Logger, report catalog.CycleReport) {
	if s.deps.Publisher == nil || s.cfg.Topic == "" {
		return
	}
	msgID, err := s.deps.Publisher.Publish(ctx, s.cfg.Topic, report)
	if err != nil {
		logger.Warn("publish cycle report failed", zap.String("topic", s.cfg.Topic), zap.Error(err))
		return
	}
	logger.Debug("cycle report published", zap.String("topic", s.cfg.Topic), zap.String("message_id", msgID))
}
