package crawler

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/catalog-sync/internal/catalog"
	"github.com/JakeFAU/catalog-sync/internal/metrics"
	"github.com/JakeFAU/catalog-sync/internal/telemetry"
)

const (
	defaultPageParam   = "page"
	defaultMaxPages    = 50
	defaultConcurrency = 5
	defaultPageTimeout = 15 * time.Second
)

// Config describes the catalog to crawl and the fan-out limits.
type Config struct {
	CatalogURL  string
	PageParam   string
	MaxPages    int
	Concurrency int
	PageTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PageParam == "" {
		c.PageParam = defaultPageParam
	}
	if c.MaxPages <= 0 {
		c.MaxPages = defaultMaxPages
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	if c.PageTimeout <= 0 {
		c.PageTimeout = defaultPageTimeout
	}
	return c
}

// Pacer delays page renders, typically per host.
type Pacer interface {
	Wait(ctx context.Context, url string) error
}

// Result is the outcome of one crawl.
type Result struct {
	// Records are new products in page order then in-page order.
	Records     []catalog.Product
	PagesTotal  int
	PagesFailed int
	// Candidates counts every fragment extracted, before filtering.
	Candidates int
}

// Orchestrator runs one crawl of the catalog.
type Orchestrator struct {
	cfg      Config
	renderer catalog.Renderer
	ids      catalog.IDGenerator
	policy   catalog.LinkPolicy
	pacer    Pacer
	logger   *zap.Logger
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithPacer paces every page render through p.
func WithPacer(p Pacer) Option {
	return func(o *Orchestrator) { o.pacer = p }
}

// WithLinkPolicy sets how links are normalized before dedup.
func WithLinkPolicy(policy catalog.LinkPolicy) Option {
	return func(o *Orchestrator) {
		if policy != nil {
			o.policy = policy
		}
	}
}

// New builds an Orchestrator.
func New(cfg Config, renderer catalog.Renderer, ids catalog.IDGenerator, logger *zap.Logger, opts ...Option) (*Orchestrator, error) {
	if renderer == nil {
		return nil, fmt.Errorf("renderer is required")
	}
	if ids == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	cfg = cfg.withDefaults()
	if _, err := PageURL(cfg.CatalogURL, cfg.PageParam, 1); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		cfg:      cfg,
		renderer: renderer,
		ids:      ids,
		policy:   catalog.ExactLink,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

type pageOutcome struct {
	page catalog.RenderedPage
	err  error
	done bool
}

// Crawl renders every catalog page and returns the records whose link is not
// in known. A failed page contributes nothing; the only errors returned are
// cancellation of ctx and identity generation failures.
func (o *Orchestrator) Crawl(ctx context.Context, known map[string]struct{}) (Result, error) {
	firstURL := o.pageURL(1)
	first, firstErr := o.renderPage(ctx, firstURL)
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("crawl canceled: %w", err)
	}

	total := 1
	if firstErr != nil {
		o.logger.Warn("pagination discovery failed; assuming a single page",
			zap.String("url", firstURL), zap.Error(firstErr))
	} else {
		total = MaxPageIndex(first.PaginationLinks, o.cfg.PageParam)
	}
	if total > o.cfg.MaxPages {
		o.logger.Warn("page count capped",
			zap.Int("discovered", total), zap.Int("max_pages", o.cfg.MaxPages))
		total = o.cfg.MaxPages
	}

	outcomes := make([]pageOutcome, total)
	if firstErr == nil {
		outcomes[0] = pageOutcome{page: first, done: true}
	}

	var g errgroup.Group
	g.SetLimit(o.cfg.Concurrency)
	for i := range outcomes {
		if outcomes[i].done {
			continue
		}
		url := o.pageURL(i + 1)
		g.Go(func() error {
			page, err := o.renderPage(ctx, url)
			outcomes[i] = pageOutcome{page: page, err: err, done: true}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("crawl canceled: %w", err)
	}

	return o.collect(outcomes, known)
}

// collect walks pages in order and keeps the first occurrence of each new link.
func (o *Orchestrator) collect(outcomes []pageOutcome, known map[string]struct{}) (Result, error) {
	res := Result{PagesTotal: len(outcomes), Records: []catalog.Product{}}
	seen := make(map[string]struct{})
	for _, out := range outcomes {
		if out.err != nil {
			res.PagesFailed++
			continue
		}
		for _, p := range out.page.Products {
			res.Candidates++
			link := o.policy(p.Link)
			if link == "" {
				continue
			}
			if _, ok := known[link]; ok {
				continue
			}
			if _, ok := seen[link]; ok {
				continue
			}
			seen[link] = struct{}{}

			id, err := o.ids.NewID()
			if err != nil {
				return Result{}, fmt.Errorf("assign identity: %w", err)
			}
			p.Link = link
			p.Identity = id
			res.Records = append(res.Records, p)
		}
	}
	o.logger.Info("crawl finished",
		zap.Int("pages", res.PagesTotal),
		zap.Int("pages_failed", res.PagesFailed),
		zap.Int("candidates", res.Candidates),
		zap.Int("new_records", len(res.Records)),
	)
	return res, nil
}

func (o *Orchestrator) renderPage(ctx context.Context, url string) (catalog.RenderedPage, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "catalog.render_page", trace.WithAttributes(attribute.String("url", url)))
	defer span.End()

	if o.pacer != nil {
		if err := o.pacer.Wait(ctx, url); err != nil {
			span.SetStatus(codes.Error, "pacer wait")
			return catalog.RenderedPage{}, err
		}
	}
	pageCtx, cancel := context.WithTimeout(ctx, o.cfg.PageTimeout)
	defer cancel()

	page, err := o.renderer.Render(pageCtx, url)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "render failed")
		metrics.ObservePage(url, "failed")
		if ctx.Err() == nil {
			o.logger.Warn("page render failed", zap.String("url", url), zap.Error(err))
		}
		return catalog.RenderedPage{}, fmt.Errorf("render %s: %w", url, err)
	}
	span.SetAttributes(attribute.Int("products", len(page.Products)))
	metrics.ObservePage(url, "succeeded")
	o.logger.Debug("page rendered", zap.String("url", url), zap.Int("products", len(page.Products)))
	return page, nil
}

func (o *Orchestrator) pageURL(n int) string {
	// Validated in New.
	u, _ := PageURL(o.cfg.CatalogURL, o.cfg.PageParam, n)
	return u
}
