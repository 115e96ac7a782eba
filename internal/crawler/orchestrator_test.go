package crawler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-sync/internal/catalog"
)

const catalogURL = "https://shop.test/collections/home-cinema"

func pageURL(n int) string {
	return catalogURL + "?page=" + strconv.Itoa(n)
}

// fakeRenderer serves canned pages keyed by URL and tracks concurrency.
type fakeRenderer struct {
	mu       sync.Mutex
	pages    map[string]catalog.RenderedPage
	failures map[string]int // remaining failures per URL; -1 fails forever
	calls    map[string]int
	delay    time.Duration

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newFakeRenderer() *fakeRenderer {
	return &fakeRenderer{
		pages:    make(map[string]catalog.RenderedPage),
		failures: make(map[string]int),
		calls:    make(map[string]int),
	}
}

func (f *fakeRenderer) Render(ctx context.Context, url string) (catalog.RenderedPage, error) {
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		prev := f.maxInFlight.Load()
		if cur <= prev || f.maxInFlight.CompareAndSwap(prev, cur) {
			break
		}
	}

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return catalog.RenderedPage{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[url]++
	if n := f.failures[url]; n != 0 {
		if n > 0 {
			f.failures[url] = n - 1
		}
		return catalog.RenderedPage{}, errors.New("render exploded")
	}
	return f.pages[url], nil
}

func (f *fakeRenderer) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

type seqIDs struct {
	mu  sync.Mutex
	n   int
	err error
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.n++
	return fmt.Sprintf("id-%03d", s.n), nil
}

func products(links ...string) []catalog.Product {
	out := make([]catalog.Product, 0, len(links))
	for _, l := range links {
		out = append(out, catalog.Product{Title: "t " + l, Link: l})
	}
	return out
}

func paginationTo(n int) []string {
	out := make([]string, 0, n-1)
	for i := 2; i <= n; i++ {
		out = append(out, strconv.Itoa(i))
	}
	return out
}

func newTestOrchestrator(t *testing.T, r catalog.Renderer, cfg Config, opts ...Option) *Orchestrator {
	t.Helper()
	if cfg.CatalogURL == "" {
		cfg.CatalogURL = catalogURL
	}
	o, err := New(cfg, r, &seqIDs{}, nil, opts...)
	require.NoError(t, err)
	return o
}

func TestCrawlDedupsWithinCycle(t *testing.T) {
	t.Parallel()

	r := newFakeRenderer()
	r.pages[pageURL(1)] = catalog.RenderedPage{Products: products("A", "B"), PaginationLinks: []string{"2"}}
	r.pages[pageURL(2)] = catalog.RenderedPage{Products: products("A", "C")}

	res, err := newTestOrchestrator(t, r, Config{}).Crawl(context.Background(), nil)
	require.NoError(t, err)

	require.Len(t, res.Records, 3)
	assert.Equal(t, []string{"A", "B", "C"}, linksOf(res.Records))
	assert.Equal(t, 4, res.Candidates)
	assert.Equal(t, 2, res.PagesTotal)
	assert.Zero(t, res.PagesFailed)

	ids := map[string]struct{}{}
	for _, p := range res.Records {
		require.NotEmpty(t, p.Identity)
		ids[p.Identity] = struct{}{}
	}
	assert.Len(t, ids, 3)
	// Page 1 came from discovery and is not fetched twice.
	assert.Equal(t, 1, r.callCount(pageURL(1)))
}

func TestCrawlSkipsKnownAndLinkless(t *testing.T) {
	t.Parallel()

	r := newFakeRenderer()
	r.pages[pageURL(1)] = catalog.RenderedPage{Products: products("A", "", "B", "D")}

	known := map[string]struct{}{"A": {}, "D": {}}
	res, err := newTestOrchestrator(t, r, Config{}).Crawl(context.Background(), known)
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, linksOf(res.Records))
	assert.Equal(t, 4, res.Candidates)
}

func TestCrawlPartialPageFailure(t *testing.T) {
	t.Parallel()

	r := newFakeRenderer()
	r.pages[pageURL(1)] = catalog.RenderedPage{Products: products("p1"), PaginationLinks: paginationTo(10)}
	for i := 2; i <= 10; i++ {
		r.pages[pageURL(i)] = catalog.RenderedPage{Products: products(fmt.Sprintf("p%d", i))}
	}
	r.failures[pageURL(7)] = -1

	res, err := newTestOrchestrator(t, r, Config{}).Crawl(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 10, res.PagesTotal)
	assert.Equal(t, 1, res.PagesFailed)
	require.Len(t, res.Records, 9)
	assert.NotContains(t, linksOf(res.Records), "p7")
	// Page order is preserved regardless of completion order.
	assert.Equal(t, []string{"p1", "p2", "p3", "p4", "p5", "p6", "p8", "p9", "p10"}, linksOf(res.Records))
}

func TestCrawlDefaultsToSinglePage(t *testing.T) {
	t.Parallel()

	r := newFakeRenderer()
	r.pages[pageURL(1)] = catalog.RenderedPage{Products: products("A")}

	res, err := newTestOrchestrator(t, r, Config{}).Crawl(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.PagesTotal)
	assert.Equal(t, 1, r.callCount(pageURL(1)))
}

func TestCrawlDiscoveryFailureRetriesFirstPage(t *testing.T) {
	t.Parallel()

	r := newFakeRenderer()
	r.pages[pageURL(1)] = catalog.RenderedPage{Products: products("A"), PaginationLinks: []string{"5"}}
	r.failures[pageURL(1)] = 1

	res, err := newTestOrchestrator(t, r, Config{}).Crawl(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.PagesTotal)
	assert.Zero(t, res.PagesFailed)
	assert.Equal(t, []string{"A"}, linksOf(res.Records))
	assert.Equal(t, 2, r.callCount(pageURL(1)))
}

func TestCrawlCapsPageCount(t *testing.T) {
	t.Parallel()

	r := newFakeRenderer()
	r.pages[pageURL(1)] = catalog.RenderedPage{PaginationLinks: []string{"500"}}

	res, err := newTestOrchestrator(t, r, Config{}).Crawl(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 50, res.PagesTotal)
	assert.Zero(t, r.callCount(pageURL(51)))
	assert.Equal(t, 1, r.callCount(pageURL(50)))

	r2 := newFakeRenderer()
	r2.pages[pageURL(1)] = catalog.RenderedPage{PaginationLinks: []string{"30"}}
	res, err = newTestOrchestrator(t, r2, Config{MaxPages: 8}).Crawl(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 8, res.PagesTotal)
}

func TestCrawlBoundsConcurrency(t *testing.T) {
	t.Parallel()

	r := newFakeRenderer()
	r.delay = 20 * time.Millisecond
	r.pages[pageURL(1)] = catalog.RenderedPage{PaginationLinks: paginationTo(20)}

	_, err := newTestOrchestrator(t, r, Config{Concurrency: 3}).Crawl(context.Background(), nil)
	require.NoError(t, err)
	assert.LessOrEqual(t, r.maxInFlight.Load(), int32(3))
	assert.Equal(t, int32(3), r.maxInFlight.Load())
}

func TestCrawlPageTimeoutIsPageFailure(t *testing.T) {
	t.Parallel()

	r := newFakeRenderer()
	r.delay = 200 * time.Millisecond

	res, err := newTestOrchestrator(t, r, Config{PageTimeout: 10 * time.Millisecond}).Crawl(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.PagesTotal)
	assert.Equal(t, 1, res.PagesFailed)
	assert.Empty(t, res.Records)
}

func TestCrawlCanceled(t *testing.T) {
	t.Parallel()

	r := newFakeRenderer()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestOrchestrator(t, r, Config{}).Crawl(ctx, nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestCrawlIdentityFailureAborts(t *testing.T) {
	t.Parallel()

	r := newFakeRenderer()
	r.pages[pageURL(1)] = catalog.RenderedPage{Products: products("A")}
	o, err := New(Config{CatalogURL: catalogURL}, r, &seqIDs{err: errors.New("entropy exhausted")}, nil)
	require.NoError(t, err)

	_, err = o.Crawl(context.Background(), nil)
	require.ErrorContains(t, err, "assign identity")
}

func TestCrawlCanonicalLinkPolicy(t *testing.T) {
	t.Parallel()

	r := newFakeRenderer()
	r.pages[pageURL(1)] = catalog.RenderedPage{Products: products(
		"https://Shop.test/products/a?variant=1",
		"https://shop.test/products/a/",
		"https://shop.test/products/b#reviews",
	)}

	o := newTestOrchestrator(t, r, Config{}, WithLinkPolicy(catalog.CanonicalLink))
	res, err := o.Crawl(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://shop.test/products/a", "https://shop.test/products/b"}, linksOf(res.Records))
}

type countingPacer struct{ n atomic.Int32 }

func (p *countingPacer) Wait(context.Context, string) error {
	p.n.Add(1)
	return nil
}

func TestCrawlUsesPacer(t *testing.T) {
	t.Parallel()

	r := newFakeRenderer()
	r.pages[pageURL(1)] = catalog.RenderedPage{PaginationLinks: []string{"3"}}
	pacer := &countingPacer{}

	_, err := newTestOrchestrator(t, r, Config{}, WithPacer(pacer)).Crawl(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, int32(3), pacer.n.Load())
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{CatalogURL: catalogURL}, nil, &seqIDs{}, nil)
	require.Error(t, err)
	_, err = New(Config{CatalogURL: catalogURL}, newFakeRenderer(), nil, nil)
	require.Error(t, err)
	_, err = New(Config{CatalogURL: "not a url"}, newFakeRenderer(), &seqIDs{}, nil)
	require.Error(t, err)
}

func linksOf(records []catalog.Product) []string {
	out := make([]string, 0, len(records))
	for _, p := range records {
		out = append(out, p.Link)
	}
	return out
}
