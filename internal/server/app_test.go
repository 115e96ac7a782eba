package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-sync/internal/catalog"
	"github.com/JakeFAU/catalog-sync/internal/config"
	"github.com/JakeFAU/catalog-sync/internal/extract"
)

// newShop serves a two-page collection with three products per page.
func newShop(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		if page == "" {
			page = "1"
		}
		var b strings.Builder
		b.WriteString("<html><body>")
		for i := 1; i <= 3; i++ {
			fmt.Fprintf(&b, `<div class="product-item"><a href="/products/p%s-%d"><img src="/img/%s-%d.jpg"></a>`+
				`<span class="product-item__title">Speaker %s-%d</span><span class="price">$%d.00</span></div>`,
				page, i, page, i, page, i, i*100)
		}
		b.WriteString(`<div class="pagination"><a href="?page=1">1</a><a href="?page=2">2</a></div></body></html>`)
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(b.String()))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, catalogURL string) config.Config {
	t.Helper()
	return config.Config{
		Server: config.ServerConfig{Port: 0, RequestTimeoutSeconds: 5, ShutdownTimeoutSeconds: 1},
		Crawler: config.CrawlerConfig{
			CatalogURL:         catalogURL,
			PageParam:          "page",
			MaxPages:           50,
			Concurrency:        2,
			PageTimeoutSeconds: 5,
			UserAgent:          "catalog-sync-test",
			Renderer:           config.RendererColly,
			LinkPolicy:         catalog.LinkPolicyExact,
			Selectors:          extract.DefaultSelectors(),
		},
		Snapshot:  config.SnapshotConfig{Backend: config.BackendLocal, Dir: t.TempDir(), Path: "products.json"},
		Documents: config.DocumentsConfig{Backend: config.BackendSQLite, SQLitePath: filepath.Join(t.TempDir(), "catalog.db"), Table: "products"},
		Cache:     config.CacheConfig{Backend: config.BackendMemory, TTLSeconds: 3600},
		Sync:      config.SyncConfig{Schedule: "@hourly"},
		PubSub:    config.PubSubConfig{Backend: config.BackendMemory, TopicName: "catalog-cycles"},
	}
}

func getProducts(t *testing.T, app *App, query string) map[string]any {
	t.Helper()
	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/products"+query, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestBuildAndSyncEndToEnd(t *testing.T) {
	shop := newShop(t)
	cfg := testConfig(t, shop.URL+"/collections/home-cinema")
	ctx := context.Background()

	app, err := Build(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, app.Close(context.Background())) })

	body := getProducts(t, app, "")
	require.EqualValues(t, 0, body["total"])

	report, err := app.Syncer().RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 6, report.NewRecords)
	require.Equal(t, 2, report.PagesTotal)
	require.Zero(t, report.PagesFailed)

	body = getProducts(t, app, "?limit=4")
	require.EqualValues(t, 6, body["total"])
	require.Len(t, body["products"], 4)

	body = getProducts(t, app, "?minPrice=250&all=true")
	require.EqualValues(t, 2, body["total"])

	data, err := os.ReadFile(filepath.Join(cfg.Snapshot.Dir, "products.json"))
	require.NoError(t, err)
	products, err := catalog.DecodeProducts(data)
	require.NoError(t, err)
	require.Len(t, products, 6)
	require.Equal(t, shop.URL+"/products/p1-1", products[0].Link)

	report, err = app.Syncer().RunCycle(ctx)
	require.NoError(t, err)
	require.Zero(t, report.NewRecords)
}

func TestBuildWithRedisCache(t *testing.T) {
	shop := newShop(t)
	mr := miniredis.RunT(t)
	cfg := testConfig(t, shop.URL+"/collections/all")
	cfg.Documents.Backend = config.BackendNone
	cfg.Snapshot.Backend = config.BackendMemory
	cfg.Cache = config.CacheConfig{Backend: config.BackendRedis, Addr: mr.Addr(), Prefix: "test:", TTLSeconds: 3600, QueryTTLSeconds: 60}

	app, err := Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	_, err = app.Syncer().RunCycle(context.Background())
	require.NoError(t, err)
	require.True(t, mr.Exists("test:"+catalog.CacheKeyAll))
	require.Equal(t, time.Hour, mr.TTL("test:"+catalog.CacheKeyAll))
}

func TestBuildFailureClosesOpenedBackends(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	cfg := testConfig(t, "https://shop.test/collections/all")
	cfg.Documents.SQLitePath = filepath.Join(blocker, "catalog.db")

	app, err := Build(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
	require.Nil(t, app)
}

func TestServeStopsOnCancel(t *testing.T) {
	shop := newShop(t)
	cfg := testConfig(t, shop.URL+"/collections/all")
	cfg.Sync.RunOnStart = true

	app, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Serve(ctx) }()

	require.Eventually(t, func() bool {
		body := getProducts(t, app, "")
		total, _ := body["total"].(float64)
		return total == 6
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
