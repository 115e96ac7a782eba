package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-sync/internal/catalog"
	"github.com/JakeFAU/catalog-sync/internal/config"
	"github.com/JakeFAU/catalog-sync/internal/metrics"
	"github.com/JakeFAU/catalog-sync/internal/policy/ratelimit"
	"github.com/JakeFAU/catalog-sync/internal/query"
)

// Searcher answers catalog queries.
type Searcher interface {
	Search(ctx context.Context, params query.Params) (query.Result, error)
}

// SyncTrigger starts a sync cycle in the background. It reports false when a
// cycle is already running.
type SyncTrigger interface {
	Trigger(ctx context.Context) bool
}

// Server wires HTTP handlers to the query service and the sync pipeline.
type Server struct {
	router   chi.Router
	searcher Searcher
	trigger  SyncTrigger
	clock    catalog.Clock
	cfg      config.Config
	logger   *zap.Logger
}

type productsResponse struct {
	Success  bool              `json:"success"`
	Page     int               `json:"page"`
	Limit    int               `json:"limit"`
	Total    int               `json:"total"`
	Products []catalog.Product `json:"products"`
}

// NewServer constructs a Server with middleware and routes. trigger may be nil,
// in which case the sync route is not mounted.
func NewServer(
	searcher Searcher,
	trigger SyncTrigger,
	clock catalog.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		searcher: searcher,
		trigger:  trigger,
		clock:    clock,
		cfg:      cfg,
		logger:   logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)
	if origins := cfg.Server.CORSAllowedOrigins; len(origins) > 0 {
		r.Use(corsMiddleware(origins))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(cfg.Server.RequestTimeout()))
		if n := cfg.RateLimit.RequestsPerMinute; n > 0 {
			r.Use(rateLimitMiddleware(ratelimit.New(ratelimit.PerMinute(n)), cfg.RateLimit.TrustForwarded))
		}
		if cfg.Auth.Enabled {
			r.Use(hmacAuthMiddleware(cfg.Auth, clock))
		}
		r.Get("/products", s.listProducts)
		r.Get("/api/products", s.listProducts)
		if trigger != nil {
			r.Post("/v1/sync", s.startSync)
		}
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listProducts(w http.ResponseWriter, r *http.Request) {
	res, err := s.searcher.Search(r.Context(), parseParams(r))
	if err != nil {
		s.logger.Error("product search failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load products")
		return
	}
	products := res.Products
	if products == nil {
		products = []catalog.Product{}
	}
	writeJSON(w, http.StatusOK, productsResponse{
		Success:  true,
		Page:     res.Page,
		Limit:    res.Limit,
		Total:    res.Total,
		Products: products,
	})
}

func (s *Server) startSync(w http.ResponseWriter, r *http.Request) {
	// The cycle outlives the request; the syncer cancels it on shutdown.
	if !s.trigger.Trigger(context.WithoutCancel(r.Context())) {
		writeError(w, http.StatusConflict, "sync already in progress")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "status": "started"})
}

// parseParams reads query parameters. Malformed numbers fall back to the
// service defaults instead of failing the request.
func parseParams(r *http.Request) query.Params {
	q := r.URL.Query()
	p := query.Params{
		Search: q.Get("search"),
		Page:   atoiOrZero(q.Get("page")),
		Limit:  atoiOrZero(q.Get("limit")),
	}
	p.MinPrice = floatOrNil(q.Get("minPrice"))
	p.MaxPrice = floatOrNil(q.Get("maxPrice"))
	if all, err := strconv.ParseBool(strings.TrimSpace(q.Get("all"))); err == nil {
		p.All = all
	}
	return p
}

func atoiOrZero(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0
	}
	return n
}

func floatOrNil(raw string) *float64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil
	}
	return &f
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Error("failed to encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}
