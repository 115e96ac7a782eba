// Package query answers filtered, paginated reads over the catalog without
// triggering a crawl.
package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-sync/internal/catalog"
)

// Paging defaults and bounds.
const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params selects and pages products. Nil price bounds are open.
type Params struct {
	Search   string
	Page     int
	Limit    int
	MinPrice *float64
	MaxPrice *float64
	All      bool
}

// Result is one page of matching products.
type Result struct {
	Total    int               `json:"total"`
	Page     int               `json:"page"`
	Limit    int               `json:"limit"`
	Products []catalog.Product `json:"products"`
}

// Service reads from the cache first and falls back to the snapshot.
type Service struct {
	store    *catalog.Store
	cache    catalog.Cache
	queryTTL time.Duration
	logger   *zap.Logger
}

// New builds a Service. cache may be nil; queryTTL <= 0 disables caching of
// shaped results.
func New(store *catalog.Store, cache catalog.Cache, queryTTL time.Duration, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("catalog store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, cache: cache, queryTTL: queryTTL, logger: logger}, nil
}

// Normalize clamps paging: page < 1 becomes 1, limit <= 0 becomes
// DefaultLimit and limit above MaxLimit becomes MaxLimit.
func Normalize(p Params) Params {
	if p.Page < 1 {
		p.Page = 1
	}
	switch {
	case p.Limit <= 0:
		p.Limit = DefaultLimit
	case p.Limit > MaxLimit:
		p.Limit = MaxLimit
	}
	p.Search = strings.TrimSpace(p.Search)
	return p
}

// Search filters the catalog by title substring and price range and returns
// the requested page. An empty catalog yields an empty, successful result.
func (s *Service) Search(ctx context.Context, params Params) (Result, error) {
	p := Normalize(params)
	key := CacheKey(p)

	if res, ok := s.cachedResult(ctx, key); ok {
		return res, nil
	}
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("search canceled: %w", err)
	}

	matched := filter(s.pool(ctx), p)
	res := Result{Total: len(matched), Page: p.Page, Limit: p.Limit, Products: paginate(matched, p)}
	s.storeResult(ctx, key, res)
	return res, nil
}

func (s *Service) cachedResult(ctx context.Context, key string) (Result, bool) {
	if s.cache == nil || s.queryTTL <= 0 {
		return Result{}, false
	}
	data, err := s.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, catalog.ErrCacheMiss) {
			s.logger.Warn("shaped cache read failed", zap.String("key", key), zap.Error(err))
		}
		return Result{}, false
	}
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		s.logger.Warn("shaped cache entry undecodable", zap.String("key", key), zap.Error(err))
		return Result{}, false
	}
	if res.Products == nil {
		res.Products = []catalog.Product{}
	}
	return res, true
}

func (s *Service) storeResult(ctx context.Context, key string, res Result) {
	if s.cache == nil || s.queryTTL <= 0 {
		return
	}
	data, err := json.Marshal(res)
	if err != nil {
		s.logger.Warn("encode shaped result failed", zap.Error(err))
		return
	}
	if err := s.cache.Set(ctx, key, data, s.queryTTL); err != nil {
		s.logger.Warn("shaped cache write failed", zap.String("key", key), zap.Error(err))
	}
}

// pool returns the full catalog from the cache, or the snapshot when the
// cache misses, errors or holds garbage.
func (s *Service) pool(ctx context.Context) []catalog.Product {
	if s.cache != nil {
		data, err := s.cache.Get(ctx, catalog.CacheKeyAll)
		switch {
		case err == nil:
			products, decodeErr := catalog.DecodeProducts(data)
			if decodeErr == nil {
				return products
			}
			s.logger.Warn("cached catalog undecodable; reading snapshot", zap.Error(decodeErr))
		case errors.Is(err, catalog.ErrCacheMiss):
		default:
			s.logger.Warn("catalog cache read failed; reading snapshot", zap.Error(err))
		}
	}
	return s.store.Load(ctx)
}

func filter(products []catalog.Product, p Params) []catalog.Product {
	needle := strings.ToLower(p.Search)
	out := make([]catalog.Product, 0, len(products))
	for _, prod := range products {
		if needle != "" && !strings.Contains(strings.ToLower(prod.Title), needle) {
			continue
		}
		if p.MinPrice != nil || p.MaxPrice != nil {
			price := ParsePrice(prod.Price)
			if p.MinPrice != nil && price < *p.MinPrice {
				continue
			}
			if p.MaxPrice != nil && price > *p.MaxPrice {
				continue
			}
		}
		out = append(out, prod)
	}
	return out
}

func paginate(products []catalog.Product, p Params) []catalog.Product {
	if p.All {
		return products
	}
	// Compare page counts first; (Page-1)*Limit overflows for huge pages.
	pages := (len(products) + p.Limit - 1) / p.Limit
	if p.Page > pages {
		return []catalog.Product{}
	}
	start := (p.Page - 1) * p.Limit
	end := start + p.Limit
	if end > len(products) {
		end = len(products)
	}
	return products[start:end]
}

// ParsePrice keeps only digits and dots from raw and parses the rest. Text
// that does not parse counts as a price of 0.
func ParsePrice(raw string) float64 {
	var b strings.Builder
	for _, r := range raw {
		if (r >= '0' && r <= '9') || r == '.' {
			b.WriteRune(r)
		}
	}
	v, err := strconv.ParseFloat(b.String(), 64)
	if err != nil {
		return 0
	}
	return v
}

// CacheKey derives the shaped-result key from normalized params.
func CacheKey(p Params) string {
	v := url.Values{}
	v.Set("q", strings.ToLower(p.Search))
	v.Set("page", strconv.Itoa(p.Page))
	v.Set("limit", strconv.Itoa(p.Limit))
	if p.MinPrice != nil {
		v.Set("min", strconv.FormatFloat(*p.MinPrice, 'f', -1, 64))
	}
	if p.MaxPrice != nil {
		v.Set("max", strconv.FormatFloat(*p.MaxPrice, 'f', -1, 64))
	}
	if p.All {
		v.Set("all", "1")
	}
	return catalog.CacheKeyQueryPrefix + v.Encode()
}
