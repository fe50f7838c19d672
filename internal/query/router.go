package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"pointscan/internal/coldstore"
	"pointscan/internal/models"
	"pointscan/internal/upstream"
)

// ErrInvalidRange marks client errors in the query parameters.
var ErrInvalidRange = errors.New("query: invalid range")

// Data sources surfaced in response metadata.
const (
	SourceHot      = "HOT"
	SourceCold     = "COLD"
	SourceBoth     = "BOTH"
	SourceCache    = "CACHE"
	SourceUpstream = "UPSTREAM"
)

// HotReader is the slice of the hot tier the router needs.
type HotReader interface {
	QueryRange(ctx context.Context, site string, points []string, start, end int64) ([]models.Sample, error)
}

// Config tunes the router.
type Config struct {
	HotRetentionDays     int // tier boundary, default 20
	MaxRangeDays         int // request validation ceiling, default 365
	ColdFetchParallelism int // concurrent chunk fetches per query, default 8
	LegacyPageSize       int // upstream page size for the bypass path
}

// Request is one query. UseRouting=false bypasses the planner and proxies the
// upstream directly, the operational escape hatch.
type Request struct {
	Site       string
	Points     []string
	Start      int64 // epoch seconds, inclusive
	End        int64 // epoch seconds, exclusive
	UseRouting bool
}

// Result carries the per-point series plus the metadata the HTTP layer exposes
// as response headers.
type Result struct {
	Series       map[string][]Row `json:"series_by_point"`
	DataSource   string           `json:"data_source"`
	Strategy     Strategy         `json:"strategy"`
	CacheStatus  string           `json:"cache_status"`
	ProcessingMS int64            `json:"processing_ms"`
}

// cachedResult is the envelope persisted in the cache. Strategy and source are
// kept so a hit can report how the payload was originally computed.
type cachedResult struct {
	Series     map[string][]Row `json:"series_by_point"`
	Strategy   Strategy         `json:"strategy"`
	DataSource string           `json:"data_source"`
}

// Router plans and executes queries across the hot and cold tiers.
type Router struct {
	hot    HotReader
	cold   coldstore.Store
	cache  *Cache
	legacy upstream.API
	cfg    Config
	now    func() time.Time
}

func NewRouter(hot HotReader, cold coldstore.Store, cache *Cache, legacy upstream.API, cfg Config) *Router {
	if cfg.HotRetentionDays == 0 {
		cfg.HotRetentionDays = 20
	}
	if cfg.MaxRangeDays == 0 {
		cfg.MaxRangeDays = 365
	}
	if cfg.ColdFetchParallelism == 0 {
		cfg.ColdFetchParallelism = 8
	}
	if cfg.LegacyPageSize == 0 {
		cfg.LegacyPageSize = 10000
	}
	return &Router{hot: hot, cold: cold, cache: cache, legacy: legacy, cfg: cfg, now: time.Now}
}

// HotBoundary is now − HOT_RETENTION_DAYS; data older than this lives only in
// the cold tier.
func (r *Router) HotBoundary() int64 {
	return r.now().Unix() - int64(r.cfg.HotRetentionDays)*86400
}

// Query executes one request. Cache read happens before planning; cache write
// after a successful merge. The request context's deadline bounds both
// sub-queries; on deadline the partial results are discarded and the error
// returned.
func (r *Router) Query(ctx context.Context, req Request) (*Result, error) {
	started := r.now()

	if err := r.validate(req); err != nil {
		return nil, err
	}

	// A zero-width range is valid and answers without touching any tier: an
	// empty series per requested point.
	if req.Start == req.End {
		series := make(map[string][]Row, len(req.Points))
		for _, p := range req.Points {
			series[p] = []Row{}
		}
		plan := PlanRange(req.Start, req.End, r.HotBoundary())
		return &Result{
			Series:       series,
			DataSource:   sourceFor(plan.Strategy),
			Strategy:     plan.Strategy,
			CacheStatus:  CacheBypassed,
			ProcessingMS: int64(r.now().Sub(started) / time.Millisecond),
		}, nil
	}

	if !req.UseRouting {
		res, err := r.queryLegacy(ctx, req)
		if err != nil {
			return nil, err
		}
		res.ProcessingMS = int64(r.now().Sub(started) / time.Millisecond)
		return res, nil
	}

	key := CacheKey(req.Site, req.Points, req.Start, req.End)
	if payload := r.cache.Get(ctx, key); payload != nil {
		var cached cachedResult
		if err := json.Unmarshal(payload, &cached); err == nil {
			return &Result{
				Series:       cached.Series,
				DataSource:   SourceCache,
				Strategy:     cached.Strategy,
				CacheStatus:  CacheHit,
				ProcessingMS: int64(r.now().Sub(started) / time.Millisecond),
			}, nil
		}
		// Unreadable entries fall through to recompute and get overwritten.
	}

	plan := PlanRange(req.Start, req.End, r.HotBoundary())

	var (
		hotRows  []models.Sample
		coldRows []models.Sample
	)
	g, gctx := errgroup.WithContext(ctx)
	if plan.HotEnd > plan.HotStart {
		g.Go(func() error {
			rows, err := r.hot.QueryRange(gctx, req.Site, req.Points, plan.HotStart, plan.HotEnd)
			if err != nil {
				return fmt.Errorf("hot tier: %w", err)
			}
			hotRows = rows
			return nil
		})
	}
	if plan.ColdEnd > plan.ColdStart {
		g.Go(func() error {
			rows, err := r.queryCold(gctx, req.Site, req.Points, plan.ColdStart, plan.ColdEnd)
			if err != nil {
				return fmt.Errorf("cold tier: %w", err)
			}
			coldRows = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Result{
		Series:       MergeSeries(hotRows, coldRows),
		Strategy:     plan.Strategy,
		DataSource:   sourceFor(plan.Strategy),
		CacheStatus:  CacheMiss,
		ProcessingMS: int64(r.now().Sub(started) / time.Millisecond),
	}

	payload, err := json.Marshal(cachedResult{Series: res.Series, Strategy: res.Strategy, DataSource: res.DataSource})
	if err == nil {
		r.cache.Set(ctx, key, payload, TTLForAge(r.now(), req.End))
	}
	return res, nil
}

func (r *Router) validate(req Request) error {
	if req.Site == "" {
		return fmt.Errorf("%w: site is required", ErrInvalidRange)
	}
	if len(req.Points) == 0 {
		return fmt.Errorf("%w: at least one point is required", ErrInvalidRange)
	}
	if req.End < req.Start {
		return fmt.Errorf("%w: end_time must not precede start_time", ErrInvalidRange)
	}
	if req.End-req.Start > int64(r.cfg.MaxRangeDays)*86400 {
		return fmt.Errorf("%w: range exceeds %d days", ErrInvalidRange, r.cfg.MaxRangeDays)
	}
	return nil
}

func sourceFor(s Strategy) string {
	switch s {
	case StrategyHotOnly:
		return SourceHot
	case StrategyColdOnly:
		return SourceCold
	default:
		return SourceBoth
	}
}

// queryCold fans out over the daily chunks intersecting [start, end), decoding
// each and filtering to the requested points and range. Missing chunks are
// empty days, not errors.
func (r *Router) queryCold(ctx context.Context, site string, points []string, start, end int64) ([]models.Sample, error) {
	wanted := make(map[string]bool, len(points))
	for _, p := range points {
		wanted[p] = true
	}

	days := coldstore.DaysInRange(start, end)
	results := make([][]models.Sample, len(days))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.ColdFetchParallelism)
	var mu sync.Mutex
	for i, day := range days {
		i, day := i, day
		g.Go(func() error {
			rows, err := coldstore.ReadDay(gctx, r.cold, site, day)
			if err != nil {
				return fmt.Errorf("chunk %s: %w", day, err)
			}
			filtered := rows[:0]
			for _, s := range rows {
				if wanted[s.Point] && s.Timestamp >= start && s.Timestamp < end {
					filtered = append(filtered, s)
				}
			}
			mu.Lock()
			results[i] = filtered
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []models.Sample
	for _, rows := range results {
		out = append(out, rows...)
	}
	return out, nil
}

// queryLegacy pages the raw range straight through the upstream API.
func (r *Router) queryLegacy(ctx context.Context, req Request) (*Result, error) {
	log.Printf("[query] Legacy bypass for %s (%d points, %d..%d)", req.Site, len(req.Points), req.Start, req.End)

	wanted := make(map[string]bool, len(req.Points))
	for _, p := range req.Points {
		wanted[p] = true
	}

	var rows []models.Sample
	cursor := ""
	for {
		page, err := r.legacy.FetchPage(ctx, upstream.PageRequest{
			Site:     req.Site,
			Start:    req.Start,
			End:      req.End,
			PageSize: r.cfg.LegacyPageSize,
			Cursor:   cursor,
			Raw:      true,
		})
		if err != nil {
			return nil, fmt.Errorf("legacy upstream: %w", err)
		}
		for _, s := range page.Samples {
			if wanted[s.Point] {
				rows = append(rows, s)
			}
		}
		cursor = page.NextCursor
		if cursor == "" {
			break
		}
	}

	return &Result{
		Series:      MergeSeries(rows, nil),
		DataSource:  SourceUpstream,
		Strategy:    StrategyLegacy,
		CacheStatus: CacheBypassed,
	}, nil
}
