// Package etl pulls new samples from the upstream API into the hot tier on a
// periodic tick: window selection from the persisted watermark, cursor-paginated
// fetch, batched upserts, then a single watermark commit. Failure anywhere
// before the commit leaves the watermark unchanged; the next tick re-reads the
// overlap window and the hot tier's keyed upsert dedupes the rewrites.
package etl

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"pointscan/internal/coordination"
	"pointscan/internal/models"
	"pointscan/internal/upstream"
)

// ErrSyncInProgress is returned when a site's sync lease is already held.
var ErrSyncInProgress = errors.New("etl: sync already in progress for site")

// HotStore is the slice of the hot tier ETL needs.
type HotStore interface {
	UpsertSamples(ctx context.Context, samples []models.Sample) (int64, error)
}

// Config tunes the synchronizer.
type Config struct {
	Sites           []string
	Interval        time.Duration // tick period, default 5 min
	LookbackBuffer  time.Duration // incremental overlap, default 90 min
	FirstSyncWindow time.Duration // window when no usable watermark, default 24 h
	StaleWatermark  time.Duration // watermark older than this restarts as first sync, default 7 d
	BatchSize       int           // hot-store rows per upsert batch, default 1000
	PageSize        int           // upstream page size
	MaxPagesPerSync int           // per-sync safety cap
	SiteConcurrency int           // parallel sites per tick
	LeaseTTL        time.Duration // per-site lease, default 2x interval
}

// Synchronizer is the ETL worker. One instance serves all configured sites;
// per-site runs are serialized by a coordination-store lease.
type Synchronizer struct {
	api   upstream.API
	hot   HotStore
	coord *coordination.Store
	cfg   Config
	now   func() time.Time
}

func NewSynchronizer(api upstream.API, hot HotStore, coord *coordination.Store, cfg Config) *Synchronizer {
	if cfg.Interval == 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.LookbackBuffer == 0 {
		cfg.LookbackBuffer = 90 * time.Minute
	}
	if cfg.FirstSyncWindow == 0 {
		cfg.FirstSyncWindow = 24 * time.Hour
	}
	if cfg.StaleWatermark == 0 {
		cfg.StaleWatermark = 7 * 24 * time.Hour
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 1000
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = 10000
	}
	if cfg.MaxPagesPerSync == 0 {
		cfg.MaxPagesPerSync = 50
	}
	if cfg.SiteConcurrency == 0 {
		cfg.SiteConcurrency = 4
	}
	if cfg.LeaseTTL == 0 {
		cfg.LeaseTTL = 2 * cfg.Interval
	}
	return &Synchronizer{
		api:   api,
		hot:   hot,
		coord: coord,
		cfg:   cfg,
		now:   time.Now,
	}
}

// Start runs the tick loop until ctx is done. The first tick fires immediately.
func (s *Synchronizer) Start(ctx context.Context) {
	log.Printf("[etl] Starting synchronizer (sites=%d interval=%s buffer=%s)",
		len(s.cfg.Sites), s.cfg.Interval, s.cfg.LookbackBuffer)

	s.syncAll(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Println("[etl] Stopping...")
			return
		case <-ticker.C:
			s.syncAll(ctx)
		}
	}
}

func (s *Synchronizer) syncAll(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.SiteConcurrency)
	for _, site := range s.cfg.Sites {
		site := site
		g.Go(func() error {
			res, err := s.RunSync(gctx, site)
			switch {
			case errors.Is(err, ErrSyncInProgress):
				log.Printf("[etl] %s: previous run still holds the lease, skipping tick", site)
			case err != nil:
				log.Printf("[etl] %s: sync failed: %v", site, err)
			case res.SamplesInserted > 0:
				log.Printf("[etl] %s: ingested %d samples in %d pages (window %d..%d)",
					site, res.SamplesInserted, res.PagesFetched, res.WindowStart, res.WindowEnd)
			}
			return nil // one bad site must not stop the others
		})
	}
	g.Wait()
}

// RunSync executes one sync for one site. Idempotent: overlap windows re-upsert
// the same keys. Returns ErrSyncInProgress when a run is already active.
func (s *Synchronizer) RunSync(ctx context.Context, site string) (*models.SyncResult, error) {
	ok, err := s.coord.AcquireLease(ctx, "etl:"+site, s.cfg.LeaseTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrSyncInProgress
	}
	defer s.coord.ReleaseLease(context.WithoutCancel(ctx), "etl:"+site)

	now := s.now().UTC()
	watermark, err := s.coord.Watermark(ctx, site)
	if err != nil {
		return nil, err
	}

	result := &models.SyncResult{Site: site, WindowEnd: now.Unix()}

	staleBefore := now.Add(-s.cfg.StaleWatermark).Unix()
	if watermark == 0 || watermark < staleBefore {
		result.FirstSync = true
		result.WindowStart = now.Add(-s.cfg.FirstSyncWindow).Unix()
	} else {
		result.WindowStart = watermark - int64(s.cfg.LookbackBuffer/time.Second)
	}

	maxTS, confirmedEmpty, err := s.fetchAndIngest(ctx, site, result)
	if err != nil {
		s.coord.AppendError(ctx, site, fmt.Sprintf("sync: %v", err))
		return nil, err
	}

	// Commit. The watermark only moves on confirmed progress: the max ingested
	// timestamp, or the window end when the upstream confirmed the range empty
	// (HTTP 200, zero rows, no cursor). Transport failures never reach here.
	switch {
	case maxTS > 0:
		if err := s.coord.AdvanceWatermark(ctx, site, maxTS); err != nil {
			return nil, fmt.Errorf("commit watermark: %w", err)
		}
	case confirmedEmpty:
		if err := s.coord.AdvanceWatermark(ctx, site, result.WindowEnd); err != nil {
			return nil, fmt.Errorf("commit watermark: %w", err)
		}
	}
	if maxTS > 0 || confirmedEmpty {
		s.coord.MarkSyncSuccess(ctx, site, now)
	}

	return result, nil
}

// fetchAndIngest pages through the window, upserting as it goes. Returns the
// max ingested timestamp and whether the upstream confirmed an empty range.
func (s *Synchronizer) fetchAndIngest(ctx context.Context, site string, result *models.SyncResult) (int64, bool, error) {
	var (
		buffer []models.Sample
		maxTS  int64
		cursor string
	)

	flush := func() error {
		if len(buffer) == 0 {
			return nil
		}
		n, err := s.hot.UpsertSamples(ctx, buffer)
		if err != nil {
			return fmt.Errorf("hot upsert: %w", err)
		}
		result.SamplesInserted += n
		buffer = buffer[:0]
		return nil
	}

	for page := 0; page < s.cfg.MaxPagesPerSync; page++ {
		p, err := s.api.FetchPage(ctx, upstream.PageRequest{
			Site:     site,
			Start:    result.WindowStart,
			End:      result.WindowEnd,
			PageSize: s.cfg.PageSize,
			Cursor:   cursor,
			Raw:      true, // native sampling interval; aggregation belongs elsewhere
		})
		if err != nil {
			return 0, false, err
		}
		result.PagesFetched++

		if page == 0 && len(p.Samples) == 0 && p.NextCursor == "" {
			return 0, true, flush()
		}

		for _, sample := range p.Samples {
			buffer = append(buffer, sample)
			if sample.Timestamp > maxTS {
				maxTS = sample.Timestamp
			}
			if len(buffer) >= s.cfg.BatchSize {
				if err := flush(); err != nil {
					return 0, false, err
				}
			}
		}

		cursor = p.NextCursor
		if cursor == "" {
			break
		}
	}

	if err := flush(); err != nil {
		return 0, false, err
	}
	return maxTS, false, nil
}

// Status builds the operator view for one site.
func (s *Synchronizer) Status(ctx context.Context, site string) (*models.SyncStatus, error) {
	watermark, err := s.coord.Watermark(ctx, site)
	if err != nil {
		return nil, err
	}
	lastSuccess, err := s.coord.LastSyncSuccess(ctx, site)
	if err != nil {
		return nil, err
	}
	recent, err := s.coord.RecentErrors(ctx, site, 10)
	if err != nil {
		return nil, err
	}

	status := &models.SyncStatus{
		Site:         site,
		LastSyncTS:   watermark,
		RecentErrors: recent,
	}
	if !lastSuccess.IsZero() {
		status.LastSuccessAge = int64(s.now().Sub(lastSuccess) / time.Second)
	}
	return status, nil
}
