// Package archival moves samples older than the hot-retention boundary from
// the hot tier into cold daily chunks. The order is fixed: write the day's
// chunk first, delete the hot rows second. A crash between the two leaves the
// day duplicated across tiers, which the query merge resolves (hot wins), and
// the next run re-deletes.
package archival

import (
	"context"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"pointscan/internal/coldstore"
	"pointscan/internal/coordination"
	"pointscan/internal/models"
	"pointscan/internal/repository"
)

// HotStore is the slice of the hot tier the compactor needs.
type HotStore interface {
	Sites(ctx context.Context) ([]string, error)
	ScanOlderThan(ctx context.Context, site string, cutoff int64) ([]models.Sample, error)
	DeleteRange(ctx context.Context, site string, start, end int64) (int64, error)
}

// Config tunes the compactor.
type Config struct {
	HotRetentionDays int           // tier boundary, default 20
	SiteConcurrency  int           // parallel sites per run, default 2
	Interval         time.Duration // run period, default 24 h
}

// SiteResult summarizes one site's compaction run.
type SiteResult struct {
	Site      string
	DaysMoved int
	RowsMoved int64
}

// Compactor is the archival worker.
type Compactor struct {
	hot   HotStore
	cold  coldstore.Store
	coord *coordination.Store
	cfg   Config
	now   func() time.Time
}

func NewCompactor(hot HotStore, cold coldstore.Store, coord *coordination.Store, cfg Config) *Compactor {
	if cfg.HotRetentionDays == 0 {
		cfg.HotRetentionDays = 20
	}
	if cfg.SiteConcurrency == 0 {
		cfg.SiteConcurrency = 2
	}
	if cfg.Interval == 0 {
		cfg.Interval = 24 * time.Hour
	}
	return &Compactor{hot: hot, cold: cold, coord: coord, cfg: cfg, now: time.Now}
}

// Cutoff is the hot boundary: rows with timestamp < cutoff belong in cold.
func (c *Compactor) Cutoff() int64 {
	return c.now().UTC().Unix() - int64(c.cfg.HotRetentionDays)*86400
}

// Run compacts every hot site once, bounded-parallel across sites.
func (c *Compactor) Run(ctx context.Context) error {
	sites, err := c.hot.Sites(ctx)
	if err != nil {
		return err
	}
	cutoff := c.Cutoff()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.SiteConcurrency)
	for _, site := range sites {
		site := site
		g.Go(func() error {
			res, err := c.RunSite(gctx, site, cutoff)
			if err != nil {
				log.Printf("[archival] %s: run failed: %v", site, err)
				return nil // one bad site must not stop the others
			}
			if res.RowsMoved > 0 {
				log.Printf("[archival] %s: moved %d rows across %d days", site, res.RowsMoved, res.DaysMoved)
			}
			return nil
		})
	}
	return g.Wait()
}

// RunSite archives one site's expired rows, day by day. Each day is a separate
// commit unit: chunk append, then hot delete, then the observability record.
// A failing day stops the site's run so the next pass retries from a clean
// scan.
func (c *Compactor) RunSite(ctx context.Context, site string, cutoff int64) (*SiteResult, error) {
	expired, err := c.hot.ScanOlderThan(ctx, site, cutoff)
	if err != nil {
		return nil, err
	}
	res := &SiteResult{Site: site}
	if len(expired) == 0 {
		return res, nil
	}

	byDay := repository.GroupByDay(expired)
	for day, samples := range byDay {
		meta, err := coldstore.AppendDay(ctx, c.cold, site, day, samples)
		if err != nil {
			c.coord.AppendError(ctx, site, "archival day "+day+": "+err.Error())
			return res, err
		}

		dayStart, dayEnd, err := repository.DayBounds(day)
		if err != nil {
			return res, err
		}
		// The cutoff can land mid-day. Only rows below it were scanned into the
		// chunk, so the delete must stop there too; the day's tail stays hot
		// until a later run.
		deleteEnd := dayEnd
		if cutoff < deleteEnd {
			deleteEnd = cutoff
		}
		deleted, err := c.hot.DeleteRange(ctx, site, dayStart, deleteEnd)
		if err != nil {
			// Chunk written, hot rows still present. Queries stay correct via
			// hot-wins merge; the next run redoes the delete.
			c.coord.AppendError(ctx, site, "archival delete "+day+": "+err.Error())
			return res, err
		}

		res.DaysMoved++
		res.RowsMoved += deleted
		c.coord.RecordArchival(ctx, models.ArchivalRecord{
			Site:         site,
			Day:          day,
			RowsMoved:    deleted,
			NewChunkSize: meta.CompressedSize,
			ArchivedAt:   c.now().UTC(),
		})
	}
	return res, nil
}

// RunLoop runs a compaction pass on an interval until ctx is done.
func (c *Compactor) RunLoop(ctx context.Context) {
	log.Printf("[archival] Starting compactor (retention=%dd interval=%s)", c.cfg.HotRetentionDays, c.cfg.Interval)
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Println("[archival] Stopping...")
			return
		case <-ticker.C:
			if err := c.Run(ctx); err != nil {
				log.Printf("[archival] Pass failed: %v", err)
			}
		}
	}
}
