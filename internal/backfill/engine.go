// Package backfill fetches historical day ranges from the upstream API
// directly into cold-tier daily chunks. Jobs are long-lived and resumable: the
// full job state is persisted to the coordination store after every tick, so
// any process can pick up a job at (current_date, current_cursor).
package backfill

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"pointscan/internal/coldstore"
	"pointscan/internal/coordination"
	"pointscan/internal/models"
	"pointscan/internal/upstream"
)

const (
	dayFormat    = "2006-01-02"
	maxJobErrors = 50
)

// Config tunes the engine.
type Config struct {
	PagesPerInvocation int // pages fetched per Tick before re-persisting state
	PageSize           int
}

// Engine drives backfill jobs. One Tick makes bounded progress on one job;
// callers (the run loop or the operator API) invoke Tick repeatedly.
type Engine struct {
	api   upstream.API
	cold  coldstore.Store
	coord *coordination.Store
	cfg   Config
	now   func() time.Time
}

func NewEngine(api upstream.API, cold coldstore.Store, coord *coordination.Store, cfg Config) *Engine {
	if cfg.PagesPerInvocation == 0 {
		cfg.PagesPerInvocation = 5
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = 100000
	}
	return &Engine{api: api, cold: cold, coord: coord, cfg: cfg, now: time.Now}
}

// StartJob creates and persists a new job over an inclusive day range.
func (e *Engine) StartJob(ctx context.Context, site, startDate, endDate string) (*models.BackfillState, error) {
	start, err := time.Parse(dayFormat, startDate)
	if err != nil {
		return nil, fmt.Errorf("backfill: bad start_date %q: %w", startDate, err)
	}
	end, err := time.Parse(dayFormat, endDate)
	if err != nil {
		return nil, fmt.Errorf("backfill: bad end_date %q: %w", endDate, err)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("backfill: end_date %s before start_date %s", endDate, startDate)
	}
	if site == "" {
		return nil, fmt.Errorf("backfill: site is required")
	}

	now := e.now().UTC()
	state := &models.BackfillState{
		JobID:          uuid.New().String(),
		Site:           site,
		StartDate:      startDate,
		EndDate:        endDate,
		CurrentDate:    startDate,
		CompletedDates: map[string]bool{},
		Status:         models.BackfillRunning,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.coord.SaveBackfillState(ctx, state); err != nil {
		return nil, err
	}
	log.Printf("[backfill] Started job %s: %s %s..%s (%d days)",
		state.JobID, site, startDate, endDate, state.TotalDays())
	return state, nil
}

// Status loads a job snapshot.
func (e *Engine) Status(ctx context.Context, jobID string) (*models.BackfillState, error) {
	return e.coord.LoadBackfillState(ctx, jobID)
}

// Tick advances a job by up to PagesPerInvocation pages and persists the new
// state. Completed and errored jobs are returned unchanged. A day becomes
// complete only when its final page has been written to the cold tier; an
// upstream-empty first page is a failure for that day (historical days are
// expected to have data), logged and retried on the next tick.
func (e *Engine) Tick(ctx context.Context, jobID string) (*models.BackfillState, error) {
	state, err := e.coord.LoadBackfillState(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if state.Status != models.BackfillRunning {
		return state, nil
	}

	pagesLeft := e.cfg.PagesPerInvocation
	for pagesLeft > 0 && state.Status == models.BackfillRunning {
		used, err := e.advanceDay(ctx, state, pagesLeft)
		pagesLeft -= used
		if err != nil {
			e.recordError(state, err)
			break
		}
	}

	state.UpdatedAt = e.now().UTC()
	if err := e.coord.SaveBackfillState(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

// advanceDay works on state.CurrentDate for up to maxPages pages. Returns the
// number of pages consumed. On the day's last page it writes the accumulated
// samples as one chunk append, marks the day complete, and moves to the next
// day with a cleared cursor.
func (e *Engine) advanceDay(ctx context.Context, state *models.BackfillState, maxPages int) (int, error) {
	dayStart, err := time.Parse(dayFormat, state.CurrentDate)
	if err != nil {
		state.Status = models.BackfillError
		return 0, fmt.Errorf("corrupt current_date %q: %w", state.CurrentDate, err)
	}
	// Historical endpoint takes an inclusive second range within the day.
	start := dayStart.UTC().Unix()
	end := start + 86399

	var (
		pending []models.Sample
		used    int
	)
	cursor := state.CurrentCursor
	firstPage := cursor == ""

	for used < maxPages {
		page, err := e.api.FetchPage(ctx, upstream.PageRequest{
			Site:     state.Site,
			Start:    start,
			End:      end,
			PageSize: e.cfg.PageSize,
			Cursor:   cursor,
			Raw:      true,
		})
		if err != nil {
			// Mid-day fetch failure. The cursor may only be saved past pages
			// whose samples are durable, so flush pending first; if that also
			// fails, restart the day (the chunk append is idempotent).
			if len(pending) > 0 {
				if _, werr := coldstore.AppendDay(ctx, e.cold, state.Site, state.CurrentDate, pending); werr != nil {
					state.CurrentCursor = ""
					state.SamplesFetched -= int64(len(pending))
					return used, fmt.Errorf("day %s: %w", state.CurrentDate, err)
				}
			}
			state.CurrentCursor = cursor
			return used, fmt.Errorf("day %s: %w", state.CurrentDate, err)
		}
		used++

		if firstPage && len(page.Samples) == 0 {
			// An empty historical day means the fetch silently failed, not
			// that the building was dark. Do not mark complete; retry later.
			state.CurrentCursor = ""
			return used, fmt.Errorf("day %s: upstream returned no samples", state.CurrentDate)
		}
		firstPage = false

		pending = append(pending, page.Samples...)
		state.SamplesFetched += int64(len(page.Samples))
		cursor = page.NextCursor

		if cursor == "" {
			meta, err := coldstore.AppendDay(ctx, e.cold, state.Site, state.CurrentDate, pending)
			if err != nil {
				// Chunk write failed after full fetch. Restart the day from
				// scratch; the append is idempotent so a partial earlier
				// write is safe to redo.
				state.CurrentCursor = ""
				state.SamplesFetched -= int64(len(pending))
				return used, fmt.Errorf("day %s: write chunk: %w", state.CurrentDate, err)
			}
			log.Printf("[backfill] %s: day %s complete (%d samples, %d bytes compressed)",
				state.JobID, state.CurrentDate, meta.SampleCount, meta.CompressedSize)
			e.completeDay(state, dayStart)
			return used, nil
		}
	}

	// Page budget exhausted mid-day. Persist the resume cursor and flush what
	// we have so the cursor never points past undurable samples.
	if len(pending) > 0 {
		if _, err := coldstore.AppendDay(ctx, e.cold, state.Site, state.CurrentDate, pending); err != nil {
			state.CurrentCursor = "" // restart the day, append is idempotent
			state.SamplesFetched -= int64(len(pending))
			return used, fmt.Errorf("day %s: write partial chunk: %w", state.CurrentDate, err)
		}
	}
	state.CurrentCursor = cursor
	return used, nil
}

func (e *Engine) completeDay(state *models.BackfillState, day time.Time) {
	state.CompletedDates[state.CurrentDate] = true
	state.CurrentCursor = ""

	next := day.AddDate(0, 0, 1).Format(dayFormat)
	if next > state.EndDate {
		state.Status = models.BackfillComplete
		log.Printf("[backfill] %s: job complete (%d samples over %d days)",
			state.JobID, state.SamplesFetched, len(state.CompletedDates))
		return
	}
	state.CurrentDate = next
}

func (e *Engine) recordError(state *models.BackfillState, err error) {
	line := e.now().UTC().Format(time.RFC3339) + " " + err.Error()
	state.Errors = append(state.Errors, line)
	if len(state.Errors) > maxJobErrors {
		state.Errors = state.Errors[len(state.Errors)-maxJobErrors:]
	}
	// Permanent upstream rejections will never succeed on retry.
	if upstream.IsPermanent(err) {
		state.Status = models.BackfillError
		log.Printf("[backfill] %s: job failed permanently: %v", state.JobID, err)
		return
	}
	log.Printf("[backfill] %s: tick error (will retry): %v", state.JobID, err)
}

// RunLoop ticks every running job on an interval until ctx is done. Intended
// for a background worker alongside the operator-driven Tick endpoint.
func (e *Engine) RunLoop(ctx context.Context, interval time.Duration) {
	log.Printf("[backfill] Starting run loop (interval=%s pages_per_tick=%d)", interval, e.cfg.PagesPerInvocation)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Println("[backfill] Stopping...")
			return
		case <-ticker.C:
			e.tickAll(ctx)
		}
	}
}

func (e *Engine) tickAll(ctx context.Context) {
	jobIDs, err := e.coord.ListBackfillJobs(ctx)
	if err != nil {
		log.Printf("[backfill] Failed to list jobs: %v", err)
		return
	}
	for _, jobID := range jobIDs {
		state, err := e.coord.LoadBackfillState(ctx, jobID)
		if err != nil || state.Status != models.BackfillRunning {
			continue
		}
		if _, err := e.Tick(ctx, jobID); err != nil {
			log.Printf("[backfill] %s: tick failed: %v", jobID, err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}
