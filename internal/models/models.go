package models

import (
	"fmt"
	"math"
	"time"
)

// Sample is the atomic unit of point data: one reading of one point at one
// second. Timestamps are seconds since epoch everywhere inside the system;
// millisecond precision at the wire is floored at the upstream boundary.
type Sample struct {
	Site      string  `json:"site"`
	Point     string  `json:"point"`
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
}

// Key returns the primary-key triple used for deduplication across tiers.
func (s Sample) Key() SampleKey {
	return SampleKey{Site: s.Site, Point: s.Point, Timestamp: s.Timestamp}
}

// SampleKey identifies a sample uniquely within the hot tier.
type SampleKey struct {
	Site      string
	Point     string
	Timestamp int64
}

// Validate rejects non-finite values and empty identifiers. Point strings are
// opaque and never rewritten, but they must be non-empty.
func (s Sample) Validate() error {
	if s.Site == "" {
		return fmt.Errorf("sample missing site")
	}
	if s.Point == "" {
		return fmt.Errorf("sample missing point")
	}
	if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
		return fmt.Errorf("sample %s@%d has non-finite value", s.Point, s.Timestamp)
	}
	return nil
}

// Day returns the UTC day the sample belongs to, which is also the cold-tier
// chunk it archives into.
func (s Sample) Day() string {
	return time.Unix(s.Timestamp, 0).UTC().Format("2006-01-02")
}

// SyncStatus is the operator-facing view of one site's ETL state.
type SyncStatus struct {
	Site           string   `json:"site"`
	LastSyncTS     int64    `json:"last_sync_ts"`
	LastSuccessAge int64    `json:"last_success_age_seconds"`
	RecentErrors   []string `json:"recent_errors"`
}

// SyncResult is returned by one ETL run for one site.
type SyncResult struct {
	Site            string `json:"site"`
	SamplesInserted int64  `json:"samples_inserted"`
	PagesFetched    int    `json:"pages_fetched"`
	WindowStart     int64  `json:"window_start"`
	WindowEnd       int64  `json:"window_end"`
	FirstSync       bool   `json:"first_sync"`
}

// Backfill job statuses.
const (
	BackfillRunning  = "running"
	BackfillComplete = "complete"
	BackfillError    = "error"
)

// BackfillState is the full persisted snapshot of one backfill job. It is
// written atomically to the coordination store after every tick so a new
// process can resume from (CurrentDate, CurrentCursor).
type BackfillState struct {
	JobID          string          `json:"job_id"`
	Site           string          `json:"site"`
	StartDate      string          `json:"start_date"` // YYYY-MM-DD inclusive
	EndDate        string          `json:"end_date"`   // YYYY-MM-DD inclusive
	CurrentDate    string          `json:"current_date"`
	CurrentCursor  string          `json:"current_cursor"`
	CompletedDates map[string]bool `json:"completed_dates"`
	SamplesFetched int64           `json:"samples_fetched"`
	Errors         []string        `json:"errors"`
	Status         string          `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// TotalDays computes the inclusive day count of the job range.
func (b *BackfillState) TotalDays() int {
	start, err1 := time.Parse("2006-01-02", b.StartDate)
	end, err2 := time.Parse("2006-01-02", b.EndDate)
	if err1 != nil || err2 != nil || end.Before(start) {
		return 0
	}
	return int(end.Sub(start).Hours()/24) + 1
}

// PercentComplete is |completed_dates| / total_days. Set semantics: duplicate
// day completions are no-ops by construction.
func (b *BackfillState) PercentComplete() float64 {
	total := b.TotalDays()
	if total == 0 {
		return 0
	}
	return float64(len(b.CompletedDates)) / float64(total) * 100
}

// ArchivalRecord is the per-day observability record emitted by the compactor.
type ArchivalRecord struct {
	Site         string    `json:"site"`
	Day          string    `json:"day"`
	RowsMoved    int64     `json:"rows_moved"`
	NewChunkSize int64     `json:"new_chunk_size"`
	ArchivedAt   time.Time `json:"archived_at"`
}

// ChunkMeta describes one cold-tier daily chunk object.
type ChunkMeta struct {
	SampleCount    int       `json:"sample_count"`
	CompressedSize int64     `json:"compressed_size"`
	OriginalSize   int64     `json:"original_size"`
	CreatedAt      time.Time `json:"created_at"`
}
