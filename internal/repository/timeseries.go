package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"pointscan/internal/models"
)

// upsertChunkSize bounds one UNNEST statement; the ETL batch limit (1000)
// stays under this, larger archival replays get split here.
const upsertChunkSize = 1000

// UpsertSamples writes samples with per-key upsert semantics: a re-ingested
// (site, point, timestamp) replaces the value. This is the deduplication
// mechanism for overlap windows and at-least-once delivery. Returns the number
// of rows written (inserted or replaced).
func (r *Repository) UpsertSamples(ctx context.Context, samples []models.Sample) (int64, error) {
	if len(samples) == 0 {
		return 0, nil
	}

	var total int64
	for offset := 0; offset < len(samples); offset += upsertChunkSize {
		end := offset + upsertChunkSize
		if end > len(samples) {
			end = len(samples)
		}
		chunk := samples[offset:end]

		sites := make([]string, len(chunk))
		points := make([]string, len(chunk))
		timestamps := make([]int64, len(chunk))
		values := make([]float64, len(chunk))
		for i, s := range chunk {
			if err := s.Validate(); err != nil {
				return total, fmt.Errorf("upsert samples: %w", err)
			}
			sites[i] = s.Site
			points[i] = s.Point
			timestamps[i] = s.Timestamp
			values[i] = s.Value
		}

		cmd, err := r.db.Exec(ctx, `
			INSERT INTO timeseries (site, point, timestamp, value)
			SELECT u.site, u.point, u.timestamp, u.value
			FROM UNNEST(
				$1::text[],
				$2::text[],
				$3::bigint[],
				$4::double precision[]
			) AS u(site, point, timestamp, value)
			ON CONFLICT (site, point, timestamp) DO UPDATE SET
				value = EXCLUDED.value`,
			sites, points, timestamps, values,
		)
		if err != nil {
			return total, fmt.Errorf("upsert samples batch: %w", err)
		}
		total += cmd.RowsAffected()
	}
	return total, nil
}

// QueryRange scans (site, point ∈ set, timestamp ∈ [start, end)) ordered by
// (point, timestamp). The half-open end matches the planner's range cuts.
func (r *Repository) QueryRange(ctx context.Context, site string, points []string, start, end int64) ([]models.Sample, error) {
	if len(points) == 0 || end <= start {
		return nil, nil
	}

	rows, err := r.db.Query(ctx, `
		SELECT site, point, timestamp, value
		FROM timeseries
		WHERE site = $1
		  AND point = ANY($2)
		  AND timestamp >= $3 AND timestamp < $4
		ORDER BY point ASC, timestamp ASC`,
		site, points, start, end,
	)
	if err != nil {
		return nil, fmt.Errorf("query range: %w", err)
	}
	defer rows.Close()

	return scanSamples(rows)
}

// ScanOlderThan returns all rows for a site older than the cutoff, ordered by
// timestamp so the compactor can group them by UTC day.
func (r *Repository) ScanOlderThan(ctx context.Context, site string, cutoff int64) ([]models.Sample, error) {
	rows, err := r.db.Query(ctx, `
		SELECT site, point, timestamp, value
		FROM timeseries
		WHERE site = $1 AND timestamp < $2
		ORDER BY timestamp ASC, point ASC`,
		site, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("scan older than %d: %w", cutoff, err)
	}
	defer rows.Close()

	return scanSamples(rows)
}

// DeleteRange removes a site's rows in [start, end). Archival calls this once
// per day group, only after the day's cold chunk write succeeded, so the
// delete is the commit point of the move.
func (r *Repository) DeleteRange(ctx context.Context, site string, start, end int64) (int64, error) {
	cmd, err := r.db.Exec(ctx, `
		DELETE FROM timeseries
		WHERE site = $1 AND timestamp >= $2 AND timestamp < $3`,
		site, start, end,
	)
	if err != nil {
		return 0, fmt.Errorf("delete range: %w", err)
	}
	return cmd.RowsAffected(), nil
}

// Bounds reports min/max timestamp and row count for a site. Zero bounds mean
// the site has no hot rows.
func (r *Repository) Bounds(ctx context.Context, site string) (minTS, maxTS, count int64, err error) {
	err = r.db.QueryRow(ctx, `
		SELECT COALESCE(MIN(timestamp), 0), COALESCE(MAX(timestamp), 0), COUNT(*)
		FROM timeseries
		WHERE site = $1`,
		site,
	).Scan(&minTS, &maxTS, &count)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("bounds: %w", err)
	}
	return minTS, maxTS, count, nil
}

// Sites lists the distinct sites present in the hot tier.
func (r *Repository) Sites(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT DISTINCT site FROM timeseries ORDER BY site`)
	if err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	defer rows.Close()

	var sites []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		sites = append(sites, s)
	}
	return sites, rows.Err()
}

func scanSamples(rows pgx.Rows) ([]models.Sample, error) {
	var out []models.Sample
	for rows.Next() {
		var s models.Sample
		if err := rows.Scan(&s.Site, &s.Point, &s.Timestamp, &s.Value); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GroupByDay buckets samples into UTC days (YYYY-MM-DD), preserving input
// order within each day. Used by the compactor to form chunk writes.
func GroupByDay(samples []models.Sample) map[string][]models.Sample {
	groups := make(map[string][]models.Sample)
	for _, s := range samples {
		day := s.Day()
		groups[day] = append(groups[day], s)
	}
	return groups
}

// DayBounds returns the [start, end) epoch-second window of a YYYY-MM-DD UTC day.
func DayBounds(day string) (int64, int64, error) {
	t, err := time.Parse("2006-01-02", day)
	if err != nil {
		return 0, 0, fmt.Errorf("bad day %q: %w", day, err)
	}
	start := t.UTC().Unix()
	return start, start + 86400, nil
}
