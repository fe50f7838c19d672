// Package coldstore is the object-addressed cold tier. One object per
// (site, UTC day), written by backfill and archival, read by cold queries.
// Objects are immutable at the storage level; logical appends are implemented
// as read-merge-dedup-rewrite of the whole day (see AppendDay).
package coldstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"pointscan/internal/chunk"
	"pointscan/internal/models"
)

// ErrNotFound is returned when no chunk object exists at a key.
var ErrNotFound = errors.New("coldstore: object not found")

// Store is the object-store contract the cold tier needs. Implemented by
// S3Store for production and MemoryStore for tests/local runs.
type Store interface {
	Put(ctx context.Context, key string, body []byte, meta models.ChunkMeta) error
	Get(ctx context.Context, key string) ([]byte, error)
	Head(ctx context.Context, key string) (models.ChunkMeta, error)
}

// ObjectKey builds the deterministic chunk key for a site and a YYYY-MM-DD day:
// timeseries/{site}/{YYYY}/{MM}/{DD}.ndjson.gz
func ObjectKey(site, day string) string {
	d, err := time.Parse("2006-01-02", day)
	if err != nil {
		// Callers validate days upstream; fall back to a flat key so a bad day
		// is visible in the bucket rather than silently dropped.
		return fmt.Sprintf("timeseries/%s/invalid/%s.%s", site, day, chunk.Ext)
	}
	return fmt.Sprintf("timeseries/%s/%04d/%02d/%02d.%s", site, d.Year(), int(d.Month()), d.Day(), chunk.Ext)
}

// DaysInRange lists the UTC days (YYYY-MM-DD) intersecting [start, end)
// epoch seconds, in ascending order. These are the candidate chunks for a
// cold query.
func DaysInRange(start, end int64) []string {
	if end <= start {
		return nil
	}
	first := time.Unix(start, 0).UTC().Truncate(24 * time.Hour)
	last := time.Unix(end-1, 0).UTC().Truncate(24 * time.Hour)

	var days []string
	for d := first; !d.After(last); d = d.Add(24 * time.Hour) {
		days = append(days, d.Format("2006-01-02"))
	}
	return days
}

// ReadDay fetches and decodes one site-day chunk. A missing chunk yields an
// empty slice, not an error: absent days are normal for sparse data.
func ReadDay(ctx context.Context, store Store, site, day string) ([]models.Sample, error) {
	body, err := store.Get(ctx, ObjectKey(site, day))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read chunk %s/%s: %w", site, day, err)
	}
	samples, err := chunk.Decode(site, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("decode chunk %s/%s: %w", site, day, err)
	}
	return samples, nil
}

// AppendDay merges incoming samples into the site-day chunk and rewrites it.
// Incoming samples win on (point, timestamp) collision, so the operation is
// idempotent: re-appending the same rows after a crash produces the same
// object. Returns the metadata of the rewritten chunk.
func AppendDay(ctx context.Context, store Store, site, day string, incoming []models.Sample) (models.ChunkMeta, error) {
	existing, err := ReadDay(ctx, store, site, day)
	if err != nil {
		return models.ChunkMeta{}, err
	}

	merged := chunk.Merge(existing, incoming)
	body, meta, err := chunk.Encode(merged)
	if err != nil {
		return models.ChunkMeta{}, fmt.Errorf("encode chunk %s/%s: %w", site, day, err)
	}
	if err := store.Put(ctx, ObjectKey(site, day), body, meta); err != nil {
		return models.ChunkMeta{}, fmt.Errorf("write chunk %s/%s: %w", site, day, err)
	}
	return meta, nil
}
