// Package chunk implements the cold-tier daily chunk codec: one gzip-compressed
// NDJSON object per (site, UTC day), one sample per line. The encoding is
// self-describing and supports streaming decode, so cold queries can filter
// rows without materializing the whole day.
package chunk

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"time"

	"github.com/klauspost/compress/gzip"

	"pointscan/internal/models"
)

// Ext is the object-key suffix for chunk objects.
const Ext = "ndjson.gz"

// row is the wire form of one sample inside a chunk. Timestamps are stored in
// milliseconds for compatibility with the upstream API payloads; internal
// second precision means ms values are always multiples of 1000.
type row struct {
	Point       string  `json:"point"`
	TimestampMS int64   `json:"timestamp_ms"`
	Value       float64 `json:"value"`
}

// Encode serializes samples into a compressed chunk body. Input is deduplicated
// on (point, timestamp), last occurrence wins, and sorted by (point, ts)
// so repeated encodes of the same set are byte-identical. Returns the body and
// its metadata.
func Encode(samples []models.Sample) ([]byte, models.ChunkMeta, error) {
	deduped := Dedup(samples)

	var raw bytes.Buffer
	enc := json.NewEncoder(&raw)
	for _, s := range deduped {
		if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
			return nil, models.ChunkMeta{}, fmt.Errorf("chunk encode: non-finite value for %s@%d", s.Point, s.Timestamp)
		}
		if err := enc.Encode(row{Point: s.Point, TimestampMS: s.Timestamp * 1000, Value: s.Value}); err != nil {
			return nil, models.ChunkMeta{}, fmt.Errorf("chunk encode: %w", err)
		}
	}

	var compressed bytes.Buffer
	gz := gzip.NewWriter(&compressed)
	if _, err := gz.Write(raw.Bytes()); err != nil {
		return nil, models.ChunkMeta{}, fmt.Errorf("chunk compress: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, models.ChunkMeta{}, fmt.Errorf("chunk compress close: %w", err)
	}

	meta := models.ChunkMeta{
		SampleCount:    len(deduped),
		CompressedSize: int64(compressed.Len()),
		OriginalSize:   int64(raw.Len()),
		CreatedAt:      time.Now().UTC(),
	}
	return compressed.Bytes(), meta, nil
}

// Decode reads a whole chunk body back into samples for the given site.
func Decode(site string, body io.Reader) ([]models.Sample, error) {
	var out []models.Sample
	err := DecodeFunc(site, body, func(s models.Sample) error {
		out = append(out, s)
		return nil
	})
	return out, err
}

// DecodeFunc stream-decodes a chunk body, invoking fn per sample. Cold queries
// use this to filter by point set and time range without buffering the day.
func DecodeFunc(site string, body io.Reader, fn func(models.Sample) error) error {
	gz, err := gzip.NewReader(body)
	if err != nil {
		return fmt.Errorf("chunk decompress: %w", err)
	}
	defer gz.Close()

	scanner := bufio.NewScanner(gz)
	// A single NDJSON line is one sample; 1 MB headroom covers any point name.
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		b := bytes.TrimSpace(scanner.Bytes())
		if len(b) == 0 {
			continue
		}
		var r row
		if err := json.Unmarshal(b, &r); err != nil {
			return fmt.Errorf("chunk decode line %d: %w", line, err)
		}
		s := models.Sample{
			Site:      site,
			Point:     r.Point,
			Timestamp: r.TimestampMS / 1000,
			Value:     r.Value,
		}
		if err := fn(s); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("chunk scan: %w", err)
	}
	return nil
}

// Dedup collapses duplicate (point, timestamp) keys, keeping the last
// occurrence, and returns the survivors sorted by (point, timestamp).
func Dedup(samples []models.Sample) []models.Sample {
	byKey := make(map[models.SampleKey]models.Sample, len(samples))
	for _, s := range samples {
		k := models.SampleKey{Point: s.Point, Timestamp: s.Timestamp}
		byKey[k] = s
	}
	out := make([]models.Sample, 0, len(byKey))
	for _, s := range byKey {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Point != out[j].Point {
			return out[i].Point < out[j].Point
		}
		return out[i].Timestamp < out[j].Timestamp
	})
	return out
}

// Merge combines an existing chunk's samples with incoming ones. Incoming
// samples win on key collision, which is what makes chunk writes idempotent:
// "append" at the logical level is read-merge-dedup-rewrite.
func Merge(existing, incoming []models.Sample) []models.Sample {
	combined := make([]models.Sample, 0, len(existing)+len(incoming))
	combined = append(combined, existing...)
	combined = append(combined, incoming...)
	return Dedup(combined)
}
