// Package coordination is the small shared state store the four worker roles
// coordinate through: ETL watermarks and leases, backfill job snapshots,
// bounded operator error logs, archival records, and the persisted side of the
// query cache. All access is per-key atomic get/put; no multi-key transactions.
package coordination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"pointscan/internal/models"
)

// ErrNotFound is returned when a key has no value.
var ErrNotFound = errors.New("coordination: not found")

const (
	errorLogMax = 50
	errorLogTTL = 7 * 24 * time.Hour
)

// Store wraps the Redis coordination keyspace.
type Store struct {
	rdb *redis.Client
}

// NewStore connects to Redis using a redis:// URL.
func NewStore(redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("coordination: parse redis url: %w", err)
	}
	return &Store{rdb: redis.NewClient(opts)}, nil
}

// NewStoreFromClient wraps an existing client (tests use miniredis here).
func NewStoreFromClient(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

// --- ETL sync state ---

func watermarkKey(site string) string { return "etl:" + site + ":last_sync_ts" }
func errorsKey(site string) string    { return "etl:" + site + ":errors" }
func successKey(site string) string   { return "etl:" + site + ":last_success" }

// Watermark returns the last successfully-ingested upstream timestamp for a
// site, or 0 when the site has never synced.
func (s *Store) Watermark(ctx context.Context, site string) (int64, error) {
	v, err := s.rdb.Get(ctx, watermarkKey(site)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("coordination: get watermark %s: %w", site, err)
	}
	ts, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("coordination: malformed watermark %s=%q", site, v)
	}
	return ts, nil
}

// AdvanceWatermark commits a new watermark. The watermark is monotonically
// non-decreasing: an older value is ignored, not an error. The per-site sync
// lease serializes writers, so read-compare-write is sufficient here.
func (s *Store) AdvanceWatermark(ctx context.Context, site string, ts int64) error {
	current, err := s.Watermark(ctx, site)
	if err != nil {
		return err
	}
	if ts <= current {
		return nil
	}
	if err := s.rdb.Set(ctx, watermarkKey(site), strconv.FormatInt(ts, 10), 0).Err(); err != nil {
		return fmt.Errorf("coordination: set watermark %s: %w", site, err)
	}
	return nil
}

// MarkSyncSuccess records the wall-clock time of the last successful sync,
// independent of whether the watermark moved (empty confirmed windows).
func (s *Store) MarkSyncSuccess(ctx context.Context, site string, at time.Time) error {
	return s.rdb.Set(ctx, successKey(site), strconv.FormatInt(at.Unix(), 10), 0).Err()
}

// LastSyncSuccess returns the time of the last successful sync, zero if never.
func (s *Store) LastSyncSuccess(ctx context.Context, site string) (time.Time, error) {
	v, err := s.rdb.Get(ctx, successKey(site)).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	sec, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}

// AppendError pushes a diagnostic line onto a site's bounded, TTL-expiring
// error log.
func (s *Store) AppendError(ctx context.Context, site, msg string) error {
	key := errorsKey(site)
	line := time.Now().UTC().Format(time.RFC3339) + " " + msg
	pipe := s.rdb.TxPipeline()
	pipe.LPush(ctx, key, line)
	pipe.LTrim(ctx, key, 0, errorLogMax-1)
	pipe.Expire(ctx, key, errorLogTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// RecentErrors returns up to n most-recent error lines for a site.
func (s *Store) RecentErrors(ctx context.Context, site string, n int) ([]string, error) {
	if n <= 0 || n > errorLogMax {
		n = errorLogMax
	}
	lines, err := s.rdb.LRange(ctx, errorsKey(site), 0, int64(n-1)).Result()
	if err != nil {
		return nil, err
	}
	return lines, nil
}

// --- Leases ---

// AcquireLease takes a named lease for ttl. Returns false when another holder
// is active. Used to suppress overlapping ETL ticks per site.
func (s *Store) AcquireLease(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, "lease:"+name, time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("coordination: acquire lease %s: %w", name, err)
	}
	return ok, nil
}

// ReleaseLease drops a lease early. Expiry handles crashed holders.
func (s *Store) ReleaseLease(ctx context.Context, name string) error {
	return s.rdb.Del(ctx, "lease:"+name).Err()
}

// --- Backfill jobs ---

func backfillKey(jobID string) string { return "backfill:" + jobID + ":state" }

const backfillIndexKey = "backfill:jobs"

// SaveBackfillState writes the full job snapshot atomically.
func (s *Store) SaveBackfillState(ctx context.Context, state *models.BackfillState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("coordination: marshal backfill state: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, backfillKey(state.JobID), payload, 0)
	pipe.SAdd(ctx, backfillIndexKey, state.JobID)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("coordination: save backfill state %s: %w", state.JobID, err)
	}
	return nil
}

// LoadBackfillState reads a job snapshot. ErrNotFound for unknown jobs.
func (s *Store) LoadBackfillState(ctx context.Context, jobID string) (*models.BackfillState, error) {
	v, err := s.rdb.Get(ctx, backfillKey(jobID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("coordination: load backfill state %s: %w", jobID, err)
	}
	var state models.BackfillState
	if err := json.Unmarshal(v, &state); err != nil {
		return nil, fmt.Errorf("coordination: unmarshal backfill state %s: %w", jobID, err)
	}
	if state.CompletedDates == nil {
		state.CompletedDates = map[string]bool{}
	}
	return &state, nil
}

// ListBackfillJobs returns all known job IDs.
func (s *Store) ListBackfillJobs(ctx context.Context) ([]string, error) {
	return s.rdb.SMembers(ctx, backfillIndexKey).Result()
}

// --- Query cache (persisted side) ---

func cacheKey(hash string) string { return "query:cache:" + hash }

// CacheGet fetches a cached query payload. ErrNotFound on miss or expiry.
func (s *Store) CacheGet(ctx context.Context, hash string) ([]byte, error) {
	v, err := s.rdb.Get(ctx, cacheKey(hash)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("coordination: cache get: %w", err)
	}
	return v, nil
}

// CacheSet stores a query payload under its hash with a TTL.
func (s *Store) CacheSet(ctx context.Context, hash string, payload []byte, ttl time.Duration) error {
	return s.rdb.Set(ctx, cacheKey(hash), payload, ttl).Err()
}

// --- Archival records ---

func archivalKey(site string) string { return "archival:" + site + ":records" }

// RecordArchival keeps the most recent per-day archival records for /status.
func (s *Store) RecordArchival(ctx context.Context, rec models.ArchivalRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	key := archivalKey(rec.Site)
	pipe := s.rdb.TxPipeline()
	pipe.LPush(ctx, key, payload)
	pipe.LTrim(ctx, key, 0, 29)
	_, err = pipe.Exec(ctx)
	return err
}

// ArchivalRecords returns the retained records for a site, newest first.
func (s *Store) ArchivalRecords(ctx context.Context, site string) ([]models.ArchivalRecord, error) {
	lines, err := s.rdb.LRange(ctx, archivalKey(site), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.ArchivalRecord, 0, len(lines))
	for _, line := range lines {
		var rec models.ArchivalRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
