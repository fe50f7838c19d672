package query

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"pointscan/internal/coordination"
)

// Cache statuses surfaced in response metadata.
const (
	CacheHit      = "HIT"
	CacheMiss     = "MISS"
	CacheBypassed = "BYPASS"
)

// CacheKey is the stable hash over the query identity. Points are sorted so
// permutations of the same set share an entry.
func CacheKey(site string, points []string, start, end int64) string {
	sorted := make([]string, len(points))
	copy(sorted, points)
	sort.Strings(sorted)

	h := sha256.New()
	h.Write([]byte(site))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(sorted, "\x00")))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(start, 10)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(end, 10)))
	return hex.EncodeToString(h.Sum(nil))
}

// TTLForAge tiers the cache TTL by how old the queried data is. Old ranges are
// immutable once archived, so they can live long; recent ranges keep changing
// under ETL and expire fast.
func TTLForAge(now time.Time, end int64) time.Duration {
	age := now.Unix() - end
	switch {
	case age < 86400:
		return 5 * time.Minute
	case age < 7*86400:
		return 30 * time.Minute
	case age < 30*86400:
		return time.Hour
	default:
		return 24 * time.Hour
	}
}

type cacheEntry struct {
	payload   []byte
	expiresAt time.Time
}

// Cache is a two-level query cache: a bounded in-process LRU in front of the
// coordination store's query:cache keyspace. The local level saves the Redis
// round trip for hot keys; the persisted level is shared between replicas.
type Cache struct {
	local *lru.Cache[string, cacheEntry]
	coord *coordination.Store
	now   func() time.Time
}

func NewCache(coord *coordination.Store, maxEntries int) (*Cache, error) {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	local, err := lru.New[string, cacheEntry](maxEntries)
	if err != nil {
		return nil, err
	}
	return &Cache{local: local, coord: coord, now: time.Now}, nil
}

// Get returns the cached payload for a key, or nil on miss. Local entries past
// their TTL are evicted, not served.
func (c *Cache) Get(ctx context.Context, key string) []byte {
	if entry, ok := c.local.Get(key); ok {
		if c.now().Before(entry.expiresAt) {
			return entry.payload
		}
		c.local.Remove(key)
	}

	payload, err := c.coord.CacheGet(ctx, key)
	if errors.Is(err, coordination.ErrNotFound) {
		return nil
	}
	if err != nil {
		// A flaky coordination store degrades to recompute, never to failure.
		return nil
	}
	return payload
}

// Set writes through to both levels. The shared write is best effort; a local
// entry alone still serves this replica until its TTL.
func (c *Cache) Set(ctx context.Context, key string, payload []byte, ttl time.Duration) {
	c.local.Add(key, cacheEntry{payload: payload, expiresAt: c.now().Add(ttl)})
	_ = c.coord.CacheSet(ctx, key, payload, ttl)
}
