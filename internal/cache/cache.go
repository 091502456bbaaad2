// Package cache implements the hub's two-level cache tier.
//
// The primary store is Redis, tuned with aggressive timeouts so a slow or
// dead Redis degrades to the in-process fallback instead of stalling the
// request path. The fallback is a bounded LRU with per-entry TTLs. On
// recovery the fallback stays warm; entries simply age out.
//
// Failure contract: no operation ever returns an error to a caller. A total
// failure reads as a cache miss and writes land in the fallback.
package cache

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// Namespaces with their default TTLs. Set calls with ttl=0 use these.
const (
	NSEnergy    = "energy"
	NSContext   = "context"
	NSRateLimit = "ratelimit"
	NSSession   = "session"
)

var defaultTTLs = map[string]time.Duration{
	NSEnergy:    60 * time.Second,
	NSContext:   15 * time.Minute,
	NSRateLimit: 5 * time.Minute,
	NSSession:   time.Hour,
}

const fallbackTTL = 5 * time.Minute

// Stats are cumulative counters for the tier.
type Stats struct {
	Hits         uint64 `json:"hits"`
	Misses       uint64 `json:"misses"`
	Errors       uint64 `json:"errors"`
	FallbackUses uint64 `json:"fallback_uses"`
	Bytes        uint64 `json:"bytes"`
}

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

// Tier is the two-level cache. Safe for concurrent use.
type Tier struct {
	redis    *redis.Client
	fallback *lru.Cache[string, memEntry]
	log      zerolog.Logger

	hits         atomic.Uint64
	misses       atomic.Uint64
	errors       atomic.Uint64
	fallbackUses atomic.Uint64
	bytes        atomic.Uint64
}

// New creates the tier. rdb may be nil (tests, degraded startup); the tier
// then runs purely on the in-process fallback.
func New(rdb *redis.Client, maxEntries int, logger zerolog.Logger) *Tier {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	fb, _ := lru.New[string, memEntry](maxEntries)
	return &Tier{
		redis:    rdb,
		fallback: fb,
		log:      logger.With().Str("component", "cache").Logger(),
	}
}

func fullKey(ns, key string) string {
	return ns + ":" + key
}

// TTLFor returns the effective TTL for a namespace.
func TTLFor(ns string, ttl time.Duration) time.Duration {
	if ttl > 0 {
		return ttl
	}
	if d, ok := defaultTTLs[ns]; ok {
		return d
	}
	return fallbackTTL
}

// Get returns the cached value and whether it was found.
func (t *Tier) Get(ctx context.Context, ns, key string) ([]byte, bool) {
	fk := fullKey(ns, key)

	if t.redis != nil {
		val, err := t.redis.Get(ctx, fk).Bytes()
		switch {
		case err == nil:
			t.hits.Add(1)
			return val, true
		case err == redis.Nil:
			// Definitive miss from the primary; do not fall through to a
			// possibly stale local copy.
			t.misses.Add(1)
			return nil, false
		default:
			t.errors.Add(1)
			t.log.Debug().Err(err).Str("key", fk).Msg("redis get failed, using fallback")
		}
	}

	t.fallbackUses.Add(1)
	entry, ok := t.fallback.Get(fk)
	if !ok || time.Now().After(entry.expiresAt) {
		if ok {
			t.fallback.Remove(fk)
		}
		t.misses.Add(1)
		return nil, false
	}
	t.hits.Add(1)
	return entry.value, true
}

// Set stores a value. ttl=0 uses the namespace default. Best-effort durable:
// a failed primary write lands in the fallback and still counts as success.
func (t *Tier) Set(ctx context.Context, ns, key string, value []byte, ttl time.Duration) {
	fk := fullKey(ns, key)
	effective := TTLFor(ns, ttl)
	t.bytes.Add(uint64(len(value)))

	if t.redis != nil {
		if err := t.redis.Set(ctx, fk, value, effective).Err(); err == nil {
			return
		}
		t.errors.Add(1)
	}

	t.fallbackUses.Add(1)
	t.fallback.Add(fk, memEntry{value: value, expiresAt: time.Now().Add(effective)})
}

// Delete removes a key from both levels.
func (t *Tier) Delete(ctx context.Context, ns, key string) {
	fk := fullKey(ns, key)
	if t.redis != nil {
		if err := t.redis.Del(ctx, fk).Err(); err != nil {
			t.errors.Add(1)
		}
	}
	t.fallback.Remove(fk)
}

// InvalidatePrefix removes every key in ns starting with prefix.
func (t *Tier) InvalidatePrefix(ctx context.Context, ns, prefix string) {
	pattern := fullKey(ns, prefix)

	if t.redis != nil {
		iter := t.redis.Scan(ctx, 0, pattern+"*", 200).Iterator()
		for iter.Next(ctx) {
			if err := t.redis.Del(ctx, iter.Val()).Err(); err != nil {
				t.errors.Add(1)
			}
		}
		if err := iter.Err(); err != nil {
			t.errors.Add(1)
		}
	}

	for _, k := range t.fallback.Keys() {
		if strings.HasPrefix(k, pattern) {
			t.fallback.Remove(k)
		}
	}
}

// Stats returns a snapshot of the tier counters.
func (t *Tier) Stats() Stats {
	return Stats{
		Hits:         t.hits.Load(),
		Misses:       t.misses.Load(),
		Errors:       t.errors.Load(),
		FallbackUses: t.fallbackUses.Load(),
		Bytes:        t.bytes.Load(),
	}
}

// Ping probes the primary store. Used by readiness checks only.
func (t *Tier) Ping(ctx context.Context) error {
	if t.redis == nil {
		return nil
	}
	return t.redis.Ping(ctx).Err()
}
