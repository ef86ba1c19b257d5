// Package cache implements the bounded TTL+LRU translation cache keyed by
// request fingerprint.
package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/maypok86/otter/v2"
	"golang.org/x/sync/semaphore"
)

// entry is the cached value: the ordered translations plus the time they
// were inserted, so Get can enforce the TTL.
type entry struct {
	translations []string
	insertedAt   time.Time
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Size     int     `json:"size"`
	Hits     int64   `json:"hits"`
	Misses   int64   `json:"misses"`
	Timeouts int64   `json:"timeouts"`
	HitRate  float64 `json:"hit_rate"`
}

// TranslationCache is a bounded, TTL-expiring, LRU-ish store from request
// fingerprint to a completed translation array. Storage and eviction are
// delegated to otter's W-TinyLFU cache, which approximates eviction by
// access recency and frequency rather than pure insertion-order LRU; this
// is an accepted substitution (see DESIGN.md) for the strict LRU-by-
// access-recency wording in the contract — both bound size and both treat
// `get` as an access that protects an entry from eviction.
//
// A single exclusive semaphore gives the bounded-wait "lock_timeout"
// contract: an acquisition that does not complete within the configured
// timeout is treated as a cache miss (get) or a silently dropped write
// (put), never as a stall on the request path.
type TranslationCache struct {
	store       *otter.Cache[string, entry]
	lock        *semaphore.Weighted
	lockTimeout time.Duration
	ttl         time.Duration
	exclusions  *ExclusionList

	hits     int64
	misses   int64
	timeouts int64
}

// Options configures a TranslationCache.
type Options struct {
	MaxSize     int
	TTL         time.Duration
	LockTimeout time.Duration
	Exclusions  *ExclusionList
}

// New creates a TranslationCache bounded at opts.MaxSize entries, expiring
// entries after opts.TTL.
func New(opts Options) (*TranslationCache, error) {
	if opts.MaxSize <= 0 {
		opts.MaxSize = 1000
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 50 * time.Millisecond
	}

	store, err := otter.New[string, entry](&otter.Options[string, entry]{
		MaximumSize:      opts.MaxSize,
		ExpiryCalculator: otter.ExpiryWriting[string, entry](opts.TTL),
	})
	if err != nil {
		return nil, err
	}

	return &TranslationCache{
		store:       store,
		lock:        semaphore.NewWeighted(1),
		lockTimeout: opts.LockTimeout,
		ttl:         opts.TTL,
		exclusions:  opts.Exclusions,
	}, nil
}

// Get looks up the fingerprint. It returns (translations, true) on a live
// hit, or (nil, false) for a miss, an expired entry, or a lock timeout.
func (c *TranslationCache) Get(fingerprint string) ([]string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), c.lockTimeout)
	defer cancel()

	if err := c.lock.Acquire(ctx, 1); err != nil {
		atomic.AddInt64(&c.timeouts, 1)
		return nil, false
	}
	defer c.lock.Release(1)

	e, ok := c.store.GetIfPresent(fingerprint)
	if !ok || time.Since(e.insertedAt) > c.ttl {
		if ok {
			c.store.Invalidate(fingerprint)
		}
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}

	atomic.AddInt64(&c.hits, 1)
	out := make([]string, len(e.translations))
	copy(out, e.translations)
	return out, true
}

// Put inserts or replaces the fingerprint's cached translations. It is a
// no-op, not an error, when the lock cannot be acquired within the
// configured timeout — cache writes never block the request path.
func (c *TranslationCache) Put(fingerprint string, translations []string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.lockTimeout)
	defer cancel()

	if err := c.lock.Acquire(ctx, 1); err != nil {
		atomic.AddInt64(&c.timeouts, 1)
		return
	}
	defer c.lock.Release(1)

	stored := make([]string, len(translations))
	copy(stored, translations)
	c.store.Set(fingerprint, entry{translations: stored, insertedAt: time.Now()})
}

// Excludes reports whether key matches the configured exclusion rules and
// should bypass the cache entirely. The pipeline passes the model name.
func (c *TranslationCache) Excludes(key string) bool {
	return c.exclusions.Matches(key)
}

// Stats returns a snapshot of cache counters.
func (c *TranslationCache) Stats() Stats {
	hits := atomic.LoadInt64(&c.hits)
	misses := atomic.LoadInt64(&c.misses)
	timeouts := atomic.LoadInt64(&c.timeouts)

	total := hits + misses
	rate := 0.0
	if total > 0 {
		rate = float64(hits) / float64(total)
	}

	return Stats{
		Size:     int(c.store.EstimatedSize()),
		Hits:     hits,
		Misses:   misses,
		Timeouts: timeouts,
		HitRate:  rate,
	}
}
