// Package ratelimit implements a per-client token bucket rate limiter.
//
// Unlike the managed deployment's Redis-backed sliding window, this bucket
// is process-local: each worker holds its own state and there is no
// cross-process synchronization, matching the core's non-goal of
// horizontal consistency between replicas.
package ratelimit

import (
	"sync"
	"time"
)

const defaultClientTTL = 10 * time.Minute

// bucket holds one client's token-bucket state.
type bucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	lastSeen   time.Time
}

// Limiter is a per-client token bucket rate limiter.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	rate     float64 // tokens per second
	burst    float64
	clientTTL time.Duration

	sinceGC int
}

// Options configures a Limiter.
type Options struct {
	RPM       int           // requests per minute; rate = RPM/60
	Burst     int           // bucket capacity
	ClientTTL time.Duration // idle duration after which a client's bucket is GC'd
}

// New creates a Limiter. Zero values fall back to reasonable defaults.
func New(opts Options) *Limiter {
	if opts.RPM <= 0 {
		opts.RPM = 60
	}
	if opts.Burst <= 0 {
		opts.Burst = opts.RPM
	}
	if opts.ClientTTL <= 0 {
		opts.ClientTTL = defaultClientTTL
	}
	return &Limiter{
		buckets:   make(map[string]*bucket),
		rate:      float64(opts.RPM) / 60.0,
		burst:     float64(opts.Burst),
		clientTTL: opts.ClientTTL,
	}
}

// Acquire attempts to consume one token for clientID. If a token is
// available it returns (true, 0); otherwise it returns (false, waitSeconds)
// — the time until one token accumulates at the configured rate.
//
// Concurrent Acquire calls for the same client are serialized by the
// client's own mutex; calls for different clients proceed independently.
func (l *Limiter) Acquire(clientID string) (allowed bool, waitSeconds float64) {
	b := l.getOrCreate(clientID)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens = min(l.burst, b.tokens+elapsed*l.rate)
	b.lastRefill = now
	b.lastSeen = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}

	deficit := 1 - b.tokens
	return false, deficit / l.rate
}

func (l *Limiter) getOrCreate(clientID string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.buckets[clientID]; ok {
		return b
	}

	b := &bucket{
		tokens:     l.burst,
		lastRefill: time.Now(),
		lastSeen:   time.Now(),
	}
	l.buckets[clientID] = b

	l.sinceGC++
	if l.sinceGC >= 256 {
		l.sinceGC = 0
		l.gcLocked()
	}

	return b
}

// gcLocked removes buckets idle for longer than clientTTL. Called with
// l.mu held, amortized to every 256th new-client insertion so GC never
// runs on the hot path of an existing client's request.
func (l *Limiter) gcLocked() {
	cutoff := time.Now().Add(-l.clientTTL)
	for id, b := range l.buckets {
		b.mu.Lock()
		stale := b.lastSeen.Before(cutoff)
		b.mu.Unlock()
		if stale {
			delete(l.buckets, id)
		}
	}
}

// ClientCount returns the number of tracked clients, for /stats.
func (l *Limiter) ClientCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
