// Package authlimit implements the authentication-failure lockout tracker:
// a sliding-window failure counter per client with a transient lockout once
// the failure threshold is reached within the window.
//
// The shape is a per-key mutex-guarded state map, the same discipline a
// circuit breaker uses for per-target open/half-open state, adapted here to
// per-client failure windows with an explicit lockout expiry.
package authlimit

import (
	"sync"
	"time"
)

// clientWindow holds one client's recent failure timestamps and any active
// lockout.
type clientWindow struct {
	mu             sync.Mutex
	failures       []time.Time
	lockoutExpiry  time.Time // zero value means "not locked"
}

// Limiter tracks failure windows and lockouts per client.
type Limiter struct {
	mu      sync.Mutex
	clients map[string]*clientWindow

	maxAttempts    int
	windowSeconds  time.Duration
	lockoutSeconds time.Duration
}

// Options configures a Limiter.
type Options struct {
	MaxAttempts    int
	WindowSeconds  time.Duration
	LockoutSeconds time.Duration
}

// New creates a Limiter. Zero values fall back to reasonable defaults.
func New(opts Options) *Limiter {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.WindowSeconds <= 0 {
		opts.WindowSeconds = 5 * time.Minute
	}
	if opts.LockoutSeconds <= 0 {
		opts.LockoutSeconds = 5 * time.Minute
	}
	return &Limiter{
		clients:        make(map[string]*clientWindow),
		maxAttempts:    opts.MaxAttempts,
		windowSeconds:  opts.WindowSeconds,
		lockoutSeconds: opts.LockoutSeconds,
	}
}

// IsLocked reports whether clientID is currently locked out, and if so, how
// many seconds remain. An expired lockout is cleared as a side effect.
func (l *Limiter) IsLocked(clientID string) (locked bool, remainingSeconds float64) {
	cw := l.get(clientID)
	if cw == nil {
		return false, 0
	}

	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.lockoutExpiry.IsZero() {
		return false, 0
	}

	remaining := time.Until(cw.lockoutExpiry)
	if remaining <= 0 {
		cw.lockoutExpiry = time.Time{}
		return false, 0
	}
	return true, remaining.Seconds()
}

// RecordFailure appends a failure for clientID, pruning timestamps older
// than windowSeconds first. If the pruned-and-appended count reaches
// maxAttempts, it sets a lockout and returns (true, 0); otherwise it
// returns (false, attemptsLeft).
func (l *Limiter) RecordFailure(clientID string) (nowLocked bool, attemptsLeft int) {
	cw := l.getOrCreate(clientID)

	cw.mu.Lock()
	defer cw.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-l.windowSeconds)

	kept := cw.failures[:0]
	for _, ts := range cw.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	cw.failures = kept

	if len(cw.failures) >= l.maxAttempts {
		cw.lockoutExpiry = now.Add(l.lockoutSeconds)
		return true, 0
	}
	return false, l.maxAttempts - len(cw.failures)
}

// RecordSuccess clears clientID's failure history and any active lockout,
// so that transient typos do not accumulate forever.
func (l *Limiter) RecordSuccess(clientID string) {
	cw := l.get(clientID)
	if cw == nil {
		return
	}
	cw.mu.Lock()
	cw.failures = nil
	cw.lockoutExpiry = time.Time{}
	cw.mu.Unlock()
}

func (l *Limiter) get(clientID string) *clientWindow {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.clients[clientID]
}

func (l *Limiter) getOrCreate(clientID string) *clientWindow {
	l.mu.Lock()
	defer l.mu.Unlock()
	cw, ok := l.clients[clientID]
	if !ok {
		cw = &clientWindow{}
		l.clients[clientID] = cw
	}
	return cw
}

// LockedCount returns the number of clients currently under an active
// lockout, for /stats.
func (l *Limiter) LockedCount() int {
	l.mu.Lock()
	clients := make([]*clientWindow, 0, len(l.clients))
	for _, cw := range l.clients {
		clients = append(clients, cw)
	}
	l.mu.Unlock()

	now := time.Now()
	n := 0
	for _, cw := range clients {
		cw.mu.Lock()
		if !cw.lockoutExpiry.IsZero() && cw.lockoutExpiry.After(now) {
			n++
		}
		cw.mu.Unlock()
	}
	return n
}
