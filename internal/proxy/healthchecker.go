package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/n1ml03/translateproxy/internal/metrics"
)

const healthProbeInterval = 30 * time.Second
const healthProbeTimeout = 5 * time.Second

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string // "ok" | "degraded" | "down"
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return "unknown"
	}
	return s.status
}

// HealthChecker runs background probes of the proxy's own dependencies.
// There is no fixed upstream to probe: target_endpoint is supplied
// per-request by the caller, not configured ahead of time.
type HealthChecker struct {
	cacheReady func() bool
	dbReady    func() bool
	baseCtx    context.Context
	metrics    *metrics.Registry
	instanceID string

	cacheStatus componentStatus
	dbStatus    componentStatus

	startTime time.Time
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewHealthChecker creates a HealthChecker and immediately starts background
// probes. dbReady may be nil when analytics is disabled.
func NewHealthChecker(
	ctx context.Context,
	instanceID string,
	cacheReady func() bool,
	dbReady func() bool,
	met *metrics.Registry,
) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	hc := &HealthChecker{
		cacheReady: cacheReady,
		dbReady:    dbReady,
		instanceID: instanceID,
		startTime:  time.Now(),
		done:       make(chan struct{}),
		baseCtx:    ctx,
		metrics:    met,
	}

	// Run first probe synchronously so health is not "unknown" immediately.
	hc.probe()

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// HealthSnapshot is the body of GET /health.
type HealthSnapshot struct {
	Status     string `json:"status"`
	InstanceID string `json:"instance_id"`
	Uptime     int64  `json:"uptime_seconds"`
	Cache      string `json:"cache"`
	Analytics  string `json:"analytics,omitempty"`
}

// Snapshot builds a snapshot from the latest probe results.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	overall := "ok"

	cache := hc.cacheStatus.get()
	if cache != "ok" {
		overall = "degraded"
	}

	var analytics string
	if hc.dbReady != nil {
		analytics = hc.dbStatus.get()
		if analytics == "down" {
			overall = "degraded"
		}
	}

	return HealthSnapshot{
		Status:     overall,
		InstanceID: hc.instanceID,
		Uptime:     int64(time.Since(hc.startTime).Seconds()),
		Cache:      cache,
		Analytics:  analytics,
	}
}

// ReadinessOK reports whether the cache and (if configured) analytics sink
// are reachable.
func (hc *HealthChecker) ReadinessOK() bool {
	if hc.cacheStatus.get() != "ok" {
		return false
	}
	if hc.dbReady != nil && hc.dbStatus.get() != "ok" {
		return false
	}
	return true
}

// Close stops the background probe goroutine.
func (hc *HealthChecker) Close() {
	close(hc.done)
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	_, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if hc.cacheReady == nil || hc.cacheReady() {
			hc.cacheStatus.set("ok")
		} else {
			hc.cacheStatus.set("degraded")
		}
	}()

	if hc.dbReady != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if hc.dbReady() {
				hc.dbStatus.set("ok")
			} else {
				hc.dbStatus.set("down")
			}
		}()
	}

	wg.Wait()
}
