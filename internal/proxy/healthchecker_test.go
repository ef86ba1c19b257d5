package proxy

import (
	"context"
	"testing"
)

func TestHealthChecker_AllOK(t *testing.T) {
	hc := NewHealthChecker(context.Background(), "inst-1", func() bool { return true }, nil, nil)
	defer hc.Close()

	snap := hc.Snapshot()
	if snap.Status != "ok" {
		t.Errorf("expected status=ok, got %s", snap.Status)
	}
	if snap.InstanceID != "inst-1" {
		t.Errorf("expected instance_id=inst-1, got %s", snap.InstanceID)
	}
	if !hc.ReadinessOK() {
		t.Error("expected readiness ok")
	}
}

func TestHealthChecker_CacheDegraded(t *testing.T) {
	hc := NewHealthChecker(context.Background(), "inst-1", func() bool { return false }, nil, nil)
	defer hc.Close()

	snap := hc.Snapshot()
	if snap.Status != "degraded" {
		t.Errorf("expected status=degraded, got %s", snap.Status)
	}
	if hc.ReadinessOK() {
		t.Error("expected readiness not ok")
	}
}

func TestHealthChecker_AnalyticsDown(t *testing.T) {
	hc := NewHealthChecker(context.Background(), "inst-1", func() bool { return true }, func() bool { return false }, nil)
	defer hc.Close()

	snap := hc.Snapshot()
	if snap.Status != "degraded" {
		t.Errorf("expected status=degraded, got %s", snap.Status)
	}
	if snap.Analytics != "down" {
		t.Errorf("expected analytics=down, got %s", snap.Analytics)
	}
}

func TestHealthChecker_NilCacheReadyDefaultsOK(t *testing.T) {
	hc := NewHealthChecker(context.Background(), "inst-1", nil, nil, nil)
	defer hc.Close()

	if hc.Snapshot().Status != "ok" {
		t.Error("expected nil cacheReady to default to ok")
	}
}
