package cache

import (
	"testing"
	"time"
)

func newTestCache(t *testing.T, maxSize int, ttl time.Duration) *TranslationCache {
	t.Helper()
	c, err := New(Options{MaxSize: maxSize, TTL: ttl, LockTimeout: time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestTranslationCache_PutGetRoundTrip(t *testing.T) {
	c := newTestCache(t, 10, time.Minute)

	c.Put("fp1", []string{"Bonjour", "Monde"})

	got, ok := c.Get("fp1")
	if !ok {
		t.Fatal("expected hit")
	}
	if len(got) != 2 || got[0] != "Bonjour" || got[1] != "Monde" {
		t.Fatalf("unexpected value: %v", got)
	}
}

func TestTranslationCache_MissIsAbsent(t *testing.T) {
	c := newTestCache(t, 10, time.Minute)
	if _, ok := c.Get("missing"); ok {
		t.Fatal("expected miss")
	}
	stats := c.Stats()
	if stats.Misses != 1 {
		t.Fatalf("misses = %d, want 1", stats.Misses)
	}
}

func TestTranslationCache_PutReplacesLatestValue(t *testing.T) {
	c := newTestCache(t, 10, time.Minute)
	c.Put("fp1", []string{"v1"})
	c.Put("fp1", []string{"v2"})

	got, ok := c.Get("fp1")
	if !ok || got[0] != "v2" {
		t.Fatalf("got %v, want [v2]", got)
	}
}

func TestTranslationCache_ExpiredEntryNeverReturned(t *testing.T) {
	c := newTestCache(t, 10, 10*time.Millisecond)
	c.Put("fp1", []string{"v1"})

	time.Sleep(40 * time.Millisecond)

	if _, ok := c.Get("fp1"); ok {
		t.Fatal("expected expired entry to be absent")
	}
}

func TestTranslationCache_StatsHitRate(t *testing.T) {
	c := newTestCache(t, 10, time.Minute)
	c.Put("fp1", []string{"v1"})

	c.Get("fp1")  // hit
	c.Get("fp1")  // hit
	c.Get("fp2")  // miss

	stats := c.Stats()
	if stats.Hits != 2 || stats.Misses != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	want := 2.0 / 3.0
	if diff := stats.HitRate - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("hit rate = %v, want %v", stats.HitRate, want)
	}
}

func TestTranslationCache_ExcludesWithNilExclusions(t *testing.T) {
	c := newTestCache(t, 10, time.Minute)
	if c.Excludes("any-model") {
		t.Fatal("nil exclusions should never exclude")
	}
}

func TestTranslationCache_ExcludesHonorsConfiguredList(t *testing.T) {
	excl, err := NewExclusionList([]string{"no-cache-model"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	c, err := New(Options{MaxSize: 10, TTL: time.Minute, LockTimeout: time.Second, Exclusions: excl})
	if err != nil {
		t.Fatal(err)
	}
	if !c.Excludes("no-cache-model") {
		t.Fatal("expected model to be excluded")
	}
	if c.Excludes("other-model") {
		t.Fatal("other model should not be excluded")
	}
}
