package proxy

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/n1ml03/translateproxy/internal/authlimit"
	"github.com/n1ml03/translateproxy/internal/cache"
	"github.com/n1ml03/translateproxy/internal/concurrency"
	"github.com/n1ml03/translateproxy/internal/dedup"
	"github.com/n1ml03/translateproxy/internal/ratelimit"
	"github.com/n1ml03/translateproxy/internal/upstream"
)

func newTestServer(t *testing.T) (*http.Client, func()) {
	t.Helper()
	p := newTestPipeline(t)
	hc := NewHealthChecker(context.Background(), "inst-1", func() bool { return true }, nil, nil)
	s := NewServer(p, hc, "inst-1", nil)

	ln := fasthttputil.NewInmemoryListener()
	go func() {
		_ = fasthttp.Serve(ln, s.Handler(nil))
	}()

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
	return client, func() { ln.Close(); hc.Close() }
}

func TestServer_HealthRoute(t *testing.T) {
	client, cleanup := newTestServer(t)
	defer cleanup()

	resp, err := client.Get("http://test/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Instance-ID") != "inst-1" {
		t.Errorf("expected X-Instance-ID header, got %q", resp.Header.Get("X-Instance-ID"))
	}

	var snap HealthSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if snap.Status != "ok" {
		t.Errorf("expected status=ok, got %s", snap.Status)
	}
}

func TestServer_StatsRoute(t *testing.T) {
	client, cleanup := newTestServer(t)
	defer cleanup()

	resp, err := client.Get("http://test/stats")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var stats PipelineStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
}

func TestServer_HeadTranslate(t *testing.T) {
	client, cleanup := newTestServer(t)
	defer cleanup()

	resp, err := client.Head("http://test/proxy/translate")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Instance-ID") == "" {
		t.Error("expected X-Instance-ID header on HEAD")
	}
}

func TestServer_ReadinessUnavailable(t *testing.T) {
	c, err := cache.New(cache.Options{MaxSize: 10, TTL: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	p := NewPipeline(PipelineOptions{
		Cache:     c,
		Dedup:     dedup.New(true),
		RateLimit: ratelimit.New(ratelimit.Options{RPM: 60, Burst: 10}),
		AuthLimit: authlimit.New(authlimit.Options{MaxAttempts: 5}),
		Gate:      concurrency.New(2),
		Upstream:  upstream.New(upstream.Options{}),
	})
	hc := NewHealthChecker(context.Background(), "inst-1", func() bool { return false }, nil, nil)
	defer hc.Close()
	s := NewServer(p, hc, "inst-1", nil)

	ctx := &fasthttp.RequestCtx{}
	s.handleReadiness(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", ctx.Response.StatusCode())
	}
}
