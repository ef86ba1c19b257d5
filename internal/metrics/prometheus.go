// Package metrics provides a Prometheus metrics registry for the
// translation proxy.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// translateproxy_inflight_requests
	inFlight prometheus.Gauge

	// translateproxy_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// translateproxy_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// translateproxy_cache_operations_total{op,result}
	cacheOps *prometheus.CounterVec

	// translateproxy_cache_size
	cacheSize prometheus.Gauge

	// translateproxy_dedup_coalesced_total
	dedupCoalesced prometheus.Counter

	// translateproxy_dedup_inflight
	dedupInflight prometheus.Gauge

	// translateproxy_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// translateproxy_authlimit_total{result}
	authLimitTotal *prometheus.CounterVec

	// translateproxy_authlimit_locked_clients
	authLimitLocked prometheus.Gauge

	// translateproxy_gate_inuse / translateproxy_gate_capacity
	gateInUse    prometheus.Gauge
	gateCapacity prometheus.Gauge

	// translateproxy_upstream_calls_total{outcome,mode}
	upstreamCalls *prometheus.CounterVec

	// translateproxy_upstream_call_duration_seconds{mode}
	upstreamDuration *prometheus.HistogramVec

	// translateproxy_parser_emissions_total
	parserEmissions prometheus.Counter

	// translateproxy_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "translateproxy_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the proxy",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "translateproxy_http_requests_total",
				Help: "Total number of HTTP requests handled by the proxy",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "translateproxy_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes cache + upstream)",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		cacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "translateproxy_cache_operations_total",
				Help: "Cache operations by type and result",
			},
			[]string{"op", "result"},
		),

		cacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "translateproxy_cache_size",
			Help: "Current number of entries held in the translation cache",
		}),

		dedupCoalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "translateproxy_dedup_coalesced_total",
			Help: "Total requests that were coalesced onto another in-flight request",
		}),

		dedupInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "translateproxy_dedup_inflight",
			Help: "Current number of fingerprints with an owned, in-flight upstream call",
		}),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "translateproxy_ratelimit_total",
				Help: "Rate limiter decisions",
			},
			[]string{"result"},
		),

		authLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "translateproxy_authlimit_total",
				Help: "Auth limiter decisions",
			},
			[]string{"result"},
		),

		authLimitLocked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "translateproxy_authlimit_locked_clients",
			Help: "Current number of clients under an active lockout",
		}),

		gateInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "translateproxy_gate_inuse",
			Help: "Current number of concurrency gate permits held",
		}),

		gateCapacity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "translateproxy_gate_capacity",
			Help: "Total concurrency gate permit capacity",
		}),

		upstreamCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "translateproxy_upstream_calls_total",
				Help: "Total upstream calls by outcome and mode",
			},
			[]string{"outcome", "mode"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "translateproxy_upstream_call_duration_seconds",
				Help:    "Upstream call duration in seconds",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"mode"},
		),

		parserEmissions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "translateproxy_parser_emissions_total",
			Help: "Total complete strings emitted by the streaming array parser",
		}),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "translateproxy_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.cacheOps,
		r.cacheSize,
		r.dedupCoalesced,
		r.dedupInflight,
		r.rateLimitTotal,
		r.authLimitTotal,
		r.authLimitLocked,
		r.gateInUse,
		r.gateCapacity,
		r.upstreamCalls,
		r.upstreamDuration,
		r.parserEmissions,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

func (r *Registry) CacheHit()    { r.cacheOps.WithLabelValues("get", "hit").Inc() }
func (r *Registry) CacheMiss()   { r.cacheOps.WithLabelValues("get", "miss").Inc() }
func (r *Registry) CacheTimeout() { r.cacheOps.WithLabelValues("get", "timeout").Inc() }
func (r *Registry) CacheSet()    { r.cacheOps.WithLabelValues("set", "ok").Inc() }
func (r *Registry) SetCacheSize(n int) { r.cacheSize.Set(float64(n)) }

func (r *Registry) RecordDedupCoalesced()  { r.dedupCoalesced.Inc() }
func (r *Registry) SetDedupInflight(n int) { r.dedupInflight.Set(float64(n)) }

func (r *Registry) RecordRateLimit(result string) { r.rateLimitTotal.WithLabelValues(result).Inc() }

func (r *Registry) RecordAuthLimit(result string) { r.authLimitTotal.WithLabelValues(result).Inc() }
func (r *Registry) SetAuthLocked(n int)            { r.authLimitLocked.Set(float64(n)) }

func (r *Registry) SetGateStats(inUse, capacity int64) {
	r.gateInUse.Set(float64(inUse))
	r.gateCapacity.Set(float64(capacity))
}

func (r *Registry) RecordUpstreamCall(outcome, mode string, dur time.Duration) {
	r.upstreamCalls.WithLabelValues(outcome, mode).Inc()
	r.upstreamDuration.WithLabelValues(mode).Observe(dur.Seconds())
}

func (r *Registry) RecordParserEmissions(n int) {
	if n > 0 {
		r.parserEmissions.Add(float64(n))
	}
}

func (r *Registry) SetBuildInfo(version string) {
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler      { return r.metricsHandler }
func (r *Registry) PromRegistry() *prometheus.Registry    { return r.reg }
