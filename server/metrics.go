package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus collectors. A nil *Metrics records
// nothing, so handlers call it unconditionally.
type Metrics struct {
	registry     *prometheus.Registry
	requests     *prometheus.HistogramVec
	tokensIssued *prometheus.CounterVec
	oauthErrors  *prometheus.CounterVec
	dpopProofs   *prometheus.CounterVec
}

// NewMetrics registers collectors on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lmsoauth",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		tokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lmsoauth",
			Name:      "tokens_issued_total",
			Help:      "Token responses issued by grant type and token type.",
		}, []string{"grant_type", "token_type"}),
		oauthErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lmsoauth",
			Name:      "oauth_errors_total",
			Help:      "OAuth error responses by endpoint and error code.",
		}, []string{"endpoint", "error"}),
		dpopProofs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lmsoauth",
			Name:      "dpop_proofs_total",
			Help:      "DPoP proofs seen by endpoint and result.",
		}, []string{"endpoint", "result"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests, m.tokensIssued, m.oauthErrors, m.dpopProofs,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObserveRequest(r *http.Request, status int, d time.Duration) {
	if m == nil {
		return
	}
	route := "unmatched"
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			route = p
		}
	}
	m.requests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Observe(d.Seconds())
}

func (m *Metrics) TokenIssued(grantType, tokenType string) {
	if m == nil {
		return
	}
	m.tokensIssued.WithLabelValues(grantType, tokenType).Inc()
}

func (m *Metrics) OAuthError(endpoint, code string) {
	if m == nil {
		return
	}
	m.oauthErrors.WithLabelValues(endpoint, code).Inc()
}

func (m *Metrics) DPoPProof(endpoint string, valid bool) {
	if m == nil {
		return
	}
	result := "valid"
	if !valid {
		result = "invalid"
	}
	m.dpopProofs.WithLabelValues(endpoint, result).Inc()
}
