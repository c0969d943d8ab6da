package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertAuthFailureSpike AlertType = "auth_failure_spike"
	AlertBundleExport     AlertType = "bundle_export_spike"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

// metricsCollector tracks sliding window counters for anomaly detection.
type metricsCollector struct {
	mu sync.Mutex

	authFailures  []time.Time
	authWindow    time.Duration
	authThreshold int

	// Client bundles carry private keys.
	exports         []time.Time
	exportWindow    time.Duration
	exportThreshold int

	alertFn AlertFunc
}

const (
	defaultAuthFailureWindow    = 1 * time.Minute
	defaultAuthFailureThreshold = 50
	defaultExportWindow         = 5 * time.Minute
	defaultExportThreshold      = 20
)

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		authWindow:      defaultAuthFailureWindow,
		authThreshold:   defaultAuthFailureThreshold,
		exportWindow:    defaultExportWindow,
		exportThreshold: defaultExportThreshold,
		alertFn:         alertFn,
	}
}

// recordEvent inspects an audit event and updates the relevant counters.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	switch event {
	case AuditAuthFailure:
		m.record(&m.authFailures, m.authWindow, m.authThreshold,
			AlertAuthFailureSpike, "API key failure rate exceeds threshold")
	case AuditClientBundleExported:
		m.record(&m.exports, m.exportWindow, m.exportThreshold,
			AlertBundleExport, "client bundle export rate exceeds threshold")
	}
}

func (m *metricsCollector) record(window *[]time.Time, span time.Duration, threshold int, typ AlertType, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	*window = trimWindow(append(*window, now), now, span)
	if len(*window) >= threshold {
		m.alertFn(AlertEvent{
			Type:      typ,
			Message:   msg,
			Count:     len(*window),
			Threshold: threshold,
			Timestamp: now,
		})
		// Reset to avoid repeated alerts within the same spike.
		*window = (*window)[:0]
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}

// promMetrics holds the Prometheus collectors exported on /metrics.
type promMetrics struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	events   *prometheus.CounterVec
	reloads  *prometheus.CounterVec
}

func newPromMetrics() *promMetrics {
	p := &promMetrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mosquitto_auth",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status code.",
		}, []string{"method", "route", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mosquitto_auth",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mosquitto_auth",
			Name:      "audit_events_total",
			Help:      "Audit events by type and outcome.",
		}, []string{"event", "outcome"}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mosquitto_auth",
			Name:      "broker_reloads_total",
			Help:      "Broker reload attempts by result.",
		}, []string{"result"}),
	}
	p.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		p.requests, p.duration, p.events, p.reloads,
	)
	return p
}

func (p *promMetrics) handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

func (p *promMetrics) event(event AuditEvent, outcome string) {
	if p == nil {
		return
	}
	p.events.WithLabelValues(string(event), outcome).Inc()
}

func (p *promMetrics) reload(result string) {
	if p == nil {
		return
	}
	p.reloads.WithLabelValues(result).Inc()
}

// instrument records request count and latency labelled with the chi
// route pattern rather than the raw path.
func (p *promMetrics) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		p.requests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		p.duration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
