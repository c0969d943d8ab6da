package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type alertSink struct {
	mu     sync.Mutex
	alerts []AlertEvent
}

func (s *alertSink) fn(e AlertEvent) {
	s.mu.Lock()
	s.alerts = append(s.alerts, e)
	s.mu.Unlock()
}

func (s *alertSink) snapshot() []AlertEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AlertEvent(nil), s.alerts...)
}

func TestAuthFailureSpikeAlert(t *testing.T) {
	var sink alertSink
	collector := newMetricsCollector(sink.fn)
	collector.authThreshold = 5

	for i := 0; i < 4; i++ {
		collector.recordEvent(AuditAuthFailure)
	}
	assert.Empty(t, sink.snapshot(), "no alert below threshold")

	collector.recordEvent(AuditAuthFailure)
	alerts := sink.snapshot()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertAuthFailureSpike, alerts[0].Type)
	assert.Equal(t, 5, alerts[0].Count)
	assert.Equal(t, 5, alerts[0].Threshold)
}

func TestBundleExportAlert(t *testing.T) {
	var sink alertSink
	collector := newMetricsCollector(sink.fn)
	collector.exportThreshold = 3

	collector.recordEvent(AuditClientBundleExported)
	collector.recordEvent(AuditClientBundleExported)
	assert.Empty(t, sink.snapshot())

	collector.recordEvent(AuditClientBundleExported)
	alerts := sink.snapshot()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertBundleExport, alerts[0].Type)
}

func TestMetricsIgnoresOtherEvents(t *testing.T) {
	var sink alertSink
	collector := newMetricsCollector(sink.fn)
	collector.authThreshold = 1
	collector.exportThreshold = 1

	collector.recordEvent(AuditUserAdded)
	collector.recordEvent(AuditCAGenerated)
	assert.Empty(t, sink.snapshot())
}

func TestMetricsNilSafe(t *testing.T) {
	newMetricsCollector(nil).recordEvent(AuditAuthFailure)

	var collector *metricsCollector
	collector.recordEvent(AuditAuthFailure)

	var p *promMetrics
	p.event(AuditUserAdded, "success")
	p.reload("failure")
}

func TestMetricsSlidingWindowExpiry(t *testing.T) {
	var sink alertSink
	collector := newMetricsCollector(sink.fn)
	collector.authThreshold = 5
	collector.authWindow = 100 * time.Millisecond

	for i := 0; i < 4; i++ {
		collector.recordEvent(AuditAuthFailure)
	}
	time.Sleep(150 * time.Millisecond)

	collector.recordEvent(AuditAuthFailure)
	assert.Empty(t, sink.snapshot(), "old failures should not count after window expiry")
}

func TestMetricsResetAfterAlert(t *testing.T) {
	var sink alertSink
	collector := newMetricsCollector(sink.fn)
	collector.authThreshold = 3

	for i := 0; i < 3; i++ {
		collector.recordEvent(AuditAuthFailure)
	}
	require.Len(t, sink.snapshot(), 1)

	collector.recordEvent(AuditAuthFailure)
	collector.recordEvent(AuditAuthFailure)
	assert.Len(t, sink.snapshot(), 1, "no second alert yet")

	collector.recordEvent(AuditAuthFailure)
	assert.Len(t, sink.snapshot(), 2)
}

func TestTrimWindow(t *testing.T) {
	now := time.Now()
	times := []time.Time{now.Add(-3 * time.Minute), now.Add(-30 * time.Second), now}
	assert.Len(t, trimWindow(times, now, time.Minute), 2)
	assert.Empty(t, trimWindow(nil, now, time.Minute))
}

func TestPromInstrumentUsesRoutePattern(t *testing.T) {
	p := newPromMetrics()
	r := chi.NewRouter()
	r.Use(p.instrument)
	r.Get("/users/{username}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	req := httptest.NewRequest(http.MethodGet, "/users/alice", nil)
	r.ServeHTTP(httptest.NewRecorder(), req)
	p.event(AuditUserAdded, "success")
	p.reload("failure")

	rec := httptest.NewRecorder()
	p.handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	out := string(body)

	assert.Contains(t, out, `mosquitto_auth_http_requests_total{code="404",method="GET",route="/users/{username}"} 1`)
	assert.Contains(t, out, `mosquitto_auth_audit_events_total{event="user_added",outcome="success"} 1`)
	assert.Contains(t, out, `mosquitto_auth_broker_reloads_total{result="failure"} 1`)
	assert.False(t, strings.Contains(out, "/users/alice"), "raw paths must not become labels")
}
