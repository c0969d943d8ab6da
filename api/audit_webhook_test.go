package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWebhook(url, header string) *auditWebhook {
	wh := newAuditWebhook(url, header, nil)
	wh.retryDelay = 10 * time.Millisecond
	return wh
}

func TestWebhook_SuccessfulDelivery(t *testing.T) {
	var received webhookEvent
	var mu sync.Mutex

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &received)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := newTestWebhook(srv.URL, "")
	wh.enqueue(webhookEvent{
		Event:      "user_added",
		Outcome:    "success",
		RemoteAddr: "127.0.0.1:1234",
		Timestamp:  "2026-01-01T00:00:00Z",
		Attrs:      map[string]string{"target": "sensor_01"},
	})
	wh.close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "user_added", received.Event)
	assert.Equal(t, "success", received.Outcome)
	assert.Equal(t, "127.0.0.1:1234", received.RemoteAddr)
	assert.Equal(t, "sensor_01", received.Attrs["target"])
}

func TestWebhook_RetryOn500(t *testing.T) {
	var attempts atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := newTestWebhook(srv.URL, "")
	wh.enqueue(webhookEvent{Event: "test_event", Timestamp: "2026-01-01T00:00:00Z"})
	wh.close()

	assert.Equal(t, int32(2), attempts.Load(), "should have retried once after 500")
}

func TestWebhook_NoRetryOn400(t *testing.T) {
	var attempts atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	wh := newTestWebhook(srv.URL, "")
	wh.enqueue(webhookEvent{Event: "test_event", Timestamp: "2026-01-01T00:00:00Z"})
	wh.close()

	assert.Equal(t, int32(1), attempts.Load(), "should not retry on 4xx")
}

func TestWebhook_AuthHeader(t *testing.T) {
	var gotAuth, gotType string
	var mu sync.Mutex

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := newTestWebhook(srv.URL, "Authorization: Bearer my-token-123")
	wh.enqueue(webhookEvent{Event: "test_event", Timestamp: "2026-01-01T00:00:00Z"})
	wh.close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "Bearer my-token-123", gotAuth)
	assert.Equal(t, "application/json", gotType)
}

func TestWebhook_QueueFullDropsAndCounts(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	header, err := webhookHeader("")
	require.NoError(t, err)
	wh := &auditWebhook{
		url:        srv.URL,
		header:     header,
		client:     &http.Client{Timeout: 50 * time.Millisecond},
		events:     make(chan webhookEvent, 2),
		retryDelay: time.Millisecond,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	wh.start()

	done := make(chan struct{})
	go func() {
		for range 10 {
			wh.enqueue(webhookEvent{Event: "flood", Timestamp: "2026-01-01T00:00:00Z"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("enqueue blocked on a full queue")
	}
	assert.Positive(t, wh.dropped.Load())
	wh.close()
}

func TestWebhook_GivesUpAfterMaxAttempts(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	wh := newTestWebhook(srv.URL, "")
	wh.enqueue(webhookEvent{Event: "user_deleted", Timestamp: "2026-01-01T00:00:00Z"})
	wh.close()

	assert.Equal(t, int32(webhookMaxAttempts), attempts.Load())
}

func TestWebhookHeader(t *testing.T) {
	h, err := webhookHeader("X-Collector-Token:  abc ")
	require.NoError(t, err)
	assert.Equal(t, "abc", h.Get("X-Collector-Token"))
	assert.Equal(t, webhookUserAgent, h.Get("User-Agent"))

	for _, bad := range []string{"no-colon", ": value", "Bad Name: v"} {
		h, err := webhookHeader(bad)
		assert.Error(t, err, bad)
		assert.Equal(t, "application/json", h.Get("Content-Type"), bad)
		assert.Len(t, h, 2, bad)
	}
}

func TestWebhook_GracefulShutdownDrains(t *testing.T) {
	var count atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := newTestWebhook(srv.URL, "")
	for range 5 {
		wh.enqueue(webhookEvent{Event: "drain_test", Timestamp: "2026-01-01T00:00:00Z"})
	}
	wh.close()

	assert.Equal(t, int32(5), count.Load(), "all queued events should be delivered on close")
}

func TestWebhook_JSONPayloadStructure(t *testing.T) {
	var body []byte
	var mu sync.Mutex

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		body, _ = io.ReadAll(r.Body)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := newTestWebhook(srv.URL, "")
	wh.enqueue(webhookEvent{
		Event:      "client_bundle_exported",
		Outcome:    "success",
		RemoteAddr: "10.0.0.1:5555",
		Timestamp:  "2026-06-15T12:00:00Z",
		Attrs:      map[string]string{"target": "sensor_01"},
	})
	wh.close()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, body)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(body, &parsed))
	assert.Equal(t, "client_bundle_exported", parsed["event"])
	assert.Equal(t, "success", parsed["outcome"])
	assert.Equal(t, "10.0.0.1:5555", parsed["remote_addr"])
	assert.Equal(t, "2026-06-15T12:00:00Z", parsed["timestamp"])

	attrs, ok := parsed["attrs"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "sensor_01", attrs["target"])
}
