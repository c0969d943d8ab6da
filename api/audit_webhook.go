package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	webhookQueueSize   = 1024
	webhookMaxAttempts = 3
	webhookUserAgent   = "mosquitto-auth-audit-webhook/1.0"
)

// webhookEvent is the JSON body forwarded for each audit record.
type webhookEvent struct {
	Event      string            `json:"event"`
	Outcome    string            `json:"outcome,omitempty"`
	RemoteAddr string            `json:"remote_addr,omitempty"`
	Timestamp  string            `json:"timestamp"`
	Attrs      map[string]string `json:"attrs,omitempty"`
}

// auditWebhook forwards audit events to an external collector. Handlers
// never wait on it: events go through a bounded queue and are dropped,
// and counted, once the queue is full.
type auditWebhook struct {
	url        string
	header     http.Header
	client     *http.Client
	events     chan webhookEvent
	retryDelay time.Duration
	logger     *slog.Logger
	dropped    atomic.Int64
	wg         sync.WaitGroup
}

// newAuditWebhook returns a running forwarder. extraHeader is an optional
// "Name: value" pair sent with every request, typically credentials.
func newAuditWebhook(url, extraHeader string, logger *slog.Logger) *auditWebhook {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "audit_webhook")
	header, err := webhookHeader(extraHeader)
	if err != nil {
		logger.Warn("ignoring webhook header", "error", err)
	}
	w := &auditWebhook{
		url:        url,
		header:     header,
		client:     &http.Client{Timeout: 10 * time.Second},
		events:     make(chan webhookEvent, webhookQueueSize),
		retryDelay: time.Second,
		logger:     logger,
	}
	w.start()
	return w
}

// webhookHeader builds the fixed request headers. A malformed extra pair
// is reported and left out; the defaults are always returned.
func webhookHeader(extra string) (http.Header, error) {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("User-Agent", webhookUserAgent)
	if strings.TrimSpace(extra) == "" {
		return h, nil
	}
	name, value, ok := strings.Cut(extra, ":")
	name = strings.TrimSpace(name)
	if !ok || name == "" || strings.ContainsAny(name, " \t") {
		return h, fmt.Errorf("expected \"Name: value\", got %q", extra)
	}
	h.Set(name, strings.TrimSpace(value))
	return h, nil
}

func (w *auditWebhook) start() {
	w.wg.Add(1)
	go w.run()
}

func (w *auditWebhook) enqueue(evt webhookEvent) {
	select {
	case w.events <- evt:
	default:
		w.dropped.Add(1)
		w.logger.Warn("queue full, dropping event", "event", evt.Event)
	}
}

// close stops accepting events and returns once the queue has drained.
func (w *auditWebhook) close() {
	close(w.events)
	w.wg.Wait()
	if n := w.dropped.Load(); n > 0 {
		w.logger.Warn("events dropped while the queue was full", "count", n)
	}
}

func (w *auditWebhook) run() {
	defer w.wg.Done()
	for evt := range w.events {
		w.deliver(evt)
	}
}

// deliver makes up to webhookMaxAttempts attempts, doubling the pause
// between them. Only transport failures and 5xx answers are retried.
func (w *auditWebhook) deliver(evt webhookEvent) {
	body, err := json.Marshal(evt)
	if err != nil {
		w.logger.Warn("encoding event", "event", evt.Event, "error", err)
		return
	}
	delay := w.retryDelay
	for attempt := 1; attempt <= webhookMaxAttempts; attempt++ {
		retry, err := w.post(body)
		if err == nil {
			return
		}
		log := w.logger.With("event", evt.Event, "attempt", attempt, "error", err)
		if !retry {
			log.Warn("delivery rejected")
			return
		}
		if attempt == webhookMaxAttempts {
			log.Warn("giving up on delivery")
			return
		}
		log.Debug("delivery failed, retrying", "delay", delay)
		time.Sleep(delay)
		delay *= 2
	}
}

// post sends one request. retry reports whether a failure is worth another
// attempt.
func (w *auditWebhook) post(body []byte) (retry bool, err error) {
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	for k, v := range w.header {
		req.Header[k] = v
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return true, err
	}
	resp.Body.Close()
	switch {
	case resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode >= 500:
		return true, fmt.Errorf("collector answered %s", resp.Status)
	default:
		return false, fmt.Errorf("collector answered %s", resp.Status)
	}
}
