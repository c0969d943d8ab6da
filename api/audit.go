package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/mqttadmin/mosquitto-auth/storage"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditAuthFailure          AuditEvent = "auth_failure"
	AuditAuthRateLimited      AuditEvent = "auth_rate_limited"
	AuditUserAdded            AuditEvent = "user_added"
	AuditUsersBulkAdded       AuditEvent = "users_bulk_added"
	AuditUserPasswordChanged  AuditEvent = "user_password_changed"
	AuditUserDeleted          AuditEvent = "user_deleted"
	AuditCAGenerated          AuditEvent = "ca_generated"
	AuditCADeleted            AuditEvent = "ca_deleted"
	AuditBrokerGenerated      AuditEvent = "broker_cert_generated"
	AuditBrokerDeleted        AuditEvent = "broker_cert_deleted"
	AuditClientGenerated      AuditEvent = "client_cert_generated"
	AuditClientDeleted        AuditEvent = "client_cert_deleted"
	AuditClientBundleExported AuditEvent = "client_bundle_exported"
	AuditBrokerReloadFailed   AuditEvent = "broker_reload_failed"
)

// auditLogger wraps slog.Logger for structured security audit logging and
// fans each event out to the alert collector, Prometheus and the webhook.
type auditLogger struct {
	logger  *slog.Logger
	metrics *metricsCollector
	prom    *promMetrics
	webhook *auditWebhook
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

// log writes a structured audit log entry.
func (al *auditLogger) log(event AuditEvent, r *http.Request, outcome string, attrs ...slog.Attr) {
	ts := time.Now().UTC().Format(time.RFC3339)
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("outcome", outcome),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", ts),
	}
	baseAttrs = append(baseAttrs, attrs...)

	level := slog.LevelInfo
	if outcome == storage.OutcomeFailure {
		level = slog.LevelWarn
	}
	al.logger.LogAttrs(r.Context(), level, "audit", baseAttrs...)
	al.metrics.recordEvent(event)
	al.prom.event(event, outcome)

	if al.webhook != nil {
		evt := webhookEvent{
			Event:      string(event),
			Outcome:    outcome,
			RemoteAddr: r.RemoteAddr,
			Timestamp:  ts,
		}
		for _, a := range attrs {
			if evt.Attrs == nil {
				evt.Attrs = make(map[string]string, len(attrs))
			}
			evt.Attrs[a.Key] = a.Value.String()
		}
		al.webhook.enqueue(evt)
	}
}

// logFailure logs a failed or rejected request.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("reason", reason),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, storage.OutcomeFailure, attrs...)
}
