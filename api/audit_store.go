package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/mqttadmin/mosquitto-auth/storage"
)

const ledgerWriteTimeout = 5 * time.Second

// audited records the outcome of a mutation in the audit log and, when a
// ledger is configured, appends it to the hash-chained ledger. Ledger
// failures are logged and never change the HTTP response.
func (a *API) audited(r *http.Request, event AuditEvent, target string, err error, extra ...slog.Attr) {
	outcome := storage.OutcomeSuccess
	detail := ""
	attrs := append([]slog.Attr{slog.String("target", target)}, extra...)
	if err != nil {
		outcome = storage.OutcomeFailure
		detail = err.Error()
		attrs = append(attrs, slog.String("reason", detail))
	}
	a.audit.log(event, r, outcome, attrs...)

	if a.ledger == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), ledgerWriteTimeout)
	defer cancel()
	_, lerr := a.ledger.Append(ctx, storage.Entry{
		Action:     string(event),
		Target:     target,
		Outcome:    outcome,
		Actor:      "api-key",
		RemoteAddr: a.extractClientIP(r),
		Detail:     detail,
	})
	if lerr != nil {
		a.logger.Error("audit ledger append failed", "event", string(event), "error", lerr)
	}
}

// ListAudit handles GET /audit.
func (a *API) ListAudit(w http.ResponseWriter, r *http.Request) {
	if a.ledger == nil {
		writeError(w, http.StatusNotFound, "audit ledger is not configured")
		return
	}
	page, err := parsePageQuery(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	total, err := a.ledger.Count(r.Context())
	if err != nil {
		a.writeInternalError(w, r, err, "audit ledger unavailable")
		return
	}
	entries, err := a.ledger.List(r.Context(), page.Offset, page.Limit)
	if err != nil {
		a.writeInternalError(w, r, err, "audit ledger unavailable")
		return
	}
	writeJSON(w, http.StatusOK, AuditResponse{
		Entries:        entries,
		PaginationMeta: page.meta(total, len(entries)),
	})
}
