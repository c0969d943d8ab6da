package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/mqttadmin/mosquitto-auth/passwd"
	"github.com/mqttadmin/mosquitto-auth/pki"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeInternalError logs err and answers 500 with a generic message. The
// reason names the failure class without leaking paths or tool output.
func (a *API) writeInternalError(w http.ResponseWriter, r *http.Request, err error, reason string) {
	a.logger.LogAttrs(r.Context(), slog.LevelError, "request failed",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal server error", Reason: reason})
}

func (a *API) mapError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, passwd.ErrValidation), errors.Is(err, pki.ErrValidation):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, passwd.ErrNotFound), errors.Is(err, pki.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, passwd.ErrAlreadyExists), errors.Is(err, pki.ErrAlreadyInitialized):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, pki.ErrCAPartial):
		writeError(w, http.StatusPreconditionFailed, err.Error())
	case errors.Is(err, pki.ErrSigningTimeout), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "operation timed out")
	case errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, "request cancelled")
	case errors.Is(err, pki.ErrCAFilesMissing):
		a.writeInternalError(w, r, err, "CA files missing")
	case errors.Is(err, pki.ErrToolInvocation):
		a.writeInternalError(w, r, err, "certificate tool failed")
	case errors.Is(err, pki.ErrSigning):
		a.writeInternalError(w, r, err, "signing failed")
	case errors.Is(err, passwd.ErrParse), errors.Is(err, pki.ErrParse):
		a.writeInternalError(w, r, err, "stored data is malformed")
	case errors.Is(err, passwd.ErrStorage), errors.Is(err, pki.ErrStorage):
		a.writeInternalError(w, r, err, "storage failure")
	default:
		a.writeInternalError(w, r, err, "unexpected error")
	}
}

// decodeJSON reads a single JSON document from the request body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if dec.More() {
		return errors.New("request body must contain a single JSON document")
	}
	return nil
}
