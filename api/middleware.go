package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/mqttadmin/mosquitto-auth/internal/util"
)

// APIKeyHeader carries the shared administrative key.
const APIKeyHeader = "X-API-Key"

// RequireAPIKey rejects requests whose X-API-Key header does not match the
// configured key: 401 when absent, 403 when wrong, 429 while the client IP
// is locked out after repeated failures.
func (a *API) RequireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := a.extractClientIP(r)
		if blocked, retryAfter := a.limiter.check(ip); blocked {
			a.audit.logFailure(AuditAuthRateLimited, r, "client locked out")
			writeRateLimited(w, retryAfter)
			return
		}

		presented := r.Header.Get(APIKeyHeader)
		if presented == "" {
			a.limiter.recordFailure(ip)
			a.audit.logFailure(AuditAuthFailure, r, "missing API key")
			writeError(w, http.StatusUnauthorized, "missing "+APIKeyHeader+" header")
			return
		}
		if !a.keyMatches(presented) {
			a.limiter.recordFailure(ip)
			a.audit.logFailure(AuditAuthFailure, r, "invalid API key")
			writeError(w, http.StatusForbidden, "invalid API key")
			return
		}
		a.limiter.recordSuccess(ip)
		next.ServeHTTP(w, r)
	})
}

// keyMatches compares presented with the sealed key in constant time. The
// plaintext key only exists in a locked buffer for the comparison.
func (a *API) keyMatches(presented string) bool {
	if a.apiKey == nil {
		return false
	}
	buf, err := a.apiKey.Open()
	if err != nil {
		a.logger.Error("opening API key enclave", "error", err)
		return false
	}
	defer buf.Destroy()

	candidate := []byte(presented)
	defer util.WipeBytes(candidate)
	return subtle.ConstantTimeCompare(buf.Bytes(), candidate) == 1
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}
