package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mqttadmin/mosquitto-auth/internal/util"
	"github.com/mqttadmin/mosquitto-auth/pki"
)

// BundlePasswordHeader carries the PKCS#12 password in both directions:
// the client may supply one, otherwise the generated one is returned.
const BundlePasswordHeader = "X-Bundle-Password"

const generatedBundlePasswordLength = 20

// GenerateCA handles POST /ca.
func (a *API) GenerateCA(w http.ResponseWriter, r *http.Request) {
	var req CARequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	var res *pki.CAResult
	err := a.run(r, func(ctx context.Context) error {
		var err error
		res, err = a.ca.Generate(ctx, req.CommonName, req.Days)
		return err
	})
	a.audited(r, AuditCAGenerated, "ca", err)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// VerifyCA handles GET /ca/verify.
func (a *API) VerifyCA(w http.ResponseWriter, r *http.Request) {
	info, err := a.ca.Inspect(r.Context())
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// DownloadCACert handles GET /ca/cert.
func (a *API) DownloadCACert(w http.ResponseWriter, r *http.Request) {
	certPEM, err := a.ca.Certificate(r.Context())
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeAttachment(w, "ca.crt", "application/x-pem-file", certPEM)
}

// DeleteCA handles DELETE /ca.
func (a *API) DeleteCA(w http.ResponseWriter, r *http.Request) {
	res, err := a.ca.Delete(r.Context())
	a.audited(r, AuditCADeleted, "ca", err)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GenerateBrokerCert handles POST /certificates/broker. The common name and
// validity may be given as "cn" and "days" query parameters or in a JSON
// body; query parameters win.
func (a *API) GenerateBrokerCert(w http.ResponseWriter, r *http.Request) {
	var req BrokerCertRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	q := r.URL.Query()
	if cn := q.Get("cn"); cn != "" {
		req.CommonName = cn
	}
	if raw := q.Get("days"); raw != "" {
		days, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "days must be an integer")
			return
		}
		req.Days = days
	}

	var res *pki.BrokerResult
	err := a.run(r, func(ctx context.Context) error {
		var err error
		res, err = a.broker.Generate(ctx, pki.BrokerRequest{
			CommonName:   req.CommonName,
			ValidityDays: req.Days,
			KeepTemp:     req.KeepTemp,
		})
		return err
	})
	target := req.CommonName
	if res != nil {
		target = res.CommonName
	}
	a.audited(r, AuditBrokerGenerated, target, err)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.reloadBroker(r)
	writeJSON(w, http.StatusCreated, res)
}

// VerifyBrokerCert handles GET /certificates/broker/verify.
func (a *API) VerifyBrokerCert(w http.ResponseWriter, r *http.Request) {
	v, err := a.broker.Verify(r.Context())
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// DeleteBrokerCert handles DELETE /certificates/broker.
func (a *API) DeleteBrokerCert(w http.ResponseWriter, r *http.Request) {
	err := a.broker.Delete(r.Context())
	a.audited(r, AuditBrokerDeleted, "broker", err)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: "broker certificate deleted"})
}

// GenerateClientCert handles POST /certificates/client.
func (a *API) GenerateClientCert(w http.ResponseWriter, r *http.Request) {
	var req ClientCertRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var res *pki.ClientResult
	err := a.run(r, func(ctx context.Context) error {
		var err error
		res, err = a.clients.Generate(ctx, req.Username, req.Days)
		return err
	})
	a.audited(r, AuditClientGenerated, req.Username, err)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// ListClientCerts handles GET /certificates/client.
func (a *API) ListClientCerts(w http.ResponseWriter, r *http.Request) {
	names, err := a.clients.Usernames(r.Context())
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ClientsResponse{Clients: names})
}

// DownloadClientBundle handles GET /certificates/client/{username}: a zip
// holding the user's certificate and private key.
func (a *API) DownloadClientBundle(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	data, err := a.clients.Bundle(r.Context(), username)
	a.audited(r, AuditClientBundleExported, username, err)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeAttachment(w, username+".zip", "application/zip", data)
}

// DownloadClientPKCS12 handles GET /certificates/client/{username}/p12.
func (a *API) DownloadClientPKCS12(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	password := r.Header.Get(BundlePasswordHeader)
	generated := false
	if password == "" {
		var err error
		if password, err = util.RandomChars(generatedBundlePasswordLength); err != nil {
			a.writeInternalError(w, r, err, "password generation failed")
			return
		}
		generated = true
	}

	var data []byte
	err := a.run(r, func(ctx context.Context) error {
		var err error
		data, err = a.clients.BundlePKCS12(ctx, username, password)
		return err
	})
	a.audited(r, AuditClientBundleExported, username, err)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	if generated {
		w.Header().Set(BundlePasswordHeader, password)
	}
	writeAttachment(w, username+".p12", "application/x-pkcs12", data)
}

// VerifyClientCert handles GET /certificates/client/{username}/verify.
func (a *API) VerifyClientCert(w http.ResponseWriter, r *http.Request) {
	v, err := a.clients.Verify(r.Context(), chi.URLParam(r, "username"))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// DeleteClientCert handles DELETE /certificates/client/{username}.
func (a *API) DeleteClientCert(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	err := a.clients.Delete(r.Context(), username)
	a.audited(r, AuditClientDeleted, username, err)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: fmt.Sprintf("client certificate for %s deleted", username)})
}

func writeAttachment(w http.ResponseWriter, filename, contentType string, data []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", strings.ReplaceAll(filename, `"`, "")))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
