// Package api exposes the credential store and certificate engines over a
// REST interface guarded by a shared API key.
package api

import (
	"context"
	_ "embed"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"time"

	"github.com/awnumar/memguard"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-openapi/runtime/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/mqttadmin/mosquitto-auth/internal/workpool"
	"github.com/mqttadmin/mosquitto-auth/passwd"
	"github.com/mqttadmin/mosquitto-auth/pki"
	"github.com/mqttadmin/mosquitto-auth/reload"
	"github.com/mqttadmin/mosquitto-auth/storage"
)

//go:embed openapi.yaml
var openapiSpec []byte

const reloadTimeout = 10 * time.Second

// API holds the dependencies needed by the REST handlers.
type API struct {
	users   *passwd.Store
	ca      *pki.CA
	broker  *pki.Broker
	clients *pki.Clients

	reloader       reload.Reloader
	pool           *workpool.Pool
	ledger         storage.Repository
	apiKey         *memguard.Enclave
	limiter        *authFailureLimiter
	trustedProxies []netip.Prefix

	logger  *slog.Logger
	audit   *auditLogger
	prom    *promMetrics
	alertFn AlertFunc

	webhookURL, webhookHeader string
}

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for request and audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) { a.logger = logger }
}

// WithAPIKey seals key into a memguard enclave. The caller's copy is not
// modified.
func WithAPIKey(key string) Option {
	return func(a *API) {
		if key == "" {
			return
		}
		a.apiKey = memguard.NewEnclave([]byte(key))
	}
}

// WithReloader sets the broker reload hook run after credential and broker
// certificate changes.
func WithReloader(r reload.Reloader) Option {
	return func(a *API) { a.reloader = r }
}

// WithPool bounds concurrent engine work.
func WithPool(p *workpool.Pool) Option {
	return func(a *API) { a.pool = p }
}

// WithLedger records every mutation in the hash-chained audit ledger.
func WithLedger(repo storage.Repository) Option {
	return func(a *API) { a.ledger = repo }
}

// WithTrustedProxies lists the proxies whose forwarding headers identify
// the client for rate limiting.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) { a.trustedProxies = prefixes }
}

// WithAuditWebhook forwards audit events to url. header is an optional
// "Name: value" pair sent with every request.
func WithAuditWebhook(url, header string) Option {
	return func(a *API) { a.webhookURL, a.webhookHeader = url, header }
}

// WithAlertFunc installs a callback for anomaly alerts.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) { a.alertFn = fn }
}

// New creates a new API instance.
func New(users *passwd.Store, ca *pki.CA, broker *pki.Broker, clients *pki.Clients, opts ...Option) *API {
	a := &API{
		users:   users,
		ca:      ca,
		broker:  broker,
		clients: clients,
		limiter: newAuthFailureLimiter(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	if a.reloader == nil {
		a.reloader = reload.Noop{}
	}
	if a.pool == nil {
		a.pool = workpool.New(0)
	}
	a.prom = newPromMetrics()
	a.audit = newAuditLogger(a.logger)
	a.audit.prom = a.prom
	if a.alertFn == nil {
		a.alertFn = func(e AlertEvent) {
			a.logger.Warn("security alert", "type", string(e.Type), "message", e.Message,
				"count", e.Count, "threshold", e.Threshold)
		}
	}
	a.audit.metrics = newMetricsCollector(a.alertFn)
	if a.webhookURL != "" {
		a.audit.webhook = newAuditWebhook(a.webhookURL, a.webhookHeader, a.logger)
	}
	return a
}

// Close stops background delivery of audit events. The ledger is owned by
// the caller.
func (a *API) Close() {
	if a.audit != nil && a.audit.webhook != nil {
		a.audit.webhook.close()
		a.audit.webhook = nil
	}
}

// SweepLoop periodically drops expired rate-limit records until ctx ends.
func (a *API) SweepLoop(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.limiter.sweep()
		}
	}
}

// Router returns a chi.Router with all API routes; it is mounted at /api/v1.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Group(func(r chi.Router) {
		r.Use(a.RequireAPIKey)

		r.Get("/users", a.ListUsers)
		r.Post("/users", a.AddUser)
		r.Post("/users/bulk", a.AddUsers)
		r.Get("/users/{username}", a.GetUser)
		r.Put("/users/{username}", a.UpdateUserPassword)
		r.Delete("/users/{username}", a.DeleteUser)

		r.Post("/ca", a.GenerateCA)
		r.Get("/ca/verify", a.VerifyCA)
		r.Get("/ca/cert", a.DownloadCACert)
		r.Delete("/ca", a.DeleteCA)

		r.Post("/certificates/broker", a.GenerateBrokerCert)
		r.Get("/certificates/broker/verify", a.VerifyBrokerCert)
		r.Delete("/certificates/broker", a.DeleteBrokerCert)

		r.Post("/certificates/client", a.GenerateClientCert)
		r.Get("/certificates/client", a.ListClientCerts)
		r.Get("/certificates/client/{username}", a.DownloadClientBundle)
		r.Get("/certificates/client/{username}/p12", a.DownloadClientPKCS12)
		r.Get("/certificates/client/{username}/verify", a.VerifyClientCert)
		r.Delete("/certificates/client/{username}", a.DeleteClientCert)

		r.Get("/audit", a.ListAudit)
	})

	return r
}

// Handler returns the complete HTTP handler: health and metrics endpoints,
// the API under /api/v1, request logging and OpenTelemetry instrumentation.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(SecurityHeaders)
	r.Use(a.prom.instrument)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", a.prom.handler())
	r.Mount("/api/v1", a.Router())

	return otelhttp.NewHandler(r, "mosquitto-auth")
}

// reloadBroker asks the broker to pick up changed files. Failures are
// logged and audited; they never fail the request that caused them.
func (a *API) reloadBroker(r *http.Request) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), reloadTimeout)
	defer cancel()
	if err := a.reloader.Reload(ctx); err != nil {
		a.prom.reload("failure")
		a.audit.logFailure(AuditBrokerReloadFailed, r, err.Error(), slog.String("reloader", a.reloader.Name()))
		return
	}
	a.prom.reload("success")
}

// run executes fn on the worker pool. Waiting for a slot follows the
// request context; once started, fn runs with a context that is not
// cancelled by the client going away.
func (a *API) run(r *http.Request, fn func(ctx context.Context) error) error {
	ctx := context.WithoutCancel(r.Context())
	return a.pool.Do(r.Context(), func() error { return fn(ctx) })
}
