// Package router arma las rutas HTTP de credgate.
package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dropDatabas3/credgate/internal/http/controllers"
	httperrors "github.com/dropDatabas3/credgate/internal/http/errors"
	mw "github.com/dropDatabas3/credgate/internal/http/middlewares"
	"github.com/dropDatabas3/credgate/internal/rate"
)

// Deps contiene las dependencias del router. Keys, Validator y Refresh son
// obligatorios; el resto es opcional.
type Deps struct {
	Keys      controllers.KeyPublisher
	Rotator   controllers.KeyRotator
	Validator controllers.CredentialValidator
	Refresh   controllers.RefreshStore
	Access    controllers.AccessIssuer

	// AdminAPIKey vacía deshabilita las rutas de admin (404).
	AdminAPIKey string

	Checks map[string]controllers.Pinger

	// RateLimiter nil => sin límite en validate/refresh.
	RateLimiter rate.Limiter

	// Metrics nil => sin /metrics.
	Metrics prometheus.Gatherer
}

// New construye el handler raíz.
func New(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(
		mw.WithRecover(),
		mw.WithRequestID(),
		mw.WithLogging(),
		mw.WithMetrics(),
	)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		httperrors.WriteError(w, httperrors.ErrNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		httperrors.WriteError(w, httperrors.ErrMethodNotAllowed)
	})

	jwks := controllers.NewJWKSController(d.Keys)
	creds := controllers.NewCredentialsController(d.Validator)
	refresh := controllers.NewRefreshController(d.Refresh, d.Access)
	health := controllers.NewHealthController(d.Checks)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", health.Ready)

	r.Group(func(r chi.Router) {
		r.Use(mw.WithNoStore())
		r.Get("/.well-known/jwks.json", jwks.Get)
		r.Head("/.well-known/jwks.json", jwks.Get)

		r.Group(func(r chi.Router) {
			r.Use(mw.WithRateLimit(mw.RateLimitConfig{Limiter: d.RateLimiter, KeyFunc: mw.IPPathRateKey}))
			r.Post("/v1/credentials/validate", creds.Validate)
			r.Post("/v1/refresh", refresh.Refresh)
			r.Post("/v1/refresh/revoke", refresh.Revoke)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(mw.WithNoStore(), mw.RequireAdminKey(d.AdminAPIKey))
		r.Post("/v1/refresh/issue", refresh.Issue)
		r.Delete("/v1/subjects/{subjectID}/refresh-tokens", func(w http.ResponseWriter, req *http.Request) {
			refresh.RevokeSubject(w, req, chi.URLParam(req, "subjectID"))
		})
		if d.Rotator != nil {
			r.Post("/v1/admin/keys/rotate", controllers.NewKeysController(d.Rotator).Rotate)
		}
	})

	if d.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Metrics, promhttp.HandlerOpts{}))
	}
	return r
}
