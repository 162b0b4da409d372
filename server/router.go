package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Routes constructs the HTTP router.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	if a.Config.Server.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger, a.Config.Server.DevMode))
	r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	if a.Config.Metrics.Enabled {
		r.Use(a.Metrics.Middleware)
	}

	r.Get("/healthz", a.handleHealthz)
	r.Get("/readyz", a.handleReadyz)
	if a.Config.Metrics.Enabled {
		r.Method(http.MethodGet, a.Config.MetricsPath(), a.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(NoStoreMiddleware)
		r.Get("/oauth/authorize", a.handleAuthorize)
		r.Post("/oauth/authorize", a.handleDecision)

		if a.Config.Server.DevMode && a.Playground != nil {
			r.Get("/dev/oauth", a.Playground.handleIndex)
			r.Post("/dev/oauth/start", a.Playground.handleStart)
			r.Get("/dev/oauth/result", a.Playground.handleResult)
		}
	})

	return r
}
