package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with all OAuth/OIDC endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger, a.Metrics))
	r.Use(RecoveryMiddleware(a.Logger, a.Config.Server.DevMode))
	r.Use(CORSMiddleware(a.corsConfig()))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}

	r.Get(PathDiscovery, a.handleDiscovery)
	r.Get(PathJWKS, a.handleJWKS)
	r.Get(PathHealth, a.handleHealth)
	if a.Metrics != nil {
		r.Method(http.MethodGet, PathMetrics, a.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(TimeoutMiddleware(a.Config.Server.RequestTimeout))

		r.Get(PathAuthorize, a.handleAuthorize)
		r.Post(PathConsent, a.handleConsent)
		r.Post(PathConsentDeny, a.handleConsentDeny)

		r.Post(PathToken, a.handleToken)
		r.Post(PathIntrospect, a.handleIntrospect)
		r.Post(PathRevoke, a.handleRevoke)
		r.Get(PathUserInfo, a.handleUserInfo)
		r.Post(PathUserInfo, a.handleUserInfo)
	})

	return r
}

// corsConfig falls back to origins inferred from client redirect URIs.
func (a *App) corsConfig() CORSConfig {
	cors := a.Config.Server.CORS
	if len(cors.AllowedOrigins) == 0 {
		cors.AllowedOrigins = a.Config.InferCORSOrigins()
	}
	if len(cors.AllowedMethods) == 0 {
		cors.AllowedMethods = DefaultCORSAllowedMethods
	}
	if len(cors.AllowedHeaders) == 0 {
		cors.AllowedHeaders = DefaultCORSAllowedHeaders
	}
	return cors
}
