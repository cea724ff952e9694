package api

import (
	"context"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apiContext "promptlab/internal/api/context"
	"promptlab/internal/api/handlers"
	"promptlab/internal/api/middleware"
	"promptlab/internal/pkg/errors"
	"promptlab/internal/platform/config"
)

type Dependencies struct {
	AuthHandler    *handlers.AuthHandler
	WebhookHandler *handlers.WebhookHandler
	EventHandler   *handlers.EventHandler
	AuditHandler   *handlers.AuditHandler
	HealthHandler  *handlers.HealthHandler
	AuthMiddleware *middleware.AuthMiddleware
	CORS           config.CORSConfig
	RateLimit      config.RateLimitConfig
}

// NewRouter registers every route and wraps the router with CORS and request
// logging.
func NewRouter(deps *Dependencies) http.Handler {
	router := httprouter.New()

	read := middleware.RateLimit("api_read", deps.RateLimit.APIReadPerMinute, time.Minute)
	write := middleware.RateLimit("api_write", deps.RateLimit.APIWritePerMinute, time.Minute)
	authMid := deps.AuthMiddleware.Handle

	// Magic-link authentication. Send has its own per-email limiter.
	router.POST("/api/v1/auth/magic-link/send", chain(deps.AuthHandler.SendMagicLink, write))
	router.GET("/api/v1/auth/magic-link/verify", chain(deps.AuthHandler.VerifyMagicLink, write))
	router.POST("/api/v1/auth/magic-link/verify", chain(deps.AuthHandler.VerifyMagicLink, write))
	router.GET("/api/v1/auth/me", chain(deps.AuthHandler.Me, read, authMid))

	// Project-scoped webhooks and events
	wh := deps.WebhookHandler
	router.GET("/api/v1/projects/:project_id/webhooks", chain(wh.List, read, authMid))
	router.POST("/api/v1/projects/:project_id/webhooks", chain(wh.Create, write, authMid))
	router.POST("/api/v1/projects/:project_id/events", chain(deps.EventHandler.Trigger, write, authMid))
	router.GET("/api/v1/projects/:project_id/audit-logs", chain(deps.AuditHandler.List, read, authMid))

	// Single webhook
	router.GET("/api/v1/webhooks/:webhook_id", chain(wh.Get, read, authMid))
	router.PATCH("/api/v1/webhooks/:webhook_id", chain(wh.Update, write, authMid))
	router.DELETE("/api/v1/webhooks/:webhook_id", chain(wh.Delete, write, authMid))
	router.POST("/api/v1/webhooks/:webhook_id/test", chain(wh.Test, write, authMid))
	router.GET("/api/v1/webhooks/:webhook_id/stats", chain(wh.Stats, read, authMid))
	router.GET("/api/v1/webhooks/:webhook_id/deliveries", chain(wh.Deliveries, read, authMid))
	router.POST("/api/v1/webhooks/:webhook_id/retry", chain(wh.Retry, write, authMid))

	router.GET("/health", wrap(deps.HealthHandler.Check))
	router.Handler(http.MethodGet, "/metrics", promhttp.Handler())

	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errors.WriteError(w, http.StatusNotFound, errors.ErrCodeNotFound, "Route not found", nil)
	})
	router.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errors.WriteError(w, http.StatusMethodNotAllowed, errors.ErrCodeInvalidInput, "Method not allowed", nil)
	})

	return middleware.RequestLogger(middleware.CORS(deps.CORS)(router))
}

// Helper function to chain middlewares
func chain(handler http.HandlerFunc, middlewares ...func(http.HandlerFunc) http.HandlerFunc) httprouter.Handle {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return wrap(handler)
}

// Convert http.HandlerFunc to httprouter.Handle
func wrap(handler http.HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		ctx := context.WithValue(r.Context(), apiContext.Params, ps)
		handler(w, r.WithContext(ctx))
	}
}
