package middleware

import (
	"net/http"

	"github.com/go-chi/cors"

	"promptlab/internal/platform/config"
)

// CORS wraps the whole router. An empty origin list disables cross-origin
// access.
func CORS(cfg config.CORSConfig) func(http.Handler) http.Handler {
	methods := cfg.AllowedMethods
	if len(methods) == 0 {
		methods = []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"}
	}
	headers := cfg.AllowedHeaders
	if len(headers) == 0 {
		headers = []string{"Content-Type", "Authorization"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: methods,
		AllowedHeaders: headers,
		ExposedHeaders: []string{"Retry-After", "X-Request-ID"},
		MaxAge:         cfg.MaxAge,
	})
}
