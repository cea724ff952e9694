package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"

	"promptlab/internal/pkg/errors"
	"promptlab/internal/platform/metrics"
)

// RateLimit limits requests per client IP with a sliding window. name labels
// rejections in metrics, and a limit <= 0 disables the middleware.
func RateLimit(name string, limit int, window time.Duration) func(http.HandlerFunc) http.HandlerFunc {
	if limit <= 0 {
		return func(next http.HandlerFunc) http.HandlerFunc { return next }
	}

	limiter := httprate.Limit(limit, window,
		httprate.WithKeyFuncs(httprate.KeyByIP, httprate.KeyByEndpoint),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			metrics.RateLimitRejections.WithLabelValues(name).Inc()
			retryAfter := int(window.Seconds())
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			errors.WriteError(w, http.StatusTooManyRequests, errors.ErrCodeRateLimitExceeded, "Rate limit exceeded",
				map[string]int{"retryAfter": retryAfter})
		}),
	)

	return func(next http.HandlerFunc) http.HandlerFunc {
		return limiter(next).ServeHTTP
	}
}
