package middlewares

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dropDatabas3/credgate/internal/metrics"
)

// WithMetrics instrumenta requests con contadores, latencia e inflight. La
// ruta se etiqueta con el patrón de chi para no explotar la cardinalidad.
func WithMetrics() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			method := strings.ToUpper(r.Method)
			metrics.HTTPInflight.Inc()
			start := time.Now()

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			defer func() {
				metrics.HTTPInflight.Dec()
				route := routeLabel(r)
				metrics.HTTPDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
				metrics.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(rec.status)).Inc()
			}()

			next.ServeHTTP(rec, r)
		})
	}
}

func routeLabel(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
