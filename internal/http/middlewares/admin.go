package middlewares

import (
	"net/http"
	"strings"

	httperrors "github.com/dropDatabas3/credgate/internal/http/errors"
	"github.com/dropDatabas3/credgate/internal/observability/logger"
	tokens "github.com/dropDatabas3/credgate/internal/security/token"
)

// AdminKeyHeader transporta la API key de administración.
const AdminKeyHeader = "X-Admin-API-Key"

// RequireAdminKey exige la admin key en X-Admin-API-Key (o Authorization:
// Bearer). Con key vacía las rutas de admin quedan deshabilitadas.
func RequireAdminKey(key string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key == "" {
				httperrors.WriteError(w, httperrors.ErrNotFound)
				return
			}
			got := strings.TrimSpace(r.Header.Get(AdminKeyHeader))
			if got == "" {
				if h := r.Header.Get("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
					got = strings.TrimSpace(h[7:])
				}
			}
			if got == "" {
				httperrors.WriteError(w, httperrors.ErrUnauthorized)
				return
			}
			if !tokens.Equal(got, key) {
				logger.From(r.Context()).Warn("admin key rejected", logger.Op("admin_auth"))
				httperrors.WriteError(w, httperrors.ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
