package middleware

import (
	"log/slog"
	"net/http"

	"github.com/BradenHooton/dealergate/internal/auth"
	"github.com/BradenHooton/dealergate/internal/models"
	pkghttp "github.com/BradenHooton/dealergate/pkg/http"
)

// CSRFProtection guards state-changing requests that authenticate with the
// refresh cookie. Such requests must echo the CSRF cookie in the
// X-CSRF-Token header. Requests carrying no refresh cookie pass through.
func CSRFProtection(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !isStateChangingMethod(r.Method) || auth.GetRefreshTokenCookie(r) == "" {
				next.ServeHTTP(w, r)
				return
			}

			if !auth.ValidCSRF(r) {
				logger.WarnContext(r.Context(), "csrf token missing or mismatched",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("client_ip", models.RequestContextFrom(r.Context()).IPAddress))
				pkghttp.WriteForbidden(w, "invalid csrf token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func isStateChangingMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}
