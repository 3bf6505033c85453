package auth

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/BradenHooton/dealergate/internal/models"
	pkghttp "github.com/BradenHooton/dealergate/pkg/http"
)

// contextKey is a custom type for context keys
type contextKey string

const (
	// UserContextKey is the key for storing user claims in context
	UserContextKey contextKey = "user"
)

// AccessVerifier checks an access token and the session it is bound to.
type AccessVerifier interface {
	VerifyAccessToken(ctx context.Context, token string) (*models.TokenClaims, error)
}

// AccessAuditor receives ACCESS_DENIED events.
type AccessAuditor interface {
	Log(ctx context.Context, entry models.AuditLogEntry)
}

// AuthMiddleware authenticates bearer tokens and injects claims into context.
// Every rejection carries the same generic message.
func AuthMiddleware(verifier AccessVerifier) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				pkghttp.WriteUnauthorized(w, "authentication required")
				return
			}

			claims, err := verifier.VerifyAccessToken(r.Context(), token)
			if err != nil {
				if errors.Is(err, models.ErrLockoutUnavailable) {
					pkghttp.WriteServiceUnavailable(w, "please try again later")
					return
				}
				pkghttp.WriteUnauthorized(w, "authentication required")
				return
			}

			ctx := context.WithValue(r.Context(), UserContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// RequireRole admits only callers holding one of roles. Denials are audited.
func RequireRole(auditor AccessAuditor, roles ...string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := GetUserFromContext(r)
			if claims == nil {
				pkghttp.WriteUnauthorized(w, "authentication required")
				return
			}

			if !slices.Contains(roles, claims.Role) {
				if auditor != nil {
					auditor.Log(r.Context(), models.AuditLogEntry{
						EventType: models.AuditAccessDenied,
						Actor:     models.AuditActor{UserID: claims.UserID, Email: claims.Email, Role: claims.Role},
						Resource:  models.AuditResource{Type: "route", ID: r.URL.Path},
						Success:   false,
						Details:   models.AuditDetails{"role": claims.Role, "method": r.Method},
					})
				}
				pkghttp.WriteForbidden(w, "insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// GetUserFromContext extracts user claims from request context
func GetUserFromContext(r *http.Request) *models.TokenClaims {
	claims, ok := r.Context().Value(UserContextKey).(*models.TokenClaims)
	if !ok {
		return nil
	}
	return claims
}
