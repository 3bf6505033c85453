package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/BradenHooton/dealergate/internal/auth"
	"github.com/BradenHooton/dealergate/internal/models"
	pkghttp "github.com/BradenHooton/dealergate/pkg/http"
	"github.com/go-chi/httprate"
)

// Auditor receives RATE_LIMIT_EXCEEDED events.
type Auditor interface {
	Log(ctx context.Context, entry models.AuditLogEntry)
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RequestsPerMinute int
}

// DefaultAuthRateLimit is the per-IP budget for each public auth endpoint.
func DefaultAuthRateLimit() RateLimitConfig {
	return RateLimitConfig{RequestsPerMinute: 10}
}

// RateLimitByIP limits each client address per endpoint. The address comes
// from the RequestContext middleware, so proxy headers are only honored for
// trusted proxies.
func RateLimitByIP(config RateLimitConfig, auditor Auditor) func(next http.Handler) http.Handler {
	return httprate.Limit(
		config.RequestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(clientIPKey, httprate.KeyByEndpoint),
		httprate.WithLimitHandler(limitExceeded(auditor, "ip")),
	)
}

// RateLimitByUser limits authenticated callers by user id, falling back to
// the client address.
func RateLimitByUser(config RateLimitConfig, auditor Auditor) func(next http.Handler) http.Handler {
	return httprate.Limit(
		config.RequestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			if claims := auth.GetUserFromContext(r); claims != nil {
				return "user:" + claims.UserID, nil
			}
			return clientIPKey(r)
		}),
		httprate.WithLimitHandler(limitExceeded(auditor, "user")),
	)
}

func clientIPKey(r *http.Request) (string, error) {
	if ip := models.RequestContextFrom(r.Context()).IPAddress; ip != "" {
		return "ip:" + ip, nil
	}
	return httprate.KeyByIP(r)
}

func limitExceeded(auditor Auditor, scope string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if auditor != nil {
			entry := models.AuditLogEntry{
				EventType: models.AuditRateLimitExceeded,
				Resource:  models.AuditResource{Type: "route", ID: r.URL.Path},
				Success:   false,
				Details:   models.AuditDetails{"scope": scope, "method": r.Method},
			}
			if claims := auth.GetUserFromContext(r); claims != nil {
				entry.Actor = models.AuditActor{UserID: claims.UserID, Email: claims.Email, Role: claims.Role}
			}
			auditor.Log(r.Context(), entry)
		}
		pkghttp.WriteRetryAfter(w, time.Minute, "too many requests, please try again later")
	}
}
