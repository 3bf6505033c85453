package middleware

import (
	"net/http"
	"strings"

	"github.com/BradenHooton/dealergate/internal/models"
	pkghttp "github.com/BradenHooton/dealergate/pkg/http"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	deviceIDHeader          = "X-Device-ID"
	deviceFingerprintHeader = "X-Device-Fingerprint"
	maxHeaderValue          = models.MaxRequestValue
)

// RequestContext resolves the client address, request id and device
// metadata once and stores them with models.WithRequestContext. It must run
// after chi's RequestID middleware.
func RequestContext(ipConfig *pkghttp.IPConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ua := truncate(r.UserAgent())
			rc := models.RequestContext{
				IPAddress:         pkghttp.ExtractClientIP(r, ipConfig),
				UserAgent:         ua,
				RequestID:         middleware.GetReqID(r.Context()),
				DeviceID:          truncate(r.Header.Get(deviceIDHeader)),
				DeviceType:        deviceType(ua),
				DeviceFingerprint: fingerprint(r, ua),
			}
			next.ServeHTTP(w, r.WithContext(models.WithRequestContext(r.Context(), rc)))
		})
	}
}

// fingerprint prefers the client-supplied value and falls back to stable
// browser traits. It is only ever stored as a keyed hash.
func fingerprint(r *http.Request, ua string) string {
	if fp := r.Header.Get(deviceFingerprintHeader); fp != "" {
		return truncate(fp)
	}
	if ua == "" {
		return ""
	}
	return ua + "|" + truncate(r.Header.Get("Accept-Language"))
}

func deviceType(ua string) string {
	lower := strings.ToLower(ua)
	switch {
	case ua == "":
		return "unknown"
	case strings.Contains(lower, "ipad") || strings.Contains(lower, "tablet"):
		return "tablet"
	case strings.Contains(lower, "mobi") || strings.Contains(lower, "android"):
		return "mobile"
	default:
		return "desktop"
	}
}

// truncate keeps header values storable: valid UTF-8, cut on a rune
// boundary.
func truncate(s string) string {
	return models.CleanText(s, maxHeaderValue)
}
