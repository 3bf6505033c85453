package auth

import (
	"crypto/subtle"
	"net/http"
	"time"

	pkgauth "github.com/BradenHooton/dealergate/pkg/auth"
)

const (
	CSRFCookieName = "dg_csrf"
	// CSRFHeader must echo the CSRF cookie on cookie-authenticated requests.
	CSRFHeader = "X-CSRF-Token"
)

// GenerateCSRFToken returns a fresh double-submit token.
func GenerateCSRFToken() (string, error) {
	return pkgauth.GenerateOpaqueToken()
}

// SetCSRFCookie stores token in a cookie the client script can read and
// echo back in CSRFHeader.
func SetCSRFCookie(w http.ResponseWriter, token string, ttl time.Duration, config CookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookieName,
		Value:    token,
		Path:     "/",
		Domain:   config.Domain,
		Expires:  time.Now().Add(ttl),
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: false,
		Secure:   config.Secure,
		SameSite: parseSameSite(config.SameSite),
	})
}

func ClearCSRFCookie(w http.ResponseWriter, config CookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookieName,
		Value:    "",
		Path:     "/",
		Domain:   config.Domain,
		MaxAge:   -1,
		Secure:   config.Secure,
		SameSite: parseSameSite(config.SameSite),
	})
}

// ValidCSRF reports whether the request's CSRF header matches its cookie.
func ValidCSRF(r *http.Request) bool {
	cookie, err := r.Cookie(CSRFCookieName)
	if err != nil || cookie.Value == "" {
		return false
	}
	header := r.Header.Get(CSRFHeader)
	if header == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(header)) == 1
}
