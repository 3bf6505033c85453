package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BradenHooton/dealergate/internal/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCSRFProtection(t *testing.T) {
	handler := CSRFProtection(slog.New(slog.NewTextHandler(io.Discard, nil)))(okHandler())

	rec := httptest.NewRecorder()
	auth.SetRefreshTokenCookie(rec, "refresh", time.Hour, auth.CookieConfig{})
	auth.SetCSRFCookie(rec, "csrf-value", time.Hour, auth.CookieConfig{})
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 2)

	withCookies := func(method string) *http.Request {
		req := httptest.NewRequest(method, "/api/v1/auth/refresh", nil)
		for _, c := range cookies {
			req.AddCookie(c)
		}
		return req
	}

	tests := []struct {
		name string
		req  func() *http.Request
		want int
	}{
		{"cookie without header", func() *http.Request { return withCookies(http.MethodPost) }, http.StatusForbidden},
		{"cookie with matching header", func() *http.Request {
			r := withCookies(http.MethodPost)
			r.Header.Set(auth.CSRFHeader, "csrf-value")
			return r
		}, http.StatusOK},
		{"cookie with wrong header", func() *http.Request {
			r := withCookies(http.MethodPost)
			r.Header.Set(auth.CSRFHeader, "other")
			return r
		}, http.StatusForbidden},
		{"safe method", func() *http.Request { return withCookies(http.MethodGet) }, http.StatusOK},
		{"no refresh cookie", func() *http.Request {
			return httptest.NewRequest(http.MethodPost, "/api/v1/auth/refresh", nil)
		}, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, tt.req())
			assert.Equal(t, tt.want, w.Code)
		})
	}
}
