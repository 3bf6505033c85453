package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidCSRF(t *testing.T) {
	token, err := GenerateCSRFToken()
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	SetCSRFCookie(rec, token, time.Hour, CookieConfig{})
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.False(t, cookies[0].HttpOnly, "script must be able to read the token")

	tests := []struct {
		name   string
		cookie bool
		header string
		want   bool
	}{
		{"matching", true, token, true},
		{"missing header", true, "", false},
		{"wrong header", true, token + "x", false},
		{"missing cookie", false, token, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/refresh", nil)
			if tt.cookie {
				req.AddCookie(cookies[0])
			}
			if tt.header != "" {
				req.Header.Set(CSRFHeader, tt.header)
			}
			assert.Equal(t, tt.want, ValidCSRF(req))
		})
	}
}
