package http_test

import (
	"net/http/httptest"
	"testing"

	pkghttp "github.com/BradenHooton/dealergate/pkg/http"
	"github.com/stretchr/testify/assert"
)

func TestExtractClientIP(t *testing.T) {
	internal := &pkghttp.IPConfig{TrustedProxies: []string{"10.0.0.0/8", "fd00::/8", "127.0.0.1/32"}}

	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		realIP     string
		config     *pkghttp.IPConfig
		want       string
	}{
		{
			name:       "direct connection ignores forwarding headers",
			remoteAddr: "203.0.113.10:54321",
			xff:        "1.2.3.4, 5.6.7.8",
			realIP:     "192.168.1.1",
			config:     internal,
			want:       "203.0.113.10",
		},
		{
			name:       "trusted proxy forwards client",
			remoteAddr: "10.0.0.5:54321",
			xff:        "203.0.113.42, 10.0.0.5",
			config:     internal,
			want:       "203.0.113.42",
		},
		{
			name:       "prepended entries cannot spoof the client",
			remoteAddr: "10.0.0.5:54321",
			xff:        "127.0.0.1, 198.51.100.99, 203.0.113.42, 10.0.0.7",
			config:     internal,
			want:       "203.0.113.42",
		},
		{
			name:       "ipv6 proxy",
			remoteAddr: "[fd00::1]:443",
			xff:        "2001:db8::42",
			config:     internal,
			want:       "2001:db8::42",
		},
		{
			name:       "x-real-ip from trusted proxy",
			remoteAddr: "10.0.0.5:54321",
			realIP:     "203.0.113.50",
			config:     internal,
			want:       "203.0.113.50",
		},
		{
			name:       "garbage forwarding header falls back to peer",
			remoteAddr: "10.0.0.5:54321",
			xff:        "not-an-ip",
			config:     internal,
			want:       "10.0.0.5",
		},
		{
			name:       "nil config",
			remoteAddr: "203.0.113.10:54321",
			xff:        "1.2.3.4",
			want:       "203.0.113.10",
		},
		{
			name:       "invalid cidr is ignored",
			remoteAddr: "10.0.0.5:54321",
			xff:        "1.2.3.4",
			config:     &pkghttp.IPConfig{TrustedProxies: []string{"not-a-cidr"}},
			want:       "10.0.0.5",
		},
		{
			name:       "remote addr without port",
			remoteAddr: "203.0.113.10",
			want:       "203.0.113.10",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}
			assert.Equal(t, tt.want, pkghttp.ExtractClientIP(req, tt.config))
		})
	}
}
