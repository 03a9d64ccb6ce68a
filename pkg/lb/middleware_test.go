package lb

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		want       string
	}{
		{"remote addr with port", "198.51.100.7:51234", "", "198.51.100.7"},
		{"xff wins", "10.0.0.1:80", "203.0.113.9", "203.0.113.9"},
		{"first xff hop", "10.0.0.1:80", "203.0.113.9, 10.0.0.2", "203.0.113.9"},
		{"xff with spaces", "10.0.0.1:80", "  203.0.113.9  ", "203.0.113.9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			assert.Equal(t, tt.want, clientIP(r))
		})
	}
}

func TestMatchCIDR(t *testing.T) {
	tests := []struct {
		name string
		ip   string
		cidr string
		want bool
	}{
		{"inside range", "10.1.2.3", "10.0.0.0/8", true},
		{"outside range", "192.168.1.1", "10.0.0.0/8", false},
		{"everything", "203.0.113.9", "0.0.0.0/0", true},
		{"bare ip exact", "203.0.113.9", "203.0.113.9", true},
		{"bare ip mismatch", "203.0.113.9", "203.0.113.10", false},
		{"garbage cidr", "203.0.113.9", "not-a-cidr", false},
		{"host route", "203.0.113.9", "203.0.113.9/32", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, matchCIDR(net.ParseIP(tt.ip), tt.cidr))
		})
	}
}

func TestLimiterPoolBurst(t *testing.T) {
	pool := newLimiterPool()

	// The burst allowance admits the first wave, then throttles.
	allowed := 0
	for i := 0; i < defaultBurst*2; i++ {
		if pool.allow("203.0.113.9") {
			allowed++
		}
	}
	assert.GreaterOrEqual(t, allowed, defaultBurst)
	assert.Less(t, allowed, defaultBurst*2)

	// A different client gets its own bucket.
	assert.True(t, pool.allow("203.0.113.10"))
}
