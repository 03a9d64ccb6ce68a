package lb

import (
	"net"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

const (
	// defaultRate is the per-client request rate across all forward rules
	defaultRate = 50
	// defaultBurst is the per-client burst allowance
	defaultBurst = 100
	// limiterHighWater triggers a full reset of the limiter pool
	limiterHighWater = 10000
)

// limiterPool tracks a token-bucket limiter per client IP
type limiterPool struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newLimiterPool() *limiterPool {
	return &limiterPool{
		limiters: make(map[string]*rate.Limiter),
	}
}

func (p *limiterPool) allow(clientIP string) bool {
	p.mu.Lock()
	if len(p.limiters) > limiterHighWater {
		p.limiters = make(map[string]*rate.Limiter)
	}
	limiter, ok := p.limiters[clientIP]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(defaultRate), defaultBurst)
		p.limiters[clientIP] = limiter
	}
	p.mu.Unlock()

	return limiter.Allow()
}

// clientIP extracts the client address from the request
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// matchCIDR checks if an IP matches a CIDR range. Bare addresses match
// exactly.
func matchCIDR(ip net.IP, cidr string) bool {
	if !strings.Contains(cidr, "/") {
		parsed := net.ParseIP(cidr)
		if parsed == nil {
			return false
		}
		return ip.Equal(parsed)
	}
	_, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return false
	}
	return ipNet.Contains(ip)
}
