package lb

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/havocsh/havoc-sub000/pkg/apierr"
	"github.com/havocsh/havoc-sub000/pkg/log"
	"github.com/havocsh/havoc-sub000/pkg/types"
)

// ACLSource supplies the access rules in force for a listener port.
// Returning an empty slice denies everything; a nil source allows
// everything.
type ACLSource func(port int) []types.ACLRule

// EmbeddedProvider runs forward rules as in-process reverse proxies. One
// HTTP server per rule, proxying round-robin to the rule's target group,
// with per-client rate limiting and portgroup ACL enforcement on the way
// in.
type EmbeddedProvider struct {
	publicAddr string
	acls       ACLSource
	limits     *limiterPool

	mu    sync.RWMutex
	lbs   map[string]*LoadBalancer
	tgs   map[string]*targetGroup
	rules map[string]*forwardRule
}

type targetGroup struct {
	TargetGroup
	targets []string
	next    int
}

type forwardRule struct {
	ForwardRule
	lbID   string
	server *http.Server
}

// NewEmbeddedProvider creates the provider. publicAddr is the address
// served as every balancer's DNS name.
func NewEmbeddedProvider(publicAddr string, acls ACLSource) *EmbeddedProvider {
	return &EmbeddedProvider{
		publicAddr: publicAddr,
		acls:       acls,
		limits:     newLimiterPool(),
		lbs:        make(map[string]*LoadBalancer),
		tgs:        make(map[string]*targetGroup),
		rules:      make(map[string]*forwardRule),
	}
}

// CreateLoadBalancer provisions a balancer handle
func (p *EmbeddedProvider) CreateLoadBalancer(name string) (*LoadBalancer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	lb := &LoadBalancer{
		LBID:    uuid.New().String(),
		Name:    name,
		DNSName: p.publicAddr,
	}
	p.lbs[lb.LBID] = lb

	log.WithComponent("lb").Info().
		Str("lb_id", lb.LBID).
		Str("name", name).
		Msg("load balancer created")

	cp := *lb
	return &cp, nil
}

// DeleteLoadBalancer removes the balancer and shuts down its forward rules
func (p *EmbeddedProvider) DeleteLoadBalancer(lbID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.lbs[lbID]; !ok {
		return apierr.NotFound("load balancer %s not found", lbID)
	}
	for id, rule := range p.rules {
		if rule.lbID == lbID {
			rule.stop()
			delete(p.rules, id)
		}
	}
	delete(p.lbs, lbID)
	return nil
}

// CreateTargetGroup provisions a target group forwarding to port
func (p *EmbeddedProvider) CreateTargetGroup(name string, port int) (*TargetGroup, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tg := &targetGroup{
		TargetGroup: TargetGroup{
			TGID: uuid.New().String(),
			Name: name,
			Port: port,
		},
	}
	p.tgs[tg.TGID] = tg

	cp := tg.TargetGroup
	return &cp, nil
}

// DeleteTargetGroup removes a target group
func (p *EmbeddedProvider) DeleteTargetGroup(tgID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.tgs[tgID]; !ok {
		return apierr.NotFound("target group %s not found", tgID)
	}
	delete(p.tgs, tgID)
	return nil
}

// RegisterTarget adds a backend address to a target group
func (p *EmbeddedProvider) RegisterTarget(tgID, addr string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	tg, ok := p.tgs[tgID]
	if !ok {
		return apierr.NotFound("target group %s not found", tgID)
	}
	for _, t := range tg.targets {
		if t == addr {
			return nil
		}
	}
	tg.targets = append(tg.targets, addr)
	return nil
}

// CreateForwardRule starts a proxy server on port terminating the given
// protocol and forwarding to the target group. HTTPS rules require a
// certificate and key in PEM form.
func (p *EmbeddedProvider) CreateForwardRule(lbID, tgID string, port int, protocol types.ListenerType, certPEM, keyPEM []byte) (*ForwardRule, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.lbs[lbID]; !ok {
		return nil, apierr.NotFound("load balancer %s not found", lbID)
	}
	if _, ok := p.tgs[tgID]; !ok {
		return nil, apierr.NotFound("target group %s not found", tgID)
	}
	for _, r := range p.rules {
		if r.Port == port {
			return nil, apierr.Conflict("port %d already in use", port)
		}
	}

	rule := &forwardRule{
		ForwardRule: ForwardRule{
			RuleID:      uuid.New().String(),
			Port:        port,
			Protocol:    protocol,
			TargetGroup: tgID,
		},
		lbID: lbID,
	}

	rule.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      http.HandlerFunc(p.makeHandler(rule)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ln, err := net.Listen("tcp", rule.server.Addr)
	if err != nil {
		return nil, apierr.Provider("create_listener", fmt.Errorf("failed to listen on :%d: %v", port, err))
	}

	if protocol == types.ListenerHTTPS {
		cert, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			ln.Close()
			return nil, apierr.Provider("create_listener", fmt.Errorf("failed to load certificate: %v", err))
		}
		rule.server.TLSConfig = &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		}
		ln = tls.NewListener(ln, rule.server.TLSConfig)
	}

	go func() {
		if err := rule.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.WithComponent("lb").Error().
				Err(err).
				Int("port", port).
				Msg("forward rule server error")
		}
	}()

	p.rules[rule.RuleID] = rule

	log.WithComponent("lb").Info().
		Str("rule_id", rule.RuleID).
		Int("port", port).
		Str("protocol", string(protocol)).
		Msg("forward rule started")

	cp := rule.ForwardRule
	return &cp, nil
}

// DeleteForwardRule stops the rule's proxy server. Deleting an unknown
// rule is a no-op so compensation paths stay idempotent.
func (p *EmbeddedProvider) DeleteForwardRule(ruleID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	rule, ok := p.rules[ruleID]
	if !ok {
		return nil
	}
	rule.stop()
	delete(p.rules, ruleID)
	return nil
}

func (r *forwardRule) stop() {
	if r.server != nil {
		r.server.Close()
	}
}

func (p *EmbeddedProvider) makeHandler(rule *forwardRule) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clientIP := clientIP(r)

		if !p.allowed(rule.Port, clientIP) {
			log.WithComponent("lb").Warn().
				Str("client", clientIP).
				Int("port", rule.Port).
				Msg("connection refused by access rules")
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		if !p.limits.allow(clientIP) {
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}

		addr, err := p.selectTarget(rule.TargetGroup)
		if err != nil {
			http.Error(w, "Service temporarily unavailable", http.StatusServiceUnavailable)
			return
		}

		target, err := url.Parse(fmt.Sprintf("http://%s", addr))
		if err != nil {
			http.Error(w, "Bad gateway", http.StatusBadGateway)
			return
		}

		proxy := httputil.NewSingleHostReverseProxy(target)
		director := proxy.Director
		proxy.Director = func(req *http.Request) {
			director(req)
			req.Host = r.Host
			req.Header.Set("X-Forwarded-For", clientIP)
			req.Header.Set("X-Forwarded-Host", r.Host)
			proto := "http"
			if rule.Protocol == types.ListenerHTTPS {
				proto = "https"
			}
			req.Header.Set("X-Forwarded-Proto", proto)
		}
		proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
			log.WithComponent("lb").Error().
				Err(err).
				Str("target", addr).
				Msg("proxy error")
			http.Error(w, "Bad gateway", http.StatusBadGateway)
		}

		proxy.ServeHTTP(w, r)
	}
}

func (p *EmbeddedProvider) selectTarget(tgID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tg, ok := p.tgs[tgID]
	if !ok || len(tg.targets) == 0 {
		return "", fmt.Errorf("no targets registered for group %s", tgID)
	}
	addr := tg.targets[tg.next%len(tg.targets)]
	tg.next++
	return net.JoinHostPort(addr, fmt.Sprintf("%d", tg.Port)), nil
}

func (p *EmbeddedProvider) allowed(port int, clientIP string) bool {
	if p.acls == nil {
		return true
	}
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return false
	}
	for _, rule := range p.acls(port) {
		if rule.Port != 0 && rule.Port != port {
			continue
		}
		if matchCIDR(ip, rule.CIDR) {
			return true
		}
	}
	return false
}
