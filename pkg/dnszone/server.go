package dnszone

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/miekg/dns"

	"github.com/havocsh/havoc-sub000/pkg/apierr"
	"github.com/havocsh/havoc-sub000/pkg/log"
	"github.com/havocsh/havoc-sub000/pkg/types"
)

const (
	// DefaultListenAddr is the default authoritative DNS address
	DefaultListenAddr = "0.0.0.0:53"

	// DefaultTTL is the TTL applied to all served records
	DefaultTTL = 300
)

// Server is an embedded authoritative nameserver that doubles as the
// hosted-zone Provider. Zones are registered up front; records are mutated
// through the Provider interface and served live.
type Server struct {
	listenAddr string
	dnsServer  *dns.Server

	mu      sync.RWMutex
	zones   map[string]*Zone            // zone ID -> zone
	records map[string]types.DNSRecord  // zone ID + "/" + fqdn + "/" + type -> record
	running bool
}

// ServerConfig holds embedded nameserver configuration
type ServerConfig struct {
	ListenAddr string
	Zones      []Zone // zones this server is authoritative for
}

// NewServer creates the embedded nameserver
func NewServer(cfg *ServerConfig) *Server {
	if cfg == nil {
		cfg = &ServerConfig{}
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}

	s := &Server{
		listenAddr: cfg.ListenAddr,
		zones:      make(map[string]*Zone),
		records:    make(map[string]types.DNSRecord),
	}
	for i := range cfg.Zones {
		z := cfg.Zones[i]
		z.Name = dns.Fqdn(strings.ToLower(z.Name))
		s.zones[z.ZoneID] = &z
	}
	return s
}

// DescribeZone returns the hosted zone, or NotFound when the server is not
// authoritative for it.
func (s *Server) DescribeZone(zoneID string) (*Zone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	z, ok := s.zones[zoneID]
	if !ok {
		return nil, apierr.NotFound("hosted zone %s not found", zoneID)
	}
	cp := *z
	return &cp, nil
}

// Upsert creates or replaces a record in the zone. Upserting the same
// record twice is a no-op.
func (s *Server) Upsert(zoneID string, rec types.DNSRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	z, ok := s.zones[zoneID]
	if !ok {
		return apierr.NotFound("hosted zone %s not found", zoneID)
	}
	fqdn := dns.Fqdn(strings.ToLower(rec.Name))
	if !strings.HasSuffix(fqdn, z.Name) {
		return apierr.Validation("record %s is outside zone %s", rec.Name, z.Name)
	}

	s.records[recordKey(zoneID, fqdn, rec.Type)] = rec
	log.WithComponent("dnszone").Debug().
		Str("zone_id", zoneID).
		Str("name", fqdn).
		Str("type", rec.Type).
		Msg("record upserted")
	return nil
}

// Delete removes a record from the zone. Deleting a record that does not
// exist is a no-op so compensation paths stay idempotent.
func (s *Server) Delete(zoneID string, rec types.DNSRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.zones[zoneID]; !ok {
		return apierr.NotFound("hosted zone %s not found", zoneID)
	}
	fqdn := dns.Fqdn(strings.ToLower(rec.Name))
	delete(s.records, recordKey(zoneID, fqdn, rec.Type))
	log.WithComponent("dnszone").Debug().
		Str("zone_id", zoneID).
		Str("name", fqdn).
		Str("type", rec.Type).
		Msg("record deleted")
	return nil
}

func recordKey(zoneID, fqdn, rtype string) string {
	return zoneID + "/" + fqdn + "/" + strings.ToUpper(rtype)
}

// Start starts the nameserver
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("DNS server already running")
	}
	s.running = true
	s.mu.Unlock()

	log.WithComponent("dnszone").Info().
		Str("address", s.listenAddr).
		Msg("starting authoritative DNS server")

	mux := dns.NewServeMux()
	mux.HandleFunc(".", s.handleQuery)

	s.dnsServer = &dns.Server{
		Addr:    s.listenAddr,
		Net:     "udp",
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.dnsServer.ListenAndServe(); err != nil {
			log.WithComponent("dnszone").Error().
				Err(err).
				Msg("DNS server error")
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	case <-ctx.Done():
		return s.Stop()
	default:
		return nil
	}
}

// Stop stops the nameserver
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	if s.dnsServer != nil {
		if err := s.dnsServer.Shutdown(); err != nil {
			return err
		}
	}
	s.running = false
	log.WithComponent("dnszone").Info().Msg("DNS server stopped")
	return nil
}

func (s *Server) handleQuery(w dns.ResponseWriter, r *dns.Msg) {
	msg := &dns.Msg{}
	msg.SetReply(r)
	msg.Authoritative = true

	for _, q := range r.Question {
		answers := s.resolve(q)
		if len(answers) == 0 {
			msg.Rcode = dns.RcodeNameError
			continue
		}
		msg.Answer = append(msg.Answer, answers...)
	}

	if err := w.WriteMsg(msg); err != nil {
		log.WithComponent("dnszone").Error().
			Err(err).
			Msg("failed to write DNS response")
	}
}

func (s *Server) resolve(q dns.Question) []dns.RR {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fqdn := strings.ToLower(q.Name)
	var answers []dns.RR
	for zoneID, z := range s.zones {
		if !strings.HasSuffix(fqdn, z.Name) {
			continue
		}
		if rr := s.lookup(zoneID, fqdn, q.Qtype); rr != nil {
			answers = append(answers, rr)
		}
		// A CNAME answers any query type for the name.
		if q.Qtype != dns.TypeCNAME {
			if rr := s.lookup(zoneID, fqdn, dns.TypeCNAME); rr != nil {
				answers = append(answers, rr)
			}
		}
	}
	return answers
}

func (s *Server) lookup(zoneID, fqdn string, qtype uint16) dns.RR {
	rec, ok := s.records[recordKey(zoneID, fqdn, dns.TypeToString[qtype])]
	if !ok {
		return nil
	}

	hdr := dns.RR_Header{
		Name:   fqdn,
		Rrtype: qtype,
		Class:  dns.ClassINET,
		Ttl:    DefaultTTL,
	}
	switch qtype {
	case dns.TypeA:
		ip := net.ParseIP(rec.Value)
		if ip == nil {
			return nil
		}
		return &dns.A{Hdr: hdr, A: ip.To4()}
	case dns.TypeCNAME:
		return &dns.CNAME{Hdr: hdr, Target: dns.Fqdn(rec.Value)}
	case dns.TypeTXT:
		return &dns.TXT{Hdr: hdr, Txt: []string{rec.Value}}
	default:
		return nil
	}
}
