package certauth

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"strings"
	"sync"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge/dns01"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"
	"github.com/google/uuid"

	"github.com/havocsh/havoc-sub000/pkg/apierr"
	"github.com/havocsh/havoc-sub000/pkg/dnszone"
	"github.com/havocsh/havoc-sub000/pkg/log"
	"github.com/havocsh/havoc-sub000/pkg/types"
)

// acmeUser implements the required user interface for ACME registration
type acmeUser struct {
	email        string
	registration *registration.Resource
	key          crypto.PrivateKey
}

func (u *acmeUser) GetEmail() string                        { return u.email }
func (u *acmeUser) GetRegistration() *registration.Resource { return u.registration }
func (u *acmeUser) GetPrivateKey() crypto.PrivateKey        { return u.key }

// ACMEAuthority issues wildcard certificates through an ACME directory
// using DNS-01 validation. The challenge TXT record is published through
// the hosted-zone provider and surfaced on the pending certificate so
// callers can mirror it into their own zone state.
type ACMEAuthority struct {
	client *lego.Client
	user   *acmeUser
	zones  dnszone.Provider
	zoneID string

	mu    sync.RWMutex
	certs map[string]*Certificate // cert ID -> certificate
}

// NewACMEAuthority registers an ACME account and returns the authority.
// directoryURL defaults to the Let's Encrypt staging directory.
func NewACMEAuthority(email, directoryURL string, zones dnszone.Provider, zoneID string) (*ACMEAuthority, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %v", err)
	}

	user := &acmeUser{
		email: email,
		key:   privateKey,
	}

	config := lego.NewConfig(user)
	if directoryURL == "" {
		directoryURL = "https://acme-staging-v02.api.letsencrypt.org/directory"
	}
	config.CADirURL = directoryURL
	config.Certificate.KeyType = certcrypto.RSA2048

	client, err := lego.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create lego client: %v", err)
	}

	a := &ACMEAuthority{
		client: client,
		user:   user,
		zones:  zones,
		zoneID: zoneID,
		certs:  make(map[string]*Certificate),
	}

	if err := client.Challenge.SetDNS01Provider(&dns01Provider{authority: a}); err != nil {
		return nil, fmt.Errorf("failed to set DNS-01 provider: %v", err)
	}

	reg, err := client.Registration.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
	if err != nil {
		return nil, fmt.Errorf("failed to register with ACME server: %v", err)
	}
	user.registration = reg

	log.WithComponent("certauth").Info().
		Str("email", email).
		Str("directory", directoryURL).
		Msg("ACME account registered")

	return a, nil
}

// Request starts wildcard issuance for the domain. The returned certificate
// is pending; issuance runs in the background and Describe reflects the
// challenge record once the ACME order produces one.
func (a *ACMEAuthority) Request(domain string) (*Certificate, error) {
	cert := &Certificate{
		CertID: uuid.New().String(),
		Domain: domain,
		Status: StatusPending,
	}

	a.mu.Lock()
	a.certs[cert.CertID] = cert
	a.mu.Unlock()

	go a.obtain(cert.CertID, domain)

	cp := *cert
	return &cp, nil
}

func (a *ACMEAuthority) obtain(certID, domain string) {
	logger := log.WithComponent("certauth")
	logger.Info().Str("domain", domain).Msg("requesting wildcard certificate")

	request := certificate.ObtainRequest{
		Domains: []string{"*." + domain, domain},
		Bundle:  true,
	}

	res, err := a.client.Certificate.Obtain(request)

	a.mu.Lock()
	defer a.mu.Unlock()

	cert, ok := a.certs[certID]
	if !ok {
		// Deleted while the order was in flight.
		return
	}
	if err != nil {
		logger.Error().Err(err).Str("domain", domain).Msg("certificate issuance failed")
		cert.Status = StatusFailed
		return
	}

	cert.CertPEM = res.Certificate
	cert.KeyPEM = res.PrivateKey
	cert.Status = StatusIssued

	if block, _ := pem.Decode(res.Certificate); block != nil {
		if parsed, err := x509.ParseCertificate(block.Bytes); err == nil {
			cert.NotAfter = parsed.NotAfter
		}
	}

	logger.Info().
		Str("domain", domain).
		Time("not_after", cert.NotAfter).
		Msg("certificate issued")
}

// Describe returns the current state of a certificate
func (a *ACMEAuthority) Describe(certID string) (*Certificate, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	cert, ok := a.certs[certID]
	if !ok {
		return nil, apierr.NotFound("certificate %s not found", certID)
	}
	cp := *cert
	return &cp, nil
}

// Delete forgets a certificate. In-flight orders notice on completion.
func (a *ACMEAuthority) Delete(certID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.certs, certID)
	return nil
}

func (a *ACMEAuthority) setValidation(domain string, rec types.DNSRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()

	base := strings.TrimPrefix(domain, "*.")
	for _, cert := range a.certs {
		if cert.Domain == base {
			cert.Validation = &rec
		}
	}
}

// dns01Provider publishes ACME TXT challenges through the hosted-zone
// provider and records them on the pending certificate.
type dns01Provider struct {
	authority *ACMEAuthority
}

func (p *dns01Provider) Present(domain, token, keyAuth string) error {
	info := dns01.GetChallengeInfo(domain, keyAuth)

	rec := types.DNSRecord{
		Name:  strings.TrimSuffix(info.FQDN, "."),
		Type:  "TXT",
		Value: info.Value,
	}
	p.authority.setValidation(domain, rec)

	if err := p.authority.zones.Upsert(p.authority.zoneID, rec); err != nil {
		return fmt.Errorf("failed to publish challenge record: %v", err)
	}

	log.WithComponent("certauth").Debug().
		Str("domain", domain).
		Str("record", rec.Name).
		Msg("challenge record presented")
	return nil
}

func (p *dns01Provider) CleanUp(domain, token, keyAuth string) error {
	info := dns01.GetChallengeInfo(domain, keyAuth)

	rec := types.DNSRecord{
		Name:  strings.TrimSuffix(info.FQDN, "."),
		Type:  "TXT",
		Value: info.Value,
	}
	return p.authority.zones.Delete(p.authority.zoneID, rec)
}
