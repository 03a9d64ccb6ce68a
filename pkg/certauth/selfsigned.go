package certauth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/havocsh/havoc-sub000/pkg/apierr"
)

const (
	rootCAValidity = 10 * 365 * 24 * time.Hour
	leafValidity   = 90 * 24 * time.Hour
	rootKeySize    = 4096
	leafKeySize    = 2048
)

// SelfSignedAuthority issues wildcard certificates from an in-memory root
// CA. Issuance is synchronous and needs no validation record, which makes
// it the default for deployments without an ACME account.
type SelfSignedAuthority struct {
	rootCert *x509.Certificate
	rootKey  *rsa.PrivateKey

	mu    sync.RWMutex
	certs map[string]*Certificate
}

// NewSelfSignedAuthority generates a root CA and returns the authority
func NewSelfSignedAuthority() (*SelfSignedAuthority, error) {
	rootKey, err := rsa.GenerateKey(rand.Reader, rootKeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate root key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"Havoc Deployment"},
			CommonName:   "Havoc Root CA",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(rootCAValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLen:            1,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &rootKey.PublicKey, rootKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create root certificate: %w", err)
	}

	rootCert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse root certificate: %w", err)
	}

	return &SelfSignedAuthority{
		rootCert: rootCert,
		rootKey:  rootKey,
		certs:    make(map[string]*Certificate),
	}, nil
}

// Request issues a wildcard certificate for the domain immediately
func (a *SelfSignedAuthority) Request(domain string) (*Certificate, error) {
	leafKey, err := rsa.GenerateKey(rand.Reader, leafKeySize)
	if err != nil {
		return nil, apierr.Provider("request_certificate", fmt.Errorf("failed to generate key: %w", err))
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, apierr.Provider("request_certificate", fmt.Errorf("failed to generate serial number: %w", err))
	}

	notAfter := time.Now().Add(leafValidity)
	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName: "*." + domain,
		},
		DNSNames:    []string{"*." + domain, domain},
		NotBefore:   time.Now(),
		NotAfter:    notAfter,
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, a.rootCert, &leafKey.PublicKey, a.rootKey)
	if err != nil {
		return nil, apierr.Provider("request_certificate", fmt.Errorf("failed to create certificate: %w", err))
	}

	cert := &Certificate{
		CertID:   uuid.New().String(),
		Domain:   domain,
		Status:   StatusIssued,
		NotAfter: notAfter,
		CertPEM: pem.EncodeToMemory(&pem.Block{
			Type:  "CERTIFICATE",
			Bytes: certDER,
		}),
		KeyPEM: pem.EncodeToMemory(&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(leafKey),
		}),
	}

	a.mu.Lock()
	a.certs[cert.CertID] = cert
	a.mu.Unlock()

	cp := *cert
	return &cp, nil
}

// Describe returns an issued certificate
func (a *SelfSignedAuthority) Describe(certID string) (*Certificate, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	cert, ok := a.certs[certID]
	if !ok {
		return nil, apierr.NotFound("certificate %s not found", certID)
	}
	cp := *cert
	return &cp, nil
}

// Delete forgets an issued certificate
func (a *SelfSignedAuthority) Delete(certID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.certs, certID)
	return nil
}
