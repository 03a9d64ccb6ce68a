package certauth

import (
	"time"

	"github.com/havocsh/havoc-sub000/pkg/types"
)

// Certificate status values
const (
	StatusPending = "pending_validation"
	StatusIssued  = "issued"
	StatusFailed  = "failed"
)

// Certificate is an issued or pending wildcard certificate. Validation is
// the DNS record the issuer requires to prove zone control; it is nil for
// issuers that validate out of band.
type Certificate struct {
	CertID     string
	Domain     string
	Status     string
	CertPEM    []byte
	KeyPEM     []byte
	NotAfter   time.Time
	Validation *types.DNSRecord
}

// Authority issues wildcard certificates for hosted domains. Request starts
// issuance and may return before the certificate is usable; callers poll
// Describe until the status settles.
type Authority interface {
	Request(domain string) (*Certificate, error)
	Describe(certID string) (*Certificate, error)
	Delete(certID string) error
}
