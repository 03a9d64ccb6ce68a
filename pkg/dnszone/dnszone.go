package dnszone

import (
	"github.com/havocsh/havoc-sub000/pkg/types"
)

// Zone is a hosted zone the provider can answer for. Name carries the
// trailing dot, matching DNS presentation format.
type Zone struct {
	ZoneID string
	Name   string
}

// Provider is the DNS collaborator: hosted-zone lookup plus record
// upsert/delete. Implementations must use the record's own type for both
// directions; deleting with a different type than the record was created
// with is not supported.
type Provider interface {
	DescribeZone(zoneID string) (*Zone, error)
	Upsert(zoneID string, rec types.DNSRecord) error
	Delete(zoneID string, rec types.DNSRecord) error
}
