package orchestrator

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/havocsh/havoc-sub000/pkg/apierr"
	"github.com/havocsh/havoc-sub000/pkg/certauth"
	"github.com/havocsh/havoc-sub000/pkg/events"
	"github.com/havocsh/havoc-sub000/pkg/log"
	"github.com/havocsh/havoc-sub000/pkg/storage"
	"github.com/havocsh/havoc-sub000/pkg/types"
)

// CreateDomainRequest binds a domain name to a hosted zone
type CreateDomainRequest struct {
	DomainName string `json:"domain_name"`
	HostedZone string `json:"hosted_zone"`
}

// CreateDomain chains zone ownership verification, wildcard certificate
// issuance, the certificate authority's DNS validation record, and finally
// the Domain entity. Ownership is checked first so a bad zone fails before
// any certificate is requested.
func (o *Orchestrator) CreateDomain(userID string, req *CreateDomainRequest) (*types.Domain, error) {
	if req.DomainName == "" {
		return nil, apierr.Validation("domain_name is required")
	}
	if req.HostedZone == "" {
		return nil, apierr.Validation("hosted_zone is required")
	}

	zone, err := o.dns.DescribeZone(req.HostedZone)
	if err != nil {
		if apierr.IsKind(err, apierr.KindNotFound) {
			return nil, apierr.NotFound("invalid_domain: hosted zone %s not found", req.HostedZone)
		}
		return nil, stepFail(StepValidate, err)
	}
	if !zoneServes(zone.Name, req.DomainName) {
		return nil, apierr.NotFound("invalid_domain: hosted zone %s serves %s, not %s",
			req.HostedZone, strings.TrimSuffix(zone.Name, "."), req.DomainName)
	}

	if _, err := o.store.GetDomain(req.DomainName); err == nil {
		return nil, apierr.Conflict("domain %s already exists", req.DomainName)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, stepFail(StepValidate, err)
	}

	cert, err := o.certs.Request(req.DomainName)
	if err != nil {
		return nil, stepFail(StepRequestCert, err)
	}

	// The authority exposes its validation challenge asynchronously; wait
	// for it, then mirror the record into the hosted zone. Authorities
	// that validate out of band surface no challenge and skip the record.
	validation, err := o.awaitValidation(cert.CertID)
	if err != nil {
		return nil, err
	}
	if validation != nil {
		if err := o.dns.Upsert(req.HostedZone, *validation); err != nil {
			return nil, stepFail(StepCreateDNSRecord, err)
		}
	}

	domain := &types.Domain{
		DomainName:       req.DomainName,
		HostedZone:       req.HostedZone,
		Certificate:      cert.CertID,
		ValidationRecord: validation,
		CreateTime:       time.Now().UTC(),
		UserID:           userID,
	}
	if err := o.store.CreateDomain(domain); err != nil {
		return nil, stepFail(StepValidate, err)
	}

	o.broker.Publish(&events.Event{
		Type:    events.EventDomainCreated,
		Entity:  domain.DomainName,
		UserID:  userID,
		Message: fmt.Sprintf("domain %s created on zone %s", domain.DomainName, domain.HostedZone),
	})
	log.WithComponent("orchestrator").Info().
		Str("domain", domain.DomainName).
		Str("hosted_zone", domain.HostedZone).
		Msg("domain created")

	return domain, nil
}

// awaitValidation polls the authority until it exposes a validation
// challenge or settles the certificate without one.
func (o *Orchestrator) awaitValidation(certID string) (*types.DNSRecord, error) {
	for attempt := 0; attempt < certWaitAttempts; attempt++ {
		cert, err := o.certs.Describe(certID)
		if err != nil {
			return nil, stepFail(StepAwaitValidation, err)
		}
		switch {
		case cert.Validation != nil:
			return cert.Validation, nil
		case cert.Status == certauth.StatusIssued:
			return nil, nil
		case cert.Status == certauth.StatusFailed:
			return nil, stepFail(StepAwaitValidation, errors.New("certificate issuance failed"))
		}
		time.Sleep(o.settleDelay)
	}
	return nil, stepFail(StepAwaitValidation, errors.New("timed out waiting for validation challenge"))
}

// DeleteDomain removes a domain that nothing references. The API's own
// domain is never deletable.
func (o *Orchestrator) DeleteDomain(userID, domainName string) error {
	domain, err := o.store.GetDomain(domainName)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apierr.NotFound("domain %s not found", domainName)
		}
		return stepFail(StepValidate, err)
	}

	if domain.APIDomain {
		return apierr.Conflict("domain %s is the API domain and cannot be deleted", domainName)
	}
	if len(types.ParseRefs(domain.Tasks)) > 0 {
		return apierr.Conflict("domain %s has associated tasks", domainName)
	}
	if len(types.ParseRefs(domain.Listeners)) > 0 {
		return apierr.Conflict("domain %s has associated listeners", domainName)
	}

	if domain.ValidationRecord != nil {
		if err := o.dns.Delete(domain.HostedZone, *domain.ValidationRecord); err != nil && !apierr.IsKind(err, apierr.KindNotFound) {
			return stepFail(StepDeleteDNSRecord, err)
		}
	}
	if domain.Certificate != "" {
		if err := o.certs.Delete(domain.Certificate); err != nil && !apierr.IsKind(err, apierr.KindNotFound) {
			return stepFail(StepRequestCert, err)
		}
	}

	if err := o.store.DeleteDomain(domainName); err != nil {
		return stepFail(StepValidate, err)
	}

	o.broker.Publish(&events.Event{
		Type:    events.EventDomainDeleted,
		Entity:  domainName,
		UserID:  userID,
		Message: fmt.Sprintf("domain %s deleted", domainName),
	})
	log.WithComponent("orchestrator").Info().
		Str("domain", domainName).
		Msg("domain deleted")

	return nil
}

// GetDomain returns one domain
func (o *Orchestrator) GetDomain(name string) (*types.Domain, error) {
	d, err := o.store.GetDomain(name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apierr.NotFound("domain %s not found", name)
		}
		return nil, apierr.Provider("get_domain", err)
	}
	return d, nil
}

// ListDomains returns all domains
func (o *Orchestrator) ListDomains() ([]*types.Domain, error) {
	ds, err := o.store.ListDomains()
	if err != nil {
		return nil, apierr.Provider("list_domains", err)
	}
	return ds, nil
}

// zoneServes reports whether the hosted zone's name matches the requested
// domain exactly, trailing dot aside.
func zoneServes(zoneName, domainName string) bool {
	return strings.EqualFold(strings.TrimSuffix(zoneName, "."), strings.TrimSuffix(domainName, "."))
}
