package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/havocsh/havoc-sub000/pkg/apierr"
	"github.com/havocsh/havoc-sub000/pkg/certauth"
	"github.com/havocsh/havoc-sub000/pkg/events"
	"github.com/havocsh/havoc-sub000/pkg/log"
	"github.com/havocsh/havoc-sub000/pkg/metrics"
	"github.com/havocsh/havoc-sub000/pkg/storage"
	"github.com/havocsh/havoc-sub000/pkg/types"
)

// CreateListenerRequest describes the listener to provision
type CreateListenerRequest struct {
	ListenerName string             `json:"listener_name"`
	ListenerType types.ListenerType `json:"listener_type"`
	Port         int                `json:"port"`
	TaskName     string             `json:"task_name"`
	PortGroups   []string           `json:"portgroups,omitempty"`
	HostName     string             `json:"host_name,omitempty"`
	DomainName   string             `json:"domain_name,omitempty"`
}

// CreateListener runs the provisioning workflow: validate, take portgroup
// back-references, provision the balancer, target group and protocol
// listener, then bind DNS. The listener entity is persisted after
// validation and its handles updated after each step, so a partial failure
// leaves a record DeleteListener can unwind.
func (o *Orchestrator) CreateListener(userID string, req *CreateListenerRequest) (*types.Listener, error) {
	// Step 1: validate.
	if req.ListenerName == "" {
		return nil, apierr.Validation("listener_name is required")
	}
	if req.TaskName == "" {
		return nil, apierr.Validation("task_name is required")
	}
	if req.Port <= 0 || req.Port > 65535 {
		return nil, apierr.Validation("port %d is out of range", req.Port)
	}
	if req.ListenerType != types.ListenerHTTP && req.ListenerType != types.ListenerHTTPS {
		return nil, apierr.Validation("listener_type must be HTTP or HTTPS")
	}
	if req.ListenerType == types.ListenerHTTPS && (req.HostName == "" || req.DomainName == "") {
		return nil, apierr.Validation("HTTPS listeners require host_name and domain_name")
	}
	if (req.HostName == "") != (req.DomainName == "") {
		return nil, apierr.Validation("host_name and domain_name must be set together")
	}
	if len(types.ParseRefs(req.PortGroups)) == 0 {
		return nil, apierr.Validation("at least one portgroup is required")
	}

	if _, err := o.store.GetListener(req.ListenerName); err == nil {
		return nil, apierr.Conflict("listener %s already exists", req.ListenerName)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, stepFail(StepValidate, err)
	}

	task, err := o.store.GetTask(req.TaskName)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apierr.NotFound("task %s not found", req.TaskName)
		}
		return nil, stepFail(StepValidate, err)
	}
	if task.Status == types.TaskTerminated {
		return nil, apierr.Conflict("task %s is terminated", req.TaskName)
	}
	if !task.FleetManaged() {
		return nil, apierr.Conflict("task %s is not fleet-managed", req.TaskName)
	}

	var domain *types.Domain
	if req.DomainName != "" {
		domain, err = o.store.GetDomain(req.DomainName)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, apierr.NotFound("domain %s not found", req.DomainName)
			}
			return nil, stepFail(StepValidate, err)
		}
	}

	listener := &types.Listener{
		ListenerName: req.ListenerName,
		ListenerType: req.ListenerType,
		Port:         req.Port,
		TaskName:     req.TaskName,
		PortGroups:   types.ParseRefs(req.PortGroups),
		HostName:     req.HostName,
		DomainName:   req.DomainName,
		CreateTime:   time.Now().UTC(),
		UserID:       userID,
	}

	// Step 2: portgroup back-references land before any infrastructure so
	// a later failure leaves a visible-but-harmless reference.
	for _, pgName := range listener.PortGroups {
		pg, err := o.store.GetPortGroup(pgName)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, apierr.NotFound("portgroup %s not found", pgName)
			}
			return nil, stepFail(StepUpdatePortGroup, err)
		}
		pg.Listeners = types.AddRef(pg.Listeners, listener.ListenerName)
		if err := o.store.UpdatePortGroup(pg); err != nil {
			return nil, stepFail(StepUpdatePortGroup, err)
		}
	}

	if err := o.store.CreateListener(listener); err != nil {
		return nil, stepFail(StepValidate, err)
	}

	// Step 3: load balancer.
	balancer, err := o.lb.CreateLoadBalancer(listener.ListenerName)
	if err != nil {
		return nil, stepFail(StepCreateLB, err)
	}
	listener.LoadBalancer = balancer.LBID
	if err := o.store.UpdateListener(listener); err != nil {
		return nil, stepFail(StepCreateLB, err)
	}

	// Step 4: target group plus the task's network target.
	tg, err := o.lb.CreateTargetGroup(listener.ListenerName, listener.Port)
	if err != nil {
		return nil, stepFail(StepCreateTargetGroup, err)
	}
	listener.TargetGroup = tg.TGID
	if err := o.store.UpdateListener(listener); err != nil {
		return nil, stepFail(StepCreateTargetGroup, err)
	}
	if err := o.lb.RegisterTarget(tg.TGID, taskTarget(task)); err != nil {
		return nil, stepFail(StepCreateTargetGroup, err)
	}

	// Step 5: protocol listener, resolving a certificate for HTTPS.
	var certPEM, keyPEM []byte
	if listener.ListenerType == types.ListenerHTTPS {
		cert, err := o.resolveCertificate(domain)
		if err != nil {
			return nil, err
		}
		listener.Certificate = cert.CertID
		certPEM, keyPEM = cert.CertPEM, cert.KeyPEM
	}
	rule, err := o.lb.CreateForwardRule(balancer.LBID, tg.TGID, listener.Port, listener.ListenerType, certPEM, keyPEM)
	if err != nil {
		return nil, stepFail(StepCreateListener, err)
	}
	listener.ForwardRule = rule.RuleID
	if err := o.store.UpdateListener(listener); err != nil {
		return nil, stepFail(StepCreateListener, err)
	}

	// Step 6: DNS record and domain back-references.
	if domain != nil {
		fqdn := listener.HostName + "." + domain.DomainName
		rec := types.DNSRecord{
			Name:  fqdn,
			Type:  "CNAME",
			Value: balancer.DNSName,
		}
		if err := o.dns.Upsert(domain.HostedZone, rec); err != nil {
			return nil, stepFail(StepCreateDNSRecord, err)
		}
		listener.DNSRecord = fqdn
		if err := o.store.UpdateListener(listener); err != nil {
			return nil, stepFail(StepCreateDNSRecord, err)
		}

		domain.Tasks = types.AddRef(domain.Tasks, task.TaskName)
		domain.HostNames = types.AddRef(domain.HostNames, listener.HostName)
		domain.Listeners = types.AddRef(domain.Listeners, listener.ListenerName)
		if err := o.store.UpdateDomain(domain); err != nil {
			return nil, stepFail(StepCreateDNSRecord, err)
		}
	}

	task.Listeners = types.AddRef(task.Listeners, listener.ListenerName)
	if err := o.store.UpdateTask(task); err != nil {
		return nil, stepFail(StepCreateListener, err)
	}

	o.broker.Publish(&events.Event{
		Type:    events.EventListenerCreated,
		Entity:  listener.ListenerName,
		UserID:  userID,
		Message: fmt.Sprintf("listener %s provisioned on port %d", listener.ListenerName, listener.Port),
	})
	log.WithComponent("orchestrator").Info().
		Str("listener", listener.ListenerName).
		Str("type", string(listener.ListenerType)).
		Int("port", listener.Port).
		Msg("listener provisioned")
	metrics.ListenersTotal.Inc()

	return listener, nil
}

// resolveCertificate finds an issued certificate for the domain. A domain
// without one, or with one still pending, fails the workflow.
func (o *Orchestrator) resolveCertificate(domain *types.Domain) (*certauth.Certificate, error) {
	if domain == nil || domain.Certificate == "" {
		return nil, apierr.NotFound("no certificate found for domain")
	}
	cert, err := o.certs.Describe(domain.Certificate)
	if err != nil {
		return nil, stepFail(StepCreateListener, err)
	}
	if cert.Status != certauth.StatusIssued {
		return nil, apierr.Conflict("certificate for domain %s is not issued yet", domain.DomainName)
	}
	return cert, nil
}

// DeleteListener unwinds the provisioning steps in reverse order. It is
// the compensation path and tolerates a partially created listener: empty
// handles are skipped and already-gone provider resources do not fail the
// workflow.
func (o *Orchestrator) DeleteListener(userID, listenerName string) error {
	listener, err := o.store.GetListener(listenerName)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apierr.NotFound("listener %s not found", listenerName)
		}
		return stepFail(StepValidate, err)
	}

	// DNS record and domain back-references first.
	if listener.DomainName != "" {
		domain, err := o.store.GetDomain(listener.DomainName)
		if err == nil {
			if listener.DNSRecord != "" {
				rec := types.DNSRecord{Name: listener.DNSRecord, Type: "CNAME"}
				if err := o.dns.Delete(domain.HostedZone, rec); err != nil && !apierr.IsKind(err, apierr.KindNotFound) {
					return stepFail(StepDeleteDNSRecord, err)
				}
			}
			domain.HostNames = types.RemoveRef(domain.HostNames, listener.HostName)
			domain.Listeners = types.RemoveRef(domain.Listeners, listener.ListenerName)
			domain.Tasks = types.RemoveRef(domain.Tasks, listener.TaskName)
			if err := o.store.UpdateDomain(domain); err != nil {
				return stepFail(StepDeleteDNSRecord, err)
			}
		} else if !errors.Is(err, storage.ErrNotFound) {
			return stepFail(StepDeleteDNSRecord, err)
		}
	}

	if listener.ForwardRule != "" {
		if err := o.lb.DeleteForwardRule(listener.ForwardRule); err != nil && !apierr.IsKind(err, apierr.KindNotFound) {
			return stepFail(StepDeleteListener, err)
		}
	}
	if listener.TargetGroup != "" {
		if err := o.lb.DeleteTargetGroup(listener.TargetGroup); err != nil && !apierr.IsKind(err, apierr.KindNotFound) {
			return stepFail(StepDeleteTargetGroup, err)
		}
	}
	if listener.LoadBalancer != "" {
		if err := o.lb.DeleteLoadBalancer(listener.LoadBalancer); err != nil && !apierr.IsKind(err, apierr.KindNotFound) {
			return stepFail(StepDeleteLB, err)
		}
	}

	for _, pgName := range types.ParseRefs(listener.PortGroups) {
		pg, err := o.store.GetPortGroup(pgName)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return stepFail(StepUpdatePortGroup, err)
		}
		pg.Listeners = types.RemoveRef(pg.Listeners, listenerName)
		if err := o.store.UpdatePortGroup(pg); err != nil {
			return stepFail(StepUpdatePortGroup, err)
		}
	}

	if task, err := o.store.GetTask(listener.TaskName); err == nil {
		task.Listeners = types.RemoveRef(task.Listeners, listenerName)
		if err := o.store.UpdateTask(task); err != nil {
			return stepFail(StepDeleteListener, err)
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return stepFail(StepDeleteListener, err)
	}

	if err := o.store.DeleteListener(listenerName); err != nil {
		return stepFail(StepDeleteListener, err)
	}

	o.broker.Publish(&events.Event{
		Type:    events.EventListenerDeleted,
		Entity:  listenerName,
		UserID:  userID,
		Message: fmt.Sprintf("listener %s deleted", listenerName),
	})
	log.WithComponent("orchestrator").Info().
		Str("listener", listenerName).
		Msg("listener deleted")
	metrics.ListenersTotal.Dec()

	return nil
}

// GetListener returns one listener
func (o *Orchestrator) GetListener(name string) (*types.Listener, error) {
	l, err := o.store.GetListener(name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apierr.NotFound("listener %s not found", name)
		}
		return nil, apierr.Provider("get_listener", err)
	}
	return l, nil
}

// ListListeners returns all listeners
func (o *Orchestrator) ListListeners() ([]*types.Listener, error) {
	ls, err := o.store.ListListeners()
	if err != nil {
		return nil, apierr.Provider("list_listeners", err)
	}
	return ls, nil
}

// taskTarget picks the address the target group forwards to: the task's
// first local address, or its public address when none was recorded.
func taskTarget(task *types.Task) string {
	if len(task.LocalIP) > 0 {
		return task.LocalIP[0]
	}
	return task.PublicIP
}
