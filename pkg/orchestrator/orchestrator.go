package orchestrator

import (
	"errors"
	"time"

	"github.com/havocsh/havoc-sub000/pkg/apierr"
	"github.com/havocsh/havoc-sub000/pkg/certauth"
	"github.com/havocsh/havoc-sub000/pkg/dnszone"
	"github.com/havocsh/havoc-sub000/pkg/events"
	"github.com/havocsh/havoc-sub000/pkg/lb"
	"github.com/havocsh/havoc-sub000/pkg/metrics"
	"github.com/havocsh/havoc-sub000/pkg/storage"
)

// Provisioning step markers. Failures carry the step name so the operator
// knows what to compensate for; the delete path is the compensation.
const (
	StepValidate          = "validate"
	StepUpdatePortGroup   = "update_portgroup"
	StepCreateLB          = "create_load_balancer"
	StepCreateTargetGroup = "create_target_group"
	StepCreateListener    = "create_listener"
	StepCreateDNSRecord   = "create_dns_record"
	StepRequestCert       = "request_certificate"
	StepAwaitValidation   = "await_validation"
	StepDeleteDNSRecord   = "delete_dns_record"
	StepDeleteListener    = "delete_listener"
	StepDeleteTargetGroup = "delete_target_group"
	StepDeleteLB          = "delete_load_balancer"
)

// certWaitAttempts bounds the validation-challenge wait loop
const certWaitAttempts = 30

// Orchestrator drives the multi-step create and delete workflows for
// listeners, domains and portgroups. Steps are individually durable,
// never wrapped in a transaction; a failure short-circuits with its step
// marker and no automatic rollback, relying on the delete path being safe
// to run against a partially created resource.
type Orchestrator struct {
	store  storage.Store
	dns    dnszone.Provider
	certs  certauth.Authority
	lb     lb.Provider
	broker *events.Broker

	settleDelay time.Duration
}

// Config wires the orchestrator's collaborators
type Config struct {
	Store       storage.Store
	DNS         dnszone.Provider
	Certs       certauth.Authority
	LB          lb.Provider
	Broker      *events.Broker
	SettleDelay time.Duration
}

// New creates an orchestrator
func New(cfg Config) *Orchestrator {
	return &Orchestrator{
		store:       cfg.Store,
		dns:         cfg.DNS,
		certs:       cfg.Certs,
		lb:          cfg.LB,
		broker:      cfg.Broker,
		settleDelay: cfg.SettleDelay,
	}
}

func stepFail(step string, err error) error {
	metrics.StepFailuresTotal.WithLabelValues(step).Inc()
	var e *apierr.Error
	if errors.As(err, &e) {
		if e.Step == "" {
			e.Step = step
		}
		return e
	}
	return apierr.Provider(step, err)
}
