package orchestrator

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/havocsh/havoc-sub000/pkg/apierr"
	"github.com/havocsh/havoc-sub000/pkg/events"
	"github.com/havocsh/havoc-sub000/pkg/log"
	"github.com/havocsh/havoc-sub000/pkg/storage"
	"github.com/havocsh/havoc-sub000/pkg/types"
)

// CreatePortGroupRequest describes the portgroup to create
type CreatePortGroupRequest struct {
	PortGroupName string `json:"portgroup_name"`
	Description   string `json:"description,omitempty"`
}

// CreatePortGroup creates an empty portgroup. Rules are managed through
// UpdatePortGroup.
func (o *Orchestrator) CreatePortGroup(userID string, req *CreatePortGroupRequest) (*types.PortGroup, error) {
	if req.PortGroupName == "" {
		return nil, apierr.Validation("portgroup_name is required")
	}
	if _, err := o.store.GetPortGroup(req.PortGroupName); err == nil {
		return nil, apierr.Conflict("portgroup %s already exists", req.PortGroupName)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, stepFail(StepValidate, err)
	}

	pg := &types.PortGroup{
		PortGroupName: req.PortGroupName,
		ACLHandle:     uuid.New().String(),
		Description:   req.Description,
		CreateTime:    time.Now().UTC(),
		UserID:        userID,
	}
	if err := o.store.CreatePortGroup(pg); err != nil {
		return nil, stepFail(StepValidate, err)
	}

	o.broker.Publish(&events.Event{
		Type:    events.EventPortGroupCreated,
		Entity:  pg.PortGroupName,
		UserID:  userID,
		Message: fmt.Sprintf("portgroup %s created", pg.PortGroupName),
	})
	log.WithComponent("orchestrator").Info().
		Str("portgroup", pg.PortGroupName).
		Msg("portgroup created")

	return pg, nil
}

// UpdatePortGroupRequest adds and removes access rules
type UpdatePortGroupRequest struct {
	PortGroupName string          `json:"portgroup_name"`
	AddRules      []types.ACLRule `json:"add_rules,omitempty"`
	RemoveRules   []types.ACLRule `json:"remove_rules,omitempty"`
}

// UpdatePortGroup applies rule additions and removals. The control plane's
// own port is reserved and refused.
func (o *Orchestrator) UpdatePortGroup(userID string, req *UpdatePortGroupRequest) (*types.PortGroup, error) {
	if req.PortGroupName == "" {
		return nil, apierr.Validation("portgroup_name is required")
	}
	for _, rule := range req.AddRules {
		if err := validateRule(rule); err != nil {
			return nil, err
		}
	}

	pg, err := o.store.GetPortGroup(req.PortGroupName)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apierr.NotFound("portgroup %s not found", req.PortGroupName)
		}
		return nil, stepFail(StepValidate, err)
	}

	for _, rule := range req.RemoveRules {
		pg.Rules = removeRule(pg.Rules, rule)
	}
	for _, rule := range req.AddRules {
		pg.Rules = addRule(pg.Rules, rule)
	}

	if err := o.store.UpdatePortGroup(pg); err != nil {
		return nil, stepFail(StepUpdatePortGroup, err)
	}

	log.WithComponent("orchestrator").Info().
		Str("portgroup", pg.PortGroupName).
		Int("rules", len(pg.Rules)).
		Msg("portgroup updated")

	return pg, nil
}

// DeletePortGroup removes a portgroup nothing references
func (o *Orchestrator) DeletePortGroup(userID, name string) error {
	pg, err := o.store.GetPortGroup(name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apierr.NotFound("portgroup %s not found", name)
		}
		return stepFail(StepValidate, err)
	}

	if len(types.ParseRefs(pg.Tasks)) > 0 {
		return apierr.Conflict("portgroup %s is referenced by tasks", name)
	}
	if len(types.ParseRefs(pg.Listeners)) > 0 {
		return apierr.Conflict("portgroup %s is referenced by listeners", name)
	}

	if err := o.store.DeletePortGroup(name); err != nil {
		return stepFail(StepValidate, err)
	}

	o.broker.Publish(&events.Event{
		Type:    events.EventPortGroupDeleted,
		Entity:  name,
		UserID:  userID,
		Message: fmt.Sprintf("portgroup %s deleted", name),
	})
	log.WithComponent("orchestrator").Info().
		Str("portgroup", name).
		Msg("portgroup deleted")

	return nil
}

// GetPortGroup returns one portgroup
func (o *Orchestrator) GetPortGroup(name string) (*types.PortGroup, error) {
	pg, err := o.store.GetPortGroup(name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apierr.NotFound("portgroup %s not found", name)
		}
		return nil, apierr.Provider("get_portgroup", err)
	}
	return pg, nil
}

// ListPortGroups returns all portgroups
func (o *Orchestrator) ListPortGroups() ([]*types.PortGroup, error) {
	pgs, err := o.store.ListPortGroups()
	if err != nil {
		return nil, apierr.Provider("list_portgroups", err)
	}
	return pgs, nil
}

func validateRule(rule types.ACLRule) error {
	if rule.Port == types.ReservedPort {
		return apierr.Validation("port %d is reserved", types.ReservedPort)
	}
	if rule.Port <= 0 || rule.Port > 65535 {
		return apierr.Validation("port %d is out of range", rule.Port)
	}
	switch strings.ToLower(rule.Protocol) {
	case "tcp", "udp":
	default:
		return apierr.Validation("protocol %q must be tcp or udp", rule.Protocol)
	}
	if rule.CIDR == "" {
		return apierr.Validation("cidr is required")
	}
	if strings.Contains(rule.CIDR, "/") {
		if _, _, err := net.ParseCIDR(rule.CIDR); err != nil {
			return apierr.Validation("invalid cidr %q", rule.CIDR)
		}
	} else if net.ParseIP(rule.CIDR) == nil {
		return apierr.Validation("invalid cidr %q", rule.CIDR)
	}
	return nil
}

func addRule(rules []types.ACLRule, rule types.ACLRule) []types.ACLRule {
	for _, r := range rules {
		if r == rule {
			return rules
		}
	}
	return append(rules, rule)
}

func removeRule(rules []types.ACLRule, rule types.ACLRule) []types.ACLRule {
	out := make([]types.ACLRule, 0, len(rules))
	for _, r := range rules {
		if r != rule {
			out = append(out, r)
		}
	}
	return out
}
