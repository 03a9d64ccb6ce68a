package lb

import (
	"github.com/havocsh/havoc-sub000/pkg/types"
)

// LoadBalancer is a provisioned balancer fronting one or more forward
// rules. DNSName is the address DNS records alias to.
type LoadBalancer struct {
	LBID    string
	Name    string
	DNSName string
}

// TargetGroup is a named set of backend addresses sharing a backend port
type TargetGroup struct {
	TGID string
	Name string
	Port int
}

// ForwardRule terminates one protocol on one port and forwards to a
// target group
type ForwardRule struct {
	RuleID      string
	Port        int
	Protocol    types.ListenerType
	TargetGroup string
}

// Provider provisions load-balancer resources. Creation is multi-step by
// nature; callers own ordering and compensation.
type Provider interface {
	CreateLoadBalancer(name string) (*LoadBalancer, error)
	DeleteLoadBalancer(lbID string) error

	CreateTargetGroup(name string, port int) (*TargetGroup, error)
	DeleteTargetGroup(tgID string) error
	RegisterTarget(tgID, addr string) error

	CreateForwardRule(lbID, tgID string, port int, protocol types.ListenerType, certPEM, keyPEM []byte) (*ForwardRule, error)
	DeleteForwardRule(ruleID string) error
}
