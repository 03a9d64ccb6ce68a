package types

import (
	"time"
)

// NoneSentinel is the wire representation of an empty reference set.
// In-memory reference sets are plain string slices; the sentinel exists
// only at the serialization boundary (see SentinelRefs / ParseRefs).
const NoneSentinel = "None"

// PlacementExternal marks a task that registered itself from outside the
// compute fleet and has no fleet handle to stop on termination.
const PlacementExternal = "remote"

// ReservedPort is refused in portgroup rule updates. It is the port the
// control plane reserves for its own use on worker hosts.
const ReservedPort = 55553

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	TaskStarting   TaskStatus = "starting"
	TaskIdle       TaskStatus = "idle"
	TaskBusy       TaskStatus = "busy"
	TaskTerminated TaskStatus = "terminated"
)

// Task is an ephemeral worker process executing operator instructions.
// Tasks are never deleted from the store; they transition to terminated
// and remain queryable.
type Task struct {
	TaskName          string            `json:"task_name"`
	TaskType          string            `json:"task_type"`
	TaskVersion       string            `json:"task_version"`
	TaskContext       string            `json:"task_context"`
	Status            TaskStatus        `json:"status"`
	PublicIP          string            `json:"public_ip"`
	LocalIP           []string          `json:"local_ip"`
	PortGroups        []string          `json:"portgroups"`
	Listeners         []string          `json:"listeners"`
	InstructIDs       []string          `json:"instruct_ids"`
	InstructInstances []string          `json:"instruct_instances"`
	LastInstruct      *Instruction      `json:"last_instruct,omitempty"`
	CreateTime        time.Time         `json:"create_time"`
	ScheduledEndTime  time.Time         `json:"scheduled_end_time"`
	UserID            string            `json:"user_id"`
	Placement         string            `json:"placement"`
	Env               map[string]string `json:"env,omitempty"`
}

// FleetManaged reports whether the task has a compute-fleet placement the
// control plane is responsible for stopping.
func (t *Task) FleetManaged() bool {
	return t.Placement != "" && t.Placement != PlacementExternal
}

// HasListeners reports whether any listener currently fronts the task.
func (t *Task) HasListeners() bool {
	for _, l := range t.Listeners {
		if l != NoneSentinel && l != "" {
			return true
		}
	}
	return false
}

// Instruction is a command-plus-arguments object dispatched to a task
// through the mailbox exchange.
type Instruction struct {
	UserID           string            `json:"user_id"`
	TaskName         string            `json:"task_name"`
	InstructID       string            `json:"instruct_id"`
	InstructInstance string            `json:"instruct_instance"`
	Command          string            `json:"command"`
	Args             map[string]string `json:"args,omitempty"`
	Time             time.Time         `json:"time"`
}

// ListenerType is the protocol a listener terminates
type ListenerType string

const (
	ListenerHTTP  ListenerType = "HTTP"
	ListenerHTTPS ListenerType = "HTTPS"
)

// Listener is a load-balanced network entry point fronting exactly one
// task. The handles reference provisioned load-balancer resources.
type Listener struct {
	ListenerName      string       `json:"listener_name"`
	ListenerType      ListenerType `json:"listener_type"`
	Port              int          `json:"port"`
	TaskName          string       `json:"task_name"`
	PortGroups        []string     `json:"portgroups"`
	HostName          string       `json:"host_name,omitempty"`
	DomainName        string       `json:"domain_name,omitempty"`
	LoadBalancer      string       `json:"load_balancer,omitempty"`
	TargetGroup       string       `json:"target_group,omitempty"`
	ForwardRule       string       `json:"forward_rule,omitempty"`
	Certificate       string       `json:"certificate,omitempty"`
	DNSRecord         string       `json:"dns_record,omitempty"`
	CreateTime        time.Time    `json:"create_time"`
	UserID            string       `json:"user_id"`
}

// DNSRecord is a zone record handled by the DNS provider.
type DNSRecord struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Domain binds a hosted zone and a wildcard certificate to a name tasks
// and listeners can attach to.
type Domain struct {
	DomainName       string     `json:"domain_name"`
	HostedZone       string     `json:"hosted_zone"`
	Certificate      string     `json:"certificate,omitempty"`
	ValidationRecord *DNSRecord `json:"validation_record,omitempty"`
	Tasks            []string   `json:"tasks"`
	Listeners        []string   `json:"listeners"`
	HostNames        []string   `json:"host_names"`
	APIDomain        bool       `json:"api_domain"`
	CreateTime       time.Time  `json:"create_time"`
	UserID           string     `json:"user_id"`
}

// ACLRule is one network-access rule in a portgroup.
type ACLRule struct {
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
	CIDR     string `json:"cidr"`
}

// PortGroup is a named set of network-access rules shared by tasks and
// listeners.
type PortGroup struct {
	PortGroupName string    `json:"portgroup_name"`
	ACLHandle     string    `json:"acl_handle,omitempty"`
	Description   string    `json:"description,omitempty"`
	Rules         []ACLRule `json:"rules,omitempty"`
	Tasks         []string  `json:"tasks"`
	Listeners     []string  `json:"listeners"`
	CreateTime    time.Time `json:"create_time"`
	UserID        string    `json:"user_id"`
}

// Credential identifies an API caller. Admin and RemoteTask are mutually
// exclusive; a remote-task credential is scoped to one task name or "*".
type Credential struct {
	UserID     string    `json:"user_id"`
	APIKey     string    `json:"api_key"`
	Secret     string    `json:"secret"`
	Admin      bool      `json:"admin"`
	RemoteTask bool      `json:"remote_task"`
	TaskName   string    `json:"task_name,omitempty"`
	CreateTime time.Time `json:"create_time"`
}

// ResultEntry is one append-only result-queue record keyed by
// (Name, RunTime).
type ResultEntry struct {
	Name             string            `json:"name"`
	RunTime          int64             `json:"run_time"`
	InstructID       string            `json:"instruct_id"`
	InstructInstance string            `json:"instruct_instance"`
	Command          string            `json:"command"`
	Args             map[string]string `json:"args,omitempty"`
	Output           string            `json:"output"`
	UserID           string            `json:"user_id"`
	ForwardLog       bool              `json:"forward_log"`
	ExpireTime       int64             `json:"expire_time"`
}

// TaskResult is the wire payload a worker posts for one completed command.
type TaskResult struct {
	TaskName         string            `json:"task_name"`
	TaskContext      string            `json:"task_context,omitempty"`
	InstructID       string            `json:"instruct_id"`
	InstructInstance string            `json:"instruct_instance"`
	Command          string            `json:"command"`
	Args             map[string]string `json:"args,omitempty"`
	Output           string            `json:"output"`
	PublicIP         string            `json:"public_ip,omitempty"`
	LocalIP          []string          `json:"local_ip,omitempty"`
	ForwardLog       bool              `json:"forward_log"`
	Timestamp        int64             `json:"timestamp"`
	UserID           string            `json:"user_id,omitempty"`
}

// SentinelRefs converts an in-memory reference set to its wire form: an
// empty set is represented as {"None"}, never as a true empty set.
func SentinelRefs(refs []string) []string {
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		if r != "" && r != NoneSentinel {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return []string{NoneSentinel}
	}
	return out
}

// ParseRefs converts a wire reference set back to its in-memory form,
// stripping the sentinel.
func ParseRefs(refs []string) []string {
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		if r != "" && r != NoneSentinel {
			out = append(out, r)
		}
	}
	return out
}

// AddRef appends name to the set if absent.
func AddRef(refs []string, name string) []string {
	for _, r := range refs {
		if r == name {
			return refs
		}
	}
	return append(ParseRefs(refs), name)
}

// RemoveRef removes name from the set.
func RemoveRef(refs []string, name string) []string {
	out := make([]string, 0, len(refs))
	for _, r := range ParseRefs(refs) {
		if r != name {
			out = append(out, r)
		}
	}
	return out
}
