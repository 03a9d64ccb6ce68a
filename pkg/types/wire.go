package types

import "encoding/json"

// Request is the envelope every control-plane call carries.
type Request struct {
	Command  string          `json:"command"`
	Resource string          `json:"resource"`
	Detail   json.RawMessage `json:"detail,omitempty"`
}

// Envelope commands
const (
	CommandCreate = "create"
	CommandDelete = "delete"
	CommandGet    = "get"
	CommandList   = "list"
	CommandUpdate = "update"
	CommandKill   = "kill"
)

// Envelope resources
const (
	ResourceTask      = "task"
	ResourceListener  = "listener"
	ResourceDomain    = "domain"
	ResourcePortGroup = "portgroup"
	ResourceUser      = "user"
)

// Response outcome values
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
)
