package storage

import (
	"errors"

	"github.com/havocsh/havoc-sub000/pkg/types"
)

// ErrNotFound is wrapped by lookups for absent entities.
var ErrNotFound = errors.New("not found")

// ErrStatusConflict is returned by CompareAndSwapTaskStatus when the stored
// status no longer matches the expected prior status.
var ErrStatusConflict = errors.New("status conflict")

// Store defines the typed accessor over the key-value store. All writes are
// per-entity read-modify-write sequences; there are no multi-entity
// transactions.
type Store interface {
	// Tasks. Tasks are never deleted; they terminate and remain queryable.
	CreateTask(task *types.Task) error
	GetTask(name string) (*types.Task, error)
	ListTasks() ([]*types.Task, error)
	ListTasksPage(startAfter string, limit int) ([]*types.Task, string, error)
	UpdateTask(task *types.Task) error
	// CompareAndSwapTaskStatus transitions a task's status only if it still
	// equals from, closing the read-before-write race on instruct.
	CompareAndSwapTaskStatus(name string, from, to types.TaskStatus) error

	// Listeners
	CreateListener(l *types.Listener) error
	GetListener(name string) (*types.Listener, error)
	ListListeners() ([]*types.Listener, error)
	UpdateListener(l *types.Listener) error
	DeleteListener(name string) error

	// Domains
	CreateDomain(d *types.Domain) error
	GetDomain(name string) (*types.Domain, error)
	ListDomains() ([]*types.Domain, error)
	UpdateDomain(d *types.Domain) error
	DeleteDomain(name string) error

	// PortGroups
	CreatePortGroup(pg *types.PortGroup) error
	GetPortGroup(name string) (*types.PortGroup, error)
	ListPortGroups() ([]*types.PortGroup, error)
	UpdatePortGroup(pg *types.PortGroup) error
	DeletePortGroup(name string) error

	// Credentials
	CreateCredential(c *types.Credential) error
	GetCredential(userID string) (*types.Credential, error)
	GetCredentialByAPIKey(apiKey string) (*types.Credential, error)
	ListCredentials() ([]*types.Credential, error)
	DeleteCredential(userID string) error

	// Result queues, keyed by (name, run-time epoch seconds). Append-only.
	AppendTaskResult(entry *types.ResultEntry) error
	ListTaskResults(name string) ([]*types.ResultEntry, error)
	AppendTriggerResult(entry *types.ResultEntry) error
	ListTriggerResults(name string) ([]*types.ResultEntry, error)
	// ExpireResults removes queue entries whose expire_time has passed and
	// returns how many were swept.
	ExpireResults(now int64) (int, error)

	Close() error
}
