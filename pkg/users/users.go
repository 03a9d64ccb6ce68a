package users

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/havocsh/havoc-sub000/pkg/apierr"
	"github.com/havocsh/havoc-sub000/pkg/events"
	"github.com/havocsh/havoc-sub000/pkg/log"
	"github.com/havocsh/havoc-sub000/pkg/storage"
	"github.com/havocsh/havoc-sub000/pkg/types"
)

// Manager owns API credentials. Secrets are generated server-side and
// returned exactly once, on creation.
type Manager struct {
	store  storage.Store
	broker *events.Broker
}

// NewManager creates a credential manager
func NewManager(store storage.Store, broker *events.Broker) *Manager {
	return &Manager{store: store, broker: broker}
}

// CreateRequest describes the credential to mint
type CreateRequest struct {
	UserID     string `json:"user_id"`
	Admin      bool   `json:"admin"`
	RemoteTask bool   `json:"remote_task"`
	TaskName   string `json:"task_name,omitempty"`
}

// Create mints a credential with a fresh API key and secret. Admin and
// remote_task are mutually exclusive; a remote-task credential defaults to
// the wildcard task scope.
func (m *Manager) Create(callerID string, req *CreateRequest) (*types.Credential, error) {
	if req.UserID == "" {
		return nil, apierr.Validation("user_id is required")
	}
	if req.Admin && req.RemoteTask {
		return nil, apierr.Validation("admin and remote_task are mutually exclusive")
	}
	if _, err := m.store.GetCredential(req.UserID); err == nil {
		return nil, apierr.Conflict("user %s already exists", req.UserID)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, apierr.Provider("get_credential", err)
	}

	apiKey, err := randomToken(16)
	if err != nil {
		return nil, apierr.Provider("create_credential", err)
	}
	secret, err := randomToken(32)
	if err != nil {
		return nil, apierr.Provider("create_credential", err)
	}

	taskName := req.TaskName
	if req.RemoteTask && taskName == "" {
		taskName = "*"
	}

	cred := &types.Credential{
		UserID:     req.UserID,
		APIKey:     apiKey,
		Secret:     secret,
		Admin:      req.Admin,
		RemoteTask: req.RemoteTask,
		TaskName:   taskName,
		CreateTime: time.Now().UTC(),
	}
	if err := m.store.CreateCredential(cred); err != nil {
		return nil, apierr.Provider("create_credential", err)
	}

	m.broker.Publish(&events.Event{
		Type:    events.EventCredentialCreated,
		Entity:  cred.UserID,
		UserID:  callerID,
		Message: fmt.Sprintf("credential created for %s", cred.UserID),
	})
	log.WithUser(cred.UserID).Info().
		Bool("admin", cred.Admin).
		Bool("remote_task", cred.RemoteTask).
		Msg("credential created")

	return cred, nil
}

// Delete removes a credential
func (m *Manager) Delete(callerID, userID string) error {
	if _, err := m.store.GetCredential(userID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apierr.NotFound("user %s not found", userID)
		}
		return apierr.Provider("get_credential", err)
	}
	if err := m.store.DeleteCredential(userID); err != nil {
		return apierr.Provider("delete_credential", err)
	}

	m.broker.Publish(&events.Event{
		Type:    events.EventCredentialDeleted,
		Entity:  userID,
		UserID:  callerID,
		Message: fmt.Sprintf("credential deleted for %s", userID),
	})
	log.WithUser(userID).Info().Msg("credential deleted")
	return nil
}

// Get returns one credential with the secret blanked
func (m *Manager) Get(userID string) (*types.Credential, error) {
	cred, err := m.store.GetCredential(userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apierr.NotFound("user %s not found", userID)
		}
		return nil, apierr.Provider("get_credential", err)
	}
	cp := *cred
	cp.Secret = ""
	return &cp, nil
}

// List returns all credentials with secrets blanked
func (m *Manager) List() ([]*types.Credential, error) {
	creds, err := m.store.ListCredentials()
	if err != nil {
		return nil, apierr.Provider("list_credentials", err)
	}
	out := make([]*types.Credential, 0, len(creds))
	for _, c := range creds {
		cp := *c
		cp.Secret = ""
		out = append(out, &cp)
	}
	return out, nil
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
