package auth

import (
	"crypto/hmac"
	"encoding/hex"
	"time"

	"github.com/havocsh/havoc-sub000/pkg/apierr"
	"github.com/havocsh/havoc-sub000/pkg/types"
)

// MaxClockSkew bounds replay exposure: a signature dated more than this far
// from verification time is rejected. The window is symmetric.
const MaxClockSkew = 600 * time.Second

// Scope is the capability scope attached to a verified request.
type Scope int

const (
	// ScopeFullAPI admits every control-plane call.
	ScopeFullAPI Scope = iota
	// ScopeRemoteTask admits only the task-facing endpoints, optionally
	// pinned to a single task name.
	ScopeRemoteTask
)

// Context is the authorization context produced by a successful
// verification.
type Context struct {
	UserID   string
	Scope    Scope
	TaskName string
}

// AllowsTask reports whether the context may act as the named task.
func (c *Context) AllowsTask(taskName string) bool {
	if c.Scope == ScopeFullAPI {
		return true
	}
	return c.TaskName == "*" || c.TaskName == taskName
}

// CredentialSource looks up credentials by API key.
type CredentialSource interface {
	GetCredentialByAPIKey(apiKey string) (*types.Credential, error)
}

// Verifier checks request signatures statelessly. Every failure mode
// collapses to the same denied outcome so callers cannot distinguish an
// unknown key from a bad signature.
type Verifier struct {
	creds     CredentialSource
	region    string
	apiDomain string
	now       func() time.Time
}

// NewVerifier creates a verifier bound to this deployment's region and API
// domain.
func NewVerifier(creds CredentialSource, region, apiDomain string) *Verifier {
	return &Verifier{
		creds:     creds,
		region:    region,
		apiDomain: apiDomain,
		now:       time.Now,
	}
}

// errDenied is the single externally visible authentication failure.
func errDenied() error {
	return apierr.Unauthorized("denied")
}

// Verify checks the three request headers and returns the authorization
// context on success.
func (v *Verifier) Verify(apiKey, sigDate, signature string) (*Context, error) {
	if apiKey == "" || sigDate == "" || signature == "" {
		return nil, errDenied()
	}

	cred, err := v.creds.GetCredentialByAPIKey(apiKey)
	if err != nil {
		return nil, errDenied()
	}

	now := v.now().UTC()

	ts, err := time.Parse(SigDateFormat, sigDate)
	if err != nil {
		return nil, errDenied()
	}
	skew := now.Sub(ts)
	if skew > MaxClockSkew || skew < -MaxClockSkew {
		return nil, errDenied()
	}

	// The date stamp in the derivation is the verifier's calendar date,
	// not the caller's.
	dateStamp := now.Format(DateStampFormat)
	expected := Sign(cred.Secret, sigDate, dateStamp, v.region, v.apiDomain, apiKey)

	got, err := hex.DecodeString(signature)
	if err != nil {
		return nil, errDenied()
	}
	want, _ := hex.DecodeString(expected)
	if !hmac.Equal(got, want) {
		return nil, errDenied()
	}

	authCtx := &Context{UserID: cred.UserID, Scope: ScopeFullAPI}
	if cred.RemoteTask {
		authCtx.Scope = ScopeRemoteTask
		authCtx.TaskName = cred.TaskName
		if authCtx.TaskName == "" {
			authCtx.TaskName = "*"
		}
	}
	return authCtx, nil
}
