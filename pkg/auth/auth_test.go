package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/havocsh/havoc-sub000/pkg/apierr"
	"github.com/havocsh/havoc-sub000/pkg/types"
)

type fakeCreds struct {
	byKey map[string]*types.Credential
}

func (f *fakeCreds) GetCredentialByAPIKey(apiKey string) (*types.Credential, error) {
	cred, ok := f.byKey[apiKey]
	if !ok {
		return nil, apierr.NotFound("credential not found")
	}
	return cred, nil
}

func testVerifier(now time.Time) (*Verifier, *types.Credential) {
	cred := &types.Credential{
		UserID: "operator1",
		APIKey: "key123",
		Secret: "secret456",
	}
	v := NewVerifier(&fakeCreds{byKey: map[string]*types.Credential{cred.APIKey: cred}}, "region1", "api.example.com")
	v.now = func() time.Time { return now }
	return v, cred
}

// TestSignDeterministic verifies the same inputs always produce the same
// signature and any single input change produces a different one.
func TestSignDeterministic(t *testing.T) {
	sig1 := Sign("secret", "20260901T120000Z", "20260901", "region1", "api.example.com", "key")
	sig2 := Sign("secret", "20260901T120000Z", "20260901", "region1", "api.example.com", "key")
	assert.Equal(t, sig1, sig2)

	variants := []string{
		Sign("other", "20260901T120000Z", "20260901", "region1", "api.example.com", "key"),
		Sign("secret", "20260901T120001Z", "20260901", "region1", "api.example.com", "key"),
		Sign("secret", "20260901T120000Z", "20260902", "region1", "api.example.com", "key"),
		Sign("secret", "20260901T120000Z", "20260901", "region2", "api.example.com", "key"),
		Sign("secret", "20260901T120000Z", "20260901", "region1", "api.other.com", "key"),
		Sign("secret", "20260901T120000Z", "20260901", "region1", "api.example.com", "key2"),
	}
	for i, v := range variants {
		assert.NotEqual(t, sig1, v, "variant %d should differ", i)
	}
}

func TestVerifyAcceptsValidSignature(t *testing.T) {
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	v, cred := testVerifier(now)

	sigDate, signature := SignNow(cred.Secret, "region1", "api.example.com", cred.APIKey, now)
	ctx, err := v.Verify(cred.APIKey, sigDate, signature)
	require.NoError(t, err)
	assert.Equal(t, "operator1", ctx.UserID)
	assert.Equal(t, ScopeFullAPI, ctx.Scope)
	assert.True(t, ctx.AllowsTask("anything"))
}

func TestVerifyClockSkewWindow(t *testing.T) {
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		signed time.Time
		wantOK bool
	}{
		{"exact", now, true},
		{"past within window", now.Add(-599 * time.Second), true},
		{"future within window", now.Add(599 * time.Second), true},
		{"past beyond window", now.Add(-601 * time.Second), false},
		{"future beyond window", now.Add(601 * time.Second), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, cred := testVerifier(now)
			sigDate := tt.signed.UTC().Format(SigDateFormat)
			// Derivation always uses the verifier's calendar date.
			signature := Sign(cred.Secret, sigDate, now.Format(DateStampFormat), "region1", "api.example.com", cred.APIKey)
			_, err := v.Verify(cred.APIKey, sigDate, signature)
			if tt.wantOK {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

// TestVerifyDeniedUniform verifies every failure mode yields the identical
// error so callers cannot probe for valid API keys.
func TestVerifyDeniedUniform(t *testing.T) {
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	v, cred := testVerifier(now)
	sigDate, signature := SignNow(cred.Secret, "region1", "api.example.com", cred.APIKey, now)

	tests := []struct {
		name      string
		apiKey    string
		sigDate   string
		signature string
	}{
		{"unknown api key", "nosuchkey", sigDate, signature},
		{"missing api key", "", sigDate, signature},
		{"missing sig date", cred.APIKey, "", signature},
		{"missing signature", cred.APIKey, sigDate, ""},
		{"malformed sig date", cred.APIKey, "yesterday", signature},
		{"non-hex signature", cred.APIKey, sigDate, "zzzz"},
		{"wrong signature", cred.APIKey, sigDate, "deadbeef"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, err := v.Verify(tt.apiKey, tt.sigDate, tt.signature)
			require.Error(t, err)
			assert.Nil(t, ctx)
			assert.True(t, apierr.IsKind(err, apierr.KindUnauthorized))
			assert.Equal(t, "denied", err.Error())
		})
	}
}

func TestVerifyStaleSignatureRejected(t *testing.T) {
	signedAt := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	v, cred := testVerifier(signedAt.Add(20 * time.Minute))

	sigDate, signature := SignNow(cred.Secret, "region1", "api.example.com", cred.APIKey, signedAt)
	_, err := v.Verify(cred.APIKey, sigDate, signature)
	require.Error(t, err)
	assert.Equal(t, "denied", err.Error())
}

func TestVerifyRemoteTaskScope(t *testing.T) {
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		taskName string
		allows   map[string]bool
	}{
		{"pinned to one task", "task1", map[string]bool{"task1": true, "task2": false}},
		{"wildcard", "*", map[string]bool{"task1": true, "task2": true}},
		{"blank defaults to wildcard", "", map[string]bool{"task1": true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cred := &types.Credential{
				UserID:     "worker1",
				APIKey:     "wkey",
				Secret:     "wsecret",
				RemoteTask: true,
				TaskName:   tt.taskName,
			}
			v := NewVerifier(&fakeCreds{byKey: map[string]*types.Credential{cred.APIKey: cred}}, "region1", "api.example.com")
			v.now = func() time.Time { return now }

			sigDate, signature := SignNow(cred.Secret, "region1", "api.example.com", cred.APIKey, now)
			ctx, err := v.Verify(cred.APIKey, sigDate, signature)
			require.NoError(t, err)
			assert.Equal(t, ScopeRemoteTask, ctx.Scope)
			for task, want := range tt.allows {
				assert.Equal(t, want, ctx.AllowsTask(task), "task %s", task)
			}
		})
	}
}

func TestSigningKeyChain(t *testing.T) {
	// The chain scopes a leaked intermediate key to one day and one
	// deployment; a different date or domain must change the key.
	k1 := SigningKey("secret", "20260901", "region1", "api.example.com")
	k2 := SigningKey("secret", "20260902", "region1", "api.example.com")
	k3 := SigningKey("secret", "20260901", "region1", "api.other.com")
	assert.NotEqual(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.Len(t, k1, 32)
}
