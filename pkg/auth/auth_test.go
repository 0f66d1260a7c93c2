package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndValidate(t *testing.T) {
	mgr, err := NewJWTManager("s3cret", "", time.Hour)
	require.NoError(t, err)

	token, exp, err := mgr.IssueToken("alice", RoleDeveloper, 0)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, 5*time.Second)

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, RoleDeveloper, claims.Role)
	assert.Equal(t, Identity{Subject: "alice", Role: RoleDeveloper}, IdentityFromClaims(claims))
}

func TestValidateRejects(t *testing.T) {
	mgr, err := NewJWTManager("s3cret", "liveprobe", time.Hour)
	require.NoError(t, err)
	other, err := NewJWTManager("different", "liveprobe", time.Hour)
	require.NoError(t, err)

	foreign, _, err := other.IssueToken("mallory", RoleAdmin, 0)
	require.NoError(t, err)
	_, err = mgr.ValidateToken(foreign)
	assert.Error(t, err, "wrong secret")

	expired, _, err := mgr.IssueToken("bob", RoleViewer, time.Nanosecond)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	_, err = mgr.ValidateToken(expired)
	assert.Error(t, err, "expired")

	_, err = mgr.ValidateToken("not-a-token")
	assert.Error(t, err)
}

func TestIssueTokenValidation(t *testing.T) {
	_, err := NewJWTManager("", "", time.Hour)
	assert.ErrorIs(t, err, ErrMissingSecret)

	mgr, err := NewJWTManager("s3cret", "", time.Hour)
	require.NoError(t, err)

	_, _, err = mgr.IssueToken("", RoleAdmin, 0)
	assert.Error(t, err)
	_, _, err = mgr.IssueToken("x", Role("root"), 0)
	assert.Error(t, err)
}

func TestIdentityContext(t *testing.T) {
	_, ok := IdentityFromContext(context.Background())
	assert.False(t, ok)

	ctx := WithIdentity(context.Background(), Identity{Subject: "alice", Role: RoleAdmin})
	id, ok := IdentityFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "alice", id.Subject)
}
