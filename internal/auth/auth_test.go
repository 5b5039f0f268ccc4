package auth

import (
	"context"
	"testing"
	"time"

	"github.com/iotmca0/autovolt-sub001/internal/model"
	"github.com/iotmca0/autovolt-sub001/internal/storetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func TestSessions_IssueAndVerify(t *testing.T) {
	ctx := context.Background()
	s := storetest.New()
	sessions := NewSessions(s, testLogger(), time.Hour)
	require.NoError(t, sessions.EnsureSigningKey(ctx))

	token, exp, err := sessions.Issue(ctx, "user-1")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, exp.After(time.Now()))

	claims, err := sessions.Verify(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Sub)
}

func TestSessions_Verify_RejectsTamperedSignature(t *testing.T) {
	ctx := context.Background()
	s := storetest.New()
	sessions := NewSessions(s, testLogger(), time.Hour)
	require.NoError(t, sessions.EnsureSigningKey(ctx))

	token, _, err := sessions.Issue(ctx, "user-1")
	require.NoError(t, err)

	tampered := token[:len(token)-2] + "xx"
	_, err = sessions.Verify(ctx, tampered)
	assert.Error(t, err)
}

func TestSessions_Verify_RejectsExpired(t *testing.T) {
	ctx := context.Background()
	s := storetest.New()
	sessions := NewSessions(s, testLogger(), -time.Minute)
	require.NoError(t, sessions.EnsureSigningKey(ctx))

	token, _, err := sessions.Issue(ctx, "user-1")
	require.NoError(t, err)

	_, err = sessions.Verify(ctx, token)
	assert.Error(t, err)
}

func TestSessions_RotateSigningKey_OldTokenValidDuringGrace(t *testing.T) {
	ctx := context.Background()
	s := storetest.New()
	sessions := NewSessions(s, testLogger(), time.Hour)
	require.NoError(t, sessions.EnsureSigningKey(ctx))

	token, _, err := sessions.Issue(ctx, "user-1")
	require.NoError(t, err)

	_, err = sessions.RotateSigningKey(ctx, time.Hour)
	require.NoError(t, err)

	claims, err := sessions.Verify(ctx, token)
	require.NoError(t, err, "token signed with retired key must still verify during grace period")
	assert.Equal(t, "user-1", claims.Sub)
}

func TestSessions_Authenticate(t *testing.T) {
	ctx := context.Background()
	s := storetest.New()
	hash, err := HashPassword("correct-horse")
	require.NoError(t, err)
	require.NoError(t, s.CreateUser(ctx, &model.User{ID: "u1", DisplayName: "Alice", CredentialHash: hash, Role: "admin", Active: true}))

	sessions := NewSessions(s, testLogger(), time.Hour)

	_, err = sessions.Authenticate(ctx, "u1", "correct-horse")
	assert.NoError(t, err)

	_, err = sessions.Authenticate(ctx, "u1", "wrong-password")
	assert.Error(t, err)

	_, err = sessions.Authenticate(ctx, "no-such-user", "whatever")
	assert.Error(t, err)
}

func TestSessions_Authenticate_RejectsDisabledAccount(t *testing.T) {
	ctx := context.Background()
	s := storetest.New()
	hash, _ := HashPassword("pw")
	require.NoError(t, s.CreateUser(ctx, &model.User{ID: "u1", CredentialHash: hash, Active: false}))

	sessions := NewSessions(s, testLogger(), time.Hour)
	_, err := sessions.Authenticate(ctx, "u1", "pw")
	assert.Error(t, err)
}

func TestCapabilityResolver_MergesRoleAndExplicitGrants(t *testing.T) {
	ctx := context.Background()
	s := storetest.New()
	require.NoError(t, s.PutRoleCapabilities(ctx, &model.RoleCapabilities{
		Role:         "operator",
		Capabilities: []model.Capability{model.CapDeviceControl, model.CapDeviceView},
	}))
	require.NoError(t, s.CreateUser(ctx, &model.User{
		ID: "u1", Role: "operator", Active: true,
		ExplicitGrants: []model.Capability{model.CapAnalyticsView},
	}))

	resolver := NewCapabilityResolver(s, time.Minute)
	id, err := resolver.Resolve(ctx, "u1")
	require.NoError(t, err)

	assert.True(t, id.Has(model.CapDeviceControl))
	assert.True(t, id.Has(model.CapDeviceView))
	assert.True(t, id.Has(model.CapAnalyticsView))
	assert.False(t, id.Has(model.CapRoleManage))
}

func TestCapabilityResolver_ScopedAccess(t *testing.T) {
	ctx := context.Background()
	s := storetest.New()
	require.NoError(t, s.PutRoleCapabilities(ctx, &model.RoleCapabilities{
		Role:         "restricted",
		Capabilities: []model.Capability{model.CapDeviceControl, model.CapRestrictScoped},
	}))
	require.NoError(t, s.CreateUser(ctx, &model.User{
		ID: "u1", Role: "restricted", Active: true,
		AssignedDeviceIDs: []string{"dev-1"}, AssignedRoomIDs: []string{"room-9"},
	}))

	resolver := NewCapabilityResolver(s, time.Minute)
	id, err := resolver.Resolve(ctx, "u1")
	require.NoError(t, err)

	assert.True(t, id.Scoped())
	assert.True(t, id.AllowsDevice("dev-1", ""))
	assert.True(t, id.AllowsDevice("other-device", "room-9"))
	assert.False(t, id.AllowsDevice("other-device", "other-room"))
}

func TestCapabilityResolver_CacheInvalidation(t *testing.T) {
	ctx := context.Background()
	s := storetest.New()
	require.NoError(t, s.PutRoleCapabilities(ctx, &model.RoleCapabilities{Role: "r1", Capabilities: []model.Capability{model.CapDeviceView}}))
	require.NoError(t, s.CreateUser(ctx, &model.User{ID: "u1", Role: "r1", Active: true}))

	resolver := NewCapabilityResolver(s, time.Hour)
	id, err := resolver.Resolve(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, id.Has(model.CapDeviceControl))

	require.NoError(t, s.PutRoleCapabilities(ctx, &model.RoleCapabilities{Role: "r1", Capabilities: []model.Capability{model.CapDeviceView, model.CapDeviceControl}}))
	resolver.Invalidate("r1")

	id, err = resolver.Resolve(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, id.Has(model.CapDeviceControl))
}

func TestFailureLimiter(t *testing.T) {
	l := NewFailureLimiter(3, time.Minute)
	assert.True(t, l.Allowed("1.2.3.4"))

	l.RecordFailure("1.2.3.4")
	l.RecordFailure("1.2.3.4")
	assert.True(t, l.Allowed("1.2.3.4"))

	l.RecordFailure("1.2.3.4")
	assert.False(t, l.Allowed("1.2.3.4"))

	l.Reset("1.2.3.4")
	assert.True(t, l.Allowed("1.2.3.4"))
}
