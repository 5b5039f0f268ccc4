package broadcast

import (
	"context"
	"sync"
	"testing"

	"github.com/iotmca0/autovolt-sub001/internal/model"
	"github.com/iotmca0/autovolt-sub001/internal/storetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

type fakeHub struct {
	mu     sync.Mutex
	events map[string][]model.Event
}

func newFakeHub() *fakeHub {
	return &fakeHub{events: make(map[string][]model.Event)}
}

func (h *fakeHub) PublishToUser(userID string, ev model.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events[userID] = append(h.events[userID], ev)
}

type fakeInvalidator struct {
	mu        sync.Mutex
	invalidated []model.Role
}

func (f *fakeInvalidator) Invalidate(role model.Role) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, role)
}

func TestRoleCapabilitiesChanged_NotifiesEveryUserWithRole(t *testing.T) {
	s := storetest.New()
	require.NoError(t, s.CreateUser(context.Background(), &model.User{ID: "u1", Role: "operator", Active: true}))
	require.NoError(t, s.CreateUser(context.Background(), &model.User{ID: "u2", Role: "operator", Active: true}))
	require.NoError(t, s.CreateUser(context.Background(), &model.User{ID: "u3", Role: "admin", Active: true}))

	hub := newFakeHub()
	inv := &fakeInvalidator{}
	b := New(s, hub, inv, testLogger())

	err := b.RoleCapabilitiesChanged(context.Background(), "operator", []model.Capability{model.CapDeviceControl})
	require.NoError(t, err)

	hub.mu.Lock()
	defer hub.mu.Unlock()
	assert.Len(t, hub.events["u1"], 1)
	assert.Len(t, hub.events["u2"], 1)
	assert.Empty(t, hub.events["u3"])
	assert.Equal(t, model.EventPermissionsChanged, hub.events["u1"][0].Kind)

	inv.mu.Lock()
	defer inv.mu.Unlock()
	require.Len(t, inv.invalidated, 1)
	assert.Equal(t, model.Role("operator"), inv.invalidated[0])
}

func TestUserAssignmentsChanged_NotifiesOnlyThatUser(t *testing.T) {
	s := storetest.New()
	hub := newFakeHub()
	inv := &fakeInvalidator{}
	b := New(s, hub, inv, testLogger())

	b.UserAssignmentsChanged(context.Background(), "u1", []model.Capability{model.CapRestrictScoped})

	hub.mu.Lock()
	defer hub.mu.Unlock()
	require.Len(t, hub.events["u1"], 1)
	assert.Equal(t, "u1", hub.events["u1"][0].TargetUserID)

	inv.mu.Lock()
	defer inv.mu.Unlock()
	assert.Empty(t, inv.invalidated)
}
