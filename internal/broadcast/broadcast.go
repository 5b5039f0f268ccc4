// Package broadcast implements C11: when a role's capability bundle or a
// user's device/room assignments change, affected sessions are notified
// over C9 and C1's capability cache is invalidated so the next resolution
// sees the new grant set immediately rather than waiting out its TTL. This
// has no teacher analog — the teacher's config changes are observed via
// long-poll (handler/watch.go), never pushed — so it is composed directly
// from C1's and C9's own narrow interfaces, called as a plain function from
// the mutating handler after its Postgres write commits (SPEC_FULL.md's
// design note §9: function calls for request/reply, no separate queue at
// this scale).
package broadcast

import (
	"context"

	"github.com/iotmca0/autovolt-sub001/internal/model"
	"github.com/iotmca0/autovolt-sub001/internal/store"

	"go.uber.org/zap"
)

// Hub is the subset of realtime.Hub a broadcaster needs.
type Hub interface {
	PublishToUser(userID string, ev model.Event)
}

// Invalidator is the subset of auth.CapabilityResolver a broadcaster needs.
type Invalidator interface {
	Invalidate(role model.Role)
}

// Broadcaster emits permission-change notifications (spec.md §4.11).
type Broadcaster struct {
	store  store.Store
	hub    Hub
	cache  Invalidator
	logger *zap.SugaredLogger
}

func New(s store.Store, hub Hub, cache Invalidator, logger *zap.SugaredLogger) *Broadcaster {
	return &Broadcaster{store: s, hub: hub, cache: cache, logger: logger}
}

// RoleCapabilitiesChanged notifies every user currently holding role and
// invalidates the shared role-capability cache entry, so the next
// Resolve call for any of them picks up the new bundle instead of a stale
// cached one (spec.md §4.11 steps 1–3).
func (b *Broadcaster) RoleCapabilitiesChanged(ctx context.Context, role model.Role, changed []model.Capability) error {
	b.cache.Invalidate(role)

	users, err := b.store.ListUsers(ctx)
	if err != nil {
		return err
	}
	for _, u := range users {
		if u.Role != role {
			continue
		}
		b.notify(u.ID, changed)
	}
	return nil
}

// UserAssignmentsChanged notifies a single user whose device/room
// assignments were mutated. No cache invalidation is needed here: C1
// re-reads the user row on every Resolve call, so assignment changes are
// already visible on the next request — only the role-capability bundle is
// cached.
func (b *Broadcaster) UserAssignmentsChanged(_ context.Context, userID string, changed []model.Capability) {
	b.notify(userID, changed)
}

func (b *Broadcaster) notify(userID string, changed []model.Capability) {
	b.hub.PublishToUser(userID, model.Event{
		Kind:                model.EventPermissionsChanged,
		TargetUserID:        userID,
		ChangedCapabilities: changed,
	})
}
