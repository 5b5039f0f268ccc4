package auth

import (
	"context"
	"sync"
	"time"

	"github.com/iotmca0/autovolt-sub001/internal/apperr"
	"github.com/iotmca0/autovolt-sub001/internal/model"
	"github.com/iotmca0/autovolt-sub001/internal/store"

	"golang.org/x/sync/singleflight"
)

// Identity is the resolved, request-scoped authorization context attached to
// a request's context.Context after a bearer token verifies (spec.md §4.1).
type Identity struct {
	User         *model.User
	Capabilities map[model.Capability]bool
}

// Has reports whether the identity carries cap, either via its role bundle
// or an explicit per-user grant.
func (id *Identity) Has(cap model.Capability) bool {
	return id.Capabilities[cap]
}

// Scoped reports whether cap is restricted to the user's assigned devices
// and rooms (spec.md §4.1: "restrict-to-assigned" capability).
func (id *Identity) Scoped() bool {
	return id.Capabilities[model.CapRestrictScoped]
}

// AllowsDevice reports whether, under scoping, the identity may act on
// device d (by ID) or its owning room.
func (id *Identity) AllowsDevice(deviceID, roomID string) bool {
	if !id.Scoped() {
		return true
	}
	for _, d := range id.User.AssignedDeviceIDs {
		if d == deviceID {
			return true
		}
	}
	for _, r := range id.User.AssignedRoomIDs {
		if r == roomID {
			return true
		}
	}
	return false
}

type cacheEntry struct {
	caps    map[model.Capability]bool
	expires time.Time
}

// CapabilityResolver resolves a user's effective capability set (role bundle
// ∪ explicit grants) and caches the result for a short TTL, coalescing
// concurrent misses with singleflight — grounded on the teacher's jwksCache
// (oidc.go), which caches and singleflight-refreshes external key material
// the same way this caches role-capability lookups.
type CapabilityResolver struct {
	store store.Store
	ttl   time.Duration
	sf    singleflight.Group

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

func NewCapabilityResolver(s store.Store, ttl time.Duration) *CapabilityResolver {
	return &CapabilityResolver{store: s, ttl: ttl, cache: make(map[string]cacheEntry)}
}

// Resolve returns the Identity for userID, using the cache when fresh.
func (r *CapabilityResolver) Resolve(ctx context.Context, userID string) (*Identity, error) {
	user, err := r.store.GetUser(ctx, userID)
	if err != nil {
		return nil, apperr.New(apperr.Unauthenticated, "unknown user")
	}
	if !user.Active {
		return nil, apperr.New(apperr.Forbidden, "account disabled")
	}

	caps, err := r.capabilitiesForRole(ctx, user.Role)
	if err != nil {
		return nil, err
	}
	merged := make(map[model.Capability]bool, len(caps)+len(user.ExplicitGrants))
	for _, c := range caps {
		merged[c] = true
	}
	for _, c := range user.ExplicitGrants {
		merged[c] = true
	}
	return &Identity{User: user, Capabilities: merged}, nil
}

func (r *CapabilityResolver) capabilitiesForRole(ctx context.Context, role model.Role) ([]model.Capability, error) {
	key := string(role)

	r.mu.RLock()
	entry, ok := r.cache[key]
	r.mu.RUnlock()
	if ok && time.Now().Before(entry.expires) {
		return mapKeys(entry.caps), nil
	}

	v, err, _ := r.sf.Do(key, func() (any, error) {
		rc, err := r.store.GetRoleCapabilities(ctx, role)
		if err != nil {
			return nil, err
		}
		capSet := make(map[model.Capability]bool, len(rc.Capabilities))
		for _, c := range rc.Capabilities {
			capSet[c] = true
		}
		r.mu.Lock()
		r.cache[key] = cacheEntry{caps: capSet, expires: time.Now().Add(r.ttl)}
		r.mu.Unlock()
		return capSet, nil
	})
	if err != nil {
		return nil, err
	}
	return mapKeys(v.(map[model.Capability]bool)), nil
}

// Invalidate drops the cached bundle for role, called by C11 when role
// capabilities change so subsequent resolutions see the new grant set
// immediately rather than waiting out the TTL.
func (r *CapabilityResolver) Invalidate(role model.Role) {
	r.mu.Lock()
	delete(r.cache, string(role))
	r.mu.Unlock()
}

func mapKeys(m map[model.Capability]bool) []model.Capability {
	out := make([]model.Capability, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
