// Package registry implements the device registry (C2): device/switch CRUD,
// hardware-ID uniqueness, GPIO validation, alias lookup, and optimistic
// concurrency — generalized from the teacher's PutDomain/PutCluster
// expectedVersion pattern (server/internal/store/store.go).
package registry

import (
	"context"
	"strings"
	"time"

	"github.com/iotmca0/autovolt-sub001/internal/apperr"
	"github.com/iotmca0/autovolt-sub001/internal/model"
	"github.com/iotmca0/autovolt-sub001/internal/store"

	"go.uber.org/zap"
)

// Registry owns device and switch lifecycle mutations.
type Registry struct {
	store  store.Store
	logger *zap.SugaredLogger
}

func New(s store.Store, logger *zap.SugaredLogger) *Registry {
	return &Registry{store: s, logger: logger}
}

// CreateDeviceInput is the validated shape accepted by RegisterDevice.
type CreateDeviceInput struct {
	HardwareID  string
	DisplayName string
	Room        string
	Block       string
	Floor       string
	Aliases     []string
	OwnerRoomID string
	Switches    []model.Switch
}

// RegisterDevice normalizes the hardware ID, validates GPIO assignments, and
// persists a new device (spec.md §4.2).
func (r *Registry) RegisterDevice(ctx context.Context, id string, in CreateDeviceInput) (*model.Device, error) {
	hwID, err := model.NormalizeHardwareID(in.HardwareID)
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidInput, "invalid hardware id", err)
	}
	if err := model.ValidateSwitches(in.Switches); err != nil {
		return nil, apperr.Wrap(apperr.InvalidInput, "invalid switch configuration", err)
	}
	for i := range in.Switches {
		if !model.ValidSwitchType(in.Switches[i].Type) {
			in.Switches[i].Type = model.SwitchOther
		}
	}

	if existing, err := r.store.GetDeviceByHardwareID(ctx, hwID); err == nil && existing != nil {
		return nil, apperr.New(apperr.Conflict, "hardware id already registered")
	}

	d := &model.Device{
		ID:          id,
		HardwareID:  hwID,
		DisplayName: in.DisplayName,
		Room:        in.Room,
		Block:       in.Block,
		Floor:       in.Floor,
		Aliases:     in.Aliases,
		Switches:    in.Switches,
		OwnerRoomID: in.OwnerRoomID,
		Status:      model.DeviceOffline,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	if err := r.store.CreateDevice(ctx, d); err != nil {
		if err == store.ErrConflict {
			return nil, apperr.New(apperr.Conflict, "hardware id already registered")
		}
		return nil, apperr.Wrap(apperr.StorageUnavailable, "create device", err)
	}
	return d, nil
}

// Get returns a device by ID.
func (r *Registry) Get(ctx context.Context, id string) (*model.Device, error) {
	d, err := r.store.GetDevice(ctx, id)
	if err == store.ErrNotFound {
		return nil, apperr.New(apperr.NotFound, "device not found")
	}
	return d, err
}

// List returns every device, optionally filtered to a room.
func (r *Registry) List(ctx context.Context, room string) ([]model.Device, error) {
	if room != "" {
		return r.store.ListDevicesByRoom(ctx, room)
	}
	return r.store.ListDevices(ctx)
}

// ListForUser returns the devices a user may see: all devices for an
// unscoped identity, or only assigned devices/rooms otherwise.
func (r *Registry) ListForUser(ctx context.Context, userID string, scoped bool) ([]model.Device, error) {
	if !scoped {
		return r.store.ListDevices(ctx)
	}
	return r.store.ListDevicesByAssignedUser(ctx, userID)
}

// MutateDeviceFn edits a copy of the device in place; returning an error
// aborts the mutation without persisting anything.
type MutateDeviceFn func(d *model.Device) error

// UpdateDevice performs a read-modify-write under optimistic concurrency,
// making up to three attempts (two retries) on a version conflict — mirroring the teacher's
// PutDomain(expectedVersion) contract, generalized to a retryable helper
// since devices are mutated far more frequently than the teacher's config.
func (r *Registry) UpdateDevice(ctx context.Context, id string, fn MutateDeviceFn) (*model.Device, error) {
	const maxRetries = 3
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		d, err := r.store.GetDevice(ctx, id)
		if err != nil {
			if err == store.ErrNotFound {
				return nil, apperr.New(apperr.NotFound, "device not found")
			}
			return nil, apperr.Wrap(apperr.StorageUnavailable, "load device", err)
		}
		expectedVersion := d.Version
		if err := fn(d); err != nil {
			return nil, err
		}
		if len(d.Switches) > 0 {
			if err := model.ValidateSwitches(d.Switches); err != nil {
				return nil, apperr.Wrap(apperr.InvalidInput, "invalid switch configuration", err)
			}
		}
		newVersion, err := r.store.UpdateDevice(ctx, d, expectedVersion)
		if err == store.ErrConflict {
			lastErr = err
			continue
		}
		if err != nil {
			return nil, apperr.Wrap(apperr.StorageUnavailable, "update device", err)
		}
		d.Version = newVersion
		return d, nil
	}
	return nil, apperr.Wrap(apperr.Conflict, "device modified concurrently, retries exhausted", lastErr)
}

// Delete removes a device and its switches.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := r.store.DeleteDevice(ctx, id); err != nil {
		if err == store.ErrNotFound {
			return apperr.New(apperr.NotFound, "device not found")
		}
		return apperr.Wrap(apperr.StorageUnavailable, "delete device", err)
	}
	return nil
}

// ResolveAlias finds devices whose alias tokens or display name match query
// (spec.md §4.2: case-insensitive alias lookup, used by voice invocation).
func (r *Registry) ResolveAlias(ctx context.Context, query string) ([]model.Device, error) {
	tokens := model.TokenizeAlias(query)
	if len(tokens) == 0 {
		return nil, nil
	}
	all, err := r.store.ListDevices(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.StorageUnavailable, "list devices", err)
	}
	var out []model.Device
	for _, d := range all {
		haystack := model.TokenizeAlias(d.DisplayName)
		for _, a := range d.Aliases {
			haystack = append(haystack, model.TokenizeAlias(a)...)
		}
		if containsAll(haystack, tokens) {
			out = append(out, d)
		}
	}
	return out, nil
}

func containsAll(haystack, needles []string) bool {
	set := make(map[string]bool, len(haystack))
	for _, h := range haystack {
		set[h] = true
	}
	for _, n := range needles {
		if !set[n] {
			return false
		}
	}
	return true
}

// FindSwitch locates a device's switch by ID, matching either the literal ID
// or (case-insensitively) its name.
func FindSwitch(d *model.Device, switchID string) (*model.Switch, bool) {
	for i := range d.Switches {
		if d.Switches[i].ID == switchID || strings.EqualFold(d.Switches[i].Name, switchID) {
			return &d.Switches[i], true
		}
	}
	return nil, false
}
