// Package session tracks each device's online/offline/degraded lifecycle
// in memory, flushing to Postgres on a timer rather than on every update
// (spec.md §4.4). Generalized from the teacher's ticker-driven staleness
// sweep (MarkStaleInstances/MarkStaleControllers, run from main.go) into a
// full per-device state machine with debounce and sequence tracking.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/iotmca0/autovolt-sub001/internal/metrics"
	"github.com/iotmca0/autovolt-sub001/internal/model"
	"github.com/iotmca0/autovolt-sub001/internal/store"

	"go.uber.org/zap"
)

// Tracker holds the live session state for every device the process has
// seen since boot. It is the authoritative source for "is this device
// online right now" — DeviceStatus persisted on model.Device is a
// best-effort mirror for listing endpoints, not authoritative.
type Tracker struct {
	store    store.Store
	logger   *zap.SugaredLogger
	debounce time.Duration
	offline  time.Duration

	mu       sync.Mutex
	sessions map[string]*liveSession

	onChange func(deviceID string, status model.DeviceStatus)
}

type liveSession struct {
	state         model.DeviceSession
	pendingStatus model.DeviceStatus
	pendingSince  time.Time
	dirty         bool

	haveHeartbeatSeq bool
	lastHeartbeatSeq int64
	haveTelemetrySeq bool
	lastTelemetrySeq int64
}

// Options configures a new Tracker.
type Options struct {
	Debounce    time.Duration // spec.md §4.4: ignore flapping shorter than this
	OfflineAfter time.Duration
	OnChange    func(deviceID string, status model.DeviceStatus)
}

func NewTracker(s store.Store, logger *zap.SugaredLogger, opts Options) *Tracker {
	return &Tracker{
		store:    s,
		logger:   logger,
		debounce: opts.Debounce,
		offline:  opts.OfflineAfter,
		sessions: make(map[string]*liveSession),
		onChange: opts.OnChange,
	}
}

// Hydrate loads all persisted sessions at boot, so a restart doesn't treat
// every device as freshly seen (spec.md §4.4: "cold start must not flip
// every device online").
func (t *Tracker) Hydrate(ctx context.Context) error {
	existing, err := t.store.ListDeviceSessions(ctx)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range existing {
		s := existing[i]
		t.sessions[s.DeviceID] = &liveSession{state: s}
	}
	return nil
}

// Heartbeat records a liveness signal from the dedicated heartbeat topic for
// deviceID. A device sequence lower than the previous heartbeat's marks the
// session degraded at once, without waiting out the debounce window; later
// in-order heartbeats bring it back online through the debounced transition.
func (t *Tracker) Heartbeat(deviceID string, deviceSequence int64, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ls, ok := t.sessions[deviceID]
	if !ok {
		ls = &liveSession{state: model.DeviceSession{DeviceID: deviceID, SessionStartInstant: now}}
		t.sessions[deviceID] = ls
	}
	ls.state.LastSeenInstant = now
	ls.state.LastHeartbeatInstant = now
	ls.state.DeviceSequence = deviceSequence
	ls.dirty = true

	regressed := ls.haveHeartbeatSeq && deviceSequence < ls.lastHeartbeatSeq
	ls.lastHeartbeatSeq = deviceSequence
	ls.haveHeartbeatSeq = true

	if regressed {
		// A regression is a single event: skip the debounce wait so the next
		// in-order heartbeat cannot cancel it before it takes effect.
		ls.pendingStatus = model.DeviceDegraded
		ls.pendingSince = now.Add(-t.debounce)
		t.transition(ls, model.DeviceDegraded, now)
		return
	}
	t.transition(ls, model.DeviceOnline, now)
}

// ObserveTelemetry records a liveness signal carried by the telemetry
// channel rather than the dedicated heartbeat topic. Telemetry alone keeps
// a device's LastSeenInstant fresh, but a device is only fully healthy
// when its heartbeat channel is also current — if the heartbeat channel has
// lapsed while telemetry keeps arriving, or the telemetry-reported sequence
// itself regresses (device restarted without a restart hint), the session
// is marked degraded rather than online (spec.md §4.4).
func (t *Tracker) ObserveTelemetry(deviceID string, deviceSequence int64, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ls, ok := t.sessions[deviceID]
	if !ok {
		ls = &liveSession{state: model.DeviceSession{DeviceID: deviceID, SessionStartInstant: now}}
		t.sessions[deviceID] = ls
	}
	ls.state.LastSeenInstant = now
	ls.dirty = true

	regressed := ls.haveTelemetrySeq && deviceSequence < ls.lastTelemetrySeq
	ls.lastTelemetrySeq = deviceSequence
	ls.haveTelemetrySeq = true

	heartbeatLapsed := ls.state.LastHeartbeatInstant.IsZero() || now.Sub(ls.state.LastHeartbeatInstant) > t.offline

	if regressed || heartbeatLapsed {
		if regressed {
			ls.pendingStatus = model.DeviceDegraded
			ls.pendingSince = now.Add(-t.debounce)
		}
		t.transition(ls, model.DeviceDegraded, now)
		return
	}
	t.transition(ls, model.DeviceOnline, now)
}

// StatusOnline records an explicit online status announcement (e.g. a
// retained availability message with status=online) as a liveness signal,
// without carrying a device sequence to check for regression.
func (t *Tracker) StatusOnline(deviceID string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ls, ok := t.sessions[deviceID]
	if !ok {
		ls = &liveSession{state: model.DeviceSession{DeviceID: deviceID, SessionStartInstant: now}}
		t.sessions[deviceID] = ls
	}
	ls.state.LastSeenInstant = now
	ls.dirty = true
	t.transition(ls, model.DeviceOnline, now)
}

// ForceOffline drives an immediate, undebounced transition to offline. Used
// when a broker delivers an authoritative last-will status=offline message:
// unlike a transient status flap, LWT is not something to wait out, so the
// normal debounce window is bypassed entirely (spec.md §4.4, §8 scenario #6).
func (t *Tracker) ForceOffline(deviceID string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ls, ok := t.sessions[deviceID]
	if !ok {
		ls = &liveSession{state: model.DeviceSession{DeviceID: deviceID, SessionStartInstant: now}}
		t.sessions[deviceID] = ls
	}
	prev := ls.state.Status
	ls.state.Status = model.DeviceOffline
	ls.pendingStatus = ""
	ls.dirty = true
	if prev != model.DeviceOffline {
		if isOnlineLike(prev) {
			metrics.DevicesOnline.Dec()
		}
		if t.onChange != nil {
			t.onChange(deviceID, model.DeviceOffline)
		}
	}
}

// isOnlineLike reports whether status counts toward the devices_online
// gauge. Degraded devices are still reachable and reporting, just flagged
// for C6/C8 attention, so they count as online for visibility purposes
// (spec.md §4.4).
func isOnlineLike(status model.DeviceStatus) bool {
	return status == model.DeviceOnline || status == model.DeviceDegraded
}

// NextCommandSequence assigns the next C4 fan-out sequence for a device's
// outbound command stream. C5 advances it once per dispatched command; the
// number is not carried in the published command message.
func (t *Tracker) NextCommandSequence(deviceID string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	ls, ok := t.sessions[deviceID]
	if !ok {
		ls = &liveSession{state: model.DeviceSession{DeviceID: deviceID}}
		t.sessions[deviceID] = ls
	}
	ls.state.LastSequence++
	ls.dirty = true
	return ls.state.LastSequence
}

// Status returns the current status and last-seen instant for a device.
func (t *Tracker) Status(deviceID string) (model.DeviceStatus, time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ls, ok := t.sessions[deviceID]
	if !ok {
		return model.DeviceOffline, time.Time{}, false
	}
	return ls.state.Status, ls.state.LastSeenInstant, true
}

// transition applies a debounced status change: a status flip must persist
// for at least t.debounce before it takes effect, so a brief MQTT blip
// doesn't flap the device's visible state (spec.md §4.4).
func (t *Tracker) transition(ls *liveSession, want model.DeviceStatus, now time.Time) {
	if ls.state.Status == want {
		ls.pendingStatus = ""
		return
	}
	if ls.pendingStatus != want {
		ls.pendingStatus = want
		ls.pendingSince = now
		return
	}
	if now.Sub(ls.pendingSince) < t.debounce {
		return
	}
	prev := ls.state.Status
	ls.state.Status = want
	ls.pendingStatus = ""
	if prev != want {
		wasOnline, nowOnline := isOnlineLike(prev), isOnlineLike(want)
		if nowOnline && !wasOnline {
			metrics.DevicesOnline.Inc()
		} else if wasOnline && !nowOnline {
			metrics.DevicesOnline.Dec()
		}
		if t.onChange != nil {
			t.onChange(ls.state.DeviceID, want)
		}
	}
}

// Sweep marks devices whose last heartbeat exceeds the offline threshold as
// offline, both in memory and — via the store's own reaper query — in
// Postgres, so the two never diverge under restart (spec.md §4.4).
func (t *Tracker) Sweep(ctx context.Context) error {
	ids, err := t.store.MarkStaleSessionsOffline(ctx, t.offline)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	t.mu.Lock()
	for _, id := range ids {
		if ls, ok := t.sessions[id]; ok && ls.state.Status != model.DeviceOffline {
			if isOnlineLike(ls.state.Status) {
				metrics.DevicesOnline.Dec()
			}
			ls.state.Status = model.DeviceOffline
			ls.pendingStatus = ""
			ls.dirty = true
		}
	}
	t.mu.Unlock()
	if t.onChange != nil {
		for _, id := range ids {
			t.onChange(id, model.DeviceOffline)
		}
	}
	return nil
}

// Flush persists every session that changed since the last flush. Called on
// a timer from cmd/controlplane rather than synchronously on every
// heartbeat, trading a small staleness window for far fewer writes under
// high telemetry rates (spec.md §4.4).
func (t *Tracker) Flush(ctx context.Context) error {
	t.mu.Lock()
	var dirty []model.DeviceSession
	for _, ls := range t.sessions {
		if ls.dirty {
			dirty = append(dirty, ls.state)
			ls.dirty = false
		}
	}
	t.mu.Unlock()

	for i := range dirty {
		if err := t.store.UpsertDeviceSession(ctx, &dirty[i]); err != nil {
			t.logger.Errorw("flush device session failed", "deviceId", dirty[i].DeviceID, "error", err)
			t.mu.Lock()
			if ls, ok := t.sessions[dirty[i].DeviceID]; ok {
				ls.dirty = true
			}
			t.mu.Unlock()
		}
	}
	return nil
}

// Run drives the periodic sweep and flush loop until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context, sweepInterval, flushInterval time.Duration) {
	sweepTicker := time.NewTicker(sweepInterval)
	flushTicker := time.NewTicker(flushInterval)
	defer sweepTicker.Stop()
	defer flushTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = t.Flush(context.Background())
			return
		case <-sweepTicker.C:
			if err := t.Sweep(ctx); err != nil {
				t.logger.Errorw("session sweep failed", "error", err)
			}
		case <-flushTicker.C:
			if err := t.Flush(ctx); err != nil {
				t.logger.Errorw("session flush failed", "error", err)
			}
		}
	}
}
