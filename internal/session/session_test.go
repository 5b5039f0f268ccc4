package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/iotmca0/autovolt-sub001/internal/metrics"
	"github.com/iotmca0/autovolt-sub001/internal/model"
	"github.com/iotmca0/autovolt-sub001/internal/storetest"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func TestHeartbeat_DebouncesBeforeGoingOnline(t *testing.T) {
	var mu sync.Mutex
	var changes []model.DeviceStatus
	tr := NewTracker(storetest.New(), testLogger(), Options{
		Debounce:     50 * time.Millisecond,
		OfflineAfter: time.Minute,
		OnChange: func(_ string, status model.DeviceStatus) {
			mu.Lock()
			changes = append(changes, status)
			mu.Unlock()
		},
	})

	now := time.Now()
	tr.Heartbeat("dev-1", 1, now)
	status, _, ok := tr.Status("dev-1")
	require.True(t, ok)
	assert.Equal(t, model.DeviceStatus(""), status, "must not flip online before debounce elapses")

	tr.Heartbeat("dev-1", 2, now.Add(60*time.Millisecond))
	status, _, ok = tr.Status("dev-1")
	require.True(t, ok)
	assert.Equal(t, model.DeviceOnline, status)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []model.DeviceStatus{model.DeviceOnline}, changes)
}

func TestHeartbeat_UpdatesSequence(t *testing.T) {
	tr := NewTracker(storetest.New(), testLogger(), Options{Debounce: time.Millisecond, OfflineAfter: time.Minute})
	now := time.Now()
	tr.Heartbeat("dev-1", 5, now)
	tr.Heartbeat("dev-1", 6, now.Add(time.Millisecond))

	tr.mu.Lock()
	seq := tr.sessions["dev-1"].state.DeviceSequence
	tr.mu.Unlock()
	assert.Equal(t, int64(6), seq)
}

func TestNextCommandSequence_Monotonic(t *testing.T) {
	tr := NewTracker(storetest.New(), testLogger(), Options{Debounce: time.Millisecond, OfflineAfter: time.Minute})
	assert.Equal(t, int64(1), tr.NextCommandSequence("dev-1"))
	assert.Equal(t, int64(2), tr.NextCommandSequence("dev-1"))
	assert.Equal(t, int64(1), tr.NextCommandSequence("dev-2"))
}

func TestSweep_MarksStaleOffline(t *testing.T) {
	ctx := context.Background()
	s := storetest.New()
	var mu sync.Mutex
	var changed []string
	tr := NewTracker(s, testLogger(), Options{
		Debounce:     time.Millisecond,
		OfflineAfter: 10 * time.Millisecond,
		OnChange: func(id string, _ model.DeviceStatus) {
			mu.Lock()
			changed = append(changed, id)
			mu.Unlock()
		},
	})

	past := time.Now().Add(-time.Hour)
	tr.Heartbeat("dev-1", 1, past)
	tr.Heartbeat("dev-1", 2, past.Add(2*time.Millisecond))
	require.NoError(t, tr.Flush(ctx))

	require.NoError(t, tr.Sweep(ctx))

	status, _, ok := tr.Status("dev-1")
	require.True(t, ok)
	assert.Equal(t, model.DeviceOffline, status)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, changed, "dev-1")
}

func TestFlush_PersistsDirtySessionsOnly(t *testing.T) {
	ctx := context.Background()
	s := storetest.New()
	tr := NewTracker(s, testLogger(), Options{Debounce: time.Millisecond, OfflineAfter: time.Minute})

	tr.Heartbeat("dev-1", 1, time.Now())
	require.NoError(t, tr.Flush(ctx))

	persisted, err := s.GetDeviceSession(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), persisted.DeviceSequence)
}

func TestHeartbeat_SequenceRegressionGoesDegraded(t *testing.T) {
	tr := NewTracker(storetest.New(), testLogger(), Options{Debounce: time.Millisecond, OfflineAfter: time.Minute})
	now := time.Now()
	tr.Heartbeat("dev-1", 5, now)
	tr.Heartbeat("dev-1", 6, now.Add(time.Millisecond))
	status, _, ok := tr.Status("dev-1")
	require.True(t, ok)
	require.Equal(t, model.DeviceOnline, status)

	tr.Heartbeat("dev-1", 2, now.Add(2*time.Millisecond))
	tr.Heartbeat("dev-1", 3, now.Add(3*time.Millisecond))
	status, _, ok = tr.Status("dev-1")
	require.True(t, ok)
	assert.Equal(t, model.DeviceDegraded, status)
}

func TestObserveTelemetry_HeartbeatLapsedGoesDegraded(t *testing.T) {
	tr := NewTracker(storetest.New(), testLogger(), Options{Debounce: time.Millisecond, OfflineAfter: 10 * time.Millisecond})
	now := time.Now()
	tr.Heartbeat("dev-1", 1, now)
	tr.Heartbeat("dev-1", 2, now.Add(time.Millisecond))

	later := now.Add(time.Hour)
	tr.ObserveTelemetry("dev-1", 1, later)
	tr.ObserveTelemetry("dev-1", 2, later.Add(time.Millisecond))

	status, _, ok := tr.Status("dev-1")
	require.True(t, ok)
	assert.Equal(t, model.DeviceDegraded, status, "telemetry without a fresh heartbeat must not count as fully healthy")
}

func TestObserveTelemetry_FreshHeartbeatStaysOnline(t *testing.T) {
	tr := NewTracker(storetest.New(), testLogger(), Options{Debounce: time.Millisecond, OfflineAfter: time.Minute})
	now := time.Now()
	tr.Heartbeat("dev-1", 1, now)
	tr.Heartbeat("dev-1", 2, now.Add(time.Millisecond))

	tr.ObserveTelemetry("dev-1", 10, now.Add(2*time.Millisecond))
	tr.ObserveTelemetry("dev-1", 11, now.Add(3*time.Millisecond))

	status, _, ok := tr.Status("dev-1")
	require.True(t, ok)
	assert.Equal(t, model.DeviceOnline, status)
}

func TestStatusOnline_BringsDeviceOnline(t *testing.T) {
	tr := NewTracker(storetest.New(), testLogger(), Options{Debounce: time.Millisecond, OfflineAfter: time.Minute})
	now := time.Now()
	tr.StatusOnline("dev-1", now)
	tr.StatusOnline("dev-1", now.Add(time.Millisecond))

	status, _, ok := tr.Status("dev-1")
	require.True(t, ok)
	assert.Equal(t, model.DeviceOnline, status)
}

func TestForceOffline_BypassesDebounceImmediately(t *testing.T) {
	var mu sync.Mutex
	var changes []model.DeviceStatus
	tr := NewTracker(storetest.New(), testLogger(), Options{
		Debounce:     time.Hour,
		OfflineAfter: time.Minute,
		OnChange: func(_ string, status model.DeviceStatus) {
			mu.Lock()
			changes = append(changes, status)
			mu.Unlock()
		},
	})
	now := time.Now()
	tr.Heartbeat("dev-1", 1, now)
	tr.Heartbeat("dev-1", 2, now.Add(time.Millisecond))

	tr.ForceOffline("dev-1", now.Add(2*time.Millisecond))

	status, _, ok := tr.Status("dev-1")
	require.True(t, ok)
	assert.Equal(t, model.DeviceOffline, status, "LWT offline must not wait out the debounce window")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, model.DeviceOffline, changes[len(changes)-1])
}

func TestDevicesOnlineGauge_DegradedCountsAsOnline(t *testing.T) {
	tr := NewTracker(storetest.New(), testLogger(), Options{Debounce: time.Millisecond, OfflineAfter: time.Minute})
	before := testutil.ToFloat64(metrics.DevicesOnline)

	now := time.Now()
	tr.Heartbeat("dev-gauge", 5, now)
	tr.Heartbeat("dev-gauge", 6, now.Add(time.Millisecond))
	tr.Heartbeat("dev-gauge", 2, now.Add(2*time.Millisecond))
	tr.Heartbeat("dev-gauge", 3, now.Add(3*time.Millisecond))

	status, _, ok := tr.Status("dev-gauge")
	require.True(t, ok)
	require.Equal(t, model.DeviceDegraded, status)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.DevicesOnline), "degraded must still count toward devices_online")
}

func TestHydrate_LoadsExistingSessionsWithoutFlippingOnline(t *testing.T) {
	ctx := context.Background()
	s := storetest.New()
	require.NoError(t, s.UpsertDeviceSession(ctx, &model.DeviceSession{
		DeviceID: "dev-1",
		Status:   model.DeviceOffline,
	}))

	tr := NewTracker(s, testLogger(), Options{Debounce: time.Millisecond, OfflineAfter: time.Minute})
	require.NoError(t, tr.Hydrate(ctx))

	status, _, ok := tr.Status("dev-1")
	require.True(t, ok)
	assert.Equal(t, model.DeviceOffline, status)
}
