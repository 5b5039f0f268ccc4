package command

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/iotmca0/autovolt-sub001/internal/auth"
	"github.com/iotmca0/autovolt-sub001/internal/model"
	"github.com/iotmca0/autovolt-sub001/internal/registry"
	"github.com/iotmca0/autovolt-sub001/internal/storetest"
	"github.com/iotmca0/autovolt-sub001/internal/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

type fakePublisher struct {
	mu       sync.Mutex
	sent     []transport.CommandMessage
	failNext bool
}

func (f *fakePublisher) PublishCommand(_ context.Context, _ string, cmd transport.CommandMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return assertErr
	}
	f.sent = append(f.sent, cmd)
	return nil
}

var assertErr = &testError{"publish failed"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

type fakeSequences struct {
	mu  sync.Mutex
	seq map[string]int64
}

func newFakeSequences() *fakeSequences { return &fakeSequences{seq: make(map[string]int64)} }

func (f *fakeSequences) NextCommandSequence(deviceID string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq[deviceID]++
	return f.seq[deviceID]
}

func fullIdentity() *auth.Identity {
	return &auth.Identity{
		User: &model.User{ID: "u1", Role: "admin"},
		Capabilities: map[model.Capability]bool{
			model.CapDeviceControl: true,
			model.CapBulkExecute:   true,
		},
	}
}

func setupDevice(t *testing.T, reg *registry.Registry) *model.Device {
	ctx := context.Background()
	d, err := reg.RegisterDevice(ctx, "dev-1", registry.CreateDeviceInput{
		HardwareID: "AA:BB:CC:DD:EE:FF",
		Switches:   []model.Switch{{ID: "sw-1", Name: "Light", GPIO: 4}},
	})
	require.NoError(t, err)
	return d
}

func TestExecute_SingleTarget_ConfirmedCompletesWait(t *testing.T) {
	ctx := context.Background()
	s := storetest.New()
	reg := registry.New(s, testLogger())
	setupDevice(t, reg)

	pub := &fakePublisher{}
	pipeline := NewPipeline(reg, pub, newFakeSequences(), testLogger(), Options{AckTimeout: 2 * time.Second, BulkThreshold: 3})

	intent := model.NewSingleIntent("intent-1", "u1", "dev-1", "sw-1", true, "corr-1", time.Now())

	go func() {
		time.Sleep(20 * time.Millisecond)
		ok := pipeline.Confirm("corr-1", "dev-1", "sw-1", true)
		assert.True(t, ok)
	}()

	result, err := pipeline.Execute(ctx, fullIdentity(), intent)
	require.NoError(t, err)
	require.Len(t, result.PerTarget, 1)
	assert.Equal(t, model.OutcomeOK, result.PerTarget[0].Status)
}

func TestExecute_TimesOutWithoutConfirmation(t *testing.T) {
	ctx := context.Background()
	s := storetest.New()
	reg := registry.New(s, testLogger())
	setupDevice(t, reg)

	pub := &fakePublisher{}
	pipeline := NewPipeline(reg, pub, newFakeSequences(), testLogger(), Options{AckTimeout: 30 * time.Millisecond, BulkThreshold: 3})

	intent := model.NewSingleIntent("intent-1", "u1", "dev-1", "sw-1", true, "corr-2", time.Now())
	result, err := pipeline.Execute(ctx, fullIdentity(), intent)
	require.NoError(t, err)
	require.Len(t, result.PerTarget, 1)
	assert.Equal(t, model.OutcomeCommandTimeout, result.PerTarget[0].Status)
}

func TestExecute_UnknownSwitch(t *testing.T) {
	ctx := context.Background()
	s := storetest.New()
	reg := registry.New(s, testLogger())
	setupDevice(t, reg)

	pipeline := NewPipeline(reg, &fakePublisher{}, newFakeSequences(), testLogger(), Options{AckTimeout: time.Second, BulkThreshold: 3})
	intent := model.NewSingleIntent("intent-1", "u1", "dev-1", "nonexistent", true, "corr-3", time.Now())

	_, err := pipeline.Execute(ctx, fullIdentity(), intent)
	require.Error(t, err)
}

func TestExecute_ScopedIdentityForbidden(t *testing.T) {
	ctx := context.Background()
	s := storetest.New()
	reg := registry.New(s, testLogger())
	setupDevice(t, reg)

	pipeline := NewPipeline(reg, &fakePublisher{}, newFakeSequences(), testLogger(), Options{AckTimeout: 20 * time.Millisecond, BulkThreshold: 3})
	identity := &auth.Identity{
		User:         &model.User{ID: "u2", AssignedDeviceIDs: []string{"other-device"}},
		Capabilities: map[model.Capability]bool{model.CapDeviceControl: true, model.CapRestrictScoped: true},
	}

	intent := model.NewSingleIntent("intent-1", "u2", "dev-1", "sw-1", true, "corr-4", time.Now())
	result, err := pipeline.Execute(ctx, identity, intent)
	require.NoError(t, err)
	require.Len(t, result.PerTarget, 1)
	assert.Equal(t, model.OutcomeForbidden, result.PerTarget[0].Status)
}

func TestExecute_PublishFailureReportsTransportUnavailable(t *testing.T) {
	ctx := context.Background()
	s := storetest.New()
	reg := registry.New(s, testLogger())
	setupDevice(t, reg)

	pub := &fakePublisher{failNext: true}
	pipeline := NewPipeline(reg, pub, newFakeSequences(), testLogger(), Options{AckTimeout: time.Second, BulkThreshold: 3})

	intent := model.NewSingleIntent("intent-1", "u1", "dev-1", "sw-1", true, "corr-5", time.Now())
	result, err := pipeline.Execute(ctx, fullIdentity(), intent)
	require.NoError(t, err)
	require.Len(t, result.PerTarget, 1)
	assert.Equal(t, model.OutcomeTransportUnavailable, result.PerTarget[0].Status)
}

func TestExecute_BulkWithoutCapabilityForbidden(t *testing.T) {
	ctx := context.Background()
	s := storetest.New()
	reg := registry.New(s, testLogger())
	ctx2 := context.Background()
	_, err := reg.RegisterDevice(ctx2, "dev-1", registry.CreateDeviceInput{
		HardwareID: "AA:BB:CC:DD:EE:FF",
		Switches:   []model.Switch{{ID: "sw-1", Name: "Light", GPIO: 4}, {ID: "sw-2", Name: "Fan", GPIO: 5}},
	})
	require.NoError(t, err)

	pipeline := NewPipeline(reg, &fakePublisher{}, newFakeSequences(), testLogger(), Options{AckTimeout: time.Second, BulkThreshold: 3})
	identity := &auth.Identity{User: &model.User{ID: "u3"}, Capabilities: map[model.Capability]bool{model.CapDeviceControl: true}}

	intent := model.NewBulkIntent("intent-1", "u3", model.IntentTarget{DeviceID: "dev-1"}, true, "corr-6", time.Now())
	intent.Target = model.IntentTarget{Broadcast: true}

	_, err = pipeline.Execute(ctx, identity, intent)
	require.Error(t, err)
}

func TestExecute_BulkFirstCallRequiresConfirmationWithoutDispatch(t *testing.T) {
	ctx := context.Background()
	s := storetest.New()
	reg := registry.New(s, testLogger())
	_, err := reg.RegisterDevice(ctx, "dev-1", registry.CreateDeviceInput{
		HardwareID: "AA:BB:CC:DD:EE:01",
		Switches:   []model.Switch{{ID: "sw-1", Name: "Light", GPIO: 4}},
	})
	require.NoError(t, err)
	for _, id := range []string{"dev-2", "dev-3"} {
		_, err := reg.RegisterDevice(ctx, id, registry.CreateDeviceInput{
			HardwareID: "AA:BB:CC:DD:EE:0" + id[len(id)-1:],
			Switches:   []model.Switch{{ID: "sw-1", Name: "Light", GPIO: 4}},
		})
		require.NoError(t, err)
	}

	pub := &fakePublisher{}
	pipeline := NewPipeline(reg, pub, newFakeSequences(), testLogger(), Options{
		AckTimeout: 20 * time.Millisecond, BulkThreshold: 3, ConfirmTTL: time.Minute,
	})

	intent := model.NewBulkIntent("intent-1", "u1", model.IntentTarget{Broadcast: true}, true, "corr-bulk", time.Now())
	result, err := pipeline.Execute(ctx, fullIdentity(), intent)
	require.NoError(t, err)
	assert.True(t, result.RequiresConfirmation)
	assert.Empty(t, result.PerTarget)

	pub.mu.Lock()
	sentCount := len(pub.sent)
	pub.mu.Unlock()
	assert.Zero(t, sentCount, "first call must not dispatch anything")
}

func TestExecute_BulkSecondCallWithConfirmDispatches(t *testing.T) {
	ctx := context.Background()
	s := storetest.New()
	reg := registry.New(s, testLogger())
	for _, id := range []string{"dev-1", "dev-2", "dev-3"} {
		_, err := reg.RegisterDevice(ctx, id, registry.CreateDeviceInput{
			HardwareID: "AA:BB:CC:DD:EE:0" + id[len(id)-1:],
			Switches:   []model.Switch{{ID: "sw-1", Name: "Light", GPIO: 4}},
		})
		require.NoError(t, err)
	}

	pub := &fakePublisher{}
	pipeline := NewPipeline(reg, pub, newFakeSequences(), testLogger(), Options{
		AckTimeout: 20 * time.Millisecond, BulkThreshold: 3, ConfirmTTL: time.Minute,
	})

	intent := model.NewBulkIntent("intent-1", "u1", model.IntentTarget{Broadcast: true}, true, "corr-bulk", time.Now())
	first, err := pipeline.Execute(ctx, fullIdentity(), intent)
	require.NoError(t, err)
	require.True(t, first.RequiresConfirmation)

	intent.CorrelationID = "corr-bulk"
	second, err := pipeline.Execute(ctx, fullIdentity(), intent)
	require.NoError(t, err)
	assert.False(t, second.RequiresConfirmation)
	require.Len(t, second.PerTarget, 3)
	for _, o := range second.PerTarget {
		assert.Equal(t, model.OutcomeCommandTimeout, o.Status)
	}
}

func TestExecute_DebouncesRepeatedDesiredState(t *testing.T) {
	ctx := context.Background()
	s := storetest.New()
	reg := registry.New(s, testLogger())
	setupDevice(t, reg)

	pub := &fakePublisher{}
	pipeline := NewPipeline(reg, pub, newFakeSequences(), testLogger(), Options{
		AckTimeout: 20 * time.Millisecond, BulkThreshold: 3, DebounceWindow: time.Minute,
	})

	intent1 := model.NewSingleIntent("intent-1", "u1", "dev-1", "sw-1", true, "corr-7", time.Now())
	go pipeline.Confirm("corr-7", "dev-1", "sw-1", true)
	result1, err := pipeline.Execute(ctx, fullIdentity(), intent1)
	require.NoError(t, err)
	require.Len(t, result1.PerTarget, 1)

	intent2 := model.NewSingleIntent("intent-2", "u1", "dev-1", "sw-1", true, "corr-8", time.Now())
	result2, err := pipeline.Execute(ctx, fullIdentity(), intent2)
	require.NoError(t, err)
	require.Len(t, result2.PerTarget, 1)
	assert.Equal(t, model.OutcomeNoopAlreadyPending, result2.PerTarget[0].Status)

	pub.mu.Lock()
	sentCount := len(pub.sent)
	pub.mu.Unlock()
	assert.Equal(t, 1, sentCount, "debounced repeat must not publish again")
}

func TestExecute_ScheduledOffRejectsDontAutoOffSwitch(t *testing.T) {
	ctx := context.Background()
	s := storetest.New()
	reg := registry.New(s, testLogger())
	_, err := reg.RegisterDevice(ctx, "dev-1", registry.CreateDeviceInput{
		HardwareID: "AA:BB:CC:DD:EE:FF",
		Switches:   []model.Switch{{ID: "sw-1", Name: "Fridge", GPIO: 4, DontAutoOff: true}},
	})
	require.NoError(t, err)

	pipeline := NewPipeline(reg, &fakePublisher{}, newFakeSequences(), testLogger(), Options{AckTimeout: time.Second, BulkThreshold: 3})

	sched := model.Schedule{ID: "sch-1", OwnerUserID: "u1", Target: model.IntentTarget{DeviceID: "dev-1", SwitchID: "sw-1"}, DesiredState: false}
	intent := model.NewScheduledIntent("sch-1-fire", sched, time.Now())

	_, err = pipeline.Execute(ctx, fullIdentity(), intent)
	require.Error(t, err)
}

func TestExecute_ScheduledOffSkipsDontAutoOffInBroadcast(t *testing.T) {
	ctx := context.Background()
	s := storetest.New()
	reg := registry.New(s, testLogger())
	_, err := reg.RegisterDevice(ctx, "dev-1", registry.CreateDeviceInput{
		HardwareID: "AA:BB:CC:DD:EE:FF",
		Switches: []model.Switch{
			{ID: "sw-1", Name: "Fridge", GPIO: 4, DontAutoOff: true},
			{ID: "sw-2", Name: "Light", GPIO: 5},
		},
	})
	require.NoError(t, err)

	pipeline := NewPipeline(reg, &fakePublisher{}, newFakeSequences(), testLogger(), Options{AckTimeout: 20 * time.Millisecond, BulkThreshold: 3})

	sched := model.Schedule{ID: "sch-2", OwnerUserID: "u1", Target: model.IntentTarget{Broadcast: true}, DesiredState: false}
	intent := model.NewScheduledIntent("sch-2-fire", sched, time.Now())

	result, err := pipeline.Execute(ctx, fullIdentity(), intent)
	require.NoError(t, err)
	require.Len(t, result.PerTarget, 1, "dont-auto-off switch must be excluded, not just its outcome filtered")
	assert.Equal(t, "sw-2", result.PerTarget[0].SwitchID)
}
