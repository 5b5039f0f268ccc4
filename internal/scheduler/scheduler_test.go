package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/iotmca0/autovolt-sub001/internal/auth"
	"github.com/iotmca0/autovolt-sub001/internal/model"
	"github.com/iotmca0/autovolt-sub001/internal/storetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func kolkata(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	return loc
}

type fakeExecutor struct {
	mu      sync.Mutex
	intents []model.Intent
}

func (f *fakeExecutor) Execute(_ context.Context, _ *auth.Identity, intent model.Intent) (*model.IntentResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intents = append(f.intents, intent)
	return &model.IntentResult{}, nil
}

func (f *fakeExecutor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.intents)
}

type fakeResolver struct {
	mu       sync.Mutex
	resolved []string
}

func (f *fakeResolver) Resolve(_ context.Context, userID string) (*auth.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved = append(f.resolved, userID)
	return &auth.Identity{User: &model.User{ID: userID, Role: model.Role("owner")}, Capabilities: map[model.Capability]bool{model.CapDeviceControl: true}}, nil
}

func TestRegister_OneShotFiresAtTriggerAt(t *testing.T) {
	s := storetest.New()
	exec := &fakeExecutor{}
	resolver := &fakeResolver{}
	loc := kolkata(t)
	sched := model.Schedule{ID: "sch-1", OwnerUserID: "user-1", Target: model.IntentTarget{DeviceID: "dev-1", SwitchID: "sw-1"}, DesiredState: true, Active: true}
	at := time.Now().Add(30 * time.Millisecond)
	sched.TriggerAt = &at
	require.NoError(t, s.CreateSchedule(context.Background(), &sched))

	sc := New(s, exec, resolver, testLogger(), loc, Options{})
	require.NoError(t, sc.Register(sched))

	require.Eventually(t, func() bool { return exec.count() == 1 }, time.Second, 5*time.Millisecond)

	got, err := s.GetSchedule(context.Background(), "sch-1")
	require.NoError(t, err)
	assert.NotNil(t, got.LastFired)
}

func TestFire_ResolvesCapabilitiesAtFiringTime(t *testing.T) {
	s := storetest.New()
	exec := &fakeExecutor{}
	resolver := &fakeResolver{}
	loc := kolkata(t)
	sched := model.Schedule{ID: "sch-2", OwnerUserID: "user-9", Target: model.IntentTarget{DeviceID: "dev-1", SwitchID: "sw-1"}, Active: true}
	require.NoError(t, s.CreateSchedule(context.Background(), &sched))

	sc := New(s, exec, resolver, testLogger(), loc, Options{})
	sc.fire(context.Background(), sched, time.Now(), "cron")

	resolver.mu.Lock()
	defer resolver.mu.Unlock()
	require.Len(t, resolver.resolved, 1)
	assert.Equal(t, "user-9", resolver.resolved[0])
}

func TestReplayMissed_BoundedByMaxCatchUpFireAndWindow(t *testing.T) {
	s := storetest.New()
	exec := &fakeExecutor{}
	resolver := &fakeResolver{}
	loc := kolkata(t)

	lastFired := time.Now().In(loc).Add(-90 * time.Minute)
	sched := model.Schedule{
		ID:          "sch-3",
		OwnerUserID: "user-1",
		Target:      model.IntentTarget{DeviceID: "dev-1", SwitchID: "sw-1"},
		TriggerCron: "* * * * *",
		Active:      true,
		CatchUp:     true,
		LastFired:   &lastFired,
	}
	require.NoError(t, s.CreateSchedule(context.Background(), &sched))

	sc := New(s, exec, resolver, testLogger(), loc, Options{MaxCatchUpFire: 3, CatchUpWindow: 2 * time.Hour})
	sc.replayMissed(context.Background(), sched)

	assert.Equal(t, 3, exec.count())
}

func TestReplayMissed_NoTriggerCronIsNoop(t *testing.T) {
	s := storetest.New()
	exec := &fakeExecutor{}
	resolver := &fakeResolver{}
	loc := kolkata(t)

	sched := model.Schedule{ID: "sch-4", OwnerUserID: "user-1", Active: true, CatchUp: true}
	sc := New(s, exec, resolver, testLogger(), loc, Options{})
	sc.replayMissed(context.Background(), sched)

	assert.Equal(t, 0, exec.count())
}

func TestStart_SkipsCatchUpReplayWhenFlagUnset(t *testing.T) {
	s := storetest.New()
	exec := &fakeExecutor{}
	resolver := &fakeResolver{}
	loc := kolkata(t)

	lastFired := time.Now().In(loc).Add(-90 * time.Minute)
	sched := model.Schedule{
		ID:          "sch-5",
		OwnerUserID: "user-1",
		Target:      model.IntentTarget{DeviceID: "dev-1", SwitchID: "sw-1"},
		TriggerCron: "0 * * * *", // hourly: a fire was missed since lastFired, so only the unset flag keeps the count at zero
		Active:      true,
		CatchUp:     false,
		LastFired:   &lastFired,
	}
	require.NoError(t, s.CreateSchedule(context.Background(), &sched))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sc := New(s, exec, resolver, testLogger(), loc, Options{MaxCatchUpFire: 3, CatchUpWindow: 2 * time.Hour})
	require.NoError(t, sc.Start(ctx))

	assert.Equal(t, 0, exec.count())
}

func TestStart_ReplaysMissedForCatchUpSchedulesThenRegisters(t *testing.T) {
	s := storetest.New()
	exec := &fakeExecutor{}
	resolver := &fakeResolver{}
	loc := kolkata(t)

	lastFired := time.Now().In(loc).Add(-3 * time.Minute)
	sched := model.Schedule{
		ID:          "sch-6",
		OwnerUserID: "user-1",
		Target:      model.IntentTarget{DeviceID: "dev-1", SwitchID: "sw-1"},
		TriggerCron: "* * * * *",
		Active:      true,
		CatchUp:     true,
		LastFired:   &lastFired,
	}
	require.NoError(t, s.CreateSchedule(context.Background(), &sched))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sc := New(s, exec, resolver, testLogger(), loc, Options{MaxCatchUpFire: 5, CatchUpWindow: time.Hour})
	require.NoError(t, sc.Start(ctx))

	assert.GreaterOrEqual(t, exec.count(), 1)
}
