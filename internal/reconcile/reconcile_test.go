package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/iotmca0/autovolt-sub001/internal/model"
	"github.com/iotmca0/autovolt-sub001/internal/registry"
	"github.com/iotmca0/autovolt-sub001/internal/storetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func kolkata(t *testing.T) *time.Location {
	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	return loc
}

func newJob(t *testing.T, s *storetest.MemStore, opts Options) (*Job, *registry.Registry) {
	reg := registry.New(s, testLogger())
	return New(s, reg, testLogger(), kolkata(t), opts), reg
}

func TestSweepDay_DetectsMissingHeartbeatWindow(t *testing.T) {
	ctx := context.Background()
	s := storetest.New()
	loc := kolkata(t)
	job, reg := newJob(t, s, Options{GapThreshold: 10 * time.Minute})

	_, err := reg.RegisterDevice(ctx, "dev-1", registry.CreateDeviceInput{HardwareID: "AA:BB:CC:01"})
	require.NoError(t, err)

	day := "2026-07-20"
	dayStart := time.Date(2026, 7, 20, 0, 0, 0, 0, loc)
	require.NoError(t, s.InsertLedgerEntry(ctx, &model.LedgerEntry{
		ID: "ledg-1", DeviceID: "dev-1",
		StartInstant: dayStart.Add(8 * time.Hour), EndInstant: dayStart.Add(8*time.Hour + 5*time.Minute),
		EnergyWh: 10,
	}))

	require.NoError(t, job.SweepDay(ctx, day))

	tickets, err := s.ListOpenReviewTickets(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, tickets)
	var gaps []model.ReviewTicket
	for _, tk := range tickets {
		if tk.Kind == model.TicketGap {
			gaps = append(gaps, tk)
		}
	}
	require.Len(t, gaps, 2, "silent windows before 08:00 and after 08:05")
	assert.Equal(t, "dev-1", gaps[0].DeviceID)
}

func TestSweepDay_IsIdempotentPerDay(t *testing.T) {
	ctx := context.Background()
	s := storetest.New()
	loc := kolkata(t)
	job, reg := newJob(t, s, Options{GapThreshold: 10 * time.Minute})

	_, err := reg.RegisterDevice(ctx, "dev-1", registry.CreateDeviceInput{HardwareID: "AA:BB:CC:02"})
	require.NoError(t, err)

	day := "2026-07-20"
	dayStart := time.Date(2026, 7, 20, 0, 0, 0, 0, loc)
	require.NoError(t, s.InsertLedgerEntry(ctx, &model.LedgerEntry{
		ID: "ledg-1", DeviceID: "dev-1",
		StartInstant: dayStart.Add(8 * time.Hour), EndInstant: dayStart.Add(8*time.Hour + 5*time.Minute),
		EnergyWh: 10,
	}))

	require.NoError(t, job.SweepDay(ctx, day))
	first, err := s.ListOpenReviewTickets(ctx)
	require.NoError(t, err)

	require.NoError(t, job.SweepDay(ctx, day))
	second, err := s.ListOpenReviewTickets(ctx)
	require.NoError(t, err)

	assert.Equal(t, len(first), len(second), "re-running the same day must not duplicate tickets")
}

func TestSweepDay_ReassertsUnresolvedResetTickets(t *testing.T) {
	ctx := context.Background()
	s := storetest.New()
	loc := kolkata(t)
	job, reg := newJob(t, s, Options{})

	_, err := reg.RegisterDevice(ctx, "dev-1", registry.CreateDeviceInput{HardwareID: "AA:BB:CC:03"})
	require.NoError(t, err)

	day := "2026-07-20"
	dayStart := time.Date(2026, 7, 20, 0, 0, 0, 0, loc)
	require.NoError(t, s.InsertLedgerEntry(ctx, &model.LedgerEntry{
		ID: "ledg-1", DeviceID: "dev-1",
		StartInstant: dayStart.Add(8 * time.Hour), EndInstant: dayStart.Add(8*time.Hour + time.Minute),
		IsResetMarker: true,
	}))

	require.NoError(t, job.SweepDay(ctx, day))

	tickets, err := s.ListOpenReviewTickets(ctx)
	require.NoError(t, err)
	require.Len(t, tickets, 1)
	assert.Equal(t, model.TicketReset, tickets[0].Kind)
}

func TestSweepDay_DetectsExcessDuplicates(t *testing.T) {
	ctx := context.Background()
	s := storetest.New()
	job, reg := newJob(t, s, Options{DuplicateThreshold: 0})
	job.duplicateThreshold = 5
	s.DuplicateAttempts = map[string]int{"dev-1": 9}

	_, err := reg.RegisterDevice(ctx, "dev-1", registry.CreateDeviceInput{HardwareID: "AA:BB:CC:04"})
	require.NoError(t, err)

	require.NoError(t, job.SweepDay(ctx, "2026-07-20"))

	tickets, err := s.ListOpenReviewTickets(ctx)
	require.NoError(t, err)
	require.Len(t, tickets, 1)
	assert.Equal(t, model.TicketDuplicate, tickets[0].Kind)
}

func TestSweepDay_DetectsAggregateDivergence(t *testing.T) {
	ctx := context.Background()
	s := storetest.New()
	loc := kolkata(t)
	job, reg := newJob(t, s, Options{DivergencePct: 0.01})

	_, err := reg.RegisterDevice(ctx, "dev-1", registry.CreateDeviceInput{HardwareID: "AA:BB:CC:05"})
	require.NoError(t, err)

	day := "2026-07-20"
	dayStart := time.Date(2026, 7, 20, 0, 0, 0, 0, loc)
	require.NoError(t, s.InsertLedgerEntry(ctx, &model.LedgerEntry{
		ID: "ledg-1", DeviceID: "dev-1",
		StartInstant: dayStart.Add(8 * time.Hour), EndInstant: dayStart.Add(9 * time.Hour),
		EnergyWh: 500,
	}))
	require.NoError(t, s.UpsertDailyAggregate(ctx, &model.DailyAggregate{
		Date: day, Scope: model.ScopeDevice, ScopeID: "dev-1", TotalEnergyWh: 100,
	}))

	require.NoError(t, job.SweepDay(ctx, day))

	tickets, err := s.ListOpenReviewTickets(ctx)
	require.NoError(t, err)
	require.Len(t, tickets, 1)
	assert.Equal(t, model.TicketDivergence, tickets[0].Kind)
}

func TestSweepDay_NoAnomaliesProducesNoTickets(t *testing.T) {
	ctx := context.Background()
	s := storetest.New()
	loc := kolkata(t)
	job, reg := newJob(t, s, Options{GapThreshold: time.Hour, DivergencePct: 0.01})

	_, err := reg.RegisterDevice(ctx, "dev-1", registry.CreateDeviceInput{HardwareID: "AA:BB:CC:06"})
	require.NoError(t, err)

	day := "2026-07-20"
	dayStart := time.Date(2026, 7, 20, 0, 0, 0, 0, loc)
	require.NoError(t, s.InsertLedgerEntry(ctx, &model.LedgerEntry{
		ID: "ledg-1", DeviceID: "dev-1",
		StartInstant: dayStart, EndInstant: dayStart.Add(24 * time.Hour),
		EnergyWh: 100,
	}))
	require.NoError(t, s.UpsertDailyAggregate(ctx, &model.DailyAggregate{
		Date: day, Scope: model.ScopeDevice, ScopeID: "dev-1", TotalEnergyWh: 100,
	}))

	require.NoError(t, job.SweepDay(ctx, day))

	tickets, err := s.ListOpenReviewTickets(ctx)
	require.NoError(t, err)
	assert.Empty(t, tickets)
}
