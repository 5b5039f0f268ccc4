// Package scheduler implements the trigger-to-intent bridge (C10): cron and
// one-shot schedules that construct synthetic Intents and submit them to C5
// with the owner's effective capabilities as of the firing instant. Cron
// parsing/scheduling follows the same github.com/robfig/cron/v3 library
// attested across the pack (ginsys-shelly-manager and others); the
// register-once, fire-via-callback shape mirrors the teacher's
// ticker-driven reconcileLoop, generalized to per-schedule cron entries
// instead of one fixed interval.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/iotmca0/autovolt-sub001/internal/auth"
	"github.com/iotmca0/autovolt-sub001/internal/idgen"
	"github.com/iotmca0/autovolt-sub001/internal/metrics"
	"github.com/iotmca0/autovolt-sub001/internal/model"
	"github.com/iotmca0/autovolt-sub001/internal/store"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Executor is the subset of command.Pipeline the scheduler depends on.
type Executor interface {
	Execute(ctx context.Context, identity *auth.Identity, intent model.Intent) (*model.IntentResult, error)
}

// Resolver is the subset of auth.CapabilityResolver the scheduler depends
// on — capabilities are resolved at firing time, not at schedule-creation
// time (spec.md §4.10).
type Resolver interface {
	Resolve(ctx context.Context, userID string) (*auth.Identity, error)
}

// Options configures a new Scheduler.
type Options struct {
	CatchUpWindow  time.Duration // how far back to look for missed fires
	MaxCatchUpFire int           // cap on replayed fires per schedule
}

// Scheduler evaluates Schedule records and submits the resulting Intents to
// C5 (spec.md §4.10).
type Scheduler struct {
	store    store.Store
	executor Executor
	resolver Resolver
	logger   *zap.SugaredLogger
	loc      *time.Location
	parser   cron.Parser

	catchUpWindow  time.Duration
	maxCatchUpFire int

	cron *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID
	timers  map[string]*time.Timer
}

func New(s store.Store, exec Executor, resolver Resolver, logger *zap.SugaredLogger, loc *time.Location, opts Options) *Scheduler {
	if opts.MaxCatchUpFire <= 0 {
		opts.MaxCatchUpFire = 5
	}
	if opts.CatchUpWindow <= 0 {
		opts.CatchUpWindow = 24 * time.Hour
	}
	return &Scheduler{
		store:          s,
		executor:       exec,
		resolver:       resolver,
		logger:         logger,
		loc:            loc,
		parser:         cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		catchUpWindow:  opts.CatchUpWindow,
		maxCatchUpFire: opts.MaxCatchUpFire,
		cron:           cron.New(cron.WithLocation(loc)),
		entries:        make(map[string]cron.EntryID),
		timers:         make(map[string]*time.Timer),
	}
}

// Start loads every active schedule, replays bounded catch-up fires for
// those flagged catchUp, arms one-shot timers, registers cron entries, and
// starts the cron runner. It runs until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	schedules, err := s.store.ListActiveSchedules(ctx)
	if err != nil {
		return err
	}
	for _, sched := range schedules {
		if sched.CatchUp {
			s.replayMissed(ctx, sched)
		}
		if err := s.Register(sched); err != nil {
			s.logger.Errorw("schedule registration failed", "scheduleId", sched.ID, "error", err)
		}
	}
	s.cron.Start()
	go func() {
		<-ctx.Done()
		s.cron.Stop()
	}()
	return nil
}

// Register arms a single schedule: a one-shot timer for trigger.at, or a
// cron entry for trigger.cron.
func (s *Scheduler) Register(sched model.Schedule) error {
	if sched.TriggerAt != nil {
		return s.armOneShot(sched)
	}
	if sched.TriggerCron == "" {
		return fmt.Errorf("schedule %s has neither trigger.at nor trigger.cron", sched.ID)
	}
	parsed, err := s.parser.Parse(sched.TriggerCron)
	if err != nil {
		return fmt.Errorf("parse cron %q: %w", sched.TriggerCron, err)
	}
	entryID := s.cron.Schedule(parsed, cron.FuncJob(func() {
		s.fire(context.Background(), sched, time.Now().In(s.loc), "cron")
	}))
	s.mu.Lock()
	s.entries[sched.ID] = entryID
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) armOneShot(sched model.Schedule) error {
	delay := time.Until(*sched.TriggerAt)
	if delay < 0 {
		// Already past: a catchUp one-shot that never fired is fired once
		// now if its trigger instant is still inside the catch-up window;
		// any other past one-shot is dropped.
		if sched.CatchUp && sched.LastFired == nil && time.Since(*sched.TriggerAt) <= s.catchUpWindow {
			go s.fire(context.Background(), sched, *sched.TriggerAt, "catchup")
		}
		return nil
	}
	at := *sched.TriggerAt
	timer := time.AfterFunc(delay, func() {
		s.fire(context.Background(), sched, at, "oneshot")
	})
	s.mu.Lock()
	s.timers[sched.ID] = timer
	s.mu.Unlock()
	return nil
}

// replayMissed enqueues up to maxCatchUpFire missed cron fires within
// catchUpWindow, in issuance order (spec.md §4.10: "up to the last N missed
// fires within a bounded window are queued in issuance order").
func (s *Scheduler) replayMissed(ctx context.Context, sched model.Schedule) {
	if sched.TriggerCron == "" {
		return
	}
	schedule, err := s.parser.Parse(sched.TriggerCron)
	if err != nil {
		s.logger.Errorw("catch-up cron parse failed", "scheduleId", sched.ID, "error", err)
		return
	}

	now := time.Now().In(s.loc)
	from := now.Add(-s.catchUpWindow)
	if sched.LastFired != nil && sched.LastFired.After(from) {
		from = *sched.LastFired
	}

	var fires []time.Time
	cursor := from
	for i := 0; i < s.maxCatchUpFire; i++ {
		next := schedule.Next(cursor)
		if next.IsZero() || next.After(now) {
			break
		}
		fires = append(fires, next)
		cursor = next
	}

	for _, firedAt := range fires {
		s.fire(ctx, sched, firedAt, "catchup")
	}
}

// fire resolves the owner's capabilities as of now (not as of schedule
// creation), constructs a ScheduledIntent, and submits it to the executor.
func (s *Scheduler) fire(ctx context.Context, sched model.Schedule, firingInstant time.Time, trigger string) {
	identity, err := s.resolver.Resolve(ctx, sched.OwnerUserID)
	if err != nil {
		s.logger.Errorw("scheduled intent owner resolution failed", "scheduleId", sched.ID, "ownerUserId", sched.OwnerUserID, "error", err)
		return
	}

	intent := model.NewScheduledIntent(idgen.New("intent"), sched, firingInstant)
	if _, err := s.executor.Execute(ctx, identity, intent); err != nil {
		s.logger.Errorw("scheduled intent execution failed", "scheduleId", sched.ID, "error", err)
		return
	}
	metrics.ScheduledIntentsFired.WithLabelValues(trigger).Inc()
	if err := s.store.UpdateScheduleLastFired(ctx, sched.ID, firingInstant); err != nil {
		s.logger.Errorw("schedule last-fired update failed", "scheduleId", sched.ID, "error", err)
	}
}
