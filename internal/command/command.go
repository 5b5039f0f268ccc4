// Package command implements the intent pipeline (C5): validate, authorize,
// classify, dedupe, publish, and await confirmation. Ordering per
// (deviceId, switchId) is enforced by a fixed-width sharded worker pool —
// generalized from the teacher's single-writer-per-key discipline
// (PutDomain/PutCluster serialize mutations of one region at a time) scaled
// from "one key" to every switch.
package command

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/iotmca0/autovolt-sub001/internal/apperr"
	"github.com/iotmca0/autovolt-sub001/internal/auth"
	"github.com/iotmca0/autovolt-sub001/internal/idgen"
	"github.com/iotmca0/autovolt-sub001/internal/metrics"
	"github.com/iotmca0/autovolt-sub001/internal/model"
	"github.com/iotmca0/autovolt-sub001/internal/registry"
	"github.com/iotmca0/autovolt-sub001/internal/transport"

	"go.uber.org/zap"
)

// Publisher is the subset of transport.Client the pipeline depends on, kept
// as an interface so tests can fake the broker.
type Publisher interface {
	PublishCommand(ctx context.Context, hardwareID string, cmd transport.CommandMessage) error
}

// SequenceSource assigns the per-device monotonic command sequence (owned by
// C4's session tracker).
type SequenceSource interface {
	NextCommandSequence(deviceID string) int64
}

// targetSlot is the ack-wait future for one (device,switch) leg of an
// Intent: completed exactly once, either by Confirm (a matching retained
// state message arrived) or by the ack-timeout firing — the "coroutine-
// style confirmation wait" from design note §9.
type targetSlot struct {
	ch        chan model.TargetOutcome
	once      sync.Once
	createdAt time.Time
}

func newTargetSlot() *targetSlot {
	return &targetSlot{ch: make(chan model.TargetOutcome, 1), createdAt: time.Now()}
}

func (s *targetSlot) complete(o model.TargetOutcome) {
	s.once.Do(func() { s.ch <- o })
}

// work is one (device,switch) leg of an Intent, queued onto its shard.
type work struct {
	deviceID      string
	switchID      string
	hardwareID    string
	desiredState  bool
	correlationID string
	slot          *targetSlot
}

const shardCount = 64

// Pipeline is the C5 command processor.
type Pipeline struct {
	registry   *registry.Registry
	publisher  Publisher
	sequences  SequenceSource
	logger     *zap.SugaredLogger
	ackTimeout time.Duration

	bulkThreshold  int
	confirmTTL     time.Duration
	debounceWindow time.Duration

	shards [shardCount]chan work

	mu      sync.Mutex
	pending map[string]map[string]*targetSlot // correlationId -> "deviceId/switchId" -> slot

	confirmMu      sync.Mutex
	pendingConfirm map[string]time.Time // correlationId -> expiry, set once requiresConfirmation is first reported

	dedupeMu     sync.Mutex
	lastDispatch map[string]dispatchRecord // "deviceId/switchId" -> last issued desired state
}

// dispatchRecord is the last desired state published for one (device,switch)
// pair, used to deduplicate repeat intents within the debounce window
// (spec.md §4.5 step 4).
type dispatchRecord struct {
	desiredState bool
	at           time.Time
}

// Options configures a new Pipeline.
type Options struct {
	AckTimeout     time.Duration
	BulkThreshold  int
	ConfirmTTL     time.Duration // spec.md §4.5 step 3, T_conf
	DebounceWindow time.Duration // spec.md §4.5 step 4, T_debounce
}

func NewPipeline(reg *registry.Registry, pub Publisher, seq SequenceSource, logger *zap.SugaredLogger, opts Options) *Pipeline {
	p := &Pipeline{
		registry:       reg,
		publisher:      pub,
		sequences:      seq,
		logger:         logger,
		ackTimeout:     opts.AckTimeout,
		bulkThreshold:  opts.BulkThreshold,
		confirmTTL:     opts.ConfirmTTL,
		debounceWindow: opts.DebounceWindow,
		pending:        make(map[string]map[string]*targetSlot),
		pendingConfirm: make(map[string]time.Time),
		lastDispatch:   make(map[string]dispatchRecord),
	}
	for i := range p.shards {
		p.shards[i] = make(chan work, 256)
		go p.runShard(p.shards[i])
	}
	return p
}

// registerPendingConfirmation records that correlationID now has an
// outstanding bulk confirmation, valid for confirmTTL (spec.md §4.5 step 3).
func (p *Pipeline) registerPendingConfirmation(correlationID string) {
	p.confirmMu.Lock()
	defer p.confirmMu.Unlock()
	p.pendingConfirm[correlationID] = time.Now().Add(p.confirmTTL)
}

// consumeConfirmation reports whether correlationID has an unexpired pending
// confirmation, removing it so a single confirmation can't be replayed.
func (p *Pipeline) consumeConfirmation(correlationID string) bool {
	p.confirmMu.Lock()
	defer p.confirmMu.Unlock()
	expiry, ok := p.pendingConfirm[correlationID]
	if !ok {
		return false
	}
	delete(p.pendingConfirm, correlationID)
	return time.Now().Before(expiry)
}

// isDebouncedNoop reports whether (deviceID, switchID) was last dispatched
// with the same desiredState within the debounce window, and if not, records
// this dispatch as the new baseline (spec.md §4.5 step 4).
func (p *Pipeline) isDebouncedNoop(deviceID, switchID string, desiredState bool) bool {
	key := targetKey(deviceID, switchID)
	now := time.Now()
	p.dedupeMu.Lock()
	defer p.dedupeMu.Unlock()
	if rec, ok := p.lastDispatch[key]; ok && rec.desiredState == desiredState && now.Sub(rec.at) < p.debounceWindow {
		return true
	}
	p.lastDispatch[key] = dispatchRecord{desiredState: desiredState, at: now}
	return false
}

func shardFor(deviceID, switchID string) int {
	h := fnv.New32a()
	h.Write([]byte(deviceID))
	h.Write([]byte{'/'})
	h.Write([]byte(switchID))
	return int(h.Sum32() % shardCount)
}

func targetKey(deviceID, switchID string) string { return deviceID + "/" + switchID }

type resolvedTarget struct {
	deviceID   string
	switchID   string
	hardwareID string
	roomID     string
}

// Execute runs the full validate→authorize→classify→dedupe→publish→await
// pipeline for intent, on behalf of identity.
func (p *Pipeline) Execute(ctx context.Context, identity *auth.Identity, intent model.Intent) (*model.IntentResult, error) {
	targets, err := p.resolveTargets(ctx, intent)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, apperr.New(apperr.InvalidInput, "intent matches no devices")
	}
	if len(targets) > 1 && !identity.Has(model.CapBulkExecute) {
		return nil, apperr.New(apperr.Forbidden, "bulk execution not permitted")
	}
	requiresConfirmation := len(targets) >= p.bulkThreshold

	correlationID := intent.CorrelationID
	if correlationID == "" {
		correlationID = idgen.NewV4()
	}

	// Classify (step 3): a bulk-sized intent is held for confirmation the
	// first time its correlationId is seen; only a later call presenting
	// the same correlationId as a confirmation proceeds to dispatch
	// (spec.md §4.5 step 3, §8 scenario #2).
	if requiresConfirmation && !p.consumeConfirmation(correlationID) {
		p.registerPendingConfirmation(correlationID)
		return &model.IntentResult{CorrelationID: correlationID, RequiresConfirmation: true}, nil
	}

	slots := make(map[string]*targetSlot, len(targets))
	for _, tgt := range targets {
		slots[targetKey(tgt.deviceID, tgt.switchID)] = newTargetSlot()
	}

	p.mu.Lock()
	p.pending[correlationID] = slots
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, correlationID)
		p.mu.Unlock()
	}()

	for _, tgt := range targets {
		slot := slots[targetKey(tgt.deviceID, tgt.switchID)]
		if !identity.AllowsDevice(tgt.deviceID, tgt.roomID) {
			slot.complete(model.TargetOutcome{DeviceID: tgt.deviceID, SwitchID: tgt.switchID, Status: model.OutcomeForbidden})
			continue
		}
		if p.isDebouncedNoop(tgt.deviceID, tgt.switchID, intent.DesiredState) {
			slot.complete(model.TargetOutcome{DeviceID: tgt.deviceID, SwitchID: tgt.switchID, Status: model.OutcomeNoopAlreadyPending})
			continue
		}
		w := work{
			deviceID:      tgt.deviceID,
			switchID:      tgt.switchID,
			hardwareID:    tgt.hardwareID,
			desiredState:  intent.DesiredState,
			correlationID: correlationID,
			slot:          slot,
		}
		select {
		case p.shards[shardFor(tgt.deviceID, tgt.switchID)] <- w:
		default:
			slot.complete(model.TargetOutcome{DeviceID: tgt.deviceID, SwitchID: tgt.switchID, Status: model.OutcomeNoopAlreadyPending})
		}
	}

	result := &model.IntentResult{CorrelationID: correlationID}
	for _, tgt := range targets {
		slot := slots[targetKey(tgt.deviceID, tgt.switchID)]
		select {
		case outcome := <-slot.ch:
			result.PerTarget = append(result.PerTarget, outcome)
			metrics.IntentsExecuted.WithLabelValues(string(outcome.Status)).Inc()
		case <-ctx.Done():
			outcome := model.TargetOutcome{DeviceID: tgt.deviceID, SwitchID: tgt.switchID, Status: model.OutcomeCommandTimeout}
			result.PerTarget = append(result.PerTarget, outcome)
			metrics.IntentsExecuted.WithLabelValues(string(outcome.Status)).Inc()
		}
	}
	return result, nil
}

// resolveTargets expands an Intent's selector into concrete (device,switch)
// pairs, validating each exists (spec.md §4.5).
func (p *Pipeline) resolveTargets(ctx context.Context, intent model.Intent) ([]resolvedTarget, error) {
	t := intent.Target
	schedulerOff := intent.Kind == model.IntentScheduled && !intent.DesiredState
	switch {
	case t.DeviceID != "" && t.SwitchID != "":
		d, err := p.registry.Get(ctx, t.DeviceID)
		if err != nil {
			return nil, err
		}
		sw, ok := registry.FindSwitch(d, t.SwitchID)
		if !ok {
			return nil, apperr.New(apperr.NotFound, "switch not found")
		}
		if schedulerOff && sw.DontAutoOff {
			return nil, apperr.New(apperr.InvalidInput, "switch is flagged dont-auto-off")
		}
		return []resolvedTarget{{deviceID: d.ID, switchID: sw.ID, hardwareID: d.HardwareID, roomID: d.OwnerRoomID}}, nil

	case t.RoomID != "":
		devices, err := p.registry.List(ctx, t.RoomID)
		if err != nil {
			return nil, err
		}
		return expandDevices(devices, t.SwitchSelector, schedulerOff), nil

	case t.Broadcast:
		devices, err := p.registry.List(ctx, "")
		if err != nil {
			return nil, err
		}
		return expandDevices(devices, t.SwitchSelector, schedulerOff), nil

	case len(t.DeviceIDs) > 0:
		var out []resolvedTarget
		for _, id := range t.DeviceIDs {
			d, err := p.registry.Get(ctx, id)
			if err != nil {
				continue
			}
			out = append(out, expandDevices([]model.Device{*d}, t.SwitchSelector, schedulerOff)...)
		}
		return out, nil
	}
	return nil, apperr.New(apperr.InvalidInput, "intent has no resolvable target")
}

// expandDevices resolves devices+selector into concrete switch targets,
// dropping switches flagged dontAutoOff when schedulerOff is set — an
// off-command originating from the scheduler must never auto-off a switch
// marked to survive scheduled shutdowns (spec.md §4.5 step 1).
func expandDevices(devices []model.Device, switchSelector string, schedulerOff bool) []resolvedTarget {
	var out []resolvedTarget
	for _, d := range devices {
		for _, sw := range d.Switches {
			if switchSelector != "" && string(sw.Type) != switchSelector && sw.Name != switchSelector {
				continue
			}
			if schedulerOff && sw.DontAutoOff {
				continue
			}
			out = append(out, resolvedTarget{deviceID: d.ID, switchID: sw.ID, hardwareID: d.HardwareID, roomID: d.OwnerRoomID})
		}
	}
	return out
}

// runShard drains one shard's work channel serially: a single device/switch
// pair is never processed by two goroutines at once, but distinct shards
// run fully in parallel so one wedged device can't stall the whole fleet.
func (p *Pipeline) runShard(ch chan work) {
	for w := range ch {
		p.process(w)
	}
}

func (p *Pipeline) process(w work) {
	if p.sequences != nil {
		p.sequences.NextCommandSequence(w.deviceID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.ackTimeout)
	err := p.publisher.PublishCommand(ctx, w.hardwareID, transport.CommandMessage{
		CorrelationID: w.correlationID,
		SwitchID:      w.switchID,
		DesiredState:  w.desiredState,
		IssuedInstant: time.Now().UnixMilli(),
	})
	cancel()
	if err != nil {
		p.logger.Errorw("command publish failed", "deviceId", w.deviceID, "switchId", w.switchID, "error", err)
		w.slot.complete(model.TargetOutcome{DeviceID: w.deviceID, SwitchID: w.switchID, Status: model.OutcomeTransportUnavailable})
		return
	}

	// Arm the ack-timeout without blocking this shard from draining further
	// work; Confirm races the timer via targetSlot's sync.Once.
	time.AfterFunc(p.ackTimeout, func() {
		w.slot.complete(model.TargetOutcome{DeviceID: w.deviceID, SwitchID: w.switchID, Status: model.OutcomeCommandTimeout})
	})
}

// Confirm is called by cmd/controlplane's inbound dispatcher when a device
// state message arrives carrying a pending correlation, completing the ack-wait future for that target
// instead of letting it time out.
func (p *Pipeline) Confirm(correlationID, deviceID, switchID string, observed bool) bool {
	p.mu.Lock()
	slots, ok := p.pending[correlationID]
	p.mu.Unlock()
	if !ok {
		return false
	}
	slot, ok := slots[targetKey(deviceID, switchID)]
	if !ok {
		return false
	}
	metrics.CommandAckLatency.Observe(time.Since(slot.createdAt).Seconds())
	slot.complete(model.TargetOutcome{DeviceID: deviceID, SwitchID: switchID, Status: model.OutcomeOK, ObservedState: &observed})
	return true
}
