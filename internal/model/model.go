// Package model defines the control plane's domain entities (spec.md §3).
package model

import "time"

// Role names are free-form strings resolved against RoleCapabilities.
type Role string

// Capability is a flat permission label (spec.md §4.1).
type Capability string

const (
	CapDeviceControl   Capability = "device.control"
	CapDeviceView      Capability = "device.view"
	CapAnalyticsView   Capability = "analytics.view"
	CapScheduleWrite   Capability = "schedule.write"
	CapRoleManage      Capability = "role.manage"
	CapVoiceInvoke     Capability = "voice.invoke"
	CapBulkExecute     Capability = "bulk.execute"
	CapRestrictScoped  Capability = "restrict-to-assigned"
)

// User is an account in the control plane (spec.md §3.1).
type User struct {
	ID                string    `json:"id"`
	DisplayName       string    `json:"displayName"`
	CredentialHash    string    `json:"-"`
	Role              Role      `json:"role"`
	AssignedDeviceIDs []string  `json:"assignedDeviceIds"`
	AssignedRoomIDs   []string  `json:"assignedRoomIds"`
	ExplicitGrants    []Capability `json:"explicitGrants,omitempty"`
	Active            bool      `json:"active"`
	CreatedAt         time.Time `json:"createdAt"`
}

// RoleCapabilities maps a role name to its capability bundle. Mutating this
// triggers a C11 permission-broadcast event.
type RoleCapabilities struct {
	Role         Role         `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// SwitchType enumerates the controllable device classes (spec.md §3.1).
type SwitchType string

const (
	SwitchLight     SwitchType = "light"
	SwitchFan       SwitchType = "fan"
	SwitchProjector SwitchType = "projector"
	SwitchAC        SwitchType = "ac"
	SwitchOutlet    SwitchType = "outlet"
	SwitchOther     SwitchType = "other"
)

// Switch is an individually controllable output embedded within a Device.
type Switch struct {
	ID                string     `json:"id"`
	DeviceID          string     `json:"deviceId"`
	Name              string     `json:"name"`
	Type              SwitchType `json:"type"`
	GPIO              int        `json:"gpio"`
	State             bool       `json:"state"` // true = on
	ManualOverride    bool       `json:"manualOverride"`
	LastChangeInstant time.Time  `json:"lastChangeInstant"`
	NominalPowerWatts float64    `json:"nominalPowerWatts"`
	DontAutoOff       bool       `json:"dontAutoOff"`
}

// DeviceStatus mirrors the session lifecycle as last persisted (spec.md §4.4);
// authoritative live status lives in DeviceSession, owned by C4.
type DeviceStatus string

const (
	DeviceOnline   DeviceStatus = "online"
	DeviceOffline  DeviceStatus = "offline"
	DeviceDegraded DeviceStatus = "degraded"
)

// Device is a controllable hardware unit (spec.md §3.1).
type Device struct {
	ID             string       `json:"id"`
	HardwareID     string       `json:"hardwareId"` // normalized uppercase hex, separators kept
	DisplayName    string       `json:"displayName"`
	Room           string       `json:"room"`
	Block          string       `json:"block"`
	Floor          string       `json:"floor"`
	Aliases        []string     `json:"aliases"`
	Switches       []Switch     `json:"switches"`
	OwnerRoomID    string       `json:"ownerRoomId"`
	AssignedUserIDs []string    `json:"assignedUserIds"`
	Status         DeviceStatus `json:"status"`
	Version        int64        `json:"version"` // optimistic concurrency
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// DeviceSession is the in-memory (periodically persisted) source of truth
// for a device's online/offline lifecycle (spec.md §3.1, §4.4).
type DeviceSession struct {
	DeviceID           string       `json:"deviceId"`
	Status             DeviceStatus `json:"status"`
	LastSeenInstant    time.Time    `json:"lastSeenInstant"`
	LastHeartbeatInstant time.Time  `json:"lastHeartbeatInstant"`
	LastSequence       int64        `json:"lastSequence"`       // C4-assigned fan-out sequence
	DeviceSequence     int64        `json:"deviceSequence"`     // last seen device-reported sequence
	SessionStartInstant time.Time   `json:"sessionStartInstant"`
}

// SwitchState is the wire-level per-switch state reported in telemetry and
// state messages (spec.md §6.3).
type SwitchState struct {
	SwitchID  string `json:"switchId"`
	State     bool   `json:"state"`
	OnSeconds *int64 `json:"onSeconds,omitempty"`
}

// TelemetryEvent is an immutable ingested telemetry record (spec.md §3.1).
type TelemetryEvent struct {
	ID               string        `json:"id"`
	DeviceID         string        `json:"deviceId"`
	DeviceSequence   int64         `json:"deviceSequence"`
	ReceivedInstant  time.Time     `json:"receivedInstant"`
	DeviceInstant    time.Time     `json:"deviceInstant"`
	EnergyCounterWh  int64         `json:"energyCounterWh"`
	SwitchStates     []SwitchState `json:"switchStates"`
	SourceFingerprint string       `json:"sourceFingerprint"`
	RestartHint      bool          `json:"restartHint"`
}

// Confidence labels how a LedgerEntry's energy value was derived (spec.md §3.1).
type Confidence string

const (
	ConfidenceHigh    Confidence = "high"
	ConfidenceDerived Confidence = "derived"
	ConfidenceReset   Confidence = "reset"
)

// LedgerEntry is an append-only energy-consumption record (spec.md §3.1).
type LedgerEntry struct {
	ID              string     `json:"id"`
	DeviceID        string     `json:"deviceId"`
	SwitchID        string     `json:"switchId,omitempty"`
	StartInstant    time.Time  `json:"startInstant"`
	EndInstant      time.Time  `json:"endInstant"`
	DurationSec     int64      `json:"durationSec"`
	EnergyWh        float64    `json:"energyWh"`
	AveragePowerW   float64    `json:"averagePowerW"`
	TariffVersionID string     `json:"tariffVersionId"`
	CostMinor       int64      `json:"costMinor"`
	Confidence      Confidence `json:"confidence"`
	IsResetMarker   bool       `json:"isResetMarker"`
}

// AggregateScope distinguishes what a Daily/MonthlyAggregate is scoped to.
type AggregateScope string

const (
	ScopeDevice AggregateScope = "device"
	ScopeRoom   AggregateScope = "room"
	ScopeGlobal AggregateScope = "global"
)

// SwitchBreakdown is one line of a DailyAggregate's per-switch detail.
type SwitchBreakdown struct {
	SwitchID     string  `json:"switchId"`
	EnergyWh     float64 `json:"energyWh"`
	OnTimeSec    int64   `json:"onTimeSec"`
}

// DailyAggregate is a per-local-day energy/cost roll-up (spec.md §3.1).
type DailyAggregate struct {
	Date            string            `json:"date"` // YYYY-MM-DD in configured timezone
	Scope           AggregateScope    `json:"scope"`
	ScopeID         string            `json:"scopeId"`
	TotalEnergyWh   float64           `json:"totalEnergyWh"`
	OnTimeSec       int64             `json:"onTimeSec"`
	CostMinor       int64             `json:"costMinor"`
	TariffVersionID string            `json:"tariffVersionId"`
	SwitchBreakdown []SwitchBreakdown `json:"switchBreakdown"`
}

// MonthlyAggregate is the same shape as DailyAggregate, keyed by month.
type MonthlyAggregate struct {
	Year            int               `json:"year"`
	Month           int               `json:"month"`
	Scope           AggregateScope    `json:"scope"`
	ScopeID         string            `json:"scopeId"`
	TotalEnergyWh   float64           `json:"totalEnergyWh"`
	OnTimeSec       int64             `json:"onTimeSec"`
	CostMinor       int64             `json:"costMinor"`
	TariffVersionID string            `json:"tariffVersionId"`
	SwitchBreakdown []SwitchBreakdown `json:"switchBreakdown"`
}

// TariffScope distinguishes a TariffVersion's applicability (spec.md §3.1).
type TariffScope string

const (
	TariffGlobal TariffScope = "global"
	TariffRoom   TariffScope = "room"
)

// TariffVersion is an immutable, dated electricity rate (spec.md §3.1, §3.2).
type TariffVersion struct {
	ID                   string      `json:"id"`
	CostPerKwhMinor      int64       `json:"costPerKwhMinor"`
	EffectiveFromInstant time.Time   `json:"effectiveFromInstant"`
	Scope                TariffScope `json:"scope"`
	ScopeID              string      `json:"scopeId,omitempty"`
	SupersededByVersionID string     `json:"supersededByVersionId,omitempty"`
}

// ReviewTicketKind enumerates anomaly classes (spec.md §3.1).
type ReviewTicketKind string

const (
	TicketGap           ReviewTicketKind = "gap"
	TicketDuplicate     ReviewTicketKind = "duplicate"
	TicketReset         ReviewTicketKind = "reset"
	TicketNegativeDelta ReviewTicketKind = "negative-delta"
	TicketDivergence    ReviewTicketKind = "divergence"
)

// ReviewTicket records an anomaly surfaced for human review (spec.md §3.1).
type ReviewTicket struct {
	ID             string           `json:"id"`
	Kind           ReviewTicketKind `json:"kind"`
	DeviceID       string           `json:"deviceId"`
	WindowStart    time.Time        `json:"windowStart"`
	WindowEnd      time.Time        `json:"windowEnd"`
	Detail         string           `json:"detail"`
	CreatedInstant time.Time        `json:"createdInstant"`
	ResolvedInstant *time.Time      `json:"resolvedInstant,omitempty"`
}

// Schedule is a user-owned, cron-like or one-shot trigger that emits
// synthetic intents into the command pipeline (spec.md §4.10).
type Schedule struct {
	ID           string       `json:"id"`
	OwnerUserID  string       `json:"ownerUserId"`
	Target       IntentTarget `json:"target"`
	DesiredState bool         `json:"desiredState"`
	TriggerCron  string       `json:"triggerCron,omitempty"`
	TriggerAt    *time.Time   `json:"triggerAt,omitempty"`
	Active       bool         `json:"active"`
	RoomScope    string       `json:"roomScope,omitempty"`
	CatchUp      bool         `json:"catchUp"`
	LastFired    *time.Time   `json:"lastFired,omitempty"`
}
