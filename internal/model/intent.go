package model

import "time"

// IntentTarget selects which devices/switches an Intent addresses. Exactly
// one selector field is populated, decided at parse time — downstream code
// never inspects a loose shape (design note §9).
type IntentTarget struct {
	// DeviceID + SwitchID select a single switch.
	DeviceID string `json:"deviceId,omitempty"`
	SwitchID string `json:"switchId,omitempty"`

	// DeviceIDs + SwitchSelector select across multiple devices.
	DeviceIDs      []string `json:"deviceIds,omitempty"`
	SwitchSelector string   `json:"switchSelector,omitempty"` // switch name/type match, or "" = all

	// RoomID selects every device owned by a room ("all-in-room").
	RoomID string `json:"roomId,omitempty"`

	// Broadcast selects every registered device; targets the issuer is not
	// authorized for are reported with a forbidden outcome.
	Broadcast bool `json:"broadcast,omitempty"`
}

// IntentKind discriminates the closed Intent sum type (design note §9).
type IntentKind string

const (
	IntentSingle    IntentKind = "single"
	IntentBulk      IntentKind = "bulk"
	IntentScheduled IntentKind = "scheduled"
)

// Intent is the ephemeral request for a state change, post-parse
// (spec.md §3.1). The Kind field is set by the constructor used, never
// inferred by inspecting Target shape downstream.
type Intent struct {
	ID                string       `json:"id"`
	Kind              IntentKind   `json:"kind"`
	IssuerUserID      string       `json:"issuerUserId"`
	Target            IntentTarget `json:"target"`
	DesiredState      bool         `json:"desiredState"`
	IssuedInstant     time.Time    `json:"issuedInstant"`
	RequiresConfirmation bool      `json:"requiresConfirmation"`
	CorrelationID     string       `json:"correlationId"`
	ConfirmOf         string       `json:"confirmOf,omitempty"` // correlationId being confirmed, if this intent is a confirmation
	Deadline          time.Time    `json:"-"`                   // caller deadline, propagated via context normally; kept for confirmation bookkeeping
}

// NewSingleIntent builds a single-target Intent.
func NewSingleIntent(id, issuerUserID, deviceID, switchID string, desiredState bool, correlationID string, issued time.Time) Intent {
	return Intent{
		ID:            id,
		Kind:          IntentSingle,
		IssuerUserID:  issuerUserID,
		Target:        IntentTarget{DeviceID: deviceID, SwitchID: switchID},
		DesiredState:  desiredState,
		IssuedInstant: issued,
		CorrelationID: correlationID,
	}
}

// NewBulkIntent builds a multi-target Intent from a selector.
func NewBulkIntent(id, issuerUserID string, target IntentTarget, desiredState bool, correlationID string, issued time.Time) Intent {
	return Intent{
		ID:            id,
		Kind:          IntentBulk,
		IssuerUserID:  issuerUserID,
		Target:        target,
		DesiredState:  desiredState,
		IssuedInstant: issued,
		CorrelationID: correlationID,
	}
}

// NewScheduledIntent builds an Intent on behalf of a Schedule firing, run
// under the owner's effective capabilities as of the firing instant
// (spec.md §4.10).
func NewScheduledIntent(id string, sched Schedule, firingInstant time.Time) Intent {
	return Intent{
		ID:            id,
		Kind:          IntentScheduled,
		IssuerUserID:  sched.OwnerUserID,
		Target:        sched.Target,
		DesiredState:  sched.DesiredState,
		IssuedInstant: firingInstant,
		CorrelationID: id,
	}
}

// TargetOutcomeStatus is the per-target result reported back from the
// command pipeline (spec.md §4.5, §6.1).
type TargetOutcomeStatus string

const (
	OutcomeOK               TargetOutcomeStatus = "ok"
	OutcomeForbidden        TargetOutcomeStatus = "forbidden"
	OutcomeUnknownTarget    TargetOutcomeStatus = "unknown_target"
	OutcomeCommandTimeout   TargetOutcomeStatus = "command_timeout"
	OutcomeNoopAlreadyPending TargetOutcomeStatus = "no-op-already-pending"
	OutcomeTransportUnavailable TargetOutcomeStatus = "transport_unavailable"
)

// TargetOutcome reports the per-(device,switch) result of processing an Intent.
type TargetOutcome struct {
	DeviceID      string              `json:"deviceId"`
	SwitchID      string              `json:"switchId"`
	Status        TargetOutcomeStatus `json:"outcome"`
	ObservedState *bool               `json:"observedState,omitempty"`
}

// IntentResult is the full outcome of processing an Intent.
type IntentResult struct {
	CorrelationID        string          `json:"correlationId"`
	RequiresConfirmation  bool            `json:"requiresConfirmation,omitempty"`
	PerTarget             []TargetOutcome `json:"perTarget"`
}

// EventKind discriminates the closed Event sum type delivered over C9.
type EventKind string

const (
	EventStateChanged       EventKind = "device.state.changed"
	EventOnlineChanged      EventKind = "device.online.changed"
	EventCommandOutcome     EventKind = "command.outcome"
	EventPermissionsChanged EventKind = "permissions.changed"
)

// Event is the closed sum type fanned out by C9 (design note §9). Exactly
// one of the payload fields is populated, matching Kind.
type Event struct {
	Kind            EventKind              `json:"kind"`
	DeviceID        string                 `json:"deviceId,omitempty"`
	SwitchStates    []SwitchState          `json:"switchStates,omitempty"`
	SessionSequence int64                  `json:"sessionSequence,omitempty"`
	Status          DeviceStatus           `json:"status,omitempty"`
	Instant         time.Time              `json:"instant,omitempty"`
	CorrelationID   string                 `json:"correlationId,omitempty"`
	Outcome         *IntentResult          `json:"outcome,omitempty"`
	ChangedCapabilities []Capability       `json:"changedCapabilities,omitempty"`
	TargetUserID    string                 `json:"-"` // routing only, not serialized
}
