// Package store defines the persistence boundary every component depends
// on, and a PostgreSQL implementation (pg.go). Following the teacher, all
// data methods take a context for cancellation and every entity mutation
// is expressed as a narrow method rather than exposing the connection.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/iotmca0/autovolt-sub001/internal/model"
)

// ErrConflict is returned when an optimistic-concurrency check fails: the
// caller's expected version no longer matches the stored version.
var ErrConflict = errors.New("optimistic concurrency conflict: resource has been modified concurrently")

// ErrNotFound is returned when a lookup by ID finds nothing.
var ErrNotFound = errors.New("not found")

// AuditEntry is one row of the append-only audit trail (SPEC_FULL.md
// "Supplemented features").
type AuditEntry struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"` // "device", "tariff", "role", ...
	TargetID  string    `json:"targetId"`
	Action    string    `json:"action"`
	Operator  string    `json:"operator"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// RecomputeProgress tracks how far a tariff-change recompute has advanced,
// so the chunked-by-day recompute in §4.7 survives a process restart.
type RecomputeProgress struct {
	TariffVersionID  string
	LastRecomputedDay string // YYYY-MM-DD, empty if not started
	Done             bool
}

// Store is the full persistence interface. Every component depends on this
// interface, never on *PgStore directly, so tests can substitute a fake.
type Store interface {
	Close()

	// Users & roles (C1)
	CreateUser(ctx context.Context, u *model.User) error
	GetUser(ctx context.Context, id string) (*model.User, error)
	GetUserCredentialHash(ctx context.Context, id string) (string, error)
	ListUsers(ctx context.Context) ([]model.User, error)
	UpdateUserAssignments(ctx context.Context, id string, deviceIDs, roomIDs []string) error
	GetRoleCapabilities(ctx context.Context, role model.Role) (*model.RoleCapabilities, error)
	PutRoleCapabilities(ctx context.Context, rc *model.RoleCapabilities) error
	UsersWithRole(ctx context.Context, role model.Role) ([]string, error)

	// Signing keys (C1 bearer-session issuance)
	GetActiveSigningKey(ctx context.Context) (*SigningKey, error)
	GetSigningKeyByID(ctx context.Context, kid string) (*SigningKey, error)
	RotateSigningKey(ctx context.Context, gracePeriod time.Duration) (*SigningKey, error)

	// Devices & switches (C2)
	CreateDevice(ctx context.Context, d *model.Device) error
	GetDevice(ctx context.Context, id string) (*model.Device, error)
	GetDeviceByHardwareID(ctx context.Context, hwID string) (*model.Device, error)
	ListDevices(ctx context.Context) ([]model.Device, error)
	ListDevicesByRoom(ctx context.Context, room string) ([]model.Device, error)
	ListDevicesByAssignedUser(ctx context.Context, userID string) ([]model.Device, error)
	UpdateDevice(ctx context.Context, d *model.Device, expectedVersion int64) (int64, error)
	UpdateSwitchState(ctx context.Context, deviceID, switchID string, on bool, changedAt time.Time) error
	DeleteDevice(ctx context.Context, id string) error

	// Device sessions (C4)
	UpsertDeviceSession(ctx context.Context, s *model.DeviceSession) error
	GetDeviceSession(ctx context.Context, deviceID string) (*model.DeviceSession, error)
	ListDeviceSessions(ctx context.Context) ([]model.DeviceSession, error)
	MarkStaleSessionsOffline(ctx context.Context, threshold time.Duration) ([]string, error)

	// Telemetry & ledger (C6)
	InsertTelemetryEvent(ctx context.Context, e *model.TelemetryEvent) (inserted bool, err error)
	LatestTelemetryEvent(ctx context.Context, deviceID string) (*model.TelemetryEvent, error)
	InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error
	ListLedgerEntries(ctx context.Context, deviceID string, from, to time.Time) ([]model.LedgerEntry, error)
	ListLedgerEntriesByTariffFrom(ctx context.Context, tariffVersionID string, from time.Time) ([]model.LedgerEntry, error)
	UpdateLedgerEntryTariff(ctx context.Context, entryID, tariffVersionID string, costMinor int64) error
	CountDuplicateAttempts(ctx context.Context, deviceID string, since time.Time) (int, error)

	// Aggregates (C7)
	UpsertDailyAggregate(ctx context.Context, a *model.DailyAggregate) error
	GetDailyAggregate(ctx context.Context, scope model.AggregateScope, scopeID, date string) (*model.DailyAggregate, error)
	GetDailyRange(ctx context.Context, scope model.AggregateScope, scopeID, from, to string) ([]model.DailyAggregate, error)
	UpsertMonthlyAggregate(ctx context.Context, a *model.MonthlyAggregate) error
	GetMonthlyAggregate(ctx context.Context, scope model.AggregateScope, scopeID string, year, month int) (*model.MonthlyAggregate, error)

	// Tariffs (C7)
	CreateTariffVersion(ctx context.Context, t *model.TariffVersion) error
	GetActiveTariff(ctx context.Context, scope model.TariffScope, scopeID string, at time.Time) (*model.TariffVersion, error)
	GetTariffVersion(ctx context.Context, id string) (*model.TariffVersion, error)
	SupersedeTariff(ctx context.Context, oldID, newID string) error
	GetRecomputeProgress(ctx context.Context, tariffVersionID string) (*RecomputeProgress, error)
	PutRecomputeProgress(ctx context.Context, p *RecomputeProgress) error

	// Review tickets (C8)
	CreateReviewTicket(ctx context.Context, t *model.ReviewTicket) (created bool, err error)
	ListOpenReviewTickets(ctx context.Context) ([]model.ReviewTicket, error)
	ResolveReviewTicket(ctx context.Context, id string, resolvedAt time.Time) error

	// Schedules (C10)
	CreateSchedule(ctx context.Context, s *model.Schedule) error
	GetSchedule(ctx context.Context, id string) (*model.Schedule, error)
	ListActiveSchedules(ctx context.Context) ([]model.Schedule, error)
	UpdateScheduleLastFired(ctx context.Context, id string, firedAt time.Time) error

	// Audit log
	InsertAuditLog(ctx context.Context, e *AuditEntry) error
	ListAuditLog(ctx context.Context, limit, offset int) ([]AuditEntry, error)

	// Advisory lock (C8 single-instance reconciliation guard; re-grounds the
	// teacher's etcd election on Postgres, see DESIGN.md)
	TryAdvisoryLock(ctx context.Context, key int64) (bool, func(), error)
}

// SigningKey is a bearer-session HMAC signing key (C1), adapted from the
// teacher's jwt_signing_keys table.
type SigningKey struct {
	KID       string
	Secret    []byte
	CreatedAt time.Time
	ExpiresAt *time.Time // nil = active; non-nil = retired, valid until expiry (grace period)
}
