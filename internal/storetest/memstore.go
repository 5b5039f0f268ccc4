// Package storetest provides an in-memory store.Store implementation shared
// by component unit tests, following the teacher's mockStore pattern
// (server/internal/handler/handler_test.go) but factored into its own
// package so every component test package can reuse one fake instead of
// hand-rolling a partial mock per package.
package storetest

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/iotmca0/autovolt-sub001/internal/model"
	"github.com/iotmca0/autovolt-sub001/internal/store"
)

type MemStore struct {
	mu sync.Mutex

	users     map[string]*model.User
	roleCaps  map[model.Role]*model.RoleCapabilities
	keys      map[string]*store.SigningKey
	activeKID string

	devices  map[string]*model.Device
	byHWID   map[string]string // hardwareID -> deviceID

	sessions map[string]*model.DeviceSession

	telemetry    map[string][]model.TelemetryEvent // deviceID -> events
	telemetrySeen map[string]bool                   // deviceID|fingerprint
	ledger       []model.LedgerEntry

	daily   map[string]*model.DailyAggregate   // date|scope|scopeID
	monthly map[string]*model.MonthlyAggregate // year-month|scope|scopeID

	tariffs    map[string]*model.TariffVersion
	recompute  map[string]*store.RecomputeProgress

	tickets map[string]*model.ReviewTicket // kind|deviceID|windowStart

	schedules map[string]*model.Schedule

	audit    []store.AuditEntry
	auditSeq int64

	locks map[int64]bool

	// DuplicateAttempts lets tests seed CountDuplicateAttempts' return value
	// per device, since no real duplicate-attempt log is modeled in memory.
	DuplicateAttempts map[string]int
}

func New() *MemStore {
	return &MemStore{
		users:         make(map[string]*model.User),
		roleCaps:      make(map[model.Role]*model.RoleCapabilities),
		keys:          make(map[string]*store.SigningKey),
		devices:       make(map[string]*model.Device),
		byHWID:        make(map[string]string),
		sessions:      make(map[string]*model.DeviceSession),
		telemetry:     make(map[string][]model.TelemetryEvent),
		telemetrySeen: make(map[string]bool),
		daily:         make(map[string]*model.DailyAggregate),
		monthly:       make(map[string]*model.MonthlyAggregate),
		tariffs:       make(map[string]*model.TariffVersion),
		recompute:     make(map[string]*store.RecomputeProgress),
		tickets:       make(map[string]*model.ReviewTicket),
		schedules:     make(map[string]*model.Schedule),
		locks:         make(map[int64]bool),
	}
}

func (m *MemStore) Close() {}

// ── Users & roles ────────────────────────────────

func (m *MemStore) CreateUser(_ context.Context, u *model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *MemStore) GetUser(_ context.Context, id string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemStore) GetUserCredentialHash(_ context.Context, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return "", store.ErrNotFound
	}
	return u.CredentialHash, nil
}

func (m *MemStore) ListUsers(_ context.Context) ([]model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, *u)
	}
	return out, nil
}

func (m *MemStore) UpdateUserAssignments(_ context.Context, id string, deviceIDs, roomIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return store.ErrNotFound
	}
	u.AssignedDeviceIDs = deviceIDs
	u.AssignedRoomIDs = roomIDs
	return nil
}

func (m *MemStore) GetRoleCapabilities(_ context.Context, role model.Role) (*model.RoleCapabilities, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rc, ok := m.roleCaps[role]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *rc
	return &cp, nil
}

func (m *MemStore) PutRoleCapabilities(_ context.Context, rc *model.RoleCapabilities) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rc
	cp.UpdatedAt = time.Now()
	m.roleCaps[rc.Role] = &cp
	return nil
}

func (m *MemStore) UsersWithRole(_ context.Context, role model.Role) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, u := range m.users {
		if u.Role == role {
			out = append(out, id)
		}
	}
	return out, nil
}

// ── Signing keys ─────────────────────────────────

func (m *MemStore) GetActiveSigningKey(_ context.Context) (*store.SigningKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeKID == "" {
		return nil, nil
	}
	k := m.keys[m.activeKID]
	cp := *k
	return &cp, nil
}

func (m *MemStore) GetSigningKeyByID(_ context.Context, kid string) (*store.SigningKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[kid]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *k
	return &cp, nil
}

func (m *MemStore) RotateSigningKey(_ context.Context, gracePeriod time.Duration) (*store.SigningKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeKID != "" {
		old := m.keys[m.activeKID]
		expires := time.Now().Add(gracePeriod)
		old.ExpiresAt = &expires
	}
	secret := make([]byte, 32)
	_, _ = rand.Read(secret)
	kid := randHex()
	key := &store.SigningKey{KID: kid, Secret: secret, CreatedAt: time.Now()}
	m.keys[kid] = key
	m.activeKID = kid
	cp := *key
	return &cp, nil
}

func randHex() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	const hex = "0123456789abcdef"
	out := make([]byte, 16)
	for i, c := range b {
		out[i*2] = hex[c>>4]
		out[i*2+1] = hex[c&0xf]
	}
	return string(out)
}

// ── Devices & switches ───────────────────────────

func (m *MemStore) CreateDevice(_ context.Context, d *model.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byHWID[d.HardwareID]; exists {
		return store.ErrConflict
	}
	d.Version = 1
	cp := *d
	m.devices[d.ID] = &cp
	m.byHWID[d.HardwareID] = d.ID
	return nil
}

func (m *MemStore) GetDevice(_ context.Context, id string) (*model.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemStore) GetDeviceByHardwareID(_ context.Context, hwID string) (*model.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byHWID[hwID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *m.devices[id]
	return &cp, nil
}

func (m *MemStore) ListDevices(_ context.Context) ([]model.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, *d)
	}
	return out, nil
}

func (m *MemStore) ListDevicesByRoom(_ context.Context, room string) ([]model.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Device
	for _, d := range m.devices {
		if d.Room == room {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (m *MemStore) ListDevicesByAssignedUser(_ context.Context, userID string) ([]model.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Device
	for _, d := range m.devices {
		for _, u := range d.AssignedUserIDs {
			if u == userID {
				out = append(out, *d)
				break
			}
		}
	}
	return out, nil
}

func (m *MemStore) UpdateDevice(_ context.Context, d *model.Device, expectedVersion int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.devices[d.ID]
	if !ok {
		return 0, store.ErrNotFound
	}
	if existing.Version != expectedVersion {
		return 0, store.ErrConflict
	}
	cp := *d
	cp.Version = expectedVersion + 1
	cp.UpdatedAt = time.Now()
	m.devices[d.ID] = &cp
	return cp.Version, nil
}

func (m *MemStore) UpdateSwitchState(_ context.Context, deviceID, switchID string, on bool, changedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceID]
	if !ok {
		return store.ErrNotFound
	}
	for i := range d.Switches {
		if d.Switches[i].ID == switchID {
			d.Switches[i].State = on
			d.Switches[i].LastChangeInstant = changedAt
			return nil
		}
	}
	return store.ErrNotFound
}

func (m *MemStore) DeleteDevice(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return store.ErrNotFound
	}
	delete(m.byHWID, d.HardwareID)
	delete(m.devices, id)
	return nil
}

// ── Device sessions ──────────────────────────────

func (m *MemStore) UpsertDeviceSession(_ context.Context, s *model.DeviceSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	if existing, ok := m.sessions[s.DeviceID]; ok && cp.SessionStartInstant.IsZero() {
		cp.SessionStartInstant = existing.SessionStartInstant
	}
	m.sessions[s.DeviceID] = &cp
	return nil
}

func (m *MemStore) GetDeviceSession(_ context.Context, deviceID string) (*model.DeviceSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[deviceID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemStore) ListDeviceSessions(_ context.Context) ([]model.DeviceSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.DeviceSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	return out, nil
}

func (m *MemStore) MarkStaleSessionsOffline(_ context.Context, threshold time.Duration) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-threshold)
	var ids []string
	for id, s := range m.sessions {
		if s.Status != model.DeviceOffline && s.LastHeartbeatInstant.Before(cutoff) {
			s.Status = model.DeviceOffline
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// ── Telemetry & ledger ───────────────────────────

func (m *MemStore) InsertTelemetryEvent(_ context.Context, e *model.TelemetryEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := e.DeviceID + "|" + e.SourceFingerprint
	if m.telemetrySeen[key] {
		return false, nil
	}
	m.telemetrySeen[key] = true
	cp := *e
	m.telemetry[e.DeviceID] = append(m.telemetry[e.DeviceID], cp)
	return true, nil
}

func (m *MemStore) LatestTelemetryEvent(_ context.Context, deviceID string) (*model.TelemetryEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := m.telemetry[deviceID]
	if len(events) == 0 {
		return nil, store.ErrNotFound
	}
	latest := events[0]
	for _, e := range events[1:] {
		if e.DeviceInstant.After(latest.DeviceInstant) || (e.DeviceInstant.Equal(latest.DeviceInstant) && e.DeviceSequence > latest.DeviceSequence) {
			latest = e
		}
	}
	return &latest, nil
}

func (m *MemStore) InsertLedgerEntry(_ context.Context, e *model.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ledger = append(m.ledger, *e)
	return nil
}

func (m *MemStore) ListLedgerEntries(_ context.Context, deviceID string, from, to time.Time) ([]model.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.LedgerEntry
	for _, e := range m.ledger {
		if e.DeviceID == deviceID && !e.StartInstant.Before(from) && e.StartInstant.Before(to) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemStore) ListLedgerEntriesByTariffFrom(_ context.Context, tariffVersionID string, from time.Time) ([]model.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.LedgerEntry
	for _, e := range m.ledger {
		if !e.StartInstant.Before(from) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemStore) UpdateLedgerEntryTariff(_ context.Context, entryID, tariffVersionID string, costMinor int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.ledger {
		if m.ledger[i].ID == entryID {
			m.ledger[i].TariffVersionID = tariffVersionID
			m.ledger[i].CostMinor = costMinor
			return nil
		}
	}
	return store.ErrNotFound
}

func (m *MemStore) CountDuplicateAttempts(_ context.Context, deviceID string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.DuplicateAttempts[deviceID], nil
}

// ── Aggregates ───────────────────────────────────

func (m *MemStore) UpsertDailyAggregate(_ context.Context, a *model.DailyAggregate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := a.Date + "|" + string(a.Scope) + "|" + a.ScopeID
	cp := *a
	m.daily[key] = &cp
	return nil
}

func (m *MemStore) GetDailyAggregate(_ context.Context, scope model.AggregateScope, scopeID, date string) (*model.DailyAggregate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := date + "|" + string(scope) + "|" + scopeID
	a, ok := m.daily[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemStore) GetDailyRange(_ context.Context, scope model.AggregateScope, scopeID, from, to string) ([]model.DailyAggregate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.DailyAggregate
	for _, a := range m.daily {
		if a.Scope == scope && a.ScopeID == scopeID && a.Date >= from && a.Date <= to {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (m *MemStore) UpsertMonthlyAggregate(_ context.Context, a *model.MonthlyAggregate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := monthlyKey(a.Year, a.Month, a.Scope, a.ScopeID)
	cp := *a
	m.monthly[key] = &cp
	return nil
}

func (m *MemStore) GetMonthlyAggregate(_ context.Context, scope model.AggregateScope, scopeID string, year, month int) (*model.MonthlyAggregate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.monthly[monthlyKey(year, month, scope, scopeID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func monthlyKey(year, month int, scope model.AggregateScope, scopeID string) string {
	return time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC).Format("2006-01") + "|" + string(scope) + "|" + scopeID
}

// ── Tariffs ──────────────────────────────────────

func (m *MemStore) CreateTariffVersion(_ context.Context, t *model.TariffVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tariffs[t.ID] = &cp
	return nil
}

func (m *MemStore) GetActiveTariff(_ context.Context, scope model.TariffScope, scopeID string, at time.Time) (*model.TariffVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *model.TariffVersion
	for _, t := range m.tariffs {
		if t.Scope != scope || t.ScopeID != scopeID {
			continue
		}
		if t.EffectiveFromInstant.After(at) {
			continue
		}
		if best == nil || t.EffectiveFromInstant.After(best.EffectiveFromInstant) {
			best = t
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (m *MemStore) GetTariffVersion(_ context.Context, id string) (*model.TariffVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tariffs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemStore) SupersedeTariff(_ context.Context, oldID, newID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tariffs[oldID]
	if !ok {
		return store.ErrNotFound
	}
	t.SupersededByVersionID = newID
	return nil
}

func (m *MemStore) GetRecomputeProgress(_ context.Context, tariffVersionID string) (*store.RecomputeProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.recompute[tariffVersionID]
	if !ok {
		return &store.RecomputeProgress{TariffVersionID: tariffVersionID}, nil
	}
	cp := *p
	return &cp, nil
}

func (m *MemStore) PutRecomputeProgress(_ context.Context, p *store.RecomputeProgress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.recompute[p.TariffVersionID] = &cp
	return nil
}

// ── Review tickets ───────────────────────────────

func (m *MemStore) CreateReviewTicket(_ context.Context, t *model.ReviewTicket) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := string(t.Kind) + "|" + t.DeviceID + "|" + t.WindowStart.Format(time.RFC3339)
	if _, exists := m.tickets[key]; exists {
		return false, nil
	}
	cp := *t
	m.tickets[key] = &cp
	return true, nil
}

func (m *MemStore) ListOpenReviewTickets(_ context.Context) ([]model.ReviewTicket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ReviewTicket
	for _, t := range m.tickets {
		if t.ResolvedInstant == nil {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (m *MemStore) ResolveReviewTicket(_ context.Context, id string, resolvedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tickets {
		if t.ID == id {
			t.ResolvedInstant = &resolvedAt
			return nil
		}
	}
	return store.ErrNotFound
}

// ── Schedules ────────────────────────────────────

func (m *MemStore) CreateSchedule(_ context.Context, s *model.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.schedules[s.ID] = &cp
	return nil
}

func (m *MemStore) GetSchedule(_ context.Context, id string) (*model.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemStore) ListActiveSchedules(_ context.Context) ([]model.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Schedule
	for _, s := range m.schedules {
		if s.Active {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *MemStore) UpdateScheduleLastFired(_ context.Context, id string, firedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return store.ErrNotFound
	}
	s.LastFired = &firedAt
	return nil
}

// ── Audit log ────────────────────────────────────

func (m *MemStore) InsertAuditLog(_ context.Context, e *store.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auditSeq++
	cp := *e
	cp.ID = m.auditSeq
	cp.CreatedAt = time.Now()
	m.audit = append(m.audit, cp)
	return nil
}

func (m *MemStore) ListAuditLog(_ context.Context, limit, offset int) ([]store.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if offset >= len(m.audit) {
		return nil, nil
	}
	end := offset + limit
	if end > len(m.audit) || limit <= 0 {
		end = len(m.audit)
	}
	out := make([]store.AuditEntry, end-offset)
	copy(out, m.audit[offset:end])
	return out, nil
}

// ── Advisory lock ────────────────────────────────

func (m *MemStore) TryAdvisoryLock(_ context.Context, key int64) (bool, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[key] {
		return false, nil, nil
	}
	m.locks[key] = true
	release := func() {
		m.mu.Lock()
		delete(m.locks, key)
		m.mu.Unlock()
	}
	return true, release, nil
}

var _ store.Store = (*MemStore)(nil)
