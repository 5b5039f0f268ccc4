package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/iotmca0/autovolt-sub001/internal/model"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

// PgStore implements Store backed by PostgreSQL, following the teacher's
// database/sql + pgx/v5/stdlib driver idiom (internal/store/pg.go).
type PgStore struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// NewPgStore opens the connection pool, pings it, and runs the inline DDL
// migration — the same boot sequence as the teacher's NewPgStore.
func NewPgStore(dsn string, logger *zap.SugaredLogger) (*PgStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("pg open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pg ping: %w", err)
	}

	s := &PgStore{db: db, logger: logger}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("pg migrate: %w", err)
	}
	return s, nil
}

func (s *PgStore) Close() { s.db.Close() }

func (s *PgStore) migrate(ctx context.Context) error {
	ddl := `
-- ── Identity & authorization (C1) ────────────────
CREATE TABLE IF NOT EXISTS users (
    id                TEXT PRIMARY KEY,
    display_name      TEXT NOT NULL,
    credential_hash   TEXT NOT NULL DEFAULT '',
    role              TEXT NOT NULL DEFAULT '',
    assigned_device_ids JSONB NOT NULL DEFAULT '[]',
    assigned_room_ids   JSONB NOT NULL DEFAULT '[]',
    explicit_grants     JSONB NOT NULL DEFAULT '[]',
    active            BOOLEAN NOT NULL DEFAULT TRUE,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS role_capabilities (
    role         TEXT PRIMARY KEY,
    capabilities JSONB NOT NULL DEFAULT '[]',
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS signing_keys (
    kid        TEXT PRIMARY KEY,
    secret     BYTEA NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    expires_at TIMESTAMPTZ
);

-- ── Device registry (C2) ─────────────────────────
CREATE TABLE IF NOT EXISTS devices (
    id                TEXT PRIMARY KEY,
    hardware_id       TEXT NOT NULL UNIQUE,
    display_name      TEXT NOT NULL,
    room              TEXT NOT NULL DEFAULT '',
    block             TEXT NOT NULL DEFAULT '',
    floor             TEXT NOT NULL DEFAULT '',
    aliases           JSONB NOT NULL DEFAULT '[]',
    owner_room_id     TEXT NOT NULL DEFAULT '',
    assigned_user_ids JSONB NOT NULL DEFAULT '[]',
    status            TEXT NOT NULL DEFAULT 'offline',
    version           BIGINT NOT NULL DEFAULT 1,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_devices_room ON devices(room);

CREATE TABLE IF NOT EXISTS switches (
    id                  TEXT NOT NULL,
    device_id           TEXT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
    name                TEXT NOT NULL,
    type                TEXT NOT NULL,
    gpio                INT NOT NULL,
    state               BOOLEAN NOT NULL DEFAULT FALSE,
    manual_override     BOOLEAN NOT NULL DEFAULT FALSE,
    last_change_instant TIMESTAMPTZ,
    nominal_power_watts DOUBLE PRECISION NOT NULL DEFAULT 0,
    dont_auto_off       BOOLEAN NOT NULL DEFAULT FALSE,
    PRIMARY KEY (device_id, id)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_switches_device_gpio ON switches(device_id, gpio);

-- ── Device sessions (C4) ─────────────────────────
CREATE TABLE IF NOT EXISTS device_sessions (
    device_id               TEXT PRIMARY KEY REFERENCES devices(id) ON DELETE CASCADE,
    status                  TEXT NOT NULL DEFAULT 'offline',
    last_seen_instant       TIMESTAMPTZ,
    last_heartbeat_instant  TIMESTAMPTZ,
    last_sequence           BIGINT NOT NULL DEFAULT 0,
    device_sequence         BIGINT NOT NULL DEFAULT 0,
    session_start_instant   TIMESTAMPTZ,
    updated_at              TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

-- ── Telemetry & ledger (C6) ──────────────────────
CREATE TABLE IF NOT EXISTS telemetry_events (
    id                 TEXT PRIMARY KEY,
    device_id          TEXT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
    device_sequence    BIGINT NOT NULL,
    received_instant   TIMESTAMPTZ NOT NULL,
    device_instant     TIMESTAMPTZ NOT NULL,
    energy_counter_wh  BIGINT NOT NULL,
    switch_states      JSONB NOT NULL DEFAULT '[]',
    source_fingerprint TEXT NOT NULL,
    restart_hint       BOOLEAN NOT NULL DEFAULT FALSE,
    UNIQUE (device_id, source_fingerprint)
);
CREATE INDEX IF NOT EXISTS idx_telemetry_device_instant ON telemetry_events(device_id, device_instant, device_sequence);

CREATE TABLE IF NOT EXISTS ledger_entries (
    id                TEXT PRIMARY KEY,
    device_id         TEXT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
    switch_id         TEXT NOT NULL DEFAULT '',
    start_instant     TIMESTAMPTZ NOT NULL,
    end_instant       TIMESTAMPTZ NOT NULL,
    duration_sec      BIGINT NOT NULL,
    energy_wh         DOUBLE PRECISION NOT NULL,
    average_power_w   DOUBLE PRECISION NOT NULL,
    tariff_version_id TEXT NOT NULL DEFAULT '',
    cost_minor        BIGINT NOT NULL DEFAULT 0,
    confidence        TEXT NOT NULL,
    is_reset_marker   BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_ledger_device_start ON ledger_entries(device_id, start_instant);
CREATE INDEX IF NOT EXISTS idx_ledger_tariff ON ledger_entries(tariff_version_id, start_instant);

-- ── Aggregates (C7) ──────────────────────────────
CREATE TABLE IF NOT EXISTS daily_aggregates (
    date              TEXT NOT NULL,
    scope             TEXT NOT NULL,
    scope_id          TEXT NOT NULL,
    total_energy_wh   DOUBLE PRECISION NOT NULL DEFAULT 0,
    on_time_sec       BIGINT NOT NULL DEFAULT 0,
    cost_minor        BIGINT NOT NULL DEFAULT 0,
    tariff_version_id TEXT NOT NULL DEFAULT '',
    switch_breakdown  JSONB NOT NULL DEFAULT '[]',
    PRIMARY KEY (date, scope, scope_id)
);

CREATE TABLE IF NOT EXISTS monthly_aggregates (
    year              INT NOT NULL,
    month             INT NOT NULL,
    scope             TEXT NOT NULL,
    scope_id          TEXT NOT NULL,
    total_energy_wh   DOUBLE PRECISION NOT NULL DEFAULT 0,
    on_time_sec       BIGINT NOT NULL DEFAULT 0,
    cost_minor        BIGINT NOT NULL DEFAULT 0,
    tariff_version_id TEXT NOT NULL DEFAULT '',
    switch_breakdown  JSONB NOT NULL DEFAULT '[]',
    PRIMARY KEY (year, month, scope, scope_id)
);

-- ── Tariffs (C7) ─────────────────────────────────
CREATE TABLE IF NOT EXISTS tariff_versions (
    id                       TEXT PRIMARY KEY,
    cost_per_kwh_minor       BIGINT NOT NULL,
    effective_from_instant   TIMESTAMPTZ NOT NULL,
    scope                    TEXT NOT NULL,
    scope_id                 TEXT NOT NULL DEFAULT '',
    superseded_by_version_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_tariff_scope_from ON tariff_versions(scope, scope_id, effective_from_instant);

CREATE TABLE IF NOT EXISTS tariff_recompute_progress (
    tariff_version_id   TEXT PRIMARY KEY,
    last_recomputed_day TEXT NOT NULL DEFAULT '',
    done                BOOLEAN NOT NULL DEFAULT FALSE
);

-- ── Review tickets (C8) ──────────────────────────
CREATE TABLE IF NOT EXISTS review_tickets (
    id              TEXT PRIMARY KEY,
    kind            TEXT NOT NULL,
    device_id       TEXT NOT NULL,
    window_start    TIMESTAMPTZ NOT NULL,
    window_end      TIMESTAMPTZ NOT NULL,
    detail          TEXT NOT NULL DEFAULT '',
    created_instant TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    resolved_instant TIMESTAMPTZ,
    UNIQUE (kind, device_id, window_start)
);

-- ── Schedules (C10) ──────────────────────────────
CREATE TABLE IF NOT EXISTS schedules (
    id             TEXT PRIMARY KEY,
    owner_user_id  TEXT NOT NULL,
    target         JSONB NOT NULL,
    desired_state  BOOLEAN NOT NULL,
    trigger_cron   TEXT NOT NULL DEFAULT '',
    trigger_at     TIMESTAMPTZ,
    active         BOOLEAN NOT NULL DEFAULT TRUE,
    room_scope     TEXT NOT NULL DEFAULT '',
    catch_up       BOOLEAN NOT NULL DEFAULT FALSE,
    last_fired     TIMESTAMPTZ
);

-- ── Audit log ────────────────────────────────────
CREATE TABLE IF NOT EXISTS audit_log (
    id         BIGSERIAL PRIMARY KEY,
    kind       TEXT NOT NULL,
    target_id  TEXT NOT NULL,
    action     TEXT NOT NULL,
    operator   TEXT NOT NULL DEFAULT '',
    detail     TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at DESC);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// ── Users & roles ────────────────────────────────

func (s *PgStore) CreateUser(ctx context.Context, u *model.User) error {
	devIDs, _ := json.Marshal(u.AssignedDeviceIDs)
	roomIDs, _ := json.Marshal(u.AssignedRoomIDs)
	grants, _ := json.Marshal(u.ExplicitGrants)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, credential_hash, role, assigned_device_ids, assigned_room_ids, explicit_grants, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		u.ID, u.DisplayName, u.CredentialHash, string(u.Role), devIDs, roomIDs, grants, u.Active)
	return err
}

func (s *PgStore) scanUser(row *sql.Row) (*model.User, error) {
	var u model.User
	var role string
	var devIDs, roomIDs, grants []byte
	err := row.Scan(&u.ID, &u.DisplayName, &u.CredentialHash, &role, &devIDs, &roomIDs, &grants, &u.Active, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Role = model.Role(role)
	_ = json.Unmarshal(devIDs, &u.AssignedDeviceIDs)
	_ = json.Unmarshal(roomIDs, &u.AssignedRoomIDs)
	_ = json.Unmarshal(grants, &u.ExplicitGrants)
	return &u, nil
}

func (s *PgStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, credential_hash, role, assigned_device_ids, assigned_room_ids, explicit_grants, active, created_at
		FROM users WHERE id = $1`, id)
	return s.scanUser(row)
}

func (s *PgStore) GetUserCredentialHash(ctx context.Context, id string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT credential_hash FROM users WHERE id = $1`, id).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return hash, err
}

func (s *PgStore) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, display_name, credential_hash, role, assigned_device_ids, assigned_room_ids, explicit_grants, active, created_at
		FROM users ORDER BY display_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.User
	for rows.Next() {
		var u model.User
		var role string
		var devIDs, roomIDs, grants []byte
		if err := rows.Scan(&u.ID, &u.DisplayName, &u.CredentialHash, &role, &devIDs, &roomIDs, &grants, &u.Active, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.Role = model.Role(role)
		_ = json.Unmarshal(devIDs, &u.AssignedDeviceIDs)
		_ = json.Unmarshal(roomIDs, &u.AssignedRoomIDs)
		_ = json.Unmarshal(grants, &u.ExplicitGrants)
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *PgStore) UpdateUserAssignments(ctx context.Context, id string, deviceIDs, roomIDs []string) error {
	dj, _ := json.Marshal(deviceIDs)
	rj, _ := json.Marshal(roomIDs)
	res, err := s.db.ExecContext(ctx, `UPDATE users SET assigned_device_ids = $2, assigned_room_ids = $3 WHERE id = $1`, id, dj, rj)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PgStore) GetRoleCapabilities(ctx context.Context, role model.Role) (*model.RoleCapabilities, error) {
	var rc model.RoleCapabilities
	var caps []byte
	var roleStr string
	err := s.db.QueryRowContext(ctx, `SELECT role, capabilities, updated_at FROM role_capabilities WHERE role = $1`, string(role)).
		Scan(&roleStr, &caps, &rc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rc.Role = model.Role(roleStr)
	_ = json.Unmarshal(caps, &rc.Capabilities)
	return &rc, nil
}

func (s *PgStore) PutRoleCapabilities(ctx context.Context, rc *model.RoleCapabilities) error {
	caps, _ := json.Marshal(rc.Capabilities)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO role_capabilities (role, capabilities, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (role) DO UPDATE SET capabilities = EXCLUDED.capabilities, updated_at = NOW()`,
		string(rc.Role), caps)
	return err
}

func (s *PgStore) UsersWithRole(ctx context.Context, role model.Role) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM users WHERE role = $1`, string(role))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ── Signing keys ─────────────────────────────────

func (s *PgStore) GetActiveSigningKey(ctx context.Context) (*SigningKey, error) {
	var k SigningKey
	err := s.db.QueryRowContext(ctx, `SELECT kid, secret, created_at, expires_at FROM signing_keys WHERE expires_at IS NULL ORDER BY created_at DESC LIMIT 1`).
		Scan(&k.KID, &k.Secret, &k.CreatedAt, &k.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func (s *PgStore) GetSigningKeyByID(ctx context.Context, kid string) (*SigningKey, error) {
	var k SigningKey
	err := s.db.QueryRowContext(ctx, `SELECT kid, secret, created_at, expires_at FROM signing_keys WHERE kid = $1`, kid).
		Scan(&k.KID, &k.Secret, &k.CreatedAt, &k.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// RotateSigningKey creates a new active key and retires the prior one with
// a grace period, matching the teacher's builtin_auth.go RotateSigningKey.
func (s *PgStore) RotateSigningKey(ctx context.Context, gracePeriod time.Duration) (*SigningKey, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE signing_keys SET expires_at = $1 WHERE expires_at IS NULL`, time.Now().Add(gracePeriod)); err != nil {
		return nil, err
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	kid := fmt.Sprintf("k%d", time.Now().UnixNano())
	if _, err := tx.ExecContext(ctx, `INSERT INTO signing_keys (kid, secret, created_at) VALUES ($1,$2,NOW())`, kid, secret); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &SigningKey{KID: kid, Secret: secret, CreatedAt: time.Now()}, nil
}

// ── Devices & switches ───────────────────────────

func (s *PgStore) CreateDevice(ctx context.Context, d *model.Device) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	aliases, _ := json.Marshal(d.Aliases)
	assigned, _ := json.Marshal(d.AssignedUserIDs)
	d.Version = 1
	_, err = tx.ExecContext(ctx, `
		INSERT INTO devices (id, hardware_id, display_name, room, block, floor, aliases, owner_room_id, assigned_user_ids, status, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		d.ID, d.HardwareID, d.DisplayName, d.Room, d.Block, d.Floor, aliases, d.OwnerRoomID, assigned, string(d.Status), d.Version)
	if err != nil {
		return err
	}
	if err := insertSwitches(ctx, tx, d.ID, d.Switches); err != nil {
		return err
	}
	return tx.Commit()
}

func insertSwitches(ctx context.Context, tx *sql.Tx, deviceID string, switches []model.Switch) error {
	for _, sw := range switches {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO switches (id, device_id, name, type, gpio, state, manual_override, last_change_instant, nominal_power_watts, dont_auto_off)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			sw.ID, deviceID, sw.Name, string(sw.Type), sw.GPIO, sw.State, sw.ManualOverride, nullTime(sw.LastChangeInstant), sw.NominalPowerWatts, sw.DontAutoOff)
		if err != nil {
			return fmt.Errorf("insert switch %s: %w", sw.ID, err)
		}
	}
	return nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (s *PgStore) loadSwitches(ctx context.Context, deviceID string) ([]model.Switch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, name, type, gpio, state, manual_override, last_change_instant, nominal_power_watts, dont_auto_off
		FROM switches WHERE device_id = $1 ORDER BY id`, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Switch
	for rows.Next() {
		var sw model.Switch
		var typ string
		var lastChange sql.NullTime
		if err := rows.Scan(&sw.ID, &sw.DeviceID, &sw.Name, &typ, &sw.GPIO, &sw.State, &sw.ManualOverride, &lastChange, &sw.NominalPowerWatts, &sw.DontAutoOff); err != nil {
			return nil, err
		}
		sw.Type = model.SwitchType(typ)
		if lastChange.Valid {
			sw.LastChangeInstant = lastChange.Time
		}
		out = append(out, sw)
	}
	return out, rows.Err()
}

func (s *PgStore) scanDevice(ctx context.Context, row *sql.Row) (*model.Device, error) {
	var d model.Device
	var status string
	var aliases, assigned []byte
	err := row.Scan(&d.ID, &d.HardwareID, &d.DisplayName, &d.Room, &d.Block, &d.Floor, &aliases, &d.OwnerRoomID, &assigned, &status, &d.Version, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	d.Status = model.DeviceStatus(status)
	_ = json.Unmarshal(aliases, &d.Aliases)
	_ = json.Unmarshal(assigned, &d.AssignedUserIDs)
	switches, err := s.loadSwitches(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	d.Switches = switches
	return &d, nil
}

const deviceColumns = `id, hardware_id, display_name, room, block, floor, aliases, owner_room_id, assigned_user_ids, status, version, created_at, updated_at`

func (s *PgStore) GetDevice(ctx context.Context, id string) (*model.Device, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = $1`, id)
	return s.scanDevice(ctx, row)
}

func (s *PgStore) GetDeviceByHardwareID(ctx context.Context, hwID string) (*model.Device, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE hardware_id = $1`, hwID)
	return s.scanDevice(ctx, row)
}

func (s *PgStore) listDevicesQuery(ctx context.Context, whereClause string, args ...any) ([]model.Device, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+deviceColumns+` FROM devices `+whereClause+` ORDER BY display_name`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Device
	var ids []string
	for rows.Next() {
		var d model.Device
		var status string
		var aliases, assigned []byte
		if err := rows.Scan(&d.ID, &d.HardwareID, &d.DisplayName, &d.Room, &d.Block, &d.Floor, &aliases, &d.OwnerRoomID, &assigned, &status, &d.Version, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		d.Status = model.DeviceStatus(status)
		_ = json.Unmarshal(aliases, &d.Aliases)
		_ = json.Unmarshal(assigned, &d.AssignedUserIDs)
		out = append(out, d)
		ids = append(ids, d.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		sw, err := s.loadSwitches(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Switches = sw
	}
	return out, nil
}

func (s *PgStore) ListDevices(ctx context.Context) ([]model.Device, error) {
	return s.listDevicesQuery(ctx, "")
}

func (s *PgStore) ListDevicesByRoom(ctx context.Context, room string) ([]model.Device, error) {
	return s.listDevicesQuery(ctx, "WHERE room = $1", room)
}

func (s *PgStore) ListDevicesByAssignedUser(ctx context.Context, userID string) ([]model.Device, error) {
	return s.listDevicesQuery(ctx, "WHERE assigned_user_ids @> $1", fmt.Sprintf("[%q]", userID))
}

// UpdateDevice performs an optimistic-concurrency update: the UPDATE only
// applies WHERE version = expectedVersion, mirroring the teacher's
// PutDomain/PutCluster expectedVersion parameter.
func (s *PgStore) UpdateDevice(ctx context.Context, d *model.Device, expectedVersion int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	aliases, _ := json.Marshal(d.Aliases)
	assigned, _ := json.Marshal(d.AssignedUserIDs)
	newVersion := expectedVersion + 1
	res, err := tx.ExecContext(ctx, `
		UPDATE devices SET display_name=$1, room=$2, block=$3, floor=$4, aliases=$5, owner_room_id=$6,
			assigned_user_ids=$7, status=$8, version=$9, updated_at=NOW()
		WHERE id = $10 AND version = $11`,
		d.DisplayName, d.Room, d.Block, d.Floor, aliases, d.OwnerRoomID, assigned, string(d.Status), newVersion, d.ID, expectedVersion)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrConflict
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM switches WHERE device_id = $1`, d.ID); err != nil {
		return 0, err
	}
	if err := insertSwitches(ctx, tx, d.ID, d.Switches); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return newVersion, nil
}

func (s *PgStore) UpdateSwitchState(ctx context.Context, deviceID, switchID string, on bool, changedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE switches SET state = $3, last_change_instant = $4 WHERE device_id = $1 AND id = $2`,
		deviceID, switchID, on, changedAt)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PgStore) DeleteDevice(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ── Device sessions ──────────────────────────────

func (s *PgStore) UpsertDeviceSession(ctx context.Context, sess *model.DeviceSession) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_sessions (device_id, status, last_seen_instant, last_heartbeat_instant, last_sequence, device_sequence, session_start_instant, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,NOW())
		ON CONFLICT (device_id) DO UPDATE SET
			status = EXCLUDED.status,
			last_seen_instant = EXCLUDED.last_seen_instant,
			last_heartbeat_instant = EXCLUDED.last_heartbeat_instant,
			last_sequence = EXCLUDED.last_sequence,
			device_sequence = EXCLUDED.device_sequence,
			session_start_instant = COALESCE(device_sessions.session_start_instant, EXCLUDED.session_start_instant),
			updated_at = NOW()`,
		sess.DeviceID, string(sess.Status), nullTime(sess.LastSeenInstant), nullTime(sess.LastHeartbeatInstant),
		sess.LastSequence, sess.DeviceSequence, nullTime(sess.SessionStartInstant))
	return err
}

func (s *PgStore) GetDeviceSession(ctx context.Context, deviceID string) (*model.DeviceSession, error) {
	var sess model.DeviceSession
	var status string
	var lastSeen, lastHb, started sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT device_id, status, last_seen_instant, last_heartbeat_instant, last_sequence, device_sequence, session_start_instant
		FROM device_sessions WHERE device_id = $1`, deviceID).
		Scan(&sess.DeviceID, &status, &lastSeen, &lastHb, &sess.LastSequence, &sess.DeviceSequence, &started)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sess.Status = model.DeviceStatus(status)
	if lastSeen.Valid {
		sess.LastSeenInstant = lastSeen.Time
	}
	if lastHb.Valid {
		sess.LastHeartbeatInstant = lastHb.Time
	}
	if started.Valid {
		sess.SessionStartInstant = started.Time
	}
	return &sess, nil
}

func (s *PgStore) ListDeviceSessions(ctx context.Context) ([]model.DeviceSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, status, last_seen_instant, last_heartbeat_instant, last_sequence, device_sequence, session_start_instant
		FROM device_sessions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.DeviceSession
	for rows.Next() {
		var sess model.DeviceSession
		var status string
		var lastSeen, lastHb, started sql.NullTime
		if err := rows.Scan(&sess.DeviceID, &status, &lastSeen, &lastHb, &sess.LastSequence, &sess.DeviceSequence, &started); err != nil {
			return nil, err
		}
		sess.Status = model.DeviceStatus(status)
		if lastSeen.Valid {
			sess.LastSeenInstant = lastSeen.Time
		}
		if lastHb.Valid {
			sess.LastHeartbeatInstant = lastHb.Time
		}
		if started.Valid {
			sess.SessionStartInstant = started.Time
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// MarkStaleSessionsOffline is the Postgres-backed cold-start reaper,
// adapted from the teacher's MarkStaleInstances/MarkStaleControllers.
func (s *PgStore) MarkStaleSessionsOffline(ctx context.Context, threshold time.Duration) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE device_sessions SET status = 'offline', updated_at = NOW()
		WHERE status != 'offline' AND last_heartbeat_instant < $1
		RETURNING device_id`, time.Now().Add(-threshold))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ── Telemetry & ledger ───────────────────────────

func (s *PgStore) InsertTelemetryEvent(ctx context.Context, e *model.TelemetryEvent) (bool, error) {
	states, _ := json.Marshal(e.SwitchStates)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO telemetry_events (id, device_id, device_sequence, received_instant, device_instant, energy_counter_wh, switch_states, source_fingerprint, restart_hint)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (device_id, source_fingerprint) DO NOTHING`,
		e.ID, e.DeviceID, e.DeviceSequence, e.ReceivedInstant, e.DeviceInstant, e.EnergyCounterWh, states, e.SourceFingerprint, e.RestartHint)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "duplicate key") || strings.Contains(err.Error(), "unique constraint")
}

func (s *PgStore) LatestTelemetryEvent(ctx context.Context, deviceID string) (*model.TelemetryEvent, error) {
	var e model.TelemetryEvent
	var states []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, device_id, device_sequence, received_instant, device_instant, energy_counter_wh, switch_states, source_fingerprint, restart_hint
		FROM telemetry_events WHERE device_id = $1 ORDER BY device_instant DESC, device_sequence DESC LIMIT 1`, deviceID).
		Scan(&e.ID, &e.DeviceID, &e.DeviceSequence, &e.ReceivedInstant, &e.DeviceInstant, &e.EnergyCounterWh, &states, &e.SourceFingerprint, &e.RestartHint)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(states, &e.SwitchStates)
	return &e, nil
}

func (s *PgStore) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, device_id, switch_id, start_instant, end_instant, duration_sec, energy_wh, average_power_w, tariff_version_id, cost_minor, confidence, is_reset_marker)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		e.ID, e.DeviceID, e.SwitchID, e.StartInstant, e.EndInstant, e.DurationSec, e.EnergyWh, e.AveragePowerW, e.TariffVersionID, e.CostMinor, string(e.Confidence), e.IsResetMarker)
	return err
}

func (s *PgStore) ListLedgerEntries(ctx context.Context, deviceID string, from, to time.Time) ([]model.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, switch_id, start_instant, end_instant, duration_sec, energy_wh, average_power_w, tariff_version_id, cost_minor, confidence, is_reset_marker
		FROM ledger_entries WHERE device_id = $1 AND start_instant >= $2 AND start_instant < $3 ORDER BY start_instant`,
		deviceID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLedgerRows(rows)
}

func (s *PgStore) ListLedgerEntriesByTariffFrom(ctx context.Context, tariffVersionID string, from time.Time) ([]model.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, switch_id, start_instant, end_instant, duration_sec, energy_wh, average_power_w, tariff_version_id, cost_minor, confidence, is_reset_marker
		FROM ledger_entries WHERE start_instant >= $1 ORDER BY start_instant`, from)
	_ = tariffVersionID
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLedgerRows(rows)
}

func scanLedgerRows(rows *sql.Rows) ([]model.LedgerEntry, error) {
	var out []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var confidence string
		if err := rows.Scan(&e.ID, &e.DeviceID, &e.SwitchID, &e.StartInstant, &e.EndInstant, &e.DurationSec, &e.EnergyWh, &e.AveragePowerW, &e.TariffVersionID, &e.CostMinor, &confidence, &e.IsResetMarker); err != nil {
			return nil, err
		}
		e.Confidence = model.Confidence(confidence)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PgStore) UpdateLedgerEntryTariff(ctx context.Context, entryID, tariffVersionID string, costMinor int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE ledger_entries SET tariff_version_id = $2, cost_minor = $3 WHERE id = $1`, entryID, tariffVersionID, costMinor)
	return err
}

func (s *PgStore) CountDuplicateAttempts(ctx context.Context, deviceID string, since time.Time) (int, error) {
	// Duplicate inserts are silently dropped by ON CONFLICT DO NOTHING, so we
	// approximate "duplicate attempts exceeding threshold" via a dedicated
	// counter table would be more precise; for the reconciliation sweep we
	// treat telemetry rows sharing a device_sequence as the duplicate signal.
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) - COUNT(DISTINCT device_sequence) FROM telemetry_events
		WHERE device_id = $1 AND received_instant >= $2`, deviceID, since).Scan(&count)
	return count, err
}

// ── Aggregates ───────────────────────────────────

func (s *PgStore) UpsertDailyAggregate(ctx context.Context, a *model.DailyAggregate) error {
	breakdown, _ := json.Marshal(a.SwitchBreakdown)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_aggregates (date, scope, scope_id, total_energy_wh, on_time_sec, cost_minor, tariff_version_id, switch_breakdown)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (date, scope, scope_id) DO UPDATE SET
			total_energy_wh = EXCLUDED.total_energy_wh,
			on_time_sec = EXCLUDED.on_time_sec,
			cost_minor = EXCLUDED.cost_minor,
			tariff_version_id = EXCLUDED.tariff_version_id,
			switch_breakdown = EXCLUDED.switch_breakdown`,
		a.Date, string(a.Scope), a.ScopeID, a.TotalEnergyWh, a.OnTimeSec, a.CostMinor, a.TariffVersionID, breakdown)
	return err
}

func (s *PgStore) GetDailyAggregate(ctx context.Context, scope model.AggregateScope, scopeID, date string) (*model.DailyAggregate, error) {
	var a model.DailyAggregate
	var sc string
	var breakdown []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT date, scope, scope_id, total_energy_wh, on_time_sec, cost_minor, tariff_version_id, switch_breakdown
		FROM daily_aggregates WHERE date = $1 AND scope = $2 AND scope_id = $3`, date, string(scope), scopeID).
		Scan(&a.Date, &sc, &a.ScopeID, &a.TotalEnergyWh, &a.OnTimeSec, &a.CostMinor, &a.TariffVersionID, &breakdown)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Scope = model.AggregateScope(sc)
	_ = json.Unmarshal(breakdown, &a.SwitchBreakdown)
	return &a, nil
}

func (s *PgStore) GetDailyRange(ctx context.Context, scope model.AggregateScope, scopeID, from, to string) ([]model.DailyAggregate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date, scope, scope_id, total_energy_wh, on_time_sec, cost_minor, tariff_version_id, switch_breakdown
		FROM daily_aggregates WHERE scope = $1 AND scope_id = $2 AND date >= $3 AND date <= $4 ORDER BY date`,
		string(scope), scopeID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.DailyAggregate
	for rows.Next() {
		var a model.DailyAggregate
		var sc string
		var breakdown []byte
		if err := rows.Scan(&a.Date, &sc, &a.ScopeID, &a.TotalEnergyWh, &a.OnTimeSec, &a.CostMinor, &a.TariffVersionID, &breakdown); err != nil {
			return nil, err
		}
		a.Scope = model.AggregateScope(sc)
		_ = json.Unmarshal(breakdown, &a.SwitchBreakdown)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PgStore) UpsertMonthlyAggregate(ctx context.Context, a *model.MonthlyAggregate) error {
	breakdown, _ := json.Marshal(a.SwitchBreakdown)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO monthly_aggregates (year, month, scope, scope_id, total_energy_wh, on_time_sec, cost_minor, tariff_version_id, switch_breakdown)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (year, month, scope, scope_id) DO UPDATE SET
			total_energy_wh = EXCLUDED.total_energy_wh,
			on_time_sec = EXCLUDED.on_time_sec,
			cost_minor = EXCLUDED.cost_minor,
			tariff_version_id = EXCLUDED.tariff_version_id,
			switch_breakdown = EXCLUDED.switch_breakdown`,
		a.Year, a.Month, string(a.Scope), a.ScopeID, a.TotalEnergyWh, a.OnTimeSec, a.CostMinor, a.TariffVersionID, breakdown)
	return err
}

func (s *PgStore) GetMonthlyAggregate(ctx context.Context, scope model.AggregateScope, scopeID string, year, month int) (*model.MonthlyAggregate, error) {
	var a model.MonthlyAggregate
	var sc string
	var breakdown []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT year, month, scope, scope_id, total_energy_wh, on_time_sec, cost_minor, tariff_version_id, switch_breakdown
		FROM monthly_aggregates WHERE year = $1 AND month = $2 AND scope = $3 AND scope_id = $4`,
		year, month, string(scope), scopeID).
		Scan(&a.Year, &a.Month, &sc, &a.ScopeID, &a.TotalEnergyWh, &a.OnTimeSec, &a.CostMinor, &a.TariffVersionID, &breakdown)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Scope = model.AggregateScope(sc)
	_ = json.Unmarshal(breakdown, &a.SwitchBreakdown)
	return &a, nil
}

// ── Tariffs ──────────────────────────────────────

func (s *PgStore) CreateTariffVersion(ctx context.Context, t *model.TariffVersion) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tariff_versions (id, cost_per_kwh_minor, effective_from_instant, scope, scope_id, superseded_by_version_id)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		t.ID, t.CostPerKwhMinor, t.EffectiveFromInstant, string(t.Scope), t.ScopeID, t.SupersededByVersionID)
	return err
}

func (s *PgStore) GetActiveTariff(ctx context.Context, scope model.TariffScope, scopeID string, at time.Time) (*model.TariffVersion, error) {
	var t model.TariffVersion
	var sc string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, cost_per_kwh_minor, effective_from_instant, scope, scope_id, superseded_by_version_id
		FROM tariff_versions
		WHERE scope = $1 AND scope_id = $2 AND effective_from_instant <= $3
		ORDER BY effective_from_instant DESC LIMIT 1`,
		string(scope), scopeID, at).
		Scan(&t.ID, &t.CostPerKwhMinor, &t.EffectiveFromInstant, &sc, &t.ScopeID, &t.SupersededByVersionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Scope = model.TariffScope(sc)
	return &t, nil
}

func (s *PgStore) GetTariffVersion(ctx context.Context, id string) (*model.TariffVersion, error) {
	var t model.TariffVersion
	var sc string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, cost_per_kwh_minor, effective_from_instant, scope, scope_id, superseded_by_version_id
		FROM tariff_versions WHERE id = $1`, id).
		Scan(&t.ID, &t.CostPerKwhMinor, &t.EffectiveFromInstant, &sc, &t.ScopeID, &t.SupersededByVersionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Scope = model.TariffScope(sc)
	return &t, nil
}

func (s *PgStore) SupersedeTariff(ctx context.Context, oldID, newID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tariff_versions SET superseded_by_version_id = $2 WHERE id = $1`, oldID, newID)
	return err
}

func (s *PgStore) GetRecomputeProgress(ctx context.Context, tariffVersionID string) (*RecomputeProgress, error) {
	var p RecomputeProgress
	err := s.db.QueryRowContext(ctx, `SELECT tariff_version_id, last_recomputed_day, done FROM tariff_recompute_progress WHERE tariff_version_id = $1`, tariffVersionID).
		Scan(&p.TariffVersionID, &p.LastRecomputedDay, &p.Done)
	if errors.Is(err, sql.ErrNoRows) {
		return &RecomputeProgress{TariffVersionID: tariffVersionID}, nil
	}
	return &p, err
}

func (s *PgStore) PutRecomputeProgress(ctx context.Context, p *RecomputeProgress) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tariff_recompute_progress (tariff_version_id, last_recomputed_day, done) VALUES ($1,$2,$3)
		ON CONFLICT (tariff_version_id) DO UPDATE SET last_recomputed_day = EXCLUDED.last_recomputed_day, done = EXCLUDED.done`,
		p.TariffVersionID, p.LastRecomputedDay, p.Done)
	return err
}

// ── Review tickets ───────────────────────────────

func (s *PgStore) CreateReviewTicket(ctx context.Context, t *model.ReviewTicket) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO review_tickets (id, kind, device_id, window_start, window_end, detail, created_instant)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (kind, device_id, window_start) DO NOTHING`,
		t.ID, string(t.Kind), t.DeviceID, t.WindowStart, t.WindowEnd, t.Detail, t.CreatedInstant)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PgStore) ListOpenReviewTickets(ctx context.Context) ([]model.ReviewTicket, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, device_id, window_start, window_end, detail, created_instant, resolved_instant
		FROM review_tickets WHERE resolved_instant IS NULL ORDER BY created_instant DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ReviewTicket
	for rows.Next() {
		var t model.ReviewTicket
		var kind string
		var resolved sql.NullTime
		if err := rows.Scan(&t.ID, &kind, &t.DeviceID, &t.WindowStart, &t.WindowEnd, &t.Detail, &t.CreatedInstant, &resolved); err != nil {
			return nil, err
		}
		t.Kind = model.ReviewTicketKind(kind)
		if resolved.Valid {
			t.ResolvedInstant = &resolved.Time
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PgStore) ResolveReviewTicket(ctx context.Context, id string, resolvedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE review_tickets SET resolved_instant = $2 WHERE id = $1`, id, resolvedAt)
	return err
}

// ── Schedules ────────────────────────────────────

func (s *PgStore) CreateSchedule(ctx context.Context, sc *model.Schedule) error {
	target, _ := json.Marshal(sc.Target)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (id, owner_user_id, target, desired_state, trigger_cron, trigger_at, active, room_scope, catch_up)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		sc.ID, sc.OwnerUserID, target, sc.DesiredState, sc.TriggerCron, sc.TriggerAt, sc.Active, sc.RoomScope, sc.CatchUp)
	return err
}

func scanSchedule(row interface {
	Scan(dest ...any) error
}) (*model.Schedule, error) {
	var sc model.Schedule
	var target []byte
	var triggerAt, lastFired sql.NullTime
	err := row.Scan(&sc.ID, &sc.OwnerUserID, &target, &sc.DesiredState, &sc.TriggerCron, &triggerAt, &sc.Active, &sc.RoomScope, &sc.CatchUp, &lastFired)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(target, &sc.Target)
	if triggerAt.Valid {
		sc.TriggerAt = &triggerAt.Time
	}
	if lastFired.Valid {
		sc.LastFired = &lastFired.Time
	}
	return &sc, nil
}

const scheduleColumns = `id, owner_user_id, target, desired_state, trigger_cron, trigger_at, active, room_scope, catch_up, last_fired`

func (s *PgStore) GetSchedule(ctx context.Context, id string) (*model.Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = $1`, id)
	return scanSchedule(row)
}

func (s *PgStore) ListActiveSchedules(ctx context.Context) ([]model.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE active = TRUE`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sc)
	}
	return out, rows.Err()
}

func (s *PgStore) UpdateScheduleLastFired(ctx context.Context, id string, firedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE schedules SET last_fired = $2 WHERE id = $1`, id, firedAt)
	return err
}

// ── Audit log ────────────────────────────────────

func (s *PgStore) InsertAuditLog(ctx context.Context, e *AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (kind, target_id, action, operator, detail) VALUES ($1,$2,$3,$4,$5)`,
		e.Kind, e.TargetID, e.Action, e.Operator, e.Detail)
	return err
}

func (s *PgStore) ListAuditLog(ctx context.Context, limit, offset int) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, target_id, action, operator, detail, created_at FROM audit_log
		ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.Kind, &e.TargetID, &e.Action, &e.Operator, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ── Advisory lock ────────────────────────────────

// TryAdvisoryLock attempts a session-level Postgres advisory lock, used by
// C8 to ensure only one replica runs the reconciliation sweep at a time —
// re-grounding the teacher's etcd-backed election on storage we already
// have (see DESIGN.md).
func (s *PgStore) TryAdvisoryLock(ctx context.Context, key int64) (bool, func(), error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return false, nil, err
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired); err != nil {
		conn.Close()
		return false, nil, err
	}
	if !acquired {
		conn.Close()
		return false, nil, nil
	}
	release := func() {
		_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, key)
		conn.Close()
	}
	return true, release, nil
}
