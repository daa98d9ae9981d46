package member

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"gymgate/internal/face"
)

// Postgres persists members, tenants, the attendance ledger, and monthly
// aggregates in Postgres.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a store over an open connection.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Migrate creates the schema when it does not exist yet.
func (s *Postgres) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS tenants (
			id            TEXT PRIMARY KEY,
			name          TEXT NOT NULL DEFAULT '',
			face_enabled  BOOLEAN NOT NULL DEFAULT FALSE,
			face_backend  TEXT NOT NULL DEFAULT 'local'
		);

		CREATE TABLE IF NOT EXISTS members (
			id                   UUID PRIMARY KEY,
			tenant_id            TEXT NOT NULL REFERENCES tenants(id),
			reg_no               INTEGER NOT NULL,
			name                 TEXT NOT NULL,
			phone                TEXT NOT NULL DEFAULT '',
			typeof_pack          TEXT NOT NULL DEFAULT '',
			due_date             DATE,
			last_checkin_at      TIMESTAMPTZ,
			last_checkin_method  TEXT NOT NULL DEFAULT '',
			local_descriptor     JSONB,
			remote_descriptor    JSONB,
			photo_url            TEXT NOT NULL DEFAULT '',
			created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (tenant_id, reg_no)
		);

		CREATE TABLE IF NOT EXISTS attendance_events (
			id           UUID PRIMARY KEY,
			tenant_id    TEXT NOT NULL,
			reg_no       INTEGER NOT NULL,
			method       TEXT NOT NULL,
			occurred_at  TIMESTAMPTZ NOT NULL,
			reversed     BOOLEAN NOT NULL DEFAULT FALSE
		);
		CREATE INDEX IF NOT EXISTS idx_events_member
			ON attendance_events (tenant_id, reg_no, occurred_at DESC);

		CREATE TABLE IF NOT EXISTS monthly_attendance (
			tenant_id  TEXT NOT NULL,
			reg_no     INTEGER NOT NULL,
			month_idx  INTEGER NOT NULL,
			count      INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (tenant_id, reg_no, month_idx)
		);
	`)
	return err
}

// GetTenant returns a tenant or ErrNotFound.
func (s *Postgres) GetTenant(ctx context.Context, tenantID string) (*Tenant, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, face_enabled, face_backend FROM tenants WHERE id = $1
	`, tenantID)
	var t Tenant
	var backend string
	if err := row.Scan(&t.ID, &t.Name, &t.FaceEnabled, &backend); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.FaceBackend = face.Backend(backend)
	return &t, nil
}

// GetMember returns a member with descriptors and monthly counters loaded.
func (s *Postgres) GetMember(ctx context.Context, tenantID string, regNo int) (*Member, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, reg_no, name, phone, typeof_pack, due_date,
		       last_checkin_at, last_checkin_method, local_descriptor,
		       remote_descriptor, photo_url, created_at
		FROM members WHERE tenant_id = $1 AND reg_no = $2
	`, tenantID, regNo)

	var m Member
	var localRaw, remoteRaw []byte
	if err := row.Scan(&m.ID, &m.TenantID, &m.RegNo, &m.Name, &m.Phone, &m.TypeOfPack,
		&m.DueDate, &m.LastCheckinAt, &m.LastCheckinMethod, &localRaw, &remoteRaw,
		&m.PhotoURL, &m.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	m.LocalDescriptor = decodeDescriptor(localRaw)
	m.RemoteDescriptor = decodeDescriptor(remoteRaw)

	counts, err := s.monthlyCounts(ctx, tenantID, regNo)
	if err != nil {
		return nil, err
	}
	m.MonthlyAttendance = counts
	return &m, nil
}

func (s *Postgres) monthlyCounts(ctx context.Context, tenantID string, regNo int) (map[int]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT month_idx, count FROM monthly_attendance
		WHERE tenant_id = $1 AND reg_no = $2
	`, tenantID, regNo)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[int]int)
	for rows.Next() {
		var idx, n int
		if err := rows.Scan(&idx, &n); err != nil {
			return nil, err
		}
		counts[idx] = n
	}
	return counts, rows.Err()
}

// Roster lists currently-valid members for the public kiosk autocomplete.
func (s *Postgres) Roster(ctx context.Context, tenantID string, now time.Time) ([]RosterEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT reg_no, name FROM members
		WHERE tenant_id = $1 AND (due_date IS NULL OR due_date >= $2::date)
		ORDER BY reg_no
	`, tenantID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roster []RosterEntry
	for rows.Next() {
		var e RosterEntry
		if err := rows.Scan(&e.RegNo, &e.Name); err != nil {
			return nil, err
		}
		roster = append(roster, e)
	}
	return roster, rows.Err()
}

// RecordCheckin appends the ledger event, bumps the month bucket atomically,
// and updates last-check-in fields in one transaction.
func (s *Postgres) RecordCheckin(ctx context.Context, tenantID string, regNo int, method string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE members SET last_checkin_at = $3, last_checkin_method = $4
		WHERE tenant_id = $1 AND reg_no = $2
	`, tenantID, regNo, at, method)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO attendance_events (id, tenant_id, reg_no, method, occurred_at)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.NewString(), tenantID, regNo, method, at); err != nil {
		return err
	}

	// Native atomic increment; no read-modify-write on the counter.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO monthly_attendance (tenant_id, reg_no, month_idx, count)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (tenant_id, reg_no, month_idx)
		DO UPDATE SET count = monthly_attendance.count + 1
	`, tenantID, regNo, MonthIndex(at)); err != nil {
		return err
	}

	return tx.Commit()
}

// UndoCheckin reverses the latest ledger event and decrements the month
// bucket for at, floored at zero.
func (s *Postgres) UndoCheckin(ctx context.Context, tenantID string, regNo int, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE members SET last_checkin_at = NULL, last_checkin_method = ''
		WHERE tenant_id = $1 AND reg_no = $2
	`, tenantID, regNo)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE monthly_attendance SET count = GREATEST(count - 1, 0)
		WHERE tenant_id = $1 AND reg_no = $2 AND month_idx = $3
	`, tenantID, regNo, MonthIndex(at)); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE attendance_events SET reversed = TRUE
		WHERE id = (
			SELECT id FROM attendance_events
			WHERE tenant_id = $1 AND reg_no = $2 AND NOT reversed
			ORDER BY occurred_at DESC LIMIT 1
		)
	`, tenantID, regNo); err != nil {
		return err
	}

	return tx.Commit()
}

// ListEvents returns ledger rows for a member, newest first.
func (s *Postgres) ListEvents(ctx context.Context, tenantID string, regNo, limit, offset int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, reg_no, method, occurred_at, reversed
		FROM attendance_events
		WHERE tenant_id = $1 AND reg_no = $2
		ORDER BY occurred_at DESC
		LIMIT $3 OFFSET $4
	`, tenantID, regNo, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.TenantID, &e.RegNo, &e.Method, &e.OccurredAt, &e.Reversed); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// SetPhotoURL stores the archived enrollment photo location.
func (s *Postgres) SetPhotoURL(ctx context.Context, tenantID string, regNo int, url string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE members SET photo_url = $3 WHERE tenant_id = $1 AND reg_no = $2
	`, tenantID, regNo, url)
	return err
}

// Enrolled returns every member of the tenant with a descriptor in the slot.
func (s *Postgres) Enrolled(ctx context.Context, tenantID string, backend face.Backend) ([]face.Enrollment, error) {
	col := descriptorColumn(backend)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT reg_no, name, %s FROM members
		WHERE tenant_id = $1 AND %s IS NOT NULL
	`, col, col), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var enrolled []face.Enrollment
	for rows.Next() {
		var e face.Enrollment
		var raw []byte
		if err := rows.Scan(&e.RegNo, &e.Name, &raw); err != nil {
			return nil, err
		}
		e.Vector = decodeDescriptor(raw)
		enrolled = append(enrolled, e)
	}
	return enrolled, rows.Err()
}

// SaveDescriptor replaces the member's descriptor in the given slot.
func (s *Postgres) SaveDescriptor(ctx context.Context, tenantID string, regNo int, backend face.Backend, vec face.Descriptor) error {
	raw, err := json.Marshal(vec)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE members SET %s = $3 WHERE tenant_id = $1 AND reg_no = $2
	`, descriptorColumn(backend)), tenantID, regNo, raw)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearDescriptors removes both descriptor slots.
func (s *Postgres) ClearDescriptors(ctx context.Context, tenantID string, regNo int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE members SET local_descriptor = NULL, remote_descriptor = NULL
		WHERE tenant_id = $1 AND reg_no = $2
	`, tenantID, regNo)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FaceEnabled reports the tenant's recognition flag.
func (s *Postgres) FaceEnabled(ctx context.Context, tenantID string) (bool, error) {
	t, err := s.GetTenant(ctx, tenantID)
	if err != nil {
		return false, err
	}
	return t.FaceEnabled, nil
}

func descriptorColumn(backend face.Backend) string {
	if backend == face.BackendRemote {
		return "remote_descriptor"
	}
	return "local_descriptor"
}

func decodeDescriptor(raw []byte) face.Descriptor {
	if len(raw) == 0 {
		return nil
	}
	var d face.Descriptor
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil
	}
	return d
}
