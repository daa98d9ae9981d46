// Package member is the record store the check-in core runs against. Members
// and tenants are owned by the wider platform; this package exposes the
// narrow slice of them that check-in and face enrollment need.
package member

import (
	"context"
	"errors"
	"time"

	"gymgate/internal/face"
)

// ErrNotFound is returned when a tenant or member does not exist.
var ErrNotFound = errors.New("not found")

// Tenant carries the per-gym settings that gate check-in behavior.
type Tenant struct {
	ID          string
	Name        string
	FaceEnabled bool
	// FaceBackend selects the identity-resolution strategy for kiosk
	// face check-in: face.BackendLocal (browser-extracted descriptors
	// matched in-process) or face.BackendRemote (images delegated to the
	// recognition service). Never both for one attempt.
	FaceBackend face.Backend
}

// Member is one gym member, identified by a per-tenant register number.
type Member struct {
	ID         string
	TenantID   string
	RegNo      int
	Name       string
	Phone      string
	TypeOfPack string
	// DueDate is the membership expiry. Nil means no expiry.
	DueDate *time.Time

	LastCheckinAt     *time.Time
	LastCheckinMethod string

	// Two independent descriptor slots; a member may be enrolled under
	// one, the other, both, or neither.
	LocalDescriptor  face.Descriptor
	RemoteDescriptor face.Descriptor

	// MonthlyAttendance counts check-ins per calendar-month index (0-11)
	// within the current cycle, derived from the attendance ledger.
	MonthlyAttendance map[int]int

	PhotoURL  string
	CreatedAt time.Time
}

// Valid reports whether the membership is usable at the given time. A nil
// due date never expires; otherwise the due date must not be strictly in the
// past (day granularity).
func (m *Member) Valid(now time.Time) bool {
	if m.DueDate == nil {
		return true
	}
	due := m.DueDate
	y, mo, d := due.Date()
	endOfDueDay := time.Date(y, mo, d, 23, 59, 59, 0, now.Location())
	return !now.After(endOfDueDay)
}

// Descriptor returns the vector stored in the given slot.
func (m *Member) Descriptor(backend face.Backend) face.Descriptor {
	if backend == face.BackendRemote {
		return m.RemoteDescriptor
	}
	return m.LocalDescriptor
}

// RosterEntry is the public autocomplete projection of a member.
type RosterEntry struct {
	RegNo int    `json:"reg_no"`
	Name  string `json:"name"`
}

// Event is one row of the append-only attendance ledger.
type Event struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"-"`
	RegNo      int       `json:"reg_no"`
	Method     string    `json:"method"`
	OccurredAt time.Time `json:"occurred_at"`
	Reversed   bool      `json:"reversed"`
}

// Store is the persistence boundary consumed by the check-in processor and
// the face engine. Implementations: Postgres for production, Memory for
// tests and dev mode.
type Store interface {
	GetTenant(ctx context.Context, tenantID string) (*Tenant, error)
	GetMember(ctx context.Context, tenantID string, regNo int) (*Member, error)

	// Roster lists members whose membership is valid at now (or has no
	// due date), so the public kiosk page never reveals expired members.
	Roster(ctx context.Context, tenantID string, now time.Time) ([]RosterEntry, error)

	// RecordCheckin appends a ledger event, bumps the month bucket with an
	// atomic increment, and updates the member's last-check-in fields, all
	// in one transaction.
	RecordCheckin(ctx context.Context, tenantID string, regNo int, method string, at time.Time) error

	// UndoCheckin reverses the member's latest ledger event, clears the
	// last-check-in fields, and decrements the month bucket for at,
	// floored at zero. Same-day policy is the caller's job.
	UndoCheckin(ctx context.Context, tenantID string, regNo int, at time.Time) error

	ListEvents(ctx context.Context, tenantID string, regNo, limit, offset int) ([]Event, error)

	SetPhotoURL(ctx context.Context, tenantID string, regNo int, url string) error

	// face.Store
	Enrolled(ctx context.Context, tenantID string, backend face.Backend) ([]face.Enrollment, error)
	SaveDescriptor(ctx context.Context, tenantID string, regNo int, backend face.Backend, vec face.Descriptor) error
	ClearDescriptors(ctx context.Context, tenantID string, regNo int) error

	// face.Settings
	FaceEnabled(ctx context.Context, tenantID string) (bool, error)
}

// MonthIndex maps a timestamp to its monthly-attendance bucket.
func MonthIndex(t time.Time) int {
	return int(t.Month()) - 1
}

// SameLocalDay reports whether a and b fall on the same calendar day in a's
// location.
func SameLocalDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.In(a.Location()).Date()
	return ay == by && am == bm && ad == bd
}
