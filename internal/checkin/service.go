// Package checkin turns a resolved identity (register number, QR token, or
// face match) into a recorded attendance event, enforcing membership
// validity and the face-required policy on the way.
package checkin

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"time"

	"gymgate/internal/face"
	"gymgate/internal/faceclient"
	"gymgate/internal/member"
	"gymgate/internal/metrics"
	"gymgate/internal/qrtoken"
)

// Check-in methods recorded on the ledger.
const (
	MethodManual   = "manual"
	MethodQRSelf   = "qr-self"
	MethodFace     = "face"
	MethodTelegram = "telegram"
)

// Summary is the member projection returned to the kiosk on success.
type Summary struct {
	Name        string     `json:"name"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	PhoneNumber string     `json:"phone_number"`
	TypeOfPack  string     `json:"typeof_pack"`
}

// Result is a successful check-in.
type Result struct {
	Success     bool      `json:"success"`
	Name        string    `json:"name"`
	Member      Summary   `json:"member"`
	CheckInTime time.Time `json:"check_in_time"`
}

// Alert is a staff notification emitted by the processor. Delivery is an
// external concern; the processor only publishes.
type Alert struct {
	Type     string    `json:"type"` // "membership-expired" or "face-not-recognized"
	TenantID string    `json:"tenant_id"`
	Name     string    `json:"name,omitempty"`
	RegNo    int       `json:"reg_no,omitempty"`
	Phone    string    `json:"phone,omitempty"`
	At       time.Time `json:"at"`
}

// Alerter publishes staff alerts. May be nil-equivalent (NopAlerter).
type Alerter interface {
	Alert(ctx context.Context, a Alert) error
}

// NopAlerter drops alerts.
type NopAlerter struct{}

func (NopAlerter) Alert(context.Context, Alert) error { return nil }

// Service is the check-in processor.
type Service struct {
	store          member.Store
	tokens         *qrtoken.Codec
	matcher        *face.Matcher
	enroller       *face.Enroller
	remote         *faceclient.Client
	alerter        Alerter
	checkinBaseURL string
	now            func() time.Time
}

// New wires the processor. remote may be nil when no recognition service is
// configured; alerter may be nil.
func New(store member.Store, tokens *qrtoken.Codec, matcher *face.Matcher, enroller *face.Enroller, remote *faceclient.Client, alerter Alerter, checkinBaseURL string) *Service {
	if alerter == nil {
		alerter = NopAlerter{}
	}
	return &Service{
		store:          store,
		tokens:         tokens,
		matcher:        matcher,
		enroller:       enroller,
		remote:         remote,
		alerter:        alerter,
		checkinBaseURL: checkinBaseURL,
		now:            time.Now,
	}
}

// KioskLink is an issued QR token plus the public page URL embedding it.
type KioskLink struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

// IssueKioskLink creates a fresh capability token for the tenant's check-in
// page. Previously issued tokens stay valid until expiry or revocation.
func (s *Service) IssueKioskLink(tenantID string) KioskLink {
	token := s.tokens.Issue(tenantID)
	return KioskLink{
		URL:   s.checkinBaseURL + "?token=" + url.QueryEscape(token),
		Token: token,
	}
}

// CheckInManual records a staff-performed check-in by register number. Staff
// vouch for identity, so the face-required gate does not apply.
func (s *Service) CheckInManual(ctx context.Context, tenantID string, regNo int) (*Result, error) {
	m, err := s.loadMember(ctx, tenantID, regNo)
	if err != nil {
		return nil, err
	}
	return s.record(ctx, m, MethodManual)
}

// CheckInQR records a self-service check-in from the kiosk page. Members
// enrolled in local face verification must use the face path instead.
func (s *Service) CheckInQR(ctx context.Context, token string, regNo int) (*Result, error) {
	tenantID, err := s.tokens.Verify(ctx, token)
	if err != nil {
		return nil, err
	}
	m, err := s.loadMember(ctx, tenantID, regNo)
	if err != nil {
		return nil, err
	}
	if m.LocalDescriptor.Valid() {
		metrics.CheckinRefusals.WithLabelValues("face_required").Inc()
		return nil, ErrFaceRequired
	}
	return s.record(ctx, m, MethodQRSelf)
}

// CheckInFace identifies the member from a browser-extracted descriptor via
// the local matching engine and records the check-in.
func (s *Service) CheckInFace(ctx context.Context, token string, probe face.Descriptor) (*Result, error) {
	tenantID, err := s.tokens.Verify(ctx, token)
	if err != nil {
		return nil, err
	}
	tenant, err := s.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load tenant: %w", err)
	}
	if tenant.FaceBackend != face.BackendLocal {
		// The descriptor path is only active for locally-matched tenants.
		return nil, s.notRecognized(ctx, tenantID)
	}

	start := s.now()
	match, err := s.matcher.Match(ctx, tenantID, face.BackendLocal, probe)
	metrics.FaceMatchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		// Fail closed: storage trouble reads as "not recognized".
		log.Printf("face match failed for tenant %s: %v", tenantID, err)
		return nil, s.notRecognized(ctx, tenantID)
	}
	if match == nil {
		return nil, s.notRecognized(ctx, tenantID)
	}

	m, err := s.loadMember(ctx, tenantID, match.RegNo)
	if err != nil {
		return nil, err
	}
	return s.record(ctx, m, MethodFace)
}

// CheckInImage identifies the member by delegating the probe image and the
// tenant's enrolled remote descriptors to the recognition service.
func (s *Service) CheckInImage(ctx context.Context, token string, image []byte, filename string) (*Result, error) {
	tenantID, err := s.tokens.Verify(ctx, token)
	if err != nil {
		return nil, err
	}
	tenant, err := s.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load tenant: %w", err)
	}
	if !tenant.FaceEnabled || tenant.FaceBackend != face.BackendRemote || s.remote == nil {
		return nil, s.notRecognized(ctx, tenantID)
	}

	enrolled, err := s.enrolledRemote(ctx, tenantID)
	if err != nil {
		log.Printf("load remote gallery for tenant %s: %v", tenantID, err)
		return nil, s.notRecognized(ctx, tenantID)
	}

	start := s.now()
	match, err := s.remote.MatchImage(ctx, image, filename, enrolled)
	metrics.FaceMatchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		// A flaky or cold-started service must not break check-in.
		log.Printf("remote match failed for tenant %s: %v", tenantID, err)
		return nil, s.notRecognized(ctx, tenantID)
	}
	if match == nil {
		return nil, s.notRecognized(ctx, tenantID)
	}

	m, err := s.loadMember(ctx, tenantID, match.RegNo)
	if err != nil {
		return nil, err
	}
	return s.record(ctx, m, MethodFace)
}

// RemoveToday undoes the member's check-in if it happened earlier today.
// A last check-in on any other day is a no-op; the member stays unchanged.
func (s *Service) RemoveToday(ctx context.Context, tenantID string, regNo int) (bool, error) {
	m, err := s.loadMemberAnyStatus(ctx, tenantID, regNo)
	if err != nil {
		return false, err
	}
	if m.LastCheckinAt == nil || !member.SameLocalDay(s.now(), *m.LastCheckinAt) {
		return false, nil
	}
	if err := s.store.UndoCheckin(ctx, tenantID, regNo, *m.LastCheckinAt); err != nil {
		return false, fmt.Errorf("undo check-in: %w", err)
	}
	metrics.CheckinUndos.Inc()
	return true, nil
}

// Roster lists currently-valid members for the kiosk autocomplete.
func (s *Service) Roster(ctx context.Context, token string) ([]member.RosterEntry, error) {
	tenantID, err := s.tokens.Verify(ctx, token)
	if err != nil {
		return nil, err
	}
	return s.store.Roster(ctx, tenantID, s.now())
}

// EnrollFace stores a browser-extracted descriptor in the member's local slot.
func (s *Service) EnrollFace(ctx context.Context, tenantID string, regNo int, vec face.Descriptor) error {
	if err := s.memberExists(ctx, tenantID, regNo); err != nil {
		return err
	}
	if err := s.enroller.Enroll(ctx, tenantID, regNo, face.BackendLocal, vec); err != nil {
		metrics.EnrollmentRejections.Inc()
		return err
	}
	return nil
}

// EnrollFaceImage extracts a descriptor via the recognition service and
// stores it in the member's remote slot. Service failures surface as
// faceclient.ErrUnavailable, distinct from faceclient.ErrNoFace.
func (s *Service) EnrollFaceImage(ctx context.Context, tenantID string, regNo int, image []byte, filename string) error {
	if s.remote == nil {
		return faceclient.ErrUnavailable
	}
	if err := s.memberExists(ctx, tenantID, regNo); err != nil {
		return err
	}
	vec, err := s.remote.EncodeImage(ctx, image, filename)
	if err != nil {
		return err
	}
	if err := s.enroller.Enroll(ctx, tenantID, regNo, face.BackendRemote, vec); err != nil {
		metrics.EnrollmentRejections.Inc()
		return err
	}
	return nil
}

// RemoveFace clears both descriptor slots, returning the member to
// non-biometric check-in.
func (s *Service) RemoveFace(ctx context.Context, tenantID string, regNo int) error {
	if err := s.enroller.Remove(ctx, tenantID, regNo); err != nil {
		if errors.Is(err, member.ErrNotFound) {
			return ErrMemberNotFound
		}
		return err
	}
	return nil
}

// Events lists the member's attendance ledger, newest first.
func (s *Service) Events(ctx context.Context, tenantID string, regNo, limit, offset int) ([]member.Event, error) {
	if err := s.memberExists(ctx, tenantID, regNo); err != nil {
		return nil, err
	}
	return s.store.ListEvents(ctx, tenantID, regNo, limit, offset)
}

// loadMember fetches the member and enforces the membership-validity gate.
func (s *Service) loadMember(ctx context.Context, tenantID string, regNo int) (*member.Member, error) {
	m, err := s.loadMemberAnyStatus(ctx, tenantID, regNo)
	if err != nil {
		return nil, err
	}
	if !m.Valid(s.now()) {
		metrics.CheckinRefusals.WithLabelValues("membership_expired").Inc()
		if err := s.alerter.Alert(ctx, Alert{
			Type:     "membership-expired",
			TenantID: tenantID,
			Name:     m.Name,
			RegNo:    m.RegNo,
			Phone:    m.Phone,
			At:       s.now(),
		}); err != nil {
			log.Printf("publish expired alert: %v", err)
		}
		return nil, &ExpiredError{Name: m.Name, RegNo: m.RegNo, Phone: m.Phone}
	}
	return m, nil
}

func (s *Service) loadMemberAnyStatus(ctx context.Context, tenantID string, regNo int) (*member.Member, error) {
	m, err := s.store.GetMember(ctx, tenantID, regNo)
	if err != nil {
		if errors.Is(err, member.ErrNotFound) {
			return nil, ErrMemberNotFound
		}
		return nil, fmt.Errorf("load member: %w", err)
	}
	return m, nil
}

func (s *Service) memberExists(ctx context.Context, tenantID string, regNo int) error {
	_, err := s.loadMemberAnyStatus(ctx, tenantID, regNo)
	return err
}

func (s *Service) record(ctx context.Context, m *member.Member, method string) (*Result, error) {
	at := s.now()
	if err := s.store.RecordCheckin(ctx, m.TenantID, m.RegNo, method, at); err != nil {
		return nil, fmt.Errorf("record check-in: %w", err)
	}
	metrics.CheckinsTotal.WithLabelValues(method).Inc()
	return &Result{
		Success: true,
		Name:    m.Name,
		Member: Summary{
			Name:        m.Name,
			DueDate:     m.DueDate,
			PhoneNumber: m.Phone,
			TypeOfPack:  m.TypeOfPack,
		},
		CheckInTime: at,
	}, nil
}

// notRecognized publishes the optional staff alert and returns the quiet
// no-match outcome.
func (s *Service) notRecognized(ctx context.Context, tenantID string) error {
	metrics.CheckinRefusals.WithLabelValues("not_recognized").Inc()
	if err := s.alerter.Alert(ctx, Alert{
		Type:     "face-not-recognized",
		TenantID: tenantID,
		At:       s.now(),
	}); err != nil {
		log.Printf("publish not-recognized alert: %v", err)
	}
	return ErrNotRecognized
}

// enrolledRemote builds the gallery payload for the recognition service,
// dropping degenerate stored vectors before they can poison matching.
func (s *Service) enrolledRemote(ctx context.Context, tenantID string) ([]faceclient.EnrolledMember, error) {
	enrolled, err := s.store.Enrolled(ctx, tenantID, face.BackendRemote)
	if err != nil {
		return nil, err
	}
	gallery := make([]faceclient.EnrolledMember, 0, len(enrolled))
	for _, e := range enrolled {
		if !e.Vector.Valid() {
			continue
		}
		gallery = append(gallery, faceclient.EnrolledMember{
			RegNo:      e.RegNo,
			Name:       e.Name,
			Descriptor: e.Vector,
		})
	}
	return gallery, nil
}
