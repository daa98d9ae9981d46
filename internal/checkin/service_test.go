package checkin

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"gymgate/internal/face"
	"gymgate/internal/faceclient"
	"gymgate/internal/member"
	"gymgate/internal/qrtoken"
)

type captureAlerter struct {
	alerts []Alert
}

func (a *captureAlerter) Alert(_ context.Context, alert Alert) error {
	a.alerts = append(a.alerts, alert)
	return nil
}

// testNow is a fixed reference instant; March -> month bucket 2.
var testNow = time.Date(2026, time.March, 15, 10, 30, 0, 0, time.Local)

func testDescriptor(seed float64) face.Descriptor {
	d := make(face.Descriptor, face.Dim)
	for i := range d {
		d[i] = seed + 0.01*float64(i%5)
	}
	return d
}

func shifted(base face.Descriptor, dist float64) face.Descriptor {
	d := append(face.Descriptor(nil), base...)
	d[0] += dist
	return d
}

func daysFromNow(n int) *time.Time {
	t := testNow.AddDate(0, 0, n)
	return &t
}

type fixture struct {
	store   *member.Memory
	svc     *Service
	alerter *captureAlerter
}

func newFixture(t *testing.T, tenant member.Tenant, remote *faceclient.Client) *fixture {
	t.Helper()
	store := member.NewMemory()
	store.PutTenant(tenant)

	alerter := &captureAlerter{}
	tokens := qrtoken.New("test-secret", 24*time.Hour, nil)
	matcher := face.NewMatcher(store, store, 0.38, 0.12)
	enroller := face.NewEnroller(store, store, 0.28)

	svc := New(store, tokens, matcher, enroller, remote, alerter, "http://kiosk.local/checkin")
	svc.now = func() time.Time { return testNow }
	return &fixture{store: store, svc: svc, alerter: alerter}
}

func localTenant() member.Tenant {
	return member.Tenant{ID: "t1", Name: "Iron Temple", FaceEnabled: true, FaceBackend: face.BackendLocal}
}

func (f *fixture) mustGet(t *testing.T, regNo int) *member.Member {
	t.Helper()
	m, err := f.store.GetMember(context.Background(), "t1", regNo)
	if err != nil {
		t.Fatalf("get member %d: %v", regNo, err)
	}
	return m
}

func TestIssueKioskLink(t *testing.T) {
	f := newFixture(t, localTenant(), nil)
	link := f.svc.IssueKioskLink("t1")
	if link.Token == "" {
		t.Fatal("empty token")
	}
	if !strings.HasPrefix(link.URL, "http://kiosk.local/checkin?token=") {
		t.Errorf("unexpected URL %q", link.URL)
	}
}

func TestCheckInQREndToEnd(t *testing.T) {
	f := newFixture(t, localTenant(), nil)
	f.store.PutMember(member.Member{
		TenantID: "t1", RegNo: 5, Name: "Asha", Phone: "9900",
		TypeOfPack: "quarterly", DueDate: daysFromNow(30),
	})

	link := f.svc.IssueKioskLink("t1")
	res, err := f.svc.CheckInQR(context.Background(), link.Token, 5)
	if err != nil {
		t.Fatalf("CheckInQR: %v", err)
	}
	if !res.Success || res.Name != "Asha" {
		t.Errorf("result = %+v", res)
	}
	if res.Member.TypeOfPack != "quarterly" || res.Member.PhoneNumber != "9900" {
		t.Errorf("member summary = %+v", res.Member)
	}
	if !res.CheckInTime.Equal(testNow) {
		t.Errorf("check-in time = %v, want %v", res.CheckInTime, testNow)
	}

	m := f.mustGet(t, 5)
	if m.MonthlyAttendance[member.MonthIndex(testNow)] != 1 {
		t.Errorf("month bucket = %d, want 1", m.MonthlyAttendance[member.MonthIndex(testNow)])
	}
	if m.LastCheckinMethod != MethodQRSelf {
		t.Errorf("method = %q, want %q", m.LastCheckinMethod, MethodQRSelf)
	}
	if m.LastCheckinAt == nil || !m.LastCheckinAt.Equal(testNow) {
		t.Errorf("last check-in = %v", m.LastCheckinAt)
	}
}

func TestCheckInQRInvalidToken(t *testing.T) {
	f := newFixture(t, localTenant(), nil)
	if _, err := f.svc.CheckInQR(context.Background(), "garbage.token", 5); !errors.Is(err, qrtoken.ErrInvalid) {
		t.Fatalf("got %v, want qrtoken.ErrInvalid", err)
	}
}

func TestCheckInUnknownRegNo(t *testing.T) {
	f := newFixture(t, localTenant(), nil)
	link := f.svc.IssueKioskLink("t1")
	if _, err := f.svc.CheckInQR(context.Background(), link.Token, 99); !errors.Is(err, ErrMemberNotFound) {
		t.Fatalf("got %v, want ErrMemberNotFound", err)
	}
}

func TestCheckInExpiredMembership(t *testing.T) {
	f := newFixture(t, localTenant(), nil)
	f.store.PutMember(member.Member{
		TenantID: "t1", RegNo: 5, Name: "Asha", Phone: "9900", DueDate: daysFromNow(-1),
	})

	_, err := f.svc.CheckInManual(context.Background(), "t1", 5)
	var expired *ExpiredError
	if !errors.As(err, &expired) {
		t.Fatalf("got %v, want ExpiredError", err)
	}
	if expired.Name != "Asha" || expired.RegNo != 5 || expired.Phone != "9900" {
		t.Errorf("expired details = %+v", expired)
	}

	m := f.mustGet(t, 5)
	if len(m.MonthlyAttendance) != 0 || m.LastCheckinAt != nil {
		t.Error("expired check-in must not record attendance")
	}

	if len(f.alerter.alerts) != 1 || f.alerter.alerts[0].Type != "membership-expired" {
		t.Errorf("alerts = %+v, want one membership-expired", f.alerter.alerts)
	}
}

func TestCheckInDueBoundary(t *testing.T) {
	cases := []struct {
		name    string
		due     *time.Time
		wantErr bool
	}{
		{"due yesterday", daysFromNow(-1), true},
		{"due today", daysFromNow(0), false},
		{"due tomorrow", daysFromNow(1), false},
		{"no due date", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, localTenant(), nil)
			f.store.PutMember(member.Member{TenantID: "t1", RegNo: 1, Name: "M", DueDate: tc.due})
			_, err := f.svc.CheckInManual(context.Background(), "t1", 1)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestCheckInQRFaceRequired(t *testing.T) {
	f := newFixture(t, localTenant(), nil)
	f.store.PutMember(member.Member{
		TenantID: "t1", RegNo: 5, Name: "Asha", DueDate: daysFromNow(30),
		LocalDescriptor: testDescriptor(0.1),
	})

	link := f.svc.IssueKioskLink("t1")
	if _, err := f.svc.CheckInQR(context.Background(), link.Token, 5); !errors.Is(err, ErrFaceRequired) {
		t.Fatalf("got %v, want ErrFaceRequired", err)
	}

	// Staff manual check-in bypasses the gate.
	if _, err := f.svc.CheckInManual(context.Background(), "t1", 5); err != nil {
		t.Fatalf("manual check-in blocked: %v", err)
	}
}

func TestCheckInFace(t *testing.T) {
	base := testDescriptor(0.1)
	f := newFixture(t, localTenant(), nil)
	f.store.PutMember(member.Member{
		TenantID: "t1", RegNo: 5, Name: "Asha", DueDate: daysFromNow(30),
		LocalDescriptor: base,
	})
	f.store.PutMember(member.Member{
		TenantID: "t1", RegNo: 6, Name: "Ravi", DueDate: daysFromNow(30),
		LocalDescriptor: shifted(base, 0.9),
	})

	link := f.svc.IssueKioskLink("t1")
	res, err := f.svc.CheckInFace(context.Background(), link.Token, shifted(base, 0.05))
	if err != nil {
		t.Fatalf("CheckInFace: %v", err)
	}
	if res.Name != "Asha" {
		t.Errorf("matched %q, want Asha", res.Name)
	}
	if m := f.mustGet(t, 5); m.LastCheckinMethod != MethodFace {
		t.Errorf("method = %q, want %q", m.LastCheckinMethod, MethodFace)
	}
}

func TestCheckInFaceNotRecognized(t *testing.T) {
	f := newFixture(t, localTenant(), nil)
	f.store.PutMember(member.Member{
		TenantID: "t1", RegNo: 5, Name: "Asha", DueDate: daysFromNow(30),
		LocalDescriptor: testDescriptor(0.1),
	})

	link := f.svc.IssueKioskLink("t1")
	probe := shifted(testDescriptor(0.1), 0.9)
	if _, err := f.svc.CheckInFace(context.Background(), link.Token, probe); !errors.Is(err, ErrNotRecognized) {
		t.Fatalf("got %v, want ErrNotRecognized", err)
	}
	if len(f.alerter.alerts) != 1 || f.alerter.alerts[0].Type != "face-not-recognized" {
		t.Errorf("alerts = %+v, want one face-not-recognized", f.alerter.alerts)
	}
}

func TestCheckInFaceWrongBackend(t *testing.T) {
	tenant := localTenant()
	tenant.FaceBackend = face.BackendRemote
	f := newFixture(t, tenant, nil)
	f.store.PutMember(member.Member{
		TenantID: "t1", RegNo: 5, Name: "Asha", DueDate: daysFromNow(30),
		LocalDescriptor: testDescriptor(0.1),
	})

	link := f.svc.IssueKioskLink("t1")
	if _, err := f.svc.CheckInFace(context.Background(), link.Token, testDescriptor(0.1)); !errors.Is(err, ErrNotRecognized) {
		t.Fatalf("got %v, want ErrNotRecognized for remote-backend tenant", err)
	}
}

func TestCheckInImage(t *testing.T) {
	tenant := localTenant()
	tenant.FaceBackend = face.BackendRemote
	// Skip-mode client matches the first enrolled member.
	f := newFixture(t, tenant, faceclient.New("", true))
	f.store.PutMember(member.Member{
		TenantID: "t1", RegNo: 5, Name: "Asha", DueDate: daysFromNow(30),
		RemoteDescriptor: testDescriptor(0.1),
	})

	link := f.svc.IssueKioskLink("t1")
	res, err := f.svc.CheckInImage(context.Background(), link.Token, []byte("jpegbytes"), "probe.jpg")
	if err != nil {
		t.Fatalf("CheckInImage: %v", err)
	}
	if res.Name != "Asha" {
		t.Errorf("matched %q, want Asha", res.Name)
	}
}

func TestCheckInImageNoRemoteConfigured(t *testing.T) {
	tenant := localTenant()
	tenant.FaceBackend = face.BackendRemote
	f := newFixture(t, tenant, nil)

	link := f.svc.IssueKioskLink("t1")
	if _, err := f.svc.CheckInImage(context.Background(), link.Token, []byte("x"), "p.jpg"); !errors.Is(err, ErrNotRecognized) {
		t.Fatalf("got %v, want ErrNotRecognized", err)
	}
}

func TestSameDayDoubleCheckInIncrementsTwice(t *testing.T) {
	// Matches source behavior: the increment path has no same-day dedupe,
	// only the undo path is day-aware.
	f := newFixture(t, localTenant(), nil)
	f.store.PutMember(member.Member{TenantID: "t1", RegNo: 5, Name: "Asha", DueDate: daysFromNow(30)})

	for i := 0; i < 2; i++ {
		if _, err := f.svc.CheckInManual(context.Background(), "t1", 5); err != nil {
			t.Fatalf("check-in %d: %v", i+1, err)
		}
	}
	if got := f.mustGet(t, 5).MonthlyAttendance[member.MonthIndex(testNow)]; got != 2 {
		t.Errorf("month bucket = %d, want 2", got)
	}
}

func TestRemoveTodayUndoesCheckIn(t *testing.T) {
	f := newFixture(t, localTenant(), nil)
	f.store.PutMember(member.Member{TenantID: "t1", RegNo: 5, Name: "Asha", DueDate: daysFromNow(30)})

	if _, err := f.svc.CheckInManual(context.Background(), "t1", 5); err != nil {
		t.Fatalf("check-in: %v", err)
	}

	removed, err := f.svc.RemoveToday(context.Background(), "t1", 5)
	if err != nil {
		t.Fatalf("RemoveToday: %v", err)
	}
	if !removed {
		t.Fatal("same-day undo should remove")
	}

	m := f.mustGet(t, 5)
	if m.LastCheckinAt != nil || m.LastCheckinMethod != "" {
		t.Errorf("check-in fields not cleared: %v %q", m.LastCheckinAt, m.LastCheckinMethod)
	}
	if got := m.MonthlyAttendance[member.MonthIndex(testNow)]; got != 0 {
		t.Errorf("month bucket = %d, want 0", got)
	}

	// A second undo is a no-op: nothing left to remove today.
	removed, err = f.svc.RemoveToday(context.Background(), "t1", 5)
	if err != nil || removed {
		t.Errorf("second undo: removed=%v err=%v, want no-op", removed, err)
	}
}

func TestRemoveTodayYesterdayNoop(t *testing.T) {
	yesterday := testNow.AddDate(0, 0, -1)
	f := newFixture(t, localTenant(), nil)
	f.store.PutMember(member.Member{
		TenantID: "t1", RegNo: 5, Name: "Asha", DueDate: daysFromNow(30),
		LastCheckinAt: &yesterday, LastCheckinMethod: MethodManual,
		MonthlyAttendance: map[int]int{member.MonthIndex(yesterday): 3},
	})

	removed, err := f.svc.RemoveToday(context.Background(), "t1", 5)
	if err != nil {
		t.Fatalf("RemoveToday: %v", err)
	}
	if removed {
		t.Fatal("yesterday's check-in must not be removable")
	}

	m := f.mustGet(t, 5)
	if m.LastCheckinAt == nil || m.MonthlyAttendance[member.MonthIndex(yesterday)] != 3 {
		t.Error("member changed by no-op undo")
	}
}

func TestRemoveTodayFloorsAtZero(t *testing.T) {
	now := testNow
	f := newFixture(t, localTenant(), nil)
	// Inconsistent historical data: a check-in stamp with an empty bucket.
	f.store.PutMember(member.Member{
		TenantID: "t1", RegNo: 5, Name: "Asha", DueDate: daysFromNow(30),
		LastCheckinAt: &now, LastCheckinMethod: MethodManual,
	})

	removed, err := f.svc.RemoveToday(context.Background(), "t1", 5)
	if err != nil || !removed {
		t.Fatalf("RemoveToday: removed=%v err=%v", removed, err)
	}
	if got := f.mustGet(t, 5).MonthlyAttendance[member.MonthIndex(testNow)]; got != 0 {
		t.Errorf("month bucket = %d, want 0 (never negative)", got)
	}
}

func TestRosterHidesExpiredMembers(t *testing.T) {
	f := newFixture(t, localTenant(), nil)
	f.store.PutMember(member.Member{TenantID: "t1", RegNo: 1, Name: "Valid", DueDate: daysFromNow(10)})
	f.store.PutMember(member.Member{TenantID: "t1", RegNo: 2, Name: "Expired", DueDate: daysFromNow(-10)})
	f.store.PutMember(member.Member{TenantID: "t1", RegNo: 3, Name: "NoDue"})

	link := f.svc.IssueKioskLink("t1")
	roster, err := f.svc.Roster(context.Background(), link.Token)
	if err != nil {
		t.Fatalf("Roster: %v", err)
	}
	if len(roster) != 2 {
		t.Fatalf("roster = %+v, want 2 entries", roster)
	}
	if roster[0].RegNo != 1 || roster[1].RegNo != 3 {
		t.Errorf("roster = %+v", roster)
	}
}

func TestEnrollFaceThroughService(t *testing.T) {
	base := testDescriptor(0.1)
	f := newFixture(t, localTenant(), nil)
	f.store.PutMember(member.Member{TenantID: "t1", RegNo: 1, Name: "Asha", DueDate: daysFromNow(30)})
	f.store.PutMember(member.Member{TenantID: "t1", RegNo: 2, Name: "Ravi", DueDate: daysFromNow(30)})

	if err := f.svc.EnrollFace(context.Background(), "t1", 1, base); err != nil {
		t.Fatalf("enroll: %v", err)
	}

	// A colliding second enrollment names the existing member.
	err := f.svc.EnrollFace(context.Background(), "t1", 2, shifted(base, 0.1))
	var dup *face.DuplicateError
	if !errors.As(err, &dup) {
		t.Fatalf("got %v, want DuplicateError", err)
	}
	if dup.RegNo != 1 || dup.Name != "Asha" {
		t.Errorf("conflict = %+v, want Asha #1", dup)
	}

	// Clearing returns the member to QR eligibility.
	if err := f.svc.RemoveFace(context.Background(), "t1", 1); err != nil {
		t.Fatalf("remove face: %v", err)
	}
	link := f.svc.IssueKioskLink("t1")
	if _, err := f.svc.CheckInQR(context.Background(), link.Token, 1); err != nil {
		t.Fatalf("QR check-in after face removal: %v", err)
	}
}

func TestEventsLedger(t *testing.T) {
	f := newFixture(t, localTenant(), nil)
	f.store.PutMember(member.Member{TenantID: "t1", RegNo: 5, Name: "Asha", DueDate: daysFromNow(30)})

	if _, err := f.svc.CheckInManual(context.Background(), "t1", 5); err != nil {
		t.Fatalf("check-in: %v", err)
	}
	if _, err := f.svc.RemoveToday(context.Background(), "t1", 5); err != nil {
		t.Fatalf("undo: %v", err)
	}

	events, err := f.svc.Events(context.Background(), "t1", 5, 10, 0)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %+v, want 1 row", events)
	}
	if !events[0].Reversed {
		t.Error("undone event should be marked reversed, not deleted")
	}
}
