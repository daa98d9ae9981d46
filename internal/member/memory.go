package member

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"gymgate/internal/face"
)

// Memory is an in-process Store for tests and single-node dev runs.
type Memory struct {
	mu      sync.Mutex
	tenants map[string]Tenant
	members map[string]map[int]*Member
	events  []Event
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		tenants: make(map[string]Tenant),
		members: make(map[string]map[int]*Member),
	}
}

// PutTenant inserts or replaces a tenant.
func (s *Memory) PutTenant(t Tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[t.ID] = t
}

// PutMember inserts or replaces a member.
func (s *Memory) PutMember(m Member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.MonthlyAttendance == nil {
		m.MonthlyAttendance = make(map[int]int)
	}
	if s.members[m.TenantID] == nil {
		s.members[m.TenantID] = make(map[int]*Member)
	}
	s.members[m.TenantID][m.RegNo] = &m
}

func (s *Memory) GetTenant(_ context.Context, tenantID string) (*Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

func (s *Memory) GetMember(_ context.Context, tenantID string, regNo int) (*Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[tenantID][regNo]
	if !ok {
		return nil, ErrNotFound
	}
	cp := s.copyMember(m)
	return &cp, nil
}

func (s *Memory) Roster(_ context.Context, tenantID string, now time.Time) ([]RosterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var roster []RosterEntry
	for _, m := range s.members[tenantID] {
		if m.Valid(now) {
			roster = append(roster, RosterEntry{RegNo: m.RegNo, Name: m.Name})
		}
	}
	sort.Slice(roster, func(i, j int) bool { return roster[i].RegNo < roster[j].RegNo })
	return roster, nil
}

func (s *Memory) RecordCheckin(_ context.Context, tenantID string, regNo int, method string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[tenantID][regNo]
	if !ok {
		return ErrNotFound
	}
	t := at
	m.LastCheckinAt = &t
	m.LastCheckinMethod = method
	m.MonthlyAttendance[MonthIndex(at)]++
	s.events = append(s.events, Event{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		RegNo:      regNo,
		Method:     method,
		OccurredAt: at,
	})
	return nil
}

func (s *Memory) UndoCheckin(_ context.Context, tenantID string, regNo int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[tenantID][regNo]
	if !ok {
		return ErrNotFound
	}
	m.LastCheckinAt = nil
	m.LastCheckinMethod = ""
	if idx := MonthIndex(at); m.MonthlyAttendance[idx] > 0 {
		m.MonthlyAttendance[idx]--
	}
	for i := len(s.events) - 1; i >= 0; i-- {
		e := &s.events[i]
		if e.TenantID == tenantID && e.RegNo == regNo && !e.Reversed {
			e.Reversed = true
			break
		}
	}
	return nil
}

func (s *Memory) ListEvents(_ context.Context, tenantID string, regNo, limit, offset int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var all []Event
	for i := len(s.events) - 1; i >= 0; i-- {
		e := s.events[i]
		if e.TenantID == tenantID && e.RegNo == regNo {
			all = append(all, e)
		}
	}
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *Memory) SetPhotoURL(_ context.Context, tenantID string, regNo int, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[tenantID][regNo]
	if !ok {
		return ErrNotFound
	}
	m.PhotoURL = url
	return nil
}

func (s *Memory) Enrolled(_ context.Context, tenantID string, backend face.Backend) ([]face.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var enrolled []face.Enrollment
	for _, m := range s.members[tenantID] {
		vec := m.Descriptor(backend)
		if vec == nil {
			continue
		}
		enrolled = append(enrolled, face.Enrollment{
			RegNo:  m.RegNo,
			Name:   m.Name,
			Vector: append(face.Descriptor(nil), vec...),
		})
	}
	sort.Slice(enrolled, func(i, j int) bool { return enrolled[i].RegNo < enrolled[j].RegNo })
	return enrolled, nil
}

func (s *Memory) SaveDescriptor(_ context.Context, tenantID string, regNo int, backend face.Backend, vec face.Descriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[tenantID][regNo]
	if !ok {
		return ErrNotFound
	}
	cp := append(face.Descriptor(nil), vec...)
	if backend == face.BackendRemote {
		m.RemoteDescriptor = cp
	} else {
		m.LocalDescriptor = cp
	}
	return nil
}

func (s *Memory) ClearDescriptors(_ context.Context, tenantID string, regNo int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[tenantID][regNo]
	if !ok {
		return ErrNotFound
	}
	m.LocalDescriptor = nil
	m.RemoteDescriptor = nil
	return nil
}

func (s *Memory) FaceEnabled(_ context.Context, tenantID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		return false, ErrNotFound
	}
	return t.FaceEnabled, nil
}

func (s *Memory) copyMember(m *Member) Member {
	cp := *m
	cp.MonthlyAttendance = make(map[int]int, len(m.MonthlyAttendance))
	for k, v := range m.MonthlyAttendance {
		cp.MonthlyAttendance[k] = v
	}
	cp.LocalDescriptor = append(face.Descriptor(nil), m.LocalDescriptor...)
	cp.RemoteDescriptor = append(face.Descriptor(nil), m.RemoteDescriptor...)
	if m.LocalDescriptor == nil {
		cp.LocalDescriptor = nil
	}
	if m.RemoteDescriptor == nil {
		cp.RemoteDescriptor = nil
	}
	return cp
}
