// Package face implements local descriptor enrollment and matching for
// member check-in. Descriptors live in two independent slots per member: one
// extracted in the kiosk browser, one produced by the remote recognition
// service. Enrollment and matching operate on one slot at a time.
package face

import (
	"context"
	"errors"
	"fmt"
)

// Backend names a descriptor slot.
type Backend string

const (
	// BackendLocal holds descriptors extracted in the kiosk browser.
	BackendLocal Backend = "local"
	// BackendRemote holds descriptors produced by the recognition service.
	BackendRemote Backend = "remote"
)

// Enrollment is one member's stored descriptor in a given slot.
type Enrollment struct {
	RegNo  int
	Name   string
	Vector Descriptor
}

// Store persists descriptors, scoped to a single tenant per call.
type Store interface {
	Enrolled(ctx context.Context, tenantID string, backend Backend) ([]Enrollment, error)
	SaveDescriptor(ctx context.Context, tenantID string, regNo int, backend Backend, vec Descriptor) error
	ClearDescriptors(ctx context.Context, tenantID string, regNo int) error
}

// Settings exposes the tenant-level recognition feature flag.
type Settings interface {
	FaceEnabled(ctx context.Context, tenantID string) (bool, error)
}

// ErrDisabled is returned when the tenant has face recognition turned off.
var ErrDisabled = errors.New("face recognition is not enabled for this tenant")

// ErrBadDescriptor is returned for degenerate probe or enrollment vectors.
var ErrBadDescriptor = errors.New("descriptor is not a valid 128-d face embedding")

// DuplicateError rejects an enrollment whose descriptor collides with another
// member's. It names the conflict so staff can resolve it.
type DuplicateError struct {
	RegNo    int
	Name     string
	Distance float64
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("face already enrolled for member #%d (%s), distance %.3f", e.RegNo, e.Name, e.Distance)
}
