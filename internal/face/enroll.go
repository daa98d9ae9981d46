package face

import (
	"context"
	"fmt"
)

// Enroller stores member descriptors with duplicate protection.
type Enroller struct {
	store    Store
	settings Settings
	// duplicateThreshold is stricter than the match-acceptance threshold:
	// only highly confident duplicates are rejected, so legitimately similar
	// members are not locked out of enrollment.
	duplicateThreshold float64
}

// NewEnroller creates an enroller using the given duplicate threshold.
func NewEnroller(store Store, settings Settings, duplicateThreshold float64) *Enroller {
	return &Enroller{store: store, settings: settings, duplicateThreshold: duplicateThreshold}
}

// Enroll validates vec and stores it as regNo's descriptor in the given
// slot, replacing any prior value. Enrollment is rejected when the tenant has
// recognition disabled, when vec is degenerate, or when vec sits within the
// duplicate threshold of another member's valid descriptor (one physical face
// must not unlock two accounts).
func (e *Enroller) Enroll(ctx context.Context, tenantID string, regNo int, backend Backend, vec Descriptor) error {
	enabled, err := e.settings.FaceEnabled(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("load tenant settings: %w", err)
	}
	if !enabled {
		return ErrDisabled
	}
	if !vec.Valid() {
		return ErrBadDescriptor
	}

	enrolled, err := e.store.Enrolled(ctx, tenantID, backend)
	if err != nil {
		return fmt.Errorf("load enrolled descriptors: %w", err)
	}
	for _, other := range enrolled {
		if other.RegNo == regNo {
			// Re-enrollment replaces the member's own descriptor.
			continue
		}
		if !other.Vector.Valid() {
			// Unvalidated historical data must not poison the collision check.
			continue
		}
		if d := Distance(vec, other.Vector); d < e.duplicateThreshold {
			return &DuplicateError{RegNo: other.RegNo, Name: other.Name, Distance: d}
		}
	}

	if err := e.store.SaveDescriptor(ctx, tenantID, regNo, backend, vec); err != nil {
		return fmt.Errorf("save descriptor: %w", err)
	}
	return nil
}

// Remove clears both descriptor slots, returning the member to
// non-biometric check-in eligibility.
func (e *Enroller) Remove(ctx context.Context, tenantID string, regNo int) error {
	if err := e.store.ClearDescriptors(ctx, tenantID, regNo); err != nil {
		return fmt.Errorf("clear descriptors: %w", err)
	}
	return nil
}
