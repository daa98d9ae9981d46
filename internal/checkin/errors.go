package checkin

import (
	"errors"
	"fmt"
)

// ErrMemberNotFound means the register number is absent from the tenant's
// roster. Surfaced distinctly from membership-expired.
var ErrMemberNotFound = errors.New("register number not found")

// ErrFaceRequired refuses QR+register-number check-in for members enrolled in
// face verification. A lost or guessed register number must not bypass the
// stronger factor.
var ErrFaceRequired = errors.New("face check-in required for this member")

// ErrNotRecognized is the quiet no-match outcome for face check-in. Never an
// exception: ambiguity, empty galleries, disabled tenants, and remote-service
// failures all land here.
var ErrNotRecognized = errors.New("face not recognized")

// ExpiredError refuses check-in for a lapsed membership. It carries enough
// member detail for downstream staff alerting.
type ExpiredError struct {
	Name  string
	RegNo int
	Phone string
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("membership expired for %s (#%d)", e.Name, e.RegNo)
}
