package qrtoken

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrInvalid covers every verification failure: malformed token, bad
// signature, elapsed expiry, revoked. Callers get one generic error so the
// response never reveals which check failed.
var ErrInvalid = errors.New("invalid or expired token")

// Revoker is an optional server-side revocation set for issued tokens.
type Revoker interface {
	Revoke(ctx context.Context, token string, until time.Time) error
	IsRevoked(ctx context.Context, token string) (bool, error)
}

// Codec issues and verifies signed kiosk capability tokens. A token binds a
// tenant id to an expiry; possession alone authorizes check-in actions for
// that tenant until it expires.
type Codec struct {
	secret  []byte
	ttl     time.Duration
	revoker Revoker
	now     func() time.Time
}

// New creates a codec. revoker may be nil, in which case tokens stay valid
// until natural expiry.
func New(secret string, ttl time.Duration, revoker Revoker) *Codec {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Codec{
		secret:  []byte(secret),
		ttl:     ttl,
		revoker: revoker,
		now:     time.Now,
	}
}

// Issue creates a token for tenantID expiring ttl from now.
func (c *Codec) Issue(tenantID string) string {
	expiry := c.now().Add(c.ttl).UnixMilli()
	payload := tenantID + "|" + strconv.FormatInt(expiry, 10)
	return base64.RawURLEncoding.EncodeToString([]byte(payload)) + "." + c.sign(payload)
}

// Verify checks signature and expiry and returns the embedded tenant id.
// All failure modes map to ErrInvalid.
func (c *Codec) Verify(ctx context.Context, token string) (string, error) {
	dot := strings.LastIndex(token, ".")
	if dot <= 0 || dot == len(token)-1 {
		return "", ErrInvalid
	}
	rawPayload, err := base64.RawURLEncoding.DecodeString(token[:dot])
	if err != nil {
		return "", ErrInvalid
	}
	payload := string(rawPayload)
	if !hmac.Equal([]byte(c.sign(payload)), []byte(token[dot+1:])) {
		return "", ErrInvalid
	}

	sep := strings.LastIndex(payload, "|")
	if sep <= 0 {
		return "", ErrInvalid
	}
	tenantID := payload[:sep]
	expiry, err := strconv.ParseInt(payload[sep+1:], 10, 64)
	if err != nil {
		return "", ErrInvalid
	}
	if c.now().UnixMilli() > expiry {
		return "", ErrInvalid
	}

	if c.revoker != nil {
		revoked, err := c.revoker.IsRevoked(ctx, token)
		if err != nil || revoked {
			// Fail closed: an unreachable revocation store rejects the token.
			return "", ErrInvalid
		}
	}
	return tenantID, nil
}

// Revoke invalidates a previously issued token before its natural expiry.
// Without a configured revoker this is a no-op.
func (c *Codec) Revoke(ctx context.Context, token string) error {
	if c.revoker == nil {
		return nil
	}
	return c.revoker.Revoke(ctx, token, c.now().Add(c.ttl))
}

func (c *Codec) sign(payload string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
