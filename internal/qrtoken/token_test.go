package qrtoken

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestIssueVerifyRoundtrip(t *testing.T) {
	c := New("test-secret", 24*time.Hour, nil)
	for _, tenant := range []string{"t1", "gym-42", "a|b"} {
		token := c.Issue(tenant)
		got, err := c.Verify(context.Background(), token)
		if err != nil {
			t.Fatalf("Verify(%q token) error: %v", tenant, err)
		}
		if got != tenant {
			t.Errorf("Verify returned tenant %q, want %q", got, tenant)
		}
	}
}

func TestVerifyExpired(t *testing.T) {
	c := New("test-secret", 24*time.Hour, nil)
	issued := time.Now()
	c.now = func() time.Time { return issued }
	token := c.Issue("t1")

	c.now = func() time.Time { return issued.Add(23 * time.Hour) }
	if _, err := c.Verify(context.Background(), token); err != nil {
		t.Fatalf("token should still be valid at 23h: %v", err)
	}

	c.now = func() time.Time { return issued.Add(24*time.Hour + time.Second) }
	if _, err := c.Verify(context.Background(), token); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expired token: got err %v, want ErrInvalid", err)
	}
}

func TestVerifyTamperedSignature(t *testing.T) {
	c := New("test-secret", 24*time.Hour, nil)
	token := c.Issue("t1")

	dot := strings.LastIndex(token, ".")
	sig := []byte(token[dot+1:])
	for i := range sig {
		mutated := append([]byte(nil), sig...)
		mutated[i] ^= 1 // single-bit flip
		tampered := token[:dot+1] + string(mutated)
		if tampered == token {
			continue
		}
		if _, err := c.Verify(context.Background(), tampered); !errors.Is(err, ErrInvalid) {
			t.Fatalf("bit flip at sig byte %d accepted", i)
		}
	}
}

func TestVerifyMalformed(t *testing.T) {
	c := New("test-secret", 24*time.Hour, nil)
	cases := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"no dot", "abcdef"},
		{"leading dot", ".abcdef"},
		{"trailing dot", "abcdef."},
		{"not base64", "!!!.???"},
		{"payload without separator", "dGVuYW50b25seQ." + c.sign("tenantonly")},
		{"wrong secret", New("other-secret", time.Hour, nil).Issue("t1")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := c.Verify(context.Background(), tc.token); !errors.Is(err, ErrInvalid) {
				t.Errorf("Verify(%q) = %v, want ErrInvalid", tc.token, err)
			}
		})
	}
}

func TestReissueDoesNotInvalidate(t *testing.T) {
	c := New("test-secret", 24*time.Hour, nil)
	first := c.Issue("t1")
	second := c.Issue("t1")
	for _, token := range []string{first, second} {
		if _, err := c.Verify(context.Background(), token); err != nil {
			t.Fatalf("token invalidated by re-issue: %v", err)
		}
	}
}

func TestRevocation(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := New("test-secret", 24*time.Hour, NewRedisRevoker(client, ""))

	ctx := context.Background()
	token := c.Issue("t1")
	if _, err := c.Verify(ctx, token); err != nil {
		t.Fatalf("fresh token rejected: %v", err)
	}

	if err := c.Revoke(ctx, token); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := c.Verify(ctx, token); !errors.Is(err, ErrInvalid) {
		t.Fatalf("revoked token: got err %v, want ErrInvalid", err)
	}

	// Other tokens are untouched.
	other := c.Issue("t2")
	if _, err := c.Verify(ctx, other); err != nil {
		t.Fatalf("unrelated token rejected after revocation: %v", err)
	}
}
