package auth

import (
	"testing"
	"time"
)

func TestIssueParseRoundtrip(t *testing.T) {
	token, exp, err := Issue("staff-1", "t1", "admin", "gymgate", "signing-key", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if time.Until(exp) <= 0 {
		t.Errorf("expiry %v already past", exp)
	}

	claims, err := Parse(token, "signing-key", "gymgate")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.TenantID != "t1" || claims.Role != "admin" || claims.Subject != "staff-1" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestParseRejections(t *testing.T) {
	good, _, err := Issue("staff-1", "t1", "admin", "gymgate", "signing-key", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	noTenant, _, err := Issue("staff-1", "", "admin", "gymgate", "signing-key", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	expired, _, err := Issue("staff-1", "t1", "admin", "gymgate", "signing-key", -time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	cases := []struct {
		name   string
		token  string
		key    string
		issuer string
	}{
		{"wrong key", good, "other-key", "gymgate"},
		{"wrong issuer", good, "signing-key", "someone-else"},
		{"missing tenant scope", noTenant, "signing-key", "gymgate"},
		{"expired", expired, "signing-key", "gymgate"},
		{"garbage", "not.a.jwt", "signing-key", "gymgate"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse(tc.token, tc.key, tc.issuer); err == nil {
				t.Fatal("Parse accepted a token it should reject")
			}
		})
	}
}
