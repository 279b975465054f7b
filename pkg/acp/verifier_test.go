package acp

import (
	"fmt"
	"testing"
	"time"

	"github.com/ledgerframe/vaultcore/internal/clock"
	"github.com/ledgerframe/vaultcore/pkg/domain"
)

func newVerifier(t *testing.T, now time.Time, cfg Config) *Verifier {
	t.Helper()
	v, err := New(clock.NewFixed(now), cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return v
}

func validToken(overrides map[string]any) []byte {
	fields := map[string]any{
		"token_id":    "tok_123",
		"psp_id":      "psp_acme",
		"merchant_id": "merchant_1",
		"max_amount":  "100.00",
		"currency":    "USD",
		"expires_at":  "2030-01-01T00:00:00Z",
	}
	for k, v := range overrides {
		fields[k] = v
	}
	out := "{"
	first := true
	for _, k := range []string{"token_id", "psp_id", "merchant_id", "max_amount", "currency", "expires_at", "constraints"} {
		v, ok := fields[k]
		if !ok {
			continue
		}
		if !first {
			out += ","
		}
		first = false
		switch val := v.(type) {
		case string:
			out += fmt.Sprintf("%q:%q", k, val)
		default:
			out += fmt.Sprintf("%q:%v", k, val)
		}
	}
	out += "}"
	return []byte(out)
}

func TestVerify_Valid(t *testing.T) {
	v := newVerifier(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), Config{})
	result := v.Verify(validToken(nil))
	if result.Status != domain.VerificationValid {
		t.Fatalf("Status = %v, want VALID (reason: %s)", result.Status, result.Reason)
	}
	if result.Issuer != "psp_acme" {
		t.Errorf("Issuer = %q, want psp_acme", result.Issuer)
	}
	if result.Subject != "merchant_1" {
		t.Errorf("Subject = %q, want merchant_1", result.Subject)
	}
	if result.AmountLimit == nil || result.AmountLimit.String() != "100.00" {
		t.Errorf("AmountLimit = %v, want 100.00", result.AmountLimit)
	}
}

func TestVerify_MalformedJSON(t *testing.T) {
	v := newVerifier(t, time.Now(), Config{})
	result := v.Verify([]byte(`not json`))
	if result.Status != domain.VerificationInvalidFormat {
		t.Errorf("Status = %v, want INVALID_FORMAT", result.Status)
	}
}

func TestVerify_SchemaRejectsUnknownField(t *testing.T) {
	v := newVerifier(t, time.Now(), Config{})
	raw := []byte(`{"token_id":"t","psp_id":"p","merchant_id":"m","max_amount":"10.00","currency":"USD","expires_at":"2030-01-01T00:00:00Z","extra":"nope"}`)
	result := v.Verify(raw)
	if result.Status != domain.VerificationInvalidFormat {
		t.Errorf("Status = %v, want INVALID_FORMAT for an unknown top-level field", result.Status)
	}
}

func TestVerify_SchemaRejectsUnknownCurrency(t *testing.T) {
	v := newVerifier(t, time.Now(), Config{})
	result := v.Verify(validToken(map[string]any{"currency": "XXX"}))
	if result.Status != domain.VerificationInvalidFormat {
		t.Errorf("Status = %v, want INVALID_FORMAT for a currency outside the allowlist", result.Status)
	}
}

func TestVerify_Expired(t *testing.T) {
	v := newVerifier(t, time.Date(2031, 1, 1, 0, 0, 0, 0, time.UTC), Config{})
	result := v.Verify(validToken(nil))
	if result.Status != domain.VerificationExpired {
		t.Errorf("Status = %v, want EXPIRED", result.Status)
	}
}

func TestVerify_ZeroAmountIsRevoked(t *testing.T) {
	v := newVerifier(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), Config{})
	result := v.Verify(validToken(map[string]any{"max_amount": "0"}))
	if result.Status != domain.VerificationRevoked {
		t.Errorf("Status = %v, want REVOKED for a zero max_amount", result.Status)
	}
}

func TestVerify_NegativeAmountIsRevokedNotInvalidFormat(t *testing.T) {
	// The schema's max_amount pattern only constrains shape, not sign; the
	// business rule step is what rejects a non-positive amount, and it
	// treats negative the same as zero. See SPEC_FULL Open Question 1.
	v := newVerifier(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), Config{})
	result := v.Verify(validToken(map[string]any{"max_amount": "-5.00"}))
	if result.Status != domain.VerificationRevoked {
		t.Errorf("Status = %v, want REVOKED for a negative max_amount", result.Status)
	}
}

func TestVerify_MerchantScopeMismatch(t *testing.T) {
	v := newVerifier(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), Config{})
	raw := []byte(`{"token_id":"t","psp_id":"p","merchant_id":"merchant_1","max_amount":"10.00","currency":"USD","expires_at":"2030-01-01T00:00:00Z","constraints":{"merchant":"merchant_2"}}`)
	result := v.Verify(raw)
	if result.Status != domain.VerificationScopeInvalid {
		t.Errorf("Status = %v, want SCOPE_INVALID", result.Status)
	}
}

func TestVerify_PSPNotInAllowlist(t *testing.T) {
	v := newVerifier(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), Config{PSPAllowlist: []string{"psp_other"}})
	result := v.Verify(validToken(nil))
	if result.Status != domain.VerificationIssuerUnknown {
		t.Errorf("Status = %v, want ISSUER_UNKNOWN", result.Status)
	}
}

func TestVerify_PSPAllowlistEmptyAllowsAny(t *testing.T) {
	v := newVerifier(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), Config{})
	result := v.Verify(validToken(nil))
	if result.Status != domain.VerificationValid {
		t.Errorf("Status = %v, want VALID with an empty allowlist", result.Status)
	}
}
