package ap2

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ledgerframe/vaultcore/internal/clock"
	"github.com/ledgerframe/vaultcore/pkg/domain"
	"github.com/ledgerframe/vaultcore/pkg/truststore"
)

type memSource struct {
	data map[string]jose.JSONWebKeySet
}

func (m memSource) Load(ctx context.Context) (map[string]jose.JSONWebKeySet, error) {
	return m.data, nil
}

// testFixture bundles a signing key, a matching truststore, and a verifier
// fixed to a known time.
type testFixture struct {
	key   *rsa.PrivateKey
	store *truststore.Store
	v     *Verifier
}

func newFixture(t *testing.T, now time.Time) testFixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	jwk := jose.JSONWebKey{Key: &key.PublicKey, KeyID: "key-1", Algorithm: "RS256", Use: "sig"}
	src := memSource{data: map[string]jose.JSONWebKeySet{
		"https://issuer.example": {Keys: []jose.JSONWebKey{jwk}},
	}}
	store, err := truststore.New(context.Background(), src)
	if err != nil {
		t.Fatalf("truststore.New() error: %v", err)
	}
	return testFixture{key: key, store: store, v: New(store, clock.NewFixed(now))}
}

type testClaims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope"`
}

func (f testFixture) sign(t *testing.T, claims testClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = "key-1"
	s, err := tok.SignedString(f.key)
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return s
}

func defaultClaims(now time.Time) testClaims {
	return testClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "https://issuer.example",
			Subject:   "wallet-42",
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Hour)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
		Scope: "payments:authorize",
	}
}

func TestVerify_Valid(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	tokStr := f.sign(t, defaultClaims(now))

	result := f.v.Verify(Input{VCJWT: tokStr})
	if result.Status != domain.VerificationValid {
		t.Fatalf("Status = %v, want VALID (reason: %s)", result.Status, result.Reason)
	}
	if result.Issuer != "https://issuer.example" {
		t.Errorf("Issuer = %q", result.Issuer)
	}
	if result.Subject != "wallet-42" {
		t.Errorf("Subject = %q", result.Subject)
	}
}

func TestVerify_MalformedStructure(t *testing.T) {
	f := newFixture(t, time.Now())
	result := f.v.Verify(Input{VCJWT: "not-a-jwt"})
	if result.Status != domain.VerificationInvalidFormat {
		t.Errorf("Status = %v, want INVALID_FORMAT", result.Status)
	}
}

func TestVerify_UnknownIssuer(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	claims := defaultClaims(now)
	claims.Issuer = "https://someone-else.example"
	tokStr := f.sign(t, claims)

	result := f.v.Verify(Input{VCJWT: tokStr})
	if result.Status != domain.VerificationIssuerUnknown {
		t.Errorf("Status = %v, want ISSUER_UNKNOWN", result.Status)
	}
}

func TestVerify_TamperedSignature(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	tokStr := f.sign(t, defaultClaims(now))
	tampered := tokStr[:len(tokStr)-4] + "abcd"

	result := f.v.Verify(Input{VCJWT: tampered})
	if result.Status != domain.VerificationSigInvalid && result.Status != domain.VerificationInvalidFormat {
		t.Errorf("Status = %v, want SIG_INVALID or INVALID_FORMAT for a tampered signature", result.Status)
	}
}

func TestVerify_Expired(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	claims := defaultClaims(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(-time.Minute))
	tokStr := f.sign(t, claims)

	result := f.v.Verify(Input{VCJWT: tokStr})
	if result.Status != domain.VerificationExpired {
		t.Errorf("Status = %v, want EXPIRED", result.Status)
	}
}

func TestVerify_MissingRequiredClaim(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	claims := defaultClaims(now)
	claims.Subject = ""
	tokStr := f.sign(t, claims)

	result := f.v.Verify(Input{VCJWT: tokStr})
	if result.Status != domain.VerificationMissingRequiredField {
		t.Errorf("Status = %v, want MISSING_REQUIRED_FIELD", result.Status)
	}
}

func TestVerify_ScopeMismatch(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	tokStr := f.sign(t, defaultClaims(now))

	result := f.v.Verify(Input{VCJWT: tokStr, ExpectedScope: "payments:refund"})
	if result.Status != domain.VerificationScopeInvalid {
		t.Errorf("Status = %v, want SCOPE_INVALID", result.Status)
	}
}
