// Package ap2 implements the AP2 verification pipeline (C2): structure,
// signature, required-claims, expiry, and scope checks over a compact JWS
// Verifiable Credential, short-circuiting on first failure per spec.md §4.2.
package ap2

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ledgerframe/vaultcore/internal/clock"
	"github.com/ledgerframe/vaultcore/pkg/domain"
	"github.com/ledgerframe/vaultcore/pkg/truststore"
)

// Verifier runs the AP2 pipeline against a configured truststore and clock.
type Verifier struct {
	trust *truststore.Store
	clock clock.Clock
}

// New constructs an AP2 Verifier.
func New(trust *truststore.Store, clk clock.Clock) *Verifier {
	return &Verifier{trust: trust, clock: clk}
}

// Input is the AP2 create-time payload envelope (§6.1).
type Input struct {
	VCJWT string
	// ExpectedScope, when non-empty, is compared against the token's scope
	// claim in pipeline step 5.
	ExpectedScope string
}

func fail(status domain.VerificationStatus, reason string, details map[string]any) domain.VerificationResult {
	return domain.VerificationResult{Status: status, Reason: reason, Details: details}
}

// Verify runs the six-step AP2 pipeline.
func (v *Verifier) Verify(in Input) domain.VerificationResult {
	// Step 1: structure.
	parts := strings.Split(in.VCJWT, ".")
	if len(parts) != 3 {
		return fail(domain.VerificationInvalidFormat, "malformed compact JWS: expected 3 segments", map[string]any{"segments": len(parts)})
	}
	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return fail(domain.VerificationInvalidFormat, "header is not valid base64url: "+err.Error(), nil)
	}
	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return fail(domain.VerificationInvalidFormat, "payload is not valid base64url: "+err.Error(), nil)
	}
	var header struct {
		Alg string `json:"alg"`
		Kid string `json:"kid"`
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return fail(domain.VerificationInvalidFormat, "header is not valid JSON: "+err.Error(), nil)
	}
	var claims struct {
		Iss   string `json:"iss"`
		Sub   string `json:"sub"`
		Iat   *int64 `json:"iat"`
		Exp   *int64 `json:"exp"`
		Scope string `json:"scope"`
	}
	if err := json.Unmarshal(payloadBytes, &claims); err != nil {
		return fail(domain.VerificationInvalidFormat, "payload is not valid JSON: "+err.Error(), nil)
	}

	// Step 2: signature.
	if claims.Iss == "" {
		return fail(domain.VerificationIssuerUnknown, "token has no issuer claim", nil)
	}
	if header.Kid == "" {
		return fail(domain.VerificationIssuerUnknown, "token header has no kid", map[string]any{"issuer": claims.Iss})
	}
	key, err := v.trust.Lookup(claims.Iss, header.Kid)
	if err != nil {
		var lerr *truststore.LookupError
		if asLookupError(err, &lerr) {
			if lerr.IssuerUnknown {
				return fail(domain.VerificationIssuerUnknown, fmt.Sprintf("issuer %q not in truststore", claims.Iss), nil)
			}
			return fail(domain.VerificationIssuerUnknown, fmt.Sprintf("key %q not found for issuer %q", header.Kid, claims.Iss), nil)
		}
		return fail(domain.VerificationIssuerUnknown, err.Error(), nil)
	}
	if string(key.Algorithm) != header.Alg {
		return fail(domain.VerificationSigInvalid, "alg in header does not match truststore key algorithm", map[string]any{"header_alg": header.Alg, "key_alg": string(key.Algorithm)})
	}
	method := jwt.GetSigningMethod(header.Alg)
	if method == nil {
		return fail(domain.VerificationSigInvalid, "unsupported alg "+header.Alg, nil)
	}
	signingInput := parts[0] + "." + parts[1]
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return fail(domain.VerificationInvalidFormat, "signature is not valid base64url: "+err.Error(), nil)
	}
	verifyKey := publicKeyFor(key.Public)
	if verifyKey == nil {
		return fail(domain.VerificationSigInvalid, "truststore key is not a supported public key type", nil)
	}
	if err := method.Verify(signingInput, sig, verifyKey); err != nil {
		return fail(domain.VerificationSigInvalid, "signature verification failed: "+err.Error(), nil)
	}

	// Step 3: required claims.
	var missing []string
	if claims.Iss == "" {
		missing = append(missing, "iss")
	}
	if claims.Sub == "" {
		missing = append(missing, "sub")
	}
	if claims.Iat == nil {
		missing = append(missing, "iat")
	}
	if claims.Exp == nil {
		missing = append(missing, "exp")
	}
	if len(missing) > 0 {
		return fail(domain.VerificationMissingRequiredField, "missing required claim(s): "+strings.Join(missing, ", "), map[string]any{"fields": missing})
	}

	// Step 4: expiry.
	expiresAt := time.Unix(*claims.Exp, 0).UTC()
	now := v.clock.Now()
	if !expiresAt.After(now) {
		return fail(domain.VerificationExpired, fmt.Sprintf("token expired at %s", expiresAt.Format(time.RFC3339)), map[string]any{"expires_at": expiresAt})
	}

	// Step 5: scope.
	if in.ExpectedScope != "" && claims.Scope != in.ExpectedScope {
		return fail(domain.VerificationScopeInvalid, fmt.Sprintf("expected scope %q, got %q", in.ExpectedScope, claims.Scope), nil)
	}

	// Step 6: valid.
	result := domain.VerificationResult{
		Status:    domain.VerificationValid,
		Reason:    "All verification checks passed",
		Issuer:    claims.Iss,
		Subject:   claims.Sub,
		ExpiresAt: &expiresAt,
	}
	if claims.Scope != "" {
		result.Scope = json.RawMessage(fmt.Sprintf("%q", claims.Scope))
	}
	// AP2 amount_limit is optional and absent from standard claims; left nil.
	return result
}

func asLookupError(err error, target **truststore.LookupError) bool {
	le, ok := err.(*truststore.LookupError)
	if ok {
		*target = le
	}
	return ok
}

// publicKeyFor narrows an opaque crypto.PublicKey to the concrete type
// jwt.SigningMethod.Verify expects for RSA/ECDSA algorithms.
func publicKeyFor(pub crypto.PublicKey) crypto.PublicKey {
	switch pub.(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey:
		return pub
	default:
		return nil
	}
}
