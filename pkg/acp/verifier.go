// Package acp implements the ACP verification pipeline (C3): strict JSON
// Schema validation of the delegated-token object followed by the business
// rules in spec.md §4.3. No cryptographic signature is checked at
// create-time for ACP; trust is anchored in the later HMAC-signed lifecycle
// webhooks (C7).
package acp

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ledgerframe/vaultcore/internal/clock"
	"github.com/ledgerframe/vaultcore/pkg/domain"
	"github.com/ledgerframe/vaultcore/pkg/money"
)

// Config carries the optional PSP allowlist of spec.md §6.2
// (ACP_PSP_ALLOWLIST).
type Config struct {
	PSPAllowlist []string
}

func (c Config) allowed(pspID string) bool {
	if len(c.PSPAllowlist) == 0 {
		return true
	}
	for _, p := range c.PSPAllowlist {
		if p == pspID {
			return true
		}
	}
	return false
}

// Verifier runs the ACP pipeline.
type Verifier struct {
	schema *jsonschema.Schema
	clock  clock.Clock
	cfg    Config
}

// New compiles the token schema and constructs a Verifier.
func New(clk clock.Clock, cfg Config) (*Verifier, error) {
	schema, err := compileTokenSchema()
	if err != nil {
		return nil, err
	}
	return &Verifier{schema: schema, clock: clk, cfg: cfg}, nil
}

// token mirrors the wire shape for decode after schema validation passes.
type token struct {
	TokenID     string `json:"token_id"`
	PSPID       string `json:"psp_id"`
	MerchantID  string `json:"merchant_id"`
	MaxAmount   string `json:"max_amount"`
	Currency    string `json:"currency"`
	ExpiresAt   string `json:"expires_at"`
	Constraints struct {
		Merchant string `json:"merchant"`
	} `json:"constraints"`
}

func fail(status domain.VerificationStatus, reason string, details map[string]any) domain.VerificationResult {
	return domain.VerificationResult{Status: status, Reason: reason, Details: details}
}

// Verify runs the ACP pipeline against a raw token JSON payload.
func (v *Verifier) Verify(raw []byte) domain.VerificationResult {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return fail(domain.VerificationInvalidFormat, "token is not valid JSON: "+err.Error(), nil)
	}
	if err := v.schema.Validate(generic); err != nil {
		return fail(domain.VerificationInvalidFormat, "token failed schema validation: "+err.Error(), nil)
	}

	var t token
	if err := json.Unmarshal(raw, &t); err != nil {
		return fail(domain.VerificationInvalidFormat, "token decode failed after schema pass: "+err.Error(), nil)
	}

	expiresAt, err := time.Parse(time.RFC3339, t.ExpiresAt)
	if err != nil {
		return fail(domain.VerificationInvalidFormat, "expires_at is not RFC 3339: "+err.Error(), nil)
	}

	amount, err := money.ParseSigned(t.MaxAmount)
	if err != nil {
		return fail(domain.VerificationInvalidFormat, "max_amount invalid: "+err.Error(), nil)
	}

	// Step 1: expiry.
	now := v.clock.Now()
	if !expiresAt.After(now) {
		return fail(domain.VerificationExpired, fmt.Sprintf("token expired at %s", expiresAt.Format(time.RFC3339)), map[string]any{"expires_at": expiresAt})
	}

	// Step 2: zero/negative amount is policy-revoked, not invalid format.
	if !amount.IsPositive() {
		return fail(domain.VerificationRevoked, "max_amount is not strictly positive", map[string]any{"max_amount": t.MaxAmount})
	}
	positive, err := money.Parse(t.MaxAmount)
	if err != nil {
		return fail(domain.VerificationInvalidFormat, "max_amount invalid: "+err.Error(), nil)
	}

	// Step 3: merchant scope.
	if t.Constraints.Merchant != "" && t.Constraints.Merchant != t.MerchantID {
		return fail(domain.VerificationScopeInvalid, fmt.Sprintf("constraints.merchant %q does not match merchant_id %q", t.Constraints.Merchant, t.MerchantID), nil)
	}

	// Step 4: PSP allowlist.
	if !v.cfg.allowed(t.PSPID) {
		return fail(domain.VerificationIssuerUnknown, fmt.Sprintf("psp_id %q not in allowlist", t.PSPID), nil)
	}

	// Step 5: valid.
	scope, _ := json.Marshal(map[string]any{"merchant": t.Constraints.Merchant})
	return domain.VerificationResult{
		Status:      domain.VerificationValid,
		Reason:      "All verification checks passed",
		Issuer:      t.PSPID,
		Subject:     t.MerchantID,
		AmountLimit: &positive,
		Currency:    t.Currency,
		ExpiresAt:   &expiresAt,
		Scope:       scope,
	}
}
