// Package dispatcher implements C4: given (protocol, payload), route to the
// AP2 or ACP verifier and return a uniform VerificationResult. It replaces
// dynamic dispatch on a protocol string with a small factory over the
// domain.Protocol tagged union, per spec.md §9's design note.
package dispatcher

import (
	"encoding/json"
	"fmt"

	"github.com/ledgerframe/vaultcore/pkg/acp"
	"github.com/ledgerframe/vaultcore/pkg/ap2"
	"github.com/ledgerframe/vaultcore/pkg/domain"
)

// ErrProtocolDisabled is returned when ACP is disabled via configuration
// (spec.md §6.2, ACP_ENABLE=false) and a caller attempts to verify an ACP
// payload.
var ErrProtocolDisabled = fmt.Errorf("dispatcher: protocol disabled")

// Dispatcher routes verification calls to the per-protocol verifier.
type Dispatcher struct {
	ap2Verifier *ap2.Verifier
	acpVerifier *acp.Verifier
	acpEnabled  bool
}

// New constructs a Dispatcher. acpEnabled mirrors the ACP_ENABLE option.
func New(ap2Verifier *ap2.Verifier, acpVerifier *acp.Verifier, acpEnabled bool) *Dispatcher {
	return &Dispatcher{ap2Verifier: ap2Verifier, acpVerifier: acpVerifier, acpEnabled: acpEnabled}
}

// ap2Envelope is the AP2 create-time payload envelope (§6.1).
type ap2Envelope struct {
	VCJWT string `json:"vc_jwt"`
}

// Verify dispatches on protocol and returns a uniform VerificationResult.
// payload is the raw_payload bytes exactly as will be persisted.
func (d *Dispatcher) Verify(protocol domain.Protocol, payload json.RawMessage) (domain.VerificationResult, error) {
	switch protocol {
	case domain.ProtocolAP2:
		var env ap2Envelope
		if err := json.Unmarshal(payload, &env); err != nil || env.VCJWT == "" {
			return domain.VerificationResult{
				Status: domain.VerificationInvalidFormat,
				Reason: "AP2 payload envelope must be {\"vc_jwt\": \"<compact JWS>\"}",
			}, nil
		}
		return d.ap2Verifier.Verify(ap2.Input{VCJWT: env.VCJWT}), nil
	case domain.ProtocolACP:
		if !d.acpEnabled {
			return domain.VerificationResult{}, ErrProtocolDisabled
		}
		return d.acpVerifier.Verify(payload), nil
	default:
		return domain.VerificationResult{
			Status: domain.VerificationInvalidFormat,
			Reason: fmt.Sprintf("unknown protocol %q", protocol),
		}, nil
	}
}
