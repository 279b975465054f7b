package dispatcher

import (
	"testing"

	"github.com/ledgerframe/vaultcore/internal/clock"
	"github.com/ledgerframe/vaultcore/pkg/acp"
	"github.com/ledgerframe/vaultcore/pkg/ap2"
	"github.com/ledgerframe/vaultcore/pkg/domain"
)

func newDispatcher(t *testing.T, acpEnabled bool) *Dispatcher {
	t.Helper()
	acpVerifier, err := acp.New(clock.New(), acp.Config{})
	if err != nil {
		t.Fatalf("acp.New() error: %v", err)
	}
	return New(ap2.New(nil, clock.New()), acpVerifier, acpEnabled)
}

func TestVerify_AP2_InvalidEnvelope(t *testing.T) {
	d := newDispatcher(t, true)
	result, err := d.Verify(domain.ProtocolAP2, []byte(`{"not_vc_jwt":"x"}`))
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if result.Status != domain.VerificationInvalidFormat {
		t.Errorf("Status = %v, want INVALID_FORMAT", result.Status)
	}
}

func TestVerify_ACP_Disabled(t *testing.T) {
	d := newDispatcher(t, false)
	_, err := d.Verify(domain.ProtocolACP, []byte(`{}`))
	if err != ErrProtocolDisabled {
		t.Errorf("err = %v, want ErrProtocolDisabled", err)
	}
}

func TestVerify_ACP_Enabled_RunsThePipeline(t *testing.T) {
	d := newDispatcher(t, true)
	result, err := d.Verify(domain.ProtocolACP, []byte(`not json`))
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if result.Status != domain.VerificationInvalidFormat {
		t.Errorf("Status = %v, want INVALID_FORMAT for malformed ACP JSON", result.Status)
	}
}

func TestVerify_UnknownProtocol(t *testing.T) {
	d := newDispatcher(t, true)
	result, err := d.Verify(domain.Protocol("XYZ"), []byte(`{}`))
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if result.Status != domain.VerificationInvalidFormat {
		t.Errorf("Status = %v, want INVALID_FORMAT for an unknown protocol", result.Status)
	}
}
