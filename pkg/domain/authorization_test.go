package domain

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{"active to valid", StatusActive, StatusValid, true},
		{"active to used", StatusActive, StatusUsed, true},
		{"active to expired", StatusActive, StatusExpired, true},
		{"active to revoked", StatusActive, StatusRevoked, true},
		{"valid to used", StatusValid, StatusUsed, true},
		{"valid to expired", StatusValid, StatusExpired, true},
		{"valid to revoked", StatusValid, StatusRevoked, true},
		{"valid to active is not an edge", StatusValid, StatusActive, false},
		{"used is terminal", StatusUsed, StatusRevoked, false},
		{"expired is terminal", StatusExpired, StatusUsed, false},
		{"revoked is terminal", StatusRevoked, StatusValid, false},
		{"self-loop is not an edge", StatusActive, StatusActive, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestStatus_Terminal(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusActive, false},
		{StatusValid, false},
		{StatusUsed, true},
		{StatusExpired, true},
		{StatusRevoked, true},
	}
	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.want {
			t.Errorf("%s.Terminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestSubscription_Allows(t *testing.T) {
	tests := []struct {
		name string
		sub  Subscription
		evt  string
		want bool
	}{
		{
			name: "enabled and subscribed",
			sub:  Subscription{Enabled: true, Events: []string{"mandate.used", "mandate.revoked"}},
			evt:  "mandate.used",
			want: true,
		},
		{
			name: "enabled but not subscribed",
			sub:  Subscription{Enabled: true, Events: []string{"mandate.revoked"}},
			evt:  "mandate.used",
			want: false,
		},
		{
			name: "disabled even if subscribed",
			sub:  Subscription{Enabled: false, Events: []string{"mandate.used"}},
			evt:  "mandate.used",
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.sub.Allows(tt.evt); got != tt.want {
				t.Errorf("Allows(%q) = %v, want %v", tt.evt, got, tt.want)
			}
		})
	}
}

func TestCallerIdentity_IsAdmin(t *testing.T) {
	admin := CallerIdentity{Role: "admin"}
	if !admin.IsAdmin() {
		t.Error("expected admin role to be admin")
	}
	tenant := CallerIdentity{Role: "tenant_user"}
	if tenant.IsAdmin() {
		t.Error("expected non-admin role to not be admin")
	}
}

func TestAuthorization_IsDeleted(t *testing.T) {
	live := Authorization{}
	if live.IsDeleted() {
		t.Error("expected zero-value Authorization to not be deleted")
	}
	var a Authorization
	now := a.UpdatedAt
	a.DeletedAt = &now
	if !a.IsDeleted() {
		t.Error("expected Authorization with DeletedAt set to be deleted")
	}
}
