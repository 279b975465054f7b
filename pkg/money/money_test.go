package money

import "testing"

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		want    string
	}{
		{"simple amount", "100.00", false, "100.00"},
		{"truncates trailing zero-pad", "5", false, "5.00"},
		{"zero is accepted", "0", false, "0.00"},
		{"negative is rejected", "-1.00", true, ""},
		{"more than 2 fractional digits", "1.005", true, ""},
		{"exceeds max amount", "1000000.00", true, ""},
		{"at max amount", "999999.99", false, "999999.99"},
		{"empty string", "", true, ""},
		{"not a number", "abc", true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Parse(%q) expected error, got nil", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q) unexpected error: %v", tt.input, err)
			}
			if got.String() != tt.want {
				t.Errorf("Parse(%q).String() = %q, want %q", tt.input, got.String(), tt.want)
			}
		})
	}
}

func TestParseSigned_AllowsNegative(t *testing.T) {
	a, err := ParseSigned("-5.00")
	if err != nil {
		t.Fatalf("ParseSigned(-5.00) unexpected error: %v", err)
	}
	if a.IsPositive() {
		t.Error("expected -5.00 to not be positive")
	}
	if a.IsZero() {
		t.Error("expected -5.00 to not be zero")
	}

	z, err := ParseSigned("0")
	if err != nil {
		t.Fatalf("ParseSigned(0) unexpected error: %v", err)
	}
	if !z.IsZero() {
		t.Error("expected 0 to be zero")
	}
	if z.IsPositive() {
		t.Error("expected 0 to not be positive")
	}
}

func TestParseSigned_StillEnforcesScaleAndMagnitude(t *testing.T) {
	if _, err := ParseSigned("-1.005"); err == nil {
		t.Error("expected error for more than 2 fractional digits on a negative amount")
	}
	if _, err := ParseSigned("-1000000.00"); err == nil {
		t.Error("expected error for magnitude exceeding MaxAmount on a negative amount")
	}
}

func TestAmount_Equal(t *testing.T) {
	a, _ := Parse("10.50")
	b, _ := Parse("10.50")
	c, _ := Parse("10.51")
	if !a.Equal(b) {
		t.Error("expected equal amounts to compare equal")
	}
	if a.Equal(c) {
		t.Error("expected different amounts to not compare equal")
	}
}

func TestFromDecimal_Truncates(t *testing.T) {
	a, _ := Parse("1.00")
	d := a.Decimal()
	got := FromDecimal(d)
	if got.String() != "1.00" {
		t.Errorf("FromDecimal round-trip = %q, want 1.00", got.String())
	}
}
