package phone

import (
	"errors"
	"testing"
)

func TestNormalize(t *testing.T) {
	n := NewNormalizer()
	tests := []struct {
		name    string
		raw     string
		want    CanonicalNumber
		wantErr bool
	}{
		{"e164", "+15551234567", "+15551234567", false},
		{"formatted international", "+1 555-123-4567", "+15551234567", false},
		{"national with parens", "(555) 123.4567", "+15551234567", false},
		{"national with trunk code", "1-555-123-4567", "+15551234567", false},
		{"whatsapp prefix", "whatsapp:+15551234567", "+15551234567", false},
		{"tel uri", "tel:+1-555-123-4567", "+15551234567", false},
		{"double zero prefix", "0015551234567", "+15551234567", false},
		{"too short", "555-1234", "", true},
		{"too long", "+1555123456789", "", true},
		{"other country", "+445551234567", "", true},
		{"letters", "555-CALL-NOW", "", true},
		{"empty", "   ", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := n.Normalize(tt.raw)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidNumberFormat) {
					t.Fatalf("Normalize(%q) error = %v, want ErrInvalidNumberFormat", tt.raw, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Normalize(%q) unexpected error: %v", tt.raw, err)
			}
			if got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestNormalizeCustomCountry(t *testing.T) {
	n := NewNormalizer(WithCountryCode("+44"), WithNationalDigits(10))
	got, err := n.Normalize("+44 7700 900123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "+447700900123" {
		t.Errorf("got %q", got)
	}
	if _, err := n.Normalize("+15551234567"); err == nil {
		t.Error("expected US number to be rejected by a UK normalizer")
	}
}

func TestSame(t *testing.T) {
	n := NewNormalizer()
	if !n.Same("+15551234567", "+1 555-123-4567") {
		t.Error("expected formatted variants to match")
	}
	if n.Same("+15551234567", "+15551234568") {
		t.Error("different numbers must not match")
	}
	if n.Same("bogus", "bogus") {
		t.Error("invalid numbers never match")
	}
}

func TestCanonicalNumberDigits(t *testing.T) {
	if got := CanonicalNumber("+15551234567").Digits(); got != "15551234567" {
		t.Errorf("Digits() = %q", got)
	}
}
