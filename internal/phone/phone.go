// Package phone canonicalizes phone numbers so replies can be matched to the
// profile they came from.
//
// Canonical numbers are E.164 strings ("+15551234567"). Two numbers refer to the
// same recipient only if their canonical forms are byte-equal.
package phone

import (
	"errors"
	"fmt"
	"strings"
)

// Defaults for the single supported numbering plan (NANP).
const (
	DefaultCountryCode    = "1"
	DefaultNationalDigits = 10
)

// ErrInvalidNumberFormat is returned when a number cannot be canonicalized.
var ErrInvalidNumberFormat = errors.New("invalid phone number format")

// CanonicalNumber is an E.164-normalized phone number.
type CanonicalNumber string

func (n CanonicalNumber) String() string {
	return string(n)
}

// Digits returns the number without the leading plus sign.
func (n CanonicalNumber) Digits() string {
	return strings.TrimPrefix(string(n), "+")
}

// Opts holds configuration options for the Normalizer.
type Opts struct {
	CountryCode    string
	NationalDigits int
}

// Option defines a configuration option for the Normalizer.
type Option func(*Opts)

// WithCountryCode sets the single supported country calling code (digits only).
func WithCountryCode(cc string) Option {
	return func(o *Opts) {
		o.CountryCode = strings.TrimPrefix(strings.TrimSpace(cc), "+")
	}
}

// WithNationalDigits sets the required number of national significant digits.
func WithNationalDigits(n int) Option {
	return func(o *Opts) {
		o.NationalDigits = n
	}
}

// Normalizer canonicalizes raw phone numbers for one country code. It is stateless
// and safe for concurrent use.
type Normalizer struct {
	countryCode    string
	nationalDigits int
}

// NewNormalizer creates a Normalizer, applying any provided options.
func NewNormalizer(opts ...Option) *Normalizer {
	cfg := Opts{CountryCode: DefaultCountryCode, NationalDigits: DefaultNationalDigits}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.CountryCode == "" {
		cfg.CountryCode = DefaultCountryCode
	}
	if cfg.NationalDigits <= 0 {
		cfg.NationalDigits = DefaultNationalDigits
	}
	return &Normalizer{countryCode: cfg.CountryCode, nationalDigits: cfg.NationalDigits}
}

// CountryCode returns the supported country calling code.
func (n *Normalizer) CountryCode() string {
	return n.countryCode
}

// Normalize strips formatting and returns the canonical E.164 form of raw.
//
// Accepted inputs include "+1 555-123-4567", "(555) 123.4567", "15551234567",
// "tel:+15551234567" and Twilio's "whatsapp:+15551234567".
func (n *Normalizer) Normalize(raw string) (CanonicalNumber, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("%w: empty number", ErrInvalidNumberFormat)
	}
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSpace(s)
	international := strings.HasPrefix(s, "+") || strings.HasPrefix(s, "00")
	if strings.HasPrefix(s, "00") {
		s = s[2:]
	}

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' || r == ' ' || r == '-' || r == '.' || r == '(' || r == ')' || r == '\t':
		default:
			return "", fmt.Errorf("%w: unexpected character %q in %q", ErrInvalidNumberFormat, r, raw)
		}
	}
	digits := b.String()

	var national string
	switch {
	case international:
		if !strings.HasPrefix(digits, n.countryCode) {
			return "", fmt.Errorf("%w: unsupported country code in %q", ErrInvalidNumberFormat, raw)
		}
		national = digits[len(n.countryCode):]
	case len(digits) == len(n.countryCode)+n.nationalDigits && strings.HasPrefix(digits, n.countryCode):
		national = digits[len(n.countryCode):]
	default:
		national = digits
	}

	if len(national) < n.nationalDigits {
		return "", fmt.Errorf("%w: %q has %d significant digits, need %d", ErrInvalidNumberFormat, raw, len(national), n.nationalDigits)
	}
	if len(national) > n.nationalDigits {
		return "", fmt.Errorf("%w: %q has too many digits", ErrInvalidNumberFormat, raw)
	}
	return CanonicalNumber("+" + n.countryCode + national), nil
}

// Same reports whether two raw numbers canonicalize to the same recipient.
func (n *Normalizer) Same(a, b string) bool {
	ca, err := n.Normalize(a)
	if err != nil {
		return false
	}
	cb, err := n.Normalize(b)
	if err != nil {
		return false
	}
	return ca == cb
}
