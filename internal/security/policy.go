package security

import (
	"context"
	"unicode"
	"unicode/utf8"
)

const MinPasswordLength = 12

// CheckPasswordStrength returns one reason per unmet rule. An empty result
// means the password is acceptable.
func CheckPasswordStrength(password string) []string {
	var reasons []string
	if utf8.RuneCountInString(password) < MinPasswordLength {
		reasons = append(reasons, "password must be at least 12 characters long")
	}

	var upper, lower, digit, special bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r) || unicode.IsSpace(r):
			special = true
		}
	}

	if !upper {
		reasons = append(reasons, "password must contain an uppercase letter")
	}
	if !lower {
		reasons = append(reasons, "password must contain a lowercase letter")
	}
	if !digit {
		reasons = append(reasons, "password must contain a digit")
	}
	if !special {
		reasons = append(reasons, "password must contain a special character")
	}
	return reasons
}

// BreachChecker reports whether a password appears in a known breach corpus.
type BreachChecker interface {
	IsBreached(ctx context.Context, password string) (bool, error)
}

// NoopBreachChecker never reports a breach.
type NoopBreachChecker struct{}

func (NoopBreachChecker) IsBreached(context.Context, string) (bool, error) {
	return false, nil
}
