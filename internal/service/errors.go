package service

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidCredentials    = errors.New("invalid credentials")
	ErrUnauthenticated       = errors.New("authentication required")
	ErrForbidden             = errors.New("forbidden")
	ErrAccountDisabled       = errors.New("account disabled")
	ErrAccountNotActivated   = errors.New("account not activated")
	ErrWrongProvider         = errors.New("account is managed by another identity provider")
	ErrPasswordSetupRequired = errors.New("password setup required")
	ErrTokenInvalid          = errors.New("token_invalid")
	ErrTokenExpired          = errors.New("token_expired")
	ErrTokenAlreadyUsed      = errors.New("token_already_used")
	ErrIdentityNotFound      = errors.New("identity not found")
	ErrInvalidScope          = errors.New("invalid logout scope")
)

// ValidationError carries every reason an input was rejected.
type ValidationError struct {
	Reasons []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Reasons, "; ")
}

func invalid(reasons ...string) error {
	return &ValidationError{Reasons: reasons}
}

type RateLimitError struct {
	Limiter    string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit %s exceeded, retry after %s", e.Limiter, e.RetryAfter)
}

// LockedError reports a progressive lockout. Indefinite locks are only
// cleared by an administrator.
type LockedError struct {
	Until      time.Time
	Indefinite bool
}

func (e *LockedError) Error() string {
	if e.Indefinite {
		return "account locked until an administrator unlocks it"
	}
	return "account locked until " + e.Until.UTC().Format(time.RFC3339)
}
