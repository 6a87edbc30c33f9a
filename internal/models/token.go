package models

import "time"

type TokenKind string

const (
	TokenKindPasswordReset TokenKind = "password_reset"
	TokenKindActivation    TokenKind = "activation"
)

// IdentityToken is a single-use token delivered out of band. Only the hash of
// the raw value is stored.
type IdentityToken struct {
	ID            string
	IdentityID    string
	Kind          TokenKind
	TokenHash     string
	ExpiresAt     time.Time
	UsedAt        *time.Time
	InvalidatedAt *time.Time
	CreatedAt     time.Time
}
