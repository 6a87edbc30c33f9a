package models

import "time"

type Session struct {
	ID            string
	IdentityID    string
	TokenHash     string
	Application   string
	IPAddress     string
	UserAgent     string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	LastActiveAt  time.Time
	RevokedAt     *time.Time
	RevokedBy     *string
	RevokedReason *string
}

// Live reports whether the session is neither revoked nor expired at now.
func (s Session) Live(now time.Time) bool {
	return s.RevokedAt == nil && s.ExpiresAt.After(now)
}

// SessionMetadata carries the request context recorded with a new session.
// ID may be pre-generated so the bearer token can reference it before the row
// exists.
type SessionMetadata struct {
	ID          string
	TokenHash   string
	Application string
	IPAddress   string
	UserAgent   string
}

// SessionsRevokedEvent is broadcast to sibling applications after a
// logout-everywhere.
type SessionsRevokedEvent struct {
	IdentityID    string    `json:"identityId"`
	SessionIDs    []string  `json:"sessionIds"`
	Reason        string    `json:"reason"`
	InitiatingApp string    `json:"initiatingApp"`
	RevokedBy     string    `json:"revokedBy"`
	RevokedAt     time.Time `json:"revokedAt"`
}
