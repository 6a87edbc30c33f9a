package service

import (
	"context"
	"time"

	"portalauth/internal/anomaly"
	"portalauth/internal/models"
	"portalauth/internal/notify"
	"portalauth/internal/ratelimit"
	"portalauth/internal/reputation"
)

type IdentityStore interface {
	GetByID(ctx context.Context, id string) (models.Identity, error)
	FindByEmail(ctx context.Context, email string) (models.Identity, error)
	RecordFailedAttempt(ctx context.Context, id string) (int, error)
	SetLockedUntil(ctx context.Context, id string, until time.Time) error
	ResetFailedAttempts(ctx context.Context, id string) error
	UpdateLastLogin(ctx context.Context, id string, at time.Time) error
	UpdatePassword(ctx context.Context, id string, hash []byte) error
	Activate(ctx context.Context, id string, hash []byte) error
}

type SessionStore interface {
	GetByID(ctx context.Context, id string) (models.Session, error)
	Revoke(ctx context.Context, id, reason, revokedBy string) error
	IsValid(ctx context.Context, id string) (bool, error)
	ListActive(ctx context.Context, identityID string) ([]models.Session, error)
	RevokeAllForIdentity(ctx context.Context, identityID, reason, revokedBy, exceptID string) ([]string, error)
}

type OneTimeTokenStore interface {
	Issue(ctx context.Context, identityID string, kind models.TokenKind, tokenHash string, expiresAt time.Time) (models.IdentityToken, error)
	Consume(ctx context.Context, kind models.TokenKind, tokenHash string) (models.IdentityToken, error)
}

type PasswordHasher interface {
	Hash(ctx context.Context, password string) ([]byte, error)
	Verify(ctx context.Context, password string, encodedHash []byte) (bool, error)
	Equalize(ctx context.Context, password string)
}

type RateLimiter interface {
	Check(ctx context.Context, kind ratelimit.Kind, identifier string) (ratelimit.Result, error)
}

type AnomalyDetector interface {
	Check(ctx context.Context, in anomaly.Input) anomaly.SuspicionResult
	TrustRequest(ctx context.Context, in anomaly.Input) (string, anomaly.Location, error)
}

type ReputationChecker interface {
	Check(ctx context.Context, ip string) reputation.Verdict
}

type AuditRecorder interface {
	Record(event models.AuditEvent)
}

type RevocationPublisher interface {
	PublishSessionsRevoked(ctx context.Context, event models.SessionsRevokedEvent) error
}

// Notifier is satisfied by notify.StreamSender.
type Notifier = notify.Sender
