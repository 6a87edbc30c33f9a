package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"portalauth/internal/ids"
	"portalauth/internal/models"
)

var ErrSessionNotFound = errors.New("session not found")

const SessionTTL = 8 * time.Hour

const sessionColumns = `id, identity_id, token_hash, application, ip_address, user_agent,
	created_at, expires_at, last_active_at, revoked_at, revoked_by, revoked_reason`

// SessionRepository stores login sessions. Rows are never deleted; only the
// revocation columns change after insert.
type SessionRepository struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db, ttl: SessionTTL, now: time.Now}
}

// WithClock replaces the time source. Intended for tests.
func (r *SessionRepository) WithClock(now func() time.Time) *SessionRepository {
	r.now = now
	return r
}

func (r *SessionRepository) Create(ctx context.Context, identityID string, meta models.SessionMetadata) (models.Session, error) {
	const query = `
		INSERT INTO sessions (
			id, identity_id, token_hash, application, ip_address, user_agent, created_at, expires_at, last_active_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $7
		)
	`

	now := r.now().UTC()
	session := models.Session{
		ID:           meta.ID,
		IdentityID:   identityID,
		TokenHash:    meta.TokenHash,
		Application:  meta.Application,
		IPAddress:    meta.IPAddress,
		UserAgent:    meta.UserAgent,
		CreatedAt:    now,
		ExpiresAt:    now.Add(r.ttl),
		LastActiveAt: now,
	}
	if session.ID == "" {
		session.ID = ids.New()
	}

	if _, err := r.db.ExecContext(ctx, query,
		session.ID,
		session.IdentityID,
		session.TokenHash,
		session.Application,
		session.IPAddress,
		session.UserAgent,
		session.CreatedAt,
		session.ExpiresAt,
	); err != nil {
		return models.Session{}, err
	}
	return session, nil
}

func (r *SessionRepository) GetByID(ctx context.Context, id string) (models.Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	return scanSession(row)
}

// Revoke marks a session revoked. Revoking an already revoked session is a
// successful no-op that keeps the original revocation fields.
func (r *SessionRepository) Revoke(ctx context.Context, id, reason, revokedBy string) error {
	const query = `
		UPDATE sessions
		SET revoked_at = $2, revoked_by = $3, revoked_reason = $4
		WHERE id = $1 AND revoked_at IS NULL
	`
	res, err := r.db.ExecContext(ctx, query, id, r.now().UTC(), nullString(revokedBy), nullString(reason))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM sessions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrSessionNotFound
	}
	return nil
}

// IsValid reports whether the session exists, is unrevoked and unexpired.
func (r *SessionRepository) IsValid(ctx context.Context, id string) (bool, error) {
	const query = `
		SELECT EXISTS(
			SELECT 1 FROM sessions WHERE id = $1 AND revoked_at IS NULL AND expires_at > $2
		)
	`
	var valid bool
	if err := r.db.QueryRowContext(ctx, query, id, r.now().UTC()).Scan(&valid); err != nil {
		return false, err
	}
	return valid, nil
}

func (r *SessionRepository) CountActive(ctx context.Context, identityID string) (int, error) {
	const query = `
		SELECT COUNT(*) FROM sessions WHERE identity_id = $1 AND revoked_at IS NULL AND expires_at > $2
	`
	var count int
	if err := r.db.QueryRowContext(ctx, query, identityID, r.now().UTC()).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (r *SessionRepository) ListActive(ctx context.Context, identityID string) ([]models.Session, error) {
	const query = `
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE identity_id = $1 AND revoked_at IS NULL AND expires_at > $2
		ORDER BY created_at DESC
	`
	rows, err := r.db.QueryContext(ctx, query, identityID, r.now().UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// RevokeAllForIdentity revokes every session of the identity that is still
// unrevoked when the statement runs, except exceptID when set. It returns the
// ids it revoked.
func (r *SessionRepository) RevokeAllForIdentity(ctx context.Context, identityID, reason, revokedBy, exceptID string) ([]string, error) {
	const query = `
		UPDATE sessions
		SET revoked_at = $2, revoked_by = $3, revoked_reason = $4
		WHERE identity_id = $1 AND revoked_at IS NULL AND id <> $5
		RETURNING id
	`
	rows, err := r.db.QueryContext(ctx, query, identityID, r.now().UTC(), nullString(revokedBy), nullString(reason), exceptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var revoked []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		revoked = append(revoked, id)
	}
	return revoked, rows.Err()
}

func scanSession(row rowScanner) (models.Session, error) {
	var (
		session   models.Session
		revokedAt sql.NullTime
		revokedBy sql.NullString
		reason    sql.NullString
	)
	if err := row.Scan(
		&session.ID,
		&session.IdentityID,
		&session.TokenHash,
		&session.Application,
		&session.IPAddress,
		&session.UserAgent,
		&session.CreatedAt,
		&session.ExpiresAt,
		&session.LastActiveAt,
		&revokedAt,
		&revokedBy,
		&reason,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Session{}, ErrSessionNotFound
		}
		return models.Session{}, err
	}
	session.RevokedAt = timePtr(revokedAt)
	session.RevokedBy = stringPtr(revokedBy)
	session.RevokedReason = stringPtr(reason)
	return session, nil
}
