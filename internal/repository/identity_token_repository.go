package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"portalauth/internal/ids"
	"portalauth/internal/models"
)

var (
	ErrTokenNotFound    = errors.New("identity token not found")
	ErrTokenInvalidated = errors.New("identity token invalidated")
	ErrTokenUsed        = errors.New("identity token already used")
	ErrTokenExpired     = errors.New("identity token expired")
)

type IdentityTokenRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewIdentityTokenRepository(db *sql.DB) *IdentityTokenRepository {
	return &IdentityTokenRepository{db: db, now: time.Now}
}

func (r *IdentityTokenRepository) WithClock(now func() time.Time) *IdentityTokenRepository {
	r.now = now
	return r
}

// Issue stores a new token and invalidates every unconsumed token of the same
// kind for the identity, so only the latest link works.
func (r *IdentityTokenRepository) Issue(ctx context.Context, identityID string, kind models.TokenKind, tokenHash string, expiresAt time.Time) (models.IdentityToken, error) {
	now := r.now().UTC()
	token := models.IdentityToken{
		ID:         ids.New(),
		IdentityID: identityID,
		Kind:       kind,
		TokenHash:  tokenHash,
		ExpiresAt:  expiresAt.UTC(),
		CreatedAt:  now,
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return models.IdentityToken{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE identity_tokens
		SET invalidated_at = $3
		WHERE identity_id = $1 AND kind = $2 AND used_at IS NULL AND invalidated_at IS NULL
	`, identityID, kind, now); err != nil {
		return models.IdentityToken{}, fmt.Errorf("invalidate previous tokens: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO identity_tokens (id, identity_id, kind, token_hash, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, token.ID, token.IdentityID, token.Kind, token.TokenHash, token.ExpiresAt, token.CreatedAt); err != nil {
		return models.IdentityToken{}, fmt.Errorf("insert token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return models.IdentityToken{}, fmt.Errorf("commit: %w", err)
	}
	return token, nil
}

// Consume marks a token used. The conditional update guarantees at most one
// caller succeeds for a given token.
func (r *IdentityTokenRepository) Consume(ctx context.Context, kind models.TokenKind, tokenHash string) (models.IdentityToken, error) {
	const lookup = `
		SELECT id, identity_id, kind, token_hash, expires_at, used_at, invalidated_at, created_at
		FROM identity_tokens
		WHERE token_hash = $1 AND kind = $2
	`
	var (
		token       models.IdentityToken
		usedAt      sql.NullTime
		invalidated sql.NullTime
	)
	if err := r.db.QueryRowContext(ctx, lookup, tokenHash, kind).Scan(
		&token.ID,
		&token.IdentityID,
		&token.Kind,
		&token.TokenHash,
		&token.ExpiresAt,
		&usedAt,
		&invalidated,
		&token.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.IdentityToken{}, ErrTokenNotFound
		}
		return models.IdentityToken{}, err
	}

	now := r.now().UTC()
	switch {
	case usedAt.Valid:
		return models.IdentityToken{}, ErrTokenUsed
	case invalidated.Valid:
		return models.IdentityToken{}, ErrTokenInvalidated
	case !token.ExpiresAt.After(now):
		return models.IdentityToken{}, ErrTokenExpired
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE identity_tokens SET used_at = $2 WHERE id = $1 AND used_at IS NULL AND invalidated_at IS NULL
	`, token.ID, now)
	if err != nil {
		return models.IdentityToken{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return models.IdentityToken{}, err
	}
	if affected == 0 {
		return models.IdentityToken{}, ErrTokenUsed
	}

	token.UsedAt = &now
	return token, nil
}
