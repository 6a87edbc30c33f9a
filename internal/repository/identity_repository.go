package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"portalauth/internal/models"
)

var ErrIdentityNotFound = errors.New("identity not found")

const identityColumns = `id, email, password_hash, display_name, role, tenant_id, status,
	failed_attempts, locked_until, auth_mode, external_id, migrated_at, migrated_by,
	password_reset_required, last_login_at, created_at, updated_at`

type IdentityRepository struct {
	db *sql.DB
}

func NewIdentityRepository(db *sql.DB) *IdentityRepository {
	return &IdentityRepository{db: db}
}

func (r *IdentityRepository) GetByID(ctx context.Context, id string) (models.Identity, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+identityColumns+` FROM identities WHERE id = $1`, id)
	return scanIdentity(row)
}

func (r *IdentityRepository) FindByEmail(ctx context.Context, email string) (models.Identity, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+identityColumns+` FROM identities WHERE email = $1`, email)
	return scanIdentity(row)
}

func (r *IdentityRepository) FindByExternalID(ctx context.Context, externalID string) (models.Identity, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+identityColumns+` FROM identities WHERE external_id = $1`, externalID)
	return scanIdentity(row)
}

// RecordFailedAttempt increments the counter atomically and returns the new
// value.
func (r *IdentityRepository) RecordFailedAttempt(ctx context.Context, id string) (int, error) {
	const query = `
		UPDATE identities
		SET failed_attempts = failed_attempts + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING failed_attempts
	`
	var attempts int
	if err := r.db.QueryRowContext(ctx, query, id).Scan(&attempts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrIdentityNotFound
		}
		return 0, err
	}
	return attempts, nil
}

func (r *IdentityRepository) SetLockedUntil(ctx context.Context, id string, until time.Time) error {
	const query = `UPDATE identities SET locked_until = $2, updated_at = NOW() WHERE id = $1`
	return r.execOne(ctx, query, id, until)
}

// ResetFailedAttempts clears both the counter and any lock.
func (r *IdentityRepository) ResetFailedAttempts(ctx context.Context, id string) error {
	const query = `
		UPDATE identities SET failed_attempts = 0, locked_until = NULL, updated_at = NOW() WHERE id = $1
	`
	return r.execOne(ctx, query, id)
}

func (r *IdentityRepository) UpdateLastLogin(ctx context.Context, id string, at time.Time) error {
	const query = `UPDATE identities SET last_login_at = $2, updated_at = NOW() WHERE id = $1`
	return r.execOne(ctx, query, id, at)
}

// UpdatePassword stores a new hash and clears lockout and reset flags.
func (r *IdentityRepository) UpdatePassword(ctx context.Context, id string, hash []byte) error {
	const query = `
		UPDATE identities
		SET password_hash = $2,
		    password_reset_required = FALSE,
		    failed_attempts = 0,
		    locked_until = NULL,
		    updated_at = NOW()
		WHERE id = $1
	`
	return r.execOne(ctx, query, id, hash)
}

// Activate sets the first password of a pending identity and makes it active.
func (r *IdentityRepository) Activate(ctx context.Context, id string, hash []byte) error {
	const query = `
		UPDATE identities
		SET password_hash = $2,
		    status = 'active',
		    password_reset_required = FALSE,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'pending-activation'
	`
	return r.execOne(ctx, query, id, hash)
}

func (r *IdentityRepository) SetAuthMode(ctx context.Context, id string, mode models.AuthMode) error {
	const query = `UPDATE identities SET auth_mode = $2, updated_at = NOW() WHERE id = $1`
	return r.execOne(ctx, query, id, mode)
}

// MarkMigrated completes a migration to the custom provider.
func (r *IdentityRepository) MarkMigrated(ctx context.Context, id, migratedBy string, at time.Time, resetRequired bool) error {
	const query = `
		UPDATE identities
		SET auth_mode = 'custom',
		    migrated_at = $2,
		    migrated_by = $3,
		    password_reset_required = $4,
		    updated_at = NOW()
		WHERE id = $1
	`
	return r.execOne(ctx, query, id, at, migratedBy, resetRequired)
}

// MarkRolledBack hands the identity back to the delegated provider.
func (r *IdentityRepository) MarkRolledBack(ctx context.Context, id string) error {
	const query = `
		UPDATE identities
		SET auth_mode = 'delegated',
		    migrated_at = NULL,
		    migrated_by = NULL,
		    password_reset_required = FALSE,
		    updated_at = NOW()
		WHERE id = $1
	`
	return r.execOne(ctx, query, id)
}

func (r *IdentityRepository) CountByAuthMode(ctx context.Context) (map[models.AuthMode]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT auth_mode, COUNT(*) FROM identities GROUP BY auth_mode`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[models.AuthMode]int{
		models.AuthModeDelegated: 0,
		models.AuthModeCustom:    0,
		models.AuthModeMigrating: 0,
	}
	for rows.Next() {
		var (
			mode  models.AuthMode
			count int
		)
		if err := rows.Scan(&mode, &count); err != nil {
			return nil, err
		}
		counts[mode] = count
	}
	return counts, rows.Err()
}

// ListMigrationCandidates returns delegated identities, most recently active
// first. A non-positive limit returns every candidate.
func (r *IdentityRepository) ListMigrationCandidates(ctx context.Context, limit int) ([]models.Identity, error) {
	const query = `
		SELECT ` + identityColumns + `
		FROM identities
		WHERE auth_mode = 'delegated' AND status IN ('active', 'pending-activation')
		ORDER BY last_login_at DESC NULLS LAST, created_at ASC
		LIMIT $1
	`
	var arg any
	if limit > 0 {
		arg = limit
	}

	rows, err := r.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var identities []models.Identity
	for rows.Next() {
		identity, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		identities = append(identities, identity)
	}
	return identities, rows.Err()
}

func (r *IdentityRepository) execOne(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrIdentityNotFound
	}
	return nil
}

func scanIdentity(row rowScanner) (models.Identity, error) {
	var (
		identity    models.Identity
		tenantID    sql.NullString
		externalID  sql.NullString
		migratedBy  sql.NullString
		lockedUntil sql.NullTime
		migratedAt  sql.NullTime
		lastLogin   sql.NullTime
	)
	if err := row.Scan(
		&identity.ID,
		&identity.Email,
		&identity.PasswordHash,
		&identity.DisplayName,
		&identity.Role,
		&tenantID,
		&identity.Status,
		&identity.FailedAttempts,
		&lockedUntil,
		&identity.AuthMode,
		&externalID,
		&migratedAt,
		&migratedBy,
		&identity.PasswordResetRequired,
		&lastLogin,
		&identity.CreatedAt,
		&identity.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Identity{}, ErrIdentityNotFound
		}
		return models.Identity{}, err
	}

	identity.TenantID = stringPtr(tenantID)
	identity.ExternalID = stringPtr(externalID)
	identity.MigratedBy = stringPtr(migratedBy)
	identity.LockedUntil = timePtr(lockedUntil)
	identity.MigratedAt = timePtr(migratedAt)
	identity.LastLoginAt = timePtr(lastLogin)
	return identity, nil
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
