// Package migration moves identities from the delegated provider to the
// custom provider in growing cohorts, and back again when needed.
package migration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"portalauth/internal/models"
	"portalauth/internal/repository"
)

type Cohort string

const (
	CohortPilot Cohort = "pilot"
	CohortWave1 Cohort = "wave1"
	CohortWave2 Cohort = "wave2"
	CohortFinal Cohort = "final"
)

// DefaultRollbackWindow is how long after migration a rollback is considered
// routine.
const DefaultRollbackWindow = 24 * time.Hour

var (
	ErrUnknownCohort     = errors.New("unknown cohort")
	ErrCohortOutOfOrder  = errors.New("cohort is ahead of the current rollout stage")
	ErrCohortCompleted   = errors.New("cohort already completed")
	ErrAlreadyMigrated   = errors.New("identity already uses the custom provider")
	ErrNotMigrated       = errors.New("identity has not been migrated")
	ErrIdentityNotFound  = errors.New("identity not found")
	ErrNothingToMigrate  = errors.New("no eligible identities remain")
	errRestoreAuthMode   = errors.New("restore auth mode after failed migration")
	errMissingMigratedAt = errors.New("migrated identity has no migrated_at")
)

type stage struct {
	cohort Cohort
	size   int // zero means everything that remains
}

var stages = []stage{
	{CohortPilot, 5},
	{CohortWave1, 30},
	{CohortWave2, 100},
	{CohortFinal, 0},
}

func ParseCohort(s string) (Cohort, error) {
	c := Cohort(strings.ToLower(strings.TrimSpace(s)))
	for _, st := range stages {
		if st.cohort == c {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCohort, s)
}

// Threshold is the cumulative number of custom identities at which the
// cohort counts as complete. It is zero for the final cohort.
func (c Cohort) Threshold() int {
	total := 0
	for _, st := range stages {
		if st.size == 0 {
			return 0
		}
		total += st.size
		if st.cohort == c {
			return total
		}
	}
	return 0
}

func (c Cohort) index() int {
	for i, st := range stages {
		if st.cohort == c {
			return i
		}
	}
	return -1
}

// NextCohort derives the rollout stage from the number of identities already
// on the custom provider.
func NextCohort(customCount int) Cohort {
	for _, st := range stages {
		if st.size == 0 || customCount < st.cohort.Threshold() {
			return st.cohort
		}
	}
	return CohortFinal
}

type IdentityStore interface {
	GetByID(ctx context.Context, id string) (models.Identity, error)
	SetAuthMode(ctx context.Context, id string, mode models.AuthMode) error
	MarkMigrated(ctx context.Context, id, migratedBy string, at time.Time, resetRequired bool) error
	MarkRolledBack(ctx context.Context, id string) error
	CountByAuthMode(ctx context.Context) (map[models.AuthMode]int, error)
	ListMigrationCandidates(ctx context.Context, limit int) ([]models.Identity, error)
}

type SessionRevoker interface {
	RevokeAll(ctx context.Context, identityID, reason, initiatingApp string, actor models.Actor) (int, error)
}

// PasswordSetup delivers a first-password link to an identity that has none.
type PasswordSetup interface {
	SendPasswordSetup(ctx context.Context, identity models.Identity) error
}

type AuditRecorder interface {
	Record(event models.AuditEvent)
}

type Options struct {
	RollbackWindow time.Duration
}

type Controller struct {
	identities IdentityStore
	revoker    SessionRevoker
	setup      PasswordSetup
	audit      AuditRecorder
	window     time.Duration
	now        func() time.Time
	log        zerolog.Logger
}

func NewController(identities IdentityStore, revoker SessionRevoker, setup PasswordSetup, audit AuditRecorder, opts Options, log zerolog.Logger) *Controller {
	window := opts.RollbackWindow
	if window <= 0 {
		window = DefaultRollbackWindow
	}
	return &Controller{
		identities: identities,
		revoker:    revoker,
		setup:      setup,
		audit:      audit,
		window:     window,
		now:        time.Now,
		log:        log.With().Str("component", "migration").Logger(),
	}
}

// WithClock replaces the time source. Intended for tests.
func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.now = now
	return c
}

type Result struct {
	IdentityID            string    `json:"identityId"`
	Email                 string    `json:"email"`
	RevokedSessions       int       `json:"revokedSessions"`
	PasswordResetRequired bool      `json:"passwordResetRequired"`
	PasswordSetupSent     bool      `json:"passwordSetupSent"`
	MigratedAt            time.Time `json:"migratedAt"`
}

// MigrateOne hands a delegated identity to the custom provider. Every
// existing session is revoked so the next request re-authenticates under the
// new provider.
func (c *Controller) MigrateOne(ctx context.Context, identityID string, admin models.Actor, notes string) (Result, error) {
	identity, err := c.load(ctx, identityID)
	if err != nil {
		return Result{}, err
	}
	if identity.AuthMode == models.AuthModeCustom {
		return Result{}, ErrAlreadyMigrated
	}
	previous := identity.AuthMode

	if err := c.identities.SetAuthMode(ctx, identity.ID, models.AuthModeMigrating); err != nil {
		return Result{}, fmt.Errorf("mark migrating: %w", err)
	}

	revoked, err := c.revoker.RevokeAll(ctx, identity.ID, "migration", "migration", admin)
	if err != nil {
		return Result{}, c.restore(ctx, identity.ID, previous, fmt.Errorf("revoke sessions: %w", err))
	}

	now := c.now().UTC()
	resetRequired := !identity.HasPassword()
	if err := c.identities.MarkMigrated(ctx, identity.ID, admin.ID, now, resetRequired); err != nil {
		return Result{}, c.restore(ctx, identity.ID, previous, fmt.Errorf("mark migrated: %w", err))
	}

	result := Result{
		IdentityID:            identity.ID,
		Email:                 identity.Email,
		RevokedSessions:       revoked,
		PasswordResetRequired: resetRequired,
		MigratedAt:            now,
	}
	if resetRequired && c.setup != nil {
		if err := c.setup.SendPasswordSetup(ctx, identity); err != nil {
			c.log.Error().Err(err).Str("identity_id", identity.ID).Msg("failed to send password setup after migration")
		} else {
			result.PasswordSetupSent = true
		}
	}

	event := models.NewAuditEvent(models.AuditMigrated, admin, models.ResourceIdentity, identity.ID)
	event.PreviousState = map[string]any{"auth_mode": string(previous)}
	event.NewState = map[string]any{
		"auth_mode":               string(models.AuthModeCustom),
		"password_reset_required": resetRequired,
	}
	event.Metadata = map[string]any{
		"revoked_sessions":    revoked,
		"password_setup_sent": result.PasswordSetupSent,
	}
	if notes != "" {
		event.Metadata["notes"] = notes
	}
	c.audit.Record(event)

	c.log.Info().Str("identity_id", identity.ID).Str("admin_id", admin.ID).
		Bool("reset_required", resetRequired).Int("revoked", revoked).Msg("identity migrated")
	return result, nil
}

func (c *Controller) restore(ctx context.Context, identityID string, mode models.AuthMode, cause error) error {
	if err := c.identities.SetAuthMode(ctx, identityID, mode); err != nil {
		c.log.Error().Err(err).Str("identity_id", identityID).Msg("failed to restore auth mode")
		return errors.Join(cause, fmt.Errorf("%w: %v", errRestoreAuthMode, err))
	}
	return cause
}

type Failure struct {
	IdentityID string `json:"identityId"`
	Email      string `json:"email"`
	Error      string `json:"error"`
}

type BatchResult struct {
	Cohort    Cohort    `json:"cohort"`
	Requested int       `json:"requested"`
	Migrated  []Result  `json:"migrated"`
	Failures  []Failure `json:"failures"`
}

// MigrateNextCohort migrates the next batch of eligible identities, most
// recently active first. cohort must be the stage derived from the current
// custom count. A failing identity does not stop the batch.
func (c *Controller) MigrateNextCohort(ctx context.Context, cohort Cohort, admin models.Actor) (BatchResult, error) {
	if cohort.index() < 0 {
		return BatchResult{}, fmt.Errorf("%w: %q", ErrUnknownCohort, cohort)
	}
	counts, err := c.identities.CountByAuthMode(ctx)
	if err != nil {
		return BatchResult{}, fmt.Errorf("count identities: %w", err)
	}
	custom := counts[models.AuthModeCustom]
	next := NextCohort(custom)

	switch {
	case cohort.index() > next.index():
		return BatchResult{}, fmt.Errorf("%w: next cohort is %s", ErrCohortOutOfOrder, next)
	case cohort.index() < next.index():
		return BatchResult{}, fmt.Errorf("%w: %s", ErrCohortCompleted, cohort)
	}

	limit := 0
	if threshold := cohort.Threshold(); threshold > 0 {
		limit = threshold - custom
	}
	candidates, err := c.identities.ListMigrationCandidates(ctx, limit)
	if err != nil {
		return BatchResult{}, fmt.Errorf("list candidates: %w", err)
	}
	if len(candidates) == 0 {
		return BatchResult{}, ErrNothingToMigrate
	}

	batch := BatchResult{Cohort: cohort, Requested: len(candidates)}
	for _, identity := range candidates {
		if err := ctx.Err(); err != nil {
			batch.Failures = append(batch.Failures, Failure{IdentityID: identity.ID, Email: identity.Email, Error: err.Error()})
			continue
		}
		result, err := c.MigrateOne(ctx, identity.ID, admin, "cohort "+string(cohort))
		if err != nil {
			c.log.Warn().Err(err).Str("identity_id", identity.ID).Str("cohort", string(cohort)).Msg("cohort migration failed for identity")
			batch.Failures = append(batch.Failures, Failure{IdentityID: identity.ID, Email: identity.Email, Error: err.Error()})
			continue
		}
		batch.Migrated = append(batch.Migrated, result)
	}

	c.log.Info().Str("cohort", string(cohort)).Int("migrated", len(batch.Migrated)).
		Int("failed", len(batch.Failures)).Msg("cohort migration finished")
	return batch, nil
}

type RollbackResult struct {
	IdentityID      string        `json:"identityId"`
	RevokedSessions int           `json:"revokedSessions"`
	Late            bool          `json:"late"`
	Warning         string        `json:"warning,omitempty"`
	SinceMigration  time.Duration `json:"sinceMigration"`
}

// RollbackOne returns a migrated identity to the delegated provider. A
// rollback after the window still succeeds but is flagged for review.
func (c *Controller) RollbackOne(ctx context.Context, identityID string, admin models.Actor, reason string) (RollbackResult, error) {
	identity, err := c.load(ctx, identityID)
	if err != nil {
		return RollbackResult{}, err
	}
	if identity.AuthMode == models.AuthModeDelegated {
		return RollbackResult{}, ErrNotMigrated
	}

	now := c.now().UTC()
	result := RollbackResult{IdentityID: identity.ID}
	if identity.MigratedAt != nil {
		result.SinceMigration = now.Sub(*identity.MigratedAt)
		result.Late = result.SinceMigration > c.window
	} else if identity.AuthMode == models.AuthModeCustom {
		c.log.Warn().Err(errMissingMigratedAt).Str("identity_id", identity.ID).Msg("rolling back identity without migration timestamp")
	}

	if err := c.identities.MarkRolledBack(ctx, identity.ID); err != nil {
		return RollbackResult{}, fmt.Errorf("mark rolled back: %w", err)
	}
	revoked, err := c.revoker.RevokeAll(ctx, identity.ID, "migration_rollback", "migration", admin)
	if err != nil {
		return RollbackResult{}, fmt.Errorf("revoke sessions: %w", err)
	}
	result.RevokedSessions = revoked

	event := models.NewAuditEvent(models.AuditRolledBack, admin, models.ResourceIdentity, identity.ID)
	event.PreviousState = map[string]any{"auth_mode": string(identity.AuthMode)}
	event.NewState = map[string]any{"auth_mode": string(models.AuthModeDelegated)}
	event.Metadata = map[string]any{"reason": reason, "revoked_sessions": revoked, "late": result.Late}
	c.audit.Record(event)

	if result.Late {
		result.Warning = fmt.Sprintf("late rollback: identity was migrated %s ago, beyond the %s rollback window",
			result.SinceMigration.Round(time.Minute), c.window)

		late := models.NewAuditEvent(models.AuditLateRollback, admin, models.ResourceIdentity, identity.ID)
		late.Metadata = map[string]any{
			"reason":          reason,
			"migrated_at":     identity.MigratedAt.UTC(),
			"since_migration": result.SinceMigration.String(),
			"rollback_window": c.window.String(),
		}
		c.audit.Record(late)
		c.log.Warn().Str("identity_id", identity.ID).Str("admin_id", admin.ID).
			Dur("since_migration", result.SinceMigration).Msg("late migration rollback")
	}

	c.log.Info().Str("identity_id", identity.ID).Str("admin_id", admin.ID).Int("revoked", revoked).Msg("identity rolled back")
	return result, nil
}

type Status struct {
	Counts         map[models.AuthMode]int `json:"counts"`
	Current        Cohort                  `json:"current,omitempty"`
	Next           Cohort                  `json:"next"`
	NextBatchSize  int                     `json:"nextBatchSize"`
	RollbackWindow string                  `json:"rollbackWindow"`
}

// Status reports identity counts per auth mode and the rollout stage they
// imply. NextBatchSize is zero for the final cohort, which takes everything
// left.
func (c *Controller) Status(ctx context.Context) (Status, error) {
	counts, err := c.identities.CountByAuthMode(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("count identities: %w", err)
	}
	custom := counts[models.AuthModeCustom]
	next := NextCohort(custom)

	status := Status{Counts: counts, Next: next, RollbackWindow: c.window.String()}
	if i := next.index(); i > 0 {
		status.Current = stages[i-1].cohort
	}
	if threshold := next.Threshold(); threshold > 0 {
		status.NextBatchSize = threshold - custom
	}
	return status, nil
}

func (c *Controller) load(ctx context.Context, identityID string) (models.Identity, error) {
	identity, err := c.identities.GetByID(ctx, identityID)
	if errors.Is(err, repository.ErrIdentityNotFound) {
		return models.Identity{}, ErrIdentityNotFound
	}
	if err != nil {
		return models.Identity{}, fmt.Errorf("load identity: %w", err)
	}
	return identity, nil
}
