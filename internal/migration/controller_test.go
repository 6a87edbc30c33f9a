package migration

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"portalauth/internal/models"
	"portalauth/internal/repository"
)

type memoryIdentities struct {
	mu      sync.Mutex
	rows    map[string]models.Identity
	failIDs map[string]bool
}

func newMemoryIdentities() *memoryIdentities {
	return &memoryIdentities{rows: map[string]models.Identity{}, failIDs: map[string]bool{}}
}

func (m *memoryIdentities) GetByID(_ context.Context, id string) (models.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	identity, ok := m.rows[id]
	if !ok {
		return models.Identity{}, repository.ErrIdentityNotFound
	}
	return identity, nil
}

func (m *memoryIdentities) SetAuthMode(_ context.Context, id string, mode models.AuthMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	identity := m.rows[id]
	identity.AuthMode = mode
	m.rows[id] = identity
	return nil
}

func (m *memoryIdentities) MarkMigrated(_ context.Context, id, by string, at time.Time, resetRequired bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failIDs[id] {
		return errors.New("connection reset")
	}
	identity := m.rows[id]
	identity.AuthMode = models.AuthModeCustom
	identity.MigratedAt = &at
	identity.MigratedBy = &by
	identity.PasswordResetRequired = resetRequired
	m.rows[id] = identity
	return nil
}

func (m *memoryIdentities) MarkRolledBack(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	identity := m.rows[id]
	identity.AuthMode = models.AuthModeDelegated
	identity.MigratedAt = nil
	identity.MigratedBy = nil
	identity.PasswordResetRequired = false
	m.rows[id] = identity
	return nil
}

func (m *memoryIdentities) CountByAuthMode(context.Context) (map[models.AuthMode]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[models.AuthMode]int{}
	for _, identity := range m.rows {
		counts[identity.AuthMode]++
	}
	return counts, nil
}

func (m *memoryIdentities) ListMigrationCandidates(_ context.Context, limit int) ([]models.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Identity
	for _, identity := range m.rows {
		if identity.AuthMode == models.AuthModeDelegated &&
			(identity.Status == models.IdentityStatusActive || identity.Status == models.IdentityStatusPending) {
			out = append(out, identity)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastLoginAt.After(*out[j].LastLoginAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type countingRevoker struct {
	calls   []string
	revoked int
}

func (r *countingRevoker) RevokeAll(_ context.Context, identityID, reason, _ string, _ models.Actor) (int, error) {
	r.calls = append(r.calls, identityID+":"+reason)
	return r.revoked, nil
}

type recordingSetup struct {
	sent []string
}

func (r *recordingSetup) SendPasswordSetup(_ context.Context, identity models.Identity) error {
	r.sent = append(r.sent, identity.ID)
	return nil
}

type recordingAudit struct {
	events []models.AuditEvent
}

func (r *recordingAudit) Record(event models.AuditEvent) { r.events = append(r.events, event) }

func (r *recordingAudit) count(action string) int {
	n := 0
	for _, e := range r.events {
		if e.Action == action {
			n++
		}
	}
	return n
}

type fixture struct {
	now        time.Time
	identities *memoryIdentities
	revoker    *countingRevoker
	setup      *recordingSetup
	audit      *recordingAudit
	controller *Controller
}

var admin = models.Actor{ID: "op-1", Email: "ops@example.com", Role: models.RoleOperatorAdmin}

func newFixture(t *testing.T, delegated int) *fixture {
	t.Helper()
	f := &fixture{
		now:        time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC),
		identities: newMemoryIdentities(),
		revoker:    &countingRevoker{revoked: 2},
		setup:      &recordingSetup{},
		audit:      &recordingAudit{},
	}
	for i := 0; i < delegated; i++ {
		lastLogin := f.now.Add(-time.Duration(i) * time.Hour)
		external := fmt.Sprintf("user_%03d", i)
		identity := models.Identity{
			ID:           fmt.Sprintf("id-%03d", i),
			Email:        fmt.Sprintf("user%03d@example.com", i),
			Status:       models.IdentityStatusActive,
			AuthMode:     models.AuthModeDelegated,
			ExternalID:   &external,
			LastLoginAt:  &lastLogin,
			PasswordHash: []byte("$argon2id$stub"),
		}
		if i%2 == 1 {
			identity.PasswordHash = nil
		}
		f.identities.rows[identity.ID] = identity
	}
	f.controller = NewController(f.identities, f.revoker, f.setup, f.audit, Options{}, zerolog.Nop()).
		WithClock(func() time.Time { return f.now })
	return f
}

func TestNextCohortThresholds(t *testing.T) {
	cases := map[int]Cohort{
		0:   CohortPilot,
		4:   CohortPilot,
		5:   CohortWave1,
		34:  CohortWave1,
		35:  CohortWave2,
		134: CohortWave2,
		135: CohortFinal,
		900: CohortFinal,
	}
	for count, want := range cases {
		if got := NextCohort(count); got != want {
			t.Fatalf("NextCohort(%d) = %s, want %s", count, got, want)
		}
	}
	if CohortWave2.Threshold() != 135 || CohortFinal.Threshold() != 0 {
		t.Fatalf("unexpected thresholds: wave2=%d final=%d", CohortWave2.Threshold(), CohortFinal.Threshold())
	}
	if _, err := ParseCohort("Wave1"); err != nil {
		t.Fatalf("ParseCohort: %v", err)
	}
	if _, err := ParseCohort("wave9"); !errors.Is(err, ErrUnknownCohort) {
		t.Fatalf("expected ErrUnknownCohort, got %v", err)
	}
}

func TestMigrateOneRevokesAndRequiresSetupWithoutPassword(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	withPassword, err := f.controller.MigrateOne(ctx, "id-000", admin, "early adopter")
	if err != nil {
		t.Fatalf("MigrateOne: %v", err)
	}
	if withPassword.PasswordResetRequired || withPassword.PasswordSetupSent {
		t.Fatalf("identity with a password should not need setup: %+v", withPassword)
	}
	if withPassword.RevokedSessions != 2 {
		t.Fatalf("expected 2 revoked sessions, got %d", withPassword.RevokedSessions)
	}

	withoutPassword, err := f.controller.MigrateOne(ctx, "id-001", admin, "")
	if err != nil {
		t.Fatalf("MigrateOne: %v", err)
	}
	if !withoutPassword.PasswordResetRequired || !withoutPassword.PasswordSetupSent {
		t.Fatalf("identity without a password must get setup: %+v", withoutPassword)
	}
	if len(f.setup.sent) != 1 || f.setup.sent[0] != "id-001" {
		t.Fatalf("unexpected setup deliveries: %v", f.setup.sent)
	}

	stored := f.identities.rows["id-001"]
	if stored.AuthMode != models.AuthModeCustom || !stored.PasswordResetRequired || stored.MigratedAt == nil {
		t.Fatalf("unexpected stored identity: %+v", stored)
	}
	if len(f.revoker.calls) != 2 || f.revoker.calls[0] != "id-000:migration" {
		t.Fatalf("unexpected revocations: %v", f.revoker.calls)
	}
	if f.audit.count(models.AuditMigrated) != 2 {
		t.Fatalf("expected 2 migration audits, got %d", f.audit.count(models.AuditMigrated))
	}

	if _, err := f.controller.MigrateOne(ctx, "id-000", admin, ""); !errors.Is(err, ErrAlreadyMigrated) {
		t.Fatalf("expected ErrAlreadyMigrated, got %v", err)
	}
	if _, err := f.controller.MigrateOne(ctx, "missing", admin, ""); !errors.Is(err, ErrIdentityNotFound) {
		t.Fatalf("expected ErrIdentityNotFound, got %v", err)
	}
}

func TestMigrateOneRestoresModeOnFailure(t *testing.T) {
	f := newFixture(t, 1)
	f.identities.failIDs["id-000"] = true

	if _, err := f.controller.MigrateOne(context.Background(), "id-000", admin, ""); err == nil {
		t.Fatal("expected migration failure")
	}
	if mode := f.identities.rows["id-000"].AuthMode; mode != models.AuthModeDelegated {
		t.Fatalf("auth mode should be restored, got %s", mode)
	}
}

func TestCohortRolloutInOrder(t *testing.T) {
	f := newFixture(t, 40)
	ctx := context.Background()

	if _, err := f.controller.MigrateNextCohort(ctx, CohortWave1, admin); !errors.Is(err, ErrCohortOutOfOrder) {
		t.Fatalf("expected ErrCohortOutOfOrder, got %v", err)
	}

	pilot, err := f.controller.MigrateNextCohort(ctx, CohortPilot, admin)
	if err != nil {
		t.Fatalf("pilot: %v", err)
	}
	if len(pilot.Migrated) != 5 || len(pilot.Failures) != 0 {
		t.Fatalf("unexpected pilot result: %+v", pilot)
	}
	// Most recently active identities go first.
	for _, r := range pilot.Migrated {
		if r.IdentityID > "id-004" {
			t.Fatalf("pilot picked %s ahead of more recent identities", r.IdentityID)
		}
	}

	if _, err := f.controller.MigrateNextCohort(ctx, CohortPilot, admin); !errors.Is(err, ErrCohortCompleted) {
		t.Fatalf("expected ErrCohortCompleted, got %v", err)
	}

	f.identities.failIDs["id-010"] = true
	wave1, err := f.controller.MigrateNextCohort(ctx, CohortWave1, admin)
	if err != nil {
		t.Fatalf("wave1: %v", err)
	}
	if wave1.Requested != 30 || len(wave1.Migrated) != 29 || len(wave1.Failures) != 1 {
		t.Fatalf("unexpected wave1 result: requested=%d migrated=%d failed=%d", wave1.Requested, len(wave1.Migrated), len(wave1.Failures))
	}
	if wave1.Failures[0].IdentityID != "id-010" {
		t.Fatalf("unexpected failure: %+v", wave1.Failures[0])
	}

	status, err := f.controller.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Counts[models.AuthModeCustom] != 34 || status.Next != CohortWave1 || status.NextBatchSize != 1 {
		t.Fatalf("unexpected status: %+v", status)
	}
	if status.Current != CohortPilot {
		t.Fatalf("expected current cohort pilot, got %s", status.Current)
	}
}

func TestRollbackWithinWindowHasNoWarning(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	if _, err := f.controller.MigrateOne(ctx, "id-000", admin, ""); err != nil {
		t.Fatalf("MigrateOne: %v", err)
	}
	result, err := f.controller.RollbackOne(ctx, "id-000", admin, "pilot feedback")
	if err != nil {
		t.Fatalf("RollbackOne: %v", err)
	}
	if result.Late || result.Warning != "" {
		t.Fatalf("immediate rollback must not warn: %+v", result)
	}

	stored := f.identities.rows["id-000"]
	if stored.AuthMode != models.AuthModeDelegated || stored.MigratedAt != nil {
		t.Fatalf("unexpected stored identity: %+v", stored)
	}
	if f.audit.count(models.AuditRolledBack) != 1 || f.audit.count(models.AuditLateRollback) != 0 {
		t.Fatalf("unexpected audit trail: %+v", f.audit.events)
	}
	if last := f.revoker.calls[len(f.revoker.calls)-1]; last != "id-000:migration_rollback" {
		t.Fatalf("rollback should revoke sessions, last call %q", last)
	}

	if _, err := f.controller.RollbackOne(ctx, "id-000", admin, "again"); !errors.Is(err, ErrNotMigrated) {
		t.Fatalf("expected ErrNotMigrated, got %v", err)
	}
}

func TestLateRollbackSucceedsWithWarning(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	if _, err := f.controller.MigrateOne(ctx, "id-000", admin, ""); err != nil {
		t.Fatalf("MigrateOne: %v", err)
	}
	f.now = f.now.Add(25 * time.Hour)

	result, err := f.controller.RollbackOne(ctx, "id-000", admin, "provider incident")
	if err != nil {
		t.Fatalf("late rollback must still succeed: %v", err)
	}
	if !result.Late || result.Warning == "" {
		t.Fatalf("expected late rollback warning: %+v", result)
	}
	if result.SinceMigration != 25*time.Hour {
		t.Fatalf("unexpected time since migration: %s", result.SinceMigration)
	}
	if f.audit.count(models.AuditRolledBack) != 1 || f.audit.count(models.AuditLateRollback) != 1 {
		t.Fatalf("expected rollback and late-rollback audits, got %+v", f.audit.events)
	}
	if f.identities.rows["id-000"].AuthMode != models.AuthModeDelegated {
		t.Fatal("identity should be delegated after rollback")
	}
}
