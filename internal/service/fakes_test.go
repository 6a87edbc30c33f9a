package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"portalauth/internal/anomaly"
	"portalauth/internal/ids"
	"portalauth/internal/models"
	"portalauth/internal/notify"
	"portalauth/internal/provider"
	"portalauth/internal/ratelimit"
	"portalauth/internal/reputation"
	"portalauth/internal/repository"
	"portalauth/internal/security"
	"portalauth/internal/security/securitytest"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeIdentities struct {
	mu   sync.Mutex
	rows map[string]models.Identity
}

func (f *fakeIdentities) put(identity models.Identity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[identity.ID] = identity
}

func (f *fakeIdentities) get(id string) models.Identity {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[id]
}

func (f *fakeIdentities) update(id string, fn func(*models.Identity)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	identity, ok := f.rows[id]
	if !ok {
		return repository.ErrIdentityNotFound
	}
	fn(&identity)
	f.rows[id] = identity
	return nil
}

func (f *fakeIdentities) GetByID(_ context.Context, id string) (models.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if identity, ok := f.rows[id]; ok {
		return identity, nil
	}
	return models.Identity{}, repository.ErrIdentityNotFound
}

func (f *fakeIdentities) FindByEmail(_ context.Context, email string) (models.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, identity := range f.rows {
		if identity.Email == email {
			return identity, nil
		}
	}
	return models.Identity{}, repository.ErrIdentityNotFound
}

func (f *fakeIdentities) FindByExternalID(_ context.Context, externalID string) (models.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, identity := range f.rows {
		if identity.ExternalID != nil && *identity.ExternalID == externalID {
			return identity, nil
		}
	}
	return models.Identity{}, repository.ErrIdentityNotFound
}

func (f *fakeIdentities) RecordFailedAttempt(_ context.Context, id string) (int, error) {
	var attempts int
	err := f.update(id, func(i *models.Identity) {
		i.FailedAttempts++
		attempts = i.FailedAttempts
	})
	return attempts, err
}

func (f *fakeIdentities) SetLockedUntil(_ context.Context, id string, until time.Time) error {
	return f.update(id, func(i *models.Identity) { i.LockedUntil = &until })
}

func (f *fakeIdentities) ResetFailedAttempts(_ context.Context, id string) error {
	return f.update(id, func(i *models.Identity) {
		i.FailedAttempts = 0
		i.LockedUntil = nil
	})
}

func (f *fakeIdentities) UpdateLastLogin(_ context.Context, id string, at time.Time) error {
	return f.update(id, func(i *models.Identity) { i.LastLoginAt = &at })
}

func (f *fakeIdentities) UpdatePassword(_ context.Context, id string, hash []byte) error {
	return f.update(id, func(i *models.Identity) {
		i.PasswordHash = hash
		i.PasswordResetRequired = false
		i.FailedAttempts = 0
		i.LockedUntil = nil
	})
}

func (f *fakeIdentities) Activate(_ context.Context, id string, hash []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	identity, ok := f.rows[id]
	if !ok || identity.Status != models.IdentityStatusPending {
		return repository.ErrIdentityNotFound
	}
	identity.PasswordHash = hash
	identity.Status = models.IdentityStatusActive
	f.rows[id] = identity
	return nil
}

func (f *fakeIdentities) SetAuthMode(_ context.Context, id string, mode models.AuthMode) error {
	return f.update(id, func(i *models.Identity) { i.AuthMode = mode })
}

func (f *fakeIdentities) MarkMigrated(_ context.Context, id, by string, at time.Time, resetRequired bool) error {
	return f.update(id, func(i *models.Identity) {
		i.AuthMode = models.AuthModeCustom
		i.MigratedAt = &at
		i.MigratedBy = &by
		i.PasswordResetRequired = resetRequired
	})
}

func (f *fakeIdentities) MarkRolledBack(_ context.Context, id string) error {
	return f.update(id, func(i *models.Identity) {
		i.AuthMode = models.AuthModeDelegated
		i.MigratedAt = nil
		i.MigratedBy = nil
		i.PasswordResetRequired = false
	})
}

type fakeSessions struct {
	mu   sync.Mutex
	now  func() time.Time
	rows map[string]models.Session
}

func (f *fakeSessions) Create(_ context.Context, identityID string, meta models.SessionMetadata) (models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	s := models.Session{
		ID:           meta.ID,
		IdentityID:   identityID,
		TokenHash:    meta.TokenHash,
		Application:  meta.Application,
		IPAddress:    meta.IPAddress,
		UserAgent:    meta.UserAgent,
		CreatedAt:    now,
		ExpiresAt:    now.Add(repository.SessionTTL),
		LastActiveAt: now,
	}
	if s.ID == "" {
		s.ID = ids.New()
	}
	f.rows[s.ID] = s
	return s, nil
}

func (f *fakeSessions) GetByID(_ context.Context, id string) (models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.rows[id]; ok {
		return s, nil
	}
	return models.Session{}, repository.ErrSessionNotFound
}

func (f *fakeSessions) revokeLocked(id, reason, by string) {
	s := f.rows[id]
	if s.RevokedAt != nil {
		return
	}
	now := f.now()
	s.RevokedAt, s.RevokedReason, s.RevokedBy = &now, &reason, &by
	f.rows[id] = s
}

func (f *fakeSessions) Revoke(_ context.Context, id, reason, revokedBy string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[id]; !ok {
		return repository.ErrSessionNotFound
	}
	f.revokeLocked(id, reason, revokedBy)
	return nil
}

func (f *fakeSessions) IsValid(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.rows[id]
	return ok && s.Live(f.now()), nil
}

func (f *fakeSessions) ListActive(_ context.Context, identityID string) ([]models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Session
	for _, s := range f.rows {
		if s.IdentityID == identityID && s.Live(f.now()) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeSessions) RevokeAllForIdentity(_ context.Context, identityID, reason, revokedBy, exceptID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var revoked []string
	for id, s := range f.rows {
		if s.IdentityID == identityID && s.RevokedAt == nil && id != exceptID {
			f.revokeLocked(id, reason, revokedBy)
			revoked = append(revoked, id)
		}
	}
	sort.Strings(revoked)
	return revoked, nil
}

type fakeTokens struct {
	mu   sync.Mutex
	now  func() time.Time
	rows map[string]models.IdentityToken
}

func (f *fakeTokens) Issue(_ context.Context, identityID string, kind models.TokenKind, tokenHash string, expiresAt time.Time) (models.IdentityToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	for hash, t := range f.rows {
		if t.IdentityID == identityID && t.Kind == kind && t.UsedAt == nil && t.InvalidatedAt == nil {
			t.InvalidatedAt = &now
			f.rows[hash] = t
		}
	}
	token := models.IdentityToken{ID: ids.New(), IdentityID: identityID, Kind: kind, TokenHash: tokenHash, ExpiresAt: expiresAt, CreatedAt: now}
	f.rows[tokenHash] = token
	return token, nil
}

func (f *fakeTokens) Consume(_ context.Context, kind models.TokenKind, tokenHash string) (models.IdentityToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.rows[tokenHash]
	switch {
	case !ok || t.Kind != kind:
		return models.IdentityToken{}, repository.ErrTokenNotFound
	case t.UsedAt != nil:
		return models.IdentityToken{}, repository.ErrTokenUsed
	case t.InvalidatedAt != nil:
		return models.IdentityToken{}, repository.ErrTokenInvalidated
	case !t.ExpiresAt.After(f.now()):
		return models.IdentityToken{}, repository.ErrTokenExpired
	}
	now := f.now()
	t.UsedAt = &now
	f.rows[tokenHash] = t
	return t, nil
}

// plainHasher stands in for argon2 so tests stay fast.
type plainHasher struct {
	equalized int
}

func (h *plainHasher) Hash(_ context.Context, password string) ([]byte, error) {
	return []byte("plain$" + password), nil
}

func (h *plainHasher) Verify(_ context.Context, password string, encoded []byte) (bool, error) {
	if !strings.HasPrefix(string(encoded), "plain$") {
		return false, security.ErrMalformedHash
	}
	return string(encoded) == "plain$"+password, nil
}

func (h *plainHasher) Equalize(context.Context, string) { h.equalized++ }

type allowAll struct {
	rejected map[ratelimit.Kind]bool
	err      error
}

func (a *allowAll) Check(_ context.Context, kind ratelimit.Kind, _ string) (ratelimit.Result, error) {
	if a.err != nil {
		return ratelimit.Result{}, a.err
	}
	if a.rejected[kind] {
		return ratelimit.Result{Allowed: false, ResetAt: time.Now().Add(30 * time.Second)}, nil
	}
	return ratelimit.Result{Allowed: true, Remaining: 1}, nil
}

type fakeAnomaly struct {
	reasons []string
	trusted []string
}

func (f *fakeAnomaly) Check(_ context.Context, in anomaly.Input) anomaly.SuspicionResult {
	return anomaly.SuspicionResult{
		Reasons:     f.reasons,
		Fingerprint: anomaly.Fingerprint(in.UserAgent),
		Location:    anomaly.Location{Country: "DE", City: "Berlin"},
	}
}

func (f *fakeAnomaly) TrustRequest(_ context.Context, in anomaly.Input) (string, anomaly.Location, error) {
	fp := anomaly.Fingerprint(in.UserAgent)
	f.trusted = append(f.trusted, fp)
	return fp, anomaly.Location{Country: "DE"}, nil
}

type neutralReputation struct{ verdict reputation.Verdict }

func (n neutralReputation) Check(context.Context, string) reputation.Verdict { return n.verdict }

type memoryAudit struct {
	mu     sync.Mutex
	events []models.AuditEvent
}

func (m *memoryAudit) Record(event models.AuditEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

func (m *memoryAudit) actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e.Action)
	}
	return out
}

func (m *memoryAudit) count(action string) int {
	n := 0
	for _, a := range m.actions() {
		if a == action {
			n++
		}
	}
	return n
}

func (m *memoryAudit) last(action string) models.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.events) - 1; i >= 0; i-- {
		if m.events[i].Action == action {
			return m.events[i]
		}
	}
	return models.AuditEvent{}
}

type memoryNotifier struct {
	mu   sync.Mutex
	sent []notify.Message
	err  error
}

func (m *memoryNotifier) Send(_ context.Context, msg notify.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *memoryNotifier) lastOf(kind notify.Kind) (notify.Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.sent) - 1; i >= 0; i-- {
		if m.sent[i].Kind == kind {
			return m.sent[i], true
		}
	}
	return notify.Message{}, false
}

type memoryBus struct {
	events []models.SessionsRevokedEvent
}

func (b *memoryBus) PublishSessionsRevoked(_ context.Context, event models.SessionsRevokedEvent) error {
	b.events = append(b.events, event)
	return nil
}

var errNotifyDown = errors.New("notification queue unavailable")

const testPassword = "Correct-Horse-9"

type harness struct {
	clock      *clock
	identities *fakeIdentities
	sessions   *fakeSessions
	tokens     *fakeTokens
	hasher     *plainHasher
	limiter    *allowAll
	anomaly    *fakeAnomaly
	audit      *memoryAudit
	notifier   *memoryNotifier
	bus        *memoryBus
	custom     *provider.Custom
	resolver   *provider.Resolver
	broadcast  *LogoutBroadcaster
	auth       *AuthService
	accounts   *AccountService
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		clock:      &clock{now: time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)},
		identities: &fakeIdentities{rows: map[string]models.Identity{}},
		hasher:     &plainHasher{},
		limiter:    &allowAll{},
		anomaly:    &fakeAnomaly{},
		audit:      &memoryAudit{},
		notifier:   &memoryNotifier{},
		bus:        &memoryBus{},
	}
	h.sessions = &fakeSessions{now: h.clock.Now, rows: map[string]models.Session{}}
	h.tokens = &fakeTokens{now: h.clock.Now, rows: map[string]models.IdentityToken{}}

	privatePEM, publicPEM := securitytest.RSAKeyPair(t)
	tokenService, err := security.NewTokenService(security.TokenConfig{
		PrivateKeyPEM: privatePEM,
		PublicKeyPEM:  publicPEM,
		Issuer:        "portalauth",
		Audience:      "portal",
	}, zerolog.Nop(), security.WithTokenClock(h.clock.Now))
	require.NoError(t, err)

	h.custom = provider.NewCustom(tokenService, h.sessions, h.identities, "", zerolog.Nop())
	h.resolver = provider.NewResolver(h.custom, nil, zerolog.Nop())
	h.broadcast = NewLogoutBroadcaster(h.sessions, h.audit, h.bus, zerolog.Nop())

	h.auth = NewAuthService(AuthDeps{
		Identities:  h.identities,
		Sessions:    h.sessions,
		Custom:      h.custom,
		Providers:   h.resolver,
		Hasher:      h.hasher,
		Limiter:     h.limiter,
		Anomaly:     h.anomaly,
		Reputation:  neutralReputation{},
		Audit:       h.audit,
		Notifier:    h.notifier,
		Broadcaster: h.broadcast,
	}, zerolog.Nop()).WithClock(h.clock.Now)

	h.accounts = NewAccountService(AccountDeps{
		Identities:  h.identities,
		Tokens:      h.tokens,
		Hasher:      h.hasher,
		Limiter:     h.limiter,
		Audit:       h.audit,
		Notifier:    h.notifier,
		Broadcaster: h.broadcast,
	}, zerolog.Nop()).WithClock(h.clock.Now)

	return h
}

func (h *harness) addIdentity(id, email string, mutate ...func(*models.Identity)) models.Identity {
	tenant := "tenant-1"
	identity := models.Identity{
		ID:           id,
		Email:        email,
		DisplayName:  strings.Split(email, "@")[0],
		PasswordHash: []byte("plain$" + testPassword),
		Role:         models.RoleTenantUser,
		TenantID:     &tenant,
		Status:       models.IdentityStatusActive,
		AuthMode:     models.AuthModeCustom,
	}
	for _, fn := range mutate {
		fn(&identity)
	}
	h.identities.put(identity)
	return identity
}

func (h *harness) login(t *testing.T, email, password, app string) (*LoginResult, error) {
	t.Helper()
	return h.auth.Login(context.Background(), LoginInput{
		Email:    email,
		Password: password,
		Meta: RequestMeta{
			IPAddress:   "203.0.113.7",
			UserAgent:   "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			Application: app,
		},
	})
}

func (h *harness) authFor(t *testing.T, result *LoginResult) *provider.AuthContext {
	t.Helper()
	return &provider.AuthContext{
		Identity:  h.identities.get(result.Identity.ID),
		Provider:  provider.KindCustom,
		SessionID: result.Session.ID,
		Token:     result.Token,
		ExpiresAt: result.ExpiresAt,
	}
}
