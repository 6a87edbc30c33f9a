package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"portalauth/internal/anomaly"
	"portalauth/internal/lockout"
	"portalauth/internal/models"
	"portalauth/internal/notify"
	"portalauth/internal/obs"
	"portalauth/internal/provider"
	"portalauth/internal/ratelimit"
	"portalauth/internal/repository"
)

const (
	ReasonRiskyIP = "risky_ip"

	NotificationSent   = "sent"
	NotificationFailed = "failed"

	ScopeCurrent = "current"
	ScopeAll     = "all"
)

// ProviderSource returns the provider that owns an authenticated request.
type ProviderSource interface {
	For(kind provider.Kind) (provider.Provider, error)
}

// RequestMeta describes the client behind a request.
type RequestMeta struct {
	IPAddress   string
	UserAgent   string
	Application string
	Headers     http.Header
}

type AuthDeps struct {
	Identities     IdentityStore
	Sessions       SessionStore
	Custom         provider.Provider
	Providers      ProviderSource
	Hasher         PasswordHasher
	Limiter        RateLimiter
	Lockout        *lockout.Policy
	Anomaly        AnomalyDetector
	Reputation     ReputationChecker
	Audit          AuditRecorder
	Notifier       Notifier
	Broadcaster    *LogoutBroadcaster
	AnomalyTimeout time.Duration
}

type AuthService struct {
	identities     IdentityStore
	sessions       SessionStore
	custom         provider.Provider
	providers      ProviderSource
	hasher         PasswordHasher
	limiter        RateLimiter
	lockout        *lockout.Policy
	anomaly        AnomalyDetector
	reputation     ReputationChecker
	audit          AuditRecorder
	notifier       Notifier
	broadcaster    *LogoutBroadcaster
	anomalyTimeout time.Duration
	now            func() time.Time
	log            zerolog.Logger
}

func NewAuthService(deps AuthDeps, log zerolog.Logger) *AuthService {
	policy := deps.Lockout
	if policy == nil {
		policy = lockout.NewPolicy(nil)
	}
	timeout := deps.AnomalyTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	return &AuthService{
		identities:     deps.Identities,
		sessions:       deps.Sessions,
		custom:         deps.Custom,
		providers:      deps.Providers,
		hasher:         deps.Hasher,
		limiter:        deps.Limiter,
		lockout:        policy,
		anomaly:        deps.Anomaly,
		reputation:     deps.Reputation,
		audit:          deps.Audit,
		notifier:       deps.Notifier,
		broadcaster:    deps.Broadcaster,
		anomalyTimeout: timeout,
		now:            time.Now,
		log:            log.With().Str("component", "auth_service").Logger(),
	}
}

// WithClock replaces the time source. Intended for tests.
func (s *AuthService) WithClock(now func() time.Time) *AuthService {
	s.now = now
	return s
}

type LoginInput struct {
	Email    string
	Password string
	Meta     RequestMeta
}

type LoginResult struct {
	Identity     models.Identity
	Session      models.Session
	Token        string
	ExpiresAt    time.Time
	Suspicious   bool
	Reasons      []string
	Notification string
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// checkLimit turns a limiter rejection into a RateLimitError. Backend errors
// are returned as is so production fails closed.
func checkLimit(ctx context.Context, limiter RateLimiter, kind ratelimit.Kind, identifier string, now time.Time) error {
	res, err := limiter.Check(ctx, kind, identifier)
	if err != nil {
		return err
	}
	if !res.Allowed {
		return &RateLimitError{Limiter: string(kind), RetryAfter: res.RetryAfter(now)}
	}
	return nil
}

func (s *AuthService) Login(ctx context.Context, input LoginInput) (*LoginResult, error) {
	email := normalizeEmail(input.Email)
	if email == "" || input.Password == "" {
		return nil, invalid("email and password are required")
	}
	meta := input.Meta
	now := s.now()

	if err := checkLimit(ctx, s.limiter, ratelimit.KindGlobal, meta.IPAddress, now); err != nil {
		obs.LoginTotal.WithLabelValues("rate_limited").Inc()
		return nil, err
	}
	if err := checkLimit(ctx, s.limiter, ratelimit.KindLogin, ratelimit.Identifier(meta.IPAddress, email), now); err != nil {
		obs.LoginTotal.WithLabelValues("rate_limited").Inc()
		return nil, err
	}

	identity, err := s.identities.FindByEmail(ctx, email)
	if errors.Is(err, repository.ErrIdentityNotFound) {
		// Spend the same hashing time as a real verification.
		s.hasher.Equalize(ctx, input.Password)
		s.recordFailedLogin(models.Actor{Email: email, IPAddress: meta.IPAddress, UserAgent: meta.UserAgent}, "", "unknown_email", 0)
		obs.LoginTotal.WithLabelValues("invalid").Inc()
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("find identity: %w", err)
	}
	actor := models.ActorFor(identity, meta.IPAddress, meta.UserAgent)

	if lockout.IsLocked(identity.LockedUntil, now) {
		event := models.NewAuditEvent(models.AuditLoginLocked, actor, models.ResourceIdentity, identity.ID)
		event.Metadata = map[string]any{"locked_until": identity.LockedUntil.UTC()}
		s.audit.Record(event)
		obs.LoginTotal.WithLabelValues("locked").Inc()
		return nil, &LockedError{Until: *identity.LockedUntil, Indefinite: lockout.IsIndefinite(identity.LockedUntil)}
	}
	if identity.AuthMode != models.AuthModeCustom {
		obs.LoginTotal.WithLabelValues("wrong_provider").Inc()
		return nil, ErrWrongProvider
	}
	if identity.Status == models.IdentityStatusPending {
		obs.LoginTotal.WithLabelValues("not_activated").Inc()
		return nil, ErrAccountNotActivated
	}
	if !identity.HasPassword() {
		obs.LoginTotal.WithLabelValues("setup_required").Inc()
		return nil, ErrPasswordSetupRequired
	}

	ok, err := s.hasher.Verify(ctx, input.Password, identity.PasswordHash)
	if err != nil {
		s.log.Error().Err(err).Str("identity_id", identity.ID).Msg("password verification failed")
	}
	if err != nil || !ok {
		obs.LoginTotal.WithLabelValues("invalid").Inc()
		return nil, s.onPasswordFailure(ctx, identity, actor, now)
	}

	if identity.Status != models.IdentityStatusActive {
		obs.LoginTotal.WithLabelValues("disabled").Inc()
		return nil, ErrAccountDisabled
	}

	if identity.FailedAttempts > 0 || identity.LockedUntil != nil {
		if err := s.identities.ResetFailedAttempts(ctx, identity.ID); err != nil {
			s.log.Warn().Err(err).Str("identity_id", identity.ID).Msg("failed to reset failed attempts")
		}
	}

	result := &LoginResult{Identity: identity}

	verdict := s.reputation.Check(ctx, meta.IPAddress)

	checkCtx, cancel := context.WithTimeout(ctx, s.anomalyTimeout)
	suspicion := s.anomaly.Check(checkCtx, anomaly.Input{
		IdentityID: identity.ID,
		TenantID:   identity.Tenant(),
		IPAddress:  meta.IPAddress,
		UserAgent:  meta.UserAgent,
		At:         now,
		Headers:    meta.Headers,
	})
	cancel()

	result.Reasons = append(result.Reasons, suspicion.Reasons...)
	if verdict.Risky {
		result.Reasons = append(result.Reasons, ReasonRiskyIP)
	}
	result.Suspicious = len(result.Reasons) > 0

	issued, err := s.custom.CreateSession(ctx, identity, provider.SessionRequest{
		Application: meta.Application,
		IPAddress:   meta.IPAddress,
		UserAgent:   meta.UserAgent,
	})
	if err != nil {
		return nil, err
	}
	result.Session = issued.Session
	result.Token = issued.Token
	result.ExpiresAt = issued.ExpiresAt

	if err := s.identities.UpdateLastLogin(ctx, identity.ID, now); err != nil {
		s.log.Warn().Err(err).Str("identity_id", identity.ID).Msg("failed to update last login")
	}

	success := models.NewAuditEvent(models.AuditLoginSuccess, actor, models.ResourceSession, issued.Session.ID)
	success.Metadata = map[string]any{
		"application": meta.Application,
		"fingerprint": suspicion.Fingerprint,
		"location":    suspicion.Location.String(),
	}
	if verdict.Checked {
		success.Metadata["reputation_score"] = verdict.Score
	}
	s.audit.Record(success)

	if result.Suspicious {
		result.Notification = s.flagSuspicious(ctx, identity, actor, issued.Session.ID, result.Reasons, suspicion, verdict.Reason)
	}

	obs.LoginTotal.WithLabelValues("success").Inc()
	return result, nil
}

// onPasswordFailure feeds the lockout policy. It returns a LockedError when
// this failure tripped a lock tier.
func (s *AuthService) onPasswordFailure(ctx context.Context, identity models.Identity, actor models.Actor, now time.Time) error {
	attempts, err := s.identities.RecordFailedAttempt(ctx, identity.ID)
	if err != nil {
		s.log.Error().Err(err).Str("identity_id", identity.ID).Msg("failed to record failed attempt")
		s.recordFailedLogin(actor, identity.ID, "invalid_password", 0)
		return ErrInvalidCredentials
	}

	decision := s.lockout.OnFailure(attempts, now)
	if !decision.Locked {
		s.recordFailedLogin(actor, identity.ID, "invalid_password", attempts)
		return ErrInvalidCredentials
	}

	if err := s.identities.SetLockedUntil(ctx, identity.ID, decision.Until); err != nil {
		s.log.Error().Err(err).Str("identity_id", identity.ID).Msg("failed to lock identity")
		return ErrInvalidCredentials
	}

	event := models.NewAuditEvent(models.AuditLoginLocked, actor, models.ResourceIdentity, identity.ID)
	event.NewState = map[string]any{
		"failed_attempts": attempts,
		"locked_until":    decision.Until.UTC(),
		"indefinite":      decision.Indefinite,
	}
	s.audit.Record(event)
	s.log.Warn().Str("identity_id", identity.ID).Int("attempts", attempts).
		Bool("indefinite", decision.Indefinite).Msg("identity locked after repeated failures")

	return &LockedError{Until: decision.Until, Indefinite: decision.Indefinite}
}

func (s *AuthService) recordFailedLogin(actor models.Actor, identityID, reason string, attempts int) {
	event := models.NewAuditEvent(models.AuditLoginFailed, actor, models.ResourceIdentity, identityID)
	event.Metadata = map[string]any{"reason": reason}
	if attempts > 0 {
		event.Metadata["failed_attempts"] = attempts
	}
	s.audit.Record(event)
}

func (s *AuthService) flagSuspicious(ctx context.Context, identity models.Identity, actor models.Actor, sessionID string, reasons []string, suspicion anomaly.SuspicionResult, reputationReason string) string {
	event := models.NewAuditEvent(models.AuditLoginSuspicious, actor, models.ResourceSession, sessionID)
	event.Metadata = map[string]any{
		"reasons":     reasons,
		"fingerprint": suspicion.Fingerprint,
		"location":    suspicion.Location.String(),
	}
	if reputationReason != "" {
		event.Metadata["reputation_reason"] = reputationReason
	}

	status := NotificationSent
	err := s.notifier.Send(ctx, notify.Message{
		Kind:       notify.KindSuspiciousLogin,
		IdentityID: identity.ID,
		Email:      identity.Email,
		Name:       identity.DisplayName,
		Data: map[string]string{
			"reasons":    strings.Join(reasons, ","),
			"location":   suspicion.Location.String(),
			"device":     suspicion.Fingerprint,
			"ip_address": actor.IPAddress,
			"session_id": sessionID,
		},
	})
	if err != nil {
		status = NotificationFailed
	}
	event.Metadata["notification"] = status
	s.audit.Record(event)
	return status
}

// Logout revokes the current session or, with ScopeAll, every session of the
// identity.
func (s *AuthService) Logout(ctx context.Context, auth *provider.AuthContext, scope string, meta RequestMeta) (int, error) {
	if auth == nil {
		return 0, ErrUnauthenticated
	}
	actor := models.ActorFor(auth.Identity, meta.IPAddress, meta.UserAgent)

	switch scope {
	case "", ScopeCurrent:
		if err := s.revokeCurrent(ctx, auth, "logout"); err != nil {
			return 0, err
		}
		event := models.NewAuditEvent(models.AuditLogout, actor, models.ResourceSession, auth.SessionID)
		event.Metadata = map[string]any{"scope": ScopeCurrent, "provider": string(auth.Provider)}
		s.audit.Record(event)
		return 1, nil

	case ScopeAll:
		revoked := 0
		if auth.Provider != provider.KindCustom {
			if err := s.revokeCurrent(ctx, auth, "logout_all"); err != nil {
				return 0, err
			}
			revoked++
		}
		n, err := s.broadcaster.RevokeAll(ctx, auth.Identity.ID, "logout_all", meta.Application, actor)
		if err != nil {
			return revoked, err
		}
		revoked += n
		event := models.NewAuditEvent(models.AuditLogout, actor, models.ResourceIdentity, auth.Identity.ID)
		event.Metadata = map[string]any{"scope": ScopeAll, "revoked_count": revoked}
		s.audit.Record(event)
		return revoked, nil

	default:
		return 0, ErrInvalidScope
	}
}

func (s *AuthService) revokeCurrent(ctx context.Context, auth *provider.AuthContext, reason string) error {
	p, err := s.providers.For(auth.Provider)
	if err != nil {
		return err
	}
	return p.RevokeSession(ctx, auth, reason, auth.Identity.ID)
}

// Refresh rotates a custom session: a new session and token are issued and
// the presented session is revoked.
func (s *AuthService) Refresh(ctx context.Context, auth *provider.AuthContext, meta RequestMeta) (*provider.IssuedSession, error) {
	if auth == nil {
		return nil, ErrUnauthenticated
	}
	if auth.Provider != provider.KindCustom {
		return nil, ErrWrongProvider
	}
	if err := checkLimit(ctx, s.limiter, ratelimit.KindTokenRefresh, auth.SessionID, s.now()); err != nil {
		return nil, err
	}

	identity, err := s.identities.GetByID(ctx, auth.Identity.ID)
	if err != nil {
		if errors.Is(err, repository.ErrIdentityNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, fmt.Errorf("load identity: %w", err)
	}
	if identity.Status != models.IdentityStatusActive || identity.AuthMode != models.AuthModeCustom {
		return nil, ErrUnauthenticated
	}

	application := meta.Application
	if previous, err := s.sessions.GetByID(ctx, auth.SessionID); err == nil && application == "" {
		application = previous.Application
	}

	issued, err := s.custom.CreateSession(ctx, identity, provider.SessionRequest{
		Application: application,
		IPAddress:   meta.IPAddress,
		UserAgent:   meta.UserAgent,
	})
	if err != nil {
		return nil, err
	}

	if err := s.custom.RevokeSession(ctx, auth, "rotated", identity.ID); err != nil {
		// Never leave two live sessions behind a rotation.
		if revokeErr := s.sessions.Revoke(ctx, issued.Session.ID, "rotation_failed", identity.ID); revokeErr != nil {
			s.log.Error().Err(revokeErr).Str("session_id", issued.Session.ID).Msg("failed to revoke new session after rotation failure")
		}
		return nil, fmt.Errorf("revoke previous session: %w", err)
	}

	event := models.NewAuditEvent(models.AuditTokenRefreshed, models.ActorFor(identity, meta.IPAddress, meta.UserAgent), models.ResourceSession, issued.Session.ID)
	event.Metadata = map[string]any{"previous_session_id": auth.SessionID}
	s.audit.Record(event)
	return issued, nil
}

func (s *AuthService) Sessions(ctx context.Context, auth *provider.AuthContext) ([]models.Session, error) {
	if auth == nil {
		return nil, ErrUnauthenticated
	}
	return s.sessions.ListActive(ctx, auth.Identity.ID)
}

// TrustDevice adds the caller's device and location to the known sets.
func (s *AuthService) TrustDevice(ctx context.Context, auth *provider.AuthContext, meta RequestMeta) (string, anomaly.Location, error) {
	if auth == nil {
		return "", anomaly.Location{}, ErrUnauthenticated
	}
	fingerprint, location, err := s.anomaly.TrustRequest(ctx, anomaly.Input{
		IdentityID: auth.Identity.ID,
		TenantID:   auth.Identity.Tenant(),
		IPAddress:  meta.IPAddress,
		UserAgent:  meta.UserAgent,
		At:         s.now(),
		Headers:    meta.Headers,
	})
	if err != nil {
		return "", anomaly.Location{}, fmt.Errorf("trust device: %w", err)
	}

	event := models.NewAuditEvent(models.AuditDeviceTrusted, models.ActorFor(auth.Identity, meta.IPAddress, meta.UserAgent), models.ResourceIdentity, auth.Identity.ID)
	event.NewState = map[string]any{"fingerprint": fingerprint, "location": location.String()}
	s.audit.Record(event)
	return fingerprint, location, nil
}
