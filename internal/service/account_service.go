package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"portalauth/internal/models"
	"portalauth/internal/notify"
	"portalauth/internal/provider"
	"portalauth/internal/ratelimit"
	"portalauth/internal/repository"
	"portalauth/internal/security"
)

const (
	opaqueTokenBytes = 32

	DefaultActivationTTL    = 7 * 24 * time.Hour
	DefaultPasswordResetTTL = time.Hour
)

type AccountDeps struct {
	Identities       IdentityStore
	Tokens           OneTimeTokenStore
	Hasher           PasswordHasher
	Breach           security.BreachChecker
	Limiter          RateLimiter
	Audit            AuditRecorder
	Notifier         Notifier
	Broadcaster      *LogoutBroadcaster
	ActivationTTL    time.Duration
	PasswordResetTTL time.Duration
}

// AccountService covers password lifecycle and administrator account actions.
type AccountService struct {
	identities  IdentityStore
	tokens      OneTimeTokenStore
	hasher      PasswordHasher
	breach      security.BreachChecker
	limiter     RateLimiter
	audit       AuditRecorder
	notifier    Notifier
	broadcaster *LogoutBroadcaster
	activation  time.Duration
	reset       time.Duration
	now         func() time.Time
	log         zerolog.Logger
}

func NewAccountService(deps AccountDeps, log zerolog.Logger) *AccountService {
	breach := deps.Breach
	if breach == nil {
		breach = security.NoopBreachChecker{}
	}
	activation := deps.ActivationTTL
	if activation <= 0 {
		activation = DefaultActivationTTL
	}
	reset := deps.PasswordResetTTL
	if reset <= 0 {
		reset = DefaultPasswordResetTTL
	}
	return &AccountService{
		identities:  deps.Identities,
		tokens:      deps.Tokens,
		hasher:      deps.Hasher,
		breach:      breach,
		limiter:     deps.Limiter,
		audit:       deps.Audit,
		notifier:    deps.Notifier,
		broadcaster: deps.Broadcaster,
		activation:  activation,
		reset:       reset,
		now:         time.Now,
		log:         log.With().Str("component", "account_service").Logger(),
	}
}

// WithClock replaces the time source. Intended for tests.
func (s *AccountService) WithClock(now func() time.Time) *AccountService {
	s.now = now
	return s
}

// checkPassword collects every policy violation of a proposed password.
func (s *AccountService) checkPassword(ctx context.Context, password string) error {
	reasons := security.CheckPasswordStrength(password)
	if len(reasons) == 0 {
		breached, err := s.breach.IsBreached(ctx, password)
		if err != nil {
			s.log.Warn().Err(err).Msg("breach check unavailable, skipping")
		} else if breached {
			reasons = append(reasons, "password has appeared in a known data breach")
		}
	}
	if len(reasons) > 0 {
		return invalid(reasons...)
	}
	return nil
}

type ChangePasswordResult struct {
	RevokedSessions int
	Notification    string
}

// ChangePassword replaces the caller's password and revokes every other
// session of the identity.
func (s *AccountService) ChangePassword(ctx context.Context, auth *provider.AuthContext, current, next string, meta RequestMeta) (*ChangePasswordResult, error) {
	if auth == nil {
		return nil, ErrUnauthenticated
	}
	if auth.Provider != provider.KindCustom {
		return nil, ErrWrongProvider
	}

	identity, err := s.identities.GetByID(ctx, auth.Identity.ID)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	if !identity.HasPassword() {
		return nil, ErrPasswordSetupRequired
	}
	ok, err := s.hasher.Verify(ctx, current, identity.PasswordHash)
	if err != nil || !ok {
		return nil, ErrInvalidCredentials
	}
	if current == next {
		return nil, invalid("new password must differ from the current password")
	}
	if err := s.checkPassword(ctx, next); err != nil {
		return nil, err
	}

	hash, err := s.hasher.Hash(ctx, next)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	if err := s.identities.UpdatePassword(ctx, identity.ID, hash); err != nil {
		return nil, fmt.Errorf("update password: %w", err)
	}

	actor := models.ActorFor(identity, meta.IPAddress, meta.UserAgent)
	revoked, err := s.broadcaster.RevokeAllExcept(ctx, identity.ID, auth.SessionID, "password_changed", meta.Application, actor)
	if err != nil {
		s.log.Error().Err(err).Str("identity_id", identity.ID).Msg("failed to revoke sessions after password change")
	}

	result := &ChangePasswordResult{RevokedSessions: revoked, Notification: NotificationSent}
	if err := s.notifier.Send(ctx, notify.Message{
		Kind:       notify.KindPasswordChanged,
		IdentityID: identity.ID,
		Email:      identity.Email,
		Name:       identity.DisplayName,
	}); err != nil {
		result.Notification = NotificationFailed
	}

	event := models.NewAuditEvent(models.AuditPasswordChanged, actor, models.ResourceIdentity, identity.ID)
	event.Metadata = map[string]any{"revoked_sessions": revoked, "notification": result.Notification}
	s.audit.Record(event)
	return result, nil
}

// ForgotPassword issues a reset link when the account can use one. The result
// is the same whether or not the email belongs to an identity; only rate
// limiting and limiter outages are reported.
func (s *AccountService) ForgotPassword(ctx context.Context, email string, meta RequestMeta) error {
	email = normalizeEmail(email)
	if err := checkLimit(ctx, s.limiter, ratelimit.KindPasswordReset, ratelimit.Identifier(meta.IPAddress, email), s.now()); err != nil {
		return err
	}

	actor := models.Actor{Email: email, IPAddress: meta.IPAddress, UserAgent: meta.UserAgent}
	event := models.NewAuditEvent(models.AuditPasswordResetReq, actor, models.ResourceIdentity, "")

	identity, err := s.identities.FindByEmail(ctx, email)
	switch {
	case errors.Is(err, repository.ErrIdentityNotFound):
		event.Metadata = map[string]any{"outcome": "unknown_email"}
	case err != nil:
		s.log.Error().Err(err).Msg("password reset lookup failed")
		event.Metadata = map[string]any{"outcome": "error"}
	case identity.AuthMode != models.AuthModeCustom || identity.Status != models.IdentityStatusActive:
		event.ResourceID = identity.ID
		event.Metadata = map[string]any{"outcome": "ineligible", "auth_mode": string(identity.AuthMode), "status": string(identity.Status)}
	default:
		event.ResourceID = identity.ID
		outcome := "issued"
		if err := s.issueAndSend(ctx, identity, models.TokenKindPasswordReset, s.reset, notify.KindPasswordReset); err != nil {
			s.log.Error().Err(err).Str("identity_id", identity.ID).Msg("failed to issue password reset")
			outcome = "error"
		}
		event.Metadata = map[string]any{"outcome": outcome}
	}

	s.audit.Record(event)
	return nil
}

// ResetPassword consumes a reset token, sets the new password and revokes
// every session. The password is validated before the token is spent.
func (s *AccountService) ResetPassword(ctx context.Context, rawToken, password string, meta RequestMeta) error {
	if rawToken == "" {
		return ErrTokenInvalid
	}
	if err := s.checkPassword(ctx, password); err != nil {
		return err
	}

	token, err := s.consume(ctx, models.TokenKindPasswordReset, rawToken)
	if err != nil {
		return err
	}
	identity, err := s.identities.GetByID(ctx, token.IdentityID)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}

	hash, err := s.hasher.Hash(ctx, password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.identities.UpdatePassword(ctx, identity.ID, hash); err != nil {
		return fmt.Errorf("update password: %w", err)
	}

	actor := models.ActorFor(identity, meta.IPAddress, meta.UserAgent)
	revoked, err := s.broadcaster.RevokeAll(ctx, identity.ID, "password_reset", meta.Application, actor)
	if err != nil {
		s.log.Error().Err(err).Str("identity_id", identity.ID).Msg("failed to revoke sessions after password reset")
	}

	notification := NotificationSent
	if err := s.notifier.Send(ctx, notify.Message{
		Kind:       notify.KindPasswordChanged,
		IdentityID: identity.ID,
		Email:      identity.Email,
		Name:       identity.DisplayName,
	}); err != nil {
		notification = NotificationFailed
	}

	event := models.NewAuditEvent(models.AuditPasswordReset, actor, models.ResourceIdentity, identity.ID)
	event.Metadata = map[string]any{"revoked_sessions": revoked, "notification": notification}
	s.audit.Record(event)
	return nil
}

// Activate consumes an activation token and sets the first password.
func (s *AccountService) Activate(ctx context.Context, rawToken, password string, meta RequestMeta) error {
	if rawToken == "" {
		return ErrTokenInvalid
	}
	if err := s.checkPassword(ctx, password); err != nil {
		return err
	}

	token, err := s.consume(ctx, models.TokenKindActivation, rawToken)
	if err != nil {
		return err
	}
	identity, err := s.identities.GetByID(ctx, token.IdentityID)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}

	hash, err := s.hasher.Hash(ctx, password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.identities.Activate(ctx, identity.ID, hash); err != nil {
		if errors.Is(err, repository.ErrIdentityNotFound) {
			return invalid("identity is already activated")
		}
		return fmt.Errorf("activate identity: %w", err)
	}

	notification := NotificationSent
	if err := s.notifier.Send(ctx, notify.Message{
		Kind:       notify.KindWelcome,
		IdentityID: identity.ID,
		Email:      identity.Email,
		Name:       identity.DisplayName,
	}); err != nil {
		notification = NotificationFailed
	}

	event := models.NewAuditEvent(models.AuditActivated, models.ActorFor(identity, meta.IPAddress, meta.UserAgent), models.ResourceIdentity, identity.ID)
	event.PreviousState = map[string]any{"status": string(identity.Status)}
	event.NewState = map[string]any{"status": string(models.IdentityStatusActive)}
	event.Metadata = map[string]any{"notification": notification}
	s.audit.Record(event)
	return nil
}

// authorizeTenantAction allows operator admins everywhere and tenant admins
// within their own tenant.
func authorizeTenantAction(admin models.Actor, identity models.Identity) error {
	switch admin.Role {
	case models.RoleOperatorAdmin:
		return nil
	case models.RoleTenantAdmin:
		if admin.TenantID != "" && admin.TenantID == identity.Tenant() {
			return nil
		}
	}
	return ErrForbidden
}

func (s *AccountService) lookup(ctx context.Context, identityID string) (models.Identity, error) {
	identity, err := s.identities.GetByID(ctx, identityID)
	if errors.Is(err, repository.ErrIdentityNotFound) {
		return models.Identity{}, ErrIdentityNotFound
	}
	if err != nil {
		return models.Identity{}, fmt.Errorf("load identity: %w", err)
	}
	return identity, nil
}

func (s *AccountService) ResendActivation(ctx context.Context, admin models.Actor, identityID string) error {
	identity, err := s.lookup(ctx, identityID)
	if err != nil {
		return err
	}
	if err := authorizeTenantAction(admin, identity); err != nil {
		return err
	}
	if identity.Status != models.IdentityStatusPending {
		return invalid("identity is already activated")
	}

	if err := s.issueAndSend(ctx, identity, models.TokenKindActivation, s.activation, notify.KindActivation); err != nil {
		return err
	}

	event := models.NewAuditEvent(models.AuditActivationSent, admin, models.ResourceIdentity, identity.ID)
	event.Metadata = map[string]any{"expires_in": s.activation.String()}
	s.audit.Record(event)
	return nil
}

// Unlock clears the failed-attempt counter and any lock, including
// indefinite ones.
func (s *AccountService) Unlock(ctx context.Context, admin models.Actor, identityID string) error {
	identity, err := s.lookup(ctx, identityID)
	if err != nil {
		return err
	}
	if err := s.identities.ResetFailedAttempts(ctx, identity.ID); err != nil {
		return fmt.Errorf("unlock identity: %w", err)
	}

	event := models.NewAuditEvent(models.AuditAccountUnlocked, admin, models.ResourceIdentity, identity.ID)
	event.PreviousState = map[string]any{"failed_attempts": identity.FailedAttempts}
	if identity.LockedUntil != nil {
		event.PreviousState["locked_until"] = identity.LockedUntil.UTC()
	}
	event.NewState = map[string]any{"failed_attempts": 0}
	s.audit.Record(event)
	return nil
}

// SendPasswordSetup gives an identity without a password a way to set one.
// Pending identities get an activation link, all others a password-setup
// link backed by a reset token with the activation lifetime.
func (s *AccountService) SendPasswordSetup(ctx context.Context, identity models.Identity) error {
	if identity.Status == models.IdentityStatusPending {
		return s.issueAndSend(ctx, identity, models.TokenKindActivation, s.activation, notify.KindActivation)
	}
	return s.issueAndSend(ctx, identity, models.TokenKindPasswordReset, s.activation, notify.KindPasswordSetup)
}

func (s *AccountService) issueAndSend(ctx context.Context, identity models.Identity, kind models.TokenKind, ttl time.Duration, message notify.Kind) error {
	raw, hash, err := security.GenerateOpaqueToken(opaqueTokenBytes)
	if err != nil {
		return fmt.Errorf("generate token: %w", err)
	}
	expiresAt := s.now().Add(ttl)
	if _, err := s.tokens.Issue(ctx, identity.ID, kind, hash, expiresAt); err != nil {
		return fmt.Errorf("issue %s token: %w", kind, err)
	}
	return s.notifier.Send(ctx, notify.Message{
		Kind:       message,
		IdentityID: identity.ID,
		Email:      identity.Email,
		Name:       identity.DisplayName,
		Data: map[string]string{
			"token":      raw,
			"expires_at": expiresAt.UTC().Format(time.RFC3339),
		},
	})
}

func (s *AccountService) consume(ctx context.Context, kind models.TokenKind, rawToken string) (models.IdentityToken, error) {
	token, err := s.tokens.Consume(ctx, kind, security.HashToken(rawToken))
	switch {
	case err == nil:
		return token, nil
	case errors.Is(err, repository.ErrTokenUsed):
		return models.IdentityToken{}, ErrTokenAlreadyUsed
	case errors.Is(err, repository.ErrTokenExpired):
		return models.IdentityToken{}, ErrTokenExpired
	case errors.Is(err, repository.ErrTokenNotFound), errors.Is(err, repository.ErrTokenInvalidated):
		return models.IdentityToken{}, ErrTokenInvalid
	default:
		return models.IdentityToken{}, fmt.Errorf("consume token: %w", err)
	}
}
