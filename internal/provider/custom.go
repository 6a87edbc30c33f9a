package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"portalauth/internal/ids"
	"portalauth/internal/models"
	"portalauth/internal/repository"
	"portalauth/internal/security"
)

const DefaultCookieName = "portal_session"

type Tokens interface {
	Sign(subject security.TokenSubject) (string, time.Time, error)
	Verify(token string) *security.Claims
}

type SessionStore interface {
	Create(ctx context.Context, identityID string, meta models.SessionMetadata) (models.Session, error)
	Revoke(ctx context.Context, id, reason, revokedBy string) error
	IsValid(ctx context.Context, id string) (bool, error)
}

// Custom authenticates the portal's own RS256 tokens backed by session rows.
type Custom struct {
	tokens     Tokens
	sessions   SessionStore
	identities IdentityLookup
	cookieName string
	log        zerolog.Logger
}

func NewCustom(tokens Tokens, sessions SessionStore, identities IdentityLookup, cookieName string, log zerolog.Logger) *Custom {
	if cookieName == "" {
		cookieName = DefaultCookieName
	}
	return &Custom{
		tokens:     tokens,
		sessions:   sessions,
		identities: identities,
		cookieName: cookieName,
		log:        log.With().Str("provider", string(KindCustom)).Logger(),
	}
}

func (p *Custom) Kind() Kind { return KindCustom }

func (p *Custom) CookieName() string { return p.cookieName }

func (p *Custom) CurrentUser(ctx context.Context, r *http.Request) (*AuthContext, error) {
	token := cookieToken(r, p.cookieName)
	if token == "" {
		token = bearerToken(r)
	}
	if token == "" {
		return nil, nil
	}

	claims, live, err := p.Inspect(ctx, token)
	if err != nil {
		return nil, err
	}
	if claims == nil || !live {
		return nil, nil
	}

	identity, err := p.identities.GetByID(ctx, claims.Subject)
	if errors.Is(err, repository.ErrIdentityNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	if identity.AuthMode != models.AuthModeCustom || identity.Status != models.IdentityStatusActive {
		p.log.Debug().Str("identity_id", identity.ID).
			Str("auth_mode", string(identity.AuthMode)).
			Str("status", string(identity.Status)).
			Msg("custom token for identity that is not an active custom account")
		return nil, nil
	}

	auth := &AuthContext{
		Identity:  identity,
		Provider:  KindCustom,
		SessionID: claims.SessionID,
		TokenID:   claims.ID,
		Token:     token,
	}
	if claims.ExpiresAt != nil {
		auth.ExpiresAt = claims.ExpiresAt.Time
	}
	return auth, nil
}

func (p *Custom) RequireAuth(ctx context.Context, r *http.Request) (*AuthContext, error) {
	return requireAuth(ctx, p, r)
}

func (p *Custom) HasPermission(auth *AuthContext, roles ...models.Role) bool {
	return hasRole(auth, roles...)
}

// Inspect verifies token and checks that its session is still live. A nil
// claims value means the token itself is invalid.
func (p *Custom) Inspect(ctx context.Context, token string) (*security.Claims, bool, error) {
	claims := p.tokens.Verify(token)
	if claims == nil {
		return nil, false, nil
	}
	live, err := p.sessions.IsValid(ctx, claims.SessionID)
	if err != nil {
		return claims, false, fmt.Errorf("check session: %w", err)
	}
	return claims, live, nil
}

func (p *Custom) ValidateSession(ctx context.Context, token string) (bool, error) {
	claims, live, err := p.Inspect(ctx, token)
	if err != nil {
		return false, err
	}
	return claims != nil && live, nil
}

// CreateSession signs a token for a pre-generated session id and then stores
// the session with the token's hash.
func (p *Custom) CreateSession(ctx context.Context, identity models.Identity, req SessionRequest) (*IssuedSession, error) {
	sessionID := ids.New()
	token, expiresAt, err := p.tokens.Sign(security.TokenSubject{
		IdentityID: identity.ID,
		Email:      identity.Email,
		Name:       identity.DisplayName,
		Role:       string(identity.Role),
		TenantID:   identity.Tenant(),
		SessionID:  sessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}

	session, err := p.sessions.Create(ctx, identity.ID, models.SessionMetadata{
		ID:          sessionID,
		TokenHash:   security.HashToken(token),
		Application: req.Application,
		IPAddress:   req.IPAddress,
		UserAgent:   req.UserAgent,
	})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &IssuedSession{Session: session, Token: token, ExpiresAt: expiresAt}, nil
}

func (p *Custom) RevokeSession(ctx context.Context, auth *AuthContext, reason, revokedBy string) error {
	if auth == nil || auth.SessionID == "" {
		return ErrUnauthenticated
	}
	return p.sessions.Revoke(ctx, auth.SessionID, reason, revokedBy)
}
