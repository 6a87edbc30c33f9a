package provider

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"portalauth/internal/models"
	"portalauth/internal/repository"
	"portalauth/internal/security"
)

const DefaultDelegatedCookie = "__session"

type DelegatedOptions struct {
	PublicKey  *rsa.PublicKey
	Issuer     string
	Audience   string
	CookieName string
	Leeway     time.Duration
}

type delegatedClaims struct {
	SessionID string `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// Delegated accepts session tokens minted by the legacy identity provider.
// Its sessions live there, so revocation is a local denylist keyed by jti.
type Delegated struct {
	opts       DelegatedOptions
	identities IdentityLookup
	rdb        redis.Cmdable
	now        func() time.Time
	log        zerolog.Logger
}

func NewDelegated(opts DelegatedOptions, identities IdentityLookup, rdb redis.Cmdable, log zerolog.Logger) *Delegated {
	if opts.CookieName == "" {
		opts.CookieName = DefaultDelegatedCookie
	}
	return &Delegated{
		opts:       opts,
		identities: identities,
		rdb:        rdb,
		now:        time.Now,
		log:        log.With().Str("provider", string(KindDelegated)).Logger(),
	}
}

func (p *Delegated) Kind() Kind { return KindDelegated }

func denylistKey(id string) string { return "delegated:revoked:" + id }

func (p *Delegated) verify(token string) *delegatedClaims {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(p.opts.Leeway),
		jwt.WithTimeFunc(p.now),
	}
	if p.opts.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.opts.Issuer))
	}
	if p.opts.Audience != "" {
		opts = append(opts, jwt.WithAudience(p.opts.Audience))
	}

	claims := &delegatedClaims{}
	parsed, err := jwt.NewParser(opts...).ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return p.opts.PublicKey, nil
	})
	if err != nil || !parsed.Valid || claims.Subject == "" {
		p.log.Debug().Err(err).Msg("delegated token verification failed")
		return nil
	}
	return claims
}

// revocationID is the denylist member for a token: its jti, or the token hash
// when the issuer did not set one.
func revocationID(claims *delegatedClaims, token string) string {
	if claims.ID != "" {
		return claims.ID
	}
	return security.HashToken(token)
}

func (p *Delegated) denied(ctx context.Context, claims *delegatedClaims, token string) (bool, error) {
	n, err := p.rdb.Exists(ctx, denylistKey(revocationID(claims, token))).Result()
	if err != nil {
		return false, fmt.Errorf("check delegated denylist: %w", err)
	}
	return n > 0, nil
}

func (p *Delegated) CurrentUser(ctx context.Context, r *http.Request) (*AuthContext, error) {
	if p.opts.PublicKey == nil {
		return nil, nil
	}
	token := cookieToken(r, p.opts.CookieName)
	if token == "" {
		token = bearerToken(r)
	}
	if token == "" {
		return nil, nil
	}

	claims := p.verify(token)
	if claims == nil {
		return nil, nil
	}
	denied, err := p.denied(ctx, claims, token)
	if err != nil {
		return nil, err
	}
	if denied {
		return nil, nil
	}

	identity, err := p.identities.FindByExternalID(ctx, claims.Subject)
	if errors.Is(err, repository.ErrIdentityNotFound) {
		p.log.Debug().Str("external_id", claims.Subject).Msg("no identity linked to delegated subject")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	if identity.Status != models.IdentityStatusActive {
		return nil, nil
	}

	auth := &AuthContext{
		Identity:  identity,
		Provider:  KindDelegated,
		SessionID: claims.SessionID,
		TokenID:   revocationID(claims, token),
		Token:     token,
	}
	if claims.ExpiresAt != nil {
		auth.ExpiresAt = claims.ExpiresAt.Time
	}
	return auth, nil
}

func (p *Delegated) RequireAuth(ctx context.Context, r *http.Request) (*AuthContext, error) {
	return requireAuth(ctx, p, r)
}

func (p *Delegated) HasPermission(auth *AuthContext, roles ...models.Role) bool {
	return hasRole(auth, roles...)
}

func (p *Delegated) ValidateSession(ctx context.Context, token string) (bool, error) {
	if p.opts.PublicKey == nil {
		return false, nil
	}
	claims := p.verify(token)
	if claims == nil {
		return false, nil
	}
	denied, err := p.denied(ctx, claims, token)
	if err != nil {
		return false, err
	}
	return !denied, nil
}

func (p *Delegated) CreateSession(context.Context, models.Identity, SessionRequest) (*IssuedSession, error) {
	return nil, ErrExternallyManaged
}

// RevokeSession denies the token locally until it would have expired anyway.
func (p *Delegated) RevokeSession(ctx context.Context, auth *AuthContext, reason, revokedBy string) error {
	if auth == nil || auth.TokenID == "" {
		return ErrUnauthenticated
	}
	ttl := auth.ExpiresAt.Sub(p.now())
	if ttl <= 0 {
		return nil
	}
	if ttl < time.Second {
		ttl = time.Second
	}
	if err := p.rdb.Set(ctx, denylistKey(auth.TokenID), reason, ttl).Err(); err != nil {
		return fmt.Errorf("deny delegated token: %w", err)
	}
	p.log.Info().
		Str("identity_id", auth.Identity.ID).
		Str("revoked_by", revokedBy).
		Str("reason", reason).
		Msg("delegated token denied")
	return nil
}
