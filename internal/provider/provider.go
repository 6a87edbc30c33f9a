// Package provider authenticates requests against the identity providers
// that can own an account.
package provider

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"portalauth/internal/models"
)

type Kind string

const (
	KindCustom    Kind = "custom"
	KindDelegated Kind = "delegated"
	KindOIDC      Kind = "oidc"
)

var (
	ErrUnauthenticated      = errors.New("authentication required")
	ErrExternallyManaged    = errors.New("sessions for this provider are managed externally")
	ErrProviderNotAvailable = errors.New("oidc provider is not yet available")
	ErrUnknownProvider      = errors.New("unknown provider")
)

// AuthContext is the authenticated identity attached to a request.
type AuthContext struct {
	Identity  models.Identity
	Provider  Kind
	SessionID string
	TokenID   string
	Token     string
	ExpiresAt time.Time
}

type SessionRequest struct {
	Application string
	IPAddress   string
	UserAgent   string
}

// IssuedSession is a freshly created session together with its bearer token.
type IssuedSession struct {
	Session   models.Session
	Token     string
	ExpiresAt time.Time
}

// Provider is implemented once per identity provider. CurrentUser returns
// (nil, nil) for anonymous requests; an error means the provider could not
// decide.
type Provider interface {
	Kind() Kind
	CurrentUser(ctx context.Context, r *http.Request) (*AuthContext, error)
	RequireAuth(ctx context.Context, r *http.Request) (*AuthContext, error)
	HasPermission(auth *AuthContext, roles ...models.Role) bool
	ValidateSession(ctx context.Context, token string) (bool, error)
	CreateSession(ctx context.Context, identity models.Identity, req SessionRequest) (*IssuedSession, error)
	RevokeSession(ctx context.Context, auth *AuthContext, reason, revokedBy string) error
}

type IdentityLookup interface {
	GetByID(ctx context.Context, id string) (models.Identity, error)
	FindByExternalID(ctx context.Context, externalID string) (models.Identity, error)
}

func hasRole(auth *AuthContext, roles ...models.Role) bool {
	if auth == nil {
		return false
	}
	for _, role := range roles {
		if auth.Identity.Role == role {
			return true
		}
	}
	return false
}

func requireAuth(ctx context.Context, p Provider, r *http.Request) (*AuthContext, error) {
	auth, err := p.CurrentUser(ctx, r)
	if err != nil {
		return nil, err
	}
	if auth == nil {
		return nil, ErrUnauthenticated
	}
	return auth, nil
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

func cookieToken(r *http.Request, name string) string {
	if name == "" {
		return ""
	}
	cookie, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return cookie.Value
}
