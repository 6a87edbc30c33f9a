package provider

import (
	"context"
	"net/http"

	"portalauth/internal/models"
)

// OIDC reserves the slot for an external OIDC-style provider whose protocol
// has not been settled. Every operation fails with ErrProviderNotAvailable.
type OIDC struct{}

func (OIDC) Kind() Kind { return KindOIDC }

func (OIDC) CurrentUser(context.Context, *http.Request) (*AuthContext, error) {
	return nil, ErrProviderNotAvailable
}

func (OIDC) RequireAuth(context.Context, *http.Request) (*AuthContext, error) {
	return nil, ErrProviderNotAvailable
}

// HasPermission cannot report an error, so it denies.
func (OIDC) HasPermission(*AuthContext, ...models.Role) bool {
	return false
}

func (OIDC) ValidateSession(context.Context, string) (bool, error) {
	return false, ErrProviderNotAvailable
}

func (OIDC) CreateSession(context.Context, models.Identity, SessionRequest) (*IssuedSession, error) {
	return nil, ErrProviderNotAvailable
}

func (OIDC) RevokeSession(context.Context, *AuthContext, string, string) error {
	return ErrProviderNotAvailable
}
