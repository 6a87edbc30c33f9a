package provider

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"portalauth/internal/models"
)

// Resolver tries the custom provider first and falls back to the delegated
// provider only when custom yields nothing.
type Resolver struct {
	custom    Provider
	delegated Provider
	oidc      Provider
	log       zerolog.Logger
}

func NewResolver(custom, delegated Provider, log zerolog.Logger) *Resolver {
	return &Resolver{
		custom:    custom,
		delegated: delegated,
		oidc:      OIDC{},
		log:       log.With().Str("component", "resolver").Logger(),
	}
}

func (r *Resolver) Resolve(ctx context.Context, req *http.Request) (*AuthContext, error) {
	auth, customErr := r.custom.CurrentUser(ctx, req)
	if customErr == nil && auth != nil {
		return auth, nil
	}
	if customErr != nil {
		r.log.Warn().Err(customErr).Msg("custom provider failed, trying delegated provider")
	}

	if r.delegated == nil {
		return nil, customErr
	}
	auth, err := r.delegated.CurrentUser(ctx, req)
	if err != nil {
		if customErr != nil {
			return nil, customErr
		}
		return nil, err
	}
	if auth == nil {
		return nil, customErr
	}

	// An account that has moved to custom auth must not be let back in
	// through the old provider.
	if auth.Identity.AuthMode == models.AuthModeCustom {
		r.log.Warn().Str("identity_id", auth.Identity.ID).Msg("rejecting delegated session for custom identity")
		return nil, customErr
	}
	return auth, nil
}

// For returns the provider responsible for kind.
func (r *Resolver) For(kind Kind) (Provider, error) {
	switch kind {
	case KindCustom:
		return r.custom, nil
	case KindDelegated:
		if r.delegated == nil {
			return nil, fmt.Errorf("%w: delegated provider not configured", ErrUnknownProvider)
		}
		return r.delegated, nil
	case KindOIDC:
		return r.oidc, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, kind)
	}
}
