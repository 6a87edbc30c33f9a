package middleware

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"portalauth/internal/provider"
)

const authContextKey = "auth_context"

type Resolver interface {
	Resolve(ctx context.Context, r *http.Request) (*provider.AuthContext, error)
}

// Authenticate attaches the resolved identity, if any, to the request. It
// never rejects; use RequireAuth on routes that need a caller.
func Authenticate(resolver Resolver, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth, err := resolver.Resolve(c.Request.Context(), c.Request)
		if err != nil {
			log.Warn().Err(err).
				Str("request_id", RequestIDFrom(c)).
				Msg("authentication could not be resolved")
		}
		if auth != nil {
			c.Set(authContextKey, auth)
		}
		c.Next()
	}
}

func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := CurrentAuth(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		c.Next()
	}
}

// CurrentAuth returns the identity Authenticate attached to the request.
func CurrentAuth(c *gin.Context) (*provider.AuthContext, bool) {
	v, ok := c.Get(authContextKey)
	if !ok {
		return nil, false
	}
	auth, ok := v.(*provider.AuthContext)
	return auth, ok && auth != nil
}

// SetAuth attaches auth to the request. Intended for tests.
func SetAuth(c *gin.Context, auth *provider.AuthContext) {
	c.Set(authContextKey, auth)
}
