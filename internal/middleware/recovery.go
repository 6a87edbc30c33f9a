package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Recovery turns a panic into the same opaque 500 the handlers return for
// infrastructure failures.
func Recovery(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				event := log.Error().
					Interface("panic", r).
					Str("path", c.FullPath()).
					Str("request_id", RequestIDFrom(c))
				if auth, ok := CurrentAuth(c); ok {
					event = event.Str("identity_id", auth.Identity.ID)
				}
				event.Msg("panic recovered")

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
			}
		}()
		c.Next()
	}
}
