package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Probe endpoints are scraped constantly and only logged when they fail.
var quietPaths = map[string]struct{}{
	"/api/healthz": {},
	"/metrics":     {},
}

func Logger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		event := log.Info()
		if status >= 500 {
			event = log.Error()
		} else if status >= 400 {
			event = log.Warn()
		} else if _, quiet := quietPaths[c.Request.URL.Path]; quiet {
			return
		}

		if auth, ok := CurrentAuth(c); ok {
			event = event.Str("identity_id", auth.Identity.ID).Str("provider", string(auth.Provider))
		}
		if app := c.GetHeader("X-Portal-App"); app != "" {
			event = event.Str("application", app)
		}

		event.
			Str("method", c.Request.Method).
			Str("route", c.FullPath()).
			Str("path", c.Request.URL.Path).
			Str("client_ip", c.ClientIP()).
			Int("status", status).
			Dur("latency", latency).
			Str("request_id", RequestIDFrom(c)).
			Msg("http request")
	}
}
