package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"portalauth/internal/obs"
)

// Metrics records request counts and latencies by route template, so path
// parameters do not explode label cardinality.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		obs.HTTPInFlight.Inc()
		start := time.Now()

		c.Next()

		obs.HTTPInFlight.Dec()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		obs.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		obs.HTTPRequestDuration.WithLabelValues(c.Request.Method, path, status).Observe(time.Since(start).Seconds())
	}
}
