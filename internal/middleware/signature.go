package middleware

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"portalauth/internal/security"
)

// InternalSignature admits requests signed by a sibling application with the
// shared secret. The signature covers the timestamp header and the body, and
// each signature is accepted once within the skew window.
func InternalSignature(secret string, maxSkew time.Duration, rdb redis.Cmdable) gin.HandlerFunc {
	if maxSkew <= 0 {
		maxSkew = 5 * time.Minute
	}

	return func(c *gin.Context) {
		signature := c.GetHeader(security.HeaderWebhookSignature)
		rawTimestamp := c.GetHeader(security.HeaderWebhookTimestamp)
		if signature == "" || rawTimestamp == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "signature_required"})
			return
		}

		timestamp, err := strconv.ParseInt(rawTimestamp, 10, 64)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_timestamp"})
			return
		}
		requestTime := time.Unix(timestamp, 0)
		if time.Since(requestTime) > maxSkew || time.Until(requestTime) > maxSkew {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "request_expired"})
			return
		}

		rawBody, err := c.GetRawData()
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_body"})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(rawBody))

		if !security.VerifyPayload(secret, timestamp, rawBody, signature) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature"})
			return
		}

		ok, err := rdb.SetNX(c.Request.Context(), "internal:sig:"+signature, "1", 2*maxSkew).Result()
		if err != nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "service_unavailable"})
			return
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "replay_detected"})
			return
		}

		c.Next()
	}
}
