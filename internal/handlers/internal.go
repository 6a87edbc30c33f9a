package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type verifyRequest struct {
	Token string `json:"token" binding:"required"`
}

// VerifySession lets a sibling application check a portal token without
// database access of its own. The route is signed, so a response can carry
// identity claims.
func (h HandlerSet) VerifySession(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	claims, live, err := h.inspector.Inspect(c.Request.Context(), req.Token)
	if err != nil {
		h.log.Error().Err(err).Msg("session verification failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": "service_unavailable"})
		return
	}
	if claims == nil {
		c.JSON(http.StatusOK, gin.H{"ok": false, "live": false, "error": "invalid_token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":   true,
		"live": live,
		"claims": gin.H{
			"sub":   claims.Subject,
			"email": claims.Email,
			"role":  claims.Role,
			"tid":   claims.TenantID,
			"sid":   claims.SessionID,
		},
	})
}
