package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"portalauth/internal/migration"
)

func (h HandlerSet) ResendActivation(c *gin.Context) {
	if err := h.accounts.ResendActivation(c.Request.Context(), actorFrom(c), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "activation_sent"})
}

func (h HandlerSet) Unlock(c *gin.Context) {
	if err := h.accounts.Unlock(c.Request.Context(), actorFrom(c), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "unlocked"})
}

type adminLogoutRequest struct {
	Reason string `json:"reason"`
}

func (h HandlerSet) AdminLogoutAll(c *gin.Context) {
	var req adminLogoutRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "admin_revoke"
	}

	revoked, err := h.broadcaster.RevokeAll(c.Request.Context(), c.Param("id"), req.Reason, "admin", actorFrom(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": revoked})
}

func (h HandlerSet) MigrationStatus(c *gin.Context) {
	status, err := h.migration.Status(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

type migrateRequest struct {
	Notes string `json:"notes"`
}

func (h HandlerSet) MigrateIdentity(c *gin.Context) {
	var req migrateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}

	result, err := h.migration.MigrateOne(c.Request.Context(), c.Param("id"), actorFrom(c), req.Notes)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type rollbackRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (h HandlerSet) RollbackIdentity(c *gin.Context) {
	var req rollbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	result, err := h.migration.RollbackOne(c.Request.Context(), c.Param("id"), actorFrom(c), req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h HandlerSet) MigrateCohort(c *gin.Context) {
	cohort, err := migration.ParseCohort(c.Param("cohort"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	batch, err := h.migration.MigrateNextCohort(c.Request.Context(), cohort, actorFrom(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	status := http.StatusOK
	if len(batch.Failures) > 0 {
		status = http.StatusMultiStatus
	}
	c.JSON(status, batch)
}
