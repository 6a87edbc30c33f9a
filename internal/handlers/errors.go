package handlers

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"portalauth/internal/middleware"
	"portalauth/internal/migration"
	"portalauth/internal/provider"
	"portalauth/internal/ratelimit"
	"portalauth/internal/service"
)

// writeError maps service errors to responses. Anything unrecognised is an
// infrastructure failure and is logged but never described to the client.
func (h HandlerSet) writeError(c *gin.Context, err error) {
	var (
		validation *service.ValidationError
		limited    *service.RateLimitError
		locked     *service.LockedError
	)

	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "reasons": validation.Reasons})
	case errors.As(err, &limited):
		seconds := int(math.Ceil(limited.RetryAfter.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		c.Header("Retry-After", strconv.Itoa(seconds))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited", "limiter": limited.Limiter, "retryAfter": seconds})
	case errors.As(err, &locked):
		body := gin.H{"error": "account_locked", "indefinite": locked.Indefinite}
		if locked.Indefinite {
			body["message"] = "The account is locked. Contact an administrator to unlock it."
		} else {
			body["lockedUntil"] = locked.Until.UTC()
			body["message"] = "Too many failed attempts. Try again after the lock expires or reset your password."
		}
		c.JSON(http.StatusLocked, body)

	case errors.Is(err, service.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_credentials"})
	case errors.Is(err, service.ErrUnauthenticated), errors.Is(err, provider.ErrUnauthenticated):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
	case errors.Is(err, service.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, service.ErrAccountDisabled):
		c.JSON(http.StatusForbidden, gin.H{"error": "account_disabled"})
	case errors.Is(err, service.ErrAccountNotActivated):
		c.JSON(http.StatusForbidden, gin.H{"error": "account_not_activated"})
	case errors.Is(err, service.ErrPasswordSetupRequired):
		c.JSON(http.StatusForbidden, gin.H{"error": "password_setup_required"})
	case errors.Is(err, service.ErrWrongProvider), errors.Is(err, provider.ErrExternallyManaged):
		c.JSON(http.StatusConflict, gin.H{"error": "wrong_provider"})
	case errors.Is(err, service.ErrTokenInvalid):
		c.JSON(http.StatusBadRequest, gin.H{"error": service.ErrTokenInvalid.Error()})
	case errors.Is(err, service.ErrTokenExpired):
		c.JSON(http.StatusBadRequest, gin.H{"error": service.ErrTokenExpired.Error()})
	case errors.Is(err, service.ErrTokenAlreadyUsed):
		c.JSON(http.StatusBadRequest, gin.H{"error": service.ErrTokenAlreadyUsed.Error()})
	case errors.Is(err, service.ErrInvalidScope), errors.Is(err, migration.ErrUnknownCohort):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, service.ErrIdentityNotFound), errors.Is(err, migration.ErrIdentityNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "identity_not_found"})
	case errors.Is(err, migration.ErrCohortOutOfOrder), errors.Is(err, migration.ErrCohortCompleted),
		errors.Is(err, migration.ErrNothingToMigrate), errors.Is(err, migration.ErrAlreadyMigrated),
		errors.Is(err, migration.ErrNotMigrated):
		c.JSON(http.StatusConflict, gin.H{"error": "migration_conflict", "message": err.Error()})
	case errors.Is(err, provider.ErrProviderNotAvailable):
		c.JSON(http.StatusNotImplemented, gin.H{"error": "provider_not_available"})
	case errors.Is(err, ratelimit.ErrBackendUnavailable):
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("rate limiter unavailable")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service_unavailable"})

	default:
		h.log.Error().Err(err).
			Str("path", c.FullPath()).
			Str("request_id", middleware.RequestIDFrom(c)).
			Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
}
