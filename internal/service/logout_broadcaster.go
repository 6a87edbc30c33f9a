package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"portalauth/internal/models"
)

// LogoutBroadcaster revokes every session of an identity in one statement and
// tells sibling applications about it.
type LogoutBroadcaster struct {
	sessions SessionStore
	audit    AuditRecorder
	bus      RevocationPublisher
	now      func() time.Time
	log      zerolog.Logger
}

// NewLogoutBroadcaster accepts a nil bus when no sibling-app bus is configured.
func NewLogoutBroadcaster(sessions SessionStore, audit AuditRecorder, bus RevocationPublisher, log zerolog.Logger) *LogoutBroadcaster {
	return &LogoutBroadcaster{
		sessions: sessions,
		audit:    audit,
		bus:      bus,
		now:      time.Now,
		log:      log.With().Str("component", "logout_broadcaster").Logger(),
	}
}

func (b *LogoutBroadcaster) RevokeAll(ctx context.Context, identityID, reason, initiatingApp string, actor models.Actor) (int, error) {
	return b.RevokeAllExcept(ctx, identityID, "", reason, initiatingApp, actor)
}

// RevokeAllExcept is RevokeAll keeping exceptSessionID alive, used when the
// caller's own session should survive.
func (b *LogoutBroadcaster) RevokeAllExcept(ctx context.Context, identityID, exceptSessionID, reason, initiatingApp string, actor models.Actor) (int, error) {
	revoked, err := b.sessions.RevokeAllForIdentity(ctx, identityID, reason, actor.ID, exceptSessionID)
	if err != nil {
		return 0, fmt.Errorf("revoke sessions: %w", err)
	}

	event := models.NewAuditEvent(models.AuditSessionsRevokedAll, actor, models.ResourceIdentity, identityID)
	event.Metadata = map[string]any{
		"reason":         reason,
		"initiating_app": initiatingApp,
		"revoked_count":  len(revoked),
	}
	if exceptSessionID != "" {
		event.Metadata["kept_session_id"] = exceptSessionID
	}
	b.audit.Record(event)

	if b.bus != nil && len(revoked) > 0 {
		err := b.bus.PublishSessionsRevoked(ctx, models.SessionsRevokedEvent{
			IdentityID:    identityID,
			SessionIDs:    revoked,
			Reason:        reason,
			InitiatingApp: initiatingApp,
			RevokedBy:     actor.ID,
			RevokedAt:     b.now().UTC(),
		})
		if err != nil {
			b.log.Warn().Err(err).Str("identity_id", identityID).Msg("failed to publish session revocation")
		}
	}

	b.log.Info().
		Str("identity_id", identityID).
		Str("reason", reason).
		Str("initiating_app", initiatingApp).
		Int("revoked", len(revoked)).
		Msg("sessions revoked")
	return len(revoked), nil
}
