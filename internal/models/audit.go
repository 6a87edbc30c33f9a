package models

import "time"

const (
	AuditLoginSuccess       = "auth.login.success"
	AuditLoginFailed        = "auth.login.failed"
	AuditLoginLocked        = "auth.login.locked"
	AuditLoginSuspicious    = "auth.login.suspicious"
	AuditLogout             = "auth.logout"
	AuditSessionsRevokedAll = "auth.sessions.revoked_all"
	AuditTokenRefreshed     = "auth.token.refreshed"
	AuditPasswordChanged    = "auth.password.changed"
	AuditPasswordResetReq   = "auth.password.reset_requested"
	AuditPasswordReset      = "auth.password.reset"
	AuditActivationSent     = "auth.activation.sent"
	AuditActivated          = "auth.activation.completed"
	AuditAccountUnlocked    = "auth.account.unlocked"
	AuditDeviceTrusted      = "auth.device.trusted"
	AuditMigrated           = "auth.migration.migrated"
	AuditRolledBack         = "auth.migration.rolled_back"
	AuditLateRollback       = "auth.migration.late_rollback"
)

const (
	ResourceIdentity = "identity"
	ResourceSession  = "session"
)

// AuditEvent is an append-only security record.
type AuditEvent struct {
	ID            int64          `json:"id"`
	Action        string         `json:"action"`
	ActorID       string         `json:"actorId,omitempty"`
	ActorEmail    string         `json:"actorEmail,omitempty"`
	ActorRole     string         `json:"actorRole,omitempty"`
	IPAddress     string         `json:"ipAddress,omitempty"`
	UserAgent     string         `json:"userAgent,omitempty"`
	ResourceType  string         `json:"resourceType,omitempty"`
	ResourceID    string         `json:"resourceId,omitempty"`
	PreviousState map[string]any `json:"previousState,omitempty"`
	NewState      map[string]any `json:"newState,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// NewAuditEvent fills the actor fields from a.
func NewAuditEvent(action string, a Actor, resourceType, resourceID string) AuditEvent {
	return AuditEvent{
		Action:       action,
		ActorID:      a.ID,
		ActorEmail:   a.Email,
		ActorRole:    string(a.Role),
		IPAddress:    a.IPAddress,
		UserAgent:    a.UserAgent,
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}
