package models

import "time"

type Role string

const (
	RoleTenantAdmin       Role = "tenant-admin"
	RoleTenantUser        Role = "tenant-user"
	RoleOperatorAdmin     Role = "operator-admin"
	RoleOperatorStaff     Role = "operator-staff"
	RoleOperatorInspector Role = "operator-inspector"
	RoleExternalInspector Role = "external-inspector"
)

// IsOperator reports whether the role belongs to the platform operator rather
// than a tenant.
func (r Role) IsOperator() bool {
	switch r {
	case RoleOperatorAdmin, RoleOperatorStaff, RoleOperatorInspector:
		return true
	}
	return false
}

type IdentityStatus string

const (
	IdentityStatusPending     IdentityStatus = "pending-activation"
	IdentityStatusActive      IdentityStatus = "active"
	IdentityStatusSuspended   IdentityStatus = "suspended"
	IdentityStatusDeactivated IdentityStatus = "deactivated"
)

// AuthMode names the provider that currently owns an identity.
type AuthMode string

const (
	AuthModeDelegated AuthMode = "delegated"
	AuthModeCustom    AuthMode = "custom"
	AuthModeMigrating AuthMode = "migrating"
)

type Identity struct {
	ID                    string
	Email                 string
	PasswordHash          []byte
	DisplayName           string
	Role                  Role
	TenantID              *string
	Status                IdentityStatus
	FailedAttempts        int
	LockedUntil           *time.Time
	AuthMode              AuthMode
	ExternalID            *string
	MigratedAt            *time.Time
	MigratedBy            *string
	PasswordResetRequired bool
	LastLoginAt           *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

func (i Identity) HasPassword() bool {
	return len(i.PasswordHash) > 0
}

func (i Identity) Tenant() string {
	if i.TenantID == nil {
		return ""
	}
	return *i.TenantID
}

// Actor identifies whoever triggered a state change, for audit purposes.
type Actor struct {
	ID        string
	Email     string
	Role      Role
	TenantID  string
	IPAddress string
	UserAgent string
}

// SystemActor is used for changes made by the service itself.
var SystemActor = Actor{ID: "system", Email: "system", Role: RoleOperatorAdmin}

func ActorFor(identity Identity, ip, userAgent string) Actor {
	return Actor{
		ID:        identity.ID,
		Email:     identity.Email,
		Role:      identity.Role,
		TenantID:  identity.Tenant(),
		IPAddress: ip,
		UserAgent: userAgent,
	}
}
