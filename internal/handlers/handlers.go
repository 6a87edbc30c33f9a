package handlers

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"portalauth/internal/anomaly"
	"portalauth/internal/middleware"
	"portalauth/internal/migration"
	"portalauth/internal/models"
	"portalauth/internal/provider"
	"portalauth/internal/security"
	"portalauth/internal/service"
)

type AuthAPI interface {
	Login(ctx context.Context, input service.LoginInput) (*service.LoginResult, error)
	Logout(ctx context.Context, auth *provider.AuthContext, scope string, meta service.RequestMeta) (int, error)
	Refresh(ctx context.Context, auth *provider.AuthContext, meta service.RequestMeta) (*provider.IssuedSession, error)
	Sessions(ctx context.Context, auth *provider.AuthContext) ([]models.Session, error)
	TrustDevice(ctx context.Context, auth *provider.AuthContext, meta service.RequestMeta) (string, anomaly.Location, error)
}

type AccountAPI interface {
	ChangePassword(ctx context.Context, auth *provider.AuthContext, current, next string, meta service.RequestMeta) (*service.ChangePasswordResult, error)
	ForgotPassword(ctx context.Context, email string, meta service.RequestMeta) error
	ResetPassword(ctx context.Context, rawToken, password string, meta service.RequestMeta) error
	Activate(ctx context.Context, rawToken, password string, meta service.RequestMeta) error
	ResendActivation(ctx context.Context, admin models.Actor, identityID string) error
	Unlock(ctx context.Context, admin models.Actor, identityID string) error
}

type MigrationAPI interface {
	MigrateOne(ctx context.Context, identityID string, admin models.Actor, notes string) (migration.Result, error)
	MigrateNextCohort(ctx context.Context, cohort migration.Cohort, admin models.Actor) (migration.BatchResult, error)
	RollbackOne(ctx context.Context, identityID string, admin models.Actor, reason string) (migration.RollbackResult, error)
	Status(ctx context.Context) (migration.Status, error)
}

type SessionRevoker interface {
	RevokeAll(ctx context.Context, identityID, reason, initiatingApp string, actor models.Actor) (int, error)
}

type SessionInspector interface {
	Inspect(ctx context.Context, token string) (*security.Claims, bool, error)
}

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

type CookieSettings struct {
	Name   string
	Domain string
	Secure bool
}

// InternalSettings enables the signed sibling-application routes when Secret
// is set.
type InternalSettings struct {
	Secret  string
	MaxSkew time.Duration
	Redis   redis.Cmdable
}

type Deps struct {
	Auth        AuthAPI
	Accounts    AccountAPI
	Migration   MigrationAPI
	Broadcaster SessionRevoker
	Resolver    middleware.Resolver
	Inspector   SessionInspector
	Cookie      CookieSettings
	Internal    InternalSettings
	Checks      map[string]HealthCheck
	Environment string
}

type HandlerSet struct {
	log         zerolog.Logger
	auth        AuthAPI
	accounts    AccountAPI
	migration   MigrationAPI
	broadcaster SessionRevoker
	resolver    middleware.Resolver
	inspector   SessionInspector
	cookie      CookieSettings
	internal    InternalSettings
	checks      map[string]HealthCheck
	environment string
}

func NewHandlerSet(log zerolog.Logger, deps Deps) HandlerSet {
	cookie := deps.Cookie
	if cookie.Name == "" {
		cookie.Name = provider.DefaultCookieName
	}
	return HandlerSet{
		log:         log.With().Str("component", "http").Logger(),
		auth:        deps.Auth,
		accounts:    deps.Accounts,
		migration:   deps.Migration,
		broadcaster: deps.Broadcaster,
		resolver:    deps.Resolver,
		inspector:   deps.Inspector,
		cookie:      cookie,
		internal:    deps.Internal,
		checks:      deps.Checks,
		environment: deps.Environment,
	}
}

func (h HandlerSet) Register(router *gin.RouterGroup) {
	router.GET("/healthz", h.Health)

	v1 := router.Group("/v1")
	v1.Use(middleware.Authenticate(h.resolver, h.log))
	{
		auth := v1.Group("/auth")
		auth.POST("/login", h.Login)
		auth.POST("/logout", h.Logout)
		auth.POST("/forgot-password", h.ForgotPassword)
		auth.POST("/reset-password", h.ResetPassword)
		auth.POST("/activate", h.Activate)

		protected := v1.Group("/auth")
		protected.Use(middleware.RequireAuth())
		protected.POST("/refresh", h.Refresh)
		protected.POST("/change-password", h.ChangePassword)
		protected.GET("/me", h.Me)
		protected.GET("/sessions", h.ListSessions)
		protected.POST("/devices/trust", h.TrustDevice)
	}

	admin := v1.Group("/admin")
	admin.Use(middleware.RequireRoles(models.RoleOperatorAdmin, models.RoleTenantAdmin))
	{
		// Tenant admins are limited to their own tenant by the service.
		admin.POST("/identities/:id/resend-activation", h.ResendActivation)

		operator := admin.Group("")
		operator.Use(middleware.RequireRoles(models.RoleOperatorAdmin))
		operator.POST("/identities/:id/unlock", h.Unlock)
		operator.POST("/identities/:id/logout-all", h.AdminLogoutAll)
		operator.GET("/migration/status", h.MigrationStatus)
		operator.POST("/migration/identities/:id", h.MigrateIdentity)
		operator.POST("/migration/identities/:id/rollback", h.RollbackIdentity)
		operator.POST("/migration/cohorts/:cohort", h.MigrateCohort)
	}

	if h.internal.Secret != "" && h.internal.Redis != nil && h.inspector != nil {
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalSignature(h.internal.Secret, h.internal.MaxSkew, h.internal.Redis))
		internal.POST("/sessions/verify", h.VerifySession)
	}
}

// requestMeta describes the caller. The application comes from the body when
// given, otherwise from the X-Portal-App header.
func requestMeta(c *gin.Context, application string) service.RequestMeta {
	if application == "" {
		application = c.GetHeader("X-Portal-App")
	}
	return service.RequestMeta{
		IPAddress:   c.ClientIP(),
		UserAgent:   c.GetHeader("User-Agent"),
		Application: application,
		Headers:     c.Request.Header,
	}
}

func actorFrom(c *gin.Context) models.Actor {
	auth, ok := middleware.CurrentAuth(c)
	if !ok {
		return models.Actor{IPAddress: c.ClientIP(), UserAgent: c.GetHeader("User-Agent")}
	}
	return models.ActorFor(auth.Identity, c.ClientIP(), c.GetHeader("User-Agent"))
}
