package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"portalauth/internal/middleware"
	"portalauth/internal/models"
	"portalauth/internal/service"
)

type identityResponse struct {
	ID                    string     `json:"id"`
	Email                 string     `json:"email"`
	DisplayName           string     `json:"displayName"`
	Role                  string     `json:"role"`
	TenantID              string     `json:"tenantId,omitempty"`
	Status                string     `json:"status"`
	AuthMode              string     `json:"authMode"`
	PasswordResetRequired bool       `json:"passwordResetRequired"`
	LastLoginAt           *time.Time `json:"lastLoginAt,omitempty"`
}

func newIdentityResponse(identity models.Identity) identityResponse {
	return identityResponse{
		ID:                    identity.ID,
		Email:                 identity.Email,
		DisplayName:           identity.DisplayName,
		Role:                  string(identity.Role),
		TenantID:              identity.Tenant(),
		Status:                string(identity.Status),
		AuthMode:              string(identity.AuthMode),
		PasswordResetRequired: identity.PasswordResetRequired,
		LastLoginAt:           identity.LastLoginAt,
	}
}

type sessionResponse struct {
	ID           string    `json:"id"`
	Application  string    `json:"application"`
	IPAddress    string    `json:"ipAddress"`
	UserAgent    string    `json:"userAgent"`
	CreatedAt    time.Time `json:"createdAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
	Current      bool      `json:"current"`
}

func newSessionResponse(s models.Session, currentID string) sessionResponse {
	return sessionResponse{
		ID:           s.ID,
		Application:  s.Application,
		IPAddress:    s.IPAddress,
		UserAgent:    s.UserAgent,
		CreatedAt:    s.CreatedAt,
		ExpiresAt:    s.ExpiresAt,
		LastActiveAt: s.LastActiveAt,
		Current:      s.ID == currentID,
	}
}

type loginRequest struct {
	Email       string `json:"email" binding:"required,email"`
	Password    string `json:"password" binding:"required"`
	Application string `json:"application"`
}

type loginResponse struct {
	Token        string           `json:"token"`
	ExpiresAt    time.Time        `json:"expiresAt"`
	Identity     identityResponse `json:"identity"`
	Session      sessionResponse  `json:"session"`
	Suspicious   bool             `json:"suspicious"`
	Reasons      []string         `json:"reasons,omitempty"`
	Notification string           `json:"notification,omitempty"`
}

func (h HandlerSet) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	result, err := h.auth.Login(c.Request.Context(), service.LoginInput{
		Email:    req.Email,
		Password: req.Password,
		Meta:     requestMeta(c, req.Application),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	h.setSessionCookie(c, result.Token, result.ExpiresAt)
	c.JSON(http.StatusOK, loginResponse{
		Token:        result.Token,
		ExpiresAt:    result.ExpiresAt,
		Identity:     newIdentityResponse(result.Identity),
		Session:      newSessionResponse(result.Session, result.Session.ID),
		Suspicious:   result.Suspicious,
		Reasons:      result.Reasons,
		Notification: result.Notification,
	})
}

type logoutRequest struct {
	Scope       string `json:"scope"`
	Application string `json:"application"`
}

// Logout always clears the cookie and answers 200. Revocation failures and
// unreadable bodies are logged, not surfaced. Anything but scope "all"
// revokes the current session only.
func (h HandlerSet) Logout(c *gin.Context) {
	h.clearSessionCookie(c)

	var req logoutRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.log.Warn().Err(err).Msg("unreadable logout body, revoking current session")
			req = logoutRequest{}
		}
	}
	if req.Scope != service.ScopeAll {
		if req.Scope != "" && req.Scope != service.ScopeCurrent {
			h.log.Warn().Str("scope", req.Scope).Msg("unknown logout scope, revoking current session")
		}
		req.Scope = service.ScopeCurrent
	}

	auth, ok := middleware.CurrentAuth(c)
	if !ok {
		c.JSON(http.StatusOK, gin.H{"revoked": 0, "scope": req.Scope})
		return
	}

	revoked, err := h.auth.Logout(c.Request.Context(), auth, req.Scope, requestMeta(c, req.Application))
	if err != nil {
		h.log.Error().Err(err).Str("identity_id", auth.Identity.ID).Str("scope", req.Scope).Msg("logout revocation failed")
	}
	c.JSON(http.StatusOK, gin.H{"revoked": revoked, "scope": req.Scope})
}

func (h HandlerSet) Refresh(c *gin.Context) {
	auth, _ := middleware.CurrentAuth(c)

	issued, err := h.auth.Refresh(c.Request.Context(), auth, requestMeta(c, ""))
	if err != nil {
		h.writeError(c, err)
		return
	}

	h.setSessionCookie(c, issued.Token, issued.ExpiresAt)
	c.JSON(http.StatusOK, gin.H{
		"token":     issued.Token,
		"expiresAt": issued.ExpiresAt,
		"session":   newSessionResponse(issued.Session, issued.Session.ID),
	})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword" binding:"required"`
	NewPassword     string `json:"newPassword" binding:"required"`
}

func (h HandlerSet) ChangePassword(c *gin.Context) {
	var req changePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	auth, _ := middleware.CurrentAuth(c)

	result, err := h.accounts.ChangePassword(c.Request.Context(), auth, req.CurrentPassword, req.NewPassword, requestMeta(c, ""))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"revokedSessions": result.RevokedSessions,
		"notification":    result.Notification,
	})
}

type forgotPasswordRequest struct {
	Email string `json:"email" binding:"required"`
}

// forgotPasswordMessage is returned whether or not the email is known.
const forgotPasswordMessage = "If an account exists for this email, a reset link has been sent."

func (h HandlerSet) ForgotPassword(c *gin.Context) {
	var req forgotPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	if err := h.accounts.ForgotPassword(c.Request.Context(), req.Email, requestMeta(c, "")); err != nil {
		var limited *service.RateLimitError
		if errors.As(err, &limited) {
			h.writeError(c, err)
			return
		}
		h.log.Error().Err(err).Msg("forgot password failed")
	}
	c.JSON(http.StatusOK, gin.H{"message": forgotPasswordMessage})
}

type tokenPasswordRequest struct {
	Token    string `json:"token" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h HandlerSet) ResetPassword(c *gin.Context) {
	var req tokenPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.accounts.ResetPassword(c.Request.Context(), req.Token, req.Password, requestMeta(c, "")); err != nil {
		h.writeError(c, err)
		return
	}
	h.clearSessionCookie(c)
	c.JSON(http.StatusOK, gin.H{"status": "password_reset"})
}

func (h HandlerSet) Activate(c *gin.Context) {
	var req tokenPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.accounts.Activate(c.Request.Context(), req.Token, req.Password, requestMeta(c, "")); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "activated"})
}

func (h HandlerSet) Me(c *gin.Context) {
	auth, _ := middleware.CurrentAuth(c)
	c.JSON(http.StatusOK, gin.H{
		"identity":  newIdentityResponse(auth.Identity),
		"provider":  auth.Provider,
		"sessionId": auth.SessionID,
		"expiresAt": auth.ExpiresAt,
	})
}

func (h HandlerSet) ListSessions(c *gin.Context) {
	auth, _ := middleware.CurrentAuth(c)

	sessions, err := h.auth.Sessions(c.Request.Context(), auth)
	if err != nil {
		h.writeError(c, err)
		return
	}
	items := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		items = append(items, newSessionResponse(s, auth.SessionID))
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h HandlerSet) TrustDevice(c *gin.Context) {
	auth, _ := middleware.CurrentAuth(c)

	fingerprint, location, err := h.auth.TrustDevice(c.Request.Context(), auth, requestMeta(c, ""))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"fingerprint": fingerprint, "location": location})
}
