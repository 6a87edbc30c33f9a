// Package natsbus connects the auth service to sibling applications over
// NATS: token verification requests in, session revocation events out.
package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	nats "github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"portalauth/internal/security"
)

const (
	DefaultVerifySubject  = "auth.verify"
	DefaultVerifyQueue    = "portalauth"
	DefaultRevokedSubject = "auth.sessions.revoked"
)

// Inspector verifies a bearer token and reports whether its session is live.
type Inspector interface {
	Inspect(ctx context.Context, token string) (*security.Claims, bool, error)
}

type VerifyResponder struct {
	inspector Inspector
	timeout   time.Duration
	log       zerolog.Logger
	respondFn func(msg *nats.Msg, resp verifyResponse)
}

type verifyRequest struct {
	Token string `json:"token"`
}

type verifyClaims struct {
	Subject   string    `json:"sub"`
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	Role      string    `json:"role"`
	TenantID  string    `json:"tid,omitempty"`
	SessionID string    `json:"sid"`
	ExpiresAt time.Time `json:"exp"`
}

type verifyResponse struct {
	OK     bool          `json:"ok"`
	Live   bool          `json:"live"`
	Error  string        `json:"error,omitempty"`
	Claims *verifyClaims `json:"claims,omitempty"`
}

func NewVerifyResponder(inspector Inspector, log zerolog.Logger) *VerifyResponder {
	return &VerifyResponder{
		inspector: inspector,
		timeout:   2 * time.Second,
		log:       log.With().Str("component", "nats_verify").Logger(),
		respondFn: respond,
	}
}

func (h *VerifyResponder) Subscribe(conn *nats.Conn, subject, queue string) (*nats.Subscription, error) {
	if conn == nil {
		return nil, errors.New("nats connection is nil")
	}
	if subject == "" {
		subject = DefaultVerifySubject
	}
	if queue == "" {
		queue = DefaultVerifyQueue
	}
	return conn.QueueSubscribe(subject, queue, h.handle)
}

func (h *VerifyResponder) handle(msg *nats.Msg) {
	var req verifyRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.Token == "" {
		h.respondFn(msg, verifyResponse{Error: "invalid_payload"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	claims, live, err := h.inspector.Inspect(ctx, req.Token)
	switch {
	case err != nil:
		h.log.Error().Err(err).Msg("session lookup failed")
		h.respondFn(msg, verifyResponse{Error: "unavailable"})
		return
	case claims == nil:
		h.respondFn(msg, verifyResponse{Error: "invalid_token"})
		return
	}

	resp := verifyResponse{
		OK:   true,
		Live: live,
		Claims: &verifyClaims{
			Subject:   claims.Subject,
			Email:     claims.Email,
			Name:      claims.Name,
			Role:      claims.Role,
			TenantID:  claims.TenantID,
			SessionID: claims.SessionID,
		},
	}
	if claims.ExpiresAt != nil {
		resp.Claims.ExpiresAt = claims.ExpiresAt.Time
	}
	if !live {
		resp.Error = "session_revoked"
	}
	h.respondFn(msg, resp)
}

func respond(msg *nats.Msg, resp verifyResponse) {
	data, _ := json.Marshal(resp)
	_ = msg.Respond(data)
}
