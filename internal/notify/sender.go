// Package notify hands user-facing messages to the delivery worker.
// Rendering templates is the receiving side's concern.
package notify

import (
	"context"

	"github.com/rs/zerolog"

	"portalauth/internal/obs"
	"portalauth/internal/queue"
)

type Kind string

const (
	KindWelcome         Kind = "welcome"
	KindActivation      Kind = "activation"
	KindPasswordReset   Kind = "password-reset"
	KindPasswordSetup   Kind = "password-setup"
	KindPasswordChanged Kind = "password-changed"
	KindSuspiciousLogin Kind = "suspicious-login"
)

type Message struct {
	Kind       Kind              `json:"kind"`
	IdentityID string            `json:"identityId"`
	Email      string            `json:"email"`
	Name       string            `json:"name,omitempty"`
	Data       map[string]string `json:"data,omitempty"`
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

type Enqueuer interface {
	Enqueue(ctx context.Context, taskType string, payload any) (string, error)
}

// StreamSender queues messages on the task stream for the worker.
type StreamSender struct {
	queue Enqueuer
	log   zerolog.Logger
}

func NewStreamSender(q Enqueuer, log zerolog.Logger) *StreamSender {
	return &StreamSender{queue: q, log: log.With().Str("component", "notify").Logger()}
}

func (s *StreamSender) Send(ctx context.Context, msg Message) error {
	id, err := s.queue.Enqueue(ctx, queue.TaskNotification, msg)
	if err != nil {
		obs.NotificationsQueued.WithLabelValues(string(msg.Kind), "failed").Inc()
		s.log.Error().Err(err).
			Str("kind", string(msg.Kind)).
			Str("identity_id", msg.IdentityID).
			Msg("failed to queue notification")
		return err
	}
	obs.NotificationsQueued.WithLabelValues(string(msg.Kind), "queued").Inc()
	s.log.Debug().Str("kind", string(msg.Kind)).Str("message_id", id).Msg("notification queued")
	return nil
}
