package natsbus

import (
	"context"
	"encoding/json"
	"fmt"

	"portalauth/internal/models"
)

// Conn is the part of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
}

// Publisher broadcasts session revocations so sibling applications can drop
// cached sessions.
type Publisher struct {
	conn    Conn
	subject string
}

func NewPublisher(conn Conn, subject string) *Publisher {
	if subject == "" {
		subject = DefaultRevokedSubject
	}
	return &Publisher{conn: conn, subject: subject}
}

func (p *Publisher) PublishSessionsRevoked(ctx context.Context, event models.SessionsRevokedEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode revocation event: %w", err)
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", p.subject, err)
	}
	return nil
}
