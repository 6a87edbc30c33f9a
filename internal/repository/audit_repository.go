package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"portalauth/internal/models"
)

type AuditRepository struct {
	db *sql.DB
}

func NewAuditRepository(db *sql.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

func (r *AuditRepository) Append(ctx context.Context, event models.AuditEvent) (int64, error) {
	const query = `
		INSERT INTO audit_events (
			action, actor_id, actor_email, actor_role, ip_address, user_agent,
			resource_type, resource_id, previous_state, new_state, metadata, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		)
		RETURNING id
	`

	previous, err := marshalState(event.PreviousState)
	if err != nil {
		return 0, err
	}
	next, err := marshalState(event.NewState)
	if err != nil {
		return 0, err
	}
	metadata, err := marshalState(event.Metadata)
	if err != nil {
		return 0, err
	}

	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	var id int64
	if err := r.db.QueryRowContext(ctx, query,
		event.Action,
		nullString(event.ActorID),
		nullString(event.ActorEmail),
		nullString(event.ActorRole),
		nullString(event.IPAddress),
		nullString(event.UserAgent),
		nullString(event.ResourceType),
		nullString(event.ResourceID),
		previous,
		next,
		metadata,
		createdAt.UTC(),
	).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// ListBetween returns events with from <= created_at < to in sequence order.
func (r *AuditRepository) ListBetween(ctx context.Context, from, to time.Time) ([]models.AuditEvent, error) {
	const query = `
		SELECT id, action, actor_id, actor_email, actor_role, ip_address, user_agent,
		       resource_type, resource_id, previous_state, new_state, metadata, created_at
		FROM audit_events
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY id
	`
	rows, err := r.db.QueryContext(ctx, query, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.AuditEvent
	for rows.Next() {
		var (
			event                          models.AuditEvent
			actorID, actorEmail, actorRole sql.NullString
			ip, ua                         sql.NullString
			resourceType, resourceID       sql.NullString
			previous, next, metadata       []byte
		)
		if err := rows.Scan(
			&event.ID,
			&event.Action,
			&actorID,
			&actorEmail,
			&actorRole,
			&ip,
			&ua,
			&resourceType,
			&resourceID,
			&previous,
			&next,
			&metadata,
			&event.CreatedAt,
		); err != nil {
			return nil, err
		}
		event.ActorID = actorID.String
		event.ActorEmail = actorEmail.String
		event.ActorRole = actorRole.String
		event.IPAddress = ip.String
		event.UserAgent = ua.String
		event.ResourceType = resourceType.String
		event.ResourceID = resourceID.String
		if event.PreviousState, err = unmarshalState(previous); err != nil {
			return nil, err
		}
		if event.NewState, err = unmarshalState(next); err != nil {
			return nil, err
		}
		if event.Metadata, err = unmarshalState(metadata); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func marshalState(state map[string]any) (any, error) {
	if len(state) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("marshal audit state: %w", err)
	}
	return string(b), nil
}

func unmarshalState(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var state map[string]any
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("unmarshal audit state: %w", err)
	}
	return state, nil
}
