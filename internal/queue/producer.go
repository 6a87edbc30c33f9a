package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Task types carried on the stream.
const (
	TaskNotification = "notification"
	TaskAuditArchive = "audit-archive"
)

// Publisher appends tasks to the stream. Each entry has a "type" field and a
// JSON encoded "payload" field.
type Publisher struct {
	client redis.Cmdable
	stream string
}

func NewPublisher(client redis.Cmdable, stream string) *Publisher {
	return &Publisher{client: client, stream: stream}
}

func (p *Publisher) Enqueue(ctx context.Context, taskType string, payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode %s task: %w", taskType, err)
	}
	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			"type":    taskType,
			"payload": string(body),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("enqueue %s task: %w", taskType, err)
	}
	return id, nil
}
