package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"portalauth/internal/models"
	"portalauth/internal/notify"
	"portalauth/internal/queue"
)

const archiveContentType = "application/x-ndjson"

type Deliverer interface {
	Deliver(ctx context.Context, msg notify.Message) error
}

type AuditSource interface {
	ListBetween(ctx context.Context, from, to time.Time) ([]models.AuditEvent, error)
}

type ArchiveWriter interface {
	Put(ctx context.Context, key, contentType string, data []byte) error
}

// ArchivePayload names the UTC day to archive as YYYY-MM-DD. An empty day
// means the day before the task runs.
type ArchivePayload struct {
	Day string `json:"day,omitempty"`
}

// Processor dispatches stream tasks to their handlers. A returned error
// leaves the message pending so another consumer can claim it.
type Processor struct {
	deliverer Deliverer
	audit     AuditSource
	archive   ArchiveWriter
	now       func() time.Time
	logger    zerolog.Logger
}

func NewProcessor(deliverer Deliverer, audit AuditSource, archive ArchiveWriter, logger zerolog.Logger) *Processor {
	return &Processor{
		deliverer: deliverer,
		audit:     audit,
		archive:   archive,
		now:       time.Now,
		logger:    logger,
	}
}

// WithClock replaces the time source. Intended for tests.
func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

func (p *Processor) Handle(ctx context.Context, msg redis.XMessage) error {
	taskType, _ := msg.Values["type"].(string)
	raw, _ := msg.Values["payload"].(string)

	switch taskType {
	case queue.TaskNotification:
		var payload notify.Message
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			// A malformed message will never decode; drop it.
			p.logger.Error().Err(err).Str("id", msg.ID).Msg("invalid notification payload")
			return nil
		}
		return p.handleNotification(ctx, payload)
	case queue.TaskAuditArchive:
		var payload ArchivePayload
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &payload); err != nil {
				p.logger.Error().Err(err).Str("id", msg.ID).Msg("invalid audit archive payload")
				return nil
			}
		}
		return p.handleAuditArchive(ctx, payload)
	default:
		p.logger.Warn().Str("type", taskType).Str("id", msg.ID).Msg("unknown task type")
		return nil
	}
}

func (p *Processor) handleNotification(ctx context.Context, msg notify.Message) error {
	if err := p.deliverer.Deliver(ctx, msg); err != nil {
		return fmt.Errorf("deliver %s notification: %w", msg.Kind, err)
	}
	p.logger.Info().Str("kind", string(msg.Kind)).Str("identity_id", msg.IdentityID).Msg("notification delivered")
	return nil
}

func (p *Processor) handleAuditArchive(ctx context.Context, payload ArchivePayload) error {
	if p.audit == nil || p.archive == nil {
		return errors.New("audit archive is not configured")
	}

	day, err := archiveDay(payload.Day, p.now())
	if err != nil {
		p.logger.Error().Err(err).Str("day", payload.Day).Msg("invalid audit archive day")
		return nil
	}

	events, err := p.audit.ListBetween(ctx, day, day.Add(24*time.Hour))
	if err != nil {
		return fmt.Errorf("list audit events: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, event := range events {
		if err := enc.Encode(event); err != nil {
			return fmt.Errorf("encode audit event %d: %w", event.ID, err)
		}
	}

	key := ArchiveKey(day)
	if err := p.archive.Put(ctx, key, archiveContentType, buf.Bytes()); err != nil {
		return err
	}
	p.logger.Info().Str("key", key).Int("events", len(events)).Msg("audit archive written")
	return nil
}

func archiveDay(day string, now time.Time) (time.Time, error) {
	if day == "" {
		y, m, d := now.UTC().AddDate(0, 0, -1).Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
	}
	return time.ParseInLocation(time.DateOnly, day, time.UTC)
}

// ArchiveKey is the object key of the archive for the UTC day containing t.
func ArchiveKey(t time.Time) string {
	return t.UTC().Format("2006/01/02") + ".ndjson"
}
