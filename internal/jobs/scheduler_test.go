package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"portalauth/internal/queue"
	"portalauth/internal/tasks"
)

type recordingQueue struct {
	taskType string
	payload  any
}

func (q *recordingQueue) Enqueue(_ context.Context, taskType string, payload any) (string, error) {
	q.taskType, q.payload = taskType, payload
	return "1-0", nil
}

func TestAuditArchiveEnqueuesPreviousUTCDay(t *testing.T) {
	q := &recordingQueue{}
	s := NewScheduler(q, zerolog.Nop())
	s.now = func() time.Time { return time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC) }

	s.enqueueAuditArchive()

	if q.taskType != queue.TaskAuditArchive {
		t.Fatalf("unexpected task type %q", q.taskType)
	}
	payload, ok := q.payload.(tasks.ArchivePayload)
	if !ok || payload.Day != "2023-12-31" {
		t.Fatalf("unexpected payload %#v", q.payload)
	}
}

func TestStartRegistersArchiveJob(t *testing.T) {
	s := NewScheduler(&recordingQueue{}, zerolog.Nop())
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	entries := s.cron.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected one job, got %d", len(entries))
	}
}
