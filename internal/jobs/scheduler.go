package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"portalauth/internal/queue"
	"portalauth/internal/tasks"
)

// AuditArchiveSpec runs the archive every day at 02:00 UTC.
const AuditArchiveSpec = "0 0 2 * * *"

type Enqueuer interface {
	Enqueue(ctx context.Context, taskType string, payload any) (string, error)
}

type Scheduler struct {
	cron  *cron.Cron
	queue Enqueuer
	now   func() time.Time
	log   zerolog.Logger
}

func NewScheduler(queue Enqueuer, log zerolog.Logger) *Scheduler {
	c := cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC))
	return &Scheduler{
		cron:  c,
		queue: queue,
		now:   time.Now,
		log:   log.With().Str("component", "scheduler").Logger(),
	}
}

func (s *Scheduler) Start() error {
	if s.queue == nil {
		return nil
	}

	if _, err := s.cron.AddFunc(AuditArchiveSpec, s.enqueueAuditArchive); err != nil {
		return err
	}

	s.cron.Start()
	return nil
}

// Stop waits for running jobs, up to five seconds.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		s.log.Warn().Msg("scheduler stop timed out")
	}
}

func (s *Scheduler) enqueueAuditArchive() {
	day := s.now().UTC().AddDate(0, 0, -1).Format(time.DateOnly)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := s.queue.Enqueue(ctx, queue.TaskAuditArchive, tasks.ArchivePayload{Day: day})
	if err != nil {
		s.log.Error().Err(err).Str("day", day).Msg("enqueue audit archive failed")
		return
	}
	s.log.Info().Str("day", day).Str("id", id).Msg("audit archive enqueued")
}
