// Package audit queues security events and writes them off the request path.
package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"portalauth/internal/models"
	"portalauth/internal/obs"
)

// Sink persists one audit event.
type Sink interface {
	Append(ctx context.Context, event models.AuditEvent) (int64, error)
}

const writeTimeout = 5 * time.Second

// Logger hands events to a single writer goroutine. Record never blocks: when
// the buffer is full the event is dropped and counted.
type Logger struct {
	sink      Sink
	ch        chan models.AuditEvent
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
	now       func() time.Time
	log       zerolog.Logger
}

func NewLogger(sink Sink, bufferSize int, log zerolog.Logger) *Logger {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	l := &Logger{
		sink: sink,
		ch:   make(chan models.AuditEvent, bufferSize),
		done: make(chan struct{}),
		now:  time.Now,
		log:  log.With().Str("component", "audit").Logger(),
	}

	l.wg.Add(1)
	go l.run()
	return l
}

func (l *Logger) run() {
	defer l.wg.Done()

	for {
		select {
		case event := <-l.ch:
			l.write(event)
		case <-l.done:
			for {
				select {
				case event := <-l.ch:
					l.write(event)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) write(event models.AuditEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if _, err := l.sink.Append(ctx, event); err != nil {
		l.log.Error().Err(err).
			Str("action", event.Action).
			Str("resource_id", event.ResourceID).
			Msg("failed to write audit event")
	}
}

func (l *Logger) Record(event models.AuditEvent) {
	if l == nil || l.closed.Load() {
		return
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = l.now().UTC()
	}

	select {
	case l.ch <- event:
	case <-l.done:
	default:
		l.dropped.Add(1)
		obs.AuditDropped.Inc()
		l.log.Warn().Str("action", event.Action).Msg("audit buffer full, event dropped")
	}
}

// Close stops accepting events and waits for the queue to drain.
func (l *Logger) Close() {
	if l == nil {
		return
	}
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		close(l.done)
		l.wg.Wait()
	})
}

func (l *Logger) Dropped() uint64 {
	if l == nil {
		return 0
	}
	return l.dropped.Load()
}
