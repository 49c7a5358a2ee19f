// Package audit records security-relevant events. Recording is fire-and-
// forget through a bounded buffer: the hot path never blocks on the
// database, and sustained overload drops the oldest events rather than the
// newest, leaving a drop marker in the trail.
package audit

import (
	"context"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/oriole-systems/toolhub/pkg/models"
	"github.com/oriole-systems/toolhub/pkg/repositories"
)

// DefaultBufferSize is how many events the recorder holds before dropping.
const DefaultBufferSize = 1024

// Recorder buffers audit events and writes them in a background goroutine.
type Recorder struct {
	repo   repositories.AuditRepository
	logger *zap.Logger

	mu      sync.Mutex
	buffer  chan *models.AuditEvent
	dropped int64

	done chan struct{}
}

// NewRecorder creates a recorder with the given buffer size
// (DefaultBufferSize if zero) and starts its writer.
func NewRecorder(repo repositories.AuditRepository, size int, logger *zap.Logger) *Recorder {
	if size <= 0 {
		size = DefaultBufferSize
	}
	r := &Recorder{
		repo:   repo,
		logger: logger.Named("audit"),
		buffer: make(chan *models.AuditEvent, size),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// Record enqueues an event. When the buffer is full the oldest queued event
// is discarded to make room, and the discard itself is counted.
func (r *Recorder) Record(event *models.AuditEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		select {
		case r.buffer <- event:
			return
		default:
		}
		// Full: drop the oldest and retry.
		select {
		case dropped := <-r.buffer:
			r.dropped++
			r.logger.Warn("Audit buffer full, dropping oldest event",
				zap.String("dropped_action", dropped.Action))
		default:
		}
	}
}

// Close stops the writer after draining queued events.
func (r *Recorder) Close() {
	r.mu.Lock()
	close(r.buffer)
	r.mu.Unlock()
	<-r.done
}

func (r *Recorder) run() {
	defer close(r.done)
	for event := range r.buffer {
		if err := r.repo.Insert(context.Background(), event); err != nil {
			r.logger.Error("Failed to write audit event",
				zap.String("action", event.Action),
				zap.Error(err))
		}
		// Markers land as soon as the writer catches up, not only at
		// shutdown, so the trail shows the gap next to where it happened.
		r.flushDropMarker()
	}
	r.flushDropMarker()
}

// flushDropMarker records how many events the buffer shed since the last
// marker. The marker bypasses the buffer: it must not be droppable itself.
func (r *Recorder) flushDropMarker() {
	r.mu.Lock()
	dropped := r.dropped
	r.dropped = 0
	r.mu.Unlock()
	if dropped == 0 {
		return
	}

	marker := &models.AuditEvent{
		Category:   models.AuditAdmin,
		Action:     "audit.events_dropped",
		TargetType: "audit",
		TargetName: strconv.FormatInt(dropped, 10),
		Success:    false,
	}
	if err := r.repo.Insert(context.Background(), marker); err != nil {
		r.logger.Error("Failed to write audit drop marker", zap.Error(err))
		r.mu.Lock()
		r.dropped += dropped
		r.mu.Unlock()
	}
}
