package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/focusguard/proctor/internal/protocol"
)

// Capturer obtains an opaque evidence reference for a confirmed violation.
// The actual snapshot capture and upload happen out of band; Capture must
// return quickly and never block the classification loop.
type Capturer interface {
	Capture(at time.Time) (ref string)
}

// SendFunc delivers one serialized event to the transport. It returns an
// error when the transport is unavailable; the emitter keeps the event
// buffered and retries.
type SendFunc func(ev protocol.ViolationEvent) error

const senderRetryDelay = 500 * time.Millisecond

// Emitter buffers confirmed violation events for transport. The buffer is
// bounded: on overflow the oldest unsent event is dropped and a counter is
// incremented, visible via Dropped. Enqueueing never blocks.
type Emitter struct {
	capacity int
	capture  Capturer
	logger   *zap.Logger

	mu    sync.Mutex
	queue []protocol.ViolationEvent
	wake  chan struct{}

	dropped atomic.Uint64
}

// NewEmitter creates an emitter with the given buffer capacity.
// capacity <= 0 defaults to 128.
func NewEmitter(capacity int, capture Capturer, logger *zap.Logger) *Emitter {
	if capacity <= 0 {
		capacity = 128
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emitter{
		capacity: capacity,
		capture:  capture,
		logger:   logger,
		wake:     make(chan struct{}, 1),
	}
}

// Emit serializes a debouncer event and enqueues it. A confirmed event gets
// an evidence reference attached; updates reuse the confirmation's evidence.
func (e *Emitter) Emit(ev Event) {
	msg := protocol.ViolationEvent{
		EventID:      ev.ID,
		Kind:         string(ev.Kind),
		Behavior:     ev.Behavior,
		BehaviorName: ev.Behavior.String(),
		Confidence:   ev.Confidence,
		StartedAt:    ev.StartedAt,
		DurationMs:   ev.Duration.Milliseconds(),
	}
	if ev.Kind == EventConfirmed && e.capture != nil {
		msg.EvidenceRef = e.capture.Capture(ev.StartedAt)
	}

	e.mu.Lock()
	if len(e.queue) >= e.capacity {
		e.queue = e.queue[1:]
		e.dropped.Add(1)
		e.logger.Warn("event buffer full, dropped oldest",
			zap.Uint64("dropped_total", e.dropped.Load()))
	}
	e.queue = append(e.queue, msg)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Dropped returns the number of events discarded due to buffer overflow.
func (e *Emitter) Dropped() uint64 { return e.dropped.Load() }

// Pending returns the number of buffered unsent events.
func (e *Emitter) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Run drains the buffer to the transport until ctx is canceled. Send
// failures leave the event at the head of the queue and back off briefly.
func (e *Emitter) Run(ctx context.Context, send SendFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.wake:
		}
		e.drain(ctx, send)
	}
}

// Flush drains remaining events best-effort until ctx expires (the end-of-
// session grace period). Events still queued afterwards are dropped and
// counted, so the loss is observable rather than silent.
func (e *Emitter) Flush(ctx context.Context, send SendFunc) {
	e.drain(ctx, send)
	e.mu.Lock()
	remaining := len(e.queue)
	e.queue = nil
	e.mu.Unlock()
	if remaining > 0 {
		e.dropped.Add(uint64(remaining))
		e.logger.Warn("dropping unsent events after flush grace period",
			zap.Int("count", remaining))
	}
}

func (e *Emitter) drain(ctx context.Context, send SendFunc) {
	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			e.mu.Unlock()
			return
		}
		head := e.queue[0]
		e.mu.Unlock()

		if err := send(head); err != nil {
			e.logger.Debug("send failed, will retry", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(senderRetryDelay):
			}
			continue
		}

		e.mu.Lock()
		// Head may have been dropped by overflow while we were sending;
		// only pop if it is still the same event.
		if len(e.queue) > 0 && e.queue[0].EventID == head.EventID && e.queue[0].Kind == head.Kind {
			e.queue = e.queue[1:]
		}
		e.mu.Unlock()
	}
}
