package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/focusguard/proctor/internal/models"
	"github.com/focusguard/proctor/internal/protocol"
)

type fakeCapture struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeCapture) Capture(at time.Time) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return uuid.New().String()
}

func (f *fakeCapture) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type collector struct {
	mu       sync.Mutex
	sent     []protocol.ViolationEvent
	failNext int
}

func (c *collector) send(ev protocol.ViolationEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failNext > 0 {
		c.failNext--
		return errors.New("transport down")
	}
	c.sent = append(c.sent, ev)
	return nil
}

func (c *collector) events() []protocol.ViolationEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.ViolationEvent, len(c.sent))
	copy(out, c.sent)
	return out
}

func confirmedEvent(b models.Behavior) Event {
	return Event{
		ID:         uuid.New(),
		Kind:       EventConfirmed,
		Behavior:   b,
		Confidence: 0.8,
		StartedAt:  time.Now(),
	}
}

func TestEmitterDropsOldestOnOverflow(t *testing.T) {
	e := NewEmitter(3, nil, nil)

	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		ev := confirmedEvent(models.BehaviorNoFace)
		ids = append(ids, ev.ID)
		e.Emit(ev)
	}

	assert.Equal(t, 3, e.Pending())
	assert.Equal(t, uint64(2), e.Dropped(), "overflow drops are counted, not silent")

	// The survivors are the newest three, in order.
	c := &collector{}
	e.Flush(context.Background(), c.send)
	sent := c.events()
	require.Len(t, sent, 3)
	for i, ev := range sent {
		assert.Equal(t, ids[i+2], ev.EventID)
	}
}

func TestEmitterAttachesEvidenceToConfirmedOnly(t *testing.T) {
	snaps := &fakeCapture{}
	e := NewEmitter(8, snaps, nil)

	confirmed := confirmedEvent(models.BehaviorLookingLeft)
	e.Emit(confirmed)

	update := confirmed
	update.Kind = EventUpdate
	update.Duration = 12 * time.Second
	e.Emit(update)

	assert.Equal(t, 1, snaps.count(), "only confirmations trigger a snapshot")

	c := &collector{}
	e.Flush(context.Background(), c.send)
	sent := c.events()
	require.Len(t, sent, 2)
	assert.NotEmpty(t, sent[0].EvidenceRef)
	assert.Empty(t, sent[1].EvidenceRef, "updates reuse the confirmation's evidence")
	assert.Equal(t, int64(12000), sent[1].DurationMs)
}

func TestEmitterRunDrainsInBackground(t *testing.T) {
	e := NewEmitter(8, nil, nil)
	c := &collector{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx, c.send)

	e.Emit(confirmedEvent(models.BehaviorTalking))
	e.Emit(confirmedEvent(models.BehaviorHeadDown))

	assert.Eventually(t, func() bool { return e.Pending() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, c.events(), 2)
	assert.Zero(t, e.Dropped())
}

func TestEmitterRetriesFailedSendInOrder(t *testing.T) {
	e := NewEmitter(8, nil, nil)
	first := confirmedEvent(models.BehaviorNoFace)
	second := confirmedEvent(models.BehaviorTalking)
	e.Emit(first)
	e.Emit(second)

	c := &collector{failNext: 1}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e.Flush(ctx, c.send)

	sent := c.events()
	require.Len(t, sent, 2, "a failed send keeps the event buffered for retry")
	assert.Equal(t, first.ID, sent[0].EventID)
	assert.Equal(t, second.ID, sent[1].EventID)
	assert.Zero(t, e.Dropped())
}

func TestEmitterFlushDropsUndeliverable(t *testing.T) {
	e := NewEmitter(8, nil, nil)
	e.Emit(confirmedEvent(models.BehaviorNoFace))
	e.Emit(confirmedEvent(models.BehaviorNoFace))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e.Flush(ctx, func(protocol.ViolationEvent) error { return errors.New("gone") })

	assert.Equal(t, 0, e.Pending())
	assert.Equal(t, uint64(2), e.Dropped(), "undelivered events are dropped and counted")
}
