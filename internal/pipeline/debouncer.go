package pipeline

import (
	"time"

	"github.com/google/uuid"

	"github.com/focusguard/proctor/internal/models"
)

// EventKind distinguishes a new confirmation from a duration extension of an
// already-confirmed violation. Only confirmed events count against the
// student; updates carry a growing duration under the same event ID.
type EventKind string

const (
	EventConfirmed EventKind = "confirmed"
	EventUpdate    EventKind = "update"
)

// Event is a debounce-confirmed violation (or an update to one).
type Event struct {
	ID         uuid.UUID
	Kind       EventKind
	Behavior   models.Behavior
	Confidence float64
	StartedAt  time.Time
	Duration   time.Duration
}

type debounceState int

const (
	stateIdle debounceState = iota
	statePending
	stateConfirmed
)

// Debouncer is the per-student temporal state machine. It suppresses
// single-frame noise (a behavior must persist for confirmFrames consecutive
// frames) and avoids duplicate events for one long violation (the confirmed
// state re-emits duration updates instead of new confirmations).
//
// A single inconsistent frame discards a pending streak; there is no
// hysteresis grace frame. One debouncer serves exactly one student stream.
type Debouncer struct {
	confirmFrames int
	reemitEvery   time.Duration

	state      debounceState
	behavior   models.Behavior
	confidence float64
	startedAt  time.Time
	frames     int
	eventID    uuid.UUID
	lastEmit   time.Time
}

// NewDebouncer creates a debouncer. confirmFrames <= 0 defaults to 5;
// reemitEvery <= 0 defaults to 10s.
func NewDebouncer(confirmFrames int, reemitEvery time.Duration) *Debouncer {
	if confirmFrames <= 0 {
		confirmFrames = 5
	}
	if reemitEvery <= 0 {
		reemitEvery = 10 * time.Second
	}
	return &Debouncer{confirmFrames: confirmFrames, reemitEvery: reemitEvery}
}

// Observe feeds one classified frame through the state machine, returning a
// violation event when one is confirmed or extended, nil otherwise.
// Frames must arrive in capture order; the observation timestamp drives all
// duration arithmetic so behavior is deterministic under test.
func (d *Debouncer) Observe(o Observation) *Event {
	if !o.Behavior.IsViolation() {
		d.reset()
		return nil
	}

	switch d.state {
	case stateIdle:
		d.begin(o)
		return d.maybeConfirm(o)

	case statePending:
		if o.Behavior != d.behavior {
			// Streak broken by a different violation: restart for it.
			d.begin(o)
			return d.maybeConfirm(o)
		}
		d.frames++
		if o.Confidence > d.confidence {
			d.confidence = o.Confidence
		}
		return d.maybeConfirm(o)

	case stateConfirmed:
		if o.Behavior != d.behavior {
			d.begin(o)
			return d.maybeConfirm(o)
		}
		if o.Confidence > d.confidence {
			d.confidence = o.Confidence
		}
		if o.Timestamp.Sub(d.lastEmit) >= d.reemitEvery {
			d.lastEmit = o.Timestamp
			return &Event{
				ID:         d.eventID,
				Kind:       EventUpdate,
				Behavior:   d.behavior,
				Confidence: d.confidence,
				StartedAt:  d.startedAt,
				Duration:   o.Timestamp.Sub(d.startedAt),
			}
		}
		return nil
	}
	return nil
}

func (d *Debouncer) begin(o Observation) {
	d.state = statePending
	d.behavior = o.Behavior
	d.confidence = o.Confidence
	d.startedAt = o.Timestamp
	d.frames = 1
}

func (d *Debouncer) maybeConfirm(o Observation) *Event {
	if d.frames < d.confirmFrames {
		return nil
	}
	d.state = stateConfirmed
	d.eventID = uuid.New()
	d.lastEmit = o.Timestamp
	return &Event{
		ID:         d.eventID,
		Kind:       EventConfirmed,
		Behavior:   d.behavior,
		Confidence: d.confidence,
		StartedAt:  d.startedAt,
		Duration:   o.Timestamp.Sub(d.startedAt),
	}
}

func (d *Debouncer) reset() {
	d.state = stateIdle
	d.frames = 0
	d.confidence = 0
}
