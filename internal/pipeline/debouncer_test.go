package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/focusguard/proctor/internal/models"
)

func obsAt(b models.Behavior, conf float64, at time.Time) Observation {
	return Observation{Timestamp: at, Behavior: b, Confidence: conf}
}

// feed pushes n consecutive observations of the same behavior, one frame
// every 33ms, and returns all non-nil events.
func feed(d *Debouncer, b models.Behavior, n int, start time.Time) []*Event {
	var events []*Event
	for i := 0; i < n; i++ {
		if ev := d.Observe(obsAt(b, 0.8, start.Add(time.Duration(i)*33*time.Millisecond))); ev != nil {
			events = append(events, ev)
		}
	}
	return events
}

func TestDebouncerSuppressesShortStreaks(t *testing.T) {
	d := NewDebouncer(5, 10*time.Second)
	start := time.Now()

	// 4 frames of the same violation: one short of confirmation.
	events := feed(d, models.BehaviorLookingLeft, 4, start)
	assert.Empty(t, events, "streak below the confirmation threshold must not emit")

	// A normal frame resets the streak entirely.
	require.Nil(t, d.Observe(obsAt(models.BehaviorNormal, 1.0, start.Add(200*time.Millisecond))))

	// 4 more frames of the same behavior still do not confirm.
	events = feed(d, models.BehaviorLookingLeft, 4, start.Add(300*time.Millisecond))
	assert.Empty(t, events, "reset streak must start counting from one again")
}

func TestDebouncerConfirmsExactlyOnce(t *testing.T) {
	d := NewDebouncer(5, 10*time.Second)
	start := time.Now()

	events := feed(d, models.BehaviorHeadDown, 20, start)
	require.Len(t, events, 1, "one sustained violation confirms exactly once")
	assert.Equal(t, EventConfirmed, events[0].Kind)
	assert.Equal(t, models.BehaviorHeadDown, events[0].Behavior)
	assert.Equal(t, start, events[0].StartedAt, "event starts at the first frame of the streak")
}

func TestDebouncerSingleInconsistentFrameResetsPending(t *testing.T) {
	d := NewDebouncer(5, 10*time.Second)
	start := time.Now()

	// 4 violation frames, 1 normal frame, 4 violation frames: never confirms.
	feed(d, models.BehaviorTalking, 4, start)
	require.Nil(t, d.Observe(obsAt(models.BehaviorNormal, 1.0, start.Add(140*time.Millisecond))))
	events := feed(d, models.BehaviorTalking, 4, start.Add(180*time.Millisecond))
	assert.Empty(t, events)
}

func TestDebouncerPendingSwitchStartsNewStreak(t *testing.T) {
	d := NewDebouncer(3, 10*time.Second)
	start := time.Now()

	// 2 frames left, then right: the right streak starts at frame 1.
	feed(d, models.BehaviorLookingLeft, 2, start)
	events := feed(d, models.BehaviorLookingRight, 3, start.Add(100*time.Millisecond))
	require.Len(t, events, 1)
	assert.Equal(t, models.BehaviorLookingRight, events[0].Behavior)
	assert.Equal(t, start.Add(100*time.Millisecond), events[0].StartedAt,
		"the new streak must not inherit frames from the abandoned one")
}

func TestDebouncerReemitsDurationUpdates(t *testing.T) {
	d := NewDebouncer(5, 10*time.Second)
	start := time.Now()

	events := feed(d, models.BehaviorNoFace, 5, start)
	require.Len(t, events, 1)
	confirmed := events[0]

	// Same behavior continuing 10s later re-emits under the same event ID.
	update := d.Observe(obsAt(models.BehaviorNoFace, 0.8, start.Add(11*time.Second)))
	require.NotNil(t, update)
	assert.Equal(t, EventUpdate, update.Kind)
	assert.Equal(t, confirmed.ID, update.ID, "updates reuse the confirmation's event ID")
	assert.Equal(t, confirmed.StartedAt, update.StartedAt)
	assert.Equal(t, 11*time.Second, update.Duration)

	// Durations grow monotonically across updates.
	later := d.Observe(obsAt(models.BehaviorNoFace, 0.8, start.Add(22*time.Second)))
	require.NotNil(t, later)
	assert.Equal(t, EventUpdate, later.Kind)
	assert.Greater(t, later.Duration, update.Duration)
}

func TestDebouncerNormalEndsConfirmedViolation(t *testing.T) {
	d := NewDebouncer(5, 10*time.Second)
	start := time.Now()

	feed(d, models.BehaviorNoFace, 5, start)
	require.Nil(t, d.Observe(obsAt(models.BehaviorNormal, 1.0, start.Add(time.Second))))

	// A fresh NoFace streak confirms a second, distinct event.
	events := feed(d, models.BehaviorNoFace, 5, start.Add(2*time.Second))
	require.Len(t, events, 1)
	assert.Equal(t, EventConfirmed, events[0].Kind)
}

func TestDebouncerDistinctStreaksGetDistinctEventIDs(t *testing.T) {
	d := NewDebouncer(5, 10*time.Second)
	start := time.Now()

	first := feed(d, models.BehaviorNoFace, 5, start)
	require.Nil(t, d.Observe(obsAt(models.BehaviorNormal, 1.0, start.Add(time.Second))))
	second := feed(d, models.BehaviorNoFace, 5, start.Add(2*time.Second))

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.NotEqual(t, first[0].ID, second[0].ID,
		"NoFace, Normal, NoFace must produce two separate events")
}

func TestDebouncerConfirmedSwitchToOtherViolation(t *testing.T) {
	d := NewDebouncer(3, 10*time.Second)
	start := time.Now()

	confirmed := feed(d, models.BehaviorLookingLeft, 3, start)
	require.Len(t, confirmed, 1)

	// Direct transition into a different violation: old event ends, new
	// streak must fully re-confirm.
	events := feed(d, models.BehaviorHeadDown, 2, start.Add(time.Second))
	assert.Empty(t, events)
	events = feed(d, models.BehaviorHeadDown, 1, start.Add(2*time.Second))
	require.Len(t, events, 1)
	assert.Equal(t, EventConfirmed, events[0].Kind)
	assert.Equal(t, models.BehaviorHeadDown, events[0].Behavior)
	assert.NotEqual(t, confirmed[0].ID, events[0].ID)
}

func TestDebouncerTracksRunningMaxConfidence(t *testing.T) {
	d := NewDebouncer(3, 10*time.Second)
	start := time.Now()

	require.Nil(t, d.Observe(obsAt(models.BehaviorTalking, 0.6, start)))
	require.Nil(t, d.Observe(obsAt(models.BehaviorTalking, 0.9, start.Add(33*time.Millisecond))))
	ev := d.Observe(obsAt(models.BehaviorTalking, 0.7, start.Add(66*time.Millisecond)))
	require.NotNil(t, ev)
	assert.Equal(t, 0.9, ev.Confidence, "confirmation carries the streak's max confidence")
}
