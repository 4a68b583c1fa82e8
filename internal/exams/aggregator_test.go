package exams

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/focusguard/proctor/internal/models"
	"github.com/focusguard/proctor/internal/protocol"
)

type fakeNotifier struct {
	mu        sync.Mutex
	recorded  []protocol.ViolationEvent
	statuses  []protocol.StudentStatus
	flagCalls []int
}

func (n *fakeNotifier) ViolationRecorded(_ string, ev protocol.ViolationEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.recorded = append(n.recorded, ev)
}

func (n *fakeNotifier) StudentFlagged(_ string, _ uuid.UUID, count int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.flagCalls = append(n.flagCalls, count)
}

func (n *fakeNotifier) StatusChanged(_ string, status protocol.StudentStatus) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses = append(n.statuses, status)
}

func confirmedWire(b models.Behavior) protocol.ViolationEvent {
	return protocol.ViolationEvent{
		EventID:      uuid.New(),
		Kind:         "confirmed",
		Behavior:     b,
		BehaviorName: b.String(),
		Confidence:   0.8,
		StartedAt:    time.Now(),
	}
}

// activeSession creates and starts an exam with one joined student.
func activeSession(t *testing.T, m *Manager, code string, maxViolations int) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	_, err := m.Create(ctx, "Exam "+code, uuid.New(), code, maxViolations)
	require.NoError(t, err)
	_, err = m.Start(ctx, code)
	require.NoError(t, err)
	studentID := uuid.New()
	_, _, err = m.Join(ctx, code, studentID, "Student")
	require.NoError(t, err)
	return studentID
}

func participant(t *testing.T, m *Manager, code string, studentID uuid.UUID) Participant {
	t.Helper()
	parts, err := m.Participants(code)
	require.NoError(t, err)
	for _, p := range parts {
		if p.StudentID == studentID {
			return p
		}
	}
	t.Fatalf("student %s not found in %s", studentID, code)
	return Participant{}
}

func TestAggregatorConfirmedIncrementsCount(t *testing.T) {
	m := NewManager(nil, nil)
	studentID := activeSession(t, m, "AGG001", 5)
	a := NewAggregator(m, nil, nil, nil)
	ctx := context.Background()

	require.NoError(t, a.Apply(ctx, "AGG001", studentID, confirmedWire(models.BehaviorNoFace)))
	require.NoError(t, a.Apply(ctx, "AGG001", studentID, confirmedWire(models.BehaviorTalking)))

	p := participant(t, m, "AGG001", studentID)
	assert.Equal(t, 2, p.ViolationCount)
	assert.False(t, p.Flagged)
}

func TestAggregatorUpdateExtendsDurationOnly(t *testing.T) {
	m := NewManager(nil, nil)
	store := newMemStore()
	studentID := activeSession(t, m, "AGG002", 5)
	a := NewAggregator(m, store, nil, nil)
	ctx := context.Background()

	ev := confirmedWire(models.BehaviorHeadDown)
	require.NoError(t, a.Apply(ctx, "AGG002", studentID, ev))

	update := ev
	update.Kind = "update"
	update.DurationMs = 12000
	require.NoError(t, a.Apply(ctx, "AGG002", studentID, update))

	p := participant(t, m, "AGG002", studentID)
	assert.Equal(t, 1, p.ViolationCount, "updates never increment the count")

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.violations, 1)
	assert.Equal(t, int64(12000), store.durationUpdates[ev.EventID])
}

func TestAggregatorFlagsBeyondMaxAndStaysFlagged(t *testing.T) {
	m := NewManager(nil, nil)
	notifier := &fakeNotifier{}
	studentID := activeSession(t, m, "AGG003", 5)
	a := NewAggregator(m, nil, notifier, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, a.Apply(ctx, "AGG003", studentID, confirmedWire(models.BehaviorNoFace)))
		assert.False(t, participant(t, m, "AGG003", studentID).Flagged,
			"count equal to max is not yet over the line")
	}

	// The sixth confirmation crosses max and flags.
	require.NoError(t, a.Apply(ctx, "AGG003", studentID, confirmedWire(models.BehaviorNoFace)))
	p := participant(t, m, "AGG003", studentID)
	assert.Equal(t, 6, p.ViolationCount)
	assert.True(t, p.Flagged)

	// Further confirmations keep the flag and do not re-notify.
	require.NoError(t, a.Apply(ctx, "AGG003", studentID, confirmedWire(models.BehaviorTalking)))
	assert.True(t, participant(t, m, "AGG003", studentID).Flagged)

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	require.Len(t, notifier.flagCalls, 1, "flagging notifies exactly once")
	assert.Equal(t, 6, notifier.flagCalls[0])
	assert.Len(t, notifier.recorded, 7)
}

func TestAggregatorStampsConnectionIdentity(t *testing.T) {
	m := NewManager(nil, nil)
	notifier := &fakeNotifier{}
	studentID := activeSession(t, m, "AGG004", 5)
	a := NewAggregator(m, nil, notifier, nil)

	// The payload claims a different student; the connection identity wins.
	ev := confirmedWire(models.BehaviorLookingLeft)
	ev.StudentID = uuid.New()
	ev.ExamCode = "FORGED"
	require.NoError(t, a.Apply(context.Background(), "AGG004", studentID, ev))

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	require.Len(t, notifier.recorded, 1)
	assert.Equal(t, studentID, notifier.recorded[0].StudentID)
	assert.Equal(t, "AGG004", notifier.recorded[0].ExamCode)
}

func TestAggregatorRejectsProtocolErrors(t *testing.T) {
	m := NewManager(nil, nil)
	a := NewAggregator(m, nil, nil, nil)
	ctx := context.Background()

	err := a.Apply(ctx, "NOSUCH", uuid.New(), confirmedWire(models.BehaviorNoFace))
	assert.ErrorIs(t, err, ErrNotFound)

	// Created but not started: events are premature.
	_, err = m.Create(ctx, "Exam", uuid.New(), "AGG005", 5)
	require.NoError(t, err)
	err = a.Apply(ctx, "AGG005", uuid.New(), confirmedWire(models.BehaviorNoFace))
	assert.ErrorIs(t, err, ErrInvalidState)

	// Active, but the student never joined.
	_, err = m.Start(ctx, "AGG005")
	require.NoError(t, err)
	err = a.Apply(ctx, "AGG005", uuid.New(), confirmedWire(models.BehaviorNoFace))
	assert.ErrorIs(t, err, ErrUnknownStudent)

	// Ended session.
	_, err = m.End(ctx, "AGG005")
	require.NoError(t, err)
	err = a.Apply(ctx, "AGG005", uuid.New(), confirmedWire(models.BehaviorNoFace))
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestAggregatorIsolatesCorruptedSession(t *testing.T) {
	m := NewManager(nil, nil)
	ctx := context.Background()
	corrupt := activeSession(t, m, "AGG006", 5)
	healthy := activeSession(t, m, "AGG007", 5)
	a := NewAggregator(m, nil, nil, nil)

	// Force an impossible configuration: Active with an end timestamp.
	s, err := m.get("AGG006")
	require.NoError(t, err)
	ended := time.Now()
	s.mu.Lock()
	s.Exam.EndedAt = &ended
	s.mu.Unlock()

	err = a.Apply(ctx, "AGG006", corrupt, confirmedWire(models.BehaviorNoFace))
	assert.ErrorIs(t, err, ErrCorrupted)

	exam, err := m.Get("AGG006")
	require.NoError(t, err)
	assert.Equal(t, models.ExamEnded, exam.State, "corrupted session is force-ended")

	// The healthy session is untouched and keeps accepting events.
	require.NoError(t, a.Apply(ctx, "AGG007", healthy, confirmedWire(models.BehaviorNoFace)))
	assert.Equal(t, 1, participant(t, m, "AGG007", healthy).ViolationCount)
}

func TestAggregatorReconnectPreservesStanding(t *testing.T) {
	m := NewManager(nil, nil)
	studentID := activeSession(t, m, "AGG008", 5)
	a := NewAggregator(m, nil, nil, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, a.Apply(ctx, "AGG008", studentID, confirmedWire(models.BehaviorNoFace)))
	}

	m.Leave(ctx, "AGG008", studentID)
	assert.False(t, participant(t, m, "AGG008", studentID).Connected)

	_, p, err := m.Join(ctx, "AGG008", studentID, "Student")
	require.NoError(t, err)
	assert.True(t, p.Connected)
	assert.Equal(t, 3, p.ViolationCount, "rejoin preserves the accumulated count")
	assert.Nil(t, p.LeftAt)
}

func TestAggregatorConcurrentEventsLoseNoUpdates(t *testing.T) {
	m := NewManager(nil, nil)
	store := newMemStore()
	studentID := activeSession(t, m, "AGG009", 10)
	other := uuid.New()
	_, _, err := m.Join(context.Background(), "AGG009", other, "Other")
	require.NoError(t, err)
	a := NewAggregator(m, store, &fakeNotifier{}, nil)

	const perStudent = 50
	var wg sync.WaitGroup
	for _, id := range []uuid.UUID{studentID, other} {
		for i := 0; i < perStudent; i++ {
			wg.Add(1)
			go func(id uuid.UUID) {
				defer wg.Done()
				_ = a.Apply(context.Background(), "AGG009", id, confirmedWire(models.BehaviorTalking))
			}(id)
		}
	}
	wg.Wait()

	assert.Equal(t, perStudent, participant(t, m, "AGG009", studentID).ViolationCount)
	assert.Equal(t, perStudent, participant(t, m, "AGG009", other).ViolationCount)
	assert.Equal(t, 2*perStudent, store.violationCount())
}
