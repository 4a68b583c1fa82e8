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
)

// memStore records store writes so tests can assert on persistence without a
// database. All methods succeed.
type memStore struct {
	mu              sync.Mutex
	exams           []models.Exam
	stateUpdates    []models.ExamState
	upserts         []models.Participant
	partUpdates     int
	violations      []models.Violation
	durationUpdates map[uuid.UUID]int64
}

func newMemStore() *memStore {
	return &memStore{durationUpdates: make(map[uuid.UUID]int64)}
}

func (s *memStore) CreateExam(_ context.Context, exam *models.Exam) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exams = append(s.exams, *exam)
	return nil
}

func (s *memStore) UpdateExamState(_ context.Context, _ uuid.UUID, state models.ExamState, _, _ *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateUpdates = append(s.stateUpdates, state)
	return nil
}

func (s *memStore) UpsertParticipant(_ context.Context, p *models.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts = append(s.upserts, *p)
	return nil
}

func (s *memStore) UpdateParticipant(_ context.Context, _, _ uuid.UUID, _ bool, _ int, _ bool, _ *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partUpdates++
	return nil
}

func (s *memStore) InsertViolation(_ context.Context, v *models.Violation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.violations = append(s.violations, *v)
	return nil
}

func (s *memStore) UpdateViolationDuration(_ context.Context, eventID uuid.UUID, durationMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.durationUpdates[eventID] = durationMs
	return nil
}

func (s *memStore) violationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.violations)
}

func TestManagerCreateGeneratesCode(t *testing.T) {
	m := NewManager(nil, nil)
	exam, err := m.Create(context.Background(), "Midterm", uuid.New(), "", 0)
	require.NoError(t, err)

	assert.Len(t, exam.Code, CodeLength)
	for _, r := range exam.Code {
		assert.Contains(t, codeAlphabet, string(r))
	}
	assert.Equal(t, models.ExamCreated, exam.State)
	assert.Equal(t, 5, exam.MaxViolations, "non-positive max falls back to the default")
}

func TestManagerCreateRejectsDuplicateCode(t *testing.T) {
	m := NewManager(nil, nil)
	_, err := m.Create(context.Background(), "First", uuid.New(), "ABC123", 5)
	require.NoError(t, err)

	_, err = m.Create(context.Background(), "Second", uuid.New(), "abc123", 5)
	assert.ErrorIs(t, err, ErrAlreadyExists, "codes are case-insensitive")
}

func TestManagerLifecycle(t *testing.T) {
	m := NewManager(nil, nil)
	ctx := context.Background()
	exam, err := m.Create(ctx, "Final", uuid.New(), "FINAL1", 5)
	require.NoError(t, err)
	require.Nil(t, exam.StartedAt)

	started, err := m.Start(ctx, "FINAL1")
	require.NoError(t, err)
	assert.Equal(t, models.ExamActive, started.State)
	require.NotNil(t, started.StartedAt)

	_, err = m.Start(ctx, "FINAL1")
	assert.ErrorIs(t, err, ErrInvalidState, "start is Created to Active only")

	ended, err := m.End(ctx, "FINAL1")
	require.NoError(t, err)
	assert.Equal(t, models.ExamEnded, ended.State)
	require.NotNil(t, ended.EndedAt)

	_, err = m.End(ctx, "FINAL1")
	assert.ErrorIs(t, err, ErrInvalidState, "ended is terminal")
	_, err = m.Start(ctx, "FINAL1")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestManagerEndRequiresActive(t *testing.T) {
	m := NewManager(nil, nil)
	ctx := context.Background()
	_, err := m.Create(ctx, "Quiz", uuid.New(), "QUIZ01", 5)
	require.NoError(t, err)

	_, err = m.End(ctx, "QUIZ01")
	assert.ErrorIs(t, err, ErrInvalidState, "Created to Ended must not skip Active")

	// Forced isolation is the one path allowed to skip Active.
	exam, err := m.ForceEnd(ctx, "QUIZ01", "state invariant violated")
	require.NoError(t, err)
	assert.Equal(t, models.ExamEnded, exam.State)
}

func TestManagerStateChangeHandler(t *testing.T) {
	m := NewManager(nil, nil)
	ctx := context.Background()

	var mu sync.Mutex
	var reasons []string
	m.SetStateChangeHandler(func(exam models.Exam, reason string) {
		mu.Lock()
		defer mu.Unlock()
		reasons = append(reasons, reason)
	})

	_, err := m.Create(ctx, "Exam", uuid.New(), "HND001", 5)
	require.NoError(t, err)
	_, err = m.Start(ctx, "HND001")
	require.NoError(t, err)
	_, err = m.End(ctx, "HND001")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"started", "ended"}, reasons)
}

func TestManagerJoin(t *testing.T) {
	m := NewManager(nil, nil)
	ctx := context.Background()
	studentID := uuid.New()

	_, _, err := m.Join(ctx, "NOSUCH", studentID, "Dana")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.Create(ctx, "Exam", uuid.New(), "JOIN01", 5)
	require.NoError(t, err)

	// Joining a Created session is allowed (students gather before start).
	exam, p, err := m.Join(ctx, "join01", studentID, "Dana")
	require.NoError(t, err, "codes normalize to upper case on lookup")
	assert.Equal(t, "JOIN01", exam.Code)
	assert.True(t, p.Connected)
	assert.Zero(t, p.ViolationCount)

	_, err = m.Start(ctx, "JOIN01")
	require.NoError(t, err)
	_, err = m.End(ctx, "JOIN01")
	require.NoError(t, err)

	_, _, err = m.Join(ctx, "JOIN01", uuid.New(), "Late")
	assert.ErrorIs(t, err, ErrInvalidState, "no joining an ended session")
}

func TestManagerEndDisconnectsParticipants(t *testing.T) {
	m := NewManager(nil, nil)
	ctx := context.Background()
	_, err := m.Create(ctx, "Exam", uuid.New(), "DISC01", 5)
	require.NoError(t, err)
	_, err = m.Start(ctx, "DISC01")
	require.NoError(t, err)

	_, _, err = m.Join(ctx, "DISC01", uuid.New(), "A")
	require.NoError(t, err)
	_, _, err = m.Join(ctx, "DISC01", uuid.New(), "B")
	require.NoError(t, err)

	_, err = m.End(ctx, "DISC01")
	require.NoError(t, err)

	parts, err := m.Participants("DISC01")
	require.NoError(t, err)
	require.Len(t, parts, 2)
	for _, p := range parts {
		assert.False(t, p.Connected)
		assert.NotNil(t, p.LeftAt)
	}
}

func TestManagerMarkStale(t *testing.T) {
	m := NewManager(nil, nil)
	now := time.Now()
	m.now = func() time.Time { return now }

	ctx := context.Background()
	_, err := m.Create(ctx, "Exam", uuid.New(), "STALE1", 5)
	require.NoError(t, err)
	_, err = m.Start(ctx, "STALE1")
	require.NoError(t, err)

	quiet := uuid.New()
	lively := uuid.New()
	_, _, err = m.Join(ctx, "STALE1", quiet, "Quiet")
	require.NoError(t, err)
	_, _, err = m.Join(ctx, "STALE1", lively, "Lively")
	require.NoError(t, err)

	// 30 seconds pass; only one student keeps heartbeating.
	now = now.Add(30 * time.Second)
	m.Heartbeat("STALE1", lively)

	stale := m.MarkStale(20 * time.Second)
	require.Len(t, stale, 1)
	assert.Equal(t, quiet, stale[0].StudentID)
	assert.Equal(t, "STALE1", stale[0].ExamCode)

	// Already-disconnected students are not reported again.
	assert.Empty(t, m.MarkStale(20*time.Second))
}

func TestManagerPersistsLifecycle(t *testing.T) {
	store := newMemStore()
	m := NewManager(store, nil)
	ctx := context.Background()

	_, err := m.Create(ctx, "Exam", uuid.New(), "PERS01", 5)
	require.NoError(t, err)
	_, err = m.Start(ctx, "PERS01")
	require.NoError(t, err)
	_, err = m.End(ctx, "PERS01")
	require.NoError(t, err)

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.exams, 1)
	assert.Equal(t, "PERS01", store.exams[0].Code)
	assert.Equal(t, []models.ExamState{models.ExamActive, models.ExamEnded}, store.stateUpdates)
}

func TestManagerList(t *testing.T) {
	m := NewManager(nil, nil)
	ctx := context.Background()
	_, err := m.Create(ctx, "One", uuid.New(), "LIST01", 5)
	require.NoError(t, err)
	_, err = m.Create(ctx, "Two", uuid.New(), "LIST02", 5)
	require.NoError(t, err)

	codes := map[string]bool{}
	for _, e := range m.List() {
		codes[e.Code] = true
	}
	assert.Equal(t, map[string]bool{"LIST01": true, "LIST02": true}, codes)
}
