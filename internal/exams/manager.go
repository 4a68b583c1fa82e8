// Package exams owns the server-side exam session registry, the per-student
// violation aggregation, and the flagging policy.
package exams

import (
	"context"
	"crypto/rand"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/focusguard/proctor/internal/models"
)

const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// CodeLength is the exam code length students type to join.
const CodeLength = 6

// Store persists exam lifecycle changes and violation records. All writes
// from the manager and aggregator are best-effort: a store failure is
// logged but never blocks or fails the live path.
type Store interface {
	CreateExam(ctx context.Context, exam *models.Exam) error
	UpdateExamState(ctx context.Context, id uuid.UUID, state models.ExamState, startedAt, endedAt *time.Time) error
	UpsertParticipant(ctx context.Context, p *models.Participant) error
	UpdateParticipant(ctx context.Context, examID, studentID uuid.UUID, connected bool, count int, flagged bool, leftAt *time.Time) error
	InsertViolation(ctx context.Context, v *models.Violation) error
	UpdateViolationDuration(ctx context.Context, eventID uuid.UUID, durationMs int64) error
}

// Participant is a student's live standing within a session. Fields are
// guarded by the owning Session's mutex.
type Participant struct {
	ID             uuid.UUID
	StudentID      uuid.UUID
	FullName       string
	Connected      bool
	ViolationCount int
	Flagged        bool
	JoinedAt       time.Time
	LastHeartbeat  time.Time
	LeftAt         *time.Time
}

// Session is one live exam session. The mutex serializes every mutation of
// participant standing, so a check-then-increment on violationCount is
// atomic with respect to concurrent event delivery and dashboard reads.
type Session struct {
	Exam models.Exam

	mu           sync.Mutex
	participants map[uuid.UUID]*Participant
}

// StateChangeHandler is invoked after a session transitions state, e.g. so
// the realtime hub can notify connected parties.
type StateChangeHandler func(exam models.Exam, reason string)

// Manager is the lifecycle-scoped registry of exam sessions, keyed by exam
// code. It is created at process start and owns all session state; access
// goes through its API only.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	store    Store
	logger   *zap.Logger
	onChange StateChangeHandler
	now      func() time.Time
}

// NewManager creates an empty registry. store may be nil in tests.
func NewManager(store Store, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		sessions: make(map[string]*Session),
		store:    store,
		logger:   logger,
		now:      time.Now,
	}
}

// SetStateChangeHandler registers the callback fired on Start/End/ForceEnd.
func (m *Manager) SetStateChangeHandler(fn StateChangeHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// Create registers a new exam session. An empty code is auto-generated;
// an explicit code that is already in use fails with ErrAlreadyExists.
func (m *Manager) Create(ctx context.Context, name string, createdBy uuid.UUID, code string, maxViolations int) (models.Exam, error) {
	if maxViolations <= 0 {
		maxViolations = 5
	}
	code = strings.ToUpper(strings.TrimSpace(code))

	m.mu.Lock()
	if code == "" {
		code = m.uniqueCodeLocked()
	} else if _, exists := m.sessions[code]; exists {
		m.mu.Unlock()
		return models.Exam{}, ErrAlreadyExists
	}
	exam := models.Exam{
		ID:            uuid.New(),
		Code:          code,
		Name:          name,
		CreatedBy:     createdBy,
		State:         models.ExamCreated,
		MaxViolations: maxViolations,
		CreatedAt:     m.now(),
	}
	m.sessions[code] = &Session{
		Exam:         exam,
		participants: make(map[uuid.UUID]*Participant),
	}
	m.mu.Unlock()

	m.persist(ctx, func(ctx context.Context) error { return m.store.CreateExam(ctx, &exam) })
	m.logger.Info("exam created", zap.String("code", code), zap.Int("max_violations", maxViolations))
	return exam, nil
}

func (m *Manager) uniqueCodeLocked() string {
	for {
		code := randomCode(CodeLength)
		if _, exists := m.sessions[code]; !exists {
			return code
		}
	}
}

func randomCode(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeAlphabet))))
		if err != nil {
			// crypto/rand failure is unrecoverable for code generation.
			panic(err)
		}
		b.WriteByte(codeAlphabet[idx.Int64()])
	}
	return b.String()
}

// Start transitions Created -> Active.
func (m *Manager) Start(ctx context.Context, code string) (models.Exam, error) {
	s, err := m.get(code)
	if err != nil {
		return models.Exam{}, err
	}

	s.mu.Lock()
	if s.Exam.State != models.ExamCreated {
		s.mu.Unlock()
		return models.Exam{}, ErrInvalidState
	}
	now := m.now()
	s.Exam.State = models.ExamActive
	s.Exam.StartedAt = &now
	exam := s.Exam
	s.mu.Unlock()

	m.persist(ctx, func(ctx context.Context) error {
		return m.store.UpdateExamState(ctx, exam.ID, exam.State, exam.StartedAt, nil)
	})
	m.notify(exam, "started")
	m.logger.Info("exam started", zap.String("code", code))
	return exam, nil
}

// End transitions Active -> Ended and disconnects all participants. Ended is
// terminal: ending twice fails with ErrInvalidState.
func (m *Manager) End(ctx context.Context, code string) (models.Exam, error) {
	return m.end(ctx, code, "ended", false)
}

// ForceEnd ends a session whose invariants were found violated, isolating
// it from healthy sessions. Unlike End it accepts any non-Ended state.
func (m *Manager) ForceEnd(ctx context.Context, code, reason string) (models.Exam, error) {
	m.logger.Error("force-ending corrupted exam session",
		zap.String("code", code), zap.String("reason", reason))
	return m.end(ctx, code, reason, true)
}

func (m *Manager) end(ctx context.Context, code, reason string, force bool) (models.Exam, error) {
	s, err := m.get(code)
	if err != nil {
		return models.Exam{}, err
	}

	s.mu.Lock()
	if s.Exam.State == models.ExamEnded {
		s.mu.Unlock()
		return models.Exam{}, ErrInvalidState
	}
	if s.Exam.State == models.ExamCreated && !force {
		// Created -> Ended would skip Active; only a forced isolation may.
		s.mu.Unlock()
		return models.Exam{}, ErrInvalidState
	}
	now := m.now()
	s.Exam.State = models.ExamEnded
	s.Exam.EndedAt = &now
	exam := s.Exam
	for _, p := range s.participants {
		if p.Connected {
			p.Connected = false
			left := now
			p.LeftAt = &left
		}
	}
	s.mu.Unlock()

	m.persist(ctx, func(ctx context.Context) error {
		return m.store.UpdateExamState(ctx, exam.ID, exam.State, exam.StartedAt, exam.EndedAt)
	})
	m.notify(exam, reason)
	m.logger.Info("exam ended", zap.String("code", code), zap.String("reason", reason))
	return exam, nil
}

// Join adds a student to a session, or re-associates a returning student.
// Joining is allowed while the session is Created or Active; a rejoin
// preserves the accumulated violation count and flag. Unknown code fails
// with ErrNotFound, an Ended session with ErrInvalidState.
func (m *Manager) Join(ctx context.Context, code string, studentID uuid.UUID, fullName string) (models.Exam, Participant, error) {
	s, err := m.get(code)
	if err != nil {
		return models.Exam{}, Participant{}, err
	}

	s.mu.Lock()
	if s.Exam.State == models.ExamEnded {
		s.mu.Unlock()
		return models.Exam{}, Participant{}, ErrInvalidState
	}
	now := m.now()
	p, ok := s.participants[studentID]
	if ok {
		p.Connected = true
		p.LastHeartbeat = now
		p.LeftAt = nil
	} else {
		p = &Participant{
			ID:            uuid.New(),
			StudentID:     studentID,
			FullName:      fullName,
			Connected:     true,
			JoinedAt:      now,
			LastHeartbeat: now,
		}
		s.participants[studentID] = p
	}
	exam := s.Exam
	snapshot := *p
	s.mu.Unlock()

	m.persist(ctx, func(ctx context.Context) error {
		return m.store.UpsertParticipant(ctx, &models.Participant{
			ID:             snapshot.ID,
			ExamID:         exam.ID,
			StudentID:      snapshot.StudentID,
			Connected:      true,
			ViolationCount: snapshot.ViolationCount,
			Flagged:        snapshot.Flagged,
			JoinedAt:       snapshot.JoinedAt,
		})
	})
	m.logger.Info("student joined exam",
		zap.String("code", code), zap.String("student_id", studentID.String()),
		zap.Bool("rejoin", ok))
	return exam, snapshot, nil
}

// Leave marks a student disconnected, preserving their standing for a
// possible reconnect while the session remains Active.
func (m *Manager) Leave(ctx context.Context, code string, studentID uuid.UUID) {
	s, err := m.get(code)
	if err != nil {
		return
	}
	s.mu.Lock()
	p, ok := s.participants[studentID]
	if !ok || !p.Connected {
		s.mu.Unlock()
		return
	}
	now := m.now()
	p.Connected = false
	p.LeftAt = &now
	examID := s.Exam.ID
	count, flagged := p.ViolationCount, p.Flagged
	s.mu.Unlock()

	m.persist(ctx, func(ctx context.Context) error {
		return m.store.UpdateParticipant(ctx, examID, studentID, false, count, flagged, &now)
	})
}

// Heartbeat records client liveness.
func (m *Manager) Heartbeat(code string, studentID uuid.UUID) {
	s, err := m.get(code)
	if err != nil {
		return
	}
	s.mu.Lock()
	if p, ok := s.participants[studentID]; ok {
		p.LastHeartbeat = m.now()
	}
	s.mu.Unlock()
}

// StaleStudent identifies a participant whose heartbeats went silent.
type StaleStudent struct {
	ExamCode  string
	StudentID uuid.UUID
}

// MarkStale sweeps active sessions and disconnects participants whose last
// heartbeat is older than timeout. Returns the students newly marked
// disconnected so the caller can broadcast status changes.
func (m *Manager) MarkStale(timeout time.Duration) []StaleStudent {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	cutoff := m.now().Add(-timeout)
	var stale []StaleStudent
	for _, s := range sessions {
		s.mu.Lock()
		if s.Exam.State != models.ExamActive {
			s.mu.Unlock()
			continue
		}
		for _, p := range s.participants {
			if p.Connected && p.LastHeartbeat.Before(cutoff) {
				p.Connected = false
				now := m.now()
				p.LeftAt = &now
				stale = append(stale, StaleStudent{ExamCode: s.Exam.Code, StudentID: p.StudentID})
			}
		}
		s.mu.Unlock()
	}
	return stale
}

// Get returns the exam snapshot for a code.
func (m *Manager) Get(code string) (models.Exam, error) {
	s, err := m.get(code)
	if err != nil {
		return models.Exam{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Exam, nil
}

// List returns snapshots of all registered exams.
func (m *Manager) List() []models.Exam {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	out := make([]models.Exam, 0, len(sessions))
	for _, s := range sessions {
		s.mu.Lock()
		out = append(out, s.Exam)
		s.mu.Unlock()
	}
	return out
}

// Participants returns a consistent snapshot of all participants in a
// session, for the monitoring display path.
func (m *Manager) Participants(code string) ([]Participant, error) {
	s, err := m.get(code)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Participant, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, *p)
	}
	return out, nil
}

func (m *Manager) get(code string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[strings.ToUpper(code)]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

func (m *Manager) notify(exam models.Exam, reason string) {
	m.mu.RLock()
	fn := m.onChange
	m.mu.RUnlock()
	if fn != nil {
		fn(exam, reason)
	}
}

const storeTimeout = 5 * time.Second

// persist runs a store write best-effort. Live state is authoritative; a
// failed write is logged and the event path continues.
func (m *Manager) persist(ctx context.Context, fn func(ctx context.Context) error) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		m.logger.Warn("store write failed", zap.Error(err))
	}
}
