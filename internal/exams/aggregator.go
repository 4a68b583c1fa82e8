package exams

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/focusguard/proctor/internal/models"
	"github.com/focusguard/proctor/internal/pipeline"
	"github.com/focusguard/proctor/internal/protocol"
)

// Notifier receives outward notifications for the monitoring side. The
// realtime hub implements it; a nil notifier is allowed in tests.
type Notifier interface {
	ViolationRecorded(examCode string, ev protocol.ViolationEvent)
	StudentFlagged(examCode string, studentID uuid.UUID, count int)
	StatusChanged(examCode string, status protocol.StudentStatus)
}

// Aggregator applies incoming violation events to per-student standing and
// evaluates the flagging policy. Events for the same student arrive in
// confirmation order on one connection; the session mutex makes the
// check-then-increment atomic across students and against dashboard reads.
type Aggregator struct {
	mgr    *Manager
	store  Store
	notify Notifier
	logger *zap.Logger
}

// NewAggregator creates an aggregator over the session registry.
func NewAggregator(mgr *Manager, store Store, notify Notifier, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{mgr: mgr, store: store, notify: notify, logger: logger}
}

// Apply processes one violation event from a student connection.
//
// Protocol errors (unknown session, session not Active, unknown student)
// drop the event with a log line and never affect other students. A session
// whose state invariants are impossible is forcibly ended and isolated.
// A "confirmed" event increments the violation count by exactly one;
// an "update" event only extends the stored duration.
func (a *Aggregator) Apply(ctx context.Context, examCode string, studentID uuid.UUID, ev protocol.ViolationEvent) error {
	s, err := a.mgr.get(examCode)
	if err != nil {
		a.logger.Warn("violation for unknown exam, dropped",
			zap.String("code", examCode), zap.String("student_id", studentID.String()))
		return ErrNotFound
	}

	s.mu.Lock()
	if s.Exam.State != models.ExamActive {
		state := s.Exam.State
		s.mu.Unlock()
		a.logger.Warn("violation for non-active exam, dropped",
			zap.String("code", examCode), zap.String("state", string(state)))
		return ErrInvalidState
	}
	if s.Exam.EndedAt != nil || s.Exam.StartedAt == nil {
		// Active with an end time (or no start time) is an impossible
		// configuration: isolate this session, leave the rest untouched.
		s.mu.Unlock()
		_, _ = a.mgr.ForceEnd(ctx, examCode, "state invariant violated")
		return ErrCorrupted
	}

	p, ok := s.participants[studentID]
	if !ok {
		s.mu.Unlock()
		a.logger.Warn("violation from unknown student, dropped",
			zap.String("code", examCode), zap.String("student_id", studentID.String()))
		return ErrUnknownStudent
	}

	exam := s.Exam
	var flaggedNow bool
	if ev.Kind == string(pipeline.EventConfirmed) {
		p.ViolationCount++
		if !p.Flagged && p.ViolationCount > exam.MaxViolations {
			p.Flagged = true
			flaggedNow = true
		}
	}
	count, flagged := p.ViolationCount, p.Flagged
	s.mu.Unlock()

	ev.ExamCode = exam.Code
	ev.StudentID = studentID

	if a.store != nil {
		a.persist(ctx, exam, studentID, ev, count, flagged)
	}
	if a.notify != nil {
		a.notify.ViolationRecorded(exam.Code, ev)
		if ev.Kind == string(pipeline.EventConfirmed) {
			a.notify.StatusChanged(exam.Code, protocol.StudentStatus{
				ExamCode:       exam.Code,
				StudentID:      studentID,
				Connected:      true,
				ViolationCount: count,
				Flagged:        flagged,
			})
		}
		if flaggedNow {
			a.logger.Warn("student flagged",
				zap.String("code", exam.Code),
				zap.String("student_id", studentID.String()),
				zap.Int("violations", count),
				zap.Int("max_violations", exam.MaxViolations))
			a.notify.StudentFlagged(exam.Code, studentID, count)
		}
	}
	return nil
}

func (a *Aggregator) persist(ctx context.Context, exam models.Exam, studentID uuid.UUID, ev protocol.ViolationEvent, count int, flagged bool) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	if ev.Kind == string(pipeline.EventConfirmed) {
		v := &models.Violation{
			ID:          uuid.New(),
			EventID:     ev.EventID,
			ExamID:      exam.ID,
			StudentID:   studentID,
			Behavior:    ev.Behavior,
			Confidence:  ev.Confidence,
			StartedAt:   ev.StartedAt,
			DurationMs:  ev.DurationMs,
			EvidenceRef: ev.EvidenceRef,
			CreatedAt:   time.Now(),
		}
		if err := a.store.InsertViolation(ctx, v); err != nil {
			a.logger.Warn("insert violation failed", zap.Error(err))
		}
		if err := a.store.UpdateParticipant(ctx, exam.ID, studentID, true, count, flagged, nil); err != nil {
			a.logger.Warn("update participant failed", zap.Error(err))
		}
		return
	}
	if err := a.store.UpdateViolationDuration(ctx, ev.EventID, ev.DurationMs); err != nil {
		a.logger.Warn("update violation duration failed", zap.Error(err))
	}
}
