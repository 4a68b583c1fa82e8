package exams

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/focusguard/proctor/internal/models"
)

// Repository persists exams, participants and violations. It implements
// Store for the live path and serves the reporting queries.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an exams repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateExam inserts an exam session row.
func (r *Repository) CreateExam(ctx context.Context, exam *models.Exam) error {
	const q = `INSERT INTO exam_sessions (id, code, name, created_by, state, max_violations, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.pool.Exec(ctx, q, exam.ID, exam.Code, exam.Name, exam.CreatedBy,
		string(exam.State), exam.MaxViolations, exam.CreatedAt)
	return err
}

// UpdateExamState records a lifecycle transition.
func (r *Repository) UpdateExamState(ctx context.Context, id uuid.UUID, state models.ExamState, startedAt, endedAt *time.Time) error {
	const q = `UPDATE exam_sessions SET state = $2, started_at = COALESCE($3, started_at), ended_at = COALESCE($4, ended_at)
		WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, id, string(state), startedAt, endedAt)
	return err
}

// UpsertParticipant inserts a participant or, on rejoin, marks them connected
// again without touching the accumulated count and flag.
func (r *Repository) UpsertParticipant(ctx context.Context, p *models.Participant) error {
	const q = `INSERT INTO exam_participants (id, exam_id, student_id, connected, violation_count, flagged, joined_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (exam_id, student_id)
		DO UPDATE SET connected = TRUE, left_at = NULL`
	_, err := r.pool.Exec(ctx, q, p.ID, p.ExamID, p.StudentID, p.Connected,
		p.ViolationCount, p.Flagged, p.JoinedAt)
	return err
}

// UpdateParticipant writes a participant's current standing.
func (r *Repository) UpdateParticipant(ctx context.Context, examID, studentID uuid.UUID, connected bool, count int, flagged bool, leftAt *time.Time) error {
	const q = `UPDATE exam_participants SET connected = $3, violation_count = $4, flagged = $5, left_at = $6
		WHERE exam_id = $1 AND student_id = $2`
	_, err := r.pool.Exec(ctx, q, examID, studentID, connected, count, flagged, leftAt)
	return err
}

// InsertViolation stores one confirmed violation event.
func (r *Repository) InsertViolation(ctx context.Context, v *models.Violation) error {
	const q = `INSERT INTO violations (id, event_id, exam_id, student_id, behavior, confidence, started_at, duration_ms, evidence_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9,''), $10)`
	_, err := r.pool.Exec(ctx, q, v.ID, v.EventID, v.ExamID, v.StudentID,
		int(v.Behavior), v.Confidence, v.StartedAt, v.DurationMs, v.EvidenceRef, v.CreatedAt)
	return err
}

// UpdateViolationDuration extends a stored violation while it is ongoing.
func (r *Repository) UpdateViolationDuration(ctx context.Context, eventID uuid.UUID, durationMs int64) error {
	const q = `UPDATE violations SET duration_ms = GREATEST(duration_ms, $2) WHERE event_id = $1`
	_, err := r.pool.Exec(ctx, q, eventID, durationMs)
	return err
}

// UpdateViolationEvidence attaches the uploaded evidence URL, matched by the
// opaque reference the client attached at confirmation time.
func (r *Repository) UpdateViolationEvidence(ctx context.Context, evidenceRef, url string) error {
	const q = `UPDATE violations SET evidence_url = $2 WHERE evidence_ref = $1`
	_, err := r.pool.Exec(ctx, q, evidenceRef, url)
	return err
}

// GetExamByCode returns a persisted exam by its join code.
func (r *Repository) GetExamByCode(ctx context.Context, code string) (*models.Exam, error) {
	const q = `SELECT id, code, name, created_by, state, max_violations, created_at, started_at, ended_at
		FROM exam_sessions WHERE code = $1`
	var e models.Exam
	var state string
	err := r.pool.QueryRow(ctx, q, code).Scan(&e.ID, &e.Code, &e.Name, &e.CreatedBy,
		&state, &e.MaxViolations, &e.CreatedAt, &e.StartedAt, &e.EndedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	e.State = models.ExamState(state)
	return &e, nil
}

// ListViolations returns the violation history of an exam, newest first.
func (r *Repository) ListViolations(ctx context.Context, examID uuid.UUID) ([]models.Violation, error) {
	const q = `SELECT id, event_id, exam_id, student_id, behavior, confidence, started_at, duration_ms,
		COALESCE(evidence_ref,''), COALESCE(evidence_url,''), created_at
		FROM violations WHERE exam_id = $1 ORDER BY started_at DESC`
	rows, err := r.pool.Query(ctx, q, examID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Violation
	for rows.Next() {
		var v models.Violation
		var behavior int
		if err := rows.Scan(&v.ID, &v.EventID, &v.ExamID, &v.StudentID, &behavior,
			&v.Confidence, &v.StartedAt, &v.DurationMs, &v.EvidenceRef, &v.EvidenceURL, &v.CreatedAt); err != nil {
			return nil, err
		}
		v.Behavior = models.Behavior(behavior)
		list = append(list, v)
	}
	return list, rows.Err()
}

// StudentReport aggregates one student's conduct over an exam.
type StudentReport struct {
	StudentID       uuid.UUID      `json:"student_id"`
	FullName        string         `json:"full_name"`
	ViolationCount  int            `json:"violation_count"`
	Flagged         bool           `json:"flagged"`
	TotalDurationMs int64          `json:"total_duration_ms"`
	ByBehavior      map[string]int `json:"by_behavior"`
}

// Report builds the per-student summary for an ended exam.
func (r *Repository) Report(ctx context.Context, examID uuid.UUID) ([]StudentReport, error) {
	const q = `SELECT p.student_id, COALESCE(u.full_name,''), p.violation_count, p.flagged,
		COALESCE(SUM(v.duration_ms), 0)
		FROM exam_participants p
		LEFT JOIN users u ON u.id = p.student_id
		LEFT JOIN violations v ON v.exam_id = p.exam_id AND v.student_id = p.student_id
		WHERE p.exam_id = $1
		GROUP BY p.student_id, u.full_name, p.violation_count, p.flagged
		ORDER BY p.violation_count DESC`
	rows, err := r.pool.Query(ctx, q, examID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var reports []StudentReport
	for rows.Next() {
		var sr StudentReport
		if err := rows.Scan(&sr.StudentID, &sr.FullName, &sr.ViolationCount, &sr.Flagged, &sr.TotalDurationMs); err != nil {
			return nil, err
		}
		reports = append(reports, sr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	const bq = `SELECT student_id, behavior, COUNT(*) FROM violations WHERE exam_id = $1 GROUP BY student_id, behavior`
	brows, err := r.pool.Query(ctx, bq, examID)
	if err != nil {
		return nil, err
	}
	defer brows.Close()
	byStudent := make(map[uuid.UUID]map[string]int)
	for brows.Next() {
		var studentID uuid.UUID
		var behavior, count int
		if err := brows.Scan(&studentID, &behavior, &count); err != nil {
			return nil, err
		}
		if byStudent[studentID] == nil {
			byStudent[studentID] = make(map[string]int)
		}
		byStudent[studentID][models.Behavior(behavior).String()] = count
	}
	if err := brows.Err(); err != nil {
		return nil, err
	}
	for i := range reports {
		reports[i].ByBehavior = byStudent[reports[i].StudentID]
	}
	return reports, nil
}
