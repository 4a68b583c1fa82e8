package models

import (
	"time"

	"github.com/google/uuid"
)

// ExamState is the lifecycle state of an exam session.
// Transitions are strictly Created -> Active -> Ended.
type ExamState string

const (
	ExamCreated ExamState = "created"
	ExamActive  ExamState = "active"
	ExamEnded   ExamState = "ended"
)

// Exam represents a persisted exam session.
type Exam struct {
	ID            uuid.UUID  `json:"id"`
	Code          string     `json:"code"`
	Name          string     `json:"name"`
	CreatedBy     uuid.UUID  `json:"created_by"`
	State         ExamState  `json:"state"`
	MaxViolations int        `json:"max_violations"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
}

// Participant is one student's standing within an exam session.
type Participant struct {
	ID             uuid.UUID  `json:"id"`
	ExamID         uuid.UUID  `json:"exam_id"`
	StudentID      uuid.UUID  `json:"student_id"`
	Connected      bool       `json:"connected"`
	ViolationCount int        `json:"violation_count"`
	Flagged        bool       `json:"flagged"`
	JoinedAt       time.Time  `json:"joined_at"`
	LeftAt         *time.Time `json:"left_at,omitempty"`
}
