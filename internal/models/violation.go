package models

import (
	"time"

	"github.com/google/uuid"
)

// Behavior is a classified student behavior label.
type Behavior int

const (
	BehaviorNormal Behavior = iota
	BehaviorLookingLeft
	BehaviorLookingRight
	BehaviorHeadDown
	BehaviorTalking
	BehaviorNoFace
)

var behaviorNames = map[Behavior]string{
	BehaviorNormal:       "Normal",
	BehaviorLookingLeft:  "Looking Left",
	BehaviorLookingRight: "Looking Right",
	BehaviorHeadDown:     "Head Down",
	BehaviorTalking:      "Talking",
	BehaviorNoFace:       "No Face",
}

// String returns the display name for the behavior.
func (b Behavior) String() string {
	if name, ok := behaviorNames[b]; ok {
		return name
	}
	return "Unknown"
}

// IsViolation reports whether the behavior counts against the student.
func (b Behavior) IsViolation() bool {
	return b != BehaviorNormal
}

// Violation is a persisted violation event record.
type Violation struct {
	ID          uuid.UUID `json:"id"`
	EventID     uuid.UUID `json:"event_id"`
	ExamID      uuid.UUID `json:"exam_id"`
	StudentID   uuid.UUID `json:"student_id"`
	Behavior    Behavior  `json:"behavior"`
	Confidence  float64   `json:"confidence"`
	StartedAt   time.Time `json:"started_at"`
	DurationMs  int64     `json:"duration_ms"`
	EvidenceRef string    `json:"evidence_ref,omitempty"`
	EvidenceURL string    `json:"evidence_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
