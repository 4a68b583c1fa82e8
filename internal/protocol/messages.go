// Package protocol defines the WebSocket message envelope and payloads
// exchanged between the student client, the server, and dashboards.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/focusguard/proctor/internal/models"
)

// Envelope is the WebSocket message wrapper.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Event names for the student and dashboard channels.
const (
	EventJoinAck       = "join_ack"
	EventViolation     = "violation"
	EventHeartbeat     = "heartbeat"
	EventSessionState  = "session_state"
	EventStudentStatus = "student_status"
	EventFlagged       = "student_flagged"
	EventError         = "error"

	// WebRTC signaling for the live spot-check feed.
	EventCamOffer       = "webrtc_cam_offer"
	EventCamAnswer      = "webrtc_cam_answer"
	EventCamICE         = "webrtc_cam_ice"
	EventWatch          = "webrtc_watch"
	EventWatchOffer     = "webrtc_watch_offer"
	EventWatchAnswer    = "webrtc_watch_answer"
	EventWatchICE       = "webrtc_watch_ice"
)

// JoinAck is sent to a student after a successful join or rejoin. On rejoin
// it carries the preserved violation count and flag.
type JoinAck struct {
	ExamCode       string    `json:"exam_code"`
	StudentID      uuid.UUID `json:"student_id"`
	State          string    `json:"state"`
	MaxViolations  int       `json:"max_violations"`
	ViolationCount int       `json:"violation_count"`
	Flagged        bool      `json:"flagged"`
}

// ViolationEvent is a confirmed or extended violation on the wire. The
// server trusts the connection identity for the student, not this payload.
type ViolationEvent struct {
	EventID      uuid.UUID       `json:"event_id"`
	Kind         string          `json:"kind"` // "confirmed" or "update"
	ExamCode     string          `json:"exam_code,omitempty"`
	StudentID    uuid.UUID       `json:"student_id,omitempty"`
	Behavior     models.Behavior `json:"behavior"`
	BehaviorName string          `json:"behavior_name"`
	Confidence   float64         `json:"confidence"`
	StartedAt    time.Time       `json:"started_at"`
	DurationMs   int64           `json:"duration_ms"`
	EvidenceRef  string          `json:"evidence_ref,omitempty"`
}

// Heartbeat is sent periodically by the client to prove liveness.
type Heartbeat struct {
	At time.Time `json:"at"`
}

// SessionState notifies connected parties of an exam state change.
type SessionState struct {
	ExamCode string `json:"exam_code"`
	State    string `json:"state"`
	Reason   string `json:"reason,omitempty"`
}

// StudentStatus is broadcast to dashboards when a student's standing changes.
type StudentStatus struct {
	ExamCode       string    `json:"exam_code"`
	StudentID      uuid.UUID `json:"student_id"`
	Connected      bool      `json:"connected"`
	ViolationCount int       `json:"violation_count"`
	Flagged        bool      `json:"flagged"`
}

// ErrorMessage carries a protocol rejection reason to the initiating side.
type ErrorMessage struct {
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}

// WatchRequest asks the server to relay a student's camera feed to the
// requesting dashboard connection.
type WatchRequest struct {
	StudentID uuid.UUID `json:"student_id"`
}

// SDPPayload carries an SDP offer or answer for WebRTC signaling.
type SDPPayload struct {
	Type      string    `json:"type"`
	SDP       string    `json:"sdp"`
	StudentID uuid.UUID `json:"student_id,omitempty"`
}

// ICEPayload carries one ICE candidate for WebRTC signaling.
type ICEPayload struct {
	Candidate json.RawMessage `json:"candidate"`
	StudentID uuid.UUID       `json:"student_id,omitempty"`
}

// Wrap marshals a payload into an envelope. Marshal errors are impossible
// for the payload types above, so they are swallowed.
func Wrap(event string, payload interface{}) Envelope {
	data, _ := json.Marshal(payload)
	return Envelope{Event: event, Data: data}
}
