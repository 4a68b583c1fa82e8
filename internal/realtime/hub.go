// Package realtime owns the WebSocket side of the server: student event
// channels, proctor dashboards, the live spot-check SFU, and the Redis
// bridge for multi-instance broadcast.
package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/focusguard/proctor/internal/models"
	"github.com/focusguard/proctor/internal/protocol"
)

const (
	// PingInterval and PongWait are used for the WebSocket heartbeat, in seconds.
	PingInterval = 30
	PongWait     = 60

	writeTimeout = 10 * time.Second
	sendBuffer   = 256
)

// RedisPublisher publishes exam events for cross-instance broadcast.
type RedisPublisher interface {
	PublishExamEvent(examCode, event string, payload []byte) error
}

// RedisSubscriber subscribes to exam channels and invokes handler for incoming events.
type RedisSubscriber interface {
	SubscribeExam(examCode string, handler func(event string, payload []byte)) (cancel func(), err error)
}

// Hub maintains exam code -> connected students and dashboards. Students are
// keyed by student ID (one connection per student per exam); dashboards by
// connection ID, since a proctor may open several. Uses Redis pub/sub for
// horizontal scaling: local broadcast + publish to Redis.
type Hub struct {
	mu         sync.RWMutex
	students   map[string]map[uuid.UUID]*StudentConn
	dashboards map[string]map[string]*DashboardConn
	subs       map[string]func() // cancel Redis subscription per exam

	logger   *zap.Logger
	redisPub RedisPublisher
	redisSub RedisSubscriber
}

// NewHub creates a new WebSocket hub.
func NewHub(logger *zap.Logger, redisPub RedisPublisher, redisSub RedisSubscriber) *Hub {
	return &Hub{
		students:   make(map[string]map[uuid.UUID]*StudentConn),
		dashboards: make(map[string]map[string]*DashboardConn),
		subs:       make(map[string]func()),
		logger:     logger,
		redisPub:   redisPub,
		redisSub:   redisSub,
	}
}

// registerStudent adds a student connection. If the student already has a
// live connection (e.g. a zombie from a dropped network), the old one is
// replaced and closed.
func (h *Hub) registerStudent(c *StudentConn) {
	h.mu.Lock()
	if h.students[c.ExamCode] == nil {
		h.students[c.ExamCode] = make(map[uuid.UUID]*StudentConn)
	}
	old := h.students[c.ExamCode][c.StudentID]
	h.students[c.ExamCode][c.StudentID] = c
	h.subscribeLocked(c.ExamCode)
	h.mu.Unlock()

	if old != nil {
		old.close()
	}
	h.logger.Debug("student connected",
		zap.String("exam_code", c.ExamCode), zap.String("student_id", c.StudentID.String()))
}

// unregisterStudent removes a student connection unless it was already
// replaced by a newer one for the same student.
func (h *Hub) unregisterStudent(c *StudentConn) {
	h.mu.Lock()
	if m, ok := h.students[c.ExamCode]; ok {
		if m[c.StudentID] == c {
			delete(m, c.StudentID)
			if len(m) == 0 {
				delete(h.students, c.ExamCode)
			}
		}
	}
	h.unsubscribeIfEmptyLocked(c.ExamCode)
	h.mu.Unlock()
	h.logger.Debug("student disconnected",
		zap.String("exam_code", c.ExamCode), zap.String("student_id", c.StudentID.String()))
}

func (h *Hub) registerDashboard(c *DashboardConn) {
	h.mu.Lock()
	if h.dashboards[c.ExamCode] == nil {
		h.dashboards[c.ExamCode] = make(map[string]*DashboardConn)
	}
	h.dashboards[c.ExamCode][c.ID] = c
	h.subscribeLocked(c.ExamCode)
	h.mu.Unlock()
	h.logger.Debug("dashboard connected", zap.String("exam_code", c.ExamCode))
}

func (h *Hub) unregisterDashboard(c *DashboardConn) {
	h.mu.Lock()
	if m, ok := h.dashboards[c.ExamCode]; ok {
		delete(m, c.ID)
		if len(m) == 0 {
			delete(h.dashboards, c.ExamCode)
		}
	}
	h.unsubscribeIfEmptyLocked(c.ExamCode)
	h.mu.Unlock()
	h.logger.Debug("dashboard disconnected", zap.String("exam_code", c.ExamCode))
}

// subscribeLocked starts the Redis subscription for an exam on first use.
func (h *Hub) subscribeLocked(examCode string) {
	if h.redisSub == nil {
		return
	}
	if _, ok := h.subs[examCode]; ok {
		return
	}
	cancel, err := h.redisSub.SubscribeExam(examCode, func(event string, payload []byte) {
		h.deliverLocal(examCode, event, json.RawMessage(payload))
	})
	if err != nil {
		h.logger.Warn("redis subscribe failed", zap.String("exam_code", examCode), zap.Error(err))
		return
	}
	h.subs[examCode] = cancel
}

func (h *Hub) unsubscribeIfEmptyLocked(examCode string) {
	if len(h.students[examCode]) > 0 || len(h.dashboards[examCode]) > 0 {
		return
	}
	if cancel, ok := h.subs[examCode]; ok {
		cancel()
		delete(h.subs, examCode)
	}
}

// deliverLocal fans an event out to local connections. Dashboards receive
// everything; students only care about session state changes.
func (h *Hub) deliverLocal(examCode, event string, payload interface{}) {
	msg := envelope(event, payload)

	h.mu.RLock()
	dashboards := make([]*DashboardConn, 0, len(h.dashboards[examCode]))
	for _, d := range h.dashboards[examCode] {
		dashboards = append(dashboards, d)
	}
	var students []*StudentConn
	if event == protocol.EventSessionState {
		students = make([]*StudentConn, 0, len(h.students[examCode]))
		for _, s := range h.students[examCode] {
			students = append(students, s)
		}
	}
	h.mu.RUnlock()

	for _, d := range dashboards {
		d.enqueue(msg)
	}
	for _, s := range students {
		s.enqueue(msg)
	}
}

// broadcast delivers locally and publishes to Redis for other instances.
func (h *Hub) broadcast(examCode, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	h.deliverLocal(examCode, event, json.RawMessage(data))
	if h.redisPub != nil {
		_ = h.redisPub.PublishExamEvent(examCode, event, data)
	}
}

// SendToStudent sends one message to a single connected student.
func (h *Hub) SendToStudent(examCode string, studentID uuid.UUID, event string, payload interface{}) {
	h.mu.RLock()
	s := h.students[examCode][studentID]
	h.mu.RUnlock()
	if s == nil {
		return
	}
	s.enqueue(envelope(event, payload))
}

// SendToDashboard sends one message to a single dashboard connection, used
// for spot-check WebRTC signaling.
func (h *Hub) SendToDashboard(examCode, connID, event string, payload interface{}) {
	h.mu.RLock()
	d := h.dashboards[examCode][connID]
	h.mu.RUnlock()
	if d == nil {
		return
	}
	d.enqueue(envelope(event, payload))
}

// ViolationRecorded broadcasts a violation event to the exam's dashboards.
func (h *Hub) ViolationRecorded(examCode string, ev protocol.ViolationEvent) {
	h.broadcast(examCode, protocol.EventViolation, ev)
}

// StudentFlagged notifies dashboards and the flagged student.
func (h *Hub) StudentFlagged(examCode string, studentID uuid.UUID, count int) {
	status := protocol.StudentStatus{
		ExamCode:       examCode,
		StudentID:      studentID,
		Connected:      true,
		ViolationCount: count,
		Flagged:        true,
	}
	h.broadcast(examCode, protocol.EventFlagged, status)
	h.SendToStudent(examCode, studentID, protocol.EventFlagged, status)
}

// StatusChanged broadcasts a student standing change to dashboards.
func (h *Hub) StatusChanged(examCode string, status protocol.StudentStatus) {
	h.broadcast(examCode, protocol.EventStudentStatus, status)
}

// BroadcastSessionState notifies all connected parties of an exam state change.
func (h *Hub) BroadcastSessionState(exam models.Exam, reason string) {
	h.broadcast(exam.Code, protocol.EventSessionState, protocol.SessionState{
		ExamCode: exam.Code,
		State:    string(exam.State),
		Reason:   reason,
	})
}

// DisconnectStudents closes every student connection in an exam after the
// grace period, giving clients time to flush buffered events.
func (h *Hub) DisconnectStudents(examCode string, grace time.Duration) {
	go func() {
		time.Sleep(grace)
		h.mu.RLock()
		conns := make([]*StudentConn, 0, len(h.students[examCode]))
		for _, s := range h.students[examCode] {
			conns = append(conns, s)
		}
		h.mu.RUnlock()
		for _, s := range conns {
			s.close()
		}
	}()
}

// StudentCount returns the number of connected students in an exam.
func (h *Hub) StudentCount(examCode string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.students[examCode])
}

func envelope(event string, payload interface{}) protocol.Envelope {
	switch v := payload.(type) {
	case json.RawMessage:
		return protocol.Envelope{Event: event, Data: v}
	case []byte:
		return protocol.Envelope{Event: event, Data: v}
	default:
		return protocol.Wrap(event, payload)
	}
}
