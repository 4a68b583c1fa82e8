package realtime

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/focusguard/proctor/internal/exams"
	"github.com/focusguard/proctor/internal/protocol"
)

// DashboardConn is a proctor's monitoring connection to one exam. It receives
// violation events and student status changes, and can request a live
// spot-check of any student's camera.
type DashboardConn struct {
	ID       string
	ExamCode string
	UserID   uuid.UUID

	hub    *Hub
	mgr    *exams.Manager
	sfu    *SFU
	conn   *websocket.Conn
	send   chan protocol.Envelope
	logger *zap.Logger
}

// ServeDashboardWs handles the proctor dashboard WebSocket upgrade. Requires
// a teacher or admin token. The initial snapshot of participant standing is
// pushed right after the upgrade so the dashboard renders without a second
// round trip.
func ServeDashboardWs(hub *Hub, mgr *exams.Manager, sfu *SFU, validate TokenValidator, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		examCode := c.Query("exam_code")
		token := c.Query("token")
		if examCode == "" || token == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "exam_code and token required"})
			return
		}
		userID, role, err := validate(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if role != "teacher" && role != "admin" {
			c.JSON(http.StatusForbidden, gin.H{"error": "proctor token required"})
			return
		}

		exam, err := mgr.Get(examCode)
		if err != nil {
			if errors.Is(err, exams.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "exam not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		dc := &DashboardConn{
			ID:       uuid.New().String(),
			ExamCode: exam.Code,
			UserID:   userID,
			hub:      hub,
			mgr:      mgr,
			sfu:      sfu,
			conn:     conn,
			send:     make(chan protocol.Envelope, sendBuffer),
			logger:   logger,
		}
		hub.registerDashboard(dc)

		dc.enqueue(protocol.Wrap(protocol.EventSessionState, protocol.SessionState{
			ExamCode: exam.Code,
			State:    string(exam.State),
		}))
		dc.sendSnapshot()

		go dc.writePump()
		dc.readPump()
	}
}

func (c *DashboardConn) enqueue(msg protocol.Envelope) {
	select {
	case c.send <- msg:
	default:
		// buffer full, skip
	}
}

// sendSnapshot pushes the current standing of every participant.
func (c *DashboardConn) sendSnapshot() {
	parts, err := c.mgr.Participants(c.ExamCode)
	if err != nil {
		return
	}
	for _, p := range parts {
		c.enqueue(protocol.Wrap(protocol.EventStudentStatus, protocol.StudentStatus{
			ExamCode:       c.ExamCode,
			StudentID:      p.StudentID,
			Connected:      p.Connected,
			ViolationCount: p.ViolationCount,
			Flagged:        p.Flagged,
		}))
	}
}

func (c *DashboardConn) readPump() {
	defer func() {
		if c.sfu != nil {
			c.sfu.UnregisterWatcher(c.ExamCode, c.ID)
		}
		c.hub.unregisterDashboard(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(65536)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	sendToMe := func(event string, payload interface{}) {
		c.enqueue(envelope(event, payload))
	}

	for {
		var msg protocol.Envelope
		if err := c.conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))

		switch msg.Event {
		case protocol.EventWatch:
			if c.sfu != nil {
				var req protocol.WatchRequest
				if err := json.Unmarshal(msg.Data, &req); err == nil && req.StudentID != uuid.Nil {
					_ = c.sfu.HandleWatch(c.ExamCode, req.StudentID, c.ID, sendToMe)
				}
			}
		case protocol.EventWatchAnswer:
			if c.sfu != nil {
				var payload protocol.SDPPayload
				if err := json.Unmarshal(msg.Data, &payload); err == nil && payload.SDP != "" {
					sdp := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: payload.SDP}
					_ = c.sfu.HandleWatchAnswer(c.ExamCode, payload.StudentID, c.ID, sdp)
				}
			}
		case protocol.EventWatchICE:
			if c.sfu != nil {
				var payload protocol.ICEPayload
				if err := json.Unmarshal(msg.Data, &payload); err == nil && len(payload.Candidate) > 0 {
					var cand webrtc.ICECandidateInit
					if json.Unmarshal(payload.Candidate, &cand) == nil {
						_ = c.sfu.HandleWatchICE(c.ExamCode, payload.StudentID, c.ID, cand)
					}
				}
			}
		default:
			// ignore
		}
	}
}

func (c *DashboardConn) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
