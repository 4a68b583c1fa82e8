package realtime

import (
	"context"
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

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // allow all origins in dev; restrict in production
	},
}

// TokenValidator checks a bearer token and returns the caller's identity.
type TokenValidator func(token string) (userID uuid.UUID, role string, err error)

// StudentConn is a student's WebSocket connection to their exam session.
type StudentConn struct {
	ExamCode  string
	StudentID uuid.UUID

	hub    *Hub
	mgr    *exams.Manager
	agg    *exams.Aggregator
	sfu    *SFU
	conn   *websocket.Conn
	send   chan protocol.Envelope
	logger *zap.Logger
}

// ServeStudentWs handles the student WebSocket upgrade and runs the
// connection loop. The join (or rejoin) happens before the upgrade so
// protocol rejections surface as plain HTTP errors.
func ServeStudentWs(hub *Hub, mgr *exams.Manager, agg *exams.Aggregator, sfu *SFU, validate TokenValidator, logger *zap.Logger) gin.HandlerFunc {
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
		if role != "student" {
			c.JSON(http.StatusForbidden, gin.H{"error": "student token required"})
			return
		}

		exam, participant, err := mgr.Join(c.Request.Context(), examCode, userID, "")
		if err != nil {
			switch {
			case errors.Is(err, exams.ErrNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "exam not found"})
			case errors.Is(err, exams.ErrInvalidState):
				c.JSON(http.StatusConflict, gin.H{"error": "exam has ended"})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": "join failed"})
			}
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		sc := &StudentConn{
			ExamCode:  exam.Code,
			StudentID: userID,
			hub:       hub,
			mgr:       mgr,
			agg:       agg,
			sfu:       sfu,
			conn:      conn,
			send:      make(chan protocol.Envelope, sendBuffer),
			logger:    logger,
		}
		hub.registerStudent(sc)

		sc.enqueue(protocol.Wrap(protocol.EventJoinAck, protocol.JoinAck{
			ExamCode:       exam.Code,
			StudentID:      userID,
			State:          string(exam.State),
			MaxViolations:  exam.MaxViolations,
			ViolationCount: participant.ViolationCount,
			Flagged:        participant.Flagged,
		}))
		hub.StatusChanged(exam.Code, protocol.StudentStatus{
			ExamCode:       exam.Code,
			StudentID:      userID,
			Connected:      true,
			ViolationCount: participant.ViolationCount,
			Flagged:        participant.Flagged,
		})

		go sc.writePump()
		sc.readPump()
	}
}

func (c *StudentConn) enqueue(msg protocol.Envelope) {
	select {
	case c.send <- msg:
	default:
		// buffer full, skip
	}
}

func (c *StudentConn) close() {
	_ = c.conn.Close()
}

func (c *StudentConn) readPump() {
	defer func() {
		if c.sfu != nil {
			c.sfu.CloseFeed(c.ExamCode, c.StudentID)
		}
		c.hub.unregisterStudent(c)
		_ = c.conn.Close()
		c.markLeft()
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
		case protocol.EventViolation:
			var ev protocol.ViolationEvent
			if err := json.Unmarshal(msg.Data, &ev); err != nil {
				sendToMe(protocol.EventError, protocol.ErrorMessage{Code: "bad_payload"})
				continue
			}
			c.applyViolation(ev, sendToMe)
		case protocol.EventHeartbeat:
			c.mgr.Heartbeat(c.ExamCode, c.StudentID)
		case protocol.EventCamOffer:
			if c.sfu != nil {
				var payload protocol.SDPPayload
				if err := json.Unmarshal(msg.Data, &payload); err == nil && payload.SDP != "" {
					sdp := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: payload.SDP}
					_ = c.sfu.HandleCamOffer(c.ExamCode, c.StudentID, sdp, sendToMe)
				}
			}
		case protocol.EventCamICE:
			if c.sfu != nil {
				var payload protocol.ICEPayload
				if err := json.Unmarshal(msg.Data, &payload); err == nil && len(payload.Candidate) > 0 {
					var cand webrtc.ICECandidateInit
					if json.Unmarshal(payload.Candidate, &cand) == nil {
						_ = c.sfu.HandleCamICE(c.ExamCode, c.StudentID, cand)
					}
				}
			}
		default:
			// ignore
		}
	}
}

// applyViolation routes one event through the aggregator. The student ID
// comes from the connection, never from the payload.
func (c *StudentConn) applyViolation(ev protocol.ViolationEvent, sendToMe func(event string, payload interface{})) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := c.agg.Apply(ctx, c.ExamCode, c.StudentID, ev)
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, exams.ErrInvalidState):
		sendToMe(protocol.EventError, protocol.ErrorMessage{Code: "session_not_active"})
	case errors.Is(err, exams.ErrUnknownStudent):
		sendToMe(protocol.EventError, protocol.ErrorMessage{Code: "unknown_student"})
	case errors.Is(err, exams.ErrNotFound):
		sendToMe(protocol.EventError, protocol.ErrorMessage{Code: "exam_not_found"})
	case errors.Is(err, exams.ErrCorrupted):
		sendToMe(protocol.EventSessionState, protocol.SessionState{
			ExamCode: c.ExamCode, State: "ended", Reason: "session corrupted",
		})
	}
}

func (c *StudentConn) markLeft() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.mgr.Leave(ctx, c.ExamCode, c.StudentID)

	if exam, err := c.mgr.Get(c.ExamCode); err == nil {
		if parts, err := c.mgr.Participants(c.ExamCode); err == nil {
			for _, p := range parts {
				if p.StudentID == c.StudentID {
					c.hub.StatusChanged(exam.Code, protocol.StudentStatus{
						ExamCode:       exam.Code,
						StudentID:      c.StudentID,
						Connected:      p.Connected,
						ViolationCount: p.ViolationCount,
						Flagged:        p.Flagged,
					})
					break
				}
			}
		}
	}
}

func (c *StudentConn) writePump() {
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
