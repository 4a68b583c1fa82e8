package realtime

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/focusguard/proctor/internal/exams"
	"github.com/focusguard/proctor/internal/protocol"
)

// HeartbeatMonitor sweeps active exams and marks students disconnected when
// their application-level heartbeats go silent. The WebSocket ping handles
// dead TCP connections; this catches clients whose pipeline stalled while
// the socket stays open.
type HeartbeatMonitor struct {
	mgr      *exams.Manager
	hub      *Hub
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
}

// NewHeartbeatMonitor creates a sweeper. interval is how often to sweep,
// timeout how long a silent student stays considered connected.
func NewHeartbeatMonitor(mgr *exams.Manager, hub *Hub, interval, timeout time.Duration, logger *zap.Logger) *HeartbeatMonitor {
	return &HeartbeatMonitor{mgr: mgr, hub: hub, interval: interval, timeout: timeout, logger: logger}
}

// Run sweeps until ctx is canceled.
func (m *HeartbeatMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *HeartbeatMonitor) sweep() {
	stale := m.mgr.MarkStale(m.timeout)
	for _, s := range stale {
		m.logger.Info("student heartbeat timed out",
			zap.String("exam_code", s.ExamCode),
			zap.String("student_id", s.StudentID.String()))
		m.broadcastStatus(s)
	}
}

func (m *HeartbeatMonitor) broadcastStatus(s exams.StaleStudent) {
	parts, err := m.mgr.Participants(s.ExamCode)
	if err != nil {
		return
	}
	for _, p := range parts {
		if p.StudentID == s.StudentID {
			m.hub.StatusChanged(s.ExamCode, protocol.StudentStatus{
				ExamCode:       s.ExamCode,
				StudentID:      s.StudentID,
				Connected:      false,
				ViolationCount: p.ViolationCount,
				Flagged:        p.Flagged,
			})
			return
		}
	}
}
