// Package wsclient is the student-side WebSocket transport: it maintains the
// connection to the exam server, reconnecting with a fixed delay, and carries
// violation events, heartbeats and session state.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/focusguard/proctor/internal/protocol"
)

// ErrNotConnected is returned by SendViolation while the connection is down.
// The caller keeps the event buffered and retries.
var ErrNotConnected = errors.New("not connected to exam server")

const (
	// DefaultHeartbeatInterval is how often the client proves liveness.
	DefaultHeartbeatInterval = 5 * time.Second
	// DefaultReconnectDelay is the wait between reconnect attempts.
	DefaultReconnectDelay = 3 * time.Second

	writeTimeout  = 10 * time.Second
	dialTimeout   = 10 * time.Second
	pongWait      = 60 * time.Second
	handshakeWait = 15 * time.Second
)

// Options configures the client connection.
type Options struct {
	ServerURL string // e.g. ws://localhost:8080
	ExamCode  string
	Token     string

	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration

	// OnJoinAck fires after each successful join or rejoin.
	OnJoinAck func(ack protocol.JoinAck)
	// OnSessionState fires on exam state changes; the caller decides when
	// to stop the pipeline and begin the flush grace period.
	OnSessionState func(state protocol.SessionState)
	// OnFlagged fires when the server flags this student.
	OnFlagged func(status protocol.StudentStatus)
	// OnEnvelope, when set, receives every other message (WebRTC signaling).
	OnEnvelope func(env protocol.Envelope)
}

// Client is the student's connection to the exam server. Safe for one
// concurrent sender (the emitter drain loop).
type Client struct {
	opts   Options
	logger *zap.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	joined bool
}

// New creates a client. Run must be called to connect.
func New(opts Options, logger *zap.Logger) *Client {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{opts: opts, logger: logger}
}

// Run maintains the connection until ctx is canceled: dial, join, pump
// messages, and on any failure wait the reconnect delay and start over. A
// rejoin lands on the same participant record, so violation counts survive.
func (c *Client) Run(ctx context.Context) {
	for {
		if err := c.connectAndPump(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("connection lost, reconnecting",
				zap.Error(err), zap.Duration("delay", c.opts.ReconnectDelay))
		}
		select {
		case <-ctx.Done():
			c.shutdown()
			return
		case <-time.After(c.opts.ReconnectDelay):
		}
	}
}

func (c *Client) connectAndPump(ctx context.Context) error {
	u, err := url.Parse(c.opts.ServerURL)
	if err != nil {
		return err
	}
	u.Path = "/ws/exam"
	q := u.Query()
	q.Set("exam_code", c.opts.ExamCode)
	q.Set("token", c.opts.Token)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: handshakeWait}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, _, err := dialer.DialContext(dialCtx, u.String(), nil)
	cancel()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.joined = false
		c.mu.Unlock()
		_ = conn.Close()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeTimeout))
	})

	stop := make(chan struct{})
	defer close(stop)
	go c.heartbeatLoop(ctx, stop)

	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env protocol.Envelope) {
	switch env.Event {
	case protocol.EventJoinAck:
		var ack protocol.JoinAck
		if err := json.Unmarshal(env.Data, &ack); err != nil {
			return
		}
		c.mu.Lock()
		c.joined = true
		c.mu.Unlock()
		c.logger.Info("joined exam",
			zap.String("exam_code", ack.ExamCode),
			zap.String("state", ack.State),
			zap.Int("violation_count", ack.ViolationCount),
			zap.Bool("flagged", ack.Flagged))
		if c.opts.OnJoinAck != nil {
			c.opts.OnJoinAck(ack)
		}
	case protocol.EventSessionState:
		var state protocol.SessionState
		if err := json.Unmarshal(env.Data, &state); err != nil {
			return
		}
		c.logger.Info("session state changed",
			zap.String("state", state.State), zap.String("reason", state.Reason))
		if c.opts.OnSessionState != nil {
			c.opts.OnSessionState(state)
		}
	case protocol.EventFlagged:
		var status protocol.StudentStatus
		if err := json.Unmarshal(env.Data, &status); err != nil {
			return
		}
		c.logger.Warn("flagged by server", zap.Int("violation_count", status.ViolationCount))
		if c.opts.OnFlagged != nil {
			c.opts.OnFlagged(status)
		}
	case protocol.EventError:
		var em protocol.ErrorMessage
		_ = json.Unmarshal(env.Data, &em)
		c.logger.Warn("server rejected message", zap.String("code", em.Code))
	default:
		if c.opts.OnEnvelope != nil {
			c.opts.OnEnvelope(env)
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			_ = c.write(protocol.Wrap(protocol.EventHeartbeat, protocol.Heartbeat{At: time.Now()}))
		}
	}
}

// SendViolation delivers one violation event, or ErrNotConnected while the
// connection is down or the join has not completed.
func (c *Client) SendViolation(ev protocol.ViolationEvent) error {
	return c.write(protocol.Wrap(protocol.EventViolation, ev))
}

// Send delivers an arbitrary envelope (WebRTC signaling).
func (c *Client) Send(env protocol.Envelope) error {
	return c.write(env)
}

func (c *Client) write(env protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || !c.joined {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(env); err != nil {
		return err
	}
	return nil
}

func (c *Client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeTimeout))
		_ = c.conn.Close()
		c.conn = nil
	}
}
