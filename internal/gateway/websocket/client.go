package websocket

import (
	"encoding/base64"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/forksd/forksd/internal/common/logger"
	"github.com/forksd/forksd/internal/events"
)

const (
	// maxPayload bounds both inbound frames and single outbound messages.
	maxPayload = 64 * 1024
	// pauseThreshold and resumeThreshold drive delta-drop backpressure.
	pauseThreshold  = 2 * maxPayload
	resumeThreshold = maxPayload

	pingInterval = 30 * time.Second
	pongTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second

	sendQueueSize = 256
)

// Client is one WebSocket connection. It implements terminal.Subscriber so
// PTY sessions can fan output directly into its send queue.
type Client struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	logger *logger.Logger

	send          chan []byte
	bufferedBytes atomic.Int64
	paused        atomic.Bool

	closeOnce sync.Once
	done      chan struct{}
}

func newClient(id string, hub *Hub, conn *websocket.Conn, log *logger.Logger) *Client {
	return &Client{
		id:     id,
		hub:    hub,
		conn:   conn,
		logger: log,
		send:   make(chan []byte, sendQueueSize),
		done:   make(chan struct{}),
	}
}

// ID identifies the client as a PTY subscriber.
func (c *Client) ID() string { return c.id }

// BufferedBytes reports the bytes queued but not yet written to the socket.
func (c *Client) BufferedBytes() int { return int(c.bufferedBytes.Load()) }

// enqueue places one serialized frame on the send queue. A full queue drops
// the connection; a slow reader must not block the hub.
func (c *Client) enqueue(payload []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- payload:
		c.updatePressure(c.bufferedBytes.Add(int64(len(payload))))
	default:
		c.logger.Warn("send queue full, dropping connection", zap.String("client_id", c.id))
		c.close()
	}
}

func (c *Client) updatePressure(buffered int64) {
	if buffered > pauseThreshold {
		c.paused.Store(true)
	} else if buffered < resumeThreshold {
		c.paused.Store(false)
	}
}

// EnqueueAgentEvent sends a domain event, dropping delta events while the
// connection is paused.
func (c *Client) EnqueueAgentEvent(ev events.AgentEvent, payload []byte) {
	if c.paused.Load() && ev.IsDelta() {
		return
	}
	c.enqueue(payload)
}

// SendOutput delivers batched PTY output (terminal.Subscriber).
func (c *Client) SendOutput(sessionID string, data []byte) {
	c.enqueue(mustJSON(ptyOutputMessage{
		Type:       msgPtyOutput,
		TerminalID: sessionID,
		Data:       base64.StdEncoding.EncodeToString(data),
	}))
}

// SendExit delivers a PTY exit frame (terminal.Subscriber). The session
// layer calls this even for backpressured subscribers; it goes through the
// normal queue.
func (c *Client) SendExit(sessionID string, exitCode int) {
	c.enqueue(mustJSON(ptyExitMessage{
		Type:       msgPtyExit,
		TerminalID: sessionID,
		ExitCode:   exitCode,
	}))
}

func (c *Client) sendError(terminalID, msg string) {
	c.enqueue(mustJSON(ptyErrorMessage{Type: msgPtyError, TerminalID: terminalID, Error: msg}))
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// readPump consumes inbound frames until the connection dies, then tears the
// client down.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.close()
	}()

	c.conn.SetReadLimit(maxPayload)
	_ = c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				// The peer stopped answering pings.
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Pong timeout")
				_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read error", zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}
		c.handleMessage(data)
	}
}

// writePump drains the send queue and drives the heartbeat.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case payload := <-c.send:
			c.updatePressure(c.bufferedBytes.Add(-int64(len(payload))))
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pongTimeout)); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}
