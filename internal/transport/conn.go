package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/better-wallet/walletbridge/internal/logger"
	apperrors "github.com/better-wallet/walletbridge/pkg/errors"
)

// conn is one page connection. writeLoop is its only writer.
type conn struct {
	server *Server
	ws     *websocket.Conn
	origin string

	out     chan Message
	done    chan struct{}
	closing chan struct{}

	mu           sync.Mutex
	closed       bool
	closeOnce    sync.Once
	shutdownOnce sync.Once
}

func newConn(s *Server, ws *websocket.Conn, origin string) *conn {
	return &conn{
		server:  s,
		ws:      ws,
		origin:  origin,
		out:     make(chan Message, sendBuffer),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
	}
}

func (c *conn) ctx() context.Context {
	return logger.WithOrigin(context.Background(), c.origin)
}

// send queues m without blocking. It reports false when the connection is
// closed or too far behind, in which case the caller keeps m.
func (c *conn) send(m Message) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	select {
	case c.out <- m:
		c.mu.Unlock()
		return true
	default:
	}
	c.mu.Unlock()

	logger.Warn(c.ctx(), "page is not reading, dropping connection")
	c.close()
	return false
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
		_ = c.ws.Close()
	})
}

// shutdown flushes queued messages, sends a close frame and closes
func (c *conn) shutdown() {
	c.shutdownOnce.Do(func() { close(c.closing) })
}

func (c *conn) readLoop() {
	pongWait := 2 * c.server.opts.PingInterval
	c.ws.SetReadLimit(c.server.opts.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug(c.ctx(), "page connection dropped", "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		m, err := Decode(data)
		if err != nil {
			logger.Warn(c.ctx(), "rejecting malformed message", "error", err)
			if id := peekRequestID(data); id != "" {
				c.send(Failure(id, apperrors.ErrInvalidRequest))
			}
			continue
		}
		c.server.dispatch(c, m)
	}
}

func (c *conn) writeLoop() {
	ticker := c.server.clock.NewTicker(c.server.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case m := <-c.out:
			if err := c.write(m); err != nil {
				logger.Debug(c.ctx(), "write to page failed", "error", err)
				c.requeue(m)
				c.close()
				c.drain()
				return
			}

		case <-ticker.Chan():
			deadline := time.Now().Add(c.server.opts.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.close()
				c.drain()
				return
			}

		case <-c.closing:
			c.flush()
			deadline := time.Now().Add(c.server.opts.WriteTimeout)
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "wallet shutting down"), deadline)
			c.close()
			c.drain()
			return

		case <-c.done:
			c.drain()
			return
		}
	}
}

func (c *conn) write(m Message) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.server.opts.WriteTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	c.server.observeMessage("out", m.messageType())
	return nil
}

// flush writes whatever is queued, best effort
func (c *conn) flush() {
	for {
		select {
		case m := <-c.out:
			if err := c.write(m); err != nil {
				c.requeue(m)
				return
			}
		default:
			return
		}
	}
}

// drain hands every unsent response back to the server's outbox. It runs
// after close, so nothing new can be queued behind it.
func (c *conn) drain() {
	var pending []Message
	c.mu.Lock()
	for {
		select {
		case m := <-c.out:
			pending = append(pending, m)
			continue
		default:
		}
		break
	}
	c.mu.Unlock()

	for _, m := range pending {
		c.requeue(m)
	}
}

func (c *conn) requeue(m Message) {
	if resp, ok := m.(Response); ok {
		c.server.park(c.origin, resp)
	}
}

// park keeps resp for a page that may resume it later
func (s *Server) park(origin string, resp Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outbox[flightKey{origin: origin, id: resp.RequestID}] = parked{resp: resp, parked: s.clock.Now()}
}

func peekRequestID(data []byte) string {
	var probe struct {
		RequestID string `json:"requestId"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ""
	}
	return probe.RequestID
}
