package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/better-wallet/walletbridge/internal/logger"
	apperrors "github.com/better-wallet/walletbridge/pkg/errors"
	"github.com/better-wallet/walletbridge/pkg/types"
)

// Defaults for ClientOptions
const (
	DefaultCallTimeout = 30 * time.Second
	// DefaultApprovalCallTimeout covers the wallet's unlock wait (60s), a
	// fresh approval deadline (60s) and signing plus broadcast (30s), with
	// headroom. A page must never give up before the wallet does.
	DefaultApprovalCallTimeout = 3 * time.Minute

	DefaultMaxAttempts     = 5
	DefaultInitialInterval = 100 * time.Millisecond
	DefaultMaxInterval     = 5 * time.Second
)

// ClientOptions configures a Client
type ClientOptions struct {
	URL    string
	Origin string

	// Timeout bounds the round trip of calls that never wait on the user
	Timeout time.Duration

	// ApprovalTimeout bounds calls that may wait on an unlock or a prompt.
	// It must not be shorter than the wallet's own deadlines for them.
	ApprovalTimeout time.Duration

	// Reconnect policy: at most MaxAttempts dials, exponential backoff between
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration

	Dialer *websocket.Dialer
	Clock  clockwork.Clock

	// OnReconnect observes every dial retry (metrics)
	OnReconnect func()
}

type call struct {
	req       Request
	sensitive bool
	resent    bool
	done      chan Response
}

// Client is the page-side stub. It keeps no wallet state; it forwards calls
// and matches responses by request id. After a dropped connection it
// resumes outstanding ids rather than sending them again, and only
// non-sensitive calls the server no longer knows are ever re-sent.
type Client struct {
	opts  ClientOptions
	clock clockwork.Clock

	dialMu  sync.Mutex
	writeMu sync.Mutex

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]*call
	closed  bool

	events chan Event
}

// NewClient creates a client. It dials lazily on the first call.
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("transport URL is required")
	}
	origin, err := types.NormalizeOrigin(opts.Origin)
	if err != nil {
		return nil, err
	}
	opts.Origin = origin
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultCallTimeout
	}
	if opts.ApprovalTimeout <= 0 {
		opts.ApprovalTimeout = DefaultApprovalCallTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = DefaultInitialInterval
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = DefaultMaxInterval
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	return &Client{
		opts:    opts,
		clock:   opts.Clock,
		pending: make(map[string]*call),
		events:  make(chan Event, 16),
	}, nil
}

// Events delivers pushed events. Events are dropped when nobody reads.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Call sends method with params and waits for its response. Connection
// failures surface as ErrConnectionLost, a missing response as ErrTimeout.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, apperrors.InvalidParams(err.Error())
	}
	if params == nil {
		raw = json.RawMessage("[]")
	}

	_, sensitive := types.SigningMethodFor(method)
	cl := &call{
		req: Request{
			Method:    method,
			Params:    raw,
			RequestID: uuid.New().String(),
			Origin:    c.opts.Origin,
		},
		sensitive: sensitive,
		done:      make(chan Response, 1),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, apperrors.ErrConnectionLost
	}
	c.pending[cl.req.RequestID] = cl
	c.mu.Unlock()
	defer c.forget(cl.req.RequestID)

	if err := c.send(ctx, cl); err != nil {
		return nil, err
	}

	timer := c.clock.NewTimer(c.timeoutFor(method))
	defer timer.Stop()

	select {
	case resp := <-cl.done:
		if err := resp.Err(); err != nil {
			return nil, err
		}
		return resp.Data, nil
	case <-timer.Chan():
		return nil, apperrors.ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) timeoutFor(method string) time.Duration {
	if types.MayPrompt(method) {
		return c.opts.ApprovalTimeout
	}
	return c.opts.Timeout
}

// send writes cl's request. A write that fails is retried on a fresh
// connection only when the call is not sensitive.
func (c *Client) send(ctx context.Context, cl *call) error {
	for attempt := 0; ; attempt++ {
		conn, err := c.connect(ctx)
		if err != nil {
			return err
		}
		if err := c.write(conn, cl.req); err == nil {
			return nil
		}
		c.dropConn(conn)
		if cl.sensitive || attempt > 0 {
			return apperrors.ErrConnectionLost
		}
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) current() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// connect returns the live connection, dialing with backoff when there is
// none. A new connection resumes every call sent on the previous one.
func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	c.dialMu.Lock()
	defer c.dialMu.Unlock()

	if conn := c.current(); conn != nil {
		return conn, nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.opts.InitialInterval
	policy.MaxInterval = c.opts.MaxInterval
	policy.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.opts.MaxAttempts-1)), ctx)

	header := http.Header{}
	header.Set("Origin", c.opts.Origin)

	var conn *websocket.Conn
	err := backoff.RetryNotify(func() error {
		ws, resp, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, header)
		if resp != nil && resp.StatusCode == http.StatusForbidden {
			// the server refuses this origin; retrying cannot help
			return backoff.Permanent(fmt.Errorf("origin refused: %w", err))
		}
		if err != nil {
			return err
		}
		conn = ws
		return nil
	}, b, func(err error, wait time.Duration) {
		if c.opts.OnReconnect != nil {
			c.opts.OnReconnect()
		}
		logger.Debug(ctx, "transport dial failed, retrying", "wait", wait, "error", err)
	})
	if err != nil {
		logger.Warn(ctx, "transport unreachable", "attempts", c.opts.MaxAttempts, "error", err)
		return nil, apperrors.ErrConnectionLost
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return nil, apperrors.ErrConnectionLost
	}
	c.conn = conn
	var resume []string
	for id := range c.pending {
		resume = append(resume, id)
	}
	c.mu.Unlock()

	go c.readLoop(conn)

	if len(resume) > 0 {
		// ids of calls still being written are harmless here: the server
		// answers ConnectionLost only for ids it has never seen, and those
		// are re-sent below when they are safe to repeat
		if err := c.write(conn, Resume{RequestIDs: resume}); err != nil {
			c.dropConn(conn)
			return nil, apperrors.ErrConnectionLost
		}
	}
	return conn, nil
}

func (c *Client) write(conn *websocket.Conn, m Message) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(DefaultWriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) dropConn(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.dropConn(conn)
			c.reconnect()
			return
		}

		m, err := Decode(data)
		if err != nil {
			logger.Warn(context.Background(), "ignoring malformed message from wallet", "error", err)
			continue
		}

		switch msg := m.(type) {
		case Response:
			c.handleResponse(conn, msg)
		case Event:
			select {
			case c.events <- msg:
			default:
			}
		case Request, Resume:
			// the wallet never sends these
		}
	}
}

func (c *Client) handleResponse(conn *websocket.Conn, resp Response) {
	c.mu.Lock()
	cl, ok := c.pending[resp.RequestID]
	if !ok {
		c.mu.Unlock()
		return
	}

	lost := !resp.Success && resp.ErrorCode == apperrors.ErrCodeConnectionLost
	if lost && !cl.sensitive && !cl.resent {
		// the wallet restarted before it saw this call; reading is safe to repeat
		cl.resent = true
		c.mu.Unlock()
		if err := c.write(conn, cl.req); err == nil {
			return
		}
		resp = Failure(resp.RequestID, apperrors.ErrConnectionLost)
		c.mu.Lock()
	}
	delete(c.pending, resp.RequestID)
	c.mu.Unlock()

	cl.done <- resp
}

// reconnect restores the connection after a drop while calls are waiting.
// When every attempt fails those calls fail ErrConnectionLost.
func (c *Client) reconnect() {
	c.mu.Lock()
	if c.closed || len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.Timeout)
	defer cancel()
	if _, err := c.connect(ctx); err != nil {
		c.failAll(apperrors.ErrConnectionLost)
	}
}

func (c *Client) failAll(err error) {
	c.mu.Lock()
	calls := c.pending
	c.pending = make(map[string]*call)
	c.mu.Unlock()

	for id, cl := range calls {
		cl.done <- Failure(id, err)
	}
}

// Close drops the connection and fails outstanding calls
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.failAll(apperrors.ErrConnectionLost)
	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	if err := conn.Close(); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return err
	}
	return nil
}
