package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/better-wallet/walletbridge/internal/logger"
	apperrors "github.com/better-wallet/walletbridge/pkg/errors"
	"github.com/better-wallet/walletbridge/pkg/types"
)

// Handler answers page requests. It is called on its own goroutine and
// must return a Response for req.RequestID.
type Handler interface {
	Handle(ctx context.Context, req Request) Response
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, req Request) Response

// Handle calls f
func (f HandlerFunc) Handle(ctx context.Context, req Request) Response {
	return f(ctx, req)
}

// Defaults for ServerOptions
const (
	DefaultOutboxTTL      = 2 * time.Minute
	DefaultWriteTimeout   = 10 * time.Second
	DefaultPingInterval   = 30 * time.Second
	DefaultMaxMessageSize = 1 << 20
	sendBuffer            = 64
)

// ServerOptions configures a Server
type ServerOptions struct {
	// AllowedOrigins limits which page origins may connect. Empty allows any.
	AllowedOrigins []string

	// OutboxTTL is how long a response waits for its page to reconnect
	OutboxTTL      time.Duration
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	Clock          clockwork.Clock

	// Observers (metrics)
	OnConnection func(delta int)
	OnMessage    func(direction string, t Type)
}

type flightKey struct {
	origin string
	id     string
}

type parked struct {
	resp   Response
	parked time.Time
}

// Server is the trusted end of the transport. Each response is delivered
// once: to the connection that sent (or resumed) the request, or parked in
// the outbox until the page reconnects and resumes it.
type Server struct {
	handler  Handler
	opts     ServerOptions
	clock    clockwork.Clock
	upgrader websocket.Upgrader
	allowed  map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	conns    map[*conn]struct{}
	inflight map[flightKey]*conn
	outbox   map[flightKey]parked
}

// NewServer creates a server forwarding requests to h
func NewServer(h Handler, opts ServerOptions) *Server {
	if opts.OutboxTTL <= 0 {
		opts.OutboxTTL = DefaultOutboxTTL
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = DefaultMaxMessageSize
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	s := &Server{
		handler:  h,
		opts:     opts,
		clock:    opts.Clock,
		allowed:  make(map[string]struct{}),
		conns:    make(map[*conn]struct{}),
		inflight: make(map[flightKey]*conn),
		outbox:   make(map[flightKey]parked),
	}
	for _, o := range opts.AllowedOrigins {
		if n, err := types.NormalizeOrigin(o); err == nil {
			s.allowed[n] = struct{}{}
		}
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.upgrader = websocket.Upgrader{
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      func(r *http.Request) bool { return s.originAllowed(r.Header.Get("Origin")) },
	}
	return s
}

func (s *Server) originAllowed(raw string) bool {
	origin, err := types.NormalizeOrigin(raw)
	if err != nil {
		return false
	}
	if len(s.allowed) == 0 {
		return true
	}
	_, ok := s.allowed[origin]
	return ok
}

// ServeHTTP upgrades a page connection. The Origin header fixes which
// origin every request on the connection must claim.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	origin, err := types.NormalizeOrigin(r.Header.Get("Origin"))
	if err != nil {
		http.Error(w, "origin required", http.StatusForbidden)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already wrote the HTTP error
		logger.Warn(r.Context(), "websocket upgrade failed", "origin", origin, "error", err)
		return
	}

	c := newConn(s, ws, origin)
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	s.observeConn(1)

	logger.Info(logger.WithOrigin(r.Context(), origin), "page connected")

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		c.writeLoop()
	}()
	go func() {
		defer s.wg.Done()
		c.readLoop()
		s.dropConn(c)
	}()
}

func (s *Server) dropConn(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	c.close()
	s.observeConn(-1)
	logger.Info(logger.WithOrigin(context.Background(), c.origin), "page disconnected")
}

// dispatch handles one decoded message from c
func (s *Server) dispatch(c *conn, m Message) {
	switch msg := m.(type) {
	case Request:
		s.observeMessage("in", TypeRequest)
		s.handleRequest(c, msg)
	case Resume:
		s.observeMessage("in", TypeResume)
		s.resume(c, msg.RequestIDs)
	case Response, Event:
		// pages never send these
		logger.Debug(logger.WithOrigin(context.Background(), c.origin), "ignoring page message", "type", msg.messageType())
	}
}

func (s *Server) handleRequest(c *conn, req Request) {
	origin, err := types.NormalizeOrigin(req.Origin)
	if err != nil || origin != c.origin {
		logger.Warn(logger.WithOrigin(context.Background(), c.origin), "request origin does not match connection",
			"claimed", req.Origin, "request_id", req.RequestID)
		c.send(Failure(req.RequestID, apperrors.ErrUnauthorized))
		return
	}
	req.Origin = origin

	key := flightKey{origin: origin, id: req.RequestID}
	s.mu.Lock()
	_, busy := s.inflight[key]
	_, done := s.outbox[key]
	if busy || done {
		s.mu.Unlock()
		c.send(Failure(req.RequestID, apperrors.ErrInvalidRequest))
		return
	}
	s.inflight[key] = c
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx := logger.WithOrigin(logger.WithRequestID(s.ctx, req.RequestID), origin)
		resp := s.handler.Handle(ctx, req)
		resp.RequestID = req.RequestID
		s.deliver(key, resp)
	}()
}

// deliver hands resp to whichever connection currently owns key, or parks
// it when that connection is gone
func (s *Server) deliver(key flightKey, resp Response) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.inflight[key]
	if !ok {
		return
	}
	delete(s.inflight, key)

	if c.send(resp) {
		return
	}
	s.outbox[key] = parked{resp: resp, parked: s.clock.Now()}
	s.pruneLocked()
}

// resume re-attaches c to its earlier requests. Parked responses are sent
// now, running ones when they finish, and unknown ids fail ConnectionLost.
func (s *Server) resume(c *conn, ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()

	for _, id := range ids {
		key := flightKey{origin: c.origin, id: id}
		if p, ok := s.outbox[key]; ok {
			if c.send(p.resp) {
				delete(s.outbox, key)
			}
			continue
		}
		if _, ok := s.inflight[key]; ok {
			s.inflight[key] = c
			continue
		}
		c.send(Failure(id, apperrors.ErrConnectionLost))
	}
}

func (s *Server) pruneLocked() {
	cutoff := s.clock.Now().Add(-s.opts.OutboxTTL)
	for key, p := range s.outbox {
		if p.parked.Before(cutoff) {
			delete(s.outbox, key)
		}
	}
}

// Parked returns how many responses wait for a reconnect
func (s *Server) Parked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	return len(s.outbox)
}

// Broadcast pushes ev to every connected page
func (s *Server) Broadcast(ev Event) {
	s.notify(func(*conn) bool { return true }, ev)
}

// Notify pushes ev to the pages of one origin
func (s *Server) Notify(origin string, ev Event) {
	o, err := types.NormalizeOrigin(origin)
	if err != nil {
		return
	}
	s.notify(func(c *conn) bool { return c.origin == o }, ev)
}

func (s *Server) notify(match func(*conn) bool, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		if match(c) {
			c.send(ev)
		}
	}
}

// Close disconnects every page with a DISCONNECT event and waits for
// running handlers to finish
func (s *Server) Close() {
	s.Broadcast(Disconnect())
	s.cancel()

	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.shutdown()
	}

	s.wg.Wait()
}

func (s *Server) observeConn(delta int) {
	if s.opts.OnConnection != nil {
		s.opts.OnConnection(delta)
	}
}

func (s *Server) observeMessage(direction string, t Type) {
	if s.opts.OnMessage != nil {
		s.opts.OnMessage(direction, t)
	}
}
