// Package queue is the single admission point for page requests. Every
// request gets one entry keyed by a fresh ID and leaves the map on its one
// terminal transition.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/better-wallet/walletbridge/internal/logger"
	apperrors "github.com/better-wallet/walletbridge/pkg/errors"
	"github.com/better-wallet/walletbridge/pkg/types"
)

// Status of a request
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusTimedOut Status = "timed-out"
)

// Default deadlines
const (
	DefaultApprovalTimeout = 60 * time.Second
	DefaultTimeout         = 30 * time.Second
	DefaultMaxPerOrigin    = 50
	DefaultSweepInterval   = time.Second
)

// Result is what a waiter receives exactly once
type Result struct {
	Data any
	Err  error
}

// Request is one admitted page call
type Request struct {
	ID        string
	Origin    string
	Method    string
	Params    json.RawMessage
	Gated     bool // waits on the user, so gets the longer deadline
	Sensitive bool // produces a signature or moves value
	ArrivedAt time.Time
	Deadline  time.Time

	status  Status
	done    chan Result
	settled chan struct{}
}

// Done delivers the single Result of r
func (r *Request) Done() <-chan Result {
	return r.done
}

// Settled is closed once r has left the queue. Unlike Done it can be
// watched by any number of goroutines.
func (r *Request) Settled() <-chan struct{} {
	return r.settled
}

// Wait blocks until r resolves or ctx is done
func (r *Request) Wait(ctx context.Context) (any, error) {
	select {
	case res := <-r.done:
		return res.Data, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Admitter rate-limits admission per origin
type Admitter interface {
	Allow(origin string) bool
}

// Options configures a Queue
type Options struct {
	ApprovalTimeout     time.Duration
	Timeout             time.Duration
	SweepInterval       time.Duration
	MaxPendingPerOrigin int
	Limiter             Admitter // optional
	Clock               clockwork.Clock

	// OnFinish observes every terminal transition (metrics)
	OnFinish func(req *Request, status Status, elapsed time.Duration)
}

// Queue tracks outstanding requests
type Queue struct {
	opts  Options
	clock clockwork.Clock

	mu        sync.Mutex
	pending   map[string]*Request
	perOrigin map[string]int
}

// New creates an empty Queue
func New(opts Options) *Queue {
	if opts.ApprovalTimeout <= 0 {
		opts.ApprovalTimeout = DefaultApprovalTimeout
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.MaxPendingPerOrigin <= 0 {
		opts.MaxPendingPerOrigin = DefaultMaxPerOrigin
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Queue{
		opts:      opts,
		clock:     opts.Clock,
		pending:   make(map[string]*Request),
		perOrigin: make(map[string]int),
	}
}

// Enqueue admits a request. Malformed envelopes fail ErrInvalidRequest;
// origins over their rate or pending budget fail ErrRateLimited.
func (q *Queue) Enqueue(origin, method string, params json.RawMessage, gated bool) (*Request, error) {
	if origin == "" || method == "" {
		return nil, apperrors.ErrInvalidRequest
	}
	if len(params) > 0 && !json.Valid(params) {
		return nil, apperrors.ErrInvalidRequest
	}
	if q.opts.Limiter != nil && !q.opts.Limiter.Allow(origin) {
		return nil, apperrors.ErrRateLimited
	}

	_, sensitive := types.SigningMethodFor(method)
	now := q.clock.Now()
	timeout := q.opts.Timeout
	if gated || sensitive {
		timeout = q.opts.ApprovalTimeout
	}

	req := &Request{
		ID:        uuid.New().String(),
		Origin:    origin,
		Method:    method,
		Params:    params,
		Gated:     gated || sensitive,
		Sensitive: sensitive,
		ArrivedAt: now,
		Deadline:  now.Add(timeout),
		status:    StatusPending,
		done:      make(chan Result, 1),
		settled:   make(chan struct{}),
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.perOrigin[origin] >= q.opts.MaxPendingPerOrigin {
		return nil, apperrors.ErrRateLimited
	}
	q.pending[req.ID] = req
	q.perOrigin[origin]++
	return req, nil
}

// Await waits for the request with id to resolve
func (q *Queue) Await(ctx context.Context, id string) (any, error) {
	req, ok := q.Get(id)
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return req.Wait(ctx)
}

// Get returns the pending request with id
func (q *Queue) Get(id string) (*Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	req, ok := q.pending[id]
	return req, ok
}

// Status returns the current status of id
func (q *Queue) Status(id string) (Status, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	req, ok := q.pending[id]
	if !ok {
		return "", false
	}
	return req.status, true
}

// Approve records a positive verdict for id. The request stays in the
// queue until Resolve or Reject delivers its result, but the timeout sweep
// and RejectWhere no longer touch it. It reports false when id is gone or
// already has a verdict.
func (q *Queue) Approve(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	req, ok := q.pending[id]
	if !ok || req.status != StatusPending {
		return false
	}
	req.status = StatusApproved
	return true
}

// Refresh moves the deadline of a request still waiting for a verdict to d
// from now. It reports false when id is gone or already decided.
func (q *Queue) Refresh(id string, d time.Duration) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	req, ok := q.pending[id]
	if !ok || req.status != StatusPending {
		return false
	}
	req.Deadline = q.clock.Now().Add(d)
	return true
}

// ApprovalTimeout is the deadline given to gated requests
func (q *Queue) ApprovalTimeout() time.Duration {
	return q.opts.ApprovalTimeout
}

// Resolve completes id with data. It reports false when id is no longer pending.
func (q *Queue) Resolve(id string, data any) bool {
	return q.finish(id, StatusApproved, Result{Data: data})
}

// Reject fails id with err. It reports false when id is no longer pending.
func (q *Queue) Reject(id string, err error) bool {
	status := StatusRejected
	if errors.Is(err, apperrors.ErrTimeout) {
		status = StatusTimedOut
	}
	return q.finish(id, status, Result{Err: err})
}

// finish is the only place a request leaves the queue. The presence check,
// map removal and delivery happen in one critical section.
func (q *Queue) finish(id string, status Status, res Result) bool {
	q.mu.Lock()
	req, ok := q.pending[id]
	if !ok {
		q.mu.Unlock()
		return false
	}
	if req.status == StatusApproved {
		// the verdict already fixed the status; only the result is delivered
		status = StatusApproved
	}
	q.finishLocked(req, status, res)
	q.mu.Unlock()

	q.observe(req, status)
	return true
}

func (q *Queue) finishLocked(req *Request, status Status, res Result) {
	req.status = status
	delete(q.pending, req.ID)
	if q.perOrigin[req.Origin]--; q.perOrigin[req.Origin] <= 0 {
		delete(q.perOrigin, req.Origin)
	}
	req.done <- res
	close(req.settled)
}

func (q *Queue) observe(req *Request, status Status) {
	if q.opts.OnFinish != nil {
		q.opts.OnFinish(req, status, q.clock.Since(req.ArrivedAt))
	}
}

// TimeoutSweep rejects every pending request past its deadline with
// ErrTimeout and returns how many it removed
func (q *Queue) TimeoutSweep() int {
	now := q.clock.Now()

	q.mu.Lock()
	var expired []*Request
	for _, req := range q.pending {
		if req.status == StatusPending && !now.Before(req.Deadline) {
			q.finishLocked(req, StatusTimedOut, Result{Err: apperrors.ErrTimeout})
			expired = append(expired, req)
		}
	}
	q.mu.Unlock()

	for _, req := range expired {
		logger.Debug(logger.WithOrigin(context.Background(), req.Origin), "request timed out",
			"request_id", req.ID, "method", req.Method)
		q.observe(req, StatusTimedOut)
	}
	return len(expired)
}

// RejectWhere fails every request matching pred that has no verdict yet
func (q *Queue) RejectWhere(pred func(*Request) bool, err error) int {
	status := StatusRejected
	if errors.Is(err, apperrors.ErrTimeout) {
		status = StatusTimedOut
	}

	q.mu.Lock()
	var matched []*Request
	for _, req := range q.pending {
		if req.status == StatusPending && pred(req) {
			q.finishLocked(req, status, Result{Err: err})
			matched = append(matched, req)
		}
	}
	q.mu.Unlock()

	for _, req := range matched {
		q.observe(req, status)
	}
	return len(matched)
}

// Len returns the number of pending requests
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Run sweeps expired requests every SweepInterval until ctx is done
func (q *Queue) Run(ctx context.Context) {
	ticker := q.clock.NewTicker(q.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			q.TimeoutSweep()
		}
	}
}
