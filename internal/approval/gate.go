// Package approval turns queued requests into one-time user verdicts.
//
// Each presented request moves Queued → Presented → {Approved, Rejected,
// TimedOut}. OnVerdict is the only way out of Presented other than the
// request's deadline; whichever happens first wins and the other is
// discarded.
package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/better-wallet/walletbridge/internal/logger"
	"github.com/better-wallet/walletbridge/internal/queue"
	apperrors "github.com/better-wallet/walletbridge/pkg/errors"
	"github.com/better-wallet/walletbridge/pkg/types"
)

// State of a presentation
type State string

const (
	StateQueued    State = "queued"
	StatePresented State = "presented"
	StateApproved  State = "approved"
	StateRejected  State = "rejected"
	StateTimedOut  State = "timed-out"
)

// Verdict is the user's decision on a prompt. Payload carries whatever the
// surface collected alongside it, such as the accounts picked for a
// connection.
type Verdict struct {
	Approved bool            `json:"approved"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Prompt is what the approval surface shows
type Prompt struct {
	ID     string `json:"id"`
	Origin string `json:"origin"`
	Method string `json:"method"`
	Description
	Deadline time.Time `json:"deadline"`
}

// Reply hands a verdict back to the gate and reports whether it was applied
type Reply func(v Verdict) bool

// Surface is the UI collaborator that shows prompts to the user
type Surface interface {
	// Open shows p. The verdict, if any, arrives later through reply.
	Open(ctx context.Context, p Prompt, reply Reply) error

	// Close withdraws a prompt that was resolved or expired
	Close(id string)
}

// Options configures a Gate
type Options struct {
	Clock clockwork.Clock

	// OnSettle observes every presentation leaving Presented (metrics)
	OnSettle func(p Prompt, state State, elapsed time.Duration)
}

type outcome struct {
	verdict Verdict
	err     error
}

type presentation struct {
	prompt  Prompt
	state   State
	opened  time.Time
	outcome chan outcome
}

// Gate presents requests and collects verdicts
type Gate struct {
	queue   *queue.Queue
	surface Surface
	clock   clockwork.Clock
	opts    Options

	mu      sync.Mutex
	prompts map[string]*presentation
}

// NewGate creates a gate that settles requests of q
func NewGate(q *queue.Queue, surface Surface, opts Options) *Gate {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Gate{
		queue:   q,
		surface: surface,
		clock:   opts.Clock,
		opts:    opts,
		prompts: make(map[string]*presentation),
	}
}

// NeedsApproval reports whether method must be presented. Signing and
// sending always are, whatever grants the origin holds; connected only
// waives the prompt for eth_requestAccounts.
func NeedsApproval(method string, connected bool) bool {
	if method == types.MethodRequestAccounts {
		return !connected
	}
	return types.MayPrompt(method)
}

// Present shows req on the surface and blocks until a verdict, the
// request's deadline, the request settling elsewhere, or ctx ends.
// A rejected verdict returns ErrUserRejected and the request is already
// rejected in the queue. An approved verdict marks the request approved;
// the caller delivers its result.
func (g *Gate) Present(ctx context.Context, req *queue.Request) (Verdict, error) {
	desc, err := Describe(req.Origin, req.Method, req.Params)
	if err != nil {
		invalid := apperrors.InvalidParams(err.Error())
		g.queue.Reject(req.ID, invalid)
		return Verdict{}, invalid
	}

	p := &presentation{
		prompt: Prompt{
			ID:          req.ID,
			Origin:      req.Origin,
			Method:      req.Method,
			Description: desc,
			Deadline:    req.Deadline,
		},
		state:   StatePresented,
		opened:  g.clock.Now(),
		outcome: make(chan outcome, 1),
	}

	g.mu.Lock()
	if _, dup := g.prompts[req.ID]; dup {
		g.mu.Unlock()
		return Verdict{}, fmt.Errorf("request %s is already presented", req.ID)
	}
	g.prompts[req.ID] = p
	g.mu.Unlock()

	reply := func(v Verdict) bool { return g.OnVerdict(req.ID, v.Approved, v.Payload) }
	if err := g.surface.Open(ctx, p.prompt, reply); err != nil {
		// An unreachable surface still ends at the deadline
		logger.Warn(ctx, "approval surface failed to open", "request_id", req.ID, "error", err)
	}

	timer := g.clock.NewTimer(g.clock.Until(req.Deadline))
	defer timer.Stop()

	select {
	case o := <-p.outcome:
		return o.verdict, o.err

	case <-timer.Chan():
		if g.abandon(req.ID, StateTimedOut) {
			g.queue.Reject(req.ID, apperrors.ErrTimeout)
			return Verdict{}, apperrors.ErrTimeout
		}

	case <-req.Settled():
		// swept or rejected on lock before the user answered
		if g.abandon(req.ID, StateTimedOut) {
			return Verdict{}, apperrors.ErrTimeout
		}

	case <-ctx.Done():
		if g.abandon(req.ID, StateTimedOut) {
			g.queue.Reject(req.ID, apperrors.ErrTimeout)
			return Verdict{}, ctx.Err()
		}
	}

	// OnVerdict won the race with the exit above
	o := <-p.outcome
	return o.verdict, o.err
}

// OnVerdict applies the user's decision on id. It reports false, and
// changes nothing, when id is not presented any more.
func (g *Gate) OnVerdict(id string, approved bool, payload json.RawMessage) bool {
	g.mu.Lock()
	p, ok := g.prompts[id]
	if !ok || p.state != StatePresented {
		g.mu.Unlock()
		logger.Debug(context.Background(), "late verdict discarded", "request_id", id)
		return false
	}

	// The queue entry and the presentation change together so the sweep
	// cannot slip in between.
	var applied bool
	if approved {
		applied = g.queue.Approve(id)
		p.state = StateApproved
	} else {
		applied = g.queue.Reject(id, apperrors.ErrUserRejected)
		p.state = StateRejected
	}
	if !applied {
		p.state = StateTimedOut
	}
	delete(g.prompts, id)
	switch {
	case !applied:
		p.outcome <- outcome{err: apperrors.ErrTimeout}
	case approved:
		p.outcome <- outcome{verdict: Verdict{Approved: true, Payload: payload}}
	default:
		p.outcome <- outcome{verdict: Verdict{Payload: payload}, err: apperrors.ErrUserRejected}
	}
	g.mu.Unlock()

	g.settled(p)
	if !applied {
		logger.Debug(context.Background(), "verdict arrived after the request expired", "request_id", id)
	}
	return applied
}

// abandon ends a presentation without a verdict. It reports false when a
// verdict got there first.
func (g *Gate) abandon(id string, state State) bool {
	g.mu.Lock()
	p, ok := g.prompts[id]
	if !ok || p.state != StatePresented {
		g.mu.Unlock()
		return false
	}
	p.state = state
	delete(g.prompts, id)
	g.mu.Unlock()

	g.settled(p)
	return true
}

func (g *Gate) settled(p *presentation) {
	g.surface.Close(p.prompt.ID)
	if g.opts.OnSettle != nil {
		g.opts.OnSettle(p.prompt, p.state, g.clock.Since(p.opened))
	}
}

// Pending lists presented prompts, soonest deadline first
func (g *Gate) Pending() []Prompt {
	g.mu.Lock()
	out := make([]Prompt, 0, len(g.prompts))
	for _, p := range g.prompts {
		out = append(out, p.prompt)
	}
	g.mu.Unlock()

	sortPrompts(out)
	return out
}

func sortPrompts(ps []Prompt) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].Deadline.Equal(ps[j].Deadline) {
			return ps[i].Deadline.Before(ps[j].Deadline)
		}
		return ps[i].ID < ps[j].ID
	})
}
