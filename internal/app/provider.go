// Package app implements the provider: the data flow from an admitted page
// request through unlock, approval and signing back to its response.
package app

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"

	"github.com/better-wallet/walletbridge/internal/approval"
	"github.com/better-wallet/walletbridge/internal/eth"
	"github.com/better-wallet/walletbridge/internal/keyexec"
	"github.com/better-wallet/walletbridge/internal/logger"
	"github.com/better-wallet/walletbridge/internal/metrics"
	"github.com/better-wallet/walletbridge/internal/permission"
	"github.com/better-wallet/walletbridge/internal/queue"
	"github.com/better-wallet/walletbridge/internal/session"
	"github.com/better-wallet/walletbridge/internal/transport"
	"github.com/better-wallet/walletbridge/internal/validation"
	apperrors "github.com/better-wallet/walletbridge/pkg/errors"
	"github.com/better-wallet/walletbridge/pkg/types"
)

// Defaults for Options
const (
	DefaultUnlockTimeout = 60 * time.Second
	DefaultExecTimeout   = 30 * time.Second
)

// EventSink pushes events to connected pages. transport.Server implements it.
type EventSink interface {
	Broadcast(ev transport.Event)
	Notify(origin string, ev transport.Event)
}

// Options configures a Provider
type Options struct {
	// UnlockTimeout bounds how long a request waits for the user to unlock
	UnlockTimeout time.Duration

	// ExecTimeout bounds signing and chain calls after approval
	ExecTimeout time.Duration

	// TxLimits bounds transactions before they reach a prompt
	TxLimits validation.Limits

	Clock   clockwork.Clock
	Metrics *metrics.Metrics // optional
}

// Provider answers page requests
type Provider struct {
	queue    *queue.Queue
	gate     *approval.Gate
	perms    *permission.Registry
	sessions *session.Manager
	oracle   keyexec.SigningOracle
	chains   *eth.Registry
	events   EventSink
	clock    clockwork.Clock
	opts     Options

	sessionEvents <-chan session.Event
	unsubscribe   func()
}

var _ transport.Handler = (*Provider)(nil)

// NewProvider wires a provider. events may be nil until SetEventSink.
func NewProvider(
	q *queue.Queue,
	gate *approval.Gate,
	perms *permission.Registry,
	sessions *session.Manager,
	oracle keyexec.SigningOracle,
	chains *eth.Registry,
	opts Options,
) *Provider {
	if opts.UnlockTimeout <= 0 {
		opts.UnlockTimeout = DefaultUnlockTimeout
	}
	if opts.ExecTimeout <= 0 {
		opts.ExecTimeout = DefaultExecTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	p := &Provider{
		queue:    q,
		gate:     gate,
		perms:    perms,
		sessions: sessions,
		oracle:   oracle,
		chains:   chains,
		clock:    opts.Clock,
		opts:     opts,
	}
	// subscribe now so no transition before Run is missed
	p.sessionEvents, p.unsubscribe = sessions.Subscribe()
	return p
}

// SetEventSink sets where events go. The transport server needs the
// provider to exist first, so this is wired after construction.
func (p *Provider) SetEventSink(events EventSink) {
	p.events = events
}

// Handle admits req, runs it to completion and returns its response
func (p *Provider) Handle(ctx context.Context, req transport.Request) transport.Response {
	if !supported(req.Method) {
		p.rejected(apperrors.ErrCodeUnsupportedMethod)
		return transport.Failure(req.RequestID, apperrors.UnsupportedMethod(req.Method))
	}

	granted, err := p.perms.IsGranted(ctx, req.Origin)
	if err != nil {
		logger.Error(ctx, "failed to read grant", "error", err)
		return transport.Failure(req.RequestID, apperrors.ErrInternalError)
	}
	connected := len(granted) > 0

	qreq, err := p.queue.Enqueue(req.Origin, req.Method, req.Params, approval.NeedsApproval(req.Method, connected))
	if err != nil {
		if appErr, ok := apperrors.IsAppError(err); ok {
			p.rejected(appErr.Code)
		}
		logger.Warn(ctx, "request not admitted", "method", req.Method, "error", err)
		return transport.Failure(req.RequestID, err)
	}
	p.observeDepth()

	go p.process(ctx, qreq)

	data, err := qreq.Wait(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// the server is going away; settle the entry so nothing waits on it
			p.queue.Reject(qreq.ID, apperrors.ErrConnectionLost)
			return transport.Failure(req.RequestID, apperrors.ErrConnectionLost)
		}
		return transport.Failure(req.RequestID, err)
	}
	return transport.Result(req.RequestID, data)
}

// process walks req through unlock, approval and execution and settles it
// in the queue. Every exit settles the entry or leaves it to the sweep.
func (p *Provider) process(ctx context.Context, req *queue.Request) {
	ctx = logger.WithRequestID(logger.WithOrigin(ctx, req.Origin), req.ID)

	if err := p.validate(ctx, req); err != nil {
		p.queue.Reject(req.ID, err)
		return
	}

	if needsSession(req) {
		if err := p.awaitUnlock(ctx, req); err != nil {
			p.queue.Reject(req.ID, err)
			return
		}
	}

	var verdict approval.Verdict
	if req.Gated {
		v, err := p.gate.Present(ctx, req)
		if err != nil {
			// the gate already settled the entry
			logger.Debug(ctx, "request not approved", "method", req.Method, "error", err)
			return
		}
		verdict = v
	}

	execCtx, cancel := context.WithTimeout(ctx, p.opts.ExecTimeout)
	defer cancel()

	data, err := p.execute(execCtx, req, verdict)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = apperrors.ErrTimeout
		}
		logger.Warn(ctx, "request failed", "method", req.Method, "error", err)
		p.queue.Reject(req.ID, err)
		return
	}
	p.queue.Resolve(req.ID, data)
}

// needsSession reports whether req cannot go on while the wallet is locked
func needsSession(req *queue.Request) bool {
	if req.Sensitive {
		return true
	}
	switch req.Method {
	case types.MethodRequestAccounts, types.MethodRequestPermissions:
		return true
	}
	return false
}

// awaitUnlock holds req until the user unlocks. The wait has its own
// timeout; the approval that follows gets a fresh deadline.
func (p *Provider) awaitUnlock(ctx context.Context, req *queue.Request) error {
	if p.sessions.IsUnlocked() {
		return nil
	}

	logger.Info(ctx, "waiting for unlock", "method", req.Method)
	// the queue deadline stays behind the unlock timer so the wait is
	// reported as its own step
	p.queue.Refresh(req.ID, p.opts.UnlockTimeout+p.queue.ApprovalTimeout())

	waitCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	timer := p.clock.AfterFunc(p.opts.UnlockTimeout, func() { cancel(apperrors.ErrLocked) })
	defer timer.Stop()
	go func() {
		select {
		case <-req.Settled():
			cancel(apperrors.ErrTimeout)
		case <-waitCtx.Done():
		}
	}()

	if err := p.sessions.WaitUnlocked(waitCtx); err != nil {
		cause := context.Cause(waitCtx)
		logger.Info(ctx, "unlock wait ended without a session", "method", req.Method, "cause", cause)
		var appErr *apperrors.AppError
		if errors.As(cause, &appErr) {
			return appErr
		}
		return err
	}

	if req.Gated && !p.queue.Refresh(req.ID, p.queue.ApprovalTimeout()) {
		return apperrors.ErrTimeout
	}
	return nil
}

// Run reacts to session transitions until ctx is done. Locking fails every
// sensitive request still waiting for a verdict.
func (p *Provider) Run(ctx context.Context) {
	defer p.unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.sessionEvents:
			p.onSession(ctx, ev)
		}
	}
}

func (p *Provider) onSession(ctx context.Context, ev session.Event) {
	switch ev.Kind {
	case session.EventLocked:
		n := p.queue.RejectWhere(func(r *queue.Request) bool { return r.Sensitive }, apperrors.ErrLocked)
		logger.Info(ctx, "wallet locked", "reason", ev.Reason, "rejected", n)
		if p.opts.Metrics != nil {
			p.opts.Metrics.SetSession(false, ev.Reason)
		}
		p.notifyGrants(ctx, false)

	case session.EventUnlocked:
		logger.Info(ctx, "wallet unlocked", "accounts", len(ev.Accounts))
		if p.opts.Metrics != nil {
			p.opts.Metrics.SetSession(true, "")
		}
		p.notifyGrants(ctx, true)
	}
	p.observeDepth()
}

// notifyGrants tells every connected origin which accounts it can see now
func (p *Provider) notifyGrants(ctx context.Context, unlocked bool) {
	grants, err := p.perms.List(ctx)
	if err != nil {
		logger.Warn(ctx, "failed to list grants", "error", err)
		return
	}
	for _, g := range grants {
		var accounts []common.Address
		if unlocked {
			accounts = g.Accounts
		}
		p.emit(g.Origin, transport.AccountsChanged(accounts))
	}
}

// Disconnect revokes the grant of origin on behalf of the user and tells its
// pages they see no accounts any more
func (p *Provider) Disconnect(ctx context.Context, origin string) (bool, error) {
	revoked, err := p.perms.Revoke(ctx, origin)
	if err != nil || !revoked {
		return revoked, err
	}
	p.emit(origin, transport.AccountsChanged(nil))
	return true, nil
}

// emit sends an event to one origin, or to every page when origin is empty
func (p *Provider) emit(origin string, ev transport.Event) {
	if p.events == nil {
		return
	}
	if origin == "" {
		p.events.Broadcast(ev)
		return
	}
	p.events.Notify(origin, ev)
}

func (p *Provider) rejected(reason string) {
	if p.opts.Metrics != nil {
		p.opts.Metrics.RequestsRejectedTotal.WithLabelValues(reason).Inc()
	}
}

func (p *Provider) observeDepth() {
	if p.opts.Metrics != nil {
		p.opts.Metrics.QueueDepth.Set(float64(p.queue.Len()))
	}
}
