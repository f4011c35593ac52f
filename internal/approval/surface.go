package approval

import (
	"context"
	"encoding/json"
	"sync"

	apperrors "github.com/better-wallet/walletbridge/pkg/errors"
)

type openPrompt struct {
	prompt Prompt
	reply  Reply
}

// HTTPSurface keeps open prompts for a UI that polls for them and posts
// verdicts back over the trusted HTTP API
type HTTPSurface struct {
	mu      sync.Mutex
	open    map[string]openPrompt
	updates chan struct{}
}

var _ Surface = (*HTTPSurface)(nil)

// NewHTTPSurface creates an empty surface
func NewHTTPSurface() *HTTPSurface {
	return &HTTPSurface{
		open:    make(map[string]openPrompt),
		updates: make(chan struct{}, 1),
	}
}

// Open registers p until it is decided, dismissed or closed by the gate
func (s *HTTPSurface) Open(_ context.Context, p Prompt, reply Reply) error {
	s.mu.Lock()
	s.open[p.ID] = openPrompt{prompt: p, reply: reply}
	s.mu.Unlock()
	s.notify()
	return nil
}

// Close removes a prompt the gate has settled
func (s *HTTPSurface) Close(id string) {
	s.mu.Lock()
	_, ok := s.open[id]
	delete(s.open, id)
	s.mu.Unlock()
	if ok {
		s.notify()
	}
}

// List returns the open prompts, soonest deadline first
func (s *HTTPSurface) List() []Prompt {
	s.mu.Lock()
	out := make([]Prompt, 0, len(s.open))
	for _, op := range s.open {
		out = append(out, op.prompt)
	}
	s.mu.Unlock()

	sortPrompts(out)
	return out
}

// Get returns the open prompt with id
func (s *HTTPSurface) Get(id string) (Prompt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.open[id]
	return op.prompt, ok
}

// Decide forwards the user's verdict on id. A prompt that is gone, or
// whose request expired while the user decided, fails ErrNotFound.
func (s *HTTPSurface) Decide(id string, approved bool, payload json.RawMessage) error {
	s.mu.Lock()
	op, ok := s.open[id]
	s.mu.Unlock()
	if !ok {
		return apperrors.ErrNotFound
	}

	// reply re-enters Close, so it runs without s.mu
	if !op.reply(Verdict{Approved: approved, Payload: payload}) {
		s.Close(id)
		return apperrors.ErrNotFound
	}
	return nil
}

// Dismiss hides a prompt without a verdict, as when the user closes the
// approval window. The request is left to run into its deadline.
func (s *HTTPSurface) Dismiss(id string) bool {
	s.mu.Lock()
	_, ok := s.open[id]
	delete(s.open, id)
	s.mu.Unlock()
	if ok {
		s.notify()
	}
	return ok
}

// Updates signals, coalesced, whenever the set of open prompts changes
func (s *HTTPSurface) Updates() <-chan struct{} {
	return s.updates
}

func (s *HTTPSurface) notify() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}
