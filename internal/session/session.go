// Package session holds the single unlocked-wallet session of the process.
// The session keeps the vault key (never the seed) inside a memguard enclave
// and locks itself when its TTL lapses.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	apperrors "github.com/better-wallet/walletbridge/pkg/errors"
)

// Handle is the opaque token returned by a successful unlock
type Handle string

// EventKind identifies a session transition
type EventKind string

const (
	EventUnlocked EventKind = "unlocked"
	EventLocked   EventKind = "locked"
)

// Lock reasons carried on EventLocked
const (
	ReasonUser    = "user"
	ReasonExpired = "expired"
	ReasonDeleted = "deleted"
	ReasonReplace = "replaced"
)

// Event is delivered to subscribers on every lock and unlock
type Event struct {
	Kind     EventKind
	Reason   string
	Accounts []common.Address
}

// Info is a secret-free snapshot of the current session
type Info struct {
	Unlocked  bool             `json:"unlocked"`
	CreatedAt time.Time        `json:"created_at,omitempty"`
	ExpiresAt time.Time        `json:"expires_at,omitempty"`
	Accounts  []common.Address `json:"accounts"`
}

type active struct {
	handle    Handle
	key       *memguard.Enclave
	createdAt time.Time
	expiresAt time.Time
	ttl       time.Duration
	accounts  []common.Address
	timer     clockwork.Timer
}

// Manager owns the process-wide session. All methods are safe for concurrent use.
type Manager struct {
	clock clockwork.Clock

	mu       sync.Mutex
	cur      *active
	gen      uint64
	unlocked chan struct{} // closed while a session is live
	subs     map[int]*subscriber
	nextSub  int
}

// NewManager creates a locked Manager. A nil clock uses the real clock.
func NewManager(clock clockwork.Clock) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manager{
		clock:    clock,
		unlocked: make(chan struct{}),
		subs:     make(map[int]*subscriber),
	}
}

// Start begins a session holding key and replaces any existing one.
// key is moved into an enclave and wiped.
func (m *Manager) Start(key []byte, accounts []common.Address, ttl time.Duration) Handle {
	enclave := memguard.NewEnclave(key)
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cur != nil {
		m.lockLocked(ReasonReplace)
	}

	m.gen++
	s := &active{
		handle:    Handle(uuid.New().String()),
		key:       enclave,
		createdAt: now,
		expiresAt: now.Add(ttl),
		ttl:       ttl,
		accounts:  append([]common.Address(nil), accounts...),
	}
	s.timer = m.armLocked(ttl)
	m.cur = s
	close(m.unlocked)

	m.publishLocked(Event{Kind: EventUnlocked, Accounts: s.accounts})
	return s.handle
}

// armLocked schedules expiry for the current generation. A timer that fires
// after the generation moved on does nothing.
func (m *Manager) armLocked(ttl time.Duration) clockwork.Timer {
	gen := m.gen
	return m.clock.AfterFunc(ttl, func() { m.expire(gen) })
}

func (m *Manager) expire(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil || m.gen != gen {
		return
	}
	m.lockLocked(ReasonExpired)
}

// liveLocked returns the current session, locking it first if it has expired
func (m *Manager) liveLocked() *active {
	if m.cur == nil {
		return nil
	}
	if !m.clock.Now().Before(m.cur.expiresAt) {
		m.lockLocked(ReasonExpired)
		return nil
	}
	return m.cur
}

// IsUnlocked reports whether a non-expired session exists
func (m *Manager) IsUnlocked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.liveLocked() != nil
}

// Current returns the handle of the live session
func (m *Manager) Current() (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.liveLocked()
	if s == nil {
		return "", apperrors.ErrLocked
	}
	return s.handle, nil
}

// Extend pushes the expiry out by a full TTL. Only trusted UI activity calls it.
func (m *Manager) Extend() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.liveLocked()
	if s == nil {
		return apperrors.ErrLocked
	}
	s.timer.Stop()
	m.gen++
	s.expiresAt = m.clock.Now().Add(s.ttl)
	s.timer = m.armLocked(s.ttl)
	return nil
}

// CurrentAccounts returns the accounts of the live session, or nil when locked
func (m *Manager) CurrentAccounts() []common.Address {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.liveLocked()
	if s == nil {
		return nil
	}
	return append([]common.Address(nil), s.accounts...)
}

// AddAccount appends addr to the live session's account set
func (m *Manager) AddAccount(h Handle, addr common.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.checkLocked(h)
	if err != nil {
		return err
	}
	for _, a := range s.accounts {
		if a == addr {
			return nil
		}
	}
	s.accounts = append(s.accounts, addr)
	return nil
}

// Info returns a snapshot safe to hand to the UI
func (m *Manager) Info() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.liveLocked()
	if s == nil {
		return Info{Accounts: []common.Address{}}
	}
	return Info{
		Unlocked:  true,
		CreatedAt: s.createdAt,
		ExpiresAt: s.expiresAt,
		Accounts:  append([]common.Address(nil), s.accounts...),
	}
}

func (m *Manager) checkLocked(h Handle) (*active, error) {
	s := m.liveLocked()
	if s == nil || s.handle != h {
		return nil, apperrors.ErrLocked
	}
	return s, nil
}

// Open decrypts the session key into a locked buffer. The caller must
// Destroy the buffer as soon as it is done with it.
func (m *Manager) Open(h Handle) (*memguard.LockedBuffer, error) {
	m.mu.Lock()
	s, err := m.checkLocked(h)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	enclave := s.key
	m.mu.Unlock()

	buf, err := enclave.Open()
	if err != nil {
		return nil, errors.Join(apperrors.ErrInternalError, err)
	}
	return buf, nil
}

// Rekey swaps the key held by the live session. key is wiped.
func (m *Manager) Rekey(h Handle, key []byte) error {
	enclave := memguard.NewEnclave(key)

	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.checkLocked(h)
	if err != nil {
		return err
	}
	s.key = enclave
	return nil
}

// Lock destroys the session. Locking an already-locked manager is a no-op.
func (m *Manager) Lock() {
	m.LockWithReason(ReasonUser)
}

// LockWithReason is Lock with an explicit reason for subscribers
func (m *Manager) LockWithReason(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return
	}
	m.lockLocked(reason)
}

func (m *Manager) lockLocked(reason string) {
	s := m.cur
	m.cur = nil
	m.gen++
	if s.timer != nil {
		s.timer.Stop()
	}
	s.key = nil
	m.unlocked = make(chan struct{})
	m.publishLocked(Event{Kind: EventLocked, Reason: reason})
}

// Subscribe registers for session events. Events arrive in order and none
// are dropped; a slow reader only grows its own backlog and never blocks
// the session. The returned func unsubscribes.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	sub := &subscriber{
		out:  make(chan Event),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go sub.pump()

	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = sub
	m.mu.Unlock()

	var once sync.Once
	return sub.out, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			close(sub.done)
		})
	}
}

func (m *Manager) publishLocked(ev Event) {
	for _, sub := range m.subs {
		sub.push(ev)
	}
}

// subscriber buffers events for one reader
type subscriber struct {
	mu      sync.Mutex
	backlog []Event

	out  chan Event
	wake chan struct{}
	done chan struct{}
}

func (s *subscriber) push(ev Event) {
	s.mu.Lock()
	s.backlog = append(s.backlog, ev)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) pump() {
	for {
		s.mu.Lock()
		if len(s.backlog) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		ev := s.backlog[0]
		s.backlog[0] = Event{}
		s.backlog = s.backlog[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}

// WaitUnlocked blocks until a session is live or ctx is done. A deadline
// surfaces as ErrTimeout.
func (m *Manager) WaitUnlocked(ctx context.Context) error {
	for {
		m.mu.Lock()
		if m.liveLocked() != nil {
			m.mu.Unlock()
			return nil
		}
		ch := m.unlocked
		m.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return apperrors.ErrTimeout
			}
			return ctx.Err()
		}
	}
}
