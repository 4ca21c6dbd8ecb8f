// Package session models the signed-in identity as an explicit object with a
// lifecycle: created on sign-in, invalidated on sign-out.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"deptnotify/internal/model"
)

var ErrSessionClosed = errors.New("session closed")

var seq atomic.Uint64

// Session carries the identity and bearer token for one sign-in.
// Its context is canceled by Invalidate, which aborts in-flight queries.
type Session struct {
	id       uint64
	identity model.Identity
	token    string
	started  time.Time

	ctx    context.Context
	cancel context.CancelFunc
	valid  atomic.Bool
}

func New(identity model.Identity, token string) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:       seq.Add(1),
		identity: identity,
		token:    token,
		started:  time.Now(),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.valid.Store(true)
	return s
}

func (s *Session) ID() uint64               { return s.id }
func (s *Session) Identity() model.Identity { return s.identity }
func (s *Session) Token() string            { return s.token }
func (s *Session) Started() time.Time       { return s.started }
func (s *Session) Context() context.Context { return s.ctx }
func (s *Session) Done() <-chan struct{}    { return s.ctx.Done() }

func (s *Session) Valid() bool { return s != nil && s.valid.Load() }

// Err returns ErrSessionClosed once the session has been invalidated.
func (s *Session) Err() error {
	if s.Valid() {
		return nil
	}
	return ErrSessionClosed
}

// Invalidate is idempotent.
func (s *Session) Invalidate() {
	if s == nil {
		return
	}
	if s.valid.CompareAndSwap(true, false) {
		s.cancel()
	}
}

// Manager holds at most one current session.
type Manager struct {
	mu  sync.Mutex
	cur *Session
}

// Start invalidates any current session and installs a new one.
func (m *Manager) Start(identity model.Identity, token string) *Session {
	s := New(identity, token)
	m.mu.Lock()
	prev := m.cur
	m.cur = s
	m.mu.Unlock()
	prev.Invalidate()
	return s
}

func (m *Manager) Current() (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil || !m.cur.Valid() {
		return nil, false
	}
	return m.cur, true
}

// End invalidates and returns the current session, or nil if none.
func (m *Manager) End() *Session {
	m.mu.Lock()
	s := m.cur
	m.cur = nil
	m.mu.Unlock()
	s.Invalidate()
	return s
}
