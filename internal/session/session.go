// Package session owns the identity of what is currently being viewed.
//
// Every Start issues a new, strictly larger token. Asynchronous work is
// stamped with the token current when it began and must check IsCurrent
// (or let Transition do it) before touching state; a mismatch means the
// result is stale and is dropped without error surfacing.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"marketview/internal/logger"
	"marketview/internal/model"
)

// ErrStale marks a result whose token is no longer current.
var ErrStale = errors.New("stale session token")

// TransitionError is an illegal state change for the current session.
type TransitionError struct {
	From, To model.SessionState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal session transition %s -> %s", e.From, e.To)
}

// allowed lists the legal transitions within one session. Start resets to
// Idle from any state and is not listed.
var allowed = map[model.SessionState][]model.SessionState{
	model.StateIdle:           {model.StateLoading},
	model.StateLoading:        {model.StateLive, model.StateError, model.StateHistoricalOnly},
	model.StateLive:           {model.StateHistoricalOnly},
	model.StateHistoricalOnly: {model.StateLive},
	model.StateError:          {model.StateLoading},
}

// Manager is safe for concurrent use, though the engine loop is its only writer.
type Manager struct {
	mu    sync.RWMutex
	cur   model.Session
	token uint64

	// Optional hook, called after every change with the old and new session.
	OnChange func(from, to model.Session)
}

// NewManager returns a manager with no session (token 0, Idle).
func NewManager() *Manager {
	return &Manager{}
}

// Start replaces the current session with a new one for (instrument, tf)
// and returns it. The new session starts Idle with a fresh token.
func (m *Manager) Start(instrument string, tf model.Timeframe) model.Session {
	m.mu.Lock()
	m.token++
	from := m.cur
	m.cur = model.Session{Instrument: instrument, Timeframe: tf, Token: m.token, State: model.StateIdle}
	to := m.cur
	m.mu.Unlock()

	log.Printf("[session] started %d for %s %s (previous %d)", to.Token, instrument, tf, from.Token)
	m.notify(from, to)
	return to
}

// Current returns the current session.
func (m *Manager) Current() model.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

// CurrentToken returns the current token (0 before the first Start).
func (m *Manager) CurrentToken() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token
}

// IsCurrent reports whether token identifies the current session.
func (m *Manager) IsCurrent(token uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return token != 0 && token == m.token
}

// Transition moves the session identified by token to state to.
// It returns ErrStale if token is not current and *TransitionError if the
// change is not legal. Moving to the current state is a no-op.
func (m *Manager) Transition(token uint64, to model.SessionState) error {
	m.mu.Lock()
	if token == 0 || token != m.token {
		m.mu.Unlock()
		return ErrStale
	}
	from := m.cur
	if from.State == to {
		m.mu.Unlock()
		return nil
	}
	if !legal(from.State, to) {
		m.mu.Unlock()
		return &TransitionError{From: from.State, To: to}
	}
	m.cur.State = to
	next := m.cur
	m.mu.Unlock()

	log.Printf("[session] %s: %s -> %s", logger.Tag(m.Context(context.Background())), from.State, to)
	m.notify(from, next)
	return nil
}

// Context returns ctx annotated with the current session for logging.
func (m *Manager) Context(ctx context.Context) context.Context {
	s := m.Current()
	return logger.WithSession(ctx, logger.SessionInfo{
		Token:      s.Token,
		Instrument: s.Instrument,
		Timeframe:  s.Timeframe.String(),
	})
}

func (m *Manager) notify(from, to model.Session) {
	if m.OnChange != nil {
		m.OnChange(from, to)
	}
}

func legal(from, to model.SessionState) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}
