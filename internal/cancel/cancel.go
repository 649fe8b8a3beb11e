// Package cancel issues per-agent cancellation scopes. Every LLM or tool
// dispatch captures a scope; aborting an agent advances its epoch so
// completions of older scopes can be told apart from current ones.
package cancel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nextlevelbuilder/goswarm/internal/clock"
)

// Abort reasons.
const (
	ReasonMessageInterruption = "message_interruption"
	ReasonUserRequested       = "user_requested"
)

// ErrScopeStale is returned by AssertActive once a newer epoch exists.
// Cancellation is advisory: holders must check before mutating shared
// state.
var ErrScopeStale = errors.New("cancel scope superseded")

// AbortInfo records the most recent abort of an agent.
type AbortInfo struct {
	Reason string      `json:"reason"`
	At     clock.Stamp `json:"at"`
}

type entry struct {
	epoch     int64
	ctx       context.Context
	cancel    context.CancelCauseFunc
	lastAbort *AbortInfo
	active    bool
}

// Manager tracks one epoch per agent.
type Manager struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[string]*entry
}

func NewManager(c clock.Clock) *Manager {
	return &Manager{clock: c, entries: make(map[string]*entry)}
}

// Scope binds a dispatch to the epoch current at issue time.
type Scope struct {
	AgentID string
	Epoch   int64
	ctx     context.Context
	mgr     *Manager
}

// NewScope returns a scope at the agent's current epoch whose context is
// cancelled by the next Abort. Scopes issued between two aborts share an
// epoch.
func (m *Manager) NewScope(agentID string) *Scope {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entries[agentID]
	if e == nil {
		e = &entry{}
		m.entries[agentID] = e
	}
	if e.ctx == nil || e.ctx.Err() != nil {
		e.ctx, e.cancel = context.WithCancelCause(context.Background())
	}
	e.active = true

	return &Scope{AgentID: agentID, Epoch: e.epoch, ctx: e.ctx, mgr: m}
}

// Abort advances the agent's epoch, cancels the current context and
// records the reason. Returns false when no scope was issued since the
// last abort.
func (m *Manager) Abort(agentID, reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entries[agentID]
	if e == nil {
		e = &entry{}
		m.entries[agentID] = e
	}
	hadScope := e.active
	e.active = false
	e.epoch++
	e.lastAbort = &AbortInfo{Reason: reason, At: clock.Now(m.clock)}
	if e.cancel != nil {
		e.cancel(fmt.Errorf("%w: %s", ErrScopeStale, reason))
		e.ctx, e.cancel = nil, nil
	}
	return hadScope
}

// Epoch returns the agent's current epoch, zero for unknown agents.
func (m *Manager) Epoch(agentID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.entries[agentID]; e != nil {
		return e.epoch
	}
	return 0
}

// LastAbortInfo returns the most recent abort, nil when never aborted.
func (m *Manager) LastAbortInfo(agentID string) *AbortInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.entries[agentID]; e != nil && e.lastAbort != nil {
		info := *e.lastAbort
		return &info
	}
	return nil
}

// Context is cancelled when the scope's epoch is superseded.
func (s *Scope) Context() context.Context {
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

// Active reports whether the scope still belongs to the current epoch.
func (s *Scope) Active() bool {
	return s.mgr.Epoch(s.AgentID) == s.Epoch
}

// AssertActive returns ErrScopeStale once the epoch has advanced past
// the captured one.
func (s *Scope) AssertActive() error {
	if current := s.mgr.Epoch(s.AgentID); current != s.Epoch {
		return fmt.Errorf("%w: agent %s epoch %d, scope %d", ErrScopeStale, s.AgentID, current, s.Epoch)
	}
	return nil
}
