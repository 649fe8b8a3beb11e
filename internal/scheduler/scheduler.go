// Package scheduler runs the cooperative compute loop. Each iteration
// routes finished LLM/tool work back into the turn engine, promotes due
// bus messages, ingests pending messages into turns, and steps a single
// ready agent by one atomic outcome. Blocking I/O (LLM calls, tool
// executions, endpoint handlers) runs off-loop; completions come back
// through a mailbox and are applied under an epoch guard so aborted
// work never touches conversation state.
package scheduler

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/goswarm/internal/bus"
	"github.com/nextlevelbuilder/goswarm/internal/cancel"
	"github.com/nextlevelbuilder/goswarm/internal/conversation"
	"github.com/nextlevelbuilder/goswarm/internal/engine"
	"github.com/nextlevelbuilder/goswarm/internal/events"
	"github.com/nextlevelbuilder/goswarm/internal/llm"
	"github.com/nextlevelbuilder/goswarm/internal/org"
	"github.com/nextlevelbuilder/goswarm/internal/tools"
)

// Compute statuses surfaced to observers (org tree, gateway clients).
const (
	StatusIdle       = "idle"
	StatusReady      = "ready"
	StatusWaitingLlm = "waiting_llm"
	StatusProcessing = "processing"
	StatusStopping   = "stopping"
)

// In-flight work kinds. At most one per agent at any instant.
const (
	kindLlm      = "llm"
	kindTool     = "tool"
	kindEndpoint = "endpoint"
)

// Events emitted by the loop.
const (
	EventAgentStatus = "agent.status"
	EventLlmRetrying = "llm.retrying"
)

const (
	defaultMailboxSize = 256
	defaultWaitTimeout = 100 * time.Millisecond
	busyYield          = 2 * time.Millisecond

	// Keep ratio for the forced slide after a context-length error.
	// More aggressive than the pre-call slide so the retry fits.
	retryKeepRatio = 0.5
)

// Notifier receives turn-ending failures. The runtime implements it to
// archive the error and notify the agent's parent.
type Notifier interface {
	NotifyTurnError(agentID, taskID, code string, err error)
}

// EndpointHandler consumes messages addressed to a non-LLM endpoint
// such as the user inbox. It runs on its own goroutine; the agent slot
// stays in-flight until it returns.
type EndpointHandler func(ctx context.Context, msg *bus.Message) error

// ContextWindower reports the configured model context window for an
// agent. The llm service registry implements it; the loop propagates
// the value to the conversation store before each call so window
// sliding tracks the active service.
type ContextWindower interface {
	ContextWindowForAgent(agentID string) int
}

// inflightEntry tracks the single outstanding I/O for an agent. The
// epoch pins the entry to the cancel scope it was dispatched under so
// a zombie completion cannot clear a newer entry.
type inflightEntry struct {
	kind   string
	epoch  int64
	turnID string
	stepID string
}

// completion is the mailbox record a dispatch goroutine pushes when its
// call returns.
type completion struct {
	agentID     string
	kind        string
	epoch       int64
	turnID      string
	stepID      string
	callID      string
	msg         *llm.Message
	result      interface{}
	err         error
	promptRunes int
}

// Config wires a Scheduler.
type Config struct {
	Bus           *bus.Bus
	Engine        *engine.Engine
	Cancel        *cancel.Manager
	Conversations *conversation.Manager
	Org           *org.Store
	Dispatcher    llm.Dispatcher
	Executor      tools.Executor
	Notifier      Notifier

	// Endpoints maps recipient ids (e.g. "user") to handlers that
	// consume their messages directly, bypassing the turn engine.
	Endpoints map[string]EndpointHandler

	Events events.Publisher
	Tracer trace.Tracer // nil disables spans

	MailboxSize int           // completion buffer, default 256
	WaitTimeout time.Duration // idle block on the bus, capped at 100ms
}

// Scheduler is the single-threaded compute loop. All engine and
// conversation writes happen from Run's goroutine; dispatch goroutines
// only talk back through the completions mailbox.
type Scheduler struct {
	bus        *bus.Bus
	engine     *engine.Engine
	cancel     *cancel.Manager
	conv       *conversation.Manager
	org        *org.Store
	dispatcher llm.Dispatcher
	executor   tools.Executor
	notifier   Notifier
	endpoints  map[string]EndpointHandler
	events     events.Publisher
	tracer     trace.Tracer

	waitTimeout time.Duration
	completions chan completion

	mu       sync.Mutex
	inflight map[string]inflightEntry
	status   map[string]string
	ready    []string
	readySet map[string]bool
	rotate   int
}

func New(cfg Config) *Scheduler {
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = defaultMailboxSize
	}
	if cfg.WaitTimeout <= 0 || cfg.WaitTimeout > defaultWaitTimeout {
		cfg.WaitTimeout = defaultWaitTimeout
	}
	return &Scheduler{
		bus:         cfg.Bus,
		engine:      cfg.Engine,
		cancel:      cfg.Cancel,
		conv:        cfg.Conversations,
		org:         cfg.Org,
		dispatcher:  cfg.Dispatcher,
		executor:    cfg.Executor,
		notifier:    cfg.Notifier,
		endpoints:   cfg.Endpoints,
		events:      cfg.Events,
		tracer:      cfg.Tracer,
		waitTimeout: cfg.WaitTimeout,
		completions: make(chan completion, cfg.MailboxSize),
		inflight:    make(map[string]inflightEntry),
		status:      make(map[string]string),
		readySet:    make(map[string]bool),
	}
}

// Run drives the loop until ctx is cancelled. When an iteration makes
// no progress the loop either yields briefly (work is still in flight)
// or blocks on the bus for up to waitTimeout.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("scheduler loop started", "wait_timeout", s.waitTimeout)
	for {
		if ctx.Err() != nil {
			slog.Info("scheduler loop stopped")
			return ctx.Err()
		}
		progressed := s.safeIterate(ctx)
		if !progressed {
			if s.hasBackgroundWork() {
				time.Sleep(busyYield)
			} else {
				s.bus.WaitForMessage(ctx, s.waitTimeout)
			}
		}
		runtime.Gosched()
	}
}

// safeIterate recovers iteration panics so one bad turn cannot take the
// whole loop down.
func (s *Scheduler) safeIterate(ctx context.Context) (progressed bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("scheduler iteration panicked", "panic", r)
		}
	}()
	return s.iterate(ctx)
}

// iterate runs one loop pass and reports whether anything progressed.
func (s *Scheduler) iterate(ctx context.Context) bool {
	progressed := false

	// 1. Route completed off-loop work back into the engine.
	if s.drainCompletions() > 0 {
		progressed = true
	}

	// 2. Promote delayed messages that are now due.
	if s.bus.DeliverDueMessages() > 0 {
		progressed = true
	}

	// 3. Ingest pending bus messages, at most one per agent.
	if s.ingest(ctx) {
		progressed = true
	}

	// 4. Step a single ready agent by one atomic outcome.
	if s.stepOne() {
		progressed = true
	}

	return progressed
}

func (s *Scheduler) drainCompletions() int {
	n := 0
	for {
		select {
		case c := <-s.completions:
			s.route(c)
			n++
		default:
			return n
		}
	}
}

// ingest walks pending recipients in rotating order. Agents with an
// in-flight LLM call are preempted: the message becomes an interruption
// and the call is aborted so the turn retries with it merged in. Agents
// executing a tool or endpoint handler keep their messages queued.
func (s *Scheduler) ingest(ctx context.Context) bool {
	recipients := s.bus.PendingRecipients()
	if len(recipients) == 0 {
		return false
	}
	s.mu.Lock()
	start := s.rotate % len(recipients)
	s.rotate++
	s.mu.Unlock()

	progressed := false
	for i := range recipients {
		id := recipients[(start+i)%len(recipients)]
		if s.statusOf(id) == StatusStopping {
			continue
		}
		if fl, ok := s.inflightOf(id); ok {
			if fl.kind != kindLlm {
				continue
			}
			msg := s.bus.ReceiveNext(id)
			if msg == nil {
				continue
			}
			s.engine.RecordInterruption(id, msg)
			s.cancel.Abort(id, cancel.ReasonMessageInterruption)
			s.clearInflight(id)
			slog.Debug("llm call preempted by new message", "agent", id, "from", msg.From)
			progressed = true
			continue
		}

		handler, isEndpoint := s.endpoints[id]
		if !isEndpoint {
			if agent, ok := s.org.GetAgent(id); !ok || agent.Status != org.AgentStatusActive {
				if msg := s.bus.ReceiveNext(id); msg != nil {
					slog.Warn("dropping message for unknown or terminated agent",
						"agent", id, "from", msg.From)
					progressed = true
				}
				continue
			}
		}
		msg := s.bus.ReceiveNext(id)
		if msg == nil {
			continue
		}
		if isEndpoint {
			s.startEndpoint(ctx, id, handler, msg)
		} else {
			s.engine.Enqueue(msg)
			s.markReady(id)
			s.setStatus(id, StatusReady)
		}
		progressed = true
	}
	return progressed
}

// stepOne advances at most one ready agent.
func (s *Scheduler) stepOne() bool {
	id, ok := s.takeReady()
	if !ok {
		return false
	}
	scope := s.cancel.NewScope(id)
	out := s.engine.Step(id, scope)
	switch out.Kind {
	case engine.OutcomeNeedLlm:
		s.startLlmCall(id, scope, out)
	case engine.OutcomeNeedTool:
		s.startToolCall(id, scope, out)
	case engine.OutcomeSend:
		if _, err := s.bus.Send(out.Message); err != nil {
			slog.Warn("outbound send failed", "agent", id, "to", out.Message.To, "error", err)
		}
		s.reevaluate(id)
	case engine.OutcomeDone, engine.OutcomeNoop:
		if out.Failure != nil {
			s.notifyFailure(id, out.Failure)
		}
		s.reevaluate(id)
		return out.Kind == engine.OutcomeDone
	}
	return true
}

// reevaluate re-marks the agent ready when its turn has more work, or
// collapses it to idle when nothing remains anywhere. Agents no longer
// tracked (removed mid-flight) stay untracked.
func (s *Scheduler) reevaluate(id string) {
	if _, ok := s.inflightOf(id); ok {
		return
	}
	if s.engine.HasRunnable(id) {
		s.markReady(id)
		s.setStatus(id, StatusReady)
		return
	}
	s.mu.Lock()
	st, tracked := s.status[id]
	s.mu.Unlock()
	if tracked && st != StatusStopping && s.bus.QueueDepth(id) == 0 {
		s.setStatus(id, StatusIdle)
	}
}

// hasBackgroundWork reports whether progress can arrive without a new
// bus message.
func (s *Scheduler) hasBackgroundWork() bool {
	s.mu.Lock()
	busy := len(s.inflight) > 0 || len(s.readySet) > 0
	s.mu.Unlock()
	return busy || len(s.completions) > 0 || s.bus.HasPending()
}

// MarkStopping excludes the agent from ingest while a termination
// cascade runs. RemoveAgent finishes the teardown.
func (s *Scheduler) MarkStopping(agentID string) {
	s.setStatus(agentID, StatusStopping)
}

// RemoveAgent drops all loop state for a terminated agent. A late
// completion for it is discarded by the epoch guard and the engine.
func (s *Scheduler) RemoveAgent(agentID string) {
	s.mu.Lock()
	delete(s.inflight, agentID)
	delete(s.status, agentID)
	delete(s.readySet, agentID)
	s.mu.Unlock()
}

// Status returns the agent's last observed compute status. Agents the
// loop has never touched report idle.
func (s *Scheduler) Status(agentID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.status[agentID]; ok {
		return st
	}
	return StatusIdle
}

// Statuses returns a snapshot of every tracked agent's compute status.
func (s *Scheduler) Statuses() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.status))
	for id, st := range s.status {
		out[id] = st
	}
	return out
}

func (s *Scheduler) markReady(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readySet[id] {
		return
	}
	s.readySet[id] = true
	s.ready = append(s.ready, id)
}

func (s *Scheduler) takeReady() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.ready) > 0 {
		id := s.ready[0]
		s.ready = s.ready[1:]
		if s.readySet[id] {
			delete(s.readySet, id)
			return id, true
		}
	}
	return "", false
}

func (s *Scheduler) setStatus(id, status string) {
	s.mu.Lock()
	if s.status[id] == status {
		s.mu.Unlock()
		return
	}
	s.status[id] = status
	s.mu.Unlock()
	s.emit(EventAgentStatus, map[string]interface{}{
		"agentId": id,
		"status":  status,
	})
}

func (s *Scheduler) statusOf(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status[id]
}

func (s *Scheduler) inflightOf(id string) (inflightEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fl, ok := s.inflight[id]
	return fl, ok
}

func (s *Scheduler) setInflight(id string, fl inflightEntry) {
	s.mu.Lock()
	s.inflight[id] = fl
	s.mu.Unlock()
}

func (s *Scheduler) clearInflight(id string) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}

func (s *Scheduler) emit(name string, payload interface{}) {
	if s.events != nil {
		s.events.Emit(name, payload)
	}
}
