// Package runtime assembles the bus, turn engine, scheduler and stores
// into one running system and exposes the operations the gateway and
// CLI call: submitting requirements, messaging agents, org management,
// conversation and history reads, event subscription.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/goswarm/internal/bus"
	"github.com/nextlevelbuilder/goswarm/internal/cancel"
	"github.com/nextlevelbuilder/goswarm/internal/clock"
	"github.com/nextlevelbuilder/goswarm/internal/conversation"
	"github.com/nextlevelbuilder/goswarm/internal/engine"
	"github.com/nextlevelbuilder/goswarm/internal/events"
	"github.com/nextlevelbuilder/goswarm/internal/llm"
	"github.com/nextlevelbuilder/goswarm/internal/org"
	"github.com/nextlevelbuilder/goswarm/internal/scheduler"
	"github.com/nextlevelbuilder/goswarm/internal/toolgroups"
	"github.com/nextlevelbuilder/goswarm/internal/tools"
)

// Events emitted by the runtime itself. The bus, engine and scheduler
// publish their own (bus.send, bus.delayed, tool.call, tool.result,
// agent.status, llm.retrying).
const (
	EventError       = "error"
	EventUserMessage = "user.message"
	EventShutdown    = "shutdown"
)

// Archive is the persisted message log backing MessageHistory. The
// store package implements it over sqlite or Postgres; nil disables
// history reads.
type Archive interface {
	History(ctx context.Context, agentID string, limit int) ([]bus.Message, error)
}

// Config wires a Runtime. Bus, Cancel, Conversations, Org and Events
// are required; the rest default or stay optional.
type Config struct {
	Bus           *bus.Bus
	Cancel        *cancel.Manager
	Conversations *conversation.Manager
	Org           *org.Store
	Dispatcher    llm.Dispatcher // nil fails turns with missing_llm_client
	Archive       Archive        // nil disables MessageHistory
	Events        events.Publisher
	Clock         clock.Clock
	Tracer        trace.Tracer

	// RootPrompt seeds the root agent's system prompt; OrgPrompt is the
	// shared preamble for role agents whose role carries none. Empty
	// values fall back to builtin defaults.
	RootPrompt string
	OrgPrompt  string

	MaxToolRounds int
	WaitTimeout   time.Duration
}

// Runtime is the composition root. It implements tools.OrgService so
// the org tools mutate through the same paths the gateway uses, and
// scheduler.Notifier so turn failures become error notifications.
type Runtime struct {
	bus        *bus.Bus
	cancel     *cancel.Manager
	conv       *conversation.Manager
	org        *org.Store
	dispatcher llm.Dispatcher
	archive    Archive
	events     events.Publisher
	clock      clock.Clock

	tools  *tools.Registry
	groups *toolgroups.Registry
	engine *engine.Engine
	sched  *scheduler.Scheduler

	rootPrompt string
	orgPrompt  string

	// orgMu serializes facade-level org mutations so a cascade's
	// affected set cannot change between computing it and recording
	// the termination.
	orgMu sync.Mutex
}

// New builds the runtime: registers the builtin tools, derives the
// group registry, and wires engine and scheduler around them.
func New(cfg Config) *Runtime {
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}

	r := &Runtime{
		bus:        cfg.Bus,
		cancel:     cfg.Cancel,
		conv:       cfg.Conversations,
		org:        cfg.Org,
		dispatcher: cfg.Dispatcher,
		archive:    cfg.Archive,
		events:     cfg.Events,
		clock:      cfg.Clock,
		rootPrompt: cfg.RootPrompt,
		orgPrompt:  cfg.OrgPrompt,
	}

	r.tools = tools.NewRegistry()
	r.tools.Register(tools.NewSendMessageTool(cfg.Bus, cfg.Org))
	r.tools.Register(tools.NewCreateRoleTool(r))
	r.tools.Register(tools.NewCreateAgentTool(r))
	r.tools.Register(tools.NewTerminateAgentTool(r))
	r.tools.Register(tools.NewSetAgentNameTool(r))
	r.tools.Register(tools.NewListOrgTool(cfg.Org))

	r.groups = toolgroups.NewRegistry(r.tools)

	r.engine = engine.New(engine.Config{
		Conversations: cfg.Conversations,
		Org:           cfg.Org,
		Groups:        r.groups,
		SystemPrompt:  r.systemPrompt,
		Clock:         cfg.Clock,
		Events:        cfg.Events,
		MaxToolRounds: cfg.MaxToolRounds,
	})

	r.sched = scheduler.New(scheduler.Config{
		Bus:           cfg.Bus,
		Engine:        r.engine,
		Cancel:        cfg.Cancel,
		Conversations: cfg.Conversations,
		Org:           cfg.Org,
		Dispatcher:    cfg.Dispatcher,
		Executor:      r.tools,
		Notifier:      r,
		Endpoints: map[string]scheduler.EndpointHandler{
			org.UserAgentID: r.handleUserMessage,
		},
		Events:      cfg.Events,
		Tracer:      cfg.Tracer,
		WaitTimeout: cfg.WaitTimeout,
	})

	return r
}

// Start runs the scheduler loop until ctx is cancelled or the loop
// fails, then flushes conversations and the org snapshot. A plain
// context cancellation is a clean shutdown, not an error.
func (r *Runtime) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.sched.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		r.events.Emit(EventShutdown, map[string]interface{}{
			"reason": context.Cause(gctx).Error(),
		})
		return nil
	})

	err := g.Wait()

	if ferr := r.conv.Flush(); ferr != nil {
		slog.Warn("conversation flush on shutdown failed", "error", ferr)
	}
	if serr := r.org.Save(); serr != nil {
		slog.Warn("org snapshot on shutdown failed", "error", serr)
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// SubmitRequirement sends a user requirement to the root agent and
// returns the task id the resulting work is labelled with.
func (r *Runtime) SubmitRequirement(text string) (string, error) {
	taskID := "task-" + uuid.NewString()
	_, err := r.bus.Send(&bus.Message{
		From:    org.UserAgentID,
		To:      org.RootAgentID,
		TaskID:  taskID,
		Payload: bus.TextPayload(text),
	})
	if err != nil {
		return "", fmt.Errorf("submit requirement: %w", err)
	}
	return taskID, nil
}

// SendToAgent delivers a user message to a specific active agent.
func (r *Runtime) SendToAgent(agentID, text string, attachments []llm.Attachment, taskID string) (*bus.SendResult, error) {
	if agentID == org.UserAgentID {
		return nil, org.ErrInvalidAgentID
	}
	agent, ok := r.org.GetAgent(agentID)
	if !ok {
		return nil, fmt.Errorf("send to %s: %w", agentID, org.ErrAgentNotFound)
	}
	if agent.Status == org.AgentStatusTerminated {
		return nil, fmt.Errorf("send to %s: %w", agentID, org.ErrAgentAlreadyTerminated)
	}

	payload := bus.TextPayload(text)
	payload.Attachments = attachments
	res, err := r.bus.Send(&bus.Message{
		From:    org.UserAgentID,
		To:      agentID,
		TaskID:  taskID,
		Payload: payload,
	})
	if err != nil {
		return nil, fmt.Errorf("send to %s: %w", agentID, err)
	}
	return &res, nil
}

// AbortAgent cancels the agent's in-flight work without terminating
// it. Reports whether anything was actually aborted.
func (r *Runtime) AbortAgent(agentID string) bool {
	aborted := r.cancel.Abort(agentID, cancel.ReasonUserRequested)
	if r.dispatcher != nil {
		if r.dispatcher.Abort(agentID) {
			aborted = true
		}
	}
	return aborted
}

// AgentView is an org agent annotated with live scheduler state.
type AgentView struct {
	org.Agent
	RoleName      string `json:"roleName,omitempty"`
	ComputeStatus string `json:"computeStatus"`
}

// Agents lists persisted agents with role names and compute status.
func (r *Runtime) Agents() []AgentView {
	agents := r.org.Agents()
	out := make([]AgentView, 0, len(agents))
	for _, a := range agents {
		v := AgentView{Agent: *a, ComputeStatus: r.sched.Status(a.AgentID)}
		if role, ok := r.org.GetRole(a.RoleID); ok {
			v.RoleName = role.Name
		}
		out = append(out, v)
	}
	return out
}

// Roles lists persisted roles.
func (r *Runtime) Roles() []*org.Role {
	return r.org.Roles()
}

// TreeNode is one agent in the org tree.
type TreeNode struct {
	AgentID       string      `json:"agentId"`
	Name          string      `json:"name,omitempty"`
	RoleID        string      `json:"roleId,omitempty"`
	RoleName      string      `json:"roleName,omitempty"`
	ComputeStatus string      `json:"computeStatus,omitempty"`
	Children      []*TreeNode `json:"children,omitempty"`
}

// OrgTree returns the active agents as a tree rooted at the root
// agent. Active agents whose parent is gone are grafted onto root so
// nothing disappears from the view.
func (r *Runtime) OrgTree() *TreeNode {
	root := &TreeNode{AgentID: org.RootAgentID, ComputeStatus: r.sched.Status(org.RootAgentID)}

	nodes := map[string]*TreeNode{org.RootAgentID: root}
	agents := r.org.ActiveAgents()
	for _, a := range agents {
		n := &TreeNode{
			AgentID:       a.AgentID,
			Name:          a.Name,
			RoleID:        a.RoleID,
			ComputeStatus: r.sched.Status(a.AgentID),
		}
		if role, ok := r.org.GetRole(a.RoleID); ok {
			n.RoleName = role.Name
		}
		nodes[a.AgentID] = n
	}
	for _, a := range agents {
		parent, ok := nodes[a.ParentAgentID]
		if !ok {
			parent = root
		}
		parent.Children = append(parent.Children, nodes[a.AgentID])
	}
	return root
}

// ConversationView is an agent's conversation log plus token usage.
type ConversationView struct {
	AgentID    string        `json:"agentId"`
	Messages   []llm.Message `json:"messages"`
	TokenUsage *llm.Usage    `json:"tokenUsage,omitempty"`
}

// Conversation returns the agent's conversation for replay.
func (r *Runtime) Conversation(agentID string) *ConversationView {
	return &ConversationView{
		AgentID:    agentID,
		Messages:   r.conv.History(agentID),
		TokenUsage: r.conv.TokenUsage(agentID),
	}
}

// MessageHistory reads the most recent archived bus messages an agent
// sent or received, in chronological order.
func (r *Runtime) MessageHistory(ctx context.Context, agentID string, limit int) ([]bus.Message, error) {
	if r.archive == nil {
		return nil, fmt.Errorf("message archive not configured")
	}
	return r.archive.History(ctx, agentID, limit)
}

// Status reports an agent's compute status.
func (r *Runtime) Status(agentID string) string {
	return r.sched.Status(agentID)
}

// Statuses snapshots every tracked agent's compute status.
func (r *Runtime) Statuses() map[string]string {
	return r.sched.Statuses()
}

// Groups lists the registered tool groups.
func (r *Runtime) Groups() []toolgroups.Info {
	return r.groups.List()
}

// Schedules lists the recurring bus schedules.
func (r *Runtime) Schedules() []*bus.Schedule {
	return r.bus.Schedules()
}

// ScheduleRecurring registers a cron-driven message from the user to
// an agent and returns the schedule id.
func (r *Runtime) ScheduleRecurring(to, expr, text string) (string, error) {
	return r.bus.ScheduleRecurring(org.UserAgentID, to, expr, bus.TextPayload(text))
}

// Subscribe registers an event handler under id.
func (r *Runtime) Subscribe(id string, handler events.Handler) {
	r.events.Subscribe(id, handler)
}

// Unsubscribe drops the handler registered under id.
func (r *Runtime) Unsubscribe(id string) {
	r.events.Unsubscribe(id)
}

// ToolRegistry exposes the tool registry so callers can add tools
// (MCP bridges, extensions) before Start.
func (r *Runtime) ToolRegistry() *tools.Registry { return r.tools }

// GroupRegistry exposes the group registry for the same purpose.
func (r *Runtime) GroupRegistry() *toolgroups.Registry { return r.groups }
