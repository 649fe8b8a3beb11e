// Package engine drives the per-agent turn state machine. It is the
// sole writer of conversation history; every mutation happens inside
// Step or an On* completion callback invoked from the scheduler loop.
package engine

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goswarm/internal/bus"
	"github.com/nextlevelbuilder/goswarm/internal/cancel"
	"github.com/nextlevelbuilder/goswarm/internal/clock"
	"github.com/nextlevelbuilder/goswarm/internal/conversation"
	"github.com/nextlevelbuilder/goswarm/internal/events"
	"github.com/nextlevelbuilder/goswarm/internal/llm"
	"github.com/nextlevelbuilder/goswarm/internal/org"
	"github.com/nextlevelbuilder/goswarm/internal/toolgroups"
)

// Error codes attached to turn failures and notifications.
const (
	CodeLlmCallFailed       = "llm_call_failed"
	CodeLlmResultDiscarded  = "llm_result_discarded"
	CodeMissingLlmClient    = "missing_llm_client"
	CodeMaxToolRounds       = "max_tool_rounds_exceeded"
	CodeToolExecutionFailed = "tool_execution_failed"
)

// Event names emitted while tools are dispatched and resolved.
const (
	EventToolCall   = "tool.call"
	EventToolResult = "tool.result"
)

// DefaultMaxToolRounds caps think/act cycles per turn.
const DefaultMaxToolRounds = 6

// interruptionTag prefixes user entries merged in after an aborted LLM
// call, so the model can tell them from the turn's original message.
const interruptionTag = "【插话消息】"

// SystemPromptFunc supplies the system prompt for an agent. Called on
// the scheduler loop at turn start.
type SystemPromptFunc func(agentID string) string

// Config wires an Engine. MaxToolRounds below 1 takes the default.
type Config struct {
	Conversations *conversation.Manager
	Org           *org.Store
	Groups        *toolgroups.Registry
	SystemPrompt  SystemPromptFunc
	Clock         clock.Clock
	Events        events.Publisher
	MaxToolRounds int
}

// entry is the per-agent state: queued turns, the active one, and
// messages that arrived while an LLM call was in flight.
type entry struct {
	queue         []*Turn
	active        *Turn
	interruptions []*bus.Message
}

// Engine owns one entry per agent.
type Engine struct {
	mu            sync.Mutex
	entries       map[string]*entry
	conv          *conversation.Manager
	org           *org.Store
	groups        *toolgroups.Registry
	systemPrompt  SystemPromptFunc
	clock         clock.Clock
	events        events.Publisher
	maxToolRounds int
}

func New(cfg Config) *Engine {
	if cfg.MaxToolRounds < 1 {
		cfg.MaxToolRounds = DefaultMaxToolRounds
	}
	prompt := cfg.SystemPrompt
	if prompt == nil {
		prompt = func(string) string { return "" }
	}
	return &Engine{
		entries:       make(map[string]*entry),
		conv:          cfg.Conversations,
		org:           cfg.Org,
		groups:        cfg.Groups,
		systemPrompt:  prompt,
		clock:         cfg.Clock,
		events:        cfg.Events,
		maxToolRounds: cfg.MaxToolRounds,
	}
}

// Enqueue creates a turn for an inbound message and returns its id.
// Turns run in enqueue order, one at a time per agent.
func (e *Engine) Enqueue(msg *bus.Message) string {
	t := &Turn{
		TurnID:  uuid.NewString(),
		AgentID: msg.To,
		TaskID:  msg.TaskID,
		From:    msg.From,
		Message: msg,
		Phase:   PhaseInit,
		Round:   1,
	}
	e.mu.Lock()
	en := e.entryLocked(msg.To)
	en.queue = append(en.queue, t)
	e.mu.Unlock()

	slog.Debug("turn enqueued", "agent", msg.To, "turn", t.TurnID, "from", msg.From)
	return t.TurnID
}

// RecordInterruption stores a message that preempted an in-flight LLM
// call. Interruptions are merged into one user entry the next time the
// agent reaches need_llm.
func (e *Engine) RecordInterruption(agentID string, msg *bus.Message) {
	e.mu.Lock()
	en := e.entryLocked(agentID)
	en.interruptions = append(en.interruptions, msg)
	e.mu.Unlock()

	slog.Debug("interruption recorded", "agent", agentID, "from", msg.From)
}

// HasRunnable reports whether Step would make progress for the agent.
func (e *Engine) HasRunnable(agentID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	en := e.entries[agentID]
	if en == nil {
		return false
	}
	if en.active == nil {
		return len(en.queue) > 0
	}
	switch en.active.Phase {
	case PhaseWaitingLlm:
		return false
	case PhaseDispatchTools:
		return en.active.ExecutingToolCall == nil
	default:
		return true
	}
}

// ClearAgent drops all queued and active turn state for the agent, used
// when the agent is terminated.
func (e *Engine) ClearAgent(agentID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.entries, agentID)
}

// Step advances the agent's active turn by one atomic outcome. Only the
// scheduler loop calls it.
func (e *Engine) Step(agentID string, scope *cancel.Scope) Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()

	en := e.entries[agentID]
	if en == nil {
		return Outcome{Kind: OutcomeNoop}
	}
	if en.active == nil {
		if len(en.queue) == 0 {
			return Outcome{Kind: OutcomeNoop}
		}
		en.active = en.queue[0]
		en.queue = en.queue[1:]
	}
	if scope != nil && !scope.Active() {
		// A stale scope means an abort raced this step; the scheduler
		// will retry under a fresh scope.
		return Outcome{Kind: OutcomeNoop}
	}

	t := en.active
	switch t.Phase {
	case PhaseInit:
		return e.stepInitLocked(t)
	case PhaseNeedLlm:
		return e.stepNeedLlmLocked(en, t)
	case PhaseWaitingLlm:
		return Outcome{Kind: OutcomeNoop}
	case PhaseDispatchTools:
		return e.stepDispatchToolsLocked(en, t)
	case PhaseSendText:
		return e.stepSendTextLocked(t)
	case PhaseFinished:
		en.active = nil
		return Outcome{Kind: OutcomeDone, TurnID: t.TurnID}
	default:
		slog.Error("turn in unknown phase", "agent", t.AgentID, "turn", t.TurnID, "phase", t.Phase)
		en.active = nil
		return Outcome{Kind: OutcomeDone, TurnID: t.TurnID}
	}
}

// stepInitLocked seeds the conversation and appends the inbound message
// as a user entry.
func (e *Engine) stepInitLocked(t *Turn) Outcome {
	e.conv.EnsureConversation(t.AgentID, e.systemPrompt(t.AgentID))

	userMsg := llm.Message{
		Role:    "user",
		Content: senderTaggedText(t.From, payloadText(t.Message.Payload)),
	}
	if len(t.Message.Payload.Attachments) > 0 {
		userMsg.Images = llm.NormalizeAttachments(t.Message.Payload.Attachments)
	}
	e.conv.Append(t.AgentID, userMsg)

	t.Phase = PhaseNeedLlm
	return Outcome{Kind: OutcomeDone, TurnID: t.TurnID}
}

// stepNeedLlmLocked merges pending interruptions, snapshots the request
// and parks the turn until the completion routes back.
func (e *Engine) stepNeedLlmLocked(en *entry, t *Turn) Outcome {
	if len(en.interruptions) > 0 {
		merged := llm.Message{
			Role:    "user",
			Content: mergedInterruptionText(en.interruptions),
		}
		for _, m := range en.interruptions {
			if len(m.Payload.Attachments) > 0 {
				merged.Images = append(merged.Images, llm.NormalizeAttachments(m.Payload.Attachments)...)
			}
		}
		e.conv.Append(t.AgentID, merged)
		en.interruptions = nil
	}

	messages := e.conv.History(t.AgentID)
	// The context note rides only on the request snapshot; it is not
	// history.
	if note := e.conv.BuildContextStatusPrompt(t.AgentID); note != "" {
		messages = append(messages, llm.Message{Role: "user", Content: note})
	}

	stepID := uuid.NewString()
	t.LastStepID = stepID
	t.Phase = PhaseWaitingLlm
	return Outcome{
		Kind:   OutcomeNeedLlm,
		TurnID: t.TurnID,
		StepID: stepID,
		TaskID: t.TaskID,
		Request: &llm.ChatRequest{
			Messages: messages,
			Tools:    e.toolDefsFor(t.AgentID),
			Meta: llm.RequestMeta{
				AgentID: t.AgentID,
				TurnID:  t.TurnID,
				StepID:  stepID,
				TaskID:  t.TaskID,
			},
		},
	}
}

// stepDispatchToolsLocked pops the next pending call, or advances the
// round once every call of the current assistant message is resolved.
func (e *Engine) stepDispatchToolsLocked(en *entry, t *Turn) Outcome {
	if t.ExecutingToolCall != nil {
		return Outcome{Kind: OutcomeNoop}
	}
	if len(t.PendingToolCalls) == 0 {
		t.Round++
		if t.Round > e.maxToolRounds {
			en.active = nil
			slog.Warn("turn exceeded tool round cap", "agent", t.AgentID, "turn", t.TurnID, "rounds", e.maxToolRounds)
			return Outcome{
				Kind:   OutcomeDone,
				TurnID: t.TurnID,
				Failure: &Failure{
					Code:   CodeMaxToolRounds,
					Err:    fmt.Errorf("turn used more than %d tool rounds", e.maxToolRounds),
					TaskID: t.TaskID,
				},
			}
		}
		t.Phase = PhaseNeedLlm
		return Outcome{Kind: OutcomeDone, TurnID: t.TurnID}
	}

	call := t.PendingToolCalls[0]
	t.PendingToolCalls = t.PendingToolCalls[1:]
	e.emit(EventToolCall, map[string]interface{}{
		"agentId": t.AgentID,
		"turnId":  t.TurnID,
		"taskId":  t.TaskID,
		"tool":    call.Name,
		"callId":  call.ID,
	})

	args, err := parseToolArgs(call.Arguments)
	if err != nil {
		// Parse failures become a tool entry; the remaining calls of
		// this round still run.
		slog.Warn("tool arguments unparseable", "agent", t.AgentID, "tool", call.Name, "error", err)
		e.conv.Append(t.AgentID, llm.Message{
			Role:       "tool",
			Content:    toolErrorContent(call.Name, "invalid arguments: "+err.Error()),
			ToolCallID: call.ID,
		})
		e.emit(EventToolResult, map[string]interface{}{
			"agentId": t.AgentID,
			"turnId":  t.TurnID,
			"taskId":  t.TaskID,
			"tool":    call.Name,
			"callId":  call.ID,
			"isError": true,
		})
		return Outcome{Kind: OutcomeDone, TurnID: t.TurnID}
	}

	stepID := uuid.NewString()
	t.LastStepID = stepID
	t.ExecutingToolCall = &call
	return Outcome{
		Kind:   OutcomeNeedTool,
		TurnID: t.TurnID,
		StepID: stepID,
		TaskID: t.TaskID,
		Call:   &ToolInvocation{Name: call.Name, CallID: call.ID, Args: args},
	}
}

// stepSendTextLocked turns the final assistant text into a bus message
// for the user endpoint.
func (e *Engine) stepSendTextLocked(t *Turn) Outcome {
	t.Phase = PhaseFinished

	payload := bus.TextPayload(t.finalText)
	if t.LlmMsg != nil && t.LlmMsg.Usage != nil {
		usage := *t.LlmMsg.Usage
		payload.Usage = &usage
	}
	stepID := uuid.NewString()
	t.LastStepID = stepID
	return Outcome{
		Kind:   OutcomeSend,
		TurnID: t.TurnID,
		StepID: stepID,
		TaskID: t.TaskID,
		Message: &bus.Message{
			From:      t.AgentID,
			To:        org.UserAgentID,
			TaskID:    t.TaskID,
			Payload:   payload,
			CreatedAt: clock.Now(e.clock),
		},
	}
}

// toolDefsFor resolves the agent's role into concrete tool definitions.
func (e *Engine) toolDefsFor(agentID string) []llm.ToolDefinition {
	var roleGroups []string
	if role, ok := e.org.RoleForAgent(agentID); ok {
		roleGroups = role.ToolGroups
	}
	return e.groups.Definitions(e.groups.EffectiveGroups(roleGroups))
}

func (e *Engine) entryLocked(agentID string) *entry {
	en := e.entries[agentID]
	if en == nil {
		en = &entry{}
		e.entries[agentID] = en
	}
	return en
}

func (e *Engine) emit(name string, payload interface{}) {
	if e.events != nil {
		e.events.Emit(name, payload)
	}
}

// payloadText renders a bus payload as user-entry text. Unknown kinds
// are echoed raw.
func payloadText(p bus.Payload) string {
	switch p.Kind {
	case bus.KindText, "":
		return p.Text
	case bus.KindError:
		if p.Error != nil {
			data, _ := json.Marshal(p.Error)
			return "[error notification] " + string(data)
		}
		return "[error notification]"
	default:
		if len(p.Raw) > 0 {
			slog.Debug("unknown payload kind echoed", "kind", p.Kind)
			return string(p.Raw)
		}
		return ""
	}
}

// senderTaggedText labels messages from other agents so the model knows
// who is talking. Messages from the user endpoint stay untagged.
func senderTaggedText(from, text string) string {
	if from == "" || from == org.UserAgentID {
		return text
	}
	return fmt.Sprintf("[message from %s] %s", from, text)
}

// mergedInterruptionText joins preempting messages into one tagged user
// entry, one line per message.
func mergedInterruptionText(msgs []*bus.Message) string {
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		lines = append(lines, senderTaggedText(m.From, payloadText(m.Payload)))
	}
	return interruptionTag + strings.Join(lines, "\n")
}

// parseToolArgs decodes the raw argument JSON. An empty string counts as
// an empty object; anything else must parse to an object.
func parseToolArgs(raw string) (map[string]interface{}, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]interface{}{}, nil
	}
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	return args, nil
}

// toolErrorContent serializes a tool failure for the conversation log.
func toolErrorContent(tool, message string) string {
	data, _ := json.Marshal(map[string]interface{}{
		"error": map[string]interface{}{
			"code":    CodeToolExecutionFailed,
			"tool":    tool,
			"message": message,
		},
	})
	return string(data)
}
