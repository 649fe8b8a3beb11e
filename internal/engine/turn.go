package engine

import (
	"github.com/nextlevelbuilder/goswarm/internal/bus"
	"github.com/nextlevelbuilder/goswarm/internal/llm"
)

// Phase of a turn. Transitions happen only inside Step and the On*
// completion callbacks, always on the scheduler loop.
type Phase string

const (
	PhaseInit          Phase = "init"
	PhaseNeedLlm       Phase = "need_llm"
	PhaseWaitingLlm    Phase = "waiting_llm"
	PhaseDispatchTools Phase = "dispatch_tools"
	PhaseSendText      Phase = "send_text"
	PhaseFinished      Phase = "finished"
)

// Turn works one inbound message through the think/act cycle.
type Turn struct {
	TurnID  string
	AgentID string
	TaskID  string
	From    string
	Message *bus.Message

	Phase Phase
	Round int

	LlmMsg            *llm.Message
	PendingToolCalls  []llm.ToolCall
	ExecutingToolCall *llm.ToolCall
	LastStepID        string

	finalText string // sanitized assistant text awaiting send_text
	nudged    bool   // tool-intent nudge already spent this turn
	slid      bool   // context-length window slide already spent this turn
}

// OutcomeKind tags what a Step call produced.
type OutcomeKind string

const (
	// OutcomeNoop means nothing could progress right now (a call is in
	// flight, or there is no work).
	OutcomeNoop OutcomeKind = "noop"
	// OutcomeDone means internal progress with no externally visible
	// action.
	OutcomeDone OutcomeKind = "done"
	// OutcomeNeedLlm asks the scheduler to start an LLM request.
	OutcomeNeedLlm OutcomeKind = "need_llm"
	// OutcomeNeedTool asks the scheduler to start a tool execution.
	OutcomeNeedTool OutcomeKind = "need_tool"
	// OutcomeSend hands a finished reply to the bus.
	OutcomeSend OutcomeKind = "send"
)

// ToolInvocation is one tool call ready for the executor, arguments
// already parsed.
type ToolInvocation struct {
	Name   string
	CallID string
	Args   map[string]interface{}
}

// Failure describes a turn that ended in error. The scheduler turns it
// into a parent notification.
type Failure struct {
	Code   string
	Err    error
	TaskID string
}

// Outcome is the single externally visible action of one Step call.
type Outcome struct {
	Kind    OutcomeKind
	TurnID  string
	StepID  string
	TaskID  string
	Request *llm.ChatRequest // need_llm
	Call    *ToolInvocation  // need_tool
	Message *bus.Message     // send
	Failure *Failure         // done outcomes that ended the turn in error
}
