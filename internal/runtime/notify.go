package runtime

import (
	"context"
	"log/slog"

	"github.com/nextlevelbuilder/goswarm/internal/bus"
	"github.com/nextlevelbuilder/goswarm/internal/engine"
	"github.com/nextlevelbuilder/goswarm/internal/llm"
	"github.com/nextlevelbuilder/goswarm/internal/org"
)

// NotifyTurnError implements scheduler.Notifier: a turn-ending failure
// becomes an error notification sent to the failing agent's parent
// (root's parent is the user endpoint). The bus send also lands the
// notification in the message archive under the failing agent; the
// error event reaches live subscribers regardless.
func (r *Runtime) NotifyTurnError(agentID, taskID, code string, err error) {
	info := bus.ErrorInfo{
		Code:        code,
		UserMessage: userMessageFor(code, err),
		Agent:       &bus.ErrorAgent{AgentID: agentID},
	}
	if err != nil {
		info.TechnicalInfo = err.Error()
	}

	parent := org.UserAgentID
	if agent, ok := r.org.GetAgent(agentID); ok {
		info.Agent.Name = agent.Name
		info.Agent.RoleID = agent.RoleID
		if agent.ParentAgentID != "" {
			parent = agent.ParentAgentID
		}
	}

	r.events.Emit(EventError, map[string]interface{}{
		"agentId": agentID,
		"taskId":  taskID,
		"error":   info,
	})

	if _, serr := r.bus.Send(&bus.Message{
		From:    agentID,
		To:      parent,
		TaskID:  taskID,
		Payload: bus.ErrorPayload(info),
	}); serr != nil {
		slog.Warn("error notification send failed", "agent", agentID, "to", parent, "error", serr)
	}
}

// userMessageFor maps a failure code (and, for LLM failures, the error
// category) onto a short user-facing sentence. technicalInfo carries
// the detail.
func userMessageFor(code string, err error) string {
	switch code {
	case engine.CodeMissingLlmClient:
		return "No LLM service is configured for this agent."
	case engine.CodeLlmResultDiscarded:
		return "A stale LLM result was discarded."
	case engine.CodeMaxToolRounds:
		return "The agent used too many tool rounds and was stopped."
	case engine.CodeToolExecutionFailed:
		return "A tool call failed."
	case engine.CodeLlmCallFailed:
		switch llm.Categorize(err) {
		case llm.CategoryAuth:
			return "LLM authentication failed. Check the API key."
		case llm.CategoryRateLimit:
			return "The LLM service is rate limiting requests."
		case llm.CategoryContextLength:
			return "The conversation no longer fits the model's context window."
		case llm.CategoryNetwork:
			return "Could not reach the LLM service."
		case llm.CategoryServer:
			return "The LLM service returned a server error."
		default:
			return "The LLM call failed."
		}
	default:
		return "The agent hit an internal error."
	}
}

// handleUserMessage is the endpoint for messages addressed to the
// user: no LLM turn runs, the message is published to subscribers. The
// bus already archived it on send.
func (r *Runtime) handleUserMessage(ctx context.Context, msg *bus.Message) error {
	r.events.Emit(EventUserMessage, msg.Clone())
	return nil
}
