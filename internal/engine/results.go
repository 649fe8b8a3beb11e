package engine

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/goswarm/internal/conversation"
	"github.com/nextlevelbuilder/goswarm/internal/llm"
)

// OnLlmResult routes a completed LLM call back into the turn. Stale
// turn ids are ignored; the completion belongs to an already-ended turn.
func (e *Engine) OnLlmResult(agentID, turnID string, msg *llm.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t := e.activeTurnLocked(agentID, turnID, PhaseWaitingLlm)
	if t == nil {
		slog.Debug("llm result for inactive turn ignored", "agent", agentID, "turn", turnID)
		return
	}
	t.LlmMsg = msg
	content := conversation.StripThinkingTags(msg.Content)

	if len(msg.ToolCalls) > 0 {
		e.conv.Append(agentID, llm.Message{
			Role:      "assistant",
			Content:   content,
			Reasoning: msg.Reasoning,
			ToolCalls: msg.ToolCalls,
		})
		t.PendingToolCalls = append([]llm.ToolCall(nil), msg.ToolCalls...)
		t.Phase = PhaseDispatchTools
		return
	}

	if content == "" {
		// Nothing worth sending; reasoning-only replies end the turn.
		slog.Debug("empty assistant reply, turn ends silently", "agent", agentID, "turn", turnID)
		t.Phase = PhaseFinished
		return
	}

	if !t.nudged && t.Round < e.maxToolRounds {
		if name := describedTool(content, e.toolDefsFor(agentID)); name != "" {
			slog.Info("assistant described a tool without calling it, nudging",
				"agent", agentID, "turn", turnID, "tool", name)
			e.conv.Append(agentID, llm.Message{Role: "assistant", Content: content, Reasoning: msg.Reasoning})
			e.conv.Append(agentID, llm.Message{Role: "user", Content: nudgePrompt(name)})
			t.nudged = true
			t.Phase = PhaseNeedLlm
			return
		}
	}

	e.conv.Append(agentID, llm.Message{Role: "assistant", Content: content, Reasoning: msg.Reasoning})
	t.finalText = content
	t.Phase = PhaseSendText
}

// OnLlmCancelled reverts a turn whose LLM call was aborted by an
// interruption. The turn retries from need_llm with the interruptions
// merged in at the next Step.
func (e *Engine) OnLlmCancelled(agentID, turnID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t := e.activeTurnLocked(agentID, turnID, PhaseWaitingLlm)
	if t == nil {
		slog.Debug("llm cancellation for inactive turn ignored", "agent", agentID, "turn", turnID)
		return
	}
	t.Phase = PhaseNeedLlm
}

// OnLlmError ends the turn and clears the active slot. The returned
// Failure carries what the scheduler needs for the parent notification;
// nil when the turn was already gone.
func (e *Engine) OnLlmError(agentID, turnID, code string, err error) *Failure {
	e.mu.Lock()
	defer e.mu.Unlock()

	en := e.entries[agentID]
	if en == nil || en.active == nil || en.active.TurnID != turnID {
		slog.Debug("llm error for inactive turn ignored", "agent", agentID, "turn", turnID, "code", code)
		return nil
	}
	t := en.active
	en.active = nil
	slog.Warn("turn failed", "agent", agentID, "turn", turnID, "code", code, "error", err)
	return &Failure{Code: code, Err: err, TaskID: t.TaskID}
}

// OnToolResult appends the executor's verdict for the executing call and
// frees the turn to dispatch the next one. execErr marks a tool that
// threw; its message is serialized into the entry.
func (e *Engine) OnToolResult(agentID, turnID, callID string, result interface{}, execErr error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t := e.activeTurnLocked(agentID, turnID, PhaseDispatchTools)
	if t == nil || t.ExecutingToolCall == nil || t.ExecutingToolCall.ID != callID {
		slog.Debug("tool result for inactive call dropped", "agent", agentID, "turn", turnID, "call", callID)
		return
	}
	call := *t.ExecutingToolCall
	t.ExecutingToolCall = nil

	var content string
	isError := execErr != nil
	if isError {
		content = toolErrorContent(call.Name, execErr.Error())
	} else {
		content = serializeToolResult(call.Name, result)
	}
	e.conv.Append(agentID, llm.Message{
		Role:       "tool",
		Content:    content,
		ToolCallID: callID,
	})
	e.emit(EventToolResult, map[string]interface{}{
		"agentId": agentID,
		"turnId":  turnID,
		"taskId":  t.TaskID,
		"tool":    call.Name,
		"callId":  callID,
		"isError": isError,
	})
}

// MarkWindowSlid spends the turn's one context-length retry. Returns
// false when the retry was already used (or the turn is gone), in which
// case the error must propagate.
func (e *Engine) MarkWindowSlid(agentID, turnID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	en := e.entries[agentID]
	if en == nil || en.active == nil || en.active.TurnID != turnID {
		return false
	}
	if en.active.slid {
		return false
	}
	en.active.slid = true
	return true
}

// activeTurnLocked returns the active turn when it matches id and phase,
// nil otherwise.
func (e *Engine) activeTurnLocked(agentID, turnID string, phase Phase) *Turn {
	en := e.entries[agentID]
	if en == nil || en.active == nil {
		return nil
	}
	if en.active.TurnID != turnID || en.active.Phase != phase {
		return nil
	}
	return en.active
}

// serializeToolResult renders the executor's value for the tool entry.
func serializeToolResult(tool string, result interface{}) string {
	data, err := json.Marshal(result)
	if err != nil {
		return toolErrorContent(tool, fmt.Sprintf("unserializable result: %v", err))
	}
	return string(data)
}
