package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/goswarm/internal/bus"
	"github.com/nextlevelbuilder/goswarm/internal/cancel"
	"github.com/nextlevelbuilder/goswarm/internal/conversation"
	"github.com/nextlevelbuilder/goswarm/internal/engine"
	"github.com/nextlevelbuilder/goswarm/internal/llm"
	"github.com/nextlevelbuilder/goswarm/internal/tools"
)

// startLlmCall dispatches a need_llm outcome. The window is slid before
// the call; if anything was dropped the snapshot is stale and the turn
// re-enters need_llm to rebuild it from the trimmed history.
func (s *Scheduler) startLlmCall(agentID string, scope *cancel.Scope, out engine.Outcome) {
	var client llm.Client
	if s.dispatcher != nil {
		client = s.dispatcher.ClientForAgent(agentID)
	}
	if client == nil {
		err := fmt.Errorf("agent %s has no llm client configured", agentID)
		if fail := s.engine.OnLlmError(agentID, out.TurnID, engine.CodeMissingLlmClient, err); fail != nil {
			s.notifyFailure(agentID, fail)
		}
		s.reevaluate(agentID)
		return
	}

	if w, ok := s.dispatcher.(ContextWindower); ok {
		if window := w.ContextWindowForAgent(agentID); window > 0 {
			s.conv.SetContextWindow(agentID, window)
		}
	}
	if dropped := s.conv.SlideWindowIfNeeded(agentID, conversation.SlideOptions{}); dropped > 0 {
		slog.Info("context window slid before llm call", "agent", agentID, "dropped", dropped)
		s.engine.OnLlmCancelled(agentID, out.TurnID)
		s.markReady(agentID)
		return
	}

	s.setInflight(agentID, inflightEntry{kind: kindLlm, epoch: scope.Epoch, turnID: out.TurnID, stepID: out.StepID})
	s.setStatus(agentID, StatusWaitingLlm)

	req := *out.Request
	promptRunes := conversation.HistoryRunes(req.Messages)
	go func() {
		callCtx, span := s.startSpan(scope.Context(), "llm.chat", agentID, out.TurnID)
		msg, err := client.Chat(callCtx, req)
		endSpan(span, err)
		s.completions <- completion{
			agentID:     agentID,
			kind:        kindLlm,
			epoch:       scope.Epoch,
			turnID:      out.TurnID,
			stepID:      out.StepID,
			msg:         msg,
			err:         err,
			promptRunes: promptRunes,
		}
	}()
}

func (s *Scheduler) startToolCall(agentID string, scope *cancel.Scope, out engine.Outcome) {
	if s.executor == nil {
		s.engine.OnToolResult(agentID, out.TurnID, out.Call.CallID, nil,
			fmt.Errorf("no tool executor configured"))
		s.reevaluate(agentID)
		return
	}

	s.setInflight(agentID, inflightEntry{kind: kindTool, epoch: scope.Epoch, turnID: out.TurnID, stepID: out.StepID})
	s.setStatus(agentID, StatusProcessing)

	call := *out.Call
	taskID := out.TaskID
	go func() {
		callCtx := tools.WithCaller(scope.Context(), agentID)
		callCtx = tools.WithTaskID(callCtx, taskID)
		callCtx = tools.WithTurnID(callCtx, out.TurnID)
		callCtx, span := s.startSpan(callCtx, "tool.execute", agentID, out.TurnID)
		if span != nil {
			span.SetAttributes(attribute.String("tool.name", call.Name))
		}
		value, err := s.executor.ExecuteToolCall(callCtx, call.Name, call.Args)
		endSpan(span, err)
		s.completions <- completion{
			agentID: agentID,
			kind:    kindTool,
			epoch:   scope.Epoch,
			turnID:  out.TurnID,
			stepID:  out.StepID,
			callID:  call.CallID,
			result:  value,
			err:     err,
		}
	}()
}

func (s *Scheduler) startEndpoint(ctx context.Context, id string, handler EndpointHandler, msg *bus.Message) {
	epoch := s.cancel.Epoch(id)
	s.setInflight(id, inflightEntry{kind: kindEndpoint, epoch: epoch})
	s.setStatus(id, StatusProcessing)
	go func() {
		err := handler(ctx, msg)
		s.completions <- completion{agentID: id, kind: kindEndpoint, epoch: epoch, err: err}
	}()
}

// route applies one completion. The in-flight entry is cleared only
// when it belongs to this completion (a preemption may have already
// replaced it); conversation state is touched only when the epoch is
// still current.
func (s *Scheduler) route(c completion) {
	s.mu.Lock()
	if fl, ok := s.inflight[c.agentID]; ok && fl.epoch == c.epoch && fl.stepID == c.stepID {
		delete(s.inflight, c.agentID)
	}
	s.mu.Unlock()

	fresh := c.epoch == s.cancel.Epoch(c.agentID)
	switch c.kind {
	case kindLlm:
		s.routeLlm(c, fresh)
	case kindTool:
		s.routeTool(c, fresh)
	case kindEndpoint:
		if c.err != nil {
			slog.Warn("endpoint handler failed", "endpoint", c.agentID, "error", c.err)
		}
	}
	s.reevaluate(c.agentID)
}

func (s *Scheduler) routeLlm(c completion, fresh bool) {
	if !fresh {
		if info := s.cancel.LastAbortInfo(c.agentID); info != nil && info.Reason == cancel.ReasonMessageInterruption {
			slog.Debug("llm completion superseded by interruption", "agent", c.agentID, "turn", c.turnID)
			s.engine.OnLlmCancelled(c.agentID, c.turnID)
			return
		}
		err := c.err
		if err == nil {
			err = fmt.Errorf("llm result discarded: agent epoch advanced mid-call")
		}
		if fail := s.engine.OnLlmError(c.agentID, c.turnID, engine.CodeLlmResultDiscarded, err); fail != nil {
			s.notifyFailure(c.agentID, fail)
		}
		return
	}
	if c.err != nil {
		s.handleLlmError(c)
		return
	}
	if c.msg == nil {
		err := fmt.Errorf("llm client returned no message")
		if fail := s.engine.OnLlmError(c.agentID, c.turnID, engine.CodeLlmCallFailed, err); fail != nil {
			s.notifyFailure(c.agentID, fail)
		}
		return
	}

	if c.msg.Usage != nil {
		s.conv.UpdateTokenUsage(c.agentID, c.msg.Usage)
		s.conv.UpdatePromptTokenEstimator(c.agentID, c.promptRunes, c.msg.Usage.PromptTokens)
	}
	s.engine.OnLlmResult(c.agentID, c.turnID, c.msg)
}

// handleLlmError retries once per turn after a context-length overflow
// by force-sliding the window; everything else fails the turn.
func (s *Scheduler) handleLlmError(c completion) {
	category := llm.Categorize(c.err)
	if category == llm.CategoryContextLength && s.engine.MarkWindowSlid(c.agentID, c.turnID) {
		dropped := s.conv.SlideWindowIfNeeded(c.agentID, conversation.SlideOptions{Force: true, KeepRatio: retryKeepRatio})
		slog.Warn("context length exceeded, retrying with slid window",
			"agent", c.agentID, "turn", c.turnID, "dropped", dropped)
		s.emit(EventLlmRetrying, map[string]interface{}{
			"agentId": c.agentID,
			"turnId":  c.turnID,
			"reason":  llm.CategoryContextLength,
			"dropped": dropped,
		})
		s.engine.OnLlmCancelled(c.agentID, c.turnID)
		return
	}
	slog.Warn("llm call failed",
		"agent", c.agentID, "turn", c.turnID, "category", category, "error", c.err)
	if fail := s.engine.OnLlmError(c.agentID, c.turnID, engine.CodeLlmCallFailed, c.err); fail != nil {
		s.notifyFailure(c.agentID, fail)
	}
}

func (s *Scheduler) routeTool(c completion, fresh bool) {
	if !fresh {
		slog.Debug("stale tool result dropped", "agent", c.agentID, "turn", c.turnID, "call", c.callID)
		return
	}
	s.engine.OnToolResult(c.agentID, c.turnID, c.callID, c.result, c.err)
}

func (s *Scheduler) notifyFailure(agentID string, fail *engine.Failure) {
	if s.notifier == nil {
		return
	}
	s.notifier.NotifyTurnError(agentID, fail.TaskID, fail.Code, fail.Err)
}

func (s *Scheduler) startSpan(ctx context.Context, name, agentID, turnID string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, nil
	}
	return s.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("agent.id", agentID),
		attribute.String("turn.id", turnID),
	))
}

func endSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
