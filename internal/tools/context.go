package tools

import "context"

// Tool execution context keys. The scheduler injects the calling turn's
// identity before dispatch; tools read it during Execute. Keeping these
// on the context (instead of setter fields) keeps tool instances safe
// for concurrent execution across agents.

type toolContextKey string

const (
	ctxCaller toolContextKey = "tool_caller_agent"
	ctxTaskID toolContextKey = "tool_task_id"
	ctxTurnID toolContextKey = "tool_turn_id"
)

func WithCaller(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, ctxCaller, agentID)
}

func CallerFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxCaller).(string)
	return v
}

func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, ctxTaskID, taskID)
}

func TaskIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxTaskID).(string)
	return v
}

func WithTurnID(ctx context.Context, turnID string) context.Context {
	return context.WithValue(ctx, ctxTurnID, turnID)
}

func TurnIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxTurnID).(string)
	return v
}
