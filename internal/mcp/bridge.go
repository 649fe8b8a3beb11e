package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/goswarm/internal/tools"
)

// toolCaller is the slice of the MCP client a bridge needs.
type toolCaller interface {
	CallTool(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error)
}

// bridgeTool adapts one remote MCP tool to the local tool interface.
// Execution is gated by the owning server's connected flag so calls fail
// fast while the health loop is reconnecting.
type bridgeTool struct {
	server    string
	name      string
	desc      string
	params    map[string]interface{}
	caller    toolCaller
	timeout   time.Duration
	connected *atomic.Bool
}

func newBridgeTool(server string, t mcpgo.Tool, caller toolCaller, timeout time.Duration, connected *atomic.Bool) *bridgeTool {
	return &bridgeTool{
		server:    server,
		name:      t.Name,
		desc:      t.Description,
		params:    schemaToParameters(t.InputSchema),
		caller:    caller,
		timeout:   timeout,
		connected: connected,
	}
}

func (b *bridgeTool) Name() string        { return b.name }
func (b *bridgeTool) Description() string { return b.desc }

func (b *bridgeTool) Parameters() map[string]interface{} { return b.params }

// Server names the MCP server this tool belongs to.
func (b *bridgeTool) Server() string { return b.server }

func (b *bridgeTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	if !b.connected.Load() {
		return tools.ErrorResult(fmt.Sprintf("mcp server %q is not connected", b.server))
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = b.name
	req.Params.Arguments = args

	res, err := b.caller.CallTool(ctx, req)
	if err != nil {
		return tools.ErrorResult("call failed").WithError(fmt.Errorf("mcp tool %s: %w", b.name, err))
	}

	text := textContent(res)
	if res.IsError {
		if text == "" {
			text = fmt.Sprintf("mcp tool %s reported an error", b.name)
		}
		return tools.ErrorResult(text)
	}
	return tools.NewResult(text)
}

// textContent concatenates the text items of a tool result. Non-text
// content (images, embedded resources) is skipped.
func textContent(res *mcpgo.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		if tc, ok := mcpgo.AsTextContent(c); ok {
			parts = append(parts, tc.Text)
			continue
		}
		slog.Debug("mcp tool returned non-text content, skipping", "type", fmt.Sprintf("%T", c))
	}
	return strings.Join(parts, "\n")
}

// schemaToParameters converts the MCP input schema into the parameter map
// the LLM wire format expects.
func schemaToParameters(schema mcpgo.ToolInputSchema) map[string]interface{} {
	fallback := map[string]interface{}{"type": "object"}
	data, err := json.Marshal(schema)
	if err != nil {
		return fallback
	}
	var params map[string]interface{}
	if err := json.Unmarshal(data, &params); err != nil || params == nil {
		return fallback
	}
	if _, ok := params["type"]; !ok {
		params["type"] = "object"
	}
	return params
}
