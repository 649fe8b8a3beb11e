package llm

import "context"

// Client is the interface all LLM backends must implement.
type Client interface {
	// Chat sends the conversation to the model and returns the assistant
	// message. Implementations honor ctx cancellation by aborting the
	// underlying request.
	Chat(ctx context.Context, req ChatRequest) (*Message, error)

	// Name returns the backend identifier (e.g. "anthropic", "openai").
	Name() string
}

// Dispatcher resolves the client serving a given agent and aborts
// in-flight calls. The scheduler consumes this port; it never constructs
// clients itself.
type Dispatcher interface {
	// ClientForAgent returns the client bound to the agent's role, or nil
	// when no service is configured for it.
	ClientForAgent(agentID string) Client

	// Abort cancels the agent's in-flight call if one exists. Returns
	// false when nothing was in flight.
	Abort(agentID string) bool
}

// RequestMeta identifies the turn step a call belongs to, for logging and
// completion routing.
type RequestMeta struct {
	AgentID string `json:"agent_id"`
	TurnID  string `json:"turn_id"`
	StepID  string `json:"step_id"`
	TaskID  string `json:"task_id,omitempty"`
}

// ChatRequest contains the input for a Chat call.
type ChatRequest struct {
	Messages    []Message        `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	Model       string           `json:"model,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature float64          `json:"temperature,omitempty"`
	Meta        RequestMeta      `json:"meta"`
}

// ImageContent represents a base64-encoded image for vision-capable models.
type ImageContent struct {
	MimeType string `json:"mime_type"` // e.g. "image/jpeg"
	Data     string `json:"data"`      // base64-encoded image bytes
}

// Attachment is an inbound file reference carried on bus payloads. Only
// images are interpreted today; other types pass through untouched.
type Attachment struct {
	Type     string `json:"type"` // "image"
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"` // base64
	URL      string `json:"url,omitempty"`
}

// Message is both the wire message sent to a model and the persisted
// conversation entry. Assistant entries keep the usage of the call that
// produced them.
type Message struct {
	Role       string         `json:"role"` // "system", "user", "assistant", "tool"
	Content    string         `json:"content"`
	Reasoning  string         `json:"reasoning,omitempty"` // model thinking, never re-sent
	Images     []ImageContent `json:"images,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"` // for role="tool" responses
	Usage      *Usage         `json:"usage,omitempty"`
}

// ToolCall represents a tool invocation requested by the LLM. Arguments
// stays the raw JSON text from the wire; the turn engine owns parsing so
// malformed arguments surface as a tool error instead of a dropped call.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition describes a tool available to the LLM.
type ToolDefinition struct {
	Type     string             `json:"type"` // "function"
	Function ToolFunctionSchema `json:"function"`
}

// ToolFunctionSchema is the schema for a function tool.
type ToolFunctionSchema struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	TotalTokens         int `json:"total_tokens"`
	CacheCreationTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// Add accumulates other into u.
func (u *Usage) Add(other *Usage) {
	if other == nil {
		return
	}
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
	u.CacheCreationTokens += other.CacheCreationTokens
	u.CacheReadTokens += other.CacheReadTokens
}
