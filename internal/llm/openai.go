package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OpenAIClient implements Client for OpenAI-compatible chat completion APIs
// (OpenAI, Groq, OpenRouter, DeepSeek, DashScope, VLLM, etc.)
type OpenAIClient struct {
	name         string
	apiKey       string
	apiBase      string
	chatPath     string // defaults to "/chat/completions"
	defaultModel string
	client       *http.Client
	retry        RetryConfig
	notify       RetryNotifyFunc
}

func NewOpenAIClient(name, apiKey, apiBase, defaultModel string) *OpenAIClient {
	if apiBase == "" {
		apiBase = "https://api.openai.com/v1"
	}
	apiBase = strings.TrimRight(apiBase, "/")

	return &OpenAIClient{
		name:         name,
		apiKey:       apiKey,
		apiBase:      apiBase,
		chatPath:     "/chat/completions",
		defaultModel: defaultModel,
		client:       &http.Client{Timeout: 120 * time.Second},
		retry:        DefaultRetryConfig(),
	}
}

// WithChatPath sets a custom chat completions path (e.g.
// "/text/chatcompletion_v2" for MiniMax native API).
func (c *OpenAIClient) WithChatPath(path string) *OpenAIClient {
	c.chatPath = path
	return c
}

// WithRetryConfig replaces the default retry policy.
func (c *OpenAIClient) WithRetryConfig(cfg RetryConfig) *OpenAIClient {
	c.retry = cfg
	return c
}

// WithRetryNotify registers a callback invoked before each retry backoff.
func (c *OpenAIClient) WithRetryNotify(fn RetryNotifyFunc) *OpenAIClient {
	c.notify = fn
	return c
}

func (c *OpenAIClient) Name() string { return c.name }

// resolveModel returns the model ID to use for a request.
// For OpenRouter, model IDs require a provider prefix (e.g.
// "anthropic/claude-sonnet-4-5"). If the caller passes an unprefixed model,
// fall back to the service default.
func (c *OpenAIClient) resolveModel(model string) string {
	if model == "" {
		return c.defaultModel
	}
	if c.name == "openrouter" && !strings.Contains(model, "/") {
		return c.defaultModel
	}
	return model
}

func (c *OpenAIClient) Chat(ctx context.Context, req ChatRequest) (*Message, error) {
	model := c.resolveModel(req.Model)
	body := c.buildRequestBody(model, req)

	cfg := c.retry
	if c.notify != nil {
		meta := req.Meta
		notify := c.notify
		cfg.OnRetry = func(attempt int, wait time.Duration, err error) {
			notify(meta, attempt, wait, err)
		}
	}

	return RetryDo(ctx, cfg, func() (*Message, error) {
		respBody, err := c.doRequest(ctx, body)
		if err != nil {
			return nil, err
		}
		defer respBody.Close()

		var oaiResp openAIResponse
		if err := json.NewDecoder(respBody).Decode(&oaiResp); err != nil {
			return nil, fmt.Errorf("%s: decode response: %w", c.name, err)
		}

		return c.parseResponse(&oaiResp), nil
	})
}

func (c *OpenAIClient) buildRequestBody(model string, req ChatRequest) map[string]interface{} {
	// Convert messages to the OpenAI wire format. Our internal Message and
	// ToolCall structs don't match it exactly: tool_calls need a
	// type+function wrapper, and assistant messages carrying tool_calls
	// must omit empty content (Gemini-compatible endpoints reject it).
	msgs := make([]map[string]interface{}, 0, len(req.Messages))
	for _, m := range req.Messages {
		msg := map[string]interface{}{
			"role": m.Role,
		}

		if m.Role == "user" && len(m.Images) > 0 {
			var parts []map[string]interface{}
			for _, img := range m.Images {
				parts = append(parts, map[string]interface{}{
					"type": "image_url",
					"image_url": map[string]interface{}{
						"url": fmt.Sprintf("data:%s;base64,%s", img.MimeType, img.Data),
					},
				})
			}
			if m.Content != "" {
				parts = append(parts, map[string]interface{}{
					"type": "text",
					"text": m.Content,
				})
			}
			msg["content"] = parts
		} else if m.Content != "" || len(m.ToolCalls) == 0 {
			msg["content"] = m.Content
		}

		// {id, type: "function", function: {name, arguments: "<json string>"}}.
		// Arguments is already raw JSON text, no re-marshal needed.
		if len(m.ToolCalls) > 0 {
			toolCalls := make([]map[string]interface{}, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				args := tc.Arguments
				if args == "" {
					args = "{}"
				}
				toolCalls[i] = map[string]interface{}{
					"id":   tc.ID,
					"type": "function",
					"function": map[string]interface{}{
						"name":      tc.Name,
						"arguments": args,
					},
				}
			}
			msg["tool_calls"] = toolCalls
		}

		if m.ToolCallID != "" {
			msg["tool_call_id"] = m.ToolCallID
		}

		msgs = append(msgs, msg)
	}

	body := map[string]interface{}{
		"model":    model,
		"messages": msgs,
		"stream":   false,
	}

	if len(req.Tools) > 0 {
		body["tools"] = req.Tools
		body["tool_choice"] = "auto"
	}

	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		body["temperature"] = req.Temperature
	}

	return body
}

func (c *OpenAIClient) doRequest(ctx context.Context, body interface{}) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", c.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.apiBase+c.chatPath, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", c.name, err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", c.name, err)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		retryAfter := ParseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       fmt.Sprintf("%s: %s", c.name, string(respBody)),
			RetryAfter: retryAfter,
		}
	}

	return resp.Body, nil
}

func (c *OpenAIClient) parseResponse(resp *openAIResponse) *Message {
	msg := &Message{Role: "assistant"}

	if len(resp.Choices) > 0 {
		choice := resp.Choices[0].Message
		msg.Content = choice.Content
		msg.Reasoning = choice.ReasoningContent

		for _, tc := range choice.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{
				ID:        tc.ID,
				Name:      strings.TrimSpace(tc.Function.Name),
				Arguments: tc.Function.Arguments,
			})
		}
	}

	if resp.Usage != nil {
		msg.Usage = &Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
		if resp.Usage.PromptTokensDetails != nil {
			msg.Usage.CacheReadTokens = resp.Usage.PromptTokensDetails.CachedTokens
		}
	}

	return msg
}

// --- OpenAI API types (internal) ---

type openAIResponse struct {
	Choices []struct {
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
}

type openAIMessage struct {
	Content          string           `json:"content"`
	ReasoningContent string           `json:"reasoning_content"`
	ToolCalls        []openAIToolCall `json:"tool_calls"`
}

type openAIToolCall struct {
	ID       string `json:"id"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAIUsage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	TotalTokens         int `json:"total_tokens"`
	PromptTokensDetails *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
}
