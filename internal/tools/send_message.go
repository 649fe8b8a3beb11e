package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/goswarm/internal/bus"
	"github.com/nextlevelbuilder/goswarm/internal/org"
)

// SendMessageTool is the reserved messaging tool. It routes agent-to-agent
// text through the message bus and records both parties in each other's
// contact registry.
type SendMessageTool struct {
	bus *bus.Bus
	org *org.Store
}

func NewSendMessageTool(b *bus.Bus, o *org.Store) *SendMessageTool {
	return &SendMessageTool{bus: b, org: o}
}

func (t *SendMessageTool) Name() string { return "send_message" }

func (t *SendMessageTool) Description() string {
	return "Send a text message to another agent. Use agent ids from your contact list or from create_agent results; \"user\" reaches the human operator."
}

func (t *SendMessageTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"to": map[string]interface{}{
				"type":        "string",
				"description": "Recipient agent id",
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "Message text",
			},
		},
		"required": []string{"to", "content"},
	}
}

func (t *SendMessageTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	to, _ := args["to"].(string)
	content, _ := args["content"].(string)
	to = strings.TrimSpace(to)
	if to == "" {
		return ErrorResult("to is required")
	}
	if content == "" {
		return ErrorResult("content is required")
	}

	from := CallerFromCtx(ctx)
	if from == "" {
		return ErrorResult("caller identity missing")
	}

	recipient, ok := t.org.GetAgent(to)
	if !ok {
		return ErrorResult(fmt.Sprintf("unknown recipient %q", to))
	}
	if recipient.Status == org.AgentStatusTerminated {
		return ErrorResult(fmt.Sprintf("agent %q is terminated", to))
	}

	res, err := t.bus.Send(&bus.Message{
		From:    from,
		To:      to,
		TaskID:  TaskIDFromCtx(ctx),
		Payload: bus.TextPayload(content),
	})
	if err != nil {
		return ErrorResult("send failed").WithError(err)
	}

	t.recordContact(from, to)
	t.recordContact(to, from)

	return NewResult(map[string]interface{}{
		"status":    "sent",
		"messageId": res.MessageID,
	})
}

// recordContact remembers other as a correspondent of owner. System
// identities keep no registry of their own.
func (t *SendMessageTool) recordContact(owner, other string) {
	if org.IsSystemAgent(owner) {
		return
	}
	c := org.Contact{AgentID: other}
	if a, ok := t.org.GetAgent(other); ok {
		c.Name = a.Name
	}
	if r, ok := t.org.RoleForAgent(other); ok {
		c.RoleName = r.Name
	}
	t.org.AddContact(owner, c)
}
