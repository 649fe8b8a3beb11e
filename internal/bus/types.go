// Package bus is the in-process message transport between agents. One
// FIFO queue per recipient, optional delayed delivery, optional recurring
// schedules. In-memory only; loss on process exit is accepted.
package bus

import (
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/goswarm/internal/clock"
	"github.com/nextlevelbuilder/goswarm/internal/llm"
)

// Payload kinds. Text payloads are written without a kind tag; unknown
// kinds round-trip through Raw untouched.
const (
	KindText  = "text"
	KindError = "error"
)

// ErrorAgent identifies the agent an error notification is about.
type ErrorAgent struct {
	AgentID string `json:"agentId"`
	RoleID  string `json:"roleId,omitempty"`
	Name    string `json:"name,omitempty"`
}

// ErrorInfo is the body of an error payload.
type ErrorInfo struct {
	Code          string      `json:"code"`
	UserMessage   string      `json:"userMessage"`
	TechnicalInfo string      `json:"technicalInfo,omitempty"`
	Agent         *ErrorAgent `json:"agent,omitempty"`
}

// Payload is the tagged union carried by every message.
type Payload struct {
	Kind        string
	Text        string
	Usage       *llm.Usage
	Attachments []llm.Attachment
	Error       *ErrorInfo
	Raw         json.RawMessage // unknown kinds, echoed as-is
}

// TextPayload builds a plain text payload.
func TextPayload(text string) Payload {
	return Payload{Kind: KindText, Text: text}
}

// ErrorPayload builds an error payload.
func ErrorPayload(info ErrorInfo) Payload {
	return Payload{Kind: KindError, Error: &info}
}

type textPayloadJSON struct {
	Text        string           `json:"text"`
	Usage       *llm.Usage       `json:"usage,omitempty"`
	Attachments []llm.Attachment `json:"attachments,omitempty"`
}

type errorPayloadJSON struct {
	Kind  string     `json:"kind"`
	Error *ErrorInfo `json:"error"`
}

func (p Payload) MarshalJSON() ([]byte, error) {
	switch p.Kind {
	case KindText, "":
		return json.Marshal(textPayloadJSON{Text: p.Text, Usage: p.Usage, Attachments: p.Attachments})
	case KindError:
		return json.Marshal(errorPayloadJSON{Kind: KindError, Error: p.Error})
	default:
		if len(p.Raw) > 0 {
			return p.Raw, nil
		}
		return json.Marshal(map[string]string{"kind": p.Kind})
	}
}

func (p *Payload) UnmarshalJSON(data []byte) error {
	var probe struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("parse payload: %w", err)
	}
	switch probe.Kind {
	case "", KindText:
		var tp textPayloadJSON
		if err := json.Unmarshal(data, &tp); err != nil {
			return err
		}
		*p = Payload{Kind: KindText, Text: tp.Text, Usage: tp.Usage, Attachments: tp.Attachments}
	case KindError:
		var ep errorPayloadJSON
		if err := json.Unmarshal(data, &ep); err != nil {
			return err
		}
		*p = Payload{Kind: KindError, Error: ep.Error}
	default:
		*p = Payload{Kind: probe.Kind, Raw: append(json.RawMessage(nil), data...)}
	}
	return nil
}

// Message is one bus delivery. DeliveredAt is set only on copies handed
// to delayed-delivery observers.
type Message struct {
	ID                    string      `json:"id"`
	From                  string      `json:"from"`
	To                    string      `json:"to"`
	TaskID                string      `json:"taskId,omitempty"`
	Payload               Payload     `json:"payload"`
	CreatedAt             clock.Stamp `json:"createdAt"`
	ScheduledDeliveryTime clock.Stamp `json:"scheduledDeliveryTime,omitempty"`
	DeliveredAt           clock.Stamp `json:"deliveredAt,omitempty"`
}

// Clone returns a shallow copy (payload values are immutable by
// convention).
func (m *Message) Clone() *Message {
	out := *m
	return &out
}

// SendResult reports the assigned id and, for delayed messages, when the
// message becomes deliverable.
type SendResult struct {
	MessageID             string      `json:"messageId"`
	ScheduledDeliveryTime clock.Stamp `json:"scheduledDeliveryTime,omitempty"`
	Duplicate             bool        `json:"duplicate,omitempty"`
}
