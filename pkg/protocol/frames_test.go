package protocol

import (
	"encoding/json"
	"testing"
)

func TestRequestFrameRoundTrip(t *testing.T) {
	req := RequestFrame{
		Type:   FrameTypeRequest,
		ID:     "r1",
		Method: MethodAgentSend,
		Params: json.RawMessage(`{"agentId":"agent-1","text":"hi"}`),
	}

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	ft, err := ParseFrameType(data)
	if err != nil {
		t.Fatalf("parse frame type: %v", err)
	}
	if ft != FrameTypeRequest {
		t.Fatalf("frame type = %q, want %q", ft, FrameTypeRequest)
	}

	var got RequestFrame
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ID != "r1" || got.Method != MethodAgentSend {
		t.Fatalf("round trip lost fields: %+v", got)
	}
}

func TestNewResponseShape(t *testing.T) {
	res := NewResponse("r2", map[string]string{"taskId": "task-x"})
	data, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["type"] != FrameTypeResponse {
		t.Errorf("type = %v", m["type"])
	}
	if m["ok"] != true {
		t.Errorf("ok = %v, want true", m["ok"])
	}
	if _, hasErr := m["error"]; hasErr {
		t.Errorf("success response carries error field")
	}
}

func TestNewErrorResponseShape(t *testing.T) {
	res := NewErrorResponse("r3", ErrCodeInvalidParams, "agentId is required")
	if res.OK {
		t.Fatalf("error response has OK=true")
	}
	if res.Error == nil || res.Error.Code != ErrCodeInvalidParams {
		t.Fatalf("error info = %+v", res.Error)
	}

	data, _ := json.Marshal(res)
	var got ResponseFrame
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Error.Message != "agentId is required" {
		t.Fatalf("message = %q", got.Error.Message)
	}
}

func TestNewEventCarriesTimestamp(t *testing.T) {
	evt := NewEvent(EventBusSend, map[string]string{"from": "root"}, "2026-01-02T03:04:05.000+00:00")
	data, _ := json.Marshal(evt)

	ft, err := ParseFrameType(data)
	if err != nil {
		t.Fatalf("parse frame type: %v", err)
	}
	if ft != FrameTypeEvent {
		t.Fatalf("frame type = %q", ft)
	}

	var got EventFrame
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Event != EventBusSend || got.At == "" {
		t.Fatalf("event frame lost fields: %+v", got)
	}
}

func TestParseFrameTypeRejectsGarbage(t *testing.T) {
	if _, err := ParseFrameType([]byte("not json")); err == nil {
		t.Fatalf("expected error for malformed frame")
	}
}
