package conversation

import (
	"strings"
	"testing"

	"github.com/nextlevelbuilder/goswarm/internal/llm"
)

// fillHistory appends n user entries of runes runes each.
func fillHistory(m *Manager, agentID string, n, runes int) {
	content := strings.Repeat("x", runes)
	for i := 0; i < n; i++ {
		m.Append(agentID, llm.Message{Role: "user", Content: content})
	}
}

// TestSlideWindow_NoopBelowTrigger verifies that sliding does nothing while
// the estimate sits below the trigger share of the window.
func TestSlideWindow_NoopBelowTrigger(t *testing.T) {
	m, _ := newTestManager(t)
	m.EnsureConversation("a1", "sys")
	m.SetContextWindow("a1", 100000)
	fillHistory(m, "a1", 3, 30)

	if dropped := m.SlideWindowIfNeeded("a1", SlideOptions{}); dropped != 0 {
		t.Errorf("dropped = %d, want 0", dropped)
	}
	if n := m.MessageCount("a1"); n != 4 {
		t.Errorf("message count = %d, want 4", n)
	}
}

// TestSlideWindow_DropsOldestKeepsSystemAndNewest verifies that sliding
// removes oldest non-system entries until the estimate fits the keep
// ratio, and never touches the system entry or the newest message.
func TestSlideWindow_DropsOldestKeepsSystemAndNewest(t *testing.T) {
	m, _ := newTestManager(t)
	m.EnsureConversation("a1", "sys")
	m.SetContextWindow("a1", 100)

	// Default ratio is 1/3 token per rune: 12 entries of 30 runes plus the
	// system entry estimate well past the 90-token trigger.
	fillHistory(m, "a1", 11, 30)
	m.Append("a1", llm.Message{Role: "user", Content: "newest-entry-survives-slide-xx"})

	dropped := m.SlideWindowIfNeeded("a1", SlideOptions{KeepRatio: 0.7})
	if dropped == 0 {
		t.Fatal("expected entries to be dropped")
	}

	hist := m.History("a1")
	if hist[0].Role != "system" {
		t.Error("system entry must survive sliding")
	}
	if hist[len(hist)-1].Content != "newest-entry-survives-slide-xx" {
		t.Error("newest entry must survive sliding")
	}
	if len(hist) != 13-dropped {
		t.Errorf("count = %d, want %d", len(hist), 13-dropped)
	}

	target := int(0.7 * 100)
	if est := m.EstimateTokens("a1"); est > target {
		t.Errorf("estimate after slide = %d, want <= %d", est, target)
	}
}

// TestSlideWindow_ForceSlidesBelowTrigger verifies the context_length
// recovery path: Force slides even when the estimate is under the trigger.
func TestSlideWindow_ForceSlidesBelowTrigger(t *testing.T) {
	m, _ := newTestManager(t)
	m.EnsureConversation("a1", "sys")
	m.SetContextWindow("a1", 100)

	// ~213 runes ≈ 72 tokens: below the 90-token trigger, above a 0.5
	// keep target of 50.
	fillHistory(m, "a1", 7, 30)

	if dropped := m.SlideWindowIfNeeded("a1", SlideOptions{KeepRatio: 0.5}); dropped != 0 {
		t.Fatalf("non-forced slide dropped %d entries below trigger", dropped)
	}

	dropped := m.SlideWindowIfNeeded("a1", SlideOptions{KeepRatio: 0.5, Force: true})
	if dropped == 0 {
		t.Fatal("forced slide dropped nothing")
	}
	if est := m.EstimateTokens("a1"); est > 50 {
		t.Errorf("estimate after forced slide = %d, want <= 50", est)
	}
}

// TestSlideWindow_RepairsCutToolRounds verifies that a slide that removes
// an assistant tool_call entry also cleans up its now-orphaned results.
func TestSlideWindow_RepairsCutToolRounds(t *testing.T) {
	m, _ := newTestManager(t)
	m.EnsureConversation("a1", "sys")
	m.SetContextWindow("a1", 100)

	m.Append("a1", llm.Message{Role: "user", Content: strings.Repeat("a", 100)})
	m.Append("a1", llm.Message{Role: "assistant", ToolCalls: []llm.ToolCall{{ID: "c1", Name: "list_org", Arguments: "{}"}}})
	m.Append("a1", llm.Message{Role: "tool", Content: strings.Repeat("r", 30), ToolCallID: "c1"})
	for i := 0; i < 5; i++ {
		m.Append("a1", llm.Message{Role: "user", Content: strings.Repeat("u", 20)})
	}

	// The first chunk (9 droppable entries → 2) removes the user entry and
	// the assistant carrying c1; repair must then drop the orphaned c1
	// result instead of leaving it at the history start.
	if dropped := m.SlideWindowIfNeeded("a1", SlideOptions{KeepRatio: 0.5, Force: true}); dropped != 2 {
		t.Fatalf("dropped = %d, want 2", dropped)
	}

	hist := m.History("a1")
	if len(hist) != 6 {
		t.Fatalf("count after repair = %d, want 6: %+v", len(hist), hist)
	}
	for _, msg := range hist {
		if msg.Role == "tool" {
			t.Errorf("orphaned tool entry survived the slide: %+v", msg)
		}
	}
}

// TestEstimator_CalibratesFromObservations verifies the smoothing and
// clamping behavior of the tokens-per-rune ratio.
func TestEstimator_CalibratesFromObservations(t *testing.T) {
	m, _ := newTestManager(t)
	m.EnsureConversation("a1", strings.Repeat("s", 300))

	// Uncalibrated: default 1/3 token per rune over 300 runes.
	if est := m.EstimateTokens("a1"); est < 100 || est > 101 {
		t.Errorf("default estimate = %d, want ~100", est)
	}

	// First observation replaces the default outright.
	m.UpdatePromptTokenEstimator("a1", 1000, 500)
	if est := m.EstimateTokens("a1"); est != 151 {
		t.Errorf("estimate after first observation = %d, want 151", est)
	}

	// Later observations are smoothed 70/30: ratio ≈ 0.7*0.5 + 0.3*0.1.
	m.UpdatePromptTokenEstimator("a1", 1000, 100)
	if est := m.EstimateTokens("a1"); est < 113 || est > 116 {
		t.Errorf("estimate after smoothing = %d, want ~115", est)
	}

	// Pathological observations clamp at 2.0 tokens per rune.
	m.UpdatePromptTokenEstimator("a1", 10, 10000)
	if est := m.EstimateTokens("a1"); est != 601 {
		t.Errorf("estimate after clamp = %d, want 601", est)
	}

	// Garbage observations are ignored.
	m.UpdatePromptTokenEstimator("a1", 0, 50)
	m.UpdatePromptTokenEstimator("a1", 50, 0)
	if est := m.EstimateTokens("a1"); est != 601 {
		t.Errorf("estimate changed on garbage observation: %d", est)
	}
}

// TestHistoryRunes verifies that tool call names and raw arguments count
// toward the prompt size.
func TestHistoryRunes(t *testing.T) {
	msgs := []llm.Message{
		{Role: "system", Content: "abcde"},                  // 5
		{Role: "assistant", ToolCalls: []llm.ToolCall{{Name: "абв", Arguments: `{"k":1}`}}}, // 3 + 7
		{Role: "tool", Content: "xy"},                       // 2
	}
	if got := HistoryRunes(msgs); got != 17 {
		t.Errorf("HistoryRunes = %d, want 17", got)
	}
}

// TestGetContextStatus verifies the ok/near/exceeded ladder and that
// observed prompt tokens win over the estimate when they are larger.
func TestGetContextStatus(t *testing.T) {
	m, _ := newTestManager(t)
	m.EnsureConversation("a1", strings.Repeat("s", 300))
	m.SetContextWindow("a1", 1000)
	m.UpdatePromptTokenEstimator("a1", 1000, 500) // ratio 0.5 → estimate 151

	cs := m.GetContextStatus("a1")
	if cs.Status != StatusOK || cs.UsedTokens != 151 {
		t.Errorf("status = %+v, want ok/151", cs)
	}
	if note := m.BuildContextStatusPrompt("a1"); note != "" {
		t.Errorf("unexpected context note: %q", note)
	}

	// Observed prompt usage larger than the estimate takes over.
	m.UpdateTokenUsage("a1", &llm.Usage{PromptTokens: 850})
	cs = m.GetContextStatus("a1")
	if cs.Status != StatusNear || cs.UsedTokens != 850 {
		t.Errorf("status = %+v, want near/850", cs)
	}
	if note := m.BuildContextStatusPrompt("a1"); note == "" {
		t.Error("expected a near-window context note")
	}

	m.SetContextWindow("a1", 800)
	cs = m.GetContextStatus("a1")
	if cs.Status != StatusExceeded {
		t.Errorf("status = %+v, want exceeded", cs)
	}
	if note := m.BuildContextStatusPrompt("a1"); note == "" {
		t.Error("expected an exceeded context note")
	}
}
