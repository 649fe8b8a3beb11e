package conversation

import (
	"fmt"
	"unicode/utf8"

	"github.com/nextlevelbuilder/goswarm/internal/llm"
)

// defaultTokensPerRune seeds the estimator before any real prompt usage
// is observed. Roughly one token per three runes holds across the models
// we target.
const defaultTokensPerRune = 1.0 / 3

const (
	StatusOK       = "ok"
	StatusNear     = "near"
	StatusExceeded = "exceeded"

	// nearThreshold is the share of the window at which the status
	// turns near and context notes start being injected.
	nearThreshold = 0.8
)

// ContextStatus describes how full an agent's context window is.
type ContextStatus struct {
	UsedTokens   int     `json:"usedTokens"`
	MaxTokens    int     `json:"maxTokens"`
	UsagePercent float64 `json:"usagePercent"`
	Status       string  `json:"status"`
}

// HistoryRunes counts the runes of a message slice that reach the wire:
// content plus tool call names and raw arguments.
func HistoryRunes(msgs []llm.Message) int {
	n := 0
	for i := range msgs {
		n += entryRunes(&msgs[i])
	}
	return n
}

func entryRunes(msg *llm.Message) int {
	n := utf8.RuneCountInString(msg.Content)
	for _, tc := range msg.ToolCalls {
		n += utf8.RuneCountInString(tc.Name) + utf8.RuneCountInString(tc.Arguments)
	}
	return n
}

// UpdatePromptTokenEstimator folds one observed prompt size into the
// smoothed tokens-per-rune ratio. promptRunes is the rune count of the
// request the observation belongs to.
func (m *Manager) UpdatePromptTokenEstimator(agentID string, promptRunes, observedPromptTokens int) {
	if promptRunes <= 0 || observedPromptTokens <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.states[agentID]
	if st == nil {
		return
	}

	observed := float64(observedPromptTokens) / float64(promptRunes)
	if st.calibrated {
		st.ratio = 0.7*st.ratio + 0.3*observed
	} else {
		st.ratio = observed
		st.calibrated = true
	}
	// Guard against pathological observations (empty prompts, provider
	// accounting quirks).
	if st.ratio < 0.05 {
		st.ratio = 0.05
	} else if st.ratio > 2.0 {
		st.ratio = 2.0
	}
}

// EstimateTokens predicts the prompt size of the agent's current
// history.
func (m *Manager) EstimateTokens(agentID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := m.states[agentID]
	if st == nil {
		return 0
	}
	return estimateLocked(st)
}

func estimateLocked(st *convState) int {
	return int(float64(HistoryRunes(st.conv.Messages))*st.ratio) + 1
}

// ContextWindow returns the window configured for the agent.
func (m *Manager) ContextWindow(agentID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if st := m.states[agentID]; st != nil {
		return st.contextWindow
	}
	return DefaultContextWindow
}

// GetContextStatus reports window occupancy. Observed prompt tokens win
// over the estimate when available.
func (m *Manager) GetContextStatus(agentID string) ContextStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := m.states[agentID]
	if st == nil {
		return ContextStatus{MaxTokens: DefaultContextWindow, Status: StatusOK}
	}

	used := estimateLocked(st)
	if st.conv.TokenUsage != nil && st.conv.TokenUsage.PromptTokens > used {
		used = st.conv.TokenUsage.PromptTokens
	}
	pct := float64(used) / float64(st.contextWindow)

	status := StatusOK
	switch {
	case pct >= 1.0:
		status = StatusExceeded
	case pct >= nearThreshold:
		status = StatusNear
	}
	return ContextStatus{
		UsedTokens:   used,
		MaxTokens:    st.contextWindow,
		UsagePercent: pct,
		Status:       status,
	}
}

// BuildContextStatusPrompt returns a short note for the next user entry
// when the window is filling up, empty otherwise.
func (m *Manager) BuildContextStatusPrompt(agentID string) string {
	cs := m.GetContextStatus(agentID)
	switch cs.Status {
	case StatusNear:
		return fmt.Sprintf("[context status] %d%% of the context window is in use (%d/%d tokens). Keep replies brief; older history may be dropped soon.",
			int(cs.UsagePercent*100), cs.UsedTokens, cs.MaxTokens)
	case StatusExceeded:
		return fmt.Sprintf("[context status] The context window is exceeded (%d/%d tokens). Oldest history will be dropped; state anything you must keep in your next reply.",
			cs.UsedTokens, cs.MaxTokens)
	default:
		return ""
	}
}
