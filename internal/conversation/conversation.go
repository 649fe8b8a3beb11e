// Package conversation owns the per-agent message logs: system prompt
// seeding, window sliding, token estimation and atomic persistence under
// the conversations directory. The turn engine is the sole writer.
package conversation

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/goswarm/internal/clock"
	"github.com/nextlevelbuilder/goswarm/internal/fsatomic"
	"github.com/nextlevelbuilder/goswarm/internal/llm"
)

// DefaultContextWindow applies until a service config sets a real one.
const DefaultContextWindow = 128000

// Conversation is the on-disk shape of conversations/<agentId>.json.
type Conversation struct {
	AgentID    string        `json:"agentId"`
	Messages   []llm.Message `json:"messages"`
	TokenUsage *llm.Usage    `json:"tokenUsage,omitempty"`
	UpdatedAt  clock.Stamp   `json:"updatedAt"`
}

type convState struct {
	conv          *Conversation
	ratio         float64 // smoothed tokens per rune
	calibrated    bool
	contextWindow int
	persisting    bool
	dirty         bool
}

// Manager keeps conversations in memory and mirrors them to disk with
// one coalesced writer per agent.
type Manager struct {
	mu     sync.RWMutex
	dir    string
	clock  clock.Clock
	states map[string]*convState
	wg     sync.WaitGroup
}

// NewManager creates the conversations directory if needed.
func NewManager(dir string, c clock.Clock) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create conversations dir: %w", err)
	}
	return &Manager{dir: dir, clock: c, states: make(map[string]*convState)}, nil
}

// EnsureConversation loads or creates the agent's conversation and makes
// the first entry the current system prompt. A changed prompt is
// replaced in place; history after it survives.
func (m *Manager) EnsureConversation(agentID, systemPrompt string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.states[agentID]
	if st == nil {
		st = &convState{
			ratio:         defaultTokensPerRune,
			contextWindow: DefaultContextWindow,
			conv:          m.loadLocked(agentID),
		}
		m.states[agentID] = st
	}

	msgs := st.conv.Messages
	switch {
	case len(msgs) == 0:
		st.conv.Messages = []llm.Message{{Role: "system", Content: systemPrompt}}
	case msgs[0].Role != "system":
		st.conv.Messages = append([]llm.Message{{Role: "system", Content: systemPrompt}}, msgs...)
	case msgs[0].Content != systemPrompt:
		msgs[0].Content = systemPrompt
	default:
		return
	}
	st.conv.UpdatedAt = clock.Now(m.clock)
	m.persistAsyncLocked(agentID, st)
}

// loadLocked reads the agent's file, repairing tool pairing broken by an
// interrupted process. Unreadable files start a fresh conversation.
func (m *Manager) loadLocked(agentID string) *Conversation {
	conv := &Conversation{AgentID: agentID}
	data, err := os.ReadFile(m.filePath(agentID))
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("conversation unreadable, starting fresh", "agent", agentID, "error", err)
		}
		return conv
	}
	if err := json.Unmarshal(data, conv); err != nil {
		slog.Warn("conversation unparseable, starting fresh", "agent", agentID, "error", err)
		return &Conversation{AgentID: agentID}
	}
	conv.AgentID = agentID
	conv.Messages = repairToolPairing(conv.Messages)
	return conv
}

// Append adds one entry. Single-writer contract: only the turn engine
// appends.
func (m *Manager) Append(agentID string, msg llm.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.states[agentID]
	if st == nil {
		slog.Warn("append to unensured conversation dropped", "agent", agentID)
		return
	}
	st.conv.Messages = append(st.conv.Messages, msg)
	st.conv.UpdatedAt = clock.Now(m.clock)
	m.persistAsyncLocked(agentID, st)
}

// History returns a copy of the agent's entries.
func (m *Manager) History(agentID string) []llm.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := m.states[agentID]
	if st == nil {
		return nil
	}
	out := make([]llm.Message, len(st.conv.Messages))
	copy(out, st.conv.Messages)
	return out
}

// MessageCount returns the number of entries including the system one.
func (m *Manager) MessageCount(agentID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if st := m.states[agentID]; st != nil {
		return len(st.conv.Messages)
	}
	return 0
}

// SetContextWindow records the model window used for status and sliding.
func (m *Manager) SetContextWindow(agentID string, maxTokens int) {
	if maxTokens <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if st := m.states[agentID]; st != nil {
		st.contextWindow = maxTokens
	}
}

// UpdateTokenUsage replaces the last known usage.
func (m *Manager) UpdateTokenUsage(agentID string, usage *llm.Usage) {
	if usage == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.states[agentID]
	if st == nil {
		return
	}
	copied := *usage
	st.conv.TokenUsage = &copied
	m.persistAsyncLocked(agentID, st)
}

// TokenUsage returns the last known usage, nil when none observed.
func (m *Manager) TokenUsage(agentID string) *llm.Usage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := m.states[agentID]
	if st == nil || st.conv.TokenUsage == nil {
		return nil
	}
	copied := *st.conv.TokenUsage
	return &copied
}

// Persist writes the conversation synchronously, for shutdown and tests.
func (m *Manager) Persist(agentID string) error {
	data, path := m.snapshot(agentID)
	if data == nil {
		return nil
	}
	return fsatomic.WriteFile(path, data, 0o644)
}

// Flush waits for in-flight writers and persists everything once more.
func (m *Manager) Flush() error {
	m.wg.Wait()
	m.mu.RLock()
	ids := make([]string, 0, len(m.states))
	for id := range m.states {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var firstErr error
	for _, id := range ids {
		if err := m.Persist(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// persistAsyncLocked starts (or marks dirty) the agent's coalesced
// writer. Writes requested while one runs collapse into a single
// follow-up write of the latest snapshot.
func (m *Manager) persistAsyncLocked(agentID string, st *convState) {
	if st.persisting {
		st.dirty = true
		return
	}
	st.persisting = true
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			data, path := m.snapshot(agentID)
			if data != nil {
				if err := fsatomic.WriteFile(path, data, 0o644); err != nil {
					slog.Warn("conversation persist failed", "agent", agentID, "error", err)
				}
			}
			m.mu.Lock()
			if !st.dirty {
				st.persisting = false
				m.mu.Unlock()
				return
			}
			st.dirty = false
			m.mu.Unlock()
		}
	}()
}

func (m *Manager) snapshot(agentID string) ([]byte, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := m.states[agentID]
	if st == nil {
		return nil, ""
	}
	data, err := json.MarshalIndent(st.conv, "", "  ")
	if err != nil {
		slog.Error("conversation marshal failed", "agent", agentID, "error", err)
		return nil, ""
	}
	return data, m.filePath(agentID)
}

func (m *Manager) filePath(agentID string) string {
	return filepath.Join(m.dir, sanitizeFilename(agentID)+".json")
}

// sanitizeFilename keeps ids filesystem-safe.
func sanitizeFilename(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := b.String()
	if out == "" || strings.Trim(out, ".") == "" {
		return "_"
	}
	return out
}
