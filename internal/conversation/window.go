package conversation

import (
	"log/slog"

	"github.com/nextlevelbuilder/goswarm/internal/clock"
	"github.com/nextlevelbuilder/goswarm/internal/llm"
)

// SlideOptions tunes SlideWindowIfNeeded. Zero values take the defaults.
type SlideOptions struct {
	// KeepRatio is the target share of the window after sliding.
	KeepRatio float64
	// MaxLoops caps drop iterations per call.
	MaxLoops int
	// Force slides even when the estimate is below the trigger, used
	// after a context_length error from the provider.
	Force bool
}

const (
	defaultKeepRatio = 0.7
	defaultMaxLoops  = 6

	// slideTrigger is the share of the window at which sliding kicks in.
	slideTrigger = 0.9
)

// SlideWindowIfNeeded drops oldest non-system entries until the
// predicted prompt fits KeepRatio of the window. Returns the number of
// dropped entries.
func (m *Manager) SlideWindowIfNeeded(agentID string, opts SlideOptions) int {
	if opts.KeepRatio <= 0 || opts.KeepRatio > 1 {
		opts.KeepRatio = defaultKeepRatio
	}
	if opts.MaxLoops <= 0 {
		opts.MaxLoops = defaultMaxLoops
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.states[agentID]
	if st == nil {
		return 0
	}

	estimate := estimateLocked(st)
	if !opts.Force && float64(estimate) < slideTrigger*float64(st.contextWindow) {
		return 0
	}
	target := int(opts.KeepRatio * float64(st.contextWindow))

	dropped := 0
	for loop := 0; loop < opts.MaxLoops && estimate > target; loop++ {
		n := dropOldestChunk(st)
		if n == 0 {
			break
		}
		dropped += n
		estimate = estimateLocked(st)
	}
	if dropped == 0 && !opts.Force {
		return 0
	}
	if dropped > 0 {
		st.conv.Messages = repairToolPairing(st.conv.Messages)
		st.conv.UpdatedAt = clock.Now(m.clock)
		slog.Info("conversation window slid", "agent", agentID,
			"dropped", dropped, "estimate", estimate, "target", target)
		m.persistAsyncLocked(agentID, st)
	}
	return dropped
}

// dropOldestChunk removes the oldest quarter of non-system entries, at
// least one. The system entry always survives.
func dropOldestChunk(st *convState) int {
	msgs := st.conv.Messages
	first := 0
	if len(msgs) > 0 && msgs[0].Role == "system" {
		first = 1
	}
	droppable := len(msgs) - first
	if droppable <= 1 {
		return 0
	}
	n := droppable / 4
	if n < 1 {
		n = 1
	}
	// Never drop the newest entry.
	if n >= droppable {
		n = droppable - 1
	}
	st.conv.Messages = append(msgs[:first], msgs[first+n:]...)
	return n
}

// repairToolPairing enforces the pairing invariant: every assistant
// tool_call is answered by a matching tool entry before the next
// assistant message. Orphan tool entries are dropped, missing results
// synthesized with an error body.
func repairToolPairing(msgs []llm.Message) []llm.Message {
	if len(msgs) == 0 {
		return msgs
	}

	var result []llm.Message
	i := 0
	if msgs[0].Role == "system" {
		result = append(result, msgs[0])
		i = 1
	}

	// Leading orphans appear after a slide cut through a tool round.
	for i < len(msgs) && msgs[i].Role == "tool" {
		slog.Warn("dropping orphaned tool entry at history start", "tool_call_id", msgs[i].ToolCallID)
		i++
	}

	for ; i < len(msgs); i++ {
		msg := msgs[i]

		if msg.Role == "assistant" && len(msg.ToolCalls) > 0 {
			expected := make(map[string]bool, len(msg.ToolCalls))
			order := make([]string, 0, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				expected[tc.ID] = true
				order = append(order, tc.ID)
			}
			result = append(result, msg)

			for i+1 < len(msgs) && msgs[i+1].Role == "tool" {
				i++
				toolMsg := msgs[i]
				if expected[toolMsg.ToolCallID] {
					result = append(result, toolMsg)
					delete(expected, toolMsg.ToolCallID)
				} else {
					slog.Warn("dropping mismatched tool result", "tool_call_id", toolMsg.ToolCallID)
				}
			}

			for _, id := range order {
				if !expected[id] {
					continue
				}
				slog.Warn("synthesizing missing tool result", "tool_call_id", id)
				result = append(result, llm.Message{
					Role:       "tool",
					Content:    `{"error":"tool result missing"}`,
					ToolCallID: id,
				})
			}
		} else if msg.Role == "tool" {
			slog.Warn("dropping orphaned tool entry mid-history", "tool_call_id", msg.ToolCallID)
		} else {
			result = append(result, msg)
		}
	}
	return result
}
