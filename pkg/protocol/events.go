package protocol

// Event names pushed from the gateway to connected clients. These mirror
// the runtime's internal event names one to one so a client can correlate
// them with archived messages.
const (
	EventBusSend     = "bus.send"
	EventBusDelayed  = "bus.delayed"
	EventToolCall    = "tool.call"
	EventToolResult  = "tool.result"
	EventError       = "error"
	EventLlmRetrying = "llm.retrying"
	EventUserMessage = "user.message"
	EventAgentStatus = "agent.status"
	EventShutdown    = "shutdown"
)
