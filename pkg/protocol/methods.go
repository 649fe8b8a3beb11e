package protocol

// RPC method names.
const (
	// Handshake. Must be the first frame on a connection when the
	// gateway has a token configured.
	MethodConnect = "connect"

	// System
	MethodHealth = "health"

	// Work intake
	MethodOrgSubmit = "org.submit"
	MethodAgentSend = "agent.send"

	// Org reads
	MethodOrgAgents = "org.agents"
	MethodOrgRoles  = "org.roles"
	MethodOrgTree   = "org.tree"

	// Org mutations
	MethodAgentSetName   = "agent.set_name"
	MethodAgentTerminate = "agent.terminate"
	MethodAgentAbort     = "agent.abort"
	MethodRoleDelete     = "role.delete"

	// Inspection
	MethodConversationGet = "conversation.get"
	MethodMessagesHistory = "messages.history"
	MethodGroupsList      = "groups.list"
	MethodSchedulesList   = "schedules.list"
)

// Error codes carried in ResponseFrame.Error.Code.
const (
	ErrCodeUnauthorized  = "unauthorized"
	ErrCodeRateLimited   = "rate_limited"
	ErrCodeInvalidParams = "invalid_params"
	ErrCodeUnknownMethod = "unknown_method"
	ErrCodeInternal      = "internal"
)
