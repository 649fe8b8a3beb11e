package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/nextlevelbuilder/goswarm/internal/llm"
	"github.com/nextlevelbuilder/goswarm/internal/org"
	"github.com/nextlevelbuilder/goswarm/internal/store"
	"github.com/nextlevelbuilder/goswarm/pkg/protocol"
)

// MethodRouter dispatches request frames to the runtime facade.
type MethodRouter struct {
	server *Server
}

// NewMethodRouter creates the router bound to its server.
func NewMethodRouter(s *Server) *MethodRouter {
	return &MethodRouter{server: s}
}

// Handle runs one RPC and returns its response frame. connect is exempt
// from auth and rate limiting; health is exempt from rate limiting.
func (r *MethodRouter) Handle(ctx context.Context, c *Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
	if req.Method == protocol.MethodConnect {
		return r.handleConnect(c, req)
	}
	if !c.Authed() {
		return protocol.NewErrorResponse(req.ID, protocol.ErrCodeUnauthorized, "connect with a valid token first")
	}
	if req.Method != protocol.MethodHealth && !r.server.rateLimiter.Allow(c.id) {
		return protocol.NewErrorResponse(req.ID, protocol.ErrCodeRateLimited, "rate limit exceeded, slow down")
	}

	switch req.Method {
	case protocol.MethodHealth:
		return protocol.NewResponse(req.ID, map[string]interface{}{
			"status":   "ok",
			"protocol": protocol.ProtocolVersion,
		})

	case protocol.MethodOrgSubmit:
		return r.handleSubmit(req)

	case protocol.MethodAgentSend:
		return r.handleSend(req)

	case protocol.MethodOrgAgents:
		return protocol.NewResponse(req.ID, r.server.rt.Agents())

	case protocol.MethodOrgRoles:
		return protocol.NewResponse(req.ID, r.server.rt.Roles())

	case protocol.MethodOrgTree:
		return protocol.NewResponse(req.ID, r.server.rt.OrgTree())

	case protocol.MethodAgentSetName:
		return r.handleSetName(req)

	case protocol.MethodAgentTerminate:
		return r.handleTerminate(req)

	case protocol.MethodAgentAbort:
		return r.handleAbort(req)

	case protocol.MethodRoleDelete:
		return r.handleDeleteRole(req)

	case protocol.MethodConversationGet:
		return r.handleConversation(req)

	case protocol.MethodMessagesHistory:
		return r.handleHistory(ctx, req)

	case protocol.MethodGroupsList:
		return protocol.NewResponse(req.ID, r.server.rt.Groups())

	case protocol.MethodSchedulesList:
		return protocol.NewResponse(req.ID, r.server.rt.Schedules())

	default:
		return protocol.NewErrorResponse(req.ID, protocol.ErrCodeUnknownMethod, fmt.Sprintf("unknown method %q", req.Method))
	}
}

func (r *MethodRouter) handleConnect(c *Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
	var params struct {
		Token string `json:"token"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.ErrCodeInvalidParams, "malformed connect params")
		}
	}

	token := r.server.cfg.Gateway.Token
	if token != "" && params.Token != token {
		return protocol.NewErrorResponse(req.ID, protocol.ErrCodeUnauthorized, "invalid token")
	}

	c.setAuthed()
	return protocol.NewResponse(req.ID, map[string]interface{}{
		"protocol": protocol.ProtocolVersion,
	})
}

func (r *MethodRouter) handleSubmit(req *protocol.RequestFrame) *protocol.ResponseFrame {
	var params struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Text == "" {
		return protocol.NewErrorResponse(req.ID, protocol.ErrCodeInvalidParams, "text is required")
	}
	if res := r.checkLength(req.ID, params.Text); res != nil {
		return res
	}

	taskID, err := r.server.rt.SubmitRequirement(params.Text)
	if err != nil {
		return errorResponse(req.ID, err)
	}
	return protocol.NewResponse(req.ID, map[string]string{"taskId": taskID})
}

func (r *MethodRouter) handleSend(req *protocol.RequestFrame) *protocol.ResponseFrame {
	var params struct {
		AgentID     string           `json:"agentId"`
		Text        string           `json:"text"`
		TaskID      string           `json:"taskId"`
		Attachments []llm.Attachment `json:"attachments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.AgentID == "" || params.Text == "" {
		return protocol.NewErrorResponse(req.ID, protocol.ErrCodeInvalidParams, "agentId and text are required")
	}
	if res := r.checkLength(req.ID, params.Text); res != nil {
		return res
	}

	sent, err := r.server.rt.SendToAgent(params.AgentID, params.Text, params.Attachments, params.TaskID)
	if err != nil {
		return errorResponse(req.ID, err)
	}
	return protocol.NewResponse(req.ID, sent)
}

func (r *MethodRouter) handleSetName(req *protocol.RequestFrame) *protocol.ResponseFrame {
	var params struct {
		AgentID string `json:"agentId"`
		Name    string `json:"name"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.AgentID == "" || params.Name == "" {
		return protocol.NewErrorResponse(req.ID, protocol.ErrCodeInvalidParams, "agentId and name are required")
	}

	agent, err := r.server.rt.SetAgentName(params.AgentID, params.Name)
	if err != nil {
		return errorResponse(req.ID, err)
	}
	return protocol.NewResponse(req.ID, agent)
}

func (r *MethodRouter) handleTerminate(req *protocol.RequestFrame) *protocol.ResponseFrame {
	var params struct {
		AgentID string `json:"agentId"`
		Reason  string `json:"reason"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.AgentID == "" {
		return protocol.NewErrorResponse(req.ID, protocol.ErrCodeInvalidParams, "agentId is required")
	}

	terminated, err := r.server.rt.TerminateAgent(params.AgentID, org.UserAgentID, params.Reason)
	if err != nil {
		return errorResponse(req.ID, err)
	}
	return protocol.NewResponse(req.ID, map[string]interface{}{
		"terminatedAgentIds": terminated,
	})
}

func (r *MethodRouter) handleAbort(req *protocol.RequestFrame) *protocol.ResponseFrame {
	var params struct {
		AgentID string `json:"agentId"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.AgentID == "" {
		return protocol.NewErrorResponse(req.ID, protocol.ErrCodeInvalidParams, "agentId is required")
	}

	aborted := r.server.rt.AbortAgent(params.AgentID)
	return protocol.NewResponse(req.ID, map[string]bool{"aborted": aborted})
}

func (r *MethodRouter) handleDeleteRole(req *protocol.RequestFrame) *protocol.ResponseFrame {
	var params struct {
		RoleID string `json:"roleId"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.RoleID == "" {
		return protocol.NewErrorResponse(req.ID, protocol.ErrCodeInvalidParams, "roleId is required")
	}

	result, err := r.server.rt.DeleteRole(params.RoleID, org.UserAgentID, params.Reason)
	if err != nil {
		return errorResponse(req.ID, err)
	}
	return protocol.NewResponse(req.ID, result)
}

func (r *MethodRouter) handleConversation(req *protocol.RequestFrame) *protocol.ResponseFrame {
	var params struct {
		AgentID string `json:"agentId"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.AgentID == "" {
		return protocol.NewErrorResponse(req.ID, protocol.ErrCodeInvalidParams, "agentId is required")
	}
	return protocol.NewResponse(req.ID, r.server.rt.Conversation(params.AgentID))
}

func (r *MethodRouter) handleHistory(ctx context.Context, req *protocol.RequestFrame) *protocol.ResponseFrame {
	var params struct {
		AgentID string `json:"agentId"`
		Limit   int    `json:"limit"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.AgentID == "" {
		return protocol.NewErrorResponse(req.ID, protocol.ErrCodeInvalidParams, "agentId is required")
	}
	if params.Limit <= 0 {
		params.Limit = store.DefaultHistoryLimit
	}

	msgs, err := r.server.rt.MessageHistory(ctx, params.AgentID, params.Limit)
	if err != nil {
		return errorResponse(req.ID, err)
	}
	return protocol.NewResponse(req.ID, msgs)
}

// checkLength rejects texts beyond the configured char budget.
func (r *MethodRouter) checkLength(reqID, text string) *protocol.ResponseFrame {
	max := r.server.cfg.Gateway.MaxMessageChars
	if max > 0 && utf8.RuneCountInString(text) > max {
		return protocol.NewErrorResponse(reqID, protocol.ErrCodeInvalidParams,
			fmt.Sprintf("message exceeds %d characters", max))
	}
	return nil
}

// errorResponse maps runtime errors onto response frames, preserving org
// error codes when present.
func errorResponse(reqID string, err error) *protocol.ResponseFrame {
	var coded *org.Error
	if errors.As(err, &coded) {
		return protocol.NewErrorResponse(reqID, coded.Code, err.Error())
	}
	return protocol.NewErrorResponse(reqID, protocol.ErrCodeInternal, err.Error())
}
