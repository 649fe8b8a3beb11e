package tools

import (
	"context"
	"strings"

	"github.com/nextlevelbuilder/goswarm/internal/org"
)

// OrgService is the slice of runtime behavior the org tools drive.
// Terminations go through the runtime rather than the store so in-flight
// work and queued messages of affected agents are also stopped.
type OrgService interface {
	CreateRole(name, rolePrompt, orgPrompt, createdBy, llmServiceID string, toolGroups []string) (*org.Role, error)
	CreateAgent(roleID, parentAgentID, name string) (*org.Agent, error)
	SetAgentName(agentID, name string) (*org.Agent, error)
	TerminateAgent(agentID, terminatedBy, reason string) ([]string, error)
}

func argString(args map[string]interface{}, key string) string {
	v, _ := args[key].(string)
	return strings.TrimSpace(v)
}

func argStringSlice(args map[string]interface{}, key string) []string {
	raw, ok := args[key].([]interface{})
	if !ok {
		return nil
	}
	var out []string
	for _, item := range raw {
		if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimSpace(s))
		}
	}
	return out
}

// ============================================================
// create_role
// ============================================================

type CreateRoleTool struct {
	svc OrgService
}

func NewCreateRoleTool(svc OrgService) *CreateRoleTool { return &CreateRoleTool{svc: svc} }

func (t *CreateRoleTool) Name() string { return "create_role" }

func (t *CreateRoleTool) Description() string {
	return "Define a reusable role (job description) that agents can be spawned from. Returns the existing role unchanged if the name is already taken."
}

func (t *CreateRoleTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"name": map[string]interface{}{
				"type":        "string",
				"description": "Unique human-readable role name",
			},
			"role_prompt": map[string]interface{}{
				"type":        "string",
				"description": "System prompt describing the role's job and working style",
			},
			"org_prompt": map[string]interface{}{
				"type":        "string",
				"description": "Optional note about how the role fits into the organization",
			},
			"llm_service_id": map[string]interface{}{
				"type":        "string",
				"description": "Optional LLM service id from configuration; defaults to the runtime default",
			},
			"tool_groups": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Optional tool group ids granted to agents of this role; omit for the default set",
			},
		},
		"required": []string{"name", "role_prompt"},
	}
}

func (t *CreateRoleTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	name := argString(args, "name")
	rolePrompt := argString(args, "role_prompt")
	if name == "" {
		return ErrorResult("name is required")
	}
	if rolePrompt == "" {
		return ErrorResult("role_prompt is required")
	}

	role, err := t.svc.CreateRole(name, rolePrompt, argString(args, "org_prompt"),
		CallerFromCtx(ctx), argString(args, "llm_service_id"), argStringSlice(args, "tool_groups"))
	if err != nil {
		return ErrorResult("create role failed").WithError(err)
	}
	return NewResult(map[string]interface{}{
		"roleId":     role.RoleID,
		"name":       role.Name,
		"toolGroups": role.ToolGroups,
	})
}

// ============================================================
// create_agent
// ============================================================

type CreateAgentTool struct {
	svc OrgService
}

func NewCreateAgentTool(svc OrgService) *CreateAgentTool { return &CreateAgentTool{svc: svc} }

func (t *CreateAgentTool) Name() string { return "create_agent" }

func (t *CreateAgentTool) Description() string {
	return "Spawn a new agent from an existing role. The new agent reports to you; message it with send_message using the returned agent id."
}

func (t *CreateAgentTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"role_id": map[string]interface{}{
				"type":        "string",
				"description": "Role id from create_role or list_org",
			},
			"name": map[string]interface{}{
				"type":        "string",
				"description": "Optional display name for the agent",
			},
		},
		"required": []string{"role_id"},
	}
}

func (t *CreateAgentTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	roleID := argString(args, "role_id")
	if roleID == "" {
		return ErrorResult("role_id is required")
	}
	caller := CallerFromCtx(ctx)
	if caller == "" {
		return ErrorResult("caller identity missing")
	}

	agent, err := t.svc.CreateAgent(roleID, caller, argString(args, "name"))
	if err != nil {
		return ErrorResult("create agent failed").WithError(err)
	}
	return NewResult(map[string]interface{}{
		"agentId": agent.AgentID,
		"roleId":  agent.RoleID,
		"name":    agent.Name,
	})
}

// ============================================================
// terminate_agent
// ============================================================

type TerminateAgentTool struct {
	svc OrgService
}

func NewTerminateAgentTool(svc OrgService) *TerminateAgentTool {
	return &TerminateAgentTool{svc: svc}
}

func (t *TerminateAgentTool) Name() string { return "terminate_agent" }

func (t *TerminateAgentTool) Description() string {
	return "Terminate an agent and all agents reporting to it, transitively. Conversations are kept for review; the agents stop receiving work."
}

func (t *TerminateAgentTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"agent_id": map[string]interface{}{
				"type":        "string",
				"description": "Agent to terminate",
			},
			"reason": map[string]interface{}{
				"type":        "string",
				"description": "Optional reason recorded in the audit log",
			},
		},
		"required": []string{"agent_id"},
	}
}

func (t *TerminateAgentTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	agentID := argString(args, "agent_id")
	if agentID == "" {
		return ErrorResult("agent_id is required")
	}

	affected, err := t.svc.TerminateAgent(agentID, CallerFromCtx(ctx), argString(args, "reason"))
	if err != nil {
		return ErrorResult("terminate failed").WithError(err)
	}
	return NewResult(map[string]interface{}{
		"status":         "terminated",
		"agentId":        agentID,
		"affectedAgents": affected,
	})
}

// ============================================================
// set_agent_name
// ============================================================

type SetAgentNameTool struct {
	svc OrgService
}

func NewSetAgentNameTool(svc OrgService) *SetAgentNameTool { return &SetAgentNameTool{svc: svc} }

func (t *SetAgentNameTool) Name() string { return "set_agent_name" }

func (t *SetAgentNameTool) Description() string {
	return "Set or clear an agent's display name. Pass an empty name to clear it."
}

func (t *SetAgentNameTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"agent_id": map[string]interface{}{
				"type":        "string",
				"description": "Agent to rename",
			},
			"name": map[string]interface{}{
				"type":        "string",
				"description": "New display name; empty clears the name",
			},
		},
		"required": []string{"agent_id"},
	}
}

func (t *SetAgentNameTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	agentID := argString(args, "agent_id")
	if agentID == "" {
		return ErrorResult("agent_id is required")
	}
	name, _ := args["name"].(string)

	agent, err := t.svc.SetAgentName(agentID, name)
	if err != nil {
		return ErrorResult("set name failed").WithError(err)
	}
	return NewResult(map[string]interface{}{
		"agentId": agent.AgentID,
		"name":    agent.Name,
	})
}

// ============================================================
// list_org
// ============================================================

type ListOrgTool struct {
	org *org.Store
}

func NewListOrgTool(o *org.Store) *ListOrgTool { return &ListOrgTool{org: o} }

func (t *ListOrgTool) Name() string { return "list_org" }

func (t *ListOrgTool) Description() string {
	return "List all roles and agents in the organization, including reporting lines and statuses."
}

func (t *ListOrgTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

func (t *ListOrgTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	roles := t.org.Roles()
	agents := t.org.Agents()

	roleOut := make([]map[string]interface{}, 0, len(roles))
	for _, r := range roles {
		roleOut = append(roleOut, map[string]interface{}{
			"roleId": r.RoleID,
			"name":   r.Name,
			"status": r.Status,
		})
	}
	agentOut := make([]map[string]interface{}, 0, len(agents))
	for _, a := range agents {
		agentOut = append(agentOut, map[string]interface{}{
			"agentId":       a.AgentID,
			"name":          a.Name,
			"roleId":        a.RoleID,
			"parentAgentId": a.ParentAgentID,
			"status":        a.Status,
		})
	}

	return NewResult(map[string]interface{}{
		"roles":  roleOut,
		"agents": agentOut,
	})
}
