// Package org holds the organizational state: roles, agents, termination
// records and contact registries, persisted as a single JSON document.
package org

import "github.com/nextlevelbuilder/goswarm/internal/clock"

const (
	RoleStatusActive  = "active"
	RoleStatusDeleted = "deleted"

	AgentStatusActive     = "active"
	AgentStatusTerminated = "terminated"
)

// Well-known identities. RootAgentID is the entry point for user
// requirements; UserAgentID is an endpoint that never runs LLM turns.
// Neither is persisted.
const (
	RootAgentID = "root"
	UserAgentID = "user"
)

// Role is a reusable agent template.
type Role struct {
	RoleID       string      `json:"roleId"`
	Name         string      `json:"name"`
	RolePrompt   string      `json:"rolePrompt"`
	OrgPrompt    string      `json:"orgPrompt,omitempty"`
	LlmServiceID string      `json:"llmServiceId,omitempty"`
	ToolGroups   []string    `json:"toolGroups,omitempty"` // absent ⇒ default set
	CreatedBy    string      `json:"createdBy,omitempty"`  // agentId, empty for user-created
	CreatedAt    clock.Stamp `json:"createdAt"`
	Status       string      `json:"status"`
	DeletedAt    clock.Stamp `json:"deletedAt,omitempty"`
	DeletedBy    string      `json:"deletedBy,omitempty"`
	DeleteReason string      `json:"deleteReason,omitempty"`
}

// Agent is a live (or terminated) instance of a role.
type Agent struct {
	AgentID       string      `json:"agentId"`
	RoleID        string      `json:"roleId"`
	ParentAgentID string      `json:"parentAgentId,omitempty"`
	Name          string      `json:"name,omitempty"`
	CreatedAt     clock.Stamp `json:"createdAt"`
	Status        string      `json:"status"`
	TerminatedAt  clock.Stamp `json:"terminatedAt,omitempty"`
}

// Termination is an append-only audit record. A cascade writes one record
// per affected agent, all sharing the cascade's timestamp.
type Termination struct {
	AgentID      string      `json:"agentId"`
	TerminatedBy string      `json:"terminatedBy"`
	Reason       string      `json:"reason,omitempty"`
	TerminatedAt clock.Stamp `json:"terminatedAt"`
}

// Contact records that an agent has exchanged messages with another agent,
// so prompts can list known correspondents.
type Contact struct {
	AgentID  string      `json:"agentId"`
	Name     string      `json:"name,omitempty"`
	RoleName string      `json:"roleName,omitempty"`
	AddedAt  clock.Stamp `json:"addedAt"`
}

// RolePatch is a partial role update. Nil fields stay unchanged; an empty
// ToolGroups slice normalizes to absent.
type RolePatch struct {
	RolePrompt   *string
	OrgPrompt    *string
	LlmServiceID *string
	ToolGroups   *[]string
}

// DeleteRoleResult summarizes a role deletion sweep.
type DeleteRoleResult struct {
	AffectedAgents []string `json:"affectedAgents"`
	AffectedRoles  []string `json:"affectedRoles"`
}

// document is the on-disk shape of org.json.
type document struct {
	Roles             []*Role              `json:"roles"`
	Agents            []*Agent             `json:"agents"`
	Terminations      []*Termination       `json:"terminations"`
	ContactRegistries map[string][]Contact `json:"contactRegistries"`
}

// IsSystemAgent reports whether id is one of the implicit identities.
func IsSystemAgent(id string) bool {
	return id == RootAgentID || id == UserAgentID
}

// IsSystemRole reports whether id names a synthetic role.
func IsSystemRole(id string) bool {
	return id == RootAgentID || id == UserAgentID
}
