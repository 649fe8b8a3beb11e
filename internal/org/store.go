package org

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goswarm/internal/clock"
	"github.com/nextlevelbuilder/goswarm/internal/fsatomic"
)

// Store keeps the org state in memory and mirrors every mutation to
// org.json. All methods are safe for concurrent use; returned values are
// copies.
type Store struct {
	mu           sync.RWMutex
	path         string
	clock        clock.Clock
	roles        map[string]*Role
	agents       map[string]*Agent
	terminations []*Termination
	contacts     map[string][]Contact
}

// New creates a store persisting to path and loads existing state. A
// document that cannot be parsed at all leaves the store empty.
func New(path string, c clock.Clock) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create org state dir: %w", err)
	}
	s := &Store{
		path:     path,
		clock:    c,
		roles:    make(map[string]*Role),
		agents:   make(map[string]*Agent),
		contacts: make(map[string][]Contact),
	}
	s.load()
	return s, nil
}

func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("org state unreadable, starting empty", "path", s.path, "error", err)
		}
		return
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		slog.Warn("org state unparseable, starting empty", "path", s.path, "error", err)
		return
	}

	for _, r := range doc.Roles {
		if r == nil || r.RoleID == "" || IsSystemRole(r.RoleID) {
			slog.Warn("dropping invalid role entry", "path", s.path)
			continue
		}
		if r.Status == "" {
			r.Status = RoleStatusActive
		}
		s.roles[r.RoleID] = r
	}
	for _, a := range doc.Agents {
		if a == nil || a.AgentID == "" || a.RoleID == "" || IsSystemAgent(a.AgentID) {
			slog.Warn("dropping invalid agent entry", "path", s.path)
			continue
		}
		if a.Status == "" {
			a.Status = AgentStatusActive
		}
		s.agents[a.AgentID] = a
	}
	s.terminations = append(s.terminations, doc.Terminations...)
	for owner, list := range doc.ContactRegistries {
		if owner == "" {
			continue
		}
		s.contacts[owner] = list
	}
}

// CreateRole registers a role. If a non-deleted role with the same name
// already exists it is returned unchanged.
func (s *Store) CreateRole(name, rolePrompt, orgPrompt, createdBy, llmServiceID string, toolGroups []string) (*Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("role name required")
	}

	s.mu.Lock()
	for _, r := range s.roles {
		if r.Status != RoleStatusDeleted && r.Name == name {
			out := cloneRole(r)
			s.mu.Unlock()
			return out, nil
		}
	}

	role := &Role{
		RoleID:       "role-" + uuid.NewString(),
		Name:         name,
		RolePrompt:   rolePrompt,
		OrgPrompt:    orgPrompt,
		LlmServiceID: llmServiceID,
		ToolGroups:   normalizeGroups(toolGroups),
		CreatedBy:    createdBy,
		CreatedAt:    clock.Now(s.clock),
		Status:       RoleStatusActive,
	}
	s.roles[role.RoleID] = role
	out := cloneRole(role)
	data := s.snapshotLocked()
	s.mu.Unlock()

	s.writeSnapshot(data)
	return out, nil
}

// UpdateRole applies a partial update. Absent fields stay unchanged.
func (s *Store) UpdateRole(roleID string, patch RolePatch) (*Role, error) {
	if IsSystemRole(roleID) {
		return nil, ErrCannotModifySystemRole
	}

	s.mu.Lock()
	role, ok := s.roles[roleID]
	if !ok {
		s.mu.Unlock()
		return nil, coded("role_not_found", "role %s not found", roleID)
	}
	if role.Status == RoleStatusDeleted {
		s.mu.Unlock()
		return nil, coded("role_already_deleted", "role %s already deleted", roleID)
	}

	if patch.RolePrompt != nil {
		role.RolePrompt = *patch.RolePrompt
	}
	if patch.OrgPrompt != nil {
		role.OrgPrompt = *patch.OrgPrompt
	}
	if patch.LlmServiceID != nil {
		role.LlmServiceID = *patch.LlmServiceID
	}
	if patch.ToolGroups != nil {
		role.ToolGroups = normalizeGroups(*patch.ToolGroups)
	}
	out := cloneRole(role)
	data := s.snapshotLocked()
	s.mu.Unlock()

	s.writeSnapshot(data)
	return out, nil
}

// CreateAgent spawns an agent bound to an active role under an existing
// parent. root is a valid parent; placeholders are rejected.
func (s *Store) CreateAgent(roleID, parentAgentID, name string) (*Agent, error) {
	parent := strings.TrimSpace(parentAgentID)
	switch strings.ToLower(parent) {
	case "", "null", "undefined":
		return nil, ErrInvalidParentAgentID
	}

	s.mu.Lock()
	role, ok := s.roles[roleID]
	if !ok {
		s.mu.Unlock()
		return nil, coded("role_not_found", "role %s not found", roleID)
	}
	if role.Status == RoleStatusDeleted {
		s.mu.Unlock()
		return nil, coded("role_already_deleted", "role %s already deleted", roleID)
	}
	if !IsSystemAgent(parent) {
		if _, ok := s.agents[parent]; !ok {
			s.mu.Unlock()
			return nil, coded("agent_not_found", "parent agent %s not found", parent)
		}
	}

	agent := &Agent{
		AgentID:       "agent-" + uuid.NewString(),
		RoleID:        roleID,
		ParentAgentID: parent,
		Name:          strings.TrimSpace(name),
		CreatedAt:     clock.Now(s.clock),
		Status:        AgentStatusActive,
	}
	s.agents[agent.AgentID] = agent
	out := cloneAgent(agent)
	data := s.snapshotLocked()
	s.mu.Unlock()

	s.writeSnapshot(data)
	return out, nil
}

// SetAgentName renames an agent. Blank collapses to no name.
func (s *Store) SetAgentName(agentID, name string) (*Agent, error) {
	if IsSystemAgent(agentID) {
		return nil, ErrCannotDeleteSystemAgent
	}

	s.mu.Lock()
	agent, ok := s.agents[agentID]
	if !ok {
		s.mu.Unlock()
		return nil, coded("agent_not_found", "agent %s not found", agentID)
	}
	agent.Name = strings.TrimSpace(name)
	out := cloneAgent(agent)
	data := s.snapshotLocked()
	s.mu.Unlock()

	s.writeSnapshot(data)
	return out, nil
}

// RecordTermination terminates an agent and every descendant. All records
// of the cascade share one timestamp; descendants' records name the
// directly terminated agent as terminator.
func (s *Store) RecordTermination(agentID, terminatedBy, reason string) (*Termination, error) {
	if IsSystemAgent(agentID) {
		return nil, ErrCannotDeleteSystemAgent
	}

	s.mu.Lock()
	agent, ok := s.agents[agentID]
	if !ok {
		s.mu.Unlock()
		return nil, coded("agent_not_found", "agent %s not found", agentID)
	}
	if agent.Status == AgentStatusTerminated {
		s.mu.Unlock()
		return nil, coded("agent_already_terminated", "agent %s already terminated", agentID)
	}

	at := clock.Now(s.clock)
	first := len(s.terminations)
	s.terminateCascadeLocked(agent, terminatedBy, reason, at, nil)
	rec := cloneTermination(s.terminations[first])
	data := s.snapshotLocked()
	s.mu.Unlock()

	s.writeSnapshot(data)
	return rec, nil
}

// terminateCascadeLocked flips the target and walks descendants in
// creation order. Every reached agent gets a record; status flips at most
// once. Flipped ids are appended to affected when non-nil.
func (s *Store) terminateCascadeLocked(target *Agent, terminatedBy, reason string, at clock.Stamp, affected *[]string) {
	target.Status = AgentStatusTerminated
	target.TerminatedAt = at
	s.terminations = append(s.terminations, &Termination{
		AgentID:      target.AgentID,
		TerminatedBy: terminatedBy,
		Reason:       reason,
		TerminatedAt: at,
	})
	if affected != nil {
		*affected = append(*affected, target.AgentID)
	}

	queue := s.childrenLocked(target.AgentID)
	for len(queue) > 0 {
		child := queue[0]
		queue = queue[1:]

		s.terminations = append(s.terminations, &Termination{
			AgentID:      child.AgentID,
			TerminatedBy: target.AgentID,
			Reason:       reason,
			TerminatedAt: at,
		})
		if child.Status == AgentStatusActive {
			child.Status = AgentStatusTerminated
			child.TerminatedAt = at
			if affected != nil {
				*affected = append(*affected, child.AgentID)
			}
		}
		queue = append(queue, s.childrenLocked(child.AgentID)...)
	}
}

// DeleteRole terminates every active agent bound to the role, sweeps
// child roles inferred from cross-role parent/child agent edges, then
// marks the role deleted.
func (s *Store) DeleteRole(roleID, deletedBy, reason string) (*DeleteRoleResult, error) {
	if IsSystemRole(roleID) {
		return nil, ErrCannotModifySystemRole
	}

	s.mu.Lock()
	role, ok := s.roles[roleID]
	if !ok {
		s.mu.Unlock()
		return nil, coded("role_not_found", "role %s not found", roleID)
	}
	if role.Status == RoleStatusDeleted {
		s.mu.Unlock()
		return nil, coded("role_already_deleted", "role %s already deleted", roleID)
	}

	at := clock.Now(s.clock)
	res := &DeleteRoleResult{}
	visited := make(map[string]bool)

	var sweep func(rid string)
	sweep = func(rid string) {
		r, ok := s.roles[rid]
		if !ok || r.Status == RoleStatusDeleted || visited[rid] {
			return
		}
		visited[rid] = true

		// Child edges computed before termination flips statuses.
		children := s.childRoleIDsLocked(rid)

		for _, a := range s.agentsOfRoleLocked(rid) {
			if a.Status == AgentStatusActive {
				s.terminateCascadeLocked(a, deletedBy, reason, at, &res.AffectedAgents)
			}
		}
		for _, child := range children {
			sweep(child)
		}

		r.Status = RoleStatusDeleted
		r.DeletedAt = at
		r.DeletedBy = deletedBy
		r.DeleteReason = reason
		res.AffectedRoles = append(res.AffectedRoles, rid)
	}
	sweep(roleID)

	data := s.snapshotLocked()
	s.mu.Unlock()

	s.writeSnapshot(data)
	return res, nil
}

// childRoleIDsLocked infers child roles of rid: roles of active agents
// whose parent agent is bound to rid.
func (s *Store) childRoleIDsLocked(rid string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, a := range s.agentsSortedLocked() {
		if a.RoleID == rid || a.Status != AgentStatusActive {
			continue
		}
		parent, ok := s.agents[a.ParentAgentID]
		if !ok || parent.RoleID != rid {
			continue
		}
		if r, ok := s.roles[a.RoleID]; ok && r.Status != RoleStatusDeleted && !seen[a.RoleID] {
			seen[a.RoleID] = true
			out = append(out, a.RoleID)
		}
	}
	return out
}

// AddContact records a correspondent for owner, replacing an existing
// entry for the same agent.
func (s *Store) AddContact(owner string, c Contact) {
	if owner == "" || c.AgentID == "" || owner == c.AgentID {
		return
	}
	s.mu.Lock()
	list := s.contacts[owner]
	replaced := false
	for i := range list {
		if list[i].AgentID == c.AgentID {
			if c.AddedAt.IsZero() {
				c.AddedAt = list[i].AddedAt
			}
			list[i] = c
			replaced = true
			break
		}
	}
	if !replaced {
		if c.AddedAt.IsZero() {
			c.AddedAt = clock.Now(s.clock)
		}
		list = append(list, c)
	}
	s.contacts[owner] = list
	data := s.snapshotLocked()
	s.mu.Unlock()

	s.writeSnapshot(data)
}

// Contacts returns the known correspondents of owner.
func (s *Store) Contacts(owner string) []Contact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Contact, len(s.contacts[owner]))
	copy(out, s.contacts[owner])
	return out
}

// GetAgent resolves an agent, including the implicit root and user.
func (s *Store) GetAgent(agentID string) (*Agent, bool) {
	if IsSystemAgent(agentID) {
		return &Agent{AgentID: agentID, RoleID: agentID, Status: AgentStatusActive}, true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[agentID]
	if !ok {
		return nil, false
	}
	return cloneAgent(a), true
}

// GetRole resolves a role, including the synthetic root and user roles.
func (s *Store) GetRole(roleID string) (*Role, bool) {
	if IsSystemRole(roleID) {
		return &Role{RoleID: roleID, Name: roleID, Status: RoleStatusActive}, true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roles[roleID]
	if !ok {
		return nil, false
	}
	return cloneRole(r), true
}

// RoleForAgent resolves the role an agent is bound to.
func (s *Store) RoleForAgent(agentID string) (*Role, bool) {
	a, ok := s.GetAgent(agentID)
	if !ok {
		return nil, false
	}
	return s.GetRole(a.RoleID)
}

// Roles lists persisted roles sorted by creation time.
func (s *Store) Roles() []*Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Role, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, cloneRole(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt.Time) {
			return out[i].CreatedAt.Before(out[j].CreatedAt.Time)
		}
		return out[i].RoleID < out[j].RoleID
	})
	return out
}

// Agents lists persisted agents sorted by creation time.
func (s *Store) Agents() []*Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, cloneAgent(a))
	}
	sortAgents(out)
	return out
}

// ActiveAgents lists non-terminated persisted agents.
func (s *Store) ActiveAgents() []*Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Agent
	for _, a := range s.agents {
		if a.Status == AgentStatusActive {
			out = append(out, cloneAgent(a))
		}
	}
	sortAgents(out)
	return out
}

// ChildrenOf lists the direct children of an agent.
func (s *Store) ChildrenOf(agentID string) []*Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	children := s.childrenLocked(agentID)
	out := make([]*Agent, len(children))
	for i, c := range children {
		out[i] = cloneAgent(c)
	}
	return out
}

// Terminations returns the append-only termination log.
func (s *Store) Terminations() []*Termination {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Termination, len(s.terminations))
	for i, t := range s.terminations {
		out[i] = cloneTermination(t)
	}
	return out
}

// Save forces a synchronous snapshot write, for shutdown.
func (s *Store) Save() error {
	s.mu.RLock()
	data := s.snapshotLocked()
	s.mu.RUnlock()
	return fsatomic.WriteFile(s.path, data, 0o644)
}

func (s *Store) childrenLocked(agentID string) []*Agent {
	var out []*Agent
	for _, a := range s.agents {
		if a.ParentAgentID == agentID {
			out = append(out, a)
		}
	}
	sortAgents(out)
	return out
}

func (s *Store) agentsOfRoleLocked(roleID string) []*Agent {
	var out []*Agent
	for _, a := range s.agents {
		if a.RoleID == roleID {
			out = append(out, a)
		}
	}
	sortAgents(out)
	return out
}

func (s *Store) agentsSortedLocked() []*Agent {
	out := make([]*Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a)
	}
	sortAgents(out)
	return out
}

// snapshotLocked marshals the current state; root and user are never
// written.
func (s *Store) snapshotLocked() []byte {
	doc := document{
		Roles:             make([]*Role, 0, len(s.roles)),
		Agents:            make([]*Agent, 0, len(s.agents)),
		Terminations:      s.terminations,
		ContactRegistries: s.contacts,
	}
	for _, r := range s.roles {
		doc.Roles = append(doc.Roles, r)
	}
	sort.Slice(doc.Roles, func(i, j int) bool {
		if !doc.Roles[i].CreatedAt.Equal(doc.Roles[j].CreatedAt.Time) {
			return doc.Roles[i].CreatedAt.Before(doc.Roles[j].CreatedAt.Time)
		}
		return doc.Roles[i].RoleID < doc.Roles[j].RoleID
	})
	for _, a := range s.agents {
		doc.Agents = append(doc.Agents, a)
	}
	sortAgents(doc.Agents)

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		slog.Error("org snapshot marshal failed", "error", err)
		return nil
	}
	return data
}

func (s *Store) writeSnapshot(data []byte) {
	if data == nil {
		return
	}
	if err := fsatomic.WriteFile(s.path, data, 0o644); err != nil {
		slog.Warn("org state persist failed", "path", s.path, "error", err)
	}
}

func sortAgents(agents []*Agent) {
	sort.Slice(agents, func(i, j int) bool {
		if !agents[i].CreatedAt.Equal(agents[j].CreatedAt.Time) {
			return agents[i].CreatedAt.Before(agents[j].CreatedAt.Time)
		}
		return agents[i].AgentID < agents[j].AgentID
	})
}

func normalizeGroups(groups []string) []string {
	var out []string
	for _, g := range groups {
		g = strings.TrimSpace(g)
		if g != "" {
			out = append(out, g)
		}
	}
	return out
}

func cloneRole(r *Role) *Role {
	out := *r
	if r.ToolGroups != nil {
		out.ToolGroups = append([]string(nil), r.ToolGroups...)
	}
	return &out
}

func cloneAgent(a *Agent) *Agent {
	out := *a
	return &out
}

func cloneTermination(t *Termination) *Termination {
	out := *t
	return &out
}
