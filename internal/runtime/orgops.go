package runtime

import (
	"log/slog"

	"github.com/nextlevelbuilder/goswarm/internal/cancel"
	"github.com/nextlevelbuilder/goswarm/internal/org"
	"github.com/nextlevelbuilder/goswarm/internal/scheduler"
)

// CreateRole registers a role. Part of tools.OrgService.
func (r *Runtime) CreateRole(name, rolePrompt, orgPrompt, createdBy, llmServiceID string, toolGroups []string) (*org.Role, error) {
	r.orgMu.Lock()
	defer r.orgMu.Unlock()
	return r.org.CreateRole(name, rolePrompt, orgPrompt, createdBy, llmServiceID, toolGroups)
}

// CreateAgent spawns an agent. Part of tools.OrgService.
func (r *Runtime) CreateAgent(roleID, parentAgentID, name string) (*org.Agent, error) {
	r.orgMu.Lock()
	defer r.orgMu.Unlock()
	return r.org.CreateAgent(roleID, parentAgentID, name)
}

// SetAgentName renames an agent. Part of tools.OrgService.
func (r *Runtime) SetAgentName(agentID, name string) (*org.Agent, error) {
	r.orgMu.Lock()
	defer r.orgMu.Unlock()
	return r.org.SetAgentName(agentID, name)
}

// TerminateAgent terminates an agent and its subtree, then unwinds
// scheduler, bus and engine state for every agent the cascade reached.
// Returns the ids whose status flipped.
func (r *Runtime) TerminateAgent(agentID, terminatedBy, reason string) ([]string, error) {
	r.orgMu.Lock()
	// The affected set must be computed before the store flips
	// statuses, and under orgMu so no agent is created into the
	// subtree mid-cascade.
	affected := r.activeSubtree(agentID)
	_, err := r.org.RecordTermination(agentID, terminatedBy, reason)
	r.orgMu.Unlock()
	if err != nil {
		return nil, err
	}

	for _, id := range affected {
		r.cleanupAgent(id)
	}
	slog.Info("agent terminated", "agent", agentID, "by", terminatedBy, "affected", len(affected))
	return affected, nil
}

// DeleteRole deletes a role, its inferred child roles, and every
// active agent bound to any of them, then unwinds runtime state for
// the terminated agents.
func (r *Runtime) DeleteRole(roleID, deletedBy, reason string) (*org.DeleteRoleResult, error) {
	r.orgMu.Lock()
	res, err := r.org.DeleteRole(roleID, deletedBy, reason)
	r.orgMu.Unlock()
	if err != nil {
		return nil, err
	}

	for _, id := range res.AffectedAgents {
		r.cleanupAgent(id)
	}
	slog.Info("role deleted", "role", roleID, "by", deletedBy,
		"roles", len(res.AffectedRoles), "agents", len(res.AffectedAgents))
	return res, nil
}

// activeSubtree collects agentID plus every active descendant, walking
// all parent/child edges the way the store's cascade does.
func (r *Runtime) activeSubtree(agentID string) []string {
	var out []string
	if a, ok := r.org.GetAgent(agentID); ok && a.Status == org.AgentStatusActive {
		out = append(out, agentID)
	}
	queue := []string{agentID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, child := range r.org.ChildrenOf(id) {
			if child.Status == org.AgentStatusActive {
				out = append(out, child.AgentID)
			}
			queue = append(queue, child.AgentID)
		}
	}
	return out
}

// cleanupAgent unwinds runtime state for a terminated agent. Order
// matters: stop scheduling first, then cut in-flight work, then drop
// queued messages and turns, then forget the agent entirely.
func (r *Runtime) cleanupAgent(agentID string) {
	r.sched.MarkStopping(agentID)
	r.cancel.Abort(agentID, cancel.ReasonUserRequested)
	if r.dispatcher != nil {
		r.dispatcher.Abort(agentID)
	}
	r.bus.ClearQueue(agentID)
	r.engine.ClearAgent(agentID)
	r.sched.RemoveAgent(agentID)

	r.events.Emit(scheduler.EventAgentStatus, map[string]interface{}{
		"agentId": agentID,
		"status":  org.AgentStatusTerminated,
	})
}
