package runtime

import (
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/goswarm/internal/org"
)

// Builtin prompts, used when the config carries none. The serve path
// normally loads <runtimeDir>/prompts/root.md and org.md instead.
const defaultRootPrompt = `You are the root orchestrator of an agent organization.
Break the user's requirement into tasks, create roles and agents as needed, and
delegate work with the send_message tool. When the requirement is resolved, reply
in plain text without tool calls; that reply is delivered to the user.`

const defaultOrgPrompt = `You work inside an agent organization. Report results to
your parent agent with the send_message tool. A plain-text reply without tool
calls ends the current task and is delivered to the user.`

// systemPrompt composes the system entry for an agent's conversation:
// role prompt, org preamble, identity and known contacts. Built once
// per conversation, on the scheduler loop.
func (r *Runtime) systemPrompt(agentID string) string {
	var b strings.Builder

	if agentID == org.RootAgentID {
		b.WriteString(orDefault(r.rootPrompt, defaultRootPrompt))
	} else {
		role, ok := r.org.RoleForAgent(agentID)
		if ok && role.RolePrompt != "" {
			b.WriteString(role.RolePrompt)
		}
		orgPart := orDefault(r.orgPrompt, defaultOrgPrompt)
		if ok && role.OrgPrompt != "" {
			orgPart = role.OrgPrompt
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(orgPart)
	}

	b.WriteString("\n\n## Identity\n")
	fmt.Fprintf(&b, "- agentId: %s\n", agentID)
	if agent, ok := r.org.GetAgent(agentID); ok && !org.IsSystemAgent(agentID) {
		if agent.Name != "" {
			fmt.Fprintf(&b, "- name: %s\n", agent.Name)
		}
		if role, ok := r.org.GetRole(agent.RoleID); ok {
			fmt.Fprintf(&b, "- role: %s (%s)\n", role.Name, role.RoleID)
		}
		if agent.ParentAgentID != "" {
			fmt.Fprintf(&b, "- parent: %s\n", agent.ParentAgentID)
		}
	}

	if contacts := r.org.Contacts(agentID); len(contacts) > 0 {
		b.WriteString("\n## Known contacts\n")
		for _, c := range contacts {
			fmt.Fprintf(&b, "- %s", c.AgentID)
			var extra []string
			if c.Name != "" {
				extra = append(extra, c.Name)
			}
			if c.RoleName != "" {
				extra = append(extra, c.RoleName)
			}
			if len(extra) > 0 {
				fmt.Fprintf(&b, " (%s)", strings.Join(extra, ", "))
			}
			b.WriteString("\n")
		}
	}

	return strings.TrimRight(b.String(), "\n")
}

func orDefault(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}
