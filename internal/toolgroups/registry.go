// Package toolgroups maintains the named groups of tools that roles may
// grant to their agents. Groups hold tool names only; definitions are
// resolved through a DefinitionSource at lookup time so that dynamically
// registered tools (MCP servers, builtins) stay authoritative.
package toolgroups

import (
	"errors"
	"sync"

	"github.com/nextlevelbuilder/goswarm/internal/llm"
)

// Reserved group identifiers. Reserved groups are registered at
// construction, cannot be replaced or removed, and are part of every
// role's effective tool set.
const (
	GroupMessaging = "messaging"
	GroupOrg       = "org"
)

// ErrReservedGroup is returned when a caller tries to register or
// unregister one of the reserved builtin groups.
var ErrReservedGroup = errors.New("tool group is reserved")

// MessagingTools lists the tool names of the reserved messaging group.
var MessagingTools = []string{"send_message"}

// OrgTools lists the tool names of the reserved org group.
var OrgTools = []string{"create_role", "create_agent", "terminate_agent", "set_agent_name", "list_org"}

// DefinitionSource resolves a tool name to its wire definition.
// Implemented by the tool registry.
type DefinitionSource interface {
	Definition(name string) (llm.ToolDefinition, bool)
}

type group struct {
	id       string
	names    []string
	reserved bool
}

// Registry is a concurrency-safe map of group id to tool names.
type Registry struct {
	mu     sync.RWMutex
	source DefinitionSource
	groups map[string]*group
	order  []string // registration order, reserved groups first
}

// NewRegistry creates a registry with the reserved builtin groups
// already present.
func NewRegistry(source DefinitionSource) *Registry {
	r := &Registry{
		source: source,
		groups: make(map[string]*group),
	}
	r.addLocked(GroupMessaging, MessagingTools, true)
	r.addLocked(GroupOrg, OrgTools, true)
	return r
}

func (r *Registry) addLocked(id string, names []string, reserved bool) {
	cp := make([]string, len(names))
	copy(cp, names)
	if _, exists := r.groups[id]; !exists {
		r.order = append(r.order, id)
	}
	r.groups[id] = &group{id: id, names: cp, reserved: reserved}
}

// Register adds or replaces a non-reserved group.
func (r *Registry) Register(id string, toolNames []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.groups[id]; ok && g.reserved {
		return ErrReservedGroup
	}
	r.addLocked(id, toolNames, false)
	return nil
}

// Unregister removes a non-reserved group. Removing an unknown group is
// a no-op.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[id]
	if !ok {
		return nil
	}
	if g.reserved {
		return ErrReservedGroup
	}
	delete(r.groups, id)
	for i, gid := range r.order {
		if gid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// EffectiveGroups resolves a role's toolGroups field into the concrete
// group ids an agent of that role may use. Reserved groups are always
// included. A nil or empty list grants every registered group.
func (r *Registry) EffectiveGroups(roleGroups []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	seen := make(map[string]bool)
	for _, id := range r.order {
		if r.groups[id].reserved {
			out = append(out, id)
			seen[id] = true
		}
	}
	if len(roleGroups) == 0 {
		for _, id := range r.order {
			if !seen[id] {
				out = append(out, id)
				seen[id] = true
			}
		}
		return out
	}
	for _, id := range roleGroups {
		if seen[id] {
			continue
		}
		if _, ok := r.groups[id]; ok {
			out = append(out, id)
			seen[id] = true
		}
	}
	return out
}

// Definitions returns the tool definitions granted by the given groups,
// deduplicated by tool name in insertion order. Names with no resolvable
// definition are skipped.
func (r *Registry) Definitions(groupIDs []string) []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var defs []llm.ToolDefinition
	seen := make(map[string]bool)
	for _, id := range groupIDs {
		g, ok := r.groups[id]
		if !ok {
			continue
		}
		for _, name := range g.names {
			if seen[name] {
				continue
			}
			seen[name] = true
			if def, ok := r.source.Definition(name); ok {
				defs = append(defs, def)
			}
		}
	}
	return defs
}

// IsToolInGroups reports whether toolName is granted by any of the
// given groups.
func (r *Registry) IsToolInGroups(toolName string, groupIDs []string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range groupIDs {
		g, ok := r.groups[id]
		if !ok {
			continue
		}
		for _, name := range g.names {
			if name == toolName {
				return true
			}
		}
	}
	return false
}

// Info describes a registered group.
type Info struct {
	ID       string   `json:"id"`
	Tools    []string `json:"tools"`
	Reserved bool     `json:"reserved"`
}

// List returns every registered group in registration order.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.order))
	for _, id := range r.order {
		g := r.groups[id]
		names := make([]string, len(g.names))
		copy(names, g.names)
		out = append(out, Info{ID: g.id, Tools: names, Reserved: g.reserved})
	}
	return out
}
