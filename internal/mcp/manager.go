// Package mcp connects external MCP servers and exposes their tools to
// agents. Every discovered tool is bridged into the tool registry, each
// server is published as a dynamic group mcp:<server>, and an aggregate
// mcp group spans all connected servers.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"

	"github.com/nextlevelbuilder/goswarm/internal/config"
	"github.com/nextlevelbuilder/goswarm/internal/toolgroups"
	"github.com/nextlevelbuilder/goswarm/internal/tools"
)

const (
	healthCheckInterval  = 30 * time.Second
	initialBackoff       = 2 * time.Second
	maxBackoff           = 60 * time.Second
	maxReconnectAttempts = 10
	defaultToolTimeout   = 60 * time.Second
)

// GroupPrefix prefixes the per-server tool group ids.
const GroupPrefix = "mcp:"

// AggregateGroup is the group holding every MCP tool across servers.
const AggregateGroup = "mcp"

// ServerStatus reports the connection state of one MCP server.
type ServerStatus struct {
	Name      string `json:"name"`
	Transport string `json:"transport"`
	Connected bool   `json:"connected"`
	ToolCount int    `json:"toolCount"`
	Error     string `json:"error,omitempty"`
}

// serverState tracks one live server connection.
type serverState struct {
	name      string
	transport string
	client    *mcpclient.Client
	connected atomic.Bool
	toolNames []string // names this server holds in the tool registry
	cancel    context.CancelFunc

	mu             sync.Mutex
	reconnAttempts int
	lastErr        string
}

// Manager owns the MCP server connections for the runtime's lifetime.
type Manager struct {
	mu       sync.RWMutex
	servers  map[string]*serverState
	registry *tools.Registry
	groups   *toolgroups.Registry
	configs  map[string]config.MCPServerConfig
}

// NewManager creates a manager over the given registries. No server is
// contacted until Start.
func NewManager(registry *tools.Registry, groups *toolgroups.Registry, servers map[string]config.MCPServerConfig) *Manager {
	return &Manager{
		servers:  make(map[string]*serverState),
		registry: registry,
		groups:   groups,
		configs:  servers,
	}
}

// Start connects every configured server. A server that fails to connect
// is logged and skipped; the returned error summarizes the failures so
// the caller can decide whether they matter.
func (m *Manager) Start(ctx context.Context) error {
	names := make([]string, 0, len(m.configs))
	for name := range m.configs {
		names = append(names, name)
	}
	sort.Strings(names)

	var failed []string
	for _, name := range names {
		cfg := m.configs[name]
		if cfg.Disabled {
			slog.Info("mcp server disabled", "server", name)
			continue
		}
		if err := m.connectServer(ctx, name, cfg); err != nil {
			slog.Warn("mcp server connect failed", "server", name, "error", err)
			failed = append(failed, fmt.Sprintf("%s: %v", name, err))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("mcp servers failed to connect: %s", strings.Join(failed, "; "))
	}
	return nil
}

// register records a connected server and publishes its tool groups.
// Bridge tools whose name is already taken are skipped so a remote server
// can never shadow a builtin or another server's tool.
func (m *Manager) register(ss *serverState, bridges []tools.Tool) {
	var registered []string
	for _, bt := range bridges {
		if _, exists := m.registry.Get(bt.Name()); exists {
			slog.Warn("mcp tool name collision, skipping", "server", ss.name, "tool", bt.Name())
			continue
		}
		m.registry.Register(bt)
		registered = append(registered, bt.Name())
	}
	ss.toolNames = registered

	m.mu.Lock()
	m.servers[ss.name] = ss
	m.mu.Unlock()

	if len(registered) > 0 {
		_ = m.groups.Register(GroupPrefix+ss.name, registered)
	}
	m.refreshAggregateGroup()
}

// refreshAggregateGroup rebuilds the cross-server mcp group.
func (m *Manager) refreshAggregateGroup() {
	all := m.ToolNames()
	if len(all) > 0 {
		_ = m.groups.Register(AggregateGroup, all)
	} else {
		_ = m.groups.Unregister(AggregateGroup)
	}
}

// ToolNames returns every registered MCP tool name across servers, sorted.
func (m *Manager) ToolNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var names []string
	for _, ss := range m.servers {
		names = append(names, ss.toolNames...)
	}
	sort.Strings(names)
	return names
}

// Stop closes every connection and withdraws all bridged tools and groups.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, ss := range m.servers {
		if ss.cancel != nil {
			ss.cancel()
		}
		if ss.client != nil {
			if err := ss.client.Close(); err != nil {
				slog.Debug("mcp server close failed", "server", name, "error", err)
			}
		}
		for _, toolName := range ss.toolNames {
			m.registry.Unregister(toolName)
		}
		_ = m.groups.Unregister(GroupPrefix + name)
	}
	m.servers = make(map[string]*serverState)
	_ = m.groups.Unregister(AggregateGroup)
}

// Status reports every known server, sorted by name.
func (m *Manager) Status() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ServerStatus, 0, len(m.servers))
	for _, ss := range m.servers {
		ss.mu.Lock()
		lastErr := ss.lastErr
		ss.mu.Unlock()
		out = append(out, ServerStatus{
			Name:      ss.name,
			Transport: ss.transport,
			Connected: ss.connected.Load(),
			ToolCount: len(ss.toolNames),
			Error:     lastErr,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
