package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/goswarm/internal/config"
	"github.com/nextlevelbuilder/goswarm/internal/tools"
)

// connectServer dials one server, runs the MCP handshake, discovers its
// tools and registers them. A health loop keeps the connection watched
// until Stop.
func (m *Manager) connectServer(ctx context.Context, name string, cfg config.MCPServerConfig) error {
	client, err := newClient(cfg)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	// stdio spawns its subprocess on creation; network transports need
	// an explicit start.
	if transportOf(cfg) != "stdio" {
		if err := client.Start(ctx); err != nil {
			_ = client.Close()
			return fmt.Errorf("start transport: %w", err)
		}
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{
		Name:    "goswarm",
		Version: "1.0.0",
	}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		_ = client.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	listed, err := client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("list tools: %w", err)
	}

	timeout := defaultToolTimeout
	if cfg.TimeoutSec > 0 {
		timeout = time.Duration(cfg.TimeoutSec) * time.Second
	}

	ss := &serverState{name: name, transport: transportOf(cfg), client: client}
	ss.connected.Store(true)

	bridges := make([]tools.Tool, 0, len(listed.Tools))
	for _, t := range listed.Tools {
		bridges = append(bridges, newBridgeTool(name, t, client, timeout, &ss.connected))
	}
	m.register(ss, bridges)

	hctx, hcancel := context.WithCancel(context.Background())
	ss.cancel = hcancel
	go m.healthLoop(hctx, ss)

	slog.Info("mcp server connected",
		"server", name, "transport", ss.transport, "tools", len(ss.toolNames))
	return nil
}

// newClient builds the MCP client matching the configured transport.
func newClient(cfg config.MCPServerConfig) (*mcpclient.Client, error) {
	switch transportOf(cfg) {
	case "stdio":
		if cfg.Command == "" {
			return nil, fmt.Errorf("stdio transport needs a command")
		}
		return mcpclient.NewStdioMCPClient(cfg.Command, envSlice(cfg.Env), cfg.Args...)

	case "sse":
		if cfg.URL == "" {
			return nil, fmt.Errorf("sse transport needs a url")
		}
		var opts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, mcpclient.WithHeaders(cfg.Headers))
		}
		return mcpclient.NewSSEMCPClient(cfg.URL, opts...)

	case "streamable-http":
		if cfg.URL == "" {
			return nil, fmt.Errorf("streamable-http transport needs a url")
		}
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
		}
		return mcpclient.NewStreamableHttpClient(cfg.URL, opts...)

	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Transport)
	}
}

func transportOf(cfg config.MCPServerConfig) string {
	if cfg.Transport == "" {
		return "stdio"
	}
	return cfg.Transport
}

// healthLoop pings the server on an interval and flips the connected flag
// that gates bridge execution.
func (m *Manager) healthLoop(ctx context.Context, ss *serverState) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := ss.client.Ping(ctx)
			if err == nil || isMethodNotFound(err) {
				// Servers without a ping handler are still alive.
				ss.connected.Store(true)
				ss.mu.Lock()
				ss.reconnAttempts = 0
				ss.lastErr = ""
				ss.mu.Unlock()
				continue
			}
			ss.connected.Store(false)
			ss.mu.Lock()
			ss.lastErr = err.Error()
			ss.mu.Unlock()
			slog.Warn("mcp server health check failed", "server", ss.name, "error", err)
			m.tryReconnect(ctx, ss)
		}
	}
}

// tryReconnect waits out an exponential backoff and probes the server
// again. The transport layers reconnect on their own; a clean ping means
// the server is back.
func (m *Manager) tryReconnect(ctx context.Context, ss *serverState) {
	ss.mu.Lock()
	if ss.reconnAttempts >= maxReconnectAttempts {
		ss.lastErr = fmt.Sprintf("gave up after %d reconnect attempts", maxReconnectAttempts)
		ss.mu.Unlock()
		slog.Error("mcp server reconnect attempts exhausted", "server", ss.name)
		return
	}
	ss.reconnAttempts++
	attempt := ss.reconnAttempts
	ss.mu.Unlock()

	backoff := initialBackoff << (attempt - 1)
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	slog.Info("mcp server reconnecting", "server", ss.name, "attempt", attempt, "backoff", backoff)

	select {
	case <-ctx.Done():
		return
	case <-time.After(backoff):
	}

	if err := ss.client.Ping(ctx); err == nil {
		ss.connected.Store(true)
		ss.mu.Lock()
		ss.reconnAttempts = 0
		ss.lastErr = ""
		ss.mu.Unlock()
		slog.Info("mcp server reconnected", "server", ss.name)
	}
}

func isMethodNotFound(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "method not found")
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	s := make([]string, 0, len(env))
	for k, v := range env {
		s = append(s, k+"="+v)
	}
	return s
}
