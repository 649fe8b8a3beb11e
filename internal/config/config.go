// Package config loads the runtime configuration: JSON5 file, then
// environment overrides, on top of compiled defaults.
package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Config is the root configuration for the goswarm runtime and gateway.
type Config struct {
	Runtime   RuntimeConfig    `json:"runtime"`
	LLM       LLMConfig        `json:"llm"`
	Gateway   GatewayConfig    `json:"gateway"`
	Archive   ArchiveConfig    `json:"archive,omitempty"`
	Tracing   TracingConfig    `json:"tracing,omitempty"`
	MCP       MCPConfig        `json:"mcp,omitempty"`
	Schedules []ScheduleConfig `json:"schedules,omitempty"`

	mu sync.RWMutex
}

// RuntimeConfig locates the runtime directory (org.json, conversations/,
// messages.db, prompts/) and tunes the turn engine.
type RuntimeConfig struct {
	Dir           string `json:"dir"`
	MaxToolRounds int    `json:"maxToolRounds,omitempty"`
}

// LLMConfig names the configured services and which one agents fall back
// to when their role binds none.
type LLMConfig struct {
	Default  string                   `json:"default,omitempty"`
	Services map[string]ServiceConfig `json:"services,omitempty"`
}

// ServiceConfig describes one LLM service entry under llm.services.
type ServiceConfig struct {
	Provider          string  `json:"provider"` // "anthropic" or any OpenAI-compatible name
	APIKey            string  `json:"apiKey,omitempty"`
	APIBase           string  `json:"apiBase,omitempty"`
	Model             string  `json:"model"`
	ChatPath          string  `json:"chatPath,omitempty"`
	MaxTokens         int     `json:"maxTokens,omitempty"`
	Temperature       float64 `json:"temperature,omitempty"`
	ContextWindow     int     `json:"contextWindow,omitempty"`
	RequestsPerMinute int     `json:"requestsPerMinute,omitempty"`
	MaxConcurrent     int     `json:"maxConcurrent,omitempty"`
}

// GatewayConfig configures the WebSocket/HTTP gateway.
type GatewayConfig struct {
	Host            string `json:"host"`
	Port            int    `json:"port"`
	Token           string `json:"token,omitempty"`
	MaxMessageChars int    `json:"maxMessageChars,omitempty"`
	RateLimitRPM    int    `json:"rateLimitRpm,omitempty"`
}

// ArchiveConfig selects the message archive backend.
// PostgresDSN is never read from the file; env GOSWARM_POSTGRES_DSN only.
type ArchiveConfig struct {
	Backend     string `json:"backend,omitempty"` // "sqlite" (default) or "postgres"
	PostgresDSN string `json:"-"`
}

// TracingConfig configures the OTLP trace exporter.
type TracingConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"` // "grpc" (default) or "http"
	ServiceName string `json:"serviceName,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
}

// MCPConfig lists external MCP servers whose tools are exposed to agents
// as mcp:<name> groups.
type MCPConfig struct {
	Servers map[string]MCPServerConfig `json:"servers,omitempty"`
}

// MCPServerConfig describes one MCP server connection. Env and Headers
// values routinely carry credentials and are masked by MaskedCopy.
type MCPServerConfig struct {
	Transport  string            `json:"transport,omitempty"` // "stdio" (default), "sse" or "streamable-http"
	Command    string            `json:"command,omitempty"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	URL        string            `json:"url,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	TimeoutSec int               `json:"timeoutSec,omitempty"` // per tool call, default 60
	Disabled   bool              `json:"disabled,omitempty"`
}

// ScheduleConfig declares a recurring message registered at serve start.
type ScheduleConfig struct {
	To   string `json:"to"`
	Cron string `json:"cron"`
	Text string `json:"text"`
}

const secretMask = "***"

// MaskedCopy returns a deep copy with every secret field masked. Used by
// surfaces that echo config to clients.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}

	maskNonEmpty(&cp.Gateway.Token)
	for id, svc := range cp.LLM.Services {
		maskNonEmpty(&svc.APIKey)
		cp.LLM.Services[id] = svc
	}
	for name, srv := range cp.MCP.Servers {
		for k := range srv.Env {
			srv.Env[k] = secretMask
		}
		for k := range srv.Headers {
			srv.Headers[k] = secretMask
		}
		cp.MCP.Servers[name] = srv
	}
	return cp
}

// Hash returns a short SHA-256 of the config for change detection.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// RuntimeDir returns the expanded runtime directory.
func (c *Config) RuntimeDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Runtime.Dir)
}

// UsesPostgres reports whether the archive is configured for Postgres.
// Callers still need to check that a DSN is actually set.
func (c *Config) UsesPostgres() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Archive.Backend == "postgres"
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
