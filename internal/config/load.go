package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with working defaults: sqlite archive, no
// gateway token, one unset LLM service slot.
func Default() *Config {
	return &Config{
		Runtime: RuntimeConfig{
			Dir:           "~/.goswarm",
			MaxToolRounds: 6,
		},
		LLM: LLMConfig{
			Default:  "main",
			Services: map[string]ServiceConfig{},
		},
		Gateway: GatewayConfig{
			Host:            "127.0.0.1",
			Port:            18890,
			MaxMessageChars: 32000,
			RateLimitRPM:    20,
		},
		Archive: ArchiveConfig{
			Backend: "sqlite",
		},
		Tracing: TracingConfig{
			Protocol:    "grpc",
			ServiceName: "goswarm",
		},
	}
}

// Load reads the config file (JSON5: comments and trailing commas are
// fine), then overlays env vars. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("GOSWARM_RUNTIME_DIR", &c.Runtime.Dir)
	envStr("GOSWARM_HOST", &c.Gateway.Host)
	if v := os.Getenv("GOSWARM_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}
	envStr("GOSWARM_GATEWAY_TOKEN", &c.Gateway.Token)

	envStr("GOSWARM_ARCHIVE_BACKEND", &c.Archive.Backend)
	envStr("GOSWARM_POSTGRES_DSN", &c.Archive.PostgresDSN)

	envStr("GOSWARM_DEFAULT_SERVICE", &c.LLM.Default)

	// Per-service API keys: GOSWARM_<SERVICE>_API_KEY, with dashes in the
	// service id mapped to underscores.
	for id, svc := range c.LLM.Services {
		key := "GOSWARM_" + strings.ToUpper(strings.ReplaceAll(id, "-", "_")) + "_API_KEY"
		if v := os.Getenv(key); v != "" {
			svc.APIKey = v
			c.LLM.Services[id] = svc
		}
	}
	// GOSWARM_API_KEY fills the default service.
	if v := os.Getenv("GOSWARM_API_KEY"); v != "" {
		if svc, ok := c.LLM.Services[c.LLM.Default]; ok {
			svc.APIKey = v
			c.LLM.Services[c.LLM.Default] = svc
		}
	}

	envStr("GOSWARM_TRACING_ENDPOINT", &c.Tracing.Endpoint)
	envStr("GOSWARM_TRACING_PROTOCOL", &c.Tracing.Protocol)
	envStr("GOSWARM_TRACING_SERVICE_NAME", &c.Tracing.ServiceName)
	if v := os.Getenv("GOSWARM_TRACING_ENABLED"); v != "" {
		c.Tracing.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("GOSWARM_TRACING_INSECURE"); v != "" {
		c.Tracing.Insecure = v == "true" || v == "1"
	}
}

// Save writes the config as plain JSON. Secrets carried only in env
// (postgres DSN) have json:"-" and never land on disk.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
