package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/adhocore/gronx"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goswarm/internal/config"
	"github.com/nextlevelbuilder/goswarm/internal/store/pg"
	"github.com/nextlevelbuilder/goswarm/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("goswarm doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	// Runtime dir and the files the runtime owns there.
	fmt.Println()
	runtimeDir := config.ExpandHome(cfg.Runtime.Dir)
	fmt.Printf("  Runtime dir: %s", runtimeDir)
	if _, err := os.Stat(runtimeDir); err != nil {
		fmt.Println(" (NOT FOUND — created on first serve)")
	} else {
		fmt.Println(" (OK)")
		checkFile("org.json", filepath.Join(runtimeDir, "org.json"))
		checkDir("conversations", filepath.Join(runtimeDir, "conversations"))
		checkDir("prompts", filepath.Join(runtimeDir, "prompts"))
	}

	// LLM services with masked keys; the default service is marked.
	fmt.Println()
	fmt.Println("  LLM services:")
	if len(cfg.LLM.Services) == 0 {
		fmt.Println("    (none configured — run: goswarm init)")
	}
	for _, id := range sortedServiceIDs(cfg) {
		svc := cfg.LLM.Services[id]
		label := id
		if id == cfg.LLM.Default {
			label += " (default)"
		}
		fmt.Printf("    %-16s %s %s  key=%s\n", label+":", svc.Provider, svc.Model, maskKey(svc.APIKey))
	}

	// Archive backend.
	fmt.Println()
	fmt.Println("  Archive:")
	if cfg.UsesPostgres() {
		fmt.Printf("    %-12s postgres\n", "Backend:")
		if cfg.Archive.PostgresDSN == "" {
			fmt.Printf("    %-12s NO DSN (set GOSWARM_POSTGRES_DSN)\n", "Status:")
		} else if err := checkPostgres(cfg.Archive.PostgresDSN); err != nil {
			fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
		} else {
			fmt.Printf("    %-12s OK (run `goswarm migrate up` after upgrades)\n", "Status:")
		}
	} else {
		fmt.Printf("    %-12s sqlite\n", "Backend:")
		checkFile("messages.db", filepath.Join(runtimeDir, "messages.db"))
	}

	// Gateway.
	fmt.Println()
	fmt.Println("  Gateway:")
	fmt.Printf("    %-12s %s:%d\n", "Address:", cfg.Gateway.Host, cfg.Gateway.Port)
	if cfg.Gateway.Token == "" {
		fmt.Printf("    %-12s none (loopback only is safe; set one for remote clients)\n", "Token:")
	} else {
		fmt.Printf("    %-12s %s\n", "Token:", maskKey(cfg.Gateway.Token))
	}
	addr := fmt.Sprintf("%s:%d", effectiveHost(cfg.Gateway.Host), cfg.Gateway.Port)
	if isGatewayRunning(addr) {
		fmt.Printf("    %-12s running at %s\n", "Status:", addr)
	} else {
		fmt.Printf("    %-12s not running\n", "Status:")
	}

	// Tracing.
	fmt.Println()
	fmt.Println("  Tracing:")
	if cfg.Tracing.Enabled {
		fmt.Printf("    %-12s %s (%s)\n", "Endpoint:", cfg.Tracing.Endpoint, cfg.Tracing.Protocol)
	} else {
		fmt.Printf("    %-12s disabled\n", "Status:")
	}

	// MCP servers: stdio commands must resolve on PATH.
	if len(cfg.MCP.Servers) > 0 {
		fmt.Println()
		fmt.Println("  MCP servers:")
		for name, srv := range cfg.MCP.Servers {
			if srv.Disabled {
				fmt.Printf("    %-16s disabled\n", name+":")
				continue
			}
			switch {
			case srv.Command != "":
				if _, err := exec.LookPath(srv.Command); err != nil {
					fmt.Printf("    %-16s stdio %q NOT FOUND on PATH\n", name+":", srv.Command)
				} else {
					fmt.Printf("    %-16s stdio %s\n", name+":", srv.Command)
				}
			case srv.URL != "":
				fmt.Printf("    %-16s %s %s\n", name+":", srv.Transport, srv.URL)
			default:
				fmt.Printf("    %-16s MISCONFIGURED (no command or url)\n", name+":")
			}
		}
	}

	// Config-declared schedules: validate cron expressions.
	if len(cfg.Schedules) > 0 {
		fmt.Println()
		fmt.Println("  Schedules:")
		g := gronx.New()
		for _, sc := range cfg.Schedules {
			if !g.IsValid(sc.Cron) {
				fmt.Printf("    %-16s INVALID CRON %q\n", sc.To+":", sc.Cron)
			} else {
				fmt.Printf("    %-16s %s %q\n", sc.To+":", sc.Cron, preview(sc.Text, 40))
			}
		}
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkFile(name, path string) {
	if info, err := os.Stat(path); err != nil {
		fmt.Printf("    %-16s (not created yet)\n", name+":")
	} else {
		fmt.Printf("    %-16s %d bytes\n", name+":", info.Size())
	}
}

func checkDir(name, path string) {
	entries, err := os.ReadDir(path)
	if err != nil {
		fmt.Printf("    %-16s (not created yet)\n", name+":")
		return
	}
	fmt.Printf("    %-16s %d files\n", name+":", len(entries))
}

func checkPostgres(dsn string) error {
	db, err := pg.OpenDB(dsn)
	if err != nil {
		return err
	}
	return db.Close()
}

func maskKey(key string) string {
	if key == "" {
		return "(not set)"
	}
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", 3) + key[len(key)-4:]
}

// sortedServiceIDs lists service ids with the default first, the rest
// alphabetical.
func sortedServiceIDs(cfg *config.Config) []string {
	ids := make([]string, 0, len(cfg.LLM.Services))
	for id := range cfg.LLM.Services {
		if id != cfg.LLM.Default {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if _, ok := cfg.LLM.Services[cfg.LLM.Default]; ok {
		ids = append([]string{cfg.LLM.Default}, ids...)
	}
	return ids
}

func effectiveHost(host string) string {
	if host == "0.0.0.0" {
		return "127.0.0.1"
	}
	return host
}
