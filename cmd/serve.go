package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/goswarm/internal/bootstrap"
	"github.com/nextlevelbuilder/goswarm/internal/bus"
	"github.com/nextlevelbuilder/goswarm/internal/cancel"
	"github.com/nextlevelbuilder/goswarm/internal/clock"
	"github.com/nextlevelbuilder/goswarm/internal/config"
	"github.com/nextlevelbuilder/goswarm/internal/conversation"
	"github.com/nextlevelbuilder/goswarm/internal/events"
	"github.com/nextlevelbuilder/goswarm/internal/gateway"
	"github.com/nextlevelbuilder/goswarm/internal/llm"
	"github.com/nextlevelbuilder/goswarm/internal/mcp"
	"github.com/nextlevelbuilder/goswarm/internal/org"
	"github.com/nextlevelbuilder/goswarm/internal/runtime"
	"github.com/nextlevelbuilder/goswarm/internal/store"
	"github.com/nextlevelbuilder/goswarm/internal/store/pg"
	"github.com/nextlevelbuilder/goswarm/internal/store/sqlite"
	"github.com/nextlevelbuilder/goswarm/internal/tracing"
	"github.com/nextlevelbuilder/goswarm/pkg/protocol"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the agent runtime and gateway",
		Long:  "Starts the scheduler, message bus and WebSocket/HTTP gateway and runs until interrupted.",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})))
}

func runServe() {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("config load failed", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	// First run: no config file and no services. Build one from env when
	// possible, otherwise point at the wizard.
	if _, statErr := os.Stat(cfgPath); os.IsNotExist(statErr) && len(cfg.LLM.Services) == 0 {
		if canAutoInit() {
			if !runAutoInit(cfgPath) {
				os.Exit(1)
			}
			cfg, err = config.Load(cfgPath)
			if err != nil {
				slog.Error("config reload failed", "path", cfgPath, "error", err)
				os.Exit(1)
			}
		} else {
			fmt.Println("No configuration found.")
			fmt.Println()
			fmt.Println("  Run `goswarm init` for the interactive setup, or set")
			fmt.Println("  GOSWARM_API_KEY (plus optional GOSWARM_MODEL, GOSWARM_PROVIDER,")
			fmt.Println("  GOSWARM_API_BASE) and start again.")
			os.Exit(1)
		}
	}
	if len(cfg.LLM.Services) == 0 {
		slog.Warn("no llm services configured; agent turns will fail until one is added")
	}

	runtimeDir, err := filepath.Abs(config.ExpandHome(cfg.Runtime.Dir))
	if err != nil {
		slog.Error("resolve runtime dir failed", "dir", cfg.Runtime.Dir, "error", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(runtimeDir, 0755); err != nil {
		slog.Error("create runtime dir failed", "dir", runtimeDir, "error", err)
		os.Exit(1)
	}

	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()

	clk := clock.System()
	broker := events.NewBroker(clk)
	msgBus := bus.New(clk, broker)
	cancelMgr := cancel.NewManager(clk)

	orgStore, err := org.New(filepath.Join(runtimeDir, "org.json"), clk)
	if err != nil {
		slog.Error("org store init failed", "error", err)
		os.Exit(1)
	}
	convMgr, err := conversation.NewManager(filepath.Join(runtimeDir, "conversations"), clk)
	if err != nil {
		slog.Error("conversation store init failed", "error", err)
		os.Exit(1)
	}

	archive, err := openArchive(ctx, cfg, runtimeDir)
	if err != nil {
		slog.Error("archive init failed", "backend", cfg.Archive.Backend, "error", err)
		os.Exit(1)
	}
	recorder := store.NewRecorder(archive, broker)

	tracer, shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		Protocol:    cfg.Tracing.Protocol,
		ServiceName: cfg.Tracing.ServiceName,
		Insecure:    cfg.Tracing.Insecure,
	})
	if err != nil {
		slog.Error("tracing setup failed", "error", err)
		os.Exit(1)
	}

	promptsDir := filepath.Join(runtimeDir, "prompts")
	if created, err := bootstrap.EnsurePromptFiles(promptsDir); err != nil {
		slog.Warn("prompt seeding failed", "dir", promptsDir, "error", err)
	} else if len(created) > 0 {
		slog.Info("seeded prompt files", "dir", promptsDir, "files", created)
	}

	rt := runtime.New(runtime.Config{
		Bus:           msgBus,
		Cancel:        cancelMgr,
		Conversations: convMgr,
		Org:           orgStore,
		Dispatcher:    buildServiceRegistry(cfg, orgStore, broker),
		Archive:       archive,
		Events:        broker,
		Clock:         clk,
		Tracer:        tracer,
		RootPrompt:    bootstrap.LoadPrompt(promptsDir, bootstrap.RootPromptFile),
		OrgPrompt:     bootstrap.LoadPrompt(promptsDir, bootstrap.OrgPromptFile),
		MaxToolRounds: cfg.Runtime.MaxToolRounds,
	})

	var mcpMgr *mcp.Manager
	if len(cfg.MCP.Servers) > 0 {
		mcpMgr = mcp.NewManager(rt.ToolRegistry(), rt.GroupRegistry(), cfg.MCP.Servers)
		if err := mcpMgr.Start(ctx); err != nil {
			slog.Warn("mcp startup incomplete", "error", err)
		}
	}

	// Recurring schedules from config, kept in sync while running so a
	// config edit can add or drop one without a restart.
	registered := map[string]string{}
	applySchedules := func(c *config.Config) {
		seen := map[string]bool{}
		for _, sc := range c.Schedules {
			key := sc.To + "\x00" + sc.Cron + "\x00" + sc.Text
			seen[key] = true
			if _, ok := registered[key]; ok {
				continue
			}
			id, err := rt.ScheduleRecurring(sc.To, sc.Cron, sc.Text)
			if err != nil {
				slog.Warn("schedule rejected", "to", sc.To, "cron", sc.Cron, "error", err)
				continue
			}
			registered[key] = id
			slog.Info("schedule registered", "id", id, "to", sc.To, "cron", sc.Cron)
		}
		for key, id := range registered {
			if !seen[key] {
				msgBus.CancelRecurring(id)
				delete(registered, key)
				slog.Info("schedule cancelled", "id", id)
			}
		}
	}
	applySchedules(cfg)
	if err := config.Watch(ctx, cfgPath, func(next *config.Config) {
		slog.Info("config file changed; applying schedule updates (other changes need a restart)")
		applySchedules(next)
	}); err != nil {
		slog.Warn("config watcher unavailable", "error", err)
	}

	server := gateway.NewServer(cfg, broker, rt)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig.String())
		cancelCtx()
	}()

	slog.Info("goswarm starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"addr", fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port),
		"archive", cfg.Archive.Backend,
		"runtimeDir", runtimeDir)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.Start(gctx) })
	g.Go(func() error { return server.Start(gctx) })
	runErr := g.Wait()

	// Orderly teardown: stop tool servers, drain the archive writer,
	// then close the archive and flush spans.
	if mcpMgr != nil {
		mcpMgr.Stop()
	}
	recorder.Close()
	if err := archive.Close(); err != nil {
		slog.Warn("archive close failed", "error", err)
	}
	flushCtx, cancelFlush := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFlush()
	if err := shutdownTracing(flushCtx); err != nil {
		slog.Warn("tracing shutdown failed", "error", err)
	}

	if runErr != nil {
		slog.Error("goswarm exited with error", "error", runErr)
		os.Exit(1)
	}
	slog.Info("goswarm stopped")
}

// buildServiceRegistry maps config service entries onto the llm registry.
// Roles bind agents to services; retry attempts surface as llm.retrying
// events so connected clients can show backoff progress.
func buildServiceRegistry(cfg *config.Config, orgStore *org.Store, broker events.Publisher) llm.Dispatcher {
	if len(cfg.LLM.Services) == 0 {
		return nil
	}
	svcs := make([]llm.ServiceConfig, 0, len(cfg.LLM.Services))
	for id, sc := range cfg.LLM.Services {
		svcs = append(svcs, llm.ServiceConfig{
			ID:                id,
			Provider:          sc.Provider,
			APIKey:            sc.APIKey,
			APIBase:           sc.APIBase,
			Model:             sc.Model,
			ChatPath:          sc.ChatPath,
			MaxTokens:         sc.MaxTokens,
			Temperature:       sc.Temperature,
			ContextWindow:     sc.ContextWindow,
			RequestsPerMinute: sc.RequestsPerMinute,
			MaxConcurrent:     sc.MaxConcurrent,
		})
	}
	resolver := func(agentID string) string {
		if role, ok := orgStore.RoleForAgent(agentID); ok {
			return role.LlmServiceID
		}
		return ""
	}
	notify := func(meta llm.RequestMeta, attempt int, wait time.Duration, err error) {
		broker.Emit(protocol.EventLlmRetrying, map[string]interface{}{
			"agentId": meta.AgentID,
			"turnId":  meta.TurnID,
			"attempt": attempt,
			"waitMs":  wait.Milliseconds(),
			"reason":  llm.Categorize(err),
		})
	}
	return llm.NewServiceRegistry(svcs, cfg.LLM.Default, resolver, notify)
}

// openArchive picks the message archive backend. Postgres needs a DSN
// (config or GOSWARM_POSTGRES_DSN) and migrated tables; sqlite bootstraps
// its own schema next to the org snapshot.
func openArchive(ctx context.Context, cfg *config.Config, runtimeDir string) (store.Archive, error) {
	if cfg.UsesPostgres() {
		if cfg.Archive.PostgresDSN == "" {
			return nil, fmt.Errorf("archive backend is postgres but no DSN is set")
		}
		db, err := pg.OpenDB(cfg.Archive.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return pg.NewPGArchive(db), nil
	}
	s := sqlite.New(filepath.Join(runtimeDir, "messages.db"))
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	return s, nil
}
