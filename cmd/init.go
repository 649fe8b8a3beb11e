package cmd

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goswarm/internal/config"
)

// providerPriority is the auto-detect order when several provider API
// keys are present in the environment. First match wins.
var providerPriority = []string{
	"anthropic", "openai", "deepseek", "groq", "openrouter", "dashscope",
}

type providerInfo struct {
	label     string
	envKey    string
	apiBase   string // empty means the client default
	modelHint string
}

var providers = map[string]providerInfo{
	"anthropic":  {label: "Anthropic", envKey: "ANTHROPIC_API_KEY", modelHint: "claude-sonnet-4-0"},
	"openai":     {label: "OpenAI", envKey: "OPENAI_API_KEY", modelHint: "gpt-4o"},
	"deepseek":   {label: "DeepSeek", envKey: "DEEPSEEK_API_KEY", apiBase: "https://api.deepseek.com/v1", modelHint: "deepseek-chat"},
	"groq":       {label: "Groq", envKey: "GROQ_API_KEY", apiBase: "https://api.groq.com/openai/v1", modelHint: "llama-3.3-70b-versatile"},
	"openrouter": {label: "OpenRouter", envKey: "OPENROUTER_API_KEY", apiBase: "https://openrouter.ai/api/v1", modelHint: "openai/gpt-4o"},
	"dashscope":  {label: "DashScope (Qwen)", envKey: "DASHSCOPE_API_KEY", apiBase: "https://dashscope.aliyuncs.com/compatible-mode/v1", modelHint: "qwen-plus"},
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Interactive first-time setup",
		Long:  "Walks through LLM service and gateway configuration and writes the config file.",
		Run: func(cmd *cobra.Command, args []string) {
			runInit()
		},
	}
}

func runInit() {
	cfgPath := resolveConfigPath()

	if _, err := os.Stat(cfgPath); err == nil {
		overwrite := false
		confirm := huh.NewConfirm().
			Title(fmt.Sprintf("Config already exists at %s. Overwrite?", cfgPath)).
			Value(&overwrite)
		if err := huh.NewForm(huh.NewGroup(confirm)).Run(); err != nil {
			exitOnFormErr(err)
		}
		if !overwrite {
			fmt.Println("Keeping the existing config.")
			return
		}
	}

	provider := "anthropic"
	options := make([]huh.Option[string], 0, len(providerPriority)+1)
	for _, name := range providerPriority {
		options = append(options, huh.NewOption(providers[name].label, name))
	}
	options = append(options, huh.NewOption("Other (OpenAI-compatible)", "custom"))

	if err := huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().
			Title("LLM provider").
			Options(options...).
			Value(&provider),
	)).Run(); err != nil {
		exitOnFormErr(err)
	}

	info := providers[provider]
	var (
		providerName = provider
		apiKey       string
		model        = info.modelHint
		apiBase      = info.apiBase
	)

	fields := []huh.Field{}
	if provider == "custom" {
		providerName = "openai-compatible"
		fields = append(fields,
			huh.NewInput().
				Title("Provider name").
				Description("Any OpenAI-compatible service").
				Value(&providerName),
		)
	}
	fields = append(fields,
		huh.NewInput().
			Title("API key").
			EchoMode(huh.EchoModePassword).
			Validate(func(s string) error {
				if strings.TrimSpace(s) == "" {
					return errors.New("an API key is required")
				}
				return nil
			}).
			Value(&apiKey),
		huh.NewInput().
			Title("Model").
			Placeholder(info.modelHint).
			Value(&model),
		huh.NewInput().
			Title("API base URL").
			Description("Leave empty for the provider default").
			Value(&apiBase),
	)
	if err := huh.NewForm(huh.NewGroup(fields...)).Run(); err != nil {
		exitOnFormErr(err)
	}
	if model == "" {
		model = info.modelHint
	}

	useToken := true
	if err := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title("Generate a gateway access token?").
			Description("Required for connections from other hosts; local clients read it from the config").
			Value(&useToken),
	)).Run(); err != nil {
		exitOnFormErr(err)
	}

	cfg := config.Default()
	cfg.LLM.Services[cfg.LLM.Default] = config.ServiceConfig{
		Provider: providerName,
		APIKey:   strings.TrimSpace(apiKey),
		APIBase:  apiBase,
		Model:    model,
	}
	if useToken {
		cfg.Gateway.Token = generateToken(16)
	}

	if err := config.Save(cfgPath, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("\nConfig saved to %s\n", cfgPath)
	if useToken {
		fmt.Printf("Gateway token: %s\n", cfg.Gateway.Token)
	}
	fmt.Println("\nStart the runtime with `goswarm serve`.")
}

func exitOnFormErr(err error) {
	if errors.Is(err, huh.ErrUserAborted) {
		fmt.Println("Setup cancelled.")
		os.Exit(0)
	}
	fmt.Fprintf(os.Stderr, "Setup failed: %v\n", err)
	os.Exit(1)
}

// canAutoInit reports whether the environment carries enough to build a
// config without the wizard (Docker and CI setups).
func canAutoInit() bool {
	if os.Getenv("GOSWARM_API_KEY") != "" {
		return true
	}
	for _, name := range providerPriority {
		if os.Getenv(providers[name].envKey) != "" {
			return true
		}
	}
	return false
}

// runAutoInit performs non-interactive setup from environment variables.
// Returns true on success.
func runAutoInit(cfgPath string) bool {
	fmt.Println("No config found; building one from environment variables...")

	provider := os.Getenv("GOSWARM_PROVIDER")
	apiKey := os.Getenv("GOSWARM_API_KEY")

	if apiKey != "" && provider == "" {
		// A bare key without a provider: Anthropic keys are recognizable,
		// anything else is treated as OpenAI-compatible.
		if strings.HasPrefix(apiKey, "sk-ant-") {
			provider = "anthropic"
		} else {
			provider = "openai"
		}
	}
	if apiKey == "" {
		for _, name := range providerPriority {
			if v := os.Getenv(providers[name].envKey); v != "" {
				provider, apiKey = name, v
				break
			}
		}
	}
	if apiKey == "" {
		fmt.Println("  No provider API key found in environment.")
		return false
	}

	info := providers[provider]
	model := os.Getenv("GOSWARM_MODEL")
	if model == "" {
		model = info.modelHint
	}
	apiBase := os.Getenv("GOSWARM_API_BASE")
	if apiBase == "" {
		apiBase = info.apiBase
	}
	fmt.Printf("  Provider: %s (model: %s)\n", provider, model)

	cfg := config.Default()
	cfg.LLM.Services[cfg.LLM.Default] = config.ServiceConfig{
		Provider: provider,
		APIKey:   apiKey,
		APIBase:  apiBase,
		Model:    model,
	}
	if token := os.Getenv("GOSWARM_GATEWAY_TOKEN"); token != "" {
		cfg.Gateway.Token = token
	} else {
		cfg.Gateway.Token = generateToken(16)
		fmt.Printf("  Gateway token: %s\n", cfg.Gateway.Token)
	}

	if err := config.Save(cfgPath, cfg); err != nil {
		fmt.Printf("  Could not save config: %v\n", err)
		return false
	}
	fmt.Printf("  Config saved to %s\n", cfgPath)
	return true
}

func generateToken(bytes int) string {
	buf := make([]byte, bytes)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}
