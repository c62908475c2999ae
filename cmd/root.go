package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Skithrills/gemini-mcp-server/internal/archive"
	"github.com/Skithrills/gemini-mcp-server/internal/client"
	"github.com/Skithrills/gemini-mcp-server/internal/gateway"
	"github.com/Skithrills/gemini-mcp-server/internal/orchestrator"
	"github.com/Skithrills/gemini-mcp-server/internal/output"
)

const defaultAddr = "127.0.0.1:44755"

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui *output.UI

	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "gemini-mcp-server",
	Short: "LLM task orchestrator for Roblox Studio",
	Long: `gemini-mcp-server turns natural-language prompts into task plans executed
by a companion Roblox Studio plugin.

Prompts arrive over HTTP, the CLI, or MCP. An LLM planner (Gemini or
Claude) answers with a plan; the Studio plugin polls the task API, runs
each task in order, and reports results back until the session is idle.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return rootRun(cmd)
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/gemini-mcp-server/config.yaml)")
	rootCmd.PersistentFlags().String("addr", defaultAddr, "Server address (host:port)")
	_ = viper.BindPFlag("addr", rootCmd.PersistentFlags().Lookup("addr"))
}

func initConfig() {
	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if dir, err := configDirFunc(); err == nil {
		viper.AddConfigPath(dir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("GEMINI_MCP")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

// setDefaults registers every config key. Tests call this against a fresh
// viper instead of running the whole of initConfig.
func setDefaults() {
	configDir, _ := configDirFunc()

	viper.SetDefault("addr", defaultAddr)
	viper.SetDefault("llm.provider", "gemini")
	viper.SetDefault("gemini.api_key", "")
	viper.SetDefault("gemini.model", "gemini-2.5-pro")
	viper.SetDefault("claude.api_key", "")
	viper.SetDefault("claude.model", "claude-sonnet-4-5")
	viper.SetDefault("claude.use_bedrock", false)
	viper.SetDefault("claude.aws_region", "")
	viper.SetDefault("claude.aws_profile", "")
	viper.SetDefault("gateway.max_attempts", 3)
	viper.SetDefault("gateway.backoff_base", 500*time.Millisecond)
	viper.SetDefault("queue.lease_ttl", 15*time.Second)
	viper.SetDefault("queue.sweep_interval", 2*time.Second)
	viper.SetDefault("session.idle_timeout", 30*time.Minute)
	viper.SetDefault("orchestrator.max_rounds", 8)
	viper.SetDefault("archive.enabled", true)
	viper.SetDefault("archive.db_path", filepath.Join(configDir, "history.db"))
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose

	if verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}
}

// rootRun handles bare invocation: show status when a server is up,
// otherwise print help.
func rootRun(cmd *cobra.Command) error {
	if _, running := pidFile().IsRunning(); running {
		return statusRun()
	}
	return cmd.Help()
}

// serverURL returns the base URL clients use to reach the local server.
func serverURL() string {
	addr := viper.GetString("addr")
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}

func newAPIClient() *client.Client {
	return client.New(serverURL())
}

// newPlanner builds the configured LLM planner wrapped with retry.
func newPlanner() (gateway.Planner, error) {
	policy := gateway.RetryPolicy{
		MaxAttempts: viper.GetInt("gateway.max_attempts"),
		BaseDelay:   viper.GetDuration("gateway.backoff_base"),
	}

	switch provider := viper.GetString("llm.provider"); provider {
	case "gemini":
		apiKey := viper.GetString("gemini.api_key")
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("no Gemini API key configured (set gemini.api_key or GEMINI_API_KEY)")
		}
		return gateway.WithRetry(gateway.NewGemini(gateway.GeminiConfig{
			APIKey: apiKey,
			Model:  viper.GetString("gemini.model"),
		}), policy), nil

	case "claude":
		cfg := gateway.ClaudeConfig{
			APIKey:     viper.GetString("claude.api_key"),
			Model:      viper.GetString("claude.model"),
			UseBedrock: viper.GetBool("claude.use_bedrock"),
			AWSRegion:  viper.GetString("claude.aws_region"),
			AWSProfile: viper.GetString("claude.aws_profile"),
		}
		if cfg.APIKey == "" {
			cfg.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if cfg.APIKey == "" && !cfg.UseBedrock {
			return nil, fmt.Errorf("no Claude API key configured (set claude.api_key, ANTHROPIC_API_KEY, or claude.use_bedrock)")
		}
		return gateway.WithRetry(gateway.NewClaude(cfg), policy), nil

	default:
		return nil, fmt.Errorf("unknown llm.provider %q (expected gemini or claude)", provider)
	}
}

// newEngine assembles the orchestration engine from config. The returned
// store is nil when archiving is disabled; the caller owns closing it.
func newEngine() (*orchestrator.Engine, *archive.Store, error) {
	planner, err := newPlanner()
	if err != nil {
		return nil, nil, err
	}

	cfg := orchestrator.Config{
		LeaseTTL:      viper.GetDuration("queue.lease_ttl"),
		SweepInterval: viper.GetDuration("queue.sweep_interval"),
		IdleTimeout:   viper.GetDuration("session.idle_timeout"),
		MaxRounds:     viper.GetInt("orchestrator.max_rounds"),
	}

	var store *archive.Store
	if viper.GetBool("archive.enabled") {
		store, err = archive.NewStore(viper.GetString("archive.db_path"))
		if err != nil {
			return nil, nil, fmt.Errorf("open archive: %w", err)
		}
		if err := store.Migrate(context.Background()); err != nil {
			_ = store.Close()
			return nil, nil, fmt.Errorf("migrate archive: %w", err)
		}
		cfg.Archive = store
	}

	return orchestrator.New(planner, cfg), store, nil
}

// timeAgo formats a timestamp as a relative duration for table display.
func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		days := int(d.Hours() / 24)
		if days == 1 {
			return "1d ago"
		}
		return fmt.Sprintf("%dd ago", days)
	}
}
