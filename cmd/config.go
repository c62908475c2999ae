package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "gemini-mcp-server"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage gemini-mcp-server configuration.

Running bare 'gemini-mcp-server config' is the same as 'config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# gemini-mcp-server configuration
# See: gemini-mcp-server config show (for effective values and sources)

# HTTP listen address for the task API (default: 127.0.0.1:44755)
# addr: {{ .Addr }}

llm:
  # Planner provider: gemini or claude (default: gemini)
  provider: "{{ .Provider }}"

gemini:
  # Google AI Studio API key (or set GEMINI_API_KEY)
  api_key: ""
  model: "{{ .GeminiModel }}"

claude:
  # Anthropic API key (or set ANTHROPIC_API_KEY)
  api_key: ""
  model: "{{ .ClaudeModel }}"
  # Sign requests with ambient AWS credentials instead of an API key
  use_bedrock: {{ .UseBedrock }}

queue:
  # How long an executor may hold a task before it is redelivered
  lease_ttl: {{ .LeaseTTL }}

session:
  # Sessions with no activity for this long are evicted and archived
  idle_timeout: {{ .IdleTimeout }}

archive:
  # Record closed sessions to SQLite (default: true)
  enabled: {{ .ArchiveEnabled }}
  # db_path: {{ .ArchiveDBPath }}
`

type configTemplateData struct {
	Addr           string
	Provider       string
	GeminiModel    string
	ClaudeModel    string
	UseBedrock     bool
	LeaseTTL       string
	IdleTimeout    string
	ArchiveEnabled bool
	ArchiveDBPath  string
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if file already exists
	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	// Build template data from current viper values
	data := configTemplateData{
		Addr:           viper.GetString("addr"),
		Provider:       viper.GetString("llm.provider"),
		GeminiModel:    viper.GetString("gemini.model"),
		ClaudeModel:    viper.GetString("claude.model"),
		UseBedrock:     viper.GetBool("claude.use_bedrock"),
		LeaseTTL:       viper.GetDuration("queue.lease_ttl").String(),
		IdleTimeout:    viper.GetDuration("session.idle_timeout").String(),
		ArchiveEnabled: viper.GetBool("archive.enabled"),
		ArchiveDBPath:  viper.GetString("archive.db_path"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	// Create config directory
	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeyInfo describes a config key for display purposes.
type configKeyInfo struct {
	Key    string
	EnvVar string
}

var configKeys = []configKeyInfo{
	{Key: "addr", EnvVar: "GEMINI_MCP_ADDR"},
	{Key: "llm.provider", EnvVar: "GEMINI_MCP_LLM_PROVIDER"},
	{Key: "gemini.api_key", EnvVar: "GEMINI_MCP_GEMINI_API_KEY"},
	{Key: "gemini.model", EnvVar: "GEMINI_MCP_GEMINI_MODEL"},
	{Key: "claude.api_key", EnvVar: "GEMINI_MCP_CLAUDE_API_KEY"},
	{Key: "claude.model", EnvVar: "GEMINI_MCP_CLAUDE_MODEL"},
	{Key: "claude.use_bedrock", EnvVar: "GEMINI_MCP_CLAUDE_USE_BEDROCK"},
	{Key: "queue.lease_ttl", EnvVar: "GEMINI_MCP_QUEUE_LEASE_TTL"},
	{Key: "queue.sweep_interval", EnvVar: "GEMINI_MCP_QUEUE_SWEEP_INTERVAL"},
	{Key: "session.idle_timeout", EnvVar: "GEMINI_MCP_SESSION_IDLE_TIMEOUT"},
	{Key: "gateway.max_attempts", EnvVar: "GEMINI_MCP_GATEWAY_MAX_ATTEMPTS"},
	{Key: "orchestrator.max_rounds", EnvVar: "GEMINI_MCP_ORCHESTRATOR_MAX_ROUNDS"},
	{Key: "archive.enabled", EnvVar: "GEMINI_MCP_ARCHIVE_ENABLED"},
	{Key: "archive.db_path", EnvVar: "GEMINI_MCP_ARCHIVE_DB_PATH"},
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if config file exists
	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	// Read config file values to determine file source
	fileValues := readConfigFileValues(cfgPath)

	for _, k := range configKeys {
		val := viper.Get(k.Key)
		if strings.HasSuffix(k.Key, ".api_key") {
			// Never print secrets.
			if viper.GetString(k.Key) == "" {
				val = "(unset)"
			} else {
				val = "(set)"
			}
		}
		source := detectSource(k.Key, k.EnvVar, fileValues)
		fmt.Fprintf(ui.Out, "  %-26s %v  %s\n", k.Key, val, source)
	}

	return nil
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	// Flatten nested keys with dot notation
	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'gemini-mcp-server config init' first)", cfgPath)
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
