// Package config provides CLI commands for managing pathwatch configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	appconfig "github.com/Iron-Ham/pathwatch/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or modify pathwatch configuration",
	Long: `View or modify pathwatch configuration.

Without arguments, displays the current configuration.
Use subcommands to modify settings or create a config file.`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in the user's config file.

Keys use dot notation, e.g.:
  pathwatch config set server.base_url https://study.example.com
  pathwatch config set convergence.terminal_debounce_ms 1000

Valid keys:
  server.base_url                      - API origin
  server.token                         - Bearer token
  server.user_id                       - Viewer id; push channels for other users are ignored
  server.request_timeout_ms            - Per-request timeout
  server.max_retries                   - Retries for idempotent pulls
  push.url                             - Push endpoint (default derives from base_url)
  push.min_backoff_ms                  - First reconnect delay
  push.max_backoff_ms                  - Reconnect delay cap
  convergence.stream_poll_interval_ms  - Message poll interval while streaming
  convergence.terminal_debounce_ms     - Delay before the final pull of a finished job
  convergence.reconnect_invalidate     - Re-pull mounted views on reconnect (true/false)
  logging.enabled                      - Write debug logs (true/false)
  logging.level                        - debug, info, warn or error
  journal.enabled                      - Record push envelopes (true/false)
  journal.path                         - Journal database file`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	Long:  `Create a default config file at ~/.config/pathwatch/config.yaml with all available options.`,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	RunE:  runConfigPath,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration for errors",
	RunE:  runConfigValidate,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configValidateCmd)
}

// Register adds all config-related commands to the given parent command.
func Register(parent *cobra.Command) {
	parent.AddCommand(configCmd)
}

var validKeys = map[string]string{
	"server.base_url":                     "string",
	"server.token":                        "string",
	"server.user_id":                      "string",
	"server.request_timeout_ms":           "int",
	"server.max_retries":                  "int",
	"push.url":                            "string",
	"push.min_backoff_ms":                 "int",
	"push.max_backoff_ms":                 "int",
	"convergence.stream_poll_interval_ms": "int",
	"convergence.terminal_debounce_ms":    "int",
	"convergence.reconnect_invalidate":    "bool",
	"logging.enabled":                     "bool",
	"logging.level":                       "level",
	"journal.enabled":                     "bool",
	"journal.path":                        "string",
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg := appconfig.Get()
	out := cmd.OutOrStdout()

	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "Config file: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintf(out, "Config file: (none - using defaults)\n")
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "server:")
	fmt.Fprintf(out, "  base_url: %s\n", cfg.Server.BaseURL)
	fmt.Fprintf(out, "  token: %s\n", redact(cfg.Server.Token))
	fmt.Fprintf(out, "  user_id: %s\n", cfg.Server.UserID)
	fmt.Fprintf(out, "  request_timeout_ms: %d\n", cfg.Server.RequestTimeoutMs)
	fmt.Fprintf(out, "  max_retries: %d\n", cfg.Server.MaxRetries)

	fmt.Fprintln(out, "push:")
	fmt.Fprintf(out, "  url: %s\n", cfg.PushURL())
	fmt.Fprintf(out, "  min_backoff_ms: %d\n", cfg.Push.MinBackoffMs)
	fmt.Fprintf(out, "  max_backoff_ms: %d\n", cfg.Push.MaxBackoffMs)

	fmt.Fprintln(out, "convergence:")
	fmt.Fprintf(out, "  stream_poll_interval_ms: %d\n", cfg.Convergence.StreamPollIntervalMs)
	fmt.Fprintf(out, "  terminal_debounce_ms: %d\n", cfg.Convergence.TerminalDebounceMs)
	fmt.Fprintf(out, "  reconnect_invalidate: %v\n", cfg.Convergence.ReconnectInvalidate)

	fmt.Fprintln(out, "dispatch:")
	fmt.Fprintf(out, "  path_job_types: %s\n", strings.Join(cfg.Dispatch.PathJobTypes, ", "))
	fmt.Fprintf(out, "  chat_job_types: %s\n", strings.Join(cfg.Dispatch.ChatJobTypes, ", "))
	for _, r := range cfg.Dispatch.Routes {
		fmt.Fprintf(out, "  route: %s -> %s[%s]\n", r.Pattern, r.Collection, r.KeyField)
	}

	fmt.Fprintln(out, "logging:")
	fmt.Fprintf(out, "  enabled: %v\n", cfg.Logging.Enabled)
	fmt.Fprintf(out, "  level: %s\n", cfg.Logging.Level)
	fmt.Fprintf(out, "  dir: %s\n", cfg.LogDir())

	fmt.Fprintln(out, "journal:")
	fmt.Fprintf(out, "  enabled: %v\n", cfg.Journal.Enabled)
	fmt.Fprintf(out, "  path: %s\n", cfg.JournalPath())

	return nil
}

func redact(token string) string {
	if token == "" {
		return "(unset)"
	}
	return "********"
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key := args[0]
	value := args[1]

	keyType, ok := validKeys[key]
	if !ok {
		return fmt.Errorf("unknown configuration key: %s\nRun 'pathwatch config set --help' to see valid keys", key)
	}

	var typedValue any
	switch keyType {
	case "string":
		typedValue = value
	case "level":
		v := strings.ToLower(value)
		if !slices.Contains(appconfig.ValidLogLevels(), v) {
			return fmt.Errorf("invalid value for %s: %s\nValid options: %s",
				key, value, strings.Join(appconfig.ValidLogLevels(), ", "))
		}
		typedValue = v
	case "bool":
		if value != "true" && value != "false" {
			return fmt.Errorf("invalid value for %s: expected true or false", key)
		}
		typedValue = value == "true"
	case "int":
		intVal, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for %s: expected integer", key)
		}
		if intVal < 0 {
			return fmt.Errorf("invalid value for %s: must be non-negative", key)
		}
		typedValue = intVal
	}

	configDir := appconfig.ConfigDir()
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	viper.Set(key, typedValue)

	configFile := appconfig.ConfigFile()
	if err := viper.WriteConfigAs(configFile); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %v\n", key, typedValue)
	fmt.Fprintf(cmd.OutOrStdout(), "Config saved to %s\n", configFile)
	return nil
}

const defaultConfigFile = `# pathwatch configuration

server:
  # API origin
  base_url: http://localhost:8080
  # Bearer token sent on every request and on the push connection
  token: ""
  # Your user id; push envelopes addressed to other users are ignored
  user_id: ""
  request_timeout_ms: 15000
  # Retries for idempotent pulls (commands are never retried)
  max_retries: 3

push:
  # Leave empty to derive ws(s)://{base_url}/ws
  url: ""
  min_backoff_ms: 250
  max_backoff_ms: 4000

convergence:
  # Poll interval for the message list while a reply streams
  stream_poll_interval_ms: 2000
  # Delay before the final pull once a watched job finishes
  terminal_debounce_ms: 750
  # Re-pull every mounted view after the push channel reconnects
  reconnect_invalidate: true

logging:
  enabled: true
  level: info
  max_size_mb: 10
  max_backups: 3

journal:
  # Record every push envelope for later replay
  enabled: false
`

func runConfigInit(cmd *cobra.Command, args []string) error {
	configDir := appconfig.ConfigDir()
	configFile := appconfig.ConfigFile()

	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config file already exists at %s\nUse 'pathwatch config set' to modify values", configFile)
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(configFile, []byte(defaultConfigFile), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created config file at %s\n", configFile)
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "Active config: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintf(out, "Default path: %s (not created)\n", appconfig.ConfigFile())
	}

	fmt.Fprintln(out, "\nSearch paths:")
	fmt.Fprintf(out, "  1. %s\n", filepath.Join(appconfig.ConfigDir(), "config.yaml"))
	fmt.Fprintf(out, "  2. ./config.yaml (current directory)\n")
	fmt.Fprintln(out, "\nEnvironment variables: PATHWATCH_* (e.g., PATHWATCH_SERVER_BASE_URL)")
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	_, err := appconfig.Load()
	if err != nil {
		printValidation(cmd.ErrOrStderr(), err)
		return fmt.Errorf("configuration is invalid")
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid.")
	return nil
}

func printValidation(w io.Writer, err error) {
	var errs appconfig.ValidationErrors
	if !errors.As(err, &errs) || len(errs) == 0 {
		fmt.Fprintf(w, "  %v\n", err)
		return
	}
	for _, e := range errs {
		fmt.Fprintf(w, "  %s\n", e.Error())
	}
}
