package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Convergence.StreamPollInterval() != 2*time.Second {
		t.Errorf("StreamPollInterval() = %v, want 2s", cfg.Convergence.StreamPollInterval())
	}
	if cfg.Convergence.TerminalDebounce() != 750*time.Millisecond {
		t.Errorf("TerminalDebounce() = %v, want 750ms", cfg.Convergence.TerminalDebounce())
	}
	if !cfg.Convergence.ReconnectInvalidate {
		t.Error("Convergence.ReconnectInvalidate should be true by default")
	}
	if cfg.Push.MinBackoff() != 250*time.Millisecond || cfg.Push.MaxBackoff() != 4*time.Second {
		t.Errorf("backoff = %v..%v, want 250ms..4s", cfg.Push.MinBackoff(), cfg.Push.MaxBackoff())
	}
	if cfg.Server.RequestTimeout() != 15*time.Second {
		t.Errorf("RequestTimeout() = %v, want 15s", cfg.Server.RequestTimeout())
	}
	if len(cfg.Dispatch.PathJobTypes) != 1 || cfg.Dispatch.PathJobTypes[0] != "learning_build" {
		t.Errorf("Dispatch.PathJobTypes = %v", cfg.Dispatch.PathJobTypes)
	}
	if len(cfg.Dispatch.Routes) != 2 {
		t.Errorf("Dispatch.Routes = %v, want 2 routes", cfg.Dispatch.Routes)
	}
	if errs := cfg.Validate(); len(errs) != 0 {
		t.Errorf("Default().Validate() = %v, want no errors", errs)
	}
}

func TestPushURL(t *testing.T) {
	tests := []struct {
		name    string
		base    string
		pushURL string
		want    string
	}{
		{"https base", "https://study.example.com/", "", "wss://study.example.com/ws"},
		{"http base", "http://localhost:8080", "", "ws://localhost:8080/ws"},
		{"explicit", "http://localhost:8080", "wss://push.example.com/events", "wss://push.example.com/events"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Server.BaseURL = tt.base
			cfg.Push.URL = tt.pushURL
			if got := cfg.PushURL(); got != tt.want {
				t.Errorf("PushURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestConfigDir(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	if got := ConfigDir(); got != "/tmp/xdg/pathwatch" {
		t.Errorf("ConfigDir() = %q, want /tmp/xdg/pathwatch", got)
	}
	if got := ConfigFile(); got != "/tmp/xdg/pathwatch/config.yaml" {
		t.Errorf("ConfigFile() = %q", got)
	}
	cfg := Default()
	if got := cfg.JournalPath(); got != "/tmp/xdg/pathwatch/journal.db" {
		t.Errorf("JournalPath() = %q", got)
	}
	if got := cfg.LogDir(); got != "/tmp/xdg/pathwatch/logs" {
		t.Errorf("LogDir() = %q", got)
	}
}

func TestLoad_FromFile(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  base_url: https://api.example.com
  user_id: u-42
convergence:
  stream_poll_interval_ms: 1000
dispatch:
  path_job_types: [learning_build, path_rebuild]
  routes:
    - pattern: "node_avatar_*"
      collection: node
      key_field: node_id
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	SetDefaults()
	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		t.Fatalf("ReadInConfig failed: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.UserID != "u-42" {
		t.Errorf("Server.UserID = %q, want u-42", cfg.Server.UserID)
	}
	if cfg.Convergence.StreamPollIntervalMs != 1000 {
		t.Errorf("StreamPollIntervalMs = %d, want 1000", cfg.Convergence.StreamPollIntervalMs)
	}
	if cfg.Convergence.TerminalDebounceMs != 750 {
		t.Errorf("TerminalDebounceMs = %d, want default 750", cfg.Convergence.TerminalDebounceMs)
	}
	if len(cfg.Dispatch.PathJobTypes) != 2 {
		t.Errorf("PathJobTypes = %v", cfg.Dispatch.PathJobTypes)
	}
	if len(cfg.Dispatch.Routes) != 1 || cfg.Dispatch.Routes[0].Pattern != "node_avatar_*" {
		t.Errorf("Routes = %+v", cfg.Dispatch.Routes)
	}
}

func TestLoad_Invalid(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	SetDefaults()
	viper.Set("push.max_backoff_ms", 10)
	viper.Set("logging.level", "loud")

	_, err := Load()
	if err == nil {
		t.Fatal("expected validation error")
	}
	verrs, ok := err.(ValidationErrors)
	if !ok {
		t.Fatalf("error type = %T, want ValidationErrors", err)
	}
	if len(verrs) != 2 {
		t.Errorf("got %d errors, want 2: %v", len(verrs), verrs)
	}
	if !strings.Contains(err.Error(), "2 validation errors") {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestGet_FallsBackToDefault(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	viper.Set("server.base_url", "not a url")
	cfg := Get()
	if cfg.Server.BaseURL != Default().Server.BaseURL {
		t.Errorf("Get() should fall back to defaults, got base_url %q", cfg.Server.BaseURL)
	}
}
