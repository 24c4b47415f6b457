package cmd

import (
	"context"
	"fmt"

	"github.com/Iron-Ham/pathwatch/internal/api"
	"github.com/Iron-Ham/pathwatch/internal/config"
	"github.com/Iron-Ham/pathwatch/internal/dispatch"
	"github.com/Iron-Ham/pathwatch/internal/engine"
	"github.com/Iron-Ham/pathwatch/internal/journal"
	"github.com/Iron-Ham/pathwatch/internal/logging"
	"github.com/Iron-Ham/pathwatch/internal/push"
	"github.com/Iron-Ham/pathwatch/internal/schedule"
)

// loadConfig returns the validated configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newLogger builds the debug logger. Disabled logging yields a no-op logger.
func newLogger(cfg *config.Config) (*logging.Logger, error) {
	if !cfg.Logging.Enabled {
		return logging.NopLogger(), nil
	}
	return logging.New(logging.Options{
		Dir:   cfg.LogDir(),
		Level: cfg.Logging.Level,
		Rotation: logging.RotationConfig{
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			Compress:   cfg.Logging.Compress,
		},
	})
}

func newAPIClient(cfg *config.Config, logger *logging.Logger) *api.Client {
	return api.New(api.Options{
		BaseURL:    cfg.Server.BaseURL,
		Token:      cfg.Server.Token,
		Timeout:    cfg.Server.RequestTimeout(),
		MaxRetries: cfg.Server.MaxRetries,
		Logger:     logger,
	})
}

func newPushClient(cfg *config.Config, logger *logging.Logger) *push.Client {
	return push.NewClient(push.Options{
		URL: cfg.PushURL(),
		Dialer: push.WebSocketDialer{
			Token:     cfg.Server.Token,
			ReadLimit: cfg.Push.ReadLimitBytes,
		},
		MinBackoff: cfg.Push.MinBackoff(),
		MaxBackoff: cfg.Push.MaxBackoff(),
		Logger:     logger,
	})
}

// newSession wires an engine session over backend. userID filters push
// channels; replay passes "" to accept everything recorded.
func newSession(cfg *config.Config, backend engine.Backend, userID string, clock schedule.Clock, logger *logging.Logger) (*engine.Session, error) {
	d, err := dispatch.New(userID, cfg.Dispatch)
	if err != nil {
		return nil, err
	}
	return engine.New(engine.Options{
		Backend:        backend,
		Dispatcher:     d,
		Convergence:    cfg.Convergence,
		Clock:          clock,
		Logger:         logger,
		RequestTimeout: cfg.Server.RequestTimeout(),
	})
}

// openJournal opens the journal at path, or the configured one when path
// is empty.
func openJournal(ctx context.Context, cfg *config.Config, path string) (*journal.Journal, error) {
	if path == "" {
		path = cfg.JournalPath()
	}
	return journal.Open(ctx, path)
}
