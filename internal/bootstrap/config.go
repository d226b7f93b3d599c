package bootstrap

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/KaisukaTran/findmy-fm/internal/config"
	apperrors "github.com/KaisukaTran/findmy-fm/pkg/errors"
)

// Config is an alias for the project's main configuration struct
type Config = config.Config

// LoadConfig delegates to the project's config loader
func LoadConfig(path string) (*Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrValidation, err)
	}

	// Pre-flight Checks
	if err := checkPreFlight(cfg); err != nil {
		return nil, fmt.Errorf("pre-flight checks failed: %w", err)
	}

	return cfg, nil
}

// checkPreFlight performs environment checks beyond schema validation: the
// store directories must exist (or be creatable) before sqlite tries to
// open files inside them.
func checkPreFlight(cfg *Config) error {
	for _, path := range []string{cfg.Store.SOTPath, cfg.Store.TSPath} {
		dir := filepath.Dir(path)
		if dir == "." || dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("%w: store directory %s not writable: %v", apperrors.ErrStoreError, dir, err)
		}
	}

	if cfg.Alerts.Enabled &&
		cfg.Alerts.SlackWebhookURL.Reveal() == "" &&
		cfg.Alerts.TelegramBotToken.Reveal() == "" {
		return fmt.Errorf("%w: alerts.enabled is set but no channel is configured", apperrors.ErrValidation)
	}

	return nil
}
