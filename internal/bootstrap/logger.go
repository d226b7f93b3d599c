package bootstrap

import (
	"github.com/KaisukaTran/findmy-fm/internal/core"
	"github.com/KaisukaTran/findmy-fm/pkg/logging"
)

// InitLogger builds the process logger from config and installs it as the
// package-level default. Call telemetry.Setup first so the OTel log bridge
// picks up the real provider instead of the noop one.
func InitLogger(cfg *Config) (core.ILogger, error) {
	logger, err := logging.NewZapLogger(cfg.GetLogLevel())
	if err != nil {
		return nil, err
	}
	logging.SetGlobalLogger(logger)
	return logger, nil
}
