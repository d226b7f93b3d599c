package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KaisukaTran/findmy-fm/internal/bootstrap"
	apperrors "github.com/KaisukaTran/findmy-fm/pkg/errors"
	"github.com/KaisukaTran/findmy-fm/pkg/telemetry"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

var (
	configPath  = flag.String("config", "configs/fm_server.yaml", "Path to configuration file")
	portFlag    = flag.Int("port", 0, "API port (overrides config)")
	showVersion = flag.Bool("version", false, "Show version and exit")
)

// Exit codes: 0 clean shutdown, 1 runtime failure, 2 configuration or
// preflight error, 3 store open failure, 130 interrupted by signal.
func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("fm_server version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	os.Exit(run())
}

func run() int {
	cfg, err := bootstrap.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		if errors.Is(err, apperrors.ErrStoreError) {
			return 3
		}
		return 2
	}
	if *portFlag > 0 {
		cfg.Server.Port = *portFlag
	}

	// Telemetry first so the logger's OTel bridge sees the real provider.
	tel, err := telemetry.Setup("findmy-fm")
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetry setup failed, continuing without exporters: %v\n", err)
	} else {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tel.Shutdown(ctx)
		}()
	}

	logger, err := bootstrap.InitLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		return 1
	}

	logger.Info("starting fm_server",
		"version", version,
		"port", cfg.Server.Port,
		"log_level", cfg.GetLogLevel())

	app, err := bootstrap.NewApp(cfg, logger)
	if err != nil {
		logger.Error("initialization failed", "error", err)
		return exitCode(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx); err != nil {
		logger.Error("platform stopped with error", "error", err)
		return exitCode(err)
	}

	if ctx.Err() != nil {
		// Signal-initiated shutdown.
		return 130
	}
	return 0
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrValidation):
		return 2
	case errors.Is(err, apperrors.ErrStoreError):
		return 3
	default:
		return 1
	}
}
