// Package logging adapts zap to the platform's logger contract and bridges
// every record into OpenTelemetry.
//
// Construction order matters: telemetry.Setup installs the global OTel log
// provider, and NewZapLogger snapshots that provider when wiring the bridge.
// A logger built before Setup bridges into the noop provider.
package logging

import (
	"fmt"
	"os"
	"strings"

	"github.com/KaisukaTran/findmy-fm/internal/core"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// bridgeName is the instrumentation scope under which bridged records appear.
const bridgeName = "findmy-fm"

// ZapLogger implements core.ILogger on top of zap. Fields arrive as
// alternating key/value pairs, the convention used throughout the codebase.
type ZapLogger struct {
	logger *zap.Logger
}

// NewZapLogger builds the process logger: console output on stdout teed with
// the OTel log bridge, filtered at the given level.
func NewZapLogger(level string) (*ZapLogger, error) {
	tee := zapcore.NewTee(
		consoleCore(parseLevel(level)),
		otelzap.NewCore(bridgeName, otelzap.WithLoggerProvider(global.GetLoggerProvider())),
	)
	return &ZapLogger{logger: zap.New(tee, zap.AddCaller(), zap.AddCallerSkip(1))}, nil
}

// NewNopLogger returns a logger that discards everything. For tests.
func NewNopLogger() core.ILogger {
	return &ZapLogger{logger: zap.NewNop()}
}

// parseLevel maps a config level name to a zap level. Config validation
// rejects unknown names upstream; anything that slips through degrades to
// INFO rather than aborting startup.
func parseLevel(name string) zapcore.Level {
	lvl, err := zapcore.ParseLevel(strings.ToLower(name))
	if err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

func consoleCore(lvl zapcore.Level) zapcore.Core {
	enc := zap.NewProductionEncoderConfig()
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	return zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.AddSync(os.Stdout), lvl)
}

// kvFields turns alternating key/value arguments into zap fields. A dangling
// key without a value is dropped; non-string keys are stringified.
func kvFields(kvs []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(kvs)/2)
	for ; len(kvs) >= 2; kvs = kvs[2:] {
		key, ok := kvs[0].(string)
		if !ok {
			key = fmt.Sprint(kvs[0])
		}
		fields = append(fields, zap.Any(key, kvs[1]))
	}
	return fields
}

func (l *ZapLogger) Debug(msg string, kvs ...interface{}) { l.logger.Debug(msg, kvFields(kvs)...) }
func (l *ZapLogger) Info(msg string, kvs ...interface{})  { l.logger.Info(msg, kvFields(kvs)...) }
func (l *ZapLogger) Warn(msg string, kvs ...interface{})  { l.logger.Warn(msg, kvFields(kvs)...) }
func (l *ZapLogger) Error(msg string, kvs ...interface{}) { l.logger.Error(msg, kvFields(kvs)...) }
func (l *ZapLogger) Fatal(msg string, kvs ...interface{}) { l.logger.Fatal(msg, kvFields(kvs)...) }

// WithField returns a child logger that carries the extra field on every
// record. Components scope themselves with WithField("component", ...).
func (l *ZapLogger) WithField(key string, value interface{}) core.ILogger {
	return &ZapLogger{logger: l.logger.With(zap.Any(key, value))}
}

// WithFields returns a child logger carrying all given fields.
func (l *ZapLogger) WithFields(fields map[string]interface{}) core.ILogger {
	with := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		with = append(with, zap.Any(k, v))
	}
	return &ZapLogger{logger: l.logger.With(with...)}
}

// Sync flushes buffered records. Stdout does not support fsync everywhere, so
// shutdown paths ignore the error.
func (l *ZapLogger) Sync() error {
	return l.logger.Sync()
}

// processLogger is the fallback for code paths without an injected logger.
// It starts at INFO and is replaced by bootstrap once config is loaded.
var processLogger = mustDefault()

func mustDefault() core.ILogger {
	l, _ := NewZapLogger("INFO")
	return l
}

// SetGlobalLogger installs the process-wide default returned by
// GetGlobalLogger. Components still receive their logger by injection; the
// global exists for early startup and panics.
func SetGlobalLogger(l core.ILogger) { processLogger = l }

// GetGlobalLogger returns the process-wide default logger.
func GetGlobalLogger() core.ILogger { return processLogger }
