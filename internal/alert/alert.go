// Package alert pushes operator notifications to chat webhooks. Alerts are
// fire-and-forget: a slow or dead webhook must never hold up the trading
// path that raised it.
package alert

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/KaisukaTran/findmy-fm/internal/config"
	"github.com/KaisukaTran/findmy-fm/internal/core"
)

// deliveryTimeout bounds one webhook delivery, independent of the caller's
// own deadline.
const deliveryTimeout = 10 * time.Second

type AlertLevel string

const (
	Info     AlertLevel = "INFO"
	Warning  AlertLevel = "WARNING"
	Error    AlertLevel = "ERROR"
	Critical AlertLevel = "CRITICAL"
)

type AlertPayload struct {
	Level     AlertLevel
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

type AlertChannel interface {
	Send(ctx context.Context, alert AlertPayload) error
	Name() string
}

// AlertManager fans one payload out to every configured channel. With no
// channels it degrades to log-only, which keeps call sites unconditional.
type AlertManager struct {
	channels []AlertChannel
	logger   core.ILogger
	mu       sync.RWMutex
}

func NewAlertManager(logger core.ILogger) *AlertManager {
	return &AlertManager{
		channels: make([]AlertChannel, 0),
		logger:   logger.WithField("component", "alert_manager"),
	}
}

// NewFromConfig builds a manager with the channels the config enables.
func NewFromConfig(cfg config.AlertsConfig, logger core.ILogger) *AlertManager {
	am := NewAlertManager(logger)
	if !cfg.Enabled {
		return am
	}
	if cfg.SlackWebhookURL.Reveal() != "" {
		am.AddChannel(NewSlackChannel(cfg.SlackWebhookURL.Reveal()))
	}
	if cfg.TelegramBotToken.Reveal() != "" && cfg.TelegramChatID != "" {
		am.AddChannel(NewTelegramChannel(cfg.TelegramBotToken.Reveal(), cfg.TelegramChatID))
	}
	return am
}

func (am *AlertManager) AddChannel(ch AlertChannel) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.channels = append(am.channels, ch)
	am.logger.Info("alert channel added", "name", ch.Name())
}

// Alert dispatches to all channels asynchronously. Each delivery gets its
// own timeout so one stuck webhook cannot starve the others.
func (am *AlertManager) Alert(ctx context.Context, title, message string, level AlertLevel, fields map[string]string) {
	payload := AlertPayload{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: time.Now().UTC(),
		Fields:    fields,
	}

	am.logger.Info("alert raised", "title", title, "level", string(level))

	am.mu.RLock()
	channels := slices.Clone(am.channels)
	am.mu.RUnlock()

	for _, ch := range channels {
		go func(c AlertChannel) {
			// Detached from the caller: the request that raised the alert
			// may finish long before the webhook answers.
			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliveryTimeout)
			defer cancel()
			if err := c.Send(sendCtx, payload); err != nil {
				am.logger.Error("alert delivery failed", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
}
