package alert

import "fmt"

// Level icons for Telegram, which has no color affordance.
var telegramIcons = map[AlertLevel]string{
	Warning:  "⚠️",
	Error:    "❌",
	Critical: "🚨",
}

// TelegramChannel posts alerts through the Bot API's sendMessage call.
type TelegramChannel struct {
	*webhook
}

func NewTelegramChannel(botToken, chatID string) *TelegramChannel {
	var path string
	if botToken != "" && chatID != "" {
		path = "/bot" + botToken + "/sendMessage"
	}
	render := func(a AlertPayload) interface{} { return renderTelegram(chatID, a) }
	return &TelegramChannel{newWebhook("telegram", "https://api.telegram.org", path, render)}
}

func renderTelegram(chatID string, a AlertPayload) interface{} {
	icon, ok := telegramIcons[a.Level]
	if !ok {
		icon = "ℹ️"
	}

	text := fmt.Sprintf("%s *[%s] %s*\n\n%s", icon, a.Level, a.Title, a.Message)
	if len(a.Fields) > 0 {
		text += "\n"
		for k, v := range a.Fields {
			text += fmt.Sprintf("\n- *%s*: %s", k, v)
		}
	}

	return map[string]interface{}{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": "Markdown",
	}
}
