package alert

import "fmt"

// Attachment colors by level; unknown levels fall back to green.
var slackColors = map[AlertLevel]string{
	Warning:  "#ffcc00",
	Error:    "#ff0000",
	Critical: "#8b0000",
}

// SlackChannel posts alerts as message attachments to an incoming webhook.
type SlackChannel struct {
	*webhook
}

func NewSlackChannel(webhookURL string) *SlackChannel {
	return &SlackChannel{newWebhook("slack", "", webhookURL, renderSlack)}
}

func renderSlack(a AlertPayload) interface{} {
	color, ok := slackColors[a.Level]
	if !ok {
		color = "#36a64f"
	}

	fields := make([]map[string]interface{}, 0, len(a.Fields))
	for k, v := range a.Fields {
		fields = append(fields, map[string]interface{}{
			"title": k,
			"value": v,
			"short": true,
		})
	}

	return map[string]interface{}{
		"attachments": []map[string]interface{}{{
			"color":   color,
			"pretext": fmt.Sprintf("[%s] %s", a.Level, a.Title),
			"text":    a.Message,
			"fields":  fields,
			"ts":      a.Timestamp.Unix(),
			"footer":  "findmy-fm",
		}},
	}
}
