package alert

import (
	"context"
	"time"

	fmhttp "github.com/KaisukaTran/findmy-fm/pkg/http"
)

// webhook posts rendered alert payloads to a chat API through the shared
// HTTP client, which supplies retries and a circuit breaker. An
// unconfigured webhook (empty path) swallows sends so call sites never
// need to special-case it.
type webhook struct {
	name   string
	path   string
	client *fmhttp.Client
	render func(AlertPayload) interface{}
}

func newWebhook(name, baseURL, path string, render func(AlertPayload) interface{}) *webhook {
	return &webhook{
		name: name,
		path: path,
		client: fmhttp.NewClient(baseURL,
			fmhttp.WithTimeout(5*time.Second),
			fmhttp.WithRetries(1),
			fmhttp.WithBackoff(200*time.Millisecond, time.Second)),
		render: render,
	}
}

func (w *webhook) Name() string { return w.name }

func (w *webhook) Send(ctx context.Context, a AlertPayload) error {
	if w.path == "" {
		return nil
	}
	_, err := w.client.Post(ctx, w.path, w.render(a))
	return err
}
