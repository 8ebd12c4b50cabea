package broadcast

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"
)

// DefaultWebhookTimeout bounds each delivery attempt, per webhook per
// update. There are no retries; delivery is best-effort.
const DefaultWebhookTimeout = 5 * time.Second

// WebhookType selects the payload shape expected by the receiver.
type WebhookType string

const (
	WebhookSlack   WebhookType = "slack"
	WebhookDiscord WebhookType = "discord"
	WebhookGeneric WebhookType = "generic"
)

// Webhook is one registered external receiver. Events, when non-empty,
// is an allow-list of update types; an empty list receives everything.
type Webhook struct {
	URL     string       `json:"url"`
	Type    WebhookType  `json:"type"`
	Events  []UpdateType `json:"events,omitempty"`
	Enabled bool         `json:"enabled"`
}

// wants reports whether the webhook should receive this update.
func (w Webhook) wants(u *ProgressUpdate) bool {
	if !w.Enabled {
		return false
	}
	if len(w.Events) == 0 {
		return true
	}
	return slices.Contains(w.Events, u.Type)
}

// shapePayload encodes the update in the receiver's expected format.
func shapePayload(w Webhook, u *ProgressUpdate) ([]byte, error) {
	var body any
	switch w.Type {
	case WebhookSlack:
		body = map[string]any{
			"text": fmt.Sprintf("[%s] %s: %s", u.Type, u.Status, u.Message),
		}
	case WebhookDiscord:
		body = map[string]any{
			"content": fmt.Sprintf("**%s** (%s): %s", u.Type, u.Status, u.Message),
		}
	default:
		body = u
	}
	return json.Marshal(body)
}

// dispatchWebhooks delivers the update to every matching webhook
// concurrently. Failures are logged and never returned: webhook errors
// must not reach the engine.
func (b *Broadcaster) dispatchWebhooks(hooks []Webhook, u *ProgressUpdate) {
	g := new(errgroup.Group)
	for _, hook := range hooks {
		g.Go(func() error {
			b.deliverWebhook(hook, u)
			return nil
		})
	}
	g.Wait() //nolint:errcheck // deliverWebhook never returns an error
}

func (b *Broadcaster) deliverWebhook(hook Webhook, u *ProgressUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), b.webhookTimeout)
	defer cancel()

	if err := b.limiter.Wait(ctx); err != nil {
		b.logger.Warn("webhook rate limit wait aborted",
			slog.String("url", hook.URL), slog.Any("error", err))
		return
	}

	payload, err := shapePayload(hook, u)
	if err != nil {
		b.logger.Warn("webhook payload encode failed",
			slog.String("url", hook.URL), slog.Any("error", err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(payload))
	if err != nil {
		b.logger.Warn("webhook request build failed",
			slog.String("url", hook.URL), slog.Any("error", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		b.logger.Warn("webhook delivery failed",
			slog.String("url", hook.URL), slog.Any("error", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		b.logger.Warn("webhook delivery rejected",
			slog.String("url", hook.URL), slog.Int("status", resp.StatusCode))
		return
	}

	b.delivered.Add(1)
}
