// Package webhook mirrors warning-and-up log records to Slack and
// Discord webhooks so list maintainers hear about bans, refused peers
// and failures without watching the log.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// postTimeout bounds one webhook delivery.
const postTimeout = 5 * time.Second

// Handler is a slog.Handler that forwards WARN and ERROR records to the
// configured webhooks on top of the wrapped handler. Delivery is
// fire-and-forget; a dead webhook never slows the daemon down.
type Handler struct {
	inner   slog.Handler
	slack   string
	discord string
	client  *http.Client
}

// Wrap decorates inner with webhook delivery. With no URLs configured
// inner is returned unchanged.
func Wrap(inner slog.Handler, slackURL, discordURL string) slog.Handler {
	if slackURL == "" && discordURL == "" {
		return inner
	}
	return &Handler{
		inner:   inner,
		slack:   slackURL,
		discord: discordURL,
		client:  &http.Client{Timeout: postTimeout},
	}
}

// Enabled implements slog.Handler.
func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn {
		text := format(r)
		if h.slack != "" {
			go h.post(h.slack, map[string]string{"text": text})
		}
		if h.discord != "" {
			go h.post(h.discord, map[string]string{"content": text})
		}
	}
	return h.inner.Handle(ctx, r)
}

// WithAttrs implements slog.Handler.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{inner: h.inner.WithAttrs(attrs), slack: h.slack, discord: h.discord, client: h.client}
}

// WithGroup implements slog.Handler.
func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{inner: h.inner.WithGroup(name), slack: h.slack, discord: h.discord, client: h.client}
}

func format(r slog.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", r.Level, r.Message)
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value.Any())
		return true
	})
	return b.String()
}

func (h *Handler) post(url string, payload map[string]string) {
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	resp, err := h.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return
	}
	_ = resp.Body.Close()
}
