// Package notify relays newly recorded clips to a Discord-compatible webhook.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/onnwee/clip-tender/telemetry"
	"github.com/onnwee/clip-tender/twitchapi"
)

// DefaultTimeout bounds one webhook delivery.
const DefaultTimeout = 10 * time.Second

// embedColor is Twitch purple.
const embedColor = 0x9146FF

// Discord posts one message per clip. A zero URL disables delivery.
type Discord struct {
	url    string
	client *resty.Client
}

// NewDiscord returns a notifier for webhookURL. Deliveries are never retried.
func NewDiscord(webhookURL string, timeout time.Duration) *Discord {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := resty.New()
	c.SetTimeout(timeout)
	c.SetRetryCount(0)
	return &Discord{url: webhookURL, client: c}
}

// Enabled reports whether a webhook URL is configured.
func (d *Discord) Enabled() bool { return d != nil && d.url != "" }

type field struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type footer struct {
	Text string `json:"text"`
}

type embed struct {
	Title     string  `json:"title"`
	URL       string  `json:"url"`
	Color     int     `json:"color"`
	Fields    []field `json:"fields"`
	Timestamp string  `json:"timestamp,omitempty"`
	Footer    footer  `json:"footer"`
}

type message struct {
	Content string  `json:"content"`
	Embeds  []embed `json:"embeds"`
}

// Notify delivers c. Failures are logged and counted, never returned.
func (d *Discord) Notify(ctx context.Context, c twitchapi.Clip) {
	if !d.Enabled() {
		return
	}
	err := d.send(ctx, buildMessage(c))
	telemetry.RecordNotification(err)
	if err != nil {
		telemetry.LoggerWithCorr(ctx).Warn("clip notification failed",
			slog.String("component", "notify"), slog.String("clip_id", c.ID), slog.Any("error", err))
		return
	}
	telemetry.LoggerWithCorr(ctx).Info("clip notification sent", slog.String("component", "notify"), slog.String("clip_id", c.ID))
}

func (d *Discord) send(ctx context.Context, m message) error {
	resp, err := d.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(m).
		Post(d.url)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook response status %d: %s", resp.StatusCode(), snippet(resp.Body()))
	}
	return nil
}

func buildMessage(c twitchapi.Clip) message {
	title := c.Title
	if strings.TrimSpace(title) == "" {
		title = "Untitled clip"
	}
	fields := []field{
		{Name: "Creator", Value: orDash(c.CreatorName), Inline: true},
		{Name: "Views", Value: strconv.Itoa(c.ViewCount), Inline: true},
		{Name: "Duration", Value: strconv.FormatFloat(c.Duration, 'f', 1, 64) + "s", Inline: true},
	}
	if c.GameName != "" {
		fields = append(fields, field{Name: "Game", Value: c.GameName, Inline: true})
	}
	return message{
		Content: fmt.Sprintf("New clip from %s: %s", orDash(c.BroadcasterName), c.URL),
		Embeds: []embed{{
			Title:     title,
			URL:       c.URL,
			Color:     embedColor,
			Fields:    fields,
			Timestamp: c.CreatedAt,
			Footer:    footer{Text: c.BroadcasterName},
		}},
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func snippet(body []byte) string {
	if len(body) > 512 {
		body = body[:512]
	}
	return strings.TrimSpace(string(body))
}
