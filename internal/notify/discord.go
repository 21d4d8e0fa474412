package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DiscordSender delivers notifications via a Discord webhook.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordSender creates a DiscordSender for the given webhook URL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

type discordPayload struct {
	Content         string                 `json:"content"`
	AllowedMentions *discordAllowedMention `json:"allowed_mentions,omitempty"`
}

type discordAllowedMention struct {
	Users []string `json:"users"`
}

// Send posts an alert with the title in bold.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	return d.post(ctx, discordPayload{Content: fmt.Sprintf("**%s**\n%s", title, message)})
}

// SendTo posts message to the webhook channel, mentioning the user. Webhooks
// cannot open direct messages.
func (d *DiscordSender) SendTo(ctx context.Context, userID, message string) error {
	return d.post(ctx, discordPayload{
		Content:         fmt.Sprintf("<@%s> %s", userID, message),
		AllowedMentions: &discordAllowedMention{Users: []string{userID}},
	})
}

func (d *DiscordSender) post(ctx context.Context, payload discordPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("discord: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("discord: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("discord: send request: %w", err)
	}
	defer resp.Body.Close()

	// 204 No Content on success.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("discord: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// Name returns the sender identifier.
func (d *DiscordSender) Name() string {
	return "discord"
}
