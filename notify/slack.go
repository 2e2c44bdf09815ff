// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

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

// SlackPoster posts structured messages to a Slack incoming webhook.
type SlackPoster interface {
	Post(ctx context.Context, webhookURL string, message *SlackMessage) error
}

// SlackMessage is the incoming-webhook payload shape.
type SlackMessage struct {
	Text   string       `json:"text,omitempty"`
	Blocks []SlackBlock `json:"blocks,omitempty"`
}

// SlackBlock is one Block Kit element.
type SlackBlock struct {
	Type string     `json:"type"`
	Text *SlackText `json:"text,omitempty"`
}

// SlackText is the text element inside a block.
type SlackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// NewSectionBlock builds a markdown section block.
func NewSectionBlock(markdown string) SlackBlock {
	return SlackBlock{
		Type: "section",
		Text: &SlackText{Type: "mrkdwn", Text: markdown},
	}
}

// NewHeaderBlock builds a plain-text header block.
func NewHeaderBlock(text string) SlackBlock {
	return SlackBlock{
		Type: "header",
		Text: &SlackText{Type: "plain_text", Text: text},
	}
}

// SlackWebhook posts messages over HTTP.
type SlackWebhook struct {
	httpClient *http.Client
}

// NewSlackWebhook creates a poster with a bounded request timeout.
func NewSlackWebhook() *SlackWebhook {
	return &SlackWebhook{
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Post sends the message to the webhook URL. Non-2xx responses are errors.
func (s *SlackWebhook) Post(ctx context.Context, webhookURL string, message *SlackMessage) error {
	if webhookURL == "" {
		return fmt.Errorf("slack webhook URL is empty")
	}

	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal slack message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("slack webhook request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack webhook returned %d: %s", resp.StatusCode, string(detail))
	}

	return nil
}
