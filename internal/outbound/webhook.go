package outbound

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/haasonsaas/warden/internal/errdef"
)

// WebhookSender posts deliveries as JSON to a channel's callback URL.
// Non-2xx responses from the server are transient for 5xx and permanent
// otherwise.
type WebhookSender struct {
	channel string
	url     string
	client  *http.Client
}

// NewWebhookSender builds a sender for one channel. A nil client gets a
// 10-second default.
func NewWebhookSender(channel, url string, client *http.Client) *WebhookSender {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookSender{channel: channel, url: url, client: client}
}

func (s *WebhookSender) Channel() string { return s.channel }

// Send implements Sender.
func (s *WebhookSender) Send(ctx context.Context, msg *Message) error {
	body, err := json.Marshal(map[string]any{
		"message_id": msg.MessageID,
		"thread_id":  msg.ThreadID,
		"text":       msg.Content,
		"media_url":  msg.MediaRef,
		"media_mime": msg.MediaMIME,
	})
	if err != nil {
		return errdef.Newf(errdef.PermanentValidation, "encode outbound payload: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return errdef.Newf(errdef.PermanentValidation, "build outbound request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return errdef.Newf(errdef.TransientNetwork, "post to %s: %v", s.channel, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500:
		return errdef.New(errdef.TransientNetwork, fmt.Sprintf("%s returned %d", s.channel, resp.StatusCode))
	default:
		return errdef.New(errdef.PermanentValidation, fmt.Sprintf("%s rejected delivery with %d", s.channel, resp.StatusCode))
	}
}

var _ Sender = (*WebhookSender)(nil)
