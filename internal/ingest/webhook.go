package ingest

import (
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/warden/internal/errdef"
)

// webhookPayload is the generic JSON shape posted by webhook channels.
type webhookPayload struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Sender    string `json:"sender"`
	Text      string `json:"text"`
	MediaURL  string `json:"media_url"`
	MediaMIME string `json:"media_mime"`
}

// Non-message kinds a webhook may post; acknowledged but never routed.
var webhookNoOps = map[string]bool{
	"receipt":  true,
	"reaction": true,
	"status":   true,
	"typing":   true,
}

// WebhookAdapter parses the generic webhook JSON envelope. The channel
// name distinguishes multiple webhook sources sharing the format.
type WebhookAdapter struct {
	Name string
}

func (a *WebhookAdapter) Channel() string { return a.Name }

// Parse extracts a routable message, or nil for recognized no-ops.
func (a *WebhookAdapter) Parse(payload []byte) (*Inbound, error) {
	var p webhookPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, errdef.New(errdef.PermanentValidation, fmt.Sprintf("malformed webhook body: %v", err))
	}
	if webhookNoOps[p.Kind] {
		return nil, nil
	}
	if p.Kind != "" && p.Kind != "message" {
		return nil, errdef.Newf(errdef.PermanentValidation, "unknown webhook kind %q", p.Kind)
	}
	if p.ID == "" || p.Sender == "" {
		return nil, errdef.New(errdef.PermanentValidation, "webhook payload missing id or sender")
	}
	return &Inbound{
		ExternalID: p.ID,
		Sender:     p.Sender,
		Content:    p.Text,
		MediaRef:   p.MediaURL,
		MediaMIME:  p.MediaMIME,
	}, nil
}
