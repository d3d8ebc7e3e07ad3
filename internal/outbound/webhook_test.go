package outbound

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/haasonsaas/warden/internal/errdef"
)

func TestWebhookSenderPostsJSON(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
	}))
	defer srv.Close()

	s := NewWebhookSender("webhook", srv.URL, srv.Client())
	err := s.Send(context.Background(), &Message{
		ThreadID:  "thr_1",
		MessageID: "msg_1",
		Content:   "done",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got["message_id"] != "msg_1" || got["text"] != "done" {
		t.Errorf("posted body = %v", got)
	}
}

func TestWebhookSenderClassifiesStatus(t *testing.T) {
	cases := []struct {
		name string
		code int
		want errdef.Kind
	}{
		{"server error is transient", http.StatusBadGateway, errdef.TransientNetwork},
		{"client error is permanent", http.StatusUnprocessableEntity, errdef.PermanentValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.code)
			}))
			defer srv.Close()

			s := NewWebhookSender("webhook", srv.URL, srv.Client())
			err := s.Send(context.Background(), &Message{MessageID: "msg_1"})
			if errdef.KindOf(err) != tc.want {
				t.Errorf("kind = %v, want %v (err %v)", errdef.KindOf(err), tc.want, err)
			}
		})
	}
}

func TestWebhookSenderUnreachableIsTransient(t *testing.T) {
	s := NewWebhookSender("webhook", "http://127.0.0.1:1/outbound", nil)
	err := s.Send(context.Background(), &Message{MessageID: "msg_1"})
	if errdef.KindOf(err) != errdef.TransientNetwork {
		t.Errorf("kind = %v, want transient.network", errdef.KindOf(err))
	}
}
