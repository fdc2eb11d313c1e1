package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/shaiso/Funnel/internal/engine"
)

func TestClient_Send(t *testing.T) {
	contact := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/messages" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		var req SendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req.ContactID != contact || req.Content != "Bem-vindo" || req.ContentType != "text" {
			t.Errorf("request body = %+v", req)
		}
		if len(req.Buttons) != 2 || req.IdempotencyKey != "e:n:0" {
			t.Errorf("buttons/key = %v/%q", req.Buttons, req.IdempotencyKey)
		}
		_ = json.NewEncoder(w).Encode(SendResponse{MessageID: "wamid.1"})
	}))
	defer srv.Close()

	id, err := New(srv.URL, "tok", 0).Send(context.Background(), engine.OutboundMessage{
		ContactID:      contact,
		Content:        "Bem-vindo",
		ContentType:    "text",
		Buttons:        []string{"Sim", "Não"},
		IdempotencyKey: "e:n:0",
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if id != "wamid.1" {
		t.Errorf("message id = %q", id)
	}
}

func TestClient_Send_Errors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		transient bool
	}{
		{"server error", http.StatusServiceUnavailable, `{}`, true},
		{"rate limited", http.StatusTooManyRequests, `{}`, true},
		{"bad request", http.StatusBadRequest, `{"error":"invalid phone"}`, false},
		{"empty id", http.StatusOK, `{}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := New(srv.URL, "", 0).Send(context.Background(), engine.OutboundMessage{Content: "x"})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := engine.IsTransient(err); got != tt.transient {
				t.Errorf("IsTransient() = %v, want %v (%v)", got, tt.transient, err)
			}
			if !tt.transient && !errors.Is(err, engine.ErrConfig) {
				t.Errorf("4xx should be a config error: %v", err)
			}
			if calls.Load() != 1 {
				t.Errorf("calls = %d, want 1", calls.Load())
			}
		})
	}
}
