package mq

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Funnel/internal/domain"
)

func TestParsePayload_EventPending(t *testing.T) {
	id, company := uuid.New(), uuid.New()
	body, _ := json.Marshal(&Message{
		ID:   id.String(),
		Type: MessageTypeEventPending,
		Payload: EventPendingPayload{
			EventID:   id,
			CompanyID: company,
			Type:      domain.EventKeyword,
		},
	})

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		t.Fatal(err)
	}

	got, err := ParsePayload[EventPendingPayload](&msg)
	if err != nil {
		t.Fatalf("ParsePayload() error = %v", err)
	}
	if got.EventID != id || got.CompanyID != company || got.Type != domain.EventKeyword {
		t.Errorf("ParsePayload() = %+v", got)
	}
}

func TestParsePayload_Poison(t *testing.T) {
	msg := &Message{Payload: map[string]any{"event_id": 42}}
	_, err := ParsePayload[EventPendingPayload](msg)
	if !errors.Is(err, ErrPoison) {
		t.Errorf("error = %v, want ErrPoison", err)
	}
}

func TestNextReconnectDelay(t *testing.T) {
	tests := []struct {
		in, want time.Duration
	}{
		{time.Second, 2 * time.Second},
		{8 * time.Second, 16 * time.Second},
		{20 * time.Second, 30 * time.Second},
		{30 * time.Second, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := nextReconnectDelay(tt.in); got != tt.want {
			t.Errorf("nextReconnectDelay(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
