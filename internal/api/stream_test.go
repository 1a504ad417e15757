package api

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/otp-registrar/internal/domain"
	"github.com/ashureev/otp-registrar/internal/events"
)

func TestStatusStreamFiltersBySession(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	srv := httptest.NewServer(NewStatusStream(bus))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?session_id=s1"
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ws.CloseNow()

	deadline := time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	bus.Publish(domain.StatusEvent{SessionID: "other", Status: domain.StatusPending})
	bus.Publish(domain.StatusEvent{SessionID: "s1", Status: domain.StatusCheckingDevice})

	_, data, err := ws.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	var ev domain.StatusEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.SessionID != "s1" || ev.Status != domain.StatusCheckingDevice {
		t.Fatalf("event = %+v", ev)
	}
}
