package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/ashureev/otp-registrar/internal/domain"
)

func TestBusDeliversInOrderToEverySubscriber(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	got := map[string][]domain.Status{}
	for _, name := range []string{"a", "b"} {
		name := name
		bus.Subscribe(func(ev domain.StatusEvent) {
			mu.Lock()
			got[name] = append(got[name], ev.Status)
			mu.Unlock()
		})
	}

	want := []domain.Status{
		domain.StatusPending, domain.StatusCheckingDevice, domain.StatusStartingAutomationSession, domain.StatusFailed,
	}
	for _, s := range want {
		bus.Publish(domain.StatusEvent{SessionID: "s1", Status: s})
	}
	bus.Close()

	for _, name := range []string{"a", "b"} {
		if fmt.Sprint(got[name]) != fmt.Sprint(want) {
			t.Errorf("subscriber %s got %v, want %v", name, got[name], want)
		}
	}
}

func TestBusSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	bus := NewBus()
	release := make(chan struct{})
	var delivered int
	var mu sync.Mutex

	bus.Subscribe(func(domain.StatusEvent) {
		<-release
		mu.Lock()
		delivered++
		mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(domain.StatusEvent{SessionID: "s1", Status: domain.StatusPending})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	close(release)
	bus.Close()
	if delivered != 100 {
		t.Fatalf("delivered = %d, want 100", delivered)
	}
}

func TestBusUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var mu sync.Mutex
	count := 0
	unsubscribe := bus.Subscribe(func(domain.StatusEvent) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	bus.Publish(domain.StatusEvent{SessionID: "s1", Status: domain.StatusPending})
	unsubscribe()
	unsubscribe()
	bus.Publish(domain.StatusEvent{SessionID: "s1", Status: domain.StatusFailed})

	if n := bus.SubscriberCount(); n != 0 {
		t.Fatalf("SubscriberCount = %d", n)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		c := count
		mu.Unlock()
		if c == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
}

func TestBusPanickingHandlerKeepsRunning(t *testing.T) {
	bus := NewBus()

	var got []domain.Status
	bus.Subscribe(func(ev domain.StatusEvent) {
		if ev.Status == domain.StatusPending {
			panic("boom")
		}
		got = append(got, ev.Status)
	})
	bus.Publish(domain.StatusEvent{SessionID: "s1", Status: domain.StatusPending})
	bus.Publish(domain.StatusEvent{SessionID: "s1", Status: domain.StatusFailed})
	bus.Close()

	if len(got) != 1 || got[0] != domain.StatusFailed {
		t.Fatalf("got %v", got)
	}

	// Publish and Subscribe after Close are no-ops.
	bus.Publish(domain.StatusEvent{SessionID: "s1"})
	bus.Subscribe(func(domain.StatusEvent) { t.Error("delivered after close") })()
}

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaSinkKeysBySession(t *testing.T) {
	w := &fakeWriter{}
	sink := &KafkaSink{writer: w, timeout: time.Second}

	sink.Handle(domain.StatusEvent{SessionID: "reg_1", Status: domain.StatusRegistered})
	if len(w.msgs) != 1 {
		t.Fatalf("messages = %d", len(w.msgs))
	}
	if string(w.msgs[0].Key) != "reg_1" {
		t.Errorf("key = %q", w.msgs[0].Key)
	}
	var ev domain.StatusEvent
	if err := json.Unmarshal(w.msgs[0].Value, &ev); err != nil || ev.Status != domain.StatusRegistered {
		t.Errorf("payload = %s (%v)", w.msgs[0].Value, err)
	}

	w.err = errors.New("broker down")
	sink.Handle(domain.StatusEvent{SessionID: "reg_1", Status: domain.StatusFailed})

	if NewKafkaSink(nil, "topic") != nil {
		t.Error("NewKafkaSink without brokers should be nil")
	}
	var nilSink *KafkaSink
	nilSink.Handle(domain.StatusEvent{})
	if err := nilSink.Close(); err != nil {
		t.Errorf("nil Close = %v", err)
	}
}
