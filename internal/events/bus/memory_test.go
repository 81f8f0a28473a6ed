package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/droidpilot/droidpilot/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func TestMemoryBusPublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	received := make(chan *Event, 1)
	_, err := b.Subscribe("task.abc.step", func(ctx context.Context, e *Event) error {
		received <- e
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	evt := NewEvent("task.step_update", "test", map[string]interface{}{"step_number": 1})
	if err := b.Publish(context.Background(), "task.abc.step", evt); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case got := <-received:
		if got.Type != "task.step_update" {
			t.Errorf("expected type task.step_update, got %s", got.Type)
		}
		if got.ID == "" {
			t.Error("expected event ID to be set")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestMemoryBusWildcardSubscription(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	var count atomic.Int32
	done := make(chan struct{}, 3)
	_, err := b.Subscribe("task.>", func(ctx context.Context, e *Event) error {
		count.Add(1)
		done <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	subjects := []string{"task.t1.step", "task.t1.terminal", "task.t2.overflow"}
	for _, subject := range subjects {
		if err := b.Publish(context.Background(), subject, NewEvent("task.step_update", "test", nil)); err != nil {
			t.Fatalf("publish to %s failed: %v", subject, err)
		}
	}

	for i := 0; i < len(subjects); i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i+1)
		}
	}
	if got := count.Load(); got != 3 {
		t.Errorf("expected 3 events, got %d", got)
	}

	// A non-task subject must not match
	if err := b.Publish(context.Background(), "device.d1.connected", NewEvent("device.connected", "test", nil)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	select {
	case <-done:
		t.Error("wildcard task.> matched a device subject")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBusSingleTokenWildcard(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	received := make(chan string, 2)
	_, err := b.Subscribe("task.*.terminal", func(ctx context.Context, e *Event) error {
		received <- e.Type
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if err := b.Publish(context.Background(), "task.t1.terminal", NewEvent("task.terminal", "test", nil)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for matching event")
	}

	// Two tokens between prefix and suffix must not match a single-token wildcard
	if err := b.Publish(context.Background(), "task.t1.extra.terminal", NewEvent("task.terminal", "test", nil)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	select {
	case <-received:
		t.Error("single-token wildcard matched a two-token subject")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	received := make(chan *Event, 1)
	sub, err := b.Subscribe("task.t1.step", func(ctx context.Context, e *Event) error {
		received <- e
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if !sub.IsValid() {
		t.Fatal("expected subscription to be valid")
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Error("expected subscription to be invalid after unsubscribe")
	}

	if err := b.Publish(context.Background(), "task.t1.step", NewEvent("task.step_update", "test", nil)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	select {
	case <-received:
		t.Error("received event after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBusClosed(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	b.Close()

	if b.IsConnected() {
		t.Error("expected closed bus to report not connected")
	}
	if err := b.Publish(context.Background(), "task.t1.step", NewEvent("task.step_update", "test", nil)); err == nil {
		t.Error("expected publish on closed bus to fail")
	}
	if _, err := b.Subscribe("task.t1.step", func(ctx context.Context, e *Event) error { return nil }); err == nil {
		t.Error("expected subscribe on closed bus to fail")
	}
}
