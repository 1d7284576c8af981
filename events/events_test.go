package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func stopBus(t *testing.T, eb *EventBus) {
	t.Helper()
	if err := eb.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

func TestEventBus_Subscribe(t *testing.T) {
	eb := NewEventBus()
	defer stopBus(t, eb)

	sub := eb.Subscribe(StateChanged, &mockHandler{})
	if sub.Type != StateChanged {
		t.Fatalf("Expected subscription for %s, got %s", StateChanged, sub.Type)
	}

	if got := len(eb.handlers(StateChanged)); got != 1 {
		t.Fatalf("Expected 1 handler, got %d", got)
	}
}

func TestEventBus_Unsubscribe(t *testing.T) {
	eb := NewEventBus()
	defer stopBus(t, eb)

	// Value handlers are fine; subscriptions are matched by token.
	sub1 := eb.Subscribe(StateChanged, EventHandlerFunc(func(ctx context.Context, event Event) error { return nil }))
	sub2 := eb.Subscribe(StateChanged, EventHandlerFunc(func(ctx context.Context, event Event) error { return nil }))

	if !eb.Unsubscribe(sub1) {
		t.Fatal("Unsubscribe should return true for existing subscription")
	}
	if eb.Unsubscribe(sub1) {
		t.Fatal("Unsubscribe should return false the second time")
	}
	if got := len(eb.handlers(StateChanged)); got != 1 {
		t.Fatalf("Expected 1 handler after unsubscribe, got %d", got)
	}

	if !eb.Unsubscribe(sub2) {
		t.Fatal("Unsubscribe should return true for existing subscription")
	}
	if eb.HasSubscribers(StateChanged) {
		t.Fatal("HasSubscribers should return false after removing every handler")
	}
}

func TestEventBus_Publish(t *testing.T) {
	eb := NewEventBus()
	defer stopBus(t, eb)

	received := make(chan Event, 1)
	eb.SubscribeFunc(ApprovalRequested, func(ctx context.Context, event Event) error {
		received <- event
		return nil
	})

	err := eb.Publish(context.Background(), Event{
		Type:       ApprovalRequested,
		InstanceID: 123,
		EntityType: "Letter",
		EntityID:   "letter-42",
		Data:       map[string]interface{}{"approver_id": "bob"},
	})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case event := <-received:
		if event.InstanceID != 123 || event.EntityID != "letter-42" {
			t.Errorf("unexpected event %+v", event)
		}
		if event.OccurredAt == 0 {
			t.Error("expected OccurredAt to be stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("handler was not called")
	}
}

func TestEventBus_PublishSync(t *testing.T) {
	eb := NewEventBus()
	defer stopBus(t, eb)

	eb.Subscribe(StateChanged, &mockHandler{
		handleFunc: func(ctx context.Context, event Event) error {
			return errors.New("test error")
		},
	})

	errs := eb.PublishSync(context.Background(), Event{Type: StateChanged, InstanceID: 123})
	if len(errs) != 1 {
		t.Fatalf("Expected 1 error, got %d", len(errs))
	}
	if errs[0].Error() != "test error" {
		t.Errorf("Expected 'test error', got '%v'", errs[0])
	}
}

func TestEventBus_PublishSyncRecoversPanics(t *testing.T) {
	eb := NewEventBus()
	defer stopBus(t, eb)

	eb.SubscribeFunc(StateChanged, func(ctx context.Context, event Event) error {
		panic("boom")
	})

	errs := eb.PublishSync(context.Background(), Event{Type: StateChanged})
	if len(errs) != 1 {
		t.Fatalf("Expected 1 error, got %d", len(errs))
	}
}

func TestEventBus_HandlerTimeout(t *testing.T) {
	eb := NewEventBus(WithHandlerTimeout(20 * time.Millisecond))
	defer stopBus(t, eb)

	eb.SubscribeFunc(StateChanged, func(ctx context.Context, event Event) error {
		<-ctx.Done()
		return ctx.Err()
	})

	errs := eb.PublishSync(context.Background(), Event{Type: StateChanged})
	if len(errs) != 1 || !errors.Is(errs[0], context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded, got %v", errs)
	}
}

func TestEventBus_PublishNoHandlers(t *testing.T) {
	eb := NewEventBus()
	defer stopBus(t, eb)

	err := eb.Publish(context.Background(), Event{Type: "unknown_event", InstanceID: 123})
	if err != ErrNoHandler {
		t.Fatalf("Expected ErrNoHandler, got %v", err)
	}
}

func TestEventBus_ChannelFull(t *testing.T) {
	eb := NewEventBus(WithBufferSize(1))
	defer stopBus(t, eb)

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	eb.SubscribeFunc(StateChanged, func(ctx context.Context, event Event) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	})

	// The first event blocks the worker, the second fills the buffer.
	if err := eb.Publish(context.Background(), Event{Type: StateChanged}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	<-started
	if err := eb.Publish(context.Background(), Event{Type: StateChanged}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := eb.Publish(context.Background(), Event{Type: StateChanged}); err != ErrChannelFull {
		t.Fatalf("Expected ErrChannelFull, got %v", err)
	}
	close(release)
}

func TestEventBus_StopDeliversQueuedEvents(t *testing.T) {
	eb := NewEventBus()

	var delivered atomic.Int32
	eb.SubscribeFunc(StateChanged, func(ctx context.Context, event Event) error {
		time.Sleep(5 * time.Millisecond)
		delivered.Add(1)
		return nil
	})

	for i := 0; i < 5; i++ {
		if err := eb.Publish(context.Background(), Event{Type: StateChanged, InstanceID: uint64(i)}); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	stopBus(t, eb)
	if got := delivered.Load(); got != 5 {
		t.Fatalf("Expected 5 delivered events, got %d", got)
	}

	// Stopping twice is harmless.
	stopBus(t, eb)
}

func TestEventBus_StopHonoursContext(t *testing.T) {
	eb := NewEventBus()
	defer stopBus(t, eb)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := eb.Stop(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}

	// A cancelled stop leaves the bus open.
	eb.Subscribe(StateChanged, &mockHandler{})
	if err := eb.Publish(context.Background(), Event{Type: StateChanged}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
}

func TestEventBus_PublishAfterStop(t *testing.T) {
	eb := NewEventBus()
	eb.Subscribe(StateChanged, &mockHandler{})
	stopBus(t, eb)

	err := eb.Publish(context.Background(), Event{Type: StateChanged, InstanceID: 123})
	if err != ErrBusClosed {
		t.Fatalf("Expected ErrBusClosed, got %v", err)
	}

	errs := eb.PublishSync(context.Background(), Event{Type: StateChanged})
	if len(errs) != 1 || errs[0] != ErrBusClosed {
		t.Fatalf("Expected ErrBusClosed, got %v", errs)
	}
}

func TestEventBus_WithErrorHandler(t *testing.T) {
	var (
		mu     sync.Mutex
		failed []Event
	)
	eb := NewEventBus(
		WithBufferSize(200),
		WithErrorHandler(func(event Event, err error) {
			mu.Lock()
			failed = append(failed, event)
			mu.Unlock()
		}),
	)

	if cap(eb.eventCh) != 200 {
		t.Fatalf("Expected buffer size 200, got %d", cap(eb.eventCh))
	}

	eb.SubscribeFunc(TransitionRejected, func(ctx context.Context, event Event) error {
		return errors.New("test error")
	})

	if err := eb.Publish(context.Background(), Event{Type: TransitionRejected, InstanceID: 123}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	stopBus(t, eb)

	mu.Lock()
	defer mu.Unlock()
	if len(failed) != 1 || failed[0].InstanceID != 123 {
		t.Fatalf("Expected one failed event for instance 123, got %+v", failed)
	}
}

func TestEventBus_DefaultErrorHandlerLogs(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	eb := NewEventBus(WithLogger(zap.New(core)))

	eb.SubscribeFunc(ApprovalResolved, func(ctx context.Context, event Event) error {
		return errors.New("mail relay down")
	})

	if err := eb.Publish(context.Background(), Event{Type: ApprovalResolved, InstanceID: 7, EntityID: "letter-7"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	stopBus(t, eb)

	entries := logs.FilterMessage("event handler failed").All()
	if len(entries) != 1 {
		t.Fatalf("Expected 1 log entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["event"] != string(ApprovalResolved) || fields["entity_id"] != "letter-7" {
		t.Errorf("unexpected log fields %v", fields)
	}
}

func TestEventBus_CancelledContext(t *testing.T) {
	eb := NewEventBus()
	defer stopBus(t, eb)

	eb.Subscribe(StateChanged, &mockHandler{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := eb.Publish(ctx, Event{Type: StateChanged, InstanceID: 123})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled error, got %v", err)
	}
}

type mockHandler struct {
	handleFunc func(ctx context.Context, event Event) error
}

func (m *mockHandler) Handle(ctx context.Context, event Event) error {
	if m.handleFunc != nil {
		return m.handleFunc(ctx, event)
	}
	return nil
}
