package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrBusClosed indicates the event bus has been closed.
	ErrBusClosed = errors.New("event bus is closed")
	// ErrChannelFull indicates the event channel is full and cannot accept more events.
	ErrChannelFull = errors.New("event channel is full")
	// ErrNoHandler indicates no handlers are registered for the event type.
	ErrNoHandler = errors.New("no handlers registered for event type")
)

// Type names a workflow lifecycle event.
type Type string

const (
	InstanceInitialized Type = "instance_initialized"
	StateChanged        Type = "state_changed"
	TransitionRejected  Type = "transition_rejected"
	ApprovalRequested   Type = "approval_requested"
	ApprovalResolved    Type = "approval_resolved"
)

// Event is published after a workflow operation.
type Event struct {
	Type       Type
	InstanceID uint64
	EntityType string
	EntityID   string
	Data       map[string]interface{}
	OccurredAt int64
}

// EventHandler defines the interface for handling events.
type EventHandler interface {
	Handle(ctx context.Context, event Event) error
}

// EventHandlerFunc is a function adapter for EventHandler.
type EventHandlerFunc func(ctx context.Context, event Event) error

// Handle implements the EventHandler interface.
func (f EventHandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Subscription identifies one Subscribe call so it can be undone.
type Subscription struct {
	Type Type
	id   uint64
}

type subscriber struct {
	id      uint64
	handler EventHandler
}

// EventBus fans events out to subscribed handlers on a background goroutine.
// Events queued before Stop are still delivered.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[Type][]subscriber
	nextID      uint64

	eventCh        chan Event
	done           chan struct{}
	handlerTimeout time.Duration
	errHandler     func(event Event, err error)
	logger         *zap.Logger

	closeMu sync.RWMutex
	closed  bool
}

// EventBusOption defines functional options for configuring EventBus.
type EventBusOption func(*EventBus)

// WithBufferSize sets the event channel buffer size.
func WithBufferSize(size int) EventBusOption {
	return func(eb *EventBus) {
		eb.eventCh = make(chan Event, size)
	}
}

// WithErrorHandler replaces the default handler-error logging.
func WithErrorHandler(handler func(event Event, err error)) EventBusOption {
	return func(eb *EventBus) {
		if handler != nil {
			eb.errHandler = handler
		}
	}
}

// WithHandlerTimeout bounds how long one delivery may run.
func WithHandlerTimeout(d time.Duration) EventBusOption {
	return func(eb *EventBus) {
		if d > 0 {
			eb.handlerTimeout = d
		}
	}
}

// WithLogger sets the logger used by the default error handler.
func WithLogger(logger *zap.Logger) EventBusOption {
	return func(eb *EventBus) {
		if logger != nil {
			eb.logger = logger
		}
	}
}

// NewEventBus creates a new EventBus instance with async processing.
// The default buffer size is 100 and handlers get 5 seconds per event.
func NewEventBus(options ...EventBusOption) *EventBus {
	eb := &EventBus{
		subscribers:    make(map[Type][]subscriber),
		eventCh:        make(chan Event, 100),
		done:           make(chan struct{}),
		handlerTimeout: 5 * time.Second,
		logger:         zap.NewNop(),
	}
	eb.errHandler = eb.logError

	for _, option := range options {
		option(eb)
	}

	go eb.processEvents()

	return eb
}

// Subscribe registers handler for eventType.
func (eb *EventBus) Subscribe(eventType Type, handler EventHandler) Subscription {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber{id: eb.nextID, handler: handler})
	return Subscription{Type: eventType, id: eb.nextID}
}

// SubscribeFunc subscribes a function as a handler to an event type.
func (eb *EventBus) SubscribeFunc(eventType Type, handlerFunc func(ctx context.Context, event Event) error) Subscription {
	return eb.Subscribe(eventType, EventHandlerFunc(handlerFunc))
}

// Unsubscribe removes the handler registered by sub.
// Returns true if it was still registered.
func (eb *EventBus) Unsubscribe(sub Subscription) bool {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	subs := eb.subscribers[sub.Type]
	for i, s := range subs {
		if s.id != sub.id {
			continue
		}
		subs = append(subs[:i:i], subs[i+1:]...)
		if len(subs) == 0 {
			delete(eb.subscribers, sub.Type)
		} else {
			eb.subscribers[sub.Type] = subs
		}
		return true
	}
	return false
}

// HasSubscribers checks if there are any subscribers for a given event type.
func (eb *EventBus) HasSubscribers(eventType Type) bool {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subscribers[eventType]) > 0
}

func (eb *EventBus) handlers(eventType Type) []EventHandler {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	subs := eb.subscribers[eventType]
	handlers := make([]EventHandler, len(subs))
	for i, s := range subs {
		handlers[i] = s.handler
	}
	return handlers
}

// Publish queues an event for asynchronous delivery.
// Returns an error if the context is canceled, the bus is closed, no handler
// is subscribed or the channel is full.
func (eb *EventBus) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if event.OccurredAt == 0 {
		event.OccurredAt = time.Now().UnixMilli()
	}

	eb.closeMu.RLock()
	defer eb.closeMu.RUnlock()
	if eb.closed {
		return ErrBusClosed
	}

	if !eb.HasSubscribers(event.Type) {
		return ErrNoHandler
	}

	select {
	case eb.eventCh <- event:
		return nil
	default:
		return ErrChannelFull
	}
}

// PublishSync delivers an event on the caller's goroutine and returns all
// handler errors.
func (eb *EventBus) PublishSync(ctx context.Context, event Event) []error {
	eb.closeMu.RLock()
	closed := eb.closed
	eb.closeMu.RUnlock()
	if closed {
		return []error{ErrBusClosed}
	}

	handlers := eb.handlers(event.Type)
	if len(handlers) == 0 {
		return []error{ErrNoHandler}
	}
	return eb.deliver(ctx, handlers, event)
}

// Stop closes the bus and waits until queued events are delivered or ctx
// ends. Calling it again after a successful stop is a no-op.
func (eb *EventBus) Stop(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	eb.closeMu.Lock()
	if !eb.closed {
		eb.closed = true
		close(eb.eventCh)
	}
	eb.closeMu.Unlock()

	select {
	case <-eb.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (eb *EventBus) processEvents() {
	defer close(eb.done)

	for event := range eb.eventCh {
		handlers := eb.handlers(event.Type)
		if len(handlers) == 0 {
			continue
		}
		for _, err := range eb.deliver(context.Background(), handlers, event) {
			eb.errHandler(event, err)
		}
	}
}

// deliver runs all handlers concurrently under the handler timeout.
func (eb *EventBus) deliver(ctx context.Context, handlers []EventHandler, event Event) []error {
	ctx, cancel := context.WithTimeout(ctx, eb.handlerTimeout)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, len(handlers))

	for _, handler := range handlers {
		wg.Add(1)
		go func(h EventHandler) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errCh <- fmt.Errorf("handler panic: %v", r)
				}
			}()
			if err := h.Handle(ctx, event); err != nil {
				errCh <- err
			}
		}(handler)
	}

	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errs
}

func (eb *EventBus) logError(event Event, err error) {
	eb.logger.Error("event handler failed",
		zap.String("component", "events"),
		zap.String("event", string(event.Type)),
		zap.Uint64("instance_id", event.InstanceID),
		zap.String("entity_id", event.EntityID),
		zap.Error(err))
}
