// Package events carries domain events from the assessment pipeline to its
// in-process consumers. The decision journal and the webhook dispatcher
// subscribe at startup and live for the whole process, so the bus has no
// unsubscribe; Close waits out async publishes still in flight.
package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// Event types published by the risk service.
const (
	// Assessment outcomes, one per scored session.
	EventAssessmentCompleted = "risk.assessment.completed"
	EventAssessmentReview    = "risk.assessment.review"
	EventAssessmentBlocked   = "risk.assessment.blocked"
	EventAssessmentFailSafe  = "risk.assessment.failsafe"

	// Behavioral profile lifecycle.
	EventProfileEnrolled = "behavior.profile.enrolled"
	EventProfileUpdated  = "behavior.profile.updated"

	// Factor-level signals, emitted as they are detected.
	EventVersionMismatch   = "device.version.mismatch"
	EventDeviceCompromised = "device.compromised"
	EventSimChanged        = "device.sim.changed"
	EventLocationAnomaly   = "location.anomaly"
	EventVPNDetected       = "location.vpn.detected"

	// Process lifecycle.
	EventSystemStartup  = "system.startup"
	EventSystemShutdown = "system.shutdown"
)

// Event is the unit every consumer receives: identity, origin, and a
// payload interpreted by Type.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	TraceID   string         `json:"trace_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Payload   map[string]any `json:"payload"`
}

// NewEvent stamps a fresh event with identity and the current time.
func NewEvent(eventType, source string, payload map[string]any) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// WithUserID returns a copy carrying the subject user.
func (e Event) WithUserID(userID string) Event {
	e.UserID = userID
	return e
}

// WithTraceFromContext returns a copy stamped with the active trace ID so
// consumers can tie deliveries back to the originating request.
func (e Event) WithTraceFromContext(ctx context.Context) Event {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		e.TraceID = sc.TraceID().String()
	}
	return e
}

// EventHandler processes one delivered event.
type EventHandler func(ctx context.Context, event Event) error

// Bus is what publishers and subscribers see of the event system.
type Bus interface {
	Publish(ctx context.Context, event Event) error
	PublishAsync(ctx context.Context, event Event)
	Subscribe(eventType string, handler EventHandler)
	SubscribeAll(handler EventHandler)
	Close() error
}

// MemoryBus dispatches events to subscribers in the calling goroutine.
type MemoryBus struct {
	mu          sync.RWMutex
	byType      map[string][]EventHandler
	allHandlers []EventHandler
	closed      bool

	wg      sync.WaitGroup
	onError func(error)
}

// NewMemoryBus creates a bus that drops async failures until SetErrorHandler
// installs a real sink.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		byType:  make(map[string][]EventHandler),
		onError: func(error) {},
	}
}

// SetErrorHandler installs the callback PublishAsync reports failures to.
func (b *MemoryBus) SetErrorHandler(handler func(error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onError = handler
}

// snapshot returns the handlers subscribed for eventType at this moment.
// Handlers run outside the lock so a slow consumer cannot block Subscribe.
func (b *MemoryBus) snapshot(eventType string) ([]EventHandler, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, errors.New("event bus is closed")
	}
	handlers := make([]EventHandler, 0, len(b.byType[eventType])+len(b.allHandlers))
	handlers = append(handlers, b.byType[eventType]...)
	return append(handlers, b.allHandlers...), nil
}

// Publish delivers the event to every subscriber in turn. Handler failures
// are collected, not short-circuited: one consumer's error must not starve
// the others, and the caller gets all of them joined.
func (b *MemoryBus) Publish(ctx context.Context, event Event) error {
	handlers, err := b.snapshot(event.Type)
	if err != nil {
		return err
	}

	var errs []error
	for _, handle := range handlers {
		if err := handle(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PublishAsync delivers the event from a new goroutine, detached from the
// caller's cancellation: a request finishing must not abort journal writes
// or webhook enqueues already underway. Failures go to the SetErrorHandler
// callback.
func (b *MemoryBus) PublishAsync(ctx context.Context, event Event) {
	ctx = context.WithoutCancel(ctx)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := b.Publish(ctx, event); err != nil {
			b.mu.RLock()
			onError := b.onError
			b.mu.RUnlock()
			onError(err)
		}
	}()
}

// Subscribe registers a handler for one event type.
func (b *MemoryBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byType[eventType] = append(b.byType[eventType], handler)
}

// SubscribeAll registers a handler that sees every event.
func (b *MemoryBus) SubscribeAll(handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allHandlers = append(b.allHandlers, handler)
}

// Close rejects further publishes and waits for async deliveries in flight.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}

// The process-wide bus. Publishing through package functions keeps deep
// pipeline code from threading a Bus through every constructor.
var globalBus Bus = NewMemoryBus()

// SetGlobalBus replaces the process-wide bus. Call it once during startup,
// before anything publishes.
func SetGlobalBus(bus Bus) {
	globalBus = bus
}

// Publish delivers on the process-wide bus.
func Publish(ctx context.Context, event Event) error {
	return globalBus.Publish(ctx, event)
}

// PublishAsync delivers asynchronously on the process-wide bus.
func PublishAsync(ctx context.Context, event Event) {
	globalBus.PublishAsync(ctx, event)
}
