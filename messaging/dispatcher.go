package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/rentalhub/rentbus-go/contracts"
	"github.com/rentalhub/rentbus-go/internal/reliability"
)

// Dispatcher routes messages to handlers by envelope type. It is itself a
// MessageHandler, so one queue carrying several kinds can be consumed with a
// single subscription.
type Dispatcher struct {
	stream   string
	handlers map[string]MessageHandler
	fallback MessageHandler
	mu       sync.RWMutex
	logger   *slog.Logger
}

// DispatcherOption configures the Dispatcher
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithFallback handles every type without a registered handler. Without a
// fallback such messages fail permanently.
func WithFallback(handler MessageHandler) DispatcherOption {
	return func(d *Dispatcher) {
		d.fallback = handler
	}
}

// NewDispatcher creates a dispatcher. stream names the message stream in
// unknown type errors.
func NewDispatcher(stream string, options ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		stream:   stream,
		handlers: make(map[string]MessageHandler),
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(d)
	}

	return d
}

// Register sets the handler for a message type. A type has at most one handler.
func (d *Dispatcher) Register(kind string, handler MessageHandler) error {
	if kind == "" {
		return fmt.Errorf("message type cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.handlers[kind]; exists {
		return fmt.Errorf("handler already registered for message type %s", kind)
	}
	d.handlers[kind] = handler

	d.logger.Debug("registered message handler", "stream", d.stream, "messageType", kind)
	return nil
}

// RegisterFunc registers a function as a handler
func (d *Dispatcher) RegisterFunc(kind string, handler MessageHandlerFunc) error {
	return d.Register(kind, handler)
}

// Unregister removes the handler for a message type
func (d *Dispatcher) Unregister(kind string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.handlers, kind)
}

// Types returns the registered message types in sorted order
func (d *Dispatcher) Types() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	types := make([]string, 0, len(d.handlers))
	for kind := range d.handlers {
		types = append(types, kind)
	}
	sort.Strings(types)
	return types
}

// Handle implements MessageHandler
func (d *Dispatcher) Handle(ctx context.Context, msg *Message) error {
	d.mu.RLock()
	handler, ok := d.handlers[msg.Type()]
	d.mu.RUnlock()

	if !ok {
		if d.fallback != nil {
			return d.fallback.Handle(ctx, msg)
		}
		d.logger.Warn("no handler for message type",
			"stream", d.stream,
			"queue", msg.Queue,
			"messageType", msg.Type())
		return reliability.Permanent(&contracts.UnknownKindError{Stream: d.stream, Kind: msg.Type()})
	}

	return handler.Handle(ctx, msg)
}
