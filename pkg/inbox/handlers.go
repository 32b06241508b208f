package inbox

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aether-platform/eventing/pkg/events"
)

// Handler consumes one event. It runs inside a fresh transactional unit of
// work; returning an error rolls back its writes.
type Handler interface {
	Handle(ctx context.Context, env events.Envelope) error
}

type HandlerFunc func(ctx context.Context, env events.Envelope) error

func (f HandlerFunc) Handle(ctx context.Context, env events.Envelope) error {
	return f(ctx, env)
}

type HandlerRegistry struct {
	mtx      sync.RWMutex
	handlers map[string]Handler
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]Handler)}
}

// Register binds h to eventName. One handler per event name.
func (r *HandlerRegistry) Register(eventName string, h Handler) error {
	if eventName == "" {
		return errors.New("event name is required")
	}
	if h == nil {
		return errors.New("handler is required")
	}
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if _, exists := r.handlers[eventName]; exists {
		return fmt.Errorf("handler for %s already registered", eventName)
	}
	r.handlers[eventName] = h
	return nil
}

func (r *HandlerRegistry) Lookup(eventName string) (Handler, bool) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	h, ok := r.handlers[eventName]
	return h, ok
}
