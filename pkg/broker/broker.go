// Package broker defines the narrow publish contract the dispatcher and the
// outbox processor depend on, plus an in-process implementation.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrNoPublisher is returned when no publisher serves a pubsub name.
var ErrNoPublisher = errors.New("no publisher registered")

// Publisher delivers an already-encoded envelope to a topic of the named
// pub/sub component.
type Publisher interface {
	Publish(ctx context.Context, topic, pubsubName string, data []byte) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, topic, pubsubName string, data []byte) error

func (f PublisherFunc) Publish(ctx context.Context, topic, pubsubName string, data []byte) error {
	return f(ctx, topic, pubsubName, data)
}

// Mux routes publishes by pubsub name, falling back to a default publisher
// for names it does not know.
type Mux struct {
	mu       sync.RWMutex
	byName   map[string]Publisher
	fallback Publisher
}

func NewMux(fallback Publisher) *Mux {
	return &Mux{byName: make(map[string]Publisher), fallback: fallback}
}

// Handle registers p for pubsubName, replacing any previous registration.
func (m *Mux) Handle(pubsubName string, p Publisher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byName[strings.TrimSpace(pubsubName)] = p
}

func (m *Mux) Publish(ctx context.Context, topic, pubsubName string, data []byte) error {
	m.mu.RLock()
	p, ok := m.byName[strings.TrimSpace(pubsubName)]
	if !ok {
		p = m.fallback
	}
	m.mu.RUnlock()
	if p == nil {
		return fmt.Errorf("%w for pubsub %q", ErrNoPublisher, pubsubName)
	}
	return p.Publish(ctx, topic, pubsubName, data)
}

// Message is one publish observed by Memory.
type Message struct {
	Topic      string
	PubSubName string
	Data       []byte
}

// Memory is an in-process Publisher. It backs local sqlite runs and tests.
type Memory struct {
	mu       sync.Mutex
	messages []Message
	failNext int
	failErr  error
}

func NewMemory() *Memory {
	return &Memory{}
}

// FailNext makes the next n publishes return err.
func (m *Memory) FailNext(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
	m.failErr = err
}

func (m *Memory) Publish(ctx context.Context, topic, pubsubName string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext > 0 {
		m.failNext--
		return m.failErr
	}
	m.messages = append(m.messages, Message{
		Topic:      topic,
		PubSubName: pubsubName,
		Data:       append([]byte(nil), data...),
	})
	return nil
}

// Messages returns a copy of everything published so far.
func (m *Memory) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.messages...)
}
