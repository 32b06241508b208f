package events

import (
	"errors"
	"fmt"
	"sync"
)

// Descriptor is the static routing metadata of one event name.
type Descriptor struct {
	Name       string
	Version    int
	Topic      string
	PubSubName string
}

// Registry maps event names to their descriptors. Names that were never
// registered route to the default topic.
type Registry struct {
	mtx           sync.RWMutex
	entries       map[string]Descriptor
	defaultTopic  string
	defaultPubSub string
}

func NewRegistry(defaultTopic, defaultPubSub string) *Registry {
	return &Registry{
		entries:       make(map[string]Descriptor),
		defaultTopic:  defaultTopic,
		defaultPubSub: defaultPubSub,
	}
}

func (r *Registry) Register(desc Descriptor) error {
	if desc.Name == "" {
		return errors.New("event name is required")
	}
	if desc.Version <= 0 {
		desc.Version = 1
	}
	if desc.Topic == "" {
		desc.Topic = r.defaultTopic
	}
	if desc.PubSubName == "" {
		desc.PubSubName = r.defaultPubSub
	}

	r.mtx.Lock()
	defer r.mtx.Unlock()
	if _, exists := r.entries[desc.Name]; exists {
		return fmt.Errorf("event %s already registered", desc.Name)
	}
	r.entries[desc.Name] = desc
	return nil
}

// Lookup returns the registered descriptor for name.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	desc, ok := r.entries[name]
	return desc, ok
}

// Resolve returns the descriptor for name or a default route.
func (r *Registry) Resolve(name string) Descriptor {
	if desc, ok := r.Lookup(name); ok {
		return desc
	}
	return Descriptor{Name: name, Version: 1, Topic: r.defaultTopic, PubSubName: r.defaultPubSub}
}
