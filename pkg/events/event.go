// Package events defines the domain event model shared by the unit of work,
// the dispatcher and the outbox/inbox processors.
package events

import (
	"time"

	"github.com/google/uuid"
)

// DomainEvent is a fact raised by an aggregate while it is being changed.
type DomainEvent struct {
	ID         string
	Name       string
	Subject    string
	OccurredAt time.Time
	Data       any
}

// New builds a DomainEvent with a fresh id and the current UTC time.
func New(name, subject string, data any) DomainEvent {
	return DomainEvent{
		ID:         uuid.NewString(),
		Name:       name,
		Subject:    subject,
		OccurredAt: time.Now().UTC(),
		Data:       data,
	}
}

// Source is implemented by aggregates that buffer events until they are
// persisted.
type Source interface {
	PullEvents() []DomainEvent
}

// Recorder buffers events raised by an aggregate. Embed it with `gorm:"-"`.
type Recorder struct {
	pending []DomainEvent
}

// Record appends evt to the pending buffer.
func (r *Recorder) Record(evt DomainEvent) {
	r.pending = append(r.pending, evt)
}

// PullEvents returns and clears the pending buffer.
func (r *Recorder) PullEvents() []DomainEvent {
	out := r.pending
	r.pending = nil
	return out
}
