package uow

import (
	"context"
	"database/sql"

	"github.com/aether-platform/eventing/pkg/events"
)

// LocalTransaction is one store's participation in a unit of work. It is
// unusable once the owning unit of work has finished.
type LocalTransaction interface {
	SourceName() string
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	// CollectedEvents drains the domain events captured while persisting.
	CollectedEvents() []events.DomainEvent
}

// Escalator is implemented by participants that can switch from plain
// sessions to a real transaction after they were created.
type Escalator interface {
	EnsureTransaction(ctx context.Context, iso sql.IsolationLevel) error
}

// Saver is implemented by participants that can flush work without
// finishing the transaction.
type Saver interface {
	SaveChanges(ctx context.Context) error
}

// LocalTransactionSource creates participants for one data store.
type LocalTransactionSource interface {
	Name() string
	CreateTransaction(ctx context.Context, opts TxOptions) (LocalTransaction, error)
}

// EventDispatcher receives the events of a unit of work once every
// participant committed.
type EventDispatcher interface {
	Dispatch(ctx context.Context, evts []events.DomainEvent) error
}
