// Package gormtx plugs a gorm connection into the unit of work.
package gormtx

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/aether-platform/eventing/pkg/events"
	"github.com/aether-platform/eventing/pkg/uow"
	"gorm.io/gorm"
)

var errFinished = errors.New("local transaction already finished")

// Source is a LocalTransactionSource over one gorm connection.
type Source struct {
	name string
	db   *gorm.DB
}

// NewSource registers the event collector on db and returns the source.
func NewSource(name string, db *gorm.DB) (*Source, error) {
	if name == "" {
		return nil, errors.New("source name is required")
	}
	if db == nil {
		return nil, errors.New("gorm db is required")
	}
	if err := db.Use(collectorPlugin{}); err != nil && !errors.Is(err, gorm.ErrRegistered) {
		return nil, fmt.Errorf("register event collector: %w", err)
	}
	return &Source{name: name, db: db}, nil
}

func (s *Source) Name() string { return s.name }

func (s *Source) CreateTransaction(ctx context.Context, opts uow.TxOptions) (uow.LocalTransaction, error) {
	tx := &localTx{source: s}
	if opts.Transactional {
		if err := tx.EnsureTransaction(ctx, opts.IsolationLevel); err != nil {
			return nil, err
		}
	}
	return tx, nil
}

// DB returns the session to use in ctx: the ambient unit of work's
// participant for this source, or a plain session outside of one.
func (s *Source) DB(ctx context.Context) (*gorm.DB, error) {
	u := uow.Current(ctx)
	if u == nil {
		return s.db.WithContext(ctx), nil
	}
	ltx, err := u.Transaction(ctx, s)
	if err != nil {
		return nil, err
	}
	tx, ok := ltx.(*localTx)
	if !ok {
		return nil, fmt.Errorf("source %s: unexpected participant %T", s.name, ltx)
	}
	return tx.session(ctx), nil
}

// WriteDB is DB for writes: the ambient unit of work is escalated first so
// the write lands in its transaction.
func (s *Source) WriteDB(ctx context.Context) (*gorm.DB, error) {
	if u := uow.Current(ctx); u != nil && !u.IsTransactional() {
		if err := u.EnsureTransaction(ctx, u.IsolationLevel()); err != nil {
			return nil, err
		}
	}
	return s.DB(ctx)
}

type localTx struct {
	source *Source

	mu        sync.Mutex
	tx        *gorm.DB
	done      bool
	saves     int
	collected []events.DomainEvent
}

func (t *localTx) SourceName() string { return t.source.name }

func (t *localTx) session(ctx context.Context) *gorm.DB {
	t.mu.Lock()
	base := t.source.db
	if t.tx != nil {
		base = t.tx
	}
	t.mu.Unlock()
	return base.WithContext(withCollector(ctx, t))
}

// EnsureTransaction opens the transaction if it is not open yet. The
// transaction outlives the caller's context and ends only with Commit or
// Rollback.
func (t *localTx) EnsureTransaction(ctx context.Context, iso sql.IsolationLevel) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return errFinished
	}
	if t.tx != nil {
		return nil
	}

	db := t.source.db.WithContext(context.WithoutCancel(ctx))
	var tx *gorm.DB
	if iso == sql.LevelDefault {
		tx = db.Begin()
	} else {
		tx = db.Begin(&sql.TxOptions{Isolation: iso})
	}
	if tx.Error != nil {
		return fmt.Errorf("begin %s transaction: %w", t.source.name, tx.Error)
	}
	t.tx = tx
	return nil
}

// SaveChanges marks a savepoint so a multi-step flow can flush progress
// without ending the transaction.
func (t *localTx) SaveChanges(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return errFinished
	}
	if t.tx == nil {
		return nil
	}
	t.saves++
	return t.tx.WithContext(ctx).SavePoint(fmt.Sprintf("aether_sp_%d", t.saves)).Error
}

func (t *localTx) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return errFinished
	}
	t.done = true
	if t.tx == nil {
		return nil
	}
	return t.tx.Commit().Error
}

// Rollback is a no-op once the transaction finished, committed or not.
func (t *localTx) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil
	}
	t.done = true
	t.collected = nil
	if t.tx == nil {
		return nil
	}
	return t.tx.Rollback().Error
}

func (t *localTx) collect(evts []events.DomainEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.collected = append(t.collected, evts...)
}

func (t *localTx) CollectedEvents() []events.DomainEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.collected
	t.collected = nil
	return out
}
