package uow

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/aether-platform/eventing/pkg/events"
	"go.uber.org/multierr"
)

// UnitOfWork is a commit/rollback boundary over one or more
// LocalTransactions. Handles returned for a joined Required scope are
// children: they share the root's participants and state, their Commit only
// marks the scope as completed, and Abort or an uncommitted Dispose aborts
// the shared root.
type UnitOfWork struct {
	id      string
	name    string
	scope   ScopeOption
	manager *Manager
	// parent is the unit of work that was ambient when this one started.
	// It is never committed, rolled back or disposed through this link.
	parent *UnitOfWork
	// root is set on joined children only.
	root *UnitOfWork

	childCommitted atomic.Bool
	childDisposed  atomic.Bool

	mu            sync.Mutex
	state         State
	reservation   string
	placeholder   bool
	suppressed    bool
	transactional bool
	isolation     sql.IsolationLevel
	committing    bool
	disposed      bool
	txs           []LocalTransaction
	bySource      map[string]LocalTransaction
	pending       []events.DomainEvent
}

func (u *UnitOfWork) target() *UnitOfWork {
	if u.root != nil {
		return u.root
	}
	return u
}

func (u *UnitOfWork) newChild(name string, parent *UnitOfWork) *UnitOfWork {
	root := u.target()
	return &UnitOfWork{
		id:      root.id,
		name:    name,
		scope:   Required,
		manager: root.manager,
		parent:  parent,
		root:    root,
	}
}

func (u *UnitOfWork) ID() string { return u.target().id }

func (u *UnitOfWork) Name() string {
	if u.name != "" {
		return u.name
	}
	return u.target().name
}

func (u *UnitOfWork) Scope() ScopeOption { return u.scope }

// Parent returns the unit of work that was ambient when this one began.
func (u *UnitOfWork) Parent() *UnitOfWork { return u.parent }

// IsChild reports whether this handle joined another unit of work.
func (u *UnitOfWork) IsChild() bool { return u.root != nil }

func (u *UnitOfWork) State() State {
	t := u.target()
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (u *UnitOfWork) IsTransactional() bool {
	t := u.target()
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transactional
}

func (u *UnitOfWork) IsolationLevel() sql.IsolationLevel {
	t := u.target()
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isolation
}

// Activated reports whether a prepared unit of work was claimed by
// TryBeginPrepared. Units created by Begin are always activated.
func (u *UnitOfWork) Activated() bool {
	return !u.isPlaceholder()
}

func (u *UnitOfWork) isPlaceholder() bool {
	t := u.target()
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.placeholder
}

func (u *UnitOfWork) isDisposed() bool {
	if u.root != nil {
		return u.childDisposed.Load()
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.disposed
}

// usableLocked reports why the root cannot take more work. Callers hold mu.
func (u *UnitOfWork) usableLocked() error {
	switch {
	case u.suppressed:
		return ErrSuppressed
	case u.state == StateAborted:
		return ErrAborted
	case u.state != StateActive, u.committing, u.disposed:
		return ErrNotActive
	case u.placeholder:
		return ErrNotActivated
	}
	return nil
}

// Transaction returns the participant for src, creating it on first use.
// Participants commit in the order they were first requested.
func (u *UnitOfWork) Transaction(ctx context.Context, src LocalTransactionSource) (LocalTransaction, error) {
	t := u.target()
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.usableLocked(); err != nil {
		return nil, err
	}
	if tx, ok := t.bySource[src.Name()]; ok {
		return tx, nil
	}

	tx, err := src.CreateTransaction(ctx, TxOptions{Transactional: t.transactional, IsolationLevel: t.isolation})
	if err != nil {
		return nil, fmt.Errorf("create %s transaction: %w", src.Name(), err)
	}
	if t.bySource == nil {
		t.bySource = make(map[string]LocalTransaction)
	}
	t.bySource[src.Name()] = tx
	t.txs = append(t.txs, tx)
	return tx, nil
}

// EnsureTransaction escalates a non-transactional unit of work: every
// current participant opens its transaction now and later ones start
// transactional.
func (u *UnitOfWork) EnsureTransaction(ctx context.Context, iso sql.IsolationLevel) error {
	t := u.target()
	t.mu.Lock()
	if err := t.usableLocked(); err != nil {
		t.mu.Unlock()
		return err
	}
	if !t.transactional {
		t.transactional = true
		t.isolation = iso
	}
	iso = t.isolation
	txs := append([]LocalTransaction(nil), t.txs...)
	t.mu.Unlock()

	for _, tx := range txs {
		esc, ok := tx.(Escalator)
		if !ok {
			continue
		}
		if err := esc.EnsureTransaction(ctx, iso); err != nil {
			return fmt.Errorf("escalate %s: %w", tx.SourceName(), err)
		}
	}
	return nil
}

// AddEvent queues an event for dispatch after a successful commit.
func (u *UnitOfWork) AddEvent(evt events.DomainEvent) error {
	t := u.target()
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.usableLocked(); err != nil {
		return err
	}
	t.pending = append(t.pending, evt)
	return nil
}

// SaveChanges flushes every participant that supports it without
// finishing the unit of work.
func (u *UnitOfWork) SaveChanges(ctx context.Context) error {
	t := u.target()
	t.mu.Lock()
	if err := t.usableLocked(); err != nil {
		t.mu.Unlock()
		return err
	}
	txs := append([]LocalTransaction(nil), t.txs...)
	t.mu.Unlock()

	for _, tx := range txs {
		if saver, ok := tx.(Saver); ok {
			if err := saver.SaveChanges(ctx); err != nil {
				return fmt.Errorf("save %s: %w", tx.SourceName(), err)
			}
		}
	}
	return nil
}

// Abort marks the unit of work, or the root it joined, as aborted. An
// aborted unit of work refuses to commit and rolls back when disposed.
func (u *UnitOfWork) Abort() {
	t := u.target()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateActive && !t.committing {
		t.state = StateAborted
	}
}

// Commit finishes the unit of work. On a joined child it only records that
// the scope completed; the owner of the root decides.
func (u *UnitOfWork) Commit(ctx context.Context) error {
	if u.root != nil {
		if u.childDisposed.Load() {
			return ErrNotActive
		}
		u.childCommitted.Store(true)
		if u.root.State() == StateAborted {
			return ErrAborted
		}
		return nil
	}
	return u.commitRoot(ctx)
}

func (u *UnitOfWork) commitRoot(ctx context.Context) error {
	u.mu.Lock()
	if u.suppressed {
		u.state = StateCommitted
		u.mu.Unlock()
		return nil
	}
	if err := u.usableLocked(); err != nil {
		u.mu.Unlock()
		return err
	}
	if err := ctx.Err(); err != nil {
		u.mu.Unlock()
		return fmt.Errorf("commit unit of work %s: %w", u.id, err)
	}
	u.committing = true
	txs := append([]LocalTransaction(nil), u.txs...)
	u.mu.Unlock()

	committed := make([]string, 0, len(txs))
	for i, tx := range txs {
		if err := ctx.Err(); err != nil {
			// Participants that already committed stay committed.
			return u.failCommit(ctx, &CommitError{
				UnitOfWork:  u.id,
				Committed:   committed,
				Failed:      tx.SourceName(),
				Err:         err,
				RollbackErr: rollbackAll(ctx, txs[i:]),
			})
		}
		if err := tx.Commit(ctx); err != nil {
			return u.failCommit(ctx, &CommitError{
				UnitOfWork:  u.id,
				Committed:   committed,
				Failed:      tx.SourceName(),
				Err:         err,
				RollbackErr: rollbackAll(ctx, txs),
			})
		}
		committed = append(committed, tx.SourceName())
	}

	u.mu.Lock()
	u.state = StateCommitted
	u.committing = false
	evts := u.pending
	u.pending = nil
	for _, tx := range txs {
		evts = append(evts, tx.CollectedEvents()...)
	}
	u.mu.Unlock()

	if len(evts) == 0 {
		return nil
	}
	dispatcher := u.manager.eventDispatcher()
	if dispatcher == nil {
		return nil
	}
	// The data is committed, so the events must not be lost to a caller
	// that goes away now.
	if err := dispatcher.Dispatch(context.WithoutCancel(ctx), evts); err != nil {
		derr := &DispatchError{UnitOfWork: u.id, Events: len(evts), Err: err}
		u.manager.logError(ctx, u, "unit of work event dispatch failed", derr)
		return derr
	}
	return nil
}

func (u *UnitOfWork) failCommit(ctx context.Context, cerr *CommitError) error {
	u.mu.Lock()
	u.state = StateRolledBack
	u.committing = false
	u.pending = nil
	u.mu.Unlock()
	u.manager.logError(ctx, u, "unit of work commit failed", cerr)
	return cerr
}

// Dispose releases the unit of work. Anything not committed is rolled
// back. On a joined child that never committed, the root is aborted.
func (u *UnitOfWork) Dispose(ctx context.Context) {
	if u.root != nil {
		if !u.childDisposed.Swap(true) && !u.childCommitted.Load() {
			u.root.Abort()
		}
		return
	}

	u.mu.Lock()
	if u.disposed {
		u.mu.Unlock()
		return
	}
	u.disposed = true
	rollback := u.state == StateActive || u.state == StateAborted
	if rollback {
		u.state = StateRolledBack
		u.pending = nil
	}
	txs := u.txs
	u.mu.Unlock()

	if !rollback || len(txs) == 0 {
		return
	}
	if err := rollbackAll(ctx, txs); err != nil {
		u.manager.logError(ctx, u, "unit of work rollback failed", err)
	}
}

// rollbackAll rolls back in reverse registration order and keeps going
// after failures.
func rollbackAll(ctx context.Context, txs []LocalTransaction) error {
	rctx := context.WithoutCancel(ctx)
	var errs error
	for i := len(txs) - 1; i >= 0; i-- {
		if err := txs[i].Rollback(rctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("rollback %s: %w", txs[i].SourceName(), err))
		}
	}
	return errs
}
