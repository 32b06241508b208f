package uow

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	"github.com/aether-platform/eventing/pkg/events"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fakeTx struct {
	name       string
	rec        *recorder
	opts       TxOptions
	commitErr  error
	onCommit   func()
	evts       []events.DomainEvent
	committed  bool
	rolledBack bool
	escalated  bool
}

func (t *fakeTx) SourceName() string { return t.name }

func (t *fakeTx) Commit(ctx context.Context) error {
	if t.onCommit != nil {
		t.onCommit()
	}
	if t.commitErr != nil {
		t.rec.add("commit-failed:" + t.name)
		return t.commitErr
	}
	t.committed = true
	t.rec.add("commit:" + t.name)
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	if t.committed {
		return nil
	}
	t.rolledBack = true
	t.rec.add("rollback:" + t.name)
	return nil
}

func (t *fakeTx) CollectedEvents() []events.DomainEvent {
	out := t.evts
	t.evts = nil
	return out
}

func (t *fakeTx) EnsureTransaction(ctx context.Context, iso sql.IsolationLevel) error {
	t.escalated = true
	t.opts.Transactional = true
	t.opts.IsolationLevel = iso
	return nil
}

type fakeSource struct {
	name      string
	rec       *recorder
	commitErr error
	onCommit  func()
	created   []*fakeTx
}

func (s *fakeSource) Name() string { return s.name }

func (s *fakeSource) CreateTransaction(ctx context.Context, opts TxOptions) (LocalTransaction, error) {
	tx := &fakeTx{name: s.name, rec: s.rec, opts: opts, commitErr: s.commitErr, onCommit: s.onCommit}
	s.created = append(s.created, tx)
	return tx, nil
}

type fakeDispatcher struct {
	rec   *recorder
	err   error
	calls [][]events.DomainEvent
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, evts []events.DomainEvent) error {
	d.rec.add("dispatch")
	d.calls = append(d.calls, evts)
	return d.err
}

var errBoom = errors.New("boom")

func newTestManager(rec *recorder) (*Manager, *fakeDispatcher) {
	d := &fakeDispatcher{rec: rec}
	return NewManager(ManagerParams{Dispatcher: d}), d
}
