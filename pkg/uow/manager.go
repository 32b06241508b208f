package uow

import (
	"context"
	"database/sql"
	"io"
	"sync"

	"github.com/aether-platform/eventing/pkg/logger"
	"github.com/google/uuid"
)

// RequestReservation is the slot name the HTTP pipeline prepares and Run
// claims.
const RequestReservation = "aether.request"

type ManagerParams struct {
	Logger           *logger.Logger
	Dispatcher       EventDispatcher
	DefaultIsolation sql.IsolationLevel
	NewID            func() string
}

// Manager creates, joins and prepares units of work for the call chain
// carried by a context.
type Manager struct {
	logg             *logger.Logger
	defaultIsolation sql.IsolationLevel
	newID            func() string

	mu         sync.RWMutex
	dispatcher EventDispatcher
}

func NewManager(params ManagerParams) *Manager {
	logg := params.Logger
	if logg == nil {
		logg = logger.New(logger.Options{ServiceName: "uow", Output: io.Discard})
	}
	newID := params.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Manager{
		logg:             logg,
		defaultIsolation: params.DefaultIsolation,
		newID:            newID,
		dispatcher:       params.Dispatcher,
	}
}

// SetDispatcher installs the post-commit event dispatcher. The dispatcher
// usually needs the manager itself, hence the late binding.
func (m *Manager) SetDispatcher(d EventDispatcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatcher = d
}

func (m *Manager) eventDispatcher() EventDispatcher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dispatcher
}

func (m *Manager) isolation(opts Options) sql.IsolationLevel {
	if opts.IsolationLevel != sql.LevelDefault {
		return opts.IsolationLevel
	}
	return m.defaultIsolation
}

func (m *Manager) newRoot(opts Options, parent *UnitOfWork) *UnitOfWork {
	return &UnitOfWork{
		id:            m.newID(),
		name:          opts.Name,
		scope:         opts.Scope,
		manager:       m,
		parent:        parent,
		state:         StateActive,
		transactional: opts.IsTransactional,
		isolation:     m.isolation(opts),
	}
}

// Current returns the active unit of work carried by ctx.
func (m *Manager) Current(ctx context.Context) *UnitOfWork {
	return Current(ctx)
}

// Begin starts or joins a unit of work according to opts.Scope and returns
// the context that carries it.
func (m *Manager) Begin(ctx context.Context, opts Options) (context.Context, *UnitOfWork, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	current := Current(ctx)

	switch opts.Scope {
	case Suppress:
		u := m.newRoot(Options{Name: opts.Name, Scope: Suppress}, current)
		u.suppressed = true
		return pushFrame(ctx, u, true), u, nil
	case Required:
		if current != nil {
			child := current.newChild(opts.Name, current)
			if opts.IsTransactional {
				if err := child.EnsureTransaction(ctx, m.isolation(opts)); err != nil {
					return ctx, nil, err
				}
			}
			return pushFrame(ctx, child, false), child, nil
		}
	}

	u := m.newRoot(opts, current)
	ctx = pushFrame(ctx, u, false)
	m.logg.Debug(m.logg.WithUnitOfWork(ctx, u.id, u.name), "unit of work started")
	return ctx, u, nil
}

// Prepare reserves a slot that an inner layer may later activate with
// TryBeginPrepared. Without requiresNew an active ambient unit of work is
// joined instead. The caller owns the returned handle and must Commit or
// Dispose it.
func (m *Manager) Prepare(ctx context.Context, name string, requiresNew bool) (context.Context, *UnitOfWork) {
	if ctx == nil {
		ctx = context.Background()
	}
	current := Current(ctx)
	if !requiresNew && current != nil {
		child := current.newChild(name, current)
		return pushFrame(ctx, child, false), child
	}

	scope := Required
	if requiresNew {
		scope = RequiresNew
	}
	u := m.newRoot(Options{Name: name, Scope: scope}, current)
	u.placeholder = true
	u.reservation = name
	return pushFrame(ctx, u, false), u
}

// TryBeginPrepared activates the nearest prepared slot called name with
// opts. The returned child handle completes the activated scope; the
// preparing layer still owns the final commit.
func (m *Manager) TryBeginPrepared(ctx context.Context, name string, opts Options) (*UnitOfWork, bool) {
	f := topFrame(ctx)
	for i := 0; f != nil && i < maxScanDepth; i, f = i+1, f.next {
		if f.suppress {
			return nil, false
		}
		u := f.uow
		if u.isDisposed() {
			continue
		}
		if !u.isPlaceholder() {
			// The nearest live unit of work wins over slots it suspended.
			return nil, false
		}
		if u.root == nil && u.activate(name, opts, m.isolation(opts)) {
			m.logg.Debug(m.logg.WithUnitOfWork(ctx, u.id, name), "prepared unit of work activated")
			return u.newChild(opts.Name, u), true
		}
	}
	return nil, false
}

func (u *UnitOfWork) activate(name string, opts Options, iso sql.IsolationLevel) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.placeholder || u.reservation != name || u.state != StateActive {
		return false
	}
	u.placeholder = false
	u.transactional = opts.IsTransactional
	u.isolation = iso
	return true
}

// Run is the command pipeline stage: it claims the request slot or begins a
// unit of work, runs fn, commits on success and always disposes.
func (m *Manager) Run(ctx context.Context, opts Options, fn func(ctx context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.Scope == Required {
		if child, ok := m.TryBeginPrepared(ctx, RequestReservation, opts); ok {
			return runIn(ctx, child, fn)
		}
	}
	ctx, u, err := m.Begin(ctx, opts)
	if err != nil {
		return err
	}
	return runIn(ctx, u, fn)
}

func runIn(ctx context.Context, u *UnitOfWork, fn func(ctx context.Context) error) error {
	defer u.Dispose(ctx)
	defer func() {
		if r := recover(); r != nil {
			u.Abort()
			panic(r)
		}
	}()
	if err := fn(ctx); err != nil {
		return err
	}
	return u.Commit(ctx)
}

func (m *Manager) logError(ctx context.Context, u *UnitOfWork, msg string, err error) {
	m.logg.Error(m.logg.WithUnitOfWork(ctx, u.ID(), u.Name()), msg, err)
}
