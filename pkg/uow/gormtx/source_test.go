package gormtx

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/aether-platform/eventing/pkg/events"
	"github.com/aether-platform/eventing/pkg/uow"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type widget struct {
	ID              string `gorm:"primaryKey"`
	Name            string
	events.Recorder `gorm:"-"`
}

type captureDispatcher struct {
	mu     sync.Mutex
	events []events.DomainEvent
}

func (d *captureDispatcher) Dispatch(ctx context.Context, evts []events.DomainEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, evts...)
	return nil
}

func (d *captureDispatcher) names() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.events))
	for _, evt := range d.events {
		out = append(out, evt.Name)
	}
	return out
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "gormtx.db") + "?_busy_timeout=5000&_txlock=immediate"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&widget{}))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func newFixture(t *testing.T) (*gorm.DB, *Source, *uow.Manager, *captureDispatcher) {
	t.Helper()
	db := newTestDB(t)
	src, err := NewSource("main", db)
	require.NoError(t, err)
	dispatcher := &captureDispatcher{}
	mgr := uow.NewManager(uow.ManagerParams{Dispatcher: dispatcher})
	return db, src, mgr, dispatcher
}

func countWidgets(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&widget{}).Count(&n).Error)
	return n
}

func TestNewSourceIsIdempotentPerConnection(t *testing.T) {
	db := newTestDB(t)
	_, err := NewSource("a", db)
	require.NoError(t, err)
	_, err = NewSource("b", db)
	require.NoError(t, err)

	_, err = NewSource("", db)
	require.Error(t, err)
}

func TestCommitPersistsAndDispatchesCollectedEvents(t *testing.T) {
	db, src, mgr, dispatcher := newFixture(t)

	err := mgr.Run(context.Background(), uow.Options{Name: "create", IsTransactional: true}, func(ctx context.Context) error {
		w := &widget{ID: "w-1", Name: "bolt"}
		w.Record(events.New("WidgetCreated", w.ID, map[string]string{"name": w.Name}))
		tx, err := src.WriteDB(ctx)
		if err != nil {
			return err
		}
		return tx.Create(w).Error
	})
	require.NoError(t, err)

	require.EqualValues(t, 1, countWidgets(t, db))
	require.Equal(t, []string{"WidgetCreated"}, dispatcher.names())
}

func TestFailedRunRollsBackAndDropsEvents(t *testing.T) {
	db, src, mgr, dispatcher := newFixture(t)
	errBoom := errors.New("boom")

	err := mgr.Run(context.Background(), uow.Options{Name: "create", IsTransactional: true}, func(ctx context.Context) error {
		w := &widget{ID: "w-1", Name: "bolt"}
		w.Record(events.New("WidgetCreated", w.ID, nil))
		tx, err := src.WriteDB(ctx)
		if err != nil {
			return err
		}
		if err := tx.Create(w).Error; err != nil {
			return err
		}
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)

	require.Zero(t, countWidgets(t, db))
	require.Empty(t, dispatcher.names())
}

func TestWritesAfterInnerAbortFailInsteadOfEscaping(t *testing.T) {
	db, src, mgr, dispatcher := newFixture(t)
	errStep := errors.New("step failed")

	var writeErr error
	err := mgr.Run(context.Background(), uow.Options{Name: "outer"}, func(ctx context.Context) error {
		innerErr := mgr.Run(ctx, uow.Options{Name: "inner"}, func(ctx context.Context) error {
			return errStep
		})
		require.ErrorIs(t, innerErr, errStep)
		require.NotNil(t, uow.Current(ctx))
		require.Equal(t, uow.StateAborted, uow.Current(ctx).State())

		w := &widget{ID: "w-1", Name: "bolt"}
		w.Record(events.New("WidgetCreated", w.ID, nil))
		tx, err := src.WriteDB(ctx)
		if err != nil {
			writeErr = err
			return err
		}
		return tx.Create(w).Error
	})
	require.ErrorIs(t, writeErr, uow.ErrAborted)
	require.ErrorIs(t, err, uow.ErrAborted)

	require.Zero(t, countWidgets(t, db))
	require.Empty(t, dispatcher.names())
}

func TestOpenTransactionRejectsWritesAfterInnerAbort(t *testing.T) {
	db, src, mgr, _ := newFixture(t)

	err := mgr.Run(context.Background(), uow.Options{Name: "outer", IsTransactional: true}, func(ctx context.Context) error {
		tx, err := src.WriteDB(ctx)
		if err != nil {
			return err
		}
		if err := tx.Create(&widget{ID: "w-1", Name: "bolt"}).Error; err != nil {
			return err
		}
		_ = mgr.Run(ctx, uow.Options{Name: "inner"}, func(ctx context.Context) error {
			return errors.New("step failed")
		})
		_, err = src.DB(ctx)
		return err
	})
	require.ErrorIs(t, err, uow.ErrAborted)
	require.Zero(t, countWidgets(t, db))
}

func TestCollectorReportsEventsItCannotQueue(t *testing.T) {
	db, _, mgr, _ := newFixture(t)

	ctx, u, err := mgr.Begin(context.Background(), uow.Options{Name: "aborted"})
	require.NoError(t, err)
	defer u.Dispose(ctx)
	u.Abort()

	w := &widget{ID: "w-1", Name: "bolt"}
	w.Record(events.New("WidgetCreated", w.ID, nil))
	err = db.WithContext(ctx).Create(w).Error
	require.ErrorIs(t, err, uow.ErrAborted)
}

func TestReadOnlyUnitOfWorkStaysNonTransactional(t *testing.T) {
	db, src, mgr, _ := newFixture(t)
	require.NoError(t, db.Create(&widget{ID: "w-1", Name: "bolt"}).Error)

	ctx, u, err := mgr.Begin(context.Background(), uow.Options{Name: "read"})
	require.NoError(t, err)
	defer u.Dispose(ctx)

	tx, err := src.DB(ctx)
	require.NoError(t, err)
	var got widget
	require.NoError(t, tx.First(&got, "id = ?", "w-1").Error)
	require.Equal(t, "bolt", got.Name)

	require.False(t, u.IsTransactional())
	ltx, err := u.Transaction(ctx, src)
	require.NoError(t, err)
	require.Nil(t, ltx.(*localTx).tx)
	require.NoError(t, u.Commit(ctx))
}

func TestWriteEscalatesAndDisposeRollsBack(t *testing.T) {
	db, src, mgr, _ := newFixture(t)

	ctx, u, err := mgr.Begin(context.Background(), uow.Options{Name: "escalate"})
	require.NoError(t, err)

	_, err = src.DB(ctx)
	require.NoError(t, err)

	tx, err := src.WriteDB(ctx)
	require.NoError(t, err)
	require.True(t, u.IsTransactional())
	require.NoError(t, tx.Create(&widget{ID: "w-1", Name: "bolt"}).Error)

	u.Dispose(ctx)
	require.Equal(t, uow.StateRolledBack, u.State())
	require.Zero(t, countWidgets(t, db))
}

func TestSaveChangesKeepsTransactionOpen(t *testing.T) {
	db, src, mgr, _ := newFixture(t)

	err := mgr.Run(context.Background(), uow.Options{Name: "steps", IsTransactional: true}, func(ctx context.Context) error {
		tx, err := src.WriteDB(ctx)
		if err != nil {
			return err
		}
		if err := tx.Create(&widget{ID: "w-1", Name: "first"}).Error; err != nil {
			return err
		}
		u := uow.Current(ctx)
		if err := u.SaveChanges(ctx); err != nil {
			return err
		}
		require.Equal(t, uow.StateActive, u.State())
		return tx.Create(&widget{ID: "w-2", Name: "second"}).Error
	})
	require.NoError(t, err)
	require.EqualValues(t, 2, countWidgets(t, db))
}

func TestOutsideUnitOfWorkEventsStayBuffered(t *testing.T) {
	_, src, _, _ := newFixture(t)
	ctx := context.Background()

	w := &widget{ID: "w-1", Name: "bolt"}
	w.Record(events.New("WidgetCreated", w.ID, nil))
	tx, err := src.DB(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Create(w).Error)

	require.Len(t, w.PullEvents(), 1)
}

func TestBatchCreateCollectsFromEveryElement(t *testing.T) {
	_, src, mgr, dispatcher := newFixture(t)

	err := mgr.Run(context.Background(), uow.Options{Name: "batch", IsTransactional: true}, func(ctx context.Context) error {
		batch := []*widget{{ID: "w-1"}, {ID: "w-2"}}
		for _, w := range batch {
			w.Record(events.New("WidgetCreated", w.ID, nil))
		}
		tx, err := src.WriteDB(ctx)
		if err != nil {
			return err
		}
		return tx.Create(&batch).Error
	})
	require.NoError(t, err)
	require.Equal(t, []string{"WidgetCreated", "WidgetCreated"}, dispatcher.names())
}

func TestLocalTxLifecycle(t *testing.T) {
	_, src, _, _ := newFixture(t)
	ctx := context.Background()

	ltx, err := src.CreateTransaction(ctx, uow.TxOptions{Transactional: true, IsolationLevel: sql.LevelDefault})
	require.NoError(t, err)
	require.Equal(t, "main", ltx.SourceName())

	require.NoError(t, ltx.Commit(ctx))
	require.NoError(t, ltx.Rollback(ctx))
	require.Error(t, ltx.Commit(ctx))
	require.Error(t, ltx.(uow.Escalator).EnsureTransaction(ctx, sql.LevelDefault))
}
