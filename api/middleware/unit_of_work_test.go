package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/aether-platform/eventing/api/responses"
	pkgerrors "github.com/aether-platform/eventing/pkg/errors"
	"github.com/aether-platform/eventing/pkg/events"
	"github.com/aether-platform/eventing/pkg/uow"
	"github.com/aether-platform/eventing/pkg/uow/gormtx"
)

type note struct {
	ID   string `gorm:"primaryKey"`
	Body string
}

type failingDispatcher struct{}

func (failingDispatcher) Dispatch(context.Context, []events.DomainEvent) error {
	return errors.New("broker down")
}

func newUoWFixture(t *testing.T) (*gorm.DB, *gormtx.Source, *uow.Manager) {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "middleware.db") + "?_busy_timeout=5000&_txlock=immediate"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&note{}))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	src, err := gormtx.NewSource("main", db)
	require.NoError(t, err)
	return db, src, uow.NewManager(uow.ManagerParams{})
}

func writeNote(mgr *uow.Manager, src *gormtx.Source, id string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return mgr.Run(ctx, uow.Options{Name: "notes.write", Scope: uow.Required}, func(ctx context.Context) error {
			tx, err := src.WriteDB(ctx)
			if err != nil {
				return err
			}
			return tx.Create(&note{ID: id, Body: "hello"}).Error
		})
	}
}

func countNotes(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&note{}).Count(&n).Error)
	return n
}

func TestUnitOfWorkCommitsSuccessfulRequest(t *testing.T) {
	db, src, mgr := newUoWFixture(t)
	write := writeNote(mgr, src, "n-1")

	var slotState uow.State
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, write(r.Context()))
		// The inner scope joined the request slot, so nothing is committed yet.
		slotState = uow.Current(r.Context()).State()
		responses.WriteSuccessStatus(w, http.StatusCreated, map[string]string{"id": "n-1"})
	})

	rec := httptest.NewRecorder()
	UnitOfWork(UnitOfWorkParams{Manager: mgr})(handler).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/notes", nil))

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, uow.StateActive, slotState)
	require.Contains(t, rec.Body.String(), `"n-1"`)
	require.EqualValues(t, 1, countNotes(t, db))
}

func TestUnitOfWorkRollsBackErrorResponse(t *testing.T) {
	db, src, mgr := newUoWFixture(t)
	write := writeNote(mgr, src, "n-1")

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, write(r.Context()))
		responses.WriteError(r.Context(), nil, w, pkgerrors.New(pkgerrors.CodeValidation, "rejected after write"))
	})

	rec := httptest.NewRecorder()
	UnitOfWork(UnitOfWorkParams{Manager: mgr})(handler).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/notes", nil))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.EqualValues(t, 0, countNotes(t, db))
}

func TestUnitOfWorkRollsBackOnPanic(t *testing.T) {
	db, src, mgr := newUoWFixture(t)
	write := writeNote(mgr, src, "n-1")

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, write(r.Context()))
		panic("boom")
	})

	rec := httptest.NewRecorder()
	chain := Recoverer(nil)(UnitOfWork(UnitOfWorkParams{Manager: mgr})(handler))
	chain.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/notes", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.EqualValues(t, 0, countNotes(t, db))
}

func TestUnitOfWorkReportsAbortedInnerScope(t *testing.T) {
	db, src, mgr := newUoWFixture(t)
	write := writeNote(mgr, src, "n-1")

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, write(r.Context()))
		err := mgr.Run(r.Context(), uow.Options{Name: "notes.audit", Scope: uow.Required}, func(context.Context) error {
			return errors.New("audit failed")
		})
		require.Error(t, err)
		// The handler swallows the failure and still reports success.
		responses.WriteSuccess(w, map[string]string{"id": "n-1"})
	})

	rec := httptest.NewRecorder()
	UnitOfWork(UnitOfWorkParams{Manager: mgr})(handler).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/notes", nil))

	require.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, rec.Body.String(), string(pkgerrors.CodeAborted))
	require.EqualValues(t, 0, countNotes(t, db))
}

func TestUnitOfWorkKeepsResponseWhenDispatchFails(t *testing.T) {
	db, src, mgr := newUoWFixture(t)
	mgr.SetDispatcher(failingDispatcher{})

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := mgr.Run(r.Context(), uow.Options{Name: "notes.write", Scope: uow.Required}, func(ctx context.Context) error {
			tx, err := src.WriteDB(ctx)
			if err != nil {
				return err
			}
			if err := tx.Create(&note{ID: "n-1"}).Error; err != nil {
				return err
			}
			return uow.Current(ctx).AddEvent(events.DomainEvent{ID: "evt-1", Name: "NoteWritten"})
		})
		require.NoError(t, err)
		responses.WriteSuccessStatus(w, http.StatusCreated, nil)
	})

	rec := httptest.NewRecorder()
	UnitOfWork(UnitOfWorkParams{Manager: mgr})(handler).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/notes", nil))

	require.Equal(t, http.StatusCreated, rec.Code)
	require.EqualValues(t, 1, countNotes(t, db))
}

func TestUnitOfWorkTransactionalSlotIsActivatedUpFront(t *testing.T) {
	_, _, mgr := newUoWFixture(t)

	var current *uow.UnitOfWork
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		current = uow.Current(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	rec := httptest.NewRecorder()
	UnitOfWork(UnitOfWorkParams{Manager: mgr, Transactional: true})(handler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/notes", nil))

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, current)
	require.True(t, current.IsTransactional())
	require.Equal(t, uow.StateCommitted, current.State())
}

func TestUnitOfWorkLeavesReadOnlyRequestUntouched(t *testing.T) {
	_, _, mgr := newUoWFixture(t)

	var current *uow.UnitOfWork
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		current = uow.Current(r.Context())
		responses.WriteSuccess(w, "ok")
	})

	rec := httptest.NewRecorder()
	UnitOfWork(UnitOfWorkParams{Manager: mgr})(handler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/notes", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Nil(t, current)
}
