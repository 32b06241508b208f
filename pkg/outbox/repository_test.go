package outbox

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/aether-platform/eventing/pkg/events"
	"github.com/aether-platform/eventing/pkg/uow"
	"github.com/aether-platform/eventing/pkg/uow/gormtx"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type ledgerEntry struct {
	ID     string `gorm:"primaryKey"`
	Amount int
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "outbox.db") + "?_busy_timeout=5000&_txlock=immediate"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Message{}, &ledgerEntry{}))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func newTestRepository(t *testing.T) (*gorm.DB, *gormtx.Source, *Repository, *testClock) {
	t.Helper()
	db := newTestDB(t)
	src, err := gormtx.NewSource("main", db)
	require.NoError(t, err)
	clock := newTestClock()
	return db, src, NewRepository(src, WithClock(clock.Now)), clock
}

func testMessage(t *testing.T, id string) *Message {
	t.Helper()
	env, err := events.NewEnvelope(events.DomainEvent{
		ID:         id,
		Name:       "OrderCreated",
		Subject:    "42",
		OccurredAt: time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
		Data:       map[string]any{"order_id": 42},
	}, "aether-tests", "tenant_a")
	require.NoError(t, err)
	msg, err := NewMessage(env, events.Descriptor{Name: "OrderCreated", Version: 1, Topic: "orders", PubSubName: "gcp"})
	require.NoError(t, err)
	return msg
}

func seed(t *testing.T, repo *Repository, clock *testClock, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("evt-%03d", i)
		msg := testMessage(t, id)
		msg.CreatedAt = clock.Now().Add(time.Duration(i) * time.Millisecond)
		require.NoError(t, repo.Store(context.Background(), msg))
		ids = append(ids, id)
	}
	return ids
}

func TestNewMessageCarriesRouting(t *testing.T) {
	msg := testMessage(t, "evt-1")
	require.Equal(t, "OrderCreated", msg.EventName)
	require.Equal(t, "orders", msg.Topic())
	require.Equal(t, "gcp", msg.PubSubName())
	require.Equal(t, "tenant_a", msg.Schema())

	env, err := events.DecodeEnvelope(msg.EventData)
	require.NoError(t, err)
	require.Equal(t, "evt-1", env.ID)
	require.Equal(t, "tenant_a", env.Schema)
}

func TestStoreIsAtomicWithBusinessWrite(t *testing.T) {
	db, src, repo, _ := newTestRepository(t)
	mgr := uow.NewManager(uow.ManagerParams{})
	errBoom := errors.New("boom")

	write := func(id string, fail bool) error {
		return mgr.Run(context.Background(), uow.Options{Name: "ledger"}, func(ctx context.Context) error {
			tx, err := src.WriteDB(ctx)
			if err != nil {
				return err
			}
			if err := tx.Create(&ledgerEntry{ID: id, Amount: 10}).Error; err != nil {
				return err
			}
			if err := repo.Store(ctx, testMessage(t, "evt-"+id)); err != nil {
				return err
			}
			if fail {
				return errBoom
			}
			return nil
		})
	}

	require.NoError(t, write("a", false))
	require.ErrorIs(t, write("b", true), errBoom)

	var entries, msgs int64
	require.NoError(t, db.Model(&ledgerEntry{}).Count(&entries).Error)
	require.NoError(t, db.Model(&Message{}).Count(&msgs).Error)
	require.EqualValues(t, 1, entries)
	require.EqualValues(t, 1, msgs)

	stored, err := repo.Get(context.Background(), "evt-a")
	require.NoError(t, err)
	require.Nil(t, stored.ProcessedAt)
	_, err = repo.Get(context.Background(), "evt-b")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStoreRejectsDuplicateID(t *testing.T) {
	_, _, repo, _ := newTestRepository(t)
	require.NoError(t, repo.Store(context.Background(), testMessage(t, "evt-1")))
	err := repo.Store(context.Background(), testMessage(t, "evt-1"))
	require.ErrorIs(t, err, ErrDuplicate)
}

func TestLeaseBatchStampsLockAndSkipsLeased(t *testing.T) {
	_, _, repo, clock := newTestRepository(t)
	ids := seed(t, repo, clock, 3)
	ctx := context.Background()

	first, err := repo.LeaseBatch(ctx, 2, "worker-a", 2*time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.Equal(t, ids[0], first[0].ID)
	require.Equal(t, "worker-a", *first[0].LockOwner)
	require.True(t, first[0].LockExpiry.Equal(clock.Now().Add(2*time.Minute)))

	second, err := repo.LeaseBatch(ctx, 5, "worker-b", 2*time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, second, 1)
	require.Equal(t, ids[2], second[0].ID)

	clock.Advance(2*time.Minute + time.Second)
	reclaimed, err := repo.LeaseBatch(ctx, 5, "worker-c", 2*time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, reclaimed, 3)
}

func TestLeaseBatchExclusiveAcrossWorkers(t *testing.T) {
	_, _, repo, clock := newTestRepository(t)
	seed(t, repo, clock, 40)

	var (
		mu   sync.Mutex
		seen = map[string]string{}
		dups []string
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		worker := fmt.Sprintf("worker-%d", w)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				msgs, err := repo.LeaseBatch(context.Background(), 3, worker, time.Minute, 10)
				if err != nil {
					t.Errorf("lease: %v", err)
					return
				}
				if len(msgs) == 0 {
					return
				}
				mu.Lock()
				for _, m := range msgs {
					if owner, ok := seen[m.ID]; ok {
						dups = append(dups, m.ID+" leased by "+owner+" and "+worker)
					}
					seen[m.ID] = worker
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Empty(t, dups)
	require.Len(t, seen, 40)
}

func TestMarkFailedBacksOffUntilExhausted(t *testing.T) {
	_, _, repo, clock := newTestRepository(t)
	seed(t, repo, clock, 1)
	ctx := context.Background()
	const maxRetry = 4
	base := time.Minute

	expected := []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute, 8 * time.Minute}
	for attempt, delay := range expected {
		msgs, err := repo.LeaseBatch(ctx, 1, "worker", time.Minute, maxRetry)
		require.NoError(t, err)
		require.Len(t, msgs, 1, "attempt %d", attempt)
		require.Equal(t, attempt, msgs[0].RetryCount)

		next, err := repo.MarkFailed(ctx, msgs[0], "worker", errors.New("broker down"), base)
		require.NoError(t, err)
		require.Equal(t, delay, next.Sub(clock.Now()))

		clock.Advance(delay - time.Second)
		early, err := repo.LeaseBatch(ctx, 1, "worker", time.Minute, maxRetry)
		require.NoError(t, err)
		require.Empty(t, early, "leased before backoff elapsed on attempt %d", attempt)
		clock.Advance(time.Second)
	}

	clock.Advance(24 * time.Hour)
	msgs, err := repo.LeaseBatch(ctx, 1, "worker", time.Minute, maxRetry)
	require.NoError(t, err)
	require.Empty(t, msgs)

	stored, err := repo.Get(ctx, "evt-000")
	require.NoError(t, err)
	require.Equal(t, maxRetry, stored.RetryCount)
	require.Equal(t, "broker down", *stored.LastError)
	require.True(t, stored.Exhausted(maxRetry))
	require.True(t, stored.NextRetryAt.After(stored.CreatedAt))
}

func TestMarkFailedRequiresLease(t *testing.T) {
	_, _, repo, clock := newTestRepository(t)
	seed(t, repo, clock, 1)
	ctx := context.Background()

	msgs, err := repo.LeaseBatch(ctx, 1, "worker-a", time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	_, err = repo.MarkFailed(ctx, msgs[0], "worker-b", errors.New("x"), time.Minute)
	require.ErrorIs(t, err, ErrLeaseLost)
}

func TestMarkProcessedClearsLock(t *testing.T) {
	_, _, repo, clock := newTestRepository(t)
	seed(t, repo, clock, 1)
	ctx := context.Background()

	msgs, err := repo.LeaseBatch(ctx, 1, "worker", time.Minute, 10)
	require.NoError(t, err)
	require.NoError(t, repo.MarkProcessed(ctx, msgs[0].ID))

	stored, err := repo.Get(ctx, msgs[0].ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ProcessedAt)
	require.Nil(t, stored.LockOwner)
	require.Nil(t, stored.LockExpiry)

	require.ErrorIs(t, repo.MarkProcessed(ctx, msgs[0].ID), ErrNotFound)

	clock.Advance(time.Hour)
	again, err := repo.LeaseBatch(ctx, 1, "worker", time.Minute, 10)
	require.NoError(t, err)
	require.Empty(t, again)
}

func TestDeleteProcessedBeforeIsBounded(t *testing.T) {
	_, _, repo, clock := newTestRepository(t)
	ids := seed(t, repo, clock, 5)
	ctx := context.Background()

	for _, id := range ids[:4] {
		require.NoError(t, repo.MarkProcessed(ctx, id))
	}
	clock.Advance(48 * time.Hour)
	cutoff := clock.Now().Add(-24 * time.Hour)

	deleted, err := repo.DeleteProcessedBefore(ctx, cutoff, 3)
	require.NoError(t, err)
	require.EqualValues(t, 3, deleted)

	deleted, err = repo.DeleteProcessedBefore(ctx, cutoff, 3)
	require.NoError(t, err)
	require.EqualValues(t, 1, deleted)

	_, err = repo.Get(ctx, ids[4])
	require.NoError(t, err, "pending rows are never cleaned up")
}

func TestExhaustedListingAndRequeue(t *testing.T) {
	_, _, repo, clock := newTestRepository(t)
	seed(t, repo, clock, 2)
	ctx := context.Background()
	const maxRetry = 1

	msgs, err := repo.LeaseBatch(ctx, 2, "worker", time.Minute, maxRetry)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	_, err = repo.MarkFailed(ctx, msgs[0], "worker", errors.New("poison"), time.Minute)
	require.NoError(t, err)
	require.NoError(t, repo.MarkProcessed(ctx, msgs[1].ID))

	n, err := repo.CountExhausted(ctx, maxRetry)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	exhausted, err := repo.ListExhausted(ctx, maxRetry, 10)
	require.NoError(t, err)
	require.Len(t, exhausted, 1)
	require.Equal(t, msgs[0].ID, exhausted[0].ID)

	require.NoError(t, repo.Requeue(ctx, msgs[0].ID))
	require.ErrorIs(t, repo.Requeue(ctx, msgs[1].ID), ErrNotFound)

	again, err := repo.LeaseBatch(ctx, 2, "worker", time.Minute, maxRetry)
	require.NoError(t, err)
	ids := make([]string, 0, len(again))
	for _, m := range again {
		ids = append(ids, m.ID)
	}
	sort.Strings(ids)
	require.Equal(t, []string{msgs[0].ID}, ids)
	require.Equal(t, "poison", *again[0].LastError)
}
