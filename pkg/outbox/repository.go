package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aether-platform/eventing/pkg/backoff"
	dbpkg "github.com/aether-platform/eventing/pkg/db"
	"gorm.io/gorm"
)

var (
	ErrNotFound  = errors.New("outbox message not found")
	ErrDuplicate = errors.New("outbox message already stored")
	// ErrLeaseLost means another worker owns the message now.
	ErrLeaseLost = errors.New("outbox lease lost")
)

// Sessions resolves the gorm session for a context; gormtx.Source joins
// the ambient unit of work.
type Sessions interface {
	DB(ctx context.Context) (*gorm.DB, error)
	WriteDB(ctx context.Context) (*gorm.DB, error)
}

type RepositoryOption func(*Repository)

// WithClock overrides the time source.
func WithClock(now func() time.Time) RepositoryOption {
	return func(r *Repository) {
		if now != nil {
			r.now = now
		}
	}
}

type Repository struct {
	sessions Sessions
	now      func() time.Time
}

func NewRepository(sessions Sessions, opts ...RepositoryOption) *Repository {
	r := &Repository{sessions: sessions, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Repository) clock() time.Time {
	return r.now().UTC()
}

// Store persists msg as pending in the caller's transaction.
func (r *Repository) Store(ctx context.Context, msg *Message) error {
	if msg == nil || msg.ID == "" || msg.EventName == "" {
		return errors.New("outbox message requires id and event name")
	}
	tx, err := r.sessions.WriteDB(ctx)
	if err != nil {
		return err
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = r.clock()
	}
	msg.ProcessedAt = nil
	msg.LockOwner = nil
	msg.LockExpiry = nil
	if err := tx.Create(msg).Error; err != nil {
		if dbpkg.IsUniqueViolation(err, "") {
			return fmt.Errorf("%w: %s", ErrDuplicate, msg.ID)
		}
		return fmt.Errorf("store outbox message %s: %w", msg.ID, err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (*Message, error) {
	tx, err := r.sessions.DB(ctx)
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := tx.Where("id = ?", id).First(&msg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &msg, nil
}

const eligibleSQL = "processed_at IS NULL AND retry_count < ? AND (next_retry_at IS NULL OR next_retry_at <= ?) AND (lock_expiry IS NULL OR lock_expiry <= ?)"

// LeaseBatch claims up to batchSize eligible messages for workerID in one
// conditional UPDATE. The outer predicate repeats the eligibility check, so
// concurrent workers never receive overlapping leases.
func (r *Repository) LeaseBatch(ctx context.Context, batchSize int, workerID string, leaseDuration time.Duration, maxRetryCount int) ([]Message, error) {
	if batchSize <= 0 {
		return nil, nil
	}
	if strings.TrimSpace(workerID) == "" {
		return nil, errors.New("worker id is required")
	}
	tx, err := r.sessions.DB(ctx)
	if err != nil {
		return nil, err
	}

	now := r.clock()
	expiry := now.Add(leaseDuration)
	lockClause := ""
	if tx.Dialector.Name() == "postgres" {
		lockClause = " FOR UPDATE SKIP LOCKED"
	}
	query := "UPDATE outbox_messages SET lock_owner = ?, lock_expiry = ?" +
		" WHERE id IN (SELECT id FROM outbox_messages WHERE " + eligibleSQL +
		" ORDER BY created_at, id LIMIT ?" + lockClause + ")" +
		" AND " + eligibleSQL +
		" RETURNING id"

	var ids []string
	err = tx.Raw(query,
		workerID, expiry,
		maxRetryCount, now, now, batchSize,
		maxRetryCount, now, now,
	).Scan(&ids).Error
	if err != nil {
		return nil, fmt.Errorf("lease outbox batch: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	var msgs []Message
	if err := tx.Where("id IN ? AND lock_owner = ?", ids, workerID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("load leased outbox batch: %w", err)
	}
	return msgs, nil
}

// MarkProcessed records a successful publish and releases the lease.
func (r *Repository) MarkProcessed(ctx context.Context, id string) error {
	tx, err := r.sessions.DB(ctx)
	if err != nil {
		return err
	}
	res := tx.Model(&Message{}).
		Where("id = ? AND processed_at IS NULL", id).
		Updates(map[string]any{
			"processed_at": r.clock(),
			"lock_owner":   nil,
			"lock_expiry":  nil,
		})
	if res.Error != nil {
		return fmt.Errorf("mark outbox %s processed: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed counts a failed publish by workerID, schedules the retry with
// exponential backoff from baseDelay and releases the lease. It only applies
// while workerID still holds the lease taken at msg.RetryCount.
func (r *Repository) MarkFailed(ctx context.Context, msg Message, workerID string, cause error, baseDelay time.Duration) (time.Time, error) {
	tx, err := r.sessions.DB(ctx)
	if err != nil {
		return time.Time{}, err
	}
	now := r.clock()
	next := backoff.NextRetryAt(now, baseDelay, msg.RetryCount)
	res := tx.Model(&Message{}).
		Where("id = ? AND processed_at IS NULL AND lock_owner = ? AND retry_count = ?", msg.ID, workerID, msg.RetryCount).
		Updates(map[string]any{
			"retry_count":   gorm.Expr("retry_count + 1"),
			"last_error":    truncateError(cause),
			"next_retry_at": next,
			"lock_owner":    nil,
			"lock_expiry":   nil,
		})
	if res.Error != nil {
		return time.Time{}, fmt.Errorf("mark outbox %s failed: %w", msg.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return time.Time{}, ErrLeaseLost
	}
	return next, nil
}

// DeleteProcessedBefore removes at most batchSize processed messages older
// than cutoff.
func (r *Repository) DeleteProcessedBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		return 0, nil
	}
	tx, err := r.sessions.DB(ctx)
	if err != nil {
		return 0, err
	}
	res := tx.Exec(
		"DELETE FROM outbox_messages WHERE id IN (SELECT id FROM outbox_messages WHERE processed_at IS NOT NULL AND processed_at < ? ORDER BY processed_at LIMIT ?)",
		cutoff.UTC(), batchSize,
	)
	if res.Error != nil {
		return 0, fmt.Errorf("delete processed outbox messages: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// ListExhausted returns pending messages that ran out of retries, oldest
// first.
func (r *Repository) ListExhausted(ctx context.Context, maxRetryCount, limit int) ([]Message, error) {
	tx, err := r.sessions.DB(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	var msgs []Message
	err = tx.Where("processed_at IS NULL AND retry_count >= ?", maxRetryCount).
		Order("created_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("list exhausted outbox messages: %w", err)
	}
	return msgs, nil
}

func (r *Repository) CountExhausted(ctx context.Context, maxRetryCount int) (int64, error) {
	tx, err := r.sessions.DB(ctx)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := tx.Model(&Message{}).Where("processed_at IS NULL AND retry_count >= ?", maxRetryCount).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count exhausted outbox messages: %w", err)
	}
	return n, nil
}

// Requeue is the operator reset for an exhausted message: retries start
// over and the message becomes eligible immediately. LastError is kept.
func (r *Repository) Requeue(ctx context.Context, id string) error {
	tx, err := r.sessions.WriteDB(ctx)
	if err != nil {
		return err
	}
	res := tx.Model(&Message{}).
		Where("id = ? AND processed_at IS NULL", id).
		Updates(map[string]any{
			"retry_count":   0,
			"next_retry_at": nil,
			"lock_owner":    nil,
			"lock_expiry":   nil,
		})
	if res.Error != nil {
		return fmt.Errorf("requeue outbox %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
