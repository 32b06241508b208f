package inbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aether-platform/eventing/pkg/backoff"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNotFound = errors.New("inbox message not found")
	// ErrLeaseLost means the message is no longer claimed by this worker.
	ErrLeaseLost = errors.New("inbox lease lost")
)

// Sessions resolves the gorm session for a context; gormtx.Source joins
// the ambient unit of work.
type Sessions interface {
	DB(ctx context.Context) (*gorm.DB, error)
	WriteDB(ctx context.Context) (*gorm.DB, error)
}

type RepositoryOption func(*Repository)

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

// InsertIfAbsent stores msg unless a row with its id exists. The store
// decides, so two concurrent receivers cannot both insert.
func (r *Repository) InsertIfAbsent(ctx context.Context, msg *Message) (bool, error) {
	if msg == nil || msg.ID == "" || msg.EventName == "" {
		return false, errors.New("inbox message requires id and event name")
	}
	tx, err := r.sessions.WriteDB(ctx)
	if err != nil {
		return false, err
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = r.clock()
	}
	if msg.Status == "" {
		msg.Status = StatusPending
	}
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(msg)
	if res.Error != nil {
		return false, fmt.Errorf("insert inbox message %s: %w", msg.ID, res.Error)
	}
	return res.RowsAffected == 1, nil
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

// claimableSQL matches pending messages whose retry time has come and
// processing messages whose lease expired.
const claimableSQL = "retry_count < ? AND ((status = ? AND (next_retry_time IS NULL OR next_retry_time <= ?)) OR (status = ? AND (lock_expiry IS NULL OR lock_expiry <= ?)))"

func (r *Repository) claimableArgs(now time.Time, maxRetryCount int) []any {
	return []any{maxRetryCount, StatusPending, now, StatusProcessing, now}
}

// Claim moves one claimable message to Processing under workerID. It
// returns nil when the message is not claimable right now.
func (r *Repository) Claim(ctx context.Context, id, workerID string, leaseDuration time.Duration, maxRetryCount int) (*Message, error) {
	tx, err := r.sessions.DB(ctx)
	if err != nil {
		return nil, err
	}
	now := r.clock()
	res := tx.Model(&Message{}).
		Where("id = ? AND "+claimableSQL, append([]any{id}, r.claimableArgs(now, maxRetryCount)...)...).
		Updates(map[string]any{
			"status":      StatusProcessing,
			"lock_owner":  workerID,
			"lock_expiry": now.Add(leaseDuration),
		})
	if res.Error != nil {
		return nil, fmt.Errorf("claim inbox message %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return r.Get(ctx, id)
}

// LeaseBatch claims up to batchSize claimable messages in one conditional
// UPDATE, mirroring the outbox lease.
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
	lockClause := ""
	if tx.Dialector.Name() == "postgres" {
		lockClause = " FOR UPDATE SKIP LOCKED"
	}
	query := "UPDATE inbox_messages SET status = ?, lock_owner = ?, lock_expiry = ?" +
		" WHERE id IN (SELECT id FROM inbox_messages WHERE " + claimableSQL +
		" ORDER BY created_at, id LIMIT ?" + lockClause + ")" +
		" AND " + claimableSQL +
		" RETURNING id"

	args := []any{StatusProcessing, workerID, now.Add(leaseDuration)}
	args = append(args, r.claimableArgs(now, maxRetryCount)...)
	args = append(args, batchSize)
	args = append(args, r.claimableArgs(now, maxRetryCount)...)

	var ids []string
	if err := tx.Raw(query, args...).Scan(&ids).Error; err != nil {
		return nil, fmt.Errorf("lease inbox batch: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	var msgs []Message
	if err := tx.Where("id IN ? AND lock_owner = ?", ids, workerID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("load leased inbox batch: %w", err)
	}
	return msgs, nil
}

// MarkProcessed finishes a claimed message. Called inside the handler's
// unit of work, it commits or rolls back with the handler's writes.
func (r *Repository) MarkProcessed(ctx context.Context, id, workerID string) error {
	tx, err := r.sessions.WriteDB(ctx)
	if err != nil {
		return err
	}
	res := tx.Model(&Message{}).
		Where("id = ? AND status = ? AND lock_owner = ?", id, StatusProcessing, workerID).
		Updates(map[string]any{
			"status":       StatusProcessed,
			"handled_time": r.clock(),
			"lock_owner":   nil,
			"lock_expiry":  nil,
			"last_error":   nil,
		})
	if res.Error != nil {
		return fmt.Errorf("mark inbox %s processed: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrLeaseLost
	}
	return nil
}

// MarkFailed records a failed attempt. The message goes back to Pending
// with a backoff, or to Discarded when discard is set or retries run out.
func (r *Repository) MarkFailed(ctx context.Context, msg Message, workerID string, cause error, baseDelay time.Duration, maxRetryCount int, discard bool) (Status, error) {
	tx, err := r.sessions.DB(ctx)
	if err != nil {
		return "", err
	}
	now := r.clock()
	retries := msg.RetryCount + 1
	updates := map[string]any{
		"retry_count": gorm.Expr("retry_count + 1"),
		"last_error":  truncateError(cause),
		"lock_owner":  nil,
		"lock_expiry": nil,
	}
	status := StatusPending
	if discard || retries >= maxRetryCount {
		status = StatusDiscarded
		updates["handled_time"] = now
		updates["next_retry_time"] = nil
	} else {
		updates["next_retry_time"] = backoff.NextRetryAt(now, baseDelay, msg.RetryCount)
	}
	updates["status"] = status

	res := tx.Model(&Message{}).
		Where("id = ? AND status = ? AND lock_owner = ? AND retry_count = ?", msg.ID, StatusProcessing, workerID, msg.RetryCount).
		Updates(updates)
	if res.Error != nil {
		return "", fmt.Errorf("mark inbox %s failed: %w", msg.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return "", ErrLeaseLost
	}
	return status, nil
}

// DeleteHandledBefore removes at most batchSize processed or discarded
// messages handled before cutoff.
func (r *Repository) DeleteHandledBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		return 0, nil
	}
	tx, err := r.sessions.DB(ctx)
	if err != nil {
		return 0, err
	}
	res := tx.Exec(
		"DELETE FROM inbox_messages WHERE id IN (SELECT id FROM inbox_messages WHERE status IN (?, ?) AND handled_time < ? ORDER BY handled_time LIMIT ?)",
		StatusProcessed, StatusDiscarded, cutoff.UTC(), batchSize,
	)
	if res.Error != nil {
		return 0, fmt.Errorf("delete handled inbox messages: %w", res.Error)
	}
	return res.RowsAffected, nil
}
