package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/aether-platform/eventing/pkg/logger"
)

const (
	defaultRetention        = 7 * 24 * time.Hour
	defaultCleanupBatchSize = 1000
	defaultCleanupEvery     = time.Hour
	// maxCleanupBatches caps one run so a large backlog drains over
	// several ticks instead of holding the lock.
	maxCleanupBatches = 100
)

// deleteBatchFunc removes at most batchSize rows older than cutoff.
type deleteBatchFunc func(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)

type CleanupJobParams struct {
	Logger    *logger.Logger
	Retention time.Duration
	BatchSize int
	Every     time.Duration
}

type cleanupJob struct {
	name      string
	logg      *logger.Logger
	deleteFn  deleteBatchFunc
	retention time.Duration
	batchSize int
	every     time.Duration
	now       func() time.Time
}

type outboxCleanupRepo interface {
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
}

type inboxCleanupRepo interface {
	DeleteHandledBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
}

// NewOutboxCleanupJob deletes processed outbox messages past retention.
func NewOutboxCleanupJob(params CleanupJobParams, repo outboxCleanupRepo) (Job, error) {
	if repo == nil {
		return nil, fmt.Errorf("outbox repository required")
	}
	return newCleanupJob("outbox-cleanup", params, repo.DeleteProcessedBefore)
}

// NewInboxCleanupJob deletes processed and discarded inbox messages past
// retention.
func NewInboxCleanupJob(params CleanupJobParams, repo inboxCleanupRepo) (Job, error) {
	if repo == nil {
		return nil, fmt.Errorf("inbox repository required")
	}
	return newCleanupJob("inbox-cleanup", params, repo.DeleteHandledBefore)
}

func newCleanupJob(name string, params CleanupJobParams, fn deleteBatchFunc) (*cleanupJob, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	job := &cleanupJob{
		name:      name,
		logg:      params.Logger,
		deleteFn:  fn,
		retention: params.Retention,
		batchSize: params.BatchSize,
		every:     params.Every,
		now:       time.Now,
	}
	if job.retention <= 0 {
		job.retention = defaultRetention
	}
	if job.batchSize <= 0 {
		job.batchSize = defaultCleanupBatchSize
	}
	if job.every <= 0 {
		job.every = defaultCleanupEvery
	}
	return job, nil
}

func (j *cleanupJob) Name() string { return j.name }

func (j *cleanupJob) Every() time.Duration { return j.every }

func (j *cleanupJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.retention)
	var deleted int64
	batches := 0
	for batches < maxCleanupBatches {
		if err := ctx.Err(); err != nil {
			return err
		}
		rows, err := j.deleteFn(ctx, cutoff, j.batchSize)
		if err != nil {
			return fmt.Errorf("%s: %w", j.name, err)
		}
		batches++
		deleted += rows
		if rows < int64(j.batchSize) {
			break
		}
	}
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"cutoff":       cutoff,
		"retention":    j.retention.String(),
		"batches":      batches,
		"rows_deleted": deleted,
	})
	j.logg.Info(logCtx, "retention cleanup complete")
	return nil
}
