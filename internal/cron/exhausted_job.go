package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/aether-platform/eventing/pkg/logger"
	"github.com/aether-platform/eventing/pkg/metrics"
	"github.com/aether-platform/eventing/pkg/outbox"
)

const exhaustedSampleSize = 10

type exhaustedRepo interface {
	CountExhausted(ctx context.Context, maxRetryCount int) (int64, error)
	ListExhausted(ctx context.Context, maxRetryCount, limit int) ([]outbox.Message, error)
}

type ExhaustedMonitorParams struct {
	Logger        *logger.Logger
	Repository    exhaustedRepo
	Metrics       *metrics.ProcessorMetrics
	MaxRetryCount int
	Every         time.Duration
}

// exhaustedMonitorJob reports outbox messages that ran out of retries.
// They stay in the table until an operator requeues them.
type exhaustedMonitorJob struct {
	logg     *logger.Logger
	repo     exhaustedRepo
	metrics  *metrics.ProcessorMetrics
	maxRetry int
	every    time.Duration
}

func NewExhaustedMonitorJob(params ExhaustedMonitorParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Repository == nil {
		return nil, fmt.Errorf("outbox repository required")
	}
	if params.MaxRetryCount <= 0 {
		return nil, fmt.Errorf("max retry count must be positive")
	}
	return &exhaustedMonitorJob{
		logg:     params.Logger,
		repo:     params.Repository,
		metrics:  params.Metrics,
		maxRetry: params.MaxRetryCount,
		every:    params.Every,
	}, nil
}

func (j *exhaustedMonitorJob) Name() string { return "outbox-exhausted-monitor" }

func (j *exhaustedMonitorJob) Every() time.Duration { return j.every }

func (j *exhaustedMonitorJob) Run(ctx context.Context) error {
	count, err := j.repo.CountExhausted(ctx, j.maxRetry)
	if err != nil {
		return fmt.Errorf("count exhausted outbox messages: %w", err)
	}
	j.metrics.SetExhausted("outbox", count)
	if count == 0 {
		return nil
	}

	sample, err := j.repo.ListExhausted(ctx, j.maxRetry, exhaustedSampleSize)
	if err != nil {
		return fmt.Errorf("list exhausted outbox messages: %w", err)
	}
	ids := make([]string, 0, len(sample))
	for _, msg := range sample {
		ids = append(ids, msg.ID)
	}
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"exhausted_count": count,
		"sample_ids":      ids,
	})
	j.logg.Warn(logCtx, "outbox messages exhausted retries")
	return nil
}
