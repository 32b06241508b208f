package cron

import (
	"context"
	"testing"

	"github.com/aether-platform/eventing/pkg/metrics"
	"github.com/aether-platform/eventing/pkg/outbox"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type fakeExhaustedRepo struct {
	count    int64
	listed   int
	maxRetry int
}

func (f *fakeExhaustedRepo) CountExhausted(_ context.Context, maxRetryCount int) (int64, error) {
	f.maxRetry = maxRetryCount
	return f.count, nil
}

func (f *fakeExhaustedRepo) ListExhausted(_ context.Context, _ int, limit int) ([]outbox.Message, error) {
	f.listed++
	msgs := make([]outbox.Message, 0, limit)
	for i := int64(0); i < f.count && len(msgs) < limit; i++ {
		msgs = append(msgs, outbox.Message{ID: "evt"})
	}
	return msgs, nil
}

func TestExhaustedMonitorPublishesGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	repo := &fakeExhaustedRepo{count: 3}
	job, err := NewExhaustedMonitorJob(ExhaustedMonitorParams{
		Logger:        testLogger(),
		Repository:    repo,
		Metrics:       metrics.NewProcessorMetrics(reg),
		MaxRetryCount: 10,
	})
	require.NoError(t, err)

	require.NoError(t, job.Run(context.Background()))
	require.Equal(t, 10, repo.maxRetry)
	require.Equal(t, 1, repo.listed)
	n, err := testutil.GatherAndCount(reg, "aether_processor_exhausted_messages")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	repo.count = 0
	require.NoError(t, job.Run(context.Background()))
	require.Equal(t, 1, repo.listed)
}

func TestExhaustedMonitorValidates(t *testing.T) {
	_, err := NewExhaustedMonitorJob(ExhaustedMonitorParams{Logger: testLogger(), Repository: &fakeExhaustedRepo{}})
	require.Error(t, err)
}
