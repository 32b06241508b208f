package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aether-platform/eventing/pkg/backoff"
	"github.com/aether-platform/eventing/pkg/broker"
	"github.com/aether-platform/eventing/pkg/config"
	"github.com/aether-platform/eventing/pkg/logger"
	"github.com/aether-platform/eventing/pkg/metrics"
)

const (
	processorName         = "outbox"
	defaultBatchSize      = 50
	defaultInterval       = 5 * time.Second
	defaultPublishTimeout = 15 * time.Second
	defaultMaxRetryCount  = 10
	defaultRetryBaseDelay = time.Minute
	defaultLeaseDuration  = 2 * time.Minute
	maxLoopBackoff        = time.Minute
)

type store interface {
	LeaseBatch(ctx context.Context, batchSize int, workerID string, leaseDuration time.Duration, maxRetryCount int) ([]Message, error)
	MarkProcessed(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, msg Message, workerID string, cause error, baseDelay time.Duration) (time.Time, error)
}

// Dependency is something the processor must reach before it starts.
type Dependency struct {
	Name string
	Ping func(context.Context) error
}

type ProcessorParams struct {
	Config         config.OutboxConfig
	Logger         *logger.Logger
	Store          store
	Publisher      broker.Publisher
	WorkerID       string
	PublishTimeout time.Duration
	Metrics        *metrics.ProcessorMetrics
	Dependencies   []Dependency
}

// Processor leases pending messages, publishes them and records the
// outcome. Several processors may run against the same table.
type Processor struct {
	logg           *logger.Logger
	store          store
	publisher      broker.Publisher
	metrics        *metrics.ProcessorMetrics
	deps           []Dependency
	workerID       string
	batchSize      int
	interval       time.Duration
	maxRetryCount  int
	retryBaseDelay time.Duration
	leaseDuration  time.Duration
	publishTimeout time.Duration
}

func NewProcessor(params ProcessorParams) (*Processor, error) {
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.Store == nil {
		return nil, errors.New("outbox store is required")
	}
	if params.Publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if params.WorkerID == "" {
		return nil, errors.New("worker id is required")
	}

	cfg := params.Config
	p := &Processor{
		logg:           params.Logger,
		store:          params.Store,
		publisher:      params.Publisher,
		metrics:        params.Metrics,
		deps:           params.Dependencies,
		workerID:       params.WorkerID,
		batchSize:      positiveInt(cfg.BatchSize, defaultBatchSize),
		interval:       positiveDuration(cfg.ProcessingInterval, defaultInterval),
		maxRetryCount:  positiveInt(cfg.MaxRetryCount, defaultMaxRetryCount),
		retryBaseDelay: positiveDuration(cfg.RetryBaseDelay, defaultRetryBaseDelay),
		leaseDuration:  positiveDuration(cfg.LeaseDuration, defaultLeaseDuration),
		publishTimeout: positiveDuration(params.PublishTimeout, defaultPublishTimeout),
	}
	return p, nil
}

func positiveInt(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

func positiveDuration(v, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return v
}

func (p *Processor) ensureReadiness(ctx context.Context) error {
	for _, dep := range p.deps {
		if dep.Ping == nil {
			continue
		}
		if err := dep.Ping(ctx); err != nil {
			p.logg.Error(ctx, fmt.Sprintf("%s ping failed", dep.Name), err)
			return fmt.Errorf("%s ping failed: %w", dep.Name, err)
		}
	}
	return nil
}

// Run loops until ctx is done. A full batch is followed immediately by the
// next one; a failed tick backs off with jitter.
func (p *Processor) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = p.logg.WithWorker(ctx, p.workerID)

	if err := p.ensureReadiness(ctx); err != nil {
		return err
	}

	loop := backoff.NewLoop(p.interval, maxLoopBackoff)
	for {
		select {
		case <-ctx.Done():
			p.logg.Info(ctx, "outbox processor context canceled")
			return ctx.Err()
		default:
		}

		leased, err := p.ProcessBatch(ctx)
		if err != nil {
			p.logg.Error(ctx, "outbox processor batch error", err)
			if err := backoff.Sleep(ctx, loop.Next()); err != nil {
				return err
			}
			continue
		}
		loop.Reset()

		if leased >= p.batchSize {
			continue
		}
		if err := backoff.Sleep(ctx, p.interval); err != nil {
			return err
		}
	}
}

// ProcessBatch runs one tick and returns how many messages it leased.
func (p *Processor) ProcessBatch(ctx context.Context) (int, error) {
	started := time.Now()
	defer func() { p.metrics.ObserveBatch(processorName, time.Since(started)) }()

	msgs, err := p.store.LeaseBatch(ctx, p.batchSize, p.workerID, p.leaseDuration, p.maxRetryCount)
	if err != nil {
		return 0, err
	}
	p.metrics.AddLeased(processorName, len(msgs))

	for _, msg := range msgs {
		if ctx.Err() != nil {
			// Unprocessed leases expire and are picked up again.
			return len(msgs), ctx.Err()
		}
		p.process(ctx, msg)
	}
	return len(msgs), nil
}

func (p *Processor) process(ctx context.Context, msg Message) {
	fields := p.messageFields(msg)
	logCtx := p.logg.WithFields(ctx, fields)

	if err := p.publish(ctx, msg); err != nil {
		next, markErr := p.store.MarkFailed(ctx, msg, p.workerID, err, p.retryBaseDelay)
		if markErr != nil {
			p.logg.Error(logCtx, "outbox failure could not be recorded", markErr)
			return
		}
		failCtx := p.logg.WithFields(logCtx, map[string]any{
			"error":         err.Error(),
			"retry_count":   msg.RetryCount + 1,
			"next_retry_at": next.Format(time.RFC3339Nano),
		})
		if msg.RetryCount+1 >= p.maxRetryCount {
			p.metrics.IncOutcome(processorName, metrics.OutcomeExhausted)
			p.logg.Warn(failCtx, "outbox message exhausted retries")
			return
		}
		p.metrics.IncOutcome(processorName, metrics.OutcomeRetried)
		p.logg.Warn(failCtx, "outbox publish failed")
		return
	}

	if err := p.store.MarkProcessed(ctx, msg.ID); err != nil {
		// Published but not recorded: the row is published again after the
		// lease expires, which consumers absorb through the inbox.
		p.logg.Error(logCtx, "outbox message published but not marked", err)
		return
	}
	p.metrics.IncOutcome(processorName, metrics.OutcomeProcessed)
	p.logg.Info(logCtx, "outbox message published")
}

func (p *Processor) publish(ctx context.Context, msg Message) error {
	publishCtx, cancel := context.WithTimeout(ctx, p.publishTimeout)
	defer cancel()
	return p.publisher.Publish(publishCtx, msg.Topic(), msg.PubSubName(), msg.EventData)
}

func (p *Processor) messageFields(msg Message) map[string]any {
	fields := map[string]any{
		"event_id":    msg.ID,
		"event_name":  msg.EventName,
		"retry_count": msg.RetryCount,
		"batch_size":  p.batchSize,
	}
	if topic := msg.Topic(); topic != "" {
		fields["topic"] = topic
	}
	if msg.LastError != nil {
		fields["last_error"] = *msg.LastError
	}
	return fields
}
