package inbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aether-platform/eventing/pkg/backoff"
	"github.com/aether-platform/eventing/pkg/config"
	"github.com/aether-platform/eventing/pkg/events"
	"github.com/aether-platform/eventing/pkg/logger"
	"github.com/aether-platform/eventing/pkg/metrics"
	"github.com/aether-platform/eventing/pkg/tenant"
	"github.com/aether-platform/eventing/pkg/uow"
)

const (
	processorName         = "inbox"
	defaultBatchSize      = 50
	defaultInterval       = 5 * time.Second
	defaultMaxRetryCount  = 10
	defaultRetryBaseDelay = time.Minute
	defaultLeaseDuration  = 2 * time.Minute
	maxLoopBackoff        = time.Minute
)

// Outcome is what happened to one received or re-driven message.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeRetry     Outcome = "retry"
	OutcomeDiscarded Outcome = "discarded"
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeDeferred means the message is recorded but not claimable now:
	// another worker holds it or its retry time has not come.
	OutcomeDeferred Outcome = "deferred"
)

type store interface {
	InsertIfAbsent(ctx context.Context, msg *Message) (bool, error)
	Get(ctx context.Context, id string) (*Message, error)
	Claim(ctx context.Context, id, workerID string, leaseDuration time.Duration, maxRetryCount int) (*Message, error)
	LeaseBatch(ctx context.Context, batchSize int, workerID string, leaseDuration time.Duration, maxRetryCount int) ([]Message, error)
	MarkProcessed(ctx context.Context, id, workerID string) error
	MarkFailed(ctx context.Context, msg Message, workerID string, cause error, baseDelay time.Duration, maxRetryCount int, discard bool) (Status, error)
}

type scopeRunner interface {
	Run(ctx context.Context, opts uow.Options, fn func(ctx context.Context) error) error
}

type processedCache interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, eventID string) (bool, error)
}

type ProcessorParams struct {
	Config   config.InboxConfig
	Logger   *logger.Logger
	Store    store
	Runner   scopeRunner
	Handlers *HandlerRegistry
	WorkerID string
	Metrics  *metrics.ProcessorMetrics
	// Cache is optional.
	Cache processedCache
}

type Processor struct {
	logg           *logger.Logger
	store          store
	runner         scopeRunner
	handlers       *HandlerRegistry
	metrics        *metrics.ProcessorMetrics
	cache          processedCache
	workerID       string
	batchSize      int
	interval       time.Duration
	maxRetryCount  int
	retryBaseDelay time.Duration
	leaseDuration  time.Duration
}

func NewProcessor(params ProcessorParams) (*Processor, error) {
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.Store == nil {
		return nil, errors.New("inbox store is required")
	}
	if params.Runner == nil {
		return nil, errors.New("unit of work runner is required")
	}
	if params.Handlers == nil {
		return nil, errors.New("handler registry is required")
	}
	if params.WorkerID == "" {
		return nil, errors.New("worker id is required")
	}
	cfg := params.Config
	return &Processor{
		logg:           params.Logger,
		store:          params.Store,
		runner:         params.Runner,
		handlers:       params.Handlers,
		metrics:        params.Metrics,
		cache:          params.Cache,
		workerID:       params.WorkerID,
		batchSize:      positiveInt(cfg.BatchSize, defaultBatchSize),
		interval:       positiveDuration(cfg.ProcessingInterval, defaultInterval),
		maxRetryCount:  positiveInt(cfg.MaxRetryCount, defaultMaxRetryCount),
		retryBaseDelay: positiveDuration(cfg.RetryBaseDelay, defaultRetryBaseDelay),
		leaseDuration:  positiveDuration(cfg.LeaseDuration, defaultLeaseDuration),
	}, nil
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

// Receive records env and handles it unless it was handled before. An
// error means env was not durably recorded and the transport should
// redeliver it; handler failures are recorded and retried here instead.
func (p *Processor) Receive(ctx context.Context, env events.Envelope) (Outcome, error) {
	logCtx := p.logg.WithEventID(ctx, env.ID)

	if p.cache != nil {
		seen, err := p.cache.Seen(ctx, env.ID)
		if err != nil {
			p.logg.Warn(p.logg.WithField(logCtx, "error", err.Error()), "inbox cache lookup failed")
		} else if seen {
			p.metrics.IncOutcome(processorName, metrics.OutcomeDuplicate)
			return OutcomeDuplicate, nil
		}
	}

	msg, err := NewMessage(env)
	if err != nil {
		return "", err
	}
	inserted, err := p.store.InsertIfAbsent(ctx, msg)
	if err != nil {
		return "", err
	}
	if !inserted {
		existing, err := p.store.Get(ctx, env.ID)
		if err != nil {
			return "", err
		}
		if existing.Status.Terminal() {
			p.remember(ctx, env.ID)
			p.metrics.IncOutcome(processorName, metrics.OutcomeDuplicate)
			p.logg.Debug(logCtx, "duplicate inbox message dropped")
			return OutcomeDuplicate, nil
		}
	}

	claimed, err := p.store.Claim(ctx, env.ID, p.workerID, p.leaseDuration, p.maxRetryCount)
	if err != nil {
		return "", err
	}
	if claimed == nil {
		return OutcomeDeferred, nil
	}
	return p.handle(ctx, *claimed), nil
}

// Run re-drives messages that failed inline or whose worker died, until
// ctx is done.
func (p *Processor) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = p.logg.WithWorker(ctx, p.workerID)

	loop := backoff.NewLoop(p.interval, maxLoopBackoff)
	for {
		select {
		case <-ctx.Done():
			p.logg.Info(ctx, "inbox processor context canceled")
			return ctx.Err()
		default:
		}

		leased, err := p.ProcessBatch(ctx)
		if err != nil {
			p.logg.Error(ctx, "inbox processor batch error", err)
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

// ProcessBatch leases and handles one batch and returns its size.
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
			return len(msgs), ctx.Err()
		}
		p.handle(ctx, msg)
	}
	return len(msgs), nil
}

func (p *Processor) handle(ctx context.Context, msg Message) Outcome {
	logCtx := p.logg.WithFields(ctx, map[string]any{
		"event_id":    msg.ID,
		"event_name":  msg.EventName,
		"retry_count": msg.RetryCount,
	})

	env, err := events.DecodeEnvelope(msg.EventData)
	if err != nil {
		return p.fail(logCtx, msg, err)
	}
	h, ok := p.handlers.Lookup(msg.EventName)
	if !ok {
		return p.fail(logCtx, msg, fmt.Errorf("%w: %s", events.ErrUnknownEvent, msg.EventName))
	}

	opts := uow.Options{Name: "aether.inbox." + msg.EventName, Scope: uow.RequiresNew, IsTransactional: true}
	err = p.runner.Run(ctx, opts, func(ctx context.Context) error {
		if env.Schema != "" {
			ctx = tenant.WithSchema(ctx, env.Schema)
		}
		if err := h.Handle(ctx, env); err != nil {
			return err
		}
		return p.store.MarkProcessed(ctx, msg.ID, p.workerID)
	})

	var dispatchErr *uow.DispatchError
	if err != nil && !errors.As(err, &dispatchErr) {
		return p.fail(logCtx, msg, err)
	}
	if dispatchErr != nil {
		// Handled and committed; only the events it raised are at risk.
		p.logg.Error(logCtx, "inbox handler events not dispatched", dispatchErr)
	}

	p.remember(ctx, msg.ID)
	p.metrics.IncOutcome(processorName, metrics.OutcomeProcessed)
	p.logg.Info(logCtx, "inbox message processed")
	return OutcomeProcessed
}

func (p *Processor) fail(ctx context.Context, msg Message, cause error) Outcome {
	discard := events.IsNonRetryable(cause)
	status, err := p.store.MarkFailed(ctx, msg, p.workerID, cause, p.retryBaseDelay, p.maxRetryCount, discard)
	if err != nil {
		// The lease expires and the message is re-driven.
		p.logg.Error(ctx, "inbox failure could not be recorded", err)
		return OutcomeRetry
	}

	failCtx := p.logg.WithField(ctx, "error", cause.Error())
	if status == StatusDiscarded {
		p.metrics.IncOutcome(processorName, metrics.OutcomeDiscarded)
		p.logg.Warn(failCtx, "inbox message discarded")
		return OutcomeDiscarded
	}
	p.metrics.IncOutcome(processorName, metrics.OutcomeRetried)
	p.logg.Warn(failCtx, "inbox handler failed, will retry")
	return OutcomeRetry
}

func (p *Processor) remember(ctx context.Context, eventID string) {
	if p.cache == nil {
		return
	}
	if _, err := p.cache.MarkProcessed(ctx, eventID); err != nil {
		p.logg.Warn(p.logg.WithField(p.logg.WithEventID(ctx, eventID), "error", err.Error()), "inbox cache update failed")
	}
}
