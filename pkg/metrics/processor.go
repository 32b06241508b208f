package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels shared by the outbox and inbox processors.
const (
	OutcomeProcessed = "processed"
	OutcomeRetried   = "retried"
	OutcomeDiscarded = "discarded"
	OutcomeDuplicate = "duplicate"
	OutcomeExhausted = "exhausted"
)

// ProcessorMetrics records what the background processors do per message
// and per batch.
type ProcessorMetrics struct {
	messages  *prometheus.CounterVec
	batch     *prometheus.HistogramVec
	leased    *prometheus.CounterVec
	exhausted *prometheus.GaugeVec
}

// NewProcessorMetrics registers the processor metrics on the provided registerer.
func NewProcessorMetrics(reg prometheus.Registerer) *ProcessorMetrics {
	if reg == nil {
		return &ProcessorMetrics{}
	}
	messages := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "processor_messages_total",
		Help:      "Messages handled by a processor, by outcome.",
	}, []string{"processor", "outcome"})
	batch := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      "processor_batch_duration_seconds",
		Help:      "Duration of one processor batch in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"processor"})
	leased := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "processor_leased_total",
		Help:      "Messages leased by a processor.",
	}, []string{"processor"})
	exhausted := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "processor_exhausted_messages",
		Help:      "Messages that ran out of retries and wait for an operator.",
	}, []string{"processor"})
	reg.MustRegister(messages, batch, leased, exhausted)
	return &ProcessorMetrics{
		messages:  messages,
		batch:     batch,
		leased:    leased,
		exhausted: exhausted,
	}
}

// IncOutcome counts one message for processor with the given outcome.
func (p *ProcessorMetrics) IncOutcome(processor, outcome string) {
	if p == nil || p.messages == nil {
		return
	}
	p.messages.WithLabelValues(normalizeLabel(processor), normalizeLabel(outcome)).Inc()
}

func (p *ProcessorMetrics) ObserveBatch(processor string, duration time.Duration) {
	if p == nil || p.batch == nil {
		return
	}
	p.batch.WithLabelValues(normalizeLabel(processor)).Observe(duration.Seconds())
}

func (p *ProcessorMetrics) AddLeased(processor string, n int) {
	if p == nil || p.leased == nil || n <= 0 {
		return
	}
	p.leased.WithLabelValues(normalizeLabel(processor)).Add(float64(n))
}

// SetExhausted publishes the current number of exhausted messages.
func (p *ProcessorMetrics) SetExhausted(processor string, n int64) {
	if p == nil || p.exhausted == nil {
		return
	}
	p.exhausted.WithLabelValues(normalizeLabel(processor)).Set(float64(n))
}
