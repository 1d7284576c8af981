package workflow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Transition outcomes reported by Metrics.
const (
	OutcomeCommitted = "committed"
	OutcomeForbidden = "forbidden"
	OutcomeInvalid   = "invalid"
	OutcomeConflict  = "conflict"
	OutcomeError     = "error"
)

// unknownEntityType labels attempts on instances that could not be loaded.
const unknownEntityType = "unknown"

// Metrics records engine activity in Prometheus.
type Metrics struct {
	transitions *prometheus.CounterVec
	approvals   *prometheus.CounterVec
	duration    *prometheus.HistogramVec
}

// NewMetrics registers the engine collectors on reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "letterflow",
				Name:      "transitions_total",
				Help:      "Transition attempts by entity type and outcome",
			},
			[]string{"entity_type", "outcome"},
		),
		approvals: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "letterflow",
				Name:      "approvals_total",
				Help:      "Approval requests by decision",
			},
			[]string{"decision"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "letterflow",
				Name:      "transition_duration_seconds",
				Help:      "Time spent validating and committing transitions",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
			},
			[]string{"entity_type"},
		),
	}
}

func (m *Metrics) recordTransition(entityType string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	if entityType == "" {
		m.transitions.WithLabelValues(unknownEntityType, outcomeOf(err)).Inc()
		return
	}
	m.transitions.WithLabelValues(entityType, outcomeOf(err)).Inc()
	m.duration.WithLabelValues(entityType).Observe(elapsed.Seconds())
}

func (m *Metrics) recordApproval(decision string) {
	if m == nil {
		return
	}
	m.approvals.WithLabelValues(decision).Inc()
}

func outcomeOf(err error) string {
	if err == nil {
		return OutcomeCommitted
	}
	switch KindOf(err) {
	case KindForbidden:
		return OutcomeForbidden
	case KindInvalidState, KindNotFound:
		return OutcomeInvalid
	case KindConflict:
		return OutcomeConflict
	default:
		return OutcomeError
	}
}
