package telemetry

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/victornm/trivia/internal/domain"
	"github.com/victornm/trivia/internal/event"
)

const namespace = "trivia"

// Metrics counts what the engine publishes. It only reads events.
type Metrics struct {
	matches       *prometheus.CounterVec
	activeMatches prometheus.Gauge
	rounds        *prometheus.CounterVec
	roundDuration prometheus.Histogram
	answers       *prometheus.CounterVec
	warnings      prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		matches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "matches_total",
			Help:      "Matches by lifecycle transition.",
		}, []string{"status"}),
		activeMatches: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "matches_active",
			Help:      "Matches currently running.",
		}),
		rounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_closed_total",
			Help:      "Closed rounds by close trigger.",
		}, []string{"trigger"}),
		roundDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "round_duration_seconds",
			Help:      "Time from a round opening to its close.",
			Buckets:   []float64{1, 5, 10, 15, 20, 25, 30, 45, 60},
		}),
		answers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "answers_total",
			Help:      "Submitted answers by outcome.",
		}, []string{"outcome"}),
		warnings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "round_warnings_total",
			Help:      "Degraded rounds reported to operators.",
		}),
	}

	reg.MustRegister(m.matches, m.activeMatches, m.rounds, m.roundDuration, m.answers, m.warnings)
	return m
}

// Subscribe feeds the collectors from every event on the bus.
func (m *Metrics) Subscribe(eb *event.Bus) {
	eb.SubscribeAll(m.Observe)
}

func (m *Metrics) Observe(_ context.Context, e event.Event) error {
	switch e := e.(type) {
	case domain.EventMatchStarted:
		m.matches.WithLabelValues(string(domain.MatchActive)).Inc()
		m.activeMatches.Inc()
	case domain.EventMatchFinished:
		m.matches.WithLabelValues(string(domain.MatchFinished)).Inc()
		m.activeMatches.Dec()
	case domain.EventMatchAborted:
		m.matches.WithLabelValues(string(domain.MatchAborted)).Inc()
		m.activeMatches.Dec()
	case domain.EventRoundClosed:
		m.rounds.WithLabelValues(string(e.Trigger)).Inc()
		if e.Duration > 0 {
			m.roundDuration.Observe(e.Duration.Seconds())
		}
	case domain.EventAnswerAccepted:
		if e.Answer.Correct {
			m.answers.WithLabelValues("correct").Inc()
		} else {
			m.answers.WithLabelValues("incorrect").Inc()
		}
	case domain.EventAnswerRejected:
		m.answers.WithLabelValues("rejected_" + e.Reason).Inc()
	case domain.EventRoundWarning:
		m.warnings.Inc()
	}
	return nil
}
