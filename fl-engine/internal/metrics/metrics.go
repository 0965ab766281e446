package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fl_engine"

// Metrics holds the engine's collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	roundsSimulated    prometheus.Counter
	rewardPaid         prometheus.Counter
	targetsReached     prometheus.Counter
	simulationDuration prometheus.Histogram
	trainingRuns       *prometheus.CounterVec
	synthesisDuration  prometheus.Histogram
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		roundsSimulated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_simulated_total",
			Help:      "Federated rounds committed by the round simulator.",
		}),
		rewardPaid: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reward_paid_total",
			Help:      "Sum of reward amounts credited to contributions.",
		}),
		targetsReached: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "targets_reached_total",
			Help:      "Simulations that brought a task to its target accuracy.",
		}),
		simulationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "simulation_duration_seconds",
			Help:      "Wall-clock duration of round simulations.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 8),
		}),
		trainingRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "training_runs_total",
			Help:      "Synthesized training runs by task type.",
		}, []string{"task_type"}),
		synthesisDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "synthesis_duration_seconds",
			Help:      "Duration of training curve synthesis, excluding pacing.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
	}
	for _, c := range []prometheus.Collector{
		m.roundsSimulated,
		m.rewardPaid,
		m.targetsReached,
		m.simulationDuration,
		m.trainingRuns,
		m.synthesisDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) ObserveRound(reward float64) {
	if m == nil {
		return
	}
	m.roundsSimulated.Inc()
	m.rewardPaid.Add(reward)
}

func (m *Metrics) ObserveSimulation(d time.Duration, targetReached bool) {
	if m == nil {
		return
	}
	m.simulationDuration.Observe(d.Seconds())
	if targetReached {
		m.targetsReached.Inc()
	}
}

func (m *Metrics) ObserveTraining(taskType string, d time.Duration) {
	if m == nil {
		return
	}
	m.trainingRuns.WithLabelValues(taskType).Inc()
	m.synthesisDuration.Observe(d.Seconds())
}
