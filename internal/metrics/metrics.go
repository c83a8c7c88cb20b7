// Package metrics exposes Prometheus instrumentation for queues and matches.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "xobattle"

type Metrics struct {
	queueDepth    *prometheus.GaugeVec
	pairings      *prometheus.CounterVec
	releases      *prometheus.CounterVec
	activeMatches prometheus.Gauge
	finished      *prometheus.CounterVec
	rejectedMoves *prometheus.CounterVec
	notifyDrops   prometheus.Counter
}

// New registers all collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		queueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Participants waiting per matchmaking pool.",
		}, []string{"pool"}),
		pairings: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairings_total",
			Help:      "Pairs formed per matchmaking pool.",
		}, []string{"pool"}),
		releases: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_releases_total",
			Help:      "Queue entries removed without pairing.",
		}, []string{"pool", "reason"}),
		activeMatches: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_matches",
			Help:      "Matches currently in the active index.",
		}),
		finished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "matches_finished_total",
			Help:      "Finished matches by result and reason.",
		}, []string{"mode", "result", "reason"}),
		rejectedMoves: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "moves_rejected_total",
			Help:      "Moves rejected by the match state machine.",
		}, []string{"reason"}),
		notifyDrops: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_dropped_total",
			Help:      "Events that could not be delivered to a participant.",
		}),
	}
}

func (m *Metrics) QueueDepth(pool string, n int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(pool).Set(float64(n))
}

func (m *Metrics) Paired(pool string) {
	if m == nil {
		return
	}
	m.pairings.WithLabelValues(pool).Inc()
}

func (m *Metrics) Released(pool, reason string) {
	if m == nil {
		return
	}
	m.releases.WithLabelValues(pool, reason).Inc()
}

func (m *Metrics) ActiveMatches(n int) {
	if m == nil {
		return
	}
	m.activeMatches.Set(float64(n))
}

func (m *Metrics) MatchFinished(mode, result, reason string) {
	if m == nil {
		return
	}
	m.finished.WithLabelValues(mode, result, reason).Inc()
}

func (m *Metrics) MoveRejected(reason string) {
	if m == nil {
		return
	}
	m.rejectedMoves.WithLabelValues(reason).Inc()
}

func (m *Metrics) NotificationDropped() {
	if m == nil {
		return
	}
	m.notifyDrops.Inc()
}
