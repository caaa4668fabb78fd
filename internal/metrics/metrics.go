package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	attempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "teesched",
			Name:      "attempts_total",
			Help:      "Booking attempts by source, tier and outcome kind.",
		},
		[]string{"source", "tier", "kind"},
	)

	triggerDrift = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "teesched",
			Name:      "trigger_drift_seconds",
			Help:      "Delay between the scheduled opening instant and the search submission.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	challengeLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "teesched",
			Name:      "challenge_resolution_seconds",
			Help:      "Time from search submission to challenge resolution.",
			Buckets:   []float64{.1, .25, .5, .75, 1, 2, 5},
		},
	)

	scans = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "teesched",
			Name:      "gap_scans_total",
			Help:      "Gap scans by result.",
		},
		[]string{"result"},
	)

	pendingVerification = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "teesched",
			Name:      "attempts_pending_verification",
			Help:      "Ambiguous attempts awaiting manual verification.",
		},
	)

	lockBusy = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "teesched",
			Name:      "run_lock_busy_total",
			Help:      "Runs skipped because another run held the lock.",
		},
	)
)

// Register registers metrics (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(attempts, triggerDrift, challengeLatency, scans, pendingVerification, lockBusy)
	})
}

func IncAttempt(source, tier, kind string) {
	attempts.WithLabelValues(source, tier, kind).Inc()
}

func ObserveTriggerDrift(d time.Duration) {
	triggerDrift.Observe(d.Seconds())
}

func ObserveChallenge(d time.Duration) {
	challengeLatency.Observe(d.Seconds())
}

func IncScan(result string) {
	scans.WithLabelValues(result).Inc()
}

func SetPendingVerification(n int) {
	pendingVerification.Set(float64(n))
}

func IncLockBusy() {
	lockBusy.Inc()
}
