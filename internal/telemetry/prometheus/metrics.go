// Package prometheus exposes node level room, participant and media handle metrics.
package prometheus

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "liveclass"

var (
	promRoomActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "room",
		Name:      "active",
	})
	promRoomDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "room",
		Name:      "duration_seconds",
		Buckets:   []float64{60, 5 * 60, 15 * 60, 30 * 60, 60 * 60, 2 * 60 * 60, 4 * 60 * 60},
	})
	promParticipants = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "participant",
		Name:      "total",
	})
	promHandles = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "media",
		Name:      "open_handles",
	})
	promEngineErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "media",
		Name:      "engine_errors_total",
	}, []string{"op"})
	promFanoutFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notify",
		Name:      "failures_total",
	})
	promConflicts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "room",
		Name:      "conflicts_total",
	}, []string{"op"})

	registerOnce sync.Once
)

// Init registers every collector with the default registry. Calling it more
// than once is harmless; collectors work unregistered too.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			promRoomActive,
			promRoomDuration,
			promParticipants,
			promHandles,
			promEngineErrors,
			promFanoutFailures,
			promConflicts,
		)
	})
}

func RoomStarted() { promRoomActive.Inc() }

func RoomEnded(startedAt *time.Time, now time.Time) {
	promRoomActive.Dec()
	if startedAt != nil {
		promRoomDuration.Observe(now.Sub(*startedAt).Seconds())
	}
}

func ParticipantJoined() { promParticipants.Inc() }

func ParticipantLeft(n int) { promParticipants.Sub(float64(n)) }

// HandleOpened and HandlesClosed track transports, producers and consumers held on this node.
func HandleOpened() { promHandles.Inc() }

func HandlesClosed(n int) { promHandles.Sub(float64(n)) }

func EngineError(op string) { promEngineErrors.WithLabelValues(op).Inc() }

func FanoutFailure() { promFanoutFailures.Inc() }

func Conflict(op string) { promConflicts.WithLabelValues(op).Inc() }
