// Package metrics defines the Prometheus instruments of the reservation
// engine.  Instruments are grouped in a Metrics value registered against a
// caller-supplied registry so tests can use a fresh prometheus.Registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine instruments.  A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	// hold attempts by outcome: granted, conflict, invalid, error
	Holds *prometheus.CounterVec
	// released seats by outcome: released, failed
	Releases *prometheus.CounterVec
	// confirmations by outcome: booked, duplicate, conflict, expired, error
	Confirmations *prometheus.CounterVec
	// sweeper transitions by action: expired, booked, restored
	Sweeps *prometheus.CounterVec
	// latency of lock store round trips by operation
	StoreDuration *prometheus.HistogramVec
}

// New creates the instruments and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Holds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seat_holds_total",
			Help: "Hold requests by outcome",
		}, []string{"outcome"}),
		Releases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seat_releases_total",
			Help: "Released seats by outcome",
		}, []string{"outcome"}),
		Confirmations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seat_confirmations_total",
			Help: "Confirmation requests by outcome",
		}, []string{"outcome"}),
		Sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seat_sweeper_transitions_total",
			Help: "Seats transitioned by the expiry sweeper by action",
		}, []string{"action"}),
		StoreDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "seat_lock_store_duration_seconds",
			Help:    "Latency of seat lock store operations",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"operation"}),
	}
	reg.MustRegister(m.Holds, m.Releases, m.Confirmations, m.Sweeps, m.StoreDuration)
	return m
}

// Hold records a hold outcome.
func (m *Metrics) Hold(outcome string) {
	if m == nil {
		return
	}
	m.Holds.WithLabelValues(outcome).Inc()
}

// Release records n released or failed seats.
func (m *Metrics) Release(outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Releases.WithLabelValues(outcome).Add(float64(n))
}

// Confirmation records a confirmation outcome.
func (m *Metrics) Confirmation(outcome string) {
	if m == nil {
		return
	}
	m.Confirmations.WithLabelValues(outcome).Inc()
}

// Sweep records n seats transitioned by the sweeper.
func (m *Metrics) Sweep(action string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Sweeps.WithLabelValues(action).Add(float64(n))
}

// ObserveStore records the latency of one store operation started at start.
func (m *Metrics) ObserveStore(operation string, start time.Time) {
	if m == nil {
		return
	}
	m.StoreDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
