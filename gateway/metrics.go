package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the prometheus collectors a Broker reports to.
type Metrics struct {
	Published        prometheus.Counter
	Evicted          prometheus.Counter
	Subscribers      prometheus.Gauge
	SnapshotRequired prometheus.Counter
	SubOverflows     prometheus.Counter
	Tail             prometheus.Gauge
}

// NewMetrics creates a Broker's collectors, registering them with reg (if non-nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Published: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_published_slabs_total",
				Help: "Number of slabs appended to the replay log",
			},
		),
		Evicted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_evicted_slabs_total",
				Help: "Number of slabs evicted from the replay log",
			},
		),
		Subscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_subscribers",
				Help: "Number of open subscriptions",
			},
		),
		SnapshotRequired: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_snapshot_required_total",
				Help: "Number of subscriptions refused or ended because the cursor fell behind the retained window",
			},
		),
		SubOverflows: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_sub_overflows_total",
				Help: "Number of live slabs a subscriber had to re-read from the replay log",
			},
		),
		Tail: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_tail_seq",
				Help: "Most recently assigned slab seq",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.Published,
			m.Evicted,
			m.Subscribers,
			m.SnapshotRequired,
			m.SubOverflows,
			m.Tail,
		)
	}
	return m
}
