package can

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nerrad567/canbridge/internal/conversion"
)

const metricsNamespace = "canbridge"

// Translation results used as the "result" label.
const (
	resultOK      = "ok"
	resultPartial = "partial"
	resultDropped = "dropped"
)

// Metrics holds the bridge's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	translations *prometheus.CounterVec
	drops        *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	queueDepth   *prometheus.GaugeVec
}

// TableStats reports conversion table activity. *conversion.Store
// implements it.
type TableStats interface {
	Stats() conversion.StoreStats
}

// NewMetrics registers the bridge collectors with reg.
//
// Parameters:
//   - reg: Target registry (prometheus.DefaultRegisterer in production,
//     a fresh prometheus.NewRegistry() in tests)
//   - bus: Optional connector exported as canbridge_bus_up
//   - tables: Optional table store exported as canbridge_table_*
func NewMetrics(reg prometheus.Registerer, bus Connector, tables TableStats) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		translations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "translations_total",
				Help:      "Translations processed, by direction and result.",
			},
			[]string{"direction", "result"},
		),
		drops: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "drops_total",
				Help:      "Dropped translations, by direction and reason.",
			},
			[]string{"direction", "reason"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "translation_duration_seconds",
				Help:      "Time from dequeue to publish or send.",
				Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"direction"},
		),
		queueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "queue_depth",
				Help:      "Messages waiting in each direction's queue.",
			},
			[]string{"direction"},
		),
	}

	if bus != nil {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "bus_up",
			Help:      "1 while the CAN socket is open.",
		}, func() float64 {
			if bus.IsConnected() {
				return 1
			}
			return 0
		})
	}

	if tables != nil {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "table_entries",
			Help:      "Entries in the active conversion table.",
		}, func() float64 { return float64(tables.Stats().Entries) })
		factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "table_reloads_total",
			Help:      "Successful conversion table reloads.",
		}, func() float64 { return float64(tables.Stats().Reloads) })
		factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "table_reload_failures_total",
			Help:      "Rejected conversion table reloads.",
		}, func() float64 { return float64(tables.Stats().ReloadFailures) })
	}

	return m
}

// observe records a finished translation event.
func (m *Metrics) observe(ev Event) {
	if m == nil {
		return
	}
	dir := string(ev.Direction)

	switch {
	case ev.Dropped():
		m.translations.WithLabelValues(dir, resultDropped).Inc()
		m.drops.WithLabelValues(dir, ev.Reason).Inc()
	case ev.Partial:
		m.translations.WithLabelValues(dir, resultPartial).Inc()
	default:
		m.translations.WithLabelValues(dir, resultOK).Inc()
	}

	if ev.Duration > 0 {
		m.duration.WithLabelValues(dir).Observe(ev.Duration.Seconds())
	}
}

func (m *Metrics) setQueueDepth(dir Direction, n int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(string(dir)).Set(float64(n))
}
