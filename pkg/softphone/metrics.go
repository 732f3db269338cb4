package softphone

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics метрики движка для Prometheus.
//
// Каждый движок регистрирует метрики в собственном Registerer, чтобы
// несколько движков в одном процессе не конфликтовали именами.
type Metrics struct {
	registrationsTotal *prometheus.CounterVec
	registrationsOk    prometheus.Gauge

	callsTotal    *prometheus.CounterVec
	callsActive   prometheus.Gauge
	callSetupTime prometheus.Histogram

	reconnectsTotal prometheus.Counter
	inboundTotal    prometheus.Counter
	parseErrors     prometheus.Counter
	dtmfSentTotal   prometheus.Counter
	eventsDropped   prometheus.GaugeFunc
}

// newMetrics создает и регистрирует метрики движка
func newMetrics(reg prometheus.Registerer, droppedEvents func() float64) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		registrationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "softphone",
			Name:      "registrations_total",
			Help:      "Registration attempts by outcome",
		}, []string{"outcome"}),
		registrationsOk: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "softphone",
			Name:      "registrations_active",
			Help:      "Accounts currently registered",
		}),
		callsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "softphone",
			Name:      "calls_total",
			Help:      "Calls by direction and end reason",
		}, []string{"direction", "reason"}),
		callsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "softphone",
			Name:      "calls_active",
			Help:      "Calls currently not in a terminal state",
		}),
		callSetupTime: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "softphone",
			Name:      "call_setup_seconds",
			Help:      "Time from dial to connected",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		reconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "softphone",
			Name:      "transport_reconnects_total",
			Help:      "Transport reconnect attempts",
		}),
		inboundTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "softphone",
			Name:      "inbound_messages_total",
			Help:      "Inbound signaling messages",
		}),
		parseErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "softphone",
			Name:      "parse_errors_total",
			Help:      "Inbound messages dropped as unparsable",
		}),
		dtmfSentTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "softphone",
			Name:      "dtmf_digits_sent_total",
			Help:      "DTMF digits delivered to the media engine",
		}),
		eventsDropped: factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "softphone",
			Name:      "events_dropped_total",
			Help:      "Events evicted from the dispatcher buffer",
		}, droppedEvents),
	}
}
