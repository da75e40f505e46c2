package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// everywhere; every method no-ops, so components never branch on whether
// metrics are enabled.
type Metrics struct {
	packetsProcessed *prometheus.CounterVec
	dnsEvents        *prometheus.CounterVec
	parseFailures    prometheus.Counter
	eventsDropped    prometheus.Counter

	flowTableSize prometheus.Gauge
	flowsFlushed  prometheus.Counter
	flushFailures prometheus.Counter

	feedUpdates      *prometheus.CounterVec
	indicatorsLoaded prometheus.Gauge
	alertsCreated    *prometheus.CounterVec
	scanDuration     prometheus.Histogram
}

// New registers the engine collectors under the given namespace.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "netsentry"
	}

	return &Metrics{
		packetsProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_processed_total",
			Help:      "Total frames handled by the capture loop",
		}, []string{"protocol"}),
		dnsEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dns_events_total",
			Help:      "Parsed DNS messages by event type",
		}, []string{"event_type"}),
		parseFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dns_parse_failures_total",
			Help:      "DNS payloads dropped as malformed",
		}),
		eventsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dns_events_dropped_total",
			Help:      "DNS messages dropped because the writer queue was full",
		}),
		flowTableSize: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "flow_table_entries",
			Help:      "Live entries in the in-memory flow table",
		}),
		flowsFlushed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flows_flushed_total",
			Help:      "Flow aggregates upserted into storage",
		}),
		flushFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flow_flush_failures_total",
			Help:      "Flow flush attempts that failed",
		}),
		feedUpdates: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_updates_total",
			Help:      "Feed update attempts by outcome",
		}, []string{"feed", "status"}),
		indicatorsLoaded: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "indicators_loaded",
			Help:      "Indicators in the in-memory matching cache",
		}),
		alertsCreated: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_created_total",
			Help:      "Threat alerts created by feed",
		}, []string{"feed"}),
		scanDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Historical scan run duration",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}
}

func (m *Metrics) IncPackets(protocol string) {
	if m == nil {
		return
	}
	m.packetsProcessed.WithLabelValues(protocol).Inc()
}

func (m *Metrics) IncDNSEvent(eventType string) {
	if m == nil {
		return
	}
	m.dnsEvents.WithLabelValues(eventType).Inc()
}

func (m *Metrics) IncParseFailure() {
	if m == nil {
		return
	}
	m.parseFailures.Inc()
}

func (m *Metrics) IncEventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}

func (m *Metrics) SetFlowTableSize(n int) {
	if m == nil {
		return
	}
	m.flowTableSize.Set(float64(n))
}

func (m *Metrics) AddFlowsFlushed(n int) {
	if m == nil {
		return
	}
	m.flowsFlushed.Add(float64(n))
}

func (m *Metrics) IncFlushFailure() {
	if m == nil {
		return
	}
	m.flushFailures.Inc()
}

func (m *Metrics) IncFeedUpdate(feed, status string) {
	if m == nil {
		return
	}
	m.feedUpdates.WithLabelValues(feed, status).Inc()
}

func (m *Metrics) SetIndicatorsLoaded(n int) {
	if m == nil {
		return
	}
	m.indicatorsLoaded.Set(float64(n))
}

func (m *Metrics) IncAlertCreated(feed string) {
	if m == nil {
		return
	}
	m.alertsCreated.WithLabelValues(feed).Inc()
}

func (m *Metrics) ObserveScanDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.scanDuration.Observe(d.Seconds())
}

// Serve exposes /metrics on the given address until the server fails.
// Intended to run in its own goroutine.
func Serve(listen string, logger *logrus.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	logger.WithField("listen", listen).Info("Metrics listener started")
	if err := http.ListenAndServe(listen, mux); err != nil {
		logger.WithError(err).Error("Metrics listener stopped")
	}
}
