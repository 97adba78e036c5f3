// Package metrics exposes outreach delivery metrics in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"outreach/internal/domain"
)

// Metrics holds every outreach metric. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	sends         *prometheus.CounterVec
	errors        *prometheus.CounterVec
	retries       *prometheus.CounterVec
	sendDuration  prometheus.Histogram
	retryDelay    prometheus.Histogram
	queueDepth    prometheus.Gauge
	connected     prometheus.Gauge
	transitions   *prometheus.CounterVec
	timeToDeliver prometheus.Histogram
	timeToRead    prometheus.Histogram
	crmUpdates    *prometheus.CounterVec
	drains        prometheus.Counter
}

// New creates the metrics and registers them, plus the Go runtime and
// process collectors, on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	receiptBuckets := []float64{1, 5, 15, 60, 300, 900, 3600, 4 * 3600, 24 * 3600}
	m := &Metrics{
		registry: reg,
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outreach_sends_total",
			Help: "Send attempts by outcome.",
		}, []string{"transport", "result"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outreach_errors_total",
			Help: "Classified send failures.",
		}, []string{"kind"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outreach_retries_scheduled_total",
			Help: "Failures deferred to the retry queue.",
		}, []string{"kind"}),
		sendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "outreach_send_duration_seconds",
			Help:    "Transport send latency.",
			Buckets: prometheus.DefBuckets,
		}),
		retryDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "outreach_retry_delay_seconds",
			Help:    "Backoff assigned to queued retries.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 450},
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outreach_queue_depth",
			Help: "Entries waiting in the retry queue.",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outreach_transport_connected",
			Help: "1 when the transport answered its last probe.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outreach_delivery_transitions_total",
			Help: "Delivery status transitions observed by the tracker.",
		}, []string{"status"}),
		timeToDeliver: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "outreach_time_to_deliver_seconds",
			Help:    "Time from send to the first delivery receipt.",
			Buckets: receiptBuckets,
		}),
		timeToRead: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "outreach_time_to_read_seconds",
			Help:    "Time from send to the first read receipt.",
			Buckets: receiptBuckets,
		}),
		crmUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outreach_crm_updates_total",
			Help: "CRM status updates by result.",
		}, []string{"result"}),
		drains: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outreach_queue_drains_total",
			Help: "Queue drain cycles started.",
		}),
	}
	reg.MustRegister(
		m.sends, m.errors, m.retries, m.sendDuration, m.retryDelay,
		m.queueDepth, m.connected, m.transitions, m.timeToDeliver,
		m.timeToRead, m.crmUpdates, m.drains,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Send(transport string, result domain.OutreachStatus, took time.Duration) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(transport, string(result)).Inc()
	m.sendDuration.Observe(took.Seconds())
}

func (m *Metrics) Error(kind domain.ErrorKind) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) RetryScheduled(kind domain.ErrorKind, delay time.Duration) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(string(kind)).Inc()
	m.retryDelay.Observe(delay.Seconds())
}

func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) Connected(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}

// Transition records a tracker status change and the receipt latencies it
// revealed.
func (m *Metrics) Transition(change domain.StatusChange) {
	if m == nil {
		return
	}
	dc := change.Confirmation
	m.transitions.WithLabelValues(string(dc.Status)).Inc()
	prev := change.Previous.Rank()
	if dc.DeliveredAt != nil && prev < domain.StatusDelivered.Rank() {
		m.timeToDeliver.Observe(dc.DeliveredAt.Sub(dc.SentAt).Seconds())
	}
	if dc.ReadAt != nil && prev < domain.StatusRead.Rank() {
		m.timeToRead.Observe(dc.ReadAt.Sub(dc.SentAt).Seconds())
	}
}

func (m *Metrics) CRMUpdate(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.crmUpdates.WithLabelValues("failed").Inc()
		return
	}
	m.crmUpdates.WithLabelValues("ok").Inc()
}

func (m *Metrics) Drain() {
	if m == nil {
		return
	}
	m.drains.Inc()
}
