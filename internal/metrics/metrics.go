package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campaign_dispatch_sends_total",
		Help: "Send attempts by channel and outcome (sent, failed).",
	}, []string{"channel", "outcome"})

	SendLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "campaign_dispatch_send_duration_seconds",
		Help:    "Latency of a single provider send, including timeouts.",
		Buckets: prometheus.DefBuckets,
	}, []string{"channel"})

	BatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "campaign_dispatch_batch_duration_seconds",
		Help:    "Wall time from fan-out to join for one batch.",
		Buckets: prometheus.DefBuckets,
	})

	ActiveRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "campaign_dispatch_active_runs",
		Help: "Dispatch runs currently executing in this process.",
	})

	RunsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campaign_dispatch_runs_finished_total",
		Help: "Dispatch runs by the status they ended in (completed, paused, running, aborted).",
	}, []string{"result"})

	DeliveryEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campaign_delivery_events_total",
		Help: "Provider delivery callbacks by final status and whether they changed counters.",
	}, []string{"status", "applied"})
)

// Recorder is what the dispatch path reports to. Tests use Nop.
type Recorder interface {
	RecordSend(channel, outcome string, d time.Duration)
	RecordBatch(d time.Duration)
	RunStarted()
	RunFinished(result string)
	RecordDelivery(status string, applied bool)
}

type PrometheusMetrics struct{}

func (PrometheusMetrics) RecordSend(channel, outcome string, d time.Duration) {
	SendsTotal.WithLabelValues(channel, outcome).Inc()
	SendLatency.WithLabelValues(channel).Observe(d.Seconds())
}

func (PrometheusMetrics) RecordBatch(d time.Duration) {
	BatchDuration.Observe(d.Seconds())
}

func (PrometheusMetrics) RunStarted() {
	ActiveRuns.Inc()
}

func (PrometheusMetrics) RunFinished(result string) {
	ActiveRuns.Dec()
	RunsFinished.WithLabelValues(result).Inc()
}

func (PrometheusMetrics) RecordDelivery(status string, applied bool) {
	label := "false"
	if applied {
		label = "true"
	}
	DeliveryEvents.WithLabelValues(status, label).Inc()
}

type Nop struct{}

func (Nop) RecordSend(string, string, time.Duration) {}
func (Nop) RecordBatch(time.Duration)                {}
func (Nop) RunStarted()                              {}
func (Nop) RunFinished(string)                       {}
func (Nop) RecordDelivery(string, bool)              {}

var (
	_ Recorder = PrometheusMetrics{}
	_ Recorder = Nop{}
)
