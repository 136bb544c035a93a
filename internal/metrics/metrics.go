package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Failure reasons used as the "reason" label on JobsFailed.
const (
	ReasonConfiguration = "configuration"
	ReasonTransport     = "transport"
	ReasonTimeout       = "timeout"
	ReasonStalled       = "stalled"
	ReasonOther         = "other"
)

var (
	JobsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailq_jobs_completed_total",
		Help: "Total number of email jobs resolved by this worker",
	}, []string{"queue"})
	JobsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailq_jobs_failed_total",
		Help: "Total number of email job attempts rejected by this worker",
	}, []string{"queue", "reason"})
	JobsRetried = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailq_jobs_retry_scheduled_total",
		Help: "Total number of failed attempts the queue scheduled for retry",
	}, []string{"queue"})
	JobsDeadLettered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailq_jobs_dead_lettered_total",
		Help: "Total number of jobs moved to the failed state after exhausting retries",
	}, []string{"queue"})
	JobsInFlight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mailq_jobs_in_flight",
		Help: "Number of jobs currently being handled",
	}, []string{"queue"})
	SendDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mailq_send_duration_seconds",
		Help:    "Latency of mail transport send calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"transport"})
)

func init() {
	prometheus.MustRegister(JobsCompleted)
	prometheus.MustRegister(JobsFailed)
	prometheus.MustRegister(JobsRetried)
	prometheus.MustRegister(JobsDeadLettered)
	prometheus.MustRegister(JobsInFlight)
	prometheus.MustRegister(SendDuration)
}

// ObserveSend records the duration of one transport call.
func ObserveSend(transport string, started time.Time) {
	SendDuration.WithLabelValues(transport).Observe(time.Since(started).Seconds())
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// CountFunc reports the number of jobs per state for one queue.
type CountFunc func(ctx context.Context) (map[string]int64, error)

// QueueCollector reports queue depth per state at scrape time.
type QueueCollector struct {
	queue   string
	counts  CountFunc
	timeout time.Duration
	desc    *prometheus.Desc
}

// NewQueueCollector returns a collector that calls counts on every scrape.
func NewQueueCollector(queue string, counts CountFunc) *QueueCollector {
	return &QueueCollector{
		queue:   queue,
		counts:  counts,
		timeout: 2 * time.Second,
		desc: prometheus.NewDesc(
			"mailq_jobs",
			"Number of jobs in the queue store by state",
			[]string{"queue", "state"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *QueueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

// Collect implements prometheus.Collector. Store errors produce no samples.
func (c *QueueCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	counts, err := c.counts(ctx)
	if err != nil {
		return
	}
	for state, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n), c.queue, state)
	}
}

// ResetForTests clears counters; intended for use in tests only.
func ResetForTests() {
	JobsCompleted.Reset()
	JobsFailed.Reset()
	JobsRetried.Reset()
	JobsDeadLettered.Reset()
	JobsInFlight.Reset()
	SendDuration.Reset()
}
