package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pgrepl"

// PrometheusCounter wraps prometheus.Counter behind the Counter interface
// shape used across the codebase.
type PrometheusCounter struct {
	counter prometheus.Counter
}

func NewPrometheusCounter(subsystem, name, help string) *PrometheusCounter {
	return &PrometheusCounter{
		counter: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}),
	}
}

func (c *PrometheusCounter) Inc() {
	c.counter.Inc()
}

func (c *PrometheusCounter) Add(n uint64) {
	c.counter.Add(float64(n))
}

// PrometheusGauge wraps prometheus.Gauge.
type PrometheusGauge struct {
	gauge prometheus.Gauge
}

func NewPrometheusGauge(subsystem, name, help string) *PrometheusGauge {
	return &PrometheusGauge{
		gauge: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}),
	}
}

func (g *PrometheusGauge) Set(v int64) {
	g.gauge.Set(float64(v))
}

// Metrics is the centralized registry for the replication service.
type Metrics struct {
	// Stream metrics
	WALMessages    *PrometheusCounter
	FeedbackSent   *PrometheusCounter
	ReplicationLag *PrometheusGauge
	ServerLSN      *PrometheusGauge
	ReceivedLSN    *PrometheusGauge
	ProcessedLSN   *PrometheusGauge

	// Decode metrics
	DecodeErrors *PrometheusCounter

	// Publisher metrics
	EventsPublished *PrometheusCounter
	PublishFailures *PrometheusCounter

	// Checkpoint metrics
	CheckpointsSaved *PrometheusCounter
}

func NewMetrics() *Metrics {
	return &Metrics{
		WALMessages: NewPrometheusCounter("stream", "wal_messages_total",
			"Total WAL data messages received"),
		FeedbackSent: NewPrometheusCounter("stream", "feedback_sent_total",
			"Total standby status updates sent"),
		ReplicationLag: NewPrometheusGauge("stream", "replication_lag_milliseconds",
			"Wall-clock lag behind the last server send timestamp"),
		ServerLSN: NewPrometheusGauge("stream", "server_lsn",
			"Highest server WAL flush LSN reported"),
		ReceivedLSN: NewPrometheusGauge("stream", "received_lsn",
			"WAL start LSN of the most recent data message"),
		ProcessedLSN: NewPrometheusGauge("stream", "processed_lsn",
			"LSN of the last payload accepted by the consumer"),
		DecodeErrors: NewPrometheusCounter("decode", "errors_total",
			"Total payload decode errors"),
		EventsPublished: NewPrometheusCounter("publisher", "events_total",
			"Total events published"),
		PublishFailures: NewPrometheusCounter("publisher", "failures_total",
			"Total publish failures"),
		CheckpointsSaved: NewPrometheusCounter("checkpoint", "saved_total",
			"Total checkpoints written"),
	}
}

// GlobalMetrics is the process-wide registry; promauto registers everything
// with the default Prometheus registerer at package init.
var GlobalMetrics = NewMetrics()
