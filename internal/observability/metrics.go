package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	queriesSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trino_gateway_queries_submitted_total",
			Help: "Total number of queries submitted to Trino, by outcome.",
		},
		[]string{"outcome"},
	)
	querySubmitDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "trino_gateway_query_submit_duration_seconds",
			Help:    "Time from submission until Trino reported a terminal state.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		},
	)
	trinoPollsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trino_gateway_trino_polls_total",
			Help: "Total number of nextUri polls issued to Trino.",
		},
	)
	segmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trino_gateway_segments_total",
			Help: "Total number of spooled segments processed, by source and outcome.",
		},
		[]string{"source", "outcome"},
	)
	segmentBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trino_gateway_segment_bytes_total",
			Help: "Total number of raw segment payload bytes read.",
		},
	)
	segmentDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "trino_gateway_segment_duration_seconds",
			Help:    "Time to fetch, decode and convert a single segment.",
			Buckets: prometheus.DefBuckets,
		},
	)
	segmentsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trino_gateway_segments_in_flight",
			Help: "Number of segments currently being fetched or converted.",
		},
	)
	segmentAckFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trino_gateway_segment_ack_failures_total",
			Help: "Total number of failed best-effort segment acknowledgments.",
		},
	)
	batchesStreamedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trino_gateway_batches_streamed_total",
			Help: "Total number of Arrow record batches sent to Flight clients.",
		},
	)
	rowsStreamedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trino_gateway_rows_streamed_total",
			Help: "Total number of rows sent to Flight clients.",
		},
	)
	streamsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trino_gateway_streams_total",
			Help: "Total number of DoGet streams, by outcome.",
		},
		[]string{"outcome"},
	)
	registryEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trino_gateway_registry_entries",
			Help: "Number of query handles currently registered.",
		},
	)
	rateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trino_gateway_rate_limited_total",
			Help: "Total number of Flight calls rejected by the submission rate limiter.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		queriesSubmittedTotal,
		querySubmitDurationSeconds,
		trinoPollsTotal,
		segmentsTotal,
		segmentBytesTotal,
		segmentDurationSeconds,
		segmentsInFlight,
		segmentAckFailuresTotal,
		batchesStreamedTotal,
		rowsStreamedTotal,
		streamsTotal,
		registryEntries,
		rateLimitedTotal,
	)
}

// Outcome labels.
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeCanceled = "canceled"
)

func ObserveQuerySubmitted(outcome string, elapsed time.Duration) {
	queriesSubmittedTotal.WithLabelValues(outcome).Inc()
	querySubmitDurationSeconds.Observe(elapsed.Seconds())
}

func IncTrinoPolls() {
	trinoPollsTotal.Inc()
}

// SegmentStarted marks a segment as in flight and returns the function that
// records its completion.
func SegmentStarted(source string) func(outcome string, bytes int64) {
	start := time.Now()
	segmentsInFlight.Inc()
	return func(outcome string, bytes int64) {
		segmentsInFlight.Dec()
		segmentsTotal.WithLabelValues(source, outcome).Inc()
		if bytes > 0 {
			segmentBytesTotal.Add(float64(bytes))
		}
		segmentDurationSeconds.Observe(time.Since(start).Seconds())
	}
}

func IncSegmentAckFailures() {
	segmentAckFailuresTotal.Inc()
}

func ObserveBatchStreamed(rows int64) {
	batchesStreamedTotal.Inc()
	if rows > 0 {
		rowsStreamedTotal.Add(float64(rows))
	}
}

func ObserveStream(outcome string) {
	streamsTotal.WithLabelValues(outcome).Inc()
}

func SetRegistryEntries(n int) {
	if n < 0 {
		n = 0
	}
	registryEntries.Set(float64(n))
}

func IncRateLimited() {
	rateLimitedTotal.Inc()
}
