package sink

import (
	"github.com/triage-ai/relaywatch/internal/metrics"
)

const component = "sink"

// RowsCounterTotal counts rows handed to durable storage.
var RowsCounterTotal = metrics.MustRegisterCounter(
	component,
	"rows_written_total",
	"Number of hop rows written to durable storage.",
)

// PartialCounterTotal counts circuits written with UNRESOLVED filler rows.
var PartialCounterTotal = metrics.MustRegisterCounter(
	component,
	"partial_circuits_total",
	"Number of circuits written before all hops resolved.",
)

// LateCounterTotal counts hops that arrived after their circuit was written.
var LateCounterTotal = metrics.MustRegisterCounter(
	component,
	"late_hops_total",
	"Number of hop records dropped because their circuit was already written.",
)

// WriteErrorCounterTotal counts failed batch writes.
var WriteErrorCounterTotal = metrics.MustRegisterCounter(
	component,
	"write_errors_total",
	"Number of failed durable writes.",
)

// WriteDurationHistogram tracks per-circuit batch write latency.
var WriteDurationHistogram = metrics.MustRegisterHistogramVec(
	component,
	"write_duration_seconds",
	"Duration of circuit batch writes in seconds.",
	[]float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
).WithLabelValues()
