package pool

import (
	"github.com/triage-ai/relaywatch/internal/metrics"
)

const component = "pool"

// QueueSizeGauge tracks the current depth of the work queue.
var QueueSizeGauge = metrics.MustRegisterGauge(
	component,
	"queue_size",
	"Number of hop resolution requests waiting in the work queue.",
)

// InProgressGauge tracks resolutions currently executing in a worker.
var InProgressGauge = metrics.MustRegisterGauge(
	component,
	"in_progress",
	"Number of hop resolutions currently in progress.",
)

// QueueFullCounterTotal counts submits that had to wait for queue space.
var QueueFullCounterTotal = metrics.MustRegisterCounter(
	component,
	"queue_full_total",
	"Number of submits that blocked on a full work queue.",
)

// ProcessedCounterTotal counts published records.
// [tier].
var ProcessedCounterTotal = metrics.MustRegisterCounterVec(
	component,
	"processed_total",
	"Number of hop records published by the worker pool.",
	"tier",
)

// ResolutionDurationHistogram tracks end to end hop resolution time,
// including cache hits and coalesced waits.
// [tier].
var ResolutionDurationHistogram = metrics.MustRegisterHistogramVec(
	component,
	"resolution_duration_seconds",
	"Duration of hop resolutions in seconds.",
	[]float64{.0001, .001, .01, .05, .1, .5, 1, 2.5, 5, 10, 30},
	"tier",
)
