package control

import (
	"github.com/triage-ai/relaywatch/internal/metrics"
)

const component = "control"

// EventCounterTotal counts CIRC events read from the control port.
// [status].
var EventCounterTotal = metrics.MustRegisterCounterVec(
	component,
	"circ_events_total",
	"Number of CIRC events read from the control port.",
	"status",
)

// DroppedEventCounterTotal counts BUILT events dropped because the event
// queue was full.
var DroppedEventCounterTotal = metrics.MustRegisterCounter(
	component,
	"dropped_built_events_total",
	"Number of BUILT events dropped because the event queue was full.",
)

// EventQueueGauge is the number of BUILT events waiting for the tracker.
var EventQueueGauge = metrics.MustRegisterGauge(
	component,
	"event_queue_size",
	"Number of BUILT events waiting to be handed to the tracker.",
)
