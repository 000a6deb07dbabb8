package tracker

import (
	"github.com/triage-ai/relaywatch/internal/metrics"
)

const component = "tracker"

// EventCounterTotal counts circuit events received.
// [status].
var EventCounterTotal = metrics.MustRegisterCounterVec(
	component,
	"events_total",
	"Number of circuit events received from the control port.",
	"status",
)

// BuiltCounterTotal counts BUILT circuits handed to the pool.
var BuiltCounterTotal = metrics.MustRegisterCounter(
	component,
	"circuits_built_total",
	"Number of BUILT circuits submitted for resolution.",
)

// DuplicateCounterTotal counts repeated BUILT events that were ignored.
var DuplicateCounterTotal = metrics.MustRegisterCounter(
	component,
	"duplicate_built_total",
	"Number of repeated BUILT events ignored.",
)

// LookupFailureCounterTotal counts failed fingerprint to address lookups.
var LookupFailureCounterTotal = metrics.MustRegisterCounter(
	component,
	"descriptor_lookup_failures_total",
	"Number of descriptor lookups that failed.",
)
