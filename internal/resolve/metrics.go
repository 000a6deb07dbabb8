package resolve

import (
	"github.com/triage-ai/relaywatch/internal/metrics"
)

const component = "resolve"

// CacheHitCounterTotal counts lookups answered from the cache.
var CacheHitCounterTotal = metrics.MustRegisterCounter(
	component,
	"cache_hit_total",
	"Number of address lookups answered from the resolution cache.",
)

// CacheMissCounterTotal counts lookups that walked the tier chain.
var CacheMissCounterTotal = metrics.MustRegisterCounter(
	component,
	"cache_miss_total",
	"Number of address lookups that missed the resolution cache.",
)

// CacheShareCounterTotal counts callers that received another caller's
// in-flight result.
var CacheShareCounterTotal = metrics.MustRegisterCounter(
	component,
	"cache_share_total",
	"Number of resolutions shared with a concurrent in-flight lookup.",
)

// TierOutcomeCounterTotal counts tier outcomes.
// [tier, outcome] where outcome is hit, miss or error.
var TierOutcomeCounterTotal = metrics.MustRegisterCounterVec(
	component,
	"tier_outcome_total",
	"Outcomes of resolution tier lookups.",
	"tier", "outcome",
)

// TierDurationHistogram tracks the latency of each tier lookup.
// [tier].
var TierDurationHistogram = metrics.MustRegisterHistogramVec(
	component,
	"tier_duration_seconds",
	"Duration of resolution tier lookups in seconds.",
	[]float64{.0005, .001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
	"tier",
)
