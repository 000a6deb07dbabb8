// Package tiers provides the resolution strategies walked by resolve.Chain.
//
// Tiers, in the priority order the service wires them:
//   - LocalDB: MaxMind mmdb country/city and ASN databases
//   - RangeTable: offline tab-separated CIDR to ASN table, longest prefix wins
//   - GeoHTTP: remote ip-api style JSON geolocation endpoint
//   - CymruWhois / CymruDNS: Team Cymru IP to ASN service over whois or DNS
//
// Remote tiers apply a per-call timeout and a minimum spacing between calls.
package tiers

import (
	"errors"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

var (
	ErrNoDatabase        = errors.New("no geoip database could be opened")
	ErrBadStatus         = errors.New("remote service returned a failure status")
	ErrMalformedResponse = errors.New("malformed response")
)

// newSpacer returns a limiter allowing one call per spacing. A zero spacing
// disables the limit.
func newSpacer(spacing time.Duration) *rate.Limiter {
	if spacing <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(spacing), 1)
}

// normalizeASN renders an AS number as "AS<n>". Empty and "NA" map to "".
func normalizeASN(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "NA") {
		return ""
	}
	if len(s) > 2 && strings.EqualFold(s[:2], "AS") {
		return "AS" + s[2:]
	}
	return "AS" + s
}
