package resolve

import (
	"context"
	"net/netip"
	"time"
)

// Source identifies which tier produced a Result.
type Source int

const (
	SourceUnresolved Source = iota
	SourceLocalDB
	SourceOfflineTable
	SourceRemoteGeo
	SourceRemoteASN
)

// String returns the name written to mirror storage and logs.
func (s Source) String() string {
	switch s {
	case SourceLocalDB:
		return "LOCAL_DB"
	case SourceOfflineTable:
		return "OFFLINE_TABLE"
	case SourceRemoteGeo:
		return "REMOTE_GEO"
	case SourceRemoteASN:
		return "REMOTE_ASN"
	default:
		return "UNRESOLVED"
	}
}

// Result is the outcome of resolving one address.
// A successful Result is never modified after it is cached.
type Result struct {
	Address    string
	Source     Source
	Country    string // ISO 3166-1 alpha-2, empty when unknown
	ASN        string // "AS15169" form, empty when unknown
	ASName     string
	ResolvedAt time.Time
	OK         bool
}

// Match is what a tier returns on a positive lookup.
type Match struct {
	Country string
	ASN     string
	ASName  string
}

// Positive reports whether the match carries any usable data.
func (m *Match) Positive() bool {
	return m != nil && (m.Country != "" || m.ASN != "")
}

// Tier is one fallback data source in the resolution chain.
// Implementations must respect ctx deadlines. A nil Match with a nil error
// means the tier had no data for the address.
type Tier interface {
	// Name returns the tier's identifier (e.g. "geoip_mmdb").
	Name() string

	// Source returns the Source recorded for results this tier produces.
	Source() Source

	// Lookup resolves addr.
	Lookup(ctx context.Context, addr netip.Addr) (*Match, error)
}

// Resolver resolves an address to a Result. Failures are reported as data,
// never as errors.
type Resolver interface {
	Resolve(ctx context.Context, address string) Result
}
