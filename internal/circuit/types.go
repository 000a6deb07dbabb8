package circuit

import (
	"strconv"
	"time"
)

// Unknown is written in place of any value that could not be resolved.
const Unknown = "UNKNOWN"

// Status is the lifecycle state of a circuit as reported by the control port.
type Status int

const (
	StatusUnspecified Status = iota
	StatusPending            // LAUNCHED, EXTENDED, GUARD_WAIT
	StatusBuilt              // BUILT
	StatusFailed             // FAILED
	StatusClosed             // CLOSED
)

// String returns the upper-case status name.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusBuilt:
		return "BUILT"
	case StatusFailed:
		return "FAILED"
	case StatusClosed:
		return "CLOSED"
	default:
		return "UNSPECIFIED"
	}
}

// ParseStatus maps a control-protocol CIRC status keyword onto a Status.
func ParseStatus(s string) Status {
	switch s {
	case "LAUNCHED", "EXTENDED", "GUARD_WAIT":
		return StatusPending
	case "BUILT":
		return StatusBuilt
	case "FAILED":
		return StatusFailed
	case "CLOSED":
		return StatusClosed
	default:
		return StatusUnspecified
	}
}

// Descriptor sources recorded per hop.
const (
	SourceCircuitPath   = "circuit-path"
	SourceNetworkStatus = "network-status"
)

// Hop is one relay in a circuit's ordered path.
type Hop struct {
	Index       int
	Fingerprint string
	Nickname    string // may be empty
	Address     string // empty until the descriptor lookup succeeds
	AddrSource  string // SourceCircuitPath or SourceNetworkStatus
}

// Event is a single circuit lifecycle notification.
// Once handed to the pool it is shared read-only between workers and the sink.
type Event struct {
	ID         string
	Status     Status
	Purpose    string
	Hops       []Hop
	ObservedAt time.Time
}

// Role is the derived position of a hop in its circuit.
type Role string

const (
	RoleGuard  Role = "guard"
	RoleMiddle Role = "middle"
	RoleExit   Role = "exit"
)

// RoleFor derives the role of the hop at index in a circuit of total hops.
// The last hop is always the exit, so a one-hop circuit is an exit.
func RoleFor(index, total int) Role {
	switch {
	case index == total-1:
		return RoleExit
	case index == 0:
		return RoleGuard
	default:
		return RoleMiddle
	}
}

// Record is one output row: a single hop annotated with its resolution.
type Record struct {
	Timestamp   time.Time
	CircuitID   string
	HopIndex    int
	HopCount    int
	Role        Role
	Fingerprint string
	Nickname    string
	IP          string
	Country     string
	ASN         string
	ASName      string
	Tier        string
	Purpose     string
	AddrSource  string

	// Source is the event the hop came from. The sink uses it to fill hops
	// that never finish resolving.
	Source *Event
}

// Header is the fixed column order of the per-session output.
var Header = []string{
	"timestamp", "circuit_id", "hop_index", "role", "fingerprint",
	"nickname", "ip", "country", "asn", "as_name",
}

// Row renders the record in Header order.
func (r *Record) Row() []string {
	return []string{
		r.Timestamp.UTC().Format(time.RFC3339Nano),
		r.CircuitID,
		strconv.Itoa(r.HopIndex),
		string(r.Role),
		r.Fingerprint,
		r.Nickname,
		orUnknown(r.IP),
		orUnknown(r.Country),
		orUnknown(r.ASN),
		orUnknown(r.ASName),
	}
}

// UnresolvedRecord builds the row written for a hop whose resolution never
// arrived (shutdown or max-wait flush).
func UnresolvedRecord(ev *Event, index int) Record {
	h := ev.Hops[index]
	return Record{
		Timestamp:   ev.ObservedAt,
		CircuitID:   ev.ID,
		HopIndex:    index,
		HopCount:    len(ev.Hops),
		Role:        RoleFor(index, len(ev.Hops)),
		Fingerprint: h.Fingerprint,
		Nickname:    h.Nickname,
		IP:          h.Address,
		Tier:        "UNRESOLVED",
		Purpose:     ev.Purpose,
		AddrSource:  h.AddrSource,
		Source:      ev,
	}
}

func orUnknown(s string) string {
	if s == "" {
		return Unknown
	}
	return s
}
