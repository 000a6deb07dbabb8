// Package control is the boundary to the anonymity network's control port.
// It delivers circuit lifecycle events and answers fingerprint to address
// lookups.
package control

import (
	"context"
	"errors"
	"net/netip"
	"strings"

	"github.com/cretz/bine/control"
	"github.com/triage-ai/relaywatch/internal/circuit"
)

var (
	// ErrNotConnected means no control endpoint accepted a connection.
	ErrNotConnected = errors.New("control port not connected")
	// ErrSubscriptionClosed means the event stream ended without being asked to.
	ErrSubscriptionClosed = errors.New("event subscription closed")
	// ErrDescriptorNotFound means no network status entry exists for a fingerprint.
	ErrDescriptorNotFound = errors.New("descriptor not found")
)

// Controller supplies circuit events and descriptor lookups.
type Controller interface {
	// Subscribe starts delivering circuit events. Events are delivered in the
	// order the control port emitted them. The channel is closed when ctx is
	// cancelled, Close is called, or the connection drops; Err distinguishes
	// the last case.
	Subscribe(ctx context.Context) (<-chan *circuit.Event, error)

	// LookupAddress returns the IP address the network status lists for fingerprint.
	LookupAddress(ctx context.Context, fingerprint string) (string, error)

	// Err returns the reason the subscription ended, or nil for a requested stop.
	Err() error

	Close() error
}

// circuitPath returns the long-name path entries of a CIRC event.
//
// The path is the positional third token of the event line
// ("<id> <status> $FP~nick,$FP~nick ..."). It is read from the raw line
// because the parsed event only recognises key=value attributes. Events built
// without a raw line fall back to the parsed Path.
func circuitPath(ce *control.CircuitEvent) []string {
	candidates := ce.Path
	if fields := strings.Fields(ce.Raw); len(fields) >= 3 {
		candidates = nil
		if strings.HasPrefix(fields[2], "$") {
			candidates = strings.Split(fields[2], ",")
		}
	}
	path := make([]string, 0, len(candidates))
	for _, entry := range candidates {
		if entry = strings.TrimSpace(entry); entry != "" {
			path = append(path, entry)
		}
	}
	return path
}

// parsePathEntry splits a long-name path entry ("$FP~nick", "$FP=nick" or
// "$FP") into fingerprint and nickname.
func parsePathEntry(entry string) (fingerprint, nickname string) {
	entry = strings.TrimPrefix(entry, "$")
	if i := strings.IndexAny(entry, "~="); i >= 0 {
		return strings.ToUpper(entry[:i]), entry[i+1:]
	}
	return strings.ToUpper(entry), ""
}

// parseRouterStatusAddress extracts the IP from the "r" line of a router
// status entry:
//
//	r <nickname> <identity> <digest> <date> <time> <IP> <ORPort> <DirPort>
func parseRouterStatusAddress(doc string) (string, bool) {
	for _, line := range strings.Split(doc, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "r ") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 8 {
			return "", false
		}
		addr, err := netip.ParseAddr(fields[6])
		if err != nil {
			return "", false
		}
		return addr.String(), true
	}
	return "", false
}
