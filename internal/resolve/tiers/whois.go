package tiers

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/triage-ai/relaywatch/internal/resolve"
	"golang.org/x/time/rate"
)

// DefaultWhoisAddr is Team Cymru's IP to ASN whois service.
const DefaultWhoisAddr = "whois.cymru.com:43"

// WhoisConfig configures the whois ASN tier.
type WhoisConfig struct {
	Addr    string        // host:port, default DefaultWhoisAddr
	Timeout time.Duration // per query, default 6s
	Spacing time.Duration // minimum gap between queries
}

// CymruWhois resolves an address with a verbose Team Cymru whois query.
//
// Request: " -v <ip>\n". The service answers with a header line followed by
// one pipe-delimited data line:
//
//	AS | IP | BGP Prefix | CC | Registry | Allocated | AS Name
type CymruWhois struct {
	addr    string
	timeout time.Duration
	dialer  net.Dialer
	limiter *rate.Limiter
}

var _ resolve.Tier = (*CymruWhois)(nil)

// NewCymruWhois creates the whois ASN tier.
func NewCymruWhois(cfg WhoisConfig) *CymruWhois {
	if cfg.Addr == "" {
		cfg.Addr = DefaultWhoisAddr
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 6 * time.Second
	}
	return &CymruWhois{
		addr:    cfg.Addr,
		timeout: cfg.Timeout,
		limiter: newSpacer(cfg.Spacing),
	}
}

func (w *CymruWhois) Name() string {
	return "cymru_whois"
}

func (w *CymruWhois) Source() resolve.Source {
	return resolve.SourceRemoteASN
}

func (w *CymruWhois) Lookup(ctx context.Context, addr netip.Addr) (*resolve.Match, error) {
	if err := w.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("CymruWhois.Lookup: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	conn, err := w.dialer.DialContext(ctx, "tcp", w.addr)
	if err != nil {
		return nil, fmt.Errorf("CymruWhois.Lookup: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := fmt.Fprintf(conn, " -v %s\n", addr.Unmap().String()); err != nil {
		return nil, fmt.Errorf("CymruWhois.Lookup: %w", err)
	}

	var lines []string
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		if l := strings.TrimSpace(sc.Text()); l != "" {
			lines = append(lines, l)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("CymruWhois.Lookup: %w", err)
	}
	if len(lines) < 2 {
		return nil, fmt.Errorf("CymruWhois.Lookup: %d lines: %w", len(lines), ErrMalformedResponse)
	}

	return parseWhoisLine(lines[len(lines)-1])
}

// parseWhoisLine parses the verbose data line. An unannounced address
// ("NA" ASN) is a miss, not an error.
func parseWhoisLine(line string) (*resolve.Match, error) {
	parts := strings.Split(line, "|")
	if len(parts) < 7 {
		return nil, fmt.Errorf("parseWhoisLine: %d fields: %w", len(parts), ErrMalformedResponse)
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	if strings.EqualFold(parts[0], "AS") {
		return nil, fmt.Errorf("parseWhoisLine: header only: %w", ErrMalformedResponse)
	}

	m := &resolve.Match{
		ASN:     normalizeASN(parts[0]),
		Country: strings.ToUpper(parts[3]),
		ASName:  parts[6],
	}
	if m.ASN == "" {
		return nil, nil
	}
	return m, nil
}
