package tiers

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/triage-ai/relaywatch/internal/resolve"
	"golang.org/x/time/rate"
)

// DNSConfig configures the DNS transport of the ASN tier.
type DNSConfig struct {
	Server  string        // host:port; default first nameserver in /etc/resolv.conf
	Timeout time.Duration // per query, default 6s
	Spacing time.Duration
}

// CymruDNS resolves an address through Team Cymru's DNS interface. It answers
// the same ASN tier as CymruWhois over a different transport:
//
//	4.3.2.1.origin.asn.cymru.com TXT "15169 | 8.8.8.0/24 | US | arin | 1992-12-01"
//	AS15169.asn.cymru.com        TXT "15169 | US | arin | 2000-03-30 | GOOGLE, US"
type CymruDNS struct {
	server  string
	client  *dns.Client
	limiter *rate.Limiter
}

var _ resolve.Tier = (*CymruDNS)(nil)

// NewCymruDNS creates the DNS transport tier.
func NewCymruDNS(cfg DNSConfig) (*CymruDNS, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 6 * time.Second
	}
	if cfg.Server == "" {
		cc, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil {
			return nil, fmt.Errorf("NewCymruDNS: %w", err)
		}
		if len(cc.Servers) == 0 {
			return nil, fmt.Errorf("NewCymruDNS: no nameserver configured")
		}
		cfg.Server = net.JoinHostPort(cc.Servers[0], cc.Port)
	}
	return &CymruDNS{
		server:  cfg.Server,
		client:  &dns.Client{Net: "udp", Timeout: cfg.Timeout},
		limiter: newSpacer(cfg.Spacing),
	}, nil
}

func (c *CymruDNS) Name() string {
	return "cymru_dns"
}

func (c *CymruDNS) Source() resolve.Source {
	return resolve.SourceRemoteASN
}

func (c *CymruDNS) Lookup(ctx context.Context, addr netip.Addr) (*resolve.Match, error) {
	name, err := originName(addr.Unmap())
	if err != nil {
		return nil, fmt.Errorf("CymruDNS.Lookup: %w", err)
	}

	origin, err := c.queryTXT(ctx, name)
	if err != nil || origin == "" {
		return nil, err
	}
	// ASN | prefix | CC | registry | allocated
	parts := splitPipes(origin)
	if len(parts) < 3 {
		return nil, fmt.Errorf("CymruDNS.Lookup: origin %q: %w", origin, ErrMalformedResponse)
	}
	// Multi-origin prefixes list several ASNs separated by spaces.
	origins := strings.Fields(parts[0])
	if len(origins) == 0 {
		return nil, nil
	}
	asn := normalizeASN(origins[0])
	if asn == "" {
		return nil, nil
	}
	m := &resolve.Match{ASN: asn, Country: strings.ToUpper(parts[2])}

	desc, err := c.queryTXT(ctx, asn+".asn.cymru.com.")
	if err != nil {
		// The origin answer alone is a positive match.
		return m, nil
	}
	// ASN | CC | registry | allocated | AS name
	if dp := splitPipes(desc); len(dp) >= 5 {
		m.ASName = dp[4]
	}
	return m, nil
}

func (c *CymruDNS) queryTXT(ctx context.Context, name string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("CymruDNS.queryTXT: %w", err)
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeTXT)
	msg.RecursionDesired = true

	in, _, err := c.client.ExchangeContext(ctx, msg, c.server)
	if err != nil {
		return "", fmt.Errorf("CymruDNS.queryTXT %s: %w", name, err)
	}
	switch in.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return "", nil
	default:
		return "", fmt.Errorf("CymruDNS.queryTXT %s: rcode %s: %w", name, dns.RcodeToString[in.Rcode], ErrBadStatus)
	}

	for _, rr := range in.Answer {
		if txt, ok := rr.(*dns.TXT); ok {
			return strings.Join(txt.Txt, ""), nil
		}
	}
	return "", nil
}

// originName builds the origin(6).asn.cymru.com query name for addr.
func originName(addr netip.Addr) (string, error) {
	rev, err := dns.ReverseAddr(addr.String())
	if err != nil {
		return "", err
	}
	if addr.Is4() {
		return strings.TrimSuffix(rev, "in-addr.arpa.") + "origin.asn.cymru.com.", nil
	}
	return strings.TrimSuffix(rev, "ip6.arpa.") + "origin6.asn.cymru.com.", nil
}

func splitPipes(s string) []string {
	parts := strings.Split(s, "|")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
