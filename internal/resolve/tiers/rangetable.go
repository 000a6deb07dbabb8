package tiers

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strings"

	"github.com/gaissmai/bart"
	"github.com/triage-ai/relaywatch/internal/resolve"
)

// RangeTable is an offline CIDR to ASN table answered by longest-prefix match.
//
// Input is tab separated, one range per line:
//
//	<cidr> \t <asn> [\t <country> [\t <as name>]]
//
// Blank lines and lines starting with '#' are ignored. Among all ranges
// containing an address the most specific wins. When the same range appears
// more than once the first line in load order wins.
//
// The table is read-only after loading and safe for concurrent lookups.
type RangeTable struct {
	ranges  bart.Table[resolve.Match]
	skipped int
}

var _ resolve.Tier = (*RangeTable)(nil)

// OpenRangeTable loads a table from path.
func OpenRangeTable(path string) (*RangeTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("OpenRangeTable: %w", err)
	}
	defer func() { _ = f.Close() }()
	return LoadRangeTable(f)
}

// LoadRangeTable parses a table from r. Malformed lines are skipped and
// counted; see Skipped.
func LoadRangeTable(r io.Reader) (*RangeTable, error) {
	t := &RangeTable{}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			t.skipped++
			continue
		}
		m := resolve.Match{ASN: normalizeASN(fields[1])}
		if len(fields) > 2 {
			m.Country = strings.ToUpper(strings.TrimSpace(fields[2]))
		}
		if len(fields) > 3 {
			m.ASName = strings.TrimSpace(fields[3])
		}
		if err := t.add(strings.TrimSpace(fields[0]), m); err != nil {
			t.skipped++
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("LoadRangeTable: %w", err)
	}
	return t, nil
}

func (t *RangeTable) add(cidr string, m resolve.Match) error {
	p, err := netip.ParsePrefix(cidr)
	if err != nil {
		return err
	}
	p = p.Masked()
	if _, dup := t.ranges.Get(p); dup {
		return nil
	}
	t.ranges.Insert(p, m)
	return nil
}

// Len returns the number of distinct ranges loaded.
func (t *RangeTable) Len() int { return t.ranges.Size() }

// Skipped returns the number of malformed lines ignored during load.
func (t *RangeTable) Skipped() int { return t.skipped }

func (t *RangeTable) Name() string {
	return "asn_table"
}

func (t *RangeTable) Source() resolve.Source {
	return resolve.SourceOfflineTable
}

func (t *RangeTable) Lookup(_ context.Context, addr netip.Addr) (*resolve.Match, error) {
	m, ok := t.ranges.Lookup(addr.Unmap())
	if !ok {
		return nil, nil
	}
	return &m, nil
}
