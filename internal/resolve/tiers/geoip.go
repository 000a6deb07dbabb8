package tiers

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"

	"github.com/oschwald/geoip2-golang"
	"github.com/triage-ai/relaywatch/internal/resolve"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DefaultGeoIPPaths are tried in order when no database path is configured.
var DefaultGeoIPPaths = []string{
	"/usr/share/GeoIP/GeoLite2-City.mmdb",
	"/usr/share/GeoIP/GeoLite2-Country.mmdb",
	"/usr/share/GeoIP/GeoLite2-ASN.mmdb",
	"GeoLite2-City.mmdb",
	"GeoLite2-ASN.mmdb",
}

// LocalDB resolves addresses against local MaxMind databases. A country or
// city database supplies the country, an ASN database supplies the AS number
// and organisation. Either may be absent.
type LocalDB struct {
	country *geoip2.Reader
	asn     *geoip2.Reader
	logger  *zap.Logger
}

var _ resolve.Tier = (*LocalDB)(nil)

// OpenLocalDB opens every existing file in paths and keeps the first country
// (or city) database and the first ASN database found. Missing files are
// skipped. ErrNoDatabase is returned when nothing usable was opened.
func OpenLocalDB(paths []string, logger *zap.Logger) (*LocalDB, error) {
	db := &LocalDB{logger: logger}
	var errs error

	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		r, err := geoip2.Open(p)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("OpenLocalDB %s: %w", p, err))
			continue
		}

		dbType := r.Metadata().DatabaseType
		switch {
		case strings.Contains(dbType, "ASN") && db.asn == nil:
			db.asn = r
		case (strings.Contains(dbType, "City") || strings.Contains(dbType, "Country")) && db.country == nil:
			db.country = r
		default:
			_ = r.Close()
			continue
		}
		logger.Info("geoip database loaded",
			zap.String("path", p),
			zap.String("type", dbType),
		)
	}

	if db.country == nil && db.asn == nil {
		if errs != nil {
			return nil, multierr.Append(ErrNoDatabase, errs)
		}
		return nil, ErrNoDatabase
	}
	return db, nil
}

func (d *LocalDB) Name() string {
	return "geoip_mmdb"
}

func (d *LocalDB) Source() resolve.Source {
	return resolve.SourceLocalDB
}

func (d *LocalDB) Lookup(_ context.Context, addr netip.Addr) (*resolve.Match, error) {
	ip := net.IP(addr.Unmap().AsSlice())
	m := &resolve.Match{}

	if d.country != nil {
		rec, err := d.country.Country(ip)
		if err != nil {
			return nil, fmt.Errorf("LocalDB.Lookup country: %w", err)
		}
		m.Country = rec.Country.IsoCode
	}

	if d.asn != nil {
		rec, err := d.asn.ASN(ip)
		if err != nil {
			return nil, fmt.Errorf("LocalDB.Lookup asn: %w", err)
		}
		if rec.AutonomousSystemNumber != 0 {
			m.ASN = "AS" + strconv.FormatUint(uint64(rec.AutonomousSystemNumber), 10)
			m.ASName = rec.AutonomousSystemOrganization
		}
	}

	if !m.Positive() {
		return nil, nil
	}
	return m, nil
}

// Close releases the database readers.
func (d *LocalDB) Close() error {
	var err error
	if d.country != nil {
		err = multierr.Append(err, d.country.Close())
	}
	if d.asn != nil {
		err = multierr.Append(err, d.asn.Close())
	}
	return err
}
