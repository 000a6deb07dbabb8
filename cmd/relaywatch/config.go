package main

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// config is read from the environment. Unparseable values fall back to
// their defaults.
type config struct {
	LogLevel string

	ControlAddr     string
	ControlPassword string

	OutputDir   string
	Workers     int
	QueueSize   int
	MaxCircuits int
	SinkMaxWait time.Duration

	FailureTTL       time.Duration
	FailureCacheSize int

	GeoIPPaths     []string
	ASNTablePath   string
	GeoHTTPURL     string
	GeoHTTPTimeout time.Duration
	GeoHTTPSpacing time.Duration
	ASNWhoisAddr   string
	ASNTransport   string
	ASNDNSServer   string
	ASNTimeout     time.Duration
	ASNSpacing     time.Duration

	ClickHouseDSN string
	PostgresDSN   string
	LogRecords    bool

	HTTPAddr string
	GRPCAddr string
}

const defaultFailureTTL = 10 * time.Minute

func loadConfig() config {
	cfg := config{
		LogLevel: envOrDefault("RELAYWATCH_LOG_LEVEL", "info"),

		ControlAddr:     os.Getenv("TOR_CONTROL_ADDR"),
		ControlPassword: os.Getenv("TOR_CONTROL_PASSWORD"),

		OutputDir:   envOrDefault("RELAYWATCH_OUTPUT_DIR", "."),
		Workers:     envOrDefaultInt("RELAYWATCH_WORKERS", 4),
		QueueSize:   envOrDefaultInt("RELAYWATCH_QUEUE_SIZE", 256),
		MaxCircuits: envOrDefaultInt("RELAYWATCH_MAX_CIRCUITS", 0),
		SinkMaxWait: envOrDefaultDuration("RELAYWATCH_SINK_MAX_WAIT", 2*time.Minute),

		FailureTTL:       envOrDefaultDuration("RELAYWATCH_FAILURE_TTL", defaultFailureTTL),
		FailureCacheSize: envOrDefaultInt("RELAYWATCH_FAILURE_CACHE_SIZE", 10_000),

		GeoIPPaths:     splitList(os.Getenv("GEOIP_DB_PATHS")),
		ASNTablePath:   os.Getenv("ASN_TABLE_PATH"),
		GeoHTTPURL:     envOrDefault("GEO_HTTP_URL", "http://ip-api.com/json/"),
		GeoHTTPTimeout: envOrDefaultDuration("GEO_HTTP_TIMEOUT", 5*time.Second),
		GeoHTTPSpacing: envOrDefaultDuration("GEO_HTTP_SPACING", 1500*time.Millisecond),
		ASNWhoisAddr:   envOrDefault("ASN_WHOIS_ADDR", "whois.cymru.com:43"),
		ASNTransport:   strings.ToLower(envOrDefault("ASN_TRANSPORT", "whois")),
		ASNDNSServer:   os.Getenv("ASN_DNS_SERVER"),
		ASNTimeout:     envOrDefaultDuration("ASN_TIMEOUT", 6*time.Second),
		ASNSpacing:     envOrDefaultDuration("ASN_SPACING", 200*time.Millisecond),

		ClickHouseDSN: os.Getenv("CLICKHOUSE_DSN"),
		PostgresDSN:   os.Getenv("POSTGRES_DSN"),
		LogRecords:    envOrDefaultBool("RELAYWATCH_LOG_RECORDS", false),

		HTTPAddr: os.Getenv("RELAYWATCH_HTTP_ADDR"),
		GRPCAddr: os.Getenv("RELAYWATCH_GRPC_ADDR"),
	}

	// A zero TTL would keep failures forever.
	if cfg.FailureTTL <= 0 {
		cfg.FailureTTL = defaultFailureTTL
	}
	return cfg
}

// disabled reports whether an endpoint setting turns its tier off.
func disabled(v string) bool {
	switch strings.ToLower(v) {
	case "", "off", "none", "disabled":
		return true
	}
	return false
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envOrDefaultDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func envOrDefaultBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}
