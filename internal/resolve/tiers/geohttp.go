package tiers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/triage-ai/relaywatch/internal/resolve"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultGeoHTTPURL is the free ip-api.com JSON endpoint (45 requests/minute).
const DefaultGeoHTTPURL = "http://ip-api.com/json/"

// GeoHTTPConfig configures the remote geolocation tier.
type GeoHTTPConfig struct {
	BaseURL string        // the address is appended to this URL
	Timeout time.Duration // per request, default 5s
	Spacing time.Duration // minimum gap between requests, default 1.5s
	Client  *http.Client  // optional
	Logger  *zap.Logger
}

// GeoHTTP queries an ip-api style endpoint. The response carries an explicit
// "status" field; anything other than "success" is a tier failure.
type GeoHTTP struct {
	baseURL string
	timeout time.Duration
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

var _ resolve.Tier = (*GeoHTTP)(nil)

type geoResponse struct {
	Status      string `json:"status"`
	Message     string `json:"message"`
	CountryCode string `json:"countryCode"`
	AS          string `json:"as"`     // "AS24940 Hetzner Online GmbH"
	ASName      string `json:"asname"` // "HETZNER-AS"
	Org         string `json:"org"`
}

// NewGeoHTTP creates the remote geolocation tier.
func NewGeoHTTP(cfg GeoHTTPConfig) *GeoHTTP {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultGeoHTTPURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &GeoHTTP{
		baseURL: cfg.BaseURL,
		timeout: cfg.Timeout,
		client:  cfg.Client,
		limiter: newSpacer(cfg.Spacing),
		logger:  cfg.Logger,
	}
}

func (g *GeoHTTP) Name() string {
	return "geo_http"
}

func (g *GeoHTTP) Source() resolve.Source {
	return resolve.SourceRemoteGeo
}

func (g *GeoHTTP) Lookup(ctx context.Context, addr netip.Addr) (*resolve.Match, error) {
	// Waiting for the spacing slot does not count against the request timeout.
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("GeoHTTP.Lookup: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	url := g.baseURL + addr.Unmap().String() + "?fields=status,message,countryCode,as,asname,org"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("GeoHTTP.Lookup: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GeoHTTP.Lookup: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("GeoHTTP.Lookup: http %d: %w", resp.StatusCode, ErrBadStatus)
	}

	var body geoResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&body); err != nil {
		return nil, fmt.Errorf("GeoHTTP.Lookup: %w: %v", ErrMalformedResponse, err)
	}
	if body.Status != "success" {
		return nil, fmt.Errorf("GeoHTTP.Lookup: status=%q message=%q: %w", body.Status, body.Message, ErrBadStatus)
	}

	asn, name := splitASField(body.AS)
	if name == "" {
		name = body.Org
	}
	if name == "" {
		name = body.ASName
	}

	m := &resolve.Match{
		Country: strings.ToUpper(body.CountryCode),
		ASN:     asn,
		ASName:  name,
	}
	if !m.Positive() {
		return nil, nil
	}
	return m, nil
}

// splitASField splits "AS24940 Hetzner Online GmbH" into ("AS24940",
// "Hetzner Online GmbH").
func splitASField(s string) (asn, name string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ""
	}
	head, rest, _ := strings.Cut(s, " ")
	if !strings.HasPrefix(strings.ToUpper(head), "AS") {
		return "", s
	}
	return normalizeASN(head), strings.TrimSpace(rest)
}
