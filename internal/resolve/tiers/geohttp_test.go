package tiers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeoHTTP_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/json/95.216.1.1", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"success","countryCode":"fi","as":"AS24940 Hetzner Online GmbH","asname":"HETZNER-AS"}`))
	}))
	defer srv.Close()

	tier := NewGeoHTTP(GeoHTTPConfig{BaseURL: srv.URL + "/json/"})
	m, err := tier.Lookup(context.Background(), netip.MustParseAddr("95.216.1.1"))
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "FI", m.Country)
	assert.Equal(t, "AS24940", m.ASN)
	assert.Equal(t, "Hetzner Online GmbH", m.ASName)
}

func TestGeoHTTP_FailStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"fail","message":"private range"}`))
	}))
	defer srv.Close()

	tier := NewGeoHTTP(GeoHTTPConfig{BaseURL: srv.URL + "/"})
	m, err := tier.Lookup(context.Background(), netip.MustParseAddr("10.0.0.1"))
	assert.Nil(t, m)
	assert.True(t, errors.Is(err, ErrBadStatus))
}

func TestGeoHTTP_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	tier := NewGeoHTTP(GeoHTTPConfig{BaseURL: srv.URL + "/"})
	_, err := tier.Lookup(context.Background(), netip.MustParseAddr("192.0.2.1"))
	assert.True(t, errors.Is(err, ErrBadStatus))
}

func TestGeoHTTP_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html>`))
	}))
	defer srv.Close()

	tier := NewGeoHTTP(GeoHTTPConfig{BaseURL: srv.URL + "/"})
	_, err := tier.Lookup(context.Background(), netip.MustParseAddr("192.0.2.1"))
	assert.True(t, errors.Is(err, ErrMalformedResponse))
}

func TestGeoHTTP_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	tier := NewGeoHTTP(GeoHTTPConfig{BaseURL: srv.URL + "/", Timeout: 20 * time.Millisecond})
	start := time.Now()
	_, err := tier.Lookup(context.Background(), netip.MustParseAddr("192.0.2.1"))
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestGeoHTTP_SpacingBetweenCalls(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"status":"success","countryCode":"SE"}`))
	}))
	defer srv.Close()

	tier := NewGeoHTTP(GeoHTTPConfig{BaseURL: srv.URL + "/", Spacing: 50 * time.Millisecond})
	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := tier.Lookup(context.Background(), netip.MustParseAddr("192.0.2.1"))
		require.NoError(t, err)
	}

	assert.Equal(t, int32(3), calls.Load())
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestSplitASField(t *testing.T) {
	tests := []struct {
		in, asn, name string
	}{
		{"AS15169 Google LLC", "AS15169", "Google LLC"},
		{"AS3320", "AS3320", ""},
		{"Some Org", "", "Some Org"},
		{"", "", ""},
	}
	for _, tt := range tests {
		asn, name := splitASField(tt.in)
		assert.Equal(t, tt.asn, asn, tt.in)
		assert.Equal(t, tt.name, name, tt.in)
	}
}
