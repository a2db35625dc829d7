package enrich

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/northbeam-io/pulsecheck/internal/store"
)

func TestEnrich_DetectsCloudflareAndExtractsPoP(t *testing.T) {
	e := Open("", "")
	defer e.Close()

	headers := http.Header{}
	headers.Set("cf-ray", "7d3a1b2c3d4e5f60-SJC")

	outcome := &store.ProbeOutcome{}
	e.Enrich(outcome, headers)

	require.NotNil(t, outcome.CDNProvider)
	assert.Equal(t, "Cloudflare", *outcome.CDNProvider)
	require.NotNil(t, outcome.EdgeTraceID)
	assert.Equal(t, "7d3a1b2c3d4e5f60-SJC", *outcome.EdgeTraceID)
	require.NotNil(t, outcome.EdgePoP)
	assert.Equal(t, "SJC", *outcome.EdgePoP)
}

func TestEnrich_DetectsFastlyAndExtractsFirstPoP(t *testing.T) {
	e := Open("", "")
	defer e.Close()

	headers := http.Header{}
	headers.Set("x-served-by", "cache-sjc1000123-SJC, cache-iad1000045-IAD")

	outcome := &store.ProbeOutcome{}
	e.Enrich(outcome, headers)

	require.NotNil(t, outcome.CDNProvider)
	assert.Equal(t, "Fastly", *outcome.CDNProvider)
	require.NotNil(t, outcome.EdgePoP)
	assert.Equal(t, "cache-sjc1000123-SJC", *outcome.EdgePoP)
}

func TestEnrich_NoMatchingHeaderLeavesCDNFieldsNil(t *testing.T) {
	e := Open("", "")
	defer e.Close()

	headers := http.Header{}
	headers.Set("content-type", "text/plain")

	outcome := &store.ProbeOutcome{}
	e.Enrich(outcome, headers)

	assert.Nil(t, outcome.CDNProvider)
	assert.Nil(t, outcome.EdgeTraceID)
	assert.Nil(t, outcome.EdgePoP)
}

func TestEnrich_NilHeadersSkipsCDNDetectionOnly(t *testing.T) {
	e := Open("", "")
	defer e.Close()

	ip := "203.0.113.9"
	outcome := &store.ProbeOutcome{ResolvedIPs: &ip}
	e.Enrich(outcome, nil)

	assert.Nil(t, outcome.CDNProvider)
}

// With no mmdb databases configured, geo/ASN enrichment is a no-op rather
// than a panic or error — the "best effort" mandate extends to a missing
// database, not just a missing record.
func TestEnrich_MissingDatabasesIsBestEffortNoop(t *testing.T) {
	e := Open("/nonexistent/city.mmdb", "/nonexistent/asn.mmdb")
	defer e.Close()

	ip := "203.0.113.9"
	outcome := &store.ProbeOutcome{ResolvedIPs: &ip}
	e.Enrich(outcome, http.Header{})

	assert.Nil(t, outcome.GeoCountry)
	assert.Nil(t, outcome.ASN)
}

func TestEnrich_EmptyResolvedIPsSkipsGeoLookup(t *testing.T) {
	e := Open("", "")
	defer e.Close()

	empty := ""
	outcome := &store.ProbeOutcome{ResolvedIPs: &empty}
	e.Enrich(outcome, http.Header{})

	assert.Nil(t, outcome.GeoCountry)
}
