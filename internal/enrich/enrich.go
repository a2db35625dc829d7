// Package enrich attaches best-effort metadata — geography, ASN, and CDN
// provider — to a probe outcome after the probe itself has run. Enrichment
// never fails a probe: any lookup error is logged and the corresponding
// fields are simply left empty.
package enrich

import (
	"log"
	"net"
	"net/http"
	"strings"

	"github.com/oschwald/geoip2-golang"

	"github.com/northbeam-io/pulsecheck/internal/store"
)

// Enricher attaches geo/ASN/CDN metadata to outcomes.
type Enricher struct {
	geoCity *geoip2.Reader
	geoASN  *geoip2.Reader
}

// Open constructs an Enricher from a GeoLite2-City (and optionally
// GeoLite2-ASN) mmdb path. A missing or unreadable database disables geo
// enrichment without failing startup, matching the "best effort" mandate.
func Open(cityPath, asnPath string) *Enricher {
	e := &Enricher{}

	if cityPath != "" {
		reader, err := geoip2.Open(cityPath)
		if err != nil {
			log.Printf("⚠️  geoip city database unavailable, geo enrichment disabled: %v", err)
		} else {
			e.geoCity = reader
		}
	}
	if asnPath != "" {
		reader, err := geoip2.Open(asnPath)
		if err != nil {
			log.Printf("⚠️  geoip asn database unavailable, asn enrichment disabled: %v", err)
		} else {
			e.geoASN = reader
		}
	}
	return e
}

// Close releases the underlying mmdb file handles.
func (e *Enricher) Close() {
	if e.geoCity != nil {
		_ = e.geoCity.Close()
	}
	if e.geoASN != nil {
		_ = e.geoASN.Close()
	}
}

// Enrich fills in outcome's geo/ASN/CDN fields in place. respHeaders may be
// nil when the outcome is a DNS or connect failure, in which case only
// geo/ASN enrichment (keyed off resolved_ips) is attempted.
func (e *Enricher) Enrich(outcome *store.ProbeOutcome, respHeaders http.Header) {
	if outcome.ResolvedIPs != nil && *outcome.ResolvedIPs != "" {
		e.enrichGeo(outcome)
	}
	if respHeaders != nil {
		enrichCDN(outcome, respHeaders)
	}
}

func (e *Enricher) enrichGeo(outcome *store.ProbeOutcome) {
	ip := net.ParseIP(*outcome.ResolvedIPs)
	if ip == nil {
		return
	}

	if e.geoCity != nil {
		rec, err := e.geoCity.City(ip)
		if err != nil {
			// best-effort: a single lookup miss never fails the probe
			log.Printf("⚠️  geoip city lookup failed for %s: %v", ip, err)
		} else {
			country := rec.Country.IsoCode
			region := ""
			if len(rec.Subdivisions) > 0 {
				region = rec.Subdivisions[0].IsoCode
			}
			city := rec.City.Names["en"]
			lat, lon := rec.Location.Latitude, rec.Location.Longitude

			if country != "" {
				outcome.GeoCountry = &country
			}
			if region != "" {
				outcome.GeoRegion = &region
			}
			if city != "" {
				outcome.GeoCity = &city
			}
			if lat != 0 || lon != 0 {
				outcome.GeoLat = &lat
				outcome.GeoLon = &lon
			}
		}
	}

	if e.geoASN != nil {
		rec, err := e.geoASN.ASN(ip)
		if err != nil {
			// best-effort: a single lookup miss never fails the probe
			log.Printf("⚠️  geoip asn lookup failed for %s: %v", ip, err)
		} else if rec.AutonomousSystemNumber != 0 {
			asn := int(rec.AutonomousSystemNumber)
			org := rec.AutonomousSystemOrganization
			outcome.ASN = &asn
			if org != "" {
				outcome.ASNOrg = &org
			}
		}
	}
}

// cdnRule matches a response header to a CDN provider name, following the
// edge-header conventions each of these providers documents publicly.
type cdnRule struct {
	header   string
	provider string
}

var cdnRules = []cdnRule{
	{header: "cf-ray", provider: "Cloudflare"},
	{header: "x-amz-cf-id", provider: "CloudFront"},
	{header: "x-served-by", provider: "Fastly"},
	{header: "fastly-debug-digest", provider: "Fastly"},
	{header: "x-vercel-id", provider: "Vercel"},
	{header: "x-fastly-request-id", provider: "Fastly"},
	{header: "x-azure-ref", provider: "Azure Front Door"},
	{header: "x-akamai-request-id", provider: "Akamai"},
}

// edgeTraceHeaders identifies which header carries the edge PoP/trace ID
// for a provider, once matched.
var edgeTraceHeaders = map[string]string{
	"Cloudflare":       "cf-ray",
	"Fastly":           "x-served-by",
	"CloudFront":       "x-amz-cf-id",
	"Vercel":           "x-vercel-id",
	"Azure Front Door": "x-azure-ref",
	"Akamai":           "x-akamai-request-id",
}

func enrichCDN(outcome *store.ProbeOutcome, headers http.Header) {
	for _, rule := range cdnRules {
		if v := headers.Get(rule.header); v != "" {
			provider := rule.provider
			outcome.CDNProvider = &provider

			if traceHeader, ok := edgeTraceHeaders[provider]; ok {
				trace := headers.Get(traceHeader)
				if trace != "" {
					outcome.EdgeTraceID = &trace
				}
			}
			if pop := extractPoP(provider, headers); pop != "" {
				outcome.EdgePoP = &pop
			}
			return
		}
	}
}

// extractPoP pulls the point-of-presence code out of provider-specific
// headers where one is conventionally embedded (e.g. Cloudflare's cf-ray
// suffix, Fastly's x-served-by prefix).
func extractPoP(provider string, headers http.Header) string {
	switch provider {
	case "Cloudflare":
		ray := headers.Get("cf-ray")
		if idx := strings.LastIndex(ray, "-"); idx != -1 && idx+1 < len(ray) {
			return ray[idx+1:]
		}
	case "Fastly":
		servedBy := headers.Get("x-served-by")
		if idx := strings.Index(servedBy, ","); idx != -1 {
			return strings.TrimSpace(servedBy[:idx])
		}
		return servedBy
	}
	return ""
}
