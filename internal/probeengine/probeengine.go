// Package probeengine executes a single HTTP(S) probe against a target
// and classifies the result into one of the outcome kinds below, timing
// each phase with an httptrace.ClientTrace.
package probeengine

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/northbeam-io/pulsecheck/internal/config"
	"github.com/northbeam-io/pulsecheck/internal/resolver"
	"github.com/northbeam-io/pulsecheck/internal/store"
)

// Outcome kinds.
const (
	KindOK               = "ok"
	KindHTTPError        = "http_error"
	KindAssertionFailed  = "assertion_failed"
	KindRedirect         = "redirect"
	KindDNSFailure       = "dns_failure"
	KindConnectFailure   = "connect_failure"
	KindTLSFailure       = "tls_failure"
	KindTimeout          = "timeout"
	KindUnknownError     = "unknown_error"
)

// Engine executes probes against targets.
type Engine struct {
	resolver *resolver.Cache
	cfg      config.ProbeConfig
}

// New constructs an Engine backed by a shared resolver cache.
func New(cache *resolver.Cache, cfg config.ProbeConfig) *Engine {
	return &Engine{resolver: cache, cfg: cfg}
}

// timing holds the phase durations captured via httptrace.
type timing struct {
	start       time.Time
	connectDone time.Time
	tlsDone     time.Time
	firstByte   time.Time
}

// Probe runs one HTTP(S) check against target and returns a fully
// populated, not-yet-persisted outcome row ready for the sink.
func (e *Engine) Probe(ctx context.Context, target *store.Target, now time.Time) (*store.ProbeOutcome, http.Header) {
	start := now
	outcome := &store.ProbeOutcome{
		ID:         uuid.NewString(),
		TargetID:   target.ID,
		OwnerID:    target.OwnerID,
		Day:        start.UTC().Format("2006-01-02"),
		Region:     target.Region,
		OccurredAt: start,
	}

	parsed, err := url.Parse(target.URL)
	if err != nil {
		return failOutcome(outcome, KindUnknownError, "invalid_url", err, 0), nil
	}
	host := parsed.Hostname()

	addr, err := e.resolver.Lookup(ctx, host, target.IPv6Preferred)
	if err != nil {
		return failOutcome(outcome, KindDNSFailure, dnsErrorCode(err), err, time.Since(start)), nil
	}
	ips := addr.IP
	outcome.ResolvedIPs = &ips
	family := int(addr.Family)
	outcome.IPFamily = &family

	connectTimeout := time.Duration(e.cfg.ConnectTimeoutMS) * time.Millisecond
	totalTimeout := time.Duration(e.cfg.TotalTimeoutMS) * time.Millisecond

	reqCtx, cancel := context.WithTimeout(ctx, totalTimeout)
	defer cancel()

	tm := &timing{start: start}
	trace := &httptrace.ClientTrace{
		ConnectDone: func(network, addr string, err error) {
			if err == nil {
				tm.connectDone = time.Now()
			}
		},
		TLSHandshakeDone: func(cs tls.ConnectionState, err error) {
			if err == nil {
				tm.tlsDone = time.Now()
			}
		},
		GotFirstResponseByte: func() {
			tm.firstByte = time.Now()
		},
	}
	reqCtx = httptrace.WithClientTrace(reqCtx, trace)

	client := e.buildClient(host, addr.IP, connectTimeout, target.TreatRedirectAsOnline)

	req, err := e.buildRequest(reqCtx, target)
	if err != nil {
		return failOutcome(outcome, KindUnknownError, "bad_request", err, time.Since(start)), nil
	}

	resp, err := client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return classifyTransportError(outcome, err, elapsed), nil
	}
	defer resp.Body.Close()

	connectMS, tlsMS, ttfbMS := tm.TimingBreakdown()
	if connectMS > 0 {
		v := int(connectMS.Milliseconds())
		outcome.ConnectTimeMS = &v
	}
	if tlsMS > 0 {
		v := int(tlsMS.Milliseconds())
		outcome.TLSTimeMS = &v
	}
	if ttfbMS > 0 {
		v := int(ttfbMS.Milliseconds())
		outcome.TTFBMS = &v
	}

	if resp.TLS != nil && len(resp.TLS.PeerCertificates) > 0 {
		notAfter := resp.TLS.PeerCertificates[0].NotAfter
		outcome.TLSNotAfter = &notAfter
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, int64(maxResponseBytes(e.cfg))))

	outcome.ResponseTimeMS = int(elapsed.Milliseconds())
	statusCode := resp.StatusCode
	outcome.StatusCode = &statusCode

	if isRedirectStatus(statusCode) && target.TreatRedirectAsOnline {
		outcome.OutcomeKind = KindRedirect
		return outcome, resp.Header
	}

	if statusCode < target.ExpectedStatusMin || statusCode > target.ExpectedStatusMax {
		outcome.OutcomeKind = KindHTTPError
		code := "unexpected_status"
		msg := fmt.Sprintf("status %d outside expected range [%d,%d]", statusCode, target.ExpectedStatusMin, target.ExpectedStatusMax)
		outcome.ErrorCode = &code
		outcome.ErrorMessage = &msg
		return outcome, resp.Header
	}

	if target.BodyAssertion != nil && *target.BodyAssertion != "" {
		if !strings.Contains(string(body), *target.BodyAssertion) {
			outcome.OutcomeKind = KindAssertionFailed
			code := "body_assertion_failed"
			msg := fmt.Sprintf("response body did not contain %q", *target.BodyAssertion)
			outcome.ErrorCode = &code
			outcome.ErrorMessage = &msg
			return outcome, resp.Header
		}
	}

	outcome.OutcomeKind = KindOK
	return outcome, resp.Header
}

func (e *Engine) buildRequest(ctx context.Context, target *store.Target) (*http.Request, error) {
	method := target.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if target.RequestBody != nil {
		body = strings.NewReader(*target.RequestBody)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.URL, body)
	if err != nil {
		return nil, err
	}
	for k, v := range target.HeaderMap() {
		req.Header.Set(k, v)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", "Exit1-Monitor/1.0")
	}
	return req, nil
}

// buildClient returns an *http.Client whose transport dials the
// already-resolved address directly (bypassing the stdlib resolver a
// second time) while keeping the original hostname as the TLS SNI/Host.
func (e *Engine) buildClient(host, resolvedIP string, connectTimeout time.Duration, treatRedirectAsOnline bool) *http.Client {
	dialer := &net.Dialer{Timeout: connectTimeout}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			_, port, err := net.SplitHostPort(addr)
			if err != nil {
				port = defaultPortFor(addr)
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(resolvedIP, port))
		},
		TLSClientConfig: &tls.Config{ServerName: host},
	}

	checkRedirect := func(req *http.Request, via []*http.Request) error {
		if treatRedirectAsOnline {
			return http.ErrUseLastResponse
		}
		if len(via) >= e.cfg.MaxRedirects {
			return fmt.Errorf("stopped after %d redirects", e.cfg.MaxRedirects)
		}
		return nil
	}

	return &http.Client{
		Transport:     transport,
		CheckRedirect: checkRedirect,
	}
}

func defaultPortFor(addr string) string {
	if strings.HasPrefix(addr, "https") {
		return "443"
	}
	return "80"
}

func isRedirectStatus(code int) bool {
	return code >= 300 && code < 400
}

func maxResponseBytes(cfg config.ProbeConfig) int {
	if cfg.MaxResponseBytes <= 0 {
		return 64 * 1024
	}
	return cfg.MaxResponseBytes
}

func failOutcome(outcome *store.ProbeOutcome, kind, code string, err error, elapsed time.Duration) *store.ProbeOutcome {
	outcome.OutcomeKind = kind
	outcome.ResponseTimeMS = int(elapsed.Milliseconds())
	msg := err.Error()
	outcome.ErrorCode = &code
	outcome.ErrorMessage = &msg
	return outcome
}

func dnsErrorCode(err error) string {
	switch {
	case errors.Is(err, resolver.ErrNameNotFound):
		return "name_not_found"
	case errors.Is(err, resolver.ErrTimeout):
		return "dns_timeout"
	default:
		return "dns_transient_failure"
	}
}

// classifyTransportError maps the error client.Do returns into one of the
// connect/tls/timeout/unknown outcome kinds.
func classifyTransportError(outcome *store.ProbeOutcome, err error, elapsed time.Duration) *store.ProbeOutcome {
	if urlErr, ok := err.(*url.Error); ok {
		if urlErr.Timeout() {
			return failOutcome(outcome, KindTimeout, "deadline_exceeded", err, elapsed)
		}
		err = urlErr.Err
	}

	var certErr x509.CertificateInvalidError
	var unknownAuthority x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	switch {
	case errors.As(err, &certErr), errors.As(err, &unknownAuthority), errors.As(err, &hostnameErr):
		return failOutcome(outcome, KindTLSFailure, "tls_verification_failed", err, elapsed)
	}
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return failOutcome(outcome, KindTLSFailure, "tls_handshake_failed", err, elapsed)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return failOutcome(outcome, KindTimeout, "deadline_exceeded", err, elapsed)
		}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return failOutcome(outcome, KindConnectFailure, "connection_refused", err, elapsed)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return failOutcome(outcome, KindTimeout, "deadline_exceeded", err, elapsed)
	}

	return failOutcome(outcome, KindUnknownError, "unclassified", err, elapsed)
}

// TimingBreakdown converts the phase timestamps captured by the
// httptrace.ClientTrace into durations relative to request start.
func (t *timing) TimingBreakdown() (connect, tlsHandshake, ttfb time.Duration) {
	if !t.connectDone.IsZero() {
		connect = t.connectDone.Sub(t.start)
	}
	if !t.tlsDone.IsZero() {
		tlsHandshake = t.tlsDone.Sub(t.start)
	}
	if !t.firstByte.IsZero() {
		ttfb = t.firstByte.Sub(t.start)
	}
	return
}
