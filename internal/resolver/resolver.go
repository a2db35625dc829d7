// Package resolver implements a non-blocking DNS resolver cache with
// positive/negative caching, rotated-upstream retry on transient
// failures, and single-flight coalescing of concurrent
// lookups for the same host.
package resolver

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/singleflight"
)

// Family identifies an IP address family.
type Family int

const (
	FamilyV4 Family = 4
	FamilyV6 Family = 6
)

// Addr is one resolved address.
type Addr struct {
	IP     string
	Family Family
}

// Error kinds returned by Resolve/Lookup.
var (
	ErrNameNotFound     = errors.New("dns: name not found")
	ErrTransientFailure = errors.New("dns: transient failure")
	ErrTimeout          = errors.New("dns: timeout")
)

// Config configures a Cache. Zero values are replaced with the spec's
// defaults by New.
type Config struct {
	UpstreamServers        []string
	PositiveTTL            time.Duration
	NegativeTTLPermanent   time.Duration
	NegativeTTLTransient   time.Duration
	PerQueryTimeout        time.Duration
	MaxRetries             int
	RetryBackoff           []time.Duration
}

func (c Config) withDefaults() Config {
	if len(c.UpstreamServers) == 0 {
		c.UpstreamServers = []string{"1.1.1.1", "8.8.8.8", "1.0.0.1", "8.8.4.4", "9.9.9.9"}
	}
	if c.PositiveTTL == 0 {
		c.PositiveTTL = 120 * time.Second
	}
	if c.NegativeTTLPermanent == 0 {
		c.NegativeTTLPermanent = 30 * time.Second
	}
	if c.NegativeTTLTransient == 0 {
		c.NegativeTTLTransient = 5 * time.Second
	}
	if c.PerQueryTimeout == 0 {
		c.PerQueryTimeout = 5 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if len(c.RetryBackoff) == 0 {
		c.RetryBackoff = []time.Duration{200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond}
	}
	return c
}

type positiveEntry struct {
	addrs  []Addr
	expiry time.Time
}

type negativeEntry struct {
	err    error
	expiry time.Time
}

// Cache is a process-wide DNS resolver cache. Construct one per worker
// (or one per test case); it is safe for concurrent use.
type Cache struct {
	cfg Config

	mu       sync.RWMutex
	positive map[string]positiveEntry
	negative map[string]negativeEntry

	group singleflight.Group

	stopEviction chan struct{}
	evictOnce    sync.Once

	// DNSRetryRecovered counts successful resolutions that only succeeded
	// after a retry or after skipping a refusing or unresponsive upstream.
	DNSRetryRecovered int64
	statsMu           sync.Mutex
}

// New constructs a Cache and starts its 5-minute eviction loop.
func New(cfg Config) *Cache {
	cfg = cfg.withDefaults()
	c := &Cache{
		cfg:          cfg,
		positive:     make(map[string]positiveEntry),
		negative:     make(map[string]negativeEntry),
		stopEviction: make(chan struct{}),
	}
	go c.evictionLoop()
	return c
}

// Close stops the eviction loop. Safe to call multiple times.
func (c *Cache) Close() {
	c.evictOnce.Do(func() { close(c.stopEviction) })
}

func (c *Cache) evictionLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopEviction:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *Cache) evictExpired() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for host, e := range c.positive {
		if now.After(e.expiry) {
			delete(c.positive, host)
		}
	}
	for host, e := range c.negative {
		if now.After(e.expiry) {
			delete(c.negative, host)
		}
	}
}

// ResolveAll resolves host to the union of its A and AAAA addresses,
// returning a cached result if fresh. If host is already an IP literal, it
// is returned immediately without touching the cache or network.
func (c *Cache) ResolveAll(ctx context.Context, host string) ([]Addr, error) {
	if ip := net.ParseIP(host); ip != nil {
		if ip.To4() != nil {
			return []Addr{{IP: ip.String(), Family: FamilyV4}}, nil
		}
		return []Addr{{IP: ip.String(), Family: FamilyV6}}, nil
	}

	if addrs, ok := c.getPositive(host); ok {
		return addrs, nil
	}
	if err, ok := c.getNegative(host); ok {
		return nil, err
	}

	// Concurrent callers for the same host coalesce onto one resolution:
	// at most one upstream query runs while a resolution for that host
	// is already in flight.
	v, err, _ := c.group.Do(host, func() (interface{}, error) {
		return c.resolveUncached(ctx, host)
	})
	if err != nil {
		return nil, err
	}
	return v.([]Addr), nil
}

// Lookup returns a single address, preferring IPv4 unless preferV6 is set.
func (c *Cache) Lookup(ctx context.Context, host string, preferV6 bool) (Addr, error) {
	addrs, err := c.ResolveAll(ctx, host)
	if err != nil {
		return Addr{}, err
	}
	return pickPreferred(addrs, preferV6), nil
}

func pickPreferred(addrs []Addr, preferV6 bool) Addr {
	if len(addrs) == 0 {
		return Addr{}
	}
	want := FamilyV4
	if preferV6 {
		want = FamilyV6
	}
	for _, a := range addrs {
		if a.Family == want {
			return a
		}
	}
	return addrs[0]
}

func (c *Cache) getPositive(host string) ([]Addr, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.positive[host]
	if !ok || time.Now().After(e.expiry) {
		return nil, false
	}
	return e.addrs, true
}

func (c *Cache) getNegative(host string) (error, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.negative[host]
	if !ok || time.Now().After(e.expiry) {
		return nil, false
	}
	return e.err, true
}

func (c *Cache) setPositive(host string, addrs []Addr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.positive[host] = positiveEntry{addrs: addrs, expiry: time.Now().Add(c.cfg.PositiveTTL)}
}

func (c *Cache) setNegative(host string, err error, transient bool) {
	ttl := c.cfg.NegativeTTLPermanent
	if transient {
		ttl = c.cfg.NegativeTTLTransient
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.negative[host] = negativeEntry{err: err, expiry: time.Now().Add(ttl)}
}

// resolveUncached issues the A and AAAA queries in parallel, retrying on
// transient errors with rotated upstream servers.
func (c *Cache) resolveUncached(ctx context.Context, host string) ([]Addr, error) {
	var lastErr error
	recoveredAfterRetry := false

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		servers := rotate(c.cfg.UpstreamServers, attempt)
		addrs, usedFallback, err := c.queryBoth(ctx, host, servers)
		if err == nil {
			if recoveredAfterRetry || usedFallback {
				c.statsMu.Lock()
				c.DNSRetryRecovered++
				c.statsMu.Unlock()
			}
			c.setPositive(host, addrs)
			return addrs, nil
		}

		lastErr = err
		if !isTransient(err) {
			c.setNegative(host, err, false)
			return nil, err
		}
		recoveredAfterRetry = true
		if attempt < c.cfg.MaxRetries {
			backoff := c.cfg.RetryBackoff[attempt%len(c.cfg.RetryBackoff)]
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	c.setNegative(host, lastErr, true)
	return nil, lastErr
}

// rotate returns servers rotated left by n positions, so successive
// retries try a different upstream first.
func rotate(servers []string, n int) []string {
	if len(servers) == 0 {
		return servers
	}
	n %= len(servers)
	out := make([]string, len(servers))
	copy(out, servers[n:])
	copy(out[len(servers)-n:], servers[:n])
	return out
}

func isTransient(err error) bool {
	return errors.Is(err, ErrTransientFailure) || errors.Is(err, ErrTimeout)
}

// queryBoth issues A and AAAA queries against the first reachable server
// in servers, in parallel, and merges whichever succeed. Either query
// yielding an address is a success. usedFallback reports whether either
// query only succeeded after skipping a non-responsive or refusing
// server ahead of it in servers.
func (c *Cache) queryBoth(ctx context.Context, host string, servers []string) ([]Addr, bool, error) {
	type result struct {
		addrs        []Addr
		usedFallback bool
		err          error
	}

	queryOne := func(qtype uint16, family Family) result {
		addrs, usedFallback, err := c.queryOneType(ctx, host, qtype, family, servers)
		return result{addrs: addrs, usedFallback: usedFallback, err: err}
	}

	var wg sync.WaitGroup
	var v4, v6 result
	wg.Add(2)
	go func() { defer wg.Done(); v4 = queryOne(dns.TypeA, FamilyV4) }()
	go func() { defer wg.Done(); v6 = queryOne(dns.TypeAAAA, FamilyV6) }()
	wg.Wait()

	var all []Addr
	all = append(all, v4.addrs...)
	all = append(all, v6.addrs...)
	if len(all) > 0 {
		return all, v4.usedFallback || v6.usedFallback, nil
	}

	if v4.err == nil && v6.err == nil {
		// Both queries came back NOERROR with no address data for either
		// family: a permanent no-data result, cached the same way as
		// RcodeNameError rather than treated as a successful empty answer.
		return nil, v4.usedFallback || v6.usedFallback, ErrNameNotFound
	}

	// Neither family resolved: surface the more specific error, preferring
	// a non-transient (permanent) classification if either query gave one.
	if v4.err != nil && !isTransient(v4.err) {
		return nil, false, v4.err
	}
	if v6.err != nil && !isTransient(v6.err) {
		return nil, false, v6.err
	}
	if v4.err != nil {
		return nil, false, v4.err
	}
	return nil, false, v6.err
}

func (c *Cache) queryOneType(ctx context.Context, host string, qtype uint16, family Family, servers []string) ([]Addr, bool, error) {
	if len(servers) == 0 {
		return nil, false, ErrTransientFailure
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), qtype)
	msg.RecursionDesired = true

	client := &dns.Client{Timeout: c.cfg.PerQueryTimeout}

	var lastErr error
	skippedAServer := false
	for _, server := range servers {
		select {
		case <-ctx.Done():
			return nil, false, ErrTimeout
		default:
		}

		resp, _, err := client.ExchangeContext(ctx, msg, serverAddr(server))
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				lastErr = ErrTimeout
			} else {
				lastErr = ErrTransientFailure
			}
			skippedAServer = true
			continue
		}

		switch resp.Rcode {
		case dns.RcodeSuccess:
			// NOERROR with an empty answer section means this family has no
			// data for host (e.g. no AAAA record); extractAddrs returns an
			// empty slice in that case, which queryBoth treats as "no data"
			// rather than as a resolved address.
			return extractAddrs(resp, family), skippedAServer, nil
		case dns.RcodeNameError:
			return nil, false, ErrNameNotFound
		case dns.RcodeRefused, dns.RcodeServerFailure:
			lastErr = ErrTransientFailure
			skippedAServer = true
			continue
		default:
			lastErr = ErrTransientFailure
			skippedAServer = true
			continue
		}
	}
	if lastErr == nil {
		lastErr = ErrTransientFailure
	}
	return nil, false, lastErr
}

// serverAddr appends the default DNS port 53 to a bare host, leaving an
// already-qualified host:port (as used by tests against a loopback fake
// server on an ephemeral port) untouched.
func serverAddr(server string) string {
	if _, _, err := net.SplitHostPort(server); err == nil {
		return server
	}
	return net.JoinHostPort(server, "53")
}

func extractAddrs(resp *dns.Msg, family Family) []Addr {
	var addrs []Addr
	for _, rr := range resp.Answer {
		switch rec := rr.(type) {
		case *dns.A:
			addrs = append(addrs, Addr{IP: rec.A.String(), Family: FamilyV4})
		case *dns.AAAA:
			addrs = append(addrs, Addr{IP: rec.AAAA.String(), Family: FamilyV6})
		}
	}
	_ = family
	return addrs
}
