package resolver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

// startFakeServer runs a local UDP DNS server on an ephemeral port that
// answers every query via handle, and returns its "127.0.0.1:port" address.
func startFakeServer(t *testing.T, handle dns.HandlerFunc) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &dns.Server{PacketConn: pc, Handler: handle}
	go srv.ActivateAndServe()
	t.Cleanup(func() { srv.Shutdown() })

	return pc.LocalAddr().String()
}

func refusingHandler(t *testing.T) dns.HandlerFunc {
	return func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetRcode(r, dns.RcodeRefused)
		_ = w.WriteMsg(m)
	}
}

func aRecordHandler(t *testing.T, ip string) dns.HandlerFunc {
	return func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		if len(r.Question) > 0 && r.Question[0].Qtype == dns.TypeA {
			rr, err := dns.NewRR(r.Question[0].Name + " 60 IN A " + ip)
			require.NoError(t, err)
			m.Answer = append(m.Answer, rr)
		}
		_ = w.WriteMsg(m)
	}
}

func nxDomainHandler() dns.HandlerFunc {
	return func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetRcode(r, dns.RcodeNameError)
		_ = w.WriteMsg(m)
	}
}

// noDataHandler answers every query NOERROR with an empty answer section,
// as a server does for a host with neither A nor AAAA records.
func noDataHandler() dns.HandlerFunc {
	return func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		_ = w.WriteMsg(m)
	}
}

// The primary upstream refuses, the secondary recovers — ResolveAll
// succeeds by falling through to the next upstream and DNSRetryRecovered
// is incremented exactly once.
func TestResolveAll_RecoversAfterUpstreamRotation(t *testing.T) {
	bad := startFakeServer(t, refusingHandler(t))
	good := startFakeServer(t, aRecordHandler(t, "203.0.113.10"))

	c := New(Config{
		UpstreamServers: []string{bad, good},
		PerQueryTimeout: 500 * time.Millisecond,
		MaxRetries:      3,
		RetryBackoff:    []time.Duration{10 * time.Millisecond},
	})
	defer c.Close()

	addrs, err := c.ResolveAll(context.Background(), "example.test")
	require.NoError(t, err)
	require.Len(t, addrs, 1)
	require.Equal(t, "203.0.113.10", addrs[0].IP)
	require.EqualValues(t, 1, c.DNSRetryRecovered)
}

func TestResolveAll_NameNotFoundIsPermanent(t *testing.T) {
	srv := startFakeServer(t, nxDomainHandler())

	c := New(Config{
		UpstreamServers: []string{srv},
		PerQueryTimeout: 500 * time.Millisecond,
	})
	defer c.Close()

	_, err := c.ResolveAll(context.Background(), "nowhere.test")
	require.ErrorIs(t, err, ErrNameNotFound)

	// Cached as a negative result; a second call hits the cache, not the
	// network, and returns the same error without needing the server.
	_, err = c.ResolveAll(context.Background(), "nowhere.test")
	require.ErrorIs(t, err, ErrNameNotFound)
}

// A host with no A or AAAA records must fail as a permanent no-data
// result rather than cache an empty address slice as a "success" that
// later panics in pickPreferred.
func TestResolveAll_NoDataIsPermanentNotPanic(t *testing.T) {
	srv := startFakeServer(t, noDataHandler())

	c := New(Config{
		UpstreamServers: []string{srv},
		PerQueryTimeout: 500 * time.Millisecond,
	})
	defer c.Close()

	_, err := c.ResolveAll(context.Background(), "no-records.test")
	require.ErrorIs(t, err, ErrNameNotFound)

	_, err = c.Lookup(context.Background(), "no-records.test", false)
	require.ErrorIs(t, err, ErrNameNotFound)
}

func TestPickPreferred_EmptySliceDoesNotPanic(t *testing.T) {
	require.NotPanics(t, func() {
		got := pickPreferred(nil, false)
		require.Equal(t, Addr{}, got)
	})
}

func TestResolveAll_IPLiteralShortCircuits(t *testing.T) {
	c := New(Config{})
	defer c.Close()

	addrs, err := c.ResolveAll(context.Background(), "198.51.100.7")
	require.NoError(t, err)
	require.Equal(t, []Addr{{IP: "198.51.100.7", Family: FamilyV4}}, addrs)
}

func TestLookup_PrefersRequestedFamily(t *testing.T) {
	addrs := []Addr{{IP: "198.51.100.1", Family: FamilyV4}, {IP: "2001:db8::1", Family: FamilyV6}}
	require.Equal(t, "198.51.100.1", pickPreferred(addrs, false).IP)
	require.Equal(t, "2001:db8::1", pickPreferred(addrs, true).IP)
}

func TestRotate(t *testing.T) {
	servers := []string{"a", "b", "c"}
	require.Equal(t, []string{"a", "b", "c"}, rotate(servers, 0))
	require.Equal(t, []string{"b", "c", "a"}, rotate(servers, 1))
	require.Equal(t, []string{"c", "a", "b"}, rotate(servers, 2))
	require.Equal(t, []string{"a", "b", "c"}, rotate(servers, 3))
}
