package resolve

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/joeycumines/go-asyncbridge/async"
	"github.com/joeycumines/go-asyncbridge/reactor/reactortest"
	"github.com/panjf2000/ants/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type fakeLookup struct {
	mu     sync.Mutex
	hosts  map[string][]net.IPAddr
	ports  map[string]int
	names  map[string][]string
	cnames map[string]string
	fail   map[string][]error
	calls  map[string]int
	block  chan struct{}
}

func newFakeLookup() *fakeLookup {
	return &fakeLookup{
		hosts:  make(map[string][]net.IPAddr),
		ports:  make(map[string]int),
		names:  make(map[string][]string),
		cnames: make(map[string]string),
		fail:   make(map[string][]error),
		calls:  make(map[string]int),
	}
}

func (f *fakeLookup) enter(ctx context.Context, key string) error {
	f.mu.Lock()
	f.calls[key]++
	block := f.block
	var err error
	if errs := f.fail[key]; len(errs) != 0 {
		err = errs[0]
		f.fail[key] = errs[1:]
	}
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeLookup) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	if err := f.enter(ctx, host); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	addrs, ok := f.hosts[host]
	if !ok {
		return nil, notFound(host)
	}
	return addrs, nil
}

func (f *fakeLookup) LookupPort(ctx context.Context, network, service string) (int, error) {
	if err := f.enter(ctx, network+"/"+service); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	port, ok := f.ports[network+"/"+service]
	if !ok {
		return 0, &net.DNSError{Err: "unknown port", Name: network + "/" + service, IsNotFound: true}
	}
	return port, nil
}

func (f *fakeLookup) LookupAddr(ctx context.Context, addr string) ([]string, error) {
	if err := f.enter(ctx, addr); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.names[addr], nil
}

func (f *fakeLookup) LookupCNAME(ctx context.Context, host string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cname, ok := f.cnames[host]
	if !ok {
		return "", notFound(host)
	}
	return cname, nil
}

func (f *fakeLookup) callCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func ipAddrs(ips ...string) []net.IPAddr {
	var addrs []net.IPAddr
	for _, ip := range ips {
		addrs = append(addrs, net.IPAddr{IP: net.ParseIP(ip)})
	}
	return addrs
}

func temporaryErr(name string) error {
	return &net.DNSError{Err: "server misbehaving", Name: name, IsTemporary: true}
}

type harness struct {
	s      *async.Scheduler
	r      *reactortest.Reactor
	lookup *fakeLookup
	res    *Resolver
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	r := reactortest.New()
	s, err := async.NewScheduler(r)
	require.NoError(t, err)
	lookup := newFakeLookup()
	res := &Resolver{
		Lookup:     lookup,
		Workers:    4,
		NewBackOff: func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	}
	t.Cleanup(func() { _ = res.Close() })
	return &harness{s: s, r: r, lookup: lookup, res: res}
}

func isDone(co *async.Coroutine) bool {
	select {
	case <-co.Done():
		return true
	default:
		return false
	}
}

// run spawns fn and drives the reactor until it finishes.
func (h *harness) run(t *testing.T, fn func(ctx context.Context)) *async.Coroutine {
	t.Helper()
	co, err := h.s.Spawn(context.Background(), func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
	require.NoError(t, err)
	h.r.RunPending()
	for !isDone(co) {
		require.True(t, h.r.RunNext(5*time.Second), "timed out waiting for lookup")
	}
	return co
}

func TestGetAddrInfo_InvalidArguments(t *testing.T) {
	h := newHarness(t)
	_, err := h.res.GetAddrInfo(context.Background(), "example.test", "", nil)
	assert.ErrorIs(t, err, unix.EINVAL)

	h.run(t, func(ctx context.Context) {
		_, err := h.res.GetAddrInfo(ctx, "", "", nil)
		assert.ErrorIs(t, err, unix.EINVAL)
		_, err = h.res.GetAddrInfo(ctx, "example.test", "", &Hints{Family: unix.AF_UNIX})
		assert.ErrorIs(t, err, unix.EAFNOSUPPORT)
	})
	assert.Zero(t, h.r.Stats().Scheduled)
}

func TestGetAddrInfo_Lookup(t *testing.T) {
	h := newHarness(t)
	h.lookup.hosts["example.test"] = ipAddrs("192.0.2.1", "2001:db8::1")
	h.lookup.ports["tcp/http"] = 80
	h.lookup.cnames["example.test"] = "canonical.test."

	var all, narrowed []AddrInfo
	h.run(t, func(ctx context.Context) {
		var err error
		all, err = h.res.GetAddrInfo(ctx, "example.test", "http", nil)
		assert.NoError(t, err)
		narrowed, err = h.res.GetAddrInfo(ctx, "example.test", "", &Hints{
			Flags:    FlagCanonName,
			Family:   unix.AF_INET6,
			SockType: unix.SOCK_STREAM,
		})
		assert.NoError(t, err)
	})

	require.Len(t, all, 4)
	for i, want := range []struct {
		family   int
		sockType int
		protocol int
		ip       string
	}{
		{unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP, "192.0.2.1"},
		{unix.AF_INET, unix.SOCK_DGRAM, unix.IPPROTO_UDP, "192.0.2.1"},
		{unix.AF_INET6, unix.SOCK_STREAM, unix.IPPROTO_TCP, "2001:db8::1"},
		{unix.AF_INET6, unix.SOCK_DGRAM, unix.IPPROTO_UDP, "2001:db8::1"},
	} {
		assert.Equal(t, want.family, all[i].Family, i)
		assert.Equal(t, want.sockType, all[i].SockType, i)
		assert.Equal(t, want.protocol, all[i].Protocol, i)
		assert.True(t, net.ParseIP(want.ip).Equal(all[i].IP()), i)
		assert.Equal(t, 80, all[i].Port(), i)
		assert.Empty(t, all[i].CanonName, i)
	}

	require.Len(t, narrowed, 1)
	assert.Equal(t, unix.AF_INET6, narrowed[0].Family)
	assert.Equal(t, "canonical.test", narrowed[0].CanonName)
	assert.Zero(t, narrowed[0].Port())
	assert.Zero(t, h.res.InFlight())
}

func TestGetAddrInfo_Numeric(t *testing.T) {
	h := newHarness(t)
	h.run(t, func(ctx context.Context) {
		infos, err := h.res.GetAddrInfo(ctx, "10.0.0.1", "8080", &Hints{SockType: unix.SOCK_DGRAM})
		if assert.NoError(t, err) && assert.Len(t, infos, 1) {
			sa, ok := infos[0].Addr.(*unix.SockaddrInet4)
			if assert.True(t, ok) {
				assert.Equal(t, [4]byte{10, 0, 0, 1}, sa.Addr)
				assert.Equal(t, 8080, sa.Port)
			}
		}

		_, err = h.res.GetAddrInfo(ctx, "example.test", "", &Hints{Flags: FlagNumericHost})
		var dnsErr *net.DNSError
		assert.ErrorAs(t, err, &dnsErr)

		_, err = h.res.GetAddrInfo(ctx, "10.0.0.1", "http", &Hints{Flags: FlagNumericServ})
		var addrErr *net.AddrError
		assert.ErrorAs(t, err, &addrErr)

		_, err = h.res.GetAddrInfo(ctx, "10.0.0.1", "70000", nil)
		assert.ErrorAs(t, err, &addrErr)
	})
	assert.Zero(t, h.lookup.callCount("example.test"))
}

func TestGetAddrInfo_EmptyNode(t *testing.T) {
	h := newHarness(t)
	h.run(t, func(ctx context.Context) {
		infos, err := h.res.GetAddrInfo(ctx, "", "443", &Hints{Flags: FlagPassive, Family: unix.AF_INET, SockType: unix.SOCK_STREAM})
		if assert.NoError(t, err) && assert.Len(t, infos, 1) {
			assert.True(t, net.IPv4zero.Equal(infos[0].IP()))
			assert.Equal(t, 443, infos[0].Port())
		}
		infos, err = h.res.GetAddrInfo(ctx, "", "443", &Hints{Family: unix.AF_INET6, SockType: unix.SOCK_STREAM})
		if assert.NoError(t, err) && assert.Len(t, infos, 1) {
			assert.True(t, net.IPv6loopback.Equal(infos[0].IP()))
		}
	})
}

func TestGetAddrInfo_RetriesTemporaryFailures(t *testing.T) {
	h := newHarness(t)
	h.lookup.hosts["flaky.test"] = ipAddrs("192.0.2.9")
	h.lookup.fail["flaky.test"] = []error{temporaryErr("flaky.test"), temporaryErr("flaky.test")}
	h.run(t, func(ctx context.Context) {
		infos, err := h.res.GetAddrInfo(ctx, "flaky.test", "", &Hints{SockType: unix.SOCK_STREAM})
		assert.NoError(t, err)
		assert.Len(t, infos, 1)
	})
	assert.Equal(t, 3, h.lookup.callCount("flaky.test"))

	h.run(t, func(ctx context.Context) {
		_, err := h.res.GetAddrInfo(ctx, "missing.test", "", nil)
		var dnsErr *net.DNSError
		if assert.ErrorAs(t, err, &dnsErr) {
			assert.True(t, dnsErr.IsNotFound)
		}
	})
	assert.Equal(t, 1, h.lookup.callCount("missing.test"))
}

func TestGetAddrInfo_RetryBudget(t *testing.T) {
	h := newHarness(t)
	h.res.MaxRetries = -1
	h.lookup.hosts["flaky.test"] = ipAddrs("192.0.2.9")
	h.lookup.fail["flaky.test"] = []error{temporaryErr("flaky.test")}
	h.run(t, func(ctx context.Context) {
		_, err := h.res.GetAddrInfo(ctx, "flaky.test", "", nil)
		var dnsErr *net.DNSError
		if assert.ErrorAs(t, err, &dnsErr) {
			assert.True(t, dnsErr.IsTemporary)
		}
	})
	assert.Equal(t, 1, h.lookup.callCount("flaky.test"))
}

func TestGetAddrInfo_CancelAbandonsLookup(t *testing.T) {
	h := newHarness(t)
	h.lookup.block = make(chan struct{})
	var err error
	co, spawnErr := h.s.Spawn(context.Background(), func(ctx context.Context) error {
		_, err = h.res.GetAddrInfo(ctx, "slow.test", "", nil)
		return nil
	})
	require.NoError(t, spawnErr)
	h.r.RunPending()
	require.False(t, isDone(co))
	assert.Equal(t, 1, h.res.InFlight())

	co.Cancel(nil)
	h.r.RunPending()
	require.True(t, isDone(co))
	assert.ErrorIs(t, err, async.ErrCancelled)
	assert.Zero(t, h.res.InFlight())

	// the worker observes the cancellation, and its result is dropped
	require.True(t, h.r.RunNext(5*time.Second))
}

func TestResolver_Close(t *testing.T) {
	h := newHarness(t)
	h.lookup.block = make(chan struct{})
	var first, second error
	co, err := h.s.Spawn(context.Background(), func(ctx context.Context) error {
		_, first = h.res.GetAddrInfo(ctx, "slow.test", "", nil)
		_, second = h.res.GetAddrInfo(ctx, "slow.test", "", nil)
		return nil
	})
	require.NoError(t, err)
	h.r.RunPending()
	require.False(t, isDone(co))

	require.NoError(t, h.res.Close())
	for !isDone(co) {
		require.True(t, h.r.RunNext(5*time.Second))
	}
	assert.ErrorIs(t, first, context.Canceled)
	assert.ErrorIs(t, second, ErrClosed)
	assert.NoError(t, h.res.Close())
}

func TestResolver_PoolExhausted(t *testing.T) {
	h := newHarness(t)
	pool, err := ants.NewPool(1, ants.WithNonblocking(true))
	require.NoError(t, err)
	defer pool.Release()
	h.res.Pool = pool
	h.lookup.block = make(chan struct{})

	var first, second error
	co1, err := h.s.Spawn(context.Background(), func(ctx context.Context) error {
		_, first = h.res.GetAddrInfo(ctx, "a.test", "", nil)
		return nil
	})
	require.NoError(t, err)
	co2, err := h.s.Spawn(context.Background(), func(ctx context.Context) error {
		_, second = h.res.GetAddrInfo(ctx, "b.test", "", nil)
		return nil
	})
	require.NoError(t, err)
	h.r.RunPending()
	require.False(t, isDone(co1))
	require.True(t, isDone(co2))
	assert.ErrorIs(t, second, async.ErrResourceExhausted)

	close(h.lookup.block)
	for !isDone(co1) {
		require.True(t, h.r.RunNext(5*time.Second))
	}
	var dnsErr *net.DNSError
	assert.ErrorAs(t, first, &dnsErr)
}

func TestGetHostByName(t *testing.T) {
	h := newHarness(t)
	h.lookup.hosts["dual.test"] = ipAddrs("2001:db8::7", "192.0.2.7")
	h.lookup.hosts["other.test"] = ipAddrs("192.0.2.8")
	h.lookup.hosts["v6only.test"] = ipAddrs("2001:db8::8")
	h.lookup.cnames["dual.test"] = "real.test."

	co := h.run(t, func(ctx context.Context) {
		co := async.FromContext(ctx)
		_, ok := CurrentHostEnt(co)
		assert.False(t, ok)

		first, err := h.res.GetHostByName(ctx, "dual.test")
		if !assert.NoError(t, err) {
			return
		}
		assert.Equal(t, "real.test", first.Name)
		assert.Equal(t, unix.AF_INET, first.AddrType)
		assert.Equal(t, 4, first.Length)
		if assert.Len(t, first.AddrList, 1) {
			assert.Equal(t, net.IP{192, 0, 2, 7}, first.AddrList[0])
		}
		current, ok := CurrentHostEnt(co)
		assert.True(t, ok)
		assert.Same(t, first, current)

		second, err := h.res.GetHostByName(ctx, "other.test")
		if !assert.NoError(t, err) {
			return
		}
		assert.Equal(t, "other.test", second.Name)
		current, _ = CurrentHostEnt(co)
		assert.Same(t, second, current)

		_, err = h.res.GetHostByName(ctx, "v6only.test")
		var dnsErr *net.DNSError
		assert.ErrorAs(t, err, &dnsErr)

		_, err = h.res.GetHostByName(ctx, "")
		assert.ErrorIs(t, err, unix.EINVAL)
	})
	_, ok := CurrentHostEnt(co)
	assert.False(t, ok)

	_, err := h.res.GetHostByName(context.Background(), "dual.test")
	assert.ErrorIs(t, err, unix.EINVAL)
}

func TestGetHostByAddr(t *testing.T) {
	h := newHarness(t)
	h.lookup.names["192.0.2.7"] = []string{"host.test.", "alias.test."}
	h.run(t, func(ctx context.Context) {
		name, err := h.res.GetHostByAddr(ctx, "192.0.2.7")
		assert.NoError(t, err)
		assert.Equal(t, "host.test", name)

		_, err = h.res.GetHostByAddr(ctx, "192.0.2.99")
		var dnsErr *net.DNSError
		assert.ErrorAs(t, err, &dnsErr)

		_, err = h.res.GetHostByAddr(ctx, "not an ip")
		assert.ErrorIs(t, err, unix.EINVAL)
	})
	_, err := h.res.GetHostByAddr(context.Background(), "192.0.2.7")
	assert.ErrorIs(t, err, unix.EINVAL)
}

func TestGetAddresses(t *testing.T) {
	h := newHarness(t)
	h.lookup.hosts["example.test"] = ipAddrs("192.0.2.1", "2001:db8::1")
	h.run(t, func(ctx context.Context) {
		addrs, err := h.res.GetAddresses(ctx, "", unix.SOCK_STREAM)
		assert.NoError(t, err)
		assert.Empty(t, addrs)

		addrs, err = h.res.GetAddresses(ctx, "example.test", unix.SOCK_STREAM)
		assert.NoError(t, err)
		if assert.Len(t, addrs, 2) {
			assert.IsType(t, &unix.SockaddrInet4{}, addrs[0])
			assert.IsType(t, &unix.SockaddrInet6{}, addrs[1])
		}

		_, err = h.res.GetAddresses(ctx, "missing.test", unix.SOCK_STREAM)
		assert.EqualError(t, err, "getaddrinfo for missing.test failed: lookup missing.test: no such host")
		var dnsErr *net.DNSError
		assert.ErrorAs(t, err, &dnsErr)
	})
}

func TestTemporary(t *testing.T) {
	assert.True(t, temporary(temporaryErr("x")))
	assert.True(t, temporary(&net.DNSError{IsTimeout: true}))
	assert.False(t, temporary(notFound("x")))
	assert.False(t, temporary(errors.New("x")))
}
