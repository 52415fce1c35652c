package resolve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/joeycumines/go-asyncbridge/async"
	"github.com/joeycumines/logiface"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"
	"golang.org/x/sys/unix"
)

const (
	defaultWorkers    = 16
	defaultMaxRetries = 3
)

// ErrClosed is returned by lookups started after [Resolver.Close].
var ErrClosed = errors.New("resolve: resolver closed")

// Lookup is the blocking resolver consulted by worker goroutines.
// [*net.Resolver] implements it.
type Lookup interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
	LookupPort(ctx context.Context, network, service string) (int, error)
	LookupAddr(ctx context.Context, addr string) ([]string, error)
	LookupCNAME(ctx context.Context, host string) (string, error)
}

var _ Lookup = (*net.Resolver)(nil)

// Resolver performs lookups on behalf of coroutines. The zero value is ready
// to use, and a Resolver may be shared between schedulers. Fields must not
// be modified after the first lookup.
type Resolver struct {
	// Lookup defaults to [net.DefaultResolver].
	Lookup Lookup

	// Pool runs the blocking lookups. If nil, a non-blocking pool of Workers
	// goroutines is created on first use, and released by Close. Submitting
	// to a full pool fails the lookup with [async.ErrResourceExhausted].
	Pool *ants.Pool

	// Workers sizes the default pool. Defaults to 16.
	Workers int

	// MaxRetries bounds retries of temporary failures. Defaults to 3;
	// negative disables retries.
	MaxRetries int

	// NewBackOff returns the retry schedule for one lookup. Defaults to an
	// exponential backoff starting at 50ms.
	NewBackOff func() backoff.BackOff

	// Logger is optional.
	Logger *logiface.Logger[logiface.Event]

	once     sync.Once
	pool     *ants.Pool
	poolErr  error
	ownsPool bool
	inflight cmap.ConcurrentMap[string, *lookupEvent]
	nextID   atomic.Uint64
	closed   atomic.Bool
}

// Default is used by the package-level functions.
var Default = &Resolver{}

// GetAddrInfo calls [Resolver.GetAddrInfo] on [Default].
func GetAddrInfo(ctx context.Context, node, service string, hints *Hints) ([]AddrInfo, error) {
	return Default.GetAddrInfo(ctx, node, service, hints)
}

// GetHostByName calls [Resolver.GetHostByName] on [Default].
func GetHostByName(ctx context.Context, name string) (*HostEnt, error) {
	return Default.GetHostByName(ctx, name)
}

// GetHostByAddr calls [Resolver.GetHostByAddr] on [Default].
func GetHostByAddr(ctx context.Context, ip string) (string, error) {
	return Default.GetHostByAddr(ctx, ip)
}

// GetAddresses calls [Resolver.GetAddresses] on [Default].
func GetAddresses(ctx context.Context, host string, sockType int) ([]unix.Sockaddr, error) {
	return Default.GetAddresses(ctx, host, sockType)
}

func (x *Resolver) init() {
	x.once.Do(func() {
		x.inflight = cmap.New[*lookupEvent]()
		if x.Pool != nil {
			x.pool = x.Pool
			return
		}
		workers := x.Workers
		if workers <= 0 {
			workers = defaultWorkers
		}
		x.pool, x.poolErr = ants.NewPool(
			workers,
			ants.WithNonblocking(true),
			ants.WithLogger(poolLogger{x.Logger}),
		)
		if x.poolErr != nil {
			x.poolErr = fmt.Errorf("resolve: worker pool: %w", x.poolErr)
			return
		}
		x.ownsPool = true
	})
}

func (x *Resolver) lookup() Lookup {
	if x.Lookup != nil {
		return x.Lookup
	}
	return net.DefaultResolver
}

func (x *Resolver) newBackOff(ctx context.Context) backoff.BackOff {
	var b backoff.BackOff
	if x.NewBackOff != nil {
		b = x.NewBackOff()
	} else {
		e := backoff.NewExponentialBackOff()
		e.InitialInterval = 50 * time.Millisecond
		e.MaxElapsedTime = 5 * time.Second
		b = e
	}
	retries := x.MaxRetries
	if retries == 0 {
		retries = defaultMaxRetries
	}
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// InFlight returns the number of lookups currently running.
func (x *Resolver) InFlight() int {
	x.init()
	return x.inflight.Count()
}

// Close abandons in-flight lookups, and releases the default pool. Waiting
// coroutines are resumed with the lookup's cancellation error. Later lookups
// fail with ErrClosed. Safe for concurrent use.
func (x *Resolver) Close() error {
	x.init()
	if !x.closed.CompareAndSwap(false, true) {
		return nil
	}
	for item := range x.inflight.IterBuffered() {
		item.Val.cancel()
	}
	if x.ownsPool {
		x.pool.Release()
	}
	return nil
}

func (x *Resolver) track(ev *lookupEvent) {
	ev.key = strconv.FormatUint(x.nextID.Add(1), 10)
	x.inflight.Set(ev.key, ev)
}

func (x *Resolver) untrack(ev *lookupEvent) {
	x.inflight.Remove(ev.key)
}

// await runs fn as a lookup event, suspending the current coroutine until it
// completes.
func (x *Resolver) await(ctx context.Context, co *async.Coroutine, name string, fn func(ctx context.Context) (any, error)) (any, error) {
	s := co.Scheduler()
	w, err := s.NewWaker(co, async.NoTimeout)
	if err != nil {
		return nil, err
	}
	defer s.DestroyWaker(co)

	if err := s.ResumeWhen(co, x.newLookupEvent(s, name, fn), async.Owned, nil); err != nil {
		return nil, err
	}
	if err := co.Suspend(ctx); err != nil {
		return nil, err
	}
	return w.Result, nil
}

type poolLogger struct {
	logger *logiface.Logger[logiface.Event]
}

func (x poolLogger) Printf(format string, args ...any) {
	x.logger.Warning().Log(fmt.Sprintf(format, args...))
}
