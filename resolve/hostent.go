package resolve

import (
	"context"
	"net"
	"strings"

	"github.com/joeycumines/go-asyncbridge/async"
	"golang.org/x/sys/unix"
)

// HostEnt is a legacy host entry, holding a single IPv4 address.
type HostEnt struct {
	Name     string
	Aliases  []string
	AddrType int
	Length   int
	AddrList []net.IP
}

var hostEntKey = async.NewContextKey("resolve.hostent")

// CurrentHostEnt returns the entry most recently returned to co by
// GetHostByName, if co is still running.
func CurrentHostEnt(co *async.Coroutine) (*HostEnt, bool) {
	v, ok := co.Value(hostEntKey)
	if !ok {
		return nil, false
	}
	h, ok := v.(*HostEnt)
	return h, ok
}

// GetHostByName resolves name to its first IPv4 address. The entry is held
// in a slot owned by the calling coroutine: each call replaces it, and it is
// released when the coroutine ends.
func (x *Resolver) GetHostByName(ctx context.Context, name string) (*HostEnt, error) {
	co, err := async.Current(ctx)
	if err != nil {
		return nil, unix.EINVAL
	}
	if name == "" {
		return nil, unix.EINVAL
	}

	infos, err := x.GetAddrInfo(ctx, name, "", &Hints{
		Flags:    FlagCanonName,
		Family:   unix.AF_INET,
		SockType: unix.SOCK_STREAM,
	})
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 || infos[0].Family != unix.AF_INET {
		return nil, notFound(name)
	}

	canon := infos[0].CanonName
	if canon == "" {
		canon = name
	}
	h := &HostEnt{
		Name:     canon,
		AddrType: unix.AF_INET,
		Length:   net.IPv4len,
		AddrList: []net.IP{infos[0].IP().To4()},
	}

	if _, ok := co.Value(hostEntKey); !ok {
		co.OnTerminate(func(co *async.Coroutine, _ error) {
			co.UnsetValue(hostEntKey)
		})
	}
	co.SetValue(hostEntKey, h)

	return h, nil
}

// GetHostByAddr returns the first name for the address ip, via a reverse
// lookup. Returns EINVAL outside a coroutine, or if ip is not an address.
func (x *Resolver) GetHostByAddr(ctx context.Context, ip string) (string, error) {
	co, err := async.Current(ctx)
	if err != nil {
		return "", unix.EINVAL
	}
	if net.ParseIP(ip) == nil {
		return "", unix.EINVAL
	}

	result, err := x.await(ctx, co, ip, func(ctx context.Context) (any, error) {
		names, err := retry(ctx, x, ip, func() ([]string, error) {
			return x.lookup().LookupAddr(ctx, ip)
		})
		if err != nil {
			return nil, err
		}
		if len(names) == 0 {
			return nil, notFound(ip)
		}
		return strings.TrimSuffix(names[0], "."), nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}
