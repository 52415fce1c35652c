package resolve

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/joeycumines/go-asyncbridge/async"
	"golang.org/x/sys/unix"
)

// Hints flags.
const (
	// FlagPassive selects wildcard addresses when node is empty.
	FlagPassive = 1 << iota
	// FlagCanonName requests the canonical name, on the first result.
	FlagCanonName
	// FlagNumericHost requires node to be an address literal.
	FlagNumericHost
	// FlagNumericServ requires service to be a port number.
	FlagNumericServ
)

// Hints narrows a GetAddrInfo query. The zero value matches any family and
// socket type.
type Hints struct {
	Flags    int
	Family   int // unix.AF_UNSPEC, unix.AF_INET or unix.AF_INET6
	SockType int // unix.SOCK_STREAM, unix.SOCK_DGRAM, or 0 for both
	Protocol int
}

// AddrInfo is one GetAddrInfo result.
type AddrInfo struct {
	Family    int
	SockType  int
	Protocol  int
	Addr      unix.Sockaddr
	CanonName string
}

// IP returns the address as a [net.IP].
func (a AddrInfo) IP() net.IP {
	switch sa := a.Addr.(type) {
	case *unix.SockaddrInet4:
		return net.IP(sa.Addr[:]).To16()
	case *unix.SockaddrInet6:
		return net.IP(sa.Addr[:])
	}
	return nil
}

// Port returns the address's port.
func (a AddrInfo) Port() int {
	switch sa := a.Addr.(type) {
	case *unix.SockaddrInet4:
		return sa.Port
	case *unix.SockaddrInet6:
		return sa.Port
	}
	return 0
}

func notFound(name string) error {
	return &net.DNSError{Err: "no such host", Name: name, IsNotFound: true}
}

// GetAddrInfo resolves node and service into socket addresses, suspending
// the calling coroutine. hints may be nil. Either of node or service may be
// empty, but not both.
//
// Returns EINVAL outside a coroutine or with both node and service empty,
// and EAFNOSUPPORT for an unknown family.
func (x *Resolver) GetAddrInfo(ctx context.Context, node, service string, hints *Hints) ([]AddrInfo, error) {
	co, err := async.Current(ctx)
	if err != nil {
		return nil, unix.EINVAL
	}
	if node == "" && service == "" {
		return nil, unix.EINVAL
	}
	var h Hints
	if hints != nil {
		h = *hints
	}
	switch h.Family {
	case unix.AF_UNSPEC, unix.AF_INET, unix.AF_INET6:
	default:
		return nil, unix.EAFNOSUPPORT
	}

	name := node
	if name == "" {
		name = service
	}
	result, err := x.await(ctx, co, name, func(ctx context.Context) (any, error) {
		return x.addrInfo(ctx, node, service, h)
	})
	if err != nil {
		return nil, err
	}
	return result.([]AddrInfo), nil
}

// addrInfo is the blocking half of GetAddrInfo.
func (x *Resolver) addrInfo(ctx context.Context, node, service string, h Hints) ([]AddrInfo, error) {
	lookup := x.lookup()

	sockTypes := []int{h.SockType}
	if h.SockType == 0 {
		sockTypes = []int{unix.SOCK_STREAM, unix.SOCK_DGRAM}
	}

	var port int
	if service != "" {
		if p, err := strconv.Atoi(service); err == nil {
			if p < 0 || p > 0xffff {
				return nil, &net.AddrError{Err: "invalid port", Addr: service}
			}
			port = p
		} else if h.Flags&FlagNumericServ != 0 {
			return nil, &net.AddrError{Err: "invalid port", Addr: service}
		} else {
			network := "tcp"
			if sockTypes[0] == unix.SOCK_DGRAM {
				network = "udp"
			}
			port, err = retry(ctx, x, service, func() (int, error) {
				return lookup.LookupPort(ctx, network, service)
			})
			if err != nil {
				return nil, err
			}
		}
	}

	var ips []net.IP
	switch {
	case node == "" && h.Flags&FlagPassive != 0:
		ips = []net.IP{net.IPv4zero, net.IPv6unspecified}
	case node == "":
		ips = []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback}
	default:
		if ip := net.ParseIP(node); ip != nil {
			ips = []net.IP{ip}
		} else if h.Flags&FlagNumericHost != 0 {
			return nil, notFound(node)
		} else {
			addrs, err := retry(ctx, x, node, func() ([]net.IPAddr, error) {
				return lookup.LookupIPAddr(ctx, node)
			})
			if err != nil {
				return nil, err
			}
			for _, addr := range addrs {
				ips = append(ips, addr.IP)
			}
		}
	}

	var result []AddrInfo
	for _, ip := range ips {
		family := unix.AF_INET6
		if ip.To4() != nil {
			family = unix.AF_INET
		}
		if h.Family != unix.AF_UNSPEC && h.Family != family {
			continue
		}
		for _, sockType := range sockTypes {
			result = append(result, AddrInfo{
				Family:   family,
				SockType: sockType,
				Protocol: protocolOf(sockType, h.Protocol),
				Addr:     sockaddr(ip, port),
			})
		}
	}
	if len(result) == 0 {
		return nil, notFound(node)
	}

	if h.Flags&FlagCanonName != 0 && node != "" {
		result[0].CanonName = node
		if net.ParseIP(node) == nil {
			cname, err := retry(ctx, x, node, func() (string, error) {
				return lookup.LookupCNAME(ctx, node)
			})
			if err == nil && cname != "" {
				result[0].CanonName = strings.TrimSuffix(cname, ".")
			}
		}
	}

	return result, nil
}

func protocolOf(sockType, protocol int) int {
	if protocol != 0 {
		return protocol
	}
	switch sockType {
	case unix.SOCK_STREAM:
		return unix.IPPROTO_TCP
	case unix.SOCK_DGRAM:
		return unix.IPPROTO_UDP
	}
	return 0
}

func sockaddr(ip net.IP, port int) unix.Sockaddr {
	if ip4 := ip.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], ip4)
		return sa
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip.To16())
	return sa
}

// GetAddresses resolves host into socket addresses of sockType, of any
// family. An empty host yields no addresses and no error.
func (x *Resolver) GetAddresses(ctx context.Context, host string, sockType int) ([]unix.Sockaddr, error) {
	if host == "" {
		return nil, nil
	}
	infos, err := x.GetAddrInfo(ctx, host, "", &Hints{SockType: sockType})
	if err != nil {
		return nil, fmt.Errorf("getaddrinfo for %s failed: %w", host, err)
	}
	if len(infos) == 0 {
		return nil, fmt.Errorf("no addresses found for %s", host)
	}
	addrs := make([]unix.Sockaddr, 0, len(infos))
	for _, info := range infos {
		addrs = append(addrs, info.Addr)
	}
	return addrs, nil
}
