//go:build linux || darwin || freebsd

// Package netfd wraps the raw non-blocking socket calls the event loop needs.
package netfd

import (
	"errors"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// DefaultBacklog is used when Listen is given a non-positive backlog.
const DefaultBacklog = unix.SOMAXCONN

// Listen creates a non-blocking TCP listening socket bound to addr and
// returns its descriptor and the bound address.
func Listen(addr string, backlog int) (int, net.Addr, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return -1, nil, fmt.Errorf("netfd: resolve %q: %w", addr, err)
	}
	sa, domain, err := sockaddr(tcpAddr)
	if err != nil {
		return -1, nil, err
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, nil, fmt.Errorf("netfd: socket: %w", err)
	}
	fail := func(op string, err error) (int, net.Addr, error) {
		_ = unix.Close(fd)
		return -1, nil, fmt.Errorf("netfd: %s: %w", op, err)
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		return fail("set nonblock", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fail("setsockopt SO_REUSEADDR", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		return fail("bind", err)
	}
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	if err := unix.Listen(fd, backlog); err != nil {
		return fail("listen", err)
	}
	bound, err := unix.Getsockname(fd)
	if err != nil {
		return fail("getsockname", err)
	}
	return fd, Addr(bound), nil
}

// Accept takes one pending connection off lfd and makes it non-blocking.
// Errors are returned unwrapped so callers can classify them.
func Accept(lfd int) (int, net.Addr, error) {
	for {
		fd, sa, err := unix.Accept(lfd)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return -1, nil, err
		}
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(fd)
			return -1, nil, err
		}
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		return fd, Addr(sa), nil
	}
}

// Read performs one non-blocking read. A zero count with a nil error means
// the peer closed its sending side.
func Read(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Read(fd, p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		return n, nil
	}
}

// Write performs one non-blocking write.
func Write(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Write(fd, p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		return n, nil
	}
}

func Close(fd int) error {
	return unix.Close(fd)
}

// SocketError returns and clears the pending SO_ERROR of fd, or nil.
func SocketError(fd int) error {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if v == 0 {
		return nil
	}
	return unix.Errno(v)
}

// IsWouldBlock reports the transient "try again later" condition.
func IsWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

// IsTransientAccept reports accept failures that concern only the one
// pending connection.
func IsTransientAccept(err error) bool {
	return errors.Is(err, unix.ECONNABORTED) ||
		errors.Is(err, unix.EINTR) ||
		errors.Is(err, unix.EPROTO) ||
		errors.Is(err, unix.EPERM)
}

// IsResourceExhausted reports descriptor or memory exhaustion. Accepting can
// be retried once resources are released.
func IsResourceExhausted(err error) bool {
	return errors.Is(err, unix.EMFILE) ||
		errors.Is(err, unix.ENFILE) ||
		errors.Is(err, unix.ENOBUFS) ||
		errors.Is(err, unix.ENOMEM)
}

// Addr converts a socket address to a net.Addr.
func Addr(sa unix.Sockaddr) net.Addr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IPv4(v.Addr[0], v.Addr[1], v.Addr[2], v.Addr[3]), Port: v.Port}
	case *unix.SockaddrInet6:
		ip := make(net.IP, net.IPv6len)
		copy(ip, v.Addr[:])
		return &net.TCPAddr{IP: ip, Port: v.Port}
	default:
		return &net.TCPAddr{}
	}
}

func sockaddr(addr *net.TCPAddr) (unix.Sockaddr, int, error) {
	if addr.IP == nil || addr.IP.IsUnspecified() && addr.IP.To4() != nil {
		return &unix.SockaddrInet4{Port: addr.Port}, unix.AF_INET, nil
	}
	if ip4 := addr.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		return sa, unix.AF_INET, nil
	}
	if ip6 := addr.IP.To16(); ip6 != nil {
		sa := &unix.SockaddrInet6{Port: addr.Port}
		copy(sa.Addr[:], ip6)
		return sa, unix.AF_INET6, nil
	}
	return nil, 0, fmt.Errorf("netfd: unsupported address %s", addr)
}
