//go:build unix

// Package socket acquires listening sockets in two phases: bind first,
// listen later. Binding every configured address before any of them starts
// accepting lets a multi-endpoint server fail whole when one address is
// taken, without having exposed the others to clients. The package also
// adopts externally provided descriptors, preserving descriptor identity so
// callers can hand sockets between processes.
package socket

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
)

// ErrAddrInUse marks a bind conflict. Callers match it with errors.Is.
var ErrAddrInUse = errors.New("address already in use")

// Spec names one socket to acquire. Either Addr (with Network "tcp",
// "tcp4", "tcp6" or "unix") or FD (an inherited descriptor) is set.
type Spec struct {
	Network string
	Addr    string
	FD      int
	Backlog int
}

// Socket is a bound-but-not-listening socket, or an adopted descriptor.
type Socket struct {
	fd      int
	network string
	addr    net.Addr
	path    string // unix socket path, removed on Close
	adopted bool
}

// Bind creates and binds a socket for the spec without calling listen.
// A Spec with FD >= 0 adopts the descriptor instead.
func Bind(spec Spec) (*Socket, error) {
	if spec.Network == "" {
		spec.Network = "tcp"
	}
	if spec.FD >= 0 && spec.Addr == "" {
		return adopt(spec.FD)
	}
	switch spec.Network {
	case "tcp", "tcp4", "tcp6":
		return bindTCP(spec)
	case "unix":
		return bindUnix(spec)
	default:
		return nil, fmt.Errorf("socket: unsupported network %q", spec.Network)
	}
}

func bindTCP(spec Spec) (*Socket, error) {
	tcpAddr, err := net.ResolveTCPAddr(spec.Network, spec.Addr)
	if err != nil {
		return nil, fmt.Errorf("socket: resolve %s %q: %w", spec.Network, spec.Addr, err)
	}
	family := unix.AF_INET6
	if spec.Network == "tcp4" || (tcpAddr.IP != nil && tcpAddr.IP.To4() != nil && spec.Network != "tcp6") {
		family = unix.AF_INET
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("socket: create: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("socket: SO_REUSEADDR: %w", err)
	}
	sa, err := tcpSockaddr(family, tcpAddr)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		if errors.Is(err, unix.EADDRINUSE) {
			return nil, fmt.Errorf("socket: bind %s: %w", spec.Addr, ErrAddrInUse)
		}
		return nil, fmt.Errorf("socket: bind %s: %w", spec.Addr, err)
	}
	bound, err := boundAddr(fd, spec.Network)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &Socket{fd: fd, network: spec.Network, addr: bound}, nil
}

func bindUnix(spec Spec) (*Socket, error) {
	// a stale socket file from a previous run blocks bind; remove it only
	// when nothing is accepting on it
	if conn, err := net.Dial("unix", spec.Addr); err == nil {
		conn.Close()
		return nil, fmt.Errorf("socket: bind %s: %w", spec.Addr, ErrAddrInUse)
	} else if _, statErr := os.Stat(spec.Addr); statErr == nil {
		if err := os.Remove(spec.Addr); err != nil {
			return nil, fmt.Errorf("socket: remove stale socket %s: %w", spec.Addr, err)
		}
	}
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: create: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: spec.Addr}); err != nil {
		unix.Close(fd)
		if errors.Is(err, unix.EADDRINUSE) {
			return nil, fmt.Errorf("socket: bind %s: %w", spec.Addr, ErrAddrInUse)
		}
		return nil, fmt.Errorf("socket: bind %s: %w", spec.Addr, err)
	}
	return &Socket{
		fd:      fd,
		network: "unix",
		addr:    &net.UnixAddr{Name: spec.Addr, Net: "unix"},
		path:    spec.Addr,
	}, nil
}

func adopt(fd int) (*Socket, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil, fmt.Errorf("socket: adopt fd %d: %w", fd, err)
	}
	s := &Socket{fd: fd, adopted: true}
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		s.network = "tcp"
		s.addr = &net.TCPAddr{IP: net.IP(v.Addr[:]), Port: v.Port}
	case *unix.SockaddrInet6:
		s.network = "tcp"
		s.addr = &net.TCPAddr{IP: net.IP(v.Addr[:]), Port: v.Port}
	case *unix.SockaddrUnix:
		s.network = "unix"
		s.addr = &net.UnixAddr{Name: v.Name, Net: "unix"}
	default:
		return nil, fmt.Errorf("socket: adopt fd %d: unsupported address family", fd)
	}
	return s, nil
}

// FD returns the underlying descriptor. It stays valid for the lifetime of
// the socket, including after Listen, so it can be passed to another process.
func (s *Socket) FD() int { return s.fd }

// Addr returns the bound address with any ephemeral port resolved.
func (s *Socket) Addr() net.Addr { return s.addr }

// Listen switches the socket into the listening state and wraps it as a
// net.Listener. net.FileListener dups the descriptor; the original stays
// owned by the Socket so FD identity is preserved.
func (s *Socket) Listen(backlog int) (net.Listener, error) {
	if backlog <= 0 {
		backlog = unix.SOMAXCONN
	}
	// calling listen on an adopted, already-listening socket just updates
	// the backlog, so no state check is needed
	if err := unix.Listen(s.fd, backlog); err != nil {
		return nil, fmt.Errorf("socket: listen on %s: %w", s.addr, err)
	}
	// dup so os.File ownership never touches s.fd; the caller-visible
	// descriptor must survive the listener's lifetime
	dup, err := unix.Dup(s.fd)
	if err != nil {
		return nil, fmt.Errorf("socket: dup descriptor %d: %w", s.fd, err)
	}
	unix.CloseOnExec(dup)
	file := os.NewFile(uintptr(dup), s.addr.String())
	ln, err := net.FileListener(file)
	file.Close()
	if err != nil {
		return nil, fmt.Errorf("socket: wrap listener for %s: %w", s.addr, err)
	}
	return ln, nil
}

// Close releases the descriptor and removes any unix socket file this
// process created.
func (s *Socket) Close() error {
	var err error
	if s.fd >= 0 {
		err = unix.Close(s.fd)
		s.fd = -1
	}
	if s.path != "" {
		os.Remove(s.path)
		s.path = ""
	}
	return err
}

func tcpSockaddr(family int, addr *net.TCPAddr) (unix.Sockaddr, error) {
	switch family {
	case unix.AF_INET:
		sa := &unix.SockaddrInet4{Port: addr.Port}
		if ip := addr.IP.To4(); ip != nil {
			copy(sa.Addr[:], ip)
		}
		return sa, nil
	case unix.AF_INET6:
		sa := &unix.SockaddrInet6{Port: addr.Port}
		if ip := addr.IP.To16(); ip != nil {
			copy(sa.Addr[:], ip)
		}
		return sa, nil
	}
	return nil, fmt.Errorf("socket: unsupported address family %d", family)
}

func boundAddr(fd int, network string) (net.Addr, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil, fmt.Errorf("socket: getsockname: %w", err)
	}
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(v.Addr[:]), Port: v.Port}, nil
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(v.Addr[:]), Port: v.Port}, nil
	case *unix.SockaddrUnix:
		return &net.UnixAddr{Name: v.Name, Net: network}, nil
	}
	return nil, fmt.Errorf("socket: unexpected sockaddr %T", sa)
}

// IsConflict reports whether err is a bind conflict, covering both the
// package sentinel and raw syscall errors from adopted paths.
func IsConflict(err error) bool {
	if errors.Is(err, ErrAddrInUse) {
		return true
	}
	var errno syscall.Errno
	return errors.As(err, &errno) && errno == syscall.EADDRINUSE
}

// ParsePort extracts the numeric port from a net.Addr, or -1 for
// non-TCP addresses.
func ParsePort(addr net.Addr) int {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		_, portStr, err := net.SplitHostPort(addr.String())
		if err != nil {
			return -1
		}
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return -1
		}
		return p
	}
	return tcp.Port
}
