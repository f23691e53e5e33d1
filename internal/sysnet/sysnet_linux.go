// Package sysnet is the thin syscall layer spec.md §6 asks the event loop
// to treat as an external collaborator: socket/bind/listen/accept4,
// epoll_create1/epoll_ctl/epoll_wait, readv/writev, shutdown/close,
// pipe2, and sched_setaffinity, plus the setsockopt calls the loop needs
// (SO_REUSEADDR, SO_REUSEPORT, TCP_DEFER_ACCEPT, TCP_NODELAY, IPV6_V6ONLY,
// SO_INCOMING_CPU). Every exported function is a near-direct wrapper over
// golang.org/x/sys/unix, grounded on the same raw-syscall idiom the
// teacher (iqhive-go-proxyproto's zero_copy_*_linux.go) and the pack's
// gaio/evio/gnet-family pollers use: no net.Conn anywhere in this layer,
// only integer file descriptors.
package sysnet

import (
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// Endpoint is a resolved IPv4/IPv6 address and port, kept deliberately
// smaller than net.TCPAddr since this layer never constructs a net.Conn.
type Endpoint struct {
	IP   net.IP
	Port int
}

func (e Endpoint) String() string {
	if e.IP == nil {
		return ":" + strconv.Itoa(e.Port)
	}
	return net.JoinHostPort(e.IP.String(), strconv.Itoa(e.Port))
}

// ListenOptions controls the setsockopt calls applied to a listening
// socket before bind+listen.
type ListenOptions struct {
	Backlog     int
	ReusePort   bool
	DeferAccept bool
	IncomingCPU int // -1 disables SO_INCOMING_CPU
}

// Listen creates, binds, and listens on a TCP socket for addr
// ("host:port"), returning the raw non-blocking, close-on-exec listening
// descriptor. The caller owns the fd and must Close it.
func Listen(addr string, opts ListenOptions) (fd int, bound Endpoint, err error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return -1, Endpoint{}, fmt.Errorf("sysnet: split host port %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return -1, Endpoint{}, fmt.Errorf("sysnet: invalid port %q: %w", portStr, err)
	}

	var ip net.IP
	if host == "" {
		ip = net.IPv4zero
	} else {
		ip = net.ParseIP(host)
		if ip == nil {
			resolved, rerr := net.ResolveIPAddr("ip", host)
			if rerr != nil {
				return -1, Endpoint{}, fmt.Errorf("sysnet: resolve %q: %w", host, rerr)
			}
			ip = resolved.IP
		}
	}

	v4 := ip.To4()
	var sa unix.Sockaddr
	domain := unix.AF_INET
	if v4 != nil {
		sa4 := &unix.SockaddrInet4{Port: port}
		copy(sa4.Addr[:], v4)
		sa = sa4
	} else {
		domain = unix.AF_INET6
		sa6 := &unix.SockaddrInet6{Port: port}
		copy(sa6.Addr[:], ip.To16())
		sa = sa6
	}

	fd, err = unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, Endpoint{}, fmt.Errorf("sysnet: socket: %w", err)
	}

	if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, Endpoint{}, fmt.Errorf("sysnet: SO_REUSEADDR: %w", err)
	}
	if opts.ReusePort {
		if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			unix.Close(fd)
			return -1, Endpoint{}, fmt.Errorf("sysnet: SO_REUSEPORT: %w", err)
		}
	}
	if domain == unix.AF_INET6 {
		if err = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1); err != nil {
			unix.Close(fd)
			return -1, Endpoint{}, fmt.Errorf("sysnet: IPV6_V6ONLY: %w", err)
		}
	}
	if opts.DeferAccept {
		// best effort: not all kernels honor this, and it's not fatal if
		// unsupported.
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_DEFER_ACCEPT, 1)
	}
	if opts.IncomingCPU >= 0 {
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_INCOMING_CPU, opts.IncomingCPU)
	}

	if err = unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, Endpoint{}, fmt.Errorf("sysnet: bind %s: %w", addr, err)
	}

	backlog := opts.Backlog
	if backlog <= 0 {
		backlog = 128
	}
	if err = unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, Endpoint{}, fmt.Errorf("sysnet: listen: %w", err)
	}

	boundAddr, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return -1, Endpoint{}, fmt.Errorf("sysnet: getsockname: %w", err)
	}
	return fd, sockaddrToEndpoint(boundAddr), nil
}

// Accept4 performs a single non-blocking accept4(SOCK_NONBLOCK|SOCK_CLOEXEC)
// on a listening descriptor. A nil error with fd == -1 never happens; on
// EAGAIN the error is returned unwrapped so callers can test it with
// errors.Is(err, unix.EAGAIN).
func Accept4(listenFd int) (fd int, peer Endpoint, err error) {
	nfd, sa, err := unix.Accept4(listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, Endpoint{}, err
	}
	return nfd, sockaddrToEndpoint(sa), nil
}

func sockaddrToEndpoint(sa unix.Sockaddr) Endpoint {
	switch s := sa.(type) {
	case *unix.SockaddrInet4:
		return Endpoint{IP: net.IP(s.Addr[:]), Port: s.Port}
	case *unix.SockaddrInet6:
		return Endpoint{IP: net.IP(s.Addr[:]), Port: s.Port}
	default:
		return Endpoint{}
	}
}

// SetNoDelay toggles TCP_NODELAY (spec.md §4.2: set on every accepted
// connection).
func SetNoDelay(fd int, on bool) error {
	v := 0
	if on {
		v = 1
	}
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, v)
}

// EpollCreate1 creates a close-on-exec epoll instance.
func EpollCreate1() (int, error) {
	return unix.EpollCreate1(unix.EPOLL_CLOEXEC)
}

// EpollAdd registers fd for the given event mask under epoll user-data
// key, using EPOLL_CTL_ADD. Per spec.md §4.1 this is issued at most once
// per (fd, direction) pair.
func EpollAdd(epfd, fd int, events uint32, key uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(key)}
	return unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// EpollMod re-arms fd with EPOLL_CTL_MOD, used for every one-shot re-arm
// after the first.
func EpollMod(epfd, fd int, events uint32, key uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(key)}
	return unix.EpollCtl(epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

// EpollDel removes fd from epoll explicitly; closing fd does this
// implicitly, so this is only needed when a descriptor must be
// unregistered while staying open (listener close-accept, §4.7, does not
// need this since the listener fd is closed outright).
func EpollDel(epfd, fd int) error {
	return unix.EpollCtl(epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// EpollWait blocks in epoll_wait with the given millisecond timeout (-1
// for infinite, matching spec.md §4.1's "block ... with infinite
// timeout").
func EpollWait(epfd int, events []unix.EpollEvent, timeoutMs int) (int, error) {
	return unix.EpollWait(epfd, events, timeoutMs)
}

// Readv performs a single vectored read into bufs, mirroring readv(2).
func Readv(fd int, bufs [][]byte) (int, error) {
	iovs := make([][]byte, 0, len(bufs))
	for _, b := range bufs {
		if len(b) == 0 {
			continue
		}
		iovs = append(iovs, b)
	}
	if len(iovs) == 0 {
		return 0, nil
	}
	return unix.Readv(fd, iovs)
}

// Writev performs a single vectored write from bufs, mirroring writev(2).
func Writev(fd int, bufs [][]byte) (int, error) {
	iovs := make([][]byte, 0, len(bufs))
	for _, b := range bufs {
		if len(b) == 0 {
			continue
		}
		iovs = append(iovs, b)
	}
	if len(iovs) == 0 {
		return 0, nil
	}
	return unix.Writev(fd, iovs)
}

// Shutdown direction constants re-exported so callers don't need to
// import golang.org/x/sys/unix directly for these three values.
const (
	ShutRD   = unix.SHUT_RD
	ShutWR   = unix.SHUT_WR
	ShutRDWR = unix.SHUT_RDWR
)

// Shutdown calls shutdown(2) with the given direction.
func Shutdown(fd int, how int) error {
	return unix.Shutdown(fd, how)
}

// Close calls close(2).
func Close(fd int) error {
	return unix.Close(fd)
}

// Dup duplicates fd with close-on-exec set, used exactly once per
// connection to obtain the write-readiness polling descriptor (spec.md
// §4.5).
func Dup(fd int) (int, error) {
	return unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
}

// Pipe2 creates a non-blocking, close-on-exec self-pipe.
func Pipe2() (r, w int, err error) {
	var fds [2]int
	if err = unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return -1, -1, err
	}
	return fds[0], fds[1], nil
}

// SchedSetaffinity pins the calling OS thread to a single CPU. Callers
// must have already called runtime.LockOSThread.
func SchedSetaffinity(cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	return unix.SchedSetaffinity(0, &set)
}

// IsWouldBlock reports whether err is EAGAIN/EWOULDBLOCK.
func IsWouldBlock(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}

// IsInterrupted reports whether err is EINTR.
func IsInterrupted(err error) bool {
	return err == unix.EINTR
}

// IsPeerTerminal reports whether err indicates the peer is gone
// (spec.md §7c): connection reset or broken pipe.
func IsPeerTerminal(err error) bool {
	return err == unix.ECONNRESET || err == unix.EPIPE
}
