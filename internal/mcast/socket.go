package mcast

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"

	"kcp-multicast/internal/netutil"
)

// newSendSocket opens the server-side outbound socket for one group. It is
// deliberately not bound to the group address; the group endpoint is only the
// sendto destination.
func newSendSocket(ttl int, loopback bool) (*net.UDPConn, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("failed to open send socket: %w", err)
	}

	rc, err := conn.SyscallConn()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to access send socket fd: %w", err)
	}

	var optErr error
	err = rc.Control(func(fd uintptr) {
		if optErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); optErr != nil {
			return
		}
		if optErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_MULTICAST_TTL, ttl); optErr != nil {
			return
		}
		loop := 0
		if loopback {
			loop = 1
		}
		optErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_MULTICAST_LOOP, loop)
	})
	if err == nil {
		err = optErr
	}
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to set multicast send options: %w", err)
	}

	return conn, nil
}

// newMemberSocket binds a shared-port listener on the group port and joins the
// group on the default interface. The server uses one per group to observe
// ACK frames addressed to the group endpoint.
func newMemberSocket(addr netutil.IPv4, port uint16) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var optErr error
			err := c.Control(func(fd uintptr) {
				optErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				if optErr != nil {
					return
				}
				optErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return optErr
		},
	}

	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("failed to bind group port %d: %w", port, err)
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return nil, fmt.Errorf("unexpected packet conn type %T", pc)
	}

	rc, err := conn.SyscallConn()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to access member socket fd: %w", err)
	}
	var joinErr error
	if err := rc.Control(func(fd uintptr) {
		mreq := &unix.IPMreqn{
			Multiaddr: [4]byte(addr),
		}
		joinErr = unix.SetsockoptIPMreqn(int(fd), unix.IPPROTO_IP, unix.IP_ADD_MEMBERSHIP, mreq)
	}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to access member socket fd: %w", err)
	}
	if joinErr != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to join group %s: %w", addr.String(), joinErr)
	}

	return conn, nil
}

// Receiver socket setup error classes, mirroring the join contract: callers
// that need a numeric result map errors through JoinCode.
const (
	codeAlreadyJoined  = -1
	codeSocketCreate   = -2
	codeSockoptReuse   = -3
	codeSockoptNonbloc = -4
	codeBind           = -5
	codeAddMembership  = -6
)

// SetupError wraps a socket setup failure with its errno class.
type SetupError struct {
	Stage string
	Code  int
	Err   error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// newRecvSocket creates the per-group receive fd: non-blocking, shared-port,
// bound to the wildcard interface on the group port, membership joined on the
// default interface.
func newRecvSocket(addr netutil.IPv4, port uint16) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return -1, &SetupError{Stage: "socket create", Code: codeSocketCreate, Err: err}
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, &SetupError{Stage: "set SO_REUSEADDR", Code: codeSockoptReuse, Err: err}
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		unix.Close(fd)
		return -1, &SetupError{Stage: "set SO_REUSEPORT", Code: codeSockoptReuse, Err: err}
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, &SetupError{Stage: "set non-blocking", Code: codeSockoptNonbloc, Err: err}
	}

	sa := unix.SockaddrInet4{Port: int(port)}
	if err := unix.Bind(fd, &sa); err != nil {
		unix.Close(fd)
		return -1, &SetupError{Stage: "bind", Code: codeBind, Err: err}
	}

	mreq := &unix.IPMreqn{
		Multiaddr: [4]byte(addr),
	}
	if err := unix.SetsockoptIPMreqn(fd, unix.IPPROTO_IP, unix.IP_ADD_MEMBERSHIP, mreq); err != nil {
		unix.Close(fd)
		return -1, &SetupError{Stage: "join membership", Code: codeAddMembership, Err: err}
	}

	return fd, nil
}

// dropMembership leaves the group on fd. The caller closes the fd afterwards
// regardless of the result.
func dropMembership(fd int, addr netutil.IPv4) error {
	mreq := &unix.IPMreqn{
		Multiaddr: [4]byte(addr),
	}
	return unix.SetsockoptIPMreqn(fd, unix.IPPROTO_IP, unix.IP_DROP_MEMBERSHIP, mreq)
}
