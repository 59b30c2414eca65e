package mcast

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"kcp-multicast/internal/logger"
	"kcp-multicast/internal/netutil"
)

var (
	// ErrAlreadyJoined is returned when a group id is joined twice.
	ErrAlreadyJoined = errors.New("group already joined")
	// ErrAlreadyRunning is returned when Start is called on a running receiver.
	ErrAlreadyRunning = errors.New("receiver already running")
)

// JoinCode maps a JoinGroup error to the numeric contract: 0 on nil,
// -1 for a duplicate join, -2..-6 for the socket setup stages.
func JoinCode(err error) int {
	if err == nil {
		return 0
	}
	if errors.Is(err, ErrAlreadyJoined) {
		return codeAlreadyJoined
	}
	var se *SetupError
	if errors.As(err, &se) {
		return se.Code
	}
	return codeSocketCreate
}

// MessageCallback is the application handler for delivered payloads.
type MessageCallback func(groupID uint32, payload []byte)

const (
	recvBufSize   = 64 * 1024
	pollTimeoutMs = 100
	idleSleep     = 100 * time.Millisecond
)

type joinedGroup struct {
	addr     netutil.IPv4
	port     uint16
	fd       int
	reliable bool
	window   *replayWindow
}

// Receiver owns the client side of the multicast plane: one socket per joined
// group and a single worker multiplexing reads across all of them. Public
// methods may be called from any goroutine.
type Receiver struct {
	mu      sync.Mutex
	groups  map[uint32]*joinedGroup
	cb      MessageCallback
	running bool
	done    chan struct{}
	log     *logger.Logger
}

func NewReceiver(log *logger.Logger) *Receiver {
	return &Receiver{
		groups: make(map[uint32]*joinedGroup),
		log:    log,
	}
}

// JoinGroup creates the receive socket for a group and records it. The group
// id must not already be joined. Groups are dedicated to one mode: when
// reliable is set, datagrams of 4 bytes or more carry a sequence header and
// are acknowledged; otherwise every datagram body is an application payload.
// Map the error through JoinCode for the numeric form.
func (r *Receiver) JoinGroup(addrStr string, port uint16, groupID uint32, reliable bool) error {
	addr, err := netutil.ParseIPv4(addrStr)
	if err != nil {
		return &SetupError{Stage: "parse group address", Code: codeSocketCreate, Err: err}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.groups[groupID]; ok {
		r.log.Warn("already joined group %d", groupID)
		return ErrAlreadyJoined
	}

	fd, err := newRecvSocket(addr, port)
	if err != nil {
		r.log.Error("failed to join group %d at %s: %v", groupID, netutil.FormatAddress(addr, port), err)
		return err
	}

	r.groups[groupID] = &joinedGroup{
		addr:     addr,
		port:     port,
		fd:       fd,
		reliable: reliable,
		window:   newReplayWindow(defaultWindowSize),
	}
	r.log.Info("joined multicast group %d at %s", groupID, netutil.FormatAddress(addr, port))
	return nil
}

// LeaveGroup drops membership, closes the socket, and forgets the group.
func (r *Receiver) LeaveGroup(groupID uint32) error {
	r.mu.Lock()
	g, ok := r.groups[groupID]
	if ok {
		delete(r.groups, groupID)
	}
	r.mu.Unlock()

	if !ok {
		r.log.Warn("not in group %d", groupID)
		return ErrNotFound
	}

	r.closeGroup(groupID, g)
	r.log.Info("left multicast group %d", groupID)
	return nil
}

func (r *Receiver) closeGroup(groupID uint32, g *joinedGroup) {
	if err := dropMembership(g.fd, g.addr); err != nil {
		r.log.Warn("failed to drop membership for group %d: %v", groupID, err)
	}
	if err := unix.Close(g.fd); err != nil {
		r.log.Warn("failed to close socket for group %d: %v", groupID, err)
	}
}

// SetMessageCallback registers the single application handler.
func (r *Receiver) SetMessageCallback(cb MessageCallback) {
	r.mu.Lock()
	r.cb = cb
	r.mu.Unlock()
}

// Start claims one worker goroutine for the receive loop.
func (r *Receiver) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return ErrAlreadyRunning
	}
	r.running = true
	r.done = make(chan struct{})

	go r.receiveLoop(r.done)

	r.log.Info("multicast receiver started")
	return nil
}

// Stop signals the worker, waits for it to exit, then leaves every remaining
// group. Stopping a stopped receiver is a no-op.
func (r *Receiver) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	done := r.done
	r.mu.Unlock()

	<-done

	r.mu.Lock()
	remaining := r.groups
	r.groups = make(map[uint32]*joinedGroup)
	r.mu.Unlock()

	for id, g := range remaining {
		r.closeGroup(id, g)
	}
	r.log.Info("multicast receiver stopped")
}

// SendAck emits one ACK frame for seq to the group's multicast destination,
// using the group's own socket.
func (r *Receiver) SendAck(groupID uint32, seq uint32) {
	r.mu.Lock()
	g, ok := r.groups[groupID]
	if !ok {
		r.mu.Unlock()
		r.log.Warn("not in group %d when sending ACK", groupID)
		return
	}
	fd := g.fd
	dst := unix.SockaddrInet4{Port: int(g.port), Addr: [4]byte(g.addr)}
	r.mu.Unlock()

	if err := unix.Sendto(fd, encodeAck(seq), 0, &dst); err != nil {
		r.log.Error("failed to send ACK seq=%d for group %d: %v", seq, groupID, err)
		return
	}
	r.log.Debug("sent ACK seq=%d for group %d", seq, groupID)
}

func (r *Receiver) isRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// receiveLoop is the single worker: snapshot fds under the mutex, poll with a
// bounded timeout, drain every readable socket, repeat until stopped.
func (r *Receiver) receiveLoop(done chan struct{}) {
	defer close(done)

	buf := make([]byte, recvBufSize)
	for r.isRunning() {
		r.mu.Lock()
		ids := make([]uint32, 0, len(r.groups))
		pfds := make([]unix.PollFd, 0, len(r.groups))
		for id, g := range r.groups {
			ids = append(ids, id)
			pfds = append(pfds, unix.PollFd{Fd: int32(g.fd), Events: unix.POLLIN})
		}
		r.mu.Unlock()

		if len(pfds) == 0 {
			time.Sleep(idleSleep)
			continue
		}

		n, err := unix.Poll(pfds, pollTimeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			r.log.Error("poll failed: %v", err)
			r.mu.Lock()
			r.running = false
			r.mu.Unlock()
			return
		}
		if n == 0 {
			continue
		}

		for i := range pfds {
			if pfds[i].Revents&unix.POLLIN == 0 {
				continue
			}
			r.drainSocket(ids[i], int(pfds[i].Fd), buf)
		}
	}
}

// drainSocket reads datagrams until the non-blocking socket is empty.
func (r *Receiver) drainSocket(groupID uint32, fd int, buf []byte) {
	for {
		n, _, err := unix.Recvfrom(fd, buf, 0)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			if err == unix.EINTR {
				continue
			}
			r.log.Error("recvfrom on group %d failed: %v", groupID, err)
			return
		}
		r.handleDatagram(groupID, buf[:n])
	}
}

func (r *Receiver) handleDatagram(groupID uint32, frame []byte) {
	// ACK replies on the group address are sender-side traffic.
	if isAck(frame) {
		return
	}

	r.mu.Lock()
	g, joined := r.groups[groupID]
	if !joined {
		r.mu.Unlock()
		return
	}
	cb := r.cb

	if g.reliable {
		if seq, body, ok := splitReliable(frame); ok {
			fresh := g.window.observe(seq)
			r.mu.Unlock()

			if fresh {
				r.deliver(cb, groupID, body)
			} else {
				r.log.Debug("suppressed duplicate seq=%d on group %d", seq, groupID)
			}
			r.SendAck(groupID, seq)
			return
		}
		// short frame on a reliable group: plain payload, nothing to ack
	}
	r.mu.Unlock()

	r.deliver(cb, groupID, frame)
}

// deliver hands a copy of the payload to the application. The callback runs
// without the receiver lock so it may call back into the public API.
func (r *Receiver) deliver(cb MessageCallback, groupID uint32, payload []byte) {
	if cb == nil {
		return
	}
	msg := make([]byte, len(payload))
	copy(msg, payload)
	cb(groupID, msg)
}
