package mcast

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"kcp-multicast/internal/logger"
	"kcp-multicast/internal/netutil"
)

// ErrNotFound is returned when a referenced group id is unknown.
var ErrNotFound = errors.New("multicast group not found")

// Options configures the server-side multicast plane.
type Options struct {
	Prefix             [2]byte
	PortMin            uint16
	PortMax            uint16
	TTL                int
	Loopback           bool
	RetransmitInterval time.Duration
}

func DefaultOptions() Options {
	return Options{
		Prefix:             [2]byte{239, 255},
		PortMin:            30000,
		PortMax:            40000,
		TTL:                1,
		Loopback:           false,
		RetransmitInterval: 500 * time.Millisecond,
	}
}

// GroupInfo is a read-only snapshot of one group's coordinates.
type GroupInfo struct {
	Addr    netutil.IPv4
	Port    uint16
	Pending int
}

type group struct {
	id   uint32
	addr netutil.IPv4
	port uint16
	dst  *net.UDPAddr

	conn    *net.UDPConn // outbound, owned by the manager's send path
	ackConn *net.UDPConn // group member socket observing ACK frames

	nextSeq    uint32
	unacked    map[uint32][]byte
	timer      *time.Timer
	timerArmed bool
	ackDone    chan struct{}
}

// Manager owns the server-side multicast groups: endpoint allocation,
// unreliable and reliable fan-out, ACK accounting, and the per-group
// retransmission tick. Public methods are safe to call from any goroutine.
type Manager struct {
	mu      sync.Mutex
	opts    Options
	alloc   *EndpointAllocator
	groups  map[uint32]*group
	nextID  uint32
	stopped bool
	log     *logger.Logger
}

func NewManager(opts Options, log *logger.Logger) *Manager {
	if opts.RetransmitInterval <= 0 {
		opts.RetransmitInterval = DefaultOptions().RetransmitInterval
	}
	if opts.TTL <= 0 {
		opts.TTL = 1
	}
	return &Manager{
		opts:   opts,
		alloc:  NewEndpointAllocator(opts.Prefix, opts.PortMin, opts.PortMax),
		groups: make(map[uint32]*group),
		nextID: 1,
		log:    log,
	}
}

// CreateGroup creates a group on the given coordinates, or on allocated ones
// when addr is empty or port is zero. It returns the new group id.
func (m *Manager) CreateGroup(addrStr string, port uint16) (uint32, error) {
	var addr netutil.IPv4
	allocated := addrStr == "" || port == 0

	if allocated {
		var err error
		addr, port, err = m.alloc.Allocate()
		if err != nil {
			return 0, err
		}
	} else {
		var err error
		addr, err = netutil.ParseIPv4(addrStr)
		if err != nil {
			return 0, fmt.Errorf("invalid multicast address: %w", err)
		}
		if !netutil.IsMulticast(addr) {
			return 0, fmt.Errorf("address %s is not a multicast address", addr.String())
		}
		m.alloc.Reserve(addr, port)
	}

	id, err := m.addGroup(addr, port)
	if err != nil {
		m.alloc.Release(addr, port)
		return 0, err
	}
	return id, nil
}

// CreateLabeledGroup creates a group whose endpoint is derived from a stable
// hash of label, so repeated runs agree on the coordinates.
func (m *Manager) CreateLabeledGroup(label string) (uint32, error) {
	addr, port, err := m.alloc.AllocateLabeled(label)
	if err != nil {
		return 0, err
	}

	id, err := m.addGroup(addr, port)
	if err != nil {
		m.alloc.Release(addr, port)
		return 0, err
	}
	return id, nil
}

func (m *Manager) addGroup(addr netutil.IPv4, port uint16) (uint32, error) {
	conn, err := newSendSocket(m.opts.TTL, m.opts.Loopback)
	if err != nil {
		return 0, err
	}

	ackConn, err := newMemberSocket(addr, port)
	if err != nil {
		_ = conn.Close()
		return 0, err
	}

	dst, err := netutil.ParseUdp4Addr(addr, port)
	if err != nil {
		_ = conn.Close()
		_ = ackConn.Close()
		return 0, fmt.Errorf("failed to resolve group endpoint: %w", err)
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		_ = conn.Close()
		_ = ackConn.Close()
		return 0, errors.New("multicast manager is stopped")
	}
	id := m.nextID
	m.nextID++
	g := &group{
		id:      id,
		addr:    addr,
		port:    port,
		dst:     dst,
		conn:    conn,
		ackConn: ackConn,
		unacked: make(map[uint32][]byte),
		ackDone: make(chan struct{}),
	}
	m.groups[id] = g
	m.mu.Unlock()

	go m.ackLoop(id, ackConn, g.ackDone)

	m.log.Info("created multicast group %d at %s", id, netutil.FormatAddress(addr, port))
	return id, nil
}

// DeleteGroup tears down a group: retransmission timer canceled, sockets
// closed, pending reliable messages discarded. It reports whether the group
// existed.
func (m *Manager) DeleteGroup(id uint32) bool {
	m.mu.Lock()
	g, ok := m.groups[id]
	if !ok {
		m.mu.Unlock()
		m.log.Info("group %d not found when deleting", id)
		return false
	}
	delete(m.groups, id)
	if g.timer != nil {
		g.timer.Stop()
	}
	g.timerArmed = false
	g.unacked = nil
	m.mu.Unlock()

	m.teardown(g)
	m.log.Info("deleted multicast group %d", id)
	return true
}

func (m *Manager) teardown(g *group) {
	close(g.ackDone)
	_ = g.conn.Close()
	_ = g.ackConn.Close()
	m.alloc.Release(g.addr, g.port)
}

// SendToGroup emits payload as a single best-effort datagram. Send errors are
// logged; datagram loss is expected on this path.
func (m *Manager) SendToGroup(id uint32, payload []byte) {
	m.mu.Lock()
	g, ok := m.groups[id]
	if !ok {
		m.mu.Unlock()
		m.log.Info("group %d not found when sending", id)
		return
	}
	conn, dst := g.conn, g.dst
	m.mu.Unlock()

	if _, err := conn.WriteToUDP(payload, dst); err != nil {
		m.log.Error("send to group %d failed: %v", id, err)
		return
	}
	m.log.Debug("sent %d bytes to group %d", len(payload), id)
}

// SendReliableToGroup assigns the next sequence number, stores the payload
// until acknowledged, emits the framed datagram, and arms the retransmission
// timer. Sending on an unknown group is a no-op.
func (m *Manager) SendReliableToGroup(id uint32, payload []byte) {
	m.mu.Lock()
	g, ok := m.groups[id]
	if !ok {
		m.mu.Unlock()
		m.log.Info("group %d not found when sending reliable message", id)
		return
	}

	seq := g.nextSeq
	g.nextSeq++
	stored := make([]byte, len(payload))
	copy(stored, payload)
	g.unacked[seq] = stored

	if !g.timerArmed {
		g.timerArmed = true
		if g.timer == nil {
			g.timer = time.AfterFunc(m.opts.RetransmitInterval, func() { m.retransmit(id) })
		} else {
			g.timer.Reset(m.opts.RetransmitInterval)
		}
	}
	conn, dst := g.conn, g.dst
	m.mu.Unlock()

	if _, err := conn.WriteToUDP(encodeReliable(seq, payload), dst); err != nil {
		m.log.Error("reliable send to group %d (seq=%d) failed: %v", id, seq, err)
		return
	}
	m.log.Debug("sent reliable message seq=%d (%d bytes) to group %d", seq, len(payload), id)
}

// retransmit re-emits the full unacked snapshot of one group and re-arms the
// timer while anything is still pending. It captures only the group id; the
// group is re-looked-up so a concurrent delete wins cleanly.
func (m *Manager) retransmit(id uint32) {
	m.mu.Lock()
	g, ok := m.groups[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	if len(g.unacked) == 0 {
		g.timerArmed = false
		m.mu.Unlock()
		return
	}

	type pending struct {
		seq     uint32
		payload []byte
	}
	snapshot := make([]pending, 0, len(g.unacked))
	for seq, payload := range g.unacked {
		snapshot = append(snapshot, pending{seq, payload})
	}
	conn, dst := g.conn, g.dst
	g.timer.Reset(m.opts.RetransmitInterval)
	m.mu.Unlock()

	for _, p := range snapshot {
		if _, err := conn.WriteToUDP(encodeReliable(p.seq, p.payload), dst); err != nil {
			m.log.Error("retransmit seq=%d to group %d failed: %v", p.seq, id, err)
			continue
		}
		m.log.Debug("retransmitted seq=%d to group %d", p.seq, id)
	}
}

// IngestAck removes seq from the group's unacked set. Late or duplicate ACKs
// and ACKs for unknown groups are harmless no-ops. The timer disarms once the
// set drains.
func (m *Manager) IngestAck(id uint32, seq uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[id]
	if !ok {
		return
	}
	if _, ok := g.unacked[seq]; !ok {
		return
	}
	delete(g.unacked, seq)
	if len(g.unacked) == 0 && g.timerArmed {
		g.timer.Stop()
		g.timerArmed = false
	}
	m.log.Debug("acknowledged seq=%d for group %d (%d pending)", seq, id, len(g.unacked))
}

// ackLoop watches the group endpoint for ACK frames emitted by receivers.
// Everything that is not an ACK is group data traffic and is ignored here.
func (m *Manager) ackLoop(id uint32, conn *net.UDPConn, done chan struct{}) {
	buf := make([]byte, 64*1024)
	for {
		select {
		case <-done:
			return
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(250 * time.Millisecond))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-done:
			default:
				m.log.Error("ack listener for group %d: %v", id, err)
			}
			return
		}

		if seq, ok := parseAck(buf[:n]); ok {
			m.IngestAck(id, seq)
		}
	}
}

// GroupInfo returns the coordinates and pending reliable count of a group.
func (m *Manager) GroupInfo(id uint32) (GroupInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[id]
	if !ok {
		return GroupInfo{}, ErrNotFound
	}
	return GroupInfo{Addr: g.addr, Port: g.port, Pending: len(g.unacked)}, nil
}

// Stop cancels every timer, closes every socket, and clears the group table.
// The manager accepts no new groups afterwards.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	doomed := make([]*group, 0, len(m.groups))
	for _, g := range m.groups {
		if g.timer != nil {
			g.timer.Stop()
		}
		g.timerArmed = false
		doomed = append(doomed, g)
	}
	m.groups = make(map[uint32]*group)
	m.mu.Unlock()

	for _, g := range doomed {
		m.teardown(g)
	}
	m.log.Info("multicast manager stopped")
}
