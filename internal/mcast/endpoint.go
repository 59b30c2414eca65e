package mcast

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/cespare/xxhash"

	"kcp-multicast/internal/netutil"
)

// ErrEndpointExhausted is returned when the allocator cannot find a free
// (address, port) pair within its attempt budget.
var ErrEndpointExhausted = errors.New("multicast endpoint space exhausted")

const allocAttempts = 64

// EndpointAllocator hands out (address, port) pairs inside a two-octet
// administratively-scoped prefix and a port range. Pairs stay reserved until
// released, so no two live groups in the process share an endpoint.
type EndpointAllocator struct {
	mu      sync.Mutex
	prefix  [2]byte
	portMin uint16
	portMax uint16
	rng     *rand.Rand
	inUse   map[string]bool
}

func NewEndpointAllocator(prefix [2]byte, portMin, portMax uint16) *EndpointAllocator {
	if portMax < portMin {
		portMin, portMax = portMax, portMin
	}
	return &EndpointAllocator{
		prefix:  prefix,
		portMin: portMin,
		portMax: portMax,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		inUse:   make(map[string]bool),
	}
}

// Allocate picks a pseudo-random unused pair.
func (a *EndpointAllocator) Allocate() (netutil.IPv4, uint16, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	span := int(a.portMax-a.portMin) + 1
	for i := 0; i < allocAttempts; i++ {
		addr := netutil.IPv4{a.prefix[0], a.prefix[1], byte(a.rng.Intn(256)), byte(a.rng.Intn(256))}
		port := a.portMin + uint16(a.rng.Intn(span))
		if a.reserveLocked(addr, port) {
			return addr, port, nil
		}
	}
	return netutil.IPv4{}, 0, ErrEndpointExhausted
}

// AllocateLabeled derives the pair from a stable hash of label, so the same
// label maps to the same endpoint across restarts. Collisions with live
// groups probe forward from the hash.
func (a *EndpointAllocator) AllocateLabeled(label string) (netutil.IPv4, uint16, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	span := uint64(a.portMax-a.portMin) + 1
	h := xxhash.Sum64String(label)
	for i := 0; i < allocAttempts; i++ {
		addr := netutil.IPv4{a.prefix[0], a.prefix[1], byte(h >> 8), byte(h)}
		port := a.portMin + uint16((h>>16)%span)
		if a.reserveLocked(addr, port) {
			return addr, port, nil
		}
		h = h*0x100000001b3 + 1
	}
	return netutil.IPv4{}, 0, ErrEndpointExhausted
}

// Reserve marks an operator-pinned pair as occupied so Allocate never hands
// it to another group. Reserving an already-reserved pair is not an error.
func (a *EndpointAllocator) Reserve(addr netutil.IPv4, port uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inUse[netutil.FormatAddress(addr, port)] = true
}

func (a *EndpointAllocator) Release(addr netutil.IPv4, port uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inUse, netutil.FormatAddress(addr, port))
}

func (a *EndpointAllocator) reserveLocked(addr netutil.IPv4, port uint16) bool {
	key := netutil.FormatAddress(addr, port)
	if a.inUse[key] {
		return false
	}
	a.inUse[key] = true
	return true
}
