package mcast

import (
	"testing"

	"kcp-multicast/internal/netutil"
)

func TestAllocatePairsAreDistinct(t *testing.T) {
	a := NewEndpointAllocator([2]byte{239, 255}, 30000, 40000)

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		addr, port, err := a.Allocate()
		if err != nil {
			t.Fatalf("allocation %d failed: %v", i, err)
		}
		if addr[0] != 239 || addr[1] != 255 {
			t.Fatalf("address %s outside prefix", addr.String())
		}
		if port < 30000 || port > 40000 {
			t.Fatalf("port %d outside range", port)
		}

		key := netutil.FormatAddress(addr, port)
		if seen[key] {
			t.Fatalf("pair %s handed out twice", key)
		}
		seen[key] = true
	}
}

func TestAllocateExhaustion(t *testing.T) {
	// a single-port range collapses the space enough to exhaust it
	a := NewEndpointAllocator([2]byte{239, 255}, 30000, 30000)

	for i := 0; i < 70000; i++ {
		if _, _, err := a.Allocate(); err == ErrEndpointExhausted {
			return
		}
	}
	t.Fatal("allocator never reported exhaustion")
}

func TestReserveBlocksAllocation(t *testing.T) {
	a := NewEndpointAllocator([2]byte{239, 255}, 30000, 30000)
	pinned := netutil.IPv4{239, 255, 1, 1}
	a.Reserve(pinned, 30000)

	for i := 0; i < 1000; i++ {
		addr, port, err := a.Allocate()
		if err != nil {
			break
		}
		if addr == pinned && port == 30000 {
			t.Fatal("allocator handed out a reserved pair")
		}
	}
}

func TestReleaseMakesPairAvailable(t *testing.T) {
	a := NewEndpointAllocator([2]byte{239, 255}, 30000, 30000)
	addr := netutil.IPv4{239, 255, 7, 7}

	a.Reserve(addr, 30000)
	if a.reserveLocked(addr, 30000) {
		t.Fatal("reserved pair reported free")
	}

	a.Release(addr, 30000)
	if !a.reserveLocked(addr, 30000) {
		t.Fatal("released pair still reserved")
	}
}

func TestAllocateLabeledIsStable(t *testing.T) {
	a1 := NewEndpointAllocator([2]byte{239, 255}, 30000, 40000)
	a2 := NewEndpointAllocator([2]byte{239, 255}, 30000, 40000)

	addr1, port1, err := a1.AllocateLabeled("game-room-7")
	if err != nil {
		t.Fatalf("labeled allocation failed: %v", err)
	}
	addr2, port2, err := a2.AllocateLabeled("game-room-7")
	if err != nil {
		t.Fatalf("labeled allocation failed: %v", err)
	}

	if addr1 != addr2 || port1 != port2 {
		t.Errorf("label mapped to %s and %s", netutil.FormatAddress(addr1, port1), netutil.FormatAddress(addr2, port2))
	}
}

func TestAllocateLabeledProbesOnCollision(t *testing.T) {
	a := NewEndpointAllocator([2]byte{239, 255}, 30000, 40000)

	addr1, port1, err := a.AllocateLabeled("shared-label")
	if err != nil {
		t.Fatalf("labeled allocation failed: %v", err)
	}
	addr2, port2, err := a.AllocateLabeled("shared-label")
	if err != nil {
		t.Fatalf("second labeled allocation failed: %v", err)
	}
	if addr1 == addr2 && port1 == port2 {
		t.Error("colliding label produced the same live pair twice")
	}
}
