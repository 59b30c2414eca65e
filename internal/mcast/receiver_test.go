package mcast

import (
	"errors"
	"testing"

	"kcp-multicast/internal/logger"
)

func newTestReceiver() *Receiver {
	return NewReceiver(logger.New(logger.ERROR))
}

func joinTestGroup(t *testing.T, r *Receiver, addr string, port uint16, id uint32) {
	t.Helper()
	if err := r.JoinGroup(addr, port, id, true); err != nil {
		t.Skipf("skipping: multicast membership unavailable in this environment: %v", err)
	}
}

func TestJoinGroupTwice(t *testing.T) {
	r := newTestReceiver()
	joinTestGroup(t, r, "239.255.77.1", 35001, 1)
	defer r.LeaveGroup(1)

	err := r.JoinGroup("239.255.77.1", 35001, 1, true)
	if !errors.Is(err, ErrAlreadyJoined) {
		t.Fatalf("second join = %v, want ErrAlreadyJoined", err)
	}
	if JoinCode(err) != -1 {
		t.Errorf("JoinCode = %d, want -1", JoinCode(err))
	}
}

func TestJoinGroupBadAddress(t *testing.T) {
	r := newTestReceiver()
	if err := r.JoinGroup("not-an-address", 35001, 1, false); err == nil {
		t.Fatal("join accepted a garbage address")
	} else if JoinCode(err) >= 0 {
		t.Errorf("JoinCode = %d, want negative", JoinCode(err))
	}
}

func TestJoinCodeNil(t *testing.T) {
	if JoinCode(nil) != 0 {
		t.Errorf("JoinCode(nil) = %d, want 0", JoinCode(nil))
	}
}

func TestLeaveGroupUnknown(t *testing.T) {
	r := newTestReceiver()
	if err := r.LeaveGroup(42); !errors.Is(err, ErrNotFound) {
		t.Fatalf("leave of unknown group = %v, want ErrNotFound", err)
	}
}

func TestLeaveGroupForgets(t *testing.T) {
	r := newTestReceiver()
	joinTestGroup(t, r, "239.255.77.2", 35002, 2)

	if err := r.LeaveGroup(2); err != nil {
		t.Fatalf("leave failed: %v", err)
	}
	if err := r.LeaveGroup(2); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second leave = %v, want ErrNotFound", err)
	}

	// the id is free to be joined again
	joinTestGroup(t, r, "239.255.77.2", 35002, 2)
	if err := r.LeaveGroup(2); err != nil {
		t.Fatalf("re-leave failed: %v", err)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	r := newTestReceiver()

	if err := r.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := r.Start(); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second start = %v, want ErrAlreadyRunning", err)
	}

	r.Stop()
	r.Stop() // idempotent

	if err := r.Start(); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	r.Stop()
}

func TestStopLeavesJoinedGroups(t *testing.T) {
	r := newTestReceiver()
	joinTestGroup(t, r, "239.255.77.3", 35003, 3)

	if err := r.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	r.Stop()

	if err := r.LeaveGroup(3); !errors.Is(err, ErrNotFound) {
		t.Fatalf("group survived Stop: %v", err)
	}
}

func TestSendAckWithoutGroup(t *testing.T) {
	r := newTestReceiver()
	// no group joined: logged and dropped
	r.SendAck(99, 1)
}
