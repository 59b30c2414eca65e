package mcast

import (
	"errors"
	"testing"
	"time"

	"kcp-multicast/internal/logger"
)

func newTestManager(t *testing.T, loopback bool, interval time.Duration) *Manager {
	t.Helper()
	opts := DefaultOptions()
	opts.Loopback = loopback
	if interval > 0 {
		opts.RetransmitInterval = interval
	}
	return NewManager(opts, logger.New(logger.ERROR))
}

func createTestGroup(t *testing.T, m *Manager, addr string, port uint16) uint32 {
	t.Helper()
	id, err := m.CreateGroup(addr, port)
	if err != nil {
		t.Skipf("skipping: multicast group setup unavailable in this environment: %v", err)
	}
	return id
}

func TestGroupIDsStrictlyIncreasing(t *testing.T) {
	m := newTestManager(t, false, 0)
	defer m.Stop()

	var ids []uint32
	for i := 0; i < 3; i++ {
		ids = append(ids, createTestGroup(t, m, "", 0))
	}

	if !m.DeleteGroup(ids[1]) {
		t.Fatal("DeleteGroup returned false for a live group")
	}
	ids = append(ids, createTestGroup(t, m, "", 0))

	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("group ids not strictly increasing: %v", ids)
		}
	}
}

func TestCreateGroupExplicitCoordinates(t *testing.T) {
	m := newTestManager(t, false, 0)
	defer m.Stop()

	id := createTestGroup(t, m, "239.255.0.1", 30001)
	info, err := m.GroupInfo(id)
	if err != nil {
		t.Fatalf("GroupInfo failed: %v", err)
	}
	if info.Addr.String() != "239.255.0.1" || info.Port != 30001 {
		t.Errorf("coordinates = %s:%d, want 239.255.0.1:30001", info.Addr.String(), info.Port)
	}
	if info.Pending != 0 {
		t.Errorf("fresh group has %d pending messages", info.Pending)
	}
}

func TestCreateGroupRejectsNonMulticastAddress(t *testing.T) {
	m := newTestManager(t, false, 0)
	defer m.Stop()

	if _, err := m.CreateGroup("192.168.1.1", 30001); err == nil {
		t.Fatal("CreateGroup accepted a unicast address")
	}
}

func TestDeleteGroupIdempotent(t *testing.T) {
	m := newTestManager(t, false, 0)
	defer m.Stop()

	id := createTestGroup(t, m, "", 0)
	if !m.DeleteGroup(id) {
		t.Fatal("first delete returned false")
	}
	if m.DeleteGroup(id) {
		t.Fatal("second delete returned true")
	}
	if _, err := m.GroupInfo(id); !errors.Is(err, ErrNotFound) {
		t.Errorf("GroupInfo after delete = %v, want ErrNotFound", err)
	}
}

func TestSendToUnknownGroupIsNoOp(t *testing.T) {
	m := newTestManager(t, false, 0)
	defer m.Stop()

	m.SendToGroup(999, []byte("into the void"))
	m.SendReliableToGroup(999, []byte("into the void"))
	m.IngestAck(999, 0)
}

func TestReliableSendTracksPending(t *testing.T) {
	m := newTestManager(t, false, 50*time.Millisecond)
	defer m.Stop()

	id := createTestGroup(t, m, "", 0)
	m.SendReliableToGroup(id, []byte("A"))
	m.SendReliableToGroup(id, []byte("B"))
	m.SendReliableToGroup(id, []byte{})

	info, err := m.GroupInfo(id)
	if err != nil {
		t.Fatalf("GroupInfo failed: %v", err)
	}
	if info.Pending != 3 {
		t.Errorf("pending = %d, want 3", info.Pending)
	}
}

func TestIngestAckDrainsPending(t *testing.T) {
	m := newTestManager(t, false, 50*time.Millisecond)
	defer m.Stop()

	id := createTestGroup(t, m, "", 0)
	m.SendReliableToGroup(id, []byte("A"))
	m.SendReliableToGroup(id, []byte("B"))

	m.IngestAck(id, 0)
	info, _ := m.GroupInfo(id)
	if info.Pending != 1 {
		t.Fatalf("pending after first ack = %d, want 1", info.Pending)
	}

	// unknown and duplicate acks are harmless
	m.IngestAck(id, 0)
	m.IngestAck(id, 17)

	m.IngestAck(id, 1)
	info, _ = m.GroupInfo(id)
	if info.Pending != 0 {
		t.Fatalf("pending after all acks = %d, want 0", info.Pending)
	}

	// retransmission timer must stay quiet on an empty set
	time.Sleep(200 * time.Millisecond)
	info, _ = m.GroupInfo(id)
	if info.Pending != 0 {
		t.Errorf("pending grew after acks: %d", info.Pending)
	}
}

func TestDeleteGroupDiscardsPending(t *testing.T) {
	m := newTestManager(t, false, 50*time.Millisecond)
	defer m.Stop()

	id := createTestGroup(t, m, "", 0)
	m.SendReliableToGroup(id, []byte("C"))

	if !m.DeleteGroup(id) {
		t.Fatal("delete failed")
	}

	// the timer callback may already be in flight; it must find nothing
	time.Sleep(200 * time.Millisecond)
	if _, err := m.GroupInfo(id); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted group still visible: %v", err)
	}
}

func TestStopClearsGroups(t *testing.T) {
	m := newTestManager(t, false, 0)

	a := createTestGroup(t, m, "", 0)
	b := createTestGroup(t, m, "", 0)
	m.SendReliableToGroup(a, []byte("X"))

	m.Stop()

	if _, err := m.GroupInfo(a); !errors.Is(err, ErrNotFound) {
		t.Error("group a survived Stop")
	}
	if _, err := m.GroupInfo(b); !errors.Is(err, ErrNotFound) {
		t.Error("group b survived Stop")
	}
	if _, err := m.CreateGroup("", 0); err == nil {
		t.Error("CreateGroup succeeded after Stop")
	}

	// Stop is idempotent
	m.Stop()
}

func TestCreateLabeledGroup(t *testing.T) {
	m := newTestManager(t, false, 0)
	defer m.Stop()

	id, err := m.CreateLabeledGroup("lobby")
	if err != nil {
		t.Skipf("skipping: multicast group setup unavailable in this environment: %v", err)
	}
	info, err := m.GroupInfo(id)
	if err != nil {
		t.Fatalf("GroupInfo failed: %v", err)
	}
	if info.Addr[0] != 239 || info.Addr[1] != 255 {
		t.Errorf("labeled group outside prefix: %s", info.Addr.String())
	}
}
