package session

import (
	"sync"

	"github.com/google/uuid"

	"kcp-multicast/internal/logger"
)

// Fanout replicates a payload to every member of a logical group through
// per-connection unicast sends. It is the fallback fan-out path for networks
// without IP multicast. The Sender is a non-owning capability: it may be
// replaced or cleared at any time, and every send checks it first.
type Fanout struct {
	mu     sync.Mutex
	groups map[uint32]map[uuid.UUID]struct{}
	nextID uint32
	sender Sender
	log    *logger.Logger
}

func NewFanout(log *logger.Logger) *Fanout {
	return &Fanout{
		groups: make(map[uint32]map[uuid.UUID]struct{}),
		nextID: 1,
		log:    log,
	}
}

// SetSender installs the unicast layer used for delivery. Passing nil
// disconnects the table; sends become no-ops until a sender returns.
func (f *Fanout) SetSender(s Sender) {
	f.mu.Lock()
	f.sender = s
	f.mu.Unlock()
}

// CreateGroup registers an empty member set and returns its id.
func (f *Fanout) CreateGroup() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.nextID
	f.nextID++
	f.groups[id] = make(map[uuid.UUID]struct{})
	return id
}

// AddMember enrolls a connection; it reports whether the group exists.
func (f *Fanout) AddMember(groupID uint32, conv uuid.UUID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	members, ok := f.groups[groupID]
	if !ok {
		f.log.Info("group %d not found when adding member %s", groupID, conv.String())
		return false
	}
	members[conv] = struct{}{}
	f.log.Info("added member %s to group %d", conv.String(), groupID)
	return true
}

// RemoveMember withdraws a connection; it reports whether the member was
// enrolled.
func (f *Fanout) RemoveMember(groupID uint32, conv uuid.UUID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	members, ok := f.groups[groupID]
	if !ok {
		f.log.Info("group %d not found when removing member %s", groupID, conv.String())
		return false
	}
	if _, ok := members[conv]; !ok {
		f.log.Info("member %s not found in group %d", conv.String(), groupID)
		return false
	}
	delete(members, conv)
	f.log.Info("removed member %s from group %d", conv.String(), groupID)
	return true
}

// DeleteGroup discards the member set; it reports whether the group existed.
func (f *Fanout) DeleteGroup(groupID uint32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.groups[groupID]; !ok {
		f.log.Info("group %d not found when deleting", groupID)
		return false
	}
	delete(f.groups, groupID)
	f.log.Info("deleted group %d", groupID)
	return true
}

// SendToGroup delivers payload to every enrolled connection. Individual send
// failures are logged and do not stop the fan-out.
func (f *Fanout) SendToGroup(groupID uint32, payload []byte) {
	f.mu.Lock()
	members, ok := f.groups[groupID]
	if !ok {
		f.mu.Unlock()
		f.log.Info("group %d not found when sending", groupID)
		return
	}
	targets := make([]uuid.UUID, 0, len(members))
	for conv := range members {
		targets = append(targets, conv)
	}
	sender := f.sender
	f.mu.Unlock()

	if sender == nil {
		f.log.Warn("no unicast sender attached; dropping fan-out to group %d", groupID)
		return
	}

	for _, conv := range targets {
		if err := sender.Send(conv, payload); err != nil {
			f.log.Error("fan-out to %s in group %d failed: %v", conv.String(), groupID, err)
		}
	}
}
