package announce

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"kcp-multicast/internal/logger"
	"kcp-multicast/internal/mcast"
	"kcp-multicast/internal/netutil"
	"kcp-multicast/internal/session"
)

// Announcer is the server-side hook: when a unicast client attaches, it
// composes the announcement for one group and hands it to the session layer.
// One group per message; multiple groups take one call each.
type Announcer struct {
	mgr    *mcast.Manager
	sender session.Sender
	log    *logger.Logger
}

func NewAnnouncer(mgr *mcast.Manager, sender session.Sender, log *logger.Logger) *Announcer {
	return &Announcer{mgr: mgr, sender: sender, log: log}
}

// OnAttach announces groupID's coordinates to the attached connection.
// reliable tells the client which traffic shape to expect on the group.
func (a *Announcer) OnAttach(conv uuid.UUID, groupID uint32, reliable bool) error {
	info, err := a.mgr.GroupInfo(groupID)
	if err != nil {
		return fmt.Errorf("cannot announce group %d: %w", groupID, err)
	}

	body := Encode(Announcement{Addr: info.Addr, Port: info.Port, GroupID: groupID, Reliable: reliable})
	if err := a.sender.Send(conv, []byte(body)); err != nil {
		return fmt.Errorf("failed to announce group %d to %s: %w", groupID, conv.String(), err)
	}

	a.log.Info("announced group %d at %s to %s", groupID, netutil.FormatAddress(info.Addr, info.Port), conv.String())
	return nil
}

// AutoJoiner is the client-side hook: it watches unicast bodies for
// announcements, lazily instantiates the multicast receiver on the first one,
// joins the announced group, and starts the receive worker.
type AutoJoiner struct {
	mu   sync.Mutex
	recv *mcast.Receiver
	cb   mcast.MessageCallback
	log  *logger.Logger
}

func NewAutoJoiner(cb mcast.MessageCallback, log *logger.Logger) *AutoJoiner {
	return &AutoJoiner{cb: cb, log: log}
}

// HandleUnicast inspects one unicast body. It reports whether the body was an
// announcement (well-formed or not); non-announcement traffic is left to the
// application. A malformed announcement is logged and dropped.
func (j *AutoJoiner) HandleUnicast(body []byte) bool {
	if !IsAnnouncement(body) {
		return false
	}

	a, err := Decode(string(body))
	if err != nil {
		j.log.Warn("ignoring announcement: %v", err)
		return true
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	recv := j.recv
	if recv == nil {
		recv = mcast.NewReceiver(j.log)
		recv.SetMessageCallback(j.cb)
	}

	if err := recv.JoinGroup(a.Addr.String(), a.Port, a.GroupID, a.Reliable); err != nil {
		if err == mcast.ErrAlreadyJoined {
			return true
		}
		j.log.Error("failed to join announced group %d: %v", a.GroupID, err)
		return true
	}
	// the receiver is kept only once a join has succeeded
	j.recv = recv

	if err := recv.Start(); err != nil && err != mcast.ErrAlreadyRunning {
		j.log.Error("failed to start receiver: %v", err)
	}
	return true
}

// Receiver exposes the lazily-created receiver, or nil until an announced
// group has been joined successfully.
func (j *AutoJoiner) Receiver() *mcast.Receiver {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.recv
}

// Stop shuts the receiver down if it was ever created.
func (j *AutoJoiner) Stop() {
	j.mu.Lock()
	recv := j.recv
	j.mu.Unlock()

	if recv != nil {
		recv.Stop()
	}
}
