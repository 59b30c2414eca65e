// Package session carries the contract the multicast plane has with the
// reliable unicast layer: a byte-string delivery primitive per connection,
// in both directions. The transport behind it is external; Local provides an
// in-process implementation for demos and tests.
package session

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"kcp-multicast/internal/logger"
)

// Handler consumes a byte-string delivered on one connection.
type Handler func(conv uuid.UUID, payload []byte)

// Sender delivers a byte-string to one connection of the unicast layer.
type Sender interface {
	Send(conv uuid.UUID, payload []byte) error
}

// ErrUnknownConn is returned when the referenced connection is not attached.
var ErrUnknownConn = errors.New("unknown session connection")

// Local is an in-process unicast session layer. Each attached connection has
// a downstream handler (server-to-client delivery); Receive models the
// client-to-server direction.
type Local struct {
	mu      sync.Mutex
	conns   map[uuid.UUID]Handler
	inbound Handler
	log     *logger.Logger
}

func NewLocal(log *logger.Logger) *Local {
	return &Local{
		conns: make(map[uuid.UUID]Handler),
		log:   log,
	}
}

// Attach registers a connection and returns its conversation id.
func (l *Local) Attach(h Handler) uuid.UUID {
	conv := uuid.New()
	l.mu.Lock()
	l.conns[conv] = h
	l.mu.Unlock()
	l.log.Info("session %s attached", conv.String())
	return conv
}

// Detach forgets a connection. Sends to it fail afterwards.
func (l *Local) Detach(conv uuid.UUID) {
	l.mu.Lock()
	delete(l.conns, conv)
	l.mu.Unlock()
	l.log.Info("session %s detached", conv.String())
}

// Send delivers payload to the connection's downstream handler.
func (l *Local) Send(conv uuid.UUID, payload []byte) error {
	l.mu.Lock()
	h, ok := l.conns[conv]
	l.mu.Unlock()

	if !ok {
		return ErrUnknownConn
	}
	if h != nil {
		h(conv, payload)
	}
	return nil
}

// SetInbound registers the server-side handler for client-to-server traffic.
func (l *Local) SetInbound(h Handler) {
	l.mu.Lock()
	l.inbound = h
	l.mu.Unlock()
}

// Receive feeds one client-to-server byte-string into the inbound handler.
func (l *Local) Receive(conv uuid.UUID, payload []byte) {
	l.mu.Lock()
	h := l.inbound
	l.mu.Unlock()

	if h != nil {
		h(conv, payload)
	}
}
