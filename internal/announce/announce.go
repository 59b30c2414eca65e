// Package announce implements the unicast control message by which the
// server hands a client the coordinates of one multicast group, and the
// client-side hook that joins the group on receipt.
package announce

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"kcp-multicast/internal/netutil"
)

// Prefix marks an announcement body on the unicast session.
const Prefix = "MULTICAST:"

// ErrMalformed is returned when a MULTICAST: body does not parse. Receivers
// ignore such frames.
var ErrMalformed = errors.New("malformed multicast announcement")

// Announcement carries the coordinates of exactly one group. Reliable marks
// a group whose traffic carries sequence headers and expects ACKs.
type Announcement struct {
	Addr     netutil.IPv4
	Port     uint16
	GroupID  uint32
	Reliable bool
}

// Encode renders "MULTICAST:<ipv4>:<port>:<group_id>". Reliable groups get a
// trailing ":R" field; its absence means unreliable, keeping the plain form
// wire-compatible.
func Encode(a Announcement) string {
	msg := fmt.Sprintf("%s%s:%d:%d", Prefix, a.Addr.String(), a.Port, a.GroupID)
	if a.Reliable {
		msg += ":R"
	}
	return msg
}

// IsAnnouncement reports whether body begins with the announcement prefix.
func IsAnnouncement(body []byte) bool {
	return len(body) >= len(Prefix) && string(body[:len(Prefix)]) == Prefix
}

// Decode parses an announcement body. Every field is validated strictly.
func Decode(msg string) (Announcement, error) {
	if !strings.HasPrefix(msg, Prefix) {
		return Announcement{}, fmt.Errorf("%w: missing prefix", ErrMalformed)
	}

	parts := strings.Split(msg[len(Prefix):], ":")
	if len(parts) != 3 && len(parts) != 4 {
		return Announcement{}, fmt.Errorf("%w: expected 3 or 4 fields, got %d", ErrMalformed, len(parts))
	}

	reliable := false
	if len(parts) == 4 {
		switch parts[3] {
		case "R":
			reliable = true
		case "U":
		default:
			return Announcement{}, fmt.Errorf("%w: invalid mode %q", ErrMalformed, parts[3])
		}
	}

	addr, err := netutil.ParseIPv4(parts[0])
	if err != nil {
		return Announcement{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	port, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil || port == 0 {
		return Announcement{}, fmt.Errorf("%w: invalid port %q", ErrMalformed, parts[1])
	}

	groupID, err := strconv.ParseUint(parts[2], 10, 32)
	if err != nil {
		return Announcement{}, fmt.Errorf("%w: invalid group id %q", ErrMalformed, parts[2])
	}

	return Announcement{
		Addr:     addr,
		Port:     uint16(port),
		GroupID:  uint32(groupID),
		Reliable: reliable,
	}, nil
}
