package mcast

import (
	"bytes"
	"encoding/binary"
	"strconv"
)

// Wire shapes sharing one UDP payload space:
//
//	reliable data  <seq:uint32 big-endian><payload...>   length >= 4
//	ACK            "ACK:<decimal seq>"                   ASCII, no terminator
//	unreliable     <payload...>                          anything else
var ackPrefix = []byte("ACK:")

const reliableHeaderLen = 4

func encodeReliable(seq uint32, payload []byte) []byte {
	frame := make([]byte, reliableHeaderLen+len(payload))
	binary.BigEndian.PutUint32(frame, seq)
	copy(frame[reliableHeaderLen:], payload)
	return frame
}

func encodeAck(seq uint32) []byte {
	return strconv.AppendUint(append([]byte(nil), ackPrefix...), uint64(seq), 10)
}

func isAck(frame []byte) bool {
	return len(frame) >= len(ackPrefix) && bytes.Equal(frame[:len(ackPrefix)], ackPrefix)
}

// parseAck extracts the acknowledged sequence number from an ACK frame.
func parseAck(frame []byte) (uint32, bool) {
	if !isAck(frame) {
		return 0, false
	}
	seq, err := strconv.ParseUint(string(frame[len(ackPrefix):]), 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(seq), true
}

// splitReliable decodes a reliable data frame into its sequence number and
// payload. The payload aliases the input buffer.
func splitReliable(frame []byte) (uint32, []byte, bool) {
	if len(frame) < reliableHeaderLen {
		return 0, nil, false
	}
	return binary.BigEndian.Uint32(frame), frame[reliableHeaderLen:], true
}
