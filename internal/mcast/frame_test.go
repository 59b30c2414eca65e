package mcast

import (
	"bytes"
	"testing"
)

func TestReliableFrameRoundTrip(t *testing.T) {
	payload := []byte("hello multicast")
	frame := encodeReliable(42, payload)

	if len(frame) != reliableHeaderLen+len(payload) {
		t.Fatalf("frame length = %d, want %d", len(frame), reliableHeaderLen+len(payload))
	}

	seq, body, ok := splitReliable(frame)
	if !ok {
		t.Fatal("splitReliable rejected a valid frame")
	}
	if seq != 42 {
		t.Errorf("seq = %d, want 42", seq)
	}
	if !bytes.Equal(body, payload) {
		t.Errorf("payload = %q, want %q", body, payload)
	}
}

func TestReliableFrameZeroLengthPayload(t *testing.T) {
	frame := encodeReliable(7, nil)
	if len(frame) != reliableHeaderLen {
		t.Fatalf("frame length = %d, want %d", len(frame), reliableHeaderLen)
	}

	seq, body, ok := splitReliable(frame)
	if !ok || seq != 7 {
		t.Fatalf("splitReliable = (%d, %v), want (7, true)", seq, ok)
	}
	if len(body) != 0 {
		t.Errorf("payload length = %d, want 0", len(body))
	}
}

func TestSplitReliableTooShort(t *testing.T) {
	if _, _, ok := splitReliable([]byte{0x01, 0x02, 0x03}); ok {
		t.Error("splitReliable accepted a 3-byte frame")
	}
}

func TestAckFrame(t *testing.T) {
	frame := encodeAck(123456789)
	if string(frame) != "ACK:123456789" {
		t.Fatalf("ack frame = %q", frame)
	}

	seq, ok := parseAck(frame)
	if !ok || seq != 123456789 {
		t.Errorf("parseAck = (%d, %v), want (123456789, true)", seq, ok)
	}
}

func TestAckFrameMaxSeq(t *testing.T) {
	frame := encodeAck(4294967295)
	seq, ok := parseAck(frame)
	if !ok || seq != 4294967295 {
		t.Errorf("parseAck = (%d, %v), want (4294967295, true)", seq, ok)
	}
}

func TestParseAckRejectsGarbage(t *testing.T) {
	cases := [][]byte{
		[]byte("ACK:"),
		[]byte("ACK:abc"),
		[]byte("ACK:-1"),
		[]byte("ACK:4294967296"),
		[]byte("ack:5"),
		[]byte("hello"),
		nil,
	}
	for _, c := range cases {
		if _, ok := parseAck(c); ok {
			t.Errorf("parseAck accepted %q", c)
		}
	}
}

// A data payload that happens to start with the ACK prefix must be classified
// as an ACK by the precedence rules; deployments avoid this by convention.
func TestAckPrecedence(t *testing.T) {
	if !isAck([]byte("ACK:17")) {
		t.Error("isAck rejected an ACK frame")
	}
	if isAck([]byte("AC")) {
		t.Error("isAck accepted a 2-byte frame")
	}
}
