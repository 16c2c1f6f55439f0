package protocol

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

// mockDatagramConn simulates a datagram-based connection (like DTLS over UDP)
// where each Write sends a separate message and each Read receives a complete message.
type mockDatagramConn struct {
	messages [][]byte
	readIdx  int
}

func newMockDatagramConn() *mockDatagramConn {
	return &mockDatagramConn{
		messages: make([][]byte, 0),
	}
}

func (m *mockDatagramConn) Write(p []byte) (n int, err error) {
	msg := make([]byte, len(p))
	copy(msg, p)
	m.messages = append(m.messages, msg)
	return len(p), nil
}

func (m *mockDatagramConn) Read(p []byte) (n int, err error) {
	if m.readIdx >= len(m.messages) {
		return 0, io.EOF
	}
	msg := m.messages[m.readIdx]
	m.readIdx++
	if len(p) < len(msg) {
		return 0, io.ErrShortBuffer
	}
	copy(p, msg)
	return len(msg), nil
}

// TestDatagramCodecSingleWrite checks that one message is exactly one Write,
// so message boundaries survive a datagram transport.
func TestDatagramCodecSingleWrite(t *testing.T) {
	conn := newMockDatagramConn()
	msg := &Message{
		Type:      Confirmable,
		Code:      NewCode(0, 1),
		MessageID: 0x1234,
		Token:     []byte{0xde, 0xad},
		Body:      []byte{0xb4, 't', 'e', 's', 't'},
	}

	if err := DatagramCodec.Encode(conn, msg); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(conn.messages) != 1 {
		t.Fatalf("got %d writes, want 1", len(conn.messages))
	}
	raw := conn.messages[0]
	if raw[0] != 0x42 {
		t.Errorf("first byte: got %#x, want 0x42", raw[0])
	}
	if raw[2] != 0x12 || raw[3] != 0x34 {
		t.Errorf("message id bytes: got %x", raw[2:4])
	}

	var got Message
	if err := DatagramCodec.Decode(conn, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != Confirmable || got.Code != msg.Code || got.MessageID != 0x1234 {
		t.Errorf("header: got %s, want %s", &got, msg)
	}
	if !bytes.Equal(got.Token, msg.Token) || !bytes.Equal(got.Body, msg.Body) {
		t.Errorf("token/body mismatch: got %x/%x", got.Token, got.Body)
	}
}

func TestDatagramCodecMultipleMessages(t *testing.T) {
	conn := newMockDatagramConn()
	for i := 0; i < 3; i++ {
		if err := DatagramCodec.Encode(conn, &Message{Type: NonConfirmable, Code: NewCode(2, 5), MessageID: uint16(i)}); err != nil {
			t.Fatalf("encode %d: %v", i, err)
		}
	}
	for i := 0; i < 3; i++ {
		var m Message
		if err := DatagramCodec.Decode(conn, &m); err != nil {
			t.Fatalf("decode %d: %v", i, err)
		}
		if m.MessageID != uint16(i) {
			t.Errorf("message %d: got mid %d", i, m.MessageID)
		}
	}
	var m Message
	if err := DatagramCodec.Decode(conn, &m); !errors.Is(err, io.EOF) {
		t.Fatalf("decode past end: got %v, want io.EOF", err)
	}
}

func TestUnmarshalDatagramErrors(t *testing.T) {
	cases := []struct {
		name string
		in   []byte
		want error
	}{
		{"short", []byte{0x40, 0x00}, ErrTruncated},
		{"version", []byte{0x80, 0x01, 0x00, 0x01}, ErrBadVersion},
		{"tkl 9", []byte{0x49, 0x01, 0x00, 0x01}, ErrBadToken},
		{"token cut", []byte{0x44, 0x01, 0x00, 0x01, 0xaa}, ErrTruncated},
	}
	for _, tc := range cases {
		var m Message
		if err := UnmarshalDatagram(tc.in, &m); !errors.Is(err, tc.want) {
			t.Errorf("%s: got %v, want %v", tc.name, err, tc.want)
		}
	}

	var m Message
	if err := UnmarshalDatagram([]byte{0x40, 0x00, 0x00, 0x01, 0xff}, &m); err == nil {
		t.Errorf("empty message with payload: expected error")
	}
}

func TestEmptyMessages(t *testing.T) {
	raw, err := MarshalDatagram(EmptyReset(7))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if want := []byte{0x70, 0x00, 0x00, 0x07}; !bytes.Equal(raw, want) {
		t.Fatalf("reset: got %x, want %x", raw, want)
	}

	typ, code, mid, ok := PeekDatagram(raw)
	if !ok || typ != Reset || code != Empty || mid != 7 {
		t.Fatalf("peek: got %s %s %d %v", typ, code, mid, ok)
	}

	ping, _ := MarshalDatagram(CoAPPing(9))
	var m Message
	if err := UnmarshalDatagram(ping, &m); err != nil {
		t.Fatalf("unmarshal ping: %v", err)
	}
	if !m.IsEmpty() || m.Type != Confirmable {
		t.Errorf("ping: got %s", &m)
	}
}

func TestStreamLengthNibble(t *testing.T) {
	cases := []struct {
		bodyLen int
		header  int // length nibble byte + extended length
	}{
		{0, 1},
		{12, 1},
		{13, 2},
		{268, 2},
		{269, 3},
		{65804, 3},
		{65805, 5},
	}
	for _, tc := range cases {
		m := Signal(CSM, []byte{1, 2}, make([]byte, tc.bodyLen))
		raw, err := MarshalStream(m)
		if err != nil {
			t.Fatalf("len %d: marshal: %v", tc.bodyLen, err)
		}
		if want := tc.header + 1 + 2 + tc.bodyLen; len(raw) != want {
			t.Errorf("len %d: frame size got %d, want %d", tc.bodyLen, len(raw), want)
		}
		n, ok, err := StreamFrameLength(raw[:tc.header])
		if err != nil || !ok || n != len(raw) {
			t.Errorf("len %d: frame length got (%d, %v, %v), want %d", tc.bodyLen, n, ok, err, len(raw))
		}

		var got Message
		used, err := UnmarshalStream(raw, &got)
		if err != nil || used != len(raw) {
			t.Fatalf("len %d: unmarshal got (%d, %v)", tc.bodyLen, used, err)
		}
		if got.Code != CSM || len(got.Body) != tc.bodyLen || !bytes.Equal(got.Token, []byte{1, 2}) {
			t.Errorf("len %d: got %s", tc.bodyLen, &got)
		}
	}
}

func TestUnmarshalStreamPartial(t *testing.T) {
	raw, _ := MarshalStream(Signal(Ping, []byte{0xaa}, []byte("abcdefghijklmnop")))
	for cut := 0; cut < len(raw); cut++ {
		var m Message
		n, err := UnmarshalStream(raw[:cut], &m)
		if err != nil || n != 0 {
			t.Fatalf("cut %d: got (%d, %v), want incomplete", cut, n, err)
		}
	}
}

// TestStreamCodecBackToBack reads two frames written back to back on one stream.
func TestStreamCodecBackToBack(t *testing.T) {
	var buf bytes.Buffer
	if err := StreamCodec.Encode(&buf, Signal(Ping, nil, nil)); err != nil {
		t.Fatalf("encode ping: %v", err)
	}
	if err := StreamCodec.Encode(&buf, Signal(Pong, []byte{7}, []byte("x"))); err != nil {
		t.Fatalf("encode pong: %v", err)
	}

	var a, b Message
	if err := StreamCodec.Decode(&buf, &a); err != nil {
		t.Fatalf("decode ping: %v", err)
	}
	if err := StreamCodec.Decode(&buf, &b); err != nil {
		t.Fatalf("decode pong: %v", err)
	}
	if a.Code != Ping || b.Code != Pong || !bytes.Equal(b.Body, []byte("x")) {
		t.Fatalf("got %s / %s", &a, &b)
	}
	if buf.Len() != 0 {
		t.Fatalf("leftover bytes: %d", buf.Len())
	}
}

func TestCodeString(t *testing.T) {
	if got := CSM.String(); got != "7.01" {
		t.Errorf("CSM: got %q", got)
	}
	if got := NewCode(4, 4).String(); got != "4.04" {
		t.Errorf("4.04: got %q", got)
	}
	if !Pong.IsSignal() || NewCode(0, 1).IsSignal() {
		t.Errorf("IsSignal mismatch")
	}
}
