package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxDatagramSize 는 UDP/DTLS 로 받을 수 있는 CoAP 메시지 최대 크기입니다.
const MaxDatagramSize = 64 * 1024

// MaxStreamMessage 는 TCP 스트림에서 허용하는 단일 메시지 최대 크기입니다.
// CSM 의 Max-Message-Size 기본값(1152)보다 넉넉한 값입니다.
const MaxStreamMessage = 1 << 20

const udpHeaderSize = 4

var (
	ErrTruncated  = errors.New("protocol: truncated message")
	ErrBadVersion = errors.New("protocol: unsupported version")
	ErrBadToken   = errors.New("protocol: invalid token length")
	ErrTooLarge   = errors.New("protocol: message too large")
)

// WireCodec 은 CoAP 메시지의 직렬화/역직렬화를 추상화합니다.
// UDP(RFC 7252) 와 TCP(RFC 8323) 헤더는 이 인터페이스 뒤에서 교체됩니다.
type WireCodec interface {
	Encode(w io.Writer, m *Message) error
	Decode(r io.Reader, m *Message) error
}

// datagramCodec 은 RFC 7252 헤더 구현입니다. 한 Write 가 한 데이터그램입니다.
type datagramCodec struct{}

// Encode 는 메시지를 한 번의 Write 로 기록합니다.
// 데이터그램 전송에서는 Write 경계가 메시지 경계이므로 나눠 쓰면 안 됩니다.
func (datagramCodec) Encode(w io.Writer, m *Message) error {
	b, err := MarshalDatagram(m)
	if err != nil {
		return err
	}
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("datagram codec: write: %w", err)
	}
	return nil
}

// Decode 는 Read 한 번으로 데이터그램 하나를 받아 해석합니다.
func (datagramCodec) Decode(r io.Reader, m *Message) error {
	buf := make([]byte, MaxDatagramSize)
	n, err := r.Read(buf)
	if err != nil {
		return fmt.Errorf("datagram codec: read: %w", err)
	}
	return UnmarshalDatagram(buf[:n], m)
}

// streamCodec 은 RFC 8323 의 길이 니블 프레이밍 구현입니다.
type streamCodec struct{}

func (streamCodec) Encode(w io.Writer, m *Message) error {
	b, err := MarshalStream(m)
	if err != nil {
		return err
	}
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("stream codec: write: %w", err)
	}
	return nil
}

// Decode 는 스트림에서 정확히 메시지 하나만큼 읽습니다.
func (streamCodec) Decode(r io.Reader, m *Message) error {
	var first [1]byte
	if _, err := io.ReadFull(r, first[:]); err != nil {
		return fmt.Errorf("stream codec: read header: %w", err)
	}
	ext := extLenSize(first[0] >> 4)
	head := make([]byte, 1+ext+1)
	head[0] = first[0]
	if _, err := io.ReadFull(r, head[1:]); err != nil {
		return fmt.Errorf("stream codec: read header: %w", err)
	}
	total, ok, err := StreamFrameLength(head)
	if err != nil {
		return err
	}
	if !ok {
		return ErrTruncated
	}
	frame := make([]byte, total)
	copy(frame, head)
	if _, err := io.ReadFull(r, frame[len(head):]); err != nil {
		return fmt.Errorf("stream codec: read body: %w", err)
	}
	_, err = UnmarshalStream(frame, m)
	return err
}

var (
	// DatagramCodec 은 UDP/DTLS 세션에서 사용합니다.
	DatagramCodec WireCodec = datagramCodec{}
	// StreamCodec 은 TCP 세션에서 사용합니다.
	StreamCodec WireCodec = streamCodec{}
)

// MarshalDatagram 은 RFC 7252 형식으로 인코딩합니다.
func MarshalDatagram(m *Message) ([]byte, error) {
	if len(m.Token) > MaxTokenLength {
		return nil, ErrBadToken
	}
	out := make([]byte, udpHeaderSize, udpHeaderSize+len(m.Token)+len(m.Body))
	out[0] = Version<<6 | byte(m.Type&0x3)<<4 | byte(len(m.Token))
	out[1] = byte(m.Code)
	binary.BigEndian.PutUint16(out[2:], m.MessageID)
	out = append(out, m.Token...)
	out = append(out, m.Body...)
	if len(out) > MaxDatagramSize {
		return nil, ErrTooLarge
	}
	return out, nil
}

// UnmarshalDatagram 은 RFC 7252 헤더를 해석합니다. Token/Body 는 b 의 하위 슬라이스입니다.
func UnmarshalDatagram(b []byte, m *Message) error {
	if len(b) < udpHeaderSize {
		return ErrTruncated
	}
	if b[0]>>6 != Version {
		return ErrBadVersion
	}
	tkl := int(b[0] & 0x0f)
	if tkl > MaxTokenLength {
		return ErrBadToken
	}
	if len(b) < udpHeaderSize+tkl {
		return ErrTruncated
	}
	m.Type = Type(b[0] >> 4 & 0x3)
	m.Code = Code(b[1])
	m.MessageID = binary.BigEndian.Uint16(b[2:])
	m.Token = b[udpHeaderSize : udpHeaderSize+tkl]
	m.Body = b[udpHeaderSize+tkl:]
	if m.Code == Empty && (tkl != 0 || len(m.Body) != 0) {
		// 빈 메시지는 헤더만 있어야 합니다(RFC 7252 4.1).
		return fmt.Errorf("protocol: empty message with %d trailing bytes", tkl+len(m.Body))
	}
	return nil
}

// PeekDatagram 은 헤더만 빠르게 읽습니다. 재전송 큐가 CON 여부와 MID 를 알 때 사용합니다.
func PeekDatagram(b []byte) (Type, Code, uint16, bool) {
	if len(b) < udpHeaderSize || b[0]>>6 != Version {
		return 0, 0, 0, false
	}
	return Type(b[0] >> 4 & 0x3), Code(b[1]), binary.BigEndian.Uint16(b[2:]), true
}

// 길이 니블 경계값 (RFC 8323 3.2)
const (
	len8Base  = 13
	len16Base = 269
	len32Base = 65805
)

func extLenSize(nibble byte) int {
	switch nibble {
	case 13:
		return 1
	case 14:
		return 2
	case 15:
		return 4
	default:
		return 0
	}
}

// MarshalStream 은 RFC 8323 형식으로 인코딩합니다. Len 은 Body(옵션+payload) 길이입니다.
func MarshalStream(m *Message) ([]byte, error) {
	if len(m.Token) > MaxTokenLength {
		return nil, ErrBadToken
	}
	n := len(m.Body)
	if n > MaxStreamMessage {
		return nil, ErrTooLarge
	}
	out := make([]byte, 0, 6+1+len(m.Token)+n)
	tkl := byte(len(m.Token))
	switch {
	case n < len8Base:
		out = append(out, byte(n)<<4|tkl)
	case n < len16Base:
		out = append(out, 13<<4|tkl, byte(n-len8Base))
	case n < len32Base:
		out = append(out, 14<<4|tkl)
		out = binary.BigEndian.AppendUint16(out, uint16(n-len16Base))
	default:
		out = append(out, 15<<4|tkl)
		out = binary.BigEndian.AppendUint32(out, uint32(n-len32Base))
	}
	out = append(out, byte(m.Code))
	out = append(out, m.Token...)
	out = append(out, m.Body...)
	return out, nil
}

// StreamFrameLength 는 b 앞부분의 프레임 전체 길이를 계산합니다.
// 헤더가 아직 다 오지 않았으면 ok=false 입니다.
func StreamFrameLength(b []byte) (n int, ok bool, err error) {
	if len(b) < 1 {
		return 0, false, nil
	}
	nibble := b[0] >> 4
	tkl := int(b[0] & 0x0f)
	if tkl > MaxTokenLength {
		return 0, false, ErrBadToken
	}
	ext := extLenSize(nibble)
	if len(b) < 1+ext {
		return 0, false, nil
	}
	var bodyLen int
	switch ext {
	case 0:
		bodyLen = int(nibble)
	case 1:
		bodyLen = int(b[1]) + len8Base
	case 2:
		bodyLen = int(binary.BigEndian.Uint16(b[1:])) + len16Base
	case 4:
		v := uint64(binary.BigEndian.Uint32(b[1:])) + len32Base
		if v > MaxStreamMessage {
			return 0, false, ErrTooLarge
		}
		bodyLen = int(v)
	}
	return 1 + ext + 1 + tkl + bodyLen, true, nil
}

// UnmarshalStream 은 b 앞의 프레임 하나를 해석하고 소비한 바이트 수를 돌려줍니다.
// 프레임이 아직 완성되지 않았으면 (0, nil) 입니다.
func UnmarshalStream(b []byte, m *Message) (int, error) {
	total, ok, err := StreamFrameLength(b)
	if err != nil {
		return 0, err
	}
	if !ok || len(b) < total {
		return 0, nil
	}
	ext := extLenSize(b[0] >> 4)
	tkl := int(b[0] & 0x0f)
	codeAt := 1 + ext
	m.Type = NonConfirmable
	m.Code = Code(b[codeAt])
	m.MessageID = 0
	m.Token = b[codeAt+1 : codeAt+1+tkl]
	m.Body = b[codeAt+1+tkl : total]
	return total, nil
}
