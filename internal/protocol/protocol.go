// Package protocol 는 전송 엔진이 직접 다루는 최소한의 CoAP 메시지 헤더를 정의합니다.
//
// 옵션과 payload 는 해석하지 않고 Body 로 그대로 보관합니다(PDU 계층의 몫).
// 엔진은 타입/코드/Message ID/토큰만 보고 ACK/RST 매칭, CoAP ping, 신호 메시지를 처리합니다.
package protocol

import "fmt"

// Version 은 RFC 7252 헤더의 버전 필드 값입니다.
const Version = 1

// MaxTokenLength 는 토큰의 최대 길이입니다(RFC 7252 3, RFC 8974 이전 범위).
const MaxTokenLength = 8

// Type 은 UDP/DTLS 헤더의 메시지 타입입니다. TCP/TLS 메시지에는 의미가 없습니다.
type Type uint8

const (
	Confirmable     Type = 0
	NonConfirmable  Type = 1
	Acknowledgement Type = 2
	Reset           Type = 3
)

func (t Type) String() string {
	switch t {
	case Confirmable:
		return "CON"
	case NonConfirmable:
		return "NON"
	case Acknowledgement:
		return "ACK"
	case Reset:
		return "RST"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// Code 는 class.detail 형식의 메시지 코드입니다(상위 3비트 class, 하위 5비트 detail).
type Code uint8

// NewCode 는 class.detail 로 Code 를 만듭니다.
func NewCode(class, detail uint8) Code { return Code(class<<5 | detail&0x1f) }

func (c Code) Class() uint8  { return uint8(c) >> 5 }
func (c Code) Detail() uint8 { return uint8(c) & 0x1f }

func (c Code) String() string { return fmt.Sprintf("%d.%02d", c.Class(), c.Detail()) }

const (
	Empty Code = 0

	// 신호 메시지 (RFC 8323 5)
	CSM     Code = 7<<5 | 1
	Ping    Code = 7<<5 | 2
	Pong    Code = 7<<5 | 3
	Release Code = 7<<5 | 4
	Abort   Code = 7<<5 | 5
)

// IsSignal 은 7.xx 신호 코드인지 확인합니다.
func (c Code) IsSignal() bool { return c.Class() == 7 }

// IsRequest 는 0.01~0.31 요청 코드인지 확인합니다.
func (c Code) IsRequest() bool { return c.Class() == 0 && c != Empty }

// Message 는 엔진이 해석하는 CoAP 메시지입니다.
type Message struct {
	Type      Type
	Code      Code
	MessageID uint16
	Token     []byte

	// Body 는 토큰 뒤의 옵션, payload marker, payload 를 해석 없이 담습니다.
	Body []byte
}

// IsEmpty 는 코드 0.00 이고 토큰/본문이 없는 메시지입니다(ACK/RST/CoAP ping).
func (m *Message) IsEmpty() bool { return m.Code == Empty }

func (m *Message) String() string {
	return fmt.Sprintf("%s %s mid=%d tkl=%d body=%d", m.Type, m.Code, m.MessageID, len(m.Token), len(m.Body))
}

// EmptyAck 는 mid 에 대한 빈 ACK 를 만듭니다.
func EmptyAck(mid uint16) *Message {
	return &Message{Type: Acknowledgement, Code: Empty, MessageID: mid}
}

// EmptyReset 은 mid 에 대한 RST 를 만듭니다.
func EmptyReset(mid uint16) *Message {
	return &Message{Type: Reset, Code: Empty, MessageID: mid}
}

// CoAPPing 은 UDP 세션의 CoAP ping(빈 CON)입니다. 상대는 RST 로 응답합니다.
func CoAPPing(mid uint16) *Message {
	return &Message{Type: Confirmable, Code: Empty, MessageID: mid}
}

// Signal 은 TCP 세션용 신호 메시지를 만듭니다.
func Signal(code Code, token []byte, body []byte) *Message {
	return &Message{Code: code, Token: token, Body: body}
}
