// Package coap 는 단일 스레드 tick 루프 위에서 CoAP 세션을 다중화하는 전송 엔진입니다.
//
// Context 하나가 엔드포인트(수신 소켓), 클라이언트 세션, 재전송 큐, DTLS 백엔드를 소유합니다.
// 모든 상태 변경은 RunOnce 를 호출하는 고루틴에서만 일어나며, 잠금을 사용하지 않습니다.
// 다른 고루틴은 Snapshot 으로 읽기 전용 사본만 볼 수 있습니다.
package coap

import (
	"errors"
	"fmt"

	"github.com/dalbodeule/hop-coap/internal/clock"
)

// NoTimeout 은 PrepareIO 가 "대기 중인 deadline 없음" 을 알릴 때 쓰는 값입니다.
// 0 은 "지금 바로 처리할 일이 있음" 이라는 실제 지연값이라 구분합니다.
const NoTimeout = -1

var (
	// ErrSessionClosed 는 이미 끊어졌거나 해제된 세션에 송신하려 할 때입니다.
	ErrSessionClosed = errors.New("coap: session closed")

	// ErrUnsupportedProto 는 이 엔진이 구현하지 않는 전송(TLS over TCP 등)입니다.
	ErrUnsupportedProto = errors.New("coap: unsupported protocol")

	// ErrContextClosed 는 Close 이후 Context 를 사용할 때입니다.
	ErrContextClosed = errors.New("coap: context closed")
)

// Proto 는 세션 전송 종류입니다.
type Proto uint8

const (
	ProtoNone Proto = iota
	ProtoUDP
	ProtoDTLS
	ProtoTCP
	ProtoTLS
)

func (p Proto) String() string {
	switch p {
	case ProtoUDP:
		return "udp"
	case ProtoDTLS:
		return "dtls"
	case ProtoTCP:
		return "tcp"
	case ProtoTLS:
		return "tls"
	default:
		return "none"
	}
}

// Reliable 은 스트림 전송(TCP/TLS)인지 나타냅니다. 재전송 사다리 대신 CSM/ping 을 씁니다.
func (p Proto) Reliable() bool { return p == ProtoTCP || p == ProtoTLS }

// ParseProto 는 설정 문자열을 Proto 로 바꿉니다.
func ParseProto(s string) (Proto, error) {
	switch s {
	case "udp", "coap":
		return ProtoUDP, nil
	case "dtls", "coaps":
		return ProtoDTLS, nil
	case "tcp", "coap+tcp":
		return ProtoTCP, nil
	case "tls", "coaps+tcp":
		return ProtoTLS, nil
	default:
		return ProtoNone, fmt.Errorf("unknown protocol %q", s)
	}
}

// SessionType 은 세션을 만든 쪽입니다.
type SessionType uint8

const (
	SessionClient SessionType = iota + 1
	SessionServer
)

func (t SessionType) String() string {
	if t == SessionServer {
		return "server"
	}
	return "client"
}

// SessionState 는 세션 수명 주기 상태입니다.
type SessionState uint8

const (
	StateNone SessionState = iota
	StateConnecting
	StateHandshake
	StateCSM
	StateEstablished
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshake:
		return "handshake"
	case StateCSM:
		return "csm"
	case StateEstablished:
		return "established"
	default:
		return "none"
	}
}

// NackReason 은 메시지나 세션이 실패한 이유입니다.
type NackReason uint8

const (
	NackTooManyRetries NackReason = iota
	NackNotDeliverable
	NackRST
	NackTLSFailed
	NackICMPIssue
)

func (r NackReason) String() string {
	switch r {
	case NackTooManyRetries:
		return "too_many_retries"
	case NackNotDeliverable:
		return "not_deliverable"
	case NackRST:
		return "rst"
	case NackTLSFailed:
		return "tls_failed"
	case NackICMPIssue:
		return "icmp_issue"
	default:
		return fmt.Sprintf("nack(%d)", uint8(r))
	}
}

// Event 는 세션 연결/종료 알림 종류입니다.
type Event uint8

const (
	EventTLSClosed Event = iota + 1
	EventTLSConnected
	EventTLSError
	EventTCPConnected
	EventTCPClosed
	EventTCPFailed
	EventSessionConnected
	EventSessionClosed
	EventSessionFailed
	EventSessionNew
	EventSessionDeleted
)

var eventNames = map[Event]string{
	EventTLSClosed:        "tls_closed",
	EventTLSConnected:     "tls_connected",
	EventTLSError:         "tls_error",
	EventTCPConnected:     "tcp_connected",
	EventTCPClosed:        "tcp_closed",
	EventTCPFailed:        "tcp_failed",
	EventSessionConnected: "session_connected",
	EventSessionClosed:    "session_closed",
	EventSessionFailed:    "session_failed",
	EventSessionNew:       "session_new",
	EventSessionDeleted:   "session_deleted",
}

func (e Event) String() string {
	if n, ok := eventNames[e]; ok {
		return n
	}
	return fmt.Sprintf("event(%d)", uint8(e))
}

// EventHandler 는 세션 이벤트를 받습니다. 끊김 사유는 Session.DisconnectReason 으로 확인합니다.
type EventHandler interface {
	HandleEvent(s *Session, ev Event)
}

type EventHandlerFunc func(s *Session, ev Event)

func (f EventHandlerFunc) HandleEvent(s *Session, ev Event) { f(s, ev) }

// NackHandler 는 전달에 실패한 메시지를 받습니다. pdu 는 원래 송신한 바이트입니다.
type NackHandler interface {
	HandleNack(s *Session, pdu []byte, reason NackReason, mid uint16)
}

type NackHandlerFunc func(s *Session, pdu []byte, reason NackReason, mid uint16)

func (f NackHandlerFunc) HandleNack(s *Session, pdu []byte, reason NackReason, mid uint16) {
	f(s, pdu, reason, mid)
}

// DatagramHandler 는 복호화/검증이 끝난 CoAP 메시지를 받습니다.
// data 는 호출 동안만 유효합니다. 보관하려면 복사해야 합니다.
type DatagramHandler interface {
	HandleDatagram(s *Session, data []byte)
}

type DatagramHandlerFunc func(s *Session, data []byte)

func (f DatagramHandlerFunc) HandleDatagram(s *Session, data []byte) { f(s, data) }

// PongHandler 는 ping 응답(TCP Pong 신호 또는 UDP CoAP ping 에 대한 RST)을 받습니다.
type PongHandler interface {
	HandlePong(s *Session)
}

type PongHandlerFunc func(s *Session)

func (f PongHandlerFunc) HandlePong(s *Session) { f(s) }

// Notifier 는 tick 마다 한 번 호출되는 observe/notification 트리거입니다.
// 다음에 호출되어야 할 tick 을 돌려주며, pending=false 면 예약된 일이 없습니다.
type Notifier interface {
	Notify(now clock.Tick) (next clock.Tick, pending bool)
}

type NotifierFunc func(now clock.Tick) (clock.Tick, bool)

func (f NotifierFunc) Notify(now clock.Tick) (clock.Tick, bool) { return f(now) }

// Datagram 은 Inbox 에 보관된 수신 메시지입니다.
type Datagram struct {
	Session *Session
	Data    []byte
}

// Inbox 는 수신 메시지를 큐에 쌓아 "다음 메시지 받기" 형태로 꺼내 쓰게 하는 DatagramHandler 입니다.
// tick 루프와 같은 고루틴에서만 사용해야 합니다.
type Inbox struct {
	max     int
	items   []Datagram
	dropped int
}

// NewInbox 는 최대 limit 개를 보관하는 Inbox 를 만듭니다. limit <= 0 이면 제한이 없습니다.
func NewInbox(limit int) *Inbox { return &Inbox{max: limit} }

func (b *Inbox) HandleDatagram(s *Session, data []byte) {
	if b.max > 0 && len(b.items) >= b.max {
		b.dropped++
		return
	}
	b.items = append(b.items, Datagram{Session: s, Data: append([]byte(nil), data...)})
}

// Next 는 가장 오래된 메시지를 꺼냅니다.
func (b *Inbox) Next() (Datagram, bool) {
	if len(b.items) == 0 {
		return Datagram{}, false
	}
	d := b.items[0]
	b.items[0] = Datagram{}
	b.items = b.items[1:]
	return d, true
}

func (b *Inbox) Len() int { return len(b.items) }

// Dropped 는 가득 차서 버린 메시지 수입니다.
func (b *Inbox) Dropped() int { return b.dropped }
