package coap

import (
	"fmt"
	"net/netip"

	"github.com/google/uuid"

	"github.com/dalbodeule/hop-coap/internal/clock"
	"github.com/dalbodeule/hop-coap/internal/dtls"
	"github.com/dalbodeule/hop-coap/internal/logging"
	"github.com/dalbodeule/hop-coap/internal/netio"
	"github.com/dalbodeule/hop-coap/internal/observability"
	"github.com/dalbodeule/hop-coap/internal/protocol"
)

// Session 은 피어 하나와의 연결(주소 쌍, 전송 종류, 타이머, 선택적 DTLS 환경)입니다.
// 모든 메서드는 tick 루프 고루틴에서만 호출해야 합니다.
type Session struct {
	ID uuid.UUID

	ctx      *Context
	endpoint *Endpoint // 클라이언트 세션은 nil
	proto    Proto
	typ      SessionType
	state    SessionState
	path     netio.Path
	sock     *netio.Socket // 세션 전용 소켓(클라이언트, 수락된 TCP). 없으면 엔드포인트 소켓 사용
	log      logging.Logger

	ref      int
	lastRxTx clock.Tick

	lastPing        clock.Tick
	lastPong        clock.Tick
	pingOutstanding bool
	missedPongs     int
	csmTX           clock.Tick

	tlsRetries int
	env        dtls.Env

	delay [][]byte // 연결 수립 전에 요청된 송신

	rx []byte // 스트림 수신 버퍼
	tx []byte // 스트림 부분 쓰기 잔여분

	nextMID uint16

	closed    bool
	reason    NackReason
	hasReason bool
	freed     bool
}

func (c *Context) newSession(ep *Endpoint, proto Proto, typ SessionType, path netio.Path, sock *netio.Socket) *Session {
	s := &Session{
		ID:       uuid.New(),
		ctx:      c,
		endpoint: ep,
		proto:    proto,
		typ:      typ,
		path:     path,
		sock:     sock,
		lastRxTx: c.clk.Now(),
		nextMID:  uint16(c.rng.Uint32()),
	}
	s.log = c.log.With(logging.Fields{
		"session": s.ID.String(),
		"proto":   proto.String(),
		"remote":  path.Remote.String(),
	})
	observability.SessionsActive.WithLabelValues(proto.String()).Inc()
	return s
}

func (s *Session) Proto() Proto           { return s.proto }
func (s *Session) Type() SessionType      { return s.typ }
func (s *Session) State() SessionState    { return s.state }
func (s *Session) Remote() netip.AddrPort { return s.path.Remote }
func (s *Session) Local() netip.AddrPort  { return s.path.Local }
func (s *Session) Refs() int              { return s.ref }

// LastActivity 는 마지막으로 송수신한 tick 입니다.
func (s *Session) LastActivity() clock.Tick { return s.lastRxTx }

// DisconnectReason 은 세션이 끊긴 이유입니다. 아직 끊기지 않았으면 ok=false.
func (s *Session) DisconnectReason() (NackReason, bool) { return s.reason, s.hasReason }

// TLSState 는 DTLS 협상 결과입니다. DTLS 세션이 아니면 빈 값입니다.
func (s *Session) TLSState() dtls.ConnectionState {
	if s.env == nil {
		return dtls.ConnectionState{}
	}
	return s.env.State()
}

// Reference 는 애플리케이션이 세션을 붙잡고 있음을 표시합니다. 참조가 있으면 GC 되지 않습니다.
func (s *Session) Reference() *Session {
	s.ref++
	return s
}

// Release 는 참조를 하나 놓습니다. 클라이언트 세션은 참조가 0 이 되면 즉시 해제됩니다.
// 서버 세션은 스케줄러의 idle GC 가 회수합니다.
func (s *Session) Release() {
	if s.ref > 0 {
		s.ref--
	}
	if s.ref == 0 && s.typ == SessionClient {
		s.ctx.freeSession(s)
	}
}

// NewMessageID 는 이 세션에서 쓸 다음 Message ID 입니다.
func (s *Session) NewMessageID() uint16 {
	s.nextMID++
	return s.nextMID
}

func (s *Session) ready() bool { return s.state == StateEstablished }

// Send 는 인코딩된 CoAP 메시지를 보냅니다.
// 연결이 아직 수립되지 않았으면 지연 큐에 보관했다가 수립 시점에 보냅니다.
// UDP/DTLS 의 CON 메시지는 ACK 가 올 때까지 재전송 큐에 들어갑니다.
func (s *Session) Send(pdu []byte) (int, error) {
	if s.closed || s.freed {
		return 0, ErrSessionClosed
	}
	if !s.ready() {
		s.delay = append(s.delay, append([]byte(nil), pdu...))
		return len(pdu), nil
	}
	return s.ctx.sendPDU(s, pdu)
}

// SendMessage 는 세션 전송에 맞는 헤더로 m 을 인코딩해 보냅니다.
// MessageID 가 0 인 UDP/DTLS 메시지에는 새 ID 를 할당합니다.
func (s *Session) SendMessage(m *protocol.Message) (uint16, error) {
	var (
		raw []byte
		err error
	)
	if s.proto.Reliable() {
		raw, err = protocol.MarshalStream(m)
	} else {
		if m.MessageID == 0 {
			m.MessageID = s.NewMessageID()
		}
		raw, err = protocol.MarshalDatagram(m)
	}
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", m, err)
	}
	if _, err := s.Send(raw); err != nil {
		return 0, err
	}
	return m.MessageID, nil
}

func (s *Session) socket() *netio.Socket {
	if s.sock != nil {
		return s.sock
	}
	if s.endpoint != nil {
		return s.endpoint.sock
	}
	return nil
}

// writeRaw 는 암호화 없이 소켓으로 보냅니다. DTLS 환경의 Transport 이기도 합니다.
func (s *Session) writeRaw(b []byte) (int, error) {
	if s.freed {
		return 0, ErrSessionClosed
	}
	n, err := s.ctx.wire.Send(s.socket(), s.path, b)
	if err == nil {
		s.lastRxTx = s.ctx.clk.Now()
	}
	return n, err
}

// write 는 세션 전송 방식(평문, DTLS, 스트림)에 맞춰 한 메시지를 보냅니다.
func (s *Session) write(pdu []byte) (int, error) {
	switch s.proto {
	case ProtoDTLS:
		if s.env == nil {
			return 0, ErrSessionClosed
		}
		return s.env.Send(pdu)
	case ProtoTCP:
		return s.writeStream(pdu)
	default:
		return s.writeRaw(pdu)
	}
}

// writeStream 은 부분 쓰기를 tx 버퍼에 남기고 WantWrite 를 켭니다.
func (s *Session) writeStream(b []byte) (int, error) {
	if len(s.tx) > 0 {
		s.tx = append(s.tx, b...)
		return len(b), nil
	}
	n, err := s.writeRaw(b)
	if err != nil {
		return 0, err
	}
	if n < len(b) {
		s.tx = append(s.tx, b[n:]...)
		if sock := s.socket(); sock != nil {
			sock.Want(netio.WantWrite)
		}
	}
	return len(b), nil
}

// flush 는 CanWrite 가 된 스트림 소켓에 남은 데이터를 씁니다.
func (s *Session) flush() error {
	sock := s.socket()
	if sock != nil {
		sock.Flags &^= netio.CanWrite
	}
	if len(s.tx) == 0 {
		if sock != nil {
			sock.Unwant(netio.WantWrite)
		}
		return nil
	}
	n, err := s.writeRaw(s.tx)
	if err != nil {
		return err
	}
	s.tx = s.tx[n:]
	if len(s.tx) == 0 {
		s.tx = nil
		if sock != nil {
			sock.Unwant(netio.WantWrite)
		}
	}
	return nil
}

// reclaimable 은 idle GC 조건입니다: 서버 세션, 참조 없음, 지연 큐 비어 있음,
// 그리고 session timeout 을 넘겼거나 이미 끊어진 상태.
func (s *Session) reclaimable(now, timeout clock.Tick) bool {
	if s.typ != SessionServer || s.ref > 0 || len(s.delay) > 0 {
		return false
	}
	return s.state == StateNone || s.lastRxTx+timeout <= now
}

func (s *Session) transport() dtls.Transport { return dtls.TransportFunc(s.writeRaw) }
