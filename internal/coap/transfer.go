package coap

import (
	"errors"
	"io"

	"github.com/dalbodeule/hop-coap/internal/clock"
	"github.com/dalbodeule/hop-coap/internal/logging"
	"github.com/dalbodeule/hop-coap/internal/netio"
	"github.com/dalbodeule/hop-coap/internal/observability"
	"github.com/dalbodeule/hop-coap/internal/protocol"
)

// csmBody 는 기본 CSM 옵션입니다: Max-Message-Size(2) = 1152.
var csmBody = []byte{0x22, 0x04, 0x80}

// sendPDU 는 수립된 세션으로 메시지 하나를 보내고, UDP/DTLS CON 이면 재전송 큐에 넣습니다.
func (c *Context) sendPDU(s *Session, pdu []byte) (int, error) {
	n, err := s.write(pdu)
	if err != nil {
		if errors.Is(err, netio.ErrUnreachable) {
			c.disconnect(s, NackICMPIssue)
		}
		return 0, err
	}
	if s.proto.Reliable() {
		return n, nil
	}

	typ, _, mid, ok := protocol.PeekDatagram(pdu)
	if !ok || typ != protocol.Confirmable {
		return n, nil
	}
	timeout := c.initialTimeout()
	c.queue.push(&queued{
		session:  s,
		pdu:      append([]byte(nil), pdu...),
		mid:      mid,
		timeout:  timeout,
		deadline: c.clk.Now() + timeout,
	})
	return n, nil
}

// initialTimeout 은 ACK_TIMEOUT 과 ACK_TIMEOUT*ACK_RANDOM_FACTOR 사이의 임의 값입니다(RFC 7252 4.2).
func (c *Context) initialTimeout() clock.Tick {
	f := 1 + c.rng.Float64()*(c.cfg.AckRandomFactor-1)
	t := clock.Tick(float64(c.ackTicks) * f)
	if t == 0 {
		t = 1
	}
	return t
}

// retransmit 은 만료된 큐 항목을 처리합니다. MaxRetransmit 번 보낸 뒤에는 실패로 끝냅니다.
func (c *Context) retransmit(e *queued, now clock.Tick) {
	s := e.session
	if s.closed {
		c.nack(s, e.pdu, NackNotDeliverable, e.mid)
		return
	}
	if e.retransmits >= c.cfg.MaxRetransmit {
		s.log.Warn("message failed: too many retransmissions", logging.Fields{
			"mid":         e.mid,
			"retransmits": e.retransmits,
		})
		c.nack(s, e.pdu, NackTooManyRetries, e.mid)
		return
	}

	e.retransmits++
	e.timeout *= 2
	e.deadline = now + e.timeout
	observability.RetransmissionsTotal.Inc()
	s.log.Debug("retransmit", logging.Fields{"mid": e.mid, "count": e.retransmits})

	if _, err := s.write(e.pdu); err != nil {
		if errors.Is(err, netio.ErrUnreachable) {
			c.nack(s, e.pdu, NackICMPIssue, e.mid)
			c.disconnect(s, NackICMPIssue)
			return
		}
		s.log.Warn("retransmit failed", logging.Fields{"mid": e.mid, "error": err.Error()})
	}
	c.queue.push(e)
}

// handleDatagram 은 UDP/DTLS 세션에서 받은 평문 메시지를 처리합니다.
// ACK/RST 는 재전송 큐와 매칭하고, 빈 CON(CoAP ping)에는 RST 로 답합니다.
func (c *Context) handleDatagram(s *Session, data []byte) {
	typ, code, mid, ok := protocol.PeekDatagram(data)
	if !ok {
		observability.PacketsDroppedTotal.WithLabelValues("malformed").Inc()
		s.log.Debug("drop malformed datagram", logging.Fields{"bytes": len(data)})
		return
	}

	switch {
	case typ == protocol.Acknowledgement:
		c.queue.removeMID(s, mid)
		if code == protocol.Empty {
			return
		}
	case typ == protocol.Reset:
		e := c.queue.removeMID(s, mid)
		if e == nil {
			return
		}
		if pt, pc, _, _ := protocol.PeekDatagram(e.pdu); pt == protocol.Confirmable && pc == protocol.Empty {
			c.pong(s)
			return
		}
		c.nack(s, e.pdu, NackRST, mid)
		return
	case typ == protocol.Confirmable && code == protocol.Empty:
		rst, _ := protocol.MarshalDatagram(protocol.EmptyReset(mid))
		if _, err := s.write(rst); err != nil {
			s.log.Debug("ping reply failed", logging.Fields{"error": err.Error()})
		}
		return
	case code == protocol.Empty:
		// 빈 NON 은 의미가 없습니다(RFC 7252 4.3).
		return
	}

	if c.cfg.Datagrams != nil {
		c.cfg.Datagrams.HandleDatagram(s, data)
	}
}

func (c *Context) pong(s *Session) {
	s.lastPong = c.clk.Now()
	s.pingOutstanding = false
	s.missedPongs = 0
	if c.cfg.Pongs != nil {
		c.cfg.Pongs.HandlePong(s)
	}
}

// receiveStream 은 TCP 바이트를 세션 버퍼에 쌓고 완성된 프레임을 처리합니다.
func (c *Context) receiveStream(s *Session, data []byte) {
	s.rx = append(s.rx, data...)
	off := 0
	for !s.closed {
		var m protocol.Message
		n, err := protocol.UnmarshalStream(s.rx[off:], &m)
		if err != nil {
			s.log.Warn("bad stream frame", logging.Fields{"error": err.Error()})
			c.sendSignal(s, protocol.Abort)
			c.disconnect(s, NackNotDeliverable)
			return
		}
		if n == 0 {
			break
		}
		frame := s.rx[off : off+n]
		off += n
		c.handleStream(s, &m, frame)
	}
	if s.closed {
		return
	}
	s.rx = append(s.rx[:0], s.rx[off:]...)
}

func (c *Context) handleStream(s *Session, m *protocol.Message, frame []byte) {
	switch m.Code {
	case protocol.CSM:
		if s.state == StateCSM {
			c.established(s)
		}
	case protocol.Ping:
		pong, _ := protocol.MarshalStream(protocol.Signal(protocol.Pong, m.Token, nil))
		if _, err := s.writeStream(pong); err != nil {
			s.log.Debug("pong failed", logging.Fields{"error": err.Error()})
		}
	case protocol.Pong:
		c.pong(s)
	case protocol.Release, protocol.Abort:
		s.log.Info("peer released session", logging.Fields{"code": m.Code.String()})
		c.emit(s, EventTCPClosed)
		c.disconnect(s, NackNotDeliverable)
	default:
		if s.state != StateEstablished {
			// CSM 이전의 일반 메시지는 버립니다(RFC 8323 5.3.1).
			observability.PacketsDroppedTotal.WithLabelValues("before_csm").Inc()
			return
		}
		if c.cfg.Datagrams != nil {
			c.cfg.Datagrams.HandleDatagram(s, frame)
		}
	}
}

func (c *Context) sendSignal(s *Session, code protocol.Code) error {
	raw, err := protocol.MarshalStream(protocol.Signal(code, nil, nil))
	if err != nil {
		return err
	}
	_, err = s.writeStream(raw)
	return err
}

// streamConnected 는 TCP 연결이 수립되었을 때 CSM 을 보내고 CSM 대기 상태로 들어갑니다.
func (c *Context) streamConnected(s *Session) {
	c.emit(s, EventTCPConnected)
	s.state = StateCSM
	s.csmTX = c.clk.Now()
	if local, err := s.sock.LocalAddr(); err == nil {
		s.path.Local = local
	}
	raw, _ := protocol.MarshalStream(protocol.Signal(protocol.CSM, nil, csmBody))
	if _, err := s.writeStream(raw); err != nil {
		s.log.Warn("send csm failed", logging.Fields{"error": err.Error()})
		c.emit(s, EventTCPFailed)
		c.disconnect(s, NackNotDeliverable)
	}
}

// readSession 은 세션 전용 소켓에서 한 번 읽습니다.
func (c *Context) readSession(s *Session, now clock.Tick) {
	pkt, err := c.wire.Read(s.sock, c.buf)
	switch {
	case errors.Is(err, io.EOF):
		c.emit(s, EventTCPClosed)
		c.disconnect(s, NackNotDeliverable)
		return
	case errors.Is(err, netio.ErrUnreachable):
		if s.proto.Reliable() {
			c.emit(s, EventTCPFailed)
		}
		c.disconnect(s, NackICMPIssue)
		return
	case err != nil:
		s.log.Warn("session read failed", logging.Fields{"error": err.Error()})
		return
	}
	if len(pkt.Data) == 0 {
		return
	}
	c.receive(s, pkt.Data, now)
}

// receive 는 세션 전송 방식에 맞게 받은 바이트를 넘깁니다.
func (c *Context) receive(s *Session, data []byte, now clock.Tick) {
	s.lastRxTx = now
	switch s.proto {
	case ProtoDTLS:
		c.receiveDTLS(s, data)
	case ProtoTCP:
		c.receiveStream(s, data)
	default:
		c.handleDatagram(s, data)
	}
}

// sendPing 은 TCP Ping 신호를 보냅니다.
func (c *Context) sendPing(s *Session) error {
	return c.sendSignal(s, protocol.Ping)
}
