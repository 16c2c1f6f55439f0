package coap

import (
	"errors"

	"github.com/dalbodeule/hop-coap/internal/clock"
	"github.com/dalbodeule/hop-coap/internal/dtls"
	"github.com/dalbodeule/hop-coap/internal/logging"
	"github.com/dalbodeule/hop-coap/internal/netio"
	"github.com/dalbodeule/hop-coap/internal/observability"
)

// startClientDTLS 는 클라이언트 DTLS 환경을 만들고 첫 flight(ClientHello)를 보냅니다.
func (c *Context) startClientDTLS(s *Session, creds *dtls.ClientCredentials) error {
	env, err := c.backend.NewClientEnv(s.transport(), creds)
	if err != nil {
		return err
	}
	s.env = env
	s.state = StateHandshake
	if _, err := env.Handshake(); err != nil {
		s.log.Warn("dtls client handshake start failed", logging.Fields{"error": err.Error()})
		return err
	}
	return nil
}

// acceptDTLS 는 서버 엔드포인트에서 세션이 없는(또는 환경이 없는) 피어의 데이터그램을 처리합니다.
// 쿠키가 유효할 때만 세션과 DTLS 환경을 만듭니다. 그 외에는 어떤 상태도 남기지 않습니다.
func (c *Context) acceptDTLS(ep *Endpoint, s *Session, pkt netio.Packet) {
	reply := dtls.TransportFunc(func(b []byte) (int, error) {
		return c.wire.Send(ep.sock, pkt.Path, b)
	})
	res, err := c.backend.Hello(pkt.Remote.String(), pkt.Data, reply)
	if err != nil {
		c.log.Debug("dtls hello", logging.Fields{"remote": pkt.Remote.String(), "error": err.Error()})
	}
	if res != dtls.HelloAccept {
		if res == dtls.HelloIgnore {
			observability.PacketsDroppedTotal.WithLabelValues("dtls_hello").Inc()
		}
		return
	}

	if s == nil {
		s = c.addServerSession(ep, pkt.Path, nil)
	}
	env, err := c.backend.NewServerEnv(s.transport(), pkt.Remote.String())
	if err != nil {
		s.log.Error("dtls server environment", logging.Fields{"error": err.Error()})
		c.disconnect(s, NackTLSFailed)
		return
	}
	s.env = env
	s.state = StateHandshake
	s.tlsRetries = 0
	c.receiveDTLS(s, pkt.Data)
}

// receiveDTLS 는 암호문 데이터그램 하나를 DTLS 환경에 넘기고 결과에 따라 세션 상태를 바꿉니다.
func (c *Context) receiveDTLS(s *Session, data []byte) {
	if s.env == nil {
		observability.PacketsDroppedTotal.WithLabelValues("no_dtls_env").Inc()
		return
	}
	rcv, err := s.env.Receive(data)
	if s.env != nil && s.env.TakeSeenClientHello() {
		s.log.Debug("client hello retransmitted, handshake already progressed", nil)
	}

	switch {
	case errors.Is(err, dtls.ErrRestart):
		c.restartDTLS(s, data)
		return
	case errors.Is(err, dtls.ErrClosed):
		s.log.Info("dtls session closed by peer", nil)
		c.emit(s, EventTLSClosed)
		c.disconnect(s, NackTLSFailed)
		return
	case err != nil:
		s.log.Warn("dtls failure", logging.Fields{"error": err.Error()})
		c.emit(s, EventTLSError)
		c.disconnect(s, NackTLSFailed)
		return
	}

	if rcv.Connected {
		st := s.env.State()
		fields := logging.Fields{"cipher_suite": st.CipherSuite, "server_name": st.ServerName}
		if st.PSKIdentity != "" {
			fields["psk_identity"] = dtls.MaskIdentity(st.PSKIdentity)
		}
		s.log.Info("dtls established", fields)
		c.emit(s, EventTLSConnected)
		c.established(s)
	}
	for _, d := range rcv.Data {
		if s.closed {
			return
		}
		c.handleDatagram(s, d)
	}
}

// restartDTLS 는 피어가 새 ClientHello 로 핸드셰이크를 다시 시작했을 때 호출됩니다.
// 기존 키 상태와 대기 메시지를 버리고, 같은 세션 객체에서 쿠키 교환부터 다시 합니다.
func (c *Context) restartDTLS(s *Session, data []byte) {
	s.log.Info("dtls peer restarted handshake", nil)
	s.env = nil
	for _, e := range c.queue.removeSession(s) {
		c.nack(s, e.pdu, NackNotDeliverable, e.mid)
	}
	s.state = StateNone
	if s.endpoint == nil {
		c.disconnect(s, NackTLSFailed)
		return
	}
	c.acceptDTLS(s.endpoint, s, netio.Packet{Path: s.path, Data: data})
}

// dtlsTimeouts 는 스케줄러 7단계입니다. 컨텍스트 단위 타이머 백엔드는 한 번만 조회하고,
// 그렇지 않으면 DTLS 세션마다 만료된 핸드셰이크 재전송을 처리합니다.
func (c *Context) dtlsTimeouts(now clock.Tick, fold func(clock.Tick)) {
	if ct, ok := c.backend.(dtls.ContextTimer); ok {
		at, pending := ct.ContextDeadline()
		if !pending {
			return
		}
		if at <= now {
			ct.HandleContextTimeout(now)
			if at, pending = ct.ContextDeadline(); !pending {
				return
			}
		}
		if at > now {
			fold(at - now)
		} else {
			fold(0)
		}
		return
	}

	c.forEachSession(func(s *Session) {
		if s.proto == ProtoDTLS {
			c.handshakeTimeout(s, now, fold)
		}
	})
}

// handshakeTimeout 은 세션 하나의 핸드셰이크 deadline 을 처리합니다.
// 재시도가 MaxRetransmit 을 넘으면 NackTLSFailed 로 끊습니다.
func (c *Context) handshakeTimeout(s *Session, now clock.Tick, fold func(clock.Tick)) {
	for s.env != nil && !s.closed {
		at, pending := s.env.Deadline()
		if !pending {
			return
		}
		if at > now {
			fold(at - now)
			return
		}
		s.tlsRetries++
		if s.tlsRetries > c.cfg.MaxRetransmit {
			s.log.Warn("dtls handshake timed out", logging.Fields{"retries": s.tlsRetries - 1})
			c.emit(s, EventTLSError)
			c.disconnect(s, NackTLSFailed)
			return
		}
		if err := s.env.HandleTimeout(now); err != nil {
			s.log.Warn("dtls retransmit failed", logging.Fields{"error": err.Error()})
			c.emit(s, EventTLSError)
			c.disconnect(s, NackTLSFailed)
			return
		}
	}
}
