package coap

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net/netip"
	"slices"
	"sync/atomic"

	"github.com/dalbodeule/hop-coap/internal/clock"
	"github.com/dalbodeule/hop-coap/internal/dtls"
	"github.com/dalbodeule/hop-coap/internal/logging"
	"github.com/dalbodeule/hop-coap/internal/netio"
	"github.com/dalbodeule/hop-coap/internal/observability"
	"github.com/dalbodeule/hop-coap/internal/protocol"
)

// wire 는 세션이 사용하는 송수신 primitive 입니다. 운영에서는 *netio.IO 입니다.
type wire interface {
	Send(s *netio.Socket, path netio.Path, data []byte) (int, error)
	Read(s *netio.Socket, buf []byte) (netio.Packet, error)
}

// Context 는 엔드포인트, 클라이언트 세션, 재전송 큐, DTLS 백엔드를 소유합니다.
type Context struct {
	cfg     Config
	clk     clock.Clock
	log     logging.Logger
	backend dtls.Backend

	io     *netio.IO
	wire   wire
	poller netio.Poller
	watch  *netio.WatchSet
	buf    []byte

	dialUDP func(local, remote netip.AddrPort) (*netio.Socket, error)

	endpoints []*Endpoint
	clients   []*Session
	queue     sendQueue
	rng       *rand.Rand

	ackTicks  clock.Tick
	idleTicks clock.Tick
	pingTicks clock.Tick
	csmTicks  clock.Tick

	closed   bool
	snapshot atomic.Pointer[Snapshot]
}

// New 는 Context 를 생성합니다.
func New(cfg Config) (*Context, error) {
	cfg.setDefaults()

	c := &Context{
		cfg:     cfg,
		clk:     cfg.Clock,
		log:     cfg.Logger.With(logging.Fields{"component": "coap"}),
		backend: cfg.Backend,
		watch:   netio.NewWatchSet(cfg.MaxSockets),
		buf:     make([]byte, cfg.ReadBufferSize),
	}

	seed := cfg.RandSeed
	if seed == 0 {
		seed = rand.Uint64()
	}
	c.rng = rand.New(rand.NewPCG(seed, seed^0x5851f42d4c957f2d))

	c.io = netio.NewIO(cfg.Logger)
	c.io.Dropped = func(int) {
		observability.PacketsDroppedTotal.WithLabelValues("loss_policy").Inc()
	}
	if err := c.io.Loss.Configure(cfg.PacketLoss); err != nil {
		return nil, err
	}
	c.wire = c.io
	c.dialUDP = netio.DialUDP

	rate := c.clk.Rate()
	c.ackTicks = clock.Ticks(rate, cfg.AckTimeout)
	if c.ackTicks == 0 {
		c.ackTicks = 1
	}
	c.idleTicks = clock.Ticks(rate, cfg.SessionTimeout)
	c.pingTicks = clock.Ticks(rate, cfg.PingInterval)
	c.csmTicks = clock.Ticks(rate, cfg.CSMTimeout)

	c.log.Info("coap context created", logging.Fields{
		"dtls_backend":   c.backend.Name(),
		"max_retransmit": cfg.MaxRetransmit,
		"ack_timeout":    cfg.AckTimeout.String(),
	})
	c.publishSnapshot()
	return c, nil
}

// SetPacketLoss 는 테스트용 송신 손실 정책을 바꿉니다. 송신 카운터가 초기화됩니다.
func (c *Context) SetPacketLoss(expr string) error { return c.io.Loss.Configure(expr) }

// PacketLoss 는 손실 정책에 직접 접근합니다(SetIntervals, Seed 등).
func (c *Context) PacketLoss() *netio.LossPolicy { return c.io.Loss }

func (c *Context) Backend() dtls.Backend { return c.backend }

func (c *Context) Clock() clock.Clock { return c.clk }

// Endpoint 는 수신 소켓 하나와 그 소켓에서 만들어진 서버 세션들입니다.
type Endpoint struct {
	ctx      *Context
	proto    Proto
	sock     *netio.Socket
	local    netip.AddrPort
	sessions map[pathKey]*Session
}

type pathKey struct {
	local, remote netip.AddrPort
}

func (e *Endpoint) Proto() Proto { return e.proto }

// LocalAddr 는 실제 bind 된 주소입니다(포트 0 으로 bind 한 경우 포함).
func (e *Endpoint) LocalAddr() netip.AddrPort { return e.local }

// Sessions 는 엔드포인트 세션 수입니다.
func (e *Endpoint) Sessions() int { return len(e.sessions) }

// JoinGroup 은 UDP 엔드포인트를 multicast 그룹에 가입시킵니다.
func (e *Endpoint) JoinGroup(group netip.Addr, ifindex int) error {
	if e.proto != ProtoUDP {
		return fmt.Errorf("join %s: %w: multicast on %s", group, ErrUnsupportedProto, e.proto)
	}
	if err := e.sock.JoinGroup(group, ifindex); err != nil {
		return err
	}
	e.ctx.log.Info("joined multicast group", logging.Fields{"group": group.String(), "ifindex": ifindex})
	return nil
}

// Listen 은 proto 용 수신 엔드포인트를 만듭니다. 실패하면 만들던 소켓을 닫고 에러를 돌려줍니다.
func (c *Context) Listen(proto Proto, local netip.AddrPort) (*Endpoint, error) {
	if c.closed {
		return nil, ErrContextClosed
	}
	var (
		sock *netio.Socket
		err  error
	)
	switch proto {
	case ProtoUDP:
		sock, err = netio.ListenUDP(local)
	case ProtoDTLS:
		if !dtls.Available(c.backend) {
			return nil, fmt.Errorf("listen dtls %s: %w", local, dtls.ErrDisabled)
		}
		sock, err = netio.ListenUDP(local)
	case ProtoTCP:
		sock, err = netio.ListenTCP(local, 0)
	default:
		return nil, fmt.Errorf("listen %s %s: %w", proto, local, ErrUnsupportedProto)
	}
	if err != nil {
		c.log.Error("listen failed", logging.Fields{"proto": proto.String(), "addr": local.String(), "error": err.Error()})
		return nil, err
	}

	bound, err := sock.LocalAddr()
	if err != nil {
		_ = sock.Close()
		return nil, err
	}
	ep := &Endpoint{ctx: c, proto: proto, sock: sock, local: bound, sessions: make(map[pathKey]*Session)}
	c.endpoints = append(c.endpoints, ep)
	c.log.Info("coap endpoint listening", logging.Fields{"proto": proto.String(), "addr": bound.String()})
	return ep, nil
}

// Dial 은 클라이언트 세션을 만듭니다. 반환된 세션은 참조 1 을 가지며, 다 쓰면 Release 해야 합니다.
// creds 는 DTLS 에서만 사용합니다. nil 이면 검증 없는 PKI 로 동작합니다.
func (c *Context) Dial(proto Proto, remote netip.AddrPort, creds *dtls.ClientCredentials) (*Session, error) {
	if c.closed {
		return nil, ErrContextClosed
	}
	switch proto {
	case ProtoUDP, ProtoDTLS:
		if proto == ProtoDTLS && !dtls.Available(c.backend) {
			return nil, fmt.Errorf("dial dtls %s: %w", remote, dtls.ErrDisabled)
		}
		sock, err := c.dialUDP(netip.AddrPort{}, remote)
		if err != nil {
			return nil, err
		}
		local, err := sock.LocalAddr()
		if err != nil {
			_ = sock.Close()
			c.log.Error("dial failed", logging.Fields{"proto": proto.String(), "addr": remote.String(), "error": err.Error()})
			return nil, err
		}
		s := c.newSession(nil, proto, SessionClient, netio.Path{Local: local, Remote: remote}, sock)
		s.ref = 1
		c.clients = append(c.clients, s)
		if proto == ProtoUDP {
			s.state = StateEstablished
			return s, nil
		}
		if err := c.startClientDTLS(s, creds); err != nil {
			c.freeSession(s)
			return nil, err
		}
		return s, nil

	case ProtoTCP:
		sock, inProgress, err := netio.DialTCP(remote)
		if err != nil {
			return nil, err
		}
		s := c.newSession(nil, proto, SessionClient, netio.Path{Remote: remote}, sock)
		s.ref = 1
		c.clients = append(c.clients, s)
		if inProgress {
			s.state = StateConnecting
			return s, nil
		}
		c.streamConnected(s)
		return s, nil

	default:
		return nil, fmt.Errorf("dial %s %s: %w", proto, remote, ErrUnsupportedProto)
	}
}

func (c *Context) emit(s *Session, ev Event) {
	s.log.Debug("session event", logging.Fields{"event": ev.String()})
	if c.cfg.Events != nil {
		c.cfg.Events.HandleEvent(s, ev)
	}
}

func (c *Context) nack(s *Session, pdu []byte, reason NackReason, mid uint16) {
	observability.MessagesFailedTotal.WithLabelValues(reason.String()).Inc()
	if c.cfg.Nacks != nil {
		c.cfg.Nacks.HandleNack(s, pdu, reason, mid)
	}
}

// established 는 세션을 ESTABLISHED 로 옮기고 지연 큐를 비웁니다.
func (c *Context) established(s *Session) {
	s.state = StateEstablished
	s.tlsRetries = 0
	s.log.Info("session established", nil)
	c.emit(s, EventSessionConnected)

	pending := s.delay
	s.delay = nil
	for _, pdu := range pending {
		if s.closed {
			return
		}
		if _, err := c.sendPDU(s, pdu); err != nil {
			s.log.Warn("send delayed message failed", logging.Fields{"error": err.Error()})
		}
	}
}

// teardown 은 세션 자원(DTLS 환경, 전용 소켓, 큐 항목)을 정리합니다. 이벤트는 보내지 않습니다.
func (c *Context) teardown(s *Session, reason NackReason) {
	if s.closed {
		return
	}
	s.closed = true
	s.reason, s.hasReason = reason, true
	s.state = StateNone

	if s.env != nil {
		if err := s.env.Close(); err != nil {
			s.log.Debug("dtls close", logging.Fields{"error": err.Error()})
		}
		s.env = nil
	}
	if s.sock != nil {
		_ = s.sock.Close()
	}
	s.rx, s.tx = nil, nil

	for _, e := range c.queue.removeSession(s) {
		c.nack(s, e.pdu, reason, e.mid)
	}
	delayed := s.delay
	s.delay = nil
	for _, pdu := range delayed {
		_, _, mid, _ := protocol.PeekDatagram(pdu)
		c.nack(s, pdu, reason, mid)
	}
}

// disconnect 는 세션을 끊고 연결 종료 이벤트를 한 번 보냅니다.
// 서버 세션은 여기서 해제하지 않고 다음 tick 의 GC 가 회수합니다.
func (c *Context) disconnect(s *Session, reason NackReason) {
	if s.closed {
		return
	}
	wasEstablished := s.state == StateEstablished
	c.teardown(s, reason)
	s.log.Warn("session disconnected", logging.Fields{"reason": reason.String()})
	if wasEstablished {
		c.emit(s, EventSessionClosed)
	} else {
		c.emit(s, EventSessionFailed)
	}
}

// freeSession 은 세션을 Context 에서 완전히 제거합니다. 두 번 호출해도 안전합니다.
func (c *Context) freeSession(s *Session) {
	if s.freed {
		return
	}
	c.teardown(s, NackNotDeliverable)
	s.freed = true

	if ep := s.endpoint; ep != nil {
		key := pathKey{local: s.path.Local, remote: s.path.Remote}
		if ep.sessions[key] == s {
			delete(ep.sessions, key)
		}
	} else {
		c.clients = slices.DeleteFunc(c.clients, func(x *Session) bool { return x == s })
	}
	observability.SessionsActive.WithLabelValues(s.proto.String()).Dec()
	s.log.Debug("session freed", nil)
	if s.typ == SessionServer {
		c.emit(s, EventSessionDeleted)
	}
}

// addServerSession 은 엔드포인트에 새 서버 세션을 등록합니다.
// MaxIdleSessions 를 넘으면 가장 오래 쉬고 있는 idle 세션을 먼저 회수합니다.
func (c *Context) addServerSession(ep *Endpoint, path netio.Path, sock *netio.Socket) *Session {
	if limit := c.cfg.MaxIdleSessions; limit > 0 && len(ep.sessions) >= limit {
		var victim *Session
		for _, s := range ep.sessions {
			if s.ref > 0 || len(s.delay) > 0 {
				continue
			}
			if victim == nil || s.lastRxTx < victim.lastRxTx {
				victim = s
			}
		}
		if victim != nil {
			victim.log.Info("reclaiming idle session (max idle sessions)", logging.Fields{"max": limit})
			c.freeSession(victim)
		}
	}

	s := c.newSession(ep, ep.proto, SessionServer, path, sock)
	ep.sessions[pathKey{local: path.Local, remote: path.Remote}] = s
	c.emit(s, EventSessionNew)
	return s
}

// Close 는 모든 세션과 엔드포인트를 정리합니다. 두 번 호출해도 안전합니다.
func (c *Context) Close() error {
	if c.closed {
		return nil
	}
	for _, s := range slices.Clone(c.clients) {
		c.freeSession(s)
	}
	var errs []error
	for _, ep := range c.endpoints {
		for _, s := range ep.sessions {
			c.freeSession(s)
		}
		if err := ep.sock.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.endpoints = nil
	c.closed = true
	c.publishSnapshot()
	c.log.Info("coap context closed", nil)
	return errors.Join(errs...)
}
