package coap

import (
	"time"

	"github.com/dalbodeule/hop-coap/internal/clock"
	"github.com/dalbodeule/hop-coap/internal/logging"
	"github.com/dalbodeule/hop-coap/internal/netio"
	"github.com/dalbodeule/hop-coap/internal/observability"
)

// deadlines 는 tick 동안 접힌(fold) 최소 지연값입니다.
type deadlines struct {
	min clock.Tick
	set bool
}

func (d *deadlines) fold(delta clock.Tick) {
	if !d.set || delta < d.min {
		d.min, d.set = delta, true
	}
}

// PrepareIO 는 스케줄러의 준비 단계입니다. idle GC, 감시 소켓 등록, keepalive/CSM 검사,
// 재전송 큐 처리, DTLS 재전송을 이 순서로 수행하고 다음 wake 까지의 지연(ms, 올림)을 돌려줍니다.
// 대기할 deadline 이 없으면 NoTimeout 입니다. 감시 집합이 넘치면 netio.ErrWatchOverflow 입니다.
func (c *Context) PrepareIO(now clock.Tick) (int, error) {
	if c.closed {
		return NoTimeout, ErrContextClosed
	}
	c.watch.Reset()
	var (
		next    deadlines
		overrun error
	)
	watch := func(s *netio.Socket) {
		if err := c.watch.Add(s); err != nil && overrun == nil {
			overrun = err
		}
	}

	// 1. observe/notification 트리거
	if c.cfg.Notifier != nil {
		if at, pending := c.cfg.Notifier.Notify(now); pending {
			if at <= now {
				next.fold(0)
			} else {
				next.fold(at - now)
			}
		}
	}

	// 2-3. idle 서버 세션 회수, 감시 소켓 등록
	for _, ep := range c.endpoints {
		watch(ep.sock)
		for _, s := range ep.sessions {
			if s.reclaimable(now, c.idleTicks) {
				s.log.Debug("reclaiming idle session", logging.Fields{"idle_ticks": uint64(now - s.lastRxTx)})
				c.freeSession(s)
				continue
			}
			if s.ref == 0 && len(s.delay) == 0 && s.lastRxTx+c.idleTicks > now {
				next.fold(s.lastRxTx + c.idleTicks - now)
			}
			if s.sock != nil {
				watch(s.sock)
			}
		}
	}

	// 4-5. 클라이언트 keepalive 와 CSM 제한 시간
	for _, s := range c.clients {
		c.keepalive(s, now, next.fold)
		if s.sock != nil && s.sock.IsOpen() {
			watch(s.sock)
		}
	}

	// 6. 재전송 큐
	for e := c.queue.popDue(now); e != nil; e = c.queue.popDue(now) {
		c.retransmit(e, now)
	}
	if d, ok := c.queue.delay(now); ok {
		next.fold(d)
	}

	// 7. DTLS 핸드셰이크 재전송
	c.dtlsTimeouts(now, next.fold)

	if overrun != nil {
		c.log.Error("watch set overflow", logging.Fields{"capacity": c.watch.Cap(), "error": overrun.Error()})
		return NoTimeout, overrun
	}
	if !next.set {
		return NoTimeout, nil
	}
	return clock.CeilMillis(c.clk.Rate(), next.min), nil
}

// keepalive 는 TCP 클라이언트 세션의 ping/pong 과 CSM 제한 시간을 검사합니다.
// ping 이 나간 뒤 다음 ping 시점까지 pong 이 없으면 한 번 놓친 것으로 셉니다.
func (c *Context) keepalive(s *Session, now clock.Tick, fold func(clock.Tick)) {
	if !s.proto.Reliable() || s.typ != SessionClient || s.closed {
		return
	}
	switch s.state {
	case StateEstablished:
		if c.pingTicks == 0 {
			return
		}
		due := s.lastRxTx + c.pingTicks
		if now >= due {
			if s.pingOutstanding {
				s.missedPongs++
			}
			if s.missedPongs >= maxMissedPongs {
				s.log.Warn("no pong from peer", logging.Fields{"missed": s.missedPongs})
				c.disconnect(s, NackNotDeliverable)
				return
			}
			if err := c.sendPing(s); err != nil {
				s.log.Warn("ping failed", logging.Fields{"error": err.Error()})
				s.missedPongs++
				if s.missedPongs >= maxMissedPongs {
					c.disconnect(s, NackNotDeliverable)
					return
				}
			}
			s.pingOutstanding = true
			s.lastPing = now
			s.lastRxTx = now
			due = now + c.pingTicks
		}
		fold(due - now)

	case StateCSM:
		if c.csmTicks == 0 {
			return
		}
		due := s.csmTX + c.csmTicks
		if now >= due {
			s.log.Warn("csm negotiation timed out", nil)
			c.disconnect(s, NackNotDeliverable)
			return
		}
		fold(due - now)
	}
}

// RunOnce 는 tick 하나를 실행하고 경과한 시간을 돌려줍니다.
// ceiling 이 음수면 상한 없이 다음 deadline(또는 소켓 준비)까지 기다리고, 0 이면 기다리지 않습니다.
// 준비 상태 대기에서 EINTR 이 아닌 오류가 나면 그 tick 은 실패로 보고됩니다.
func (c *Context) RunOnce(ceiling time.Duration) (time.Duration, error) {
	start := time.Now()
	defer func() {
		observability.TickDurationSeconds.Observe(time.Since(start).Seconds())
	}()

	timeout, err := c.PrepareIO(c.clk.Now())
	if err != nil {
		return time.Since(start), err
	}

	wait := timeout
	if ceiling >= 0 {
		limit := int((ceiling + time.Millisecond - 1) / time.Millisecond)
		if wait == NoTimeout || limit < wait {
			wait = limit
		}
	}
	if wait < 0 && c.watch.Len() == 0 {
		// 감시할 소켓도 deadline 도 없으면 영원히 잠들게 되므로 바로 돌아갑니다.
		wait = 0
	}

	if _, err := c.poller.Wait(c.watch, wait); err != nil {
		c.log.Error("readiness wait failed", logging.Fields{"error": err.Error()})
		return time.Since(start), err
	}

	c.dispatch(c.clk.Now())
	c.publishSnapshot()
	return time.Since(start), nil
}

// dispatch 는 준비된 소켓을 처리합니다. 읽기는 소켓마다 한 번입니다.
func (c *Context) dispatch(now clock.Tick) {
	for _, ep := range c.endpoints {
		c.dispatchEndpoint(ep, now)
		for _, s := range ep.sessions {
			if s.sock != nil && !s.closed {
				c.dispatchSession(s, now)
			}
		}
	}
	for _, s := range append([]*Session(nil), c.clients...) {
		if !s.closed {
			c.dispatchSession(s, now)
		}
	}
}

func (c *Context) dispatchEndpoint(ep *Endpoint, now clock.Tick) {
	if ep.proto == ProtoTCP {
		c.acceptStream(ep)
		return
	}

	pkt, err := c.wire.Read(ep.sock, c.buf)
	if err != nil {
		// 미연결 소켓의 ICMP 오류는 어느 세션 것인지 알 수 없습니다. netio 가 이미 로그를 남겼습니다.
		return
	}
	if len(pkt.Data) == 0 {
		return
	}

	key := pathKey{local: pkt.Local, remote: pkt.Remote}
	s := ep.sessions[key]
	if s != nil && s.closed {
		c.freeSession(s)
		s = nil
	}

	switch ep.proto {
	case ProtoDTLS:
		if s == nil || s.env == nil {
			c.acceptDTLS(ep, s, pkt)
			return
		}
	default:
		if s == nil {
			s = c.addServerSession(ep, pkt.Path, nil)
			s.state = StateEstablished
		}
	}
	c.receive(s, pkt.Data, now)
}

func (c *Context) acceptStream(ep *Endpoint) {
	if !ep.sock.Flags.Has(netio.CanAccept) {
		return
	}
	sock, remote, err := ep.sock.Accept()
	if err != nil {
		c.log.Warn("accept failed", logging.Fields{"error": err.Error()})
		return
	}
	if sock == nil {
		return
	}
	s := c.addServerSession(ep, netio.Path{Local: ep.local, Remote: remote}, sock)
	c.streamConnected(s)
}

func (c *Context) dispatchSession(s *Session, now clock.Tick) {
	sock := s.sock
	if sock.Flags.Has(netio.CanConnect) {
		if err := sock.FinishConnect(); err != nil {
			s.log.Warn("connect failed", logging.Fields{"error": err.Error()})
			c.emit(s, EventTCPFailed)
			c.disconnect(s, NackNotDeliverable)
			return
		}
		c.streamConnected(s)
	}
	if s.closed {
		return
	}
	if sock.Flags.Has(netio.CanWrite) {
		if err := s.flush(); err != nil {
			s.log.Warn("stream flush failed", logging.Fields{"error": err.Error()})
			c.disconnect(s, NackNotDeliverable)
			return
		}
	}
	c.readSession(s, now)
}

// forEachSession 은 모든 살아 있는 세션(서버, 클라이언트)에 f 를 적용합니다.
func (c *Context) forEachSession(f func(*Session)) {
	for _, ep := range c.endpoints {
		for _, s := range ep.sessions {
			if !s.closed {
				f(s)
			}
		}
	}
	for _, s := range append([]*Session(nil), c.clients...) {
		if !s.closed {
			f(s)
		}
	}
}
