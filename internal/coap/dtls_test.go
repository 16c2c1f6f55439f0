package coap

import (
	"net/netip"
	"testing"

	"github.com/dalbodeule/hop-coap/internal/clock"
	"github.com/dalbodeule/hop-coap/internal/dtls"
	"github.com/dalbodeule/hop-coap/internal/netio"
	"github.com/dalbodeule/hop-coap/internal/protocol"
)

// sink 는 클라이언트 DTLS 환경이 내보낸 데이터그램을 모읍니다.
type sink struct{ out [][]byte }

func (k *sink) WriteDatagram(b []byte) (int, error) {
	k.out = append(k.out, append([]byte(nil), b...))
	return len(b), nil
}

func (k *sink) take() [][]byte {
	o := k.out
	k.out = nil
	return o
}

var (
	peerA = netip.MustParseAddrPort("198.51.100.7:50001")
	peerB = netip.MustParseAddrPort("198.51.100.8:50001")
)

// dtlsHarness 는 native 백엔드 서버 Context 와, fakeWire 로 이어진 클라이언트 DTLS 환경입니다.
type dtlsHarness struct {
	c     *Context
	clk   *clock.Manual
	w     *fakeWire
	rec   *recorder
	ep    *Endpoint
	cliBE dtls.Backend
	cli   dtls.Env
	out   *sink

	cliData [][]byte
	cliErr  error
	cliConn bool
}

var testPSK = []byte("0123456789abcdef")

func newDTLSHarness(t *testing.T, cfg Config) *dtlsHarness {
	t.Helper()
	clk := clock.NewManual(1000)
	srv, err := dtls.NewNative(dtls.NativeConfig{
		Server: &dtls.ServerCredentials{PSK: dtls.NewStaticPSK(map[string][]byte{"node-1": testPSK})},
		Clock:  clk,
	})
	if err != nil {
		t.Fatalf("server backend: %v", err)
	}
	cfg.Backend = srv
	c, _, w, rec := newTestContextWith(t, clk, cfg)

	cliBE, err := dtls.NewNative(dtls.NativeConfig{Clock: clk})
	if err != nil {
		t.Fatalf("client backend: %v", err)
	}
	h := &dtlsHarness{c: c, clk: clk, w: w, rec: rec, ep: fakeEndpoint(c, ProtoDTLS), cliBE: cliBE}
	h.newClient(t)
	return h
}

func (h *dtlsHarness) newClient(t *testing.T) {
	t.Helper()
	h.out = &sink{}
	cli, err := h.cliBE.NewClientEnv(h.out, &dtls.ClientCredentials{PSKIdentity: []byte("node-1"), PSKKey: testPSK})
	if err != nil {
		t.Fatalf("client env: %v", err)
	}
	h.cli = cli
	h.cliConn = false
	if _, err := cli.Handshake(); err != nil {
		t.Fatalf("client start: %v", err)
	}
}

// deliver 는 from 주소에서 온 것처럼 데이터그램 하나를 엔드포인트에 넣고 tick 의 dispatch 를 돌립니다.
func (h *dtlsHarness) deliver(from netip.AddrPort, dg []byte) {
	h.w.push(h.ep.sock, netio.Packet{Path: netio.Path{Local: testLocal, Remote: from}, Data: dg})
	h.c.dispatch(h.clk.Now())
}

// pump 는 양방향 큐가 빌 때까지 peerA 로 데이터그램을 주고받습니다.
func (h *dtlsHarness) pump(t *testing.T) {
	t.Helper()
	for i := 0; i < 16; i++ {
		moved := false
		for _, p := range h.w.take() {
			moved = true
			if p.path.Remote != peerA {
				t.Fatalf("server sent to %s, want %s", p.path.Remote, peerA)
			}
			rcv, err := h.cli.Receive(p.data)
			if err != nil && h.cliErr == nil {
				h.cliErr = err
			}
			if rcv.Connected {
				h.cliConn = true
			}
			h.cliData = append(h.cliData, rcv.Data...)
		}
		for _, dg := range h.out.take() {
			moved = true
			h.deliver(peerA, dg)
		}
		if !moved {
			return
		}
	}
}

func (h *dtlsHarness) session(t *testing.T) *Session {
	t.Helper()
	s := h.ep.sessions[pathKey{local: testLocal, remote: peerA}]
	if s == nil {
		t.Fatalf("no session for %s", peerA)
	}
	return s
}

func TestDTLSCookieRejectionAllocatesNoSession(t *testing.T) {
	h := newDTLSHarness(t, Config{})

	// 쿠키 없는 ClientHello 에는 HelloVerifyRequest 만 돌아갑니다.
	for _, dg := range h.out.take() {
		h.deliver(peerA, dg)
	}
	if h.ep.Sessions() != 0 {
		t.Fatalf("session allocated before cookie exchange")
	}
	hvr := h.w.take()
	if len(hvr) != 1 || hvr[0].path.Remote != peerA {
		t.Fatalf("hello verify request: got %d datagrams", len(hvr))
	}
	if _, err := h.cli.Receive(hvr[0].data); err != nil {
		t.Fatalf("client hello verify: %v", err)
	}
	withCookie := h.out.take()
	if len(withCookie) == 0 {
		t.Fatalf("client did not resend ClientHello")
	}

	// A 의 쿠키를 B 주소에서 재생하면 다시 챌린지만 받습니다.
	for _, dg := range withCookie {
		h.deliver(peerB, dg)
	}
	if h.ep.Sessions() != 0 {
		t.Fatalf("session allocated for replayed cookie")
	}
	replayed := h.w.take()
	if len(replayed) != 1 || replayed[0].path.Remote != peerB {
		t.Fatalf("replayed cookie: got %d replies", len(replayed))
	}
	if len(h.rec.events) != 0 {
		t.Errorf("events before accept: %v", h.rec.events)
	}

	// 올바른 주소에서는 세션이 만들어지고 서버 flight 가 나갑니다.
	for _, dg := range withCookie {
		h.deliver(peerA, dg)
	}
	if h.ep.Sessions() != 1 {
		t.Fatalf("sessions: got %d, want 1", h.ep.Sessions())
	}
	if s := h.session(t); s.State() != StateHandshake {
		t.Errorf("state: got %s, want handshake", s.State())
	}
	if h.rec.count(EventSessionNew) != 1 {
		t.Errorf("new events: got %d, want 1", h.rec.count(EventSessionNew))
	}
	if len(h.w.sent) == 0 {
		t.Errorf("no server flight")
	}
}

func TestDTLSHandshakeAndApplicationData(t *testing.T) {
	h := newDTLSHarness(t, Config{})
	h.pump(t)

	if h.cliErr != nil {
		t.Fatalf("client: %v", h.cliErr)
	}
	if !h.cliConn || !h.cli.Established() {
		t.Fatalf("client not established")
	}
	s := h.session(t)
	if s.State() != StateEstablished {
		t.Fatalf("server state: got %s", s.State())
	}
	for _, ev := range []Event{EventSessionNew, EventTLSConnected, EventSessionConnected} {
		if h.rec.count(ev) != 1 {
			t.Errorf("%s events: got %d, want 1", ev, h.rec.count(ev))
		}
	}
	if got := s.TLSState().PSKIdentity; got != "node-1" {
		t.Errorf("psk identity: got %q", got)
	}

	h.c.publishSnapshot()
	snap := h.c.Snapshot()
	if len(snap.Sessions) != 1 {
		t.Fatalf("snapshot sessions: got %d", len(snap.Sessions))
	}
	if id := snap.Sessions[0].PSKIdentity; id == "" || id == "node-1" {
		t.Errorf("snapshot identity not masked: %q", id)
	}

	// 클라이언트 -> 서버 요청
	req := mustDatagram(t, getRequest(0x0a0a, protocol.Confirmable))
	if _, err := h.cli.Send(req); err != nil {
		t.Fatalf("client send: %v", err)
	}
	h.pump(t)
	if len(h.rec.datagrams) != 1 || string(h.rec.datagrams[0]) != string(req) {
		t.Fatalf("server datagrams: %x", h.rec.datagrams)
	}
	if h.rec.from[0] != s {
		t.Errorf("datagram delivered on another session")
	}

	// 서버 -> 클라이언트 CON, 클라이언트 ACK 로 재전송 큐가 비워집니다.
	mid, err := s.SendMessage(&protocol.Message{
		Type:  protocol.Confirmable,
		Code:  protocol.NewCode(0, 2),
		Token: []byte{1},
	})
	if err != nil {
		t.Fatalf("server send: %v", err)
	}
	if h.c.queue.Len() != 1 {
		t.Fatalf("queue: got %d, want 1", h.c.queue.Len())
	}
	h.pump(t)
	if len(h.cliData) != 1 {
		t.Fatalf("client data: got %d records", len(h.cliData))
	}
	if _, err := h.cli.Send(mustDatagram(t, protocol.EmptyAck(mid))); err != nil {
		t.Fatalf("client ack: %v", err)
	}
	h.pump(t)
	if h.c.queue.Len() != 0 {
		t.Errorf("queue after ack: got %d, want 0", h.c.queue.Len())
	}
}

func TestDTLSRestartKeepsSession(t *testing.T) {
	h := newDTLSHarness(t, Config{})
	h.pump(t)
	first := h.session(t)
	if first.State() != StateEstablished {
		t.Fatalf("first handshake: state %s", first.State())
	}

	h.newClient(t)
	h.pump(t)

	if h.cliErr != nil || !h.cli.Established() {
		t.Fatalf("second handshake: err=%v established=%v", h.cliErr, h.cli.Established())
	}
	if got := h.session(t); got != first {
		t.Errorf("restart replaced the session")
	}
	if h.ep.Sessions() != 1 {
		t.Errorf("sessions: got %d, want 1", h.ep.Sessions())
	}
	if got := h.rec.count(EventTLSConnected); got != 2 {
		t.Errorf("tls connected events: got %d, want 2", got)
	}
	if got := h.rec.count(EventSessionNew); got != 1 {
		t.Errorf("new events: got %d, want 1", got)
	}
}

func TestDTLSCookielessHelloKeepsEstablishedSession(t *testing.T) {
	h := newDTLSHarness(t, Config{})
	h.pump(t)
	s := h.session(t)
	if s.State() != StateEstablished {
		t.Fatalf("handshake: state %s", s.State())
	}
	old, oldOut := h.cli, h.out

	if _, err := s.SendMessage(&protocol.Message{
		Type:  protocol.Confirmable,
		Code:  protocol.NewCode(0, 2),
		Token: []byte{7},
	}); err != nil {
		t.Fatalf("server send: %v", err)
	}
	h.w.take()

	// 위조된 주소에서 새 random 을 가진 쿠키 없는 ClientHello 가 도착합니다.
	h.newClient(t)
	for _, dg := range h.out.take() {
		h.deliver(peerA, dg)
	}

	if got := h.session(t); got != s {
		t.Fatalf("session replaced")
	}
	if s.State() != StateEstablished {
		t.Errorf("state: got %s, want %s", s.State(), StateEstablished)
	}
	if s.env == nil {
		t.Fatalf("dtls env dropped")
	}
	sent := h.w.take()
	if len(sent) != 1 || sent[0].path.Remote != peerA {
		t.Fatalf("hello verify: got %d packets, want 1 to %s", len(sent), peerA)
	}
	if len(h.rec.nacks) != 0 {
		t.Errorf("nacks: got %d, want 0", len(h.rec.nacks))
	}
	if h.c.queue.Len() != 1 {
		t.Errorf("queue: got %d, want 1", h.c.queue.Len())
	}

	if _, err := h.c.PrepareIO(h.clk.Now()); err != nil {
		t.Fatalf("prepare io: %v", err)
	}
	if h.ep.Sessions() != 1 {
		t.Errorf("sessions after gc: got %d, want 1", h.ep.Sessions())
	}

	// 기존 클라이언트의 epoch 1 레코드는 그대로 복호화됩니다.
	req := mustDatagram(t, getRequest(0x0b0b, protocol.Confirmable))
	if _, err := old.Send(req); err != nil {
		t.Fatalf("old client send: %v", err)
	}
	for _, dg := range oldOut.take() {
		h.deliver(peerA, dg)
	}
	if len(h.rec.datagrams) != 1 || string(h.rec.datagrams[0]) != string(req) {
		t.Fatalf("server datagrams: %x", h.rec.datagrams)
	}
	if h.rec.from[0] != s {
		t.Errorf("datagram delivered on another session")
	}
}

func TestDTLSHandshakeTimeout(t *testing.T) {
	h := newDTLSHarness(t, Config{MaxRetransmit: 2})

	// 쿠키 교환까지만 진행하고 서버 flight 에는 응답하지 않습니다.
	for _, dg := range h.out.take() {
		h.deliver(peerA, dg)
	}
	hvr := h.w.take()
	if _, err := h.cli.Receive(hvr[0].data); err != nil {
		t.Fatalf("client hello verify: %v", err)
	}
	for _, dg := range h.out.take() {
		h.deliver(peerA, dg)
	}
	s := h.session(t)
	h.w.take()

	// 재전송 간격 1s, 2s, 4s: 두 번 재전송한 뒤 세 번째 만료에서 실패합니다.
	steps := []struct {
		at      clock.Tick
		resent  bool
		timeout int
	}{
		{at: 1000, resent: true, timeout: 2000},
		{at: 3000, resent: true, timeout: 4000},
		{at: 7000, resent: false, timeout: NoTimeout},
	}
	for _, st := range steps {
		h.clk.Set(st.at)
		got, err := h.c.PrepareIO(st.at)
		if err != nil {
			t.Fatalf("prepare at %d: %v", st.at, err)
		}
		if resent := len(h.w.take()) > 0; resent != st.resent {
			t.Errorf("tick %d: resent=%v, want %v", st.at, resent, st.resent)
		}
		if st.timeout != NoTimeout && got != st.timeout {
			t.Errorf("tick %d: timeout %d, want %d", st.at, got, st.timeout)
		}
	}

	if r, ok := s.DisconnectReason(); !ok || r != NackTLSFailed {
		t.Fatalf("reason: %s %v", r, ok)
	}
	if h.rec.count(EventTLSError) != 1 || h.rec.count(EventSessionFailed) != 1 {
		t.Errorf("events: %v", h.rec.events)
	}

	// 끊긴 서버 세션은 다음 tick 에 회수됩니다.
	if _, err := h.c.PrepareIO(h.clk.Now()); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if h.ep.Sessions() != 0 {
		t.Errorf("failed session not reclaimed")
	}
}
