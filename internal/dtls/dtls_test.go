package dtls

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"testing"
	"time"

	piondtls "github.com/pion/dtls/v3"

	"github.com/dalbodeule/hop-coap/internal/clock"
)

// pipe 는 한 방향 데이터그램 큐입니다.
type pipe struct {
	out [][]byte
}

func (p *pipe) WriteDatagram(b []byte) (int, error) {
	p.out = append(p.out, append([]byte(nil), b...))
	return len(b), nil
}

func (p *pipe) take() [][]byte {
	o := p.out
	p.out = nil
	return o
}

const testRemote = "[::ffff:127.0.0.1]:40000"

type pair struct {
	be      Backend
	clk     *clock.Manual
	client  Env
	server  Env
	toSrv   *pipe
	toCli   *pipe
	srvErr  error
	cliErr  error
	remote  string
	hellos  int
	cliConn bool
}

func newPair(t *testing.T, srv *ServerCredentials, cli *ClientCredentials) *pair {
	t.Helper()
	clk := clock.NewManual(0)
	be, err := NewNative(NativeConfig{Server: srv, Clock: clk, ReplayProtection: true})
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	p := &pair{be: be, clk: clk, toSrv: &pipe{}, toCli: &pipe{}, remote: testRemote}
	p.client, err = be.NewClientEnv(p.toSrv, cli)
	if err != nil {
		t.Fatalf("client env: %v", err)
	}
	return p
}

// pump 는 양쪽 큐가 빌 때까지 데이터그램을 주고받습니다.
func (p *pair) pump(t *testing.T) {
	t.Helper()
	for i := 0; i < 16; i++ {
		moved := false
		for _, dg := range p.toSrv.take() {
			moved = true
			if p.server == nil {
				res, err := p.be.Hello(p.remote, dg, p.toCli)
				if err != nil {
					t.Fatalf("hello: %v", err)
				}
				p.hellos++
				if res != HelloAccept {
					continue
				}
				if p.server, err = p.be.NewServerEnv(p.toCli, p.remote); err != nil {
					t.Fatalf("server env: %v", err)
				}
			}
			if _, err := p.server.Receive(dg); err != nil && p.srvErr == nil {
				p.srvErr = err
			}
		}
		for _, dg := range p.toCli.take() {
			moved = true
			rcv, err := p.client.Receive(dg)
			if err != nil && p.cliErr == nil {
				p.cliErr = err
			}
			if rcv.Connected {
				p.cliConn = true
			}
		}
		if !moved {
			return
		}
	}
}

func (p *pair) handshake(t *testing.T) {
	t.Helper()
	if res, err := p.client.Handshake(); err != nil || res != InProgress {
		t.Fatalf("client start: %v %v", res, err)
	}
	p.pump(t)
}

func pskServer(identity string, key []byte) *ServerCredentials {
	return &ServerCredentials{PSK: NewStaticPSK(map[string][]byte{identity: key})}
}

func TestPSKHandshakeAndApplicationData(t *testing.T) {
	key := []byte("0123456789abcdef")
	p := newPair(t, pskServer("node-1", key), &ClientCredentials{PSKIdentity: []byte("node-1"), PSKKey: key})
	p.handshake(t)

	if p.srvErr != nil || p.cliErr != nil {
		t.Fatalf("handshake errors: server=%v client=%v", p.srvErr, p.cliErr)
	}
	if !p.client.Established() || p.server == nil || !p.server.Established() {
		t.Fatalf("not established")
	}
	if !p.cliConn {
		t.Errorf("client did not report connected")
	}
	if p.hellos != 2 {
		t.Errorf("hello calls: got %d, want 2 (challenge + accept)", p.hellos)
	}

	st := p.server.State()
	if st.PSKIdentity != "node-1" {
		t.Errorf("psk identity: got %q", st.PSKIdentity)
	}
	if want := piondtls.CipherSuiteName(piondtls.TLS_PSK_WITH_AES_128_CCM_8); st.CipherSuite != want {
		t.Errorf("cipher suite: got %q, want %q", st.CipherSuite, want)
	}

	msg := []byte{0x40, 0x01, 0x00, 0x01}
	if n, err := p.client.Send(msg); err != nil || n != len(msg) {
		t.Fatalf("send: %d %v", n, err)
	}
	dgs := p.toSrv.take()
	if len(dgs) != 1 {
		t.Fatalf("datagrams: got %d, want 1", len(dgs))
	}
	if len(dgs[0]) > len(msg)+p.be.Overhead() {
		t.Errorf("record %d bytes exceeds overhead bound %d", len(dgs[0]), len(msg)+p.be.Overhead())
	}
	rcv, err := p.server.Receive(dgs[0])
	if err != nil || len(rcv.Data) != 1 || !bytes.Equal(rcv.Data[0], msg) {
		t.Fatalf("server receive: %v %x", err, rcv.Data)
	}

	// 같은 레코드를 다시 넣으면 재생 윈도가 버립니다.
	rcv, err = p.server.Receive(dgs[0])
	if err != nil || len(rcv.Data) != 0 {
		t.Fatalf("replayed record accepted: %v %x", err, rcv.Data)
	}
}

func TestPKIHandshakeWithSNICache(t *testing.T) {
	cert, err := NewSelfSignedCertificate("coap.example")
	if err != nil {
		t.Fatalf("cert: %v", err)
	}
	roots := x509.NewCertPool()
	roots.AddCert(cert.Leaf)

	resolves := 0
	srv := &ServerCredentials{SNI: SNIResolverFunc(func(name string) (*tls.Certificate, error) {
		resolves++
		if name != "coap.example" {
			return nil, errors.New("unknown name")
		}
		return cert, nil
	})}

	clk := clock.NewManual(0)
	be, err := NewNative(NativeConfig{Server: srv, Clock: clk})
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	for round := 0; round < 2; round++ {
		p := &pair{be: be, clk: clk, toSrv: &pipe{}, toCli: &pipe{}, remote: testRemote}
		p.client, err = be.NewClientEnv(p.toSrv, &ClientCredentials{ServerName: "coap.example", RootCAs: roots})
		if err != nil {
			t.Fatalf("client env: %v", err)
		}
		p.handshake(t)
		if p.srvErr != nil || p.cliErr != nil {
			t.Fatalf("round %d: server=%v client=%v", round, p.srvErr, p.cliErr)
		}
		if !p.client.Established() || !p.server.Established() {
			t.Fatalf("round %d: not established", round)
		}
		if got := p.server.State().ServerName; got != "coap.example" {
			t.Errorf("server name: got %q", got)
		}
	}
	if resolves != 1 {
		t.Errorf("resolver calls: got %d, want 1 (second lookup is a cache hit)", resolves)
	}
	if n := SNICacheLen(be); n != 1 {
		t.Errorf("sni cache entries: got %d, want 1", n)
	}
}

func TestPKIRejectsUntrustedCertificate(t *testing.T) {
	cert, _ := NewSelfSignedCertificate("coap.example")
	other, _ := NewSelfSignedCertificate("coap.example")
	roots := x509.NewCertPool()
	roots.AddCert(other.Leaf)

	p := newPair(t, &ServerCredentials{Certificate: cert}, &ClientCredentials{ServerName: "coap.example", RootCAs: roots})
	p.handshake(t)
	if !errors.Is(p.cliErr, ErrHandshakeFailed) {
		t.Fatalf("client error: got %v, want ErrHandshakeFailed", p.cliErr)
	}
	if !errors.Is(p.srvErr, ErrClosed) {
		t.Errorf("server error: got %v, want ErrClosed after fatal alert", p.srvErr)
	}
	if p.client.Established() || p.server.Established() {
		t.Fatalf("handshake must not complete")
	}
}

func TestPermissiveClientAcceptsSelfSigned(t *testing.T) {
	cert, _ := NewSelfSignedCertificate()
	p := newPair(t, &ServerCredentials{Certificate: cert}, nil)
	p.handshake(t)
	if p.cliErr != nil || !p.client.Established() {
		t.Fatalf("permissive client: %v", p.cliErr)
	}
}

func TestCookieBoundToAddress(t *testing.T) {
	key := []byte("k")
	p := newPair(t, pskServer("id", key), &ClientCredentials{PSKIdentity: []byte("id"), PSKKey: key})
	if _, err := p.client.Handshake(); err != nil {
		t.Fatalf("start: %v", err)
	}
	ch0 := p.toSrv.take()
	if len(ch0) != 1 {
		t.Fatalf("client hello datagrams: %d", len(ch0))
	}
	res, err := p.be.Hello("a", ch0[0], p.toCli)
	if err != nil || res != HelloChallenge {
		t.Fatalf("first hello: %v %v", res, err)
	}
	hvr := p.toCli.take()
	if len(hvr) != 1 {
		t.Fatalf("hello verify request not sent")
	}
	if _, err := p.client.Receive(hvr[0]); err != nil {
		t.Fatalf("client receive hvr: %v", err)
	}
	ch1 := p.toSrv.take()
	if len(ch1) != 1 {
		t.Fatalf("client did not resend hello with cookie")
	}

	// 다른 주소에서 같은 쿠키를 재사용하면 다시 챌린지합니다.
	if res, _ := p.be.Hello("b", ch1[0], p.toCli); res != HelloChallenge {
		t.Fatalf("cookie from other address: got %v, want challenge", res)
	}
	p.toCli.take()
	if res, _ := p.be.Hello("a", ch1[0], p.toCli); res != HelloAccept {
		t.Fatalf("valid cookie: got %v, want accept", res)
	}
	if len(p.toCli.out) != 0 {
		t.Fatalf("accept must not send anything")
	}

	if res, _ := p.be.Hello("a", []byte{0x17, 0xfe, 0xfd, 0, 0}, p.toCli); res != HelloIgnore {
		t.Fatalf("garbage: got %v, want ignore", res)
	}
}

func TestWrongPSKFailsHandshake(t *testing.T) {
	p := newPair(t, pskServer("id", []byte("server-key")), &ClientCredentials{PSKIdentity: []byte("id"), PSKKey: []byte("client-key")})
	p.handshake(t)
	if !errors.Is(p.srvErr, ErrHandshakeFailed) {
		t.Fatalf("server error: got %v, want ErrHandshakeFailed", p.srvErr)
	}
	if !errors.Is(p.cliErr, ErrClosed) {
		t.Fatalf("client error: got %v, want ErrClosed", p.cliErr)
	}
}

func TestUnknownPSKIdentityFails(t *testing.T) {
	p := newPair(t, pskServer("id", []byte("k")), &ClientCredentials{PSKIdentity: []byte("nobody"), PSKKey: []byte("k")})
	p.handshake(t)
	if !errors.Is(p.srvErr, ErrHandshakeFailed) {
		t.Fatalf("server error: got %v", p.srvErr)
	}
}

func TestHandshakeRetransmitBackoff(t *testing.T) {
	key := []byte("k")
	p := newPair(t, pskServer("id", key), &ClientCredentials{PSKIdentity: []byte("id"), PSKKey: key})

	if _, ok := p.client.Deadline(); ok {
		t.Fatalf("deadline before first flight")
	}
	if _, err := p.client.Handshake(); err != nil {
		t.Fatalf("start: %v", err)
	}
	p.toSrv.take()

	d, ok := p.client.Deadline()
	if !ok || d != 1000 {
		t.Fatalf("first deadline: got %d %v, want 1000", d, ok)
	}
	now := p.clk.Advance(time.Second)
	if err := p.client.HandleTimeout(now); err != nil {
		t.Fatalf("timeout: %v", err)
	}
	if n := len(p.toSrv.take()); n != 1 {
		t.Fatalf("retransmitted datagrams: got %d, want 1", n)
	}
	d, _ = p.client.Deadline()
	if d != 1000+2000 {
		t.Fatalf("second deadline: got %d, want 3000", d)
	}

	// 이후 정상 진행하면 타이머가 사라집니다.
	p.toSrv.out = nil
	if err := p.client.HandleTimeout(p.clk.Advance(2 * time.Second)); err != nil {
		t.Fatalf("timeout: %v", err)
	}
	p.pump(t)
	if !p.client.Established() {
		t.Fatalf("not established: %v %v", p.cliErr, p.srvErr)
	}
	if _, ok := p.client.Deadline(); ok {
		t.Errorf("established client must not have a deadline")
	}
	if _, ok := p.server.Deadline(); ok {
		t.Errorf("established server must not have a deadline")
	}
}

func TestRetransmittedClientHelloSetsFlag(t *testing.T) {
	key := []byte("k")
	p := newPair(t, pskServer("id", key), &ClientCredentials{PSKIdentity: []byte("id"), PSKKey: key})
	if _, err := p.client.Handshake(); err != nil {
		t.Fatalf("start: %v", err)
	}
	// CH0 -> HVR -> CH1 까지만 진행합니다.
	ch0 := p.toSrv.take()
	_, _ = p.be.Hello(p.remote, ch0[0], p.toCli)
	for _, dg := range p.toCli.take() {
		_, _ = p.client.Receive(dg)
	}
	ch1 := p.toSrv.take()
	if res, _ := p.be.Hello(p.remote, ch1[0], p.toCli); res != HelloAccept {
		t.Fatalf("hello: %v", res)
	}
	srv, err := p.be.NewServerEnv(p.toCli, p.remote)
	if err != nil {
		t.Fatalf("server env: %v", err)
	}
	if _, err := srv.Receive(ch1[0]); err != nil {
		t.Fatalf("server receive: %v", err)
	}
	first := len(p.toCli.take())
	if first == 0 {
		t.Fatalf("server flight not sent")
	}
	if srv.TakeSeenClientHello() {
		t.Fatalf("flag set before retransmission")
	}

	// 서버 flight 가 유실되어 클라이언트가 CH1 을 재전송한 상황입니다.
	if err := p.client.HandleTimeout(p.clk.Advance(time.Second)); err != nil {
		t.Fatalf("client timeout: %v", err)
	}
	for _, dg := range p.toSrv.take() {
		if _, err := srv.Receive(dg); err != nil {
			t.Fatalf("server receive retransmit: %v", err)
		}
	}
	if !srv.TakeSeenClientHello() {
		t.Fatalf("seen client hello not reported")
	}
	if srv.TakeSeenClientHello() {
		t.Fatalf("flag must be cleared after take")
	}
	if got := len(p.toCli.take()); got != first {
		t.Fatalf("server resent %d datagrams, want %d", got, first)
	}
}

func TestNewClientHelloOnEstablishedSessionRestarts(t *testing.T) {
	key := []byte("k")
	p := newPair(t, pskServer("id", key), &ClientCredentials{PSKIdentity: []byte("id"), PSKKey: key})
	p.handshake(t)
	if !p.server.Established() {
		t.Fatalf("not established")
	}

	fresh, err := p.be.NewClientEnv(p.toSrv, &ClientCredentials{PSKIdentity: []byte("id"), PSKKey: key})
	if err != nil {
		t.Fatalf("client env: %v", err)
	}
	if _, err := fresh.Handshake(); err != nil {
		t.Fatalf("start: %v", err)
	}

	// 쿠키 없는 ClientHello 는 챌린지만 받고, 수립된 연결은 그대로입니다.
	for _, dg := range p.toSrv.take() {
		if _, err := p.server.Receive(dg); err != nil {
			t.Fatalf("cookieless hello: got %v, want nil", err)
		}
	}
	if !p.server.Established() {
		t.Fatalf("established connection dropped by cookieless hello")
	}
	hvr := p.toCli.take()
	if len(hvr) != 1 {
		t.Fatalf("hello verify request: got %d datagrams, want 1", len(hvr))
	}

	// 기존 키로 애플리케이션 데이터가 계속 오갑니다.
	if _, err := p.client.Send([]byte("still-here")); err != nil {
		t.Fatalf("send: %v", err)
	}
	for _, dg := range p.toSrv.take() {
		rcv, err := p.server.Receive(dg)
		if err != nil || len(rcv.Data) != 1 || string(rcv.Data[0]) != "still-here" {
			t.Fatalf("data after challenge: %v %q", err, rcv.Data)
		}
	}

	// 쿠키를 담아 다시 보낸 ClientHello 만 재시작으로 봅니다.
	if _, err := fresh.Receive(hvr[0]); err != nil {
		t.Fatalf("fresh client hvr: %v", err)
	}
	withCookie := p.toSrv.take()
	if len(withCookie) != 1 {
		t.Fatalf("client did not resend hello with cookie")
	}
	if _, err := p.server.Receive(withCookie[0]); !errors.Is(err, ErrRestart) {
		t.Fatalf("got %v, want ErrRestart", err)
	}
}

func TestMutualPKIHandshake(t *testing.T) {
	serverCert, _ := NewSelfSignedCertificate("coap.example")
	clientCert, _ := NewSelfSignedCertificate("sensor-7")
	serverRoots := x509.NewCertPool()
	serverRoots.AddCert(serverCert.Leaf)
	clientCAs := x509.NewCertPool()
	clientCAs.AddCert(clientCert.Leaf)

	p := newPair(t,
		&ServerCredentials{Certificate: serverCert, VerifyPeer: true, ClientCAs: clientCAs},
		&ClientCredentials{ServerName: "coap.example", RootCAs: serverRoots, Certificate: clientCert},
	)
	p.handshake(t)
	if p.srvErr != nil || p.cliErr != nil {
		t.Fatalf("handshake errors: server=%v client=%v", p.srvErr, p.cliErr)
	}
	if !p.client.Established() || !p.server.Established() {
		t.Fatalf("not established")
	}
	if got := p.server.State().PeerCommonName; got != "sensor-7" {
		t.Errorf("peer common name: got %q, want sensor-7", got)
	}
}

func TestMutualPKIRejectsMissingClientCertificate(t *testing.T) {
	serverCert, _ := NewSelfSignedCertificate("coap.example")
	p := newPair(t, &ServerCredentials{Certificate: serverCert, VerifyPeer: true}, nil)
	p.handshake(t)
	if !errors.Is(p.srvErr, ErrHandshakeFailed) {
		t.Fatalf("server error: got %v, want ErrHandshakeFailed", p.srvErr)
	}
	if !errors.Is(p.cliErr, ErrClosed) {
		t.Errorf("client error: got %v, want ErrClosed", p.cliErr)
	}
	if p.server.Established() {
		t.Fatalf("server established without a client certificate")
	}
}

func TestMutualPKIRejectsUntrustedClientCertificate(t *testing.T) {
	serverCert, _ := NewSelfSignedCertificate("coap.example")
	clientCert, _ := NewSelfSignedCertificate("sensor-7")
	other, _ := NewSelfSignedCertificate("sensor-7")
	clientCAs := x509.NewCertPool()
	clientCAs.AddCert(other.Leaf)

	p := newPair(t,
		&ServerCredentials{Certificate: serverCert, ClientCAs: clientCAs},
		&ClientCredentials{InsecureSkipVerify: true, Certificate: clientCert},
	)
	p.handshake(t)
	if !errors.Is(p.srvErr, ErrHandshakeFailed) {
		t.Fatalf("server error: got %v, want ErrHandshakeFailed", p.srvErr)
	}
	if p.server.Established() || p.client.Established() {
		t.Fatalf("handshake must not complete")
	}
}

func TestPSKBySNI(t *testing.T) {
	key := []byte("tenant-a-key-0001")
	resolves := 0
	srv := &ServerCredentials{PSKSNI: PSKSNIResolverFunc(func(name string) (*PSKInfo, error) {
		resolves++
		if name != "tenant-a.example" && name != "TENANT-A.example" {
			return nil, errors.New("unknown name")
		}
		return &PSKInfo{Hint: []byte("tenant-a"), Key: key}, nil
	})}

	clk := clock.NewManual(0)
	be, err := NewNative(NativeConfig{Server: srv, Clock: clk})
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	for round, name := range []string{"tenant-a.example", "TENANT-A.example"} {
		p := &pair{be: be, clk: clk, toSrv: &pipe{}, toCli: &pipe{}, remote: testRemote}
		p.client, err = be.NewClientEnv(p.toSrv, &ClientCredentials{PSKIdentity: []byte("dev-1"), PSKKey: key, ServerName: name})
		if err != nil {
			t.Fatalf("client env: %v", err)
		}
		p.handshake(t)
		if p.srvErr != nil || p.cliErr != nil {
			t.Fatalf("round %d: server=%v client=%v", round, p.srvErr, p.cliErr)
		}
		if !p.client.Established() || !p.server.Established() {
			t.Fatalf("round %d: not established", round)
		}
	}
	if resolves != 1 {
		t.Errorf("resolver calls: got %d, want 1 (server names match case-insensitively)", resolves)
	}
	if n := SNICacheLen(be); n != 1 {
		t.Errorf("sni cache entries: got %d, want 1", n)
	}

	// 모르는 server name 은 핸드셰이크 실패입니다.
	p := &pair{be: be, clk: clk, toSrv: &pipe{}, toCli: &pipe{}, remote: testRemote}
	p.client, _ = be.NewClientEnv(p.toSrv, &ClientCredentials{PSKIdentity: []byte("dev-1"), PSKKey: key, ServerName: "other.example"})
	p.handshake(t)
	if !errors.Is(p.srvErr, ErrHandshakeFailed) {
		t.Errorf("unknown name: got %v, want ErrHandshakeFailed", p.srvErr)
	}
}

func TestSNICacheIgnoresCase(t *testing.T) {
	var c sniCache[string]
	calls := 0
	resolve := func(name string) (string, error) {
		calls++
		return "v:" + name, nil
	}
	for _, name := range []string{"Example.com", "example.com", "EXAMPLE.COM"} {
		v, hit, err := c.lookup(name, resolve)
		if err != nil || v != "v:Example.com" {
			t.Fatalf("lookup %q: got %q %v", name, v, err)
		}
		if want := name != "Example.com"; hit != want {
			t.Errorf("lookup %q: hit %v, want %v", name, hit, want)
		}
	}
	if calls != 1 || c.len() != 1 {
		t.Errorf("resolver calls %d, entries %d, want 1 and 1", calls, c.len())
	}
}

func TestCloseNotify(t *testing.T) {
	key := []byte("k")
	p := newPair(t, pskServer("id", key), &ClientCredentials{PSKIdentity: []byte("id"), PSKKey: key})
	p.handshake(t)

	if err := p.client.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := p.client.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := p.client.Send([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("send after close: %v", err)
	}
	dgs := p.toSrv.take()
	if len(dgs) != 1 {
		t.Fatalf("close_notify datagrams: %d", len(dgs))
	}
	if _, err := p.server.Receive(dgs[0]); !errors.Is(err, ErrClosed) {
		t.Fatalf("server: got %v, want ErrClosed", err)
	}
}

func TestSendBeforeEstablished(t *testing.T) {
	be, _ := NewNative(NativeConfig{})
	env, _ := be.NewClientEnv(&pipe{}, nil)
	if _, err := env.Send([]byte("x")); !errors.Is(err, ErrNotEstablished) {
		t.Fatalf("got %v, want ErrNotEstablished", err)
	}
}

func TestSuitePartition(t *testing.T) {
	for _, id := range offeredSuites(true, false) {
		if s := suiteByID(id); s == nil || !s.psk() {
			t.Fatalf("suite 0x%04x offered for psk only", id)
		}
	}
	for _, id := range offeredSuites(false, true) {
		if s := suiteByID(id); s == nil || s.psk() {
			t.Fatalf("suite 0x%04x offered for pki only", id)
		}
	}
	if n := len(offeredSuites(true, true)); n != len(allSuites) {
		t.Fatalf("combined offer: got %d, want %d", n, len(allSuites))
	}

	offer := []uint16{uint16(piondtls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256), uint16(piondtls.TLS_PSK_WITH_AES_128_CCM)}
	if s := selectSuite(offer, true, false); s == nil || s.id != piondtls.TLS_PSK_WITH_AES_128_CCM {
		t.Fatalf("psk-only server picked %v", s)
	}
	if s := selectSuite(offer, true, true); s == nil || s.id != piondtls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256 {
		t.Fatalf("client preference ignored: %v", s)
	}
	if s := selectSuite(offer, false, false); s != nil {
		t.Fatalf("no credentials must select nothing")
	}
}

func TestReplayWindow(t *testing.T) {
	var w replayWindow
	for _, seq := range []uint64{5, 3, 70} {
		if !w.check(seq) {
			t.Fatalf("fresh %d rejected", seq)
		}
		w.accept(seq)
	}
	if w.check(70) || w.check(5) {
		t.Fatalf("duplicate accepted")
	}
	if w.check(3) {
		t.Fatalf("record older than the window accepted")
	}
	if !w.check(69) || !w.check(71) {
		t.Fatalf("in-window fresh record rejected")
	}
}

func TestNoneBackend(t *testing.T) {
	be := NewNone()
	if Available(be) {
		t.Fatalf("none backend reported available")
	}
	if _, err := be.NewClientEnv(&pipe{}, nil); !errors.Is(err, ErrDisabled) {
		t.Fatalf("got %v, want ErrDisabled", err)
	}
	if _, ok := be.(ContextTimer); ok {
		t.Fatalf("none backend must not expose a context timer")
	}
}
