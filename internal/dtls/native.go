package dtls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/pion/dtls/v3/pkg/protocol"
	"github.com/pion/dtls/v3/pkg/protocol/handshake"
	"github.com/pion/dtls/v3/pkg/protocol/recordlayer"

	"github.com/dalbodeule/hop-coap/internal/clock"
	"github.com/dalbodeule/hop-coap/internal/logging"
	"github.com/dalbodeule/hop-coap/internal/observability"
)

// DefaultRetransmit 는 핸드셰이크 flight 의 기본 재전송 간격입니다(RFC 6347 4.2.4.1).
const DefaultRetransmit = time.Second

// NativeConfig 는 native 백엔드 생성 옵션입니다.
type NativeConfig struct {
	// Server 는 서버 엔드포인트에서 사용할 자격 증명입니다. 클라이언트 전용이면 nil 이어도 됩니다.
	Server *ServerCredentials

	Clock      clock.Clock
	Retransmit time.Duration
	Logger     logging.Logger

	// ReplayProtection 은 epoch 1 레코드 재생 윈도를 켭니다.
	ReplayProtection bool
}

// nativeBackend 는 pion 의 레코드/핸드셰이크/암호 패키지 위에 올린 논블로킹 DTLS 1.2 구현입니다.
// 소켓을 소유하지 않고, 세션이 넘겨주는 데이터그램만 처리합니다.
type nativeBackend struct {
	creds      *ServerCredentials
	clk        clock.Clock
	retransmit clock.Tick
	log        logging.Logger
	replay     bool

	cookies *cookieJar
	sni     sniCache[*tls.Certificate]
	pskSNI  sniCache[*PSKInfo]
}

// NewNative 는 native DTLS 백엔드를 생성합니다.
func NewNative(cfg NativeConfig) (Backend, error) {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewSystem()
	}
	if cfg.Retransmit <= 0 {
		cfg.Retransmit = DefaultRetransmit
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.Server == nil {
		cfg.Server = &ServerCredentials{}
	}
	jar, err := newCookieJar()
	if err != nil {
		return nil, err
	}
	partitionSuites()

	rt := clock.Ticks(cfg.Clock.Rate(), cfg.Retransmit)
	if rt == 0 {
		rt = 1
	}
	return &nativeBackend{
		creds:      cfg.Server,
		clk:        cfg.Clock,
		retransmit: rt,
		log:        cfg.Logger.With(logging.Fields{"component": "dtls"}),
		replay:     cfg.ReplayProtection,
		cookies:    jar,
	}, nil
}

func (b *nativeBackend) Name() string { return "native" }

func (b *nativeBackend) Overhead() int { return maxOverhead() }

// Hello 는 RFC 6347 4.2.1 의 상태 없는 쿠키 교환을 수행합니다.
// 유효한 쿠키를 가진 ClientHello 만 HelloAccept 를 돌려주며, 그 외에는 어떤 상태도 남기지 않습니다.
func (b *nativeBackend) Hello(remote string, datagram []byte, reply Transport) (HelloResult, error) {
	recs, err := recordlayer.UnpackDatagram(datagram)
	if err != nil || len(recs) == 0 {
		return HelloIgnore, nil
	}
	var rh recordlayer.Header
	if err := rh.Unmarshal(recs[0]); err != nil {
		return HelloIgnore, nil
	}
	if rh.ContentType != protocol.ContentTypeHandshake || rh.Epoch != 0 {
		return HelloIgnore, nil
	}
	body := recs[0][recordlayer.FixedHeaderSize:]

	var hs handshake.Handshake
	if err := hs.Unmarshal(body); err != nil {
		// 단편화된 ClientHello 는 첫 교환에서 지원하지 않습니다.
		return HelloIgnore, nil
	}
	ch, ok := hs.Message.(*handshake.MessageClientHello)
	if !ok {
		return HelloIgnore, nil
	}
	if b.cookies.verify(remote, ch) {
		return HelloAccept, nil
	}
	if err := b.challenge(remote, ch, hs.Header.MessageSequence, rh.SequenceNumber, reply); err != nil {
		return HelloChallenge, err
	}
	return HelloChallenge, nil
}

// challenge 는 ClientHello 에 대한 쿠키를 만들어 HelloVerifyRequest 로 돌려보냅니다. 상태는 남기지 않습니다.
func (b *nativeBackend) challenge(remote string, ch *handshake.MessageClientHello, msgSeq uint16, recordSeq uint64, reply Transport) error {
	cookie := b.cookies.generate(remote, ch)
	hvr, err := helloVerifyRequest(cookie, msgSeq, recordSeq)
	if err != nil {
		return fmt.Errorf("build hello verify request: %w", err)
	}
	if _, err := reply.WriteDatagram(hvr); err != nil {
		return fmt.Errorf("send hello verify request: %w", err)
	}
	observability.DTLSCookieChallengesTotal.Inc()
	b.log.Debug("dtls cookie challenge sent", logging.Fields{"remote": remote})
	return nil
}

func (b *nativeBackend) NewServerEnv(t Transport, remote string) (Env, error) {
	if !b.creds.pskCapable() && !b.creds.pkiCapable() {
		return nil, errors.New("dtls: server has neither psk nor certificate credentials")
	}
	f := &serverFlow{backend: b, remote: remote}
	c := newConn(RoleServer, t, b.clk, b.retransmit, b.log.With(logging.Fields{"remote": remote}), f)
	c.records.replayProtection = b.replay
	return c, nil
}

func (b *nativeBackend) NewClientEnv(t Transport, creds *ClientCredentials) (Env, error) {
	if creds == nil {
		creds = &ClientCredentials{}
	}
	if len(creds.PSKIdentity) > 0 && len(creds.PSKKey) == 0 {
		return nil, errors.New("dtls: psk identity without key")
	}
	f := &clientFlow{creds: creds}
	c := newConn(RoleClient, t, b.clk, b.retransmit, b.log, f)
	c.records.replayProtection = b.replay
	return c, nil
}

// SNICacheLen 은 캐시된 SNI 항목 수(PKI + PSK)입니다. 세션 스냅샷과 테스트에서 사용합니다.
func SNICacheLen(be Backend) int {
	if nb, ok := be.(*nativeBackend); ok {
		return nb.sni.len() + nb.pskSNI.len()
	}
	return 0
}
