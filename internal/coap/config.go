package coap

import (
	"time"

	"github.com/dalbodeule/hop-coap/internal/clock"
	"github.com/dalbodeule/hop-coap/internal/dtls"
	"github.com/dalbodeule/hop-coap/internal/logging"
	"github.com/dalbodeule/hop-coap/internal/protocol"
)

// 기본값은 RFC 7252 4.8 전송 파라미터와 RFC 8323 의 CSM 권장값을 따릅니다.
const (
	DefaultAckTimeout      = 2 * time.Second
	DefaultAckRandomFactor = 1.5
	DefaultMaxRetransmit   = 4
	DefaultSessionTimeout  = 300 * time.Second
	DefaultCSMTimeout      = 30 * time.Second
	DefaultMaxSockets      = 64

	// maxMissedPongs 번 연속으로 pong 이 없으면 세션을 끊습니다.
	maxMissedPongs = 2
)

// Config 는 Context 생성 옵션입니다. 0 값 필드는 기본값으로 채워집니다.
type Config struct {
	Clock  clock.Clock
	Logger logging.Logger

	// Backend 는 DTLS 구현입니다. nil 이면 DTLS 가 비활성화됩니다(dtls.NewNone).
	Backend dtls.Backend

	AckTimeout      time.Duration
	AckRandomFactor float64
	MaxRetransmit   int

	SessionTimeout  time.Duration
	MaxIdleSessions int

	// PingInterval 이 0 이면 TCP 클라이언트 세션 keepalive 를 보내지 않습니다.
	PingInterval time.Duration
	// CSMTimeout 이 음수면 CSM 협상 시간 제한을 끕니다.
	CSMTimeout time.Duration

	// MaxSockets 는 한 tick 에 감시할 수 있는 소켓 수입니다. 넘으면 ErrWatchOverflow 입니다.
	MaxSockets int

	// ReadBufferSize 는 Context 가 소유하는 수신 버퍼 크기입니다.
	ReadBufferSize int

	// PacketLoss 는 테스트용 송신 손실 정책 문자열입니다("2-3,7" 또는 "10%").
	PacketLoss string

	Events    EventHandler
	Nacks     NackHandler
	Datagrams DatagramHandler
	Pongs     PongHandler
	Notifier  Notifier

	// RandSeed 가 0 이 아니면 ACK 타임아웃 난수와 Message ID 시작값을 고정합니다.
	RandSeed uint64
}

func (c *Config) setDefaults() {
	if c.Clock == nil {
		c.Clock = clock.NewSystem()
	}
	if c.Logger == nil {
		c.Logger = logging.Nop()
	}
	if c.Backend == nil {
		c.Backend = dtls.NewNone()
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.AckRandomFactor < 1 {
		c.AckRandomFactor = DefaultAckRandomFactor
	}
	if c.MaxRetransmit <= 0 {
		c.MaxRetransmit = DefaultMaxRetransmit
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = DefaultSessionTimeout
	}
	if c.CSMTimeout == 0 {
		c.CSMTimeout = DefaultCSMTimeout
	}
	if c.MaxSockets <= 0 {
		c.MaxSockets = DefaultMaxSockets
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = protocol.MaxDatagramSize
	}
}
