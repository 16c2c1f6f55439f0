package dtls

import (
	"errors"

	"github.com/dalbodeule/hop-coap/internal/clock"
)

// Role 은 DTLS 환경이 어느 쪽 역할인지 나타냅니다.
type Role uint8

const (
	RoleClient Role = iota + 1
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// Result 는 do_handshake 결과입니다. 치명적 실패는 error 로 보고합니다.
type Result uint8

const (
	InProgress Result = iota
	Established
)

// HelloResult 는 서버 엔드포인트가 미연결 피어의 첫 데이터그램을 검사한 결과입니다.
type HelloResult uint8

const (
	// HelloIgnore: ClientHello 가 아니거나 파싱할 수 없어 버립니다.
	HelloIgnore HelloResult = iota
	// HelloChallenge: 쿠키가 없거나 틀려 HelloVerifyRequest 를 보냈습니다. 상태는 만들지 않습니다.
	HelloChallenge
	// HelloAccept: 쿠키가 유효합니다. 세션과 DTLS 환경을 만들어 같은 데이터그램을 넘기면 됩니다.
	HelloAccept
)

var (
	// ErrClosed 는 close_notify 또는 fatal alert 를 받아 연결이 닫힌 경우입니다.
	ErrClosed = errors.New("dtls: connection closed by peer")

	// ErrHandshakeFailed 는 MAC/Finished/인증서 검증 실패 등 프로토콜 오류입니다.
	ErrHandshakeFailed = errors.New("dtls: handshake failed")

	// ErrRestart 는 수립된(또는 진행 중인) 세션에 새 ClientHello 가 도착한 경우입니다.
	// 호출자는 기존 세션을 정리하고 데이터그램을 Hello 경로로 다시 보내야 합니다.
	ErrRestart = errors.New("dtls: peer restarted handshake")

	// ErrCookieInvalid 는 ClientHello 쿠키가 송신자 주소로 재계산한 값과 다를 때입니다.
	ErrCookieInvalid = errors.New("dtls: invalid cookie")

	// ErrDisabled 는 none 백엔드에서 DTLS 세션을 요청했을 때 반환됩니다.
	ErrDisabled = errors.New("dtls: transport is disabled")

	// ErrNotEstablished 는 핸드셰이크 전에 애플리케이션 데이터를 보내려 할 때입니다.
	ErrNotEstablished = errors.New("dtls: not established")
)

// Transport 는 DTLS 환경이 암호화된 데이터그램을 내보내는 통로(세션)입니다.
type Transport interface {
	WriteDatagram(b []byte) (int, error)
}

// TransportFunc 는 함수를 Transport 로 사용합니다.
type TransportFunc func(b []byte) (int, error)

func (f TransportFunc) WriteDatagram(b []byte) (int, error) { return f(b) }

// Received 는 Env.Receive 의 결과입니다.
type Received struct {
	// Data 는 복호화된 애플리케이션 레코드들입니다. 레코드 하나가 CoAP 메시지 하나입니다.
	Data [][]byte
	// Connected 는 이 호출로 핸드셰이크가 완료되었음을 뜻합니다.
	Connected bool
}

// Env 는 세션 하나가 소유하는 DTLS 환경입니다.
type Env interface {
	Role() Role
	Established() bool

	// Handshake 는 스테이징된 암호문을 소비하며 핸드셰이크를 진행합니다.
	Handshake() (Result, error)

	// Receive 는 데이터그램 하나를 스테이징하고 처리합니다.
	Receive(datagram []byte) (Received, error)

	// Send 는 애플리케이션 데이터를 암호화해 송신합니다.
	Send(plaintext []byte) (int, error)

	// Deadline 은 핸드셰이크 재전송 deadline 입니다. 대기 중인 재전송이 없으면 ok=false.
	Deadline() (deadline clock.Tick, ok bool)

	// HandleTimeout 은 재전송 배수를 올리고 마지막 flight 를 다시 보냅니다.
	HandleTimeout(now clock.Tick) error

	// TakeSeenClientHello 는 seen_client_hello 플래그를 읽고 지웁니다.
	TakeSeenClientHello() bool

	// State 는 협상 결과(스위트, PSK identity, SNI)를 반환합니다.
	State() ConnectionState

	// Close 는 수립된 연결이면 close_notify 를 보내고 키 상태를 버립니다.
	Close() error
}

// ConnectionState 는 협상된 파라미터입니다.
type ConnectionState struct {
	CipherSuite string
	PSKIdentity string
	ServerName  string
	// PeerCommonName 은 검증된 피어 인증서의 CN 입니다(서버가 클라이언트 인증서를 요구했을 때).
	PeerCommonName string
}

// Backend 는 생성 시점에 선택되는 DTLS 구현입니다.
type Backend interface {
	Name() string

	// Hello 는 서버 엔드포인트에서 알려지지 않은 피어의 데이터그램을 쿠키 프로토콜로 검사합니다.
	// reply 는 HelloVerifyRequest 를 해당 피어에게 보낼 때 사용합니다.
	Hello(remote string, datagram []byte, reply Transport) (HelloResult, error)

	NewServerEnv(t Transport, remote string) (Env, error)
	NewClientEnv(t Transport, creds *ClientCredentials) (Env, error)

	// Overhead 는 레코드 하나당 최대 추가 바이트 수입니다.
	Overhead() int
}

// ContextTimer 는 세션별이 아니라 컨텍스트 단위로 재전송 타이머를 관리하는 백엔드가 구현합니다.
type ContextTimer interface {
	ContextDeadline() (clock.Tick, bool)
	HandleContextTimeout(now clock.Tick)
}
