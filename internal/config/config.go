package config

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// LoggingConfig 는 공통 로그 설정을 담습니다.
type LoggingConfig struct {
	Level string // 예: "debug", "info", "warn", "error"
}

// EngineConfig 는 서버/클라이언트가 공유하는 CoAP 엔진 파라미터입니다.
// 0 값은 coap 패키지 기본값(RFC 7252 4.8)으로 대체됩니다.
type EngineConfig struct {
	MaxRetransmit   int
	AckTimeout      time.Duration
	SessionTimeout  time.Duration
	MaxIdleSessions int
	PingInterval    time.Duration // 0 이면 keepalive 끔
	CSMTimeout      time.Duration
	DTLSRetransmit  time.Duration
	MaxSockets      int
	PacketLoss      string        // 테스트용 손실 정책 ("2-3,7" 또는 "10%")
	TickCeiling     time.Duration // RunOnce 한 번의 최대 대기 시간
	TLSBackend      string        // "native" | "none"
}

// ServerConfig 는 서버 프로세스 설정을 담습니다.
type ServerConfig struct {
	UDPListen       string   // 예: ":5683"
	DTLSListen      string   // 예: ":5684"
	TCPListen       string   // 비어 있으면 TCP 엔드포인트 없음
	MulticastGroups []string // UDP 엔드포인트가 가입할 그룹 (예: "224.0.1.187", "ff02::fd")

	PSKHint    string            // ServerKeyExchange 에 실을 identity hint
	PSKKeys    map[string][]byte // identity -> key (HOP_COAP_PSK_KEYS, hex)
	CertFile   string
	KeyFile    string
	SelfSigned bool   // 인증서가 없으면 자체 서명 인증서를 만들어 사용
	SNIDir     string // <name>.crt / <name>.key 쌍을 SNI 로 찾는 디렉터리

	MetricsListen string // 예: ":9100", 비어 있으면 관리/메트릭 HTTP 없음
	AdminAPIKey   string // 관리 API Bearer 토큰
	DBDSN         string // 비어 있지 않으면 PostgreSQL PSK 저장소 사용

	Debug bool

	Engine  EngineConfig
	Logging LoggingConfig
}

// ClientConfig 는 클라이언트 프로세스 설정을 담습니다.
// 값은 .env/환경변수와 CLI 인자를 조합해 구성하며,
// CLI 인자가 우선, env 가 후순위로 적용됩니다.
type ClientConfig struct {
	ServerAddr  string // host:port
	Proto       string // udp | dtls | tcp
	PSKIdentity string
	PSKKey      []byte
	SNI         string
	Insecure    bool // true 이면 서버 인증서 검증을 건너뜁니다.
	Debug       bool

	Engine  EngineConfig
	Logging LoggingConfig
}

var (
	dotenvOnce sync.Once
	dotenvErr  error
)

// loadDotEnvOnce 는 현재 작업 디렉터리의 .env 파일을 한 번만 읽어서 os.Environ 에 주입합니다.
// - KEY=VALUE, export KEY=VALUE 형식을 지원
// - # 으로 시작하는 줄은 주석으로 간주합니다.
func loadDotEnvOnce() {
	dotenvOnce.Do(func() {
		dotenvErr = loadDotEnv(".env")
	})
}

func loadDotEnv(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// .env 가 없으면 조용히 무시
			return nil
		}
		return err
	}
	if fi.IsDir() {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		// 양 끝의 작은/큰따옴표 제거
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)

		if key != "" {
			// 이미 OS 환경변수에 설정된 값이 있는 경우 이를 우선시합니다.
			if _, exists := os.LookupEnv(key); !exists {
				_ = os.Setenv(key, val)
			}
		}
	}
	return scanner.Err()
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getEnvInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

// getEnvDuration 은 "1500ms", "2s" 같은 Go duration 과 초 단위 정수("30")를 모두 받습니다.
func getEnvDuration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func parseCSVEnv(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseKeyValueCSV 는 "k1=v1,k2=v2" 형태의 문자열을 map 으로 변환합니다.
func parseKeyValueCSV(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	m := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		k := strings.TrimSpace(kv[0])
		v := strings.TrimSpace(kv[1])
		if k != "" {
			m[k] = v
		}
	}
	return m
}

// parsePSKKeys 는 "identity=hexkey,..." 형식을 identity -> key 로 변환합니다.
func parsePSKKeys(raw string) (map[string][]byte, error) {
	kv := parseKeyValueCSV(raw)
	if len(kv) == 0 {
		return nil, nil
	}
	out := make(map[string][]byte, len(kv))
	for id, hexKey := range kv {
		key, err := DecodeKey(hexKey)
		if err != nil {
			return nil, fmt.Errorf("psk %q: %w", id, err)
		}
		out[id] = key
	}
	return out, nil
}

// DecodeKey 는 hex 로 인코딩된 PSK 를 디코딩합니다. 빈 키는 허용하지 않습니다.
func DecodeKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("decode hex key: %w", err)
	}
	if len(key) == 0 {
		return nil, errors.New("empty key")
	}
	return key, nil
}

// normalizePort 는 숫자 포트만 지정된 경우 ":" 를 붙입니다 (예: "5683" -> ":5683").
func normalizePort(p string, def string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return def
	}
	if strings.HasPrefix(p, ":") {
		return p
	}
	// 숫자로만 구성된 경우 ":" prefix 를 붙입니다.
	if _, err := strconv.Atoi(p); err == nil {
		return ":" + p
	}
	return p
}

// loadLoggingFromEnv 는 공통 로그 설정을 .env/환경변수에서 읽어옵니다.
func loadLoggingFromEnv() LoggingConfig {
	return LoggingConfig{Level: getEnvOrDefault("HOP_LOG_LEVEL", "info")}
}

// loadEngineFromEnv 는 서버/클라이언트 공통 엔진 파라미터를 읽습니다.
func loadEngineFromEnv() (EngineConfig, error) {
	var (
		e    EngineConfig
		errs []error
	)
	intVar := func(dst *int, key string, def int) {
		v, err := getEnvInt(key, def)
		errs = append(errs, err)
		*dst = v
	}
	durVar := func(dst *time.Duration, key string, def time.Duration) {
		v, err := getEnvDuration(key, def)
		errs = append(errs, err)
		*dst = v
	}

	intVar(&e.MaxRetransmit, "HOP_COAP_MAX_RETRANSMIT", 4)
	durVar(&e.AckTimeout, "HOP_COAP_ACK_TIMEOUT", 2*time.Second)
	durVar(&e.SessionTimeout, "HOP_COAP_SESSION_TIMEOUT", 300*time.Second)
	intVar(&e.MaxIdleSessions, "HOP_COAP_MAX_IDLE_SESSIONS", 0)
	durVar(&e.PingInterval, "HOP_COAP_PING_INTERVAL", 0)
	durVar(&e.CSMTimeout, "HOP_COAP_CSM_TIMEOUT", 30*time.Second)
	durVar(&e.DTLSRetransmit, "HOP_COAP_DTLS_RETRANSMIT", time.Second)
	intVar(&e.MaxSockets, "HOP_COAP_MAX_SOCKETS", 64)
	durVar(&e.TickCeiling, "HOP_COAP_TICK_CEILING", time.Second)
	e.PacketLoss = os.Getenv("HOP_COAP_PACKET_LOSS")
	e.TLSBackend = strings.ToLower(getEnvOrDefault("HOP_COAP_TLS_BACKEND", "native"))

	if err := errors.Join(errs...); err != nil {
		return EngineConfig{}, err
	}
	switch e.TLSBackend {
	case "native", "none":
	default:
		return EngineConfig{}, fmt.Errorf("HOP_COAP_TLS_BACKEND: unknown backend %q", e.TLSBackend)
	}
	return e, nil
}

// LoadServerConfigFromEnv 는 .env 를 한 번 읽어 현재 환경변수를 보완한 뒤
// "환경변수 > .env" 우선순위로 서버 설정을 구성합니다.
func LoadServerConfigFromEnv() (*ServerConfig, error) {
	loadDotEnvOnce()
	if dotenvErr != nil {
		return nil, dotenvErr
	}

	engine, err := loadEngineFromEnv()
	if err != nil {
		return nil, err
	}
	keys, err := parsePSKKeys(os.Getenv("HOP_COAP_PSK_KEYS"))
	if err != nil {
		return nil, fmt.Errorf("HOP_COAP_PSK_KEYS: %w", err)
	}

	cfg := &ServerConfig{
		UDPListen:       normalizePort(getEnvOrDefault("HOP_COAP_UDP_LISTEN", ":5683"), ":5683"),
		DTLSListen:      normalizePort(getEnvOrDefault("HOP_COAP_DTLS_LISTEN", ":5684"), ":5684"),
		TCPListen:       normalizePort(os.Getenv("HOP_COAP_TCP_LISTEN"), ""),
		MulticastGroups: parseCSVEnv("HOP_COAP_MULTICAST_GROUPS"),
		PSKHint:         os.Getenv("HOP_COAP_PSK_HINT"),
		PSKKeys:         keys,
		CertFile:        os.Getenv("HOP_COAP_CERT_FILE"),
		KeyFile:         os.Getenv("HOP_COAP_KEY_FILE"),
		SelfSigned:      getEnvBool("HOP_COAP_SELF_SIGNED", false),
		SNIDir:          os.Getenv("HOP_COAP_SNI_DIR"),
		MetricsListen:   normalizePort(getEnvOrDefault("HOP_COAP_METRICS_LISTEN", ":9100"), ":9100"),
		AdminAPIKey:     os.Getenv("HOP_COAP_ADMIN_API_KEY"),
		DBDSN:           os.Getenv("HOP_DB_DSN"),
		Debug:           getEnvBool("HOP_COAP_DEBUG", false),
		Engine:          engine,
		Logging:         loadLoggingFromEnv(),
	}
	if (cfg.CertFile == "") != (cfg.KeyFile == "") {
		return nil, errors.New("HOP_COAP_CERT_FILE and HOP_COAP_KEY_FILE must be set together")
	}
	return cfg, nil
}

// LoadClientConfigFromEnv 는 .env 를 한 번 읽어 현재 환경변수를 보완한 뒤
// "환경변수 > .env" 우선순위로 클라이언트 설정을 구성합니다.
func LoadClientConfigFromEnv() (*ClientConfig, error) {
	loadDotEnvOnce()
	if dotenvErr != nil {
		return nil, dotenvErr
	}

	engine, err := loadEngineFromEnv()
	if err != nil {
		return nil, err
	}
	var key []byte
	if raw := os.Getenv("HOP_COAP_CLIENT_PSK_KEY"); raw != "" {
		if key, err = DecodeKey(raw); err != nil {
			return nil, fmt.Errorf("HOP_COAP_CLIENT_PSK_KEY: %w", err)
		}
	}

	cfg := &ClientConfig{
		ServerAddr:  os.Getenv("HOP_COAP_CLIENT_SERVER_ADDR"),
		Proto:       strings.ToLower(getEnvOrDefault("HOP_COAP_CLIENT_PROTO", "udp")),
		PSKIdentity: os.Getenv("HOP_COAP_CLIENT_PSK_IDENTITY"),
		PSKKey:      key,
		SNI:         os.Getenv("HOP_COAP_CLIENT_SNI"),
		Insecure:    getEnvBool("HOP_COAP_CLIENT_INSECURE", false),
		Debug:       getEnvBool("HOP_COAP_CLIENT_DEBUG", false),
		Engine:      engine,
		Logging:     loadLoggingFromEnv(),
	}
	return cfg, nil
}
