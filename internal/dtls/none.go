package dtls

// noneBackend 는 DTLS 를 사용하지 않는 빌드/설정을 위한 백엔드입니다. (ko)
// noneBackend is used when DTLS support is turned off; every session request fails with ErrDisabled. (en)
type noneBackend struct{}

// NewNone 은 DTLS 를 비활성화한 백엔드를 반환합니다.
func NewNone() Backend { return noneBackend{} }

func (noneBackend) Name() string { return "none" }

func (noneBackend) Overhead() int { return 0 }

// Hello 는 항상 데이터그램을 무시합니다. (ko)
// Hello always ignores the datagram; no cookie exchange takes place. (en)
func (noneBackend) Hello(string, []byte, Transport) (HelloResult, error) {
	return HelloIgnore, ErrDisabled
}

func (noneBackend) NewServerEnv(Transport, string) (Env, error) { return nil, ErrDisabled }

func (noneBackend) NewClientEnv(Transport, *ClientCredentials) (Env, error) { return nil, ErrDisabled }

// Available 은 백엔드가 실제로 DTLS 세션을 만들 수 있는지 알려줍니다.
func Available(b Backend) bool {
	_, off := b.(noneBackend)
	return b != nil && !off
}
