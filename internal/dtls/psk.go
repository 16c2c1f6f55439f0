package dtls

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dalbodeule/hop-coap/internal/logging"
)

// ErrUnknownIdentity 는 PSK 테이블에 없는 identity 입니다.
var ErrUnknownIdentity = errors.New("dtls: unknown psk identity")

// StaticPSK 는 설정 파일/환경 변수에서 읽은 고정 PSK 테이블입니다.
// 운영 환경에서는 store.PSKStore 와 함께 Chain 으로 묶어 사용합니다.
type StaticPSK struct {
	mu     sync.RWMutex
	keys   map[string][]byte
	Logger logging.Logger
}

func NewStaticPSK(keys map[string][]byte) *StaticPSK {
	s := &StaticPSK{keys: make(map[string][]byte, len(keys))}
	for id, k := range keys {
		s.keys[id] = append([]byte(nil), k...)
	}
	return s
}

func (s *StaticPSK) Set(identity string, key []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[identity] = append([]byte(nil), key...)
}

func (s *StaticPSK) LookupPSK(identity []byte) ([]byte, error) {
	s.mu.RLock()
	key, ok := s.keys[string(identity)]
	s.mu.RUnlock()
	if !ok {
		if s.Logger != nil {
			s.Logger.Debug("psk identity not found", logging.Fields{
				"identity": MaskIdentity(string(identity)),
			})
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownIdentity, MaskIdentity(string(identity)))
	}
	return key, nil
}

// ChainPSK 는 여러 PSKLookup 을 순서대로 조회합니다. 첫 번째로 키를 찾은 결과를 사용합니다.
type ChainPSK []PSKLookup

func (c ChainPSK) LookupPSK(identity []byte) ([]byte, error) {
	err := error(ErrUnknownIdentity)
	for _, l := range c {
		if l == nil {
			continue
		}
		key, lerr := l.LookupPSK(identity)
		if lerr == nil && len(key) > 0 {
			return key, nil
		}
		if lerr != nil {
			err = lerr
		}
	}
	return nil, err
}

// MaskIdentity 는 로그에 남길 identity/키 문자열을 가립니다.
func MaskIdentity(key string) string {
	if len(key) <= 8 {
		return "***"
	}
	return key[:4] + "..." + key[len(key)-4:]
}
