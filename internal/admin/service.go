package admin

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/dalbodeule/hop-coap/internal/dtls"
	"github.com/dalbodeule/hop-coap/internal/logging"
	"github.com/dalbodeule/hop-coap/internal/store"
)

// pskKeyLen 은 자동 생성되는 PSK 길이(바이트)입니다. CCM_8 스위트는 16바이트 키를 씁니다.
const pskKeyLen = 16

// PSKService 는 PSK identity 등록/해제 및 조회를 담당하는 비즈니스 로직 인터페이스입니다.
// 실제 구현에서는 store.PSKStore(PostgreSQL 또는 메모리)를 주입받아 동작하게 됩니다.
type PSKService interface {
	// RegisterIdentity 는 새 identity 를 등록하고, 랜덤 PSK 를 생성해 hex 문자열로 반환합니다.
	// 키는 이 응답에서 한 번만 노출됩니다.
	RegisterIdentity(ctx context.Context, identity, memo string) (pskHex string, err error)

	// UnregisterIdentity 는 identity 등록을 해제합니다.
	UnregisterIdentity(ctx context.Context, identity string) error

	// GetIdentity 는 identity 정보를 반환합니다. 없으면 ErrIdentityNotFound 입니다.
	GetIdentity(ctx context.Context, identity string) (store.PSKEntry, error)

	// ListIdentities 는 등록된 identity 목록을 반환합니다.
	ListIdentities(ctx context.Context) ([]store.PSKEntry, error)
}

// PSKServiceImpl 는 store.PSKStore 를 사용해 PSKService 를 구현한 구조체입니다.
type PSKServiceImpl struct {
	logger logging.Logger
	store  *store.PSKStore
}

// NewPSKService 는 기본 PSKService 구현체를 생성합니다.
func NewPSKService(logger logging.Logger, st *store.PSKStore) PSKService {
	return &PSKServiceImpl{
		logger: logger.With(logging.Fields{"component": "psk_service"}),
		store:  st,
	}
}

// RegisterIdentity 는 새 identity 를 등록하고, 랜덤 16바이트 PSK 를 생성해 반환합니다.
func (s *PSKServiceImpl) RegisterIdentity(ctx context.Context, identity, memo string) (string, error) {
	id, err := store.NormalizeIdentity(identity)
	if err != nil {
		return "", ErrInvalidIdentity
	}
	if ctx == nil {
		ctx = context.Background()
	}

	key, err := generateKey(pskKeyLen)
	if err != nil {
		return "", fmt.Errorf("generate psk: %w", err)
	}

	if _, err := s.store.Put(ctx, id, key, memo); err != nil {
		if errors.Is(err, store.ErrIdentityExists) {
			return "", ErrIdentityExists
		}
		s.logger.Error("failed to register psk identity", logging.Fields{
			"identity": dtls.MaskIdentity(id),
			"error":    err.Error(),
		})
		return "", fmt.Errorf("register psk identity: %w", err)
	}

	keyHex := hex.EncodeToString(key)
	s.logger.Info("psk identity registered", logging.Fields{
		"identity":   dtls.MaskIdentity(id),
		"psk_masked": maskKey(keyHex),
	})
	return keyHex, nil
}

// UnregisterIdentity 는 identity 를 삭제합니다.
func (s *PSKServiceImpl) UnregisterIdentity(ctx context.Context, identity string) error {
	id, err := store.NormalizeIdentity(identity)
	if err != nil {
		return ErrInvalidIdentity
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.store.Delete(ctx, id); err != nil {
		if errors.Is(err, store.ErrIdentityNotFound) {
			return ErrIdentityNotFound
		}
		s.logger.Error("failed to unregister psk identity", logging.Fields{
			"identity": dtls.MaskIdentity(id),
			"error":    err.Error(),
		})
		return fmt.Errorf("unregister psk identity: %w", err)
	}
	return nil
}

// GetIdentity 는 identity 정보를 반환합니다.
func (s *PSKServiceImpl) GetIdentity(_ context.Context, identity string) (store.PSKEntry, error) {
	id, err := store.NormalizeIdentity(identity)
	if err != nil {
		return store.PSKEntry{}, ErrInvalidIdentity
	}
	e, ok := s.store.Get(id)
	if !ok {
		return store.PSKEntry{}, ErrIdentityNotFound
	}
	return e, nil
}

func (s *PSKServiceImpl) ListIdentities(_ context.Context) ([]store.PSKEntry, error) {
	return s.store.List(), nil
}

// generateKey 는 n 바이트 랜덤 키를 생성합니다.
func generateKey(n int) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("invalid key length: %d", n)
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// maskKey 는 로그 등에 사용할 수 있도록 키를 마스킹합니다.
func maskKey(key string) string {
	key = strings.TrimSpace(key)
	if len(key) <= 8 {
		if key == "" {
			return ""
		}
		return "***"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

var (
	// ErrInvalidIdentity 는 identity 문자열이 비어있거나 형식이 잘못된 경우를 나타냅니다.
	ErrInvalidIdentity = errors.New("invalid psk identity")

	// ErrIdentityExists 는 이미 등록된 identity 입니다.
	ErrIdentityExists = errors.New("psk identity already registered")

	// ErrIdentityNotFound 는 identity 에 해당하는 레코드가 없는 경우를 나타냅니다.
	ErrIdentityNotFound = errors.New("psk identity not found")
)
