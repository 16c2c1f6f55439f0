package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/lib/pq"

	"github.com/dalbodeule/hop-coap/internal/dtls"
	"github.com/dalbodeule/hop-coap/internal/logging"
)

// MaxIdentityLength 는 DTLS PSK identity 의 최대 길이입니다 (RFC 4279 5.3).
const MaxIdentityLength = 128

var (
	// ErrInvalidIdentity 는 identity 가 비어 있거나 너무 길거나 제어 문자를 포함한 경우입니다.
	ErrInvalidIdentity = errors.New("invalid psk identity")

	// ErrInvalidKey 는 PSK 가 비어 있는 경우입니다.
	ErrInvalidKey = errors.New("invalid psk key")

	// ErrIdentityExists 는 이미 등록된 identity 를 다시 등록하려 한 경우입니다.
	ErrIdentityExists = errors.New("psk identity already registered")

	// ErrIdentityNotFound 는 등록되지 않은 identity 입니다.
	ErrIdentityNotFound = errors.New("psk identity not found")
)

// PSKEntry 는 등록된 PSK identity 하나입니다. Key 는 JSON 으로 내보내지 않습니다.
type PSKEntry struct {
	Identity  string    `json:"identity"`
	Memo      string    `json:"memo,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Key       []byte    `json:"-"`
}

// PSKStore 는 PSK identity 테이블입니다. (ko)
// 전체 테이블을 메모리에 올려 두고 DTLS 핸드셰이크의 PSK 콜백(LookupPSK)은 메모리만 봅니다.
// 쓰기(Put/Delete)는 DB 에 먼저 반영한 뒤 메모리를 갱신합니다. db 가 nil 이면 메모리 전용입니다.
//
// PSKStore is the PSK identity table, preloaded into memory. LookupPSK runs inside the
// engine tick and never touches the database; writes go to PostgreSQL first. (en)
type PSKStore struct {
	logger logging.Logger
	db     *sql.DB

	mu      sync.RWMutex
	entries map[string]PSKEntry

	now func() time.Time
}

// NewPSKStore 는 PSKStore 를 생성합니다. db 가 nil 이면 재시작 시 내용이 사라집니다.
func NewPSKStore(logger logging.Logger, db *sql.DB) *PSKStore {
	if logger == nil {
		logger = logging.Nop()
	}
	return &PSKStore{
		logger:  logger.With(logging.Fields{"component": "psk_store"}),
		db:      db,
		entries: make(map[string]PSKEntry),
		now:     time.Now,
	}
}

// NormalizeIdentity 는 앞뒤 공백을 제거하고 identity 형식을 검증합니다.
func NormalizeIdentity(identity string) (string, error) {
	id := strings.TrimSpace(identity)
	if id == "" || len(id) > MaxIdentityLength {
		return "", ErrInvalidIdentity
	}
	for _, r := range id {
		if unicode.IsControl(r) {
			return "", ErrInvalidIdentity
		}
	}
	return id, nil
}

// Load 는 DB 의 전체 identity 를 메모리로 다시 읽습니다. 기존 메모리 내용은 교체됩니다.
func (s *PSKStore) Load(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT identity, psk, memo, created_at, updated_at FROM psk_identities`)
	if err != nil {
		return fmt.Errorf("load psk identities: %w", err)
	}
	defer rows.Close()

	loaded := make(map[string]PSKEntry)
	for rows.Next() {
		var e PSKEntry
		if err := rows.Scan(&e.Identity, &e.Key, &e.Memo, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return fmt.Errorf("scan psk identity: %w", err)
		}
		loaded[e.Identity] = e
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load psk identities: %w", err)
	}

	s.mu.Lock()
	s.entries = loaded
	s.mu.Unlock()

	s.logger.Info("psk identities loaded", logging.Fields{"count": len(loaded)})
	return nil
}

// Put 은 새 identity 를 등록합니다. 이미 있으면 ErrIdentityExists 입니다.
func (s *PSKStore) Put(ctx context.Context, identity string, key []byte, memo string) (PSKEntry, error) {
	id, err := NormalizeIdentity(identity)
	if err != nil {
		return PSKEntry{}, err
	}
	if len(key) == 0 {
		return PSKEntry{}, ErrInvalidKey
	}

	s.mu.RLock()
	_, exists := s.entries[id]
	s.mu.RUnlock()
	if exists {
		return PSKEntry{}, ErrIdentityExists
	}

	now := s.now().UTC()
	e := PSKEntry{
		Identity:  id,
		Memo:      strings.TrimSpace(memo),
		CreatedAt: now,
		UpdatedAt: now,
		Key:       append([]byte(nil), key...),
	}

	if s.db != nil {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO psk_identities (identity, psk, memo, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
			e.Identity, e.Key, e.Memo, e.CreatedAt, e.UpdatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return PSKEntry{}, ErrIdentityExists
			}
			s.logger.Error("failed to insert psk identity", logging.Fields{
				"identity": dtls.MaskIdentity(id),
				"error":    err.Error(),
			})
			return PSKEntry{}, fmt.Errorf("insert psk identity: %w", err)
		}
	}

	s.mu.Lock()
	if _, raced := s.entries[id]; raced {
		s.mu.Unlock()
		return PSKEntry{}, ErrIdentityExists
	}
	s.entries[id] = e
	s.mu.Unlock()

	s.logger.Info("psk identity registered", logging.Fields{"identity": dtls.MaskIdentity(id)})
	return e, nil
}

// Delete 는 identity 를 삭제합니다. 없으면 ErrIdentityNotFound 입니다.
func (s *PSKStore) Delete(ctx context.Context, identity string) error {
	id, err := NormalizeIdentity(identity)
	if err != nil {
		return err
	}

	if s.db != nil {
		res, err := s.db.ExecContext(ctx, `DELETE FROM psk_identities WHERE identity = $1`, id)
		if err != nil {
			return fmt.Errorf("delete psk identity: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			s.forget(id)
			return ErrIdentityNotFound
		}
	}

	s.mu.Lock()
	_, ok := s.entries[id]
	delete(s.entries, id)
	s.mu.Unlock()
	if !ok && s.db == nil {
		return ErrIdentityNotFound
	}

	s.logger.Info("psk identity unregistered", logging.Fields{"identity": dtls.MaskIdentity(id)})
	return nil
}

func (s *PSKStore) forget(id string) {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
}

// Get 은 identity 정보를 돌려줍니다.
func (s *PSKStore) Get(identity string) (PSKEntry, bool) {
	id, err := NormalizeIdentity(identity)
	if err != nil {
		return PSKEntry{}, false
	}
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	return e, ok
}

// List 는 identity 순으로 정렬된 목록을 돌려줍니다.
func (s *PSKStore) List() []PSKEntry {
	s.mu.RLock()
	out := make([]PSKEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b PSKEntry) int { return strings.Compare(a.Identity, b.Identity) })
	return out
}

func (s *PSKStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// LookupPSK 는 dtls.PSKLookup 구현입니다. 메모리만 조회합니다.
func (s *PSKStore) LookupPSK(identity []byte) ([]byte, error) {
	s.mu.RLock()
	e, ok := s.entries[string(identity)]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", dtls.ErrUnknownIdentity, dtls.MaskIdentity(string(identity)))
	}
	return e.Key, nil
}

// isUniqueViolation 은 PostgreSQL unique_violation(23505) 인지 확인합니다.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
