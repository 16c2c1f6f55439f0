package store

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/dalbodeule/hop-coap/internal/dtls"
	"github.com/dalbodeule/hop-coap/internal/logging"
)

func TestPSKStoreMemory(t *testing.T) {
	s := NewPSKStore(logging.Nop(), nil)
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }
	ctx := context.Background()

	e, err := s.Put(ctx, "  node-2 ", []byte("secret-2"), " rack b ")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if e.Identity != "node-2" || e.Memo != "rack b" || !e.CreatedAt.Equal(fixed) {
		t.Errorf("entry: %+v", e)
	}
	if _, err := s.Put(ctx, "node-1", []byte("secret-1"), ""); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := s.Put(ctx, "node-1", []byte("other"), ""); !errors.Is(err, ErrIdentityExists) {
		t.Errorf("duplicate put: got %v, want ErrIdentityExists", err)
	}

	key, err := s.LookupPSK([]byte("node-1"))
	if err != nil || !bytes.Equal(key, []byte("secret-1")) {
		t.Errorf("lookup: got %q %v", key, err)
	}

	list := s.List()
	if len(list) != 2 || list[0].Identity != "node-1" || list[1].Identity != "node-2" {
		t.Errorf("list order: %+v", list)
	}

	if err := s.Delete(ctx, "node-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, "node-1"); !errors.Is(err, ErrIdentityNotFound) {
		t.Errorf("second delete: got %v, want ErrIdentityNotFound", err)
	}
	if _, err := s.LookupPSK([]byte("node-1")); !errors.Is(err, dtls.ErrUnknownIdentity) {
		t.Errorf("lookup after delete: got %v, want ErrUnknownIdentity", err)
	}
	if s.Len() != 1 {
		t.Errorf("len: got %d, want 1", s.Len())
	}
}

func TestPSKStoreCopiesKey(t *testing.T) {
	s := NewPSKStore(nil, nil)
	key := []byte("abcd")
	if _, err := s.Put(context.Background(), "n", key, ""); err != nil {
		t.Fatalf("put: %v", err)
	}
	key[0] = 'z'
	got, _ := s.LookupPSK([]byte("n"))
	if string(got) != "abcd" {
		t.Errorf("stored key: got %q, want abcd", got)
	}
}

func TestNormalizeIdentity(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"node-1", "node-1", false},
		{" node-1\t", "node-1", false},
		{"", "", true},
		{"   ", "", true},
		{"bad\x00id", "", true},
		{strings.Repeat("a", MaxIdentityLength+1), "", true},
	}
	for _, tt := range tests {
		got, err := NormalizeIdentity(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("NormalizeIdentity(%q): got %q, %v", tt.in, got, err)
		}
	}
}

func TestPSKStoreRejectsEmptyKey(t *testing.T) {
	s := NewPSKStore(nil, nil)
	if _, err := s.Put(context.Background(), "n", nil, ""); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("got %v, want ErrInvalidKey", err)
	}
}

// TestPSKStorePostgres 는 HOP_TEST_DB_DSN 이 설정된 경우에만 실행됩니다.
func TestPSKStorePostgres(t *testing.T) {
	dsn := os.Getenv("HOP_TEST_DB_DSN")
	if dsn == "" {
		t.Skip("HOP_TEST_DB_DSN not set")
	}
	ctx := context.Background()
	cfg := defaultConfig()
	cfg.DSN = dsn
	db, err := OpenPostgres(ctx, logging.Nop(), cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	identity := "test-" + time.Now().Format("150405.000000")
	s := NewPSKStore(logging.Nop(), db)
	if _, err := s.Put(ctx, identity, []byte("k"), "integration"); err != nil {
		t.Fatalf("put: %v", err)
	}
	t.Cleanup(func() { _ = s.Delete(ctx, identity) })

	fresh := NewPSKStore(logging.Nop(), db)
	if err := fresh.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if e, ok := fresh.Get(identity); !ok || e.Memo != "integration" {
		t.Errorf("reloaded entry: %+v %v", e, ok)
	}

	// 다른 인스턴스가 이미 넣은 identity 는 unique 위반으로 걸러집니다.
	other := NewPSKStore(logging.Nop(), db)
	if _, err := other.Put(ctx, identity, []byte("k2"), ""); !errors.Is(err, ErrIdentityExists) {
		t.Errorf("duplicate insert: got %v, want ErrIdentityExists", err)
	}
}

func TestMaskDSN(t *testing.T) {
	if got := maskDSN(""); got != "" {
		t.Errorf("empty: got %q", got)
	}
	if got := maskDSN("postgres://u:p@h/db"); got != "***" {
		t.Errorf("dsn: got %q, want ***", got)
	}
}
