package admin

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dalbodeule/hop-coap/internal/coap"
	"github.com/dalbodeule/hop-coap/internal/logging"
	"github.com/dalbodeule/hop-coap/internal/store"
)

const testAdminKey = "admin-secret"

type fixedSnapshot struct{ snap *coap.Snapshot }

func (f fixedSnapshot) Snapshot() *coap.Snapshot { return f.snap }

type adminFixture struct {
	srv   *httptest.Server
	store *store.PSKStore
	level *logging.LevelVar
}

func newAdminFixture(t *testing.T, snaps SnapshotSource) *adminFixture {
	t.Helper()
	st := store.NewPSKStore(logging.Nop(), nil)
	h := NewHandler(logging.Nop(), testAdminKey, NewPSKService(logging.Nop(), st))
	h.Snapshots = snaps
	h.Level = logging.NewLevelVar(logging.InfoLevel)

	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "hopcoap_admin_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()
	h.Metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &adminFixture{srv: srv, store: st, level: h.Level}
}

func (f *adminFixture) do(t *testing.T, method, path, body string, auth bool) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if auth {
		req.Header.Set("Authorization", "Bearer "+testAdminKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("%s %s: decode: %v", method, path, err)
	}
	return resp.StatusCode, out
}

func TestAdminRequiresBearer(t *testing.T) {
	f := newAdminFixture(t, nil)
	code, body := f.do(t, http.MethodGet, "/api/v1/admin/psk/list", "", false)
	if code != http.StatusUnauthorized || body["error"] != "unauthorized" {
		t.Errorf("got %d %v, want 401 unauthorized", code, body)
	}
}

func TestAdminEmptyKeyRejectsEverything(t *testing.T) {
	h := NewHandler(logging.Nop(), "  ", NewPSKService(logging.Nop(), store.NewPSKStore(nil, nil)))
	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/psk/list", nil)
	req.Header.Set("Authorization", "Bearer ")
	if h.authenticate(req) {
		t.Errorf("empty admin key must reject")
	}
}

func TestAdminPSKLifecycle(t *testing.T) {
	f := newAdminFixture(t, nil)

	code, body := f.do(t, http.MethodPost, "/api/v1/admin/psk/register", `{"identity":"node-7","memo":"lab"}`, true)
	if code != http.StatusOK || body["success"] != true {
		t.Fatalf("register: got %d %v", code, body)
	}
	pskHex, _ := body["psk"].(string)
	key, err := hex.DecodeString(pskHex)
	if err != nil || len(key) != pskKeyLen {
		t.Fatalf("psk: got %q (%v), want %d hex bytes", pskHex, err, pskKeyLen)
	}
	if got, err := f.store.LookupPSK([]byte("node-7")); err != nil || string(got) != string(key) {
		t.Errorf("store lookup: got %x %v", got, err)
	}

	code, _ = f.do(t, http.MethodPost, "/api/v1/admin/psk/register", `{"identity":"node-7"}`, true)
	if code != http.StatusConflict {
		t.Errorf("duplicate register: got %d, want 409", code)
	}

	code, body = f.do(t, http.MethodGet, "/api/v1/admin/psk/status?identity=node-7", "", true)
	if code != http.StatusOK || body["exists"] != true || body["memo"] != "lab" {
		t.Errorf("status: got %d %v", code, body)
	}
	if _, leaked := body["psk"]; leaked {
		t.Errorf("status must not return the key")
	}

	code, body = f.do(t, http.MethodGet, "/api/v1/admin/psk/list", "", true)
	ids, _ := body["identities"].([]any)
	if code != http.StatusOK || len(ids) != 1 {
		t.Errorf("list: got %d %v", code, body)
	}

	code, _ = f.do(t, http.MethodPost, "/api/v1/admin/psk/unregister", `{"identity":"node-7"}`, true)
	if code != http.StatusOK {
		t.Errorf("unregister: got %d, want 200", code)
	}
	code, _ = f.do(t, http.MethodPost, "/api/v1/admin/psk/unregister", `{"identity":"node-7"}`, true)
	if code != http.StatusNotFound {
		t.Errorf("second unregister: got %d, want 404", code)
	}

	code, body = f.do(t, http.MethodGet, "/api/v1/admin/psk/status?identity=node-7", "", true)
	if code != http.StatusOK || body["exists"] != false {
		t.Errorf("status after unregister: got %d %v", code, body)
	}
}

func TestAdminBadRequests(t *testing.T) {
	f := newAdminFixture(t, nil)
	tests := []struct {
		method, path, body string
		want               int
	}{
		{http.MethodGet, "/api/v1/admin/psk/register", "", http.StatusMethodNotAllowed},
		{http.MethodPost, "/api/v1/admin/psk/register", "{", http.StatusBadRequest},
		{http.MethodPost, "/api/v1/admin/psk/register", `{"identity":" "}`, http.StatusBadRequest},
		{http.MethodPost, "/api/v1/admin/psk/unregister", `{}`, http.StatusBadRequest},
		{http.MethodGet, "/api/v1/admin/psk/status", "", http.StatusBadRequest},
		{http.MethodPost, "/api/v1/admin/loglevel", `{"level":"loud"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		code, _ := f.do(t, tt.method, tt.path, tt.body, true)
		if code != tt.want {
			t.Errorf("%s %s %q: got %d, want %d", tt.method, tt.path, tt.body, code, tt.want)
		}
	}
}

func TestAdminSessions(t *testing.T) {
	f := newAdminFixture(t, nil)
	code, _ := f.do(t, http.MethodGet, "/api/v1/admin/sessions", "", true)
	if code != http.StatusServiceUnavailable {
		t.Errorf("no source: got %d, want 503", code)
	}

	snap := &coap.Snapshot{
		Backend:   "native",
		Endpoints: []coap.EndpointInfo{{Proto: "dtls", Addr: "[::]:5684", Sessions: 1}},
		Sessions:  []coap.SessionInfo{{ID: "s-1", Proto: "dtls", PSKIdentity: "***"}},
	}
	f = newAdminFixture(t, fixedSnapshot{snap: snap})
	code, body := f.do(t, http.MethodGet, "/api/v1/admin/sessions", "", true)
	if code != http.StatusOK {
		t.Fatalf("sessions: got %d %v", code, body)
	}
	got, _ := body["snapshot"].(map[string]any)
	sessions, _ := got["sessions"].([]any)
	if got["dtls_backend"] != "native" || len(sessions) != 1 {
		t.Errorf("snapshot: got %v", got)
	}
}

func TestAdminLogLevel(t *testing.T) {
	f := newAdminFixture(t, nil)
	code, body := f.do(t, http.MethodPost, "/api/v1/admin/loglevel", `{"level":"debug"}`, true)
	if code != http.StatusOK || body["level"] != "debug" {
		t.Errorf("set: got %d %v", code, body)
	}
	if got := f.level.Level(); got != logging.DebugLevel {
		t.Errorf("level var: got %s, want debug", got)
	}
	code, body = f.do(t, http.MethodGet, "/api/v1/admin/loglevel", "", true)
	if code != http.StatusOK || body["level"] != "debug" {
		t.Errorf("get: got %d %v", code, body)
	}
}

func TestMetricsEndpointIsPublic(t *testing.T) {
	f := newAdminFixture(t, nil)
	resp, err := http.Get(f.srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(b), "hopcoap_admin_test_total 1") {
		t.Errorf("metrics: got %d %q", resp.StatusCode, b)
	}
}

func TestMaskKey(t *testing.T) {
	tests := []struct{ in, want string }{
		{"", ""},
		{"abcd", "***"},
		{"0123456789abcdef", "0123...cdef"},
	}
	for _, tt := range tests {
		if got := maskKey(tt.in); got != tt.want {
			t.Errorf("maskKey(%q): got %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestServerStartAndShutdown(t *testing.T) {
	st := store.NewPSKStore(nil, nil)
	h := NewHandler(logging.Nop(), testAdminKey, NewPSKService(logging.Nop(), st))
	srv := NewServer(logging.Nop(), "127.0.0.1:0", h)

	ctx, cancel := context.WithCancel(context.Background())
	addr, err := srv.Start(ctx)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	req, _ := http.NewRequest(http.MethodGet, "http://"+addr.String()+"/api/v1/admin/psk/list", nil)
	req.Header.Set("Authorization", "Bearer "+testAdminKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}

	cancel()
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}
