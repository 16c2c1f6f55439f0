package coap

import (
	"time"

	"github.com/dalbodeule/hop-coap/internal/clock"
	"github.com/dalbodeule/hop-coap/internal/dtls"
)

// SessionInfo 는 스냅샷에 담기는 세션 요약입니다.
type SessionInfo struct {
	ID           string     `json:"id"`
	Proto        string     `json:"proto"`
	Type         string     `json:"type"`
	State        string     `json:"state"`
	Local        string     `json:"local"`
	Remote       string     `json:"remote"`
	Refs         int        `json:"refs"`
	LastActivity clock.Tick `json:"last_activity"`
	Queued       int        `json:"queued"`
	CipherSuite  string     `json:"cipher_suite,omitempty"`
	PSKIdentity  string     `json:"psk_identity,omitempty"`
	ServerName   string     `json:"server_name,omitempty"`
}

// EndpointInfo 는 스냅샷에 담기는 엔드포인트 요약입니다.
type EndpointInfo struct {
	Proto    string `json:"proto"`
	Addr     string `json:"addr"`
	Sessions int    `json:"sessions"`
}

// Snapshot 은 tick 끝에 발행되는 읽기 전용 상태 사본입니다.
// 다른 고루틴(관리 API 등)에서 안전하게 읽을 수 있습니다.
type Snapshot struct {
	TakenAt     time.Time      `json:"taken_at"`
	Tick        clock.Tick     `json:"tick"`
	Backend     string         `json:"dtls_backend"`
	Endpoints   []EndpointInfo `json:"endpoints"`
	Sessions    []SessionInfo  `json:"sessions"`
	Queued      int            `json:"queued"`
	SNICacheLen int            `json:"sni_cache_len"`
	Closed      bool           `json:"closed"`
}

// Snapshot 은 마지막으로 발행된 스냅샷을 돌려줍니다. 어느 고루틴에서나 호출할 수 있습니다.
func (c *Context) Snapshot() *Snapshot { return c.snapshot.Load() }

func (c *Context) publishSnapshot() {
	snap := &Snapshot{
		TakenAt:     time.Now(),
		Tick:        c.clk.Now(),
		Backend:     c.backend.Name(),
		Queued:      c.queue.Len(),
		SNICacheLen: dtls.SNICacheLen(c.backend),
		Closed:      c.closed,
	}
	for _, ep := range c.endpoints {
		snap.Endpoints = append(snap.Endpoints, EndpointInfo{
			Proto:    ep.proto.String(),
			Addr:     ep.local.String(),
			Sessions: len(ep.sessions),
		})
		for _, s := range ep.sessions {
			snap.Sessions = append(snap.Sessions, c.sessionInfo(s))
		}
	}
	for _, s := range c.clients {
		snap.Sessions = append(snap.Sessions, c.sessionInfo(s))
	}
	c.snapshot.Store(snap)
}

func (c *Context) sessionInfo(s *Session) SessionInfo {
	st := s.TLSState()
	if st.PSKIdentity != "" {
		st.PSKIdentity = dtls.MaskIdentity(st.PSKIdentity)
	}
	return SessionInfo{
		ID:           s.ID.String(),
		Proto:        s.proto.String(),
		Type:         s.typ.String(),
		State:        s.state.String(),
		Local:        s.path.Local.String(),
		Remote:       s.path.Remote.String(),
		Refs:         s.ref,
		LastActivity: s.lastRxTx,
		Queued:       c.queue.countSession(s),
		CipherSuite:  st.CipherSuite,
		PSKIdentity:  st.PSKIdentity,
		ServerName:   st.ServerName,
	}
}
