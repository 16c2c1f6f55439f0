package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dalbodeule/hop-coap/internal/coap"
	"github.com/dalbodeule/hop-coap/internal/logging"
)

// SnapshotSource 는 엔진의 마지막 스냅샷을 제공합니다. *coap.Context 가 구현합니다.
type SnapshotSource interface {
	Snapshot() *coap.Snapshot
}

// Handler 는 /api/v1/admin 관리 plane HTTP 엔드포인트를 제공합니다.
type Handler struct {
	Logger      logging.Logger
	AdminAPIKey string
	Service     PSKService

	// Snapshots 가 nil 이면 /sessions 는 503 을 돌려줍니다.
	Snapshots SnapshotSource
	// Level 이 nil 이면 /loglevel 은 조회만 가능하고 항상 info 입니다.
	Level *logging.LevelVar

	// Metrics 는 /metrics 핸들러입니다. nil 이면 promhttp.Handler() 를 씁니다.
	Metrics http.Handler
}

// NewHandler 는 새로운 Handler 를 생성합니다.
func NewHandler(logger logging.Logger, adminAPIKey string, svc PSKService) *Handler {
	return &Handler{
		Logger:      logger.With(logging.Fields{"component": "admin_api"}),
		AdminAPIKey: strings.TrimSpace(adminAPIKey),
		Service:     svc,
	}
}

// RegisterRoutes 는 전달받은 mux 에 관리 API 라우트를 등록합니다.
//   - POST /api/v1/admin/psk/register
//   - POST /api/v1/admin/psk/unregister
//   - GET  /api/v1/admin/psk/status
//   - GET  /api/v1/admin/psk/list
//   - GET  /api/v1/admin/sessions
//   - GET|POST /api/v1/admin/loglevel
//   - GET  /metrics (인증 없음)
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/api/v1/admin/psk/register", h.authMiddleware(http.HandlerFunc(h.handlePSKRegister)))
	mux.Handle("/api/v1/admin/psk/unregister", h.authMiddleware(http.HandlerFunc(h.handlePSKUnregister)))
	mux.Handle("/api/v1/admin/psk/status", h.authMiddleware(http.HandlerFunc(h.handlePSKStatus)))
	mux.Handle("/api/v1/admin/psk/list", h.authMiddleware(http.HandlerFunc(h.handlePSKList)))
	mux.Handle("/api/v1/admin/sessions", h.authMiddleware(http.HandlerFunc(h.handleSessions)))
	mux.Handle("/api/v1/admin/loglevel", h.authMiddleware(http.HandlerFunc(h.handleLogLevel)))

	metrics := h.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	mux.Handle("/metrics", metrics)
}

// authMiddleware 는 Authorization: Bearer {ADMIN_API_KEY} 헤더를 검증합니다.
func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.authenticate(r) {
			h.writeJSON(w, http.StatusUnauthorized, map[string]any{
				"success": false,
				"error":   "unauthorized",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) authenticate(r *http.Request) bool {
	if h.AdminAPIKey == "" {
		// Admin API 키가 설정되지 않았다면 모든 요청을 거부
		return false
	}
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(auth, prefix))
	return token == h.AdminAPIKey
}

type pskRegisterRequest struct {
	Identity string `json:"identity"`
	Memo     string `json:"memo"`
}

type pskRegisterResponse struct {
	PSK     string `json:"psk,omitempty"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func (h *Handler) handlePSKRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeMethodNotAllowed(w, r)
		return
	}

	var req pskRegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Logger.Warn("invalid register request body", logging.Fields{"error": err.Error()})
		h.writeJSON(w, http.StatusBadRequest, pskRegisterResponse{Error: "invalid request body"})
		return
	}
	req.Identity = strings.TrimSpace(req.Identity)
	if req.Identity == "" {
		h.writeJSON(w, http.StatusBadRequest, pskRegisterResponse{Error: "identity is required"})
		return
	}

	key, err := h.Service.RegisterIdentity(r.Context(), req.Identity, req.Memo)
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusOK, pskRegisterResponse{Success: true, PSK: key})
	case errors.Is(err, ErrInvalidIdentity):
		h.writeJSON(w, http.StatusBadRequest, pskRegisterResponse{Error: "invalid identity"})
	case errors.Is(err, ErrIdentityExists):
		h.writeJSON(w, http.StatusConflict, pskRegisterResponse{Error: "identity already registered"})
	default:
		h.Logger.Error("failed to register psk identity", logging.Fields{"error": err.Error()})
		h.writeJSON(w, http.StatusInternalServerError, pskRegisterResponse{Error: "internal error"})
	}
}

type pskUnregisterRequest struct {
	Identity string `json:"identity"`
}

type simpleResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func (h *Handler) handlePSKUnregister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeMethodNotAllowed(w, r)
		return
	}

	var req pskUnregisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Logger.Warn("invalid unregister request body", logging.Fields{"error": err.Error()})
		h.writeJSON(w, http.StatusBadRequest, simpleResponse{Error: "invalid request body"})
		return
	}
	req.Identity = strings.TrimSpace(req.Identity)
	if req.Identity == "" {
		h.writeJSON(w, http.StatusBadRequest, simpleResponse{Error: "identity is required"})
		return
	}

	err := h.Service.UnregisterIdentity(r.Context(), req.Identity)
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusOK, simpleResponse{Success: true})
	case errors.Is(err, ErrInvalidIdentity):
		h.writeJSON(w, http.StatusBadRequest, simpleResponse{Error: "invalid identity"})
	case errors.Is(err, ErrIdentityNotFound):
		h.writeJSON(w, http.StatusNotFound, simpleResponse{Error: "identity not found"})
	default:
		h.Logger.Error("failed to unregister psk identity", logging.Fields{"error": err.Error()})
		h.writeJSON(w, http.StatusInternalServerError, simpleResponse{Error: "internal error"})
	}
}

type pskStatusResponse struct {
	Success   bool       `json:"success"`
	Exists    bool       `json:"exists"`
	Identity  string     `json:"identity,omitempty"`
	Memo      string     `json:"memo,omitempty"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
	Error     string     `json:"error,omitempty"`
}

func (h *Handler) handlePSKStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeMethodNotAllowed(w, r)
		return
	}

	identity := strings.TrimSpace(r.URL.Query().Get("identity"))
	if identity == "" {
		h.writeJSON(w, http.StatusBadRequest, pskStatusResponse{Error: "identity is required"})
		return
	}

	e, err := h.Service.GetIdentity(r.Context(), identity)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			h.writeJSON(w, http.StatusOK, pskStatusResponse{Success: true, Exists: false})
			return
		}
		if errors.Is(err, ErrInvalidIdentity) {
			h.writeJSON(w, http.StatusBadRequest, pskStatusResponse{Error: "invalid identity"})
			return
		}
		h.Logger.Error("failed to get psk identity", logging.Fields{"error": err.Error()})
		h.writeJSON(w, http.StatusInternalServerError, pskStatusResponse{Error: "internal error"})
		return
	}

	h.writeJSON(w, http.StatusOK, pskStatusResponse{
		Success:   true,
		Exists:    true,
		Identity:  e.Identity,
		Memo:      e.Memo,
		CreatedAt: &e.CreatedAt,
		UpdatedAt: &e.UpdatedAt,
	})
}

func (h *Handler) handlePSKList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeMethodNotAllowed(w, r)
		return
	}
	list, err := h.Service.ListIdentities(r.Context())
	if err != nil {
		h.Logger.Error("failed to list psk identities", logging.Fields{"error": err.Error()})
		h.writeJSON(w, http.StatusInternalServerError, simpleResponse{Error: "internal error"})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"identities": list,
	})
}

func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeMethodNotAllowed(w, r)
		return
	}
	var snap *coap.Snapshot
	if h.Snapshots != nil {
		snap = h.Snapshots.Snapshot()
	}
	if snap == nil {
		h.writeJSON(w, http.StatusServiceUnavailable, simpleResponse{Error: "engine not running"})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"snapshot": snap,
	})
}

type logLevelRequest struct {
	Level string `json:"level"`
}

func (h *Handler) handleLogLevel(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		var req logLevelRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeJSON(w, http.StatusBadRequest, simpleResponse{Error: "invalid request body"})
			return
		}
		lvl, ok := logging.ParseLevel(req.Level)
		if !ok || h.Level == nil {
			h.writeJSON(w, http.StatusBadRequest, simpleResponse{Error: "invalid level"})
			return
		}
		h.Level.Set(lvl)
		h.Logger.Info("log level changed", logging.Fields{"level": lvl})
	default:
		h.writeMethodNotAllowed(w, r)
		return
	}

	current := logging.InfoLevel
	if h.Level != nil {
		current = h.Level.Level()
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"level":   current,
	})
}

func (h *Handler) writeMethodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusMethodNotAllowed, simpleResponse{Error: "method not allowed"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.Logger.Error("failed to write json response", logging.Fields{"error": err.Error()})
	}
}
