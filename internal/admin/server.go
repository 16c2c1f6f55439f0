package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"

	"github.com/dalbodeule/hop-coap/internal/logging"
)

// Server 는 관리 API 와 /metrics 를 서빙하는 HTTP 서버입니다.
// CoAP tick 루프와 다른 고루틴에서 돌며, 엔진 상태는 스냅샷으로만 읽습니다.
type Server struct {
	Logger     logging.Logger
	HTTPServer *http.Server
}

// NewHTTPServer 는 H1/H2 를 지원하는 기본 HTTP 서버를 생성합니다.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	_ = http2.ConfigureServer(srv, &http2.Server{})
	return srv
}

// NewServer 는 h 의 라우트를 등록한 Server 를 생성합니다.
func NewServer(logger logging.Logger, addr string, h *Handler) *Server {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return &Server{
		Logger:     logger.With(logging.Fields{"component": "admin_http"}),
		HTTPServer: NewHTTPServer(addr, mux),
	}
}

// Start 는 리스너를 열고 백그라운드에서 서빙합니다. 바인드 실패는 바로 돌려줍니다.
// ctx 가 끝나면 서버를 내립니다.
func (s *Server) Start(ctx context.Context) (net.Addr, error) {
	ln, err := net.Listen("tcp", s.HTTPServer.Addr)
	if err != nil {
		return nil, err
	}
	go func() {
		if err := s.HTTPServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Logger.Error("admin http server failed", logging.Fields{"error": err.Error()})
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
	}()
	s.Logger.Info("admin/metrics http listening", logging.Fields{"addr": ln.Addr().String()})
	return ln.Addr(), nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.HTTPServer != nil {
		return s.HTTPServer.Shutdown(ctx)
	}
	return nil
}
