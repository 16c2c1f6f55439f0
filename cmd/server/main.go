package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/dalbodeule/hop-coap/internal/admin"
	"github.com/dalbodeule/hop-coap/internal/clock"
	"github.com/dalbodeule/hop-coap/internal/coap"
	"github.com/dalbodeule/hop-coap/internal/config"
	"github.com/dalbodeule/hop-coap/internal/dtls"
	"github.com/dalbodeule/hop-coap/internal/logging"
	"github.com/dalbodeule/hop-coap/internal/observability"
	"github.com/dalbodeule/hop-coap/internal/store"
)

// parseListenAddr 는 ":5683", "0.0.0.0:5683", "[::1]:5683" 형태를 AddrPort 로 바꿉니다.
// host 가 비어 있으면 dual-stack 와일드카드(IPv6 unspecified)로 바인드됩니다.
func parseListenAddr(s string) (netip.AddrPort, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return netip.AddrPort{}, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid port %q", portStr)
	}
	if host == "" {
		return netip.AddrPortFrom(netip.Addr{}, uint16(port)), nil
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(addr, uint16(port)), nil
}

// dirSNIResolver 는 dir/<name>.crt, dir/<name>.key 쌍을 SNI 인증서로 읽습니다.
func dirSNIResolver(dir string) dtls.SNIResolver {
	return dtls.SNIResolverFunc(func(name string) (*tls.Certificate, error) {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
			return nil, fmt.Errorf("invalid server name %q", name)
		}
		cert, err := tls.LoadX509KeyPair(filepath.Join(dir, name+".crt"), filepath.Join(dir, name+".key"))
		if err != nil {
			return nil, err
		}
		return &cert, nil
	})
}

func fatal(logger logging.Logger, msg string, err error) {
	logger.Error(msg, logging.Fields{"error": err.Error()})
	os.Exit(1)
}

func main() {
	level := logging.NewLevelVar(logging.InfoLevel)
	logger := logging.NewJSONLogger(os.Stdout, "server", level)

	// 1. 서버 설정 로드 (.env + 환경변수)
	cfg, err := config.LoadServerConfigFromEnv()
	if err != nil {
		fatal(logger, "failed to load server config from env", err)
	}
	if lvl, ok := logging.ParseLevel(cfg.Logging.Level); ok {
		level.Set(lvl)
	} else {
		logger.Warn("unknown log level, using info", logging.Fields{"level": cfg.Logging.Level})
	}
	if cfg.Debug {
		level.Set(logging.DebugLevel)
	}

	logger.Info("hop-coap server starting", logging.Fields{
		"stack":          "prometheus-loki-grafana",
		"udp_listen":     cfg.UDPListen,
		"dtls_listen":    cfg.DTLSListen,
		"tcp_listen":     cfg.TCPListen,
		"metrics_listen": cfg.MetricsListen,
		"tls_backend":    cfg.Engine.TLSBackend,
		"debug":          cfg.Debug,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. PSK 저장소 (PostgreSQL 이 설정되어 있으면 DB, 아니면 메모리 전용)
	var db *sql.DB
	if cfg.DBDSN != "" {
		db, err = store.OpenPostgresFromEnv(ctx, logger)
		if err != nil {
			fatal(logger, "failed to open postgres", err)
		}
		defer db.Close()
	}
	pskStore := store.NewPSKStore(logger, db)
	if err := pskStore.Load(ctx); err != nil {
		fatal(logger, "failed to load psk identities", err)
	}
	static := dtls.NewStaticPSK(cfg.PSKKeys)
	static.Logger = logger

	// 3. DTLS 자격 증명 및 백엔드
	creds := &dtls.ServerCredentials{
		PSK:          dtls.ChainPSK{static, pskStore},
		IdentityHint: []byte(cfg.PSKHint),
	}
	switch {
	case cfg.CertFile != "":
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			fatal(logger, "failed to load certificate", err)
		}
		creds.Certificate = &cert
	case cfg.SelfSigned || cfg.Debug:
		cert, err := dtls.NewSelfSignedCertificate("localhost")
		if err != nil {
			fatal(logger, "failed to create self-signed certificate", err)
		}
		creds.Certificate = cert
		logger.Warn("using self-signed localhost certificate for DTLS", logging.Fields{
			"note": "do not use this in production",
		})
	}
	if cfg.SNIDir != "" {
		creds.SNI = dirSNIResolver(cfg.SNIDir)
	}

	clk := clock.NewSystem()
	backend := dtls.NewNone()
	if cfg.Engine.TLSBackend == "native" {
		backend, err = dtls.NewNative(dtls.NativeConfig{
			Server:           creds,
			Clock:            clk,
			Retransmit:       cfg.Engine.DTLSRetransmit,
			Logger:           logger,
			ReplayProtection: true,
		})
		if err != nil {
			fatal(logger, "failed to create dtls backend", err)
		}
	}

	// 4. CoAP 엔진
	inbox := coap.NewInbox(1024)
	engine, err := coap.New(coap.Config{
		Clock:           clk,
		Logger:          logger,
		Backend:         backend,
		AckTimeout:      cfg.Engine.AckTimeout,
		MaxRetransmit:   cfg.Engine.MaxRetransmit,
		SessionTimeout:  cfg.Engine.SessionTimeout,
		MaxIdleSessions: cfg.Engine.MaxIdleSessions,
		PingInterval:    cfg.Engine.PingInterval,
		CSMTimeout:      cfg.Engine.CSMTimeout,
		MaxSockets:      cfg.Engine.MaxSockets,
		PacketLoss:      cfg.Engine.PacketLoss,
		Datagrams:       inbox,
		Events: coap.EventHandlerFunc(func(s *coap.Session, ev coap.Event) {
			logger.Debug("session event", logging.Fields{
				"event":  ev.String(),
				"proto":  s.Proto().String(),
				"remote": s.Remote().String(),
			})
		}),
		Nacks: coap.NackHandlerFunc(func(s *coap.Session, _ []byte, reason coap.NackReason, mid uint16) {
			logger.Warn("message not delivered", logging.Fields{
				"remote": s.Remote().String(),
				"mid":    mid,
				"reason": reason.String(),
			})
		}),
	})
	if err != nil {
		fatal(logger, "failed to create coap context", err)
	}
	defer engine.Close()

	listen := func(proto coap.Proto, addr string) *coap.Endpoint {
		ap, err := parseListenAddr(addr)
		if err != nil {
			fatal(logger, "invalid listen address "+addr, err)
		}
		ep, err := engine.Listen(proto, ap)
		if err != nil {
			fatal(logger, "failed to listen "+proto.String(), err)
		}
		return ep
	}

	if cfg.UDPListen != "" {
		ep := listen(coap.ProtoUDP, cfg.UDPListen)
		for _, g := range cfg.MulticastGroups {
			group, err := netip.ParseAddr(g)
			if err != nil {
				logger.Warn("invalid multicast group", logging.Fields{"group": g, "error": err.Error()})
				continue
			}
			if err := ep.JoinGroup(group, 0); err != nil {
				logger.Warn("failed to join multicast group", logging.Fields{"group": g, "error": err.Error()})
			}
		}
	}
	if cfg.DTLSListen != "" && dtls.Available(backend) {
		listen(coap.ProtoDTLS, cfg.DTLSListen)
	}
	if cfg.TCPListen != "" {
		listen(coap.ProtoTCP, cfg.TCPListen)
	}

	// 5. 관리 API + /metrics
	if cfg.MetricsListen != "" {
		observability.MustRegister()
		h := admin.NewHandler(logger, cfg.AdminAPIKey, admin.NewPSKService(logger, pskStore))
		h.Snapshots = engine
		h.Level = level
		if _, err := admin.NewServer(logger, cfg.MetricsListen, h).Start(ctx); err != nil {
			fatal(logger, "failed to start admin http server", err)
		}
	}

	// 6. tick 루프. 엔진은 이 고루틴에서만 다룹니다.
	for ctx.Err() == nil {
		if _, err := engine.RunOnce(cfg.Engine.TickCeiling); err != nil {
			logger.Error("tick failed", logging.Fields{"error": err.Error()})
			if errors.Is(err, coap.ErrContextClosed) {
				break
			}
		}
		respond(logger, inbox)
	}

	logger.Info("hop-coap server shutting down", nil)
}
