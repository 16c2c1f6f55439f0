package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dalbodeule/hop-coap/internal/clock"
	"github.com/dalbodeule/hop-coap/internal/coap"
	"github.com/dalbodeule/hop-coap/internal/config"
	"github.com/dalbodeule/hop-coap/internal/dtls"
	"github.com/dalbodeule/hop-coap/internal/logging"
	"github.com/dalbodeule/hop-coap/internal/protocol"
)

// firstNonEmpty 는 앞에서부터 처음으로 non-empty 인 문자열을 반환합니다.
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// resolveServer 는 host:port 를 해석합니다. IPv4 는 4-in-6 이 아닌 순수 IPv4 로 돌려줍니다.
func resolveServer(addr string) (netip.AddrPort, error) {
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return netip.AddrPort{}, err
	}
	ap := ua.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}

const optionURIPath = 11

// encodeURIPath 는 "/a/b" 를 Uri-Path 옵션들로 인코딩합니다 (RFC 7252 3.1).
func encodeURIPath(path string) []byte {
	var out []byte
	prev := 0
	for _, seg := range strings.Split(strings.Trim(path, "/"), "/") {
		if seg == "" {
			continue
		}
		out = appendOption(out, optionURIPath-prev, []byte(seg))
		prev = optionURIPath
	}
	return out
}

func appendOption(b []byte, delta int, value []byte) []byte {
	dn, dext := optionNibble(delta)
	ln, lext := optionNibble(len(value))
	b = append(b, byte(dn<<4|ln))
	b = append(b, dext...)
	b = append(b, lext...)
	return append(b, value...)
}

func optionNibble(v int) (int, []byte) {
	switch {
	case v < 13:
		return v, nil
	case v < 269:
		return 13, []byte{byte(v - 13)}
	default:
		v -= 269
		return 14, []byte{byte(v >> 8), byte(v)}
	}
}

// payloadOf 는 body 에서 payload marker 뒤를 잘라냅니다. 옵션 파싱은 하지 않으므로
// 옵션 값에 0xFF 가 들어가는 응답은 잘못 잘릴 수 있습니다.
func payloadOf(body []byte) []byte {
	for i, b := range body {
		if b == 0xff {
			return body[i+1:]
		}
	}
	return nil
}

func main() {
	level := logging.NewLevelVar(logging.InfoLevel)
	logger := logging.NewJSONLogger(os.Stdout, "client", level)

	// 1. 환경변수(.env 포함)에서 클라이언트 설정 로드
	envCfg, err := config.LoadClientConfigFromEnv()
	if err != nil {
		logger.Error("failed to load client config from env", logging.Fields{
			"error": err.Error(),
		})
		os.Exit(1)
	}

	// CLI 인자 정의 (env 보다 우선 적용됨)
	serverAddrFlag := flag.String("server-addr", "", "CoAP server address (host:port)")
	protoFlag := flag.String("proto", "", "transport: udp | dtls | tcp")
	identityFlag := flag.String("psk-identity", "", "DTLS PSK identity")
	keyFlag := flag.String("psk-key", "", "DTLS PSK (hex)")
	pathFlag := flag.String("path", "/", "request path")
	confirmable := flag.Bool("con", true, "send confirmable requests (udp/dtls)")
	count := flag.Int("count", 1, "number of requests")
	interval := flag.Duration("interval", time.Second, "delay between requests")
	timeout := flag.Duration("timeout", 30*time.Second, "give up after this long")
	flag.Parse()

	key := envCfg.PSKKey
	if *keyFlag != "" {
		if key, err = config.DecodeKey(*keyFlag); err != nil {
			logger.Error("invalid -psk-key", logging.Fields{"error": err.Error()})
			os.Exit(1)
		}
	}

	// 2. CLI 인자 우선, env 후순위로 최종 설정 구성
	finalCfg := &config.ClientConfig{
		ServerAddr:  firstNonEmpty(strings.TrimSpace(*serverAddrFlag), strings.TrimSpace(envCfg.ServerAddr)),
		Proto:       strings.ToLower(firstNonEmpty(strings.TrimSpace(*protoFlag), envCfg.Proto)),
		PSKIdentity: firstNonEmpty(strings.TrimSpace(*identityFlag), envCfg.PSKIdentity),
		PSKKey:      key,
		SNI:         envCfg.SNI,
		Insecure:    envCfg.Insecure,
		Debug:       envCfg.Debug,
		Engine:      envCfg.Engine,
		Logging:     envCfg.Logging,
	}
	if lvl, ok := logging.ParseLevel(finalCfg.Logging.Level); ok {
		level.Set(lvl)
	}
	if finalCfg.Debug {
		level.Set(logging.DebugLevel)
	}

	if finalCfg.ServerAddr == "" {
		logger.Error("client config missing required fields", logging.Fields{
			"missing": []string{"server_addr"},
		})
		os.Exit(1)
	}
	proto, err := coap.ParseProto(finalCfg.Proto)
	if err != nil {
		logger.Error("invalid protocol", logging.Fields{"error": err.Error()})
		os.Exit(1)
	}
	remote, err := resolveServer(finalCfg.ServerAddr)
	if err != nil {
		logger.Error("failed to resolve server address", logging.Fields{"error": err.Error()})
		os.Exit(1)
	}

	logger.Info("hop-coap client starting", logging.Fields{
		"stack":        "prometheus-loki-grafana",
		"server_addr":  finalCfg.ServerAddr,
		"proto":        proto.String(),
		"psk_identity": dtls.MaskIdentity(finalCfg.PSKIdentity),
		"debug":        finalCfg.Debug,
	})

	// 3. 엔진 구성
	clk := clock.NewSystem()
	backend := dtls.NewNone()
	if finalCfg.Engine.TLSBackend == "native" {
		backend, err = dtls.NewNative(dtls.NativeConfig{
			Clock:      clk,
			Retransmit: finalCfg.Engine.DTLSRetransmit,
			Logger:     logger,
		})
		if err != nil {
			logger.Error("failed to create dtls backend", logging.Fields{"error": err.Error()})
			os.Exit(1)
		}
	}

	inbox := coap.NewInbox(64)
	var failed error
	engine, err := coap.New(coap.Config{
		Clock:          clk,
		Logger:         logger,
		Backend:        backend,
		AckTimeout:     finalCfg.Engine.AckTimeout,
		MaxRetransmit:  finalCfg.Engine.MaxRetransmit,
		SessionTimeout: finalCfg.Engine.SessionTimeout,
		PingInterval:   finalCfg.Engine.PingInterval,
		CSMTimeout:     finalCfg.Engine.CSMTimeout,
		MaxSockets:     finalCfg.Engine.MaxSockets,
		PacketLoss:     finalCfg.Engine.PacketLoss,
		Datagrams:      inbox,
		Events: coap.EventHandlerFunc(func(s *coap.Session, ev coap.Event) {
			logger.Debug("session event", logging.Fields{"event": ev.String()})
			if ev == coap.EventSessionFailed || ev == coap.EventSessionClosed {
				failed = fmt.Errorf("session %s", ev)
			}
		}),
		Nacks: coap.NackHandlerFunc(func(_ *coap.Session, _ []byte, reason coap.NackReason, mid uint16) {
			logger.Warn("request not delivered", logging.Fields{"mid": mid, "reason": reason.String()})
		}),
	})
	if err != nil {
		logger.Error("failed to create coap context", logging.Fields{"error": err.Error()})
		os.Exit(1)
	}
	defer engine.Close()

	var creds *dtls.ClientCredentials
	if proto == coap.ProtoDTLS {
		creds = &dtls.ClientCredentials{
			PSKIdentity:        []byte(finalCfg.PSKIdentity),
			PSKKey:             finalCfg.PSKKey,
			ServerName:         finalCfg.SNI,
			InsecureSkipVerify: finalCfg.Insecure,
		}
	}
	sess, err := engine.Dial(proto, remote, creds)
	if err != nil {
		logger.Error("failed to dial", logging.Fields{"error": err.Error()})
		os.Exit(1)
	}
	defer sess.Release()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	// 4. 요청 루프. 응답 하나를 받을 때마다 다음 요청을 보냅니다.
	msgType := protocol.Confirmable
	if !*confirmable {
		msgType = protocol.NonConfirmable
	}
	options := encodeURIPath(*pathFlag)
	received := 0
	var nextSend time.Time
	var pending []byte

	for received < *count && ctx.Err() == nil && failed == nil {
		if pending == nil && !time.Now().Before(nextSend) {
			token := make([]byte, 4)
			_, _ = rand.Read(token)
			req := &protocol.Message{Type: msgType, Code: protocol.NewCode(0, 1), Token: token, Body: options}
			if _, err := sess.SendMessage(req); err != nil {
				logger.Error("failed to send request", logging.Fields{"error": err.Error()})
				os.Exit(1)
			}
			pending = token
		}

		if _, err := engine.RunOnce(100 * time.Millisecond); err != nil {
			logger.Error("tick failed", logging.Fields{"error": err.Error()})
		}

		for {
			d, ok := inbox.Next()
			if !ok {
				break
			}
			var m protocol.Message
			if proto.Reliable() {
				_, err = protocol.UnmarshalStream(d.Data, &m)
			} else {
				err = protocol.UnmarshalDatagram(d.Data, &m)
			}
			if err != nil || pending == nil || string(m.Token) != string(pending) {
				continue
			}
			logger.Info("response", logging.Fields{
				"code":    m.Code.String(),
				"payload": string(payloadOf(m.Body)),
			})
			pending = nil
			received++
			nextSend = time.Now().Add(*interval)
		}
	}

	switch {
	case failed != nil:
		logger.Error("session ended", logging.Fields{"error": failed.Error()})
		os.Exit(1)
	case received < *count:
		logger.Error("gave up waiting for responses", logging.Fields{"received": received, "want": *count})
		os.Exit(1)
	}
	logger.Info("hop-coap client done", logging.Fields{"received": received})
}
