package dtls

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/pion/dtls/v3/pkg/crypto/clientcertificate"
	"github.com/pion/dtls/v3/pkg/crypto/elliptic"
	"github.com/pion/dtls/v3/pkg/crypto/hash"
	"github.com/pion/dtls/v3/pkg/crypto/prf"
	"github.com/pion/dtls/v3/pkg/crypto/signature"
	"github.com/pion/dtls/v3/pkg/crypto/signaturehash"
	"github.com/pion/dtls/v3/pkg/protocol"
	"github.com/pion/dtls/v3/pkg/protocol/alert"
	"github.com/pion/dtls/v3/pkg/protocol/extension"
	"github.com/pion/dtls/v3/pkg/protocol/handshake"

	"github.com/dalbodeule/hop-coap/internal/logging"
)

type serverPhase uint8

const (
	serverAwaitHello serverPhase = iota
	serverAwaitCertificate
	serverAwaitKeyExchange
	serverAwaitCertVerify
	serverAwaitFinished
	serverDone
)

// serverFlow 는 쿠키 검증을 통과한 ClientHello 부터 서버 Finished 까지를 처리합니다.
type serverFlow struct {
	backend *nativeBackend
	remote  string
	phase   serverPhase

	helloSeen bool
	keypair   *elliptic.Keypair

	// PSK SNI 로 고른 hint/키. server name 이 없거나 리졸버가 없으면 nil 입니다.
	sniPSK *PSKInfo
	// 클라이언트 인증서를 요청했을 때 검증된 leaf 인증서입니다.
	peerCert *x509.Certificate
}

func (s *serverFlow) start(*conn) error { return nil }

func (s *serverFlow) handle(c *conn, typ handshake.Type, raw []byte) error {
	switch {
	case s.phase == serverAwaitHello && typ == handshake.TypeClientHello:
		return s.onClientHello(c, raw)
	case s.phase == serverAwaitCertificate && typ == handshake.TypeCertificate:
		return s.onClientCertificate(c, raw)
	case s.phase == serverAwaitKeyExchange && typ == handshake.TypeClientKeyExchange:
		return s.onClientKeyExchange(c, raw)
	case s.phase == serverAwaitCertVerify && typ == handshake.TypeCertificateVerify:
		return s.onCertificateVerify(c, raw)
	case s.phase == serverAwaitFinished && typ == handshake.TypeFinished:
		return s.onFinished(c, raw)
	default:
		return c.fail(alert.UnexpectedMessage, fmt.Errorf("%w: %s", errUnexpectedMessage, typ))
	}
}

// repeatedHello 는 세션이 이미 ClientHello 를 받은 뒤 도착한 ClientHello 를 분류합니다.
// 같은 client random 이면 재전송입니다. 다르면 피어가 새 핸드셰이크를 시작한 것이지만,
// 유효한 쿠키로 주소를 증명하기 전까지는 HelloVerifyRequest 만 보내고 기존 연결을 유지합니다(RFC 6347 4.2.8).
func (s *serverFlow) repeatedHello(c *conn, hh handshake.Header, frag []byte) error {
	if hh.FragmentOffset != 0 || hh.FragmentLength != hh.Length {
		c.seenClientHello = true
		c.peerRetransmitted()
		return nil
	}
	var ch handshake.MessageClientHello
	if err := ch.Unmarshal(frag); err != nil {
		return nil
	}
	if ch.Random.MarshalFixed() != c.clientRandom {
		if !s.backend.cookies.verify(s.remote, &ch) {
			if err := s.backend.challenge(s.remote, &ch, hh.MessageSequence, c.recordSeq, c.t); err != nil {
				c.log.Debug("restart challenge failed", logging.Fields{"error": err.Error()})
			}
			return nil
		}
		c.log.Info("dtls client restarted handshake", logging.Fields{"remote": s.remote})
		return ErrRestart
	}
	c.seenClientHello = true
	c.peerRetransmitted()
	return nil
}

func (s *serverFlow) onClientHello(c *conn, raw []byte) error {
	msg, err := c.parseHandshake(raw)
	if err != nil {
		return nil
	}
	ch, ok := msg.(*handshake.MessageClientHello)
	if !ok {
		return nil
	}
	// 세션은 쿠키가 유효할 때만 만들어지지만, 같은 경로로 들어온 다른 ClientHello 를 걸러냅니다.
	if !s.backend.cookies.verify(s.remote, ch) {
		c.log.Debug("drop client hello with stale cookie", logging.Fields{"remote": s.remote})
		return nil
	}
	s.helloSeen = true
	c.clientRandom = ch.Random.MarshalFixed()
	c.transcript = append(c.transcript[:0], raw...)

	creds := s.backend.creds
	c.suite = selectSuite(ch.CipherSuiteIDs, creds.pskCapable(), creds.pkiCapable())
	if c.suite == nil {
		return c.fail(alert.HandshakeFailure, errors.New("no shared cipher suite"))
	}

	var serverName string
	for _, ext := range ch.Extensions {
		if sn, ok := ext.(*extension.ServerName); ok {
			serverName = sn.ServerName
		}
	}
	c.state.ServerName = serverName
	if c.suite.psk() && serverName != "" && creds.PSKSNI != nil {
		info, hit, err := s.backend.pskSNI.lookup(serverName, resolvePSK(creds.PSKSNI))
		if err != nil {
			return c.fail(alert.HandshakeFailure, err)
		}
		s.backend.log.Debug("sni psk", logging.Fields{"server_name": serverName, "cache_hit": hit})
		s.sniPSK = info
	}

	var sr handshake.Random
	if err := sr.Populate(); err != nil {
		return c.fail(alert.InternalError, err)
	}
	c.serverRandom = sr.MarshalFixed()

	id := uint16(c.suite.id)
	var exts []extension.Extension
	if !c.suite.psk() {
		exts = append(exts, &extension.SupportedPointFormats{
			PointFormats: []elliptic.CurvePointFormat{elliptic.CurvePointFormatUncompressed},
		})
	}
	hello, err := c.marshalHandshake(&handshake.MessageServerHello{
		Version:           protocol.Version1_2,
		Random:            sr,
		SessionID:         []byte{},
		CipherSuiteID:     &id,
		CompressionMethod: protocol.CompressionMethods()[0],
		Extensions:        exts,
	})
	if err != nil {
		return c.fail(alert.InternalError, err)
	}
	msgs := [][]byte{hello}

	if c.suite.psk() {
		hint := creds.IdentityHint
		if s.sniPSK != nil && len(s.sniPSK.Hint) > 0 {
			hint = s.sniPSK.Hint
		}
		if len(hint) > 0 {
			ske, err := c.marshalHandshake(&handshake.MessageServerKeyExchange{IdentityHint: hint})
			if err != nil {
				return c.fail(alert.InternalError, err)
			}
			msgs = append(msgs, ske)
		}
	} else {
		cert, err := s.certificate(serverName)
		if err != nil {
			return c.fail(alert.HandshakeFailure, err)
		}
		signer, ok := cert.PrivateKey.(*ecdsa.PrivateKey)
		if !ok {
			return c.fail(alert.HandshakeFailure, errors.New("certificate key is not ECDSA"))
		}
		certMsg, err := c.marshalHandshake(&handshake.MessageCertificate{Certificate: cert.Certificate})
		if err != nil {
			return c.fail(alert.InternalError, err)
		}
		s.keypair, err = elliptic.GenerateKeypair(elliptic.P256)
		if err != nil {
			return c.fail(alert.InternalError, err)
		}
		digest := ecdheParamsDigest(c.clientRandom[:], c.serverRandom[:], s.keypair.Curve, s.keypair.PublicKey)
		sig, err := signer.Sign(rand.Reader, digest, crypto.SHA256)
		if err != nil {
			return c.fail(alert.InternalError, err)
		}
		ske, err := c.marshalHandshake(&handshake.MessageServerKeyExchange{
			EllipticCurveType:  elliptic.CurveTypeNamedCurve,
			NamedCurve:         s.keypair.Curve,
			PublicKey:          s.keypair.PublicKey,
			HashAlgorithm:      hash.SHA256,
			SignatureAlgorithm: signature.ECDSA,
			Signature:          sig,
		})
		if err != nil {
			return c.fail(alert.InternalError, err)
		}
		msgs = append(msgs, certMsg, ske)
		if creds.requireClientCert() {
			req, err := c.marshalHandshake(&handshake.MessageCertificateRequest{
				CertificateTypes: []clientcertificate.Type{clientcertificate.ECDSASign},
				SignatureHashAlgorithms: []signaturehash.Algorithm{
					{Hash: hash.SHA256, Signature: signature.ECDSA},
				},
			})
			if err != nil {
				return c.fail(alert.InternalError, err)
			}
			msgs = append(msgs, req)
		}
	}

	done, err := c.marshalHandshake(&handshake.MessageServerHelloDone{})
	if err != nil {
		return c.fail(alert.InternalError, err)
	}
	msgs = append(msgs, done)

	items := make([]flightItem, 0, len(msgs))
	for _, m := range msgs {
		c.transcript = append(c.transcript, m...)
		items = append(items, flightItem{ct: protocol.ContentTypeHandshake, body: m})
	}
	s.phase = serverAwaitKeyExchange
	if !c.suite.psk() && creds.requireClientCert() {
		s.phase = serverAwaitCertificate
	}
	c.log.Debug("dtls server hello flight", logging.Fields{"remote": s.remote, "cipher_suite": c.suite.String()})
	return c.sendFlight(items, true)
}

// certificate 는 SNI 가 있으면 캐시/리졸버로, 없으면 기본 인증서를 돌려줍니다.
func (s *serverFlow) certificate(serverName string) (*tls.Certificate, error) {
	creds := s.backend.creds
	if serverName != "" && creds.SNI != nil {
		cert, hit, err := s.backend.sni.lookup(serverName, resolveCert(creds.SNI))
		if err == nil {
			s.backend.log.Debug("sni certificate", logging.Fields{"server_name": serverName, "cache_hit": hit})
			return cert, nil
		}
		if creds.Certificate == nil {
			return nil, err
		}
	}
	if creds.Certificate == nil {
		return nil, errors.New("no certificate configured")
	}
	return creds.Certificate, nil
}

func (s *serverFlow) onClientKeyExchange(c *conn, raw []byte) error {
	msg, err := c.parseHandshake(raw)
	if err != nil {
		return c.fail(alert.DecodeError, err)
	}
	cke, ok := msg.(*handshake.MessageClientKeyExchange)
	if !ok {
		return c.fail(alert.UnexpectedMessage, errUnexpectedMessage)
	}

	var preMaster []byte
	if c.suite.psk() {
		key, err := s.pskKey(cke.IdentityHint)
		if err != nil {
			return c.fail(alert.DecryptError, fmt.Errorf("psk identity %q: %w", cke.IdentityHint, err))
		}
		c.state.PSKIdentity = string(cke.IdentityHint)
		preMaster = prf.PSKPreMasterSecret(key)
	} else {
		preMaster, err = prf.PreMasterSecret(cke.PublicKey, s.keypair.PrivateKey, s.keypair.Curve)
		if err != nil {
			return c.fail(alert.IllegalParameter, err)
		}
	}
	if err := c.deriveKeys(preMaster); err != nil {
		return c.fail(alert.InternalError, err)
	}
	c.transcript = append(c.transcript, raw...)
	s.phase = serverAwaitFinished
	if s.peerCert != nil {
		s.phase = serverAwaitCertVerify
	}
	return nil
}

// pskKey 는 identity 조회를 먼저 하고, 실패하거나 조회기가 없으면 server name 에 묶인 키를 씁니다.
func (s *serverFlow) pskKey(identity []byte) ([]byte, error) {
	var err error
	if lookup := s.backend.creds.PSK; lookup != nil {
		var key []byte
		if key, err = lookup.LookupPSK(identity); err == nil && len(key) > 0 {
			return key, nil
		}
	}
	if s.sniPSK != nil && len(s.sniPSK.Key) > 0 {
		return s.sniPSK.Key, nil
	}
	if err == nil {
		err = errors.New("empty psk")
	}
	return nil, err
}

// onClientCertificate 는 CertificateRequest 에 대한 클라이언트 인증서 체인을 검증합니다.
// 빈 체인은 거부합니다.
func (s *serverFlow) onClientCertificate(c *conn, raw []byte) error {
	msg, err := c.parseHandshake(raw)
	if err != nil {
		return c.fail(alert.DecodeError, err)
	}
	cm, ok := msg.(*handshake.MessageCertificate)
	if !ok {
		return c.fail(alert.UnexpectedMessage, errUnexpectedMessage)
	}
	if len(cm.Certificate) == 0 {
		return c.fail(alert.HandshakeFailure, errors.New("client certificate required"))
	}
	certs := make([]*x509.Certificate, 0, len(cm.Certificate))
	for _, der := range cm.Certificate {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return c.fail(alert.BadCertificate, err)
		}
		certs = append(certs, cert)
	}
	if _, ok := certs[0].PublicKey.(*ecdsa.PublicKey); !ok {
		return c.fail(alert.UnsupportedCertificate, errors.New("client certificate key is not ECDSA"))
	}
	if roots := s.backend.creds.ClientCAs; roots != nil {
		opts := x509.VerifyOptions{
			Roots:         roots,
			Intermediates: x509.NewCertPool(),
			KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		}
		for _, ic := range certs[1:] {
			opts.Intermediates.AddCert(ic)
		}
		if _, err := certs[0].Verify(opts); err != nil {
			return c.fail(alert.BadCertificate, err)
		}
	}
	s.peerCert = certs[0]
	c.state.PeerCommonName = certs[0].Subject.CommonName
	c.transcript = append(c.transcript, raw...)
	s.phase = serverAwaitKeyExchange
	return nil
}

// onCertificateVerify 는 지금까지의 transcript 에 대한 클라이언트 서명으로 인증서 키 소유를 확인합니다.
func (s *serverFlow) onCertificateVerify(c *conn, raw []byte) error {
	msg, err := c.parseHandshake(raw)
	if err != nil {
		return c.fail(alert.DecodeError, err)
	}
	cv, ok := msg.(*handshake.MessageCertificateVerify)
	if !ok {
		return c.fail(alert.UnexpectedMessage, errUnexpectedMessage)
	}
	if cv.HashAlgorithm != hash.SHA256 || cv.SignatureAlgorithm != signature.ECDSA {
		return c.fail(alert.IllegalParameter, errors.New("unsupported signature scheme"))
	}
	digest := sha256.Sum256(c.transcript)
	if !ecdsa.VerifyASN1(s.peerCert.PublicKey.(*ecdsa.PublicKey), digest[:], cv.Signature) {
		return c.fail(alert.DecryptError, errors.New("bad certificate verify signature"))
	}
	c.transcript = append(c.transcript, raw...)
	s.phase = serverAwaitFinished
	return nil
}

func (s *serverFlow) onFinished(c *conn, raw []byte) error {
	if err := c.checkFinished(raw, true); err != nil {
		return c.fail(alert.DecryptError, err)
	}
	c.transcript = append(c.transcript, raw...)
	items, err := c.finishedFlight(false)
	if err != nil {
		return c.fail(alert.InternalError, err)
	}
	s.phase = serverDone
	// 마지막 flight 는 타이머 없이 보관만 하고, 클라이언트가 재전송하면 다시 보냅니다.
	if err := c.sendFlight(items, false); err != nil {
		return err
	}
	c.markEstablished()
	return nil
}

// ecdheParamsDigest 는 ServerKeyExchange 서명 대상의 SHA-256 다이제스트입니다(RFC 4492 5.4).
func ecdheParamsDigest(clientRandom, serverRandom []byte, curve elliptic.Curve, pub []byte) []byte {
	var buf bytes.Buffer
	buf.Write(clientRandom)
	buf.Write(serverRandom)
	buf.WriteByte(byte(elliptic.CurveTypeNamedCurve))
	buf.WriteByte(byte(uint16(curve) >> 8))
	buf.WriteByte(byte(curve))
	buf.WriteByte(byte(len(pub)))
	buf.Write(pub)
	sum := sha256.Sum256(buf.Bytes())
	return sum[:]
}
