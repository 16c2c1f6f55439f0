package dtls

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"

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

type clientPhase uint8

const (
	clientAwaitServerHello clientPhase = iota
	clientAwaitHelloDone
	clientAwaitFinished
	clientDone
)

// clientFlow 는 ClientHello 송신부터 서버 Finished 검증까지를 처리합니다.
type clientFlow struct {
	creds *ClientCredentials
	phase clientPhase

	random  handshake.Random
	hello   []byte
	offered []uint16

	peerCert  *x509.Certificate
	serverPub []byte
	curve     elliptic.Curve

	certRequested bool
}

func (f *clientFlow) start(c *conn) error {
	if err := f.random.Populate(); err != nil {
		return err
	}
	c.clientRandom = f.random.MarshalFixed()
	f.offered = offeredSuites(f.creds.pskCapable(), f.creds.pkiCapable())
	if len(f.offered) == 0 {
		return fmt.Errorf("%w: no usable credentials", ErrHandshakeFailed)
	}
	return f.sendHello(c, nil)
}

// sendHello 는 ClientHello 를 보냅니다. HelloVerifyRequest 이후에는 쿠키를 담아 다시 보냅니다.
func (f *clientFlow) sendHello(c *conn, cookie []byte) error {
	exts := []extension.Extension{}
	if f.creds.pkiCapable() {
		exts = append(exts,
			&extension.SupportedEllipticCurves{EllipticCurves: []elliptic.Curve{elliptic.P256}},
			&extension.SupportedPointFormats{PointFormats: []elliptic.CurvePointFormat{elliptic.CurvePointFormatUncompressed}},
			&extension.SupportedSignatureAlgorithms{SignatureHashAlgorithms: []signaturehash.Algorithm{
				{Hash: hash.SHA256, Signature: signature.ECDSA},
			}},
		)
	}
	if f.creds != nil && f.creds.ServerName != "" {
		exts = append(exts, &extension.ServerName{ServerName: f.creds.ServerName})
	}
	raw, err := c.marshalHandshake(&handshake.MessageClientHello{
		Version:            protocol.Version1_2,
		Random:             f.random,
		Cookie:             cookie,
		SessionID:          []byte{},
		CipherSuiteIDs:     f.offered,
		CompressionMethods: []*protocol.CompressionMethod{protocol.CompressionMethods()[0]},
		Extensions:         exts,
	})
	if err != nil {
		return err
	}
	f.hello = raw
	return c.sendFlight([]flightItem{{ct: protocol.ContentTypeHandshake, body: raw}}, true)
}

func (f *clientFlow) handle(c *conn, typ handshake.Type, raw []byte) error {
	switch {
	case f.phase == clientAwaitServerHello && typ == handshake.TypeHelloVerifyRequest:
		return f.onHelloVerify(c, raw)
	case f.phase == clientAwaitServerHello && typ == handshake.TypeServerHello:
		return f.onServerHello(c, raw)
	case f.phase == clientAwaitHelloDone && typ == handshake.TypeCertificate:
		return f.onCertificate(c, raw)
	case f.phase == clientAwaitHelloDone && typ == handshake.TypeServerKeyExchange:
		return f.onServerKeyExchange(c, raw)
	case f.phase == clientAwaitHelloDone && typ == handshake.TypeCertificateRequest:
		return f.onCertificateRequest(c, raw)
	case f.phase == clientAwaitHelloDone && typ == handshake.TypeServerHelloDone:
		return f.onHelloDone(c, raw)
	case f.phase == clientAwaitFinished && typ == handshake.TypeFinished:
		return f.onFinished(c, raw)
	default:
		return c.fail(alert.UnexpectedMessage, fmt.Errorf("%w: %s", errUnexpectedMessage, typ))
	}
}

func (f *clientFlow) onHelloVerify(c *conn, raw []byte) error {
	msg, err := c.parseHandshake(raw)
	if err != nil {
		return c.fail(alert.DecodeError, err)
	}
	hvr := msg.(*handshake.MessageHelloVerifyRequest)
	c.log.Debug("dtls cookie challenge", logging.Fields{"cookie_len": len(hvr.Cookie)})
	return f.sendHello(c, hvr.Cookie)
}

func (f *clientFlow) onServerHello(c *conn, raw []byte) error {
	msg, err := c.parseHandshake(raw)
	if err != nil {
		return c.fail(alert.DecodeError, err)
	}
	sh := msg.(*handshake.MessageServerHello)
	if sh.CipherSuiteID == nil {
		return c.fail(alert.IllegalParameter, errors.New("server hello without cipher suite"))
	}
	var suite *cipherSuite
	for _, id := range f.offered {
		if id == *sh.CipherSuiteID {
			suite = suiteByID(id)
		}
	}
	if suite == nil {
		return c.fail(alert.IllegalParameter, fmt.Errorf("server selected unoffered suite 0x%04x", *sh.CipherSuiteID))
	}
	c.suite = suite
	c.serverRandom = sh.Random.MarshalFixed()
	// HelloVerifyRequest 교환은 transcript 에 포함하지 않습니다(RFC 6347 4.2.1).
	c.transcript = append(append(c.transcript[:0], f.hello...), raw...)
	if suite.psk() {
		c.state.PSKIdentity = string(f.creds.PSKIdentity)
	}
	if f.creds != nil {
		c.state.ServerName = f.creds.ServerName
	}
	f.phase = clientAwaitHelloDone
	return nil
}

func (f *clientFlow) onCertificate(c *conn, raw []byte) error {
	if c.suite.psk() {
		return c.fail(alert.UnexpectedMessage, errUnexpectedMessage)
	}
	msg, err := c.parseHandshake(raw)
	if err != nil {
		return c.fail(alert.DecodeError, err)
	}
	cm := msg.(*handshake.MessageCertificate)
	if len(cm.Certificate) == 0 {
		return c.fail(alert.BadCertificate, errors.New("empty certificate chain"))
	}
	certs := make([]*x509.Certificate, 0, len(cm.Certificate))
	for _, der := range cm.Certificate {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return c.fail(alert.BadCertificate, err)
		}
		certs = append(certs, cert)
	}
	if !f.creds.permissive() {
		opts := x509.VerifyOptions{
			Roots:         f.creds.RootCAs,
			DNSName:       f.creds.ServerName,
			Intermediates: x509.NewCertPool(),
		}
		for _, ic := range certs[1:] {
			opts.Intermediates.AddCert(ic)
		}
		if _, err := certs[0].Verify(opts); err != nil {
			return c.fail(alert.BadCertificate, err)
		}
	}
	f.peerCert = certs[0]
	c.transcript = append(c.transcript, raw...)
	return nil
}

func (f *clientFlow) onServerKeyExchange(c *conn, raw []byte) error {
	msg, err := c.parseHandshake(raw)
	if err != nil {
		return c.fail(alert.DecodeError, err)
	}
	ske := msg.(*handshake.MessageServerKeyExchange)
	if !c.suite.psk() {
		if f.peerCert == nil {
			return c.fail(alert.UnexpectedMessage, errors.New("server key exchange before certificate"))
		}
		pub, ok := f.peerCert.PublicKey.(*ecdsa.PublicKey)
		if !ok {
			return c.fail(alert.UnsupportedCertificate, errors.New("server certificate key is not ECDSA"))
		}
		if ske.HashAlgorithm != hash.SHA256 || ske.SignatureAlgorithm != signature.ECDSA {
			return c.fail(alert.IllegalParameter, errors.New("unsupported signature scheme"))
		}
		digest := ecdheParamsDigest(c.clientRandom[:], c.serverRandom[:], ske.NamedCurve, ske.PublicKey)
		if !ecdsa.VerifyASN1(pub, digest, ske.Signature) {
			return c.fail(alert.DecryptError, errors.New("bad server key exchange signature"))
		}
		f.serverPub = ske.PublicKey
		f.curve = ske.NamedCurve
	}
	c.transcript = append(c.transcript, raw...)
	return nil
}

// onCertificateRequest 는 서버가 클라이언트 인증서를 요구했음을 기록합니다.
// 인증서가 없으면 빈 Certificate 를 보내고 판단은 서버에 맡깁니다.
func (f *clientFlow) onCertificateRequest(c *conn, raw []byte) error {
	if c.suite.psk() {
		return c.fail(alert.UnexpectedMessage, errUnexpectedMessage)
	}
	if _, err := c.parseHandshake(raw); err != nil {
		return c.fail(alert.DecodeError, err)
	}
	f.certRequested = true
	c.transcript = append(c.transcript, raw...)
	return nil
}

func (f *clientFlow) onHelloDone(c *conn, raw []byte) error {
	c.transcript = append(c.transcript, raw...)

	var items []flightItem
	var signer *ecdsa.PrivateKey
	if f.certRequested {
		var chain [][]byte
		if cert := f.creds.Certificate; cert != nil {
			key, ok := cert.PrivateKey.(*ecdsa.PrivateKey)
			if !ok {
				return c.fail(alert.InternalError, errors.New("client certificate key is not ECDSA"))
			}
			chain, signer = cert.Certificate, key
		}
		certRaw, err := c.marshalHandshake(&handshake.MessageCertificate{Certificate: chain})
		if err != nil {
			return c.fail(alert.InternalError, err)
		}
		c.transcript = append(c.transcript, certRaw...)
		items = append(items, flightItem{ct: protocol.ContentTypeHandshake, body: certRaw})
	}

	var (
		cke       *handshake.MessageClientKeyExchange
		preMaster []byte
	)
	if c.suite.psk() {
		cke = &handshake.MessageClientKeyExchange{IdentityHint: f.creds.PSKIdentity}
		preMaster = prf.PSKPreMasterSecret(f.creds.PSKKey)
	} else {
		if f.serverPub == nil {
			return c.fail(alert.UnexpectedMessage, errors.New("server hello done without key exchange"))
		}
		kp, err := elliptic.GenerateKeypair(f.curve)
		if err != nil {
			return c.fail(alert.IllegalParameter, err)
		}
		preMaster, err = prf.PreMasterSecret(f.serverPub, kp.PrivateKey, kp.Curve)
		if err != nil {
			return c.fail(alert.IllegalParameter, err)
		}
		cke = &handshake.MessageClientKeyExchange{PublicKey: kp.PublicKey}
	}
	if err := c.deriveKeys(preMaster); err != nil {
		return c.fail(alert.InternalError, err)
	}

	ckeRaw, err := c.marshalHandshake(cke)
	if err != nil {
		return c.fail(alert.InternalError, err)
	}
	c.transcript = append(c.transcript, ckeRaw...)
	items = append(items, flightItem{ct: protocol.ContentTypeHandshake, body: ckeRaw})

	if signer != nil {
		digest := sha256.Sum256(c.transcript)
		sig, err := ecdsa.SignASN1(rand.Reader, signer, digest[:])
		if err != nil {
			return c.fail(alert.InternalError, err)
		}
		cvRaw, err := c.marshalHandshake(&handshake.MessageCertificateVerify{
			HashAlgorithm:      hash.SHA256,
			SignatureAlgorithm: signature.ECDSA,
			Signature:          sig,
		})
		if err != nil {
			return c.fail(alert.InternalError, err)
		}
		c.transcript = append(c.transcript, cvRaw...)
		items = append(items, flightItem{ct: protocol.ContentTypeHandshake, body: cvRaw})
	}

	fin, err := c.finishedFlight(true)
	if err != nil {
		return c.fail(alert.InternalError, err)
	}
	f.phase = clientAwaitFinished
	return c.sendFlight(append(items, fin...), true)
}

func (f *clientFlow) onFinished(c *conn, raw []byte) error {
	if err := c.checkFinished(raw, false); err != nil {
		return c.fail(alert.DecryptError, err)
	}
	f.phase = clientDone
	c.transcript = nil
	c.markEstablished()
	return nil
}
