package dtls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"time"
)

// NewSelfSignedCertificate 는 테스트/개발용 self-signed ECDSA P-256 인증서를 생성합니다.
//
// - CN: names[0] (없으면 "localhost")
// - DNS SAN: names (없으면 ["localhost"])
// - IP SAN: [127.0.0.1, ::1]
// - 유효기간: 생성 시점 기준 1년
//
// ECDHE_ECDSA 스위트는 ECDSA 키만 사용할 수 있으므로 RSA 키는 만들지 않습니다.
// 클라이언트 측에서는 InsecureSkipVerify 를 켜거나 Leaf 를 RootCAs 에 넣어 검증합니다.
func NewSelfSignedCertificate(names ...string) (*tls.Certificate, error) {
	if len(names) == 0 {
		names = []string{"localhost"}
	}
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, err
	}

	notBefore := time.Now().Add(-1 * time.Hour)
	notAfter := notBefore.Add(365 * 24 * time.Hour)

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName: names[0],
		},
		NotBefore: notBefore,
		NotAfter:  notAfter,

		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,

		DNSNames:    names,
		IPAddresses: []net.IP{net.ParseIP("127.0.0.1"), net.IPv6loopback},
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return nil, err
	}
	leaf, err := x509.ParseCertificate(derBytes)
	if err != nil {
		return nil, err
	}

	return &tls.Certificate{
		Certificate: [][]byte{derBytes},
		PrivateKey:  priv,
		Leaf:        leaf,
	}, nil
}
