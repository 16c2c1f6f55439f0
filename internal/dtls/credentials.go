package dtls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"
	"sync"

	piondtls "github.com/pion/dtls/v3"
	"github.com/pion/dtls/v3/pkg/crypto/ciphersuite"
	"github.com/pion/dtls/v3/pkg/protocol/recordlayer"
)

// PSKLookup 은 서버가 피어의 PSK identity 로 비밀키를 찾는 외부 콜백입니다.
type PSKLookup interface {
	LookupPSK(identity []byte) ([]byte, error)
}

// PSKLookupFunc 는 함수를 PSKLookup 으로 사용합니다.
type PSKLookupFunc func(identity []byte) ([]byte, error)

func (f PSKLookupFunc) LookupPSK(identity []byte) ([]byte, error) { return f(identity) }

// SNIResolver 는 요청된 server name 에 대한 인증서/키를 찾는 외부 콜백입니다.
type SNIResolver interface {
	ResolveSNI(name string) (*tls.Certificate, error)
}

// SNIResolverFunc 는 함수를 SNIResolver 로 사용합니다.
type SNIResolverFunc func(name string) (*tls.Certificate, error)

func (f SNIResolverFunc) ResolveSNI(name string) (*tls.Certificate, error) { return f(name) }

// PSKInfo 는 server name 하나에 묶인 PSK hint 와 키입니다.
type PSKInfo struct {
	Hint []byte
	Key  []byte
}

// PSKSNIResolver 는 PSK 핸드셰이크에서 요청된 server name 에 대한 hint/키를 찾는 외부 콜백입니다.
type PSKSNIResolver interface {
	ResolvePSKSNI(name string) (*PSKInfo, error)
}

// PSKSNIResolverFunc 는 함수를 PSKSNIResolver 로 사용합니다.
type PSKSNIResolverFunc func(name string) (*PSKInfo, error)

func (f PSKSNIResolverFunc) ResolvePSKSNI(name string) (*PSKInfo, error) { return f(name) }

// ServerCredentials 는 서버 측 자격 증명입니다. PSK, PKI 또는 둘 다 설정할 수 있습니다.
type ServerCredentials struct {
	PSK          PSKLookup
	IdentityHint []byte
	// PSKSNI 가 있으면 ClientHello 의 server name 으로 hint 와 키를 고릅니다.
	// identity 조회(PSK)가 실패하거나 없으면 server name 의 키를 씁니다.
	PSKSNI PSKSNIResolver

	Certificate *tls.Certificate
	SNI         SNIResolver

	// VerifyPeer 는 PKI 핸드셰이크에서 클라이언트 인증서를 요구합니다.
	// ClientCAs 가 nil 이면 체인 검증 없이 인증서 소유 증명(CertificateVerify)만 확인합니다.
	VerifyPeer bool
	ClientCAs  *x509.CertPool
}

func (c *ServerCredentials) pskCapable() bool { return c != nil && (c.PSK != nil || c.PSKSNI != nil) }

func (c *ServerCredentials) pkiCapable() bool {
	return c != nil && (c.Certificate != nil || c.SNI != nil)
}

func (c *ServerCredentials) requireClientCert() bool {
	return c != nil && (c.VerifyPeer || c.ClientCAs != nil)
}

// ClientCredentials 는 클라이언트 세션별 자격 증명입니다.
// PSK 와 PKI 설정이 모두 없으면 피어 검증을 하지 않는 PKI 로 동작합니다.
type ClientCredentials struct {
	PSKIdentity []byte
	PSKKey      []byte

	ServerName         string
	RootCAs            *x509.CertPool
	InsecureSkipVerify bool
	// PKI 를 명시적으로 켭니다. ServerName 이나 RootCAs 가 있어도 켜진 것으로 봅니다.
	PKI bool
	// Certificate 는 서버가 CertificateRequest 를 보냈을 때 제출합니다. ECDSA 키만 지원합니다.
	Certificate *tls.Certificate
}

func (c *ClientCredentials) pskCapable() bool {
	return c != nil && len(c.PSKIdentity) > 0 && len(c.PSKKey) > 0
}

func (c *ClientCredentials) pkiCapable() bool {
	if c == nil {
		return true
	}
	if c.PKI || c.RootCAs != nil || c.ServerName != "" || c.InsecureSkipVerify || c.Certificate != nil {
		return true
	}
	// 어떤 자격 증명도 없으면 permissive PKI 로 대체합니다.
	return !c.pskCapable()
}

func (c *ClientCredentials) permissive() bool {
	return c == nil || c.InsecureSkipVerify || (c.RootCAs == nil && !c.PKI && !c.pskCapable())
}

// sniCache 는 server name 별로 해석된 자격 증명을 보관합니다. 백엔드가 소유하며 tick 고루틴에서만 다룹니다.
// server name 은 대소문자를 구분하지 않습니다.
type sniCache[T any] struct {
	entries []sniEntry[T]
}

type sniEntry[T any] struct {
	name string
	val  T
}

// lookup 은 캐시 hit 이면 그대로, miss 이면 resolve 를 한 번 호출해 결과를 캐시합니다.
func (c *sniCache[T]) lookup(name string, resolve func(string) (T, error)) (val T, hit bool, err error) {
	for _, e := range c.entries {
		if strings.EqualFold(e.name, name) {
			return e.val, true, nil
		}
	}
	val, err = resolve(name)
	if err != nil {
		return val, false, fmt.Errorf("resolve sni %q: %w", name, err)
	}
	c.entries = append(c.entries, sniEntry[T]{name: strings.ToLower(name), val: val})
	return val, false, nil
}

func (c *sniCache[T]) len() int { return len(c.entries) }

// resolveCert 는 SNIResolver 결과가 nil 인증서면 오류로 바꿉니다.
func resolveCert(r SNIResolver) func(string) (*tls.Certificate, error) {
	return func(name string) (*tls.Certificate, error) {
		cert, err := r.ResolveSNI(name)
		if err == nil && cert == nil {
			err = errors.New("no certificate")
		}
		return cert, err
	}
}

func resolvePSK(r PSKSNIResolver) func(string) (*PSKInfo, error) {
	return func(name string) (*PSKInfo, error) {
		info, err := r.ResolvePSKSNI(name)
		if err == nil && info == nil {
			err = errors.New("no psk")
		}
		return info, err
	}
}

// aead 는 pion 의 CCM/GCM 레코드 암호화 구현이 만족하는 인터페이스입니다.
type aead interface {
	Encrypt(pkt *recordlayer.RecordLayer, raw []byte) ([]byte, error)
	Decrypt(h recordlayer.Header, in []byte) ([]byte, error)
}

type cipherSuite struct {
	id      piondtls.CipherSuiteID
	kx      piondtls.CipherSuiteKeyExchangeAlgorithm
	tagLen  int
	newAEAD func(localKey, localIV, remoteKey, remoteIV []byte) (aead, error)
}

func (s *cipherSuite) psk() bool { return s.kx == piondtls.CipherSuiteKeyExchangeAlgorithmPsk }

func (s *cipherSuite) String() string { return piondtls.CipherSuiteName(s.id) }

const (
	aesKeyLen      = 16
	implicitIVLen  = 4
	explicitNonce  = 8
	recordOverhead = recordlayer.FixedHeaderSize + explicitNonce
)

func ccm(tag ciphersuite.CCMTagLen) func(lk, liv, rk, riv []byte) (aead, error) {
	return func(lk, liv, rk, riv []byte) (aead, error) {
		return ciphersuite.NewCCM(tag, lk, liv, rk, riv)
	}
}

func gcm(lk, liv, rk, riv []byte) (aead, error) {
	return ciphersuite.NewGCM(lk, liv, rk, riv)
}

var (
	suitesOnce sync.Once
	allSuites  []*cipherSuite
	pskSuites  []*cipherSuite
	pkiSuites  []*cipherSuite
)

// partitionSuites 는 지원 스위트 목록을 프로세스 수명 동안 한 번만 PSK/PKI 로 나눕니다.
// CoAP 필수 스위트(CCM_8)가 선호 순서의 앞에 옵니다.
func partitionSuites() {
	suitesOnce.Do(func() {
		psk := piondtls.CipherSuiteKeyExchangeAlgorithmPsk
		ecdhe := piondtls.CipherSuiteKeyExchangeAlgorithmEcdhe
		allSuites = []*cipherSuite{
			{id: piondtls.TLS_PSK_WITH_AES_128_CCM_8, kx: psk, tagLen: 8, newAEAD: ccm(ciphersuite.CCMTagLength8)},
			{id: piondtls.TLS_ECDHE_ECDSA_WITH_AES_128_CCM_8, kx: ecdhe, tagLen: 8, newAEAD: ccm(ciphersuite.CCMTagLength8)},
			{id: piondtls.TLS_PSK_WITH_AES_128_CCM, kx: psk, tagLen: 16, newAEAD: ccm(ciphersuite.CCMTagLength)},
			{id: piondtls.TLS_ECDHE_ECDSA_WITH_AES_128_CCM, kx: ecdhe, tagLen: 16, newAEAD: ccm(ciphersuite.CCMTagLength)},
			{id: piondtls.TLS_PSK_WITH_AES_128_GCM_SHA256, kx: psk, tagLen: 16, newAEAD: gcm},
			{id: piondtls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256, kx: ecdhe, tagLen: 16, newAEAD: gcm},
		}
		for _, s := range allSuites {
			if s.psk() {
				pskSuites = append(pskSuites, s)
			} else {
				pkiSuites = append(pkiSuites, s)
			}
		}
	})
}

func suiteByID(id uint16) *cipherSuite {
	partitionSuites()
	for _, s := range allSuites {
		if uint16(s.id) == id {
			return s
		}
	}
	return nil
}

// offeredSuites 는 PSK/PKI 가능 여부에 맞춰 제안할 스위트 ID 를 반환합니다.
func offeredSuites(psk, pki bool) []uint16 {
	partitionSuites()
	var out []uint16
	for _, s := range allSuites {
		if (s.psk() && psk) || (!s.psk() && pki) {
			out = append(out, uint16(s.id))
		}
	}
	return out
}

// selectSuite 는 클라이언트 선호 순서대로 서버가 지원하는 첫 스위트를 고릅니다.
func selectSuite(offered []uint16, psk, pki bool) *cipherSuite {
	partitionSuites()
	for _, id := range offered {
		if psk {
			for _, s := range pskSuites {
				if uint16(s.id) == id {
					return s
				}
			}
		}
		if pki {
			for _, s := range pkiSuites {
				if uint16(s.id) == id {
					return s
				}
			}
		}
	}
	return nil
}

// maxOverhead 는 지원 스위트 중 가장 큰 레코드 오버헤드입니다(헤더 13 + nonce 8 + 태그).
func maxOverhead() int {
	partitionSuites()
	max := 0
	for _, s := range allSuites {
		if o := recordOverhead + s.tagLen; o > max {
			max = o
		}
	}
	return max
}
