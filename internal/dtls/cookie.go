package dtls

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/pion/dtls/v3/pkg/protocol"
	"github.com/pion/dtls/v3/pkg/protocol/handshake"
)

const (
	cookieLen           = 32
	defaultCookieEpoch  = 5 * time.Minute
	cookieSecretInfoFmt = "hop-coap dtls cookie epoch %d"
)

// cookieJar 는 RFC 6347 4.2.1 의 상태 없는 쿠키를 만들고 검증합니다.
// 비밀키는 마스터 키에서 epoch 마다 HKDF 로 파생하며, 현재와 직전 epoch 를 허용합니다.
type cookieJar struct {
	master []byte
	period time.Duration
	now    func() time.Time

	cachedEpoch  int64
	cachedSecret []byte
}

func newCookieJar() (*cookieJar, error) {
	master := make([]byte, 32)
	if _, err := rand.Read(master); err != nil {
		return nil, fmt.Errorf("cookie master secret: %w", err)
	}
	return &cookieJar{master: master, period: defaultCookieEpoch, now: time.Now, cachedEpoch: -1}, nil
}

func (j *cookieJar) secret(epoch int64) []byte {
	if epoch == j.cachedEpoch && j.cachedSecret != nil {
		return j.cachedSecret
	}
	out := make([]byte, sha256.Size)
	r := hkdf.New(sha256.New, j.master, nil, fmt.Appendf(nil, cookieSecretInfoFmt, epoch))
	_, _ = io.ReadFull(r, out)
	return out
}

func (j *cookieJar) epoch() int64 {
	return j.now().UnixNano() / int64(j.period)
}

// generate 는 주소와 ClientHello 고정 필드(랜덤, 세션 ID, 스위트, 압축)로 쿠키를 계산합니다.
func (j *cookieJar) generate(remote string, ch *handshake.MessageClientHello) []byte {
	e := j.epoch()
	sec := j.secret(e)
	j.cachedEpoch, j.cachedSecret = e, sec
	return cookieMAC(sec, remote, ch)
}

// verify 는 쿠키가 현재 또는 직전 epoch 비밀키로 만든 값인지 확인합니다.
func (j *cookieJar) verify(remote string, ch *handshake.MessageClientHello) bool {
	if len(ch.Cookie) != cookieLen {
		return false
	}
	e := j.epoch()
	for _, cand := range []int64{e, e - 1} {
		if hmac.Equal(cookieMAC(j.secret(cand), remote, ch), ch.Cookie) {
			return true
		}
	}
	return false
}

func cookieMAC(secret []byte, remote string, ch *handshake.MessageClientHello) []byte {
	m := hmac.New(sha256.New, secret)
	m.Write([]byte(remote))
	r := ch.Random.MarshalFixed()
	m.Write(r[:])
	m.Write([]byte{byte(len(ch.SessionID))})
	m.Write(ch.SessionID)
	var b [2]byte
	for _, id := range ch.CipherSuiteIDs {
		binary.BigEndian.PutUint16(b[:], id)
		m.Write(b[:])
	}
	for _, c := range ch.CompressionMethods {
		if c != nil {
			m.Write([]byte{byte(c.ID)})
		}
	}
	return m.Sum(nil)[:cookieLen]
}

// helloVerifyRequest 는 ClientHello 에 대한 HelloVerifyRequest 레코드를 만듭니다.
// 레코드 시퀀스와 메시지 시퀀스는 ClientHello 의 것을 그대로 따릅니다(RFC 6347 4.2.1).
func helloVerifyRequest(cookie []byte, msgSeq uint16, recordSeq uint64) ([]byte, error) {
	hs := &handshake.Handshake{
		Header:  handshake.Header{MessageSequence: msgSeq},
		Message: &handshake.MessageHelloVerifyRequest{Version: protocol.Version1_0, Cookie: cookie},
	}
	body, err := hs.Marshal()
	if err != nil {
		return nil, err
	}
	return sealPlain(protocol.ContentTypeHandshake, protocol.Version1_0, 0, recordSeq, body)
}
