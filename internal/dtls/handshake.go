package dtls

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/pion/dtls/v3/pkg/crypto/prf"
	"github.com/pion/dtls/v3/pkg/protocol"
	"github.com/pion/dtls/v3/pkg/protocol/alert"
	"github.com/pion/dtls/v3/pkg/protocol/handshake"
	"github.com/pion/dtls/v3/pkg/protocol/recordlayer"

	"github.com/dalbodeule/hop-coap/internal/clock"
	"github.com/dalbodeule/hop-coap/internal/logging"
	"github.com/dalbodeule/hop-coap/internal/observability"
)

const (
	// 데이터그램 하나에 담을 최대 바이트 수. IPv6 최소 MTU 에서 IP/UDP 헤더를 뺀 값입니다.
	defaultMTU = 1280 - 48

	// 재조립을 허용하는 핸드셰이크 메시지 최대 길이.
	maxHandshakeMessage = 1 << 16

	// 현재 기대 시퀀스보다 이만큼 앞선 메시지까지만 버퍼링합니다.
	maxBufferedAhead = 8

	// 재전송 간격은 기본 간격 << retryScalar 이며 retryScalar 는 이 값에서 멈춥니다(RFC 6347 4.2.4.1, 최대 60초 근처).
	maxRetryScalar = 6
)

// flightItem 은 재전송을 위해 보관하는 flight 의 레코드 하나입니다.
// 핸드셰이크 메시지는 단편화되지 않은 정규형(12바이트 헤더 포함)으로 보관합니다.
type flightItem struct {
	ct    protocol.ContentType
	epoch uint16
	body  []byte
}

// fragBuf 는 단편으로 도착한 핸드셰이크 메시지 하나를 재조립합니다.
type fragBuf struct {
	typ    handshake.Type
	seq    uint16
	data   []byte
	filled []bool
	n      int
}

func newFragBuf(h handshake.Header) *fragBuf {
	return &fragBuf{
		typ:    h.Type,
		seq:    h.MessageSequence,
		data:   make([]byte, h.Length),
		filled: make([]bool, h.Length),
	}
}

func (b *fragBuf) add(off uint32, frag []byte) {
	for i, v := range frag {
		p := int(off) + i
		if !b.filled[p] {
			b.filled[p] = true
			b.data[p] = v
			b.n++
		}
	}
}

func (b *fragBuf) complete() bool { return b.n == len(b.data) }

// canonical 은 단편화되지 않은 형태의 메시지(헤더 포함)를 돌려줍니다. transcript 에 그대로 쓰입니다.
func (b *fragBuf) canonical() []byte {
	h := handshake.Header{
		Type:            b.typ,
		Length:          uint32(len(b.data)),
		MessageSequence: b.seq,
		FragmentLength:  uint32(len(b.data)),
	}
	raw, _ := h.Marshal()
	return append(raw, b.data...)
}

// flow 는 역할별 핸드셰이크 상태 머신입니다.
type flow interface {
	start(c *conn) error
	handle(c *conn, typ handshake.Type, raw []byte) error
}

// conn 은 세션 하나의 DTLS 1.2 상태입니다. 단일 스레드에서만 사용합니다.
type conn struct {
	role Role
	t    Transport
	clk  clock.Clock
	log  logging.Logger
	flow flow

	records recordState
	mtu     int

	started     bool
	established bool
	closed      bool

	inSeq   uint16
	outSeq  uint16
	pending map[uint16]*fragBuf

	transcript []byte

	flight        []flightItem
	flightPending bool
	lastTimeout   clock.Tick
	retryScalar   uint
	retransmit    clock.Tick
	resent        bool

	seenClientHello bool
	recordSeq       uint64
	staged          [][]byte
	appData         [][]byte

	suite        *cipherSuite
	clientRandom [handshake.RandomLength]byte
	serverRandom [handshake.RandomLength]byte
	masterSecret []byte

	state ConnectionState
}

func newConn(role Role, t Transport, clk clock.Clock, retransmit clock.Tick, log logging.Logger, f flow) *conn {
	if log == nil {
		log = logging.Nop()
	}
	return &conn{
		role:       role,
		t:          t,
		clk:        clk,
		log:        log.With(logging.Fields{"side": role.String()}),
		flow:       f,
		mtu:        defaultMTU,
		pending:    make(map[uint16]*fragBuf),
		retransmit: retransmit,
	}
}

func (c *conn) Role() Role             { return c.role }
func (c *conn) Established() bool      { return c.established }
func (c *conn) State() ConnectionState { return c.state }

func (c *conn) TakeSeenClientHello() bool {
	v := c.seenClientHello
	c.seenClientHello = false
	return v
}

// Deadline 은 마지막 flight 송신 시각 + 기본 간격 << retryScalar 입니다.
// 수립 이후나 응답을 기다리는 flight 가 없으면 ok=false 입니다.
func (c *conn) Deadline() (clock.Tick, bool) {
	if c.closed || c.established || !c.flightPending {
		return 0, false
	}
	scalar := c.retryScalar
	if scalar > maxRetryScalar {
		scalar = maxRetryScalar
	}
	return c.lastTimeout + c.retransmit<<scalar, true
}

func (c *conn) HandleTimeout(now clock.Tick) error {
	if c.closed || c.established || !c.flightPending {
		return nil
	}
	c.retryScalar++
	c.log.Debug("dtls flight retransmit", logging.Fields{"retry_scalar": c.retryScalar})
	if err := c.writeFlight(); err != nil {
		return err
	}
	c.lastTimeout = now
	return nil
}

func (c *conn) Handshake() (Result, error) {
	if c.closed {
		return InProgress, ErrClosed
	}
	if !c.started {
		c.started = true
		if err := c.flow.start(c); err != nil {
			return InProgress, err
		}
	}
	staged := c.staged
	c.staged = nil
	for _, dg := range staged {
		if err := c.process(dg); err != nil {
			return InProgress, err
		}
	}
	if c.established {
		return Established, nil
	}
	return InProgress, nil
}

func (c *conn) Receive(datagram []byte) (Received, error) {
	was := c.established
	c.staged = append(c.staged, append([]byte(nil), datagram...))
	_, err := c.Handshake()
	rcv := Received{Data: c.appData, Connected: !was && c.established}
	c.appData = nil
	return rcv, err
}

func (c *conn) Send(plaintext []byte) (int, error) {
	if c.closed {
		return 0, ErrClosed
	}
	if !c.established {
		return 0, ErrNotEstablished
	}
	rec, err := c.records.seal(protocol.ContentTypeApplicationData, plaintext)
	if err != nil {
		return 0, err
	}
	if _, err := c.t.WriteDatagram(rec); err != nil {
		return 0, err
	}
	return len(plaintext), nil
}

// Close 는 수립된 연결이면 close_notify 경고를 보내고 키 상태를 버립니다. 여러 번 호출해도 됩니다.
func (c *conn) Close() error {
	if c.closed {
		return nil
	}
	var err error
	if c.established {
		err = c.sendAlert(alert.Warning, alert.CloseNotify)
	}
	c.closed = true
	c.records.cipher = nil
	c.masterSecret = nil
	c.flight = nil
	c.pending = nil
	return err
}

func (c *conn) sendAlert(level alert.Level, desc alert.Description) error {
	a := &alert.Alert{Level: level, Description: desc}
	body, _ := a.Marshal()
	rec, err := c.records.seal(protocol.ContentTypeAlert, body)
	if err != nil {
		return err
	}
	_, err = c.t.WriteDatagram(rec)
	return err
}

// fail 은 fatal alert 를 보내고 연결을 닫은 뒤 ErrHandshakeFailed 로 감싼 오류를 돌려줍니다.
func (c *conn) fail(desc alert.Description, cause error) error {
	if !c.closed {
		_ = c.sendAlert(alert.Fatal, desc)
		c.closed = true
		observability.DTLSHandshakesTotal.WithLabelValues(c.role.String(), "failure").Inc()
	}
	c.log.Warn("dtls handshake failed", logging.Fields{
		"alert": desc.String(),
		"error": cause.Error(),
	})
	return fmt.Errorf("%w: %v", ErrHandshakeFailed, cause)
}

func (c *conn) process(dg []byte) error {
	recs, err := recordlayer.UnpackDatagram(dg)
	if err != nil {
		c.log.Debug("drop malformed dtls datagram", logging.Fields{"error": err.Error()})
		return nil
	}
	c.resent = false
	for _, rec := range recs {
		h, payload, err := c.records.open(rec)
		if errors.Is(err, errBadRecordMAC) && !c.established {
			// 핸드셰이크 중 Finished 복호화 실패는 키 불일치(PSK 불일치 등)이므로 치명적입니다.
			return c.fail(alert.BadRecordMac, err)
		}
		if err != nil {
			// 잘못된 MAC, 알 수 없는 epoch, 재생 레코드는 조용히 버립니다(RFC 6347 4.1.2.7).
			observability.PacketsDroppedTotal.WithLabelValues("dtls_record").Inc()
			c.log.Debug("drop dtls record", logging.Fields{"epoch": h.Epoch, "error": err.Error()})
			continue
		}
		c.recordSeq = h.SequenceNumber
		switch h.ContentType {
		case protocol.ContentTypeHandshake:
			if err := c.handleHandshake(payload); err != nil {
				return err
			}
		case protocol.ContentTypeChangeCipherSpec:
			// epoch 전환은 레코드 헤더의 epoch 로 판단하므로 별도 처리가 필요 없습니다.
		case protocol.ContentTypeAlert:
			var a alert.Alert
			if err := a.Unmarshal(payload); err != nil {
				continue
			}
			if a.Level == alert.Fatal || a.Description == alert.CloseNotify {
				c.log.Info("dtls alert received", logging.Fields{"level": a.Level.String(), "alert": a.Description.String()})
				c.closed = true
				return ErrClosed
			}
		case protocol.ContentTypeApplicationData:
			if !c.established || h.Epoch != 1 {
				continue
			}
			c.appData = append(c.appData, append([]byte(nil), payload...))
		}
	}
	return nil
}

func (c *conn) handleHandshake(payload []byte) error {
	for len(payload) > 0 {
		var hh handshake.Header
		if err := hh.Unmarshal(payload); err != nil {
			return nil
		}
		end := handshake.HeaderLength + int(hh.FragmentLength)
		if end > len(payload) || hh.Length > maxHandshakeMessage || hh.FragmentOffset+hh.FragmentLength > hh.Length {
			return nil
		}
		frag := payload[handshake.HeaderLength:end]
		payload = payload[end:]

		if hh.Type == handshake.TypeClientHello && c.role == RoleServer {
			srv := c.flow.(*serverFlow)
			if srv.helloSeen {
				if err := srv.repeatedHello(c, hh, frag); err != nil {
					return err
				}
				continue
			}
			c.inSeq = hh.MessageSequence
			c.outSeq = hh.MessageSequence
		}

		if hh.MessageSequence < c.inSeq {
			c.peerRetransmitted()
			continue
		}
		if hh.MessageSequence > c.inSeq+maxBufferedAhead {
			continue
		}
		b := c.pending[hh.MessageSequence]
		if b == nil {
			b = newFragBuf(hh)
			c.pending[hh.MessageSequence] = b
		}
		if b.typ != hh.Type || uint32(len(b.data)) != hh.Length {
			continue
		}
		b.add(hh.FragmentOffset, frag)
	}

	for !c.closed {
		b := c.pending[c.inSeq]
		if b == nil || !b.complete() {
			break
		}
		delete(c.pending, c.inSeq)
		c.inSeq++
		if err := c.flow.handle(c, b.typ, b.canonical()); err != nil {
			return err
		}
	}
	return nil
}

// peerRetransmitted 는 피어가 이전 flight 를 다시 보냈을 때 우리 마지막 flight 를 한 번 재전송합니다.
func (c *conn) peerRetransmitted() {
	if c.resent || len(c.flight) == 0 || c.closed {
		return
	}
	c.resent = true
	if err := c.writeFlight(); err != nil {
		c.log.Debug("flight resend failed", logging.Fields{"error": err.Error()})
		return
	}
	c.lastTimeout = c.clk.Now()
}

// marshalHandshake 은 다음 송신 시퀀스로 메시지를 정규형으로 직렬화합니다.
func (c *conn) marshalHandshake(m handshake.Message) ([]byte, error) {
	hs := &handshake.Handshake{
		Header:  handshake.Header{MessageSequence: c.outSeq},
		Message: m,
	}
	raw, err := hs.Marshal()
	if err != nil {
		return nil, err
	}
	c.outSeq++
	return raw, nil
}

// sendFlight 는 새 flight 를 보관하고 송신한 뒤 재전송 타이머를 초기화합니다.
func (c *conn) sendFlight(items []flightItem, awaitReply bool) error {
	c.flight = items
	c.flightPending = awaitReply
	c.retryScalar = 0
	if err := c.writeFlight(); err != nil {
		return err
	}
	c.lastTimeout = c.clk.Now()
	return nil
}

// writeFlight 는 보관된 flight 를 새 레코드 시퀀스로 봉인해 MTU 단위 데이터그램으로 묶어 보냅니다.
func (c *conn) writeFlight() error {
	var dgs [][]byte
	var cur []byte
	push := func(rec []byte) {
		if len(cur) > 0 && len(cur)+len(rec) > c.mtu {
			dgs = append(dgs, cur)
			cur = nil
		}
		cur = append(cur, rec...)
	}

	for _, it := range c.flight {
		if it.ct != protocol.ContentTypeHandshake {
			rec, err := c.records.sealEpoch(it.epoch, it.ct, it.body)
			if err != nil {
				return err
			}
			push(rec)
			continue
		}
		for _, frag := range c.fragment(it.body, it.epoch) {
			rec, err := c.records.sealEpoch(it.epoch, it.ct, frag)
			if err != nil {
				return err
			}
			push(rec)
		}
	}
	if len(cur) > 0 {
		dgs = append(dgs, cur)
	}
	for _, dg := range dgs {
		if _, err := c.t.WriteDatagram(dg); err != nil {
			return err
		}
	}
	return nil
}

// fragment 는 정규형 핸드셰이크 메시지를 레코드 하나에 들어가는 단편들로 나눕니다.
func (c *conn) fragment(msg []byte, epoch uint16) [][]byte {
	room := c.mtu - recordlayer.FixedHeaderSize - handshake.HeaderLength
	if epoch > 0 {
		room -= explicitNonce + 16
	}
	body := msg[handshake.HeaderLength:]
	if len(body) <= room {
		return [][]byte{msg}
	}

	var hh handshake.Header
	_ = hh.Unmarshal(msg)
	var out [][]byte
	for off := 0; off < len(body); off += room {
		end := min(off+room, len(body))
		h := hh
		h.FragmentOffset = uint32(off)
		h.FragmentLength = uint32(end - off)
		raw, _ := h.Marshal()
		out = append(out, append(raw, body[off:end]...))
	}
	return out
}

// deriveKeys 는 premaster secret 으로 master secret 과 레코드 키를 만들고 epoch 1 암호 상태를 설치합니다.
func (c *conn) deriveKeys(preMaster []byte) error {
	ms, err := prf.MasterSecret(preMaster, c.clientRandom[:], c.serverRandom[:], sha256.New)
	if err != nil {
		return err
	}
	keys, err := prf.GenerateEncryptionKeys(ms, c.clientRandom[:], c.serverRandom[:], 0, aesKeyLen, implicitIVLen, sha256.New)
	if err != nil {
		return err
	}
	var cipher aead
	if c.role == RoleClient {
		cipher, err = c.suite.newAEAD(keys.ClientWriteKey, keys.ClientWriteIV, keys.ServerWriteKey, keys.ServerWriteIV)
	} else {
		cipher, err = c.suite.newAEAD(keys.ServerWriteKey, keys.ServerWriteIV, keys.ClientWriteKey, keys.ClientWriteIV)
	}
	if err != nil {
		return err
	}
	c.masterSecret = ms
	c.records.cipher = cipher
	return nil
}

func (c *conn) verifyData(fromClient bool) ([]byte, error) {
	if fromClient {
		return prf.VerifyDataClient(c.masterSecret, c.transcript, sha256.New)
	}
	return prf.VerifyDataServer(c.masterSecret, c.transcript, sha256.New)
}

// checkFinished 는 피어 Finished 의 verify_data 를 검증합니다. transcript 에는 아직 추가하지 않습니다.
func (c *conn) checkFinished(raw []byte, fromClient bool) error {
	var hs handshake.Handshake
	if err := hs.Unmarshal(raw); err != nil {
		return err
	}
	fin, ok := hs.Message.(*handshake.MessageFinished)
	if !ok {
		return errUnexpectedMessage
	}
	want, err := c.verifyData(fromClient)
	if err != nil {
		return err
	}
	if !bytes.Equal(want, fin.VerifyData) {
		return errors.New("finished verify_data mismatch")
	}
	return nil
}

// finishedFlight 는 CCS 와 epoch 1 Finished 로 이루어진 flight 항목을 만듭니다.
func (c *conn) finishedFlight(fromClient bool) ([]flightItem, error) {
	vd, err := c.verifyData(fromClient)
	if err != nil {
		return nil, err
	}
	fin, err := c.marshalHandshake(&handshake.MessageFinished{VerifyData: vd})
	if err != nil {
		return nil, err
	}
	c.transcript = append(c.transcript, fin...)
	c.records.writeEpoch = 1
	return []flightItem{
		{ct: protocol.ContentTypeChangeCipherSpec, epoch: 0, body: []byte{0x01}},
		{ct: protocol.ContentTypeHandshake, epoch: 1, body: fin},
	}, nil
}

func (c *conn) markEstablished() {
	c.established = true
	c.flightPending = false
	c.pending = make(map[uint16]*fragBuf)
	c.state.CipherSuite = c.suite.String()
	observability.DTLSHandshakesTotal.WithLabelValues(c.role.String(), "success").Inc()
	c.log.Info("dtls session established", logging.Fields{
		"cipher_suite": c.state.CipherSuite,
		"psk_identity": c.state.PSKIdentity,
		"server_name":  c.state.ServerName,
	})
}

var errUnexpectedMessage = errors.New("unexpected handshake message")

// parseHandshake 은 정규형 메시지를 선택된 키 교환 방식으로 해석합니다.
func (c *conn) parseHandshake(raw []byte) (handshake.Message, error) {
	hs := handshake.Handshake{}
	if c.suite != nil {
		hs.KeyExchangeAlgorithm = c.suite.kx
	}
	if err := hs.Unmarshal(raw); err != nil {
		return nil, err
	}
	return hs.Message, nil
}
