package dtls

import (
	"errors"
	"fmt"

	"github.com/pion/dtls/v3/pkg/protocol"
	"github.com/pion/dtls/v3/pkg/protocol/recordlayer"
)

var (
	errUnknownEpoch = errors.New("dtls: record from unknown epoch")
	errReplayed     = errors.New("dtls: replayed record")
	errBadRecordMAC = errors.New("dtls: bad record mac")
)

// rawContent 는 이미 직렬화된 레코드 본문을 protocol.Content 로 감쌉니다.
type rawContent struct {
	ct   protocol.ContentType
	data []byte
}

func (c *rawContent) ContentType() protocol.ContentType { return c.ct }
func (c *rawContent) Marshal() ([]byte, error)          { return c.data, nil }

func (c *rawContent) Unmarshal(data []byte) error {
	c.data = append(c.data[:0], data...)
	return nil
}

// sealPlain 은 epoch 0 평문 레코드 하나를 직렬화합니다.
func sealPlain(ct protocol.ContentType, ver protocol.Version, epoch uint16, seq uint64, body []byte) ([]byte, error) {
	rl := &recordlayer.RecordLayer{
		Header: recordlayer.Header{
			Version:        ver,
			Epoch:          epoch,
			SequenceNumber: seq,
		},
		Content: &rawContent{ct: ct, data: body},
	}
	return rl.Marshal()
}

// replayWindow 는 RFC 6347 4.1.2.6 의 64 레코드 슬라이딩 윈도입니다.
type replayWindow struct {
	top    uint64
	bitmap uint64
	any    bool
}

const replayWindowSize = 64

func (w *replayWindow) check(seq uint64) bool {
	if !w.any || seq > w.top {
		return true
	}
	diff := w.top - seq
	if diff >= replayWindowSize {
		return false
	}
	return w.bitmap&(1<<diff) == 0
}

func (w *replayWindow) accept(seq uint64) {
	switch {
	case !w.any:
		w.any = true
		w.top = seq
		w.bitmap = 1
	case seq > w.top:
		shift := seq - w.top
		if shift >= replayWindowSize {
			w.bitmap = 0
		} else {
			w.bitmap <<= shift
		}
		w.bitmap |= 1
		w.top = seq
	default:
		w.bitmap |= 1 << (w.top - seq)
	}
}

// recordState 는 epoch 별 송신 시퀀스, epoch 1 암호 상태, 재생 윈도를 보관합니다.
type recordState struct {
	writeEpoch uint16
	writeSeq   [2]uint64

	cipher aead
	replay replayWindow
	// replay 검사 여부. 꺼져 있으면 epoch 1 레코드의 중복을 허용합니다.
	replayProtection bool
}

// seal 은 현재 write epoch 로 레코드를 만듭니다.
func (r *recordState) seal(ct protocol.ContentType, body []byte) ([]byte, error) {
	return r.sealEpoch(r.writeEpoch, ct, body)
}

func (r *recordState) sealEpoch(epoch uint16, ct protocol.ContentType, body []byte) ([]byte, error) {
	if int(epoch) >= len(r.writeSeq) {
		return nil, errUnknownEpoch
	}
	seq := r.writeSeq[epoch]
	if seq > recordlayer.MaxSequenceNumber {
		return nil, fmt.Errorf("dtls: epoch %d sequence exhausted", epoch)
	}
	r.writeSeq[epoch]++

	pkt := &recordlayer.RecordLayer{
		Header: recordlayer.Header{
			Version:        protocol.Version1_2,
			Epoch:          epoch,
			SequenceNumber: seq,
		},
		Content: &rawContent{ct: ct, data: body},
	}
	raw, err := pkt.Marshal()
	if err != nil {
		return nil, err
	}
	if epoch == 0 {
		return raw, nil
	}
	if r.cipher == nil {
		return nil, errUnknownEpoch
	}
	return r.cipher.Encrypt(pkt, raw)
}

// open 은 레코드 하나의 헤더를 해석하고 필요하면 복호화해 본문을 돌려줍니다.
// 입력 슬라이스는 수정하지 않습니다.
func (r *recordState) open(rec []byte) (recordlayer.Header, []byte, error) {
	var h recordlayer.Header
	if err := h.Unmarshal(rec); err != nil {
		return h, nil, err
	}
	switch h.Epoch {
	case 0:
		return h, rec[recordlayer.FixedHeaderSize:], nil
	case 1:
		if r.cipher == nil {
			return h, nil, errUnknownEpoch
		}
		if r.replayProtection && !r.replay.check(h.SequenceNumber) {
			return h, nil, errReplayed
		}
		out, err := r.cipher.Decrypt(recordlayer.Header{}, append([]byte(nil), rec...))
		if err != nil {
			return h, nil, fmt.Errorf("%w: %v", errBadRecordMAC, err)
		}
		if r.replayProtection {
			r.replay.accept(h.SequenceNumber)
		}
		return h, out[recordlayer.FixedHeaderSize:], nil
	default:
		return h, nil, errUnknownEpoch
	}
}
