package main

import (
	"fmt"

	"github.com/dalbodeule/hop-coap/internal/coap"
	"github.com/dalbodeule/hop-coap/internal/logging"
	"github.com/dalbodeule/hop-coap/internal/protocol"
)

// payloadMarker 는 옵션과 payload 를 구분하는 0xFF 바이트입니다.
const payloadMarker = 0xff

var codeContent = protocol.NewCode(2, 5)

// buildResponse 는 요청에 대한 2.05 응답을 만듭니다. 요청이 아니면 nil 입니다.
//   - CON 요청: 같은 MID 의 piggyback ACK
//   - NON 요청: 새 MID 의 NON (MID 0 → SendMessage 가 할당)
//   - 스트림 전송: 타입/MID 없이 토큰만 맞춥니다.
func buildResponse(reliable bool, req *protocol.Message, payload []byte) *protocol.Message {
	if !req.Code.IsRequest() {
		return nil
	}
	body := make([]byte, 0, len(payload)+1)
	if len(payload) > 0 {
		body = append(body, payloadMarker)
		body = append(body, payload...)
	}
	resp := &protocol.Message{
		Code:  codeContent,
		Token: append([]byte(nil), req.Token...),
		Body:  body,
	}
	if reliable {
		return resp
	}
	switch req.Type {
	case protocol.Confirmable:
		resp.Type = protocol.Acknowledgement
		resp.MessageID = req.MessageID
	default:
		resp.Type = protocol.NonConfirmable
	}
	return resp
}

// respond 는 tick 사이에 inbox 를 비우며 요청마다 응답합니다.
func respond(logger logging.Logger, inbox *coap.Inbox) {
	for {
		d, ok := inbox.Next()
		if !ok {
			return
		}
		s := d.Session
		reliable := s.Proto().Reliable()

		var req protocol.Message
		var err error
		if reliable {
			_, err = protocol.UnmarshalStream(d.Data, &req)
		} else {
			err = protocol.UnmarshalDatagram(d.Data, &req)
		}
		if err != nil {
			logger.Debug("undecodable message", logging.Fields{"remote": s.Remote().String(), "error": err.Error()})
			continue
		}

		resp := buildResponse(reliable, &req, []byte(fmt.Sprintf("hop-coap %s", s.Remote())))
		if resp == nil {
			continue
		}
		if _, err := s.SendMessage(resp); err != nil {
			logger.Warn("failed to send response", logging.Fields{
				"remote": s.Remote().String(),
				"code":   req.Code.String(),
				"error":  err.Error(),
			})
		}
	}
}
