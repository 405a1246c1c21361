package websocket

import (
	"encoding/binary"
	"fmt"
)

// messageAssembler reassembles a sequence of data frames (one initial
// frame plus zero or more continuation frames) into a whole message,
// enforcing size limits and incremental UTF-8 validation along the way.
// Grounded on original_source's onFrameBegin/onFrameData/onFrameEnd
// triplet and spec.md §3's MessageAccumulator.
type messageAssembler struct {
	opts *Options

	inMessage   bool
	messageType MessageType
	compressed  bool // RSV1 was set on the initial frame (permessage-deflate)

	buf     []byte
	utf8    utf8Validator
	isText  bool
	maxSize int64
}

// begin starts accumulating a new message from its initial (non-continuation)
// data frame.
func (a *messageAssembler) begin(opcode byte, rsv1 bool) error {
	if a.inMessage {
		return fmt.Errorf("%w: new message while one is in progress", ErrProtocolError)
	}
	a.inMessage = true
	a.compressed = rsv1
	a.buf = a.buf[:0]
	a.isText = opcode == opcodeText
	if a.isText {
		a.messageType = TextMessage
		a.utf8.reset()
	} else {
		a.messageType = BinaryMessage
	}
	a.maxSize = a.opts.MaxMessagePayloadSize
	return nil
}

// append feeds one frame's (already unmasked, and — if compressed —
// already inflated) payload bytes into the in-progress message. text
// messages are validated incrementally so an invalid-UTF-8 failure can be
// reported as soon as the offending byte arrives rather than only at
// message end.
func (a *messageAssembler) append(payload []byte) error {
	if !a.inMessage {
		return fmt.Errorf("%w: frame data with no message in progress", ErrProtocolError)
	}

	if a.maxSize > 0 && int64(len(a.buf))+int64(len(payload)) > a.maxSize {
		return ErrMessageTooLarge
	}

	if a.isText && a.opts.UTF8ValidateIncoming {
		validSoFar, _, accepted := a.utf8.validate(payload)
		a.buf = append(a.buf, payload[:accepted]...)
		if !validSoFar {
			return ErrInvalidUTF8
		}
		return nil
	}

	a.buf = append(a.buf, payload...)
	return nil
}

// end finalizes the message (called on the frame carrying FIN=1) and
// returns its type and complete payload. It resets assembler state so a
// new message can begin.
func (a *messageAssembler) end() (MessageType, []byte, error) {
	if !a.inMessage {
		return 0, nil, fmt.Errorf("%w: message end with no message in progress", ErrProtocolError)
	}
	if a.isText && a.opts.UTF8ValidateIncoming && !a.utf8.atBoundary() {
		a.inMessage = false
		return 0, nil, ErrInvalidUTF8
	}
	out := make([]byte, len(a.buf))
	copy(out, a.buf)
	mt := a.messageType
	a.inMessage = false
	a.buf = a.buf[:0]
	return mt, out, nil
}

// abort discards an in-progress message without validating it, used when
// the connection is failing for an unrelated reason.
func (a *messageAssembler) abort() {
	a.inMessage = false
	a.buf = a.buf[:0]
}

// parsedCloseFrame is the decoded payload of a close control frame.
type parsedCloseFrame struct {
	code   CloseCode
	reason string
}

// parseCloseFramePayload decodes a close frame's payload per RFC 6455
// Section 7.1.5/7.1.6: empty payload means "no status code"; otherwise
// the first two bytes are a big-endian status code followed by an
// optional UTF-8 reason phrase. Grounded on original_source's
// onCloseFrame parsing of code/reason out of the payload buffer.
func parseCloseFramePayload(payload []byte) (parsedCloseFrame, error) {
	if len(payload) == 0 {
		return parsedCloseFrame{code: CloseNoStatusReceived}, nil
	}
	if len(payload) < 2 {
		return parsedCloseFrame{}, fmt.Errorf("%w: close payload shorter than a status code", ErrProtocolError)
	}

	code := binary.BigEndian.Uint16(payload[:2])
	if !validOnReceive(code) {
		return parsedCloseFrame{}, ErrInvalidCloseCode
	}

	reason := payload[2:]
	if len(reason) > 0 {
		var v utf8Validator
		validSoFar, atBoundary, _ := v.validate(reason)
		if !validSoFar || !atBoundary {
			return parsedCloseFrame{}, ErrInvalidUTF8
		}
	}

	return parsedCloseFrame{code: CloseCode(code), reason: string(reason)}, nil
}

// encodeCloseFramePayload composes a close frame payload from a code and
// reason, or nil for "no status code" (CloseStatusNone/omitted code).
func encodeCloseFramePayload(code CloseCode, reason string) []byte {
	if code == CloseStatusNone {
		return nil
	}
	out := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(out, uint16(code))
	copy(out[2:], reason)
	return out
}
