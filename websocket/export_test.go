package websocket

import (
	"bufio"
	"net"
)

// This file exports internals needed by tests in this package and by
// tests constructing a Conn without a real HTTP handshake.

// FrameHeaderForTest mirrors frameHeader for black-box-style assertions.
type FrameHeaderForTest struct {
	Fin        bool
	Rsv1       bool
	Rsv2       bool
	Rsv3       bool
	Opcode     byte
	Masked     bool
	Mask       [4]byte
	PayloadLen uint64
}

// ParseFrameHeaderForTest exposes parseFrameHeader.
func ParseFrameHeaderForTest(buf []byte) (hdr FrameHeaderForTest, headerLen int, complete bool, err error) {
	h, n, ok, err := parseFrameHeader(buf)
	return FrameHeaderForTest{
		Fin: h.fin, Rsv1: h.rsv1, Rsv2: h.rsv2, Rsv3: h.rsv3,
		Opcode: h.opcode, Masked: h.masked, Mask: h.mask, PayloadLen: h.payloadLen,
	}, n, ok, err
}

// EncodeFrameForTest exposes encodeFrame.
func EncodeFrameForTest(opcode byte, payload []byte, fin bool, rsv byte, mask *[4]byte, applyMask bool) []byte {
	return encodeFrame(opcode, payload, fin, rsv, mask, applyMask)
}

// Opcode constants for testing.
const (
	OpcodeContinuationForTest = opcodeContinuation
	OpcodeTextForTest         = opcodeText
	OpcodeBinaryForTest       = opcodeBinary
	OpcodeCloseForTest        = opcodeClose
	OpcodePingForTest         = opcodePing
	OpcodePongForTest         = opcodePong
)

// ApplyXORMaskForTest exposes the masker used for outgoing/incoming
// payload (un)masking.
func ApplyXORMaskForTest(data []byte, mask [4]byte) {
	newXorMasker(mask).process(data)
}

// NewConnPairForTest builds a live Conn backed by an in-memory net.Pipe,
// already marked open, plus the peer end of the pipe for a test to act as
// the other party (writing raw frame bytes, reading what the Conn sends).
// role selects which side of the protocol the Conn plays; opts defaults
// to the matching Default*Options() when nil.
func NewConnPairForTest(role Role, opts *Options) (*Conn, net.Conn) {
	clientEnd, serverEnd := net.Pipe()

	var resolved Options
	if opts != nil {
		resolved = *opts
	} else if role == RoleServer {
		resolved = DefaultServerOptions()
	} else {
		resolved = DefaultClientOptions()
	}

	c := newConn(role, &resolved, serverEnd, bufio.NewReader(serverEnd), noopLogger{})
	c.e.markOpen()
	return c, clientEnd
}
