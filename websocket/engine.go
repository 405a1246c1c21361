package websocket

import (
	"bytes"
	cryptorand "crypto/rand"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// randRead draws cryptographically random bytes for masking keys and
// auto-ping payloads.
func randRead(b []byte) (int, error) { return cryptorand.Read(b) }

// engineState is the connection lifecycle state, monotonically advancing
// connecting (or proxyConnecting) -> open -> closing -> closed. Grounded
// on original_source's WebSocketProtocol::State enum and spec.md §3.
type engineState int

const (
	stateConnecting engineState = iota
	stateProxyConnecting
	stateOpen
	stateClosing
	stateClosed
)

func (s engineState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateProxyConnecting:
		return "proxy_connecting"
	case stateOpen:
		return "open"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Handler receives message and lifecycle callbacks from an Engine. Every
// method is invoked from the engine's single serialized callback
// goroutine, never concurrently and never re-entrantly, per spec.md §5.
type Handler interface {
	OnOpen(conn *Conn)
	OnMessage(conn *Conn, mt MessageType, data []byte)
	OnPing(conn *Conn, data []byte)
	OnPong(conn *Conn, data []byte)
	OnClose(conn *Conn, ctx CloseContext)
}

// currentFrame tracks the header and in-progress unmasking of the frame
// presently being read off the wire, existing only between a complete
// header and that frame's final payload byte (spec.md §3's invariant).
type currentFrame struct {
	header      frameHeader
	masker      masker
	payloadRead uint64
}

// engine is the per-connection RFC 6455 protocol state machine (C6
// ConnectionLifecycle, tying together C3 FrameCodec, C4 MessageAssembler
// and C7 SendScheduler). It owns no network I/O itself beyond the
// Transport capability, and takes no locks: every method here must only
// be called from its single serialized goroutine (see Conn for the
// cross-goroutine-safe façade).
type engine struct {
	id   string
	role Role
	opts *Options

	transport Transport
	reactor   Reactor
	logger    Logger
	handler   Handler
	scheduler *sendScheduler
	deflate   ExtensionHook

	state engineState
	peer  string

	rxBuf   bytes.Buffer
	current *currentFrame
	asm     messageAssembler

	stats TrafficStats

	openTimer         Timer
	closeTimer        Timer
	dropTimer         Timer
	pingTimer         Timer
	awaitingPongSince time.Time

	closeCtx        CloseContext
	closeFired      bool
	sentCloseFrame  bool
	recvCloseFrame  bool
	compressing           bool // a permessage-deflate message is being accumulated
	compressedMessageType MessageType
	timings         Timings
	trackingTimings bool

	conn *Conn // back-reference set once by newConn
}

// newEngine constructs an engine in the connecting state. The caller
// transitions it to open once any handshake (already performed
// elsewhere, in handshake.go) completes, via markOpen.
func newEngine(role Role, opts *Options, transport Transport, reactor Reactor, logger Logger, handler Handler) *engine {
	if logger == nil {
		logger = noopLogger{}
	}
	e := &engine{
		id:              uuid.NewString(),
		role:            role,
		opts:            opts,
		transport:       transport,
		reactor:         reactor,
		logger:          logger,
		handler:         handler,
		state:           stateConnecting,
		trackingTimings: opts.TrackTimings,
	}
	e.asm.opts = opts
	if addr := transport.RemoteAddr(); addr != nil {
		e.peer = addr.String()
	}

	delay := defaultQueuedWriteDelay
	e.scheduler = newSendScheduler(transport, reactor, delay, 0)

	// e.deflate is left nil here: whether permessage-deflate applies to
	// this specific connection depends on what was actually negotiated
	// during the opening handshake, decided by the caller (Upgrade/Dial)
	// after this constructor returns, not by the presence of an Options
	// knob that only controls whether an offer is made/accepted at all.

	if opts.OpenHandshakeTimeout > 0 {
		e.openTimer = reactor.CallLater(opts.OpenHandshakeTimeout, e.onOpenHandshakeTimeout)
	}

	return e
}

// markOpen transitions a successfully handshaken connection into the
// open state, cancels the open-handshake timeout, arms auto-ping and
// (client-only) the server-connection-drop timer, and notifies the
// handler.
func (e *engine) markOpen() {
	if e.state != stateConnecting && e.state != stateProxyConnecting {
		return
	}
	if e.openTimer != nil {
		e.openTimer.Cancel()
		e.openTimer = nil
	}
	e.state = stateOpen
	if e.trackingTimings {
		e.timings.Opened = nowOrZero()
	}
	if e.opts.AutoPingInterval > 0 {
		e.pingTimer = e.reactor.CallLater(e.opts.AutoPingInterval, e.onAutoPing)
	}
	if e.role == RoleClient && e.opts.ServerConnectionDropTimeout > 0 {
		e.dropTimer = e.reactor.CallLater(e.opts.ServerConnectionDropTimeout, e.onServerConnectionDropTimeout)
	}
	if e.handler != nil {
		e.handler.OnOpen(e.conn)
	}
}

// nowOrZero exists so timestamping is a single call site; time.Now is
// permitted here (unlike in test-sensitive pure logic) since Timings are
// an observability feature with no bearing on protocol correctness.
func nowOrZero() time.Time { return time.Now() }

// DataReceived is the sole entry point for bytes arriving off the wire
// once the connection is open; the caller's read loop feeds it serially.
// Grounded on original_source's WebSocketProtocol::dataReceived /
// consumeData loop.
func (e *engine) dataReceived(data []byte) {
	if e.state == stateClosed {
		return
	}

	n := int64(len(data))
	if e.state == stateConnecting || e.state == stateProxyConnecting {
		e.stats.preopenIncomingOctets += n
	} else {
		e.stats.incomingOctets += n
	}
	if e.trackingTimings && e.timings.FirstByte.IsZero() {
		e.timings.FirstByte = nowOrZero()
	}

	e.rxBuf.Write(data)
	e.processBuffered()
}

// processBuffered drains as many complete frames as are currently
// buffered, stopping when a header or payload is incomplete. Grounded on
// original_source's processData loop.
func (e *engine) processBuffered() {
	for e.state == stateOpen || e.state == stateClosing {
		if e.current == nil {
			if !e.tryStartFrame() {
				return
			}
		}
		if !e.continueCurrentFrame() {
			return
		}
	}
}

// tryStartFrame attempts to decode the next frame's header from rxBuf.
// Returns false if more bytes are needed.
func (e *engine) tryStartFrame() bool {
	buf := e.rxBuf.Bytes()
	hdr, headerLen, complete, err := parseFrameHeader(buf)
	if err != nil {
		e.failConnection(CloseProtocolError, err.Error())
		return false
	}
	if !complete {
		return false
	}

	if err := e.validateHeaderPolicy(hdr); err != nil {
		e.failConnection(CloseProtocolError, err.Error())
		return false
	}

	e.rxBuf.Next(headerLen)

	var m masker
	if hdr.masked {
		m = newXorMasker(hdr.mask)
	} else {
		m = &nullMasker{}
	}
	e.current = &currentFrame{header: hdr, masker: m}
	return true
}

// inMessage reports whether a data message (compressed or not) is
// currently being accumulated, combining the assembler's and the
// permessage-deflate path's independent tracking into one check.
func (e *engine) inMessage() bool {
	return e.asm.inMessage || e.compressing
}

// validateHeaderPolicy applies the role/state/extension-dependent rules
// that parseFrameHeader itself cannot check (RSV legality, mask-presence
// policy, continuation-vs-initial opcode legality).
func (e *engine) validateHeaderPolicy(hdr frameHeader) error {
	if hdr.rsv2 || hdr.rsv3 {
		return ErrReservedBits
	}
	if hdr.rsv1 && (e.deflate == nil || !isDataFrame(hdr.opcode) || e.inMessage()) {
		// RSV1 is only legal on the initial frame of a compressed
		// message when permessage-deflate is negotiated.
		return ErrReservedBits
	}

	if e.role == RoleServer && e.opts.RequireMaskedClientFrames && !hdr.masked {
		return ErrMaskRequired
	}
	if e.role == RoleClient && !e.opts.AcceptMaskedServerFrames && hdr.masked {
		return ErrMaskUnexpected
	}

	if isDataFrame(hdr.opcode) {
		if hdr.opcode == opcodeContinuation && !e.inMessage() {
			return ErrUnexpectedContinuation
		}
		if hdr.opcode != opcodeContinuation && e.inMessage() {
			return fmt.Errorf("%w: new data frame while message in progress", ErrProtocolError)
		}
	}

	if e.opts.MaxFramePayloadSize > 0 && int64(hdr.payloadLen) > e.opts.MaxFramePayloadSize {
		return ErrFrameTooLarge
	}

	return nil
}

// continueCurrentFrame consumes as much of the current frame's payload
// as is buffered, unmasking in place, and dispatches to the assembler or
// control-frame handler once the whole payload has arrived. Returns
// false when more bytes are needed or the connection stopped processing.
func (e *engine) continueCurrentFrame() bool {
	cf := e.current
	remaining := cf.header.payloadLen - cf.payloadRead
	available := uint64(e.rxBuf.Len())
	if available == 0 && remaining > 0 {
		return false
	}
	// Control-frame payloads (at most 125 bytes) are only consumed once
	// they are fully buffered, so they are handled in one piece.
	if isControlFrame(cf.header.opcode) && available < remaining {
		return false
	}

	take := remaining
	if available < take {
		take = available
	}

	chunk := make([]byte, take)
	_, _ = e.rxBuf.Read(chunk)
	cf.masker.process(chunk)
	cf.payloadRead += take

	if isControlFrame(cf.header.opcode) {
		// The buffering check above means chunk holds the whole payload.
		if cf.payloadRead < cf.header.payloadLen {
			return false
		}
		e.current = nil
		return e.handleControlFrame(cf.header.opcode, chunk)
	}

	if e.deflate != nil && (cf.header.rsv1 || e.compressing) {
		if cf.header.rsv1 && !e.compressing {
			e.compressing = true
			e.compressedMessageType = messageTypeFor(cf.header.opcode)
			e.deflate.StartDecompressMessage()
		}
		e.deflate.DecompressMessageData(chunk)
	} else if e.asm.inMessage || cf.header.opcode != opcodeContinuation {
		if err := e.feedAssembler(cf.header, chunk); err != nil {
			e.failConnection(closeCodeFor(err), err.Error())
			return false
		}
	}

	if cf.payloadRead < cf.header.payloadLen {
		return true
	}

	e.current = nil
	return e.finishDataFrame(cf.header)
}

// feedAssembler begins a message on the first frame of a (non-compressed)
// data message and appends subsequent fragments.
func (e *engine) feedAssembler(hdr frameHeader, chunk []byte) error {
	if hdr.opcode != opcodeContinuation && !e.asm.inMessage {
		if err := e.asm.begin(hdr.opcode, hdr.rsv1); err != nil {
			return err
		}
	}
	return e.asm.append(chunk)
}

// finishDataFrame is called once a data frame's payload has been fully
// consumed; on fin=true it finalizes the message (inflating first, if
// permessage-deflate was in play) and delivers it to the handler.
func (e *engine) finishDataFrame(hdr frameHeader) bool {
	if !hdr.fin {
		e.stats.incomingFrames++
		return true
	}

	var mt MessageType
	var payload []byte
	var err error

	if e.compressing {
		e.compressing = false
		payload, err = e.deflate.EndDecompressMessage()
		if err != nil {
			e.failConnection(CloseInvalidFramePayloadData, "permessage-deflate: "+err.Error())
			return false
		}
		mt = e.compressedMessageType
		if mt == TextMessage && e.opts.UTF8ValidateIncoming && !utf8AllValid(payload) {
			e.failConnection(CloseInvalidFramePayloadData, ErrInvalidUTF8.Error())
			return false
		}
	} else {
		mt, payload, err = e.asm.end()
		if err != nil {
			e.failConnection(closeCodeFor(err), err.Error())
			return false
		}
	}

	e.stats.incomingFrames++
	if e.trackingTimings && !e.timings.HasFirstMsg {
		e.timings.FirstMsg = nowOrZero()
		e.timings.HasFirstMsg = true
	}
	if e.handler != nil {
		e.handler.OnMessage(e.conn, mt, payload)
	}
	return true
}

// messageTypeFor maps an initial data-frame opcode to a MessageType, used
// on the compressed-message path where messageAssembler.begin isn't
// invoked.
func messageTypeFor(opcode byte) MessageType {
	if opcode == opcodeText {
		return TextMessage
	}
	return BinaryMessage
}

// utf8AllValid is a one-shot check used only for whole, already-inflated
// compressed message payloads (no streaming state to carry).
func utf8AllValid(b []byte) bool {
	var v utf8Validator
	validSoFar, atBoundary, _ := v.validate(b)
	return validSoFar && atBoundary
}

// closeCodeFor maps an assembler/codec error to the close code it should
// trigger, per spec.md §7's error taxonomy.
func closeCodeFor(err error) CloseCode {
	switch {
	case err == ErrInvalidUTF8:
		return CloseInvalidFramePayloadData
	case err == ErrMessageTooLarge:
		return CloseMessageTooBig
	case err == ErrInvalidCloseCode:
		return CloseProtocolError
	default:
		return CloseProtocolError
	}
}

// handleControlFrame dispatches a complete control frame (close, ping or
// pong) once its payload has fully arrived.
func (e *engine) handleControlFrame(opcode byte, payload []byte) bool {
	e.stats.incomingFrames++
	switch opcode {
	case opcodeClose:
		return e.handleCloseFrame(payload)
	case opcodePing:
		if e.handler != nil {
			e.handler.OnPing(e.conn, payload)
		}
		e.sendControlFrame(opcodePong, payload, nil)
		return e.state == stateOpen || e.state == stateClosing
	case opcodePong:
		e.awaitingPongSince = time.Time{}
		if e.handler != nil {
			e.handler.OnPong(e.conn, payload)
		}
		return e.state == stateOpen || e.state == stateClosing
	default:
		return true
	}
}

// handleCloseFrame processes a received close frame: while open, it
// replies with a close frame and drops the connection; while closing
// (our own close frame already sent), it is the peer's reply and the
// connection is dropped cleanly.
func (e *engine) handleCloseFrame(payload []byte) bool {
	parsed, err := parseCloseFramePayload(payload)
	if err != nil {
		e.failConnection(closeCodeFor(err), err.Error())
		return false
	}

	e.recvCloseFrame = true
	e.closeCtx.RemoteCloseCode = parsed.code
	e.closeCtx.RemoteCloseReason = parsed.reason

	if e.state == stateClosing {
		// We sent the close frame; this is the peer's reply.
		e.closeCtx.WasClean = true
		e.dropConnection(false)
		return false
	}

	// Peer-initiated close: echo it back (optionally with the same
	// code/reason) and drop.
	replyCode := CloseNormalClosure
	replyReason := ""
	if e.opts.EchoCloseCodeReason {
		replyCode = parsed.code
		replyReason = parsed.reason
	}
	if !replyCode.sendable() {
		replyCode = CloseNormalClosure
	}
	e.sendCloseFrame(replyCode, replyReason, true, nil)
	e.closeCtx.WasClean = true
	e.dropConnection(false)
	return false
}

// sendControlFrame is the low-level control-frame send path, bypassing
// auto-fragmentation (control frames are never fragmented). done, if
// non-nil, is closed once the frame has actually reached the transport.
func (e *engine) sendControlFrame(opcode byte, payload []byte, done chan struct{}) {
	mask, apply := e.outgoingMaskPolicy()
	frame := encodeFrame(opcode, payload, true, 0, mask, apply)
	e.stats.outgoingFrames++
	n := int64(len(frame))
	if e.state == stateOpen || e.state == stateClosing {
		e.stats.outgoingOctets += n
	} else {
		e.stats.preopenOutgoingOctets += n
	}
	e.scheduler.enqueue(frame, done)
}

// outgoingMaskPolicy decides whether outgoing frames carry a masking key
// and whether that key is actually applied to the payload bytes
// (Options.ApplyMask is a test-only knob to send an unmasked-looking
// payload behind a present mask key).
func (e *engine) outgoingMaskPolicy() (*[4]byte, bool) {
	shouldMask := (e.role == RoleClient && e.opts.MaskClientFrames) ||
		(e.role == RoleServer && e.opts.MaskServerFrames)
	if !shouldMask {
		return nil, false
	}
	key, err := randomMaskKey()
	if err != nil {
		key = [4]byte{}
	}
	return &key, e.opts.ApplyMask
}

// send is the engine-side entry point for an application message,
// auto-fragmenting per Options.AutoFragmentSize and optionally
// compressing via the negotiated ExtensionHook.
func (e *engine) send(mt MessageType, data []byte, done chan struct{}) error {
	if e.state != stateOpen {
		return ErrNotOpen
	}

	opcode := mt.opcode()
	body := data
	rsv1 := byte(0)
	if e.deflate != nil {
		e.deflate.StartCompressMessage()
		compressed := e.deflate.CompressMessageData(body)
		compressed = append(compressed, e.deflate.EndCompressMessage()...)
		body = compressed
		rsv1 = 0x4
	}

	pieces := fragmentOutgoing(opcode, body, e.opts.AutoFragmentSize)
	for i, p := range pieces {
		mask, apply := e.outgoingMaskPolicy()
		rsv := byte(0)
		if i == 0 {
			rsv = rsv1
		}
		frame := encodeFrame(p.opcode, p.body, p.fin, rsv, mask, apply)
		e.stats.outgoingFrames++
		e.stats.outgoingOctets += int64(len(frame))
		var cb chan struct{}
		if i == len(pieces)-1 {
			cb = done
		}
		e.scheduler.enqueue(frame, cb)
	}
	return nil
}

// randomMaskKey draws a cryptographically random 4-byte masking key.
func randomMaskKey() ([4]byte, error) {
	var key [4]byte
	_, err := randRead(key[:])
	return key, err
}

// sendCloseFrame initiates or replies to the closing handshake, moving
// the engine to stateClosing and arming the close-handshake timeout on
// the initiating side. Grounded on original_source's sendCloseFrame. done,
// if non-nil, is closed once the close frame has reached the transport.
func (e *engine) sendCloseFrame(code CloseCode, reason string, isReply bool, done chan struct{}) {
	if e.state == stateConnecting || e.state == stateProxyConnecting {
		if done != nil {
			close(done)
		}
		return
	}
	if e.sentCloseFrame {
		if done != nil {
			close(done)
		}
		return
	}
	e.sentCloseFrame = true

	sendCode := code
	if !sendCode.sendable() {
		sendCode = CloseNormalClosure
	}
	payload := encodeCloseFramePayload(sendCode, reason)
	e.sendControlFrame(opcodeClose, payload, done)

	e.closeCtx.LocalCloseCode = sendCode
	e.closeCtx.LocalCloseReason = reason
	e.closeCtx.ClosedByMe = !isReply

	if e.state == stateOpen {
		e.state = stateClosing
		if !isReply && e.opts.CloseHandshakeTimeout > 0 {
			e.closeTimer = e.reactor.CallLater(e.opts.CloseHandshakeTimeout, e.onCloseHandshakeTimeout)
		}
	}
}

// dropConnection tears down the transport, cancels every timer, discards
// buffered state, and fires OnClose exactly once. abort selects a
// TCP-RST-style teardown over a graceful FIN.
func (e *engine) dropConnection(abort bool) {
	if e.state == stateClosed {
		return
	}
	e.cancelTimers()
	e.rxBuf.Reset()
	e.current = nil
	e.asm.abort()
	e.scheduler.discard()

	if abort {
		_ = e.transport.AbortConn()
	} else {
		_ = e.transport.CloseConn()
	}

	e.state = stateClosed
	e.fireClose()
}

// failConnection is dropConnection's protocol-violation entry point: it
// attempts a best-effort close frame (unless Options.FailByDrop) before
// tearing down, and records the failure on the CloseContext. Grounded on
// original_source's failConnection.
func (e *engine) failConnection(code CloseCode, reason string) {
	if e.state == stateClosed {
		return
	}
	e.closeCtx.FailedByMe = true
	e.closeCtx.NotCleanReason = reason
	e.logger.Warn(e.peer, fmt.Sprintf("failing connection: %s", reason))

	if e.opts.FailByDrop {
		e.dropConnection(true)
		return
	}

	preState := e.state
	if preState == stateOpen {
		// Send the close frame and enter CLOSING; wait for the peer's
		// echo or the close-handshake timeout to drive the eventual
		// drop instead of discarding the scheduler here.
		e.sendCloseFrame(code, reason, false, nil)
		return
	}
	e.dropConnection(preState != stateClosing)
}

// connectionLost is the Transport-level entry point for an abrupt TCP
// drop (EOF/reset) with no close frame exchanged, resolving spec.md §7's
// open question on lost-transport handling.
func (e *engine) connectionLost(reason string) {
	if e.state == stateClosed {
		return
	}
	e.closeCtx.WasClean = false
	if e.closeCtx.NotCleanReason == "" {
		e.closeCtx.NotCleanReason = reason
	}
	e.dropConnection(false)
}

func (e *engine) cancelTimers() {
	for _, t := range []Timer{e.openTimer, e.closeTimer, e.dropTimer, e.pingTimer} {
		if t != nil {
			t.Cancel()
		}
	}
	e.openTimer, e.closeTimer, e.dropTimer, e.pingTimer = nil, nil, nil, nil
}

func (e *engine) fireClose() {
	if e.closeFired {
		return
	}
	e.closeFired = true
	if e.handler != nil {
		e.handler.OnClose(e.conn, e.closeCtx)
	}
}

func (e *engine) onOpenHandshakeTimeout() {
	e.closeCtx.WasOpenHandshakeTimeout = true
	e.failConnection(CloseProtocolError, "opening handshake timed out")
}

func (e *engine) onCloseHandshakeTimeout() {
	e.closeCtx.WasCloseHandshakeTimeout = true
	e.dropConnection(true)
}

func (e *engine) onServerConnectionDropTimeout() {
	if !e.recvCloseFrame {
		e.connectionLost("server did not close the TCP connection after the closing handshake")
	}
}

func (e *engine) onAutoPing() {
	if e.state != stateOpen {
		return
	}
	if !e.awaitingPongSince.IsZero() && e.opts.AutoPingTimeout > 0 &&
		time.Since(e.awaitingPongSince) > e.opts.AutoPingTimeout {
		e.failConnection(CloseGoingAway, "auto-ping timeout: peer stopped responding")
		return
	}
	payload := make([]byte, e.opts.AutoPingSize)
	_, _ = randRead(payload)
	e.awaitingPongSince = nowOrZero()
	e.sendControlFrame(opcodePing, payload, nil)
	e.pingTimer = e.reactor.CallLater(e.opts.AutoPingInterval, e.onAutoPing)
}

// stats snapshots the traffic counters.
func (e *engine) statsSnapshot() Snapshot { return e.stats.snapshot() }
