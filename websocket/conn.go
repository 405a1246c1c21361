package websocket

import (
	"bufio"
	"encoding/json"
	"net"
	"sync"
)

// Conn is the public, cross-goroutine-safe façade over an engine. It
// implements Handler itself, translating the engine's serialized
// callbacks into a channel-based Read() and a submission-queue-based
// Write(), matching the teacher's blocking Read/Write API while the
// engine underneath runs its own single-goroutine state machine.
type Conn struct {
	e       *engine
	reactor *serialReactor
	raw     net.Conn
	reader  *bufio.Reader

	msgs chan receivedMessage

	closeOnce   sync.Once
	closeResult chan CloseContext // buffered 1, written once by OnClose

	pingHandler func([]byte)
	pongHandler func([]byte)
	handlerMu   sync.Mutex
}

type receivedMessage struct {
	mt   MessageType
	data []byte
}

// newConn wires up a freshly accepted or dialed connection: it builds the
// engine, starts its reactor and read-loop goroutines, and returns the
// façade. The peer string starts out as the transport's RemoteAddr;
// callers that negotiated another one (e.g. from X-Forwarded-For) set
// c.e.peer afterwards.
func newConn(role Role, opts *Options, raw net.Conn, reader *bufio.Reader, logger Logger) *Conn {
	c := &Conn{
		raw:         raw,
		reader:      reader,
		msgs:        make(chan receivedMessage, 64),
		closeResult: make(chan CloseContext, 1),
	}
	c.reactor = newSerialReactor()
	transport := NewNetTransport(raw)
	c.e = newEngine(role, opts, transport, c.reactor, logger, c)
	c.e.conn = c

	go c.reactor.run()
	go c.readLoop()

	return c
}

// readLoop is the one goroutine that ever calls net.Conn.Read for this
// connection; it hands each chunk to the engine via reactor.Post so
// ordering is preserved and the engine itself stays single-threaded.
func (c *Conn) readLoop() {
	buf := make([]byte, defaultReadBufferSize)
	for {
		n, err := c.reader.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			c.reactor.Post(func() { c.e.dataReceived(chunk) })
		}
		if err != nil {
			c.reactor.Post(func() { c.e.connectionLost(err.Error()) })
			return
		}
	}
}

// Read blocks until the next complete message arrives, or returns
// ErrClosed once the connection has closed and every already-buffered
// message has been delivered.
func (c *Conn) Read() (MessageType, []byte, error) {
	m, ok := <-c.msgs
	if !ok {
		return 0, nil, ErrClosed
	}
	return m.mt, m.data, nil
}

// ReadText is a convenience wrapper requiring the next message be text.
func (c *Conn) ReadText() (string, error) {
	mt, data, err := c.Read()
	if err != nil {
		return "", err
	}
	if mt != TextMessage {
		return "", ErrInvalidMessageType
	}
	return string(data), nil
}

// ReadJSON is a convenience wrapper unmarshaling the next text message.
func (c *Conn) ReadJSON(v any) error {
	mt, data, err := c.Read()
	if err != nil {
		return err
	}
	if mt != TextMessage {
		return ErrInvalidMessageType
	}
	return json.Unmarshal(data, v)
}

// Write submits a message to the engine's send scheduler. It returns once
// the engine has accepted (validated and enqueued) the message, not once
// it has reached the wire — callers needing the latter should use
// Stats() polling or an OnClose/flush hook appropriate to their use case.
func (c *Conn) Write(mt MessageType, data []byte) error {
	if mt != TextMessage && mt != BinaryMessage {
		return ErrInvalidMessageType
	}
	errCh := make(chan error, 1)
	c.reactor.Post(func() { errCh <- c.e.send(mt, data, nil) })
	select {
	case err := <-errCh:
		return err
	case <-c.reactor.done:
		return ErrClosed
	}
}

// WriteText writes a text message.
func (c *Conn) WriteText(text string) error { return c.Write(TextMessage, []byte(text)) }

// WriteJSON marshals v and writes it as a text message.
func (c *Conn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Write(TextMessage, data)
}

// Ping sends a ping control frame. data must be 125 bytes or fewer.
func (c *Conn) Ping(data []byte) error {
	if len(data) > maxControlPayload {
		return ErrControlTooLarge
	}
	errCh := make(chan error, 1)
	c.reactor.Post(func() {
		if c.e.state != stateOpen {
			errCh <- ErrNotOpen
			return
		}
		c.e.sendControlFrame(opcodePing, data, nil)
		errCh <- nil
	})
	return <-errCh
}

// Pong sends a pong control frame, normally only needed to pre-empt the
// engine's automatic ping response with custom payload handling.
func (c *Conn) Pong(data []byte) error {
	if len(data) > maxControlPayload {
		return ErrControlTooLarge
	}
	errCh := make(chan error, 1)
	c.reactor.Post(func() {
		if c.e.state != stateOpen {
			errCh <- ErrNotOpen
			return
		}
		c.e.sendControlFrame(opcodePong, data, nil)
		errCh <- nil
	})
	return <-errCh
}

// SetPingHandler installs a callback invoked (from the engine's
// serialized goroutine) whenever a ping frame is received, in addition to
// the engine's own automatic pong reply.
func (c *Conn) SetPingHandler(fn func(data []byte)) {
	c.handlerMu.Lock()
	c.pingHandler = fn
	c.handlerMu.Unlock()
}

// SetPongHandler installs a callback invoked whenever a pong frame is
// received.
func (c *Conn) SetPongHandler(fn func(data []byte)) {
	c.handlerMu.Lock()
	c.pongHandler = fn
	c.handlerMu.Unlock()
}

// Close initiates a clean close with CloseNormalClosure. It is
// asynchronous: it starts the closing handshake and returns immediately,
// matching RFC 6455 Section 7.1.2's inherently two-way close.
func (c *Conn) Close() error {
	return c.CloseWithCode(CloseNormalClosure, "")
}

// CloseWithCode initiates the closing handshake with a specific status
// code and reason. Idempotent: subsequent calls are no-ops.
func (c *Conn) CloseWithCode(code CloseCode, reason string) error {
	c.closeOnce.Do(func() {
		c.reactor.Post(func() {
			c.e.sendCloseFrame(code, reason, false, nil)
		})
	})
	return nil
}

// Stats returns a point-in-time snapshot of the connection's traffic
// counters.
func (c *Conn) Stats() Snapshot { return c.e.statsSnapshot() }

// Peer returns the peer identity string recorded for this connection
// (honoring X-Forwarded-For trust when configured).
func (c *Conn) Peer() string { return c.e.peer }

// Timings returns the connection's recorded timing milestones and
// whether tracking was enabled (Options.TrackTimings).
func (c *Conn) Timings() (Timings, bool) { return c.e.timings, c.e.trackingTimings }

// CloseContext blocks until the connection has fully closed and returns
// why.
func (c *Conn) CloseContext() CloseContext {
	ctx := <-c.closeResult
	c.closeResult <- ctx // allow repeated calls to observe the same result
	return ctx
}

// ID is the engine's unique identifier, suitable for log correlation and
// as a Hub client key.
func (c *Conn) ID() string { return c.e.id }

// Handler implementation — invoked only from the engine's serialized
// goroutine (reactor.run()), never concurrently.

func (c *Conn) OnOpen(*Conn) {}

func (c *Conn) OnMessage(_ *Conn, mt MessageType, data []byte) {
	c.msgs <- receivedMessage{mt: mt, data: data}
}

func (c *Conn) OnPing(_ *Conn, data []byte) {
	c.handlerMu.Lock()
	fn := c.pingHandler
	c.handlerMu.Unlock()
	if fn != nil {
		fn(data)
	}
}

func (c *Conn) OnPong(_ *Conn, data []byte) {
	c.handlerMu.Lock()
	fn := c.pongHandler
	c.handlerMu.Unlock()
	if fn != nil {
		fn(data)
	}
}

func (c *Conn) OnClose(_ *Conn, ctx CloseContext) {
	close(c.msgs)
	c.closeResult <- ctx
	c.reactor.stop()
}
