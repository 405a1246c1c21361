package websocket

import (
	"bufio"
	"net"
	"net/http"
)

// Upgrade upgrades an HTTP connection to the WebSocket protocol, per RFC
// 6455 Section 4.2. Each Option in options is applied, in order, over
// DefaultServerOptions(). Received messages are read via the returned
// Conn.
//
// Example:
//
//	func handler(w http.ResponseWriter, r *http.Request) {
//	    conn, err := websocket.Upgrade(w, r)
//	    if err != nil {
//	        http.Error(w, err.Error(), http.StatusBadRequest)
//	        return
//	    }
//	    defer conn.Close()
//	    msgType, data, _ := conn.Read()
//	    conn.Write(msgType, data)
//	}
func Upgrade(w http.ResponseWriter, r *http.Request, options ...Option) (*Conn, error) {
	opts := DefaultServerOptions()
	for _, o := range options {
		o(&opts)
	}

	neg, err := acceptUpgrade(w, r, &opts)
	if err != nil {
		return nil, err
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		return nil, ErrHijackFailed
	}
	netConn, bufrw, err := hijacker.Hijack()
	if err != nil {
		return nil, err
	}
	if err := bufrw.Flush(); err != nil {
		_ = netConn.Close()
		return nil, err
	}

	if opts.TCPNoDelay {
		if tcp, ok := netConn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
		}
	}

	c := newConn(RoleServer, &opts, netConn, bufrw.Reader, NewLogger(nil))
	c.e.peer = neg.peer
	c.e.deflate = nil
	if neg.deflate != nil {
		if d, derr := newDeflateExtension(*neg.deflate); derr == nil {
			c.e.deflate = d
		}
	}
	c.e.markOpen()
	return c, nil
}

// ServeListener runs a standalone WebSocket server loop over ln, bypassing
// net/http entirely so the legacy Flash cross-domain policy file probe
// (Options.ServeFlashSocketPolicy) can be sniffed before any HTTP parsing
// is attempted — something a net/http-based Upgrade handler can never see,
// since the stdlib server rejects non-HTTP traffic before the handler
// runs. Grounded on original_source's WebSocketServerFactory, which owns
// its listener directly for exactly this reason. handler is invoked once
// per accepted connection, in its own goroutine, once the opening
// handshake completes.
func ServeListener(ln net.Listener, opts *Options, handler func(*Conn)) error {
	if opts == nil {
		defaults := DefaultServerOptions()
		opts = &defaults
	}
	for {
		raw, err := ln.Accept()
		if err != nil {
			return err
		}
		go serveRawConn(raw, opts, handler)
	}
}

func serveRawConn(raw net.Conn, opts *Options, handler func(*Conn)) {
	br := bufio.NewReaderSize(raw, defaultReadBufferSize)

	if opts.ServeFlashSocketPolicy {
		handled, err := maybeServeFlashPolicy(br, raw, opts.FlashSocketPolicy)
		if err != nil || handled {
			_ = raw.Close()
			return
		}
	}

	req, err := http.ReadRequest(br)
	if err != nil {
		_ = raw.Close()
		return
	}

	rw := &rawHijackResponseWriter{conn: raw, br: br, header: make(http.Header)}
	neg, err := acceptUpgrade(rw, req, opts)
	if err != nil {
		_ = raw.Close()
		return
	}
	if err := rw.writeSwitchingProtocols(); err != nil {
		_ = raw.Close()
		return
	}

	if opts.TCPNoDelay {
		if tcp, ok := raw.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
		}
	}

	c := newConn(RoleServer, opts, raw, br, NewLogger(nil))
	c.e.peer = neg.peer
	c.e.deflate = nil
	if neg.deflate != nil {
		if d, derr := newDeflateExtension(*neg.deflate); derr == nil {
			c.e.deflate = d
		}
	}
	c.e.markOpen()
	if handler != nil {
		handler(c)
	}
}

// rawHijackResponseWriter is a minimal http.ResponseWriter adapter (it
// does not implement http.Hijacker) letting acceptUpgrade (written against net/http's interfaces)
// run over a connection ServeListener already owns directly, without a
// real net/http server in front of it.
type rawHijackResponseWriter struct {
	conn   net.Conn
	br     *bufio.Reader
	header http.Header
	status int
}

func (w *rawHijackResponseWriter) Header() http.Header { return w.header }

func (w *rawHijackResponseWriter) Write(p []byte) (int, error) { return w.conn.Write(p) }

func (w *rawHijackResponseWriter) WriteHeader(status int) { w.status = status }

func (w *rawHijackResponseWriter) writeSwitchingProtocols() error {
	if w.status == 0 {
		w.status = http.StatusSwitchingProtocols
	}
	var buf []byte
	buf = append(buf, "HTTP/1.1 101 Switching Protocols\r\n"...)
	for k, vs := range w.header {
		for _, v := range vs {
			buf = append(buf, k...)
			buf = append(buf, ": "...)
			buf = append(buf, v...)
			buf = append(buf, "\r\n"...)
		}
	}
	buf = append(buf, "\r\n"...)
	_, err := w.conn.Write(buf)
	return err
}
