package websocket

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// Dial connects to a WebSocket server at rawURL (ws:// or wss://) and
// performs RFC 6455 Section 4.1's client opening handshake, optionally
// tunneling through Options.Proxy first. options is merged over
// DefaultClientOptions(). Grounded on original_source's
// WebSocketClientFactory/connectTCP plus the client_test.go test-only
// Dial the teacher never promoted to production code; this is that
// promotion, built on handshake.go's performClientHandshake instead of
// re-implementing the wire format inline.
func Dial(ctx context.Context, rawURL string, options ...Option) (*Conn, error) {
	opts := DefaultClientOptions()
	for _, o := range options {
		o(&opts)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("websocket: parse url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("websocket: unsupported URL scheme %q", u.Scheme)
	}

	host := u.Host
	if !strings.Contains(host, ":") {
		if u.Scheme == "wss" {
			host += ":443"
		} else {
			host += ":80"
		}
	}

	dialer := &net.Dialer{}
	if deadline, ok := ctx.Deadline(); ok {
		dialer.Deadline = deadline
	}

	target := host
	dialAddr := host
	if opts.Proxy != "" {
		dialAddr = opts.Proxy
	}

	raw, err := dialer.DialContext(ctx, "tcp", dialAddr)
	if err != nil {
		return nil, fmt.Errorf("websocket: dial: %w", err)
	}

	if opts.TCPNoDelay {
		if tcp, ok := raw.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
		}
	}

	var br *bufio.Reader
	if opts.Proxy != "" {
		br, err = proxyConnect(raw, target)
		if err != nil {
			_ = raw.Close()
			return nil, err
		}
	} else {
		br = bufio.NewReaderSize(raw, defaultReadBufferSize)
	}

	path := u.Path
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}

	result, err := performClientHandshake(raw, br, path, u.Host, &opts)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}

	c := newConn(RoleClient, &opts, raw, br, NewLogger(nil))
	c.e.deflate = nil
	if result.deflate != nil {
		if d, derr := newDeflateExtension(*result.deflate); derr == nil {
			c.e.deflate = d
		}
	}
	c.e.markOpen()
	return c, nil
}

// DialTimeout is a convenience wrapper around Dial using a plain timeout
// instead of a caller-managed context.
func DialTimeout(rawURL string, timeout time.Duration, options ...Option) (*Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return Dial(ctx, rawURL, options...)
}
