package websocket

import (
	"net/http"
	"sync/atomic"
	"time"
)

// SupportedProtocolVersions are the RFC 6455 Sec-WebSocket-Version values
// this engine accepts (8 was the last pre-RFC draft still seen in the
// wild; 13 is RFC 6455 itself). Grounded on original_source's
// WebSocketProtocol::SUPPORTED_PROTOCOL_VERSIONS.
var SupportedProtocolVersions = []int{8, 13}

// DefaultProtocolVersion is the version a client advertises by default
// (DefaultClientOptions), matching DEFAULT_SPEC_VERSION in
// original_source. Servers accept every version in Options.Versions,
// which DefaultServerOptions sets to SupportedProtocolVersions.
const DefaultProtocolVersion = 13

// defaultQueuedWriteDelay paces successive queued writes so the engine
// interleaves with other connections' reactor work instead of draining
// its whole send queue in one scheduling slot. Grounded on
// original_source's WebSocketProtocol::QUEUED_WRITE_DELAY (0.00001s).
const defaultQueuedWriteDelay = 10 * time.Microsecond

// PerMessageDeflateParams carries the negotiated permessage-deflate
// parameters (RFC 7692 Section 7) once an offer has been accepted.
type PerMessageDeflateParams struct {
	ServerNoContextTakeover bool
	ClientNoContextTakeover bool
	ServerMaxWindowBits     int
	ClientMaxWindowBits     int
}

// Options is the immutable configuration snapshot an Engine reads at
// construction time (spec.md §6's Factory capability option table,
// collapsed into a single struct per the Design Notes in spec.md §9 —
// "collapse [Factory variants] into a tagged role + option record").
type Options struct {
	// Versions is the set of Sec-WebSocket-Version values a server will
	// accept. Version is the single value a client advertises.
	Versions []int
	Version  int

	UTF8ValidateIncoming bool
	ApplyMask            bool

	MaxFramePayloadSize   int64 // 0 = unlimited
	MaxMessagePayloadSize int64 // 0 = unlimited
	AutoFragmentSize      int64 // 0 = disabled; server-side outgoing auto-fragmentation

	FailByDrop          bool
	EchoCloseCodeReason bool

	OpenHandshakeTimeout        time.Duration
	CloseHandshakeTimeout       time.Duration
	ServerConnectionDropTimeout time.Duration // client-only

	AutoPingInterval time.Duration
	AutoPingTimeout  time.Duration
	AutoPingSize     int

	// Server-side masking policy.
	RequireMaskedClientFrames bool
	MaskServerFrames          bool

	// Client-side masking policy.
	AcceptMaskedServerFrames bool
	MaskClientFrames         bool

	// PerMessageCompressionAccept is consulted by the server handshake
	// with the client's offered parameters; returning nil rejects the
	// extension. PerMessageCompressionOffers is what a client proposes.
	PerMessageCompressionAccept func(offered PerMessageDeflateParams) *PerMessageDeflateParams
	PerMessageCompressionOffers []PerMessageDeflateParams

	// Server admission control.
	AllowedOrigins     []string // glob patterns, e.g. "https://*.example.com"
	AllowNullOrigin    bool
	MaxConnections     int
	TrustXForwardedFor int // number of trusted hops; 0 = disabled

	TCPNoDelay bool

	// ServeFlashSocketPolicy enables a pre-handshake sniff for legacy
	// Flash cross-domain policy file requests (original_source's
	// _serverFlashSocketPolicy). Off by default.
	ServeFlashSocketPolicy bool
	FlashSocketPolicy      string

	// TrackTimings enables recording of per-connection timing milestones
	// (original_source's _trackTimings). Off by default.
	TrackTimings bool

	// CheckOrigin, when set, overrides the AllowedOrigins glob check with
	// full access to the originating *http.Request (server role only).
	CheckOrigin func(*http.Request) bool

	// Subprotocols is the list of application subprotocols a server
	// advertises, or a client requests.
	Subprotocols []string

	// Proxy is the "host:port" of an HTTP(S) proxy the client should
	// CONNECT through before starting the WebSocket handshake. Empty
	// means connect directly.
	Proxy string
}

// DefaultServerOptions returns the baseline server-side configuration,
// grounded on original_source's WebSocketServerFactory::resetProtocolOptions.
func DefaultServerOptions() Options {
	return Options{
		Versions:                  append([]int(nil), SupportedProtocolVersions...),
		UTF8ValidateIncoming:      true,
		RequireMaskedClientFrames: true,
		MaskServerFrames:          false,
		ApplyMask:                 true,
		FailByDrop:                true,
		EchoCloseCodeReason:       false,
		OpenHandshakeTimeout:      5 * time.Second,
		CloseHandshakeTimeout:     1 * time.Second,
		TCPNoDelay:                true,
		AutoPingSize:              4,
		AllowedOrigins:            []string{"*"},
		AllowNullOrigin:           true,
	}
}

// DefaultClientOptions returns the baseline client-side configuration,
// grounded on original_source's WebSocketClientFactory::resetProtocolOptions.
func DefaultClientOptions() Options {
	return Options{
		Version:                     DefaultProtocolVersion,
		UTF8ValidateIncoming:        true,
		AcceptMaskedServerFrames:    false,
		MaskClientFrames:            true,
		ApplyMask:                   true,
		FailByDrop:                  true,
		EchoCloseCodeReason:         false,
		ServerConnectionDropTimeout: 1 * time.Second,
		OpenHandshakeTimeout:        5 * time.Second,
		CloseHandshakeTimeout:       1 * time.Second,
		TCPNoDelay:                  true,
		AutoPingSize:                4,
	}
}

// Option mutates an Options value, applied over a Default*Options()
// baseline in the functional-options idiom; Upgrade, Dial and
// DialTimeout take a list of them.
type Option func(*Options)

func WithMaxFramePayloadSize(n int64) Option   { return func(o *Options) { o.MaxFramePayloadSize = n } }
func WithMaxMessagePayloadSize(n int64) Option { return func(o *Options) { o.MaxMessagePayloadSize = n } }
func WithAutoFragmentSize(n int64) Option      { return func(o *Options) { o.AutoFragmentSize = n } }
func WithFailByDrop(b bool) Option             { return func(o *Options) { o.FailByDrop = b } }
func WithOpenHandshakeTimeout(d time.Duration) Option {
	return func(o *Options) { o.OpenHandshakeTimeout = d }
}
func WithCloseHandshakeTimeout(d time.Duration) Option {
	return func(o *Options) { o.CloseHandshakeTimeout = d }
}
func WithAutoPing(interval, timeout time.Duration, size int) Option {
	return func(o *Options) {
		o.AutoPingInterval = interval
		o.AutoPingTimeout = timeout
		o.AutoPingSize = size
	}
}
func WithAllowedOrigins(patterns ...string) Option {
	return func(o *Options) { o.AllowedOrigins = patterns }
}
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(o *Options) { o.CheckOrigin = fn }
}
func WithSubprotocols(protos ...string) Option { return func(o *Options) { o.Subprotocols = protos } }
func WithProxy(hostport string) Option         { return func(o *Options) { o.Proxy = hostport } }
func WithTrackTimings(b bool) Option            { return func(o *Options) { o.TrackTimings = b } }

// TrafficStats holds monotonically increasing wire-level counters,
// partitioned by connection phase per spec.md §3's invariant that every
// received byte is counted in exactly one of the pre-open/post-open
// buckets. Safe for concurrent reads via Snapshot.
type TrafficStats struct {
	preopenIncomingOctets int64
	preopenOutgoingOctets int64
	incomingOctets        int64
	outgoingOctets        int64
	outgoingFrames        int64
	incomingFrames        int64
}

// Snapshot is a point-in-time copy of TrafficStats suitable for exporting
// to monitoring without holding a reference into the live engine.
type Snapshot struct {
	PreopenIncomingOctets int64
	PreopenOutgoingOctets int64
	IncomingOctets        int64
	OutgoingOctets        int64
	OutgoingFrames        int64
	IncomingFrames        int64
}

func (s *TrafficStats) snapshot() Snapshot {
	return Snapshot{
		PreopenIncomingOctets: atomic.LoadInt64(&s.preopenIncomingOctets),
		PreopenOutgoingOctets: atomic.LoadInt64(&s.preopenOutgoingOctets),
		IncomingOctets:        atomic.LoadInt64(&s.incomingOctets),
		OutgoingOctets:        atomic.LoadInt64(&s.outgoingOctets),
		OutgoingFrames:        atomic.LoadInt64(&s.outgoingFrames),
		IncomingFrames:        atomic.LoadInt64(&s.incomingFrames),
	}
}

// CloseContext records how and why a connection ended, assembled
// incrementally as the lifecycle state machine runs and delivered once,
// in full, to Handler.OnClose. Field names and semantics are taken
// verbatim from spec.md §3's CloseContext.
type CloseContext struct {
	WasClean                 bool
	NotCleanReason           string
	LocalCloseCode           CloseCode
	LocalCloseReason         string
	RemoteCloseCode          CloseCode
	RemoteCloseReason        string
	ClosedByMe               bool
	DroppedByMe              bool
	FailedByMe               bool
	WasOpenHandshakeTimeout  bool
	WasCloseHandshakeTimeout bool
}

// Timings records optional per-connection timing milestones
// (original_source's Timings, gated by Options.TrackTimings).
type Timings struct {
	Opened      time.Time
	FirstByte   time.Time
	FirstMsg    time.Time
	HasFirstMsg bool
}
