package websocket

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultServerOptions(t *testing.T) {
	opts := DefaultServerOptions()
	require.Equal(t, SupportedProtocolVersions, opts.Versions)
	require.True(t, opts.RequireMaskedClientFrames)
	require.False(t, opts.MaskServerFrames)
	require.Equal(t, 5*time.Second, opts.OpenHandshakeTimeout)
	require.Equal(t, []string{"*"}, opts.AllowedOrigins)
}

func TestDefaultClientOptions(t *testing.T) {
	opts := DefaultClientOptions()
	require.Equal(t, DefaultProtocolVersion, opts.Version)
	require.True(t, opts.MaskClientFrames)
	require.False(t, opts.AcceptMaskedServerFrames)
	require.Equal(t, 1*time.Second, opts.ServerConnectionDropTimeout)
}

func TestOptions_FunctionalOptionsApply(t *testing.T) {
	opts := DefaultServerOptions()
	for _, o := range []Option{
		WithMaxFramePayloadSize(1024),
		WithMaxMessagePayloadSize(4096),
		WithAutoFragmentSize(512),
		WithFailByDrop(false),
		WithOpenHandshakeTimeout(2 * time.Second),
		WithCloseHandshakeTimeout(3 * time.Second),
		WithAutoPing(10*time.Second, 2*time.Second, 8),
		WithAllowedOrigins("https://example.com"),
		WithSubprotocols("chat", "superchat"),
		WithProxy("proxy.example.com:3128"),
		WithTrackTimings(true),
	} {
		o(&opts)
	}

	require.EqualValues(t, 1024, opts.MaxFramePayloadSize)
	require.EqualValues(t, 4096, opts.MaxMessagePayloadSize)
	require.EqualValues(t, 512, opts.AutoFragmentSize)
	require.False(t, opts.FailByDrop)
	require.Equal(t, 2*time.Second, opts.OpenHandshakeTimeout)
	require.Equal(t, 3*time.Second, opts.CloseHandshakeTimeout)
	require.Equal(t, 10*time.Second, opts.AutoPingInterval)
	require.Equal(t, 2*time.Second, opts.AutoPingTimeout)
	require.Equal(t, 8, opts.AutoPingSize)
	require.Equal(t, []string{"https://example.com"}, opts.AllowedOrigins)
	require.Equal(t, []string{"chat", "superchat"}, opts.Subprotocols)
	require.Equal(t, "proxy.example.com:3128", opts.Proxy)
	require.True(t, opts.TrackTimings)
}

func TestOptions_WithCheckOrigin(t *testing.T) {
	opts := DefaultServerOptions()
	called := false
	WithCheckOrigin(func(*http.Request) bool {
		called = true
		return true
	})(&opts)

	require.NotNil(t, opts.CheckOrigin)
	require.True(t, opts.CheckOrigin(nil))
	require.True(t, called)
}

func TestTrafficStats_Snapshot(t *testing.T) {
	var stats TrafficStats
	stats.incomingOctets = 10
	stats.outgoingOctets = 20
	stats.incomingFrames = 1
	stats.outgoingFrames = 2
	stats.preopenIncomingOctets = 3
	stats.preopenOutgoingOctets = 4

	snap := stats.snapshot()
	require.Equal(t, Snapshot{
		PreopenIncomingOctets: 3,
		PreopenOutgoingOctets: 4,
		IncomingOctets:        10,
		OutgoingOctets:        20,
		OutgoingFrames:        2,
		IncomingFrames:        1,
	}, snap)
}
