package websocket

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeflateExtension_CompressDecompressRoundTrip(t *testing.T) {
	ext, err := newDeflateExtension(PerMessageDeflateParams{
		ServerNoContextTakeover: true,
		ClientNoContextTakeover: true,
	})
	require.NoError(t, err)
	require.Equal(t, "permessage-deflate", ext.ExtensionName())

	message := []byte("the quick brown fox jumps over the lazy dog, repeated for compressibility, " +
		"the quick brown fox jumps over the lazy dog")

	ext.StartCompressMessage()
	compressed := ext.CompressMessageData(message)
	compressed = append(compressed, ext.EndCompressMessage()...)
	require.NotEmpty(t, compressed)

	ext.StartDecompressMessage()
	ext.DecompressMessageData(compressed)
	out, err := ext.EndDecompressMessage()
	require.NoError(t, err)
	require.Equal(t, message, out)
}

func TestDeflateExtension_NoContextTakeoverAcrossMessages(t *testing.T) {
	ext, err := newDeflateExtension(PerMessageDeflateParams{
		ServerNoContextTakeover: true,
		ClientNoContextTakeover: true,
	})
	require.NoError(t, err)

	for _, msg := range [][]byte{[]byte("first message"), []byte("second message, unrelated")} {
		ext.StartCompressMessage()
		compressed := ext.CompressMessageData(msg)
		compressed = append(compressed, ext.EndCompressMessage()...)

		ext.StartDecompressMessage()
		ext.DecompressMessageData(compressed)
		out, err := ext.EndDecompressMessage()
		require.NoError(t, err)
		require.Equal(t, msg, out)
	}
}

func TestDeflateExtension_FragmentedCompressedPayload(t *testing.T) {
	ext, err := newDeflateExtension(PerMessageDeflateParams{})
	require.NoError(t, err)

	message := []byte("a message delivered to the compressor across two writes")

	ext.StartCompressMessage()
	part1 := ext.CompressMessageData(message[:10])
	part2 := ext.CompressMessageData(message[10:])
	tail := ext.EndCompressMessage()

	ext.StartDecompressMessage()
	ext.DecompressMessageData(part1)
	ext.DecompressMessageData(part2)
	ext.DecompressMessageData(tail)
	out, err := ext.EndDecompressMessage()
	require.NoError(t, err)
	require.Equal(t, message, out)
}
