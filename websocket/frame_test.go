package websocket

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseFrameHeader_TextUnmasked(t *testing.T) {
	data := []byte{0x81, 0x05, 'H', 'e', 'l', 'l', 'o'}

	hdr, n, complete, err := parseFrameHeader(data)
	require.NoError(t, err)
	require.True(t, complete)
	require.Equal(t, 2, n)
	require.True(t, hdr.fin)
	require.Equal(t, byte(opcodeText), hdr.opcode)
	require.False(t, hdr.masked)
	require.EqualValues(t, 5, hdr.payloadLen)
}

func TestParseFrameHeader_TextMasked(t *testing.T) {
	mask := [4]byte{0x12, 0x34, 0x56, 0x78}
	payload := []byte("Hello")
	masked := append([]byte(nil), payload...)
	newXorMasker(mask).process(masked)

	data := []byte{0x81, 0x85, mask[0], mask[1], mask[2], mask[3]}
	data = append(data, masked...)

	hdr, n, complete, err := parseFrameHeader(data)
	require.NoError(t, err)
	require.True(t, complete)
	require.Equal(t, 6, n)
	require.True(t, hdr.masked)
	require.Equal(t, mask, hdr.mask)

	got := append([]byte(nil), data[n:]...)
	newXorMasker(hdr.mask).process(got)
	require.Equal(t, payload, got)
}

func TestParseFrameHeader_Incomplete(t *testing.T) {
	// Only one byte buffered — not even a full fixed header.
	_, _, complete, err := parseFrameHeader([]byte{0x81})
	require.NoError(t, err)
	require.False(t, complete)

	// Claims a 16-bit extended length but the two length bytes aren't
	// buffered yet.
	_, _, complete, err = parseFrameHeader([]byte{0x81, 0x7e, 0x01})
	require.NoError(t, err)
	require.False(t, complete)
}

func TestParseFrameHeader_ExtendedLengths(t *testing.T) {
	t.Run("16-bit", func(t *testing.T) {
		payload := make([]byte, 300)
		frame := EncodeFrameForTest(opcodeBinary, payload, true, 0, nil, false)
		hdr, n, complete, err := parseFrameHeader(frame)
		require.NoError(t, err)
		require.True(t, complete)
		require.EqualValues(t, 300, hdr.payloadLen)
		require.Equal(t, frame[n:], payload)
	})

	t.Run("64-bit", func(t *testing.T) {
		payload := make([]byte, 70000)
		frame := EncodeFrameForTest(opcodeBinary, payload, true, 0, nil, false)
		hdr, n, complete, err := parseFrameHeader(frame)
		require.NoError(t, err)
		require.True(t, complete)
		require.EqualValues(t, 70000, hdr.payloadLen)
		require.Equal(t, frame[n:], payload)
	})

	t.Run("non-minimal 16-bit encoding rejected", func(t *testing.T) {
		data := []byte{0x82, 0x7e, 0x00, 0x05, 'h', 'e', 'l', 'l', 'o'}
		_, _, _, err := parseFrameHeader(data)
		require.Error(t, err)
	})

	t.Run("non-minimal 64-bit encoding rejected", func(t *testing.T) {
		data := make([]byte, 10)
		data[0], data[1] = 0x82, 0x7f
		data[9] = 0x05 // encodes 5, which fits in 16 bits
		_, _, _, err := parseFrameHeader(data)
		require.Error(t, err)
	})

	t.Run("high bit set on 64-bit length rejected", func(t *testing.T) {
		data := make([]byte, 10)
		data[0], data[1] = 0x82, 0x7f
		data[2] = 0x80
		_, _, _, err := parseFrameHeader(data)
		require.Error(t, err)
	})
}

func TestParseFrameHeader_InvalidOpcode(t *testing.T) {
	data := []byte{0x83, 0x00} // opcode 0x3 is reserved
	_, _, _, err := parseFrameHeader(data)
	require.ErrorIs(t, err, ErrInvalidOpcode)
}

func TestParseFrameHeader_ControlFrameRules(t *testing.T) {
	t.Run("fragmented control frame rejected", func(t *testing.T) {
		data := []byte{0x09, 0x00} // FIN=0, opcode=ping
		_, _, _, err := parseFrameHeader(data)
		require.ErrorIs(t, err, ErrControlFragmented)
	})

	t.Run("oversized control frame rejected", func(t *testing.T) {
		data := []byte{0x89, 0x7e, 0x00, 0x80} // ping claiming 16-bit length
		_, _, _, err := parseFrameHeader(data)
		require.ErrorIs(t, err, ErrControlTooLarge)
	})

	t.Run("close frame with single payload byte rejected", func(t *testing.T) {
		data := []byte{0x88, 0x01, 0x00}
		_, _, _, err := parseFrameHeader(data)
		require.Error(t, err)
	})
}

func TestEncodeFrame_Roundtrip(t *testing.T) {
	mask := [4]byte{0xde, 0xad, 0xbe, 0xef}
	payload := []byte("round trip payload")

	frame := EncodeFrameForTest(opcodeText, payload, true, 0, &mask, true)

	hdr, n, complete, err := parseFrameHeader(frame)
	require.NoError(t, err)
	require.True(t, complete)
	require.True(t, hdr.masked)
	require.Equal(t, mask, hdr.mask)

	body := append([]byte(nil), frame[n:]...)
	newXorMasker(hdr.mask).process(body)
	require.Equal(t, payload, body)
}

func TestEncodeFrame_UnmaskedWhenNoKey(t *testing.T) {
	frame := EncodeFrameForTest(opcodeBinary, []byte{1, 2, 3}, true, 0, nil, false)
	hdr, n, complete, err := parseFrameHeader(frame)
	require.NoError(t, err)
	require.True(t, complete)
	require.False(t, hdr.masked)
	require.Equal(t, []byte{1, 2, 3}, frame[n:])
}

func TestEncodeFrame_RSVBits(t *testing.T) {
	frame := EncodeFrameForTest(opcodeBinary, nil, true, 0x4, nil, false)
	hdr, _, complete, err := parseFrameHeader(frame)
	require.NoError(t, err)
	require.True(t, complete)
	require.True(t, hdr.rsv1)
	require.False(t, hdr.rsv2)
	require.False(t, hdr.rsv3)
}

func TestEncodeFrame_EmptyPayload(t *testing.T) {
	frame := EncodeFrameForTest(opcodeClose, nil, true, 0, nil, false)
	hdr, n, complete, err := parseFrameHeader(frame)
	require.NoError(t, err)
	require.True(t, complete)
	require.EqualValues(t, 0, hdr.payloadLen)
	require.Len(t, frame, n)
}
