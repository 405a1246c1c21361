package websocket

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/flate"
)

// ExtensionHook is the per-message compression capability the frame codec
// and message assembler call out to when permessage-deflate (RFC 7692)
// has been negotiated. The engine treats RSV1 as "compressed initial
// frame of a message" only when a non-nil hook is installed, per
// spec.md §4.8.
//
// Decompression is accumulated per message (DecompressMessageData feeds
// compressed fragment bytes in; EndDecompressMessage returns the fully
// inflated payload): DEFLATE's sliding window means a partial stream
// can't generally be inflated until the final trailer bytes are in hand,
// so fragment-by-fragment inflation buys nothing over buffer-then-inflate
// for the no-context-takeover mode this hook implements.
type ExtensionHook interface {
	ExtensionName() string

	StartCompressMessage()
	CompressMessageData(p []byte) []byte
	EndCompressMessage() []byte

	StartDecompressMessage()
	DecompressMessageData(p []byte)
	EndDecompressMessage() ([]byte, error)
}

// deflateExtension implements permessage-deflate on top of
// github.com/klauspost/compress/flate, a faster drop-in for the standard
// library's compress/flate. Grounded on grafana-k6's go.mod dependency on
// klauspost/compress, the only real-world DEFLATE implementation present
// in the example pack beyond the stdlib.
//
// Per RFC 7692 Section 7.2.1, "no context takeover" means the compressor
// and decompressor state reset at each message boundary rather than
// persisting across the whole connection; this implementation always
// operates that way (it does not implement the context-takeover variant),
// which keeps per-connection memory bounded and matches the
// ServerNoContextTakeover/ClientNoContextTakeover negotiated defaults.
type deflateExtension struct {
	params PerMessageDeflateParams

	compressBuf bytes.Buffer
	compressor  *flate.Writer

	decompressBuf bytes.Buffer
}

// deflateTrailer is the 4-byte DEFLATE block the sender strips from the
// end of every compressed message per RFC 7692 Section 7.2.1, and the
// receiver re-appends before inflating.
var deflateTrailer = []byte{0x00, 0x00, 0xff, 0xff}

// newDeflateExtension constructs the hook for a negotiated parameter set.
func newDeflateExtension(params PerMessageDeflateParams) (*deflateExtension, error) {
	e := &deflateExtension{params: params}
	w, err := flate.NewWriter(&e.compressBuf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	e.compressor = w
	return e, nil
}

func (e *deflateExtension) ExtensionName() string { return "permessage-deflate" }

func (e *deflateExtension) StartCompressMessage() {
	e.compressBuf.Reset()
	// No-context-takeover: the sliding window is not carried from the
	// previous message, matching EndDecompressMessage's fresh
	// flate.NewReader per message on the receive side.
	e.compressor.Reset(&e.compressBuf)
}

func (e *deflateExtension) CompressMessageData(p []byte) []byte {
	_, _ = e.compressor.Write(p)
	_ = e.compressor.Flush()
	out := make([]byte, e.compressBuf.Len())
	copy(out, e.compressBuf.Bytes())
	e.compressBuf.Reset()
	return out
}

func (e *deflateExtension) EndCompressMessage() []byte {
	out := e.CompressMessageData(nil)
	return bytes.TrimSuffix(out, deflateTrailer)
}

func (e *deflateExtension) StartDecompressMessage() {
	e.decompressBuf.Reset()
}

func (e *deflateExtension) DecompressMessageData(p []byte) {
	e.decompressBuf.Write(p)
}

func (e *deflateExtension) EndDecompressMessage() ([]byte, error) {
	e.decompressBuf.Write(deflateTrailer)
	// A final empty stored block ends the deflate stream, so the reader
	// returns io.EOF instead of io.ErrUnexpectedEOF.
	e.decompressBuf.Write([]byte{0x01, 0x00, 0x00, 0xff, 0xff})
	fr := flate.NewReader(bytes.NewReader(e.decompressBuf.Bytes()))
	out, err := io.ReadAll(fr)
	_ = fr.Close()
	e.decompressBuf.Reset()
	return out, err
}
