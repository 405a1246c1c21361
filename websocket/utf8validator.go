package websocket

import "unicode/utf8"

// utf8Validator is a streaming UTF-8 validator: it accepts payload bytes
// in successive chunks (as fragments of a text message arrive) and
// reports, after each chunk, whether everything seen so far is valid and
// whether the validator currently sits on a codepoint boundary.
//
// This mirrors the shape of original_source's Utf8Validator
// (net4cxx/plugins/websocket/utf8validator.h: decode/validate/reset over
// a running {codepoint, state, index}), but is built on unicode/utf8's
// rune decoder rather than a hand-transcribed DFA transition table: a
// byte-for-byte wrong magic table is worse than no table, and rune
// decoding gives the same incremental boundary/error semantics the
// protocol engine needs (RFC 6455 Section 8.1) without that risk.
//
// A short suffix of a chunk may be an incomplete-but-still-possibly-valid
// multibyte sequence (up to 3 bytes); that suffix is carried over to the
// next call. At end-of-message (MessageAssembler finalization) any
// leftover carry means the message ended mid-sequence, which is invalid.
type utf8Validator struct {
	carry [utf8.UTFMax - 1]byte
	n     int // bytes currently held in carry
}

// reset reinitializes the validator for a new text message.
func (v *utf8Validator) reset() {
	v.n = 0
}

// atBoundary reports whether the validator has no incomplete trailing
// sequence buffered — i.e. every byte seen so far belongs to a complete,
// valid codepoint.
func (v *utf8Validator) atBoundary() bool {
	return v.n == 0
}

// validate feeds buf through the validator and reports:
//   - validSoFar: no byte up to acceptedIndex is part of an ill-formed sequence
//   - endOfCodepoint: the validator sits at a codepoint boundary after buf
//   - acceptedIndex: number of bytes of buf that were consumed before an
//     error was found (== len(buf) when validSoFar)
func (v *utf8Validator) validate(buf []byte) (validSoFar, endOfCodepoint bool, acceptedIndex int) {
	work := buf
	prefixLen := 0
	if v.n > 0 {
		prefixLen = v.n
		work = make([]byte, 0, v.n+len(buf))
		work = append(work, v.carry[:v.n]...)
		work = append(work, buf...)
		v.n = 0
	}

	i := 0
	for i < len(work) {
		r, size := utf8.DecodeRune(work[i:])
		if r == utf8.RuneError && size <= 1 {
			// Either a genuinely invalid byte, or a truncated sequence
			// that might still complete once more bytes arrive.
			if utf8.FullRune(work[i:]) {
				acceptedIndex = clampAccepted(i, prefixLen)
				return false, false, acceptedIndex
			}
			// Incomplete trailing sequence: stash it and report success
			// for everything consumed so far.
			remaining := work[i:]
			copy(v.carry[:], remaining)
			v.n = len(remaining)
			return true, false, len(buf)
		}
		i += size
	}

	return true, true, len(buf)
}

// clampAccepted converts an index into the combined (carry+buf) working
// slice back into an index within the original buf passed to validate,
// clamping at 0 since an error inside the carried prefix means nothing
// new from buf was actually accepted.
func clampAccepted(workIndex, prefixLen int) int {
	if workIndex <= prefixLen {
		return 0
	}
	return workIndex - prefixLen
}
